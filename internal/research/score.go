package research

import (
	"strings"
	"time"
)

// Quality blends three normalized components with fixed weights:
//
//	quality = 0.5*length + 0.3*sources + 0.2*confidence
//
// length is the mean over the six required sections of min(words/target, 1),
// sources is min(count/10, 1), confidence is Confidence/10. The result is
// clamped to [0, 1].
const (
	lengthWeight     = 0.5
	sourceWeight     = 0.3
	confidenceWeight = 0.2

	sourceCeiling = 10
	maxConfidence = 10
)

// wordTargets holds the word count at which a section earns full length
// credit.
var wordTargets = map[Section]int{
	SectionDescription: 100,
	SectionDetection:   75,
	SectionMitigation:  75,
	SectionPlaybook:    100,
	SectionReferences:  50,
	SectionNotes:       50,
}

// HighQualityThreshold is the quality score at which an output counts as
// high quality in analytics and search defaults.
const HighQualityThreshold = 0.7

// Currency thresholds: an output younger than CurrentMaxAge with at least
// these scores does not need re-research. The staleness refresher queries the
// store with the same values.
const (
	CurrentMaxAge          = 30 * 24 * time.Hour
	CurrentMinQuality      = 0.6
	CurrentMinCompleteness = 0.7
)

// CompletenessScore is the fraction of required sections carrying content.
func CompletenessScore(o *Output) float64 {
	filled := 0
	for _, s := range RequiredSections {
		if o.HasSection(s) {
			filled++
		}
	}
	return clamp01(float64(filled) / float64(len(RequiredSections)))
}

// QualityScore computes the weighted quality of an output. Deterministic:
// equal inputs always yield equal scores.
func QualityScore(o *Output) float64 {
	var length float64
	for _, s := range RequiredSections {
		words := float64(len(strings.Fields(o.SectionText(s))))
		target := float64(wordTargets[s])
		length += min(words/target, 1)
	}
	length /= float64(len(RequiredSections))

	sources := min(float64(len(o.Sources))/sourceCeiling, 1)
	confidence := clamp01(o.Confidence / maxConfidence)

	return clamp01(lengthWeight*length + sourceWeight*sources + confidenceWeight*confidence)
}

// Rescore recomputes both derived scores in place.
func (o *Output) Rescore() {
	o.Completeness = CompletenessScore(o)
	o.Quality = QualityScore(o)
}

// Complete reports whether every required section has content.
func (o *Output) Complete() bool { return o.Completeness >= 1 }

// HighQuality reports whether the output clears the 0.7 quality bar.
func (o *Output) HighQuality() bool { return o.Quality >= HighQualityThreshold }

// Current reports whether the output is fresh enough to skip re-research:
// updated within 30 days with quality >= 0.6 and completeness >= 0.7.
func (o *Output) Current(now time.Time) bool {
	if o.UpdatedAt.IsZero() || now.Sub(o.UpdatedAt) > CurrentMaxAge {
		return false
	}
	return o.Quality >= CurrentMinQuality && o.Completeness >= CurrentMinCompleteness
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
