// Package research defines the shared domain model for the technique
// research engine: research outputs and their scoring, queue tasks and retry
// policy, text extraction helpers, and the error taxonomy the storage
// packages share.
package research

import (
	"strings"
	"time"
)

// Section names one of the six required parts of a research document.
type Section string

const (
	SectionDescription Section = "description"
	SectionDetection   Section = "detection"
	SectionMitigation  Section = "mitigation"
	SectionPlaybook    Section = "playbook"
	SectionReferences  Section = "references"
	SectionNotes       Section = "notes"
)

// RequiredSections lists the sections every complete document carries, in
// canonical order.
var RequiredSections = []Section{
	SectionDescription,
	SectionDetection,
	SectionMitigation,
	SectionPlaybook,
	SectionReferences,
	SectionNotes,
}

// RelatedLimit caps how many related technique ids an output keeps.
const RelatedLimit = 10

// Output is the stored research document for one technique on one platform.
// The pair (TechniqueID, Platform) is the natural key.
type Output struct {
	TechniqueID   string `json:"technique_id"`
	Platform      string `json:"platform"`
	TechniqueName string `json:"technique_name,omitempty"`
	Category      string `json:"category,omitempty"`

	Description string `json:"description,omitempty"`
	Detection   string `json:"detection,omitempty"`
	Mitigation  string `json:"mitigation,omitempty"`
	Playbook    string `json:"playbook,omitempty"`
	References  string `json:"references,omitempty"`
	Notes       string `json:"notes,omitempty"`

	// Confidence is the generator's self-reported confidence on a 0-10 scale.
	// Quality and Completeness are derived and recomputed on every write.
	Confidence   float64 `json:"confidence_score"`
	Quality      float64 `json:"quality_score"`
	Completeness float64 `json:"completeness_score"`

	Sources []string `json:"sources,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Related []string `json:"related_techniques,omitempty"`

	// ResearchContext preserves the retrieved context the document was
	// drafted from. Custom is an open extension map for fields the schema
	// does not model.
	ResearchContext string            `json:"research_context,omitempty"`
	Custom          map[string]string `json:"custom,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SectionText returns the text of the named section, or "" for an unknown
// section.
func (o *Output) SectionText(s Section) string {
	switch s {
	case SectionDescription:
		return o.Description
	case SectionDetection:
		return o.Detection
	case SectionMitigation:
		return o.Mitigation
	case SectionPlaybook:
		return o.Playbook
	case SectionReferences:
		return o.References
	case SectionNotes:
		return o.Notes
	}
	return ""
}

// SetSection replaces the text of the named section. Unknown sections are
// ignored.
func (o *Output) SetSection(s Section, text string) {
	switch s {
	case SectionDescription:
		o.Description = text
	case SectionDetection:
		o.Detection = text
	case SectionMitigation:
		o.Mitigation = text
	case SectionPlaybook:
		o.Playbook = text
	case SectionReferences:
		o.References = text
	case SectionNotes:
		o.Notes = text
	}
}

// HasSection reports whether the named section carries any non-blank text.
func (o *Output) HasSection(s Section) bool {
	return strings.TrimSpace(o.SectionText(s)) != ""
}

// Validate checks the output before it reaches storage.
func (o *Output) Validate() error {
	if strings.TrimSpace(o.TechniqueID) == "" {
		return &ValidationError{Field: "technique_id", Reason: "required"}
	}
	if strings.TrimSpace(o.Platform) == "" {
		return &ValidationError{Field: "platform", Reason: "required"}
	}
	if o.Confidence < 0 || o.Confidence > maxConfidence {
		return &ValidationError{Field: "confidence_score", Reason: "must be between 0 and 10"}
	}
	return nil
}

// NormalizeTechnique canonicalizes a technique id (trimmed, upper-case, so
// "t1055.012" and "T1055.012" address the same document).
func NormalizeTechnique(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NormalizePlatform canonicalizes a platform name (trimmed, lower-case).
func NormalizePlatform(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
