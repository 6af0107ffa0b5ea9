package generate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/v3ct0r/techrag-go/internal/research"
)

// headingAliases maps lowercase heading fragments to sections, in match
// priority order. Models drift from the requested headings ("Overview",
// "Remediation", "Response Playbook"), so matching is by containment.
var headingAliases = []struct {
	fragment string
	section  research.Section
}{
	{"description", research.SectionDescription},
	{"overview", research.SectionDescription},
	{"summary", research.SectionDescription},
	{"detect", research.SectionDetection},
	{"telemetry", research.SectionDetection},
	{"mitigat", research.SectionMitigation},
	{"remediat", research.SectionMitigation},
	{"harden", research.SectionMitigation},
	{"playbook", research.SectionPlaybook},
	{"response", research.SectionPlaybook},
	{"triage", research.SectionPlaybook},
	{"investigat", research.SectionPlaybook},
	{"reference", research.SectionReferences},
	{"source", research.SectionReferences},
	{"note", research.SectionNotes},
	{"caveat", research.SectionNotes},
}

const confidenceFragment = "confidence"

var (
	headingRe = regexp.MustCompile(`^(#{1,4})\s+(.+?)\s*$`)
	boldRe    = regexp.MustCompile(`^\*\*(.+?)\*\*:?\s*$`)
	numberRe  = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// parseResearch splits a sectioned markdown response into section bodies
// and the self-reported confidence. Text before the first heading becomes
// the description when no description heading appears. Sub-headings of
// level 3+ that match no known section stay inside the current section.
func parseResearch(raw string) (map[research.Section]string, float64, bool) {
	var (
		body            = map[research.Section][]string{}
		preamble        []string
		confidenceLines []string
		current         research.Section
		inConfidence    bool
		sawHeading      bool
	)

	for _, line := range strings.Split(stripFence(raw), "\n") {
		if name, level, ok := headingLine(line); ok {
			norm := normalizeHeading(name)
			if strings.Contains(norm, confidenceFragment) {
				sawHeading, inConfidence, current = true, true, ""
				continue
			}
			if sec, ok := matchSection(norm); ok {
				sawHeading, inConfidence, current = true, false, sec
				continue
			}
			// Top-level heading with no known section: discard its body.
			// Deeper headings are structure within the current section.
			if level <= 2 {
				sawHeading, inConfidence, current = true, false, ""
				continue
			}
		}

		switch {
		case inConfidence:
			confidenceLines = append(confidenceLines, line)
		case current != "":
			body[current] = append(body[current], line)
		case !sawHeading:
			preamble = append(preamble, line)
		}
	}

	sections := make(map[research.Section]string, len(body))
	for sec, lines := range body {
		if t := strings.TrimSpace(strings.Join(lines, "\n")); t != "" {
			sections[sec] = t
		}
	}
	if _, ok := sections[research.SectionDescription]; !ok {
		if t := strings.TrimSpace(strings.Join(preamble, "\n")); t != "" {
			sections[research.SectionDescription] = t
		}
	}

	confidence, found := parseConfidence(strings.Join(confidenceLines, " "))
	return sections, confidence, found
}

// headingLine reports whether line is a markdown or bold heading, returning
// the heading text and its level. Bold headings count as level 2.
func headingLine(line string) (string, int, bool) {
	if m := headingRe.FindStringSubmatch(line); m != nil {
		return m[2], len(m[1]), true
	}
	if m := boldRe.FindStringSubmatch(line); m != nil {
		return m[1], 2, true
	}
	return "", 0, false
}

func normalizeHeading(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), ":"))
}

func matchSection(norm string) (research.Section, bool) {
	for _, alias := range headingAliases {
		if strings.Contains(norm, alias.fragment) {
			return alias.section, true
		}
	}
	return "", false
}

// parseConfidence pulls a 0-10 score out of free-form confidence text.
// Percentages and x/100 style answers are scaled down.
func parseConfidence(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	if strings.Contains(s, "%") && v <= 100 {
		v /= 10
	}
	if v > 10 && v <= 100 {
		v /= 10
	}
	if v < 0 || v > 10 {
		return 0, false
	}
	return v, true
}

// stripFence unwraps a response the model wrapped in a single outer code
// fence.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	i := strings.IndexByte(t, '\n')
	if i < 0 {
		return s
	}
	rest := t[i+1:]
	if j := strings.LastIndex(rest, "```"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
