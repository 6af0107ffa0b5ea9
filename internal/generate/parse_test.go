package generate

import (
	"strings"
	"testing"

	"github.com/v3ct0r/techrag-go/internal/research"
)

const sampleResponse = `## Description
Process injection lets adversaries run code inside another process.

## Detection
Watch for CreateRemoteThread from unexpected parents. Sysmon event 8.

### Windows Event IDs
4688 with unusual parent-child pairs.

## Mitigation
Enable attack surface reduction rules and credential guard.

## Playbook
1. Isolate the host.
2. Capture process memory.

## References
[Source: attack-t1055], MITRE ATT&CK.

## Notes
High false-positive rate from some EDR self-injection.

## Confidence
7.5`

func Test_Generate_ParseFullDocument(t *testing.T) {
	t.Parallel()

	sections, confidence, found := parseResearch(sampleResponse)

	if len(sections) != 6 {
		t.Fatalf("want 6 sections, got %d: %v", len(sections), sections)
	}
	if !strings.Contains(sections[research.SectionDescription], "inside another process") {
		t.Errorf("description wrong: %q", sections[research.SectionDescription])
	}
	// The level-3 sub-heading stays inside detection.
	if !strings.Contains(sections[research.SectionDetection], "4688") {
		t.Errorf("sub-heading content lost from detection: %q", sections[research.SectionDetection])
	}
	if !strings.Contains(sections[research.SectionPlaybook], "Isolate the host") {
		t.Errorf("playbook wrong: %q", sections[research.SectionPlaybook])
	}
	if !found {
		t.Fatal("confidence not found")
	}
	if confidence != 7.5 {
		t.Errorf("want confidence 7.5, got %f", confidence)
	}
}

func Test_Generate_ParseHeadingSynonyms(t *testing.T) {
	t.Parallel()

	raw := `## Overview
The big picture.

## Detection & Telemetry
Event logs.

## Remediation
Patch it.

## Response Playbook
Steps.

## Sources
Links.

## Additional Caveats
Edge cases.`

	sections, _, _ := parseResearch(raw)

	want := map[research.Section]string{
		research.SectionDescription: "The big picture.",
		research.SectionDetection:   "Event logs.",
		research.SectionMitigation:  "Patch it.",
		research.SectionPlaybook:    "Steps.",
		research.SectionReferences:  "Links.",
		research.SectionNotes:       "Edge cases.",
	}
	for sec, text := range want {
		if sections[sec] != text {
			t.Errorf("section %s: want %q, got %q", sec, text, sections[sec])
		}
	}
}

func Test_Generate_ParseBoldHeadings(t *testing.T) {
	t.Parallel()

	raw := `**Description**
Bold style body.

**Detection:**
Bold with colon.`

	sections, _, _ := parseResearch(raw)
	if sections[research.SectionDescription] != "Bold style body." {
		t.Errorf("bold heading not recognized: %v", sections)
	}
	if sections[research.SectionDetection] != "Bold with colon." {
		t.Errorf("bold heading with colon not recognized: %v", sections)
	}
}

func Test_Generate_ParsePreambleBecomesDescription(t *testing.T) {
	t.Parallel()

	raw := `This technique abuses scheduled tasks.

## Detection
Task scheduler operational log.`

	sections, _, _ := parseResearch(raw)
	if sections[research.SectionDescription] != "This technique abuses scheduled tasks." {
		t.Errorf("preamble should become description, got %v", sections)
	}
	if !strings.Contains(sections[research.SectionDetection], "operational log") {
		t.Errorf("detection missing: %v", sections)
	}
}

func Test_Generate_ParseFencedResponse(t *testing.T) {
	t.Parallel()

	fenced := "```markdown\n" + sampleResponse + "\n```"
	sections, confidence, found := parseResearch(fenced)
	if len(sections) != 6 {
		t.Fatalf("fenced response lost sections: %d", len(sections))
	}
	if !found || confidence != 7.5 {
		t.Errorf("fenced response lost confidence: %f %v", confidence, found)
	}
}

func Test_Generate_ParseUnknownTopHeadingDiscarded(t *testing.T) {
	t.Parallel()

	raw := `## Detection
Real content.

## Marketing Fluff
Should not leak anywhere.`

	sections, _, _ := parseResearch(raw)
	if len(sections) != 1 {
		t.Fatalf("want only detection, got %v", sections)
	}
	if strings.Contains(sections[research.SectionDetection], "Fluff") {
		t.Error("unknown section body leaked into detection")
	}
}

func Test_Generate_ParseConfidenceForms(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		want  float64
		found bool
	}{
		{"7.5", 7.5, true},
		{"Confidence: 8", 8, true},
		{"9/10", 9, true},
		{"85%", 8.5, true},
		{"95", 9.5, true},
		{"very high", 0, false},
		{"", 0, false},
		{"150", 0, false},
	}
	for _, tc := range cases {
		got, found := parseConfidence(tc.in)
		if found != tc.found || got != tc.want {
			t.Errorf("parseConfidence(%q) = %f %v, want %f %v", tc.in, got, found, tc.want, tc.found)
		}
	}
}
