package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/v3ct0r/techrag-go/internal/research"
)

func sampleOutput() *research.Output {
	o := &research.Output{
		TechniqueID:   "T1055",
		Platform:      "windows",
		TechniqueName: "Process Injection",
		Category:      "defense-evasion",
		Description:   "Adversaries inject code into live processes.",
		Detection:     "Watch for CreateRemoteThread into foreign processes.",
		Mitigation:    "Enable attack surface reduction rules.",
		Playbook:      "Isolate the host, capture memory, triage the injected module.",
		References:    "[Source: attack-docs]",
		Confidence:    8,
		Sources:       []string{"attack-docs"},
		Tags:          []string{"injection"},
		Related:       []string{"T1134"},
		UpdatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	o.Rescore()
	return o
}

func Test_Report_MarkdownLayout(t *testing.T) {
	t.Parallel()
	md := Markdown(sampleOutput())

	for _, want := range []string{
		"# T1055: Process Injection",
		"**Platform:** windows | **Category:** defense-evasion",
		"**Confidence:** 8.0/10",
		"## Description",
		"## Response Playbook",
		"**Sources:** attack-docs",
		"**Related:** T1134",
		"_Updated 2026-03-01 12:00 UTC_",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("want %q in rendering, got:\n%s", want, md)
		}
	}
	if strings.Contains(md, "## Notes") {
		t.Error("want empty sections skipped, got a Notes heading")
	}
}

func Test_Report_HTMLEscapesModelText(t *testing.T) {
	t.Parallel()
	o := sampleOutput()
	o.Description = "Try <script>alert(1)</script> in a report."

	page, err := HTML(o)
	if err != nil {
		t.Fatalf("render html: %v", err)
	}
	if strings.Contains(page, "<script>") {
		t.Error("want raw html from sections escaped or dropped")
	}
	if !strings.Contains(page, "<title>T1055 on windows</title>") {
		t.Error("want a page title naming technique and platform")
	}
	if !strings.Contains(page, "<h2") {
		t.Error("want section headings rendered as h2 elements")
	}
}

func Test_Report_WriteFormats(t *testing.T) {
	t.Parallel()
	o := sampleOutput()

	var buf bytes.Buffer
	if err := Write(&buf, o, "json"); err != nil {
		t.Fatalf("write json: %v", err)
	}
	var got research.Output
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode exported json: %v", err)
	}
	if got.TechniqueID != o.TechniqueID || got.Quality != o.Quality {
		t.Errorf("want round-tripped output, got %+v", got)
	}

	buf.Reset()
	if err := Write(&buf, o, "md"); err != nil {
		t.Fatalf("write md alias: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "# T1055") {
		t.Errorf("want markdown output, got %q", buf.String()[:40])
	}

	if err := Write(&buf, o, "pdf"); !research.IsValidation(err) {
		t.Errorf("want validation error for unknown format, got %v", err)
	}
}

func Test_Report_Filename(t *testing.T) {
	t.Parallel()
	o := sampleOutput()
	if got := Filename(o, FormatHTML); got != "T1055_windows.html" {
		t.Errorf("want T1055_windows.html, got %s", got)
	}
	if got := Filename(o, ""); got != "T1055_windows.md" {
		t.Errorf("want markdown default, got %s", got)
	}
}
