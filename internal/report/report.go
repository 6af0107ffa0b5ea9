// Package report renders stored research outputs as shareable documents
// in markdown, HTML, or JSON.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	stdhtml "html"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	"github.com/v3ct0r/techrag-go/internal/research"
)

// Formats accepted by Write.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatJSON     = "json"
)

var sectionTitles = map[research.Section]string{
	research.SectionDescription: "Description",
	research.SectionDetection:   "Detection",
	research.SectionMitigation:  "Mitigation",
	research.SectionPlaybook:    "Response Playbook",
	research.SectionReferences:  "References",
	research.SectionNotes:       "Notes",
}

// Markdown renders the output as a standalone markdown document, sections
// in canonical order. Empty sections are skipped.
func Markdown(o *research.Output) string {
	var b strings.Builder

	title := o.TechniqueID
	if o.TechniqueName != "" {
		title += ": " + o.TechniqueName
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	fmt.Fprintf(&b, "**Platform:** %s", o.Platform)
	if o.Category != "" {
		fmt.Fprintf(&b, " | **Category:** %s", o.Category)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "**Quality:** %.2f | **Completeness:** %.0f%% | **Confidence:** %.1f/10\n\n",
		o.Quality, o.Completeness*100, o.Confidence)

	for _, s := range research.RequiredSections {
		if !o.HasSection(s) {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", sectionTitles[s], strings.TrimSpace(o.SectionText(s)))
	}

	var footer []string
	if len(o.Sources) > 0 {
		footer = append(footer, "**Sources:** "+strings.Join(o.Sources, ", "))
	}
	if len(o.Tags) > 0 {
		footer = append(footer, "**Tags:** "+strings.Join(o.Tags, ", "))
	}
	if len(o.Related) > 0 {
		footer = append(footer, "**Related:** "+strings.Join(o.Related, ", "))
	}
	if len(footer) > 0 {
		b.WriteString("---\n\n")
		b.WriteString(strings.Join(footer, "\n"))
		b.WriteString("\n")
	}
	if !o.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "\n_Updated %s_\n", o.UpdatedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	return b.String()
}

// Model-written sections stay escaped, so no WithUnsafe here.
var htmlRenderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
)

// HTML renders the output as a self-contained HTML page.
func HTML(o *research.Output) (string, error) {
	var body bytes.Buffer
	if err := htmlRenderer.Convert([]byte(Markdown(o)), &body); err != nil {
		return "", fmt.Errorf("report: render html: %w", err)
	}

	var page strings.Builder
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>%s</title>\n", stdhtml.EscapeString(o.TechniqueID+" on "+o.Platform))
	page.WriteString("<style>\n" +
		"body { font-family: sans-serif; max-width: 52rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }\n" +
		"code { background: #f2f2f2; padding: 0.1rem 0.3rem; }\n" +
		"</style>\n</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.String(), nil
}

// Write renders o to w in the named format. An empty format means markdown.
func Write(w io.Writer, o *research.Output, format string) error {
	switch strings.ToLower(format) {
	case FormatMarkdown, "md", "":
		_, err := io.WriteString(w, Markdown(o))
		return err
	case FormatHTML:
		page, err := HTML(o)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, page)
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	default:
		return &research.ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", format)}
	}
}

// Filename returns a stable per-output file name for batch exports.
func Filename(o *research.Output, format string) string {
	ext := "md"
	switch strings.ToLower(format) {
	case FormatHTML:
		ext = "html"
	case FormatJSON:
		ext = "json"
	}
	return fmt.Sprintf("%s_%s.%s", o.TechniqueID, o.Platform, ext)
}
