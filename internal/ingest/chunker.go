package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 100
)

// chunkSep joins units inside one chunk.
const chunkSep = "\n\n"

var paragraphRe = regexp.MustCompile(`\n[ \t]*\n`)

// Chunker splits document text into bounded chunks for embedding. It cuts at
// paragraph boundaries first, falls back to sentence boundaries for
// paragraphs beyond the size bound, and hard-wraps any single sentence that
// still does not fit. No emitted chunk ever exceeds Size bytes.
type Chunker struct {
	// Size is the chunk size bound in bytes.
	Size int
	// Overlap is how many trailing bytes of a chunk are repeated at the
	// start of the next one, preserving context across the cut.
	Overlap int
}

// NewChunker returns a Chunker with out-of-range values corrected: size
// defaults to 1000, negative overlap becomes 0, and overlap at or beyond the
// size is reduced to a tenth of it.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 10
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split breaks text into chunks of at most c.Size bytes.
func (c *Chunker) Split(text string) []string {
	units := c.units(text)
	if len(units) == 0 {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	for _, u := range units {
		if cur.Len() > 0 && cur.Len()+len(chunkSep)+len(u) > c.Size {
			prev := cur.String()
			chunks = append(chunks, prev)
			cur.Reset()
			if t := tail(prev, c.Overlap); t != "" && len(t)+len(chunkSep)+len(u) <= c.Size {
				cur.WriteString(t)
			}
		}
		if cur.Len() > 0 {
			cur.WriteString(chunkSep)
		}
		cur.WriteString(u)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// units normalizes the text and returns pieces that each fit the size bound:
// whole paragraphs where possible, sentence groups or hard-wrapped slices
// where not.
func (c *Chunker) units(text string) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}
	var units []string
	for _, p := range paragraphRe.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= c.Size {
			units = append(units, p)
			continue
		}
		units = append(units, c.splitLong(p)...)
	}
	return units
}

// splitLong breaks an oversized paragraph at sentence boundaries, grouping
// sentences back together up to the size bound.
func (c *Chunker) splitLong(p string) []string {
	var out []string
	var cur strings.Builder
	for _, s := range sentences(p) {
		if len(s) > c.Size {
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			out = append(out, hardWrap(s, c.Size)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(s) > c.Size {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// sentences splits text after runs of terminal punctuation followed by
// whitespace, and at line breaks.
func sentences(text string) []string {
	var out []string
	appendPiece := func(piece string) {
		if piece = strings.TrimSpace(piece); piece != "" {
			out = append(out, piece)
		}
	}

	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(text) && (text[j] == '.' || text[j] == '!' || text[j] == '?') {
				j++
			}
			if j < len(text) && text[j] != ' ' && text[j] != '\n' && text[j] != '\t' {
				i = j - 1
				continue
			}
			appendPiece(text[start:j])
			start = j
			i = j - 1
		case '\n':
			appendPiece(text[start:i])
			start = i + 1
		}
	}
	appendPiece(text[start:])
	return out
}

// hardWrap slices s into pieces of at most size bytes without splitting a
// UTF-8 sequence.
func hardWrap(s string, size int) []string {
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// tail returns the last n bytes of s, moved forward to a rune boundary.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
