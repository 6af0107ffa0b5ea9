// Package generate turns retrieved context into structured research
// documents. It prompts the configured LLM backend for the six research
// sections, parses the sectioned response, and assembles a scored
// research.Output ready for storage. The model is asked for defensive
// content only: detection engineering, mitigation, and response guidance.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/v3ct0r/techrag-go/internal/budget"
	"github.com/v3ct0r/techrag-go/internal/rag"
	"github.com/v3ct0r/techrag-go/internal/research"
)

// researchSystemPrompt establishes the analyst persona and the exact output
// contract the section parser relies on.
const researchSystemPrompt = `You are a senior detection engineer and threat intelligence analyst writing
internal defensive research for a security operations team. You produce
clear, actionable, defensive documentation: how a technique works, how to
detect it, how to mitigate it, and how to respond to it. You never produce
offensive tooling, exploit code, or step-by-step attack instructions.

Write for an experienced SOC analyst. Be specific: name the log sources,
event IDs, telemetry, and controls that apply to the requested platform.
Prefer facts grounded in the supplied reference material and cite its
sources inline as [Source: <id>]. Where the reference material is silent,
rely on well-established public knowledge (MITRE ATT&CK, vendor docs) and
say so.

Respond in Markdown with EXACTLY these seven headings, in this order:

## Description
What the technique is, how adversaries use it on the requested platform,
and what an execution looks like end to end. Around 100 words.

## Detection
Concrete detection opportunities: telemetry sources, event IDs, queries,
and behavioral indicators. Around 75 words.

## Mitigation
Hardening and preventive controls that reduce exposure, in priority order.
Around 75 words.

## Playbook
A numbered triage and response checklist an on-call analyst can follow
when this technique fires. Around 100 words.

## References
The sources you drew on: ids from the reference material plus any public
frameworks or advisories. Around 50 words.

## Notes
Caveats, false-positive guidance, and gaps worth follow-up research.
Around 50 words.

## Confidence
A single number from 0 to 10 rating how confident you are in this
document, considering how well the reference material covered the topic.`

// defaultConfidence is used when the model omits or mangles the confidence
// line.
const defaultConfidence = 8.5

// Request identifies the technique to research and carries the retrieved
// context to ground the document in.
type Request struct {
	// TechniqueID is the technique identifier (e.g. "T1055.012").
	TechniqueID string

	// TechniqueName is the optional human-readable name.
	TechniqueName string

	// Platform is the target platform (e.g. "windows").
	Platform string

	// Category is the optional tactic or category label.
	Category string

	// Context is the assembled retrieval context for this run.
	Context rag.ContextResult
}

// Config holds the dependencies required to construct a Generator.
type Config struct {
	// ChatModel is the LLM backend constructed by the provider factory.
	ChatModel model.ToolCallingChatModel

	// MaxContextTokens is the estimated token budget for the full prompt.
	// The retrieved context is clamped to fit. Defaults to
	// budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int
}

// Generator produces research documents through the configured chat model.
type Generator struct {
	model            model.ToolCallingChatModel
	maxContextTokens int
}

// New constructs a Generator from the provided Config.
func New(cfg *Config) (*Generator, error) {
	if cfg.ChatModel == nil {
		return nil, fmt.Errorf("generate: ChatModel must not be nil")
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}
	return &Generator{model: cfg.ChatModel, maxContextTokens: maxCtx}, nil
}

// Research prompts the model for the requested technique and parses the
// response into a scored research.Output. Sources and the clamped context
// are preserved on the output so later merges can tell where a document
// came from.
func (g *Generator) Research(ctx context.Context, req Request) (*research.Output, error) {
	technique := research.NormalizeTechnique(req.TechniqueID)
	platform := research.NormalizePlatform(req.Platform)
	if technique == "" {
		return nil, &research.ValidationError{Field: "technique_id", Reason: "required"}
	}
	if platform == "" {
		return nil, &research.ValidationError{Field: "platform", Reason: "required"}
	}

	messages, clamped := g.buildMessages(req, technique, platform)

	raw, err := g.stream(ctx, messages)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("generate: model returned empty response for %s/%s", technique, platform)
	}

	sections, confidence, confidenceFound := parseResearch(raw)
	if len(sections) == 0 {
		return nil, fmt.Errorf("generate: response for %s/%s contains no recognizable sections", technique, platform)
	}
	if !confidenceFound {
		confidence = defaultConfidence
	}

	now := time.Now().UTC()
	out := &research.Output{
		TechniqueID:     technique,
		Platform:        platform,
		TechniqueName:   req.TechniqueName,
		Category:        req.Category,
		Confidence:      confidence,
		Sources:         req.Context.Sources,
		Tags:            research.ExtractTags(raw),
		Related:         relatedTechniques(raw, technique),
		ResearchContext: clamped,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for sec, text := range sections {
		out.SetSection(sec, text)
	}
	if fws := research.ExtractFrameworks(raw); len(fws) > 0 {
		out.Custom = map[string]string{"frameworks": strings.Join(fws, ",")}
	}
	out.Rescore()

	return out, nil
}

// buildMessages assembles the prompt: system persona, optional reference
// material, and the research instruction. The reference material is the
// only part clamped to the token budget.
func (g *Generator) buildMessages(req Request, technique, platform string) ([]*schema.Message, string) {
	name := req.TechniqueName
	if name == "" {
		name = technique
	}
	instruction := fmt.Sprintf(
		"Research technique %s (%s) on platform %q and produce the full document.",
		technique, name, platform)
	if req.Category != "" {
		instruction += fmt.Sprintf(" The technique belongs to the %s category.", req.Category)
	}

	fixed := []*schema.Message{
		schema.SystemMessage(researchSystemPrompt),
		schema.UserMessage(instruction),
	}

	clamped := budget.ClampContext(fixed, req.Context.Text, g.maxContextTokens)
	if clamped == "" {
		return fixed, ""
	}

	contextMsg := schema.SystemMessage(
		"## Reference Material\n\n" +
			"The following excerpts were retrieved for this technique. Ground the " +
			"document in them and cite their ids.\n\n" + clamped)
	return []*schema.Message{fixed[0], contextMsg, fixed[1]}, clamped
}

// stream collects the full model response, draining the stream the same way
// regardless of whether the backend chunks its output.
func (g *Generator) stream(ctx context.Context, messages []*schema.Message) (string, error) {
	sr, err := g.model.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate: stream failed: %w", err)
	}
	defer sr.Close()

	var sb strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("generate: stream receive error: %w", err)
		}
		if msg != nil && msg.Content != "" {
			sb.WriteString(msg.Content)
		}
	}
	return sb.String(), nil
}

// relatedTechniques extracts technique ids mentioned in the document,
// dropping the subject itself.
func relatedTechniques(raw, self string) []string {
	ids := research.ExtractTechniques(raw, research.RelatedLimit+1)
	out := ids[:0]
	for _, id := range ids {
		if id == self {
			continue
		}
		out = append(out, id)
	}
	if len(out) > research.RelatedLimit {
		out = out[:research.RelatedLimit]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
