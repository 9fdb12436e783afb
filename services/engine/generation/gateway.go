// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package generation turns an assembled context into a structured,
// attributed answer, falling back across providers when one fails.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quayside-ai/quayside/services/engine/assembler"
	"github.com/quayside-ai/quayside/services/engine/datatypes"
	"github.com/quayside-ai/quayside/services/engine/observability"
	"github.com/quayside-ai/quayside/services/llm"
)

var tracer = otel.Tracer("quayside.engine.generation")

// Confidence blend weights. The final confidence leans on the
// provider's self-estimate but is pulled down when retrieval found
// nothing similar, so an answer without grounding can never score
// higher than the same answer with grounding.
const (
	providerConfidenceWeight   = 0.65
	similarityConfidenceWeight = 0.35
)

// maxSourceContentChars caps source content echoed back in responses.
const maxSourceContentChars = 500

const systemPromptTemplate = `You are a careful assistant that answers strictly from the provided context.

Respond with a single JSON object and nothing else, in this exact shape:
{"answer": "<your answer>", "confidence": <number between 0 and 1>, "sources_used": [<1-based source numbers you relied on>]}

If the context does not contain the answer, say so in the answer field and use a low confidence.

Context:
%s`

const noContextNote = "(no relevant context was found for this query)"

// GenerationError indicates every attempted provider failed.
type GenerationError struct {
	Attempts []string
	LastErr  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d provider(s) [%s]: %v",
		len(e.Attempts), strings.Join(e.Attempts, ", "), e.LastErr)
}

func (e *GenerationError) Unwrap() error { return e.LastErr }

// IsGenerationError checks if an error is a GenerationError.
func IsGenerationError(err error) (*GenerationError, bool) {
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr, true
	}
	return nil, false
}

// Gateway calls LLM providers in fallback order until one returns a
// parseable structured answer.
//
// # Thread Safety
//
// Gateway is safe for concurrent use once constructed.
type Gateway struct {
	providers map[string]llm.LLMClient
	timeout   time.Duration
	maxTokens int
	maxHops   int
}

// NewGateway creates a generation gateway over named provider clients.
// maxHops bounds how many fallback providers may be tried after the
// primary (1 means primary plus one alternate); non-positive means no
// bound beyond the order itself.
func NewGateway(providers map[string]llm.LLMClient, timeout time.Duration, maxTokens, maxHops int) *Gateway {
	return &Gateway{
		providers: providers,
		timeout:   timeout,
		maxTokens: maxTokens,
		maxHops:   maxHops,
	}
}

// Providers returns the names of the configured providers.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	return names
}

// Generate produces a structured answer for the query.
//
// # Description
//
// Walks providerOrder, skipping names with no configured client, and
// asks each provider in turn. A provider failure (transport error,
// empty output, unparseable JSON) moves on to the next provider; the
// error is fatal only once every eligible provider has failed. The
// winning provider's confidence estimate is clamped to [0,1] and
// blended with the top passage similarity.
//
// # Outputs
//
//   - datatypes.StructuredAnswer: The answer with blended confidence
//     and attributed sources.
//   - string: Name of the provider that produced the answer.
//   - error: *GenerationError when all providers failed.
func (g *Gateway) Generate(ctx context.Context, query string, asm assembler.Assembled, providerOrder []string) (datatypes.StructuredAnswer, string, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Generate")
	defer span.End()

	messages := g.buildMessages(query, asm)

	var attempts []string
	var lastErr error
	for _, name := range providerOrder {
		client, ok := g.providers[name]
		if !ok {
			slog.Warn("Skipping unconfigured provider", "provider", name)
			continue
		}
		// The primary attempt is free; only hops beyond it count.
		if g.maxHops > 0 && len(attempts) > g.maxHops {
			slog.Warn("Provider fallback budget exhausted", "max_hops", g.maxHops)
			break
		}
		attempts = append(attempts, name)

		answer, err := g.generateOnce(ctx, client, messages, asm)
		if err != nil {
			lastErr = err
			slog.Warn("Provider failed, trying next", "provider", name, "error", err)
			observability.RecordProviderFallback(name)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		span.SetAttributes(attribute.String("generation.provider", name))
		slog.Info("Generation succeeded", "provider", name,
			"confidence", answer.Confidence, "num_sources", len(answer.Sources))
		return answer, name, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no provider available")
	}
	genErr := &GenerationError{Attempts: attempts, LastErr: lastErr}
	span.RecordError(genErr)
	span.SetStatus(codes.Error, genErr.Error())
	return datatypes.StructuredAnswer{}, "", genErr
}

func (g *Gateway) buildMessages(query string, asm assembler.Assembled) []llm.Message {
	contextBlock := asm.ContextBlock
	if contextBlock == "" {
		contextBlock = noContextNote
	}
	messages := make([]llm.Message, 0, len(asm.History)+2)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: fmt.Sprintf(systemPromptTemplate, contextBlock),
	})
	messages = append(messages, asm.History...)
	messages = append(messages, llm.Message{Role: "user", Content: query})
	return messages
}

func (g *Gateway) generateOnce(ctx context.Context, client llm.LLMClient, messages []llm.Message, asm assembler.Assembled) (datatypes.StructuredAnswer, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	params := llm.GenerationParams{ForceJSON: true}
	if g.maxTokens > 0 {
		maxTokens := g.maxTokens
		params.MaxTokens = &maxTokens
	}

	raw, err := client.Chat(ctx, messages, params)
	if err != nil {
		return datatypes.StructuredAnswer{}, err
	}
	if strings.TrimSpace(raw) == "" {
		return datatypes.StructuredAnswer{}, fmt.Errorf("provider returned empty output")
	}

	parsed, err := ParseModelOutput(raw)
	if err != nil {
		return datatypes.StructuredAnswer{}, err
	}
	return g.finalize(parsed, asm), nil
}

// ModelOutput is the JSON contract providers are asked to honor.
type ModelOutput struct {
	Answer      string  `json:"answer"`
	Confidence  float64 `json:"confidence"`
	SourcesUsed []int   `json:"sources_used"`
}

// ParseModelOutput extracts the structured answer JSON from raw model
// output. Tolerates Markdown code fences and leading or trailing prose
// around the JSON object, but an output with no parseable object or an
// empty answer field is an error.
func ParseModelOutput(raw string) (ModelOutput, error) {
	var out ModelOutput

	candidate := strings.TrimSpace(raw)
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		if idx := strings.LastIndex(candidate, "```"); idx >= 0 {
			candidate = candidate[:idx]
		}
		candidate = strings.TrimSpace(candidate)
	}

	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start < 0 || end <= start {
			return out, fmt.Errorf("model output contains no JSON object")
		}
		if err := json.Unmarshal([]byte(candidate[start:end+1]), &out); err != nil {
			return out, fmt.Errorf("failed to parse model output: %w", err)
		}
	}

	if strings.TrimSpace(out.Answer) == "" {
		return out, fmt.Errorf("model output has an empty answer")
	}
	return out, nil
}

func (g *Gateway) finalize(out ModelOutput, asm assembler.Assembled) datatypes.StructuredAnswer {
	confidence := BlendConfidence(out.Confidence, topSimilarity(asm.IncludedPassages))

	sources := make([]datatypes.SourceRef, 0, len(out.SourcesUsed))
	seen := make(map[int]bool)
	for _, n := range out.SourcesUsed {
		idx := n - 1 // sources are numbered from 1 in the prompt
		if idx < 0 || idx >= len(asm.IncludedPassages) || seen[idx] {
			continue
		}
		seen[idx] = true
		p := asm.IncludedPassages[idx]
		sources = append(sources, datatypes.SourceRef{
			Content:          truncateContent(p.Content),
			SourceIdentifier: p.SourceIdentifier,
			Locator:          p.Locator,
			Score:            p.SimilarityScore,
		})
	}

	return datatypes.StructuredAnswer{
		Answer:     out.Answer,
		Confidence: confidence,
		Sources:    sources,
	}
}

// BlendConfidence combines the provider's clamped self-estimate with
// the top retrieval similarity. With no passages the similarity term is
// zero, so ungrounded answers are always discounted.
func BlendConfidence(providerEstimate, topSimilarity float64) float64 {
	return providerConfidenceWeight*clamp01(providerEstimate) +
		similarityConfidenceWeight*clamp01(topSimilarity)
}

func topSimilarity(passages []datatypes.RetrievedPassage) float64 {
	top := 0.0
	for _, p := range passages {
		if p.SimilarityScore > top {
			top = p.SimilarityScore
		}
	}
	return top
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

func truncateContent(content string) string {
	if len(content) <= maxSourceContentChars {
		return content
	}
	cut := maxSourceContentChars
	// Back up to a rune boundary so the cut never splits a UTF-8 sequence.
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
