// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assembler builds the generation context from retrieved
// passages and prior conversation turns under a character budget.
package assembler

import (
	"fmt"
	"strings"

	"github.com/quayside-ai/quayside/services/engine/datatypes"
	"github.com/quayside-ai/quayside/services/llm"
)

// Config bounds what the assembler may include.
type Config struct {
	// CharBudget is the total character allowance for passage content
	// plus history text. Non-positive disables the budget.
	CharBudget int

	// MaxPriorTurns caps how many recent turns enter the context.
	MaxPriorTurns int
}

func DefaultConfig() Config {
	return Config{
		CharBudget:    8000,
		MaxPriorTurns: 3,
	}
}

// Assembled is the prepared input for the generation gateway.
//
// ContextBlock is the formatted passage text, with passages numbered in
// score order so the model can cite them. History carries prior turns
// as alternating user/assistant messages, oldest first.
type Assembled struct {
	ContextBlock     string
	History          []llm.Message
	IncludedPassages []datatypes.RetrievedPassage
	HistoryTrimmed   bool
	PassagesDropped  int
}

// Assemble selects what fits under the budget.
//
// # Description
//
// Takes the MaxPriorTurns most recent turns plus all passages, then
// shrinks to the budget in two phases: history is trimmed oldest first,
// and only when no history remains are passages dropped, lowest score
// first. Passages are assumed already ranked best first; their relative
// order is preserved in the output.
//
// # Inputs
//
//   - passages: Ranked passages from retrieval (best first).
//   - priorTurns: The thread's turns, oldest first.
//   - cfg: Budget configuration.
//
// # Outputs
//
//   - Assembled: The context block, history messages, and bookkeeping
//     about what was cut.
func Assemble(passages []datatypes.RetrievedPassage, priorTurns []datatypes.Turn, cfg Config) Assembled {
	included := make([]datatypes.RetrievedPassage, len(passages))
	copy(included, passages)

	history := priorTurns
	if cfg.MaxPriorTurns >= 0 && len(history) > cfg.MaxPriorTurns {
		history = history[len(history)-cfg.MaxPriorTurns:]
	}
	historyTrimmed := len(history) < len(priorTurns)

	var dropped int
	if cfg.CharBudget > 0 {
		for totalChars(included, history) > cfg.CharBudget && len(history) > 0 {
			history = history[1:]
			historyTrimmed = true
		}
		for totalChars(included, history) > cfg.CharBudget && len(included) > 0 {
			included = included[:len(included)-1]
			dropped++
		}
	}

	return Assembled{
		ContextBlock:     formatPassages(included),
		History:          historyMessages(history),
		IncludedPassages: included,
		HistoryTrimmed:   historyTrimmed,
		PassagesDropped:  dropped,
	}
}

func totalChars(passages []datatypes.RetrievedPassage, history []datatypes.Turn) int {
	total := 0
	for _, p := range passages {
		total += len(p.Content)
	}
	for _, t := range history {
		total += len(t.Query) + len(t.Answer)
	}
	return total
}

func formatPassages(passages []datatypes.RetrievedPassage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "[Source %d: %s", i+1, p.SourceIdentifier)
		if p.Locator != "" {
			fmt.Fprintf(&b, " (%s)", p.Locator)
		}
		b.WriteString("]\n")
		b.WriteString(p.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func historyMessages(history []datatypes.Turn) []llm.Message {
	if len(history) == 0 {
		return nil
	}
	msgs := make([]llm.Message, 0, len(history)*2)
	for _, t := range history {
		msgs = append(msgs,
			llm.Message{Role: "user", Content: t.Query},
			llm.Message{Role: "assistant", Content: t.Answer},
		)
	}
	return msgs
}
