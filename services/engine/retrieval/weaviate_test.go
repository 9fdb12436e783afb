// Copyright (C) 2025 Quayside AI (dev@quayside.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateForEmbed(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		assert.Equal(t, "hello", truncateForEmbed("hello"))
	})

	t.Run("long ascii text is cut at the limit", func(t *testing.T) {
		out := truncateForEmbed(strings.Repeat("a", maxEmbedLength+100))
		assert.Len(t, out, maxEmbedLength)
	})

	t.Run("never splits a multibyte rune", func(t *testing.T) {
		// 3-byte runes never align with the byte limit exactly.
		out := truncateForEmbed(strings.Repeat("世", maxEmbedLength))
		assert.True(t, utf8.ValidString(out))
		assert.LessOrEqual(t, len(out), maxEmbedLength)
	})
}
