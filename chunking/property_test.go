package chunking

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// textGen 生成带段落、换行、空格与多字节字符的文本
func textGen() *rapid.Generator[string] {
	return rapid.StringOf(rapid.SampledFrom([]rune("ab cé\n.!?XY漢")))
}

func TestProperty_ZeroOverlapReconstructsText(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := textGen().Draw(rt, "text")
		strategy := rapid.SampledFrom([]string{"fixed_window", "recursive_window"}).Draw(rt, "strategy")
		size := rapid.IntRange(1, 40).Draw(rt, "chunk_size")

		spans, err := Chunk(text, strategy, map[string]any{"chunk_size": size})
		require.NoError(rt, err)

		var sb strings.Builder
		prevEnd := 0
		for _, s := range spans {
			assert.Equal(rt, prevEnd, s.Start, "spans must be contiguous")
			assert.Equal(rt, text[s.Start:s.End], s.Text)
			assert.LessOrEqual(rt, len([]rune(s.Text)), size)
			sb.WriteString(s.Text)
			prevEnd = s.End
		}
		assert.Equal(rt, text, sb.String())
	})
}

func TestProperty_SpansOrderedAndInBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := textGen().Draw(rt, "text")
		strategy := rapid.SampledFrom([]string{"sentence", "fixed_window", "recursive_window", "whole_document"}).Draw(rt, "strategy")
		size := rapid.IntRange(2, 30).Draw(rt, "chunk_size")
		overlap := rapid.IntRange(0, size-1).Draw(rt, "overlap")

		spans, err := Chunk(text, strategy, map[string]any{"chunk_size": size, "overlap": overlap})
		require.NoError(rt, err)

		for i, s := range spans {
			assert.True(rt, 0 <= s.Start && s.Start <= s.End && s.End <= len(text))
			if i > 0 {
				assert.LessOrEqual(rt, spans[i-1].Start, s.Start)
			}
		}
	})
}

func TestProperty_ChunkingIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("same text, strategy and params yield identical spans", prop.ForAll(
		func(text string, strategyIdx int, size int) bool {
			strategy := string(Strategies()[strategyIdx])
			params := map[string]any{"chunk_size": size}
			first, err := Chunk(text, strategy, params)
			if err != nil {
				return false
			}
			second, err := Chunk(text, strategy, params)
			if err != nil {
				return false
			}
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i] != second[i] {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.IntRange(0, len(Strategies())-1),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
