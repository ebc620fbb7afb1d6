package pjson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectHandlerEmitsOnChange(t *testing.T) {
	h, err := NewObjectHandler(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"name"},
	})
	require.NoError(t, err)

	res := h.ProcessChunk(ChunkInput{Text: `{"na`})
	require.False(t, res.Emit)

	res = h.ProcessChunk(ChunkInput{Text: `{"name": "Al`})
	require.True(t, res.Emit)
	require.Equal(t, map[string]any{"name": "Al"}, res.Value)

	// Same parse again: suppressed.
	res = h.ProcessChunk(ChunkInput{Text: `{"name": "Al`, Previous: res.Value})
	require.False(t, res.Emit)

	res = h.ProcessChunk(ChunkInput{Text: `{"name": "Alice"}`, Previous: map[string]any{"name": "Al"}})
	require.True(t, res.Emit)
	require.Equal(t, map[string]any{"name": "Alice"}, res.Value)

	final, err := h.Finalize(res.Value)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "Alice"}, final)
}

func TestObjectHandlerFinalizeNoObject(t *testing.T) {
	h, err := NewObjectHandler(nil)
	require.NoError(t, err)

	_, err = h.Finalize(nil)
	require.ErrorIs(t, err, ErrNoObjectGenerated)
}

func TestObjectHandlerFinalizeValidation(t *testing.T) {
	h, err := NewObjectHandler(map[string]any{
		"type":     "object",
		"required": []any{"name"},
	})
	require.NoError(t, err)

	_, err = h.Finalize(map[string]any{"other": true})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, map[string]any{"other": true}, verr.Value)
}

func TestArrayHandlerWithholdsTrailingElement(t *testing.T) {
	h, err := NewArrayHandler(map[string]any{"type": "object"})
	require.NoError(t, err)

	res := h.ProcessChunk(ChunkInput{Text: `{"elements": [{"a": 1}, {"a": 2`})
	require.True(t, res.Emit)
	require.Equal(t, []any{map[string]any{"a": float64(1)}}, res.Value)

	res = h.ProcessChunk(ChunkInput{
		Text:     `{"elements": [{"a": 1}, {"a": 2}]}`,
		Previous: res.Value,
	})
	require.True(t, res.Emit)
	require.Equal(t, []any{
		map[string]any{"a": float64(1)},
		map[string]any{"a": float64(2)},
	}, res.Value)

	final, err := h.Finalize(res.Value)
	require.NoError(t, err)
	require.Len(t, final, 2)
}

func TestArrayHandlerEmptyUntilFirstElementCompletes(t *testing.T) {
	h, err := NewArrayHandler(nil)
	require.NoError(t, err)

	res := h.ProcessChunk(ChunkInput{Text: `{"elements": [`})
	require.True(t, res.Emit)
	require.Equal(t, []any{}, res.Value)

	res = h.ProcessChunk(ChunkInput{Text: `{"elements": [{"a`, Previous: res.Value})
	require.False(t, res.Emit)
}

func TestArrayHandlerFinalizeValidatesElements(t *testing.T) {
	h, err := NewArrayHandler(map[string]any{
		"type":     "object",
		"required": []any{"a"},
	})
	require.NoError(t, err)

	_, err = h.Finalize([]any{map[string]any{"a": float64(1)}, map[string]any{"b": float64(2)}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = h.Finalize(nil)
	require.ErrorIs(t, err, ErrNoObjectGenerated)
}

func TestEnumHandlerPrefixNarrowing(t *testing.T) {
	h, err := NewEnumHandler([]string{"red", "green", "blue"})
	require.NoError(t, err)

	// "gr" matches only green.
	res := h.ProcessChunk(ChunkInput{Text: `{"result": "gr`})
	require.True(t, res.Emit)
	require.Equal(t, "green", res.Value)

	// "r" matches only red.
	res = h.ProcessChunk(ChunkInput{Text: `{"result": "r`})
	require.True(t, res.Emit)
	require.Equal(t, "red", res.Value)

	// Repeat emission suppressed.
	res = h.ProcessChunk(ChunkInput{Text: `{"result": "re`, Previous: "red"})
	require.False(t, res.Emit)
}

func TestEnumHandlerAmbiguousPrefix(t *testing.T) {
	h, err := NewEnumHandler([]string{"light", "lime"})
	require.NoError(t, err)

	// "li" matches both: the partial itself is emitted.
	res := h.ProcessChunk(ChunkInput{Text: `{"result": "li`})
	require.True(t, res.Emit)
	require.Equal(t, "li", res.Value)

	// No prefix match: nothing emitted.
	res = h.ProcessChunk(ChunkInput{Text: `{"result": "x`})
	require.False(t, res.Emit)
}

func TestEnumHandlerFinalize(t *testing.T) {
	h, err := NewEnumHandler([]string{"red", "green"})
	require.NoError(t, err)

	final, err := h.Finalize("red")
	require.NoError(t, err)
	require.Equal(t, "red", final)

	_, err = h.Finalize("yellow")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = h.Finalize(nil)
	require.ErrorIs(t, err, ErrNoObjectGenerated)
}

func TestNewEnumHandlerRequiresValues(t *testing.T) {
	_, err := NewEnumHandler(nil)
	require.Error(t, err)
}
