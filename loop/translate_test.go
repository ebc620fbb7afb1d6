package loop

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/model"
)

func TestTranslateCarriesToolNameForward(t *testing.T) {
	tr := newTranslator("run-1")

	start := tr.translate(model.Chunk{
		Type:       model.ChunkToolInputStart,
		ToolCallID: "call-1",
		ToolName:   "lookup",
	})
	require.IsType(t, event.ToolInputStart{}, start)

	// Providers may omit the name on deltas and the final call.
	delta := tr.translate(model.Chunk{
		Type:       model.ChunkToolInputDelta,
		ToolCallID: "call-1",
		Input:      json.RawMessage(`{"q":`),
	})
	d, ok := delta.(event.ToolInputDelta)
	require.True(t, ok)
	require.Equal(t, "lookup", d.Data.ToolName)

	call := tr.translate(model.Chunk{
		Type:       model.ChunkToolCall,
		ToolCallID: "call-1",
		Input:      json.RawMessage(`{"q":"go"}`),
	})
	c, ok := call.(event.ToolCall)
	require.True(t, ok)
	require.Equal(t, "lookup", c.Data.ToolName)
}

func TestTranslateDropsVacuousDeltas(t *testing.T) {
	tr := newTranslator("run-1")
	require.Nil(t, tr.translate(model.Chunk{Type: model.ChunkTextDelta, BlockID: "0"}))
	require.Nil(t, tr.translate(model.Chunk{Type: model.ChunkReasoningDelta, BlockID: "0"}))
	require.Nil(t, tr.translate(model.Chunk{Type: model.ChunkSource}))
	require.Nil(t, tr.translate(model.Chunk{Type: model.ChunkFile}))
}

func TestTranslateIgnoresOutOfBandChunks(t *testing.T) {
	tr := newTranslator("run-1")
	for _, typ := range []model.ChunkType{
		model.ChunkResponseMetadata,
		model.ChunkFinish,
		model.ChunkError,
		model.ChunkRaw,
	} {
		require.Nil(t, tr.translate(model.Chunk{Type: typ}), string(typ))
	}
}

func TestTranslateScopesBlocks(t *testing.T) {
	tr := newTranslator("run-1")

	td := tr.translate(model.Chunk{Type: model.ChunkTextDelta, BlockID: "2", Text: "hi"})
	d, ok := td.(event.TextDelta)
	require.True(t, ok)
	require.Equal(t, "2", d.Data.ID)
	require.Equal(t, "run-1", d.RunID())
	require.Equal(t, event.TypeTextDelta, d.Type())

	rd := tr.translate(model.Chunk{Type: model.ChunkReasoningDelta, BlockID: "3", Text: "hmm"})
	r, ok := rd.(event.ReasoningDelta)
	require.True(t, ok)
	require.Equal(t, "3", r.Data.ID)
}
