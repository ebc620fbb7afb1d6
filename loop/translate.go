package loop

import (
	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/model"
)

// translator maps provider chunks to canonical events. The mapping is order
// preserving and total: chunks it does not understand translate to nothing
// rather than failing the stream. Its only state is the tool-name lookup that
// carries names forward onto input-delta chunks whose providers omit them.
type translator struct {
	runID     string
	toolNames map[string]string
}

func newTranslator(runID string) *translator {
	return &translator{runID: runID, toolNames: make(map[string]string)}
}

// translate returns the canonical event for one content chunk, or nil for
// chunks the loop handles out of band (metadata, finish, error, raw) and for
// vacuous deltas.
func (t *translator) translate(c model.Chunk) event.Event {
	switch c.Type {
	case model.ChunkTextStart:
		return event.NewTextStart(t.runID, c.BlockID, c.ProviderMetadata)
	case model.ChunkTextDelta:
		if c.Text == "" {
			return nil
		}
		return event.NewTextDelta(t.runID, c.BlockID, c.Text, c.ProviderMetadata)
	case model.ChunkTextEnd:
		return event.NewTextEnd(t.runID, c.BlockID)
	case model.ChunkReasoningStart:
		return event.NewReasoningStart(t.runID, c.BlockID, c.ProviderMetadata)
	case model.ChunkReasoningDelta:
		if c.Text == "" {
			return nil
		}
		return event.NewReasoningDelta(t.runID, c.BlockID, c.Text, c.ProviderMetadata)
	case model.ChunkReasoningEnd:
		return event.NewReasoningEnd(t.runID, c.BlockID)
	case model.ChunkToolInputStart:
		t.toolNames[c.ToolCallID] = c.ToolName
		return event.NewToolInputStart(t.runID, c.ToolCallID, c.ToolName)
	case model.ChunkToolInputDelta:
		name := c.ToolName
		if name == "" {
			name = t.toolNames[c.ToolCallID]
		}
		return event.NewToolInputDelta(t.runID, c.ToolCallID, name, string(c.Input))
	case model.ChunkToolInputEnd:
		return event.NewToolInputEnd(t.runID, c.ToolCallID)
	case model.ChunkToolCall:
		name := c.ToolName
		if name == "" {
			name = t.toolNames[c.ToolCallID]
		}
		return event.NewToolCall(t.runID, c.ToolCallID, name, c.Input)
	case model.ChunkSource:
		if c.Source == nil {
			return nil
		}
		return event.NewSource(t.runID, *c.Source)
	case model.ChunkFile:
		if c.File == nil {
			return nil
		}
		return event.NewFile(t.runID, *c.File)
	}
	return nil
}
