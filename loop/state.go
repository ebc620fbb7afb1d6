package loop

import (
	"strings"

	"github.com/google/uuid"

	"github.com/modelflow/modelflow/model"
)

// runState is the mutable record of one model invocation step. It is owned
// exclusively by the step that created it and discarded at step end; durable
// outputs are copied into the step record and the message list.
type runState struct {
	response     model.ResponseEcho
	isStreaming  bool
	isReasoning  bool
	blocks       map[string]*blockBuf
	providerMeta map[string]any
	finishReason model.FinishReason
	usage        model.Usage
}

// blockBuf accumulates the fragments of one id-scoped content block. Blocks
// of the same kind may be open concurrently under distinct ids; each buffers
// independently.
type blockBuf struct {
	kind model.PartKind
	buf  strings.Builder
	meta map[string]any
}

func newRunState() *runState {
	return &runState{blocks: make(map[string]*blockBuf)}
}

// open starts buffering an id-scoped block. Opening an already-open id is a
// no-op so out-of-order providers cannot reset a block mid-stream.
func (s *runState) open(id string, kind model.PartKind, meta map[string]any) {
	if _, ok := s.blocks[id]; ok {
		return
	}
	s.blocks[id] = &blockBuf{kind: kind, meta: meta}
	switch kind {
	case model.PartText:
		s.isStreaming = true
	case model.PartReasoning:
		s.isReasoning = true
	}
}

// write appends a fragment to an id-scoped block, opening it implicitly when
// the provider skipped the start event.
func (s *runState) write(id string, kind model.PartKind, text string, meta map[string]any) {
	b, ok := s.blocks[id]
	if !ok {
		s.open(id, kind, meta)
		b = s.blocks[id]
	}
	b.buf.WriteString(text)
	if meta != nil {
		b.meta = meta
	}
}

// flush closes an id-scoped block and returns its accumulated content part.
// Returns false when the id was never opened or buffered nothing.
func (s *runState) flush(id string) (model.Part, bool) {
	b, ok := s.blocks[id]
	if !ok {
		return model.Part{}, false
	}
	delete(s.blocks, id)
	s.refreshOpenFlags()
	if b.buf.Len() == 0 {
		return model.Part{}, false
	}
	return model.Part{Kind: b.kind, Text: b.buf.String(), ProviderMetadata: b.meta}, true
}

// flushAll closes every still-open block, for providers that end the stream
// without block-end events. Ordering across leftover blocks is unspecified;
// well-behaved providers close blocks explicitly.
func (s *runState) flushAll() []model.Part {
	var parts []model.Part
	for id := range s.blocks {
		if p, ok := s.flush(id); ok {
			parts = append(parts, p)
		}
	}
	return parts
}

func (s *runState) refreshOpenFlags() {
	s.isStreaming, s.isReasoning = false, false
	for _, b := range s.blocks {
		switch b.kind {
		case model.PartText:
			s.isStreaming = true
		case model.PartReasoning:
			s.isReasoning = true
		}
	}
}

func newRunID() string { return uuid.NewString() }
