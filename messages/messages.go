// Package messages implements the conversation history consumed by the loop
// engine. The list is append-only: the engine appends exactly one assistant
// message per flushed text, reasoning or tool-call block and one tool message
// per tool result, preserving emission order. Messages are tagged with the
// channel that produced them so callers can separate their own input from
// generated responses.
package messages

import (
	"strings"
	"sync"

	"github.com/modelflow/modelflow/model"
)

type (
	// List is the append-only conversation history. Exactly one writer
	// appends at a time (the currently-executing model or tool step); the
	// lock exists so hook consumers can snapshot concurrently with reads.
	List struct {
		mu      sync.RWMutex
		entries []entry
	}

	entry struct {
		msg model.Message
		ch  Channel
	}

	// Simple is the reduced role-plus-content view handed to tool lifecycle
	// hooks. Content concatenates the message's text parts in order.
	Simple struct {
		Role    model.Role
		Content string
	}
)

// Channel tags the origin of an appended message.
type Channel string

// Message channels.
const (
	// ChannelInput marks caller-supplied messages.
	ChannelInput Channel = "input"
	// ChannelResponse marks messages generated during the run.
	ChannelResponse Channel = "response"
)

// New constructs a list seeded with the caller's input messages.
func New(input ...model.Message) *List {
	l := &List{}
	for _, msg := range input {
		l.Append(msg, ChannelInput)
	}
	return l
}

// Append adds a message to the given channel.
func (l *List) Append(msg model.Message, ch Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry{msg: msg, ch: ch})
}

// All returns every message in append order, in wire shape.
func (l *List) All() []model.Message {
	return l.filter(func(Channel) bool { return true })
}

// Input returns the caller-supplied messages in append order.
func (l *List) Input() []model.Message {
	return l.filter(func(ch Channel) bool { return ch == ChannelInput })
}

// Response returns the generated messages in append order.
func (l *List) Response() []model.Message {
	return l.filter(func(ch Channel) bool { return ch == ChannelResponse })
}

// Simplified returns the reduced role-plus-content view of the whole history.
func (l *List) Simplified() []Simple {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Simple, 0, len(l.entries))
	for _, e := range l.entries {
		var b strings.Builder
		for _, part := range e.msg.Parts {
			if part.Kind == model.PartText {
				b.WriteString(part.Text)
			}
		}
		out = append(out, Simple{Role: e.msg.Role, Content: b.String()})
	}
	return out
}

// Len returns the number of messages across both channels.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *List) filter(keep func(Channel) bool) []model.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Message
	for _, e := range l.entries {
		if keep(e.ch) {
			out = append(out, e.msg)
		}
	}
	return out
}
