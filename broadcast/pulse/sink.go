// Package pulse publishes run events to goa.design/pulse streams so
// consumers on other processes can follow a run live. It mirrors the
// layering used by existing Pulse deployments: callers build a Redis client,
// pass it to the Pulse client and hand the resulting sink to the run.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/modelflow/modelflow/broadcast/pulse/clients/pulse"
	"github.com/modelflow/modelflow/event"
)

type (
	// Options configures the sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// "run/<RunID>".
		StreamID func(event.Event) (string, error)
	}

	// Sink publishes run events into Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(event.Event) (string, error)
	}

	// Envelope is the wire form of one run event. Payload carries the
	// event-specific data as JSON.
	Envelope struct {
		Type      string          `json:"type"`
		RunID     string          `json:"run_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes one event to its derived stream.
func (s *Sink) Send(ctx context.Context, ev event.Event) error {
	name, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(ev.Type()),
		RunID:     ev.RunID(),
		Timestamp: time.Now().UTC(),
	}
	if p := ev.Payload(); p != nil {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("pulse: marshal %s payload: %w", env.Type, err)
		}
		env.Payload = data
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse: marshal envelope: %w", err)
	}
	if _, err := handle.Add(ctx, env.Type, body); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev event.Event) (string, error) {
	if ev.RunID() == "" {
		return "", errors.New("event missing run id")
	}
	return fmt.Sprintf("run/%s", ev.RunID()), nil
}
