// Package pulse wraps goa.design/pulse streams behind the small surface the
// broadcast sink and subscriber need. Callers own the Redis connection: they
// build a redis.Client, pass it to New and hand the resulting client to the
// sink. The wrapper only narrows the API; it never manages Redis lifecycle.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection backing the streams. Required.
		Redis *redis.Client
		// MaxLen bounds the number of entries kept per stream. Zero uses
		// Pulse defaults.
		MaxLen int
		// OpTimeout bounds individual Add operations. Zero means no timeout.
		OpTimeout time.Duration
	}

	// Client exposes the subset of Pulse needed to publish and consume run
	// event streams.
	Client interface {
		// Stream returns a handle to the named stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close releases resources owned by the client. The Redis
		// connection belongs to the caller and is left open.
		Close(ctx context.Context) error
	}

	// Stream is one named Pulse stream.
	Stream interface {
		// Add appends an event with the given name and payload, returning
		// the Redis-assigned entry id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on this stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading from a Pulse stream.
	Sink interface {
		// Subscribe returns a channel emitting entries as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an entry.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.MaxLen,
		timeout: opts.OpTimeout,
	}, nil
}

// Stream implements Client.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulse: stream name is required")
	}
	var options []streamopts.Stream
	if c.maxLen > 0 {
		options = append(options, streamopts.WithStreamMaxLen(c.maxLen))
	}
	options = append(options, opts...)
	str, err := streaming.NewStream(name, c.redis, options...)
	if err != nil {
		return nil, fmt.Errorf("pulse: create stream %q: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close implements Client. The Redis connection stays open for its owner.
func (c *client) Close(context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

// Add implements Stream.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("pulse: event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse: add: %w", err)
	}
	return id, nil
}

// NewSink implements Stream.
func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

// Destroy implements Stream.
func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter narrows streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
