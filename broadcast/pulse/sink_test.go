package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/modelflow/modelflow/broadcast/pulse/clients/pulse"
	"github.com/modelflow/modelflow/event"
	"github.com/modelflow/modelflow/model"
)

type fakeStream struct {
	adds []addCall
	err  error
}

type addCall struct {
	event   string
	payload []byte
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.adds = append(s.adds, addCall{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	streams map[string]*fakeStream
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func TestSendPublishesEnvelope(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	ev := event.NewFinish("run-123", model.FinishStop, model.Usage{TotalTokens: 5}, 2)
	require.NoError(t, sink.Send(context.Background(), ev))

	str := cli.streams["run/run-123"]
	require.NotNil(t, str)
	require.Len(t, str.adds, 1)
	require.Equal(t, string(event.TypeFinish), str.adds[0].event)

	var env Envelope
	require.NoError(t, json.Unmarshal(str.adds[0].payload, &env))
	require.Equal(t, "run-123", env.RunID)
	require.Equal(t, string(event.TypeFinish), env.Type)
	require.False(t, env.Timestamp.IsZero())

	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	require.Equal(t, float64(2), body["steps"])
}

func TestSendCustomStreamID(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{
		Client:   cli,
		StreamID: func(event.Event) (string, error) { return "tenant-7", nil },
	})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), event.NewStart("run-123")))
	require.Contains(t, cli.streams, "tenant-7")
}

func TestSendRejectsMissingRunID(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	err = sink.Send(context.Background(), event.NewStart(""))
	require.Error(t, err)
	require.Empty(t, cli.streams)
}

func TestSendPropagatesAddError(t *testing.T) {
	cli := newFakeClient()
	boom := errors.New("redis down")
	cli.streams["run/run-123"] = &fakeStream{err: boom}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.ErrorIs(t, sink.Send(context.Background(), event.NewStart("run-123")), boom)
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestCloseDelegatesToClient(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, cli.closed)
}
