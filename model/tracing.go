package model

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelflow/modelflow/telemetry"
)

type (
	tracedModel struct {
		inner  LanguageModel
		tracer telemetry.Tracer
		logger telemetry.Logger
	}

	tracedStream struct {
		inner Streamer
		span  telemetry.Span

		mu    sync.Mutex
		usage Usage

		endOnce sync.Once
	}
)

// NewTracedModel wraps a LanguageModel so every Stream call records a client
// span with call attributes, accumulated usage and the final stop reason. The
// span ends exactly once: on EOF, on stream error, or on Close. Nil tracer or
// logger default to no-op implementations.
func NewTracedModel(inner LanguageModel, tracer telemetry.Tracer, logger telemetry.Logger) LanguageModel {
	if inner == nil {
		return nil
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &tracedModel{inner: inner, tracer: tracer, logger: logger}
}

// ProviderID returns the wrapped model's provider identifier.
func (m *tracedModel) ProviderID() string { return m.inner.ProviderID() }

// ModelID returns the wrapped model's identifier.
func (m *tracedModel) ModelID() string { return m.inner.ModelID() }

// ProtocolVersion forwards the wrapped model's protocol version when it
// declares one.
func (m *tracedModel) ProtocolVersion() string {
	if v, ok := m.inner.(Versioned); ok {
		return v.ProtocolVersion()
	}
	return ProtocolVersion
}

// Stream opens the wrapped model's stream inside a client span.
func (m *tracedModel) Stream(ctx context.Context, call Call) (*StreamResponse, error) {
	ctx, span := m.tracer.Start(
		ctx,
		"model.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(callSpanAttrs(m.inner, call)...),
	)

	resp, err := m.inner.Stream(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model stream failed")
		span.End()
		m.logger.Error(ctx, "model stream failed",
			"provider", m.inner.ProviderID(),
			"model", m.inner.ModelID(),
			"err", err,
		)
		return nil, err
	}
	traced := &tracedStream{inner: resp.Stream, span: span}
	out := *resp
	out.Stream = traced
	return &out, nil
}

func (s *tracedStream) Recv() (Chunk, error) {
	ch, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.end(codes.Ok, "eof")
			return ch, err
		}
		s.span.RecordError(err)
		s.end(codes.Error, "stream recv failed")
		return ch, err
	}
	if ch.Type == ChunkFinish {
		s.mu.Lock()
		s.usage = s.usage.Add(ch.Usage)
		s.mu.Unlock()
		if ch.FinishReason != "" {
			s.span.AddEvent("model.finish", "reason", string(ch.FinishReason))
		}
	}
	return ch, nil
}

func (s *tracedStream) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.span.RecordError(err)
		s.end(codes.Error, "stream close failed")
		return err
	}
	s.end(codes.Ok, "closed")
	return nil
}

func (s *tracedStream) end(code codes.Code, desc string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		usage := s.usage
		s.mu.Unlock()

		if (usage != Usage{}) {
			s.span.AddEvent("model.usage",
				"input_tokens", usage.InputTokens,
				"output_tokens", usage.OutputTokens,
				"total_tokens", usage.TotalTokens,
				"reasoning_tokens", usage.ReasoningTokens,
				"cached_input_tokens", usage.CachedInputTokens,
			)
		}
		s.span.SetStatus(code, desc)
		s.span.End()
	})
}

func callSpanAttrs(m LanguageModel, call Call) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("modelflow.provider", m.ProviderID()),
		attribute.String("modelflow.model", m.ModelID()),
		attribute.Int("modelflow.prompt_messages", len(call.Prompt)),
		attribute.Int("modelflow.tools", len(call.Tools)),
		attribute.Int("modelflow.max_output_tokens", call.MaxOutputTokens),
		attribute.Bool("modelflow.structured_output", call.ResponseFormat != nil && call.ResponseFormat.Kind == "json"),
	}
}
