package model

import (
	"context"

	"golang.org/x/time/rate"
)

type (
	// RateLimitedModel applies a process-local token bucket in front of a
	// LanguageModel. The bucket is denominated in estimated tokens per
	// minute: each Stream call reserves an estimate of its prompt plus
	// completion budget and blocks until capacity is available or the
	// context is canceled. It sits at the provider client boundary; wrap the
	// model once per process and share the wrapper.
	RateLimitedModel struct {
		inner    LanguageModel
		limiter  *rate.Limiter
		estimate func(Call) int
	}
)

// NewRateLimitedModel wraps inner with a tokens-per-minute budget. When
// estimate is nil a coarse heuristic is used: one token per four prompt bytes
// plus the call's max output tokens (or 1024 when unset).
func NewRateLimitedModel(inner LanguageModel, tokensPerMinute int, estimate func(Call) int) *RateLimitedModel {
	if tokensPerMinute <= 0 {
		tokensPerMinute = 1
	}
	if estimate == nil {
		estimate = estimateCallTokens
	}
	return &RateLimitedModel{
		inner:    inner,
		limiter:  rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), tokensPerMinute),
		estimate: estimate,
	}
}

// ProviderID returns the wrapped model's provider identifier.
func (m *RateLimitedModel) ProviderID() string { return m.inner.ProviderID() }

// ModelID returns the wrapped model's identifier.
func (m *RateLimitedModel) ModelID() string { return m.inner.ModelID() }

// ProtocolVersion forwards the wrapped model's protocol version when it
// declares one.
func (m *RateLimitedModel) ProtocolVersion() string {
	if v, ok := m.inner.(Versioned); ok {
		return v.ProtocolVersion()
	}
	return ProtocolVersion
}

// Stream blocks until the estimated token cost of the call is available in
// the bucket, then delegates to the wrapped model.
func (m *RateLimitedModel) Stream(ctx context.Context, call Call) (*StreamResponse, error) {
	cost := m.estimate(call)
	if cost < 1 {
		cost = 1
	}
	if burst := m.limiter.Burst(); cost > burst {
		cost = burst
	}
	if err := m.limiter.WaitN(ctx, cost); err != nil {
		return nil, err
	}
	return m.inner.Stream(ctx, call)
}

func estimateCallTokens(call Call) int {
	var promptBytes int
	for _, msg := range call.Prompt {
		for _, part := range msg.Parts {
			promptBytes += len(part.Text) + len(part.Input) + len(part.Data)
		}
	}
	completion := call.MaxOutputTokens
	if completion == 0 {
		completion = 1024
	}
	return promptBytes/4 + completion
}
