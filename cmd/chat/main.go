// Command chat runs a single agentic conversation turn against a live
// provider and prints the streamed answer. It demonstrates the full wiring:
// provider adapter, tool execution, stop conditions and the optional Pulse
// broadcast.
//
// Usage:
//
//	ANTHROPIC_API_KEY=... chat "what time is it in Paris?"
//	OPENAI_API_KEY=...    chat "what time is it in Paris?"
//
// Set REDIS_ADDR to additionally mirror the run onto a Pulse stream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelflow/modelflow/broadcast/pulse"
	clientspulse "github.com/modelflow/modelflow/broadcast/pulse/clients/pulse"
	"github.com/modelflow/modelflow/loop"
	"github.com/modelflow/modelflow/messages"
	"github.com/modelflow/modelflow/model"
	"github.com/modelflow/modelflow/providers/anthropic"
	"github.com/modelflow/modelflow/providers/openai"
	"github.com/modelflow/modelflow/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chat:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	prompt := "Introduce yourself in one sentence."
	if len(os.Args) > 1 {
		prompt = strings.Join(os.Args[1:], " ")
	}

	m, err := pickModel()
	if err != nil {
		return err
	}

	clock, err := tools.NewSet(&tools.Tool{
		Name:        "current_time",
		Description: "Returns the current UTC time in RFC 3339 form.",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		},
		Execute: func(ctx context.Context, inv tools.Invocation) (any, error) {
			return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	})
	if err != nil {
		return err
	}

	list := messages.New(model.Message{
		Role:  model.RoleUser,
		Parts: []model.Part{{Kind: model.PartText, Text: prompt}},
	})

	r, err := loop.Stream(ctx, m, list,
		loop.WithTools(clock),
		loop.WithStopWhen(loop.StepCountIs(4)),
	)
	if err != nil {
		return err
	}

	// Mirror the run onto a Pulse stream when Redis is configured.
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cli, err := clientspulse.New(clientspulse.Options{
			Redis: redis.NewClient(&redis.Options{Addr: addr}),
		})
		if err != nil {
			return err
		}
		sink, err := pulse.NewSink(pulse.Options{Client: cli})
		if err != nil {
			return err
		}
		go func() {
			if err := pulse.Forward(ctx, r, sink); err != nil {
				fmt.Fprintln(os.Stderr, "chat: pulse forward:", err)
			}
		}()
	}

	for frag := range r.TextStream(ctx) {
		fmt.Print(frag)
	}
	fmt.Println()

	if err := r.Err(ctx); err != nil {
		return err
	}

	calls, err := r.ToolCalls(ctx)
	if err != nil {
		return err
	}
	for _, c := range calls {
		fmt.Printf("  [tool %s %s]\n", c.ToolName, string(c.Input))
	}
	usage, err := r.TotalUsage(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  [%d in / %d out tokens]\n", usage.InputTokens, usage.OutputTokens)
	return nil
}

func pickModel() (model.LanguageModel, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return anthropic.NewFromAPIKey(key, "claude-sonnet-4-20250514")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return openai.NewFromAPIKey(key, "gpt-4o-mini")
	}
	return nil, fmt.Errorf("set ANTHROPIC_API_KEY or OPENAI_API_KEY")
}
