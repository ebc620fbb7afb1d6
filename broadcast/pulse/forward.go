package pulse

import (
	"context"

	"github.com/modelflow/modelflow/stream"
)

// Forward drains a run's event feed into the sink, blocking until the run
// terminates, the context is canceled or a publish fails. Run it in its own
// goroutine alongside the consumers reading the run directly.
func Forward(ctx context.Context, r *stream.Run, s *Sink) error {
	for ev := range r.Events(ctx) {
		if err := s.Send(ctx, ev); err != nil {
			return err
		}
	}
	return ctx.Err()
}
