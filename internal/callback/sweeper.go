package callback

import (
	"context"
	"time"
)

// Run sweeps on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	r.logger.Info().Dur("interval", interval).Msg("callback sweeper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("callback sweeper stopped")
			return nil
		case <-ticker.C:
			if n := r.SweepExpired(ctx); n > 0 {
				r.logger.Info().Int("timed_out", n).Msg("callback sweep finished")
			}
		}
	}
}
