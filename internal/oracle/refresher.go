package oracle

import (
	"context"
	"log/slog"
	"time"
)

// Refresher recomputes every active market's probabilities on an interval.
type Refresher struct {
	oracle   *Oracle
	interval time.Duration
}

// NewRefresher creates a Refresher.
func NewRefresher(o *Oracle, interval time.Duration) *Refresher {
	return &Refresher{oracle: o, interval: interval}
}

// Run refreshes until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.oracle.RefreshAllFromOrderbook(ctx); err != nil && ctx.Err() == nil {
				r.oracle.logger.Debug("refresh pass finished with errors", slog.String("error", err.Error()))
			}
		}
	}
}
