package orchestrator

import (
	"context"
	"time"

	"leadflow/internal/async"
	lferrors "leadflow/internal/errors"
)

// DefaultReapInterval is how often the reaper scans for expired runs.
const DefaultReapInterval = 10 * time.Second

// StartReaper launches the background loop that fails runs past their
// deadline. It stops when ctx is cancelled.
func (o *Orchestrator) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	async.Go(o.logger, "run-reaper", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				o.logger.Info("Run reaper stopped")
				return
			case now := <-ticker.C:
				o.ReapExpired(ctx, now)
			}
		}
	})
}

// ReapExpired fails every live run whose deadline passed. Pending proposals
// on an expired run are auto-rejected with decidedBy "system:timeout" before
// the run is failed, so no PENDING proposal outlives its run.
func (o *Orchestrator) ReapExpired(ctx context.Context, now time.Time) int {
	expired, err := o.store.ListExpiredRuns(ctx, now)
	if err != nil {
		o.logger.Error("Reaper: cannot list expired runs: %v", err)
		return 0
	}

	for _, r := range expired {
		o.logger.Warn("Run %s exceeded deadline %s (status=%s)", r.ID, r.Deadline.Format(time.RFC3339), r.Status)

		o.mu.Lock()
		cancel, ok := o.cancelFuncs[r.ID]
		o.mu.Unlock()
		if ok {
			cancel(&lferrors.TimeoutError{RunID: r.ID})
		}

		o.rejectPendingProposals(ctx, r.ID, systemTimeout)
		o.failRun(ctx, r.ID, "timeout")
	}
	return len(expired)
}
