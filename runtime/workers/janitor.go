package workers

import (
	"context"
	"log/slog"
	"time"

	"uplink/upload"
)

// SessionExpirer retires in-memory sessions whose idle TTL elapsed.
type SessionExpirer interface {
	ExpireIdle(now time.Time) int
}

// JanitorWorker periodically evicts upload sessions whose idle TTL has
// elapsed, both the persisted snapshots and the in-memory active ones.
// A session the janitor removed behaves like any unknown session: late
// acknowledgments referencing it are ignored.
type JanitorWorker struct {
	store    *upload.SessionStore
	uploads  SessionExpirer
	log      *slog.Logger
	interval time.Duration
}

func NewJanitorWorker(store *upload.SessionStore, uploads SessionExpirer, log *slog.Logger, interval time.Duration) *JanitorWorker {
	return &JanitorWorker{store: store, uploads: uploads, log: log, interval: interval}
}

func (w *JanitorWorker) Run(ctx context.Context) error {
	w.log.Debug("Starting session janitor", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping session janitor")
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			if retired := w.uploads.ExpireIdle(now); retired > 0 {
				w.log.Info("Retired idle active sessions", "count", retired)
			}
			evicted, err := w.store.SweepExpired(now)
			if err != nil {
				w.log.Error("Sweep failed", "error", err)
				continue
			}
			if evicted > 0 {
				w.log.Info("Evicted expired sessions", "count", evicted)
			}
		}
	}
}
