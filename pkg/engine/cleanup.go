package engine

import (
	"context"
	"time"

	"github.com/myquay/talos/pkg/logger"
)

// RunCleanup periodically removes expired pending sessions, authorization
// codes, and refresh tokens (revoked tokens are retained for the audit
// window first). It blocks until the context is cancelled.
func (e *Engine) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CleanupOnce(ctx)
		}
	}
}

// CleanupOnce runs one cleanup sweep.
func (e *Engine) CleanupOnce(ctx context.Context) {
	sweeps := []struct {
		kind   string
		delete func(context.Context) (int, error)
	}{
		{"pending_authentications", e.store.Pending().DeleteExpired},
		{"authorization_codes", e.store.Codes().DeleteExpired},
		{"refresh_tokens", e.store.RefreshTokens().DeleteExpired},
	}

	for _, sweep := range sweeps {
		deleted, err := sweep.delete(ctx)
		if err != nil {
			logger.Errorw("cleanup sweep failed", "kind", sweep.kind, "error", err)
			continue
		}
		if deleted > 0 {
			logger.Debugw("cleanup removed expired records", "kind", sweep.kind, "count", deleted)
			e.sink.CleanupDeleted(sweep.kind, deleted)
		}
	}
}
