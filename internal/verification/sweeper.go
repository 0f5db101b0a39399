package verification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"VibeGuard/internal/vtoken"
	"VibeGuard/pkg/logger"
)

// Sweeper 周期性地把过期请求标记为失效并清理过期令牌。访问时的惰性检查已保证
// 正确性，清扫只是回收资源。
type Sweeper struct {
	requests RequestStore
	tokens   vtoken.Store
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(requests RequestStore, tokens vtoken.Store, interval time.Duration, now func() time.Time) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		requests: requests,
		tokens:   tokens,
		interval: interval,
		now:      now,
		log:      logger.Named("verification.sweeper"),
	}
}

// RunOnce performs a single pass.
func (s *Sweeper) RunOnce(ctx context.Context) (int, int, error) {
	now := s.now()
	expired, reqErr := s.requests.Sweep(ctx, now)
	pruned, tokErr := s.tokens.Prune(ctx, now)
	return expired, pruned, errors.Join(reqErr, tokErr)
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, pruned, err := s.RunOnce(ctx)
			if err != nil {
				s.log.Warn("sweep failed", slog.String("error", err.Error()))
				continue
			}
			if expired > 0 || pruned > 0 {
				s.log.Debug("sweep finished", slog.Int("requests_expired", expired), slog.Int("tokens_pruned", pruned))
			}
		}
	}
}
