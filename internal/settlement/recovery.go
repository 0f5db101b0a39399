package settlement

import (
	"context"
	"log/slog"
	"time"

	"VibeGuard/internal/ledger"
	"VibeGuard/pkg/logger"
)

// Publisher 把新追加的交易交给结算队列，供执行服务使用。
type Publisher struct {
	producer Producer
}

// NewPublisher wraps producer.
func NewPublisher(producer Producer) *Publisher {
	return &Publisher{producer: producer}
}

// Publish enqueues the first settlement attempt for tx.
func (p *Publisher) Publish(ctx context.Context, tx ledger.Transaction) error {
	return p.producer.Publish(ctx, Job{TxID: tx.ID})
}

// Recovery 周期性地重新投递长时间停留在 pending 的交易，覆盖投递失败、
// 进程崩溃等情况。重复投递是安全的：处理器会跳过已结算的交易。
type Recovery struct {
	writer   ledger.Writer
	producer Producer
	interval time.Duration
	minAge   time.Duration
	batch    int
	now      func() time.Time
	log      *slog.Logger
}

// RecoveryConfig 是恢复任务的参数。
type RecoveryConfig struct {
	Interval time.Duration `yaml:"interval"`
	MinAge   time.Duration `yaml:"min_age"`
	Batch    int           `yaml:"batch"`
}

// NewRecovery fills zero values with 30s interval, 1m minimum age and a
// batch of 100.
func NewRecovery(writer ledger.Writer, producer Producer, cfg RecoveryConfig, now func() time.Time) *Recovery {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if now == nil {
		now = time.Now
	}
	return &Recovery{
		writer:   writer,
		producer: producer,
		interval: cfg.Interval,
		minAge:   cfg.MinAge,
		batch:    cfg.Batch,
		now:      now,
		log:      logger.Named("settlement.recovery"),
	}
}

// RunOnce requeues stale pending transactions and reports how many.
func (r *Recovery) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.writer.PendingTransactions(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	now := r.now()
	requeued := 0
	for _, tx := range pending {
		if now.Sub(tx.CreatedAt) < r.minAge {
			continue
		}
		if err := r.producer.Publish(ctx, Job{TxID: tx.ID}); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// Run blocks until ctx is cancelled.
func (r *Recovery) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Warn("pending recovery failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				r.log.Info("requeued pending transactions", slog.Int("count", n))
			}
		}
	}
}
