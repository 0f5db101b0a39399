package settlement

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/observability/alerting"
	"VibeGuard/internal/observability/metrics"
	"VibeGuard/pkg/logger"
)

// Processor 从队列消费结算任务，调用 Settler 并把结果写回账本。
type Processor struct {
	ledger      ledger.Store
	settler     Settler
	consumer    Consumer
	producer    Producer
	workerCount int
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts bounds settlement attempts before a transaction fails.
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryDelay waits before a retryable failure is requeued.
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.retryDelay = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithClock overrides the time source used in alerts.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store ledger.Store, settler Settler, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		ledger:      store,
		settler:     settler,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		maxAttempts: 5,
		retryDelay:  time.Second,
		logger:      logger.Named("settlement"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动结算循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置结算队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle settles a single job. It is idempotent: jobs for transactions
// that are no longer pending are dropped.
func (p *Processor) Handle(ctx context.Context, job Job) error {
	if p.ledger == nil || p.settler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "结算处理器未初始化")
	}
	tx, err := p.ledger.ReadTransaction(ctx, job.TxID)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrTransactionNotFound) {
			p.logger.Debug("跳过结算任务", slog.String("transaction_id", job.TxID), slog.String("reason", "not found"))
			return nil
		}
		p.logger.Error("读取交易失败", slog.Any("error", err), slog.String("transaction_id", job.TxID))
		return err
	}
	if tx.Status != ledger.StatusPending {
		p.logger.Debug("跳过结算任务", slog.String("transaction_id", tx.ID), slog.String("status", string(tx.Status)))
		return nil
	}

	status, settleErr := p.settler.Settle(ctx, tx)
	if settleErr != nil {
		return p.handleFailure(ctx, tx, job, settleErr)
	}
	if status != ledger.StatusConfirmed && status != ledger.StatusFailed {
		return p.handleFailure(ctx, tx, job, fmt.Errorf("settler returned non-terminal status %q", status))
	}
	return p.finalize(ctx, tx, status, job)
}

func (p *Processor) handleFailure(ctx context.Context, tx ledger.Transaction, job Job, cause error) error {
	attempt := job.Attempt + 1
	retryable := xerrors.RetryableError(cause)
	terminal := !retryable || attempt >= p.maxAttempts
	p.logger.Warn("结算失败",
		slog.String("transaction_id", tx.ID),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", p.maxAttempts),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
	)
	if !terminal {
		if err := sleepCtx(ctx, p.retryDelay); err != nil {
			return err
		}
		if err := p.producer.Publish(ctx, Job{TxID: tx.ID, Attempt: attempt}); err != nil {
			return xerrors.Wrap(CodeSettlementPublish, err, fmt.Sprintf("交易 %s 重投失败", tx.ID))
		}
		metrics.ObserveOutcome("settlement", "retry")
		return nil
	}

	if err := p.finalize(ctx, tx, ledger.StatusFailed, Job{TxID: tx.ID, Attempt: attempt}); err != nil {
		return err
	}
	p.emitAlert(ctx, tx, attempt, cause)
	return nil
}

func (p *Processor) finalize(ctx context.Context, tx ledger.Transaction, status ledger.TxStatus, job Job) error {
	updated, err := p.ledger.UpdateTransactionStatus(ctx, tx.ID, status)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrInvalidTransition) {
			// 另一个 worker 已完成结算。
			return nil
		}
		p.logger.Error("回写交易状态失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
		return err
	}
	metrics.ObserveOutcome("settlement", string(status))
	logger.Audit().Info("transaction settled",
		slog.String("transaction_id", updated.ID),
		slog.String("user_id", updated.UserID),
		slog.String("type", string(updated.Type)),
		slog.String("status", string(updated.Status)),
		slog.Int("attempt", job.Attempt),
	)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, tx ledger.Transaction, attempts int, cause error) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(CodeSettlementFailed)
	event := alerting.Event{
		Code:          CodeSettlementFailed,
		Message:       cause.Error(),
		Severity:      attrs.Severity,
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Attempts:      attempts,
		MaxAttempts:   p.maxAttempts,
		Metadata: map[string]string{
			"type":       string(tx.Type),
			"chain":      tx.Chain,
			"currency":   tx.Currency,
			"cause_code": string(xerrors.CodeOf(cause)),
		},
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
	}
}
