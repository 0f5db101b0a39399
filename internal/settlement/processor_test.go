package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/ledger/memledger"
	"VibeGuard/internal/observability/alerting"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func newLedger(t *testing.T) *memledger.Store {
	t.Helper()
	store := memledger.New(memledger.WithClock(func() time.Time { return start }))
	store.AddWallet(ledger.Wallet{UserID: "alice", Handle: "alice", Currency: "USDC", Chain: "ethereum", Address: "0x52908400098527886E0F7030069857D2E4169EE7"})
	store.AddWallet(ledger.Wallet{UserID: "bob", Handle: "bob", Currency: "USDC", Chain: "ethereum", Address: "0x8617E340B3D01FA5F11F306F4090FD50E238070D"})
	store.Deposit("alice", "USDC", "ethereum", decimal.NewFromInt(10000))
	return store
}

func appendSend(t *testing.T, store *memledger.Store, id, recipient string, amount int64) ledger.Transaction {
	t.Helper()
	tx := ledger.Transaction{
		ID:              id,
		UserID:          "alice",
		Type:            ledger.TxSend,
		Currency:        "USDC",
		Chain:           "ethereum",
		Amount:          decimal.NewFromInt(amount),
		Fee:             decimal.NewFromInt(1),
		Destination:     "@" + recipient,
		RecipientUserID: recipient,
		Status:          ledger.StatusPending,
		CreatedAt:       start,
	}
	if err := store.AppendTransaction(context.Background(), tx); err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
	return tx
}

func available(t *testing.T, store *memledger.Store, userID string) decimal.Decimal {
	t.Helper()
	b, err := store.ReadBalance(context.Background(), userID, "USDC", "ethereum")
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return b.Amount
}

func TestProcessorSettlesConcurrentTransactions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newLedger(t)
	queue := NewMemoryQueue(1024)
	processor := NewProcessor(store, NewBookSettler(store), queue, queue, WithWorkerCount(8))
	publisher := NewPublisher(queue)

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 100
	for i := 0; i < total; i++ {
		tx := appendSend(t, store, fmt.Sprintf("tx-%d", i), "bob", 10)
		if err := publisher.Publish(ctx, tx); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		pending, err := store.PendingTransactions(ctx, 0)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("结算未能及时完成，剩余 %d", len(pending))
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}

	if got := available(t, store, "bob"); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("bob balance = %s, want 1000", got)
	}
	if got := available(t, store, "alice"); !got.Equal(decimal.NewFromInt(8900)) {
		t.Fatalf("alice balance = %s, want 8900", got)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)
	appendSend(t, store, "tx-1", "bob", 10)

	var calls atomic.Int32
	settler := SettlerFunc(func(context.Context, ledger.Transaction) (ledger.TxStatus, error) {
		if calls.Add(1) <= 2 {
			return "", xerrors.New(xerrors.CodeTimeout, "node timeout")
		}
		return ledger.StatusConfirmed, nil
	})
	queue := NewMemoryQueue(8)
	processor := NewProcessor(store, settler, queue, queue, WithRetryDelay(0), WithMaxAttempts(5))

	job := Job{TxID: "tx-1"}
	for i := 1; i <= 2; i++ {
		if err := processor.Handle(ctx, job); err != nil {
			t.Fatalf("handle attempt %d: %v", i, err)
		}
		job = <-queue.ch
		if job.Attempt != i {
			t.Fatalf("requeued attempt = %d, want %d", job.Attempt, i)
		}
	}
	if err := processor.Handle(ctx, job); err != nil {
		t.Fatalf("final handle: %v", err)
	}
	tx, err := store.ReadTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != ledger.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", tx.Status)
	}
	if queue.Len() != 0 {
		t.Fatalf("unexpected requeue after success")
	}

	// 已结算的交易再次投递时直接跳过。
	if err := processor.Handle(ctx, Job{TxID: "tx-1"}); err != nil {
		t.Fatalf("duplicate handle: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("settler calls = %d, want 3", calls.Load())
	}
	if err := processor.Handle(ctx, Job{TxID: "missing"}); err != nil {
		t.Fatalf("missing tx should be skipped: %v", err)
	}
}

func TestProcessorFailsAfterMaxAttemptsAndAlerts(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)
	appendSend(t, store, "tx-1", "bob", 100)
	if got := available(t, store, "alice"); !got.Equal(decimal.NewFromInt(9899)) {
		t.Fatalf("alice balance after append = %s", got)
	}

	alerts := &captureAlerts{}
	settler := SettlerFunc(func(context.Context, ledger.Transaction) (ledger.TxStatus, error) {
		return "", xerrors.New(xerrors.CodeTimeout, "node timeout")
	})
	queue := NewMemoryQueue(8)
	processor := NewProcessor(store, settler, queue, queue,
		WithMaxAttempts(2), WithRetryDelay(0), WithAlertDispatcher(alerts), WithClock(func() time.Time { return start }))

	if err := processor.Handle(ctx, Job{TxID: "tx-1", Attempt: 1}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tx, err := store.ReadTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != ledger.StatusFailed {
		t.Fatalf("status = %s, want failed", tx.Status)
	}
	if got := available(t, store, "alice"); !got.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("alice not refunded: %s", got)
	}
	if len(alerts.events) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts.events))
	}
	event := alerts.events[0]
	if event.Code != CodeSettlementFailed || event.TransactionID != "tx-1" || event.Attempts != 2 {
		t.Fatalf("unexpected alert %+v", event)
	}
	if event.Metadata["cause_code"] != string(xerrors.CodeTimeout) {
		t.Fatalf("cause_code = %q", event.Metadata["cause_code"])
	}
}

func TestProcessorNonRetryableFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)
	appendSend(t, store, "tx-1", "bob", 10)

	settler := SettlerFunc(func(context.Context, ledger.Transaction) (ledger.TxStatus, error) {
		return "", errors.New("rejected by chain")
	})
	queue := NewMemoryQueue(8)
	processor := NewProcessor(store, settler, queue, queue, WithRetryDelay(0))
	if err := processor.Handle(ctx, Job{TxID: "tx-1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	tx, _ := store.ReadTransaction(ctx, "tx-1")
	if tx.Status != ledger.StatusFailed {
		t.Fatalf("status = %s, want failed", tx.Status)
	}
	if queue.Len() != 0 {
		t.Fatalf("non-retryable failure must not be requeued")
	}
}

func TestBookSettlerFailsTransferToMissingWallet(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)
	settler := NewBookSettler(store)

	status, err := settler.Settle(ctx, appendSend(t, store, "tx-1", "bob", 10))
	if err != nil || status != ledger.StatusConfirmed {
		t.Fatalf("internal transfer: %s %v", status, err)
	}
	status, err = settler.Settle(ctx, appendSend(t, store, "tx-2", "carol", 10))
	if err != nil || status != ledger.StatusFailed {
		t.Fatalf("transfer to unknown user: %s %v", status, err)
	}
	status, err = settler.Settle(ctx, ledger.Transaction{Type: ledger.TxStake})
	if err != nil || status != ledger.StatusConfirmed {
		t.Fatalf("stake: %s %v", status, err)
	}
}

func TestRecoveryRequeuesStalePending(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)
	appendSend(t, store, "tx-old", "bob", 10)
	appendSend(t, store, "tx-new", "bob", 10)

	queue := NewMemoryQueue(8)
	now := start.Add(30 * time.Second)
	recovery := NewRecovery(store, queue, RecoveryConfig{MinAge: 20 * time.Second}, func() time.Time { return now })
	n, err := recovery.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || queue.Len() != 2 {
		t.Fatalf("requeued = %d (queue %d), want 2", n, queue.Len())
	}

	recovery = NewRecovery(store, queue, RecoveryConfig{MinAge: time.Minute}, func() time.Time { return now })
	n, err = recovery.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("requeued %d transactions younger than min age", n)
	}
}
