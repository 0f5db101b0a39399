package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VibeGuard/internal/chain"
	"VibeGuard/internal/delivery"
	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/ledger/memledger"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/txparams"
	"VibeGuard/internal/verification"
	"VibeGuard/internal/vtoken"
	"VibeGuard/internal/web3"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

const (
	aliceAddress = "0x52908400098527886E0F7030069857D2E4169EE7"
	bobAddress   = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

const chainsYAML = `
chains:
  ethereum:
    type: evm
    native_currency: ETH
    eta_seconds: 30
    stake_fee: "2"
    fees:
      USDC: "1.5"
      ETH: "0.0004"
`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu  sync.Mutex
	txs []ledger.Transaction
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, tx ledger.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs = append(p.txs, tx)
	return p.err
}

type harness struct {
	svc       *Service
	clock     *fakeClock
	ledger    *memledger.Store
	tokens    *vtoken.MemoryStore
	codec     *vtoken.Codec
	fees      web3.FeeOracle
	publisher *recordingPublisher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{t: start},
		tokens:    vtoken.NewMemoryStore(),
		publisher: &recordingPublisher{},
	}
	h.ledger = memledger.New(memledger.WithClock(h.clock.Now))
	h.ledger.AddWallet(ledger.Wallet{UserID: "alice", Handle: "alice", Currency: "USDC", Chain: "ethereum", Address: aliceAddress})
	h.ledger.AddWallet(ledger.Wallet{UserID: "alice", Handle: "alice", Currency: "VIBE", Chain: "ethereum", Address: aliceAddress})
	h.ledger.AddWallet(ledger.Wallet{UserID: "bob", Handle: "bob", Currency: "USDC", Chain: "ethereum", Address: bobAddress})
	h.ledger.Deposit("alice", "USDC", "ethereum", decimal.NewFromInt(1000))
	h.ledger.Deposit("alice", "VIBE", "ethereum", decimal.NewFromInt(5000))

	codec, err := vtoken.NewCodec([]byte(strings.Repeat("k", 32)), "vibeguard", h.clock.Now)
	require.NoError(t, err)
	h.codec = codec

	defs, err := web3.ParseChainDefinitions([]byte(chainsYAML))
	require.NoError(t, err)
	fees, err := web3.NewStaticFeeOracle(defs)
	require.NoError(t, err)
	h.fees = fees

	svc, err := NewService(Dependencies{
		Ledger:     h.ledger,
		Tokens:     h.tokens,
		Codec:      codec,
		Resolver:   chain.DefaultResolver(),
		Fees:       fees,
		Settlement: h.publisher,
		Now:        h.clock.Now,
	}, cfg)
	require.NoError(t, err)
	h.svc = svc
	return h
}

// issue stores a token for params as the verification service would.
func (h *harness) issue(t *testing.T, userID string, params txparams.LockedParams, ttl time.Duration) (string, string) {
	t.Helper()
	params.UserID = userID
	locked, err := params.Normalize(chain.DefaultResolver())
	require.NoError(t, err)
	now := h.clock.Now()
	token := vtoken.Token{
		ID:         uuid.NewString(),
		UserID:     userID,
		RequestID:  "req-" + locked.Nonce,
		ParamsHash: locked.Hash(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	require.NoError(t, h.tokens.Save(context.Background(), token))
	handle, err := h.codec.Encode(token)
	require.NoError(t, err)
	return handle, token.ID
}

func (h *harness) available(t *testing.T, userID, currency string) decimal.Decimal {
	t.Helper()
	balance, err := h.ledger.ReadBalance(context.Background(), userID, currency, "ethereum")
	require.NoError(t, err)
	return balance.Amount
}

func sendLocked(amount, nonce string) txparams.LockedParams {
	return txparams.LockedParams{
		Type:        ledger.TxSend,
		Currency:    "USDC",
		Chain:       "ethereum",
		Amount:      decimal.RequireFromString(amount),
		Destination: "@bob",
		Nonce:       nonce,
	}
}

func sendRequest(amount, nonce string) SendPaymentRequest {
	return SendPaymentRequest{
		Currency:    "usdc",
		Chain:       "Ethereum",
		Amount:      decimal.RequireFromString(amount),
		Destination: "@Bob",
		Nonce:       nonce,
	}
}

func TestSendPaymentCreatesPendingTransaction(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	handle, tokenID := h.issue(t, "alice", sendLocked("100", "n-1"), 5*time.Minute)

	h.clock.Advance(time.Minute)
	receipt, err := h.svc.SendPayment(ctx, "alice", handle, sendRequest("100.00", "n-1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, receipt.Status)
	assert.Equal(t, ledger.TxSend, receipt.Type)
	assert.Equal(t, "USDC", receipt.Currency)
	assert.True(t, receipt.Fee.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, start.Add(time.Minute), receipt.CreatedAt)

	tx, err := h.ledger.ReadTransaction(ctx, receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "bob", tx.RecipientUserID)
	assert.Equal(t, "@bob", tx.Destination)
	assert.Equal(t, aliceAddress, tx.SourceWallet)
	assert.Equal(t, "vreq:req-n-1", tx.Reference)
	assert.True(t, h.available(t, "alice", "USDC").Equal(decimal.RequireFromString("898.5")))

	token, err := h.tokens.Get(ctx, tokenID)
	require.NoError(t, err)
	assert.True(t, token.Used)
	require.Len(t, h.publisher.txs, 1)
	assert.Equal(t, receipt.TransactionID, h.publisher.txs[0].ID)

	_, err = h.svc.SendPayment(ctx, "alice", handle, sendRequest("100", "n-1"))
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.Equal(t, 409, xerrors.HTTPStatus(err))
	assert.Equal(t, 1, h.ledger.TransactionCount())
}

func TestParamsMismatchBurnsToken(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	handle, tokenID := h.issue(t, "alice", sendLocked("100", "n-1"), 5*time.Minute)

	_, err := h.svc.SendPayment(ctx, "alice", handle, sendRequest("1000", "n-1"))
	assert.ErrorIs(t, err, ErrParamsMismatch)
	assert.Equal(t, "verification required again", xerrors.UserMessage(err))

	token, err := h.tokens.Get(ctx, tokenID)
	require.NoError(t, err)
	assert.True(t, token.Used)

	_, err = h.svc.SendPayment(ctx, "alice", handle, sendRequest("100", "n-1"))
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.Equal(t, 0, h.ledger.TransactionCount())
	assert.True(t, h.available(t, "alice", "USDC").Equal(decimal.NewFromInt(1000)))
}

func TestParamsMismatchKeepLeavesTokenUsable(t *testing.T) {
	h := newHarness(t, Config{OnParamsMismatch: MismatchKeep})
	ctx := context.Background()
	handle, _ := h.issue(t, "alice", sendLocked("100", "n-1"), 5*time.Minute)

	tampered := sendRequest("100", "n-1")
	tampered.Destination = bobAddress
	_, err := h.svc.SendPayment(ctx, "alice", handle, tampered)
	assert.ErrorIs(t, err, ErrParamsMismatch)
	assert.Equal(t, 0, h.ledger.TransactionCount())

	_, err = h.svc.SendPayment(ctx, "alice", handle, sendRequest("100", "n-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.TransactionCount())
}

func TestTokenCannotBeRedeemedByAnotherOperation(t *testing.T) {
	h := newHarness(t, Config{OnParamsMismatch: MismatchKeep})
	ctx := context.Background()
	handle, _ := h.issue(t, "alice", sendLocked("100", "n-1"), 5*time.Minute)

	_, err := h.svc.StakeVibe(ctx, "alice", handle, StakeRequest{Chain: "ethereum", Amount: decimal.NewFromInt(100), Nonce: "n-1"})
	assert.ErrorIs(t, err, ErrParamsMismatch)

	_, err = h.svc.CreatePaymentRequest(ctx, "alice", handle, PaymentRequestRequest{
		Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(100), Payer: "@bob", Nonce: "n-1",
	})
	assert.ErrorIs(t, err, ErrParamsMismatch)

	_, err = h.svc.SendPayment(ctx, "alice", handle, sendRequest("100", "n-2"))
	assert.ErrorIs(t, err, ErrParamsMismatch)
	assert.Equal(t, 0, h.ledger.TransactionCount())
}

func TestInvalidTokens(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	handle, tokenID := h.issue(t, "alice", sendLocked("100", "n-1"), 5*time.Minute)

	_, err := h.svc.SendPayment(ctx, "bob", handle, sendRequest("100", "n-1"))
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 403, xerrors.HTTPStatus(err))

	_, err = h.svc.SendPayment(ctx, "alice", "not-a-token", sendRequest("100", "n-1"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = h.svc.SendPayment(ctx, "alice", "", sendRequest("100", "n-1"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	forger, err := vtoken.NewCodec([]byte(strings.Repeat("x", 32)), "vibeguard", h.clock.Now)
	require.NoError(t, err)
	stolen, err := h.tokens.Get(ctx, tokenID)
	require.NoError(t, err)
	forged, err := forger.Encode(stolen)
	require.NoError(t, err)
	_, err = h.svc.SendPayment(ctx, "alice", forged, sendRequest("100", "n-1"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	unknown, err := h.codec.Encode(vtoken.Token{
		ID: "missing", UserID: "alice", ParamsHash: stolen.ParamsHash, IssuedAt: start, ExpiresAt: start.Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = h.svc.SendPayment(ctx, "alice", unknown, sendRequest("100", "n-1"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err := h.tokens.Get(ctx, tokenID)
	require.NoError(t, err)
	assert.False(t, token.Used)
	assert.Equal(t, 0, h.ledger.TransactionCount())
}

func TestExpiredTokenIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	handle, _ := h.issue(t, "alice", sendLocked("100", "n-1"), 5*time.Minute)

	h.clock.Advance(5*time.Minute + time.Second)
	_, err := h.svc.SendPayment(ctx, "alice", handle, sendRequest("100", "n-1"))
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, 0, h.ledger.TransactionCount())
}

func TestInsufficientFundsConsumesTokenWithoutTransaction(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	handle, tokenID := h.issue(t, "alice", sendLocked("999", "n-1"), 5*time.Minute)

	_, err := h.svc.SendPayment(ctx, "alice", handle, sendRequest("999", "n-1"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "verification required again", xerrors.UserMessage(err))

	token, err := h.tokens.Get(ctx, tokenID)
	require.NoError(t, err)
	assert.True(t, token.Used)
	assert.Equal(t, 0, h.ledger.TransactionCount())
	assert.True(t, h.available(t, "alice", "USDC").Equal(decimal.NewFromInt(1000)))
	assert.Empty(t, h.publisher.txs)
}

func TestConcurrentRedemptionCreatesOneTransaction(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	handle, _ := h.issue(t, "alice", sendLocked("10", "n-1"), 5*time.Minute)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SendPayment(ctx, "alice", handle, sendRequest("10", "n-1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrTokenAlreadyUsed):
				used++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, used)
	assert.Equal(t, 1, h.ledger.TransactionCount())
	assert.True(t, h.available(t, "alice", "USDC").Equal(decimal.RequireFromString("988.5")))
}

func TestTwoTokensCannotOverspend(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, _ := h.issue(t, "alice", sendLocked("600", "n-1"), 5*time.Minute)
	second, _ := h.issue(t, "alice", sendLocked("600", "n-2"), 5*time.Minute)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, handle := range []string{first, second} {
		wg.Add(1)
		go func(i int, handle, nonce string) {
			defer wg.Done()
			_, errs[i] = h.svc.SendPayment(ctx, "alice", handle, sendRequest("600", nonce))
		}(i, handle, []string{"n-1", "n-2"}[i])
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrInsufficientFunds)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, h.ledger.TransactionCount())
	assert.False(t, h.available(t, "alice", "USDC").IsNegative())
}

func TestStakeAndUnstake(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	stake := txparams.LockedParams{Type: ledger.TxStake, Currency: "vibe", Chain: "ethereum", Amount: decimal.NewFromInt(1000), Nonce: "s-1"}
	handle, _ := h.issue(t, "alice", stake, 5*time.Minute)

	receipt, err := h.svc.StakeVibe(ctx, "alice", handle, StakeRequest{Chain: "ethereum", Amount: decimal.NewFromInt(1000), Nonce: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "VIBE", receipt.Currency)
	assert.True(t, receipt.Fee.Equal(decimal.NewFromInt(2)))
	assert.True(t, h.available(t, "alice", "VIBE").Equal(decimal.NewFromInt(3998)))
	_, err = h.ledger.UpdateTransactionStatus(ctx, receipt.TransactionID, ledger.StatusConfirmed)
	require.NoError(t, err)

	tooMuch := txparams.LockedParams{Type: ledger.TxUnstake, Currency: "VIBE", Chain: "ethereum", Amount: decimal.NewFromInt(1500), Nonce: "u-1"}
	handle, _ = h.issue(t, "alice", tooMuch, 5*time.Minute)
	_, err = h.svc.Unstake(ctx, "alice", handle, StakeRequest{Chain: "ethereum", Amount: decimal.NewFromInt(1500), Nonce: "u-1"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	dust := txparams.LockedParams{Type: ledger.TxUnstake, Currency: "VIBE", Chain: "ethereum", Amount: decimal.NewFromInt(2), Nonce: "u-2"}
	handle, _ = h.issue(t, "alice", dust, 5*time.Minute)
	_, err = h.svc.Unstake(ctx, "alice", handle, StakeRequest{Chain: "ethereum", Amount: decimal.NewFromInt(2), Nonce: "u-2"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	unstake := txparams.LockedParams{Type: ledger.TxUnstake, Currency: "VIBE", Chain: "ethereum", Amount: decimal.NewFromInt(400), Nonce: "u-3"}
	handle, _ = h.issue(t, "alice", unstake, 5*time.Minute)
	receipt, err = h.svc.Unstake(ctx, "alice", handle, StakeRequest{Chain: "ethereum", Amount: decimal.NewFromInt(400), Nonce: "u-3"})
	require.NoError(t, err)
	_, err = h.ledger.UpdateTransactionStatus(ctx, receipt.TransactionID, ledger.StatusConfirmed)
	require.NoError(t, err)

	positions, err := h.ledger.ReadStakePositions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Amount.Equal(decimal.NewFromInt(600)))
	assert.True(t, h.available(t, "alice", "VIBE").Equal(decimal.NewFromInt(4396)))
}

func TestCreatePaymentRequestMovesNoFunds(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	params := txparams.LockedParams{
		Type: ledger.TxPaymentRequest, Currency: "USDC", Chain: "ethereum",
		Amount: decimal.NewFromInt(25), Destination: strings.ToLower(bobAddress), Nonce: "p-1",
	}
	handle, _ := h.issue(t, "alice", params, 5*time.Minute)

	receipt, err := h.svc.CreatePaymentRequest(ctx, "alice", handle, PaymentRequestRequest{
		Currency: "USDC", Chain: "ethereum", Amount: decimal.NewFromInt(25), Payer: bobAddress, Nonce: "p-1",
	})
	require.NoError(t, err)
	assert.True(t, receipt.Fee.IsZero())
	tx, err := h.ledger.ReadTransaction(ctx, receipt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, bobAddress, tx.Destination)
	assert.Empty(t, tx.RecipientUserID)
	assert.True(t, h.available(t, "alice", "USDC").Equal(decimal.NewFromInt(1000)))
}

func TestPublishFailureKeepsTransaction(t *testing.T) {
	h := newHarness(t, Config{})
	h.publisher.err = errors.New("broker down")
	handle, _ := h.issue(t, "alice", sendLocked("5", "n-1"), 5*time.Minute)

	receipt, err := h.svc.SendPayment(context.Background(), "alice", handle, sendRequest("5", "n-1"))
	require.NoError(t, err)
	pending, err := h.ledger.PendingTransactions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, receipt.TransactionID, pending[0].ID)
}

func TestUnknownHandleDoesNotBurnToken(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	params := sendLocked("5", "n-1")
	params.Destination = "@carol"
	handle, tokenID := h.issue(t, "alice", params, 5*time.Minute)

	req := sendRequest("5", "n-1")
	req.Destination = "@carol"
	_, err := h.svc.SendPayment(ctx, "alice", handle, req)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)

	token, err := h.tokens.Get(ctx, tokenID)
	require.NoError(t, err)
	assert.False(t, token.Used)
}

func TestParseMismatchPolicy(t *testing.T) {
	p, err := ParseMismatchPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MismatchBurn, p)
	p, err = ParseMismatchPolicy(" KEEP ")
	require.NoError(t, err)
	assert.Equal(t, MismatchKeep, p)
	_, err = ParseMismatchPolicy("ignore")
	assert.Error(t, err)

	_, err = NewService(Dependencies{}, Config{})
	assert.Error(t, err)
}

// Tier 1 end to end: a small send verified by biometric assertion.
func TestBiometricVerifiedSendEndToEnd(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	devices := verification.NewStaticDeviceKeys(nil)
	key := []byte("alice-device")
	devices.Enroll("alice", key)

	verifier, err := verification.NewService(verification.Dependencies{
		Policy:    policy.NewHolder(policy.Default()),
		Resolver:  chain.DefaultResolver(),
		Requests:  verification.NewMemoryStore(time.Hour),
		Tokens:    h.tokens,
		Codec:     h.codec,
		Delivery:  delivery.NewDispatcher(delivery.NewStaticDirectory(nil)),
		Biometric: verification.NewHMACVerifier(devices),
		Now:       h.clock.Now,
	}, verification.Config{PinHash: verification.HashParams{Time: 1, MemoryKiB: 64, Threads: 1, KeyLen: 16}})
	require.NoError(t, err)

	request, err := verifier.RequestVerification(ctx, "alice", sendLocked("40", "e2e-1"))
	require.NoError(t, err)
	require.Equal(t, 1, request.Tier)

	result, err := verifier.ValidateBiometric(ctx, verification.BiometricSubmission{
		RequestID: request.RequestID,
		UserID:    "alice",
		Assertion: verification.SignAssertion(key, request.RequestID, request.BiometricChallenge),
	})
	require.NoError(t, err)
	require.True(t, result.Complete())

	receipt, err := h.svc.SendPayment(ctx, "alice", result.Token, sendRequest("40", "e2e-1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, receipt.Status)
	assert.True(t, h.available(t, "alice", "USDC").Equal(decimal.RequireFromString("958.5")))

	_, err = h.ledger.UpdateTransactionStatus(ctx, receipt.TransactionID, ledger.StatusConfirmed)
	require.NoError(t, err)
	assert.True(t, h.available(t, "bob", "USDC").Equal(decimal.NewFromInt(40)))
}
