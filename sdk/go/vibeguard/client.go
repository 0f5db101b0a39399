package vibeguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout applies to clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// TokenHeader carries the verification token handle on execution calls.
const TokenHeader = "X-Verification-Token"

// Client wraps the VibeGuard REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials 用于换取访问令牌。
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token is an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Balance is one currency/chain balance.
type Balance struct {
	Currency string          `json:"currency"`
	Chain    string          `json:"chain"`
	Amount   decimal.Decimal `json:"amount"`
	AsOf     time.Time       `json:"as_of"`
}

// Transaction mirrors a ledger transaction.
type Transaction struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Currency        string          `json:"currency"`
	Chain           string          `json:"chain"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	SourceWallet    string          `json:"source_wallet"`
	Destination     string          `json:"destination"`
	RecipientUserID string          `json:"recipient_user_id,omitempty"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TransactionPage is one page of history.
type TransactionPage struct {
	Items      []Transaction `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// HistoryOptions narrows a history listing.
type HistoryOptions struct {
	Limit    int
	Cursor   string
	Types    []string
	Currency string
}

func (o HistoryOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Cursor != "" {
		v.Set("cursor", o.Cursor)
	}
	if len(o.Types) > 0 {
		v.Set("type", strings.Join(o.Types, ","))
	}
	if o.Currency != "" {
		v.Set("currency", o.Currency)
	}
	return v
}

// WalletHandle is the public part of a resolved handle.
type WalletHandle struct {
	Handle   string `json:"handle"`
	Currency string `json:"currency"`
	Chain    string `json:"chain"`
	Address  string `json:"address"`
}

// TransactionParams 描述一笔待报价或待验证的交易。
type TransactionParams struct {
	Type        string          `json:"type"`
	Currency    string          `json:"currency"`
	Chain       string          `json:"chain"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination,omitempty"`
	Nonce       string          `json:"nonce,omitempty"`
}

// Estimate is a fee quote.
type Estimate struct {
	QuoteID         string          `json:"quote_id"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"fee_currency"`
	EtaSeconds      int             `json:"eta_seconds"`
	Total           decimal.Decimal `json:"total"`
	Available       decimal.Decimal `json:"available"`
	SufficientFunds bool            `json:"sufficient_funds"`
	Tier            int             `json:"tier"`
	RequiredMethods []string        `json:"required_methods"`
	ValidUntil      time.Time       `json:"valid_until"`
}

// VerificationRequest is returned when a challenge is opened.
type VerificationRequest struct {
	RequestID          string    `json:"request_id"`
	Tier               int       `json:"tier"`
	Methods            []string  `json:"methods"`
	ExpiresAt          time.Time `json:"expires_at"`
	ParamsHash         string    `json:"params_hash"`
	BiometricChallenge string    `json:"biometric_challenge,omitempty"`
}

// ValidationResult carries the token once every factor passed.
type ValidationResult struct {
	RequestID      string    `json:"request_id"`
	Pending        []string  `json:"pending,omitempty"`
	Token          string    `json:"token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

// SendPayment 必须与验证时锁定的参数完全一致。
type SendPayment struct {
	Currency    string          `json:"currency"`
	Chain       string          `json:"chain"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	Nonce       string          `json:"nonce"`
}

// Stake is used for both stake and unstake.
type Stake struct {
	Chain  string          `json:"chain"`
	Amount decimal.Decimal `json:"amount"`
	Nonce  string          `json:"nonce"`
}

// PaymentRequest asks Payer to pay the caller.
type PaymentRequest struct {
	Currency string          `json:"currency"`
	Chain    string          `json:"chain"`
	Amount   decimal.Decimal `json:"amount"`
	Payer    string          `json:"payer"`
	Nonce    string          `json:"nonce"`
}

// Receipt is returned by every execution call.
type Receipt struct {
	TransactionID string          `json:"transaction_id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Currency      string          `json:"currency"`
	Chain         string          `json:"chain"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	CreatedAt     time.Time       `json:"created_at"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode        int
	Code              string `json:"code"`
	Message           string `json:"message"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("vibeguard api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("vibeguard api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient parses rawURL and falls back to a default http.Client.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for an access token and keeps it.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	body := map[string]string{"grant_type": "password", "username": creds.Username, "password": creds.Password}
	var token Token
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", nil, body, &token, nil, false); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// AccessToken returns the stored token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// 查询接口。

func (c *Client) Balances(ctx context.Context) ([]Balance, error) {
	var out struct {
		Balances []Balance `json:"balances"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/balances", nil, nil, &out, nil, true); err != nil {
		return nil, err
	}
	return out.Balances, nil
}

func (c *Client) Transactions(ctx context.Context, opts HistoryOptions) (TransactionPage, error) {
	var page TransactionPage
	err := c.send(ctx, http.MethodGet, "/api/v1/transactions", opts.values(), nil, &page, nil, true)
	return page, err
}

func (c *Client) Transaction(ctx context.Context, id string) (Transaction, error) {
	var tx Transaction
	err := c.send(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, nil, &tx, nil, true)
	return tx, err
}

func (c *Client) ResolveHandle(ctx context.Context, handle string) (WalletHandle, error) {
	var out WalletHandle
	err := c.send(ctx, http.MethodGet, "/api/v1/handles/"+url.PathEscape(handle), nil, nil, &out, nil, true)
	return out, err
}

func (c *Client) Estimate(ctx context.Context, params TransactionParams) (Estimate, error) {
	var est Estimate
	err := c.send(ctx, http.MethodPost, "/api/v1/estimates", nil, params, &est, nil, true)
	return est, err
}

// 验证接口。

// RequestVerification opens a challenge for params.
func (c *Client) RequestVerification(ctx context.Context, params TransactionParams) (VerificationRequest, error) {
	var out VerificationRequest
	err := c.send(ctx, http.MethodPost, "/api/v1/verifications", nil, params, &out, nil, true)
	return out, err
}

// SubmitPin sends one PIN factor. method may be empty when only one PIN is pending.
func (c *Client) SubmitPin(ctx context.Context, requestID, method, pin string) (ValidationResult, error) {
	body := map[string]string{"pin": pin}
	if method != "" {
		body["method"] = method
	}
	var out ValidationResult
	err := c.send(ctx, http.MethodPost, "/api/v1/verifications/"+url.PathEscape(requestID)+"/pin", nil, body, &out, nil, true)
	return out, err
}

// SubmitBiometric sends the device assertion over the issued challenge.
func (c *Client) SubmitBiometric(ctx context.Context, requestID, assertion string) (ValidationResult, error) {
	var out ValidationResult
	err := c.send(ctx, http.MethodPost, "/api/v1/verifications/"+url.PathEscape(requestID)+"/biometric", nil,
		map[string]string{"assertion": assertion}, &out, nil, true)
	return out, err
}

// 执行接口，令牌只走请求头。

func (c *Client) SendPayment(ctx context.Context, token string, req SendPayment) (Receipt, error) {
	return c.execute(ctx, "/api/v1/execution/send", token, req)
}

func (c *Client) StakeVibe(ctx context.Context, token string, req Stake) (Receipt, error) {
	return c.execute(ctx, "/api/v1/execution/stake", token, req)
}

func (c *Client) Unstake(ctx context.Context, token string, req Stake) (Receipt, error) {
	return c.execute(ctx, "/api/v1/execution/unstake", token, req)
}

func (c *Client) CreatePaymentRequest(ctx context.Context, token string, req PaymentRequest) (Receipt, error) {
	return c.execute(ctx, "/api/v1/execution/payment-requests", token, req)
}

func (c *Client) execute(ctx context.Context, endpoint, token string, body any) (Receipt, error) {
	if strings.TrimSpace(token) == "" {
		return Receipt{}, errors.New("vibeguard: verification token is required")
	}
	var receipt Receipt
	err := c.send(ctx, http.MethodPost, endpoint, nil, body, &receipt, http.Header{TokenHeader: []string{token}}, true)
	return receipt, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, header http.Header, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return errors.New("vibeguard: access token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
