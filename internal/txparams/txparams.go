// Package txparams defines the parameters a verification token is bound to
// and their canonical hash.
package txparams

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"VibeGuard/internal/chain"
	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
)

// LockedParams 是验证令牌所绑定的交易参数，执行时逐字节比对其哈希。
type LockedParams struct {
	Type        ledger.TxType   `json:"type"`
	Currency    string          `json:"currency"`
	Chain       string          `json:"chain"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	Nonce       string          `json:"nonce"`
	UserID      string          `json:"user_id"`
}

const CodeInvalidParams xerrors.Code = "INVALID_PARAMS"

// ErrInvalidParams is returned when params cannot be canonicalised.
var ErrInvalidParams = xerrors.New(CodeInvalidParams, "invalid transaction parameters")

func init() {
	xerrors.Register(CodeInvalidParams, xerrors.Attributes{
		Message:    "invalid transaction parameters",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// Normalize validates p and returns its canonical form. Destination is
// required for send and payment-request; stake and unstake ignore it.
func (p LockedParams) Normalize(resolver *chain.Resolver) (LockedParams, error) {
	typ, ok := ledger.ParseTxType(string(p.Type))
	if !ok {
		return LockedParams{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidParams, p.Type)
	}
	out := LockedParams{
		Type:     typ,
		Currency: strings.ToLower(strings.TrimSpace(p.Currency)),
		Chain:    strings.ToLower(strings.TrimSpace(p.Chain)),
		Amount:   p.Amount,
		Nonce:    strings.TrimSpace(p.Nonce),
		UserID:   strings.TrimSpace(p.UserID),
	}
	if out.UserID == "" {
		return LockedParams{}, fmt.Errorf("%w: user is required", ErrInvalidParams)
	}
	if out.Currency == "" || out.Chain == "" {
		return LockedParams{}, fmt.Errorf("%w: currency and chain are required", ErrInvalidParams)
	}
	if !out.Amount.IsPositive() {
		return LockedParams{}, fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}
	if !resolver.Supported(out.Chain) {
		return LockedParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, chain.ErrUnsupportedChain)
	}

	switch typ {
	case ledger.TxSend, ledger.TxPaymentRequest:
		dest, err := resolver.NormalizeDestination(out.Chain, p.Destination)
		if err != nil {
			return LockedParams{}, err
		}
		out.Destination = dest.String()
	default:
		out.Destination = ""
	}
	return out, nil
}

// Canonical encodes the fields in a fixed order, one per line. The amount
// is written in its shortest exact form so 10, 10.0 and 10.00 coincide.
func (p LockedParams) Canonical() []byte {
	var buf bytes.Buffer
	buf.WriteString("vibeguard/locked-params/v1\n")
	writeField(&buf, "type", string(p.Type))
	writeField(&buf, "currency", p.Currency)
	writeField(&buf, "chain", p.Chain)
	writeField(&buf, "amount", CanonicalAmount(p.Amount))
	writeField(&buf, "destination", p.Destination)
	writeField(&buf, "nonce", p.Nonce)
	writeField(&buf, "user", p.UserID)
	return buf.Bytes()
}

// Hash is the hex SHA-256 of the canonical bytes.
func (p LockedParams) Hash() string {
	sum := sha256.Sum256(p.Canonical())
	return hex.EncodeToString(sum[:])
}

// HashEqual compares two hashes in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CanonicalAmount strips trailing zeros without rounding.
func CanonicalAmount(amount decimal.Decimal) string {
	return amount.String()
}

// Field values are length-prefixed so no value can spill into the next.
func writeField(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%s:%d:%s\n", key, len(value), value)
}
