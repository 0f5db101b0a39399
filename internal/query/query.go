// Package query 是只读查询服务，也是 AI 助手唯一可以调用的服务。
// 该包不产生验证令牌，也不修改账本。
package query

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
)

const CodeInvalidQuery xerrors.Code = "INVALID_QUERY"

var (
	// ErrNotFound covers unknown users and handles.
	ErrNotFound     = xerrors.New(xerrors.CodeNotFound, "resource not found")
	ErrInvalidQuery = xerrors.New(CodeInvalidQuery, "invalid query")
)

func init() {
	xerrors.Register(CodeInvalidQuery, xerrors.Attributes{
		Message:    "invalid query",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// HistoryQuery filters and pages a history listing. Cursor is the opaque
// value returned as NextCursor by the previous page.
type HistoryQuery struct {
	Limit    int             `json:"limit,omitempty"`
	Cursor   string          `json:"cursor,omitempty"`
	Types    []ledger.TxType `json:"types,omitempty"`
	Currency string          `json:"currency,omitempty"`
	Since    time.Time       `json:"since,omitempty"`
	Until    time.Time       `json:"until,omitempty"`
}

// Page is one page of results. NextCursor is empty on the last page.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// filter validates q and converts it to a ledger filter that fetches one
// extra row so the caller can tell whether another page exists.
func (q HistoryQuery) filter(userID string) (ledger.HistoryFilter, int, error) {
	limit := q.Limit
	switch {
	case limit == 0:
		limit = DefaultPageSize
	case limit < 0 || limit > MaxPageSize:
		return ledger.HistoryFilter{}, 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxPageSize)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Since.After(q.Until) {
		return ledger.HistoryFilter{}, 0, fmt.Errorf("%w: since is after until", ErrInvalidQuery)
	}
	offset, err := decodeCursor(q.Cursor)
	if err != nil {
		return ledger.HistoryFilter{}, 0, err
	}
	types := make([]ledger.TxType, 0, len(q.Types))
	for _, raw := range q.Types {
		typ, ok := ledger.ParseTxType(string(raw))
		if !ok {
			return ledger.HistoryFilter{}, 0, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidQuery, raw)
		}
		types = append(types, typ)
	}
	return ledger.HistoryFilter{
		UserID:   userID,
		Types:    types,
		Currency: ledger.NormalizeCurrency(q.Currency),
		Since:    q.Since,
		Until:    q.Until,
		Offset:   offset,
		Limit:    limit + 1,
	}, limit, nil
}

func paginate[T any](items []T, offset, limit int) Page[T] {
	page := Page[T]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = encodeCursor(offset + limit)
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	return page
}

const cursorPrefix = "o:"

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || !strings.HasPrefix(string(raw), cursorPrefix) {
		return 0, fmt.Errorf("%w: malformed cursor", ErrInvalidQuery)
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(string(raw), cursorPrefix))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: malformed cursor", ErrInvalidQuery)
	}
	return offset, nil
}
