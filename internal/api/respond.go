package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "VibeGuard/internal/errors"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/query"
	"VibeGuard/internal/verification"
	"VibeGuard/pkg/logger"
)

const maxBodyBytes = 1 << 20

// errorBody 是所有错误响应的统一结构。message 只包含可以展示给用户的文案。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code              xerrors.Code `json:"code"`
	Message           string       `json:"message"`
	AttemptsRemaining *int         `json:"attempts_remaining,omitempty"`
}

var errInvalidBody = xerrors.New(xerrors.CodeInvalidArgument, "invalid request body")

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err to its registered status. Unclassified failures are
// logged with their cause and answered with a generic message.
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	code := xerrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("request failed",
			slog.String("code", string(code)),
			slog.Any("error", err),
		)
	}
	detail := errorDetail{Code: code, Message: xerrors.UserMessage(err)}
	if n, ok := verification.AttemptsRemaining(err); ok {
		detail.AttemptsRemaining = &n
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	if xerrors.CodeOf(err) == xerrors.CodeUnauthenticated {
		w.Header().Set("WWW-Authenticate", `Bearer realm="vibeguard"`)
	}
	writeError(w, err)
}

// decodeBody 解析 JSON 请求体，拒绝未知字段和多余内容。
func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errInvalidBody
	}
	return nil
}

// clientIP 优先取 X-Forwarded-For 的第一个地址。
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// historyQuery parses ?limit=&cursor=&type=send,stake&currency=&since=&until=.
func historyQuery(r *http.Request) (query.HistoryQuery, error) {
	values := r.URL.Query()
	q := query.HistoryQuery{
		Cursor:   values.Get("cursor"),
		Currency: values.Get("currency"),
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("%w: limit must be an integer", query.ErrInvalidQuery)
		}
		q.Limit = limit
	}
	for _, raw := range values["type"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			typ, ok := ledger.ParseTxType(part)
			if !ok {
				return q, fmt.Errorf("%w: unknown type %q", query.ErrInvalidQuery, part)
			}
			q.Types = append(q.Types, typ)
		}
	}
	var err error
	if q.Since, err = parseTime(values.Get("since")); err != nil {
		return q, err
	}
	if q.Until, err = parseTime(values.Get("until")); err != nil {
		return q, err
	}
	return q, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time must be RFC3339", query.ErrInvalidQuery)
	}
	return t, nil
}
