package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "VibeGuard/internal/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store, err := NewMemoryStore([]Seed{
		{Username: "alice", Password: "wonderland", UserID: "alice"},
		{Username: "mira-alice", Password: "agent-pass", UserID: "alice", Kind: KindAgent, Permissions: []string{PermLedgerRead, PermFundsExecute}},
	})
	require.NoError(t, err)
	svc, err := NewService(context.Background(), Config{JWT: JWTOptions{Secret: testSecret, Issuer: "vibeguard"}}, store)
	require.NoError(t, err)
	return svc, store
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	store, err := NewMemoryStore(nil)
	require.NoError(t, err)
	_, err = NewService(context.Background(), Config{JWT: JWTOptions{Secret: "short"}}, store)
	assert.Error(t, err)
	_, err = NewService(context.Background(), Config{JWT: JWTOptions{Secret: testSecret}}, nil)
	assert.Error(t, err)
}

func TestPasswordGrantAndRequestAuthentication(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.EqualValues(t, 900, pair.ExpiresIn)

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject.UserID)
	assert.Equal(t, KindHuman, subject.Kind)
	assert.True(t, subject.HasPermission(PermFundsExecute))

	_, err = svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials"})
	assert.ErrorIs(t, err, ErrUnsupportedGrant)

	// 刷新令牌不能当作访问令牌使用。
	_, err = svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	refreshed, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
}

func TestAuthenticateRequestRejectsBadTokens(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AuthenticateRequest(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest(ctx, "Basic abc")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest(ctx, "Bearer not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := &jwtManager{secret: []byte("ffffffffffffffffffffffffffffffff"), issuer: "vibeguard", accessTTL: time.Minute, refreshTTL: time.Minute, now: time.Now}
	forged, err := other.Generate(&Subject{ID: 1, UserID: "alice", Username: "alice"})
	require.NoError(t, err)
	_, err = svc.AuthenticateRequest(ctx, "Bearer "+forged.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := &jwtManager{secret: []byte(testSecret), issuer: "vibeguard", accessTTL: time.Minute, refreshTTL: time.Minute,
		now: func() time.Time { return time.Now().Add(-time.Hour) }}
	old, err := expired.Generate(&Subject{ID: 1, UserID: "alice", Username: "alice"})
	require.NoError(t, err)
	_, err = svc.AuthenticateRequest(ctx, "Bearer "+old.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, http.StatusUnauthorized, xerrors.HTTPStatus(err))
}

func TestDisabledAccountRevokesTokens(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	store.SetDisabled("alice", true)
	_, err = svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	assert.ErrorIs(t, err, ErrSubjectRevoked)
}

func TestAgentSubjectNeverHoldsFundsPermissions(t *testing.T) {
	svc, _ := newTestService(t)
	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "mira-alice", Password: "agent-pass"})
	require.NoError(t, err)
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	require.NoError(t, err)

	assert.True(t, subject.IsAgent())
	assert.True(t, subject.HasPermission(PermLedgerRead))
	assert.False(t, subject.HasPermission(PermFundsExecute))
	assert.ErrorIs(t, subject.Authorize(PermFundsVerify), ErrPermissionDenied)
}

func TestMiddleware(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	human, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "wonderland"})
	require.NoError(t, err)
	agent, err := svc.Authenticate(ctx, TokenRequest{Username: "mira-alice", Password: "agent-pass"})
	require.NoError(t, err)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	var denied error
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {PermFundsExecute}},
		HumanOnly:           true,
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			denied = err
			w.WriteHeader(xerrors.HTTPStatus(err))
		},
	})(next)

	cases := []struct {
		name   string
		header string
		status int
		err    error
	}{
		{name: "human", header: "Bearer " + human.AccessToken, status: http.StatusNoContent},
		{name: "agent", header: "Bearer " + agent.AccessToken, status: http.StatusForbidden, err: ErrAgentForbidden},
		{name: "anonymous", status: http.StatusUnauthorized, err: ErrMissingToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen, denied = "", nil
			req := httptest.NewRequest(http.MethodPost, "/api/v1/execution/send", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.err != nil {
				assert.True(t, errors.Is(denied, tc.err), "denied with %v", denied)
				assert.Empty(t, seen)
			} else {
				assert.Equal(t, "alice", seen)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindHuman, kind)
	kind, err = ParseKind(" Agent ")
	require.NoError(t, err)
	assert.Equal(t, KindAgent, kind)
	_, err = ParseKind("robot")
	assert.Error(t, err)
}
