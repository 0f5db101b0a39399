package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VibeGuard/internal/auth"
	"VibeGuard/internal/llm"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, client llm.Client) (*Server, *auth.Service, *stubQueries) {
	t.Helper()
	store, err := auth.NewMemoryStore([]auth.Seed{
		{Username: "alice", Password: "wonderland", UserID: "alice"},
		{Username: "mira-alice", Password: "agent-pass", UserID: "alice", Kind: auth.KindAgent},
		{Username: "ops", Password: "ops-pass", UserID: "ops", Permissions: []string{auth.PermFundsVerify}},
	})
	require.NoError(t, err)
	authSvc, err := auth.NewService(context.Background(), auth.Config{JWT: auth.JWTOptions{Secret: testJWTSecret, Issuer: "vibeguard"}}, store)
	require.NoError(t, err)

	ag, queries := newTestAgent(t, client)
	srv, err := NewServer(Config{}, ag, authSvc)
	require.NoError(t, err)
	return srv, authSvc, queries
}

func bearer(t *testing.T, svc *auth.Service, username, password string) string {
	t.Helper()
	pair, err := svc.Authenticate(context.Background(), auth.TokenRequest{Username: username, Password: password})
	require.NoError(t, err)
	return "Bearer " + pair.AccessToken
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerAgentTokenInvokesTools(t *testing.T) {
	srv, authSvc, queries := newTestServer(t, &stubLLM{})
	h := srv.Handler()
	token := bearer(t, authSvc, "mira-alice", "agent-pass")

	rec := do(t, h, http.MethodGet, "/agent/v1/tools", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Tools []Tool `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	assert.Len(t, listed.Tools, 7)

	rec = do(t, h, http.MethodPost, "/agent/v1/tools/get_balances", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "USDC")
	assert.Equal(t, []string{"alice"}, queries.users)

	rec = do(t, h, http.MethodPost, "/agent/v1/tools/send_payment", token, map[string]string{"amount": "10"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), string(CodeUnknownTool))

	rec = do(t, h, http.MethodPost, "/agent/v1/tools/get_balances", token, map[string]string{"user_id": "bob"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerChatAndHistory(t *testing.T) {
	client := &stubLLM{responses: []*llm.Response{
		{Call: &llm.ToolCall{Name: ToolGetStakePositions}},
		{Reply: "nothing staked yet"},
	}}
	srv, authSvc, _ := newTestServer(t, client)
	h := srv.Handler()
	token := bearer(t, authSvc, "alice", "wonderland")

	rec := do(t, h, http.MethodPost, "/agent/v1/chat", token, ChatRequest{Message: "what have I staked?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result ChatResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, "nothing staked yet", result.Reply)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, ToolGetStakePositions, result.Steps[0].Tool)

	rec = do(t, h, http.MethodGet, "/agent/v1/history?limit=5", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "what have I staked?")

	rec = do(t, h, http.MethodGet, "/agent/v1/history?limit=zero", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/agent/v1/chat", token, map[string]string{"prompt": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerRejectsMissingOrUnderprivilegedCallers(t *testing.T) {
	srv, authSvc, _ := newTestServer(t, &stubLLM{})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/agent/v1/tools", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = do(t, h, http.MethodGet, "/agent/v1/tools", bearer(t, authSvc, "ops", "ops-pass"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
