package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret   = "0123456789abcdef0123456789abcdef"
	tokenSecret = "fedcba9876543210fedcba9876543210"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vibeguard.yaml")
	content := `
auth:
  jwt:
    secret: "` + jwtSecret + `"
token:
  secret: "` + tokenSecret + `"
policy:
  file: policy.yaml
verification:
  rate_window: 5m
settlement:
  queue:
    driver: leveldb
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.Equal(t, "memory", cfg.Verification.Store)
	assert.Equal(t, "memory", cfg.Token.Store)
	assert.Equal(t, filepath.Join(dir, "policy.yaml"), cfg.Policy.File)
	assert.Equal(t, filepath.Join(dir, "data/settlement-queue"), cfg.Settlement.Queue.LevelDB.Path)
	assert.Equal(t, 5*time.Minute, cfg.Verification.RateWindow)
	assert.Equal(t, 3, cfg.Verification.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Query.QuoteTTL)
	assert.Equal(t, "VIBE", cfg.Execution.StakeCurrency)
	assert.Equal(t, 4, cfg.Settlement.Workers)
}

func TestRedisSelectsStores(t *testing.T) {
	cfg, err := Parse([]byte(`
auth: {jwt: {secret: "`+jwtSecret+`"}}
token: {secret: "`+tokenSecret+`"}
redis: {address: "localhost:6379"}
`), t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "redis", cfg.Verification.Store)
	assert.Equal(t, "redis", cfg.Token.Store)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvJWTSecret, jwtSecret)
	t.Setenv(EnvTokenSecret, tokenSecret)
	t.Setenv(EnvMySQLDSN, "vg:pw@tcp(db:3306)/vibeguard?parseTime=true")
	t.Setenv(EnvSMTPPassword, "smtp-pw")

	cfg, err := Parse([]byte("ledger:\n  driver: MySQL\n"), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, jwtSecret, cfg.Auth.JWT.Secret)
	assert.Equal(t, "mysql", cfg.Ledger.Driver)
	assert.Equal(t, "vg:pw@tcp(db:3306)/vibeguard?parseTime=true", cfg.Ledger.MySQL.DSN)
	assert.Equal(t, "smtp-pw", cfg.Delivery.Email.Password)
	assert.Equal(t, "smtp-pw", cfg.Alerting.SMTP.Password)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{name: "short secrets", content: "{}", want: "auth.jwt.secret"},
		{name: "shared secret", content: `{auth: {jwt: {secret: "` + jwtSecret + `"}}, token: {secret: "` + jwtSecret + `"}}`, want: "must differ"},
		{name: "mysql without dsn", content: `{auth: {jwt: {secret: "` + jwtSecret + `"}}, token: {secret: "` + tokenSecret + `"}, ledger: {driver: mysql}}`, want: "ledger.mysql.dsn"},
		{name: "redis store without redis", content: `{auth: {jwt: {secret: "` + jwtSecret + `"}}, token: {secret: "` + tokenSecret + `", store: redis}}`, want: "token.store is redis"},
		{name: "bad mismatch policy", content: `{auth: {jwt: {secret: "` + jwtSecret + `"}}, token: {secret: "` + tokenSecret + `"}, execution: {on_params_mismatch: ignore}}`, want: "on_params_mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.content), t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestShippedConfigParses(t *testing.T) {
	t.Setenv(EnvJWTSecret, jwtSecret)
	t.Setenv(EnvTokenSecret, tokenSecret)
	cfg, err := Load(filepath.Join("..", "..", "configs", "vibeguard.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.Len(t, cfg.Auth.Seeds, 2)
	assert.Contains(t, cfg.Delivery.Contacts, "alice")
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, PathFromEnv())
	t.Setenv(EnvConfigPath, "/etc/vibeguard.yaml")
	assert.Equal(t, "/etc/vibeguard.yaml", PathFromEnv())
}
