package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"VibeGuard/internal/auth"
	"VibeGuard/internal/delivery"
	"VibeGuard/internal/execution"
	"VibeGuard/internal/observability/alerting"
	"VibeGuard/internal/query"
	"VibeGuard/internal/settlement"
	"VibeGuard/internal/storage/mysql"
	"VibeGuard/internal/storage/redis"
	"VibeGuard/internal/verification"
	"VibeGuard/pkg/logger"
)

// 环境变量名。密钥类配置优先从环境变量读取，避免写进配置文件。
const (
	EnvConfigPath   = "VIBEGUARD_CONFIG"
	EnvJWTSecret    = "VIBEGUARD_JWT_SECRET"
	EnvTokenSecret  = "VIBEGUARD_TOKEN_SECRET"
	EnvMySQLDSN     = "VIBEGUARD_MYSQL_DSN"
	EnvSMTPPassword = "VIBEGUARD_SMTP_PASSWORD"
	EnvSMSAPIKey    = "VIBEGUARD_SMS_API_KEY"

	DefaultPath = "configs/vibeguard.yaml"
)

// Config 描述了 vibeguardd 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         auth.Config        `yaml:"auth"`
	Logging      logger.Config      `yaml:"logging"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Redis        RedisConfig        `yaml:"redis"`
	Policy       PolicyConfig       `yaml:"policy"`
	Web3         Web3Config         `yaml:"web3"`
	Verification VerificationConfig `yaml:"verification"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Token        TokenConfig        `yaml:"token"`
	Execution    execution.Config   `yaml:"execution"`
	Query        query.Config       `yaml:"query"`
	Settlement   SettlementConfig   `yaml:"settlement"`
	Alerting     AlertingConfig     `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metrics_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig selects the ledger backend. AgentDSN, when set, is the
// account the read-only agent process connects with.
type LedgerConfig struct {
	Driver   string       `yaml:"driver"`
	MySQL    mysql.Config `yaml:"mysql"`
	AgentDSN string       `yaml:"agent_dsn"`
	// SeedFile populates the in-memory ledger at startup.
	SeedFile string `yaml:"seed_file"`
}

// RedisConfig is optional; an empty address keeps every store in memory.
type RedisConfig struct {
	redis.Config `yaml:",inline"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Address) != ""
}

// PolicyConfig 指向风险分级与倍数表的 YAML 文件，为空时使用内置默认值。
type PolicyConfig struct {
	File string `yaml:"file"`
}

// Web3Config 描述链定义文件以及是否连接 RPC 获取实时 gas 价格。
type Web3Config struct {
	ChainsFile string `yaml:"chains_file"`
	LiveFees   bool   `yaml:"live_fees"`
}

// VerificationConfig wraps the service tunables with the request store
// driver.
type VerificationConfig struct {
	verification.Config `yaml:",inline"`
	Store               string `yaml:"store"`
	// DeviceKeys maps user IDs to hex biometric device keys for the
	// memory-backed deployment.
	DeviceKeys map[string]string `yaml:"device_keys"`
}

// DeliveryConfig 描述 PIN 投递通道。
type DeliveryConfig struct {
	SMS      delivery.SMSConfig   `yaml:"sms"`
	Email    delivery.EmailConfig `yaml:"email"`
	Retries  int                  `yaml:"retries"`
	Backoff  time.Duration        `yaml:"backoff"`
	Contacts map[string]Contact   `yaml:"contacts"`
}

// Contact 是静态联系人目录中的一项。
type Contact struct {
	Phone string `yaml:"phone"`
	Email string `yaml:"email"`
}

// TokenConfig 配置一次性验证令牌的签名与存储。
type TokenConfig struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	Store     string        `yaml:"store"`
	Retention time.Duration `yaml:"retention"`
}

// SettlementConfig groups the queue driver, the worker pool and recovery.
type SettlementConfig struct {
	Queue       settlement.QueueConfig    `yaml:"queue"`
	Workers     int                       `yaml:"workers"`
	MaxAttempts int                       `yaml:"max_attempts"`
	RetryDelay  time.Duration             `yaml:"retry_delay"`
	Recovery    settlement.RecoveryConfig `yaml:"recovery"`
}

// AlertingConfig 控制结算失败等告警的投递方式。
type AlertingConfig struct {
	Enabled    bool                `yaml:"enabled"`
	Recipients []string            `yaml:"recipients"`
	SMTP       alerting.SMTPConfig `yaml:"smtp"`
	WebhookURL string              `yaml:"webhook_url"`
}

// PathFromEnv 返回配置文件路径，未设置环境变量时使用默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes content, applies defaults relative to baseDir and
// environment overrides, then validates the result.
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用环境变量覆盖密钥类字段。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, target *string) {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}
	set(EnvJWTSecret, &c.Auth.JWT.Secret)
	set(EnvTokenSecret, &c.Token.Secret)
	set(EnvMySQLDSN, &c.Ledger.MySQL.DSN)
	set(EnvSMSAPIKey, &c.Delivery.SMS.APIKey)
	if value, ok := lookup(EnvSMTPPassword); ok && value != "" {
		c.Delivery.Email.Password = value
		if c.Alerting.SMTP.Password == "" {
			c.Alerting.SMTP.Password = value
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Auth.JWT.Issuer == "" {
		c.Auth.JWT.Issuer = "vibeguard"
	}

	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	c.Ledger.SeedFile = resolvePath(baseDir, c.Ledger.SeedFile)

	c.Policy.File = resolvePath(baseDir, c.Policy.File)
	c.Web3.ChainsFile = resolvePath(baseDir, c.Web3.ChainsFile)

	c.Verification.Config = c.Verification.Config.WithDefaults()
	c.Verification.Store = c.storeDriver(c.Verification.Store)

	if c.Delivery.Retries <= 0 {
		c.Delivery.Retries = 2
	}
	if c.Delivery.Backoff <= 0 {
		c.Delivery.Backoff = 500 * time.Millisecond
	}

	if c.Token.Issuer == "" {
		c.Token.Issuer = "vibeguard-verification"
	}
	c.Token.Store = c.storeDriver(c.Token.Store)
	if c.Token.Retention <= 0 {
		c.Token.Retention = time.Hour
	}

	if c.Execution.StakeCurrency == "" {
		c.Execution.StakeCurrency = "VIBE"
	}
	if c.Query.QuoteTTL <= 0 {
		c.Query.QuoteTTL = time.Minute
	}

	if c.Settlement.Workers <= 0 {
		c.Settlement.Workers = 4
	}
	if c.Settlement.MaxAttempts <= 0 {
		c.Settlement.MaxAttempts = 3
	}
	if c.Settlement.RetryDelay <= 0 {
		c.Settlement.RetryDelay = 2 * time.Second
	}
	if strings.EqualFold(c.Settlement.Queue.Driver, "leveldb") {
		if c.Settlement.Queue.LevelDB.Path == "" {
			c.Settlement.Queue.LevelDB.Path = "data/settlement-queue"
		}
		c.Settlement.Queue.LevelDB.Path = resolvePath(baseDir, c.Settlement.Queue.LevelDB.Path)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}
}

// storeDriver 默认在配置了 Redis 时使用 redis，否则使用内存实现。
func (c *Config) storeDriver(raw string) string {
	driver := strings.ToLower(strings.TrimSpace(raw))
	if driver != "" {
		return driver
	}
	if c.Redis.Enabled() {
		return "redis"
	}
	return "memory"
}

// Validate 检查跨字段约束。
func (c *Config) Validate() error {
	var problems []string
	if len(c.Auth.JWT.Secret) < 32 {
		problems = append(problems, "auth.jwt.secret must be at least 32 bytes (or set "+EnvJWTSecret+")")
	}
	if len(c.Token.Secret) < 32 {
		problems = append(problems, "token.secret must be at least 32 bytes (or set "+EnvTokenSecret+")")
	}
	if c.Auth.JWT.Secret != "" && c.Auth.JWT.Secret == c.Token.Secret {
		problems = append(problems, "auth.jwt.secret and token.secret must differ")
	}

	switch c.Ledger.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Ledger.MySQL.DSN) == "" {
			problems = append(problems, "ledger.mysql.dsn is required for the mysql driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown ledger.driver %q", c.Ledger.Driver))
	}

	for name, driver := range map[string]string{"verification.store": c.Verification.Store, "token.store": c.Token.Store} {
		switch driver {
		case "memory":
		case "redis":
			if !c.Redis.Enabled() {
				problems = append(problems, name+" is redis but redis.address is empty")
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown %s %q", name, driver))
		}
	}

	if strings.EqualFold(c.Settlement.Queue.Driver, "redis") && !c.Redis.Enabled() {
		problems = append(problems, "settlement.queue.driver is redis but redis.address is empty")
	}
	if _, err := execution.ParseMismatchPolicy(string(c.Execution.OnParamsMismatch)); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Alerting.Enabled && len(c.Alerting.Recipients) == 0 && c.Alerting.WebhookURL == "" {
		problems = append(problems, "alerting is enabled without recipients or webhook_url")
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("配置校验失败: %s", strings.Join(problems, "; "))
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
