package agent

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
	"VibeGuard/internal/llm/openai"
	"VibeGuard/pkg/agentsafe"
	"VibeGuard/pkg/logger"
)

// 与 vibeguardd 共用同一份配置文件，但只解析助手需要的部分。
const (
	EnvConfigPath = "VIBEGUARD_CONFIG"
	EnvJWTSecret  = "VIBEGUARD_JWT_SECRET"
	EnvAgentDSN   = "VIBEGUARD_AGENT_DSN"
	EnvLLMAPIKey  = "VIBEGUARD_LLM_API_KEY"

	DefaultConfigPath = "configs/vibeguard.yaml"
)

// FileConfig is the subset of the shared config file mira-agent reads.
type FileConfig struct {
	Agent   Config           `yaml:"agent"`
	Auth    auth.Config      `yaml:"auth"`
	Logging logger.Config    `yaml:"logging"`
	Ledger  LedgerConfig     `yaml:"ledger"`
	Policy  PolicyConfig     `yaml:"policy"`
	Web3    Web3Config       `yaml:"web3"`
	Query   agentsafe.Config `yaml:"query"`
}

// Config 控制助手进程本身。
type Config struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metrics_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxSteps        int           `yaml:"max_steps"`
	MemoryDepth     int           `yaml:"memory_depth"`
	LLMTimeout      time.Duration `yaml:"llm_timeout"`
	KnowledgeFile   string        `yaml:"knowledge_file"`
	LLM             openai.Config `yaml:"llm"`
}

// LedgerConfig 只关心只读连接。AgentDSN 优先，否则用主 DSN 以只读会话打开。
type LedgerConfig struct {
	MySQL    agentsafe.MySQLConfig `yaml:"mysql"`
	AgentDSN string                `yaml:"agent_dsn"`
}

// ReadOnly returns the pool config the agent connects with.
func (c LedgerConfig) ReadOnly() agentsafe.MySQLConfig {
	cfg := c.MySQL
	if dsn := strings.TrimSpace(c.AgentDSN); dsn != "" {
		cfg.DSN = dsn
	}
	cfg.Migrate = false
	return cfg
}

type PolicyConfig struct {
	File string `yaml:"file"`
}

type Web3Config struct {
	ChainsFile string `yaml:"chains_file"`
	LiveFees   bool   `yaml:"live_fees"`
}

// ConfigPathFromEnv returns VIBEGUARD_CONFIG or the default path.
func ConfigPathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// LoadConfig 读取配置文件并应用环境变量与默认值。
func LoadConfig(path string) (*FileConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return ParseConfig(content, filepath.Dir(path), os.LookupEnv)
}

// ParseConfig decodes content; relative paths resolve against baseDir.
func ParseConfig(content []byte, baseDir string, lookup func(string) (string, bool)) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if lookup != nil {
		if v, ok := lookup(EnvJWTSecret); ok && v != "" {
			cfg.Auth.JWT.Secret = v
		}
		if v, ok := lookup(EnvAgentDSN); ok && v != "" {
			cfg.Ledger.AgentDSN = v
		}
		if v, ok := lookup(EnvLLMAPIKey); ok && v != "" {
			cfg.Agent.LLM.APIKey = v
		}
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *FileConfig) applyDefaults(baseDir string) {
	if c.Agent.Address == "" {
		c.Agent.Address = ":8081"
	}
	if c.Agent.ReadTimeout <= 0 {
		c.Agent.ReadTimeout = 15 * time.Second
	}
	if c.Agent.WriteTimeout <= 0 {
		c.Agent.WriteTimeout = 90 * time.Second
	}
	if c.Agent.ShutdownTimeout <= 0 {
		c.Agent.ShutdownTimeout = 10 * time.Second
	}
	if c.Agent.LLMTimeout <= 0 {
		c.Agent.LLMTimeout = 30 * time.Second
	}
	if c.Auth.JWT.Issuer == "" {
		c.Auth.JWT.Issuer = "vibeguard"
	}
	// 只读连接无法写入种子账号。
	c.Auth.Seeds = nil
	c.Agent.KnowledgeFile = resolvePath(baseDir, c.Agent.KnowledgeFile)
	c.Policy.File = resolvePath(baseDir, c.Policy.File)
	c.Web3.ChainsFile = resolvePath(baseDir, c.Web3.ChainsFile)
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
}

// Validate 汇总所有问题后一次性返回。
func (c *FileConfig) Validate() error {
	var problems []string
	if len(strings.TrimSpace(c.Auth.JWT.Secret)) < 32 {
		problems = append(problems, "auth.jwt.secret 至少 32 字节")
	}
	if strings.TrimSpace(c.Ledger.ReadOnly().DSN) == "" {
		problems = append(problems, "ledger.agent_dsn 或 ledger.mysql.dsn 必须配置，助手只连接 MySQL 只读账本")
	}
	if c.Agent.MaxSteps < 0 {
		problems = append(problems, "agent.max_steps 不能为负数")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New("配置校验失败: " + strings.Join(problems, "; "))
}

func resolvePath(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}
