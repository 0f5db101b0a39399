// Command mira-agent serves the read-only wallet assistant. It links only
// against the agentsafe surface and connects to MySQL with a read-only
// session.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"VibeGuard/internal/agent"
	"VibeGuard/internal/auth"
	"VibeGuard/internal/knowledge"
	"VibeGuard/internal/llm"
	"VibeGuard/internal/llm/openai"
	"VibeGuard/internal/observability/metrics"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/storage/mysql"
	"VibeGuard/internal/web3"
	"VibeGuard/internal/web3/provider"
	"VibeGuard/pkg/agentsafe"
	"VibeGuard/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("mira-agent 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := agent.LoadConfig(agent.ConfigPathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("mira-agent")

	ledgerRO, err := agentsafe.OpenReadOnlyLedger(ctx, cfg.Ledger.ReadOnly())
	if err != nil {
		return err
	}
	defer ledgerRO.Close()

	pol := policy.Default()
	if cfg.Policy.File != "" {
		if pol, err = policy.Load(cfg.Policy.File); err != nil {
			return err
		}
	}

	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
	if err != nil {
		return err
	}
	resolver, err := defs.Resolver()
	if err != nil {
		return err
	}
	fees, err := newFeeRouter(ctx, defs, cfg.Web3.LiveFees)
	if err != nil {
		return err
	}
	defer fees.Close()

	queries, err := agentsafe.NewQueryService(agentsafe.Dependencies{
		Ledger:   ledgerRO,
		Fees:     fees,
		Policy:   policy.NewHolder(pol),
		Resolver: resolver,
	}, cfg.Query)
	if err != nil {
		return err
	}
	tools, err := agent.NewToolbox(queries)
	if err != nil {
		return err
	}

	var llmClient llm.Client
	if cfg.Agent.LLM.APIKey != "" {
		client, err := openai.NewClient(cfg.Agent.LLM)
		if err != nil {
			return err
		}
		llmClient = client
	} else {
		lg.Warn("未配置大模型 API Key，仅提供工具接口")
	}

	opts := []agent.Option{
		agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout),
	}
	if cfg.Agent.KnowledgeFile != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Agent.KnowledgeFile, 3)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithKnowledgeProvider(provider))
	}
	ag := agent.New(llmClient, tools, opts...)

	authSvc, err := auth.NewService(ctx, cfg.Auth, mysql.NewSQLAuthStore(ledgerRO.DB))
	if err != nil {
		return err
	}
	srv, err := agent.NewServer(cfg.Agent, ag, authSvc)
	if err != nil {
		return err
	}

	if addr := cfg.Agent.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	lg.Info("mira-agent 已启动", slog.String("address", cfg.Agent.Address))
	return srv.Start(ctx)
}

func newFeeRouter(ctx context.Context, defs web3.ChainDefinitions, live bool) (*provider.Router, error) {
	if live {
		return provider.NewRouter(ctx, defs)
	}
	static, err := web3.NewStaticFeeOracle(defs)
	if err != nil {
		return nil, err
	}
	return provider.NewStaticRouter(static), nil
}
