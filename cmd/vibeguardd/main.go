// Command vibeguardd serves the wallet API: read-only queries, PIN and
// biometric verification, token-gated execution and settlement workers.
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

	"VibeGuard/internal/api"
	"VibeGuard/internal/config"
	"VibeGuard/internal/execution"
	"VibeGuard/internal/observability/metrics"
	"VibeGuard/internal/query"
	"VibeGuard/internal/settlement"
	"VibeGuard/internal/verification"
	"VibeGuard/pkg/logger"
)

// main 是 vibeguardd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vibeguardd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("vibeguardd")

	infra, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	go watchPolicyReload(ctx, infra.policy, cfg.Policy.File)

	verifier, err := verification.NewService(verification.Dependencies{
		Policy:    infra.policy,
		Resolver:  infra.resolver,
		Requests:  infra.requests,
		Tokens:    infra.tokens,
		Codec:     infra.codec,
		Limiter:   infra.limiter,
		Delivery:  infra.dispatcher,
		Biometric: verification.NewHMACVerifier(infra.deviceKeys),
	}, cfg.Verification.Config)
	if err != nil {
		return err
	}

	executor, err := execution.NewService(execution.Dependencies{
		Ledger:     infra.ledger,
		Tokens:     infra.tokens,
		Codec:      infra.codec,
		Resolver:   infra.resolver,
		Fees:       infra.fees,
		Settlement: settlement.NewPublisher(infra.queue),
	}, cfg.Execution)
	if err != nil {
		return err
	}

	queries, err := query.NewService(query.Dependencies{
		Ledger:   infra.ledger,
		Fees:     infra.fees,
		Policy:   infra.policy,
		Resolver: infra.resolver,
	}, cfg.Query)
	if err != nil {
		return err
	}

	processor := settlement.NewProcessor(infra.ledger, settlement.NewBookSettler(infra.ledger), infra.queue, infra.queue,
		settlement.WithWorkerCount(cfg.Settlement.Workers),
		settlement.WithMaxAttempts(cfg.Settlement.MaxAttempts),
		settlement.WithRetryDelay(cfg.Settlement.RetryDelay),
		settlement.WithAlertDispatcher(newAlertDispatcher(cfg.Alerting)),
	)
	recovery := settlement.NewRecovery(infra.ledger, infra.queue, cfg.Settlement.Recovery, nil)
	sweeper := verification.NewSweeper(infra.requests, infra.tokens, cfg.Verification.SweepInterval, nil)

	tasks := []backgroundTask{
		{"settlement processor", processor.Start},
		{"settlement recovery", recovery.Run},
		{"verification sweeper", sweeper.Run},
	}
	if addr := cfg.Server.MetricsAddress; addr != "" {
		tasks = append(tasks, backgroundTask{"metrics", func(ctx context.Context) error { return metrics.StartServer(ctx, addr) }})
	}
	for _, task := range tasks {
		go func() {
			if err := task.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("后台任务异常退出", slog.String("task", task.name), slog.Any("error", err))
			}
		}()
	}

	server, err := api.NewServer(api.Options{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, api.Services{
		Auth:         infra.auth,
		Query:        queries,
		Verification: verifier,
		Execution:    executor,
	})
	if err != nil {
		return err
	}

	lg.Info("vibeguardd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("queue", cfg.Settlement.Queue.Driver),
	)
	return server.Start(ctx)
}

type backgroundTask struct {
	name string
	run  func(context.Context) error
}
