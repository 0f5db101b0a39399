package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"VibeGuard/internal/auth"
	"VibeGuard/internal/chain"
	"VibeGuard/internal/config"
	"VibeGuard/internal/delivery"
	"VibeGuard/internal/ledger"
	"VibeGuard/internal/ledger/memledger"
	"VibeGuard/internal/observability/alerting"
	"VibeGuard/internal/policy"
	"VibeGuard/internal/settlement"
	"VibeGuard/internal/storage/mysql/ledgerwrite"
	"VibeGuard/internal/storage/mysql/provision"
	"VibeGuard/internal/storage/redis"
	"VibeGuard/internal/verification"
	"VibeGuard/internal/vtoken"
	"VibeGuard/internal/web3"
	"VibeGuard/internal/web3/provider"
	"VibeGuard/pkg/logger"
)

// infrastructure 持有需要在退出时释放的底层资源。
type infrastructure struct {
	ledger     ledger.Store
	auth       *auth.Service
	policy     *policy.Holder
	resolver   *chain.Resolver
	fees       *provider.Router
	requests   verification.RequestStore
	tokens     vtoken.Store
	codec      *vtoken.Codec
	limiter    verification.RateLimiter
	dispatcher *delivery.Dispatcher
	deviceKeys verification.DeviceKeys
	queue      settlement.Queue

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (i *infrastructure) Close() error {
	var errs []error
	for idx := len(i.closers) - 1; idx >= 0; idx-- {
		if err := i.closers[idx](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openInfra(ctx context.Context, cfg *config.Config) (_ *infrastructure, err error) {
	inf := &infrastructure{}
	defer func() {
		if err != nil {
			_ = inf.Close()
		}
	}()

	var rdb goredis.UniversalClient
	if cfg.Redis.Enabled() {
		client, err := redis.Open(ctx, cfg.Redis.Config)
		if err != nil {
			return nil, err
		}
		inf.closers = append(inf.closers, client.Close)
		rdb = client
	}

	var (
		directory delivery.Directory
		authStore auth.Store
	)
	switch cfg.Ledger.Driver {
	case "mysql":
		db, err := provision.Open(ctx, cfg.Ledger.MySQL)
		if err != nil {
			return nil, err
		}
		inf.closers = append(inf.closers, db.Close)
		inf.ledger = ledgerwrite.NewStore(db)
		directory = provision.NewContactDirectory(db)
		inf.deviceKeys = provision.NewDeviceKeyStore(db)
		authStore = provision.NewAuthStore(db)
		if err := enrollDeviceKeys(ctx, db, cfg.Verification.DeviceKeys); err != nil {
			return nil, err
		}
	default:
		store, err := openMemoryLedger(cfg.Ledger.SeedFile)
		if err != nil {
			return nil, err
		}
		inf.ledger = store
		directory = staticDirectory(cfg.Delivery.Contacts)
		keys, err := decodeDeviceKeys(cfg.Verification.DeviceKeys)
		if err != nil {
			return nil, err
		}
		inf.deviceKeys = verification.NewStaticDeviceKeys(keys)
		memAuth, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		authStore = memAuth
	}

	if inf.auth, err = auth.NewService(ctx, cfg.Auth, authStore); err != nil {
		return nil, err
	}

	pol := policy.Default()
	if cfg.Policy.File != "" {
		if pol, err = policy.Load(cfg.Policy.File); err != nil {
			return nil, err
		}
	}
	inf.policy = policy.NewHolder(pol)

	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
	if err != nil {
		return nil, err
	}
	if inf.resolver, err = defs.Resolver(); err != nil {
		return nil, err
	}
	if cfg.Web3.LiveFees {
		inf.fees, err = provider.NewRouter(ctx, defs)
	} else {
		var static *web3.StaticFeeOracle
		if static, err = web3.NewStaticFeeOracle(defs); err == nil {
			inf.fees = provider.NewStaticRouter(static)
		}
	}
	if err != nil {
		return nil, err
	}
	inf.closers = append(inf.closers, func() error { inf.fees.Close(); return nil })

	if inf.codec, err = vtoken.NewCodec([]byte(cfg.Token.Secret), cfg.Token.Issuer, nil); err != nil {
		return nil, err
	}
	if cfg.Token.Store == "redis" {
		inf.tokens = vtoken.NewRedisStore(rdb, vtoken.WithRetention(cfg.Token.Retention))
	} else {
		inf.tokens = vtoken.NewMemoryStore()
	}
	if cfg.Verification.Store == "redis" {
		inf.requests = verification.NewRedisStore(rdb, cfg.Verification.Retention)
		inf.limiter = verification.NewRedisRateLimiter(rdb, cfg.Verification.RateLimit, cfg.Verification.RateWindow)
	} else {
		inf.requests = verification.NewMemoryStore(cfg.Verification.Retention)
		inf.limiter = verification.NewMemoryRateLimiter(cfg.Verification.RateLimit, cfg.Verification.RateWindow)
	}

	inf.dispatcher = newDispatcher(cfg.Delivery, directory)

	if inf.queue, err = settlement.OpenQueue(cfg.Settlement.Queue, rdb); err != nil {
		return nil, err
	}
	inf.closers = append(inf.closers, inf.queue.Close)
	return inf, nil
}

func openMemoryLedger(seedFile string) (*memledger.Store, error) {
	seed, err := memledger.LoadSeed(seedFile)
	if err != nil {
		return nil, err
	}
	store := memledger.New()
	if err := store.ApplySeed(seed); err != nil {
		return nil, err
	}
	return store, nil
}

func staticDirectory(contacts map[string]config.Contact) *delivery.StaticDirectory {
	entries := make(map[string]delivery.Contact, len(contacts))
	for userID, c := range contacts {
		entries[userID] = delivery.Contact{Phone: c.Phone, Email: c.Email}
	}
	return delivery.NewStaticDirectory(entries)
}

// decodeDeviceKeys 解析配置中的十六进制设备密钥。
func decodeDeviceKeys(raw map[string]string) (map[string][]byte, error) {
	keys := make(map[string][]byte, len(raw))
	for userID, value := range raw {
		key, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("verification.device_keys.%s 不是合法的十六进制: %w", userID, err)
		}
		if len(key) < 16 {
			return nil, fmt.Errorf("verification.device_keys.%s 至少需要 16 字节", userID)
		}
		keys[userID] = key
	}
	return keys, nil
}

// enrollDeviceKeys 把配置中的开发密钥写入 MySQL，已有记录会被覆盖。
func enrollDeviceKeys(ctx context.Context, db *sql.DB, raw map[string]string) error {
	keys, err := decodeDeviceKeys(raw)
	if err != nil || len(keys) == 0 {
		return err
	}
	store := provision.NewDeviceKeyStore(db)
	for userID, key := range keys {
		if err := store.Enroll(ctx, userID, key); err != nil {
			return err
		}
	}
	return nil
}

func newDispatcher(cfg config.DeliveryConfig, directory delivery.Directory) *delivery.Dispatcher {
	opts := []delivery.DispatcherOption{
		delivery.WithRetries(cfg.Retries),
		delivery.WithBackoff(cfg.Backoff),
		delivery.WithChannel(delivery.KindSMS, delivery.NewSMSGateway(cfg.SMS, nil)),
	}
	if strings.TrimSpace(cfg.Email.Host) != "" {
		opts = append(opts, delivery.WithChannel(delivery.KindEmail, delivery.NewEmailChannel(cfg.Email)))
	}
	return delivery.NewDispatcher(directory, opts...)
}

// newAlertDispatcher 总是写日志，启用后再加邮件与 webhook。
func newAlertDispatcher(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if !cfg.Enabled {
		return alerting.NewFanout(notifiers...)
	}
	if len(cfg.Recipients) > 0 && cfg.SMTP.Host != "" {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender:        alerting.NewSMTPSender(cfg.SMTP),
			To:            cfg.Recipients,
			SubjectPrefix: "[vibeguard]",
		})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

// watchPolicyReload 收到 SIGHUP 时重新加载风险策略，解析失败保留旧策略。
func watchPolicyReload(ctx context.Context, holder *policy.Holder, path string) {
	if path == "" {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	lg := logger.Named("policy")
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := holder.Reload(path); err != nil {
				lg.Error("策略重新加载失败，继续使用旧策略", slog.Any("error", err))
				continue
			}
			lg.Info("策略已重新加载", slog.String("path", path))
		}
	}
}
