package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fasset-qa/internal/agentbot"
	"fasset-qa/internal/auth"
	"fasset-qa/internal/config"
	"fasset-qa/internal/corevault"
	"fasset-qa/internal/observability/alerting"
	"fasset-qa/internal/observability/metrics"
	"fasset-qa/internal/recorder"
	"fasset-qa/internal/storage/memory"
	"fasset-qa/internal/storage/mysql"
	"fasset-qa/internal/storage/redis"
	"fasset-qa/internal/task"
	"fasset-qa/internal/web3/ethereum"
	"fasset-qa/internal/web3/provider"
	"fasset-qa/pkg/logger"
)

// transferState 是三种执行标记存储共同实现的能力。
type transferState interface {
	corevault.TransferStateStore
	corevault.ReturnStateStore
	agentbot.TransferTracker
	Close() error
}

// app 持有一次进程运行所需的全部组件。
type app struct {
	cfg      *config.Config
	registry *provider.Registry
	state    transferState
	recorder recorder.Recorder
	metrics  *metrics.Metrics
	alerter  *alerting.FanoutDispatcher
	executor *agentbot.CLI
	policy   *corevault.Policy
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.Default()}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	registry, err := provider.NewRegistry(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	a.registry = registry
	a.closers = append(a.closers, func() error { registry.Close(); return nil })

	contractABI, err := ethereum.LoadABI(cfg.Chain.ABIPath)
	if err != nil {
		return err
	}
	ledger, err := registry.Ledger("", contractABI, ethereum.WithCallTimeout(cfg.Chain.CallTimeout))
	if err != nil {
		return err
	}

	if a.state, err = openTransferState(ctx, cfg.TransferState); err != nil {
		return err
	}
	a.closers = append(a.closers, a.state.Close)

	if a.recorder, err = openRecorder(cfg.Recorder); err != nil {
		return err
	}
	a.closers = append(a.closers, a.recorder.Close)

	a.alerter = buildAlerter(cfg.Alerting)

	a.executor, err = agentbot.NewCLI(agentbot.Config{
		Command:    cfg.AgentBot.Command,
		Args:       cfg.AgentBot.Args,
		FAsset:     cfg.AgentBot.FAsset,
		WorkingDir: cfg.AgentBot.WorkingDir,
		Env:        cfg.AgentBot.Env,
		Timeout:    cfg.AgentBot.Timeout,
	}, agentbot.WithTracker(a.state))
	if err != nil {
		return err
	}

	lotSize, err := cfg.Policy.LotSizeValue()
	if err != nil {
		return err
	}
	a.policy, err = corevault.NewPolicy(ledger, a.state, a.executor, lotSize,
		corevault.WithThresholds(cfg.Policy.Thresholds()),
		corevault.WithGuardedReturns(cfg.Policy.GuardReturns),
		corevault.WithObserver(a.metrics),
		corevault.WithRecorder(a.recorder),
	)
	if err != nil {
		return err
	}

	logger.L().Info("组件初始化完成",
		slog.String("chain", registry.DefaultChain()),
		slog.String("asset_manager", ledger.AssetManager().Hex()),
		slog.String("transfer_state", cfg.TransferState.Driver),
		slog.String("lot_size", lotSize.String()),
		slog.Bool("guard_returns", cfg.Policy.GuardReturns),
	)
	return nil
}

// Close 按初始化的逆序释放资源。
func (a *app) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func openTransferState(ctx context.Context, cfg config.TransferStateConfig) (transferState, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewTransferStateStore(cfg.PendingTTL), nil
	case "redis":
		return redis.NewTransferStateStore(ctx, redis.Config{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			PendingTTL: cfg.PendingTTL,
		})
	case "mysql":
		return mysql.NewTransferStateStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PendingTTL:      cfg.PendingTTL,
			AutoMigrate:     cfg.MySQL.AutoMigrate,
		})
	default:
		return nil, fmt.Errorf("不支持的执行标记存储: %s", cfg.Driver)
	}
}

func openRecorder(cfg config.RecorderConfig) (recorder.Recorder, error) {
	if cfg.Path == "" {
		return recorder.NewNoopRecorder(), nil
	}
	return recorder.NewSQLiteRecorder(cfg.Path)
}

func buildAlerter(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Timeout, cfg.Webhook.Headers))
	}
	return alerting.NewFanout(notifiers...)
}

func buildAuth(tokens []config.APITokenConfig) (*auth.Service, error) {
	converted := make([]auth.Token, 0, len(tokens))
	for _, t := range tokens {
		converted = append(converted, auth.Token{Name: t.Name, Token: t.Token, Permissions: t.Permissions})
	}
	return auth.NewService(converted)
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, errors.New("不支持的队列类型: " + cfg.Driver)
	}
}
