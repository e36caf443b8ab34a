package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fasset-qa/internal/api"
	"fasset-qa/internal/auth"
	"fasset-qa/internal/scheduler"
	"fasset-qa/internal/task"
	"fasset-qa/pkg/logger"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动评估处理器、定时调度与管理接口",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			queue, err := openQueue(ctx, cfg.Queue)
			if err != nil {
				return err
			}
			defer queue.Close()

			guard, err := buildAuth(cfg.Server.Tokens)
			if err != nil {
				return err
			}

			service := task.NewService(queue)
			processor := task.NewProcessor(a.policy, queue,
				task.WithWorkerCount(cfg.Queue.Workers),
				task.WithEvaluationTimeout(cfg.Queue.Timeout),
				task.WithAlertDispatcher(a.alerter),
				task.WithMetrics(a.metrics),
			)
			server := api.NewServer(cfg.Server.Address,
				api.WithPreviewer(a.policy),
				api.WithSubmitter(service),
				api.WithDecisionLister(a.recorder),
				api.WithHealthChecker(a.registry),
				api.WithMetrics(a.metrics),
				api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
				api.WithAuth(guard.Middleware(auth.DefaultMiddlewareConfig())),
			)

			var sched *scheduler.Scheduler
			if cfg.SchedulerEnabled() {
				sched, err = scheduler.New(scheduler.Config{
					Spec:   cfg.Scheduler.Spec,
					Agents: cfg.Scheduler.Agents,
				}, service, a.recorder)
				if err != nil {
					return err
				}
			}

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error { return processor.Start(groupCtx) })
			group.Go(func() error { return server.Start(groupCtx) })
			if sched != nil {
				group.Go(func() error {
					if err := sched.Start(groupCtx); err != nil {
						return err
					}
					<-groupCtx.Done()
					<-sched.Stop().Done()
					return nil
				})
			}

			logger.L().Info("fassetqa 已启动",
				slog.String("queue", cfg.Queue.Driver),
				slog.String("server", cfg.Server.Address),
				slog.Bool("scheduler", cfg.SchedulerEnabled()),
				slog.Bool("auth", guard.Enabled()),
			)
			if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.L().Info("fassetqa 已退出")
			return nil
		},
	}
}
