package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"regent/internal/bootstrap"
	"regent/internal/master/api"
	"regent/internal/master/coordinator"
	"regent/internal/master/runner"
	"regent/internal/master/scheduler"
	"regent/internal/observability"
	"regent/pkg/election"
	"regent/pkg/store"
)

func main() {
	root := &cobra.Command{
		Use:          "regent-master",
		Short:        "Run a regent master (leader-elected job coordinator)",
		SilenceUsage: true,
		RunE:         runMaster,
	}
	bootstrap.BindFlags(root)
	root.Flags().Int("port", 0, "HTTP port override")
	root.Flags().String("advertise", "", "Address published to clients once this master leads")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMaster(cmd *cobra.Command, _ []string) error {
	extra := map[string]any{}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		extra["server.port"] = port
	}
	if cmd.Flags().Changed("advertise") {
		addr, _ := cmd.Flags().GetString("advertise")
		extra["server.advertise_address"] = addr
	}
	cfg, err := bootstrap.LoadConfig(cmd, extra)
	if err != nil {
		return err
	}
	defer observability.Sync()
	logger := observability.Logger

	ctx, stop := bootstrap.SignalContext(cmd.Context())
	defer stop()

	// 1. 初始化 Etcd 连接
	etcd, err := bootstrap.OpenEtcd(cfg.Etcd, logger)
	if err != nil {
		return err
	}
	defer func() { _ = etcd.Close() }()
	logger.Info("connected to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))

	artifacts, err := bootstrap.OpenArtifacts(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	// 2. 初始化调度器，它同时是协调者的执行端
	sched := scheduler.NewScheduler(etcd, logger)

	// 3. 领导者选举 + 协调者运行器
	r, err := runner.New(runner.Options{
		Election:        election.NewEtcdService(etcd.Client(), etcd.ElectionPrefix(), cfg.Etcd.SessionTTL, logger),
		RegistryFactory: store.NewEtcdRegistryFactory(etcd),
		Factory:         runner.DefaultFactory(),
		Services: coordinator.Services{
			Artifacts:         artifacts,
			Executor:          sched,
			Logger:            logger,
			Backoff:           coordinator.CleanupStrategy(cfg.Coordinator.CleanupBackoff, cfg.Coordinator.CleanupMaxDelay),
			MailboxSize:       cfg.Coordinator.MailboxSize,
			RollbackAttempts:  cfg.Coordinator.RollbackAttempts,
			FinishedRetention: cfg.Coordinator.FinishedRetention,
		},
		Address: cfg.Server.PublishedAddress(),
		FatalErrorHandler: runner.FatalErrorHandlerFunc(func(err error) {
			// 交给进程管理器重启
			logger.Error("fatal error, exiting", zap.Error(err))
			observability.Sync()
			os.Exit(1)
		}),
		Logger:       logger,
		StartTimeout: cfg.Coordinator.StartTimeout,
		StopTimeout:  cfg.Coordinator.StopTimeout,
	})
	if err != nil {
		return err
	}

	// 4. API Server
	srv, err := api.NewServer(api.Options{
		Leadership:       r,
		Artifacts:        artifacts,
		Cluster:          etcd,
		Logger:           logger,
		SubmitRate:       cfg.Server.SubmitRate,
		SubmitBurst:      cfg.Server.SubmitBurst,
		MaxArtifactBytes: cfg.Server.MaxArtifactBytes,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress(),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx, scheduler.DefaultReapInterval, func() bool {
			return r.State() == runner.StateLeaderActive
		})
		return nil
	})
	g.Go(func() error {
		if err := r.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	// 5. 优雅退出
	<-gctx.Done()
	logger.Info("shutting down master")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown failed", zap.Error(err))
	}

	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), cfg.Coordinator.StopTimeout)
	defer cancelClose()
	if err := r.Close(closeCtx); err != nil {
		logger.Warn("runner close failed", zap.Error(err))
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
