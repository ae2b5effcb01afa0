package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"regent/internal/bootstrap"
	"regent/internal/observability"
	"regent/internal/worker"
	"regent/internal/worker/executor"
	"regent/pkg/model"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "regent-worker",
		Short:        "Run a regent worker that executes assigned jobs in Docker",
		SilenceUsage: true,
		RunE:         runWorker,
	}
	bootstrap.BindFlags(root)
	root.Flags().String("id", "", "Worker node id (defaults to the hostname)")
	root.Flags().String("work-dir", "", "Directory where job artifacts are staged")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	extra := map[string]any{}
	if cmd.Flags().Changed("id") {
		id, _ := cmd.Flags().GetString("id")
		extra["worker.id"] = id
	}
	cfg, err := bootstrap.LoadConfig(cmd, extra)
	if err != nil {
		return err
	}
	defer observability.Sync()
	logger := observability.Logger

	ctx, stop := bootstrap.SignalContext(cmd.Context())
	defer stop()

	// 1. 连接 Etcd
	etcd, err := bootstrap.OpenEtcd(cfg.Etcd, logger)
	if err != nil {
		return err
	}
	defer func() { _ = etcd.Close() }()

	artifacts, err := bootstrap.OpenArtifacts(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	// 2. 初始化 Docker 执行器
	docker, err := executor.NewDockerExecutor(cfg.Worker.DockerAPIVersion, cfg.Worker.DefaultImage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = docker.Close() }()

	// 3. 初始化 Worker Agent
	workDir, _ := cmd.Flags().GetString("work-dir")
	agent, err := worker.NewAgent(worker.Config{
		ID:                cfg.Worker.ID,
		Version:           version,
		Capacity:          model.Resource{MilliCPU: cfg.Worker.MilliCPU, Memory: cfg.Worker.Memory},
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		NodeTTL:           cfg.Worker.NodeTTL,
		LogTTL:            cfg.Worker.LogTTL,
		WorkDir:           workDir,
	}, etcd, artifacts, docker, logger)
	if err != nil {
		return err
	}

	// 4. 启动 Agent，直到收到退出信号
	logger.Info("worker started", zap.String("node_id", agent.ID()), zap.String("version", version))
	if err := agent.Run(ctx); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
