// Package bootstrap 组装 master 与 worker 共用的基础设施
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"regent/internal/config"
	"regent/internal/observability"
	"regent/pkg/artifact"
	"regent/pkg/store"
)

// BindFlags 注册两个二进制共用的命令行参数
func BindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "Path to a YAML config file")
	f.String("log-level", "", "Log level override (debug, info, warn, error)")
	f.StringSlice("etcd-endpoints", nil, "etcd endpoints override")
}

// LoadConfig 读取配置，命令行参数优先级最高，随后初始化全局 logger
func LoadConfig(cmd *cobra.Command, extra map[string]any) (*config.Config, error) {
	overrides := map[string]any{}
	for k, v := range extra {
		overrides[k] = v
	}
	if cmd.Flags().Changed("log-level") {
		lvl, _ := cmd.Flags().GetString("log-level")
		overrides["logging.level"] = lvl
	}
	if cmd.Flags().Changed("etcd-endpoints") {
		eps, _ := cmd.Flags().GetStringSlice("etcd-endpoints")
		overrides["etcd.endpoints"] = eps
	}

	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(file, overrides)
	if err != nil {
		return nil, err
	}
	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func OpenEtcd(cfg config.EtcdConfig, logger *zap.Logger) (*store.EtcdManager, error) {
	m, err := store.NewEtcdManager(store.EtcdConfig{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Prefix:      cfg.Prefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", cfg.Endpoints, err)
	}
	return m, nil
}

// OpenArtifacts 按 artifacts.backend 构建制品存储
func OpenArtifacts(ctx context.Context, cfg config.ArtifactsConfig) (artifact.Store, error) {
	switch cfg.Backend {
	case "s3":
		return artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Profile:         cfg.S3.Profile,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
		})
	case "file", "":
		return artifact.NewFileStore(cfg.Dir)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

// SignalContext 收到 SIGINT/SIGTERM 时取消
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
