package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"regent/pkg/model"
)

const stopTimeoutSeconds = 10

type DockerExecutor struct {
	cli          *client.Client
	defaultImage string
	logger       *zap.Logger
}

var _ Executor = (*DockerExecutor)(nil)

// NewDockerExecutor 自动从环境变量或默认路径连接本地 Docker
func NewDockerExecutor(apiVersion, defaultImage string, logger *zap.Logger) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if defaultImage == "" {
		defaultImage = "alpine:latest"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerExecutor{cli: cli, defaultImage: defaultImage, logger: logger.Named("docker")}, nil
}

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Run 真正执行任务的方法
func (e *DockerExecutor) Run(ctx context.Context, spec RunSpec) (Result, error) {
	log := e.logger.With(zap.String("job_id", spec.JobID))

	cmd, err := buildCommand(spec.Plan)
	if err != nil {
		return Result{}, err
	}
	image := spec.Plan.Image
	if image == "" {
		image = e.defaultImage
	}

	// 1. 镜像不在本地时拉取
	if err := e.ensureImage(ctx, image); err != nil {
		return Result{}, err
	}

	// 2. 创建容器 (Create Container)
	resp, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image: image,
			Cmd:   cmd,
			Env:   spec.Plan.Envs,
			Tty:   false,
			Labels: map[string]string{
				"regent.job_id": spec.JobID,
			},
		},
		hostConfig(spec),
		nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	log.Info("container created", zap.String("container", shortID(containerID)), zap.String("image", image))

	// 6. 不论结果如何都清理容器，ctx 可能已经被取消
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn("failed to remove container", zap.Error(err))
		}
	}()

	// 3. 启动容器 (Start Container)
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	// 4. 等待容器结束 (Wait)，取消时先停容器
	exitCode := 0
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			e.stop(containerID, log)
			return Result{Output: e.logs(containerID, log)}, ctx.Err()
		}
		return Result{}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
		if status.Error != nil {
			return Result{}, fmt.Errorf("wait container: %s", status.Error.Message)
		}
	case <-ctx.Done():
		e.stop(containerID, log)
		return Result{Output: e.logs(containerID, log)}, ctx.Err()
	}

	// 5. 获取日志 (Logs) - 这是给用户看的
	output := e.logs(containerID, log)
	log.Info("container exited", zap.Int("exit_code", exitCode))
	return Result{ExitCode: exitCode, Output: output}, nil
}

func (e *DockerExecutor) ensureImage(ctx context.Context, image string) error {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *DockerExecutor) stop(containerID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), (stopTimeoutSeconds+5)*time.Second)
	defer cancel()
	timeout := stopTimeoutSeconds
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Warn("failed to stop container", zap.Error(err))
	}
}

func (e *DockerExecutor) logs(containerID string, log *zap.Logger) string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outReader, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		log.Warn("failed to fetch container logs", zap.Error(err))
		return ""
	}
	defer outReader.Close()

	// stdcopy 会把 docker 的多路复用流拆分，写入 buf
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, outReader); err != nil {
		log.Warn("failed to demux container logs", zap.Error(err))
	}
	return buf.String()
}

// buildCommand SHELL 类型交给 sh -c，DOCKER 类型原样作为 Cmd
func buildCommand(plan model.ExecutionPlan) ([]string, error) {
	if len(plan.Command) == 0 {
		if plan.Type == model.JobTypeDocker {
			// 使用镜像自带的 CMD
			return nil, nil
		}
		return nil, ErrEmptyCommand
	}
	if plan.Type == model.JobTypeShell {
		return []string{"sh", "-c", strings.Join(plan.Command, " ")}, nil
	}
	return plan.Command, nil
}

func hostConfig(spec RunSpec) *container.HostConfig {
	hc := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: spec.Plan.ResReq.MilliCPU * 1_000_000,
			Memory:   spec.Plan.ResReq.Memory,
		},
	}
	if spec.ArtifactDir != "" {
		hc.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   spec.ArtifactDir,
			Target:   ArtifactMountPath,
			ReadOnly: true,
		}}
	}
	return hc
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
