package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"regent/pkg/artifact"
	"regent/pkg/backoff"
	"regent/pkg/model"
	"regent/pkg/store"
)

// onTerminal 在 loop 中执行。同一个作业的重复终态会被忽略，清理只触发一次。
func (c *Coordinator) onTerminal(res model.JobResult) {
	e, ok := c.jobs[res.JobID]
	if !ok || e.phase == phaseCleanup {
		return
	}
	if !res.State.IsTerminal() {
		c.logger.Warn("ignore non-terminal result", zap.String("job_id", res.JobID), zap.Stringer("state", res.State))
		return
	}

	e.phase = phaseCleanup
	e.final = res
	c.remember(res)
	e.result.Complete(res)
	c.logger.Info("job reached terminal state",
		zap.String("job_id", res.JobID),
		zap.Stringer("state", res.State),
		zap.String("error", res.Error))

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		c.cleanupJob(e.desc)
	}()
}

// cleanupJob 终态清理：先删注册表条目，再释放执行端状态，最后删除只被该作业引用的制品。
// 每一步都是幂等的，并且重试直到成功或协调者停止。
func (c *Coordinator) cleanupJob(desc *model.JobDescriptor) {
	log := c.logger.With(zap.String("job_id", desc.ID))

	// 1. 注册表条目是 "谁还拥有这个作业" 的唯一依据，它删除之前制品不能动
	err := c.retry(func(ctx context.Context) error {
		err := c.svc.Registry.RemoveJobDescriptor(ctx, desc.ID)
		if store.IsStaleEpoch(err) || errors.Is(err, store.ErrRegistryClosed) {
			return &backoff.Permanent{Err: err}
		}
		return err
	}, log, "remove registry entry")
	if err != nil {
		if store.IsStaleEpoch(err) {
			c.post(c.fence)
		}
		// 条目保留，下一任 Leader 恢复后会再次走到这里
		log.Warn("registry cleanup abandoned", zap.Error(err))
		return
	}

	// 2. 执行端状态
	if err := c.retry(func(ctx context.Context) error {
		return c.svc.Executor.Release(ctx, desc.ID)
	}, log, "release executor state"); err != nil {
		log.Warn("executor release abandoned", zap.Error(err))
	}

	// 3. 制品。注册表里可能还有不在活动集合中的作业 (恢复失败、读取出错)，它们的引用同样要保留
	var external map[string]struct{}
	if len(desc.ArtifactKeys) > 0 {
		err := c.retry(func(ctx context.Context) error {
			refs, err := c.registeredRefs(ctx)
			if errors.Is(err, store.ErrRegistryClosed) || errors.Is(err, ErrCoordinatorStopped) {
				return &backoff.Permanent{Err: err}
			}
			external = refs
			return err
		}, log, "scan registry references")
		if err != nil {
			c.exec(func() { delete(c.jobs, desc.ID) })
			log.Warn("artifact cleanup abandoned, registry references unknown", zap.Error(err))
			return
		}
	}

	var releasable []string
	if !c.exec(func() { releasable = c.detach(desc, external) }) {
		return
	}
	for _, key := range releasable {
		err := c.retry(func(ctx context.Context) error {
			err := c.svc.Artifacts.Delete(ctx, key)
			if errors.Is(err, artifact.ErrInvalidKey) {
				return &backoff.Permanent{Err: err}
			}
			return err
		}, log.With(zap.String("artifact", key)), "delete artifact")
		if err != nil {
			log.Warn("artifact cleanup abandoned", zap.String("artifact", key), zap.Error(err))
		}
	}
	log.Info("job cleaned up", zap.Int("artifacts_released", len(releasable)))
}

// registeredRefs 返回注册表中、但不在活动集合里的作业引用的制品 key。
// 活动集合里的作业由 detach 在 loop 中检查，这里只读取其余的条目。
func (c *Coordinator) registeredRefs(ctx context.Context) (map[string]struct{}, error) {
	ids, err := c.svc.Registry.GetAllJobIDs(ctx)
	if err != nil {
		return nil, err
	}
	var untracked []string
	if !c.exec(func() {
		for _, id := range ids {
			if _, ok := c.jobs[id]; !ok {
				untracked = append(untracked, id)
			}
		}
	}) {
		return nil, ErrCoordinatorStopped
	}

	refs := make(map[string]struct{})
	for _, id := range untracked {
		desc, err := c.svc.Registry.RecoverJobDescriptor(ctx, id)
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			continue
		case errors.Is(err, store.ErrCorruptDescriptor):
			// 读不出引用，只能忽略
			c.logger.Warn("corrupt registry entry ignored during artifact cleanup", zap.String("job_id", id))
			continue
		case err != nil:
			return nil, err
		}
		for _, key := range desc.ArtifactKeys {
			refs[key] = struct{}{}
		}
	}
	return refs, nil
}

// detach 在 loop 中执行：把作业移出活动集合，返回既不被活动作业、也不被 external 引用的制品 key
func (c *Coordinator) detach(desc *model.JobDescriptor, external map[string]struct{}) []string {
	delete(c.jobs, desc.ID)

	inUse := make(map[string]struct{}, len(external))
	for key := range external {
		inUse[key] = struct{}{}
	}
	for _, e := range c.jobs {
		for _, key := range e.desc.ArtifactKeys {
			inUse[key] = struct{}{}
		}
	}
	releasable := make([]string, 0, len(desc.ArtifactKeys))
	seen := make(map[string]struct{}, len(desc.ArtifactKeys))
	for _, key := range desc.ArtifactKeys {
		if _, ok := inUse[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		releasable = append(releasable, key)
	}
	return releasable
}

// remember 在 loop 中执行：保留最近的终态结果，超出上限时淘汰最早的
func (c *Coordinator) remember(res model.JobResult) {
	if _, ok := c.finished[res.JobID]; !ok {
		c.finishedOrder = append(c.finishedOrder, res.JobID)
	}
	c.finished[res.JobID] = res
	for len(c.finishedOrder) > c.svc.FinishedRetention {
		oldest := c.finishedOrder[0]
		c.finishedOrder = c.finishedOrder[1:]
		delete(c.finished, oldest)
	}
}

func (c *Coordinator) retry(fn func(context.Context) error, log *zap.Logger, step string) error {
	return backoff.Retry(c.ctx, c.svc.Backoff, 0, fn, func(attempt int, err error) {
		log.Debug("step failed, retrying",
			zap.String("step", step),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
}
