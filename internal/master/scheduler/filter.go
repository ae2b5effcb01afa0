package scheduler

import (
	"go.uber.org/zap"

	"regent/pkg/model"
)

// filterNodes 遍历节点，返回满足硬性条件的候选者
func (s *Scheduler) filterNodes(req model.Resource, nodes []*model.Node) []*model.Node {
	candidates := make([]*model.Node, 0, len(nodes))

	for _, node := range nodes {
		if s.checkNode(req, node) {
			candidates = append(candidates, node)
		}
	}
	return candidates
}

// checkNode 执行具体的 Predicate 检查逻辑
func (s *Scheduler) checkNode(req model.Resource, node *model.Node) bool {
	// 1. 节点健康状态，DRAINING 的节点不再接收新作业
	if node.Status != model.NodeReady {
		return false
	}

	// 2. 资源检查 (CPU & Memory)，剩余 = 总容量 - 未结束 Assignment 的占用
	free := node.Free()
	if req.MilliCPU > free.MilliCPU {
		s.logger.Debug("node filtered: insufficient cpu",
			zap.String("node_id", node.ID),
			zap.Int64("free", free.MilliCPU),
			zap.Int64("need", req.MilliCPU))
		return false
	}
	if req.Memory > free.Memory {
		s.logger.Debug("node filtered: insufficient memory",
			zap.String("node_id", node.ID),
			zap.Int64("free", free.Memory),
			zap.Int64("need", req.Memory))
		return false
	}
	return true
}
