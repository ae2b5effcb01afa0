package scheduler

import "regent/pkg/model"

// scoreNodes 给候选节点打分并返回最高分节点，同分时取 ID 较小的，保证结果稳定
func (s *Scheduler) scoreNodes(req model.Resource, nodes []*model.Node) *model.Node {
	var best *model.Node
	maxScore := -1

	for _, node := range nodes {
		score := calculateScore(req, node)
		if score > maxScore || (score == maxScore && best != nil && node.ID < best.ID) {
			maxScore = score
			best = node
		}
	}
	return best
}

// calculateScore Bin-packing: 分配后利用率越高得分越高 (0-20)
// 把作业集中到少数节点，给未来的大作业留出整块空闲资源
func calculateScore(req model.Resource, node *model.Node) int {
	used := node.Allocated.Add(req)

	cpuScore := 0
	if node.TotalCap.MilliCPU > 0 {
		cpuScore = int(float64(used.MilliCPU) / float64(node.TotalCap.MilliCPU) * 10)
	}
	memScore := 0
	if node.TotalCap.Memory > 0 {
		memScore = int(float64(used.Memory) / float64(node.TotalCap.Memory) * 10)
	}
	return cpuScore + memScore
}
