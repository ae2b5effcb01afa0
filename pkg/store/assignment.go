package store

import (
	"context"
	"errors"
	"fmt"

	"regent/pkg/model"
)

// maxAssignmentConflicts 同一次修改允许的最大冲突重试次数
const maxAssignmentConflicts = 16

// ModifyAssignment 读取最新的 Assignment 交给 fn 修改，再按读取时的版本条件写回。
// 中间有其他写入时重新读取再改一遍，所以 fn 可能被调用多次。fn 返回 false 表示不需要写入。
func ModifyAssignment(ctx context.Context, s ClusterStore, jobID string, fn func(a *model.Assignment) bool) (*model.Assignment, error) {
	for attempt := 0; attempt < maxAssignmentConflicts; attempt++ {
		a, err := s.GetAssignment(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if !fn(a) {
			return a, nil
		}
		err = s.UpdateAssignment(ctx, a)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrAssignmentConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s: gave up after %d attempts", ErrAssignmentConflict, jobID, maxAssignmentConflicts)
}
