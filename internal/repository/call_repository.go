package repository

import (
	"context"
	"errors"
	"gamermatch_backend/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CallRepository struct {
	DB *gorm.DB
}

func NewCallRepository(db *gorm.DB) *CallRepository {
	return &CallRepository{DB: db}
}

// ListActive 返回配对上 pending / accepted 的请求，新的在前
func (r *CallRepository) ListActive(ctx context.Context, matchID string) ([]model.CallRequest, error) {
	var calls []model.CallRequest
	err := r.DB.WithContext(ctx).
		Where("match_id = ? AND status IN ?", matchID, []model.CallStatus{model.CallPending, model.CallAccepted}).
		Order("created_at DESC").
		Find(&calls).Error
	return calls, err
}

func (r *CallRepository) FindByID(ctx context.Context, id string) (*model.CallRequest, error) {
	var req model.CallRequest
	if err := r.DB.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *CallRepository) findByRequester(tx *gorm.DB, matchID, requesterID string) (*model.CallRequest, error) {
	var req model.CallRequest
	err := tx.Where("match_id = ? AND requester_id = ?", matchID, requesterID).First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// UpsertPending 在 (match_id, requester_id) 上插入或刷新为 pending，行ID保持不变。
// 返回写入前的旧行（不存在时为 nil），req 被回填为写入后的行
func (r *CallRepository) UpsertPending(ctx context.Context, req *model.CallRequest) (*model.CallRequest, error) {
	var previous *model.CallRequest
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old, err := r.findByRequester(tx, req.MatchID, req.RequesterID)
		if err == nil {
			previous = old
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		req.Status = model.CallPending
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "match_id"}, {Name: "requester_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"type", "status", "expires_at", "updated_at"}),
		}).Create(req).Error; err != nil {
			return err
		}

		stored, err := r.findByRequester(tx, req.MatchID, req.RequesterID)
		if err != nil {
			return err
		}
		*req = *stored
		return nil
	})
	return previous, err
}

// FindLatestPendingFromOther 查找对方发起的最新一条 pending 请求
func (r *CallRepository) FindLatestPendingFromOther(ctx context.Context, matchID, callerID string) (*model.CallRequest, error) {
	var req model.CallRequest
	err := r.DB.WithContext(ctx).
		Where("match_id = ? AND status = ? AND requester_id <> ?", matchID, model.CallPending, callerID).
		Order("created_at DESC").
		First(&req).Error
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// TransitionStatus 条件更新，只有当前状态等于 from 时才会写入；返回受影响行数
func (r *CallRepository) TransitionStatus(ctx context.Context, id string, from, to model.CallStatus) (int64, error) {
	return transitionStatus(r.DB.WithContext(ctx), id, from, to)
}

func transitionStatus(tx *gorm.DB, id string, from, to model.CallStatus) (int64, error) {
	result := tx.
		Model(&model.CallRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// IsBlocked 对 userID 是否存在 blocked=true 的屏蔽记录
func (r *CallRepository) IsBlocked(ctx context.Context, matchID, userID string) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).
		Model(&model.CallBlock{}).
		Where("match_id = ? AND blocked_user_id = ? AND blocked = ?", matchID, userID, true).
		Count(&count).Error
	return count > 0, err
}

// UpsertBlock 在 (match_id, blocked_user_id) 上插入或覆盖屏蔽记录，返回覆盖前的旧行
func (r *CallRepository) UpsertBlock(ctx context.Context, block *model.CallBlock) (*model.CallBlock, error) {
	var previous *model.CallBlock
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		previous, err = upsertBlock(tx, block)
		return err
	})
	return previous, err
}

// RejectAndBlock 在同一事务中把 pending 请求改为 rejected 并写入屏蔽。
// 请求已不是 pending 时返回 0 且不写屏蔽；屏蔽写入失败时整体回滚
func (r *CallRepository) RejectAndBlock(ctx context.Context, requestID string, block *model.CallBlock) (int64, *model.CallBlock, error) {
	var (
		n        int64
		previous *model.CallBlock
	)
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = transitionStatus(tx, requestID, model.CallPending, model.CallRejected)
		if err != nil || n == 0 {
			return err
		}
		previous, err = upsertBlock(tx, block)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return n, previous, nil
}

func upsertBlock(tx *gorm.DB, block *model.CallBlock) (*model.CallBlock, error) {
	var previous *model.CallBlock
	var old model.CallBlock
	err := tx.Where("match_id = ? AND blocked_user_id = ?", block.MatchID, block.BlockedUserID).First(&old).Error
	if err == nil {
		previous = &old
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "match_id"}, {Name: "blocked_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"blocker_id", "blocked", "updated_at"}),
	}).Create(block).Error; err != nil {
		return nil, err
	}

	// 冲突时 block.ID 是本次新生成的，不能作为查询条件
	var stored model.CallBlock
	if err := tx.Where("match_id = ? AND blocked_user_id = ?", block.MatchID, block.BlockedUserID).First(&stored).Error; err != nil {
		return nil, err
	}
	*block = stored
	return previous, nil
}

// DeleteBlocksByBlocker 物理删除 blockerID 在该配对上设置的屏蔽，返回被删除的行
func (r *CallRepository) DeleteBlocksByBlocker(ctx context.Context, matchID, blockerID string) ([]model.CallBlock, error) {
	var removed []model.CallBlock
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("match_id = ? AND blocker_id = ?", matchID, blockerID).Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		ids := make([]string, 0, len(removed))
		for _, b := range removed {
			ids = append(ids, b.ID)
		}
		return tx.Where("id IN ?", ids).Delete(&model.CallBlock{}).Error
	})
	return removed, err
}

func (r *CallRepository) ListBlocks(ctx context.Context, matchID string) ([]model.CallBlock, error) {
	var blocks []model.CallBlock
	err := r.DB.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("created_at ASC").
		Find(&blocks).Error
	return blocks, err
}

// ExpirePending 将已过期的 pending 请求置为 expired，返回实际被改写的行
func (r *CallRepository) ExpirePending(ctx context.Context, now time.Time) ([]model.CallRequest, error) {
	var stale []model.CallRequest
	err := r.DB.WithContext(ctx).
		Where("status = ? AND expires_at < ?", model.CallPending, now).
		Find(&stale).Error
	if err != nil || len(stale) == 0 {
		return nil, err
	}

	expired := make([]model.CallRequest, 0, len(stale))
	for _, req := range stale {
		n, err := r.TransitionStatus(ctx, req.ID, model.CallPending, model.CallExpired)
		if err != nil {
			return expired, err
		}
		if n == 0 {
			// 已被对方响应
			continue
		}
		req.Status = model.CallExpired
		expired = append(expired, req)
	}
	return expired, nil
}
