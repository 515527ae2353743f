package repository

import (
	"context"
	"gamermatch_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PermissionRepository struct {
	DB *gorm.DB
}

func NewPermissionRepository(db *gorm.DB) *PermissionRepository {
	return &PermissionRepository{DB: db}
}

func (r *PermissionRepository) Upsert(ctx context.Context, p *model.MatchPermission) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "match_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"allow_voice", "allow_video", "updated_at"}),
		}).Create(p).Error; err != nil {
			return err
		}
		var stored model.MatchPermission
		if err := tx.Where("match_id = ? AND user_id = ?", p.MatchID, p.UserID).First(&stored).Error; err != nil {
			return err
		}
		*p = stored
		return nil
	})
}

func (r *PermissionRepository) ListByMatch(ctx context.Context, matchID string) ([]model.MatchPermission, error) {
	var perms []model.MatchPermission
	err := r.DB.WithContext(ctx).Where("match_id = ?", matchID).Find(&perms).Error
	return perms, err
}
