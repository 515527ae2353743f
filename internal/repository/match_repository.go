package repository

import (
	"context"
	"fmt"
	"gamermatch_backend/internal/model"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const matchCacheTTL = 5 * time.Minute

type MatchRepository struct {
	DB    *gorm.DB
	Redis *redis.Client
}

func NewMatchRepository(db *gorm.DB, rdb *redis.Client) *MatchRepository {
	return &MatchRepository{
		DB:    db,
		Redis: rdb,
	}
}

func matchCacheKey(matchID string) string {
	return fmt.Sprintf("match:participants:%s", matchID)
}

func (r *MatchRepository) FindByID(ctx context.Context, id string) (*model.Match, error) {
	var match model.Match
	if err := r.DB.WithContext(ctx).First(&match, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &match, nil
}

// FindByIDCached 参与者信息走 Redis 缓存；配对由外部服务维护，短 TTL 即可
func (r *MatchRepository) FindByIDCached(ctx context.Context, id string) (*model.Match, error) {
	if r.Redis == nil {
		return r.FindByID(ctx, id)
	}

	key := matchCacheKey(id)
	cached, err := r.Redis.HGetAll(ctx, key).Result()
	if err == nil && cached["user_id_1"] != "" {
		return &model.Match{
			UUIDBase: model.UUIDBase{ID: id},
			UserID1:  cached["user_id_1"],
			UserID2:  cached["user_id_2"],
			Status:   model.MatchStatus(cached["status"]),
		}, nil
	}

	match, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	pipe := r.Redis.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id_1": match.UserID1,
		"user_id_2": match.UserID2,
		"status":    string(match.Status),
	})
	pipe.Expire(ctx, key, matchCacheTTL)
	pipe.Exec(ctx) // 缓存写失败不影响主流程

	return match, nil
}

func (r *MatchRepository) Create(ctx context.Context, match *model.Match) error {
	return r.DB.WithContext(ctx).Create(match).Error
}

// Invalidate 配对状态被外部修改后清理缓存
func (r *MatchRepository) Invalidate(ctx context.Context, id string) {
	if r.Redis != nil {
		r.Redis.Del(ctx, matchCacheKey(id))
	}
}
