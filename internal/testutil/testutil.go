// Package testutil 测试用的数据库、Redis 与令牌
package testutil

import (
	"fmt"
	"gamermatch_backend/internal/model"
	"gamermatch_backend/internal/util"
	"gamermatch_backend/pkg/database"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const JWTSecret = "test-secret-test-secret-test-secret"

// NewDB 每个测试一个独立的内存 SQLite 库
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库只在连接存活期间存在，单连接保证所有查询看到同一份数据
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func NewRedis(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

// SeedMatch 创建一个已配对的 match
func SeedMatch(t testing.TB, db *gorm.DB, user1, user2 string) *model.Match {
	t.Helper()
	match := &model.Match{
		UserID1: user1,
		UserID2: user2,
		Status:  model.MatchMatched,
	}
	require.NoError(t, db.Create(match).Error)
	return match
}

func Token(t testing.TB, userID string) string {
	t.Helper()
	token, err := util.GenerateJWT(userID, userID+"@example.com", JWTSecret, time.Hour)
	require.NoError(t, err)
	return token
}
