package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ketches/gateway-sentinel/internal/logger"
	"go.uber.org/zap"
)

// RecommendedIndex 主库推荐索引
type RecommendedIndex struct {
	Name    string
	Table   string
	Columns string
}

// 排行榜与 IP 分析依赖的索引，按优先级排列
var recommendedIndexes = []RecommendedIndex{
	{"idx_logs_created_type_user", "logs", "created_at, type, user_id"},
	{"idx_logs_type_created_user", "logs", "type, created_at, user_id"},
	{"idx_logs_type_created_token", "logs", "type, created_at, token_id"},
	{"idx_logs_type_created_model", "logs", "type, created_at, model_name"},
	{"idx_logs_user_type_created", "logs", "user_id, type, created_at"},
	{"idx_logs_user_created_ip", "logs", "user_id, created_at, ip"},
	{"idx_logs_created_token_ip", "logs", "created_at, token_id, ip"},
	{"idx_logs_created_ip_token", "logs", "created_at, ip, token_id"},
	{"idx_users_deleted_status", "users", "deleted_at, status"},
	{"idx_tokens_user_deleted", "tokens", "user_id, deleted_at"},
}

// IndexStatus 单个推荐索引的存在状态
type IndexStatus struct {
	Name    string `json:"name"`
	Table   string `json:"table"`
	Columns string `json:"columns"`
	Exists  bool   `json:"exists"`
}

// IndexExists 按方言探测索引是否已存在
func (d *DB) IndexExists(ctx context.Context, table, name string) (bool, error) {
	var count int64
	var err error
	if d.IsPostgres() {
		err = d.Main.WithContext(ctx).Raw(
			`SELECT COUNT(*) FROM pg_indexes WHERE tablename = ? AND indexname = ?`,
			table, name,
		).Scan(&count).Error
	} else {
		err = d.Main.WithContext(ctx).Raw(
			`SELECT COUNT(*) FROM information_schema.statistics
			 WHERE table_schema = DATABASE() AND table_name = ? AND index_name = ?`,
			table, name,
		).Scan(&count).Error
	}
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListIndexStatus 返回所有推荐索引的存在状态
func (d *DB) ListIndexStatus(ctx context.Context) ([]IndexStatus, error) {
	statuses := make([]IndexStatus, 0, len(recommendedIndexes))
	for _, idx := range recommendedIndexes {
		exists, err := d.IndexExists(ctx, idx.Table, idx.Name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, IndexStatus{
			Name:    idx.Name,
			Table:   idx.Table,
			Columns: idx.Columns,
			Exists:  exists,
		})
	}
	return statuses, nil
}

// EnsureIndexes 按需创建缺失的推荐索引。失败只告警不中断，
// 每次建索引之间停顿 2 秒，避免在大表上连续触发 DDL。
func (d *DB) EnsureIndexes(ctx context.Context) (created int, err error) {
	for _, idx := range recommendedIndexes {
		select {
		case <-ctx.Done():
			return created, ctx.Err()
		default:
		}

		exists, probeErr := d.IndexExists(ctx, idx.Table, idx.Name)
		if probeErr != nil {
			logger.Warn("探测索引失败", zap.String("index", idx.Name), zap.Error(probeErr))
			continue
		}
		if exists {
			continue
		}

		ddl := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx.Name, idx.Table, idx.Columns)
		if execErr := d.Main.WithContext(ctx).Exec(ddl).Error; execErr != nil {
			logger.Warn("创建索引失败",
				zap.String("index", idx.Name),
				zap.Error(execErr),
			)
			continue
		}

		created++
		logger.Info("创建索引成功", zap.String("index", idx.Name), zap.String("table", idx.Table))
		time.Sleep(2 * time.Second)
	}
	return created, nil
}
