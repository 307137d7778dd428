package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/models"
)

// 本地存储维护配置
const cfgKeyRetention = "storage_retention"

// RetentionSettings 审计数据保留期（天）
type RetentionSettings struct {
	SecurityAuditDays int `json:"security_audit_days"`
	AIAuditDays       int `json:"ai_audit_days"`
	AutoGroupDays     int `json:"auto_group_days"`
}

func defaultRetentionSettings() RetentionSettings {
	return RetentionSettings{
		SecurityAuditDays: 90,
		AIAuditDays:       30,
		AutoGroupDays:     30,
	}
}

// StorageUsage 本地库占用概况
type StorageUsage struct {
	FileSizeBytes int64                  `json:"file_size_bytes"`
	TableRows     map[string]int64       `json:"table_rows"`
	CacheStats    map[string]interface{} `json:"cache_stats"`
	Retention     RetentionSettings      `json:"retention"`
}

// CleanupResult 一次清理的删除量
type CleanupResult struct {
	ExpiredCacheRemoved  int64   `json:"expired_cache_removed"`
	SecurityAuditRemoved int64   `json:"security_audit_removed"`
	AIAuditRemoved       int64   `json:"ai_audit_removed"`
	AutoGroupRemoved     int64   `json:"auto_group_removed"`
	ElapsedSeconds       float64 `json:"elapsed_seconds"`
}

// StorageEngine 本地 SQLite 的体检与清理
type StorageEngine struct {
	db        *database.DB
	tier      *cache.Tier
	cfg       *ConfigStore
	localPath string
}

func NewStorageEngine(db *database.DB, tier *cache.Tier, cfg *ConfigStore, localPath string) *StorageEngine {
	return &StorageEngine{db: db, tier: tier, cfg: cfg, localPath: localPath}
}

// Retention 读取保留期配置，缺省时返回默认值
func (e *StorageEngine) Retention() RetentionSettings {
	settings := defaultRetentionSettings()
	if err := e.cfg.Get(cfgKeyRetention, &settings); err != nil {
		return defaultRetentionSettings()
	}
	if settings.SecurityAuditDays <= 0 {
		settings.SecurityAuditDays = 90
	}
	if settings.AIAuditDays <= 0 {
		settings.AIAuditDays = 30
	}
	if settings.AutoGroupDays <= 0 {
		settings.AutoGroupDays = 30
	}
	return settings
}

// UpdateRetention 保存保留期配置
func (e *StorageEngine) UpdateRetention(settings RetentionSettings) error {
	if settings.SecurityAuditDays <= 0 || settings.AIAuditDays <= 0 || settings.AutoGroupDays <= 0 {
		return fmt.Errorf("%w: 保留天数必须为正", ErrInvalidParams)
	}
	return e.cfg.Set(cfgKeyRetention, settings, "本地审计数据保留期")
}

// 本地库里会膨胀的表
var localTables = []string{
	"config",
	"cache",
	"generic_cache",
	"slot_cache",
	"security_audit",
	"ai_audit_logs",
	"auto_group_logs",
}

// Usage 本地库文件大小、各表行数与缓存统计
func (e *StorageEngine) Usage(ctx context.Context) (*StorageUsage, error) {
	usage := &StorageUsage{
		TableRows: make(map[string]int64, len(localTables)),
		Retention: e.Retention(),
	}

	if info, err := os.Stat(e.localPath); err == nil {
		usage.FileSizeBytes = info.Size()
	}

	for _, table := range localTables {
		var count int64
		if err := e.db.Local.Table(table).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("统计表 %s 失败: %w", table, wrapQuery(err))
		}
		usage.TableRows[table] = count
	}

	usage.CacheStats = e.tier.Stats(ctx)
	return usage, nil
}

// Cleanup 清理过期缓存与超出保留期的审计数据
func (e *StorageEngine) Cleanup(ctx context.Context) (*CleanupResult, error) {
	start := time.Now()
	retention := e.Retention()
	result := &CleanupResult{}

	removed, err := e.tier.CleanupExpired(ctx)
	if err != nil {
		logger.Warn("清理过期缓存失败", zap.Error(err))
	}
	result.ExpiredCacheRemoved = removed

	now := time.Now().Unix()
	cutoff := func(days int) int64 { return now - int64(days)*86400 }

	res := e.db.Local.Where("created_at < ?", cutoff(retention.SecurityAuditDays)).
		Delete(&models.SecurityAudit{})
	if res.Error != nil {
		return nil, fmt.Errorf("清理安全审计失败: %w", wrapQuery(res.Error))
	}
	result.SecurityAuditRemoved = res.RowsAffected

	res = e.db.Local.Where("created_at < ?", cutoff(retention.AIAuditDays)).
		Delete(&models.AIAuditLog{})
	if res.Error != nil {
		return nil, fmt.Errorf("清理扫描记录失败: %w", wrapQuery(res.Error))
	}
	result.AIAuditRemoved = res.RowsAffected

	res = e.db.Local.Where("created_at < ?", cutoff(retention.AutoGroupDays)).
		Delete(&models.AutoGroupLog{})
	if res.Error != nil {
		return nil, fmt.Errorf("清理分组记录失败: %w", wrapQuery(res.Error))
	}
	result.AutoGroupRemoved = res.RowsAffected

	// 回收已删除行占用的页
	if err := e.db.Local.Exec("VACUUM").Error; err != nil {
		logger.Warn("VACUUM 失败", zap.Error(err))
	}

	result.ElapsedSeconds = time.Since(start).Seconds()
	logger.Info("本地存储清理完成",
		zap.Int64("expired_cache", result.ExpiredCacheRemoved),
		zap.Int64("security_audit", result.SecurityAuditRemoved),
		zap.Int64("ai_audit", result.AIAuditRemoved),
		zap.Int64("auto_group", result.AutoGroupRemoved),
		zap.Float64("elapsed_s", result.ElapsedSeconds))
	return result, nil
}

// SecurityAudits 分页读取安全审计，action 为空时不过滤
func (e *StorageEngine) SecurityAudits(page, pageSize int, action string) ([]models.SecurityAudit, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	query := e.db.Local.Model(&models.SecurityAudit{})
	if action != "" {
		query = query.Where("action = ?", action)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapQuery(err)
	}

	var entries []models.SecurityAudit
	err := query.Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	if err != nil {
		return nil, 0, wrapQuery(err)
	}
	return entries, total, nil
}
