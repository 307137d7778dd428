package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/models"
)

func newStorageEngine(t *testing.T, db *database.DB, localPath string) *StorageEngine {
	t.Helper()
	return NewStorageEngine(db, newTier(t, db), NewConfigStore(db.Local), localPath)
}

func TestRetentionDefaults(t *testing.T) {
	db := newTestDB(t)
	e := newStorageEngine(t, db, "")

	r := e.Retention()
	if r.SecurityAuditDays != 90 || r.AIAuditDays != 30 || r.AutoGroupDays != 30 {
		t.Fatalf("默认保留期异常: %+v", r)
	}

	// 存量配置里的非正值读取时回退默认
	err := e.cfg.Set(cfgKeyRetention, RetentionSettings{
		SecurityAuditDays: -5,
		AIAuditDays:       0,
		AutoGroupDays:     7,
	}, "测试")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	r = e.Retention()
	if r.SecurityAuditDays != 90 || r.AIAuditDays != 30 || r.AutoGroupDays != 7 {
		t.Fatalf("非法值回退失败: %+v", r)
	}
}

func TestUpdateRetention(t *testing.T) {
	db := newTestDB(t)
	e := newStorageEngine(t, db, "")

	bad := []RetentionSettings{
		{SecurityAuditDays: 0, AIAuditDays: 30, AutoGroupDays: 30},
		{SecurityAuditDays: 90, AIAuditDays: -1, AutoGroupDays: 30},
		{SecurityAuditDays: 90, AIAuditDays: 30, AutoGroupDays: 0},
	}
	for i, s := range bad {
		if err := e.UpdateRetention(s); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("用例 %d 应返回 ErrInvalidParams, got %v", i, err)
		}
	}

	want := RetentionSettings{SecurityAuditDays: 180, AIAuditDays: 60, AutoGroupDays: 14}
	if err := e.UpdateRetention(want); err != nil {
		t.Fatalf("UpdateRetention: %v", err)
	}
	if got := e.Retention(); got != want {
		t.Fatalf("Retention = %+v, want %+v", got, want)
	}
}

func TestStorageUsage(t *testing.T) {
	db := newTestDB(t)

	path := filepath.Join(t.TempDir(), "sentinel.db")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("写临时文件: %v", err)
	}
	e := newStorageEngine(t, db, path)

	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		err := db.Local.Create(&models.SecurityAudit{
			Action: "ban", UserID: i + 1, CreatedAt: now,
		}).Error
		if err != nil {
			t.Fatalf("插入审计: %v", err)
		}
	}

	usage, err := e.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if usage.FileSizeBytes != 4096 {
		t.Fatalf("文件大小 %d, want 4096", usage.FileSizeBytes)
	}
	if len(usage.TableRows) != len(localTables) {
		t.Fatalf("表统计数量 %d, want %d", len(usage.TableRows), len(localTables))
	}
	if usage.TableRows["security_audit"] != 3 {
		t.Fatalf("security_audit 行数 %d, want 3", usage.TableRows["security_audit"])
	}
	if usage.TableRows["auto_group_logs"] != 0 {
		t.Fatalf("auto_group_logs 行数 %d, want 0", usage.TableRows["auto_group_logs"])
	}
	if avail, ok := usage.CacheStats["redis_available"].(bool); !ok || avail {
		t.Fatalf("无 Redis 时 redis_available 应为 false: %v", usage.CacheStats)
	}
	if usage.Retention.SecurityAuditDays != 90 {
		t.Fatalf("应带默认保留期: %+v", usage.Retention)
	}
}

func TestStorageCleanup(t *testing.T) {
	db := newTestDB(t)
	e := newStorageEngine(t, db, "")
	ctx := context.Background()

	now := time.Now().Unix()
	old := now - 100*86400  // 超出所有保留期
	fresh := now - 86400    // 保留期内

	audits := []models.SecurityAudit{
		{Action: "ban", CreatedAt: old},
		{Action: "ban", CreatedAt: fresh},
	}
	for i := range audits {
		if err := db.Local.Create(&audits[i]).Error; err != nil {
			t.Fatalf("插入审计: %v", err)
		}
	}
	aiLogs := []models.AIAuditLog{
		{ScanID: "s1", CreatedAt: old},
		{ScanID: "s2", CreatedAt: fresh},
	}
	for i := range aiLogs {
		if err := db.Local.Create(&aiLogs[i]).Error; err != nil {
			t.Fatalf("插入扫描记录: %v", err)
		}
	}
	groupLogs := []models.AutoGroupLog{
		{UserID: 1, Action: models.AutoGroupActionAssign, CreatedAt: old},
		{UserID: 2, Action: models.AutoGroupActionAssign, CreatedAt: fresh},
	}
	for i := range groupLogs {
		if err := db.Local.Create(&groupLogs[i]).Error; err != nil {
			t.Fatalf("插入分组记录: %v", err)
		}
	}
	// 一条已过期的通用缓存
	err := db.Local.Exec(
		"INSERT INTO generic_cache (key, data, snapshot_time, expires_at) VALUES (?, ?, ?, ?)",
		"stale", []byte("{}"), now-600, now-300,
	).Error
	if err != nil {
		t.Fatalf("插入过期缓存: %v", err)
	}

	result, err := e.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if result.ExpiredCacheRemoved != 1 {
		t.Fatalf("过期缓存清理 %d, want 1", result.ExpiredCacheRemoved)
	}
	if result.SecurityAuditRemoved != 1 || result.AIAuditRemoved != 1 || result.AutoGroupRemoved != 1 {
		t.Fatalf("审计清理量异常: %+v", result)
	}

	// 保留期内的数据还在
	var count int64
	if err := db.Local.Model(&models.SecurityAudit{}).Count(&count).Error; err != nil {
		t.Fatalf("数审计: %v", err)
	}
	if count != 1 {
		t.Fatalf("剩余审计 %d, want 1", count)
	}
	if err := db.Local.Model(&models.AIAuditLog{}).Count(&count).Error; err != nil {
		t.Fatalf("数扫描记录: %v", err)
	}
	if count != 1 {
		t.Fatalf("剩余扫描记录 %d, want 1", count)
	}
}

func TestSecurityAuditsPaging(t *testing.T) {
	db := newTestDB(t)
	e := newStorageEngine(t, db, "")

	now := time.Now().Unix()
	rows := []models.SecurityAudit{
		{Action: "ban", Username: "a", CreatedAt: now - 30},
		{Action: "warn", Username: "b", CreatedAt: now - 20},
		{Action: "ban", Username: "c", CreatedAt: now - 10},
	}
	for i := range rows {
		if err := db.Local.Create(&rows[i]).Error; err != nil {
			t.Fatalf("插入审计: %v", err)
		}
	}

	entries, total, err := e.SecurityAudits(1, 2, "")
	if err != nil {
		t.Fatalf("SecurityAudits: %v", err)
	}
	if total != 3 || len(entries) != 2 {
		t.Fatalf("分页异常: total=%d len=%d", total, len(entries))
	}
	// id 倒序，最新的在前
	if entries[0].Username != "c" || entries[1].Username != "b" {
		t.Fatalf("排序异常: %+v", entries)
	}

	entries, total, err = e.SecurityAudits(0, -1, "ban")
	if err != nil {
		t.Fatalf("SecurityAudits 过滤: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("action 过滤异常: total=%d len=%d", total, len(entries))
	}
	for _, en := range entries {
		if en.Action != "ban" {
			t.Fatalf("过滤结果混入 %q", en.Action)
		}
	}
}
