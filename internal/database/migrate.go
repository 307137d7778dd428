package database

import "fmt"

// 本地表结构是对外契约：表名与列名会被外部运维工具直接读取，
// 因此使用固定的建表语句而不是 AutoMigrate。
var localTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value BLOB,
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS generic_cache (
		key TEXT PRIMARY KEY,
		data BLOB,
		snapshot_time INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS slot_cache (
		metric TEXT NOT NULL,
		window TEXT NOT NULL,
		slot_start INTEGER NOT NULL,
		slot_end INTEGER NOT NULL,
		data BLOB,
		created_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (metric, window, slot_start)
	)`,
	`CREATE TABLE IF NOT EXISTS security_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT DEFAULT '',
		operator TEXT DEFAULT '',
		reason TEXT DEFAULT '',
		context TEXT DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ai_audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scan_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		window TEXT NOT NULL DEFAULT '',
		candidate_count INTEGER NOT NULL DEFAULT 0,
		evaluated_count INTEGER NOT NULL DEFAULT 0,
		banned_count INTEGER NOT NULL DEFAULT 0,
		warned_count INTEGER NOT NULL DEFAULT 0,
		skipped_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		dry_run INTEGER NOT NULL DEFAULT 0,
		elapsed_seconds REAL NOT NULL DEFAULT 0,
		details TEXT DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS auto_group_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL DEFAULT 0,
		username TEXT DEFAULT '',
		old_group TEXT DEFAULT '',
		new_group TEXT DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		source TEXT DEFAULT '',
		operator TEXT DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_audit_created ON security_audit(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_security_audit_user ON security_audit(user_id, action)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_audit_created ON ai_audit_logs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_auto_group_logs_user ON auto_group_logs(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_generic_cache_expires ON generic_cache(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at)`,
}

// MigrateLocal 建立本地表结构，幂等
func (d *DB) MigrateLocal() error {
	for _, ddl := range localTableDDL {
		if err := d.Local.Exec(ddl).Error; err != nil {
			return fmt.Errorf("执行本地建表语句失败: %w", err)
		}
	}
	return nil
}
