package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/ketches/gateway-sentinel/internal/config"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB 数据库句柄容器：网关主库（只读为主）与侧车本地 SQLite。
type DB struct {
	Main  *gorm.DB
	Local *gorm.DB
	Type  config.DatabaseType
}

// Open 连接主库与本地库，并初始化本地表结构
func Open(cfg *config.Config) (*DB, error) {
	gormCfg := &gorm.Config{
		Logger: newGormLogger(),
	}

	var main *gorm.DB
	var err error
	switch cfg.Database.Type {
	case config.DatabasePostgres:
		main, err = gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	default:
		main, err = gorm.Open(mysql.Open(cfg.DSN()), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	sqlDB, err := main.DB()
	if err != nil {
		return nil, fmt.Errorf("获取主数据库连接池失败: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if dir := filepath.Dir(cfg.LocalDB.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建本地数据目录失败: %w", err)
		}
	}

	local, err := gorm.Open(sqlite.Open(cfg.LocalDB.Path), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("打开本地数据库失败: %w", err)
	}

	db := &DB{Main: main, Local: local, Type: cfg.Database.Type}
	if err := db.MigrateLocal(); err != nil {
		return nil, fmt.Errorf("初始化本地表结构失败: %w", err)
	}

	logger.Info("数据库连接成功",
		zap.String("engine", string(cfg.Database.Type)),
		zap.String("local", cfg.LocalDB.Path),
	)
	return db, nil
}

// Close 关闭两个连接池
func (d *DB) Close() {
	if d == nil {
		return
	}
	if d.Main != nil {
		if sqlDB, err := d.Main.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if d.Local != nil {
		if sqlDB, err := d.Local.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// HealthCheck 校验主库与本地库连通性
func (d *DB) HealthCheck(ctx context.Context) error {
	sqlDB, err := d.Main.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("主数据库不可用: %w", err)
	}
	localDB, err := d.Local.DB()
	if err != nil {
		return err
	}
	if err := localDB.PingContext(ctx); err != nil {
		return fmt.Errorf("本地数据库不可用: %w", err)
	}
	return nil
}

// Transaction 在主库上执行事务
func (d *DB) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.Main.WithContext(ctx).Transaction(fn)
}

// IsPostgres 主库是否为 PostgreSQL
func (d *DB) IsPostgres() bool {
	return d.Type == config.DatabasePostgres
}

// dialect 返回主库实际方言名。测试里主库是内存 SQLite，
// 方言相关 SQL 片段必须跟着实际驱动走而不是配置项。
func (d *DB) dialect() string {
	return d.Main.Dialector.Name()
}

// QuoteGroup 返回按方言引用的保留字段名 group
func (d *DB) QuoteGroup() string {
	if d.dialect() == "mysql" {
		return "`group`"
	}
	return `"group"`
}

// Concat 返回按方言拼接字符串的 SQL 片段
func (d *DB) Concat(parts ...string) string {
	if d.dialect() == "mysql" {
		return "CONCAT(" + strings.Join(parts, ", ") + ")"
	}
	return strings.Join(parts, " || ")
}

// BucketExpr 返回把 created_at 减去起点后按槽长分桶的 SQL 片段，
// 桶号 = floor((created_at - start) / slotSeconds)，占位符依次为 start、slotSeconds。
func (d *DB) BucketExpr() string {
	if d.dialect() == "mysql" {
		return "FLOOR((created_at - ?) / ?)"
	}
	// PG 与 SQLite 的整数除法本身向下取整
	return "((created_at - ?) / ?)"
}

// DateExpr 返回把 created_at 转成本地日期字符串 YYYY-MM-DD 的 SQL 片段。
// MySQL 与 PG 使用会话/服务端时区，部署时需与侧车进程时区一致。
func (d *DB) DateExpr() string {
	switch d.dialect() {
	case "mysql":
		return "DATE(FROM_UNIXTIME(created_at))"
	case "postgres":
		return "TO_CHAR(TO_TIMESTAMP(created_at), 'YYYY-MM-DD')"
	default:
		return "DATE(created_at, 'unixepoch', 'localtime')"
	}
}

// SettingBoolExpr 返回从 users.setting JSON 中取布尔开关的 SQL 片段。
// 取出的值统一用 IN ('true','1') 判真，三种方言下行为一致。
func (d *DB) SettingBoolExpr(key string) string {
	switch d.dialect() {
	case "mysql":
		return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(setting, '$.%s'))", key)
	case "postgres":
		return fmt.Sprintf("(setting::jsonb ->> '%s')", key)
	default:
		return fmt.Sprintf("json_extract(setting, '$.%s')", key)
	}
}

// IsTransient 判断查询错误是否为瞬时错误（可安全重试一次）
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"bad connection",
		"deadlock",
		"lock wait timeout",
		"try again",
		"i/o timeout",
	} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// gormLogWriter 把 gorm 日志转发到 zap
type gormLogWriter struct{}

func (gormLogWriter) Printf(format string, args ...interface{}) {
	logger.Sugar().Warnf(format, args...)
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(gormLogWriter{}, gormlogger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}
