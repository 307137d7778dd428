package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/config"
	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/models"
	"github.com/ketches/gateway-sentinel/pkg/geoip"
)

// openMemoryDB 打开内存 SQLite。连接池收紧到单连接，
// 否则 :memory: 在多连接下各连接各见一个空库。
func openMemoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	g, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开内存库: %v", err)
	}
	sqlDB, err := g.DB()
	if err != nil {
		t.Fatalf("获取连接池: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return g
}

// newTestDB 主库与本地库都用内存 SQLite。主库建出网关表结构，
// 方言相关 SQL 会自动走 sqlite 分支。
func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db := &database.DB{
		Main:  openMemoryDB(t),
		Local: openMemoryDB(t),
		Type:  config.DatabaseMySQL,
	}
	if err := db.Main.AutoMigrate(
		&models.User{},
		&models.Token{},
		&models.Log{},
		&models.Channel{},
		&models.Ability{},
		&models.Redemption{},
	); err != nil {
		t.Fatalf("建主库表: %v", err)
	}
	if err := db.MigrateLocal(); err != nil {
		t.Fatalf("建本地表: %v", err)
	}
	return db
}

func newTier(t *testing.T, db *database.DB) *cache.Tier {
	t.Helper()
	return cache.NewTier(nil, db.Local)
}

func seedUser(t *testing.T, db *database.DB, u models.User) models.User {
	t.Helper()
	if u.Status == 0 {
		u.Status = models.UserStatusEnabled
	}
	if u.Role == 0 {
		u.Role = models.RoleCommon
	}
	if u.Username == "" {
		u.Username = fmt.Sprintf("user%d", u.ID)
	}
	if err := db.Main.Create(&u).Error; err != nil {
		t.Fatalf("插入用户 %d: %v", u.ID, err)
	}
	return u
}

func seedToken(t *testing.T, db *database.DB, tok models.Token) models.Token {
	t.Helper()
	if tok.Status == 0 {
		tok.Status = models.TokenStatusEnabled
	}
	if err := db.Main.Create(&tok).Error; err != nil {
		t.Fatalf("插入令牌 %d: %v", tok.ID, err)
	}
	return tok
}

func seedLog(t *testing.T, db *database.DB, l models.Log) {
	t.Helper()
	if l.Type == 0 {
		l.Type = models.LogTypeConsume
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().Unix()
	}
	if err := db.Main.Create(&l).Error; err != nil {
		t.Fatalf("插入日志: %v", err)
	}
}

// stubGeo 定位信息可控的地理解析器。未登记的 IP 查不到位置。
type stubGeo map[string]*geoip.Info

func (g stubGeo) Lookup(ip string) *geoip.Info {
	if info, ok := g[ip]; ok {
		return info
	}
	return &geoip.Info{IP: ip}
}

// located 构造一个可定位的地理信息，位置键由 asn 与 city 决定
func located(ip string, asn uint, city string) *geoip.Info {
	return &geoip.Info{IP: ip, IsValid: true, ASN: asn, City: city, CountryCode: "CN"}
}
