package service

import (
	"errors"
	"testing"
	"time"
)

func TestConfigStoreRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := NewConfigStore(db.Local)

	type settings struct {
		Enabled bool   `json:"enabled"`
		Window  string `json:"window"`
	}

	var missing settings
	if err := store.Get("no_such_key", &missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("缺失键应返回 ErrNotFound, got %v", err)
	}

	want := settings{Enabled: true, Window: "24h"}
	if err := store.Set("scan_config", want, "扫描配置"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got settings
	if err := store.Get("scan_config", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}

	// 覆盖写
	want.Window = "7d"
	if err := store.Set("scan_config", want, "扫描配置"); err != nil {
		t.Fatalf("覆盖 Set: %v", err)
	}
	if err := store.Get("scan_config", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Window != "7d" {
		t.Fatalf("覆盖失败: %+v", got)
	}

	raw, err := store.GetRaw("scan_config")
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if raw != `{"enabled":true,"window":"7d"}` {
		t.Fatalf("GetRaw = %q", raw)
	}

	if err := store.Delete("scan_config"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Get("scan_config", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("删除后应 ErrNotFound, got %v", err)
	}
	// 删不存在的键静默成功
	if err := store.Delete("scan_config"); err != nil {
		t.Fatalf("重复 Delete: %v", err)
	}
}

func TestConfigStoreKV(t *testing.T) {
	db := newTestDB(t)
	store := NewConfigStore(db.Local)

	if err := store.SetKV("cooldown:2", []byte("1"), time.Hour); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	val, ok := store.GetKV("cooldown:2")
	if !ok || string(val) != "1" {
		t.Fatalf("GetKV = %q, %v", val, ok)
	}

	// ttl <= 0 永不过期
	if err := store.SetKV("forever", []byte("x"), 0); err != nil {
		t.Fatalf("SetKV forever: %v", err)
	}
	if _, ok := store.GetKV("forever"); !ok {
		t.Fatalf("永久键不应过期")
	}

	// 已过期键视为未命中
	if err := store.SetKV("expired", []byte("x"), -time.Hour); err != nil {
		t.Fatalf("SetKV expired: %v", err)
	}
	if err := db.Local.Exec("UPDATE cache SET expires_at = ? WHERE key = ?",
		time.Now().Unix()-10, "expired").Error; err != nil {
		t.Fatalf("改过期时间: %v", err)
	}
	if _, ok := store.GetKV("expired"); ok {
		t.Fatalf("过期键不应命中")
	}

	if err := store.DeleteKV("cooldown:2"); err != nil {
		t.Fatalf("DeleteKV: %v", err)
	}
	if _, ok := store.GetKV("cooldown:2"); ok {
		t.Fatalf("删除后不应命中")
	}
}

func TestConfigStoreDeleteKVPrefix(t *testing.T) {
	db := newTestDB(t)
	store := NewConfigStore(db.Local)

	for _, key := range []string{"aiban:cooldown:1", "aiban:cooldown:2", "aiban:models"} {
		if err := store.SetKV(key, []byte("1"), time.Hour); err != nil {
			t.Fatalf("SetKV(%s): %v", key, err)
		}
	}

	removed, err := store.DeleteKVPrefix("aiban:cooldown:")
	if err != nil {
		t.Fatalf("DeleteKVPrefix: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := store.GetKV("aiban:models"); !ok {
		t.Fatalf("前缀外的键不应被删")
	}
}
