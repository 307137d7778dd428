package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ketches/gateway-sentinel/internal/models"
)

// ConfigStore 封装本地库的 config 表与 cache 表。
// config 表存放用户可编辑的 JSON 配置（AI 封禁、自动分组、白名单等），
// cache 表存放需要跨重启保留的小对象（冷却标记、模型列表缓存）。
type ConfigStore struct {
	local *gorm.DB
}

func NewConfigStore(local *gorm.DB) *ConfigStore {
	return &ConfigStore{local: local}
}

// Get 读取配置并反序列化到 dest，键不存在时返回 ErrNotFound
func (s *ConfigStore) Get(key string, dest interface{}) error {
	var entry models.ConfigEntry
	err := s.local.Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: 配置 %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("读取配置 %s 失败: %w", key, err)
	}
	if err := json.Unmarshal([]byte(entry.Value), dest); err != nil {
		return fmt.Errorf("解析配置 %s 失败: %w", key, err)
	}
	return nil
}

// GetRaw 读取配置原始 JSON 文本，键不存在时返回 ErrNotFound
func (s *ConfigStore) GetRaw(key string) (string, error) {
	var entry models.ConfigEntry
	err := s.local.Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: 配置 %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("读取配置 %s 失败: %w", key, err)
	}
	return entry.Value, nil
}

// Set 序列化 value 并写入配置，存在则覆盖
func (s *ConfigStore) Set(key string, value interface{}, description string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化配置 %s 失败: %w", key, err)
	}
	entry := models.ConfigEntry{
		Key:         key,
		Value:       string(data),
		Description: description,
		UpdatedAt:   time.Now().Unix(),
	}
	err = s.local.Exec(
		`INSERT INTO config (key, value, description, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, description = excluded.description, updated_at = excluded.updated_at`,
		entry.Key, entry.Value, entry.Description, entry.UpdatedAt,
	).Error
	if err != nil {
		return fmt.Errorf("保存配置 %s 失败: %w", key, err)
	}
	return nil
}

// Delete 删除配置项，键不存在时静默成功
func (s *ConfigStore) Delete(key string) error {
	if err := s.local.Where("key = ?", key).Delete(&models.ConfigEntry{}).Error; err != nil {
		return fmt.Errorf("删除配置 %s 失败: %w", key, err)
	}
	return nil
}

// SetKV 写入本地键值项。ttl <= 0 表示永不过期。
func (s *ConfigStore) SetKV(key string, value []byte, ttl time.Duration) error {
	now := time.Now().Unix()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now + int64(ttl.Seconds())
	}
	err := s.local.Exec(
		`INSERT INTO cache (key, value, expires_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, created_at = excluded.created_at`,
		key, value, expiresAt, now,
	).Error
	if err != nil {
		return fmt.Errorf("写入缓存键 %s 失败: %w", key, err)
	}
	return nil
}

// GetKV 读取本地键值项，未命中或已过期时第二个返回值为 false
func (s *ConfigStore) GetKV(key string) ([]byte, bool) {
	var entry models.KVEntry
	err := s.local.Where("key = ?", key).First(&entry).Error
	if err != nil {
		return nil, false
	}
	if entry.ExpiresAt > 0 && entry.ExpiresAt <= time.Now().Unix() {
		return nil, false
	}
	return entry.Value, true
}

// DeleteKV 删除本地键值项
func (s *ConfigStore) DeleteKV(key string) error {
	return s.local.Where("key = ?", key).Delete(&models.KVEntry{}).Error
}

// DeleteKVPrefix 按前缀删除本地键值项，返回删除行数
func (s *ConfigStore) DeleteKVPrefix(prefix string) (int64, error) {
	res := s.local.Where("key LIKE ? ESCAPE '\\'", escapeLikePrefix(prefix)+"%").Delete(&models.KVEntry{})
	return res.RowsAffected, res.Error
}

func escapeLikePrefix(prefix string) string {
	out := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, prefix[i])
	}
	return string(out)
}
