package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ketches/gateway-sentinel/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// 单飞计算的默认截止时间，与公共操作的默认 deadline 一致
const computeTimeout = 30 * time.Second

// 进程内层的 TTL 上限。正确性由下层与失效事件保证，
// 进程内层只吸收突发读，绝不比下层活得久。
const memoryTTLCap = 20 * time.Second

// Tier 三层读穿缓存。
//
//	L0 进程内（仅通用命名空间）
//	L1 Redis 主缓存（可选）
//	L2 SQLite 镜像（必选，终结槽的持久层）
//
// 写入顺序镜像优先，读取顺序自上而下，镜像命中时回填主缓存。
type Tier struct {
	redis  *Redis
	local  *gorm.DB
	memory *memoryCache
	group  singleflight.Group
	scale  atomic.Value
}

// NewTier 构造缓存层。redis 传 nil 时退化为本地两层。
func NewTier(redis *Redis, local *gorm.DB) *Tier {
	t := &Tier{
		redis:  redis,
		local:  local,
		memory: newMemoryCache(),
	}
	t.scale.Store(ScaleTiny)
	return t
}

// RedisEnabled 主缓存是否可用
func (t *Tier) RedisEnabled() bool {
	return t.redis != nil
}

// Scale 当前规模档位
func (t *Tier) Scale() Scale {
	return t.scale.Load().(Scale)
}

// SetScale 更新规模档位
func (t *Tier) SetScale(s Scale) {
	t.scale.Store(s)
}

// TTL 返回窗口在当前规模下的通用缓存 TTL
func (t *Tier) TTL(window string) time.Duration {
	return TTLFor(window, t.Scale())
}

// Get 读取通用缓存，未命中返回 ErrCacheMiss
func (t *Tier) Get(ctx context.Context, key string, dest interface{}) error {
	if blob, ok := t.memory.get(key); ok {
		return json.Unmarshal(blob, dest)
	}

	if t.redis != nil {
		blob, err := t.redis.Get(ctx, key)
		if err == nil {
			return json.Unmarshal(blob, dest)
		}
		if !errors.Is(err, ErrCacheMiss) {
			logger.Debug("Redis 读取失败，回退镜像", zap.String("key", key), zap.Error(err))
		}
	}

	blob, expiresAt, err := t.mirrorGet(key)
	if err != nil {
		return err
	}

	// 镜像命中，按剩余有效期回填主缓存
	if t.redis != nil {
		if remaining := time.Until(time.Unix(expiresAt, 0)); remaining > time.Second {
			if err := t.redis.Set(ctx, key, blob, remaining); err != nil {
				logger.Debug("回填 Redis 失败", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return json.Unmarshal(blob, dest)
}

// Set 写入通用缓存
func (t *Tier) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存数据失败: %w", err)
	}
	return t.setBlob(ctx, key, blob, ttl)
}

func (t *Tier) setBlob(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	now := time.Now().Unix()
	err := t.local.Exec(`
		INSERT INTO generic_cache (key, data, snapshot_time, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			data = excluded.data,
			snapshot_time = excluded.snapshot_time,
			expires_at = excluded.expires_at
	`, key, blob, now, now+int64(ttl.Seconds())).Error
	if err != nil {
		logger.Warn("写入镜像缓存失败", zap.String("key", key), zap.Error(err))
	}

	if t.redis != nil {
		if err := t.redis.Set(ctx, key, blob, ttl); err != nil {
			logger.Debug("写入 Redis 失败", zap.String("key", key), zap.Error(err))
		}
	}

	memTTL := ttl
	if memTTL > memoryTTLCap {
		memTTL = memoryTTLCap
	}
	t.memory.set(key, blob, memTTL)
	return nil
}

// Delete 删除通用缓存键
func (t *Tier) Delete(ctx context.Context, key string) error {
	t.memory.delete(key)
	if t.redis != nil {
		if err := t.redis.Delete(ctx, key); err != nil {
			logger.Debug("Redis 删除失败", zap.String("key", key), zap.Error(err))
		}
	}
	return t.local.Exec("DELETE FROM generic_cache WHERE key = ?", key).Error
}

// ClearPrefix 按前缀清除所有层的通用缓存，返回清除数量
func (t *Tier) ClearPrefix(ctx context.Context, prefixes ...string) (int64, error) {
	var total int64
	var firstErr error

	for _, prefix := range prefixes {
		total += t.memory.clearPrefix(prefix)

		if t.redis != nil {
			deleted, err := t.redis.DeletePattern(ctx, prefix+"*")
			if err != nil && firstErr == nil {
				firstErr = err
			}
			total += deleted
		}

		result := t.local.Exec(
			`DELETE FROM generic_cache WHERE key LIKE ? ESCAPE '\'`,
			escapeLike(prefix)+"%",
		)
		if result.Error != nil && firstErr == nil {
			firstErr = result.Error
		}
		total += result.RowsAffected
	}
	return total, firstErr
}

// GetOrCompute 读穿通用缓存。同一键的并发未命中合并为一次计算，
// 所有等待者拿到同一份结果。等待者超时会释放单飞槽并返回 ctx 错误，
// 计算本身带独立的 30 秒截止时间，不随单个等待者取消。
func (t *Tier) GetOrCompute(ctx context.Context, key string, ttl time.Duration, dest interface{}, compute func(ctx context.Context) (interface{}, error)) error {
	if err := t.Get(ctx, key, dest); err == nil {
		return nil
	}

	ch := t.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()

		var raw json.RawMessage
		if err := t.Get(fctx, key, &raw); err == nil {
			return []byte(raw), nil
		}

		value, err := compute(fctx)
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := t.setBlob(fctx, key, blob, ttl); err != nil {
			logger.Warn("写入缓存失败", zap.String("key", key), zap.Error(err))
		}
		return blob, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	case <-ctx.Done():
		t.group.Forget(key)
		return ctx.Err()
	}
}

// mirrorGet 从 SQLite 镜像读取未过期的通用缓存
func (t *Tier) mirrorGet(key string) ([]byte, int64, error) {
	var blob []byte
	var expiresAt int64

	err := t.local.Raw(`
		SELECT data, expires_at FROM generic_cache
		WHERE key = ? AND expires_at > ?
	`, key, time.Now().Unix()).Row().Scan(&blob, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrCacheMiss
		}
		return nil, 0, err
	}
	return blob, expiresAt, nil
}

func slotKey(metric, window string, slotStart int64) string {
	return fmt.Sprintf("slot:%s:%s:%d", metric, window, slotStart)
}

// GetSlot 读取终结槽数据
func (t *Tier) GetSlot(ctx context.Context, metric, window string, slotStart int64, dest interface{}) error {
	if t.redis != nil {
		if blob, err := t.redis.Get(ctx, slotKey(metric, window, slotStart)); err == nil {
			return json.Unmarshal(blob, dest)
		}
	}

	var blob []byte
	err := t.local.Raw(`
		SELECT data FROM slot_cache
		WHERE metric = ? AND window = ? AND slot_start = ?
	`, metric, window, slotStart).Row().Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCacheMiss
		}
		return err
	}

	if t.redis != nil {
		if err := t.redis.Set(ctx, slotKey(metric, window, slotStart), blob, slotRetention); err != nil {
			logger.Debug("回填槽缓存失败", zap.String("metric", metric), zap.Error(err))
		}
	}
	return json.Unmarshal(blob, dest)
}

// SetSlot 写入终结槽数据。活动槽（End 晚于当前时刻）拒绝持久化，
// 其数据只作为聚合结果的一部分进通用缓存。
func (t *Tier) SetSlot(ctx context.Context, metric, window string, slot Slot, value interface{}) error {
	if slot.End > time.Now().Unix() {
		return fmt.Errorf("槽 [%d, %d) 尚未终结，拒绝持久化", slot.Start, slot.End)
	}

	blob, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化槽数据失败: %w", err)
	}

	err = t.local.Exec(`
		INSERT INTO slot_cache (metric, window, slot_start, slot_end, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(metric, window, slot_start) DO UPDATE SET
			slot_end = excluded.slot_end,
			data = excluded.data,
			created_at = excluded.created_at
	`, metric, window, slot.Start, slot.End, blob, time.Now().Unix()).Error
	if err != nil {
		return err
	}

	if t.redis != nil {
		if err := t.redis.Set(ctx, slotKey(metric, window, slot.Start), blob, slotRetention); err != nil {
			logger.Debug("写入 Redis 槽缓存失败", zap.String("metric", metric), zap.Error(err))
		}
	}
	return nil
}

// PlanSlots 规划窗口的槽覆盖情况：终结槽里哪些已缓存、哪些缺失，
// 以及当前的活动槽。镜像是写入的必经层，槽的存在性以镜像为准。
func (t *Tier) PlanSlots(ctx context.Context, metric, window string, now int64) (*SlotPlan, bool) {
	slots, ok := CalcSlots(window, now)
	if !ok {
		return nil, false
	}

	plan := &SlotPlan{Window: window, Slots: slots, Live: slots[len(slots)-1]}

	present := t.cachedSlotStarts(metric, window, slots[0].Start, plan.Live.Start)
	for _, slot := range slots[:len(slots)-1] {
		if present[slot.Start] {
			plan.Cached = append(plan.Cached, slot)
		} else {
			plan.Missing = append(plan.Missing, slot)
		}
	}
	return plan, true
}

func (t *Tier) cachedSlotStarts(metric, window string, from, until int64) map[int64]bool {
	var starts []int64
	err := t.local.Raw(`
		SELECT slot_start FROM slot_cache
		WHERE metric = ? AND window = ? AND slot_start >= ? AND slot_start < ?
	`, metric, window, from, until).Scan(&starts).Error
	if err != nil {
		logger.Warn("查询槽覆盖失败", zap.String("metric", metric), zap.Error(err))
		return nil
	}

	present := make(map[int64]bool, len(starts))
	for _, s := range starts {
		present[s] = true
	}
	return present
}

// CleanupExpired 清理过期的镜像缓存与超出保留期的槽
func (t *Tier) CleanupExpired(ctx context.Context) (int64, error) {
	now := time.Now().Unix()
	var total int64

	result := t.local.Exec("DELETE FROM generic_cache WHERE expires_at < ?", now)
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected

	result = t.local.Exec("DELETE FROM cache WHERE expires_at > 0 AND expires_at < ?", now)
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected

	result = t.local.Exec("DELETE FROM slot_cache WHERE slot_end < ?", SlotRetentionCutoff(now))
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected

	if total > 0 {
		logger.Info("清理过期缓存", zap.Int64("count", total))
	}
	return total, nil
}

// RestoreToRedis 启动时把镜像中未过期的缓存回灌主缓存，
// 让冷启动直接获得热数据。Redis 不可用时为空操作。
func (t *Tier) RestoreToRedis(ctx context.Context) (int, error) {
	if t.redis == nil {
		return 0, nil
	}

	now := time.Now().Unix()
	restored := 0

	var genericRows []struct {
		Key       string
		Data      []byte
		ExpiresAt int64
	}
	if err := t.local.Raw(
		"SELECT key, data, expires_at FROM generic_cache WHERE expires_at > ?", now,
	).Scan(&genericRows).Error; err != nil {
		return 0, err
	}
	for _, row := range genericRows {
		ttl := time.Duration(row.ExpiresAt-now) * time.Second
		if ttl <= 0 {
			continue
		}
		if t.redis.Set(ctx, row.Key, row.Data, ttl) == nil {
			restored++
		}
	}

	var slotRows []struct {
		Metric    string
		Window    string
		SlotStart int64
		Data      []byte
	}
	if err := t.local.Raw(
		"SELECT metric, window, slot_start, data FROM slot_cache WHERE slot_end >= ?",
		SlotRetentionCutoff(now),
	).Scan(&slotRows).Error; err != nil {
		return restored, err
	}
	for _, row := range slotRows {
		if t.redis.Set(ctx, slotKey(row.Metric, row.Window, row.SlotStart), row.Data, slotRetention) == nil {
			restored++
		}
	}

	logger.Info("镜像缓存回灌 Redis 完成", zap.Int("count", restored))
	return restored, nil
}

// FlushAll 清空所有缓存层，返回清除的键数量
func (t *Tier) FlushAll(ctx context.Context) (int64, error) {
	var total int64

	total += int64(t.memory.len())
	t.memory.clearPrefix("")

	if t.redis != nil {
		flushed, err := t.redis.FlushDB(ctx)
		if err != nil {
			return total, err
		}
		total += flushed
	}

	result := t.local.Exec("DELETE FROM generic_cache")
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected

	result = t.local.Exec("DELETE FROM slot_cache")
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected

	return total, nil
}

// Stats 缓存层统计
func (t *Tier) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"redis_available": t.redis != nil,
		"memory_entries":  t.memory.len(),
		"scale":           string(t.Scale()),
	}

	if t.redis != nil {
		if info, err := t.redis.Stats(ctx); err == nil {
			stats["redis_keys"] = info.KeyCount
			stats["redis_memory"] = info.MemoryUsed
			stats["redis_hit_rate"] = info.HitRate
			stats["redis_uptime"] = info.Uptime
		}
	}

	now := time.Now().Unix()
	var genericCount, slotCount, kvCount int64
	t.local.Raw("SELECT COUNT(*) FROM generic_cache WHERE expires_at > ?", now).Scan(&genericCount)
	t.local.Raw("SELECT COUNT(*) FROM slot_cache").Scan(&slotCount)
	t.local.Raw("SELECT COUNT(*) FROM cache WHERE expires_at = 0 OR expires_at > ?", now).Scan(&kvCount)

	stats["sqlite_generic"] = genericCount
	stats["sqlite_slot"] = slotCount
	stats["sqlite_kv"] = kvCount
	return stats
}

// escapeLike 转义 LIKE 模式中的通配符
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
