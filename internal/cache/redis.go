package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ketches/gateway-sentinel/internal/config"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("缓存未命中")

// Redis 主缓存后端。可选，不可用时 Tier 退化为本地镜像。
type Redis struct {
	client *redis.Client
}

// NewRedis 建立 Redis 连接。cfg.Redis.Enabled 为 false 时返回 (nil, nil)。
func NewRedis(cfg *config.Config) (*Redis, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}

	var opt *redis.Options
	if cfg.Redis.URL != "" {
		parsed, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("解析 Redis 连接字符串失败: %w", err)
		}
		opt = parsed
	} else {
		opt = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis 连接测试失败: %w", err)
	}

	logger.Info("Redis 连接成功",
		zap.String("addr", opt.Addr),
		zap.Int("db", opt.DB),
	)
	return &Redis{client: client}, nil
}

// NewRedisFromClient 从已有客户端构造，测试用
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close 关闭连接
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Ping 健康检查
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get 读取键，未命中返回 ErrCacheMiss
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	return data, nil
}

// Set 写入键
func (r *Redis) Set(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, blob, ttl).Err()
}

// Delete 删除键
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// DeletePattern 删除匹配模式的所有键。使用 SCAN 分批迭代，
// 不用 KEYS，避免大库下阻塞 Redis。返回实际删除数量。
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var totalDeleted int64
	var cursor uint64

	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return totalDeleted, fmt.Errorf("SCAN 获取键失败: %w", err)
		}
		if len(batch) > 0 {
			deleted, delErr := r.client.Del(ctx, batch...).Result()
			if delErr != nil {
				return totalDeleted, fmt.Errorf("删除键失败: %w", delErr)
			}
			totalDeleted += deleted
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return totalDeleted, nil
}

// FlushDB 清空当前库，返回清空前的键数量
func (r *Redis) FlushDB(ctx context.Context) (int64, error) {
	count, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return 0, err
	}
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return 0, err
	}
	return count, nil
}

// Info Redis 运行信息
type Info struct {
	KeyCount   int64   `json:"key_count"`
	MemoryUsed string  `json:"memory_used"`
	HitRate    float64 `json:"hit_rate"`
	Uptime     string  `json:"uptime"`
}

// Stats 采集 Redis 统计信息
func (r *Redis) Stats(ctx context.Context) (*Info, error) {
	info := &Info{MemoryUsed: "N/A"}

	if dbSize, err := r.client.DBSize(ctx).Result(); err == nil {
		info.KeyCount = dbSize
	}

	if memInfo, err := r.client.Info(ctx, "memory").Result(); err == nil {
		info.MemoryUsed = parseInfoValue(memInfo, "used_memory_human")
	}

	if statsInfo, err := r.client.Info(ctx, "stats").Result(); err == nil {
		hits := parseInfoInt(statsInfo, "keyspace_hits")
		misses := parseInfoInt(statsInfo, "keyspace_misses")
		if hits+misses > 0 {
			info.HitRate = float64(hits) / float64(hits+misses) * 100
		}
	}

	if serverInfo, err := r.client.Info(ctx, "server").Result(); err == nil {
		info.Uptime = formatUptime(parseInfoInt(serverInfo, "uptime_in_seconds"))
	}

	return info, nil
}

// parseInfoValue 解析 Redis INFO 输出中的值
func parseInfoValue(info, key string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, key+":") {
			return line[len(key)+1:]
		}
	}
	return "N/A"
}

// parseInfoInt 解析 Redis INFO 输出中的整数值
func parseInfoInt(info, key string) int64 {
	value := parseInfoValue(info, key)
	if value == "N/A" {
		return 0
	}
	n, _ := strconv.ParseInt(value, 10, 64)
	return n
}

// formatUptime 格式化运行时间
func formatUptime(seconds int64) string {
	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// Key 拼接缓存键
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
