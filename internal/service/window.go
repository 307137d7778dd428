package service

import (
	"fmt"
	"time"

	"github.com/ketches/gateway-sentinel/internal/cache"
)

// windowSeconds 支持的时间窗口
var windowSeconds = map[string]int64{
	"1h":  3600,
	"6h":  6 * 3600,
	"24h": 24 * 3600,
	"3d":  3 * 24 * 3600,
	"7d":  7 * 24 * 3600,
	"14d": 14 * 24 * 3600,
}

// ValidWindow 检查窗口名是否合法
func ValidWindow(window string) bool {
	_, ok := windowSeconds[window]
	return ok
}

// WindowRange 解析窗口名为 [start, end) 时间区间。
// 增量窗口对齐到槽边界，其余为 now 减窗口长度。
func WindowRange(window string, now int64) (int64, int64, error) {
	if _, ok := windowSeconds[window]; !ok {
		return 0, 0, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}
	return cache.WindowSince(window, now), now, nil
}

// WindowDuration 窗口长度（秒）
func WindowDuration(window string) int64 {
	return windowSeconds[window]
}

// clampEnd 查询终点不允许超过当前时刻
func clampEnd(end int64) int64 {
	if now := time.Now().Unix(); end > now || end <= 0 {
		return now
	}
	return end
}
