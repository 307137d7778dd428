package cache

import "time"

// Scale 系统规模档位，决定通用缓存的 TTL 档位。
// 由后台任务根据用户数与日志量周期性重估。
type Scale string

const (
	ScaleTiny   Scale = "tiny"
	ScaleSmall  Scale = "small"
	ScaleMedium Scale = "medium"
	ScaleLarge  Scale = "large"
	ScaleXLarge Scale = "xlarge"
)

// ScaleFor 根据系统指标评估规模档位
func ScaleFor(totalUsers, logs24h, totalLogs int64) Scale {
	switch {
	case totalLogs >= 50_000_000 || logs24h >= 2_000_000:
		return ScaleXLarge
	case totalLogs >= 10_000_000 || logs24h >= 500_000:
		return ScaleLarge
	case totalLogs >= 1_000_000 || logs24h >= 100_000 || totalUsers >= 10_000:
		return ScaleMedium
	case totalLogs >= 100_000 || logs24h >= 10_000 || totalUsers >= 1_000:
		return ScaleSmall
	default:
		return ScaleTiny
	}
}

// 短窗口（1h/6h/24h）的通用缓存 TTL
var shortWindowTTL = map[Scale]time.Duration{
	ScaleTiny:   45 * time.Second,
	ScaleSmall:  45 * time.Second,
	ScaleMedium: 90 * time.Second,
	ScaleLarge:  150 * time.Second,
	ScaleXLarge: 240 * time.Second,
}

// 长窗口的通用缓存 TTL。长窗口以终结槽为主，变化缓慢，
// 通用层 TTL 可以放宽。
var longWindowTTL = map[string]map[Scale]time.Duration{
	"3d": {
		ScaleTiny:   5 * time.Minute,
		ScaleSmall:  5 * time.Minute,
		ScaleMedium: 10 * time.Minute,
		ScaleLarge:  30 * time.Minute,
		ScaleXLarge: 60 * time.Minute,
	},
	"7d": {
		ScaleTiny:   5 * time.Minute,
		ScaleSmall:  5 * time.Minute,
		ScaleMedium: 15 * time.Minute,
		ScaleLarge:  45 * time.Minute,
		ScaleXLarge: 90 * time.Minute,
	},
	"14d": {
		ScaleTiny:   10 * time.Minute,
		ScaleSmall:  10 * time.Minute,
		ScaleMedium: 20 * time.Minute,
		ScaleLarge:  60 * time.Minute,
		ScaleXLarge: 120 * time.Minute,
	},
}

// TTLFor 返回指定窗口在当前规模下的通用缓存 TTL。
// 未知窗口按最短档处理。
func TTLFor(window string, scale Scale) time.Duration {
	if byScale, ok := longWindowTTL[window]; ok {
		if ttl, ok := byScale[scale]; ok {
			return ttl
		}
		return byScale[ScaleSmall]
	}
	if ttl, ok := shortWindowTTL[scale]; ok {
		return ttl
	}
	return shortWindowTTL[ScaleSmall]
}
