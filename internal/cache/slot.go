package cache

import "time"

// 槽宽固定 1 小时并对齐到整点边界，
// 不同时刻的两次请求可以复用绝大部分历史槽。
const slotSeconds int64 = 3600

// 只有这三个长窗口走增量槽缓存，短窗口直接整窗计算。
var incrementalWindows = map[string]int64{
	"3d":  3 * 24 * 3600,
	"7d":  7 * 24 * 3600,
	"14d": 14 * 24 * 3600,
}

// IsIncrementalWindow 检查窗口是否走增量槽缓存
func IsIncrementalWindow(window string) bool {
	_, ok := incrementalWindows[window]
	return ok
}

// Slot 一个时间槽，区间为 [Start, End)。
// Final 为真表示槽已终结（End 不晚于计算时刻），数据不会再变。
type Slot struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
	Final bool  `json:"final"`
}

// CalcSlots 计算窗口的槽序列，从旧到新，最后一个是包含 now 的活动槽。
// 窗口不支持增量缓存时返回 (nil, false)。
// 有效覆盖区间为 [第一个槽的 Start, now)。
func CalcSlots(window string, now int64) ([]Slot, bool) {
	total, ok := incrementalWindows[window]
	if !ok {
		return nil, false
	}

	count := int(total / slotSeconds)
	currentStart := (now / slotSeconds) * slotSeconds

	slots := make([]Slot, count)
	for i := 0; i < count; i++ {
		start := currentStart - int64(count-1-i)*slotSeconds
		slots[i] = Slot{
			Start: start,
			End:   start + slotSeconds,
			Final: i < count-1,
		}
	}
	return slots, true
}

// SlotPlan 一次窗口查询的槽规划结果
type SlotPlan struct {
	Window  string `json:"window"`
	Slots   []Slot `json:"slots"`
	Live    Slot   `json:"live"`
	Cached  []Slot `json:"cached"`
	Missing []Slot `json:"missing"`
}

// Start 有效窗口起点
func (p *SlotPlan) Start() int64 {
	if len(p.Slots) == 0 {
		return 0
	}
	return p.Slots[0].Start
}

// WindowSince 返回窗口名对应的查询起点。
// 增量窗口对齐到第一个槽边界，短窗口为 now - 窗口长度。
func WindowSince(window string, now int64) int64 {
	if slots, ok := CalcSlots(window, now); ok {
		return slots[0].Start
	}
	switch window {
	case "1h":
		return now - 3600
	case "6h":
		return now - 6*3600
	case "24h":
		return now - 24*3600
	default:
		return now - 24*3600
	}
}

// slotRetention 镜像中槽数据的保留期。终结槽内容不变、不随变更失效，
// 但超出最大窗口后不会再被任何查询引用，按此界限清理。
const slotRetention = 15 * 24 * time.Hour

// SlotRetentionCutoff 清理界限之前的槽可以删除
func SlotRetentionCutoff(now int64) int64 {
	return now - int64(slotRetention.Seconds())
}
