package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/logger"
)

// 每槽为排行维度保留的条目数。终局 Top-K 限制在 50 以内时，
// 100 条过采样足以让合并结果与整窗直查一致。
const slotTopN = 100

// MaxTopLimit 排行类接口 limit 上限
const MaxTopLimit = 50

// DashboardEngine 总览与用量统计。长窗口走槽位增量缓存，
// 短窗口整窗聚合后进通用缓存。
type DashboardEngine struct {
	store *LogStore
	tier  *cache.Tier
}

func NewDashboardEngine(store *LogStore, tier *cache.Tier) *DashboardEngine {
	return &DashboardEngine{store: store, tier: tier}
}

// OverviewData 系统总览计数
type OverviewData struct {
	TotalUsers        int64  `json:"total_users"`
	ActiveUsers       int64  `json:"active_users"`
	TotalTokens       int64  `json:"total_tokens"`
	ActiveTokens      int64  `json:"active_tokens"`
	TotalChannels     int64  `json:"total_channels"`
	ActiveChannels    int64  `json:"active_channels"`
	TotalModels       int64  `json:"total_models"`
	TotalRedemptions  int64  `json:"total_redemptions"`
	UnusedRedemptions int64  `json:"unused_redemptions"`
	Period            string `json:"period"`
}

// GetOverview 系统总览。noCache 为真时绕过缓存强制重算。
func (e *DashboardEngine) GetOverview(ctx context.Context, period string, noCache bool) (*OverviewData, error) {
	start, end, err := WindowRange(period, time.Now().Unix())
	if err != nil {
		return nil, err
	}

	key := cache.Key("dashboard", "overview", period)
	if noCache {
		_ = e.tier.Delete(ctx, key)
	}

	var data OverviewData
	err = e.tier.GetOrCompute(ctx, key, e.tier.TTL(period), &data, func(ctx context.Context) (interface{}, error) {
		return e.computeOverview(ctx, period, start, end)
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

func (e *DashboardEngine) computeOverview(ctx context.Context, period string, start, end int64) (*OverviewData, error) {
	data := &OverviewData{Period: period}

	err := retryTransient(ctx, func() error {
		var err error
		if data.TotalUsers, err = e.store.CountUsers(ctx); err != nil {
			return err
		}
		if data.ActiveUsers, err = e.store.CountActiveUsers(ctx, start, end); err != nil {
			return err
		}
		if data.TotalTokens, err = e.store.CountTokens(ctx); err != nil {
			return err
		}
		if data.ActiveTokens, err = e.store.CountActiveTokens(ctx, start, end); err != nil {
			return err
		}
		channels, err := e.store.ChannelCounts(ctx)
		if err != nil {
			return err
		}
		data.TotalChannels = channels.Total
		data.ActiveChannels = channels.Active
		if data.TotalModels, err = e.store.CountEnabledModels(ctx); err != nil {
			return err
		}
		redemptions, err := e.store.RedemptionCounts(ctx)
		if err != nil {
			return err
		}
		data.TotalRedemptions = redemptions.Total
		data.UnusedRedemptions = redemptions.Unused
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// UsageData 窗口用量统计
type UsageData struct {
	TotalRequests         int64   `json:"total_requests"`
	TotalQuotaUsed        int64   `json:"total_quota_used"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	AverageResponseTime   float64 `json:"average_response_time"`
	Period                string  `json:"period"`
}

// GetUsage 窗口用量统计，3d/7d/14d 走槽位增量
func (e *DashboardEngine) GetUsage(ctx context.Context, period string) (*UsageData, error) {
	if !ValidWindow(period) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, period)
	}

	var data UsageData
	key := cache.Key("dashboard", "usage", period)
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(period), &data, func(ctx context.Context) (interface{}, error) {
		stats, err := e.usageForWindow(ctx, period, time.Now().Unix())
		if err != nil {
			return nil, err
		}
		return &UsageData{
			TotalRequests:         stats.TotalRequests,
			TotalQuotaUsed:        stats.QuotaUsed,
			TotalPromptTokens:     stats.PromptTokens,
			TotalCompletionTokens: stats.CompletionTokens,
			AverageResponseTime:   stats.AvgUseTime(),
			Period:                period,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// usageForWindow 整窗或增量地聚合用量
func (e *DashboardEngine) usageForWindow(ctx context.Context, period string, now int64) (*UsageStatsRow, error) {
	plan, incremental := e.tier.PlanSlots(ctx, "usage", period, now)
	if !incremental {
		start, end, err := WindowRange(period, now)
		if err != nil {
			return nil, err
		}
		return e.computeUsageSlot(ctx, start, end)
	}

	total := &UsageStatsRow{}

	// 已终结且已缓存的槽直接取值
	for _, slot := range plan.Cached {
		var slotStats UsageStatsRow
		if err := e.tier.GetSlot(ctx, "usage", period, slot.Start, &slotStats); err != nil {
			// 规划与读取之间缓存被清理，按缺失槽补算
			plan.Missing = append(plan.Missing, slot)
			continue
		}
		total.Merge(&slotStats)
	}

	// 缺失的终结槽逐个补算并持久化
	for _, slot := range plan.Missing {
		slotStats, err := e.computeUsageSlot(ctx, slot.Start, slot.End)
		if err != nil {
			return nil, err
		}
		if err := e.tier.SetSlot(ctx, "usage", period, slot, slotStats); err != nil {
			logger.Warn("持久化用量槽失败",
				zap.String("period", period),
				zap.Int64("slot_start", slot.Start),
				zap.Error(err))
		}
		total.Merge(slotStats)
	}

	// 活动槽只计算不落盘
	liveStats, err := e.computeUsageSlot(ctx, plan.Live.Start, now)
	if err != nil {
		return nil, err
	}
	total.Merge(liveStats)
	return total, nil
}

func (e *DashboardEngine) computeUsageSlot(ctx context.Context, start, end int64) (*UsageStatsRow, error) {
	var stats *UsageStatsRow
	err := retryTransient(ctx, func() error {
		var qerr error
		stats, qerr = e.store.UsageStats(ctx, start, end)
		return qerr
	})
	return stats, err
}

// GetModelUsage 模型用量 Top-K，请求数降序，平手按配额再按名称
func (e *DashboardEngine) GetModelUsage(ctx context.Context, period string, limit int) ([]ModelUsageRow, error) {
	if !ValidWindow(period) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, period)
	}
	if limit < 1 || limit > MaxTopLimit {
		return nil, fmt.Errorf("%w: limit 需在 1..%d 之间", ErrInvalidParams, MaxTopLimit)
	}

	var rows []ModelUsageRow
	key := cache.Key("dashboard", "models", period, fmt.Sprintf("%d", limit))
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(period), &rows, func(ctx context.Context) (interface{}, error) {
		return e.modelUsageForWindow(ctx, period, time.Now().Unix(), limit)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *DashboardEngine) modelUsageForWindow(ctx context.Context, period string, now int64, limit int) ([]ModelUsageRow, error) {
	plan, incremental := e.tier.PlanSlots(ctx, "model_usage", period, now)
	if !incremental {
		start, end, err := WindowRange(period, now)
		if err != nil {
			return nil, err
		}
		var rows []ModelUsageRow
		err = retryTransient(ctx, func() error {
			var qerr error
			rows, qerr = e.store.ModelUsage(ctx, start, end, limit)
			return qerr
		})
		if rows == nil {
			rows = []ModelUsageRow{}
		}
		return rows, err
	}

	merged := map[string]*ModelUsageRow{}
	mergeRows := func(rows []ModelUsageRow) {
		for i := range rows {
			r := rows[i]
			if cur, ok := merged[r.ModelName]; ok {
				cur.RequestCount += r.RequestCount
				cur.QuotaUsed += r.QuotaUsed
				cur.PromptTokens += r.PromptTokens
				cur.CompletionTokens += r.CompletionTokens
			} else {
				merged[r.ModelName] = &r
			}
		}
	}

	for _, slot := range plan.Cached {
		var rows []ModelUsageRow
		if err := e.tier.GetSlot(ctx, "model_usage", period, slot.Start, &rows); err != nil {
			plan.Missing = append(plan.Missing, slot)
			continue
		}
		mergeRows(rows)
	}

	for _, slot := range plan.Missing {
		rows, err := e.computeModelSlot(ctx, slot.Start, slot.End)
		if err != nil {
			return nil, err
		}
		if err := e.tier.SetSlot(ctx, "model_usage", period, slot, rows); err != nil {
			logger.Warn("持久化模型用量槽失败",
				zap.String("period", period),
				zap.Int64("slot_start", slot.Start),
				zap.Error(err))
		}
		mergeRows(rows)
	}

	liveRows, err := e.computeModelSlot(ctx, plan.Live.Start, now)
	if err != nil {
		return nil, err
	}
	mergeRows(liveRows)

	out := make([]ModelUsageRow, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount > out[j].RequestCount
		}
		if out[i].QuotaUsed != out[j].QuotaUsed {
			return out[i].QuotaUsed > out[j].QuotaUsed
		}
		return out[i].ModelName < out[j].ModelName
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *DashboardEngine) computeModelSlot(ctx context.Context, start, end int64) ([]ModelUsageRow, error) {
	var rows []ModelUsageRow
	err := retryTransient(ctx, func() error {
		var qerr error
		rows, qerr = e.store.ModelUsage(ctx, start, end, slotTopN)
		return qerr
	})
	return rows, err
}

// GetTopUsers 用户配额消耗 Top-K，平手按请求数再按用户 id
func (e *DashboardEngine) GetTopUsers(ctx context.Context, period string, limit int) ([]TopUserRow, error) {
	if !ValidWindow(period) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, period)
	}
	if limit < 1 || limit > MaxTopLimit {
		return nil, fmt.Errorf("%w: limit 需在 1..%d 之间", ErrInvalidParams, MaxTopLimit)
	}

	var rows []TopUserRow
	key := cache.Key("dashboard", "top_users", period, fmt.Sprintf("%d", limit))
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(period), &rows, func(ctx context.Context) (interface{}, error) {
		return e.topUsersForWindow(ctx, period, time.Now().Unix(), limit)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *DashboardEngine) topUsersForWindow(ctx context.Context, period string, now int64, limit int) ([]TopUserRow, error) {
	plan, incremental := e.tier.PlanSlots(ctx, "top_users", period, now)
	if !incremental {
		start, end, err := WindowRange(period, now)
		if err != nil {
			return nil, err
		}
		var rows []TopUserRow
		err = retryTransient(ctx, func() error {
			var qerr error
			rows, qerr = e.store.TopUsers(ctx, start, end, limit)
			return qerr
		})
		if rows == nil {
			rows = []TopUserRow{}
		}
		return rows, err
	}

	merged := map[int]*TopUserRow{}
	mergeRows := func(rows []TopUserRow) {
		for i := range rows {
			r := rows[i]
			if cur, ok := merged[r.UserID]; ok {
				cur.RequestCount += r.RequestCount
				cur.QuotaUsed += r.QuotaUsed
				if r.Username != "" {
					cur.Username = r.Username
				}
			} else {
				merged[r.UserID] = &r
			}
		}
	}

	for _, slot := range plan.Cached {
		var rows []TopUserRow
		if err := e.tier.GetSlot(ctx, "top_users", period, slot.Start, &rows); err != nil {
			plan.Missing = append(plan.Missing, slot)
			continue
		}
		mergeRows(rows)
	}

	for _, slot := range plan.Missing {
		rows, err := e.computeTopUsersSlot(ctx, slot.Start, slot.End)
		if err != nil {
			return nil, err
		}
		if err := e.tier.SetSlot(ctx, "top_users", period, slot, rows); err != nil {
			logger.Warn("持久化用户用量槽失败",
				zap.String("period", period),
				zap.Int64("slot_start", slot.Start),
				zap.Error(err))
		}
		mergeRows(rows)
	}

	liveRows, err := e.computeTopUsersSlot(ctx, plan.Live.Start, now)
	if err != nil {
		return nil, err
	}
	mergeRows(liveRows)

	out := make([]TopUserRow, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuotaUsed != out[j].QuotaUsed {
			return out[i].QuotaUsed > out[j].QuotaUsed
		}
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount > out[j].RequestCount
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *DashboardEngine) computeTopUsersSlot(ctx context.Context, start, end int64) ([]TopUserRow, error) {
	var rows []TopUserRow
	err := retryTransient(ctx, func() error {
		var qerr error
		rows, qerr = e.store.TopUsers(ctx, start, end, slotTopN)
		return qerr
	})
	return rows, err
}

// GetDailyTrends 最近 days 天的日趋势，本地日历日，缺失天补零
func (e *DashboardEngine) GetDailyTrends(ctx context.Context, days int) ([]DailyTrendRow, error) {
	if days < 1 || days > 30 {
		return nil, fmt.Errorf("%w: days 需在 1..30 之间", ErrInvalidParams)
	}

	var rows []DailyTrendRow
	key := cache.Key("dashboard", "trends", "daily", fmt.Sprintf("%d", days))
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL("24h"), &rows, func(ctx context.Context) (interface{}, error) {
		now := time.Now()
		// 起点为 days-1 天前的本地零点，连同今天共 days 天
		first := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
			AddDate(0, 0, -(days - 1))

		var dbRows []DailyTrendRow
		err := retryTransient(ctx, func() error {
			var qerr error
			dbRows, qerr = e.store.DailyTrends(ctx, first.Unix())
			return qerr
		})
		if err != nil {
			return nil, err
		}

		byDate := make(map[string]DailyTrendRow, len(dbRows))
		for _, r := range dbRows {
			byDate[r.Date] = r
		}

		out := make([]DailyTrendRow, 0, days)
		for d := 0; d < days; d++ {
			date := first.AddDate(0, 0, d).Format("2006-01-02")
			if r, ok := byDate[date]; ok {
				out = append(out, r)
			} else {
				out = append(out, DailyTrendRow{Date: date})
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// HourlyTrendPoint 小时趋势的一个点
type HourlyTrendPoint struct {
	Hour         string `json:"hour"`
	Timestamp    int64  `json:"timestamp"`
	RequestCount int64  `json:"request_count"`
	QuotaUsed    int64  `json:"quota_used"`
}

// GetHourlyTrends 最近 hours 小时的趋势，按 floor(ts/3600) 分桶补零
func (e *DashboardEngine) GetHourlyTrends(ctx context.Context, hours int) ([]HourlyTrendPoint, error) {
	if hours < 1 || hours > 72 {
		return nil, fmt.Errorf("%w: hours 需在 1..72 之间", ErrInvalidParams)
	}

	var rows []HourlyTrendPoint
	key := cache.Key("dashboard", "trends", "hourly", fmt.Sprintf("%d", hours))
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL("1h"), &rows, func(ctx context.Context) (interface{}, error) {
		now := time.Now().Unix()
		start := now - int64(hours)*3600

		var dbRows []HourlyTrendRow
		err := retryTransient(ctx, func() error {
			var qerr error
			dbRows, qerr = e.store.HourlyTrends(ctx, start)
			return qerr
		})
		if err != nil {
			return nil, err
		}

		byBucket := make(map[int64]HourlyTrendRow, len(dbRows))
		for _, r := range dbRows {
			byBucket[r.Bucket] = r
		}

		// 起点不对齐整点，首桶可能只覆盖部分窗口，保持该行为
		firstBucket := (start / 3600) * 3600
		lastBucket := (now / 3600) * 3600
		out := make([]HourlyTrendPoint, 0, hours+1)
		for b := firstBucket; b <= lastBucket; b += 3600 {
			point := HourlyTrendPoint{
				Hour:      time.Unix(b, 0).Format("2006-01-02 15:00"),
				Timestamp: b,
			}
			if r, ok := byBucket[b]; ok {
				point.RequestCount = r.RequestCount
				point.QuotaUsed = r.QuotaUsed
			}
			out = append(out, point)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetChannelStatus 渠道状态概览，最多 20 个
func (e *DashboardEngine) GetChannelStatus(ctx context.Context) ([]ChannelStatusRow, error) {
	var rows []ChannelStatusRow
	key := cache.Key("dashboard", "channels")
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL("1h"), &rows, func(ctx context.Context) (interface{}, error) {
		var dbRows []ChannelStatusRow
		err := retryTransient(ctx, func() error {
			var qerr error
			dbRows, qerr = e.store.ChannelStatus(ctx, 20)
			return qerr
		})
		if err != nil {
			return nil, err
		}
		if dbRows == nil {
			dbRows = []ChannelStatusRow{}
		}
		return dbRows, nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
