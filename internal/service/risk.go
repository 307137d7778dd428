package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/models"
	"github.com/ketches/gateway-sentinel/pkg/geoip"
)

// 风险标记。前三个参与自动封禁候选筛选，其余仅用于展示。
const (
	RiskFlagManyIPs     = "MANY_IPS"
	RiskFlagRapidSwitch = "IP_RAPID_SWITCH"
	RiskFlagIPHopping   = "IP_HOPPING"
	RiskFlagHighRPM     = "HIGH_RPM"
	RiskFlagHighFailure = "HIGH_FAILURE_RATE"
)

// 风险判定阈值
const (
	manyIPsThreshold       = 10
	rapidSwitchSeconds     = 60
	rapidSwitchThreshold   = 3
	hoppingAvgDuration     = 30.0
	hoppingMinRealSwitches = 3
)

// HasIPRiskFlag 是否带有参与候选筛选的 IP 风险标记
func HasIPRiskFlag(flags []string) bool {
	for _, f := range flags {
		switch f {
		case RiskFlagManyIPs, RiskFlagRapidSwitch, RiskFlagIPHopping:
			return true
		}
	}
	return false
}

// RiskEngine 风险分析引擎。检测器部分见 detectors.go。
type RiskEngine struct {
	store *LogStore
	tier  *cache.Tier
	geo   geoip.Resolver
}

func NewRiskEngine(store *LogStore, tier *cache.Tier, geo geoip.Resolver) *RiskEngine {
	return &RiskEngine{store: store, tier: tier, geo: geo}
}

// IPSwitchDetail 单次 IP 切换详情
type IPSwitchDetail struct {
	Timestamp       string `json:"timestamp"`
	FromIP          string `json:"from_ip"`
	ToIP            string `json:"to_ip"`
	IsDualStack     bool   `json:"is_dual_stack"`
	IntervalSeconds int64  `json:"interval_seconds"`
	FromVersion     string `json:"from_version"`
	ToVersion       string `json:"to_version"`
}

// IPSwitchAnalysis IP 切换分析结果。
// 双栈切换指同一位置的 IPv4/IPv6 互切，不计入真实切换。
type IPSwitchAnalysis struct {
	SwitchCount        int              `json:"switch_count"`
	RealSwitchCount    int              `json:"real_switch_count"`
	DualStackSwitches  int              `json:"dual_stack_switches"`
	RapidSwitchCount   int              `json:"rapid_switch_count"`
	UniqueLocations    int              `json:"unique_locations"`
	HasDualStack       bool             `json:"has_dual_stack"`
	AvgIPDurationS     float64          `json:"avg_ip_duration_s"`
	MinSwitchIntervalS int64            `json:"min_switch_interval_s"`
	SwitchDetails      []IPSwitchDetail `json:"switch_details"`
}

// AnalysisUser 分析结果中的用户信息
type AnalysisUser struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Status      int    `json:"status"`
	Group       string `json:"group"`
}

// AnalysisSummary 窗口聚合摘要加派生比率
type AnalysisSummary struct {
	UserWindowSummary
	FailureRate float64 `json:"failure_rate"`
	EmptyRate   float64 `json:"empty_rate"`
}

// AnalysisRisk 风险指标
type AnalysisRisk struct {
	RequestsPerMinute  float64           `json:"requests_per_minute"`
	AvgQuotaPerRequest float64           `json:"avg_quota_per_request"`
	RiskFlags          []string          `json:"risk_flags"`
	IPSwitch           *IPSwitchAnalysis `json:"ip_switch_analysis"`
}

// ModelUsageItem 用户窗口内单模型用量
type ModelUsageItem struct {
	ModelName       string `json:"model_name"`
	Requests        int64  `json:"requests"`
	QuotaUsed       int64  `json:"quota_used"`
	SuccessRequests int64  `json:"success_requests"`
	FailureRequests int64  `json:"failure_requests"`
}

// IPUsageItem 用户窗口内单 IP 用量
type IPUsageItem struct {
	IP       string `json:"ip"`
	Requests int64  `json:"requests"`
}

// GroupUsageItem 用户窗口内分组用量
type GroupUsageItem struct {
	Group    string `json:"group"`
	Requests int64  `json:"requests"`
}

// UserAnalysis 用户行为分析结果
type UserAnalysis struct {
	User          AnalysisUser     `json:"user"`
	WindowSeconds int64            `json:"window_seconds"`
	StartTime     int64            `json:"start_time"`
	EndTime       int64            `json:"end_time"`
	Summary       AnalysisSummary  `json:"summary"`
	Risk          AnalysisRisk     `json:"risk"`
	TopModels     []ModelUsageItem `json:"top_models"`
	TopIPs        []IPUsageItem    `json:"top_ips"`
	TopGroups     []GroupUsageItem `json:"top_groups"`
	RecentLogs    []RecentLogRow   `json:"recent_logs"`
}

// Analyze 分析用户在 [end-window, end) 内的行为。
// end 为 0 或晚于当前时刻时取当前时刻。
func (e *RiskEngine) Analyze(ctx context.Context, userID int, windowSeconds int64, endTime int64) (*UserAnalysis, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: 用户 id 必须为正", ErrInvalidParams)
	}
	if windowSeconds <= 0 {
		return nil, fmt.Errorf("%w: 窗口长度必须为正", ErrInvalidParams)
	}
	endTime = clampEnd(endTime)
	startTime := endTime - windowSeconds

	user, err := e.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var summary *UserWindowSummary
	if err := retryTransient(ctx, func() error {
		var qerr error
		summary, qerr = e.store.UserSummary(ctx, userID, startTime, endTime)
		return qerr
	}); err != nil {
		return nil, err
	}

	var logs []UserLogRow
	if err := retryTransient(ctx, func() error {
		var qerr error
		logs, qerr = e.store.UserLogsInWindow(ctx, userID, startTime, endTime)
		return qerr
	}); err != nil {
		return nil, err
	}

	var recent []RecentLogRow
	if err := retryTransient(ctx, func() error {
		var qerr error
		recent, qerr = e.store.RecentUserLogs(ctx, userID, startTime, endTime, 10)
		return qerr
	}); err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []RecentLogRow{}
	}

	ipSwitch := e.analyzeIPSwitches(logs)

	windowMinutes := float64(windowSeconds) / 60
	requestsPerMinute := float64(0)
	if windowMinutes > 0 {
		requestsPerMinute = float64(summary.TotalRequests) / windowMinutes
	}
	avgQuotaPerRequest := float64(0)
	if summary.TotalRequests > 0 {
		avgQuotaPerRequest = float64(summary.QuotaUsed) / float64(summary.TotalRequests)
	}

	flags := []string{}
	if summary.UniqueIPs >= manyIPsThreshold {
		flags = append(flags, RiskFlagManyIPs)
	}
	if ipSwitch.RapidSwitchCount >= rapidSwitchThreshold {
		flags = append(flags, RiskFlagRapidSwitch)
	}
	if ipSwitch.RealSwitchCount >= hoppingMinRealSwitches && ipSwitch.AvgIPDurationS < hoppingAvgDuration {
		flags = append(flags, RiskFlagIPHopping)
	}
	if requestsPerMinute > 10 {
		flags = append(flags, RiskFlagHighRPM)
	}
	if summary.FailureRate() > 0.5 {
		flags = append(flags, RiskFlagHighFailure)
	}

	topGroups := []GroupUsageItem{}
	if summary.TotalRequests > 0 {
		// 日志不带分组列，以用户当前分组近似
		topGroups = append(topGroups, GroupUsageItem{Group: user.Group, Requests: summary.TotalRequests})
	}

	return &UserAnalysis{
		User: AnalysisUser{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			Email:       user.Email,
			Status:      user.Status,
			Group:       user.Group,
		},
		WindowSeconds: windowSeconds,
		StartTime:     startTime,
		EndTime:       endTime,
		Summary: AnalysisSummary{
			UserWindowSummary: *summary,
			FailureRate:       summary.FailureRate(),
			EmptyRate:         summary.EmptyRate(),
		},
		Risk: AnalysisRisk{
			RequestsPerMinute:  requestsPerMinute,
			AvgQuotaPerRequest: avgQuotaPerRequest,
			RiskFlags:          flags,
			IPSwitch:           ipSwitch,
		},
		TopModels:  topModels(logs, 10),
		TopIPs:     topIPs(logs, 10),
		TopGroups:  topGroups,
		RecentLogs: recent,
	}, nil
}

// analyzeIPSwitches 顺序扫描日志识别 IP 切换。
// 空 IP 行不参与判定，切换间隔以相邻两条非空 IP 行计。
func (e *RiskEngine) analyzeIPSwitches(logs []UserLogRow) *IPSwitchAnalysis {
	analysis := &IPSwitchAnalysis{SwitchDetails: []IPSwitchDetail{}}

	var (
		prevIP       string
		prevTime     int64
		segmentStart int64
		durations    []int64
		lastRealAt   int64 = -1
		locations          = make(map[string]bool)
		seenIPs            = make(map[string]bool)
	)

	for _, row := range logs {
		if row.IP == "" {
			continue
		}
		if !seenIPs[row.IP] {
			seenIPs[row.IP] = true
			if key := e.geo.Lookup(row.IP).LocationKey(); key != "" {
				locations[key] = true
			}
		}
		if prevIP == "" {
			prevIP = row.IP
			prevTime = row.CreatedAt
			segmentStart = row.CreatedAt
			continue
		}
		if row.IP == prevIP {
			prevTime = row.CreatedAt
			continue
		}

		interval := row.CreatedAt - prevTime
		durations = append(durations, row.CreatedAt-segmentStart)

		isDualStack := geoip.IsDualStackPair(e.geo, prevIP, row.IP)
		analysis.SwitchCount++
		if isDualStack {
			analysis.DualStackSwitches++
			analysis.HasDualStack = true
		} else {
			analysis.RealSwitchCount++
			if interval < rapidSwitchSeconds {
				analysis.RapidSwitchCount++
			}
			if lastRealAt >= 0 {
				gap := row.CreatedAt - lastRealAt
				if analysis.MinSwitchIntervalS == 0 || gap < analysis.MinSwitchIntervalS {
					analysis.MinSwitchIntervalS = gap
				}
			}
			lastRealAt = row.CreatedAt
		}

		analysis.SwitchDetails = append(analysis.SwitchDetails, IPSwitchDetail{
			Timestamp:       time.Unix(row.CreatedAt, 0).Format("2006-01-02 15:04:05"),
			FromIP:          prevIP,
			ToIP:            row.IP,
			IsDualStack:     isDualStack,
			IntervalSeconds: interval,
			FromVersion:     ipVersionLabel(prevIP),
			ToVersion:       ipVersionLabel(row.IP),
		})

		prevIP = row.IP
		prevTime = row.CreatedAt
		segmentStart = row.CreatedAt
	}

	if len(durations) > 0 {
		var sum int64
		for _, d := range durations {
			sum += d
		}
		analysis.AvgIPDurationS = math.Round(float64(sum)/float64(len(durations))*10) / 10
	}
	analysis.UniqueLocations = len(locations)

	// 只保留最近 20 条切换详情
	if n := len(analysis.SwitchDetails); n > 20 {
		analysis.SwitchDetails = analysis.SwitchDetails[n-20:]
	}
	return analysis
}

func ipVersionLabel(ip string) string {
	switch geoip.IPVersion(ip) {
	case 4:
		return "v4"
	case 6:
		return "v6"
	}
	return ""
}

func topModels(logs []UserLogRow, k int) []ModelUsageItem {
	agg := make(map[string]*ModelUsageItem)
	for _, row := range logs {
		name := row.ModelName
		if name == "" {
			name = "unknown"
		}
		item, ok := agg[name]
		if !ok {
			item = &ModelUsageItem{ModelName: name}
			agg[name] = item
		}
		item.Requests++
		item.QuotaUsed += row.Quota
		if row.Type == models.LogTypeConsume {
			item.SuccessRequests++
		} else {
			item.FailureRequests++
		}
	}

	items := make([]ModelUsageItem, 0, len(agg))
	for _, item := range agg {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Requests != items[j].Requests {
			return items[i].Requests > items[j].Requests
		}
		return items[i].ModelName < items[j].ModelName
	})
	if len(items) > k {
		items = items[:k]
	}
	return items
}

func topIPs(logs []UserLogRow, k int) []IPUsageItem {
	agg := make(map[string]int64)
	for _, row := range logs {
		if row.IP != "" {
			agg[row.IP]++
		}
	}

	items := make([]IPUsageItem, 0, len(agg))
	for ip, n := range agg {
		items = append(items, IPUsageItem{IP: ip, Requests: n})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Requests != items[j].Requests {
			return items[i].Requests > items[j].Requests
		}
		return items[i].IP < items[j].IP
	})
	if len(items) > k {
		items = items[:k]
	}
	return items
}

// LeaderboardEntry 排行榜条目
type LeaderboardEntry struct {
	Rank int `json:"rank"`
	LeaderboardRow
	FailureRate float64  `json:"failure_rate"`
	RiskFlags   []string `json:"risk_flags"`
}

// 排序方式
var leaderboardSorts = map[string]bool{
	"requests":     true,
	"quota":        true,
	"failure_rate": true,
}

// Leaderboards 返回每个窗口的用户排行。
// 每个窗口独立缓存前 50 名，请求的 limit 在缓存结果上截取。
func (e *RiskEngine) Leaderboards(ctx context.Context, windows []string, limit int, sortBy string) (map[string][]LeaderboardEntry, error) {
	if sortBy == "" {
		sortBy = "requests"
	}
	if !leaderboardSorts[sortBy] {
		return nil, fmt.Errorf("%w: 不支持的排序方式 %q", ErrInvalidParams, sortBy)
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: 至少指定一个时间窗口", ErrInvalidParams)
	}
	for _, w := range windows {
		if !ValidWindow(w) {
			return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, w)
		}
	}
	if limit < 1 || limit > MaxTopLimit {
		return nil, fmt.Errorf("%w: limit 需在 1..%d 之间", ErrInvalidParams, MaxTopLimit)
	}

	result := make(map[string][]LeaderboardEntry, len(windows))
	for _, w := range windows {
		entries, err := e.leaderboard(ctx, w, sortBy)
		if err != nil {
			return nil, err
		}
		if len(entries) > limit {
			entries = entries[:limit]
		}
		result[w] = entries
	}
	return result, nil
}

func (e *RiskEngine) leaderboard(ctx context.Context, window, sortBy string) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	key := cache.Key("risk", "lb", window, sortBy)
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(window), &entries, func(ctx context.Context) (interface{}, error) {
		return e.fetchLeaderboard(ctx, window, sortBy)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (e *RiskEngine) fetchLeaderboard(ctx context.Context, window, sortBy string) ([]LeaderboardEntry, error) {
	start, end, err := WindowRange(window, time.Now().Unix())
	if err != nil {
		return nil, err
	}

	var rows []LeaderboardRow
	if err := retryTransient(ctx, func() error {
		var qerr error
		rows, qerr = e.store.Leaderboard(ctx, start, end, MaxTopLimit, sortBy)
		return qerr
	}); err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, len(rows))
	for i, r := range rows {
		failureRate := float64(0)
		if r.TotalRequests > 0 {
			failureRate = float64(r.FailureRequests) / float64(r.TotalRequests)
		}
		flags := []string{}
		if r.UniqueIPs >= manyIPsThreshold {
			flags = append(flags, RiskFlagManyIPs)
		}
		if failureRate > 0.5 {
			flags = append(flags, RiskFlagHighFailure)
		}
		entries[i] = LeaderboardEntry{
			Rank:           i + 1,
			LeaderboardRow: r,
			FailureRate:    failureRate,
			RiskFlags:      flags,
		}
	}
	return entries, nil
}
