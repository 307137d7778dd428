package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/models"
	"github.com/ketches/gateway-sentinel/pkg/geoip"
)

// 检测器参数边界。阶段一候选查询统一以 500 封顶，
// 槽位缓存的集合同样以该值截断。
const (
	detectorCandidateLimit = 500
	detectorSetCap         = 500
	slotPairCap            = 5000
	detectorDetailTopN     = 10
)

// 检测器默认阈值
const (
	defaultSharedIPMinTokens  = 3
	defaultMultiIPTokenMinIPs = 5
	defaultMultiIPUserMinIPs  = 10
	defaultRotationMinTokens  = 5
	defaultRotationMaxPerTok  = 10
	defaultMinInvited         = 3
	defaultSameIPMinUsers     = 3
	defaultDetectorLimit      = 50
)

// pairMetric 三个 IP 共享类检测器共用的槽位指标
const pairMetric = "ip_token_pairs"

// ---------- 共享 IP ----------

// SharedIPTokenRef 共享 IP 上的单个令牌
type SharedIPTokenRef struct {
	TokenID   int    `json:"token_id"`
	TokenName string `json:"token_name"`
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	Requests  int64  `json:"requests"`
}

// SharedIPItem 被多个令牌使用的 IP
type SharedIPItem struct {
	IP           string             `json:"ip"`
	TokenCount   int64              `json:"token_count"`
	UserCount    int64              `json:"user_count"`
	RequestCount int64              `json:"request_count"`
	Tokens       []SharedIPTokenRef `json:"tokens"`
	Geo          *geoip.Info        `json:"geo,omitempty"`
	RiskLevel    string             `json:"risk_level"`
}

// SharedIPsResult 共享 IP 检测结果
type SharedIPsResult struct {
	Items         []SharedIPItem `json:"items"`
	Total         int            `json:"total"`
	WindowSeconds int64          `json:"window_seconds"`
	Thresholds    map[string]int `json:"thresholds"`
}

// SharedIPs 检测被多个令牌共用的 IP
func (e *RiskEngine) SharedIPs(ctx context.Context, window string, minTokens, limit int) (*SharedIPsResult, error) {
	if !ValidWindow(window) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}
	if minTokens <= 0 {
		minTokens = defaultSharedIPMinTokens
	}
	limit = clampDetectorLimit(limit)

	var result SharedIPsResult
	key := detectorKey("shared_ips", window, minTokens, limit)
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(window), &result, func(ctx context.Context) (interface{}, error) {
		return e.fetchSharedIPs(ctx, window, minTokens, limit)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *RiskEngine) fetchSharedIPs(ctx context.Context, window string, minTokens, limit int) (*SharedIPsResult, error) {
	now := time.Now().Unix()
	result := &SharedIPsResult{
		Items:         []SharedIPItem{},
		WindowSeconds: WindowDuration(window),
		Thresholds:    map[string]int{"min_tokens": minTokens},
	}

	if cache.IsIncrementalWindow(window) {
		pairs, err := e.mergedPairs(ctx, window, now)
		if err != nil {
			return nil, err
		}
		items, err := e.sharedIPsFromPairs(ctx, pairs, minTokens, limit)
		if err != nil {
			return nil, err
		}
		result.Items = items
		result.Total = len(items)
		return result, nil
	}

	start, end, err := WindowRange(window, now)
	if err != nil {
		return nil, err
	}

	var candidates []SharedIPCandidate
	if err := retryTransient(ctx, func() error {
		var qerr error
		candidates, qerr = e.store.SharedIPCandidates(ctx, start, end, minTokens, min(limit, detectorCandidateLimit))
		return qerr
	}); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	ips := make([]string, len(candidates))
	for i, c := range candidates {
		ips[i] = c.IP
	}

	var details []IPTokenDetail
	if err := retryTransient(ctx, func() error {
		var qerr error
		details, qerr = e.store.IPTokenDetails(ctx, start, end, ips)
		return qerr
	}); err != nil {
		return nil, err
	}

	// 明细按 IP 分组，每个 IP 只留请求数最高的 10 个令牌
	tokensByIP := make(map[string][]SharedIPTokenRef, len(candidates))
	for _, d := range details {
		if len(tokensByIP[d.IP]) >= detectorDetailTopN {
			continue
		}
		tokensByIP[d.IP] = append(tokensByIP[d.IP], SharedIPTokenRef{
			TokenID:   d.TokenID,
			TokenName: d.TokenName,
			UserID:    d.UserID,
			Username:  d.Username,
			Requests:  d.Requests,
		})
	}

	items := make([]SharedIPItem, 0, len(candidates))
	for _, c := range candidates {
		tokens := tokensByIP[c.IP]
		if tokens == nil {
			tokens = []SharedIPTokenRef{}
		}
		items = append(items, SharedIPItem{
			IP:           c.IP,
			TokenCount:   c.TokenCount,
			UserCount:    c.UserCount,
			RequestCount: c.RequestCount,
			Tokens:       tokens,
			Geo:          e.geo.Lookup(c.IP),
			RiskLevel:    sharingRiskLevel(c.TokenCount),
		})
	}
	result.Items = items
	result.Total = len(items)
	return result, nil
}

// sharedIPsFromPairs 从合并后的三元组聚合共享 IP
func (e *RiskEngine) sharedIPsFromPairs(ctx context.Context, pairs []IPTokenPairRow, minTokens, limit int) ([]SharedIPItem, error) {
	type agg struct {
		requests int64
		tokens   map[int]struct{}
		users    map[int]struct{}
		perToken map[int]*SharedIPTokenRef
	}
	byIP := make(map[string]*agg)
	for _, p := range pairs {
		a, ok := byIP[p.IP]
		if !ok {
			a = &agg{
				tokens:   make(map[int]struct{}),
				users:    make(map[int]struct{}),
				perToken: make(map[int]*SharedIPTokenRef),
			}
			byIP[p.IP] = a
		}
		a.requests += p.Requests
		if len(a.tokens) < detectorSetCap {
			a.tokens[p.TokenID] = struct{}{}
		}
		if len(a.users) < detectorSetCap {
			a.users[p.UserID] = struct{}{}
		}
		ref, ok := a.perToken[p.TokenID]
		if !ok {
			if len(a.perToken) >= detectorSetCap {
				continue
			}
			ref = &SharedIPTokenRef{TokenID: p.TokenID, UserID: p.UserID}
			a.perToken[p.TokenID] = ref
		}
		ref.Requests += p.Requests
	}

	items := make([]SharedIPItem, 0)
	for ip, a := range byIP {
		if int64(len(a.tokens)) < int64(minTokens) {
			continue
		}
		items = append(items, SharedIPItem{
			IP:           ip,
			TokenCount:   int64(len(a.tokens)),
			UserCount:    int64(len(a.users)),
			RequestCount: a.requests,
			RiskLevel:    sharingRiskLevel(int64(len(a.tokens))),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].TokenCount != items[j].TokenCount {
			return items[i].TokenCount > items[j].TokenCount
		}
		if items[i].RequestCount != items[j].RequestCount {
			return items[i].RequestCount > items[j].RequestCount
		}
		return items[i].IP < items[j].IP
	})
	if len(items) > limit {
		items = items[:limit]
	}

	// 回填每个入选 IP 的令牌明细并解析名称
	kept := make(map[string]bool, len(items))
	tokenIDs := make([]int, 0)
	userIDs := make([]int, 0)
	for i := range items {
		kept[items[i].IP] = true
	}
	for ip, a := range byIP {
		if !kept[ip] {
			continue
		}
		refs := make([]SharedIPTokenRef, 0, len(a.perToken))
		for _, ref := range a.perToken {
			refs = append(refs, *ref)
		}
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].Requests != refs[j].Requests {
				return refs[i].Requests > refs[j].Requests
			}
			return refs[i].TokenID < refs[j].TokenID
		})
		if len(refs) > detectorDetailTopN {
			refs = refs[:detectorDetailTopN]
		}
		for i := range items {
			if items[i].IP == ip {
				items[i].Tokens = refs
				items[i].Geo = e.geo.Lookup(ip)
				break
			}
		}
		for _, ref := range refs {
			tokenIDs = append(tokenIDs, ref.TokenID)
			userIDs = append(userIDs, ref.UserID)
		}
	}

	tokenNames, err := e.tokenNames(ctx, tokenIDs)
	if err != nil {
		return nil, err
	}
	usernames, err := e.usernames(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	for i := range items {
		for j := range items[i].Tokens {
			ref := &items[i].Tokens[j]
			ref.TokenName = tokenNames[ref.TokenID]
			ref.Username = usernames[ref.UserID]
		}
		if items[i].Tokens == nil {
			items[i].Tokens = []SharedIPTokenRef{}
		}
	}
	return items, nil
}

// ---------- 多 IP 令牌 ----------

// MultiIPTokenItem 从多个 IP 访问的令牌
type MultiIPTokenItem struct {
	TokenID      int           `json:"token_id"`
	TokenName    string        `json:"token_name"`
	UserID       int           `json:"user_id"`
	Username     string        `json:"username"`
	IPCount      int64         `json:"ip_count"`
	RequestCount int64         `json:"request_count"`
	IPs          []IPUsageItem `json:"ips"`
	RiskLevel    string        `json:"risk_level"`
}

// MultiIPTokensResult 多 IP 令牌检测结果
type MultiIPTokensResult struct {
	Items         []MultiIPTokenItem `json:"items"`
	Total         int                `json:"total"`
	WindowSeconds int64              `json:"window_seconds"`
	Thresholds    map[string]int     `json:"thresholds"`
}

// MultiIPTokens 检测从多个不同 IP 访问的令牌
func (e *RiskEngine) MultiIPTokens(ctx context.Context, window string, minIPs, limit int) (*MultiIPTokensResult, error) {
	if !ValidWindow(window) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}
	if minIPs <= 0 {
		minIPs = defaultMultiIPTokenMinIPs
	}
	limit = clampDetectorLimit(limit)

	var result MultiIPTokensResult
	key := detectorKey("multi_ip_tokens", window, minIPs, limit)
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(window), &result, func(ctx context.Context) (interface{}, error) {
		return e.fetchMultiIPTokens(ctx, window, minIPs, limit)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *RiskEngine) fetchMultiIPTokens(ctx context.Context, window string, minIPs, limit int) (*MultiIPTokensResult, error) {
	now := time.Now().Unix()
	result := &MultiIPTokensResult{
		Items:         []MultiIPTokenItem{},
		WindowSeconds: WindowDuration(window),
		Thresholds:    map[string]int{"min_ips": minIPs},
	}

	if cache.IsIncrementalWindow(window) {
		pairs, err := e.mergedPairs(ctx, window, now)
		if err != nil {
			return nil, err
		}
		items, err := e.multiIPTokensFromPairs(ctx, pairs, minIPs, limit)
		if err != nil {
			return nil, err
		}
		result.Items = items
		result.Total = len(items)
		return result, nil
	}

	start, end, err := WindowRange(window, now)
	if err != nil {
		return nil, err
	}

	var candidates []MultiIPTokenCandidate
	if err := retryTransient(ctx, func() error {
		var qerr error
		candidates, qerr = e.store.MultiIPTokenCandidates(ctx, start, end, minIPs, min(limit, detectorCandidateLimit))
		return qerr
	}); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	tokenIDs := make([]int, len(candidates))
	for i, c := range candidates {
		tokenIDs[i] = c.TokenID
	}

	var details []TokenIPDetail
	if err := retryTransient(ctx, func() error {
		var qerr error
		details, qerr = e.store.TokenIPDetails(ctx, start, end, tokenIDs)
		return qerr
	}); err != nil {
		return nil, err
	}

	ipsByToken := make(map[int][]IPUsageItem, len(candidates))
	for _, d := range details {
		if len(ipsByToken[d.TokenID]) >= detectorDetailTopN {
			continue
		}
		ipsByToken[d.TokenID] = append(ipsByToken[d.TokenID], IPUsageItem{IP: d.IP, Requests: d.Requests})
	}

	items := make([]MultiIPTokenItem, 0, len(candidates))
	for _, c := range candidates {
		ips := ipsByToken[c.TokenID]
		if ips == nil {
			ips = []IPUsageItem{}
		}
		items = append(items, MultiIPTokenItem{
			TokenID:      c.TokenID,
			TokenName:    c.TokenName,
			UserID:       c.UserID,
			Username:     c.Username,
			IPCount:      c.IPCount,
			RequestCount: c.RequestCount,
			IPs:          ips,
			RiskLevel:    sharingRiskLevel(c.IPCount),
		})
	}
	result.Items = items
	result.Total = len(items)
	return result, nil
}

func (e *RiskEngine) multiIPTokensFromPairs(ctx context.Context, pairs []IPTokenPairRow, minIPs, limit int) ([]MultiIPTokenItem, error) {
	type agg struct {
		userID   int
		requests int64
		ips      map[string]int64
	}
	byToken := make(map[int]*agg)
	for _, p := range pairs {
		if p.TokenID <= 0 {
			continue
		}
		a, ok := byToken[p.TokenID]
		if !ok {
			a = &agg{userID: p.UserID, ips: make(map[string]int64)}
			byToken[p.TokenID] = a
		}
		a.requests += p.Requests
		if _, seen := a.ips[p.IP]; seen || len(a.ips) < detectorSetCap {
			a.ips[p.IP] += p.Requests
		}
	}

	items := make([]MultiIPTokenItem, 0)
	for tokenID, a := range byToken {
		if len(a.ips) < minIPs {
			continue
		}
		items = append(items, MultiIPTokenItem{
			TokenID:      tokenID,
			UserID:       a.userID,
			IPCount:      int64(len(a.ips)),
			RequestCount: a.requests,
			IPs:          topIPUsage(a.ips, detectorDetailTopN),
			RiskLevel:    sharingRiskLevel(int64(len(a.ips))),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IPCount != items[j].IPCount {
			return items[i].IPCount > items[j].IPCount
		}
		if items[i].RequestCount != items[j].RequestCount {
			return items[i].RequestCount > items[j].RequestCount
		}
		return items[i].TokenID < items[j].TokenID
	})
	if len(items) > limit {
		items = items[:limit]
	}

	tokenIDs := make([]int, 0, len(items))
	userIDs := make([]int, 0, len(items))
	for i := range items {
		tokenIDs = append(tokenIDs, items[i].TokenID)
		userIDs = append(userIDs, items[i].UserID)
	}
	tokenNames, err := e.tokenNames(ctx, tokenIDs)
	if err != nil {
		return nil, err
	}
	usernames, err := e.usernames(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].TokenName = tokenNames[items[i].TokenID]
		items[i].Username = usernames[items[i].UserID]
	}
	return items, nil
}

// ---------- 多 IP 用户 ----------

// MultiIPUserItem 从多个 IP 访问的用户
type MultiIPUserItem struct {
	UserID       int           `json:"user_id"`
	Username     string        `json:"username"`
	IPCount      int64         `json:"ip_count"`
	RequestCount int64         `json:"request_count"`
	TopIPs       []IPUsageItem `json:"top_ips"`
	RiskLevel    string        `json:"risk_level"`
}

// MultiIPUsersResult 多 IP 用户检测结果
type MultiIPUsersResult struct {
	Items         []MultiIPUserItem `json:"items"`
	Total         int               `json:"total"`
	WindowSeconds int64             `json:"window_seconds"`
	Thresholds    map[string]int    `json:"thresholds"`
}

// MultiIPUsers 检测从多个不同 IP 访问的用户
func (e *RiskEngine) MultiIPUsers(ctx context.Context, window string, minIPs, limit int) (*MultiIPUsersResult, error) {
	if !ValidWindow(window) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}
	if minIPs <= 0 {
		minIPs = defaultMultiIPUserMinIPs
	}
	limit = clampDetectorLimit(limit)

	var result MultiIPUsersResult
	key := detectorKey("multi_ip_users", window, minIPs, limit)
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(window), &result, func(ctx context.Context) (interface{}, error) {
		return e.fetchMultiIPUsers(ctx, window, minIPs, limit)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *RiskEngine) fetchMultiIPUsers(ctx context.Context, window string, minIPs, limit int) (*MultiIPUsersResult, error) {
	now := time.Now().Unix()
	result := &MultiIPUsersResult{
		Items:         []MultiIPUserItem{},
		WindowSeconds: WindowDuration(window),
		Thresholds:    map[string]int{"min_ips": minIPs},
	}

	if cache.IsIncrementalWindow(window) {
		pairs, err := e.mergedPairs(ctx, window, now)
		if err != nil {
			return nil, err
		}
		items, err := e.multiIPUsersFromPairs(ctx, pairs, minIPs, limit)
		if err != nil {
			return nil, err
		}
		result.Items = items
		result.Total = len(items)
		return result, nil
	}

	start, end, err := WindowRange(window, now)
	if err != nil {
		return nil, err
	}

	var candidates []MultiIPUserCandidate
	if err := retryTransient(ctx, func() error {
		var qerr error
		candidates, qerr = e.store.MultiIPUserCandidates(ctx, start, end, minIPs, min(limit, detectorCandidateLimit))
		return qerr
	}); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	userIDs := make([]int, len(candidates))
	for i, c := range candidates {
		userIDs[i] = c.UserID
	}

	var details []UserIPDetail
	if err := retryTransient(ctx, func() error {
		var qerr error
		details, qerr = e.store.UserIPDetails(ctx, start, end, userIDs)
		return qerr
	}); err != nil {
		return nil, err
	}

	ipsByUser := make(map[int][]IPUsageItem, len(candidates))
	for _, d := range details {
		if len(ipsByUser[d.UserID]) >= detectorDetailTopN {
			continue
		}
		ipsByUser[d.UserID] = append(ipsByUser[d.UserID], IPUsageItem{IP: d.IP, Requests: d.Requests})
	}

	items := make([]MultiIPUserItem, 0, len(candidates))
	for _, c := range candidates {
		ips := ipsByUser[c.UserID]
		if ips == nil {
			ips = []IPUsageItem{}
		}
		items = append(items, MultiIPUserItem{
			UserID:       c.UserID,
			Username:     c.Username,
			IPCount:      c.IPCount,
			RequestCount: c.RequestCount,
			TopIPs:       ips,
			RiskLevel:    sharingRiskLevel(c.IPCount),
		})
	}
	result.Items = items
	result.Total = len(items)
	return result, nil
}

func (e *RiskEngine) multiIPUsersFromPairs(ctx context.Context, pairs []IPTokenPairRow, minIPs, limit int) ([]MultiIPUserItem, error) {
	type agg struct {
		requests int64
		ips      map[string]int64
	}
	byUser := make(map[int]*agg)
	for _, p := range pairs {
		if p.UserID <= 0 {
			continue
		}
		a, ok := byUser[p.UserID]
		if !ok {
			a = &agg{ips: make(map[string]int64)}
			byUser[p.UserID] = a
		}
		a.requests += p.Requests
		if _, seen := a.ips[p.IP]; seen || len(a.ips) < detectorSetCap {
			a.ips[p.IP] += p.Requests
		}
	}

	items := make([]MultiIPUserItem, 0)
	for userID, a := range byUser {
		if len(a.ips) < minIPs {
			continue
		}
		items = append(items, MultiIPUserItem{
			UserID:       userID,
			IPCount:      int64(len(a.ips)),
			RequestCount: a.requests,
			TopIPs:       topIPUsage(a.ips, detectorDetailTopN),
			RiskLevel:    sharingRiskLevel(int64(len(a.ips))),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IPCount != items[j].IPCount {
			return items[i].IPCount > items[j].IPCount
		}
		if items[i].RequestCount != items[j].RequestCount {
			return items[i].RequestCount > items[j].RequestCount
		}
		return items[i].UserID < items[j].UserID
	})
	if len(items) > limit {
		items = items[:limit]
	}

	userIDs := make([]int, 0, len(items))
	for i := range items {
		userIDs = append(userIDs, items[i].UserID)
	}
	usernames, err := e.usernames(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Username = usernames[items[i].UserID]
	}
	return items, nil
}

// ---------- 令牌轮换 ----------

// TokenRotationToken 候选用户名下单个令牌的使用区间
type TokenRotationToken struct {
	TokenID   int    `json:"token_id"`
	TokenName string `json:"token_name"`
	Requests  int64  `json:"requests"`
	FirstUsed int64  `json:"first_used"`
	LastUsed  int64  `json:"last_used"`
}

// TokenRotationItem 疑似轮换令牌的用户
type TokenRotationItem struct {
	UserID      int                  `json:"user_id"`
	Username    string               `json:"username"`
	TokenCount  int64                `json:"token_count"`
	Requests    int64                `json:"requests"`
	AvgPerToken float64              `json:"avg_per_token"`
	Tokens      []TokenRotationToken `json:"tokens"`
	RiskLevel   string               `json:"risk_level"`
}

// TokenRotationResult 令牌轮换检测结果
type TokenRotationResult struct {
	Items         []TokenRotationItem `json:"items"`
	Total         int                 `json:"total"`
	WindowSeconds int64               `json:"window_seconds"`
	Thresholds    map[string]int      `json:"thresholds"`
}

// TokenRotation 检测大量建令牌、每个只用几次的轮换行为
func (e *RiskEngine) TokenRotation(ctx context.Context, window string, minTokens, maxPerToken, limit int) (*TokenRotationResult, error) {
	if !ValidWindow(window) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}
	if minTokens <= 0 {
		minTokens = defaultRotationMinTokens
	}
	if maxPerToken <= 0 {
		maxPerToken = defaultRotationMaxPerTok
	}
	limit = clampDetectorLimit(limit)

	var result TokenRotationResult
	key := cache.Key("risk", "det", "token_rotation", window,
		strconv.Itoa(minTokens), strconv.Itoa(maxPerToken), strconv.Itoa(limit))
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(window), &result, func(ctx context.Context) (interface{}, error) {
		return e.fetchTokenRotation(ctx, window, minTokens, maxPerToken, limit)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *RiskEngine) fetchTokenRotation(ctx context.Context, window string, minTokens, maxPerToken, limit int) (*TokenRotationResult, error) {
	now := time.Now().Unix()
	result := &TokenRotationResult{
		Items:         []TokenRotationItem{},
		WindowSeconds: WindowDuration(window),
		Thresholds: map[string]int{
			"min_tokens":             minTokens,
			"max_requests_per_token": maxPerToken,
		},
	}
	start, end, err := WindowRange(window, now)
	if err != nil {
		return nil, err
	}

	// 阶段一：长窗口从槽位合并统计每用户令牌数，短窗口直接聚合
	var candidates []TokenRotationCandidate
	if cache.IsIncrementalWindow(window) {
		pairs, merr := e.mergedPairs(ctx, window, now)
		if merr != nil {
			return nil, merr
		}
		candidates = rotationCandidatesFromPairs(pairs, minTokens)
	} else {
		if err := retryTransient(ctx, func() error {
			var qerr error
			candidates, qerr = e.store.TokenRotationCandidates(ctx, start, end, minTokens, detectorCandidateLimit)
			return qerr
		}); err != nil {
			return nil, err
		}
	}

	// 平均每令牌请求数筛掉正常的集中使用
	filtered := make([]TokenRotationCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.TokenCount <= 0 {
			continue
		}
		if float64(c.TotalRequests)/float64(c.TokenCount) > float64(maxPerToken) {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	if len(filtered) == 0 {
		return result, nil
	}

	userIDs := make([]int, len(filtered))
	for i, c := range filtered {
		userIDs[i] = c.UserID
	}

	var details []UserTokenDetail
	if err := retryTransient(ctx, func() error {
		var qerr error
		details, qerr = e.store.UserTokenDetails(ctx, start, end, userIDs)
		return qerr
	}); err != nil {
		return nil, err
	}

	tokensByUser := make(map[int][]TokenRotationToken, len(filtered))
	for _, d := range details {
		if len(tokensByUser[d.UserID]) >= detectorDetailTopN {
			continue
		}
		tokensByUser[d.UserID] = append(tokensByUser[d.UserID], TokenRotationToken{
			TokenID:   d.TokenID,
			TokenName: d.TokenName,
			Requests:  d.Requests,
			FirstUsed: d.FirstUsed,
			LastUsed:  d.LastUsed,
		})
	}

	needNames := make([]int, 0)
	items := make([]TokenRotationItem, 0, len(filtered))
	for _, c := range filtered {
		tokens := tokensByUser[c.UserID]
		if tokens == nil {
			tokens = []TokenRotationToken{}
		}
		if c.Username == "" {
			needNames = append(needNames, c.UserID)
		}
		items = append(items, TokenRotationItem{
			UserID:      c.UserID,
			Username:    c.Username,
			TokenCount:  c.TokenCount,
			Requests:    c.TotalRequests,
			AvgPerToken: float64(c.TotalRequests) / float64(c.TokenCount),
			Tokens:      tokens,
			RiskLevel:   sharingRiskLevel(c.TokenCount),
		})
	}
	if len(needNames) > 0 {
		usernames, err := e.usernames(ctx, needNames)
		if err != nil {
			return nil, err
		}
		for i := range items {
			if items[i].Username == "" {
				items[i].Username = usernames[items[i].UserID]
			}
		}
	}
	result.Items = items
	result.Total = len(items)
	return result, nil
}

// rotationCandidatesFromPairs 从合并三元组统计每用户的令牌数与请求量
func rotationCandidatesFromPairs(pairs []IPTokenPairRow, minTokens int) []TokenRotationCandidate {
	type agg struct {
		requests int64
		tokens   map[int]struct{}
	}
	byUser := make(map[int]*agg)
	for _, p := range pairs {
		if p.UserID <= 0 || p.TokenID <= 0 {
			continue
		}
		a, ok := byUser[p.UserID]
		if !ok {
			a = &agg{tokens: make(map[int]struct{})}
			byUser[p.UserID] = a
		}
		a.requests += p.Requests
		if len(a.tokens) < detectorSetCap {
			a.tokens[p.TokenID] = struct{}{}
		}
	}

	candidates := make([]TokenRotationCandidate, 0)
	for userID, a := range byUser {
		if len(a.tokens) < minTokens {
			continue
		}
		candidates = append(candidates, TokenRotationCandidate{
			UserID:        userID,
			TokenCount:    int64(len(a.tokens)),
			TotalRequests: a.requests,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].TokenCount != candidates[j].TokenCount {
			return candidates[i].TokenCount > candidates[j].TokenCount
		}
		if candidates[i].TotalRequests != candidates[j].TotalRequests {
			return candidates[i].TotalRequests > candidates[j].TotalRequests
		}
		return candidates[i].UserID < candidates[j].UserID
	})
	if len(candidates) > detectorCandidateLimit {
		candidates = candidates[:detectorCandidateLimit]
	}
	return candidates
}

// ---------- 关联账号 ----------

// AffiliatedInvitedUser 被邀请的账号
type AffiliatedInvitedUser struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	DisplayName  string `json:"display_name"`
	Status       int    `json:"status"`
	UsedQuota    int64  `json:"used_quota"`
	RequestCount int    `json:"request_count"`
	Group        string `json:"group"`
}

// AffiliatedActivity 被邀请账号在窗口内的活跃度
type AffiliatedActivity struct {
	UserID   int   `json:"user_id"`
	Requests int64 `json:"requests"`
	Quota    int64 `json:"quota_used"`
	LastSeen int64 `json:"last_seen"`
}

// AffiliatedStats 邀请群组的整体统计
type AffiliatedStats struct {
	TotalUsedQuota int64 `json:"total_used_quota"`
	TotalRequests  int64 `json:"total_requests"`
	ActiveCount    int   `json:"active_count"`
	BannedCount    int   `json:"banned_count"`
}

// AffiliatedAccountItem 单个邀请者及其邀请链
type AffiliatedAccountItem struct {
	InviterID       int                     `json:"inviter_id"`
	InviterUsername string                  `json:"inviter_username"`
	InviterStatus   int                     `json:"inviter_status"`
	InvitedCount    int64                   `json:"invited_count"`
	Invited         []AffiliatedInvitedUser `json:"invited"`
	Activity        []AffiliatedActivity    `json:"activity,omitempty"`
	Stats           AffiliatedStats         `json:"stats"`
	RiskLevel       string                  `json:"risk_level"`
	RiskReasons     []string                `json:"risk_reasons"`
}

// AffiliatedAccountsResult 关联账号检测结果
type AffiliatedAccountsResult struct {
	Items      []AffiliatedAccountItem `json:"items"`
	Total      int                     `json:"total"`
	Thresholds map[string]int          `json:"thresholds"`
}

// AffiliatedAccounts 检测邀请链批量注册。
// window 只影响 activity 明细的统计区间，邀请关系本身不限时间。
func (e *RiskEngine) AffiliatedAccounts(ctx context.Context, window string, minInvited int, includeActivity bool, limit int) (*AffiliatedAccountsResult, error) {
	if !ValidWindow(window) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}
	if minInvited <= 0 {
		minInvited = defaultMinInvited
	}
	limit = clampDetectorLimit(limit)

	var result AffiliatedAccountsResult
	key := cache.Key("risk", "det", "affiliated", window,
		strconv.Itoa(minInvited), strconv.FormatBool(includeActivity), strconv.Itoa(limit))
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(window), &result, func(ctx context.Context) (interface{}, error) {
		return e.fetchAffiliatedAccounts(ctx, window, minInvited, includeActivity, limit)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *RiskEngine) fetchAffiliatedAccounts(ctx context.Context, window string, minInvited int, includeActivity bool, limit int) (*AffiliatedAccountsResult, error) {
	result := &AffiliatedAccountsResult{
		Items:      []AffiliatedAccountItem{},
		Thresholds: map[string]int{"min_invited": minInvited},
	}

	var inviters []InviterCandidate
	if err := retryTransient(ctx, func() error {
		var qerr error
		inviters, qerr = e.store.AffiliatedInviters(ctx, minInvited, min(limit, detectorCandidateLimit))
		return qerr
	}); err != nil {
		return nil, err
	}
	if len(inviters) == 0 {
		return result, nil
	}

	inviterIDs := make([]int, len(inviters))
	for i, inv := range inviters {
		inviterIDs[i] = inv.InviterID
	}

	inviterUsers, err := e.store.UsersByIDs(ctx, inviterIDs)
	if err != nil {
		return nil, err
	}
	inviterByID := make(map[int]AffiliatedInvitedUser, len(inviterUsers))
	inviterStatus := make(map[int]int, len(inviterUsers))
	inviterName := make(map[int]string, len(inviterUsers))
	for _, u := range inviterUsers {
		inviterByID[u.ID] = AffiliatedInvitedUser{UserID: u.ID, Username: u.Username}
		inviterStatus[u.ID] = u.Status
		inviterName[u.ID] = u.Username
	}

	invited, err := e.store.UsersByInviter(ctx, inviterIDs)
	if err != nil {
		return nil, err
	}
	invitedByInviter := make(map[int][]AffiliatedInvitedUser, len(inviters))
	allInvitedIDs := make([]int, 0, len(invited))
	for _, u := range invited {
		invitedByInviter[u.InviterID] = append(invitedByInviter[u.InviterID], AffiliatedInvitedUser{
			UserID:       u.ID,
			Username:     u.Username,
			DisplayName:  u.DisplayName,
			Status:       u.Status,
			UsedQuota:    u.UsedQuota,
			RequestCount: u.RequestCount,
			Group:        u.Group,
		})
		allInvitedIDs = append(allInvitedIDs, u.ID)
	}

	activityByUser := make(map[int]AffiliatedActivity)
	if includeActivity && len(allInvitedIDs) > 0 {
		now := time.Now().Unix()
		start := now - WindowDuration(window)
		var rows []UserActivityRow
		if err := retryTransient(ctx, func() error {
			var qerr error
			rows, qerr = e.store.UserActivity(ctx, start, now, allInvitedIDs)
			return qerr
		}); err != nil {
			return nil, err
		}
		for _, r := range rows {
			activityByUser[r.UserID] = AffiliatedActivity{
				UserID:   r.UserID,
				Requests: r.Requests,
				Quota:    r.Quota,
				LastSeen: r.LastSeen,
			}
		}
	}

	items := make([]AffiliatedAccountItem, 0, len(inviters))
	for _, inv := range inviters {
		group := invitedByInviter[inv.InviterID]
		if group == nil {
			group = []AffiliatedInvitedUser{}
		}

		stats := AffiliatedStats{}
		var activity []AffiliatedActivity
		for _, u := range group {
			stats.TotalUsedQuota += u.UsedQuota
			stats.TotalRequests += int64(u.RequestCount)
			if u.RequestCount > 0 {
				stats.ActiveCount++
			}
			if u.Status == models.UserStatusBanned {
				stats.BannedCount++
			}
			if includeActivity {
				if a, ok := activityByUser[u.UserID]; ok {
					activity = append(activity, a)
				}
			}
		}

		riskLevel := "low"
		riskReasons := []string{}
		if inv.InvitedCount >= 10 {
			riskLevel = "high"
			riskReasons = append(riskReasons, fmt.Sprintf("邀请账号数量过多(%d)", inv.InvitedCount))
		} else if inv.InvitedCount >= 5 {
			riskLevel = "medium"
			riskReasons = append(riskReasons, fmt.Sprintf("邀请账号数量较多(%d)", inv.InvitedCount))
		}
		if includeActivity && stats.ActiveCount > 0 && float64(stats.TotalRequests)/float64(stats.ActiveCount) < 10 {
			if riskLevel == "low" {
				riskLevel = "medium"
			} else {
				riskLevel = "high"
			}
			riskReasons = append(riskReasons, "被邀请账号活跃度低")
		}
		if stats.BannedCount > 0 {
			riskLevel = "high"
			riskReasons = append(riskReasons, fmt.Sprintf("有%d个账号已被封禁", stats.BannedCount))
		}

		items = append(items, AffiliatedAccountItem{
			InviterID:       inv.InviterID,
			InviterUsername: inviterName[inv.InviterID],
			InviterStatus:   inviterStatus[inv.InviterID],
			InvitedCount:    inv.InvitedCount,
			Invited:         group,
			Activity:        activity,
			Stats:           stats,
			RiskLevel:       riskLevel,
			RiskReasons:     riskReasons,
		})
	}
	result.Items = items
	result.Total = len(items)
	return result, nil
}

// ---------- 同 IP 注册 ----------

// SameIPRegistrationUser 首次请求落在候选 IP 的用户
type SameIPRegistrationUser struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	Status       int    `json:"status"`
	UsedQuota    int64  `json:"used_quota"`
	RequestCount int    `json:"request_count"`
	FirstRequest int64  `json:"first_request_time"`
}

// SameIPRegistrationItem 多个用户共享同一首请求 IP
type SameIPRegistrationItem struct {
	IP          string                   `json:"ip"`
	UserCount   int64                    `json:"user_count"`
	Users       []SameIPRegistrationUser `json:"users"`
	BannedCount int                      `json:"banned_count"`
	Geo         *geoip.Info              `json:"geo,omitempty"`
	RiskLevel   string                   `json:"risk_level"`
}

// SameIPRegistrationsResult 同 IP 注册检测结果
type SameIPRegistrationsResult struct {
	Items         []SameIPRegistrationItem `json:"items"`
	Total         int                      `json:"total"`
	WindowSeconds int64                    `json:"window_seconds"`
	Thresholds    map[string]int           `json:"thresholds"`
}

// SameIPRegistrations 检测窗口内首次请求来自同一 IP 的用户群。
// 以窗口内首请求近似注册行为。
func (e *RiskEngine) SameIPRegistrations(ctx context.Context, window string, minUsers, limit int) (*SameIPRegistrationsResult, error) {
	if !ValidWindow(window) {
		return nil, fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, window)
	}
	if minUsers <= 0 {
		minUsers = defaultSameIPMinUsers
	}
	limit = clampDetectorLimit(limit)

	var result SameIPRegistrationsResult
	key := detectorKey("same_ip_reg", window, minUsers, limit)
	err := e.tier.GetOrCompute(ctx, key, e.tier.TTL(window), &result, func(ctx context.Context) (interface{}, error) {
		return e.fetchSameIPRegistrations(ctx, window, minUsers, limit)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *RiskEngine) fetchSameIPRegistrations(ctx context.Context, window string, minUsers, limit int) (*SameIPRegistrationsResult, error) {
	now := time.Now().Unix()
	result := &SameIPRegistrationsResult{
		Items:         []SameIPRegistrationItem{},
		WindowSeconds: WindowDuration(window),
		Thresholds:    map[string]int{"min_users": minUsers},
	}
	start := now - WindowDuration(window)

	var candidates []SharedRegistrationIP
	if err := retryTransient(ctx, func() error {
		var qerr error
		candidates, qerr = e.store.FirstRequestIPCandidates(ctx, start, now, minUsers, min(limit, detectorCandidateLimit))
		return qerr
	}); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	ips := make([]string, len(candidates))
	for i, c := range candidates {
		ips[i] = c.IP
	}

	var firstRows []FirstRequestRow
	if err := retryTransient(ctx, func() error {
		var qerr error
		firstRows, qerr = e.store.FirstRequestRows(ctx, start, now, ips)
		return qerr
	}); err != nil {
		return nil, err
	}

	usersByIP := make(map[string][]FirstRequestRow, len(candidates))
	allUserIDs := make([]int, 0, len(firstRows))
	for _, r := range firstRows {
		usersByIP[r.IP] = append(usersByIP[r.IP], r)
		allUserIDs = append(allUserIDs, r.UserID)
	}

	users, err := e.store.UsersByIDs(ctx, allUserIDs)
	if err != nil {
		return nil, err
	}
	userByID := make(map[int]*AffiliatedInvitedUser, len(users))
	for i := range users {
		u := users[i]
		userByID[u.ID] = &AffiliatedInvitedUser{
			UserID:       u.ID,
			Username:     u.Username,
			Status:       u.Status,
			UsedQuota:    u.UsedQuota,
			RequestCount: u.RequestCount,
		}
	}

	items := make([]SameIPRegistrationItem, 0, len(candidates))
	for _, c := range candidates {
		rows := usersByIP[c.IP]
		userItems := make([]SameIPRegistrationUser, 0, len(rows))
		bannedCount := 0
		for _, r := range rows {
			item := SameIPRegistrationUser{UserID: r.UserID, FirstRequest: r.FirstTime}
			if u, ok := userByID[r.UserID]; ok {
				item.Username = u.Username
				item.Status = u.Status
				item.UsedQuota = u.UsedQuota
				item.RequestCount = u.RequestCount
				if u.Status == models.UserStatusBanned {
					bannedCount++
				}
			}
			userItems = append(userItems, item)
		}

		riskLevel := "medium"
		if c.UserCount >= 5 || bannedCount > 0 {
			riskLevel = "high"
		}

		items = append(items, SameIPRegistrationItem{
			IP:          c.IP,
			UserCount:   c.UserCount,
			Users:       userItems,
			BannedCount: bannedCount,
			Geo:         e.geo.Lookup(c.IP),
			RiskLevel:   riskLevel,
		})
	}
	result.Items = items
	result.Total = len(items)
	return result, nil
}

// ---------- 槽位合并 ----------

type pairKey struct {
	IP      string
	TokenID int
	UserID  int
}

// mergedPairs 按槽位规划取出窗口内的全部 (ip, token, user) 三元组并合并。
// 终结槽读缓存或补算后持久化，活动槽只算不存。
func (e *RiskEngine) mergedPairs(ctx context.Context, window string, now int64) ([]IPTokenPairRow, error) {
	plan, ok := e.tier.PlanSlots(ctx, pairMetric, window, now)
	if !ok {
		return nil, fmt.Errorf("%w: 窗口 %q 不支持增量合并", ErrInvalidParams, window)
	}

	acc := make(map[pairKey]int64)
	addRows := func(rows []IPTokenPairRow) {
		for _, r := range rows {
			acc[pairKey{IP: r.IP, TokenID: r.TokenID, UserID: r.UserID}] += r.Requests
		}
	}

	for _, slot := range plan.Cached {
		var rows []IPTokenPairRow
		if err := e.tier.GetSlot(ctx, pairMetric, window, slot.Start, &rows); err != nil {
			// 规划与读取之间缓存被清理，按缺失槽补算
			plan.Missing = append(plan.Missing, slot)
			continue
		}
		addRows(rows)
	}

	for _, slot := range plan.Missing {
		rows, err := e.computePairSlot(ctx, slot.Start, slot.End)
		if err != nil {
			return nil, err
		}
		if err := e.tier.SetSlot(ctx, pairMetric, window, slot, rows); err != nil {
			logger.Warn("持久化检测槽失败",
				zap.String("window", window),
				zap.Int64("slot_start", slot.Start),
				zap.Error(err))
		}
		addRows(rows)
	}

	liveRows, err := e.computePairSlot(ctx, plan.Live.Start, now)
	if err != nil {
		return nil, err
	}
	addRows(liveRows)

	merged := make([]IPTokenPairRow, 0, len(acc))
	for k, requests := range acc {
		merged = append(merged, IPTokenPairRow{IP: k.IP, TokenID: k.TokenID, UserID: k.UserID, Requests: requests})
	}
	return merged, nil
}

// computePairSlot 扫描单槽的三元组并裁剪到可持久化的体量
func (e *RiskEngine) computePairSlot(ctx context.Context, start, end int64) ([]IPTokenPairRow, error) {
	var rows []IPTokenPairRow
	if err := retryTransient(ctx, func() error {
		var qerr error
		rows, qerr = e.store.IPTokenPairs(ctx, start, end)
		return qerr
	}); err != nil {
		return nil, err
	}
	return trimSlotPairs(rows), nil
}

// trimSlotPairs 控制单槽存储体量：超限时只保留三个维度
// 各自扇出最高的前 500 个键相关的行，总量以 5000 行封顶。
func trimSlotPairs(rows []IPTokenPairRow) []IPTokenPairRow {
	if len(rows) <= slotPairCap {
		return rows
	}

	ipFan := make(map[string]map[int]struct{})
	tokenFan := make(map[int]map[string]struct{})
	userFan := make(map[int]map[string]struct{})
	for _, r := range rows {
		if ipFan[r.IP] == nil {
			ipFan[r.IP] = make(map[int]struct{})
		}
		ipFan[r.IP][r.TokenID] = struct{}{}
		if tokenFan[r.TokenID] == nil {
			tokenFan[r.TokenID] = make(map[string]struct{})
		}
		tokenFan[r.TokenID][r.IP] = struct{}{}
		if userFan[r.UserID] == nil {
			userFan[r.UserID] = make(map[string]struct{})
		}
		userFan[r.UserID][r.IP] = struct{}{}
	}

	keepIPs := topStringKeys(ipFan, detectorCandidateLimit)
	keepTokens := topIntKeys(tokenFan, detectorCandidateLimit)
	keepUsers := topIntKeys(userFan, detectorCandidateLimit)

	kept := make([]IPTokenPairRow, 0, slotPairCap)
	for _, r := range rows {
		if keepIPs[r.IP] || keepTokens[r.TokenID] || keepUsers[r.UserID] {
			kept = append(kept, r)
		}
	}
	if len(kept) > slotPairCap {
		sort.Slice(kept, func(i, j int) bool { return kept[i].Requests > kept[j].Requests })
		kept = kept[:slotPairCap]
	}
	return kept
}

func topStringKeys(fan map[string]map[int]struct{}, n int) map[string]bool {
	type kv struct {
		key string
		fan int
	}
	list := make([]kv, 0, len(fan))
	for k, set := range fan {
		list = append(list, kv{key: k, fan: len(set)})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].fan != list[j].fan {
			return list[i].fan > list[j].fan
		}
		return list[i].key < list[j].key
	})
	if len(list) > n {
		list = list[:n]
	}
	keep := make(map[string]bool, len(list))
	for _, e := range list {
		keep[e.key] = true
	}
	return keep
}

func topIntKeys(fan map[int]map[string]struct{}, n int) map[int]bool {
	type kv struct {
		key int
		fan int
	}
	list := make([]kv, 0, len(fan))
	for k, set := range fan {
		list = append(list, kv{key: k, fan: len(set)})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].fan != list[j].fan {
			return list[i].fan > list[j].fan
		}
		return list[i].key < list[j].key
	})
	if len(list) > n {
		list = list[:n]
	}
	keep := make(map[int]bool, len(list))
	for _, e := range list {
		keep[e.key] = true
	}
	return keep
}

// ---------- 公共小件 ----------

func clampDetectorLimit(limit int) int {
	if limit <= 0 {
		return defaultDetectorLimit
	}
	if limit > detectorCandidateLimit {
		return detectorCandidateLimit
	}
	return limit
}

func detectorKey(name, window string, threshold, limit int) string {
	return cache.Key("risk", "det", name, window, strconv.Itoa(threshold), strconv.Itoa(limit))
}

// sharingRiskLevel 共享类指标的风险等级：达到 10 视为高危
func sharingRiskLevel(count int64) string {
	if count >= 10 {
		return "high"
	}
	return "medium"
}

// topIPUsage 把 ip→请求数 映射转为请求数降序的前 n 条
func topIPUsage(m map[string]int64, n int) []IPUsageItem {
	items := make([]IPUsageItem, 0, len(m))
	for ip, requests := range m {
		items = append(items, IPUsageItem{IP: ip, Requests: requests})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Requests != items[j].Requests {
			return items[i].Requests > items[j].Requests
		}
		return items[i].IP < items[j].IP
	})
	if len(items) > n {
		items = items[:n]
	}
	return items
}

// tokenNames 批量解析令牌名
func (e *RiskEngine) tokenNames(ctx context.Context, ids []int) (map[int]string, error) {
	ids = dedupInts(ids)
	if len(ids) == 0 {
		return map[int]string{}, nil
	}
	names := make(map[int]string, len(ids))
	err := retryTransient(ctx, func() error {
		tokens, qerr := e.store.TokensByIDs(ctx, ids)
		if qerr != nil {
			return qerr
		}
		for _, t := range tokens {
			names[t.ID] = t.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// usernames 批量解析用户名
func (e *RiskEngine) usernames(ctx context.Context, ids []int) (map[int]string, error) {
	ids = dedupInts(ids)
	if len(ids) == 0 {
		return map[int]string{}, nil
	}
	names := make(map[int]string, len(ids))
	err := retryTransient(ctx, func() error {
		users, qerr := e.store.UsersByIDs(ctx, ids)
		if qerr != nil {
			return qerr
		}
		for _, u := range users {
			names[u.ID] = u.Username
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func dedupInts(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
