package service

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/models"
)

// 单用户窗口内逐行扫描的上限。超过后截断，序列分析只看前 N 行，
// 汇总指标始终走聚合查询，不受截断影响。
const userLogScanLimit = 5000

// 消费成功与调用失败，行为分析关心的两类日志
var consumeTypes = []int{models.LogTypeConsume, models.LogTypeFailure}

// LogStore 网关主库的只读查询面。所有主库 SQL 都集中在这里，
// 上层引擎只拿类型化的行，不拼 SQL。时间窗口一律左闭右开 [start, end)。
type LogStore struct {
	db *database.DB
}

func NewLogStore(db *database.DB) *LogStore {
	return &LogStore{db: db}
}

func (s *LogStore) main(ctx context.Context) *gorm.DB {
	return s.db.Main.WithContext(ctx)
}

// ---------- 总览计数 ----------

// CountUsers 未删除用户总数
func (s *LogStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.main(ctx).Model(&models.User{}).
		Where("deleted_at IS NULL").
		Count(&count).Error
	return count, wrapQuery(err)
}

// CountActiveUsers 窗口内有成功调用且未删除、状态正常的用户数
func (s *LogStore) CountActiveUsers(ctx context.Context, start, end int64) (int64, error) {
	var count int64
	err := s.main(ctx).Table("logs").
		Joins("JOIN users ON users.id = logs.user_id").
		Where("logs.created_at >= ? AND logs.created_at < ? AND logs.type = ?", start, end, models.LogTypeConsume).
		Where("users.deleted_at IS NULL AND users.status = ?", models.UserStatusEnabled).
		Distinct("logs.user_id").
		Count(&count).Error
	return count, wrapQuery(err)
}

// CountTokens 未删除令牌总数
func (s *LogStore) CountTokens(ctx context.Context) (int64, error) {
	var count int64
	err := s.main(ctx).Model(&models.Token{}).
		Where("deleted_at IS NULL").
		Count(&count).Error
	return count, wrapQuery(err)
}

// CountActiveTokens 窗口内有成功调用且未删除、状态正常的令牌数
func (s *LogStore) CountActiveTokens(ctx context.Context, start, end int64) (int64, error) {
	var count int64
	err := s.main(ctx).Table("logs").
		Joins("JOIN tokens ON tokens.id = logs.token_id").
		Where("logs.created_at >= ? AND logs.created_at < ? AND logs.type = ?", start, end, models.LogTypeConsume).
		Where("tokens.deleted_at IS NULL AND tokens.status = ?", models.TokenStatusEnabled).
		Distinct("logs.token_id").
		Count(&count).Error
	return count, wrapQuery(err)
}

// ChannelCountRow 渠道总数与启用数
type ChannelCountRow struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
}

// ChannelCounts 渠道总数与启用数
func (s *LogStore) ChannelCounts(ctx context.Context) (*ChannelCountRow, error) {
	var row ChannelCountRow
	err := s.main(ctx).Table("channels").
		Select("COUNT(*) as total, COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) as active",
			models.ChannelStatusEnabled).
		Scan(&row).Error
	if err != nil {
		return nil, wrapQuery(err)
	}
	return &row, nil
}

// CountEnabledModels 启用渠道上已启用能力的去重模型数
func (s *LogStore) CountEnabledModels(ctx context.Context) (int64, error) {
	var count int64
	err := s.main(ctx).Table("abilities").
		Joins("JOIN channels ON channels.id = abilities.channel_id").
		Where("channels.status = ? AND abilities.enabled = ?", models.ChannelStatusEnabled, true).
		Distinct("abilities.model").
		Count(&count).Error
	return count, wrapQuery(err)
}

// RedemptionCountRow 兑换码总数与未使用数
type RedemptionCountRow struct {
	Total  int64 `json:"total"`
	Unused int64 `json:"unused"`
}

// RedemptionCounts 兑换码总数与未使用数
func (s *LogStore) RedemptionCounts(ctx context.Context) (*RedemptionCountRow, error) {
	var row RedemptionCountRow
	err := s.main(ctx).Table("redemptions").
		Where("deleted_at IS NULL").
		Select("COUNT(*) as total, COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) as unused",
			models.RedemptionStatusEnabled).
		Scan(&row).Error
	if err != nil {
		return nil, wrapQuery(err)
	}
	return &row, nil
}

// ---------- 用量统计 ----------

// UsageStatsRow 窗口内成功调用的聚合指标。
// UseTimeTotal 为耗时总和，跨槽合并后再算平均值。
type UsageStatsRow struct {
	TotalRequests    int64 `json:"total_requests"`
	QuotaUsed        int64 `json:"total_quota_used"`
	PromptTokens     int64 `json:"total_prompt_tokens"`
	CompletionTokens int64 `json:"total_completion_tokens"`
	UseTimeTotal     int64 `json:"use_time_total"`
}

// AvgUseTime 平均响应耗时（毫秒）
func (r *UsageStatsRow) AvgUseTime() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return float64(r.UseTimeTotal) / float64(r.TotalRequests)
}

// Merge 累加另一份聚合
func (r *UsageStatsRow) Merge(other *UsageStatsRow) {
	r.TotalRequests += other.TotalRequests
	r.QuotaUsed += other.QuotaUsed
	r.PromptTokens += other.PromptTokens
	r.CompletionTokens += other.CompletionTokens
	r.UseTimeTotal += other.UseTimeTotal
}

// UsageStats 窗口内成功调用的用量聚合
func (s *LogStore) UsageStats(ctx context.Context, start, end int64) (*UsageStatsRow, error) {
	var row UsageStatsRow
	err := s.main(ctx).Table("logs").
		Select(`
			COUNT(*) as total_requests,
			COALESCE(SUM(quota), 0) as quota_used,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(SUM(use_time), 0) as use_time_total
		`).
		Where("created_at >= ? AND created_at < ? AND type = ?", start, end, models.LogTypeConsume).
		Scan(&row).Error
	if err != nil {
		return nil, wrapQuery(err)
	}
	return &row, nil
}

// ModelUsageRow 单模型用量
type ModelUsageRow struct {
	ModelName        string `json:"model_name"`
	RequestCount     int64  `json:"request_count"`
	QuotaUsed        int64  `json:"quota_used"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// ModelUsage 按请求数排序的模型用量，平手按配额再按名称
func (s *LogStore) ModelUsage(ctx context.Context, start, end int64, limit int) ([]ModelUsageRow, error) {
	var rows []ModelUsageRow
	err := s.main(ctx).Table("logs").
		Select(`
			model_name,
			COUNT(*) as request_count,
			COALESCE(SUM(quota), 0) as quota_used,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens
		`).
		Where("created_at >= ? AND created_at < ? AND type = ?", start, end, models.LogTypeConsume).
		Group("model_name").
		Order("request_count DESC, quota_used DESC, model_name ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// TopUserRow 单用户用量
type TopUserRow struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	RequestCount int64  `json:"request_count"`
	QuotaUsed    int64  `json:"quota_used"`
}

// TopUsers 按配额消耗排序的用户用量，平手按请求数再按用户 id
func (s *LogStore) TopUsers(ctx context.Context, start, end int64, limit int) ([]TopUserRow, error) {
	var rows []TopUserRow
	err := s.main(ctx).Table("logs").
		Select(`
			logs.user_id as user_id,
			MAX(users.username) as username,
			COUNT(*) as request_count,
			COALESCE(SUM(logs.quota), 0) as quota_used
		`).
		Joins("LEFT JOIN users ON users.id = logs.user_id").
		Where("logs.created_at >= ? AND logs.created_at < ? AND logs.type = ?", start, end, models.LogTypeConsume).
		Group("logs.user_id").
		Order("quota_used DESC, request_count DESC, user_id ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// ---------- 趋势 ----------

// DailyTrendRow 单个本地日历日的用量
type DailyTrendRow struct {
	Date         string `json:"date"`
	RequestCount int64  `json:"request_count"`
	QuotaUsed    int64  `json:"quota_used"`
	UniqueUsers  int64  `json:"unique_users"`
}

// DailyTrends 按本地日期分组的日趋势，缺失天由上层补零
func (s *LogStore) DailyTrends(ctx context.Context, start int64) ([]DailyTrendRow, error) {
	dateExpr := s.db.DateExpr()
	var rows []DailyTrendRow
	err := s.main(ctx).Table("logs").
		Select(fmt.Sprintf(`
			%s as date,
			COUNT(*) as request_count,
			COALESCE(SUM(quota), 0) as quota_used,
			COUNT(DISTINCT user_id) as unique_users
		`, dateExpr)).
		Where("created_at >= ? AND type IN ?", start, consumeTypes).
		Group(dateExpr).
		Order("date ASC").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// HourlyTrendRow 单个小时桶的用量，Bucket 为桶起点的 epoch 秒
type HourlyTrendRow struct {
	Bucket       int64 `json:"bucket"`
	RequestCount int64 `json:"request_count"`
	QuotaUsed    int64 `json:"quota_used"`
}

// HourlyTrends 按 floor(created_at/3600) 分桶的小时趋势
func (s *LogStore) HourlyTrends(ctx context.Context, start int64) ([]HourlyTrendRow, error) {
	bucketExpr := s.db.BucketExpr()
	var rows []HourlyTrendRow
	err := s.main(ctx).Table("logs").
		Select(fmt.Sprintf("%s as bucket, COUNT(*) as request_count, COALESCE(SUM(quota), 0) as quota_used", bucketExpr),
			0, 3600).
		Where("created_at >= ? AND type IN ?", start, consumeTypes).
		Group("bucket").
		Order("bucket ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapQuery(err)
	}
	// 桶号换算回桶起点
	for i := range rows {
		rows[i].Bucket *= 3600
	}
	return rows, nil
}

// ChannelStatusRow 渠道状态概览行
type ChannelStatusRow struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Type      int    `json:"type"`
	Status    int    `json:"status"`
	UsedQuota int64  `json:"used_quota"`
}

// ChannelStatus 渠道概览，启用优先、按已用配额降序
func (s *LogStore) ChannelStatus(ctx context.Context, limit int) ([]ChannelStatusRow, error) {
	var rows []ChannelStatusRow
	err := s.main(ctx).Table("channels").
		Select("id, name, type, status, COALESCE(used_quota, 0) as used_quota").
		Order("status ASC, used_quota DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// IPCountRow 单 IP 的请求与用户计数
type IPCountRow struct {
	IP           string `json:"ip"`
	RequestCount int64  `json:"request_count"`
	UserCount    int64  `json:"user_count"`
}

// IPCounts 窗口内按请求数排序的 IP 列表，供地理归并用
func (s *LogStore) IPCounts(ctx context.Context, start, end int64, limit int) ([]IPCountRow, error) {
	var rows []IPCountRow
	err := s.main(ctx).Table("logs").
		Select("ip, COUNT(*) as request_count, COUNT(DISTINCT user_id) as user_count").
		Where("created_at >= ? AND created_at < ? AND type IN ? AND ip IS NOT NULL AND ip <> ''",
			start, end, consumeTypes).
		Group("ip").
		Order("request_count DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// ---------- 用户行为 ----------

// UserByID 读取单个用户，未找到返回 ErrNotFound
func (s *LogStore) UserByID(ctx context.Context, userID int) (*models.User, error) {
	var user models.User
	err := s.main(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: 用户 %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, wrapQuery(err)
	}
	return &user, nil
}

// UsersByIDs 批量读取用户
func (s *LogStore) UsersByIDs(ctx context.Context, ids []int) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []models.User
	err := s.main(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, wrapQuery(err)
}

// TokensByIDs 批量读取令牌，用于合并结果的名称回填
func (s *LogStore) TokensByIDs(ctx context.Context, ids []int) ([]models.Token, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tokens []models.Token
	err := s.main(ctx).Where("id IN ?", ids).Find(&tokens).Error
	return tokens, wrapQuery(err)
}

// AdminUserIDs 所有未删除管理员的用户 id，用于白名单闭包
func (s *LogStore) AdminUserIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := s.main(ctx).Model(&models.User{}).
		Where("role >= ? AND deleted_at IS NULL", models.RoleAdmin).
		Pluck("id", &ids).Error
	return ids, wrapQuery(err)
}

// UserLogRow 行为序列分析用的单行日志
type UserLogRow struct {
	CreatedAt int64  `json:"created_at"`
	Type      int    `json:"type"`
	IP        string `json:"ip"`
	ModelName string `json:"model_name"`
	TokenID   int    `json:"token_id"`
	TokenName string `json:"token_name"`
	Quota     int64  `json:"quota"`
}

// UserLogsInWindow 用户窗口内日志按时间升序，行为分析依赖该顺序
func (s *LogStore) UserLogsInWindow(ctx context.Context, userID int, start, end int64) ([]UserLogRow, error) {
	var rows []UserLogRow
	err := s.main(ctx).Table("logs").
		Select("created_at, type, COALESCE(ip, '') as ip, COALESCE(model_name, '') as model_name, token_id, COALESCE(token_name, '') as token_name, quota").
		Where("user_id = ? AND created_at >= ? AND created_at < ? AND type IN ?", userID, start, end, consumeTypes).
		Order("created_at ASC").
		Limit(userLogScanLimit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// UserWindowSummary 用户窗口内的聚合摘要
type UserWindowSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	SuccessRequests  int64   `json:"success_requests"`
	FailureRequests  int64   `json:"failure_requests"`
	QuotaUsed        int64   `json:"quota_used"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	AvgUseTime       float64 `json:"avg_use_time"`
	UniqueIPs        int64   `json:"unique_ips"`
	UniqueTokens     int64   `json:"unique_tokens"`
	UniqueModels     int64   `json:"unique_models"`
	UniqueChannels   int64   `json:"unique_channels"`
	EmptyCount       int64   `json:"empty_count"`
}

// FailureRate 失败率，无请求时为 0
func (r *UserWindowSummary) FailureRate() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return float64(r.FailureRequests) / float64(r.TotalRequests)
}

// EmptyRate 空回复率（成功但无补全 token），无成功请求时为 0
func (r *UserWindowSummary) EmptyRate() float64 {
	if r.SuccessRequests == 0 {
		return 0
	}
	return float64(r.EmptyCount) / float64(r.SuccessRequests)
}

// UserSummary 用户窗口聚合摘要，独立于逐行扫描，不受行数截断影响
func (s *LogStore) UserSummary(ctx context.Context, userID int, start, end int64) (*UserWindowSummary, error) {
	var row UserWindowSummary
	err := s.main(ctx).Table("logs").
		Select(`
			COUNT(*) as total_requests,
			SUM(CASE WHEN type = 2 THEN 1 ELSE 0 END) as success_requests,
			SUM(CASE WHEN type = 5 THEN 1 ELSE 0 END) as failure_requests,
			COALESCE(SUM(quota), 0) as quota_used,
			COALESCE(SUM(prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) as completion_tokens,
			COALESCE(AVG(use_time), 0) as avg_use_time,
			COUNT(DISTINCT NULLIF(ip, '')) as unique_ips,
			COUNT(DISTINCT token_id) as unique_tokens,
			COUNT(DISTINCT model_name) as unique_models,
			COUNT(DISTINCT channel_id) as unique_channels,
			SUM(CASE WHEN type = 2 AND completion_tokens = 0 THEN 1 ELSE 0 END) as empty_count
		`).
		Where("user_id = ? AND created_at >= ? AND created_at < ? AND type IN ?", userID, start, end, consumeTypes).
		Scan(&row).Error
	if err != nil {
		return nil, wrapQuery(err)
	}
	return &row, nil
}

// RecentLogRow 用户详情页展示的近期日志
type RecentLogRow struct {
	ID               int64   `json:"id"`
	CreatedAt        int64   `json:"created_at"`
	Type             int     `json:"type"`
	ModelName        string  `json:"model_name"`
	Quota            int64   `json:"quota"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	UseTime          float64 `json:"use_time"`
	IP               string  `json:"ip"`
	TokenName        string  `json:"token_name"`
}

// RecentUserLogs 用户窗口内最近 limit 条日志，按时间降序
func (s *LogStore) RecentUserLogs(ctx context.Context, userID int, start, end int64, limit int) ([]RecentLogRow, error) {
	var rows []RecentLogRow
	err := s.main(ctx).Table("logs").
		Select("id, created_at, type, COALESCE(model_name, '') as model_name, quota, prompt_tokens, completion_tokens, use_time, COALESCE(ip, '') as ip, COALESCE(token_name, '') as token_name").
		Where("user_id = ? AND created_at >= ? AND created_at < ? AND type IN ?", userID, start, end, consumeTypes).
		Order("created_at DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// LeaderboardRow 实时排行的单用户聚合
type LeaderboardRow struct {
	UserID           int    `json:"user_id"`
	Username         string `json:"username"`
	UserStatus       int    `json:"user_status"`
	TotalRequests    int64  `json:"request_count"`
	FailureRequests  int64  `json:"failure_requests"`
	QuotaUsed        int64  `json:"quota_used"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	UniqueIPs        int64  `json:"unique_ips"`
}

// Leaderboard 窗口内用户排行，sortBy 取 requests/quota/failure_rate
func (s *LogStore) Leaderboard(ctx context.Context, start, end int64, limit int, sortBy string) ([]LeaderboardRow, error) {
	orderClause := "total_requests DESC, quota_used DESC"
	switch sortBy {
	case "quota":
		orderClause = "quota_used DESC, total_requests DESC"
	case "failure_rate":
		orderClause = "failure_rate DESC, total_requests DESC"
	}

	var rows []LeaderboardRow
	err := s.main(ctx).Table("logs").
		Select(`
			logs.user_id as user_id,
			MAX(users.username) as username,
			MAX(users.status) as user_status,
			COUNT(*) as total_requests,
			SUM(CASE WHEN logs.type = 5 THEN 1 ELSE 0 END) as failure_requests,
			SUM(CASE WHEN logs.type = 5 THEN 1.0 ELSE 0 END) / COUNT(*) as failure_rate,
			COALESCE(SUM(logs.quota), 0) as quota_used,
			COALESCE(SUM(logs.prompt_tokens), 0) as prompt_tokens,
			COALESCE(SUM(logs.completion_tokens), 0) as completion_tokens,
			COUNT(DISTINCT NULLIF(logs.ip, '')) as unique_ips
		`).
		Joins("LEFT JOIN users ON users.id = logs.user_id").
		Where("logs.created_at >= ? AND logs.created_at < ? AND logs.type IN ? AND logs.user_id > 0",
			start, end, consumeTypes).
		Group("logs.user_id").
		Order(orderClause).
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// ---------- 检测器两阶段查询 ----------

// SharedIPCandidate 被多个令牌使用的 IP
type SharedIPCandidate struct {
	IP           string `json:"ip"`
	TokenCount   int64  `json:"token_count"`
	UserCount    int64  `json:"user_count"`
	RequestCount int64  `json:"request_count"`
}

// SharedIPCandidates 阶段一：按 IP 聚合令牌数，达到阈值的候选
func (s *LogStore) SharedIPCandidates(ctx context.Context, start, end int64, minTokens, limit int) ([]SharedIPCandidate, error) {
	var rows []SharedIPCandidate
	err := s.main(ctx).Table("logs").
		Select("ip, COUNT(DISTINCT token_id) as token_count, COUNT(DISTINCT user_id) as user_count, COUNT(*) as request_count").
		Where("created_at >= ? AND created_at < ? AND type IN ? AND ip IS NOT NULL AND ip <> ''",
			start, end, consumeTypes).
		Group("ip").
		Having("COUNT(DISTINCT token_id) >= ?", minTokens).
		Order("token_count DESC, request_count DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// IPTokenDetail 候选 IP 上单个令牌的使用情况
type IPTokenDetail struct {
	IP        string `json:"ip"`
	TokenID   int    `json:"token_id"`
	TokenName string `json:"token_name"`
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	Requests  int64  `json:"requests"`
}

// IPTokenDetails 阶段二：一次批量查询取出候选 IP 上的令牌明细
func (s *LogStore) IPTokenDetails(ctx context.Context, start, end int64, ips []string) ([]IPTokenDetail, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	var rows []IPTokenDetail
	err := s.main(ctx).Table("logs").
		Select(`
			logs.ip as ip,
			logs.token_id as token_id,
			MAX(COALESCE(logs.token_name, '')) as token_name,
			logs.user_id as user_id,
			MAX(COALESCE(users.username, '')) as username,
			COUNT(*) as requests
		`).
		Joins("LEFT JOIN users ON users.id = logs.user_id").
		Where("logs.created_at >= ? AND logs.created_at < ? AND logs.type IN ? AND logs.ip IN ?",
			start, end, consumeTypes, ips).
		Group("logs.ip, logs.token_id, logs.user_id").
		Order("logs.ip ASC, requests DESC").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// MultiIPTokenCandidate 从多个 IP 访问的令牌
type MultiIPTokenCandidate struct {
	TokenID      int    `json:"token_id"`
	TokenName    string `json:"token_name"`
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	IPCount      int64  `json:"ip_count"`
	RequestCount int64  `json:"request_count"`
}

// MultiIPTokenCandidates 阶段一：按令牌聚合 IP 数，达到阈值的候选
func (s *LogStore) MultiIPTokenCandidates(ctx context.Context, start, end int64, minIPs, limit int) ([]MultiIPTokenCandidate, error) {
	var rows []MultiIPTokenCandidate
	err := s.main(ctx).Table("logs").
		Select(`
			logs.token_id as token_id,
			MAX(COALESCE(logs.token_name, '')) as token_name,
			MAX(logs.user_id) as user_id,
			MAX(COALESCE(users.username, '')) as username,
			COUNT(DISTINCT NULLIF(logs.ip, '')) as ip_count,
			COUNT(*) as request_count
		`).
		Joins("LEFT JOIN users ON users.id = logs.user_id").
		Where("logs.created_at >= ? AND logs.created_at < ? AND logs.type IN ? AND logs.token_id > 0",
			start, end, consumeTypes).
		Group("logs.token_id").
		Having("COUNT(DISTINCT NULLIF(logs.ip, '')) >= ?", minIPs).
		Order("ip_count DESC, request_count DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// TokenIPDetail 候选令牌单个来源 IP 的请求数
type TokenIPDetail struct {
	TokenID  int    `json:"token_id"`
	IP       string `json:"ip"`
	Requests int64  `json:"requests"`
}

// TokenIPDetails 阶段二：批量取出候选令牌的来源 IP 明细
func (s *LogStore) TokenIPDetails(ctx context.Context, start, end int64, tokenIDs []int) ([]TokenIPDetail, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}
	var rows []TokenIPDetail
	err := s.main(ctx).Table("logs").
		Select("token_id, ip, COUNT(*) as requests").
		Where("created_at >= ? AND created_at < ? AND type IN ? AND token_id IN ? AND ip IS NOT NULL AND ip <> ''",
			start, end, consumeTypes, tokenIDs).
		Group("token_id, ip").
		Order("token_id ASC, requests DESC").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// MultiIPUserCandidate 从多个 IP 访问的用户
type MultiIPUserCandidate struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	IPCount      int64  `json:"ip_count"`
	RequestCount int64  `json:"request_count"`
}

// MultiIPUserCandidates 阶段一：按用户聚合 IP 数，达到阈值的候选
func (s *LogStore) MultiIPUserCandidates(ctx context.Context, start, end int64, minIPs, limit int) ([]MultiIPUserCandidate, error) {
	var rows []MultiIPUserCandidate
	err := s.main(ctx).Table("logs").
		Select(`
			logs.user_id as user_id,
			MAX(COALESCE(users.username, '')) as username,
			COUNT(DISTINCT NULLIF(logs.ip, '')) as ip_count,
			COUNT(*) as request_count
		`).
		Joins("LEFT JOIN users ON users.id = logs.user_id").
		Where("logs.created_at >= ? AND logs.created_at < ? AND logs.type IN ? AND logs.user_id > 0",
			start, end, consumeTypes).
		Group("logs.user_id").
		Having("COUNT(DISTINCT NULLIF(logs.ip, '')) >= ?", minIPs).
		Order("ip_count DESC, request_count DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// UserIPDetail 候选用户单个来源 IP 的请求数
type UserIPDetail struct {
	UserID   int    `json:"user_id"`
	IP       string `json:"ip"`
	Requests int64  `json:"requests"`
}

// UserIPDetails 阶段二：批量取出候选用户的来源 IP 明细
func (s *LogStore) UserIPDetails(ctx context.Context, start, end int64, userIDs []int) ([]UserIPDetail, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []UserIPDetail
	err := s.main(ctx).Table("logs").
		Select("user_id, ip, COUNT(*) as requests").
		Where("created_at >= ? AND created_at < ? AND type IN ? AND user_id IN ? AND ip IS NOT NULL AND ip <> ''",
			start, end, consumeTypes, userIDs).
		Group("user_id, ip").
		Order("user_id ASC, requests DESC").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// TokenRotationCandidate 令牌数达到阈值的用户
type TokenRotationCandidate struct {
	UserID        int    `json:"user_id"`
	Username      string `json:"username"`
	TokenCount    int64  `json:"token_count"`
	TotalRequests int64  `json:"total_requests"`
}

// TokenRotationCandidates 阶段一：窗口内使用令牌数达到阈值的用户
func (s *LogStore) TokenRotationCandidates(ctx context.Context, start, end int64, minTokens, limit int) ([]TokenRotationCandidate, error) {
	var rows []TokenRotationCandidate
	err := s.main(ctx).Table("logs").
		Select(`
			logs.user_id as user_id,
			MAX(COALESCE(users.username, '')) as username,
			COUNT(DISTINCT logs.token_id) as token_count,
			COUNT(*) as total_requests
		`).
		Joins("LEFT JOIN users ON users.id = logs.user_id").
		Where("logs.created_at >= ? AND logs.created_at < ? AND logs.type IN ? AND logs.user_id > 0 AND logs.token_id > 0",
			start, end, consumeTypes).
		Group("logs.user_id").
		Having("COUNT(DISTINCT logs.token_id) >= ?", minTokens).
		Order("token_count DESC, total_requests DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// UserTokenDetail 候选用户单个令牌的使用区间
type UserTokenDetail struct {
	UserID    int    `json:"user_id"`
	TokenID   int    `json:"token_id"`
	TokenName string `json:"token_name"`
	Requests  int64  `json:"requests"`
	FirstUsed int64  `json:"first_used"`
	LastUsed  int64  `json:"last_used"`
}

// UserTokenDetails 阶段二：批量取出候选用户的令牌使用明细
func (s *LogStore) UserTokenDetails(ctx context.Context, start, end int64, userIDs []int) ([]UserTokenDetail, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []UserTokenDetail
	err := s.main(ctx).Table("logs").
		Select(`
			user_id,
			token_id,
			MAX(COALESCE(token_name, '')) as token_name,
			COUNT(*) as requests,
			MIN(created_at) as first_used,
			MAX(created_at) as last_used
		`).
		Where("created_at >= ? AND created_at < ? AND type IN ? AND user_id IN ? AND token_id > 0",
			start, end, consumeTypes, userIDs).
		Group("user_id, token_id").
		Order("user_id ASC, requests DESC").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// InviterCandidate 邀请人数达到阈值的邀请者
type InviterCandidate struct {
	InviterID    int   `json:"inviter_id"`
	InvitedCount int64 `json:"invited_count"`
}

// AffiliatedInviters 阶段一：邀请了至少 minInvited 个未封禁用户的邀请者
func (s *LogStore) AffiliatedInviters(ctx context.Context, minInvited, limit int) ([]InviterCandidate, error) {
	var rows []InviterCandidate
	err := s.main(ctx).Table("users").
		Select("inviter_id, COUNT(*) as invited_count").
		Where("inviter_id IS NOT NULL AND inviter_id > 0 AND deleted_at IS NULL AND status != ?", models.UserStatusBanned).
		Group("inviter_id").
		Having("COUNT(*) >= ?", minInvited).
		Order("invited_count DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// UsersByInviter 批量取出候选邀请者名下的用户
func (s *LogStore) UsersByInviter(ctx context.Context, inviterIDs []int) ([]models.User, error) {
	if len(inviterIDs) == 0 {
		return nil, nil
	}
	var users []models.User
	err := s.main(ctx).
		Where("inviter_id IN ? AND deleted_at IS NULL", inviterIDs).
		Order("inviter_id ASC, id ASC").
		Find(&users).Error
	return users, wrapQuery(err)
}

// UserActivityRow 单用户窗口内的活跃度
type UserActivityRow struct {
	UserID   int   `json:"user_id"`
	Requests int64 `json:"requests"`
	Quota    int64 `json:"quota_used"`
	LastSeen int64 `json:"last_seen"`
}

// UserActivity 批量取出一组用户窗口内的活跃度
func (s *LogStore) UserActivity(ctx context.Context, start, end int64, userIDs []int) ([]UserActivityRow, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var rows []UserActivityRow
	err := s.main(ctx).Table("logs").
		Select("user_id, COUNT(*) as requests, COALESCE(SUM(quota), 0) as quota, MAX(created_at) as last_seen").
		Where("created_at >= ? AND created_at < ? AND type IN ? AND user_id IN ?",
			start, end, consumeTypes, userIDs).
		Group("user_id").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// SharedRegistrationIP 首次请求落在同一 IP 的用户群
type SharedRegistrationIP struct {
	IP        string `json:"ip"`
	UserCount int64  `json:"user_count"`
}

// firstRequestTimes 窗口内每个用户的首次请求时间子查询
func (s *LogStore) firstRequestTimes(ctx context.Context, start, end int64) *gorm.DB {
	return s.main(ctx).Table("logs").
		Select("user_id, MIN(created_at) as first_request_time").
		Where("created_at >= ? AND created_at < ? AND user_id > 0 AND ip IS NOT NULL AND ip <> ''", start, end).
		Group("user_id")
}

// FirstRequestIPCandidates 阶段一：首请求 IP 相同的用户数达到阈值的 IP
func (s *LogStore) FirstRequestIPCandidates(ctx context.Context, start, end int64, minUsers, limit int) ([]SharedRegistrationIP, error) {
	firstTimes := s.firstRequestTimes(ctx, start, end)
	var rows []SharedRegistrationIP
	err := s.main(ctx).Table("(?) t", firstTimes).
		Select("l.ip as ip, COUNT(*) as user_count").
		Joins("JOIN logs l ON l.user_id = t.user_id AND l.created_at = t.first_request_time").
		Group("l.ip").
		Having("COUNT(*) >= ?", minUsers).
		Order("user_count DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// FirstRequestRow 候选 IP 上单个用户的首次请求
type FirstRequestRow struct {
	IP        string `json:"ip"`
	UserID    int    `json:"user_id"`
	FirstTime int64  `json:"first_request_time"`
}

// FirstRequestRows 阶段二：一次批量取出候选 IP 上所有用户的首次请求
func (s *LogStore) FirstRequestRows(ctx context.Context, start, end int64, ips []string) ([]FirstRequestRow, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	firstTimes := s.firstRequestTimes(ctx, start, end)
	var rows []FirstRequestRow
	err := s.main(ctx).Table("(?) t", firstTimes).
		Select("l.ip as ip, t.user_id as user_id, t.first_request_time as first_time").
		Joins("JOIN logs l ON l.user_id = t.user_id AND l.created_at = t.first_request_time").
		Where("l.ip IN ?", ips).
		Order("l.ip ASC, t.first_request_time ASC").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// IPTokenPairRow 槽位扫描用的 (ip, token, user) 三元组计数。
// 一次扫描同时喂给共享 IP、多 IP 令牌、多 IP 用户三个检测器的槽位缓存。
type IPTokenPairRow struct {
	IP       string `json:"ip"`
	TokenID  int    `json:"token_id"`
	UserID   int    `json:"user_id"`
	Requests int64  `json:"requests"`
}

// IPTokenPairs 窗口内非空 IP 的 (ip, token, user) 聚合
func (s *LogStore) IPTokenPairs(ctx context.Context, start, end int64) ([]IPTokenPairRow, error) {
	var rows []IPTokenPairRow
	err := s.main(ctx).Table("logs").
		Select("ip, token_id, user_id, COUNT(*) as requests").
		Where("created_at >= ? AND created_at < ? AND type IN ? AND ip IS NOT NULL AND ip <> ''",
			start, end, consumeTypes).
		Group("ip, token_id, user_id").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// ---------- 模型状态 ----------

// ModelSlotRow 单模型单槽位的成功率原料
type ModelSlotRow struct {
	ModelName string `json:"model_name"`
	Bucket    int64  `json:"bucket"`
	Total     int64  `json:"total"`
	Success   int64  `json:"success"`
}

// ModelStatusSlots 一条 SQL 把多个模型按槽位分桶聚合
func (s *LogStore) ModelStatusSlots(ctx context.Context, modelNames []string, windowStart, end, slotSeconds int64) ([]ModelSlotRow, error) {
	if len(modelNames) == 0 {
		return nil, nil
	}
	bucketExpr := s.db.BucketExpr()
	var rows []ModelSlotRow
	err := s.main(ctx).Table("logs").
		Select(fmt.Sprintf(`
			model_name,
			%s as bucket,
			COUNT(*) as total,
			SUM(CASE WHEN type = 2 THEN 1 ELSE 0 END) as success
		`, bucketExpr), windowStart, slotSeconds).
		Where("created_at >= ? AND created_at < ? AND type IN ? AND model_name IN ?",
			windowStart, end, consumeTypes, modelNames).
		Group("model_name, bucket").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// ModelCountRow 窗口内单模型的请求量
type ModelCountRow struct {
	ModelName    string `json:"model_name"`
	RequestCount int64  `json:"request_count"`
}

// DistinctModels 窗口内出现过的模型及请求量，按请求数降序
func (s *LogStore) DistinctModels(ctx context.Context, start, end int64) ([]ModelCountRow, error) {
	var rows []ModelCountRow
	err := s.main(ctx).Table("logs").
		Select("model_name, COUNT(*) as request_count").
		Where("created_at >= ? AND created_at < ? AND type IN ? AND model_name IS NOT NULL AND model_name <> ''",
			start, end, consumeTypes).
		Group("model_name").
		Order("request_count DESC, model_name ASC").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// ---------- 分组 ----------

// GroupCountRow 单分组的用户数
type GroupCountRow struct {
	Group string `gorm:"column:grp" json:"group"`
	Count int64  `gorm:"column:cnt" json:"count"`
}

// GroupCounts 未删除用户按分组计数
func (s *LogStore) GroupCounts(ctx context.Context) ([]GroupCountRow, error) {
	quoted := s.db.QuoteGroup()
	var rows []GroupCountRow
	err := s.main(ctx).Table("users").
		Select(fmt.Sprintf("%s as grp, COUNT(*) as cnt", quoted)).
		Where("deleted_at IS NULL").
		Group(quoted).
		Order("cnt DESC").
		Scan(&rows).Error
	return rows, wrapQuery(err)
}

// UsersInGroup 某分组内未删除的正常用户，按 id 升序
func (s *LogStore) UsersInGroup(ctx context.Context, group string, limit int) ([]models.User, error) {
	var users []models.User
	err := s.main(ctx).
		Where(fmt.Sprintf("%s = ? AND deleted_at IS NULL AND status = ?", s.db.QuoteGroup()),
			group, models.UserStatusEnabled).
		Order("id ASC").
		Limit(limit).
		Find(&users).Error
	return users, wrapQuery(err)
}

// ---------- 系统规模与 IP 记录 ----------

// ScaleStats 规模评估的三个输入
type ScaleStats struct {
	TotalUsers int64 `json:"total_users"`
	TotalLogs  int64 `json:"total_logs"`
	Logs24h    int64 `json:"logs_24h"`
}

// SystemScaleStats 读取规模评估指标
func (s *LogStore) SystemScaleStats(ctx context.Context, now int64) (*ScaleStats, error) {
	var stats ScaleStats
	if err := s.main(ctx).Model(&models.User{}).
		Where("deleted_at IS NULL").
		Count(&stats.TotalUsers).Error; err != nil {
		return nil, wrapQuery(err)
	}
	if err := s.main(ctx).Model(&models.Log{}).
		Count(&stats.TotalLogs).Error; err != nil {
		return nil, wrapQuery(err)
	}
	if err := s.main(ctx).Model(&models.Log{}).
		Where("created_at >= ?", now-86400).
		Count(&stats.Logs24h).Error; err != nil {
		return nil, wrapQuery(err)
	}
	return &stats, nil
}

// IPRecordingStats IP 记录开关统计
type IPRecordingStats struct {
	TotalUsers        int64   `json:"total_users"`
	EnabledCount      int64   `json:"enabled_count"`
	DisabledCount     int64   `json:"disabled_count"`
	EnabledPercentage float64 `json:"enabled_percentage"`
	UniqueIPs24h      int64   `json:"unique_ips_24h"`
}

// IPRecordingSnapshot 统计开启了 record_ip_log 的用户占比与 24h 去重 IP 数
func (s *LogStore) IPRecordingSnapshot(ctx context.Context, now int64) (*IPRecordingStats, error) {
	boolExpr := s.db.SettingBoolExpr("record_ip_log")

	type countRow struct {
		TotalUsers   int64
		EnabledCount int64
	}
	var row countRow
	err := s.main(ctx).Table("users").
		Select(fmt.Sprintf(`
			COUNT(*) as total_users,
			COALESCE(SUM(CASE WHEN setting IS NOT NULL AND setting <> '' AND %s IN ('true', '1') THEN 1 ELSE 0 END), 0) as enabled_count
		`, boolExpr)).
		Where("deleted_at IS NULL").
		Scan(&row).Error
	if err != nil {
		return nil, wrapQuery(err)
	}

	stats := &IPRecordingStats{
		TotalUsers:    row.TotalUsers,
		EnabledCount:  row.EnabledCount,
		DisabledCount: row.TotalUsers - row.EnabledCount,
	}
	if row.TotalUsers > 0 {
		stats.EnabledPercentage = float64(row.EnabledCount) / float64(row.TotalUsers) * 100
	}

	err = s.main(ctx).Table("logs").
		Where("created_at >= ? AND ip IS NOT NULL AND ip <> ''", now-86400).
		Distinct("ip").
		Count(&stats.UniqueIPs24h).Error
	if err != nil {
		return nil, wrapQuery(err)
	}
	return stats, nil
}
