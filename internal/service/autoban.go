package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/models"
)

// 自动封禁配置与缓存键
const (
	cfgKeyAIBan       = "ai_ban_config"
	cfgKeyAIWhitelist = "ai_ban_whitelist"
	kvAIBanCooldown   = "aiban:cooldown:"
	kvAIBanModels     = "aiban:models"
)

// 候选筛选参数
const (
	aibanCandidateLimit = 50
	aibanMinRequests    = 50
	aibanExcludedShare  = 0.8
	aibanModelsCacheTTL = 30 * 24 * time.Hour
	aibanOperator       = "ai_auto_ban"
)

// AIBanSettings AI 自动封禁配置。api_key 不出现在对外响应里，
// 见 Masked。
type AIBanSettings struct {
	Enabled             bool     `json:"enabled"`
	DryRun              bool     `json:"dry_run"`
	BaseURL             string   `json:"base_url"`
	APIKey              string   `json:"api_key"`
	Model               string   `json:"model"`
	ScanIntervalMinutes int      `json:"scan_interval_minutes"`
	Window              string   `json:"window"`
	CooldownHours       int      `json:"cooldown_hours"`
	CustomPrompt        string   `json:"custom_prompt"`
	WhitelistIPs        []string `json:"whitelist_ips"`
	BlacklistIPs        []string `json:"blacklist_ips"`
	ExcludedModels      []string `json:"excluded_models"`
	ExcludedGroups      []string `json:"excluded_groups"`
}

func defaultAIBanSettings() AIBanSettings {
	return AIBanSettings{
		Window:        "24h",
		CooldownHours: 24,
	}
}

func (s AIBanSettings) llm() LLMSettings {
	return LLMSettings{BaseURL: s.BaseURL, APIKey: s.APIKey, Model: s.Model}
}

// Masked 返回脱敏副本，api_key 只保留末四位
func (s AIBanSettings) Masked() AIBanSettings {
	out := s
	if n := len(out.APIKey); n > 4 {
		out.APIKey = "****" + out.APIKey[n-4:]
	} else if n > 0 {
		out.APIKey = "****"
	}
	return out
}

// WhitelistEntry 免扫白名单条目。expires_at 为 0 表示永久。
type WhitelistEntry struct {
	ID        int64  `json:"id"`
	UserID    int    `json:"user_id"`
	Username  string `json:"username"`
	Reason    string `json:"reason"`
	AddedBy   string `json:"added_by"`
	AddedAt   int64  `json:"added_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// ScanDetail 单个候选的处理结果
type ScanDetail struct {
	UserID     int     `json:"user_id"`
	Username   string  `json:"username"`
	Action     string  `json:"action"`
	RiskScore  float64 `json:"risk_score,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	SkipReason string  `json:"skip_reason,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ScanResult 一次扫描的汇总结果，与 ai_audit_logs 一行对应
type ScanResult struct {
	ScanID         string       `json:"scan_id"`
	Status         string       `json:"status"`
	Window         string       `json:"window"`
	DryRun         bool         `json:"dry_run"`
	CandidateCount int          `json:"candidate_count"`
	EvaluatedCount int          `json:"evaluated_count"`
	BannedCount    int          `json:"banned_count"`
	WarnedCount    int          `json:"warned_count"`
	SkippedCount   int          `json:"skipped_count"`
	ErrorCount     int          `json:"error_count"`
	ElapsedSeconds float64      `json:"elapsed_seconds"`
	Details        []ScanDetail `json:"details"`
}

// AutoBanPipeline AI 自动封禁流水线：
// 排行榜出候选 → 规则粗筛 → 行为分析 → AI 裁决 → Writer 执行。
// 同一时刻只允许一次扫描。
type AutoBanPipeline struct {
	cfg    *ConfigStore
	store  *LogStore
	risk   *RiskEngine
	writer *Writer
	llm    *LLMClient
	local  *gorm.DB

	scanMu   sync.Mutex
	lastScan atomic.Int64
}

func NewAutoBanPipeline(cfg *ConfigStore, store *LogStore, risk *RiskEngine, writer *Writer, llm *LLMClient, local *gorm.DB) *AutoBanPipeline {
	return &AutoBanPipeline{
		cfg:    cfg,
		store:  store,
		risk:   risk,
		writer: writer,
		llm:    llm,
		local:  local,
	}
}

// Settings 读取配置，缺省时返回默认值
func (p *AutoBanPipeline) Settings() (AIBanSettings, error) {
	settings := defaultAIBanSettings()
	err := p.cfg.Get(cfgKeyAIBan, &settings)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return settings, err
	}
	if !ValidWindow(settings.Window) {
		settings.Window = "24h"
	}
	if settings.CooldownHours <= 0 {
		settings.CooldownHours = 24
	}
	return settings, nil
}

// UpdateSettings 校验并保存配置。自定义模板引用了闭集外占位符
// 时拒绝保存，避免运行时静默回落默认模板让用户困惑。
func (p *AutoBanPipeline) UpdateSettings(settings AIBanSettings) error {
	if settings.Window != "" && !ValidWindow(settings.Window) {
		return fmt.Errorf("%w: 不支持的时间窗口 %q", ErrInvalidParams, settings.Window)
	}
	if settings.ScanIntervalMinutes < 0 || settings.ScanIntervalMinutes > 1440 {
		return fmt.Errorf("%w: 扫描间隔须在 0-1440 分钟内", ErrInvalidParams)
	}
	if tmpl := strings.TrimSpace(settings.CustomPrompt); tmpl != "" && !validPromptTemplate(tmpl) {
		return fmt.Errorf("%w: 自定义提示词包含未知占位符", ErrInvalidParams)
	}
	if settings.Window == "" {
		settings.Window = "24h"
	}
	if settings.CooldownHours <= 0 {
		settings.CooldownHours = 24
	}
	return p.cfg.Set(cfgKeyAIBan, settings, "AI 自动封禁配置")
}

// Whitelist 读取显式白名单，已过期条目顺手剔除
func (p *AutoBanPipeline) Whitelist() ([]WhitelistEntry, error) {
	var entries []WhitelistEntry
	err := p.cfg.Get(cfgKeyAIWhitelist, &entries)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().Unix()
	alive := make([]WhitelistEntry, 0, len(entries))
	for _, e := range entries {
		if e.ExpiresAt == 0 || e.ExpiresAt > now {
			alive = append(alive, e)
		}
	}
	if len(alive) != len(entries) {
		if err := p.cfg.Set(cfgKeyAIWhitelist, alive, "AI 封禁白名单"); err != nil {
			logger.Warn("清理过期白名单失败", zap.Error(err))
		}
	}
	return alive, nil
}

// AddWhitelist 添加白名单条目。重复添加覆盖原条目。
func (p *AutoBanPipeline) AddWhitelist(ctx context.Context, userID int, reason, addedBy string, expiresAt int64) (*WhitelistEntry, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: 用户 id 必须为正", ErrInvalidParams)
	}
	user, err := p.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries, err := p.Whitelist()
	if err != nil {
		return nil, err
	}

	var maxID int64
	kept := entries[:0]
	for _, e := range entries {
		if e.ID > maxID {
			maxID = e.ID
		}
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	entry := WhitelistEntry{
		ID:        maxID + 1,
		UserID:    userID,
		Username:  user.Username,
		Reason:    reason,
		AddedBy:   addedBy,
		AddedAt:   time.Now().Unix(),
		ExpiresAt: expiresAt,
	}
	kept = append(kept, entry)

	if err := p.cfg.Set(cfgKeyAIWhitelist, kept, "AI 封禁白名单"); err != nil {
		return nil, err
	}
	logger.Info("白名单已添加",
		zap.Int("user_id", userID),
		zap.String("username", user.Username),
		zap.String("added_by", addedBy))
	return &entry, nil
}

// RemoveWhitelist 移除白名单条目，不存在时返回 ErrNotFound
func (p *AutoBanPipeline) RemoveWhitelist(userID int) error {
	entries, err := p.Whitelist()
	if err != nil {
		return err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.UserID == userID {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return fmt.Errorf("%w: 白名单中没有用户 %d", ErrNotFound, userID)
	}
	return p.cfg.Set(cfgKeyAIWhitelist, kept, "AI 封禁白名单")
}

// protectedIDs 白名单闭包：显式条目 + 根账号(id 1) + 全部管理员。
// 管理员查询失败时只记日志，闭包收窄到已知部分。
func (p *AutoBanPipeline) protectedIDs(ctx context.Context) map[int]bool {
	ids := map[int]bool{1: true}

	admins, err := p.store.AdminUserIDs(ctx)
	if err != nil {
		logger.Warn("查询管理员列表失败，白名单闭包不完整", zap.Error(err))
	}
	for _, id := range admins {
		ids[id] = true
	}

	entries, err := p.Whitelist()
	if err != nil {
		logger.Warn("读取白名单失败", zap.Error(err))
	}
	for _, e := range entries {
		ids[e.UserID] = true
	}
	return ids
}

func (p *AutoBanPipeline) cooldownKey(userID int) string {
	return fmt.Sprintf("%s%d", kvAIBanCooldown, userID)
}

func (p *AutoBanPipeline) inCooldown(userID int) bool {
	_, ok := p.cfg.GetKV(p.cooldownKey(userID))
	return ok
}

func (p *AutoBanPipeline) markCooldown(userID int, scanID string, hours int) {
	ttl := time.Duration(hours) * time.Hour
	if err := p.cfg.SetKV(p.cooldownKey(userID), []byte(scanID), ttl); err != nil {
		logger.Warn("写入冷却标记失败", zap.Int("user_id", userID), zap.Error(err))
	}
}

// ScanRunning 是否有扫描正在进行
func (p *AutoBanPipeline) ScanRunning() bool {
	if p.scanMu.TryLock() {
		p.scanMu.Unlock()
		return false
	}
	return true
}

// ShouldRun 定时器回调用：按配置间隔判断是否该发起一次扫描
func (p *AutoBanPipeline) ShouldRun(now time.Time) bool {
	settings, err := p.Settings()
	if err != nil || !settings.Enabled || settings.ScanIntervalMinutes <= 0 {
		return false
	}
	last := p.lastScan.Load()
	return now.Unix()-last >= int64(settings.ScanIntervalMinutes)*60
}

// RunScan 执行一次完整扫描。dryRun 非空时覆盖配置里的 dry_run；
// 已有扫描在跑时返回 ErrScanBusy。
func (p *AutoBanPipeline) RunScan(ctx context.Context, dryRun *bool, operator string) (*ScanResult, error) {
	if !p.scanMu.TryLock() {
		return nil, fmt.Errorf("%w: 已有扫描在执行", ErrScanBusy)
	}
	defer p.scanMu.Unlock()

	settings, err := p.Settings()
	if err != nil {
		return nil, err
	}
	if suspended, remaining := p.llm.Suspended(); suspended {
		return nil, fmt.Errorf("%w: 剩余 %d 秒", ErrAPISuspended, remaining)
	}

	effectiveDryRun := settings.DryRun
	if dryRun != nil {
		effectiveDryRun = *dryRun
	}
	if operator == "" {
		operator = aibanOperator
	}

	start := time.Now()
	p.lastScan.Store(start.Unix())

	result := &ScanResult{
		ScanID:  start.Format("20060102-150405"),
		Window:  settings.Window,
		DryRun:  effectiveDryRun,
		Details: []ScanDetail{},
	}

	logger.Info("AI 自动封禁扫描开始",
		zap.String("scan_id", result.ScanID),
		zap.String("window", settings.Window),
		zap.Bool("dry_run", effectiveDryRun),
		zap.String("operator", operator))

	p.scan(ctx, settings, effectiveDryRun, operator, result)

	result.ElapsedSeconds = time.Since(start).Seconds()
	result.Status = scanStatus(result)

	if err := p.writeAuditLog(result); err != nil {
		logger.Error("写入扫描记录失败", zap.String("scan_id", result.ScanID), zap.Error(err))
	}

	logger.Info("AI 自动封禁扫描结束",
		zap.String("scan_id", result.ScanID),
		zap.String("status", result.Status),
		zap.Int("candidates", result.CandidateCount),
		zap.Int("evaluated", result.EvaluatedCount),
		zap.Int("banned", result.BannedCount),
		zap.Int("warned", result.WarnedCount),
		zap.Int("errors", result.ErrorCount),
		zap.Float64("elapsed_s", result.ElapsedSeconds))
	return result, nil
}

func (p *AutoBanPipeline) scan(ctx context.Context, settings AIBanSettings, dryRun bool, operator string, result *ScanResult) {
	boards, err := p.risk.Leaderboards(ctx, []string{settings.Window}, aibanCandidateLimit, "requests")
	if err != nil {
		result.ErrorCount++
		result.Details = append(result.Details, ScanDetail{Action: "ERROR", Error: err.Error()})
		return
	}
	candidates := boards[settings.Window]
	result.CandidateCount = len(candidates)
	if len(candidates) == 0 {
		return
	}

	winSeconds := WindowDuration(settings.Window)
	protected := p.protectedIDs(ctx)

	for _, cand := range candidates {
		detail := ScanDetail{UserID: cand.UserID, Username: cand.Username}

		if skip := p.preCheck(cand, protected); skip != "" {
			detail.Action = VerdictActionSkip
			detail.SkipReason = skip
			result.SkippedCount++
			result.Details = append(result.Details, detail)
			continue
		}

		analysis, err := p.risk.Analyze(ctx, cand.UserID, winSeconds, 0)
		if err != nil {
			detail.Action = "ERROR"
			detail.Error = err.Error()
			result.ErrorCount++
			result.Details = append(result.Details, detail)
			continue
		}

		if skip := p.behaviorCheck(analysis, settings); skip != "" {
			detail.Action = VerdictActionSkip
			detail.SkipReason = skip
			result.SkippedCount++
			result.Details = append(result.Details, detail)
			continue
		}

		result.EvaluatedCount++
		userMsg := BuildPrompt(settings.CustomPrompt, promptValues(analysis, settings))
		content, err := p.llm.Chat(ctx, settings.llm(), defaultSystemPrompt, userMsg)
		if err != nil {
			detail.Action = "ERROR"
			detail.Error = err.Error()
			result.ErrorCount++
			result.Details = append(result.Details, detail)
			// 熔断触发后剩余候选没有意义，整轮提前结束
			if errors.Is(err, ErrAPISuspended) {
				logger.Warn("AI 接口熔断，提前结束扫描", zap.String("scan_id", result.ScanID))
				return
			}
			continue
		}

		verdict, err := ParseVerdict(content)
		if err != nil {
			detail.Action = "ERROR"
			detail.Error = err.Error()
			result.ErrorCount++
			result.Details = append(result.Details, detail)
			continue
		}

		// 评估过就进冷却期，裁决结果不影响
		p.markCooldown(cand.UserID, result.ScanID, settings.CooldownHours)

		detail.Action = verdict.Action
		detail.RiskScore = verdict.RiskScore
		detail.Confidence = verdict.Confidence
		detail.Reason = verdict.Reason

		auditCtx := map[string]interface{}{
			"scan_id":    result.ScanID,
			"risk_score": verdict.RiskScore,
			"confidence": verdict.Confidence,
			"window":     settings.Window,
			"source":     aibanOperator,
		}

		switch verdict.Action {
		case VerdictActionBan:
			if dryRun {
				result.BannedCount++
				break
			}
			if err := p.writer.BanUser(ctx, cand.UserID, verdict.Reason, true, operator, auditCtx); err != nil {
				detail.Action = "ERROR"
				detail.Error = err.Error()
				result.ErrorCount++
				break
			}
			result.BannedCount++
		case VerdictActionWarn:
			if dryRun {
				result.WarnedCount++
				break
			}
			if err := p.writer.WarnUser(ctx, cand.UserID, cand.Username, operator, verdict.Reason, auditCtx); err != nil {
				detail.Action = "ERROR"
				detail.Error = err.Error()
				result.ErrorCount++
				break
			}
			result.WarnedCount++
		default:
			result.SkippedCount++
		}
		result.Details = append(result.Details, detail)
	}
}

// preCheck 不用查库就能做的粗筛，返回跳过原因
func (p *AutoBanPipeline) preCheck(cand LeaderboardEntry, protected map[int]bool) string {
	switch {
	case cand.UserStatus == models.UserStatusBanned:
		return "已封禁"
	case protected[cand.UserID]:
		return "白名单"
	case p.inCooldown(cand.UserID):
		return "冷却期内"
	case cand.TotalRequests < aibanMinRequests:
		return "请求数不足"
	}
	return ""
}

// behaviorCheck 基于行为分析的筛选，返回跳过原因
func (p *AutoBanPipeline) behaviorCheck(analysis *UserAnalysis, settings AIBanSettings) string {
	if !HasIPRiskFlag(analysis.Risk.RiskFlags) {
		return "无 IP 风险标记"
	}
	if excludedShare(analysis.TopModels, settings.ExcludedModels) > aibanExcludedShare {
		return "排除模型流量占比过高"
	}
	if len(settings.ExcludedGroups) > 0 {
		for _, g := range settings.ExcludedGroups {
			if g == analysis.User.Group {
				return "排除分组"
			}
		}
	}
	return ""
}

// excludedShare 排除模型的请求量占比
func excludedShare(items []ModelUsageItem, excluded []string) float64 {
	if len(excluded) == 0 || len(items) == 0 {
		return 0
	}
	set := make(map[string]bool, len(excluded))
	for _, m := range excluded {
		set[m] = true
	}
	var total, hit int64
	for _, item := range items {
		total += item.Requests
		if set[item.ModelName] {
			hit += item.Requests
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hit) / float64(total)
}

// promptValues 把分析结果摊平成模板占位符
func promptValues(analysis *UserAnalysis, settings AIBanSettings) map[string]string {
	sw := analysis.Risk.IPSwitch

	avgPerToken := float64(0)
	if analysis.Summary.UniqueTokens > 0 {
		avgPerToken = float64(analysis.Summary.TotalRequests) / float64(analysis.Summary.UniqueTokens)
	}
	rotationRisk := "low"
	if analysis.Summary.UniqueTokens >= 5 && avgPerToken <= 10 {
		rotationRisk = "high"
	}

	userIPs := make([]string, 0, len(analysis.TopIPs))
	for _, item := range analysis.TopIPs {
		userIPs = append(userIPs, item.IP)
	}

	return map[string]string{
		"user_id":                fmt.Sprintf("%d", analysis.User.ID),
		"username":               analysis.User.Username,
		"user_group":             analysis.User.Group,
		"total_requests":         fmt.Sprintf("%d", analysis.Summary.TotalRequests),
		"unique_models":          fmt.Sprintf("%d", analysis.Summary.UniqueModels),
		"unique_tokens":          fmt.Sprintf("%d", analysis.Summary.UniqueTokens),
		"unique_ips":             fmt.Sprintf("%d", analysis.Summary.UniqueIPs),
		"switch_count":           fmt.Sprintf("%d", sw.SwitchCount),
		"real_switch_count":      fmt.Sprintf("%d", sw.RealSwitchCount),
		"dual_stack_switches":    fmt.Sprintf("%d", sw.DualStackSwitches),
		"rapid_switch_count":     fmt.Sprintf("%d", sw.RapidSwitchCount),
		"avg_ip_duration":        fmt.Sprintf("%.1f", sw.AvgIPDurationS),
		"min_switch_interval":    fmt.Sprintf("%d", sw.MinSwitchIntervalS),
		"risk_flags":             strings.Join(analysis.Risk.RiskFlags, ", "),
		"avg_requests_per_token": fmt.Sprintf("%.1f", avgPerToken),
		"token_rotation_risk":    rotationRisk,
		"whitelist_ips":          joinOrNone(settings.WhitelistIPs),
		"blacklist_ips":          joinOrNone(settings.BlacklistIPs),
		"user_whitelisted_ips":   joinOrNone(matchIPList(userIPs, settings.WhitelistIPs)),
		"user_blacklisted_ips":   joinOrNone(matchIPList(userIPs, settings.BlacklistIPs)),
		"user_ips":               joinOrNone(userIPs),
	}
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "无"
	}
	return strings.Join(items, ", ")
}

// matchIPList 返回命中名单的 IP。名单条目支持裸 IP 与 CIDR。
func matchIPList(ips, list []string) []string {
	if len(list) == 0 {
		return nil
	}

	exact := make(map[string]bool)
	var nets []*net.IPNet
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipNet)
			continue
		}
		exact[entry] = true
	}

	var matched []string
	for _, ip := range ips {
		if exact[ip] {
			matched = append(matched, ip)
			continue
		}
		parsed := net.ParseIP(ip)
		if parsed == nil {
			continue
		}
		for _, ipNet := range nets {
			if ipNet.Contains(parsed) {
				matched = append(matched, ip)
				break
			}
		}
	}
	return matched
}

// scanStatus 依结果归类扫描状态
func scanStatus(result *ScanResult) string {
	switch {
	case result.CandidateCount == 0 && result.ErrorCount == 0:
		return models.AIScanStatusEmpty
	case result.ErrorCount == 0:
		return models.AIScanStatusSuccess
	case result.BannedCount+result.WarnedCount+result.SkippedCount == 0:
		return models.AIScanStatusFailed
	default:
		return models.AIScanStatusPartial
	}
}

func (p *AutoBanPipeline) writeAuditLog(result *ScanResult) error {
	details, err := json.Marshal(result.Details)
	if err != nil {
		details = []byte("[]")
	}
	entry := models.AIAuditLog{
		ScanID:         result.ScanID,
		Status:         result.Status,
		Window:         result.Window,
		CandidateCount: result.CandidateCount,
		EvaluatedCount: result.EvaluatedCount,
		BannedCount:    result.BannedCount,
		WarnedCount:    result.WarnedCount,
		SkippedCount:   result.SkippedCount,
		ErrorCount:     result.ErrorCount,
		DryRun:         result.DryRun,
		ElapsedSeconds: result.ElapsedSeconds,
		Details:        string(details),
		CreatedAt:      time.Now().Unix(),
	}
	return p.local.Create(&entry).Error
}

// AuditLogs 分页读取扫描记录，status 为空时不过滤
func (p *AutoBanPipeline) AuditLogs(page, pageSize int, status string) ([]models.AIAuditLog, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	query := p.local.Model(&models.AIAuditLog{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapQuery(err)
	}

	var entries []models.AIAuditLog
	err := query.Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	if err != nil {
		return nil, 0, wrapQuery(err)
	}
	return entries, total, nil
}

type modelListCache struct {
	BaseURL   string   `json:"base_url"`
	FetchedAt int64    `json:"fetched_at"`
	Models    []string `json:"models"`
}

// ListModels 拉取端点可用模型。结果按 base_url 缓存 30 天，
// base_url 变更或 force 为真时强制刷新。
func (p *AutoBanPipeline) ListModels(ctx context.Context, force bool) ([]string, bool, error) {
	settings, err := p.Settings()
	if err != nil {
		return nil, false, err
	}

	if !force {
		if raw, ok := p.cfg.GetKV(kvAIBanModels); ok {
			var cached modelListCache
			if json.Unmarshal(raw, &cached) == nil && cached.BaseURL == settings.BaseURL {
				return cached.Models, true, nil
			}
		}
	}

	names, err := p.llm.ListModels(ctx, settings.llm())
	if err != nil {
		return nil, false, err
	}

	blob, err := json.Marshal(modelListCache{
		BaseURL:   settings.BaseURL,
		FetchedAt: time.Now().Unix(),
		Models:    names,
	})
	if err == nil {
		if err := p.cfg.SetKV(kvAIBanModels, blob, aibanModelsCacheTTL); err != nil {
			logger.Warn("缓存模型列表失败", zap.Error(err))
		}
	}
	return names, false, nil
}

// TestConnection 用当前配置对模型发一次连通性探测
func (p *AutoBanPipeline) TestConnection(ctx context.Context) (*ModelTestResult, error) {
	settings, err := p.Settings()
	if err != nil {
		return nil, err
	}
	return p.llm.TestModel(ctx, settings.llm()), nil
}
