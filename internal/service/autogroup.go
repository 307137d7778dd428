package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/models"
)

// 自动分组配置
const (
	cfgKeyAutoGroup    = "auto_group_config"
	autoGroupOperator  = "auto_group"
	autoGroupBatchCap  = 1000
	autoGroupModeSimple   = "simple"
	autoGroupModeBySource = "by_source"
)

// AutoGroupSettings 自动分组配置。
// simple 模式把默认分组的用户统一迁到 target_group；
// by_source 模式按注册来源查 source_rules 决定目标分组。
type AutoGroupSettings struct {
	Enabled             bool              `json:"enabled"`
	DryRun              bool              `json:"dry_run"`
	Mode                string            `json:"mode"`
	DefaultGroup        string            `json:"default_group"`
	TargetGroup         string            `json:"target_group"`
	SourceRules         map[string]string `json:"source_rules"`
	ScanIntervalMinutes int               `json:"scan_interval_minutes"`
	WhitelistIDs        []int             `json:"whitelist_ids"`
}

func defaultAutoGroupSettings() AutoGroupSettings {
	return AutoGroupSettings{
		Mode:         autoGroupModeSimple,
		DefaultGroup: "default",
	}
}

// PendingUser 待分组用户及其推导结果
type PendingUser struct {
	UserID      int    `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Group       string `json:"group"`
	Source      string `json:"source"`
	TargetGroup string `json:"target_group"`
	CreatedAt   int64  `json:"created_at"`
}

// GroupScanResult 一次自动分组扫描的结果
type GroupScanResult struct {
	DryRun       bool              `json:"dry_run"`
	ScannedCount int               `json:"scanned_count"`
	MovedCount   int               `json:"moved_count"`
	SkippedCount int               `json:"skipped_count"`
	ErrorCount   int               `json:"error_count"`
	Details      []GroupMoveDetail `json:"details"`
}

// GroupMoveDetail 单个用户的处理结果
type GroupMoveDetail struct {
	UserID      int    `json:"user_id"`
	Username    string `json:"username"`
	Source      string `json:"source"`
	FromGroup   string `json:"from_group"`
	TargetGroup string `json:"target_group"`
	Moved       bool   `json:"moved"`
	SkipReason  string `json:"skip_reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// AutoGroupPipeline 新用户自动分组流水线
type AutoGroupPipeline struct {
	cfg    *ConfigStore
	store  *LogStore
	writer *Writer
	local  *gorm.DB

	scanMu   sync.Mutex
	lastScan atomic.Int64
}

func NewAutoGroupPipeline(cfg *ConfigStore, store *LogStore, writer *Writer, local *gorm.DB) *AutoGroupPipeline {
	return &AutoGroupPipeline{cfg: cfg, store: store, writer: writer, local: local}
}

// Settings 读取配置，缺省时返回默认值
func (p *AutoGroupPipeline) Settings() (AutoGroupSettings, error) {
	settings := defaultAutoGroupSettings()
	err := p.cfg.Get(cfgKeyAutoGroup, &settings)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return settings, err
	}
	if settings.Mode != autoGroupModeBySource {
		settings.Mode = autoGroupModeSimple
	}
	if settings.DefaultGroup == "" {
		settings.DefaultGroup = "default"
	}
	return settings, nil
}

// UpdateSettings 校验并保存配置
func (p *AutoGroupPipeline) UpdateSettings(settings AutoGroupSettings) error {
	if settings.Mode != autoGroupModeSimple && settings.Mode != autoGroupModeBySource {
		return fmt.Errorf("%w: 不支持的分组模式 %q", ErrInvalidParams, settings.Mode)
	}
	if settings.ScanIntervalMinutes < 0 || settings.ScanIntervalMinutes > 1440 {
		return fmt.Errorf("%w: 扫描间隔须在 0-1440 分钟内", ErrInvalidParams)
	}
	if settings.Mode == autoGroupModeSimple && settings.Enabled && settings.TargetGroup == "" {
		return fmt.Errorf("%w: simple 模式必须配置 target_group", ErrInvalidParams)
	}
	if settings.DefaultGroup == "" {
		settings.DefaultGroup = "default"
	}
	return p.cfg.Set(cfgKeyAutoGroup, settings, "自动分组配置")
}

// detectSource 推断注册来源。多个 OAuth 绑定并存时按固定优先级取第一个。
func detectSource(user *models.User) string {
	switch {
	case user.GitHubID != "":
		return "github"
	case user.WeChatID != "":
		return "wechat"
	case user.TelegramID != "":
		return "telegram"
	case user.DiscordID != "":
		return "discord"
	case user.OIDCID != "":
		return "oidc"
	case user.LinuxDoID != "":
		return "linux_do"
	default:
		return "password"
	}
}

// targetFor 计算用户的目标分组，无规则命中时返回空串
func targetFor(user *models.User, settings AutoGroupSettings) (source, target string) {
	source = detectSource(user)
	if settings.Mode == autoGroupModeSimple {
		return source, settings.TargetGroup
	}
	return source, settings.SourceRules[source]
}

// PendingUsers 列出默认分组里等待分配的用户
func (p *AutoGroupPipeline) PendingUsers(ctx context.Context) ([]PendingUser, error) {
	settings, err := p.Settings()
	if err != nil {
		return nil, err
	}

	users, err := p.store.UsersInGroup(ctx, settings.DefaultGroup, autoGroupBatchCap)
	if err != nil {
		return nil, err
	}

	whitelist := make(map[int]bool, len(settings.WhitelistIDs))
	for _, id := range settings.WhitelistIDs {
		whitelist[id] = true
	}

	pending := make([]PendingUser, 0, len(users))
	for i := range users {
		u := &users[i]
		if whitelist[u.ID] {
			continue
		}
		source, target := targetFor(u, settings)
		pending = append(pending, PendingUser{
			UserID:      u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Group:       u.Group,
			Source:      source,
			TargetGroup: target,
			CreatedAt:   u.CreatedAt,
		})
	}
	return pending, nil
}

// ShouldRun 定时器回调用：按配置间隔判断是否该发起一次扫描
func (p *AutoGroupPipeline) ShouldRun(now time.Time) bool {
	settings, err := p.Settings()
	if err != nil || !settings.Enabled || settings.ScanIntervalMinutes <= 0 {
		return false
	}
	last := p.lastScan.Load()
	return now.Unix()-last >= int64(settings.ScanIntervalMinutes)*60
}

// RunScan 扫描默认分组并迁移。dryRun 非空时覆盖配置；
// 已有扫描在跑时返回 ErrScanBusy。
func (p *AutoGroupPipeline) RunScan(ctx context.Context, dryRun *bool, operator string) (*GroupScanResult, error) {
	if !p.scanMu.TryLock() {
		return nil, fmt.Errorf("%w: 已有扫描在执行", ErrScanBusy)
	}
	defer p.scanMu.Unlock()

	settings, err := p.Settings()
	if err != nil {
		return nil, err
	}
	effectiveDryRun := settings.DryRun
	if dryRun != nil {
		effectiveDryRun = *dryRun
	}
	if operator == "" {
		operator = autoGroupOperator
	}
	p.lastScan.Store(time.Now().Unix())

	pending, err := p.PendingUsers(ctx)
	if err != nil {
		return nil, err
	}

	result := &GroupScanResult{DryRun: effectiveDryRun, Details: []GroupMoveDetail{}}
	for _, u := range pending {
		result.ScannedCount++
		detail := GroupMoveDetail{
			UserID:      u.UserID,
			Username:    u.Username,
			Source:      u.Source,
			FromGroup:   u.Group,
			TargetGroup: u.TargetGroup,
		}

		if u.TargetGroup == "" {
			detail.SkipReason = "无匹配规则"
			result.SkippedCount++
			result.Details = append(result.Details, detail)
			continue
		}
		if u.TargetGroup == u.Group {
			detail.SkipReason = "已在目标分组"
			result.SkippedCount++
			result.Details = append(result.Details, detail)
			continue
		}

		if effectiveDryRun {
			detail.Moved = true
			result.MovedCount++
			result.Details = append(result.Details, detail)
			continue
		}

		if _, err := p.writer.MoveGroup(ctx, u.UserID, u.TargetGroup, operator, models.AutoGroupActionAssign, u.Source); err != nil {
			detail.Error = err.Error()
			result.ErrorCount++
			result.Details = append(result.Details, detail)
			continue
		}
		detail.Moved = true
		result.MovedCount++
		result.Details = append(result.Details, detail)
	}

	logger.Info("自动分组扫描结束",
		zap.Bool("dry_run", effectiveDryRun),
		zap.Int("scanned", result.ScannedCount),
		zap.Int("moved", result.MovedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Int("errors", result.ErrorCount))
	return result, nil
}

// BatchMove 手动把一批用户迁到指定分组
func (p *AutoGroupPipeline) BatchMove(ctx context.Context, userIDs []int, target, operator string) (*GroupScanResult, error) {
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("%w: 用户列表为空", ErrInvalidParams)
	}
	if len(userIDs) > autoGroupBatchCap {
		return nil, fmt.Errorf("%w: 单批最多 %d 个用户", ErrInvalidParams, autoGroupBatchCap)
	}
	if target == "" {
		return nil, fmt.Errorf("%w: 目标分组为空", ErrInvalidParams)
	}

	result := &GroupScanResult{Details: []GroupMoveDetail{}}
	for _, id := range userIDs {
		result.ScannedCount++
		detail := GroupMoveDetail{UserID: id, TargetGroup: target}

		entry, err := p.writer.MoveGroup(ctx, id, target, operator, models.AutoGroupActionAssign, "manual")
		if err != nil {
			if errors.Is(err, ErrInvalidParams) {
				detail.SkipReason = "已在目标分组"
				result.SkippedCount++
			} else {
				detail.Error = err.Error()
				result.ErrorCount++
			}
			result.Details = append(result.Details, detail)
			continue
		}
		detail.Username = entry.Username
		detail.FromGroup = entry.OldGroup
		detail.Moved = true
		result.MovedCount++
		result.Details = append(result.Details, detail)
	}
	return result, nil
}

// Revert 回滚一次分组变更。用户当前分组与记录的新分组不一致时
// 说明中间有人动过，拒绝回滚。
func (p *AutoGroupPipeline) Revert(ctx context.Context, logID int64, operator string) (*models.AutoGroupLog, error) {
	var entry models.AutoGroupLog
	err := p.local.First(&entry, logID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: 分组记录 %d", ErrNotFound, logID)
	}
	if err != nil {
		return nil, wrapQuery(err)
	}
	if entry.Action != models.AutoGroupActionAssign {
		return nil, fmt.Errorf("%w: 只有 assign 记录可以回滚", ErrInvalidParams)
	}

	user, err := p.store.UserByID(ctx, entry.UserID)
	if err != nil {
		return nil, err
	}
	if user.Group != entry.NewGroup {
		return nil, fmt.Errorf("%w: 用户 %d 当前分组 %s 与记录不符，拒绝回滚",
			ErrInvalidParams, entry.UserID, user.Group)
	}

	return p.writer.MoveGroup(ctx, entry.UserID, entry.OldGroup, operator, models.AutoGroupActionRevert, entry.Source)
}

// GroupStats 自动分组统计
type GroupStats struct {
	Groups      []GroupCountRow `json:"groups"`
	AssignCount int64           `json:"assign_count"`
	RevertCount int64           `json:"revert_count"`
}

// Stats 分组分布与历史迁移量
func (p *AutoGroupPipeline) Stats(ctx context.Context) (*GroupStats, error) {
	groups, err := p.store.GroupCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &GroupStats{Groups: groups}
	if err := p.local.Model(&models.AutoGroupLog{}).
		Where("action = ?", models.AutoGroupActionAssign).
		Count(&stats.AssignCount).Error; err != nil {
		return nil, wrapQuery(err)
	}
	if err := p.local.Model(&models.AutoGroupLog{}).
		Where("action = ?", models.AutoGroupActionRevert).
		Count(&stats.RevertCount).Error; err != nil {
		return nil, wrapQuery(err)
	}
	return stats, nil
}

// Logs 分页读取分组变更记录
func (p *AutoGroupPipeline) Logs(page, pageSize int) ([]models.AutoGroupLog, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	var total int64
	if err := p.local.Model(&models.AutoGroupLog{}).Count(&total).Error; err != nil {
		return nil, 0, wrapQuery(err)
	}

	var entries []models.AutoGroupLog
	err := p.local.Model(&models.AutoGroupLog{}).
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&entries).Error
	if err != nil {
		return nil, 0, wrapQuery(err)
	}
	return entries, total, nil
}

// Groups 现存分组名列表，供前端下拉选择
func (p *AutoGroupPipeline) Groups(ctx context.Context) ([]string, error) {
	rows, err := p.store.GroupCounts(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.Group != "" {
			names = append(names, r.Group)
		}
	}
	return names, nil
}
