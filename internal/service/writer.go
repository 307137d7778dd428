package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/models"
)

// Writer 核心里唯一允许写网关库的组件。
// 每个写操作独立事务，提交后补审计，最后清相关缓存前缀。
type Writer struct {
	db   *database.DB
	tier *cache.Tier
}

// NewWriter 创建写入器
func NewWriter(db *database.DB, tier *cache.Tier) *Writer {
	return &Writer{db: db, tier: tier}
}

func (w *Writer) userByID(ctx context.Context, userID int) (*models.User, error) {
	var user models.User
	err := w.db.Main.WithContext(ctx).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: 用户 %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, wrapQuery(err)
	}
	return &user, nil
}

// audit 落一条安全审计。审计失败时变更已生效，错误原样上抛
// 让调用方知道这次操作没有留痕。
func (w *Writer) audit(entry *models.SecurityAudit) error {
	entry.CreatedAt = time.Now().Unix()
	if err := w.db.Local.Create(entry).Error; err != nil {
		logger.Error("写入安全审计失败",
			zap.String("action", entry.Action),
			zap.Int("user_id", entry.UserID),
			zap.Error(err))
		return fmt.Errorf("变更已生效但审计写入失败: %w", err)
	}
	return nil
}

func (w *Writer) invalidate(ctx context.Context, prefixes ...string) {
	if _, err := w.tier.ClearPrefix(ctx, prefixes...); err != nil {
		logger.Warn("清理缓存前缀失败", zap.Strings("prefixes", prefixes), zap.Error(err))
	}
}

func marshalContext(auditCtx map[string]interface{}) string {
	if len(auditCtx) == 0 {
		return ""
	}
	raw, err := json.Marshal(auditCtx)
	if err != nil {
		return ""
	}
	return string(raw)
}

// BanUser 封禁用户。重复封禁不算错误。
// disableTokens 为真时连带停用该用户全部未删除令牌。
func (w *Writer) BanUser(ctx context.Context, userID int, reason string, disableTokens bool, operator string, auditCtx map[string]interface{}) error {
	user, err := w.userByID(ctx, userID)
	if err != nil {
		return err
	}

	err = w.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("status", models.UserStatusBanned).Error; err != nil {
			return err
		}
		if disableTokens {
			if err := tx.Model(&models.Token{}).
				Where("user_id = ? AND deleted_at IS NULL", userID).
				Update("status", models.TokenStatusBanned).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("封禁用户 %d 失败: %w", userID, wrapQuery(err))
	}

	logger.Info("用户已封禁",
		zap.Int("user_id", userID),
		zap.String("username", user.Username),
		zap.String("operator", operator),
		zap.Bool("disable_tokens", disableTokens))

	if err := w.audit(&models.SecurityAudit{
		Action:   models.AuditActionBan,
		UserID:   userID,
		Username: user.Username,
		Operator: operator,
		Reason:   reason,
		Context:  marshalContext(auditCtx),
	}); err != nil {
		return err
	}

	w.invalidate(ctx, "dashboard:", "risk:", "ip_dist:")
	return nil
}

// UnbanUser 解封用户
func (w *Writer) UnbanUser(ctx context.Context, userID int, operator, reason string) error {
	user, err := w.userByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := w.db.Main.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("status", models.UserStatusEnabled).Error; err != nil {
		return fmt.Errorf("解封用户 %d 失败: %w", userID, wrapQuery(err))
	}

	logger.Info("用户已解封",
		zap.Int("user_id", userID),
		zap.String("username", user.Username),
		zap.String("operator", operator))

	if err := w.audit(&models.SecurityAudit{
		Action:   models.AuditActionUnban,
		UserID:   userID,
		Username: user.Username,
		Operator: operator,
		Reason:   reason,
	}); err != nil {
		return err
	}

	w.invalidate(ctx, "dashboard:", "risk:", "ip_dist:")
	return nil
}

// WarnUser 只落审计不动账号，给 AI 裁决的 WARN 用
func (w *Writer) WarnUser(ctx context.Context, userID int, username, operator, reason string, auditCtx map[string]interface{}) error {
	return w.audit(&models.SecurityAudit{
		Action:   models.AuditActionAIWarn,
		UserID:   userID,
		Username: username,
		Operator: operator,
		Reason:   reason,
		Context:  marshalContext(auditCtx),
	})
}

// MoveGroup 调整用户分组并记录变更日志，返回可供回滚的记录
func (w *Writer) MoveGroup(ctx context.Context, userID int, newGroup, operator, action, source string) (*models.AutoGroupLog, error) {
	user, err := w.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Group == newGroup {
		return nil, fmt.Errorf("%w: 用户 %d 已在分组 %s", ErrInvalidParams, userID, newGroup)
	}

	if err := w.db.Main.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("group", newGroup).Error; err != nil {
		return nil, fmt.Errorf("调整用户 %d 分组失败: %w", userID, wrapQuery(err))
	}

	entry := &models.AutoGroupLog{
		UserID:    userID,
		Username:  user.Username,
		OldGroup:  user.Group,
		NewGroup:  newGroup,
		Action:    action,
		Source:    source,
		Operator:  operator,
		CreatedAt: time.Now().Unix(),
	}
	if err := w.db.Local.Create(entry).Error; err != nil {
		logger.Error("写入分组日志失败",
			zap.Int("user_id", userID),
			zap.String("new_group", newGroup),
			zap.Error(err))
		return nil, fmt.Errorf("分组已调整但日志写入失败: %w", err)
	}

	logger.Info("用户分组已调整",
		zap.Int("user_id", userID),
		zap.String("old_group", user.Group),
		zap.String("new_group", newGroup),
		zap.String("operator", operator))

	w.invalidate(ctx, "dashboard:")
	return entry, nil
}

// InsertRedemptions 批量写入兑换码，一批一个事务一条审计
func (w *Writer) InsertRedemptions(ctx context.Context, batch []models.Redemption, operator string) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: 空的兑换码批次", ErrInvalidParams)
	}

	now := time.Now().Unix()
	for i := range batch {
		if batch[i].CreatedAt == 0 {
			batch[i].CreatedAt = now
		}
	}

	err := w.db.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&batch).Error
	})
	if err != nil {
		return fmt.Errorf("写入兑换码批次失败: %w", wrapQuery(err))
	}

	logger.Info("兑换码批次已写入", zap.Int("count", len(batch)), zap.String("operator", operator))

	if err := w.audit(&models.SecurityAudit{
		Action:   models.AuditActionRedemptionCreate,
		Operator: operator,
		Reason:   fmt.Sprintf("批量写入 %d 个兑换码", len(batch)),
		Context:  marshalContext(map[string]interface{}{"count": len(batch)}),
	}); err != nil {
		return err
	}

	w.invalidate(ctx, "dashboard:")
	return nil
}

// EnableIPRecording 把 request_count 为负的用户清零。
// 网关用负数关掉按请求记录 IP，侧车的分析依赖这个开关常开。
func (w *Writer) EnableIPRecording(ctx context.Context) (int64, error) {
	result := w.db.Main.WithContext(ctx).Model(&models.User{}).
		Where("deleted_at IS NULL AND request_count < 0").
		Update("request_count", 0)
	if result.Error != nil {
		return 0, fmt.Errorf("恢复 IP 记录开关失败: %w", wrapQuery(result.Error))
	}
	if result.RowsAffected > 0 {
		logger.Info("已恢复 IP 记录开关", zap.Int64("affected", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
