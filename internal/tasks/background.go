package tasks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/service"
)

// Runner 持有后台任务需要的全部依赖
type Runner struct {
	db        *database.DB
	tier      *cache.Tier
	store     *service.LogStore
	cfg       *service.ConfigStore
	writer    *service.Writer
	autoban   *service.AutoBanPipeline
	autogroup *service.AutoGroupPipeline
}

func NewRunner(db *database.DB, tier *cache.Tier, store *service.LogStore, cfg *service.ConfigStore, writer *service.Writer, autoban *service.AutoBanPipeline, autogroup *service.AutoGroupPipeline) *Runner {
	return &Runner{
		db:        db,
		tier:      tier,
		store:     store,
		cfg:       cfg,
		writer:    writer,
		autoban:   autoban,
		autogroup: autogroup,
	}
}

// CacheCleanup 清理过期镜像缓存与超出保留期的槽
func (r *Runner) CacheCleanup(ctx context.Context) error {
	removed, err := r.tier.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Info("过期缓存已清理", zap.Int64("removed", removed))
	}
	return nil
}

// scaleSnapshot 规模评估的持久化快照
type scaleSnapshot struct {
	Scale      string             `json:"scale"`
	Stats      service.ScaleStats `json:"stats"`
	EvaluatedAt int64             `json:"evaluated_at"`
}

// ScaleEvaluate 按库规模调整缓存档位，结果落到本地配置表
// 供重启后和诊断接口使用
func (r *Runner) ScaleEvaluate(ctx context.Context) error {
	stats, err := r.store.SystemScaleStats(ctx, time.Now().Unix())
	if err != nil {
		return err
	}

	scale := cache.ScaleFor(stats.TotalUsers, stats.Logs24h, stats.TotalLogs)
	prev := r.tier.Scale()
	r.tier.SetScale(scale)

	if scale != prev {
		logger.Info("缓存规模档位已调整",
			zap.String("from", string(prev)),
			zap.String("to", string(scale)),
			zap.Int64("total_users", stats.TotalUsers),
			zap.Int64("total_logs", stats.TotalLogs),
			zap.Int64("logs_24h", stats.Logs24h))
	}

	return r.cfg.Set("system_scale", scaleSnapshot{
		Scale:       string(scale),
		Stats:       *stats,
		EvaluatedAt: time.Now().Unix(),
	}, "系统规模评估快照")
}

// IPRecordingEnforce 把被关掉的按请求记录 IP 开关恢复回来。
// 风控分析全靠日志里的 IP 列，这个开关必须常开。
func (r *Runner) IPRecordingEnforce(ctx context.Context) error {
	_, err := r.writer.EnableIPRecording(ctx)
	return err
}

// IndexEnsure 确保网关库上的辅助索引存在，只在启动时跑一次。
// 建索引可能是长操作，先等主流程起稳再动手。
func (r *Runner) IndexEnsure(ctx context.Context) error {
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	created, err := r.db.EnsureIndexes(ctx)
	if err != nil {
		return err
	}
	if created > 0 {
		logger.Info("辅助索引已创建", zap.Int("created", created))
	}
	return nil
}

// AIBanTick 每分钟检查一次是否到达扫描间隔。扫描互斥，
// 撞上手动触发的扫描时静默跳过。
func (r *Runner) AIBanTick(ctx context.Context) error {
	if !r.autoban.ShouldRun(time.Now()) {
		return nil
	}
	_, err := r.autoban.RunScan(ctx, nil, "")
	if errors.Is(err, service.ErrScanBusy) || errors.Is(err, service.ErrAPISuspended) {
		logger.Debug("跳过本轮 AI 扫描", zap.Error(err))
		return nil
	}
	return err
}

// AutoGroupTick 每分钟检查一次是否到达自动分组扫描间隔
func (r *Runner) AutoGroupTick(ctx context.Context) error {
	if !r.autogroup.ShouldRun(time.Now()) {
		return nil
	}
	_, err := r.autogroup.RunScan(ctx, nil, "")
	if errors.Is(err, service.ErrScanBusy) {
		return nil
	}
	return err
}
