package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/cache"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/service"
)

// 预热阶段
const (
	WarmupPhasePending        = "pending"
	WarmupPhaseRestore        = "restore"
	WarmupPhaseDashboard      = "dashboard"
	WarmupPhaseIPDistribution = "ip_distribution"
	WarmupPhaseLeaderboard    = "leaderboard"
	WarmupPhaseDone           = "done"
)

// WarmupStatus 预热进度快照
type WarmupStatus struct {
	Phase          string  `json:"phase"`
	Progress       int     `json:"progress"`
	Total          int     `json:"total"`
	CurrentTask    string  `json:"current_task"`
	StartTime      int64   `json:"start_time"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Completed      bool    `json:"completed"`
}

// Warmup 启动预热：先把镜像缓存回填 Redis，再按固定顺序
// 预算常用窗口的聚合，完成后给任务管理器发预热信号。
type Warmup struct {
	mgr    *Manager
	tier   *cache.Tier
	dash   *service.DashboardEngine
	ipdist *service.IPDistributionEngine
	risk   *service.RiskEngine

	mu     sync.RWMutex
	status WarmupStatus
}

func NewWarmup(mgr *Manager, tier *cache.Tier, dash *service.DashboardEngine, ipdist *service.IPDistributionEngine, risk *service.RiskEngine) *Warmup {
	return &Warmup{
		mgr:    mgr,
		tier:   tier,
		dash:   dash,
		ipdist: ipdist,
		risk:   risk,
		status: WarmupStatus{Phase: WarmupPhasePending},
	}
}

// Status 当前预热进度
func (w *Warmup) Status() WarmupStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := w.status
	if status.StartTime > 0 && !status.Completed {
		status.ElapsedSeconds = time.Since(time.Unix(status.StartTime, 0)).Seconds()
	}
	return status
}

func (w *Warmup) setPhase(phase, task string, progress int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Phase = phase
	w.status.CurrentTask = task
	w.status.Progress = progress
}

type warmupStep struct {
	phase string
	name  string
	fn    func(ctx context.Context) error
}

// Run 执行预热。单步失败只记日志不中断，预热的意义是把缓存
// 填热，不是保证每个窗口都算出来。
func (w *Warmup) Run(ctx context.Context) {
	start := time.Now()

	steps := w.buildSteps()

	w.mu.Lock()
	w.status = WarmupStatus{
		Phase:     WarmupPhaseRestore,
		Total:     len(steps),
		StartTime: start.Unix(),
	}
	w.mu.Unlock()

	logger.Info("启动预热开始", zap.Int("steps", len(steps)))

	if restored, err := w.tier.RestoreToRedis(ctx); err != nil {
		logger.Warn("回填 Redis 失败", zap.Error(err))
	} else if restored > 0 {
		logger.Info("镜像缓存已回填 Redis", zap.Int("restored", restored))
	}

	for i, step := range steps {
		if ctx.Err() != nil {
			logger.Warn("预热被中断", zap.String("step", step.name))
			return
		}
		w.setPhase(step.phase, step.name, i)
		if err := step.fn(ctx); err != nil {
			logger.Warn("预热步骤失败",
				zap.String("step", step.name),
				zap.Error(err))
		}
	}

	w.mu.Lock()
	w.status.Phase = WarmupPhaseDone
	w.status.CurrentTask = ""
	w.status.Progress = len(steps)
	w.status.Completed = true
	w.status.ElapsedSeconds = time.Since(start).Seconds()
	w.mu.Unlock()

	logger.Info("启动预热完成", zap.Duration("elapsed", time.Since(start)))
	w.mgr.SignalWarmupDone()
}

func (w *Warmup) buildSteps() []warmupStep {
	var steps []warmupStep

	for _, period := range []string{"24h", "7d", "14d", "3d", "6h", "1h"} {
		period := period
		steps = append(steps, warmupStep{
			phase: WarmupPhaseDashboard,
			name:  "dashboard overview " + period,
			fn: func(ctx context.Context) error {
				_, err := w.dash.GetOverview(ctx, period, false)
				return err
			},
		})
		steps = append(steps, warmupStep{
			phase: WarmupPhaseDashboard,
			name:  "dashboard usage " + period,
			fn: func(ctx context.Context) error {
				_, err := w.dash.GetUsage(ctx, period)
				return err
			},
		})
	}
	steps = append(steps, warmupStep{
		phase: WarmupPhaseDashboard,
		name:  "dashboard daily trends",
		fn: func(ctx context.Context) error {
			_, err := w.dash.GetDailyTrends(ctx, 7)
			return err
		},
	})

	for _, window := range []string{"24h", "7d", "6h", "1h"} {
		window := window
		steps = append(steps, warmupStep{
			phase: WarmupPhaseIPDistribution,
			name:  "ip distribution " + window,
			fn: func(ctx context.Context) error {
				_, err := w.ipdist.GetDistribution(ctx, window)
				return err
			},
		})
	}

	for _, window := range []string{"24h", "7d", "14d"} {
		window := window
		steps = append(steps, warmupStep{
			phase: WarmupPhaseLeaderboard,
			name:  "leaderboard " + window,
			fn: func(ctx context.Context) error {
				_, err := w.risk.Leaderboards(ctx, []string{window}, service.MaxTopLimit, "requests")
				return err
			},
		})
	}
	return steps
}
