package tasks

import (
	"context"
	"time"
)

// Options 任务注册开关
type Options struct {
	WarmupEnabled      bool
	IndexEnsureEnabled bool
}

// Setup 注册全部后台任务并启动管理器。
// 预热关闭时直接放行预热信号，等预热的任务立即开始。
func Setup(mgr *Manager, runner *Runner, warmup *Warmup, opts Options) {
	if opts.IndexEnsureEnabled {
		mgr.Register("index_ensure", 24*time.Hour, runner.IndexEnsure)
	}

	mgr.Register("cache_cleanup", time.Hour, runner.CacheCleanup)
	mgr.Register("scale_evaluate", time.Hour, runner.ScaleEvaluate)
	mgr.Register("ip_recording_enforce", 30*time.Minute, runner.IPRecordingEnforce)

	mgr.StartAfterWarmup("ai_ban_scan", time.Minute, runner.AIBanTick)
	mgr.StartAfterWarmup("auto_group_scan", time.Minute, runner.AutoGroupTick)

	mgr.Start()

	if opts.WarmupEnabled {
		go warmup.Run(context.Background())
	} else {
		mgr.SignalWarmupDone()
	}
}
