package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/models"
)

func newModelStatusEngine(t *testing.T, db *database.DB) *ModelStatusEngine {
	t.Helper()
	return NewModelStatusEngine(NewLogStore(db), newTier(t, db), NewConfigStore(db.Local))
}

func TestSlotParams(t *testing.T) {
	tests := []struct {
		window      string
		wantCount   int
		wantSeconds int64
	}{
		{"1h", 60, 60},
		{"6h", 24, 900},
		{"12h", 24, 1800},
		{"24h", 24, 3600},
	}
	for _, tt := range tests {
		count, seconds := slotParams(tt.window)
		if count != tt.wantCount || seconds != tt.wantSeconds {
			t.Fatalf("slotParams(%q) = %d/%d, want %d/%d",
				tt.window, count, seconds, tt.wantCount, tt.wantSeconds)
		}
	}
}

func TestSlotColor(t *testing.T) {
	tests := []struct {
		rate  float64
		total int64
		want  string
	}{
		{0, 0, "green"}, // 无流量按健康处理
		{100, 10, "green"},
		{95, 10, "green"},
		{94.9, 10, "yellow"},
		{80, 10, "yellow"},
		{79.9, 10, "red"},
		{0, 10, "red"},
	}
	for _, tt := range tests {
		if got := slotColor(tt.rate, tt.total); got != tt.want {
			t.Fatalf("slotColor(%v, %d) = %q, want %q", tt.rate, tt.total, got, tt.want)
		}
	}
}

func TestModelSetDigest(t *testing.T) {
	a := modelSetDigest([]string{"gpt-4o", "claude"})
	b := modelSetDigest([]string{"claude", "gpt-4o"})
	if a != b {
		t.Fatalf("指纹应与顺序无关: %q vs %q", a, b)
	}
	c := modelSetDigest([]string{"claude"})
	if a == c {
		t.Fatalf("不同集合不应同指纹")
	}
}

func TestModelStatusValidation(t *testing.T) {
	db := newTestDB(t)
	e := newModelStatusEngine(t, db)
	ctx := context.Background()

	if _, err := e.Status(ctx, "", "6h"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("空模型名应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := e.Status(ctx, "gpt-4o", "3d"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("未知窗口应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := e.BatchStatus(ctx, []string{"gpt-4o"}, "2h"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("批量接口未知窗口应返回 ErrInvalidParams, got %v", err)
	}
}

func TestModelStatusEndToEnd(t *testing.T) {
	db := newTestDB(t)
	e := newModelStatusEngine(t, db)
	ctx := context.Background()

	now := time.Now().Unix()
	// 同一分钟内 3 成功 1 失败
	for i := 0; i < 3; i++ {
		seedLog(t, db, models.Log{UserID: 1, ModelName: "gpt-4o", CreatedAt: now - 120, IP: "10.0.0.1"})
	}
	seedLog(t, db, models.Log{
		UserID: 1, ModelName: "gpt-4o", Type: models.LogTypeFailure, CreatedAt: now - 120, IP: "10.0.0.1",
	})

	status, err := e.Status(ctx, "gpt-4o", "1h")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.ModelName != "gpt-4o" || status.Window != "1h" || status.WindowSeconds != 3600 {
		t.Fatalf("状态基本信息异常: %+v", status)
	}
	if status.TotalRequests != 4 || status.SuccessCount != 3 {
		t.Fatalf("请求统计 = %d/%d, want 4/3", status.TotalRequests, status.SuccessCount)
	}
	if status.SuccessRate != 75 || status.Color != "red" {
		t.Fatalf("整体可用率 = %v %s, want 75 red", status.SuccessRate, status.Color)
	}
	if len(status.Slots) != 60 {
		t.Fatalf("1h 窗口格子数 %d, want 60", len(status.Slots))
	}

	var hit *ModelStatusSlot
	for i := range status.Slots {
		if status.Slots[i].Total > 0 {
			hit = &status.Slots[i]
			break
		}
	}
	if hit == nil {
		t.Fatalf("找不到有流量的格子")
	}
	if hit.Total != 4 || hit.Success != 3 || hit.Rate != 75 || hit.Color != "red" {
		t.Fatalf("流量格子异常: %+v", hit)
	}
	// 其余格子按无流量处理
	for i := range status.Slots {
		s := &status.Slots[i]
		if s.Total == 0 && (s.Rate != 100 || s.Color != "green") {
			t.Fatalf("空格子 %d 异常: %+v", i, s)
		}
	}
}

func TestBatchStatusFallsBackToSelected(t *testing.T) {
	db := newTestDB(t)
	e := newModelStatusEngine(t, db)
	ctx := context.Background()

	// 没有已选模型也没有流量时返回空列表
	statuses, err := e.BatchStatus(ctx, nil, "6h")
	if err != nil {
		t.Fatalf("BatchStatus: %v", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("无模型时应返回空列表, got %d", len(statuses))
	}

	selected := []string{"alpha", "beta"}
	if _, err := e.UpdateConfig(ctx, &ModelStatusConfigUpdate{SelectedModels: &selected}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	statuses, err = e.BatchStatus(ctx, nil, "6h")
	if err != nil {
		t.Fatalf("BatchStatus: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("批量状态 %d 个, want 2", len(statuses))
	}
	if statuses[0].ModelName != "alpha" || statuses[1].ModelName != "beta" {
		t.Fatalf("模型顺序异常: %+v", statuses)
	}
	// 无流量模型整体绿色
	if statuses[0].TotalRequests != 0 || statuses[0].SuccessRate != 100 || statuses[0].Color != "green" {
		t.Fatalf("无流量模型状态异常: %+v", statuses[0])
	}
	if len(statuses[0].Slots) != 24 {
		t.Fatalf("6h 窗口格子数 %d, want 24", len(statuses[0].Slots))
	}
}

func TestAvailableModels(t *testing.T) {
	db := newTestDB(t)
	e := newModelStatusEngine(t, db)
	ctx := context.Background()

	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		seedLog(t, db, models.Log{UserID: 1, ModelName: "gpt-4o", CreatedAt: now - 600, IP: "10.0.0.1"})
	}
	seedLog(t, db, models.Log{UserID: 1, ModelName: "claude", CreatedAt: now - 600, IP: "10.0.0.1"})
	// 空模型名与 24h 之外的日志不计入
	seedLog(t, db, models.Log{UserID: 1, ModelName: "", CreatedAt: now - 600, IP: "10.0.0.1"})
	seedLog(t, db, models.Log{UserID: 1, ModelName: "stale", CreatedAt: now - 90000, IP: "10.0.0.1"})

	list, err := e.AvailableModels(ctx)
	if err != nil {
		t.Fatalf("AvailableModels: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("可用模型 %d 个, want 2: %+v", len(list), list)
	}
	if list[0].ModelName != "gpt-4o" || list[0].RequestCount != 3 {
		t.Fatalf("首位模型异常: %+v", list[0])
	}
	if list[1].ModelName != "claude" || list[1].RequestCount != 1 {
		t.Fatalf("次位模型异常: %+v", list[1])
	}
}

func TestModelStatusConfigDefaults(t *testing.T) {
	db := newTestDB(t)
	e := newModelStatusEngine(t, db)
	ctx := context.Background()

	seedLog(t, db, models.Log{UserID: 1, ModelName: "gpt-4o", CreatedAt: time.Now().Unix() - 600, IP: "10.0.0.1"})

	cfg, err := e.Config(ctx)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.TimeWindow != "6h" || cfg.Theme != "system" || cfg.RefreshInterval != 60 || cfg.SortMode != "default" {
		t.Fatalf("默认配置异常: %+v", cfg)
	}
	if len(cfg.CustomOrder) != 0 {
		t.Fatalf("自定义顺序默认应为空: %v", cfg.CustomOrder)
	}
	// 未选过模型时回落到全部可用模型
	if len(cfg.SelectedModels) != 1 || cfg.SelectedModels[0] != "gpt-4o" {
		t.Fatalf("默认展示模型异常: %v", cfg.SelectedModels)
	}
}

func TestModelStatusConfigRemap(t *testing.T) {
	db := newTestDB(t)
	e := newModelStatusEngine(t, db)
	ctx := context.Background()

	// 旧主题名与失效窗口在读取侧归一化
	if err := e.cfg.Set(cfgKeyTheme, "light", "测试"); err != nil {
		t.Fatalf("Set theme: %v", err)
	}
	if err := e.cfg.Set(cfgKeyTimeWindow, "2h", "测试"); err != nil {
		t.Fatalf("Set window: %v", err)
	}

	cfg, err := e.Config(ctx)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Theme != "daylight" {
		t.Fatalf("light 应映射为 daylight, got %q", cfg.Theme)
	}
	if cfg.TimeWindow != "6h" {
		t.Fatalf("失效窗口应回落默认, got %q", cfg.TimeWindow)
	}

	if err := e.cfg.Set(cfgKeyTheme, "dark", "测试"); err != nil {
		t.Fatalf("Set theme: %v", err)
	}
	cfg, err = e.Config(ctx)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Theme != "midnight" {
		t.Fatalf("dark 应映射为 midnight, got %q", cfg.Theme)
	}
}

func TestUpdateModelStatusConfig(t *testing.T) {
	db := newTestDB(t)
	e := newModelStatusEngine(t, db)
	ctx := context.Background()

	strPtr := func(s string) *string { return &s }
	intPtr := func(n int) *int { return &n }

	bad := []*ModelStatusConfigUpdate{
		{TimeWindow: strPtr("3d")},
		{Theme: strPtr("neon")},
		{RefreshInterval: intPtr(45)},
		{SortMode: strPtr("random")},
	}
	for i, u := range bad {
		if _, err := e.UpdateConfig(ctx, u); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("用例 %d 应返回 ErrInvalidParams, got %v", i, err)
		}
	}

	order := []string{"b", "a"}
	cfg, err := e.UpdateConfig(ctx, &ModelStatusConfigUpdate{
		TimeWindow:      strPtr("12h"),
		Theme:           strPtr("light"), // 旧值提交时也换新
		RefreshInterval: intPtr(300),
		SortMode:        strPtr("custom"),
		CustomOrder:     &order,
	})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if cfg.TimeWindow != "12h" || cfg.Theme != "daylight" || cfg.RefreshInterval != 300 || cfg.SortMode != "custom" {
		t.Fatalf("更新后配置异常: %+v", cfg)
	}
	if fmt.Sprint(cfg.CustomOrder) != fmt.Sprint(order) {
		t.Fatalf("自定义顺序 = %v, want %v", cfg.CustomOrder, order)
	}

	// nil 字段不动已有配置
	cfg, err = e.UpdateConfig(ctx, &ModelStatusConfigUpdate{RefreshInterval: intPtr(0)})
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if cfg.TimeWindow != "12h" || cfg.RefreshInterval != 0 {
		t.Fatalf("部分更新异常: %+v", cfg)
	}
}

func TestEmbedConfig(t *testing.T) {
	db := newTestDB(t)
	e := newModelStatusEngine(t, db)

	embed, err := e.EmbedConfig(context.Background())
	if err != nil {
		t.Fatalf("EmbedConfig: %v", err)
	}
	if len(embed.AvailableTimeWindows) != 4 || embed.AvailableTimeWindows[2] != "12h" {
		t.Fatalf("窗口可选项异常: %v", embed.AvailableTimeWindows)
	}
	if len(embed.AvailableThemes) != 3 || embed.AvailableThemes[0] != "daylight" {
		t.Fatalf("主题可选项异常: %v", embed.AvailableThemes)
	}
	if len(embed.AvailableRefreshIntervals) != 5 {
		t.Fatalf("刷新间隔可选项异常: %v", embed.AvailableRefreshIntervals)
	}
	if len(embed.AvailableSortModes) != 3 {
		t.Fatalf("排序可选项异常: %v", embed.AvailableSortModes)
	}
	if embed.TimeWindow != "6h" {
		t.Fatalf("嵌入配置应带默认窗口, got %q", embed.TimeWindow)
	}
}
