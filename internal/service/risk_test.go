package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ketches/gateway-sentinel/internal/models"
)

func TestHasIPRiskFlag(t *testing.T) {
	tests := []struct {
		flags []string
		want  bool
	}{
		{nil, false},
		{[]string{RiskFlagHighRPM, RiskFlagHighFailure}, false},
		{[]string{RiskFlagManyIPs}, true},
		{[]string{RiskFlagHighRPM, RiskFlagRapidSwitch}, true},
		{[]string{RiskFlagIPHopping}, true},
	}
	for _, tt := range tests {
		if got := HasIPRiskFlag(tt.flags); got != tt.want {
			t.Fatalf("HasIPRiskFlag(%v) = %v, want %v", tt.flags, got, tt.want)
		}
	}
}

func TestAnalyzeValidation(t *testing.T) {
	db := newTestDB(t)
	engine := NewRiskEngine(NewLogStore(db), newTier(t, db), stubGeo{})
	ctx := context.Background()

	if _, err := engine.Analyze(ctx, 0, 3600, 0); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("userID=0 应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := engine.Analyze(ctx, 1, 0, 0); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("window=0 应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := engine.Analyze(ctx, 999, 3600, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("用户不存在应返回 ErrNotFound, got %v", err)
	}
}

func TestAnalyzeIPSwitchesRealAndRapid(t *testing.T) {
	geo := stubGeo{
		"10.0.0.1": located("10.0.0.1", 100, "SH"),
		"10.0.0.2": located("10.0.0.2", 200, "BJ"),
		"10.0.0.3": located("10.0.0.3", 300, "GZ"),
		"10.0.0.4": located("10.0.0.4", 400, "SZ"),
	}
	engine := NewRiskEngine(nil, nil, geo)

	logs := []UserLogRow{
		{CreatedAt: 1000, IP: "10.0.0.1"},
		{CreatedAt: 1010, IP: "10.0.0.1"},
		{CreatedAt: 1015, IP: ""}, // 空 IP 不参与判定
		{CreatedAt: 1020, IP: "10.0.0.2"},
		{CreatedAt: 1050, IP: "10.0.0.3"},
		{CreatedAt: 1055, IP: "10.0.0.4"},
	}
	a := engine.analyzeIPSwitches(logs)

	if a.SwitchCount != 3 || a.RealSwitchCount != 3 {
		t.Fatalf("切换计数 = %d/%d, want 3/3", a.SwitchCount, a.RealSwitchCount)
	}
	if a.DualStackSwitches != 0 || a.HasDualStack {
		t.Fatalf("不应有双栈切换: %+v", a)
	}
	if a.RapidSwitchCount != 3 {
		t.Fatalf("快速切换 %d, want 3", a.RapidSwitchCount)
	}
	if a.MinSwitchIntervalS != 5 {
		t.Fatalf("最短切换间隔 %d, want 5", a.MinSwitchIntervalS)
	}
	// 驻留时长 [20, 30, 5] 秒，均值 18.3
	if a.AvgIPDurationS != 18.3 {
		t.Fatalf("平均驻留 %v, want 18.3", a.AvgIPDurationS)
	}
	if a.UniqueLocations != 4 {
		t.Fatalf("位置数 %d, want 4", a.UniqueLocations)
	}
	if len(a.SwitchDetails) != 3 {
		t.Fatalf("切换详情 %d 条, want 3", len(a.SwitchDetails))
	}
	if d := a.SwitchDetails[0]; d.FromIP != "10.0.0.1" || d.ToIP != "10.0.0.2" || d.IntervalSeconds != 10 {
		t.Fatalf("首条切换详情异常: %+v", d)
	}
}

func TestAnalyzeIPSwitchesDualStack(t *testing.T) {
	geo := stubGeo{
		"1.2.3.4":     located("1.2.3.4", 100, "SH"),
		"2001:db8::1": located("2001:db8::1", 100, "SH"),
		"5.6.7.8":     located("5.6.7.8", 200, "BJ"),
	}
	engine := NewRiskEngine(nil, nil, geo)

	logs := []UserLogRow{
		{CreatedAt: 1000, IP: "1.2.3.4"},
		{CreatedAt: 1010, IP: "2001:db8::1"},
		{CreatedAt: 1020, IP: "5.6.7.8"},
	}
	a := engine.analyzeIPSwitches(logs)

	if a.SwitchCount != 2 {
		t.Fatalf("SwitchCount = %d, want 2", a.SwitchCount)
	}
	// 同位置 v4/v6 互切不计入真实切换
	if a.DualStackSwitches != 1 || !a.HasDualStack {
		t.Fatalf("双栈切换 = %d, want 1", a.DualStackSwitches)
	}
	if a.RealSwitchCount != 1 {
		t.Fatalf("真实切换 = %d, want 1", a.RealSwitchCount)
	}
	if d := a.SwitchDetails[0]; !d.IsDualStack || d.FromVersion != "v4" || d.ToVersion != "v6" {
		t.Fatalf("双栈详情异常: %+v", d)
	}
}

func TestAnalyzeEndToEnd(t *testing.T) {
	db := newTestDB(t)
	engine := NewRiskEngine(NewLogStore(db), newTier(t, db), stubGeo{})
	ctx := context.Background()

	seedUser(t, db, models.User{ID: 7, Username: "eve", Group: "default"})
	now := time.Now().Unix()

	// 10 个不同 IP 触发 MANY_IPS
	for i := 0; i < 10; i++ {
		seedLog(t, db, models.Log{
			UserID:    7,
			CreatedAt: now - 3000 + int64(i*200),
			IP:        fmt.Sprintf("10.1.1.%d", i+1),
			ModelName: "gpt-4o",
			TokenID:   1,
			Quota:     50,
		})
	}
	// 一条失败日志
	seedLog(t, db, models.Log{
		UserID: 7, Type: models.LogTypeFailure,
		CreatedAt: now - 100, IP: "10.1.1.1", ModelName: "gpt-4o", TokenID: 1,
	})
	// 窗口外日志不计入
	seedLog(t, db, models.Log{
		UserID: 7, CreatedAt: now - 7200, IP: "10.9.9.9", ModelName: "gpt-4o", TokenID: 1,
	})

	analysis, err := engine.Analyze(ctx, 7, 3600, 0)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if analysis.User.ID != 7 || analysis.User.Username != "eve" {
		t.Fatalf("用户信息异常: %+v", analysis.User)
	}
	if analysis.Summary.TotalRequests != 11 {
		t.Fatalf("TotalRequests = %d, want 11", analysis.Summary.TotalRequests)
	}
	if analysis.Summary.FailureRequests != 1 {
		t.Fatalf("FailureRequests = %d, want 1", analysis.Summary.FailureRequests)
	}
	if analysis.Summary.UniqueIPs != 10 {
		t.Fatalf("UniqueIPs = %d, want 10", analysis.Summary.UniqueIPs)
	}

	var hasManyIPs bool
	for _, f := range analysis.Risk.RiskFlags {
		if f == RiskFlagManyIPs {
			hasManyIPs = true
		}
	}
	if !hasManyIPs {
		t.Fatalf("应带 MANY_IPS 标记: %v", analysis.Risk.RiskFlags)
	}

	if len(analysis.TopModels) != 1 || analysis.TopModels[0].ModelName != "gpt-4o" {
		t.Fatalf("TopModels 异常: %+v", analysis.TopModels)
	}
	if analysis.TopModels[0].Requests != 11 || analysis.TopModels[0].FailureRequests != 1 {
		t.Fatalf("模型聚合异常: %+v", analysis.TopModels[0])
	}
	if len(analysis.TopIPs) != 10 {
		t.Fatalf("TopIPs = %d 条, want 10", len(analysis.TopIPs))
	}
	if len(analysis.TopGroups) != 1 || analysis.TopGroups[0].Group != "default" {
		t.Fatalf("TopGroups 异常: %+v", analysis.TopGroups)
	}
	if len(analysis.RecentLogs) != 10 {
		t.Fatalf("RecentLogs = %d 条, want 10（上限）", len(analysis.RecentLogs))
	}
}

func TestLeaderboardsValidation(t *testing.T) {
	db := newTestDB(t)
	engine := NewRiskEngine(NewLogStore(db), newTier(t, db), stubGeo{})
	ctx := context.Background()

	if _, err := engine.Leaderboards(ctx, []string{"24h"}, 10, "nope"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("未知排序应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := engine.Leaderboards(ctx, nil, 10, "requests"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("空窗口列表应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := engine.Leaderboards(ctx, []string{"2h"}, 10, "requests"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("未知窗口应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := engine.Leaderboards(ctx, []string{"24h"}, 0, "requests"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("limit=0 应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := engine.Leaderboards(ctx, []string{"24h"}, MaxTopLimit+1, "requests"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("limit=51 应返回 ErrInvalidParams, got %v", err)
	}
	if _, err := engine.Leaderboards(ctx, []string{"24h"}, MaxTopLimit, "requests"); err != nil {
		t.Fatalf("limit=50 应有效, got %v", err)
	}
}

func TestLeaderboards(t *testing.T) {
	db := newTestDB(t)
	engine := NewRiskEngine(NewLogStore(db), newTier(t, db), stubGeo{})
	ctx := context.Background()

	seedUser(t, db, models.User{ID: 2, Username: "heavy"})
	seedUser(t, db, models.User{ID: 3, Username: "light"})
	now := time.Now().Unix()
	for i := 0; i < 5; i++ {
		seedLog(t, db, models.Log{UserID: 2, CreatedAt: now - 600, IP: "10.0.0.1", Quota: 100})
	}
	seedLog(t, db, models.Log{UserID: 3, CreatedAt: now - 600, IP: "10.0.0.2", Quota: 10})

	result, err := engine.Leaderboards(ctx, []string{"24h"}, 10, "")
	if err != nil {
		t.Fatalf("Leaderboards: %v", err)
	}
	entries := result["24h"]
	if len(entries) != 2 {
		t.Fatalf("条目数 %d, want 2", len(entries))
	}
	if entries[0].UserID != 2 || entries[0].Rank != 1 {
		t.Fatalf("榜首异常: %+v", entries[0])
	}
	if entries[0].TotalRequests != 5 {
		t.Fatalf("榜首请求数 %d, want 5", entries[0].TotalRequests)
	}
	if entries[1].UserID != 3 || entries[1].Rank != 2 {
		t.Fatalf("第二名异常: %+v", entries[1])
	}

	// limit 在缓存结果上截取
	result, err = engine.Leaderboards(ctx, []string{"24h"}, 1, "requests")
	if err != nil {
		t.Fatalf("Leaderboards limit=1: %v", err)
	}
	if len(result["24h"]) != 1 {
		t.Fatalf("截取后条目数 %d, want 1", len(result["24h"]))
	}

	// 结果已缓存，窗口内新增日志不影响第二次读取
	seedLog(t, db, models.Log{UserID: 3, CreatedAt: now - 300, IP: "10.0.0.2"})
	result, err = engine.Leaderboards(ctx, []string{"24h"}, 10, "requests")
	if err != nil {
		t.Fatalf("Leaderboards 缓存读取: %v", err)
	}
	if result["24h"][1].TotalRequests != 1 {
		t.Fatalf("应命中缓存, got %d", result["24h"][1].TotalRequests)
	}
}
