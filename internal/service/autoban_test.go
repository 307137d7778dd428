package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ketches/gateway-sentinel/internal/database"
	"github.com/ketches/gateway-sentinel/internal/models"
)

func newPipeline(t *testing.T, db *database.DB) *AutoBanPipeline {
	t.Helper()
	cfg := NewConfigStore(db.Local)
	store := NewLogStore(db)
	tier := newTier(t, db)
	risk := NewRiskEngine(store, tier, stubGeo{})
	writer := NewWriter(db, tier)
	return NewAutoBanPipeline(cfg, store, risk, writer, NewLLMClient(), db.Local)
}

// seedCandidate 造一个会进排行榜的用户：requests 条消费日志，
// 前 ips 条各用一个独立 IP，其余复用最后一个。
func seedCandidate(t *testing.T, db *database.DB, user models.User, requests, ips int) {
	t.Helper()
	seedUser(t, db, user)
	now := time.Now().Unix()
	for i := 0; i < requests; i++ {
		n := i
		if n >= ips {
			n = ips - 1
		}
		seedLog(t, db, models.Log{
			UserID:    user.ID,
			TokenID:   user.ID*100 + 1,
			IP:        fmt.Sprintf("10.%d.0.%d", user.ID, n+1),
			ModelName: "gpt-4o",
			CreatedAt: now - 1800,
			Quota:     10,
		})
	}
}

func TestAIBanSettingsDefaults(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)

	settings, err := p.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if settings.Enabled {
		t.Fatalf("默认不应启用")
	}
	if settings.Window != "24h" || settings.CooldownHours != 24 {
		t.Fatalf("默认值异常: %+v", settings)
	}
}

func TestAIBanUpdateSettingsValidation(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)

	if err := p.UpdateSettings(AIBanSettings{Window: "2h"}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("未知窗口应拒绝, got %v", err)
	}
	if err := p.UpdateSettings(AIBanSettings{ScanIntervalMinutes: -1}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("负间隔应拒绝, got %v", err)
	}
	if err := p.UpdateSettings(AIBanSettings{ScanIntervalMinutes: 1441}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("超上限间隔应拒绝, got %v", err)
	}
	if err := p.UpdateSettings(AIBanSettings{CustomPrompt: "含未知占位符 {oops}"}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("未知占位符应拒绝保存, got %v", err)
	}

	// 空窗口与零冷却补默认值后落库
	if err := p.UpdateSettings(AIBanSettings{Enabled: true, Model: "gpt-4o-mini"}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	settings, err := p.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if !settings.Enabled || settings.Model != "gpt-4o-mini" {
		t.Fatalf("配置未生效: %+v", settings)
	}
	if settings.Window != "24h" || settings.CooldownHours != 24 {
		t.Fatalf("默认值未补齐: %+v", settings)
	}
}

func TestAIBanSettingsMasked(t *testing.T) {
	masked := AIBanSettings{APIKey: "sk-abcdef"}.Masked()
	if masked.APIKey != "****cdef" {
		t.Fatalf("长密钥脱敏 = %q", masked.APIKey)
	}
	masked = AIBanSettings{APIKey: "abc"}.Masked()
	if masked.APIKey != "****" {
		t.Fatalf("短密钥脱敏 = %q", masked.APIKey)
	}
	masked = AIBanSettings{}.Masked()
	if masked.APIKey != "" {
		t.Fatalf("空密钥不应变化")
	}
}

func TestWhitelistLifecycle(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)
	ctx := context.Background()

	if _, err := p.AddWhitelist(ctx, 999, "r", "admin", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("不存在的用户应拒绝, got %v", err)
	}

	seedUser(t, db, models.User{ID: 5, Username: "vip"})
	seedUser(t, db, models.User{ID: 6, Username: "partner"})

	entry, err := p.AddWhitelist(ctx, 5, "大客户", "admin", 0)
	if err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}
	if entry.ID != 1 || entry.Username != "vip" {
		t.Fatalf("条目异常: %+v", entry)
	}
	if _, err := p.AddWhitelist(ctx, 6, "合作方", "admin", 0); err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}

	// 重复添加覆盖原条目，id 继续递增
	entry, err = p.AddWhitelist(ctx, 5, "改备注", "admin", 0)
	if err != nil {
		t.Fatalf("重复 AddWhitelist: %v", err)
	}
	if entry.ID != 3 {
		t.Fatalf("覆盖后 id = %d, want 3", entry.ID)
	}
	entries, err := p.Whitelist()
	if err != nil {
		t.Fatalf("Whitelist: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("条目数 %d, want 2", len(entries))
	}

	if err := p.RemoveWhitelist(6); err != nil {
		t.Fatalf("RemoveWhitelist: %v", err)
	}
	if err := p.RemoveWhitelist(6); !errors.Is(err, ErrNotFound) {
		t.Fatalf("重复移除应返回 ErrNotFound, got %v", err)
	}

	// 过期条目读取时顺手剔除
	if _, err := p.AddWhitelist(ctx, 6, "短期", "admin", time.Now().Unix()-10); err != nil {
		t.Fatalf("AddWhitelist 过期条目: %v", err)
	}
	entries, err = p.Whitelist()
	if err != nil {
		t.Fatalf("Whitelist: %v", err)
	}
	for _, e := range entries {
		if e.UserID == 6 {
			t.Fatalf("过期条目未被剔除: %+v", e)
		}
	}
}

func TestProtectedIDs(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)
	ctx := context.Background()

	seedUser(t, db, models.User{ID: 2, Username: "ops", Role: models.RoleAdmin})
	seedUser(t, db, models.User{ID: 3, Username: "plain"})
	if _, err := p.AddWhitelist(ctx, 3, "手工豁免", "admin", 0); err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}

	ids := p.protectedIDs(ctx)
	for _, want := range []int{1, 2, 3} {
		if !ids[want] {
			t.Fatalf("id %d 应受保护: %v", want, ids)
		}
	}
	if ids[4] {
		t.Fatalf("普通用户不应受保护")
	}
}

func TestCooldownMarks(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)

	if p.inCooldown(7) {
		t.Fatalf("未标记不应在冷却期")
	}
	p.markCooldown(7, "20260825-120000", 24)
	if !p.inCooldown(7) {
		t.Fatalf("标记后应在冷却期")
	}
}

func TestMatchIPList(t *testing.T) {
	ips := []string{"1.2.3.4", "10.0.5.6", "bogus", "8.8.8.8"}

	if got := matchIPList(ips, nil); got != nil {
		t.Fatalf("空名单应返回 nil, got %v", got)
	}
	got := matchIPList(ips, []string{"1.2.3.4", "10.0.0.0/8"})
	if len(got) != 2 || got[0] != "1.2.3.4" || got[1] != "10.0.5.6" {
		t.Fatalf("matchIPList = %v", got)
	}
}

func TestExcludedShare(t *testing.T) {
	items := []ModelUsageItem{
		{ModelName: "gpt-4o", Requests: 80},
		{ModelName: "embedding", Requests: 20},
	}
	if got := excludedShare(items, nil); got != 0 {
		t.Fatalf("空排除名单占比 = %v", got)
	}
	if got := excludedShare(items, []string{"embedding"}); got != 0.2 {
		t.Fatalf("占比 = %v, want 0.2", got)
	}
	if got := excludedShare(items, []string{"gpt-4o", "embedding"}); got != 1 {
		t.Fatalf("全排除占比 = %v, want 1", got)
	}
}

func TestPromptValues(t *testing.T) {
	analysis := &UserAnalysis{
		User: AnalysisUser{ID: 42, Username: "mallory", Group: "default"},
		Summary: AnalysisSummary{
			UserWindowSummary: UserWindowSummary{
				TotalRequests: 50,
				UniqueTokens:  5,
				UniqueModels:  2,
				UniqueIPs:     12,
			},
		},
		Risk: AnalysisRisk{
			RiskFlags: []string{RiskFlagManyIPs},
			IPSwitch:  &IPSwitchAnalysis{SwitchCount: 4, RealSwitchCount: 3},
		},
		TopIPs: []IPUsageItem{{IP: "1.2.3.4"}, {IP: "10.0.5.6"}},
	}
	settings := AIBanSettings{WhitelistIPs: []string{"10.0.0.0/8"}}

	values := promptValues(analysis, settings)
	if values["user_id"] != "42" || values["username"] != "mallory" {
		t.Fatalf("用户字段异常: %v", values)
	}
	// 5 个令牌、平均每令牌 10 次，轮换风险判高
	if values["avg_requests_per_token"] != "10.0" || values["token_rotation_risk"] != "high" {
		t.Fatalf("轮换风险异常: %v", values)
	}
	if values["user_ips"] != "1.2.3.4, 10.0.5.6" {
		t.Fatalf("user_ips = %q", values["user_ips"])
	}
	if values["user_whitelisted_ips"] != "10.0.5.6" {
		t.Fatalf("白名单命中 = %q", values["user_whitelisted_ips"])
	}
	if values["user_blacklisted_ips"] != "无" {
		t.Fatalf("黑名单未命中应为「无」, got %q", values["user_blacklisted_ips"])
	}
	if values["risk_flags"] != RiskFlagManyIPs {
		t.Fatalf("risk_flags = %q", values["risk_flags"])
	}
}

func TestScanStatusMapping(t *testing.T) {
	tests := []struct {
		result ScanResult
		want   string
	}{
		{ScanResult{}, models.AIScanStatusEmpty},
		{ScanResult{CandidateCount: 3, SkippedCount: 3}, models.AIScanStatusSuccess},
		{ScanResult{CandidateCount: 3, ErrorCount: 3}, models.AIScanStatusFailed},
		{ScanResult{CandidateCount: 3, BannedCount: 1, ErrorCount: 1}, models.AIScanStatusPartial},
	}
	for _, tt := range tests {
		if got := scanStatus(&tt.result); got != tt.want {
			t.Fatalf("scanStatus(%+v) = %q, want %q", tt.result, got, tt.want)
		}
	}
}

func banVerdict(shouldBan bool, score, confidence float64) string {
	blob, _ := json.Marshal(map[string]interface{}{
		"should_ban": shouldBan,
		"risk_score": score,
		"confidence": confidence,
		"reason":     "多 IP 批量盗刷",
	})
	return chatReply(string(blob))
}

func TestRunScanDryRunAndCooldown(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, banVerdict(true, 9, 0.9))
	}))
	defer srv.Close()

	if err := p.UpdateSettings(AIBanSettings{
		Enabled: true, BaseURL: srv.URL, Model: "m", Window: "24h",
	}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	seedCandidate(t, db, models.User{ID: 9, Username: "mallory"}, 60, 12)

	dry := true
	result, err := p.RunScan(ctx, &dry, "admin")
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if !result.DryRun {
		t.Fatalf("应为演练模式")
	}
	if result.CandidateCount != 1 || result.EvaluatedCount != 1 || result.BannedCount != 1 {
		t.Fatalf("计数异常: %+v", result)
	}
	if result.Status != models.AIScanStatusSuccess {
		t.Fatalf("status = %q, want success", result.Status)
	}
	if len(result.ScanID) != len("20060102-150405") {
		t.Fatalf("scan_id 格式异常: %q", result.ScanID)
	}

	// 演练模式不改账号状态
	var user models.User
	db.Main.First(&user, 9)
	if user.Status != models.UserStatusEnabled {
		t.Fatalf("演练模式不应封禁用户")
	}

	// 扫描记录落库
	var audit models.AIAuditLog
	if err := db.Local.Where("scan_id = ?", result.ScanID).First(&audit).Error; err != nil {
		t.Fatalf("查扫描记录: %v", err)
	}
	if audit.BannedCount != 1 || !audit.DryRun {
		t.Fatalf("扫描记录异常: %+v", audit)
	}

	// 评估过即进冷却期，第二轮整轮跳过
	result, err = p.RunScan(ctx, &dry, "admin")
	if err != nil {
		t.Fatalf("第二轮 RunScan: %v", err)
	}
	if result.EvaluatedCount != 0 || result.SkippedCount != 1 {
		t.Fatalf("冷却期应跳过: %+v", result)
	}
	if result.Details[0].SkipReason != "冷却期内" {
		t.Fatalf("跳过原因 = %q", result.Details[0].SkipReason)
	}
}

func TestRunScanBansAndWarns(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		userMsg := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(userMsg, "banner") {
			fmt.Fprint(w, banVerdict(true, 9, 0.9))
			return
		}
		fmt.Fprint(w, banVerdict(true, 6.5, 0.5))
	}))
	defer srv.Close()

	if err := p.UpdateSettings(AIBanSettings{
		Enabled: true, BaseURL: srv.URL, Model: "m", Window: "24h",
	}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	seedCandidate(t, db, models.User{ID: 11, Username: "banner"}, 60, 12)
	seedCandidate(t, db, models.User{ID: 12, Username: "warner"}, 55, 11)

	result, err := p.RunScan(ctx, nil, "")
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if result.BannedCount != 1 || result.WarnedCount != 1 || result.ErrorCount != 0 {
		t.Fatalf("计数异常: %+v", result)
	}
	if result.Status != models.AIScanStatusSuccess {
		t.Fatalf("status = %q", result.Status)
	}

	var banned models.User
	db.Main.First(&banned, 11)
	if banned.Status != models.UserStatusBanned {
		t.Fatalf("banner 应被封禁")
	}
	var warned models.User
	db.Main.First(&warned, 12)
	if warned.Status != models.UserStatusEnabled {
		t.Fatalf("warner 不应被封禁")
	}

	var warnAudits int64
	db.Local.Model(&models.SecurityAudit{}).
		Where("action = ? AND user_id = ?", models.AuditActionAIWarn, 12).
		Count(&warnAudits)
	if warnAudits != 1 {
		t.Fatalf("警告审计条数 %d, want 1", warnAudits)
	}
}

func TestRunScanSkips(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)
	ctx := context.Background()

	// 任何到达 AI 的请求都算失败
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("粗筛应拦下全部候选，不应调用 AI")
	}))
	defer srv.Close()

	if err := p.UpdateSettings(AIBanSettings{
		Enabled: true, BaseURL: srv.URL, Model: "m", Window: "24h",
	}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	seedCandidate(t, db, models.User{ID: 21, Username: "jailed", Status: models.UserStatusBanned}, 60, 12)
	seedCandidate(t, db, models.User{ID: 22, Username: "exempt"}, 60, 12)
	seedCandidate(t, db, models.User{ID: 23, Username: "light"}, 30, 12)
	seedCandidate(t, db, models.User{ID: 24, Username: "steady"}, 60, 1)
	if _, err := p.AddWhitelist(ctx, 22, "大客户", "admin", 0); err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}

	result, err := p.RunScan(ctx, nil, "admin")
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if result.CandidateCount != 4 || result.SkippedCount != 4 || result.EvaluatedCount != 0 {
		t.Fatalf("计数异常: %+v", result)
	}

	reasons := make(map[int]string, len(result.Details))
	for _, d := range result.Details {
		reasons[d.UserID] = d.SkipReason
	}
	wants := map[int]string{
		21: "已封禁",
		22: "白名单",
		23: "请求数不足",
		24: "无 IP 风险标记",
	}
	for userID, want := range wants {
		if reasons[userID] != want {
			t.Fatalf("用户 %d 跳过原因 = %q, want %q", userID, reasons[userID], want)
		}
	}

	// 全部被粗筛拦下的扫描同样留一条审计
	var entry models.AIAuditLog
	if err := db.Local.First(&entry).Error; err != nil {
		t.Fatalf("查扫描审计: %v", err)
	}
	if entry.SkippedCount != 4 || entry.Status != models.AIScanStatusSuccess {
		t.Fatalf("全跳过扫描审计异常: %+v", entry)
	}
}

func TestRunScanBusy(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)

	p.scanMu.Lock()
	defer p.scanMu.Unlock()

	if _, err := p.RunScan(context.Background(), nil, "admin"); !errors.Is(err, ErrScanBusy) {
		t.Fatalf("并发扫描应返回 ErrScanBusy, got %v", err)
	}
	if !p.ScanRunning() {
		t.Fatalf("持锁期间 ScanRunning 应为真")
	}
}

func TestRunScanSuspended(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)

	for i := 0; i < breakerTripAt; i++ {
		p.llm.recordFailure(errors.New("接口超时"))
	}
	if _, err := p.RunScan(context.Background(), nil, "admin"); !errors.Is(err, ErrAPISuspended) {
		t.Fatalf("熔断中应返回 ErrAPISuspended, got %v", err)
	}
}

func TestShouldRun(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)
	now := time.Now()

	// 未启用或间隔为零都不触发
	if p.ShouldRun(now) {
		t.Fatalf("未配置不应触发")
	}
	if err := p.UpdateSettings(AIBanSettings{Enabled: true, ScanIntervalMinutes: 30}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if !p.ShouldRun(now) {
		t.Fatalf("从未扫描过应触发")
	}
	p.lastScan.Store(now.Unix() - 60)
	if p.ShouldRun(now) {
		t.Fatalf("间隔未到不应触发")
	}
	p.lastScan.Store(now.Unix() - 31*60)
	if !p.ShouldRun(now) {
		t.Fatalf("间隔已过应触发")
	}
}

func TestAuditLogsPaging(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)

	for i := 1; i <= 3; i++ {
		status := models.AIScanStatusSuccess
		if i == 2 {
			status = models.AIScanStatusFailed
		}
		entry := models.AIAuditLog{
			ScanID:    fmt.Sprintf("scan-%d", i),
			Status:    status,
			Window:    "24h",
			CreatedAt: time.Now().Unix(),
		}
		if err := db.Local.Create(&entry).Error; err != nil {
			t.Fatalf("插入扫描记录: %v", err)
		}
	}

	entries, total, err := p.AuditLogs(1, 2, "")
	if err != nil {
		t.Fatalf("AuditLogs: %v", err)
	}
	if total != 3 || len(entries) != 2 {
		t.Fatalf("分页异常: total=%d, len=%d", total, len(entries))
	}
	// id 降序
	if entries[0].ScanID != "scan-3" || entries[1].ScanID != "scan-2" {
		t.Fatalf("排序异常: %v, %v", entries[0].ScanID, entries[1].ScanID)
	}

	entries, total, err = p.AuditLogs(1, 10, models.AIScanStatusFailed)
	if err != nil {
		t.Fatalf("AuditLogs 过滤: %v", err)
	}
	if total != 1 || len(entries) != 1 || entries[0].ScanID != "scan-2" {
		t.Fatalf("状态过滤异常: total=%d, %+v", total, entries)
	}
}

func TestListModelsCached(t *testing.T) {
	db := newTestDB(t)
	p := newPipeline(t, db)
	ctx := context.Background()

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"data": [{"id": "gpt-4o"}]}`)
	}))
	defer srv.Close()

	if err := p.UpdateSettings(AIBanSettings{BaseURL: srv.URL, Model: "m"}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	names, cached, err := p.ListModels(ctx, false)
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if cached || len(names) != 1 || names[0] != "gpt-4o" {
		t.Fatalf("首次拉取异常: cached=%v, names=%v", cached, names)
	}

	_, cached, err = p.ListModels(ctx, false)
	if err != nil {
		t.Fatalf("ListModels 二次: %v", err)
	}
	if !cached {
		t.Fatalf("二次读取应命中缓存")
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("上游请求数 %d, want 1", n)
	}

	// force 强制刷新
	_, cached, err = p.ListModels(ctx, true)
	if err != nil {
		t.Fatalf("ListModels force: %v", err)
	}
	if cached {
		t.Fatalf("force 不应返回缓存")
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("上游请求数 %d, want 2", n)
	}
}
