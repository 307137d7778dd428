package service

import "testing"

func TestParseVerdictPlainJSON(t *testing.T) {
	v, err := ParseVerdict(`{"should_ban": true, "risk_score": 9, "confidence": 0.9, "reason": "批量盗刷"}`)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if !v.ShouldBan {
		t.Fatalf("ShouldBan = false, want true")
	}
	if v.RiskScore != 9 || v.Confidence != 0.9 {
		t.Fatalf("score/confidence = %v/%v, want 9/0.9", v.RiskScore, v.Confidence)
	}
	if v.Reason != "批量盗刷" {
		t.Fatalf("Reason = %q", v.Reason)
	}
	if v.Action != VerdictActionBan {
		t.Fatalf("Action = %s, want BAN", v.Action)
	}
}

func TestParseVerdictJSONFence(t *testing.T) {
	content := "分析如下：\n```json\n{\"should_ban\": false, \"risk_score\": 3, \"confidence\": 0.5}\n```\n供参考。"
	v, err := ParseVerdict(content)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if v.ShouldBan || v.RiskScore != 3 {
		t.Fatalf("解析围栏 JSON 失败: %+v", v)
	}
}

func TestParseVerdictAnyFence(t *testing.T) {
	content := "```\n{\"should_ban\": true, \"risk_score\": 8, \"confidence\": 0.85}\n```"
	v, err := ParseVerdict(content)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if v.Action != VerdictActionBan {
		t.Fatalf("Action = %s, want BAN", v.Action)
	}
}

func TestParseVerdictEmbeddedBraces(t *testing.T) {
	content := `该用户风险较高。结论：{"should_ban": false, "risk_score": 6.5, "confidence": 0.7, "reason": "IP 频繁切换"}，建议关注。`
	v, err := ParseVerdict(content)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if v.RiskScore != 6.5 {
		t.Fatalf("RiskScore = %v, want 6.5", v.RiskScore)
	}
	if v.Action != VerdictActionWarn {
		t.Fatalf("Action = %s, want WARN", v.Action)
	}
}

func TestParseVerdictBalancedFromShouldBan(t *testing.T) {
	// 首花括号属于另一段残缺 JSON，只有按 should_ban 配平才能解出
	content := `{"broken": [1,2 ... 前文残缺} 正式结论 {"should_ban": true, "risk_score": 9, "confidence": 0.95, "reason": "ok"} 尾注 }`
	v, err := ParseVerdict(content)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if !v.ShouldBan || v.RiskScore != 9 {
		t.Fatalf("配平提取失败: %+v", v)
	}
}

func TestParseVerdictNoVerdict(t *testing.T) {
	for _, content := range []string{
		"",
		"模型没有给出结论",
		`{"foo": 1}`,
		"```json\n{无效 json}\n```",
	} {
		if _, err := ParseVerdict(content); err == nil {
			t.Fatalf("ParseVerdict(%q) 应失败", content)
		}
	}
}

func TestParseVerdictCoercions(t *testing.T) {
	v, err := ParseVerdict(`{"should_ban": "yes", "risk_score": "7", "confidence": "0.6", "reason": 123}`)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if !v.ShouldBan {
		t.Fatalf("字符串 yes 应视为 true")
	}
	if v.RiskScore != 7 || v.Confidence != 0.6 {
		t.Fatalf("字符串数字未转换: %+v", v)
	}
	if v.Reason != "123" {
		t.Fatalf("Reason = %q, want \"123\"", v.Reason)
	}
}

func TestParseVerdictClamping(t *testing.T) {
	v, err := ParseVerdict(`{"should_ban": false, "risk_score": 99, "confidence": 1.8}`)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if v.RiskScore != 10 {
		t.Fatalf("RiskScore = %v, want 10", v.RiskScore)
	}
	if v.Confidence != 1 {
		t.Fatalf("Confidence = %v, want 1", v.Confidence)
	}

	v, err = ParseVerdict(`{"should_ban": false, "risk_score": -3, "confidence": -0.5}`)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if v.RiskScore != 1 || v.Confidence != 0 {
		t.Fatalf("下限收拢失败: %+v", v)
	}
}

func TestVerdictActionMapping(t *testing.T) {
	tests := []struct {
		shouldBan  bool
		score      float64
		confidence float64
		want       string
	}{
		{true, 9, 0.9, VerdictActionBan},
		{true, 8, 0.8, VerdictActionBan},
		// 分数或置信度不够，降级为警告
		{true, 7.9, 0.9, VerdictActionWarn},
		{true, 9, 0.7, VerdictActionWarn},
		{false, 6, 0.9, VerdictActionWarn},
		{false, 4, 0.9, VerdictActionMonitor},
		{false, 5.9, 0.2, VerdictActionMonitor},
		{false, 3.9, 0.9, VerdictActionSkip},
		{false, 1, 0, VerdictActionSkip},
	}
	for _, tt := range tests {
		raw := map[string]interface{}{
			"should_ban": tt.shouldBan,
			"risk_score": tt.score,
			"confidence": tt.confidence,
		}
		if got := buildVerdict(raw).Action; got != tt.want {
			t.Fatalf("buildVerdict(ban=%v score=%v conf=%v) = %s, want %s",
				tt.shouldBan, tt.score, tt.confidence, got, tt.want)
		}
	}
}
