package service

import (
	"strings"
	"testing"
)

func TestValidPromptTemplate(t *testing.T) {
	tests := []struct {
		tmpl string
		want bool
	}{
		{"", true},
		{"没有占位符的纯文本", true},
		{"用户 {user_id} 请求 {total_requests} 次", true},
		{defaultPromptTemplate, true},
		{"未知占位符 {evil_injection}", false},
		{"{user_id} 混入 {bad_one}", false},
		// 不匹配占位符语法的花括号不参与校验
		{"JSON 示例 {\"key\": 1}", true},
	}
	for _, tt := range tests {
		if got := validPromptTemplate(tt.tmpl); got != tt.want {
			t.Fatalf("validPromptTemplate(%q) = %v, want %v", tt.tmpl, got, tt.want)
		}
	}
}

func TestBuildPromptCustomTemplate(t *testing.T) {
	got := BuildPrompt("用户 {username}({user_id})：{risk_flags}", map[string]string{
		"user_id":  "42",
		"username": "alice",
		"risk_flags": "MANY_IPS",
	})
	want := "用户 alice(42)：MANY_IPS"
	if got != want {
		t.Fatalf("BuildPrompt = %q, want %q", got, want)
	}
}

func TestBuildPromptFallsBackOnInvalidTemplate(t *testing.T) {
	values := map[string]string{"user_id": "7", "username": "bob"}

	got := BuildPrompt("带未知占位符 {not_allowed}", values)
	if strings.Contains(got, "not_allowed") {
		t.Fatalf("无效模板不应被渲染")
	}
	if !strings.Contains(got, "用户 ID: 7") {
		t.Fatalf("应回落默认模板, got %q", got)
	}

	// 空模板同样回落
	got = BuildPrompt("   ", values)
	if !strings.Contains(got, "用户名: bob") {
		t.Fatalf("空模板应回落默认模板")
	}
}

func TestBuildPromptDefaultCoversAllPlaceholders(t *testing.T) {
	values := make(map[string]string, len(promptPlaceholders))
	for _, p := range promptPlaceholders {
		values[p] = "<" + p + ">"
	}
	got := BuildPrompt("", values)

	if placeholderRe.MatchString(got) {
		t.Fatalf("默认模板渲染后仍残留占位符: %q", placeholderRe.FindString(got))
	}
	for _, p := range promptPlaceholders {
		if !strings.Contains(defaultPromptTemplate, "{"+p+"}") {
			t.Fatalf("默认模板缺少占位符 %s", p)
		}
	}
}
