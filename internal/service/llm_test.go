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
)

func TestChatEndpoints(t *testing.T) {
	tests := []struct {
		base string
		chat string
		list string
	}{
		{"https://api.example.com", "https://api.example.com/v1/chat/completions", "https://api.example.com/v1/models"},
		{"https://api.example.com/", "https://api.example.com/v1/chat/completions", "https://api.example.com/v1/models"},
		{"https://api.example.com/v1", "https://api.example.com/v1/chat/completions", "https://api.example.com/v1/models"},
		{"https://api.example.com/v1/", "https://api.example.com/v1/chat/completions", "https://api.example.com/v1/models"},
	}
	for _, tt := range tests {
		if got := chatEndpoint(tt.base); got != tt.chat {
			t.Fatalf("chatEndpoint(%q) = %q, want %q", tt.base, got, tt.chat)
		}
		if got := modelsEndpoint(tt.base); got != tt.list {
			t.Fatalf("modelsEndpoint(%q) = %q, want %q", tt.base, got, tt.list)
		}
	}
}

func chatReply(content string) string {
	blob, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(blob)
}

func TestChatSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, chatReply(`{"should_ban": false}`))
	}))
	defer srv.Close()

	client := NewLLMClient()
	settings := LLMSettings{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o-mini"}
	content, err := client.Chat(context.Background(), settings, "system", "user")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if content != `{"should_ban": false}` {
		t.Fatalf("content = %q", content)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o-mini" || len(gotReq.Messages) != 2 {
		t.Fatalf("请求体异常: %+v", gotReq)
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Fatalf("默认应带 response_format")
	}
	if h := client.Health(); h.State != APIStateHealthy {
		t.Fatalf("成功后状态 %s, want healthy", h.State)
	}
}

func TestChatUnconfigured(t *testing.T) {
	client := NewLLMClient()
	if _, err := client.Chat(context.Background(), LLMSettings{}, "s", "u"); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("未配置应返回 ErrInvalidParams, got %v", err)
	}
}

func TestChatStripsResponseFormatOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if n == 1 {
			if req.ResponseFormat == nil {
				t.Errorf("首次请求应带 response_format")
			}
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": {"message": "response_format is not supported"}}`)
			return
		}
		if req.ResponseFormat != nil {
			t.Errorf("重发请求不应再带 response_format")
		}
		fmt.Fprint(w, chatReply("ok"))
	}))
	defer srv.Close()

	client := NewLLMClient()
	content, err := client.Chat(context.Background(),
		LLMSettings{BaseURL: srv.URL, Model: "m"}, "s", "u")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if content != "ok" {
		t.Fatalf("content = %q", content)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("请求次数 %d, want 2", n)
	}
}

func TestBreakerTripAndRecover(t *testing.T) {
	client := NewLLMClient()

	for i := 0; i < breakerTripAt-1; i++ {
		client.recordFailure(errors.New("接口超时"))
	}
	if suspended, _ := client.Suspended(); suspended {
		t.Fatalf("未达阈值不应熔断")
	}
	if h := client.Health(); h.State != APIStateDegraded {
		t.Fatalf("有失败记录应为 degraded, got %s", h.State)
	}

	client.recordFailure(errors.New("接口超时"))
	suspended, remaining := client.Suspended()
	if !suspended {
		t.Fatalf("连续 %d 次失败应熔断", breakerTripAt)
	}
	if remaining <= 0 || remaining > int64(breakerCooldown.Seconds()) {
		t.Fatalf("剩余秒数异常: %d", remaining)
	}
	if h := client.Health(); h.State != APIStateSuspended {
		t.Fatalf("熔断中状态 %s, want suspended", h.State)
	}

	// 熔断期间 Chat 直接拒绝，不发请求
	if _, err := client.Chat(context.Background(),
		LLMSettings{BaseURL: "http://127.0.0.1:1", Model: "m"}, "s", "u"); !errors.Is(err, ErrAPISuspended) {
		t.Fatalf("熔断中应返回 ErrAPISuspended, got %v", err)
	}

	// 一次成功即复位
	client.recordSuccess()
	if suspended, _ := client.Suspended(); suspended {
		t.Fatalf("成功后不应继续熔断")
	}
}

func TestBreakerCooldownExpiry(t *testing.T) {
	client := NewLLMClient()
	client.mu.Lock()
	client.failures = breakerTripAt
	client.lastFailure = time.Now().Unix() - int64(breakerCooldown.Seconds()) - 1
	client.mu.Unlock()

	if suspended, _ := client.Suspended(); suspended {
		t.Fatalf("冷却期满应自动恢复")
	}
	if h := client.Health(); h.State != APIStateHealthy {
		t.Fatalf("恢复后状态 %s, want healthy", h.State)
	}
}

func TestResetHealth(t *testing.T) {
	client := NewLLMClient()
	for i := 0; i < breakerTripAt; i++ {
		client.recordFailure(errors.New("boom"))
	}
	client.ResetHealth()

	h := client.Health()
	if h.State != APIStateHealthy || h.ConsecutiveFailures != 0 || h.LastError != "" {
		t.Fatalf("复位后状态异常: %+v", h)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"data": [{"id": "gpt-4o"}, {"id": "gpt-4o-mini"}, {"id": ""}]}`)
	}))
	defer srv.Close()

	client := NewLLMClient()
	names, err := client.ListModels(context.Background(), LLMSettings{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[0] != "gpt-4o" || names[1] != "gpt-4o-mini" {
		t.Fatalf("names = %v", names)
	}

	if _, err := client.ListModels(context.Background(), LLMSettings{}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("未配置应返回 ErrInvalidParams, got %v", err)
	}
}

func TestListModelsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "invalid key"}`)
	}))
	defer srv.Close()

	client := NewLLMClient()
	_, err := client.ListModels(context.Background(), LLMSettings{BaseURL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, 应包含状态码", err)
	}
}

func TestTestModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply("ok"))
	}))
	defer srv.Close()

	client := NewLLMClient()
	result := client.TestModel(context.Background(), LLMSettings{BaseURL: srv.URL, Model: "m"})
	if !result.Success {
		t.Fatalf("探测失败: %s", result.Message)
	}
	if result.Content != "ok" {
		t.Fatalf("Content = %q", result.Content)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abcd..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Fatalf("truncate 短串 = %q", got)
	}
}
