package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ketches/gateway-sentinel/internal/logger"
)

// LLM 调用参数。温度和输出长度固定，只有端点和模型可配。
const (
	llmTimeout      = 30 * time.Second
	llmMaxAttempts  = 3
	llmRetryBase    = 2 * time.Second
	llmTemperature  = 0.3
	llmMaxTokens    = 500
	breakerTripAt   = 5
	breakerCooldown = 300 * time.Second
)

// API 健康状态
const (
	APIStateHealthy   = "healthy"
	APIStateDegraded  = "degraded"
	APIStateSuspended = "suspended"
)

// LLMSettings 调用 AI 接口需要的连接信息
type LLMSettings struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

// APIHealth 熔断器对外快照
type APIHealth struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastFailureTime     int64  `json:"last_failure_time"`
	RemainingSeconds    int64  `json:"remaining_seconds"`
	LastError           string `json:"last_error"`
}

// LLMClient OpenAI 兼容接口客户端，自带熔断。
// 连续失败 5 次暂停 300 秒，成功一次即恢复。
type LLMClient struct {
	httpClient *http.Client

	mu           sync.Mutex
	failures     int
	lastFailure  int64
	lastErrorMsg string
}

// NewLLMClient 创建 AI 客户端
func NewLLMClient() *LLMClient {
	return &LLMClient{
		httpClient: &http.Client{Timeout: llmTimeout},
	}
}

// chatEndpoint base_url 以 /v1 结尾时直接拼接，否则补 /v1
func chatEndpoint(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// modelsEndpoint 模型列表端点，推导规则与 chatEndpoint 一致
func modelsEndpoint(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/models"
	}
	return base + "/v1/models"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Suspended 是否处于熔断暂停期，顺带返回剩余秒数。
// 冷却期满时顺手恢复健康态。
func (c *LLMClient) Suspended() (bool, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures < breakerTripAt {
		return false, 0
	}
	elapsed := time.Now().Unix() - c.lastFailure
	cooldown := int64(breakerCooldown.Seconds())
	if elapsed >= cooldown {
		c.failures = 0
		c.lastErrorMsg = ""
		return false, 0
	}
	return true, cooldown - elapsed
}

// Health 当前熔断器状态
func (c *LLMClient) Health() APIHealth {
	suspended, remaining := c.Suspended()
	c.mu.Lock()
	defer c.mu.Unlock()

	state := APIStateHealthy
	if suspended {
		state = APIStateSuspended
	} else if c.failures > 0 {
		state = APIStateDegraded
	}
	return APIHealth{
		State:               state,
		ConsecutiveFailures: c.failures,
		LastFailureTime:     c.lastFailure,
		RemainingSeconds:    remaining,
		LastError:           c.lastErrorMsg,
	}
}

// ResetHealth 人工复位熔断器
func (c *LLMClient) ResetHealth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.lastFailure = 0
	c.lastErrorMsg = ""
	logger.Info("AI 接口熔断器已人工复位")
}

func (c *LLMClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.lastErrorMsg = ""
}

func (c *LLMClient) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = time.Now().Unix()
	c.lastErrorMsg = err.Error()
	if c.failures == breakerTripAt {
		logger.Warn("AI 接口连续失败达到阈值，暂停调用",
			zap.Int("consecutive_failures", c.failures),
			zap.Duration("cooldown", breakerCooldown))
	}
}

// Chat 发起一次对话补全，带重试，整次调用计入熔断统计
func (c *LLMClient) Chat(ctx context.Context, settings LLMSettings, systemMsg, userMsg string) (string, error) {
	if settings.BaseURL == "" || settings.Model == "" {
		return "", fmt.Errorf("%w: AI 接口未配置", ErrInvalidParams)
	}
	if suspended, remaining := c.Suspended(); suspended {
		return "", fmt.Errorf("%w: 剩余 %d 秒", ErrAPISuspended, remaining)
	}

	var lastErr error
	for attempt := 1; attempt <= llmMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(llmRetryBase * time.Duration(attempt-1)):
			case <-ctx.Done():
				c.recordFailure(ctx.Err())
				return "", ctx.Err()
			}
		}
		content, err := c.chatOnce(ctx, settings, systemMsg, userMsg)
		if err == nil {
			c.recordSuccess()
			return content, nil
		}
		lastErr = err
		logger.Warn("AI 调用失败",
			zap.Int("attempt", attempt),
			zap.String("model", settings.Model),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	c.recordFailure(lastErr)
	return "", fmt.Errorf("AI 调用失败: %w", lastErr)
}

// chatOnce 单次请求。response_format 为尽力而为，
// 服务端不认时去掉后原样重发一次。
func (c *LLMClient) chatOnce(ctx context.Context, settings LLMSettings, systemMsg, userMsg string) (string, error) {
	req := chatRequest{
		Model: settings.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemMsg},
			{Role: "user", Content: userMsg},
		},
		Temperature:    llmTemperature,
		MaxTokens:      llmMaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	content, status, body, err := c.post(ctx, chatEndpoint(settings.BaseURL), settings.APIKey, req)
	if err == nil {
		return content, nil
	}
	if status == http.StatusBadRequest && strings.Contains(body, "response_format") {
		req.ResponseFormat = nil
		content, _, _, err = c.post(ctx, chatEndpoint(settings.BaseURL), settings.APIKey, req)
		if err == nil {
			return content, nil
		}
	}
	return "", err
}

func (c *LLMClient) post(ctx context.Context, url, apiKey string, payload chatRequest) (content string, status int, body string, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", 0, "", fmt.Errorf("序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", 0, "", fmt.Errorf("构造请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, "", fmt.Errorf("读取响应失败: %w", err)
	}
	body = string(data)

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, body, fmt.Errorf("AI 接口返回 %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", resp.StatusCode, body, fmt.Errorf("解析响应失败: %w", err)
	}
	if parsed.Error != nil {
		return "", resp.StatusCode, body, fmt.Errorf("AI 接口错误: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", resp.StatusCode, body, fmt.Errorf("AI 响应没有内容")
	}
	return parsed.Choices[0].Message.Content, resp.StatusCode, body, nil
}

// ListModels 拉取端点的可用模型列表
func (c *LLMClient) ListModels(ctx context.Context, settings LLMSettings) ([]string, error) {
	if settings.BaseURL == "" {
		return nil, fmt.Errorf("%w: 未配置 base_url", ErrInvalidParams)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsEndpoint(settings.BaseURL), nil)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	if settings.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+settings.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求模型列表失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("模型列表接口返回 %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("解析模型列表失败: %w", err)
	}
	names := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID != "" {
			names = append(names, m.ID)
		}
	}
	return names, nil
}

// ModelTestResult 单次连通性探测结果
type ModelTestResult struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latency_ms"`
	Content   string `json:"content"`
	Message   string `json:"message"`
}

// TestModel 对配置的模型发一次最小请求测连通性
func (c *LLMClient) TestModel(ctx context.Context, settings LLMSettings) *ModelTestResult {
	start := time.Now()
	content, err := c.Chat(ctx, settings,
		"你是连通性探针，收到什么就原样简短回应。",
		"回复 ok")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &ModelTestResult{
			Success:   false,
			LatencyMs: latency,
			Message:   err.Error(),
		}
	}
	return &ModelTestResult{
		Success:   true,
		LatencyMs: latency,
		Content:   truncate(content, 200),
		Message:   "连接正常",
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
