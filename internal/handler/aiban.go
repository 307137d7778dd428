package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/service"
)

// AIBanHandler AI 自动封禁的配置、扫描与白名单
type AIBanHandler struct {
	pipeline *service.AutoBanPipeline
	llm      *service.LLMClient
}

func NewAIBanHandler(pipeline *service.AutoBanPipeline, llm *service.LLMClient) *AIBanHandler {
	return &AIBanHandler{pipeline: pipeline, llm: llm}
}

// GetConfig GET /api/ai-ban/config
func (h *AIBanHandler) GetConfig(c *gin.Context) {
	settings, err := h.pipeline.Settings()
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, settings.Masked())
}

// UpdateConfig PUT /api/ai-ban/config
func (h *AIBanHandler) UpdateConfig(c *gin.Context) {
	var settings service.AIBanSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}
	if err := h.pipeline.UpdateSettings(settings); err != nil {
		FailErr(c, err)
		return
	}
	OKMessage(c, settings.Masked(), "配置已保存")
}

type scanRequest struct {
	DryRun *bool `json:"dry_run"`
}

// RunScan POST /api/ai-ban/scan
func (h *AIBanHandler) RunScan(c *gin.Context) {
	var req scanRequest
	// 空请求体也合法
	_ = c.ShouldBindJSON(&req)

	result, err := h.pipeline.RunScan(c.Request.Context(), req.DryRun, operator(c))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// GetStatus GET /api/ai-ban/status 扫描与熔断器状态
func (h *AIBanHandler) GetStatus(c *gin.Context) {
	OK(c, gin.H{
		"scanning":   h.pipeline.ScanRunning(),
		"api_health": h.llm.Health(),
	})
}

// ResetBreaker POST /api/ai-ban/reset-breaker
func (h *AIBanHandler) ResetBreaker(c *gin.Context) {
	h.llm.ResetHealth()
	OKMessage(c, h.llm.Health(), "熔断器已复位")
}

// GetLogs GET /api/ai-ban/logs?page=1&page_size=20&status=success
func (h *AIBanHandler) GetLogs(c *gin.Context) {
	page, pageSize := pageParams(c)
	entries, total, err := h.pipeline.AuditLogs(page, pageSize, c.Query("status"))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, gin.H{
		"items":     entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetModels GET /api/ai-ban/models?force_refresh=1
func (h *AIBanHandler) GetModels(c *gin.Context) {
	names, cached, err := h.pipeline.ListModels(c.Request.Context(), queryBool(c, "force_refresh"))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, gin.H{
		"models": names,
		"cached": cached,
	})
}

// TestConnection POST /api/ai-ban/test
func (h *AIBanHandler) TestConnection(c *gin.Context) {
	result, err := h.pipeline.TestConnection(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// GetWhitelist GET /api/ai-ban/whitelist
func (h *AIBanHandler) GetWhitelist(c *gin.Context) {
	entries, err := h.pipeline.Whitelist()
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, entries)
}

type whitelistAddRequest struct {
	UserID    int    `json:"user_id" binding:"required"`
	Reason    string `json:"reason"`
	ExpiresAt int64  `json:"expires_at"`
}

// AddWhitelist POST /api/ai-ban/whitelist
func (h *AIBanHandler) AddWhitelist(c *gin.Context) {
	var req whitelistAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}

	entry, err := h.pipeline.AddWhitelist(c.Request.Context(), req.UserID, req.Reason, operator(c), req.ExpiresAt)
	if err != nil {
		FailErr(c, err)
		return
	}
	OKMessage(c, entry, "已加入白名单")
}

// RemoveWhitelist DELETE /api/ai-ban/whitelist/:user_id
func (h *AIBanHandler) RemoveWhitelist(c *gin.Context) {
	userID := queryIntParam(c, "user_id")
	if userID <= 0 {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "用户 id 必须为正整数")
		return
	}
	if err := h.pipeline.RemoveWhitelist(userID); err != nil {
		FailErr(c, err)
		return
	}
	OKMessage(c, nil, "已移出白名单")
}
