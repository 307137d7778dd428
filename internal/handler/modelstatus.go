package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/service"
)

// ModelStatusHandler 模型可用性状态页。embed 端点公开，
// 供外站 iframe 使用；其余走认证。
type ModelStatusHandler struct {
	engine *service.ModelStatusEngine
}

func NewModelStatusHandler(engine *service.ModelStatusEngine) *ModelStatusHandler {
	return &ModelStatusHandler{engine: engine}
}

// GetStatus GET /api/model-status/status/:model?window=1h
func (h *ModelStatusHandler) GetStatus(c *gin.Context) {
	status, err := h.engine.Status(c.Request.Context(), c.Param("model"), c.Query("window"))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, status)
}

type batchStatusRequest struct {
	Models []string `json:"models"`
	Window string   `json:"window"`
}

// BatchStatus POST /api/model-status/status/batch
func (h *ModelStatusHandler) BatchStatus(c *gin.Context) {
	var req batchStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}

	statuses, err := h.engine.BatchStatus(c.Request.Context(), req.Models, req.Window)
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, statuses)
}

// GetAvailableModels GET /api/model-status/models
func (h *ModelStatusHandler) GetAvailableModels(c *gin.Context) {
	list, err := h.engine.AvailableModels(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, list)
}

// GetConfig GET /api/model-status/config
func (h *ModelStatusHandler) GetConfig(c *gin.Context) {
	cfg, err := h.engine.Config(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, cfg)
}

// UpdateConfig PUT /api/model-status/config
func (h *ModelStatusHandler) UpdateConfig(c *gin.Context) {
	var update service.ModelStatusConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}

	cfg, err := h.engine.UpdateConfig(c.Request.Context(), &update)
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, cfg)
}

// GetEmbedConfig GET /api/model-status/embed/config（公开）
func (h *ModelStatusHandler) GetEmbedConfig(c *gin.Context) {
	cfg, err := h.engine.EmbedConfig(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, cfg)
}

// GetEmbedStatus GET /api/model-status/embed/models?window=1h（公开）。
// 按配置里选中的模型批量出状态。
func (h *ModelStatusHandler) GetEmbedStatus(c *gin.Context) {
	cfg, err := h.engine.Config(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}

	window := c.Query("window")
	if window == "" {
		window = cfg.TimeWindow
	}
	statuses, err := h.engine.BatchStatus(c.Request.Context(), cfg.SelectedModels, window)
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, statuses)
}
