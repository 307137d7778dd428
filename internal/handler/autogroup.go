package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/service"
)

// AutoGroupHandler 自动分组的配置与操作
type AutoGroupHandler struct {
	pipeline *service.AutoGroupPipeline
}

func NewAutoGroupHandler(pipeline *service.AutoGroupPipeline) *AutoGroupHandler {
	return &AutoGroupHandler{pipeline: pipeline}
}

// GetConfig GET /api/auto-group/config
func (h *AutoGroupHandler) GetConfig(c *gin.Context) {
	settings, err := h.pipeline.Settings()
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, settings)
}

// UpdateConfig PUT /api/auto-group/config
func (h *AutoGroupHandler) UpdateConfig(c *gin.Context) {
	var settings service.AutoGroupSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}
	if err := h.pipeline.UpdateSettings(settings); err != nil {
		FailErr(c, err)
		return
	}
	OKMessage(c, settings, "配置已保存")
}

// GetPending GET /api/auto-group/pending
func (h *AutoGroupHandler) GetPending(c *gin.Context) {
	pending, err := h.pipeline.PendingUsers(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, pending)
}

// RunScan POST /api/auto-group/scan
func (h *AutoGroupHandler) RunScan(c *gin.Context) {
	var req scanRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.pipeline.RunScan(c.Request.Context(), req.DryRun, operator(c))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

type batchMoveRequest struct {
	UserIDs     []int  `json:"user_ids" binding:"required"`
	TargetGroup string `json:"target_group" binding:"required"`
}

// BatchMove POST /api/auto-group/batch-move
func (h *AutoGroupHandler) BatchMove(c *gin.Context) {
	var req batchMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}

	result, err := h.pipeline.BatchMove(c.Request.Context(), req.UserIDs, req.TargetGroup, operator(c))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// Revert POST /api/auto-group/revert/:log_id
func (h *AutoGroupHandler) Revert(c *gin.Context) {
	logID, err := strconv.ParseInt(c.Param("log_id"), 10, 64)
	if err != nil || logID <= 0 {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "记录 id 必须为正整数")
		return
	}

	entry, err := h.pipeline.Revert(c.Request.Context(), logID, operator(c))
	if err != nil {
		FailErr(c, err)
		return
	}
	OKMessage(c, entry, "已回滚")
}

// GetStats GET /api/auto-group/stats
func (h *AutoGroupHandler) GetStats(c *gin.Context) {
	stats, err := h.pipeline.Stats(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, stats)
}

// GetLogs GET /api/auto-group/logs?page=1&page_size=20
func (h *AutoGroupHandler) GetLogs(c *gin.Context) {
	page, pageSize := pageParams(c)
	entries, total, err := h.pipeline.Logs(page, pageSize)
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

// GetGroups GET /api/auto-group/groups
func (h *AutoGroupHandler) GetGroups(c *gin.Context) {
	groups, err := h.pipeline.Groups(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, groups)
}
