package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/service"
)

// DashboardHandler 仪表盘与 IP 分布
type DashboardHandler struct {
	dash   *service.DashboardEngine
	ipdist *service.IPDistributionEngine
}

func NewDashboardHandler(dash *service.DashboardEngine, ipdist *service.IPDistributionEngine) *DashboardHandler {
	return &DashboardHandler{dash: dash, ipdist: ipdist}
}

// GetOverview GET /api/dashboard/overview?period=24h&no_cache=1
func (h *DashboardHandler) GetOverview(c *gin.Context) {
	period := c.DefaultQuery("period", "24h")
	data, err := h.dash.GetOverview(c.Request.Context(), period, queryBool(c, "no_cache"))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, data)
}

// GetUsage GET /api/dashboard/usage?period=24h
func (h *DashboardHandler) GetUsage(c *gin.Context) {
	period := c.DefaultQuery("period", "24h")
	data, err := h.dash.GetUsage(c.Request.Context(), period)
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, data)
}

// GetModelUsage GET /api/dashboard/models?period=24h&limit=10
func (h *DashboardHandler) GetModelUsage(c *gin.Context) {
	period := c.DefaultQuery("period", "24h")
	rows, err := h.dash.GetModelUsage(c.Request.Context(), period, queryInt(c, "limit", 10))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, rows)
}

// GetTopUsers GET /api/dashboard/top-users?period=24h&limit=10
func (h *DashboardHandler) GetTopUsers(c *gin.Context) {
	period := c.DefaultQuery("period", "24h")
	rows, err := h.dash.GetTopUsers(c.Request.Context(), period, queryInt(c, "limit", 10))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, rows)
}

// GetDailyTrends GET /api/dashboard/trends/daily?days=7
func (h *DashboardHandler) GetDailyTrends(c *gin.Context) {
	rows, err := h.dash.GetDailyTrends(c.Request.Context(), queryInt(c, "days", 7))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, rows)
}

// GetHourlyTrends GET /api/dashboard/trends/hourly?hours=24
func (h *DashboardHandler) GetHourlyTrends(c *gin.Context) {
	rows, err := h.dash.GetHourlyTrends(c.Request.Context(), queryInt(c, "hours", 24))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, rows)
}

// GetChannelStatus GET /api/dashboard/channels
func (h *DashboardHandler) GetChannelStatus(c *gin.Context) {
	rows, err := h.dash.GetChannelStatus(c.Request.Context())
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, rows)
}

// GetIPDistribution GET /api/dashboard/ip-distribution?window=24h
func (h *DashboardHandler) GetIPDistribution(c *gin.Context) {
	window := c.DefaultQuery("window", "24h")
	data, err := h.ipdist.GetDistribution(c.Request.Context(), window)
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, data)
}
