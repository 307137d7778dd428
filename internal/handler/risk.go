package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/service"
)

// RiskHandler 风险分析与检测器
type RiskHandler struct {
	risk *service.RiskEngine
}

func NewRiskHandler(risk *service.RiskEngine) *RiskHandler {
	return &RiskHandler{risk: risk}
}

// GetLeaderboards GET /api/risk/leaderboards?windows=24h,7d&limit=10&sort_by=requests
func (h *RiskHandler) GetLeaderboards(c *gin.Context) {
	windows := strings.Split(c.DefaultQuery("windows", "24h"), ",")
	for i := range windows {
		windows[i] = strings.TrimSpace(windows[i])
	}

	boards, err := h.risk.Leaderboards(c.Request.Context(),
		windows, queryInt(c, "limit", 10), c.Query("sort_by"))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, boards)
}

// AnalyzeUser GET /api/risk/users/:id/analysis?window=24h&end_time=0
// window_seconds 优先于 window。
func (h *RiskHandler) AnalyzeUser(c *gin.Context) {
	userID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "用户 id 必须为整数")
		return
	}

	windowSeconds := int64(queryInt(c, "window_seconds", 0))
	if windowSeconds <= 0 {
		window := c.DefaultQuery("window", "24h")
		if !service.ValidWindow(window) {
			Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "不支持的时间窗口 "+window)
			return
		}
		windowSeconds = service.WindowDuration(window)
	}

	endTime, _ := strconv.ParseInt(c.Query("end_time"), 10, 64)
	analysis, err := h.risk.Analyze(c.Request.Context(), userID, windowSeconds, endTime)
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, analysis)
}

// GetSharedIPs GET /api/risk/shared-ips?window=24h&min_tokens=3&limit=50
func (h *RiskHandler) GetSharedIPs(c *gin.Context) {
	result, err := h.risk.SharedIPs(c.Request.Context(),
		c.DefaultQuery("window", "24h"),
		queryInt(c, "min_tokens", 3),
		queryInt(c, "limit", 50))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// GetMultiIPTokens GET /api/risk/multi-ip-tokens?window=24h&min_ips=5&limit=50
func (h *RiskHandler) GetMultiIPTokens(c *gin.Context) {
	result, err := h.risk.MultiIPTokens(c.Request.Context(),
		c.DefaultQuery("window", "24h"),
		queryInt(c, "min_ips", 5),
		queryInt(c, "limit", 50))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// GetMultiIPUsers GET /api/risk/multi-ip-users?window=24h&min_ips=10&limit=50
func (h *RiskHandler) GetMultiIPUsers(c *gin.Context) {
	result, err := h.risk.MultiIPUsers(c.Request.Context(),
		c.DefaultQuery("window", "24h"),
		queryInt(c, "min_ips", 10),
		queryInt(c, "limit", 50))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// GetTokenRotation GET /api/risk/token-rotation?window=24h&min_tokens=5&max_per_token=10&limit=50
func (h *RiskHandler) GetTokenRotation(c *gin.Context) {
	result, err := h.risk.TokenRotation(c.Request.Context(),
		c.DefaultQuery("window", "24h"),
		queryInt(c, "min_tokens", 5),
		queryInt(c, "max_per_token", 10),
		queryInt(c, "limit", 50))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// GetAffiliatedAccounts GET /api/risk/affiliated-accounts?window=24h&min_invited=3&include_activity=1&limit=50
func (h *RiskHandler) GetAffiliatedAccounts(c *gin.Context) {
	result, err := h.risk.AffiliatedAccounts(c.Request.Context(),
		c.DefaultQuery("window", "24h"),
		queryInt(c, "min_invited", 3),
		queryBool(c, "include_activity"),
		queryInt(c, "limit", 50))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}

// GetSameIPRegistrations GET /api/risk/same-ip-registrations?window=24h&min_users=3&limit=50
func (h *RiskHandler) GetSameIPRegistrations(c *gin.Context) {
	result, err := h.risk.SameIPRegistrations(c.Request.Context(),
		c.DefaultQuery("window", "24h"),
		queryInt(c, "min_users", 3),
		queryInt(c, "limit", 50))
	if err != nil {
		FailErr(c, err)
		return
	}
	OK(c, result)
}
