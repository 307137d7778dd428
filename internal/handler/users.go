package handler

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/models"
	"github.com/ketches/gateway-sentinel/internal/service"
)

// UserActionHandler 人工封禁、解封与兑换码下发，全部经 Writer 落库
type UserActionHandler struct {
	writer *service.Writer
}

func NewUserActionHandler(writer *service.Writer) *UserActionHandler {
	return &UserActionHandler{writer: writer}
}

type banRequest struct {
	Reason        string `json:"reason"`
	DisableTokens bool   `json:"disable_tokens"`
}

// Ban POST /api/users/:id/ban
func (h *UserActionHandler) Ban(c *gin.Context) {
	userID := queryIntParam(c, "id")
	if userID <= 0 {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "用户 id 必须为正整数")
		return
	}

	var req banRequest
	_ = c.ShouldBindJSON(&req)

	err := h.writer.BanUser(c.Request.Context(), userID, req.Reason, req.DisableTokens, operator(c),
		map[string]interface{}{"source": "manual"})
	if err != nil {
		FailErr(c, err)
		return
	}
	OKMessage(c, nil, "用户已封禁")
}

type unbanRequest struct {
	Reason string `json:"reason"`
}

// Unban POST /api/users/:id/unban
func (h *UserActionHandler) Unban(c *gin.Context) {
	userID := queryIntParam(c, "id")
	if userID <= 0 {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "用户 id 必须为正整数")
		return
	}

	var req unbanRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.writer.UnbanUser(c.Request.Context(), userID, operator(c), req.Reason); err != nil {
		FailErr(c, err)
		return
	}
	OKMessage(c, nil, "用户已解封")
}

type redemptionRequest struct {
	Count int    `json:"count" binding:"required"`
	Name  string `json:"name"`
	Quota int64  `json:"quota" binding:"required"`
}

// CreateRedemptions POST /api/redemptions 批量生成兑换码
func (h *UserActionHandler) CreateRedemptions(c *gin.Context) {
	var req redemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}
	if req.Count <= 0 || req.Count > 500 {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "单批数量须在 1-500 之间")
		return
	}
	if req.Quota <= 0 {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "额度必须为正")
		return
	}

	batch := make([]models.Redemption, 0, req.Count)
	keys := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		key, err := randomKey()
		if err != nil {
			Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "生成兑换码失败")
			return
		}
		keys = append(keys, key)
		batch = append(batch, models.Redemption{
			UserID: 1,
			Key:    key,
			Status: models.RedemptionStatusEnabled,
			Name:   req.Name,
			Quota:  req.Quota,
		})
	}

	if err := h.writer.InsertRedemptions(c.Request.Context(), batch, operator(c)); err != nil {
		FailErr(c, err)
		return
	}
	OK(c, gin.H{
		"count": req.Count,
		"keys":  keys,
	})
}

func randomKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
