package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ketches/gateway-sentinel/internal/config"
	"github.com/ketches/gateway-sentinel/internal/logger"
	"github.com/ketches/gateway-sentinel/internal/models"
	"github.com/ketches/gateway-sentinel/pkg/jwt"
)

// AuthHandler 管理员登录
type AuthHandler struct {
	cfg *config.Config
}

func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login 管理员密码换 JWT。配置里可以放 bcrypt 散列，
// 也兼容明文口令。
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", "请求参数错误")
		return
	}

	configured := h.cfg.Auth.AdminPassword
	if configured == "" {
		Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "未配置管理员密码")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(configured), []byte(req.Password)); err != nil {
		if req.Password != configured {
			logger.Warn("管理员登录失败", zap.String("ip", c.ClientIP()))
			Fail(c, http.StatusUnauthorized, "UNAUTHORIZED", "密码错误")
			return
		}
	}

	token, err := jwt.GenerateToken("admin", models.RoleRoot, h.cfg.Auth.JWTExpireHours)
	if err != nil {
		logger.Error("生成令牌失败", zap.Error(err))
		Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "生成令牌失败")
		return
	}

	logger.Info("管理员登录成功", zap.String("ip", c.ClientIP()))

	expiresAt := time.Now().Add(time.Duration(h.cfg.Auth.JWTExpireHours) * time.Hour).UTC().Format(time.RFC3339)
	OK(c, gin.H{
		"token":      token,
		"expires_at": expiresAt,
	})
}

// Logout JWT 无状态，登出只是客户端丢弃令牌
func (h *AuthHandler) Logout(c *gin.Context) {
	OKMessage(c, nil, "登出成功")
}

// Me 当前登录身份
func (h *AuthHandler) Me(c *gin.Context) {
	username, _ := c.Get("username")
	role, _ := c.Get("role")
	OK(c, gin.H{
		"username": username,
		"role":     role,
	})
}
