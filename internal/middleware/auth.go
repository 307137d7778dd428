package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/config"
	"github.com/ketches/gateway-sentinel/internal/models"
	"github.com/ketches/gateway-sentinel/pkg/jwt"
)

type authError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authResponse struct {
	Success bool      `json:"success"`
	Error   authError `json:"error"`
}

func unauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, authResponse{
		Error: authError{Code: "UNAUTHORIZED", Message: message},
	})
}

// Auth 认证中间件：X-API-Key（或 api_key 查询参数）与 Bearer JWT
// 二选一。API Key 通过时赋管理员角色，方便运维脚本直接调接口。
func Auth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Auth.APIKey != "" {
			apiKey := c.GetHeader("X-API-Key")
			if apiKey == "" {
				apiKey = c.Query("api_key")
			}
			if apiKey != "" {
				if apiKey != cfg.Auth.APIKey {
					unauthorized(c, "无效的 API Key")
					return
				}
				c.Set("username", "api_key")
				c.Set("role", models.RoleRoot)
				c.Next()
				return
			}
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "未提供认证凭据")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "认证令牌格式错误")
			return
		}

		claims, err := jwt.ParseToken(parts[1])
		if err != nil {
			unauthorized(c, "无效的认证令牌")
			return
		}

		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// AdminOnly 管理员权限中间件，要求 role >= 10
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("role")
		if !exists {
			unauthorized(c, "未认证")
			return
		}
		if r, ok := role.(int); !ok || r < models.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, authResponse{
				Error: authError{Code: "FORBIDDEN", Message: "权限不足"},
			})
			return
		}
		c.Next()
	}
}
