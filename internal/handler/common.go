package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/service"
)

// ErrorBody 错误响应体
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response 统一响应结构
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// OK 成功响应
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// OKMessage 带提示语的成功响应
func OKMessage(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Message: message})
}

// Fail 错误响应
func Fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{Error: &ErrorBody{Code: code, Message: message}})
}

// FailErr 按错误类别映射 HTTP 状态码与错误码
func FailErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidParams):
		Fail(c, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
	case errors.Is(err, service.ErrNotFound):
		Fail(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrScanBusy):
		Fail(c, http.StatusConflict, "SCAN_BUSY", err.Error())
	case errors.Is(err, service.ErrAPISuspended):
		Fail(c, http.StatusServiceUnavailable, "API_SUSPENDED", err.Error())
	case service.IsTransientQuery(err):
		Fail(c, http.StatusServiceUnavailable, "DB_ERROR", err.Error())
	default:
		var qerr *service.QueryError
		if errors.As(err, &qerr) {
			Fail(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
			return
		}
		Fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// queryInt 读取整型查询参数，缺失或非法时取默认值
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// queryIntParam 读取整型路径参数，非法时返回 0
func queryIntParam(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0
	}
	return v
}

// queryBool 读取布尔查询参数
func queryBool(c *gin.Context, name string) bool {
	switch c.Query(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// pageParams 读取分页参数
func pageParams(c *gin.Context) (page, pageSize int) {
	return queryInt(c, "page", 1), queryInt(c, "page_size", 20)
}

// operator 当前操作者，API Key 调用方落为 api_key
func operator(c *gin.Context) string {
	if v, ok := c.Get("username"); ok {
		if name, ok := v.(string); ok && name != "" {
			return name
		}
	}
	return "unknown"
}
