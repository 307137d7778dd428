package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ketches/gateway-sentinel/internal/service"
)

func testContext(target string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	return c, w
}

func TestFailErrMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("%w: 窗口", service.ErrInvalidParams), http.StatusBadRequest, "INVALID_PARAMS"},
		{fmt.Errorf("%w: 用户 9", service.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{service.ErrScanBusy, http.StatusConflict, "SCAN_BUSY"},
		{service.ErrAPISuspended, http.StatusServiceUnavailable, "API_SUSPENDED"},
		{&service.QueryError{Transient: true, Err: errors.New("timeout")}, http.StatusServiceUnavailable, "DB_ERROR"},
		{&service.QueryError{Err: errors.New("syntax")}, http.StatusInternalServerError, "DB_ERROR"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		c, w := testContext("/x")
		FailErr(c, tt.err)
		if w.Code != tt.wantStatus {
			t.Fatalf("%v: 状态码 %d, want %d", tt.err, w.Code, tt.wantStatus)
		}
		var resp Response
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("解析响应: %v", err)
		}
		if resp.Success || resp.Error == nil || resp.Error.Code != tt.wantCode {
			t.Fatalf("%v: 响应体异常: %+v", tt.err, resp)
		}
	}
}

func TestOKResponse(t *testing.T) {
	c, w := testContext("/x")
	OK(c, gin.H{"n": 1})

	if w.Code != http.StatusOK {
		t.Fatalf("状态码 %d, want 200", w.Code)
	}
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应: %v", err)
	}
	if !resp.Success || resp.Error != nil {
		t.Fatalf("成功响应异常: %+v", resp)
	}
}

func TestQueryHelpers(t *testing.T) {
	c, _ := testContext("/x?limit=15&bad=abc&flag=true&no=0&page=2&page_size=50")

	if got := queryInt(c, "limit", 10); got != 15 {
		t.Fatalf("queryInt(limit) = %d, want 15", got)
	}
	if got := queryInt(c, "missing", 10); got != 10 {
		t.Fatalf("缺失参数应取默认值, got %d", got)
	}
	if got := queryInt(c, "bad", 10); got != 10 {
		t.Fatalf("非法参数应取默认值, got %d", got)
	}
	if !queryBool(c, "flag") || queryBool(c, "no") || queryBool(c, "missing") {
		t.Fatalf("queryBool 判定异常")
	}
	page, pageSize := pageParams(c)
	if page != 2 || pageSize != 50 {
		t.Fatalf("分页参数 = %d/%d, want 2/50", page, pageSize)
	}
}

func TestOperator(t *testing.T) {
	c, _ := testContext("/x")
	if got := operator(c); got != "unknown" {
		t.Fatalf("未认证上下文 operator = %q, want unknown", got)
	}
	c.Set("username", "alice")
	if got := operator(c); got != "alice" {
		t.Fatalf("operator = %q, want alice", got)
	}
}
