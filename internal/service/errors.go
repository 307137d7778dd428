package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ketches/gateway-sentinel/internal/database"
)

var (
	// ErrInvalidParams 参数无效
	ErrInvalidParams = errors.New("参数无效")
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("资源不存在")
	// ErrScanBusy 已有扫描在进行中
	ErrScanBusy = errors.New("扫描正在进行中")
	// ErrAPISuspended AI 接口处于熔断暂停状态
	ErrAPISuspended = errors.New("AI 接口已暂停")
)

// QueryError 主库查询失败。Transient 为真时上层可以重试一次。
type QueryError struct {
	Transient bool
	Err       error
}

func (e *QueryError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("查询失败(%s): %v", kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// wrapQuery 把 gorm 错误包装成 QueryError，nil 原样返回
func wrapQuery(err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{Transient: database.IsTransient(err), Err: err}
}

// IsTransientQuery 判断错误是否为可重试的查询失败
func IsTransientQuery(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Transient
}

// retryTransient 执行 fn，瞬时查询失败时等待后重试一次。
// 永久失败与 ctx 取消不重试。
func retryTransient(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !IsTransientQuery(err) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return fn()
}
