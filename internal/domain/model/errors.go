package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind 错误分类，决定引擎/调度器的处理分支
type ErrorKind int

const (
	KindUnknown     ErrorKind = iota
	KindTransient             // 超时、限流、临时断连：有限次退避重试
	KindRejected              // 参数错误、保证金不足：当前分片致命
	KindImbalance             // 单腿成交另一腿失败：先平掉未对冲敞口再标记 ERROR
	KindDataQuality           // 快照无效：丢弃并重新观测
	KindConstraint            // 重复订阅/持仓、过期句柄：同步拒绝调用方
	KindAuth                  // 鉴权失败
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindImbalance:
		return "imbalance"
	case KindDataQuality:
		return "data_quality"
	case KindConstraint:
		return "constraint"
	case KindAuth:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// 交易所连接器错误
var (
	ErrRateLimited = errors.New("rate limited")
	ErrTimeout     = errors.New("exchange call timed out")
	ErrAuthFailure = errors.New("exchange authentication failed")
)

// 约束类错误
var (
	ErrDuplicateActiveSubscription = errors.New("duplicate active subscription")
	ErrDuplicateActivePosition     = errors.New("duplicate active position")
	ErrAlreadyExecuting            = errors.New("subscription already executing")
	ErrStaleHandle                 = errors.New("stale handle")
	ErrNotFound                    = errors.New("not found")
	ErrTerminalStatus              = errors.New("entity is in a terminal status")
	ErrEmergencyStopped            = errors.New("emergency stop in effect")
	ErrLockHeld                    = errors.New("lock held by another holder")
)

// 数据质量类错误
var (
	ErrInvalidSnapshot        = errors.New("invalid funding snapshot")
	ErrUnknownFundingInterval = errors.New("unknown funding interval")
)

// RejectedError 交易所拒单，Reason 为交易所原文
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return "order rejected: " + e.Reason
	}
	return fmt.Sprintf("order rejected (%s): %s", e.Code, e.Reason)
}

// Rejected 构造拒单错误
func Rejected(code, reason string) error {
	return &RejectedError{Code: code, Reason: reason}
}

// Error 带分类的领域错误
type Error struct {
	Kind   ErrorKind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf 将任意错误归类
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) && de.Kind != KindUnknown {
		return de.Kind
	}
	var rej *RejectedError
	switch {
	case errors.As(err, &rej):
		return KindRejected
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrAuthFailure):
		return KindAuth
	case errors.Is(err, ErrInvalidSnapshot), errors.Is(err, ErrUnknownFundingInterval):
		return KindDataQuality
	case errors.Is(err, ErrDuplicateActiveSubscription), errors.Is(err, ErrDuplicateActivePosition),
		errors.Is(err, ErrAlreadyExecuting), errors.Is(err, ErrStaleHandle),
		errors.Is(err, ErrTerminalStatus), errors.Is(err, ErrEmergencyStopped):
		return KindConstraint
	}
	return KindUnknown
}

// IsTransient 是否可重试
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// Reason 提取人类可读原因；拒单时返回交易所原文
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && de.Reason != "" {
		return de.Reason
	}
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}
