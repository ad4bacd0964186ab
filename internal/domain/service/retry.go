package service

import (
	"math"
	"time"
)

// RetryPolicy 有限次指数退避
type RetryPolicy struct {
	MaxAttempts int           // 总尝试次数（含首次）
	BaseDelay   time.Duration // 首次重试等待
	MaxDelay    time.Duration // 单次等待上限
}

// Delay 第 attempt 次失败后（从 0 开始）应等待的时长：base * 2^attempt，封顶 MaxDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// Attempts 至少一次
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
