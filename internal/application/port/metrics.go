package port

import "time"

// Metrics 业务指标
type Metrics interface {
	PositionFinished(status string)
	OrderPlaced(exchange, result string)
	OrderConfirmed(exchange string, latency time.Duration)
	SubscriptionChanged(status string)
	SnapshotObserved(exchange, quality string)
	ActiveExecutions(n int)
}

// NopMetrics 空实现
type NopMetrics struct{}

func (NopMetrics) PositionFinished(string)              {}
func (NopMetrics) OrderPlaced(string, string)           {}
func (NopMetrics) OrderConfirmed(string, time.Duration) {}
func (NopMetrics) SubscriptionChanged(string)           {}
func (NopMetrics) SnapshotObserved(string, string)      {}
func (NopMetrics) ActiveExecutions(int)                 {}
