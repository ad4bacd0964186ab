package service

import (
	"context"
	"sync"
	"sync/atomic"

	"fundingarb/internal/domain/model"
)

// inflightOrder 等待成交确认中的订单
type inflightOrder struct {
	Exchange        string
	Symbol          string
	OrderID         string
	cancelRequested bool
}

// Execution 单个持仓的执行句柄
//
// 由 Coordinator 持有并按 ID 登记；stop 标志只会被置位一次，
// 引擎在分片之间和等待成交时检查它。
type Execution struct {
	ID         string
	PositionID string
	UserID     string
	Symbol     string

	stopped atomic.Bool

	mu       sync.Mutex
	inflight map[string]*inflightOrder

	done   chan struct{}
	result model.Position
	err    error
}

func newExecution(id string, p *model.Position) *Execution {
	return &Execution{
		ID:         id,
		PositionID: p.ID,
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		inflight:   make(map[string]*inflightOrder),
		done:       make(chan struct{}),
	}
}

// Stop 请求停止；不再开始新的分片
func (e *Execution) Stop() { e.stopped.Store(true) }

// Stopped 是否已请求停止
func (e *Execution) Stopped() bool { return e.stopped.Load() }

func (e *Execution) track(exchange, symbol, orderID string) {
	e.mu.Lock()
	e.inflight[exchange+"|"+orderID] = &inflightOrder{Exchange: exchange, Symbol: symbol, OrderID: orderID}
	e.mu.Unlock()
}

func (e *Execution) untrack(exchange, orderID string) {
	e.mu.Lock()
	delete(e.inflight, exchange+"|"+orderID)
	e.mu.Unlock()
}

// claimCancel 返回尚未发起撤单的在途订单并标记为已撤
func (e *Execution) claimCancel() []inflightOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []inflightOrder
	for _, o := range e.inflight {
		if o.cancelRequested {
			continue
		}
		o.cancelRequested = true
		out = append(out, *o)
	}
	return out
}

// claimCancelOrder 单笔订单版本；已被其他路径撤单时返回 false
func (e *Execution) claimCancelOrder(exchange, orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.inflight[exchange+"|"+orderID]
	if !ok || o.cancelRequested {
		return false
	}
	o.cancelRequested = true
	return true
}

// InFlight 在途订单数
func (e *Execution) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Execution) finish(p model.Position, err error) {
	e.result = p
	e.err = err
	close(e.done)
}

// Done 执行结束时关闭
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait 等待执行结束，返回最终持仓快照
func (e *Execution) Wait(ctx context.Context) (model.Position, error) {
	select {
	case <-ctx.Done():
		return model.Position{}, ctx.Err()
	case <-e.done:
		return e.result, e.err
	}
}

// PositionHandle requestExecution 返回给调用方的句柄
type PositionHandle struct {
	ExecutionID string `json:"execution_id"`
	PositionID  string `json:"position_id"`

	exec *Execution
}

// Wait 等待执行结束
func (h PositionHandle) Wait(ctx context.Context) (model.Position, error) {
	if h.exec == nil {
		return model.Position{}, &model.Error{Kind: model.KindConstraint, Op: "handle.wait", Err: model.ErrStaleHandle}
	}
	return h.exec.Wait(ctx)
}
