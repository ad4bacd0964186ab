package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// Connector 为交易所连接器加上令牌桶限流与单次调用超时
//
// 同一交易所的所有持仓共用一个令牌桶。
type Connector struct {
	next    port.Connector
	limiter *rate.Limiter
	timeout time.Duration
}

// Wrap 包装连接器；rps<=0 时不限流，timeout<=0 时不加超时
func Wrap(next port.Connector, rps float64, burst int, timeout time.Duration) *Connector {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Connector{next: next, limiter: rate.NewLimiter(limit, burst), timeout: timeout}
}

func (c *Connector) Name() string { return c.next.Name() }

func (c *Connector) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 等待令牌会超过 ctx 截止时间
		return fmt.Errorf("%s %s: %w", c.next.Name(), op, model.ErrRateLimited)
	}
	cctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s %s after %s: %w", c.next.Name(), op, c.timeout, model.ErrTimeout)
	}
	return err
}

func (c *Connector) PlaceOrder(ctx context.Context, req port.OrderRequest) (ack port.OrderAck, err error) {
	err = c.call(ctx, "place_order", func(ctx context.Context) error {
		ack, err = c.next.PlaceOrder(ctx, req)
		return err
	})
	return ack, err
}

func (c *Connector) GetOrderStatus(ctx context.Context, symbol, orderID string) (st port.OrderStatus, err error) {
	err = c.call(ctx, "order_status", func(ctx context.Context) error {
		st, err = c.next.GetOrderStatus(ctx, symbol, orderID)
		return err
	})
	return st, err
}

func (c *Connector) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return c.call(ctx, "cancel_order", func(ctx context.Context) error {
		return c.next.CancelOrder(ctx, symbol, orderID)
	})
}

func (c *Connector) GetFundingSnapshot(ctx context.Context, symbol string) (snap model.FundingSnapshot, err error) {
	err = c.call(ctx, "funding_snapshot", func(ctx context.Context) error {
		snap, err = c.next.GetFundingSnapshot(ctx, symbol)
		return err
	})
	return snap, err
}

func (c *Connector) GetOpenPositions(ctx context.Context) (out []port.ExchangePosition, err error) {
	err = c.call(ctx, "open_positions", func(ctx context.Context) error {
		out, err = c.next.GetOpenPositions(ctx)
		return err
	})
	return out, err
}
