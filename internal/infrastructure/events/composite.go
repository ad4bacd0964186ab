// Package events 生命周期事件发布实现
package events

import (
	"context"

	"fundingarb/internal/application/port"
	"fundingarb/internal/domain/model"
)

// Composite 扇出到多个发布器；单个失败不影响其他，返回第一个错误
type Composite struct {
	pubs []port.EventPublisher
}

var _ port.EventPublisher = (*Composite)(nil)

// NewComposite 忽略 nil 发布器
func NewComposite(pubs ...port.EventPublisher) *Composite {
	out := make([]port.EventPublisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return &Composite{pubs: out}
}

func (c *Composite) Publish(ctx context.Context, ev model.Event) error {
	var firstErr error
	for _, p := range c.pubs {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len 发布器数量
func (c *Composite) Len() int { return len(c.pubs) }
