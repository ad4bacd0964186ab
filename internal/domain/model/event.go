package model

import "time"

// EventType 生命周期事件类型
type EventType string

const (
	EventPositionOpened     EventType = "position.opened"
	EventPartFilled         EventType = "position.part_filled"
	EventPositionActive     EventType = "position.active"
	EventPositionCompleted  EventType = "position.completed"
	EventPositionErrored    EventType = "position.errored"
	EventPositionStopped    EventType = "position.stopped"
	EventPositionLiquidated EventType = "position.liquidated"
	EventPositionImported   EventType = "position.imported"
	EventPositionStuck      EventType = "position.stuck"

	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionTriggered EventType = "subscription.triggered"
	EventSubscriptionExecuted  EventType = "subscription.executed"
	EventSubscriptionErrored   EventType = "subscription.errored"
	EventSubscriptionCancelled EventType = "subscription.cancelled"

	EventFundingCredited EventType = "funding.credited"
)

// Event 对外发布的生命周期事件
type Event struct {
	Type           EventType `json:"type"`
	PositionID     string    `json:"position_id,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Symbol         string    `json:"symbol,omitempty"`
	Status         string    `json:"status,omitempty"`
	Part           int       `json:"part,omitempty"`
	Message        string    `json:"message,omitempty"`
	At             time.Time `json:"at"`
}

// Key 分区键
func (e Event) Key() string {
	if e.PositionID != "" {
		return e.PositionID
	}
	return e.SubscriptionID
}

// PositionEvent 由持仓构造事件
func PositionEvent(t EventType, p *Position, msg string, at time.Time) Event {
	return Event{
		Type:           t,
		PositionID:     p.ID,
		SubscriptionID: p.SubscriptionID,
		UserID:         p.UserID,
		Symbol:         p.Symbol,
		Status:         string(p.Status),
		Part:           p.CurrentPart,
		Message:        msg,
		At:             at,
	}
}

// SubscriptionEvent 由订阅构造事件
func SubscriptionEvent(t EventType, s *Subscription, msg string, at time.Time) Event {
	return Event{
		Type:           t,
		SubscriptionID: s.ID,
		PositionID:     s.PositionID,
		UserID:         s.Config.UserID,
		Symbol:         s.Symbol,
		Status:         string(s.Status),
		Message:        msg,
		At:             at,
	}
}
