package events

import (
	"context"

	"github.com/rs/zerolog/log"

	"fundingarb/internal/domain/model"
)

// LogPublisher 将事件写入结构化日志
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

func (LogPublisher) Publish(_ context.Context, ev model.Event) error {
	e := log.Info()
	if ev.Type == model.EventPositionErrored || ev.Type == model.EventPositionStuck || ev.Type == model.EventSubscriptionErrored {
		e = log.Warn()
	}
	e.Str("event", string(ev.Type)).
		Str("position", ev.PositionID).
		Str("subscription", ev.SubscriptionID).
		Str("user", ev.UserID).
		Str("symbol", ev.Symbol).
		Str("status", ev.Status).
		Int("part", ev.Part).
		Msg(ev.Message)
	return nil
}
