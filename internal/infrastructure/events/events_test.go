package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"fundingarb/internal/domain/model"
)

type recordingPublisher struct {
	events []model.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev model.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestCompositeContinuesPastFailure(t *testing.T) {
	bad := &recordingPublisher{err: errors.New("broker down")}
	good := &recordingPublisher{}
	c := NewComposite(bad, nil, good)

	if c.Len() != 2 {
		t.Fatalf("nil publishers must be dropped, len=%d", c.Len())
	}
	err := c.Publish(context.Background(), model.Event{Type: model.EventPositionOpened})
	if err == nil || err.Error() != "broker down" {
		t.Fatalf("expected first error, got %v", err)
	}
	if len(good.events) != 1 {
		t.Fatalf("healthy publisher must still receive the event")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByEntity(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaPublisher{writer: w, topic: "fundingarb.events"}

	ev := model.Event{Type: model.EventPartFilled, PositionID: "p1", SubscriptionID: "s1", Part: 1, At: time.Now()}
	if err := k.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "p1" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}
	var got model.Event
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if got.Type != model.EventPartFilled || got.Part != 1 {
		t.Errorf("payload = %+v", got)
	}

	if _, err := NewKafkaPublisher(KafkaConfig{Topic: "x"}); err == nil {
		t.Error("missing brokers must fail")
	}
}
