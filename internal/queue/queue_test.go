package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishConsume(t *testing.T) {
	q := NewInMemory(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := Message{
		Topic:      "sync.attendance",
		Body:       []byte(`{"type":"operation_synced"}`),
		EnqueuedAt: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
	}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	select {
	case got := <-msgs:
		if got.Topic != want.Topic || string(got.Body) != string(want.Body) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("message never delivered")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := Message{
		Topic:      "sync.conflict",
		Body:       []byte(`{"conflict_id":"c|1","note":"body may contain any bytes"}`),
		EnqueuedAt: time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
	}
	wire, err := encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Topic != msg.Topic {
		t.Errorf("topic = %q, want %q", got.Topic, msg.Topic)
	}
	if string(got.Body) != string(msg.Body) {
		t.Errorf("body = %q, want %q", got.Body, msg.Body)
	}
	if !got.EnqueuedAt.Equal(msg.EnqueuedAt) {
		t.Errorf("enqueued_at = %v, want %v", got.EnqueuedAt, msg.EnqueuedAt)
	}
}

func TestEnvelopeRejectsUnroutableMessages(t *testing.T) {
	if _, err := encode(Message{Body: []byte(`{}`)}); err == nil {
		t.Error("encode accepted a message without a topic")
	}
	if _, err := decode(`{"body":{}}`); err == nil {
		t.Error("decode accepted a payload without a topic")
	}
	if _, err := decode(`not json`); err == nil {
		t.Error("decode accepted a non-JSON payload")
	}
}
