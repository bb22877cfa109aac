package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/lvdashuaibi/bookround/config"
	"github.com/lvdashuaibi/bookround/internal/model"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaNotifierWritesEvent(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	if err := n.Notify(context.Background(), model.NotificationNewPost, "New post", "Dune"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != string(model.NotificationNewPost) {
		t.Errorf("Expected key %q, got %q", model.NotificationNewPost, msg.Key)
	}
	var event model.NotificationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if event.EventID == "" {
		t.Error("Expected event id to be set")
	}
	if event.Subject != "New post" || event.Body != "Dune" || !event.OccurredAt.Equal(fixed) {
		t.Errorf("Unexpected event: %+v", event)
	}
}

func TestKafkaNotifierWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	n := newKafkaNotifier(&fakeWriter{err: boom})
	if err := n.Notify(context.Background(), model.NotificationPollClosed, "s", "b"); !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped broker error, got %v", err)
	}
}

type flakyNotifier struct {
	failures int32
	calls    atomic.Int32
}

func (n *flakyNotifier) Notify(context.Context, model.NotificationKind, string, string) error {
	if n.calls.Add(1) <= n.failures {
		return errors.New("temporary")
	}
	return nil
}

func TestDispatcherRetries(t *testing.T) {
	n := &flakyNotifier{failures: 2}
	d := NewDispatcher(n, config.NotifyConfig{Enabled: true, Timeout: time.Second, MaxRetries: 3}, nil)

	d.Dispatch(model.NotificationPollOpened, "s", "b")
	d.Wait()

	if got := n.calls.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestDispatcherGivesUpAfterMaxRetries(t *testing.T) {
	n := &flakyNotifier{failures: 100}
	d := NewDispatcher(n, config.NotifyConfig{Enabled: true, Timeout: time.Second, MaxRetries: 2}, nil)

	d.Dispatch(model.NotificationPollOpened, "s", "b")
	d.Wait()

	if got := n.calls.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestDispatcherDisabled(t *testing.T) {
	n := &flakyNotifier{}
	d := NewDispatcher(n, config.NotifyConfig{Enabled: false}, nil)

	d.Dispatch(model.NotificationPollOpened, "s", "b")
	d.Wait()

	if n.calls.Load() != 0 {
		t.Error("Expected no notification when disabled")
	}
}

type fakeReader struct {
	msgs chan kafka.Message
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerHandsEventsToHandler(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 3)}
	event := model.NotificationEvent{EventID: "e1", Kind: model.NotificationRoundStarted, Subject: "Round"}
	data, _ := json.Marshal(event)
	reader.msgs <- kafka.Message{Value: []byte("not json")}
	reader.msgs <- kafka.Message{Value: data}

	got := make(chan *model.NotificationEvent, 1)
	c := newConsumer([]messageReader{reader}, nil)
	c.StartConsuming(func(_ context.Context, e *model.NotificationEvent) error {
		got <- e
		return nil
	})

	select {
	case e := <-got:
		if e.EventID != "e1" || e.Kind != model.NotificationRoundStarted {
			t.Errorf("Unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected event to be handled")
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestCheckPartition(t *testing.T) {
	tests := []struct {
		partition, total int
		wantErr          bool
	}{
		{0, 1, false},
		{2, 3, false},
		{3, 3, true},
		{-1, 3, true},
		{0, 0, true},
	}
	for _, tt := range tests {
		err := checkPartition(tt.partition, tt.total)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkPartition(%d, %d) err=%v, wantErr=%v", tt.partition, tt.total, err, tt.wantErr)
		}
	}
}
