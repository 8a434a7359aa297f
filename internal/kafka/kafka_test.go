package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/rsvpsync/internal/model"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestSendRSVPEvent_KeyedByMatch(t *testing.T) {
	w := &fakeWriter{}
	p := newProducerWithWriter(w)

	ev := &model.RSVPEvent{EventID: "e1", Type: model.EventRSVPUpdated, MatchID: 7, NewResponse: model.ResponseYes, TraceID: "tr", OccurredAt: time.Now()}
	if err := p.SendRSVPEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "match:7" {
		t.Fatalf("key = %q", w.msgs[0].Key)
	}
	var decoded model.RSVPEvent
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil || decoded.EventID != "e1" {
		t.Fatalf("decoded = %+v err=%v", decoded, err)
	}
}

func TestSendRSVPEvent_WrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := newProducerWithWriter(&fakeWriter{err: boom})
	err := p.SendRSVPEvent(context.Background(), &model.RSVPEvent{MatchID: 1})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

// fakeReader 依次返回消息，读完后阻塞到ctx取消
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) committedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestConsumer_HandlesAndCommitsEveryMessage(t *testing.T) {
	good, _ := json.Marshal(&model.RSVPEvent{EventID: "e1", MatchID: 7})
	failing, _ := json.Marshal(&model.RSVPEvent{EventID: "e2", MatchID: 8})
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("not json")},
		{Offset: 3, Value: failing},
	}}

	var mu sync.Mutex
	var handled []string
	c := newConsumerWithReaders([]messageReader{reader})
	c.StartConsuming(func(ctx context.Context, ev *model.RSVPEvent) error {
		mu.Lock()
		handled = append(handled, ev.EventID)
		mu.Unlock()
		if ev.EventID == "e2" {
			return errors.New("fan-out failed")
		}
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for reader.committedCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("committed %d of 3", reader.committedCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 || handled[0] != "e1" || handled[1] != "e2" {
		t.Fatalf("handled = %v", handled)
	}
	if !reader.closed {
		t.Fatal("reader should be closed on Stop")
	}
}
