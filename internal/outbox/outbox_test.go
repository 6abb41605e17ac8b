package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/biolis/go-lis/internal/testutil"
)

type published struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	fail bool
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail && topic != DeadLetterTopic {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, published{topic, key, value})
	return nil
}

func writeEntries(t *testing.T, r *Relay, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := &Entry{
			AggregateID:   "42",
			AggregateType: "test_result",
			EventType:     "result.critical",
			Payload:       json.RawMessage(`{"result_id":42}`),
			KafkaTopic:    "lab.results.critical",
			KafkaKey:      "ORD-20240315-0001",
		}
		if err := WriteEntry(context.Background(), r.store, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
		if e.ID == 0 {
			t.Fatalf("WriteEntry did not set the id")
		}
	}
}

func TestProcessBatchPublishesAndMarks(t *testing.T) {
	store := testutil.OpenStore(t)
	pub := &fakePublisher{}
	r := NewRelay(store, pub, Config{BatchSize: 10, MaxRetries: 3}, nil, nil)
	ctx := context.Background()
	writeEntries(t, r, 3)

	n, err := r.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 3 || len(pub.sent) != 3 {
		t.Fatalf("published %d (%d sent), want 3", n, len(pub.sent))
	}
	if pub.sent[0].topic != "lab.results.critical" || string(pub.sent[0].value) != `{"result_id":42}` {
		t.Errorf("unexpected message %+v", pub.sent[0])
	}

	n, err = r.ProcessBatch(ctx)
	if err != nil || n != 0 {
		t.Errorf("second batch = %d, %v; want nothing left", n, err)
	}

	stats, err := r.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Pending != 0 || stats.Processed != 3 || stats.OldestPending != nil {
		t.Errorf("stats = %+v", stats)
	}

	removed, err := r.CleanupProcessed(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("CleanupProcessed: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed %d, want 3", removed)
	}
}

func TestFailedEntriesMoveToDeadLetter(t *testing.T) {
	store := testutil.OpenStore(t)
	pub := &fakePublisher{fail: true}
	r := NewRelay(store, pub, Config{BatchSize: 10, MaxRetries: 2}, nil, nil)
	ctx := context.Background()
	writeEntries(t, r, 1)

	for i := 0; i < 2; i++ {
		if _, err := r.ProcessBatch(ctx); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
	}

	stats, err := r.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Failed != 1 || stats.Pending != 0 || stats.OldestPending == nil {
		t.Fatalf("stats = %+v, want one failed entry", stats)
	}

	moved, err := r.MoveToDeadLetter(ctx)
	if err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	if moved != 1 || len(pub.sent) != 1 || pub.sent[0].topic != DeadLetterTopic {
		t.Fatalf("moved %d, sent %+v", moved, pub.sent)
	}

	var dl map[string]any
	if err := json.Unmarshal(pub.sent[0].value, &dl); err != nil {
		t.Fatalf("dead letter payload: %v", err)
	}
	if dl["original_topic"] != "lab.results.critical" {
		t.Errorf("dead letter original_topic = %v", dl["original_topic"])
	}
}
