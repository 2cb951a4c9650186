package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/friendineed/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecorder_RunOnce(t *testing.T) {
	store := openTestStore(t)
	r := NewRecorder(store, 4, 0)

	if !r.Record(storage.UsageRecord{RequestID: "req-1", Provider: "openai", Status: 200}) {
		t.Fatal("Record rejected with empty queue")
	}

	done, err := r.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce processed nothing")
	}

	recent, err := store.RecentUsage(10)
	if err != nil {
		t.Fatalf("RecentUsage: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("len = %d, want 1", len(recent))
	}
	if recent[0].ID == "" || recent[0].RequestID != "req-1" {
		t.Errorf("record = %+v", recent[0])
	}

	done, err = r.RunOnce()
	if err != nil || done {
		t.Errorf("RunOnce on empty queue = %v, %v; want false, nil", done, err)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	r := NewRecorder(openTestStore(t), 2, 0)

	for range 2 {
		if !r.Record(storage.UsageRecord{RequestID: "r", Provider: "openai"}) {
			t.Fatal("Record rejected before queue was full")
		}
	}
	if r.Record(storage.UsageRecord{RequestID: "r", Provider: "openai"}) {
		t.Error("Record accepted beyond capacity")
	}
	if r.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", r.Dropped())
	}
}

func TestRecorder_RunFlushesOnCancel(t *testing.T) {
	store := openTestStore(t)
	r := NewRecorder(store, 16, 0)
	for range 5 {
		r.Record(storage.UsageRecord{RequestID: "r", Provider: "gemini", Status: 200})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	recent, err := store.RecentUsage(10)
	if err != nil {
		t.Fatalf("RecentUsage: %v", err)
	}
	if len(recent) != 5 {
		t.Errorf("len = %d, want 5", len(recent))
	}
}

type failingSink struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSink) SaveUsage(storage.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("disk full")
}

func (f *failingSink) PruneUsage(time.Time) (int64, error) { return 0, nil }

func TestRecorder_SinkError(t *testing.T) {
	sink := &failingSink{}
	r := NewRecorder(sink, 4, 0)
	r.Record(storage.UsageRecord{RequestID: "r"})

	done, err := r.RunOnce()
	if !done || err == nil {
		t.Errorf("RunOnce = %v, %v; want true, error", done, err)
	}
}

func TestHashClient(t *testing.T) {
	a := HashClient("1.2.3.4")
	if a != HashClient("1.2.3.4") {
		t.Error("hash not stable")
	}
	if a == HashClient("5.6.7.8") {
		t.Error("distinct clients share a hash")
	}
	if len(a) != 16 {
		t.Errorf("len = %d, want 16", len(a))
	}
}
