package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/feedbackd/internal/feedback"
	"github.com/kalambet/feedbackd/internal/storage"
)

type mockUpserter struct {
	mu       sync.Mutex
	batches  [][]feedback.Record
	upsertFn func(records []feedback.Record) (int, int, error)
}

func (m *mockUpserter) UpsertMany(_ context.Context, records []feedback.Record) (int, int, error) {
	m.mu.Lock()
	m.batches = append(m.batches, records)
	m.mu.Unlock()
	if m.upsertFn != nil {
		return m.upsertFn(records)
	}
	return len(records), 0, nil
}

func (m *mockUpserter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func records(ids ...string) []feedback.Record {
	out := make([]feedback.Record, len(ids))
	for i, id := range ids {
		out[i] = feedback.Record{ID: id, Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Sentiment: feedback.Pending, Tags: []string{"General"}}
	}
	return out
}

func TestSubmitCopiesRecords(t *testing.T) {
	store := &mockUpserter{}
	w := NewWriter(store, 4)

	recs := records("a")
	w.Submit(recs)
	recs[0].Tags[0] = "mutated"

	if !w.RunOnce(context.Background()) {
		t.Fatal("RunOnce() = false, want a queued batch")
	}
	if got := store.batches[0][0].Tags[0]; got != "General" {
		t.Errorf("queued batch shares memory with caller: tag = %q", got)
	}
}

func TestSubmitDropsWhenFull(t *testing.T) {
	w := NewWriter(&mockUpserter{}, 2)

	if !w.Submit(records("a")) || !w.Submit(records("b")) {
		t.Fatal("Submit should accept while queue has room")
	}
	if w.Submit(records("c")) {
		t.Error("Submit() = true on a full queue")
	}
	if w.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", w.Pending())
	}
	if !w.Submit(nil) {
		t.Error("empty submit should be a no-op success")
	}
}

func TestRunOnceEmpty(t *testing.T) {
	store := &mockUpserter{}
	w := NewWriter(store, 1)
	if w.RunOnce(context.Background()) {
		t.Error("RunOnce() = true on empty queue")
	}
	if store.count() != 0 {
		t.Error("store called with nothing queued")
	}
}

func TestWriteErrorIsSwallowed(t *testing.T) {
	store := &mockUpserter{upsertFn: func(r []feedback.Record) (int, int, error) {
		return 0, len(r), &storage.PersistenceError{Op: "upsert", Err: errors.New("disk full")}
	}}
	w := NewWriter(store, 2)
	w.Submit(records("a", "b"))
	w.Submit(records("c"))

	// A failed batch does not stop later batches.
	w.RunOnce(context.Background())
	w.RunOnce(context.Background())
	if store.count() != 2 {
		t.Errorf("store saw %d batches, want 2", store.count())
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	store := &mockUpserter{}
	w := NewWriter(store, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := range 5 {
		w.Submit(records(string(rune('a' + i))))
	}

	w.Run(ctx)

	select {
	case <-w.Done():
	default:
		t.Fatal("Done() not closed after Run returned")
	}
	if store.count() != 5 {
		t.Errorf("store saw %d batches, want 5 drained", store.count())
	}
	if w.Pending() != 0 {
		t.Errorf("Pending() = %d after drain", w.Pending())
	}
}

func TestRunProcessesWhileRunning(t *testing.T) {
	store := &mockUpserter{}
	w := NewWriter(store, 8)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Submit(records("a"))
	deadline := time.After(2 * time.Second)
	for store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("batch not written while Run is active")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestWriterWithSQLiteStore(t *testing.T) {
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	w := NewWriter(s, 2)
	w.Submit(records("x", "y"))
	w.RunOnce(context.Background())

	got, total, err := s.QueryRange(context.Background(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Errorf("persisted %d/%d records, want 2", len(got), total)
	}
}
