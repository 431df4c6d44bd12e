package offline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu     sync.Mutex
	sent   []string
	failOn map[string]bool
	block  chan struct{}
}

func (s *recordingSender) Send(_ context.Context, a Action) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[a.Type] {
		return errors.New("connection reset")
	}
	s.sent = append(s.sent, a.Type)
	return nil
}

func (s *recordingSender) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func mustAction(t *testing.T, actionType string) Action {
	t.Helper()
	a, err := NewAction(actionType, "PATCH", "/api/v1/followups/7", map[string]string{"type": actionType})
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	return a
}

func TestEnqueueOfflineDoesNotSend(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	q := NewQueue(NewMemoryStore(), sender)

	if err := q.Enqueue(ctx, mustAction(t, "complete")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 queued action, got %d", n)
	}
	if calls := sender.calls(); len(calls) != 0 {
		t.Fatalf("expected no network calls while offline, got %v", calls)
	}

	q.SetOnline(ctx, true)
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected queue drained after reconnect, got %d", n)
	}
	if calls := sender.calls(); len(calls) != 1 || calls[0] != "complete" {
		t.Fatalf("unexpected replay %v", calls)
	}
}

func TestEnqueueOnlineFlushesImmediately(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	q := NewQueue(NewMemoryStore(), sender, WithOnline(true))

	if err := q.Enqueue(ctx, mustAction(t, "skip")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
	if len(sender.calls()) != 1 {
		t.Fatalf("expected one send, got %v", sender.calls())
	}
}

func TestFlushRequeuesFailuresInOrder(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{failOn: map[string]bool{"second": true}}
	q := NewQueue(NewMemoryStore(), sender)

	for _, typ := range []string{"first", "second", "third"} {
		if err := q.Enqueue(ctx, mustAction(t, typ)); err != nil {
			t.Fatalf("enqueue %s: %v", typ, err)
		}
	}

	res, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Replayed != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	calls := sender.calls()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "third" {
		t.Fatalf("expected first and third replayed in order, got %v", calls)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != "second" {
		t.Fatalf("expected only the failed action left, got %+v", pending)
	}
}

func TestFlushEmptyQueue(t *testing.T) {
	q := NewQueue(NewMemoryStore(), &recordingSender{})
	res, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Replayed != 0 || res.Failed != 0 || res.Deferred {
		t.Fatalf("expected zero result, got %+v", res)
	}
}

func TestConcurrentFlushIsDeferred(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{block: make(chan struct{})}
	q := NewQueue(NewMemoryStore(), sender)
	if err := q.Enqueue(ctx, mustAction(t, "first")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan FlushResult)
	go func() {
		res, err := q.Flush(ctx)
		if err != nil {
			t.Errorf("flush: %v", err)
		}
		done <- res
	}()

	// wait until the first flush holds the batch
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := q.Len(ctx); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first flush never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := q.Enqueue(ctx, mustAction(t, "second")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := q.Flush(ctx)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if !res.Deferred {
		t.Fatalf("expected second flush to be deferred, got %+v", res)
	}

	close(sender.block)
	first := <-done
	// queue is offline, so the trailing pass is not taken
	if first.Replayed != 1 {
		t.Fatalf("expected 1 replayed, got %+v", first)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("expected the late action to stay queued, got %d", n)
	}
}

func TestFailedReplayGoesAfterLateEnqueue(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{failOn: map[string]bool{"failing": true}, block: make(chan struct{})}
	q := NewQueue(NewMemoryStore(), sender)
	if err := q.Enqueue(ctx, mustAction(t, "failing")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan FlushResult)
	go func() {
		res, err := q.Flush(ctx)
		if err != nil {
			t.Errorf("flush: %v", err)
		}
		done <- res
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := q.Len(ctx); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("flush never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := q.Enqueue(ctx, mustAction(t, "late")); err != nil {
		t.Fatalf("enqueue late: %v", err)
	}
	close(sender.block)
	if res := <-done; res.Failed != 1 {
		t.Fatalf("expected 1 failure, got %+v", res)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var types []string
	for _, a := range pending {
		types = append(types, a.Type)
	}
	if len(types) != 2 || types[0] != "late" || types[1] != "failing" {
		t.Fatalf("expected [late failing], got %v", types)
	}
}

func TestTrailingPassWhenOnline(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{block: make(chan struct{})}
	store := NewMemoryStore()
	q := NewQueue(store, sender)
	if err := q.Enqueue(ctx, mustAction(t, "first")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.mu.Lock()
	q.online = true
	q.mu.Unlock()

	done := make(chan FlushResult)
	go func() {
		res, _ := q.Flush(ctx)
		done <- res
	}()
	for {
		if n, _ := q.Len(ctx); n == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// enqueue while online triggers a flush, which defers to the running one
	if err := q.Enqueue(ctx, mustAction(t, "second")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	close(sender.block)

	res := <-done
	if res.Replayed != 2 {
		t.Fatalf("expected both actions replayed, got %+v", res)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestSetOnlineOnlyFlushesOnTransition(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{failOn: map[string]bool{"stuck": true}}
	q := NewQueue(NewMemoryStore(), sender)
	if err := q.Enqueue(ctx, mustAction(t, "stuck")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q.SetOnline(ctx, true)
	q.SetOnline(ctx, true)
	if !q.Online() {
		t.Fatal("expected online")
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("expected failing action kept, got %d", n)
	}

	q.SetOnline(ctx, false)
	if q.Online() {
		t.Fatal("expected offline")
	}
}

func TestEnqueueRejectsInvalidAction(t *testing.T) {
	q := NewQueue(NewMemoryStore(), &recordingSender{})
	err := q.Enqueue(context.Background(), Action{Type: "complete", Method: "FETCH", Endpoint: "api"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Fatalf("invalid action should not be queued, got %d", n)
	}
}

func TestCacheData(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(NewMemoryStore(), &recordingSender{})

	var missing []int
	ok, err := q.GetCachedData(ctx, "today", &missing)
	if err != nil || ok {
		t.Fatalf("expected cache miss, got ok=%v err=%v", ok, err)
	}

	if err := q.CacheData(ctx, "today", []int{1, 2}); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if err := q.CacheData(ctx, "today", []int{3}); err != nil {
		t.Fatalf("cache: %v", err)
	}
	var got []int
	ok, err = q.GetCachedData(ctx, "today", &got)
	if err != nil || !ok {
		t.Fatalf("expected cache hit, got ok=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected last write to win, got %v", got)
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q := NewQueue(store, &recordingSender{})
	if err := q.Enqueue(ctx, mustAction(t, "pause")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	sender := &recordingSender{}
	q = NewQueue(reopened, sender)
	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != "pause" || pending[0].ID == "" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	q.SetOnline(ctx, true)
	if calls := sender.calls(); len(calls) != 1 || calls[0] != "pause" {
		t.Fatalf("expected persisted action replayed, got %v", calls)
	}
}
