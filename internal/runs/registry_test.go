package runs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu      sync.Mutex
	aborted []Info
	reasons []string
	panics  int
}

func (n *recordingNotifier) RunAborted(run Info, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aborted = append(n.aborted, run)
	n.reasons = append(n.reasons, reason)
}

func (n *recordingNotifier) Panic(string, []Info) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.panics++
}

func TestRegistry_RegisterRemove(t *testing.T) {
	r := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Register("run-1", "main", cancel)
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}
	if s, ok := r.State("run-1"); !ok || s != StateRunning {
		t.Fatalf("state = %q %v", s, ok)
	}
	if r.Remove("other", "run-1") {
		t.Error("remove with wrong session key should fail")
	}
	if !r.Remove("main", "run-1") {
		t.Fatal("remove failed")
	}
	if r.Remove("main", "run-1") {
		t.Error("second remove should be a no-op")
	}
	if s, _ := r.State("run-1"); s != StateCompleted {
		t.Errorf("state after remove = %q", s)
	}
}

func TestRegistry_AbortSession(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRegistry(WithNotifier(n))

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	ctxC, cancelC := context.WithCancel(context.Background())
	defer cancelC()

	cleared := false
	r.Register("a", "s1", cancelA, WithClear(func() { cleared = true }))
	r.Register("b", "s1", cancelB)
	r.Register("c", "s2", cancelC)

	if got := r.AbortSession("s1", "user stop"); got != 2 {
		t.Fatalf("AbortSession = %d, want 2", got)
	}
	if ctxA.Err() == nil || ctxB.Err() == nil {
		t.Error("session runs not cancelled")
	}
	if ctxC.Err() != nil {
		t.Error("other session run cancelled")
	}
	if !cleared {
		t.Error("clear hook not called")
	}
	if s, _ := r.State("a"); s != StateAborted {
		t.Errorf("state = %q", s)
	}
	if len(n.aborted) != 2 || n.reasons[0] != "user stop" {
		t.Errorf("notifications = %+v %v", n.aborted, n.reasons)
	}
	if n.panics != 0 {
		t.Error("session abort must not emit panic")
	}
}

func TestRegistry_GlobalAbort(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRegistry(WithNotifier(n))

	ctxs := make([]context.Context, 3)
	for i := range ctxs {
		ctx, cancel := context.WithCancel(context.Background())
		ctxs[i] = ctx
		r.Register(fmt.Sprintf("run-%d", i), "s", cancel)
	}

	if got := r.GlobalAbort("panic"); got != 3 {
		t.Fatalf("GlobalAbort = %d, want 3", got)
	}
	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("run %d not cancelled", i)
		}
	}
	if r.Count() != 0 {
		t.Errorf("count after abort = %d", r.Count())
	}
	if len(n.aborted) != 3 || n.panics != 1 {
		t.Errorf("aborted events = %d, panic events = %d", len(n.aborted), n.panics)
	}

	if got := r.GlobalAbort("again"); got != 0 {
		t.Errorf("second GlobalAbort = %d, want 0", got)
	}
	if n.panics != 2 || len(n.aborted) != 3 {
		t.Errorf("second abort events: aborted=%d panics=%d", len(n.aborted), n.panics)
	}
}

func TestRegistry_CancelPanicIsContained(t *testing.T) {
	r := NewRegistry()
	_, okCancel := context.WithCancel(context.Background())
	r.Register("bad", "s", func() { panic("boom") })
	r.Register("good", "s", okCancel)

	if got := r.GlobalAbort("x"); got != 2 {
		t.Fatalf("GlobalAbort = %d", got)
	}
	if s, _ := r.State("bad"); s != StateAborted {
		t.Errorf("state = %q", s)
	}
}

func TestRegistry_ConcurrentRegisterAndAbort(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var aborted atomic.Int64

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, cancel := context.WithCancel(context.Background())
			id := fmt.Sprintf("run-%d", i)
			r.Register(id, "s", cancel)
			r.List()
			r.Remove("s", id)
		}(i)
		go func() {
			defer wg.Done()
			aborted.Add(int64(r.GlobalAbort("stress")))
		}()
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Errorf("leftover runs = %d", r.Count())
	}
}

func TestRegistry_GlobalAbortEmpty(t *testing.T) {
	r := NewRegistry()
	if got := r.GlobalAbort("first"); got != 0 {
		t.Errorf("first GlobalAbort = %d, want 0", got)
	}
	if got := r.GlobalAbort("second"); got != 0 {
		t.Errorf("second GlobalAbort = %d, want 0", got)
	}
}

func TestRegistry_ManyActiveRuns(t *testing.T) {
	r := NewRegistry()
	total := maxRecordedStates + 1

	done := make(chan int, 1)
	go func() {
		for i := 0; i < total; i++ {
			r.Register(fmt.Sprintf("run-%d", i), "s", func() {})
		}
		done <- r.GlobalAbort("panic")
	}()

	select {
	case got := <-done:
		if got != total {
			t.Errorf("GlobalAbort = %d, want %d", got, total)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Register or GlobalAbort did not return")
	}
	if r.Count() != 0 {
		t.Errorf("count after abort = %d", r.Count())
	}
	if len(r.states) > maxRecordedStates {
		t.Errorf("recorded states = %d, want at most %d", len(r.states), maxRecordedStates)
	}
}
