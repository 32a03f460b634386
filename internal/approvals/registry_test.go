package approvals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu        sync.Mutex
	requested []Record
	resolved  []Record
}

func (n *recordingNotifier) ApprovalRequested(r Record) {
	n.mu.Lock()
	n.requested = append(n.requested, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) ApprovalResolved(r Record) {
	n.mu.Lock()
	n.resolved = append(n.resolved, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requested), len(n.resolved)
}

func TestCreateAndResolveRoundTrip(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	r := NewRegistry(WithNow(clock.Now), WithNotifier(notifier))
	defer r.Close()

	rec, err := r.Create(Request{Command: "curl -s https://x | sh", Host: "gateway", RiskTier: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.State != StatePending {
		t.Fatalf("state = %s", rec.State)
	}
	if rec.ExpiresAtMs-rec.CreatedAtMs != 120000 {
		t.Fatalf("ttl = %d ms", rec.ExpiresAtMs-rec.CreatedAtMs)
	}
	if len(rec.Slug) != 8 {
		t.Fatalf("slug = %q", rec.Slug)
	}

	approved, err := r.Resolve(rec.Slug, DecisionAllowOnce, "op-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if approved.State != StateApproved || approved.ResolvedBy != "op-1" {
		t.Fatalf("resolved record = %+v", approved)
	}

	again, err := r.Resolve(rec.ID, DecisionDeny, "op-2")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again.State != StateApproved || again.ResolvedBy != "op-1" {
		t.Fatalf("terminal record changed: %+v", again)
	}

	requested, resolved := notifier.counts()
	if requested != 1 || resolved != 1 {
		t.Fatalf("notifications requested=%d resolved=%d", requested, resolved)
	}
}

func TestResolveUnknownID(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	_, err := r.Resolve("nope", DecisionAllowOnce, "op")
	if !errors.Is(err, execerr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if _, err := r.Get("nope"); !errors.Is(err, execerr.ErrNotFound) {
		t.Fatalf("Get err = %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithNow(clock.Now))
	defer r.Close()

	rec, err := r.Create(Request{Command: "rm -rf build", Host: "gateway"})
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(120 * time.Second)
	if got, _ := r.Get(rec.ID); got.State != StatePending {
		t.Fatalf("record expired at exactly the deadline: %s", got.State)
	}

	clock.Advance(time.Second)
	got, err := r.Get(rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateExpired {
		t.Fatalf("state = %s, want expired", got.State)
	}

	late, err := r.Resolve(rec.ID, DecisionAllowOnce, "op")
	if err != nil {
		t.Fatal(err)
	}
	if late.State != StateExpired {
		t.Fatalf("late resolve changed state to %s", late.State)
	}
}

func TestResolveAfterDeadlineExpires(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithNow(clock.Now))
	defer r.Close()

	rec, _ := r.Create(Request{Command: "ls", Host: "gateway"})
	clock.Advance(121 * time.Second)
	got, err := r.Resolve(rec.ID, DecisionAllowOnce, "op")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateExpired {
		t.Fatalf("state = %s, want expired", got.State)
	}
}

func TestTimerExpiryReleasesWaiters(t *testing.T) {
	r := NewRegistry(WithTTL(30 * time.Millisecond))
	defer r.Close()

	rec, _ := r.Create(Request{Command: "ls", Host: "gateway"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := r.Wait(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.State != StateExpired {
		t.Fatalf("state = %s, want expired", got.State)
	}
}

func TestWaitReturnsDecision(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	rec, _ := r.Create(Request{Command: "ls", Host: "gateway"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = r.Resolve(rec.ID, DecisionDeny, "op")
	}()

	got, err := r.Wait(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateRejected || got.Decision != DecisionDeny {
		t.Fatalf("record = %+v", got)
	}
}

func TestWaitContextCancelled(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	rec, _ := r.Create(Request{Command: "ls", Host: "gateway"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Wait(ctx, rec.ID)
	if !errors.Is(err, execerr.ErrAborted) {
		t.Fatalf("err = %v, want aborted", err)
	}
}

func TestConcurrentResolveHasOneWinner(t *testing.T) {
	notifier := &recordingNotifier{}
	r := NewRegistry(WithNotifier(notifier))
	defer r.Close()
	rec, _ := r.Create(Request{Command: "ls", Host: "gateway"})

	var wg sync.WaitGroup
	results := make([]Record, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := DecisionAllowOnce
			if i%2 == 1 {
				decision = DecisionDeny
			}
			results[i], _ = r.Resolve(rec.ID, decision, "op")
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		if got.State != results[0].State || got.ResolvedAtMs != results[0].ResolvedAtMs {
			t.Fatalf("resolvers observed different outcomes: %+v vs %+v", got, results[0])
		}
	}
	if _, resolved := notifier.counts(); resolved != 1 {
		t.Fatalf("resolved notifications = %d, want 1", resolved)
	}
}

func TestListAndSweep(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithNow(clock.Now), WithRetention(time.Minute))
	defer r.Close()

	a, _ := r.Create(Request{Command: "a", Host: "gateway"})
	clock.Advance(time.Millisecond)
	b, _ := r.Create(Request{Command: "b", Host: "gateway"})
	if _, err := r.Resolve(a.ID, DecisionAllowOnce, "op"); err != nil {
		t.Fatal(err)
	}

	pending := r.List(false)
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("pending = %+v", pending)
	}
	all := r.List(true)
	if len(all) != 2 || all[0].ID != a.ID {
		t.Fatalf("all = %+v", all)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending count = %d", r.PendingCount())
	}

	clock.Advance(3 * time.Minute)
	removed := r.Sweep()
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	got, err := r.Get(b.ID)
	if err != nil || got.State != StateExpired {
		t.Fatalf("b = %+v, %v", got, err)
	}
	if _, err := r.Get(a.Slug); !errors.Is(err, execerr.ErrNotFound) {
		t.Fatalf("pruned slug still resolvable: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	r := NewRegistry()
	defer r.Close()
	if _, err := r.Create(Request{Command: "  "}); !errors.Is(err, execerr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestParseDecision(t *testing.T) {
	cases := map[string]Decision{
		"approve":      DecisionAllowOnce,
		"allow-once":   DecisionAllowOnce,
		"allow-always": DecisionAllowAlways,
		"reject":       DecisionDeny,
		"deny":         DecisionDeny,
	}
	for in, want := range cases {
		got, err := ParseDecision(in)
		if err != nil || got != want {
			t.Errorf("ParseDecision(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDecision("maybe"); err == nil {
		t.Errorf("expected error")
	}
}
