package shell

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewProcessRegistry(t *testing.T) {
	r := NewProcessRegistry(nil)
	if r.runningSessions == nil || r.finishedSessions == nil {
		t.Fatal("expected initialized session maps")
	}
	if r.jobTTL != DefaultJobTTL {
		t.Errorf("expected default job TTL %v, got %v", DefaultJobTTL, r.jobTTL)
	}
	if r.limits.MaxOutputChars != 200_000 || r.limits.BackgroundMaxOutputChars != 30_000 {
		t.Errorf("unexpected limits %+v", r.limits)
	}
}

func TestProcessRegistry_AddGetDelete(t *testing.T) {
	r := NewProcessRegistry(nil)
	defer r.Reset()

	r.AddSession(NewProcessSession("test-1", "echo hello"))
	if r.RunningCount() != 1 {
		t.Fatalf("expected 1 running session, got %d", r.RunningCount())
	}
	got, ok := r.GetSession("test-1")
	if !ok || got.Command != "echo hello" {
		t.Fatalf("GetSession = %+v, %v", got, ok)
	}
	if !r.IsSessionIDTaken("test-1") || r.IsSessionIDTaken("other") {
		t.Error("unexpected IsSessionIDTaken result")
	}

	r.DeleteSession("test-1")
	if _, ok := r.GetSession("test-1"); ok {
		t.Error("expected session to be deleted")
	}
}

func TestProcessRegistry_AppendOutputCaps(t *testing.T) {
	r := NewProcessRegistry(nil)
	defer r.Reset()
	r.SetLimits(Limits{MaxOutputChars: 100, BackgroundMaxOutputChars: 40, PendingMaxOutputChars: 50, TailChars: 10})

	s := NewProcessSession("cap", "yes")
	r.AddSession(s)
	r.AppendOutput(s, strings.Repeat("a", 80))
	r.AppendOutput(s, strings.Repeat("b", 40))

	info := r.Info(s)
	if !info.Truncated {
		t.Error("expected truncated flag")
	}
	if info.TotalOutputChars != 120 {
		t.Errorf("total = %d", info.TotalOutputChars)
	}
	if info.Tail != strings.Repeat("b", 10) {
		t.Errorf("tail = %q", info.Tail)
	}
	if len(s.aggregated) != 100 {
		t.Errorf("aggregate len = %d, want 100", len(s.aggregated))
	}
	if drained := r.DrainSession(s); len(drained) != 50 || !strings.HasSuffix(drained, strings.Repeat("b", 40)) {
		t.Errorf("drained = %q", drained)
	}
	if r.DrainSession(s) != "" {
		t.Error("second drain should be empty")
	}

	if !r.MarkBackgrounded(s) {
		t.Fatal("MarkBackgrounded on running session failed")
	}
	if len(s.aggregated) != 40 {
		t.Errorf("background aggregate len = %d, want 40", len(s.aggregated))
	}
	r.AppendOutput(s, strings.Repeat("c", 30))
	if len(s.aggregated) != 40 {
		t.Errorf("background cap not enforced: %d", len(s.aggregated))
	}
}

func TestProcessRegistry_CompleteOnce(t *testing.T) {
	r := NewProcessRegistry(nil)
	defer r.Reset()

	s := NewProcessSession("once", "true")
	r.AddSession(s)
	r.AppendOutput(s, "out")

	zero, one := 0, 1
	if !r.Complete(s, Outcome{Status: ProcessStatusCompleted, ExitCode: &zero}) {
		t.Fatal("first Complete should win")
	}
	if r.Complete(s, Outcome{Status: ProcessStatusFailed, ExitCode: &one}) {
		t.Fatal("second Complete should be ignored")
	}
	info := r.Info(s)
	if info.Outcome == nil || info.Outcome.Status != ProcessStatusCompleted || *info.Outcome.ExitCode != 0 {
		t.Fatalf("outcome = %+v", info.Outcome)
	}
	if info.Outcome.Aggregated != "out" {
		t.Errorf("aggregated = %q", info.Outcome.Aggregated)
	}
	r.AppendOutput(s, "late")
	if r.Info(s).TotalOutputChars != 3 {
		t.Error("output after completion should be ignored")
	}
	if r.RunningCount() != 0 || r.FinishedCount() != 0 {
		t.Error("foreground session should be forgotten on completion")
	}
	select {
	case <-s.Done():
	default:
		t.Error("done channel not closed")
	}
}

func TestProcessRegistry_BackgroundCompletionKeptUntilPolled(t *testing.T) {
	r := NewProcessRegistry(nil)
	defer r.Reset()

	var mu sync.Mutex
	var hooked []SessionInfo
	r.SetExitHook(func(info SessionInfo, _ Outcome) {
		mu.Lock()
		hooked = append(hooked, info)
		mu.Unlock()
	})

	s := NewProcessSession("bg", "sleep 1")
	r.AddSession(s)
	r.MarkBackgrounded(s)
	r.AppendOutput(s, "hello")

	code := 0
	r.Complete(s, Outcome{Status: ProcessStatusCompleted, ExitCode: &code})
	if r.MarkBackgrounded(s) {
		t.Error("MarkBackgrounded after completion must fail")
	}
	if r.FinishedCount() != 1 {
		t.Fatalf("finished = %d", r.FinishedCount())
	}
	mu.Lock()
	if len(hooked) != 1 || hooked[0].ID != "bg" {
		t.Errorf("exit hook calls = %+v", hooked)
	}
	mu.Unlock()

	info, out, ok := r.Poll("bg")
	if !ok || out != "hello" || info.Outcome == nil {
		t.Fatalf("Poll = %+v %q %v", info, out, ok)
	}
	if _, _, ok := r.Poll("bg"); ok {
		t.Error("finished session should be removed after retrieval")
	}
}

func TestProcessRegistry_KillWithoutCancel(t *testing.T) {
	r := NewProcessRegistry(nil)
	defer r.Reset()

	s := NewProcessSession("k", "sleep 100")
	r.AddSession(s)
	r.MarkBackgrounded(s)
	if !r.Kill("k", "operator request") {
		t.Fatal("Kill returned false")
	}
	info := r.Info(s)
	if info.Outcome == nil || info.Outcome.Status != ProcessStatusAborted || info.Outcome.Reason != "operator request" {
		t.Fatalf("outcome = %+v", info.Outcome)
	}
	if r.RunningCount() != 0 || r.FinishedCount() != 0 {
		t.Error("killed session should be removed")
	}
	if r.Kill("k", "") {
		t.Error("second kill should report missing session")
	}
}

func TestProcessRegistry_Discard(t *testing.T) {
	r := NewProcessRegistry(nil)
	defer r.Reset()
	s := NewProcessSession("d", "cat")
	r.AddSession(s)
	r.AppendOutput(s, "secret")
	r.Discard("d")
	if info := r.Info(s); info.Tail != "" {
		t.Errorf("tail after discard = %q", info.Tail)
	}
	if r.DrainSession(s) != "" {
		t.Error("pending after discard should be empty")
	}
}

func TestProcessRegistry_PruneFinished(t *testing.T) {
	r := NewProcessRegistry(nil)
	defer r.Reset()
	now := time.Now()
	r.now = func() time.Time { return now }

	s := NewProcessSession("old", "true")
	r.AddSession(s)
	r.MarkBackgrounded(s)
	r.Complete(s, Outcome{Status: ProcessStatusCompleted})

	if r.PruneFinished() != 0 {
		t.Fatal("fresh session pruned")
	}
	now = now.Add(DefaultJobTTL + time.Second)
	if r.PruneFinished() != 1 || r.FinishedCount() != 0 {
		t.Fatal("expired session not pruned")
	}
}

func TestClampTTL(t *testing.T) {
	if ClampTTL(time.Second) != MinJobTTL || ClampTTL(24*time.Hour) != MaxJobTTL || ClampTTL(time.Hour) != time.Hour {
		t.Error("unexpected clamp")
	}
}

func TestProcessRegistry_ConcurrentAccess(t *testing.T) {
	r := NewProcessRegistry(nil)
	defer r.Reset()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := NewProcessSession(r.NewSessionID(), "echo")
			r.AddSession(s)
			for j := 0; j < 50; j++ {
				r.AppendOutput(s, "x")
			}
			if i%2 == 0 {
				r.MarkBackgrounded(s)
			}
			r.ListRunningSessions()
			r.Complete(s, Outcome{Status: ProcessStatusCompleted})
			r.ListFinishedSessions()
		}(i)
	}
	wg.Wait()
	if r.RunningCount() != 0 {
		t.Errorf("running = %d", r.RunningCount())
	}
	if r.FinishedCount() != 10 {
		t.Errorf("finished = %d, want 10", r.FinishedCount())
	}
}

func TestBufferHelpers(t *testing.T) {
	if Tail("abcdef", 3) != "def" || Tail("ab", 3) != "ab" || Tail("ab", 0) != "" {
		t.Error("Tail")
	}
	buf := []string{"aaaa", "bbbb", "cc"}
	size := capPendingBuffer(&buf, 10, 5)
	if size != 5 || strings.Join(buf, "") != "bbbcc" {
		t.Errorf("capPendingBuffer = %d %q", size, strings.Join(buf, ""))
	}
	big := []string{"x", strings.Repeat("y", 9)}
	if size := capPendingBuffer(&big, 10, 4); size != 4 || strings.Join(big, "") != "yyyy" {
		t.Errorf("capPendingBuffer big chunk = %d %q", size, strings.Join(big, ""))
	}
}
