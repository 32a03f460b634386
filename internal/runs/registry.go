// Package runs tracks in-flight exec runs so they can be stopped per session
// or all at once.
package runs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is the recorded state of a run.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

const maxRecordedStates = 1024

// Info describes a registered run.
type Info struct {
	RunID       string `json:"runId"`
	SessionKey  string `json:"sessionKey"`
	CreatedAtMs int64  `json:"createdAtMs"`
	State       State  `json:"state"`
}

// Notifier observes aborts. Calls happen outside the registry lock.
type Notifier interface {
	RunAborted(run Info, reason string)
	Panic(reason string, aborted []Info)
}

type entry struct {
	info   Info
	cancel context.CancelFunc
	clear  func()
}

// Registry holds run entries keyed by run id.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*entry
	states map[string]State
	order  []string

	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the abort observer.
func WithNotifier(n Notifier) Option { return func(r *Registry) { r.notifier = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithNow injects a clock.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		runs:   make(map[string]*entry),
		states: make(map[string]State),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runs")
	return r
}

// RegisterOption configures a single run.
type RegisterOption func(*entry)

// WithClear registers a hook that discards the run's buffered output when it
// is aborted.
func WithClear(clear func()) RegisterOption {
	return func(e *entry) { e.clear = clear }
}

// Register tracks a run. Registering an existing run id replaces its entry.
func (r *Registry) Register(runID, sessionKey string, cancel context.CancelFunc, opts ...RegisterOption) {
	if runID == "" || cancel == nil {
		return
	}
	e := &entry{
		info: Info{
			RunID:       runID,
			SessionKey:  sessionKey,
			CreatedAtMs: r.now().UnixMilli(),
			State:       StateRunning,
		},
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	r.runs[runID] = e
	r.recordLocked(runID, StateRunning)
	r.mu.Unlock()
}

// Remove forgets a finished run. Removing an unknown run is a no-op.
func (r *Registry) Remove(sessionKey, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	if !ok || (sessionKey != "" && e.info.SessionKey != sessionKey) {
		return false
	}
	delete(r.runs, runID)
	r.recordLocked(runID, StateCompleted)
	return true
}

// State returns the recorded state of a run.
func (r *Registry) State(runID string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[runID]
	return s, ok
}

// List returns active runs, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.info)
	}
	r.mu.Unlock()
	sortInfos(out)
	return out
}

// Count returns the number of active runs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// AbortSession aborts every run of one session and returns how many were
// aborted.
func (r *Registry) AbortSession(sessionKey, reason string) int {
	r.mu.Lock()
	var victims []*entry
	for id, e := range r.runs {
		if e.info.SessionKey == sessionKey {
			victims = append(victims, e)
			delete(r.runs, id)
		}
	}
	r.mu.Unlock()

	aborted := r.abortAll(victims, reason)
	return len(aborted)
}

// GlobalAbort aborts every active run, emits one panic event plus one event
// per run, and returns the number of runs aborted. Calling it with no active
// runs returns zero.
func (r *Registry) GlobalAbort(reason string) int {
	r.mu.Lock()
	victims := make([]*entry, 0, len(r.runs))
	for id, e := range r.runs {
		victims = append(victims, e)
		delete(r.runs, id)
	}
	r.mu.Unlock()

	aborted := r.abortAll(victims, reason)
	r.logger.Warn("global abort", "reason", reason, "aborted", len(aborted))
	if r.notifier != nil {
		r.safely("panic notification", func() { r.notifier.Panic(reason, aborted) })
	}
	return len(aborted)
}

// abortAll cancels the snapshot outside the lock.
func (r *Registry) abortAll(victims []*entry, reason string) []Info {
	aborted := make([]Info, 0, len(victims))
	for _, e := range victims {
		r.safely("run cancel", e.cancel)
		if e.clear != nil {
			r.safely("run buffer clear", e.clear)
		}
		info := e.info
		info.State = StateAborted
		aborted = append(aborted, info)
	}

	r.mu.Lock()
	for _, info := range aborted {
		r.recordLocked(info.RunID, StateAborted)
	}
	r.mu.Unlock()

	sortInfos(aborted)
	if r.notifier != nil {
		for _, info := range aborted {
			r.safely("run abort notification", func() { r.notifier.RunAborted(info, reason) })
		}
	}
	return aborted
}

func (r *Registry) safely(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("recovered panic", "during", what, "panic", rec)
		}
	}()
	fn()
}

func (r *Registry) recordLocked(runID string, state State) {
	if _, seen := r.states[runID]; !seen {
		r.order = append(r.order, runID)
	}
	r.states[runID] = state
	excess := len(r.order) - maxRecordedStates
	if excess <= 0 {
		return
	}
	// Active runs keep their state; the cap only applies to finished ones.
	kept := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if excess > 0 {
			if _, active := r.runs[id]; !active {
				delete(r.states, id)
				excess--
				continue
			}
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAtMs == infos[j].CreatedAtMs {
			return infos[i].RunID < infos[j].RunID
		}
		return infos[i].CreatedAtMs < infos[j].CreatedAtMs
	})
}
