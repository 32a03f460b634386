// Package shell tracks shell processes started for exec requests: their
// output buffers, backgrounding and single-shot outcomes.
package shell

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// TTL and output limits.
const (
	DefaultJobTTL = 30 * time.Minute
	MinJobTTL     = 1 * time.Minute
	MaxJobTTL     = 3 * time.Hour

	DefaultMaxOutputChars           = 200_000
	DefaultBackgroundMaxOutputChars = 30_000
	DefaultPendingOutputChars       = 30_000
	DefaultTailChars                = 2000
)

// ProcessStatus is the state of a session.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusAborted   ProcessStatus = "aborted"
)

// Limits bounds session output.
type Limits struct {
	MaxOutputChars           int
	BackgroundMaxOutputChars int
	PendingMaxOutputChars    int
	TailChars                int
}

// DefaultLimits returns the standard output limits.
func DefaultLimits() Limits {
	return Limits{
		MaxOutputChars:           DefaultMaxOutputChars,
		BackgroundMaxOutputChars: DefaultBackgroundMaxOutputChars,
		PendingMaxOutputChars:    DefaultPendingOutputChars,
		TailChars:                DefaultTailChars,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxOutputChars <= 0 {
		l.MaxOutputChars = d.MaxOutputChars
	}
	if l.BackgroundMaxOutputChars <= 0 {
		l.BackgroundMaxOutputChars = d.BackgroundMaxOutputChars
	}
	if l.PendingMaxOutputChars <= 0 {
		l.PendingMaxOutputChars = d.PendingMaxOutputChars
	}
	if l.TailChars <= 0 {
		l.TailChars = d.TailChars
	}
	return l
}

// Outcome is the final result of a session. It is written once.
type Outcome struct {
	Status     ProcessStatus `json:"status"`
	ExitCode   *int          `json:"exitCode,omitempty"`
	Aggregated string        `json:"aggregated"`
	Tail       string        `json:"tail,omitempty"`
	DurationMs int64         `json:"durationMs"`
	Reason     string        `json:"reason,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	EndedAt    time.Time     `json:"-"`
}

// ProcessSession is a tracked shell process. Fields below the blank line are
// guarded by the registry lock.
type ProcessSession struct {
	ID         string
	Command    string
	Host       string
	NodeID     string
	SessionKey string
	CWD        string
	StartedAt  time.Time

	pid              int
	pending          []string
	pendingChars     int
	aggregated       string
	totalOutputChars int
	truncated        bool
	backgrounded     bool
	killed           bool
	outcome          *Outcome
	done             chan struct{}
	cancel           context.CancelCauseFunc
}

// Done is closed once the outcome is written.
func (s *ProcessSession) Done() <-chan struct{} { return s.done }

// NewProcessSession builds a session ready to be added to a registry.
func NewProcessSession(id, command string) *ProcessSession {
	return &ProcessSession{
		ID:        id,
		Command:   command,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID               string        `json:"sessionId"`
	Command          string        `json:"command"`
	Host             string        `json:"host,omitempty"`
	NodeID           string        `json:"nodeId,omitempty"`
	SessionKey       string        `json:"sessionKey,omitempty"`
	Cwd              string        `json:"cwd,omitempty"`
	PID              int           `json:"pid,omitempty"`
	StartedAtMs      int64         `json:"startedAtMs"`
	Status           ProcessStatus `json:"status"`
	Backgrounded     bool          `json:"backgrounded"`
	Tail             string        `json:"tail"`
	Truncated        bool          `json:"truncated,omitempty"`
	TotalOutputChars int           `json:"totalOutputChars"`
	Outcome          *Outcome      `json:"outcome,omitempty"`
}

// ExitHook observes completion of backgrounded sessions.
type ExitHook func(SessionInfo, Outcome)

// ProcessRegistry manages running and finished sessions.
type ProcessRegistry struct {
	runningSessions  map[string]*ProcessSession
	finishedSessions map[string]*ProcessSession
	logger           *slog.Logger
	jobTTL           time.Duration
	limits           Limits
	onExit           ExitHook
	now              func() time.Time
	mu               sync.RWMutex

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

// NewProcessRegistry creates a registry with default limits.
func NewProcessRegistry(logger *slog.Logger) *ProcessRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRegistry{
		runningSessions:  make(map[string]*ProcessSession),
		finishedSessions: make(map[string]*ProcessSession),
		logger:           logger.With("component", "process_registry"),
		jobTTL:           DefaultJobTTL,
		limits:           DefaultLimits(),
		now:              time.Now,
	}
}

// SetLimits replaces the output limits for new output.
func (r *ProcessRegistry) SetLimits(l Limits) {
	r.mu.Lock()
	r.limits = l.withDefaults()
	r.mu.Unlock()
}

// SetExitHook registers the completion observer for backgrounded sessions.
func (r *ProcessRegistry) SetExitHook(hook ExitHook) {
	r.mu.Lock()
	r.onExit = hook
	r.mu.Unlock()
}

// ClampTTL ensures the TTL is within valid bounds.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinJobTTL {
		return MinJobTTL
	}
	if ttl > MaxJobTTL {
		return MaxJobTTL
	}
	return ttl
}

// SetJobTTL updates how long unretrieved finished sessions are kept.
func (r *ProcessRegistry) SetJobTTL(ttl time.Duration) {
	r.mu.Lock()
	r.jobTTL = ClampTTL(ttl)
	running := r.sweeperStop != nil
	r.mu.Unlock()

	if running {
		r.StopSweeper()
		r.StartSweeper()
	}
}

// GetJobTTL returns the current job TTL.
func (r *ProcessRegistry) GetJobTTL() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobTTL
}

// IsSessionIDTaken checks if a session ID is already in use.
func (r *ProcessRegistry) IsSessionIDTaken(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, running := r.runningSessions[id]
	_, finished := r.finishedSessions[id]
	return running || finished
}

// AddSession registers a running session.
func (r *ProcessRegistry) AddSession(session *ProcessSession) {
	if session == nil {
		return
	}
	r.mu.Lock()
	if session.done == nil {
		session.done = make(chan struct{})
	}
	r.runningSessions[session.ID] = session
	r.mu.Unlock()

	r.logger.Debug("added session", "id", session.ID, "command", session.Command, "host", session.Host)
}

// GetSession returns a running or finished session.
func (r *ProcessRegistry) GetSession(id string) (*ProcessSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.runningSessions[id]; ok {
		return s, true
	}
	s, ok := r.finishedSessions[id]
	return s, ok
}

// DeleteSession forgets a session.
func (r *ProcessRegistry) DeleteSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runningSessions, id)
	delete(r.finishedSessions, id)
	r.logger.Debug("deleted session", "id", id)
}

func (r *ProcessRegistry) setPID(session *ProcessSession, pid int) {
	r.mu.Lock()
	session.pid = pid
	r.mu.Unlock()
}

// AppendOutput adds a chunk to the session's buffers.
func (r *ProcessRegistry) AppendOutput(session *ProcessSession, chunk string) {
	if session == nil || chunk == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if session.outcome != nil {
		return
	}

	maxOutput := r.limits.MaxOutputChars
	if session.backgrounded {
		maxOutput = r.limits.BackgroundMaxOutputChars
	}
	pendingCap := min(r.limits.PendingMaxOutputChars, maxOutput)

	session.pending = append(session.pending, chunk)
	session.pendingChars += len(chunk)
	if session.pendingChars > pendingCap {
		session.truncated = true
		session.pendingChars = capPendingBuffer(&session.pending, session.pendingChars, pendingCap)
	}

	session.totalOutputChars += len(chunk)
	combined := session.aggregated + chunk
	session.aggregated = TrimWithCap(combined, maxOutput)
	if len(session.aggregated) < len(combined) {
		session.truncated = true
	}
}

// DrainSession returns and clears output not yet seen by a poller.
func (r *ProcessRegistry) DrainSession(session *ProcessSession) string {
	if session == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := strings.Join(session.pending, "")
	session.pending = nil
	session.pendingChars = 0
	return out
}

// Discard clears a session's buffers.
func (r *ProcessRegistry) Discard(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.runningSessions[id]
	if !ok {
		s, ok = r.finishedSessions[id]
	}
	if !ok {
		return
	}
	s.pending = nil
	s.pendingChars = 0
	s.aggregated = ""
	if s.outcome != nil {
		s.outcome.Aggregated = ""
		s.outcome.Tail = ""
	}
}

// Complete writes the session outcome. Only the first call has an effect;
// it reports whether this call won.
func (r *ProcessRegistry) Complete(session *ProcessSession, outcome Outcome) bool {
	if session == nil {
		return false
	}
	r.mu.Lock()
	if session.outcome != nil {
		r.mu.Unlock()
		return false
	}
	if outcome.EndedAt.IsZero() {
		outcome.EndedAt = r.now()
	}
	if outcome.DurationMs == 0 {
		outcome.DurationMs = outcome.EndedAt.Sub(session.StartedAt).Milliseconds()
	}
	outcome.Aggregated = session.aggregated
	outcome.Tail = Tail(session.aggregated, r.limits.TailChars)
	outcome.Truncated = session.truncated
	session.outcome = &outcome
	close(session.done)

	delete(r.runningSessions, session.ID)
	notify := session.backgrounded && !session.killed
	if notify {
		r.finishedSessions[session.ID] = session
	}
	hook := r.onExit
	info := r.infoLocked(session)
	r.mu.Unlock()

	r.logger.Debug("session finished", "id", session.ID, "status", outcome.Status, "exit_code", outcome.ExitCode)
	if notify && hook != nil {
		hook(info, outcome)
	}
	return true
}

// MarkBackgrounded moves a running session to the background. It returns
// false when the session has already finished.
func (r *ProcessRegistry) MarkBackgrounded(session *ProcessSession) bool {
	if session == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if session.outcome != nil {
		return false
	}
	if !session.backgrounded {
		session.backgrounded = true
		capped := TrimWithCap(session.aggregated, r.limits.BackgroundMaxOutputChars)
		if len(capped) < len(session.aggregated) {
			session.truncated = true
		}
		session.aggregated = capped
	}
	return true
}

// Kill aborts a running session, or forgets a finished one. It reports
// whether the session existed.
func (r *ProcessRegistry) Kill(id, reason string) bool {
	r.mu.Lock()
	if s, ok := r.finishedSessions[id]; ok {
		delete(r.finishedSessions, id)
		r.mu.Unlock()
		r.logger.Debug("removed finished session", "id", s.ID)
		return true
	}
	s, ok := r.runningSessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s.killed = true
	cancel := s.cancel
	r.mu.Unlock()

	if reason == "" {
		reason = "killed"
	}
	if cancel != nil {
		cancel(abortCause(reason))
	} else {
		r.Complete(s, Outcome{Status: ProcessStatusAborted, Reason: reason})
	}
	r.logger.Info("session killed", "id", id, "reason", reason)
	return true
}

// Poll drains new output and returns the session view. A finished session is
// removed once its outcome has been returned.
func (r *ProcessRegistry) Poll(id string) (SessionInfo, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.runningSessions[id]
	if !ok {
		s, ok = r.finishedSessions[id]
	}
	if !ok {
		return SessionInfo{}, "", false
	}
	out := strings.Join(s.pending, "")
	s.pending = nil
	s.pendingChars = 0
	info := r.infoLocked(s)
	if s.outcome != nil {
		delete(r.finishedSessions, id)
	}
	return info, out, true
}

// Info returns a snapshot of a session.
func (r *ProcessRegistry) Info(session *ProcessSession) SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infoLocked(session)
}

func (r *ProcessRegistry) infoLocked(s *ProcessSession) SessionInfo {
	info := SessionInfo{
		ID:               s.ID,
		Command:          s.Command,
		Host:             s.Host,
		NodeID:           s.NodeID,
		SessionKey:       s.SessionKey,
		Cwd:              s.CWD,
		PID:              s.pid,
		StartedAtMs:      s.StartedAt.UnixMilli(),
		Status:           ProcessStatusRunning,
		Backgrounded:     s.backgrounded,
		Tail:             Tail(s.aggregated, r.limits.TailChars),
		Truncated:        s.truncated,
		TotalOutputChars: s.totalOutputChars,
	}
	if s.outcome != nil {
		out := *s.outcome
		info.Status = out.Status
		info.Outcome = &out
	}
	return info
}

// ListRunningSessions returns backgrounded running sessions, oldest first.
func (r *ProcessRegistry) ListRunningSessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.runningSessions))
	for _, s := range r.runningSessions {
		if s.backgrounded {
			out = append(out, r.infoLocked(s))
		}
	}
	sortInfos(out)
	return out
}

// ListFinishedSessions returns finished sessions awaiting retrieval.
func (r *ProcessRegistry) ListFinishedSessions() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionInfo, 0, len(r.finishedSessions))
	for _, s := range r.finishedSessions {
		out = append(out, r.infoLocked(s))
	}
	sortInfos(out)
	return out
}

func sortInfos(infos []SessionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAtMs == infos[j].StartedAtMs {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAtMs < infos[j].StartedAtMs
	})
}

// ClearFinished removes all finished sessions.
func (r *ProcessRegistry) ClearFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedSessions = make(map[string]*ProcessSession)
}

// Reset clears all sessions and stops the sweeper. Running processes are not
// signalled.
func (r *ProcessRegistry) Reset() {
	r.StopSweeper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runningSessions = make(map[string]*ProcessSession)
	r.finishedSessions = make(map[string]*ProcessSession)
}

// StartSweeper starts pruning finished sessions older than the job TTL.
func (r *ProcessRegistry) StartSweeper() {
	r.mu.Lock()
	if r.sweeperStop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.sweeperStop = stop
	r.sweeperDone = done
	ttl := r.jobTTL
	r.mu.Unlock()

	interval := ttl / 6
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	go r.sweepLoop(interval, stop, done)
}

// StopSweeper stops the sweeper goroutine.
func (r *ProcessRegistry) StopSweeper() {
	r.mu.Lock()
	if r.sweeperStop == nil {
		r.mu.Unlock()
		return
	}
	stop, done := r.sweeperStop, r.sweeperDone
	r.sweeperStop, r.sweeperDone = nil, nil
	r.mu.Unlock()

	close(stop)
	<-done
}

func (r *ProcessRegistry) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.PruneFinished()
		}
	}
}

// PruneFinished removes finished sessions older than the job TTL and returns
// how many were removed.
func (r *ProcessRegistry) PruneFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.jobTTL)
	removed := 0
	for id, s := range r.finishedSessions {
		if s.outcome != nil && s.outcome.EndedAt.Before(cutoff) {
			delete(r.finishedSessions, id)
			removed++
			r.logger.Debug("pruned finished session", "id", id)
		}
	}
	return removed
}

// RunningCount returns the number of running sessions.
func (r *ProcessRegistry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runningSessions)
}

// FinishedCount returns the number of finished sessions.
func (r *ProcessRegistry) FinishedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.finishedSessions)
}
