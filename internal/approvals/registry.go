// Package approvals tracks exec commands waiting for a human decision.
//
// A record starts pending and moves exactly once to approved, rejected or
// expired. The first resolution wins; later ones return the record unchanged.
package approvals

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
)

// DefaultTTL is how long a record stays pending.
const DefaultTTL = 120 * time.Second

// DefaultRetention is how long terminal records are kept for lookups.
const DefaultRetention = 10 * time.Minute

const slugLength = 8

// State is the lifecycle state of a record.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Terminal reports whether s can no longer change.
func (s State) Terminal() bool { return s != StatePending }

// Decision is an operator's answer to a request.
type Decision string

const (
	// DecisionAllowOnce approves this invocation only.
	DecisionAllowOnce Decision = "allow-once"
	// DecisionAllowAlways approves and allowlists the executable.
	DecisionAllowAlways Decision = "allow-always"
	// DecisionDeny rejects the request.
	DecisionDeny Decision = "deny"
)

// ParseDecision accepts the canonical decisions plus approve/reject aliases.
func ParseDecision(value string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "allow-once", "approve", "approved", "allow":
		return DecisionAllowOnce, nil
	case "allow-always":
		return DecisionAllowAlways, nil
	case "deny", "reject", "rejected":
		return DecisionDeny, nil
	}
	return "", execerr.Validation("invalid approval decision %q", value)
}

// Request describes the command awaiting approval.
type Request struct {
	Command      string `json:"command"`
	Host         string `json:"host"`
	Cwd          string `json:"cwd,omitempty"`
	NodeID       string `json:"nodeId,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
	SessionKey   string `json:"sessionKey,omitempty"`
	Security     string `json:"security,omitempty"`
	Ask          string `json:"ask,omitempty"`
	ResolvedPath string `json:"resolvedPath,omitempty"`
	RiskTier     int    `json:"riskTier"`
	Warning      string `json:"warning,omitempty"`
	// RequestedBy is the connection that asked; it receives the outcome.
	RequestedBy string `json:"requestedBy,omitempty"`
}

// Record is a snapshot of an approval.
type Record struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Request
	CreatedAtMs  int64    `json:"createdAtMs"`
	ExpiresAtMs  int64    `json:"expiresAtMs"`
	State        State    `json:"state"`
	Decision     Decision `json:"decision,omitempty"`
	ResolvedBy   string   `json:"resolvedBy,omitempty"`
	ResolvedAtMs int64    `json:"resolvedAtMs,omitempty"`
}

// Notifier observes state changes. Calls happen outside the registry lock.
type Notifier interface {
	ApprovalRequested(Record)
	ApprovalResolved(Record)
}

type entry struct {
	record Record
	done   chan struct{}
	timer  *time.Timer
}

// Registry holds approval records in memory.
type Registry struct {
	mu      sync.Mutex
	records map[string]*entry
	slugs   map[string]string

	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	notifier  Notifier
	logger    *slog.Logger
	closed    bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the pending lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRetention overrides how long terminal records are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
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

// WithNotifier sets the state change observer.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		records:   make(map[string]*entry),
		slugs:     make(map[string]string),
		ttl:       DefaultTTL,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "approvals")
	return r
}

// Create registers a new pending record.
func (r *Registry) Create(req Request) (Record, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Record{}, execerr.Validation("approval request requires a command")
	}

	now := r.now().UnixMilli()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Record{}, errors.New("approval registry closed")
	}
	id := uuid.NewString()
	e := &entry{
		record: Record{
			ID:          id,
			Slug:        r.slugForLocked(id),
			Request:     req,
			CreatedAtMs: now,
			ExpiresAtMs: now + r.ttl.Milliseconds(),
			State:       StatePending,
		},
		done: make(chan struct{}),
	}
	r.records[id] = e
	r.slugs[e.record.Slug] = id
	e.timer = time.AfterFunc(r.ttl, func() { r.expire(id) })
	rec := e.record
	r.mu.Unlock()

	r.logger.Info("approval requested", "id", id, "host", req.Host, "risk_tier", req.RiskTier)
	if r.notifier != nil {
		r.notifier.ApprovalRequested(rec)
	}
	return rec, nil
}

// slugForLocked returns the shortest unused prefix of id's hex digits.
func (r *Registry) slugForLocked(id string) string {
	hex := strings.ReplaceAll(id, "-", "")
	for n := slugLength; n <= len(hex); n++ {
		if _, taken := r.slugs[hex[:n]]; !taken {
			return hex[:n]
		}
	}
	return hex
}

// lookupLocked finds a record by id or slug.
func (r *Registry) lookupLocked(idOrSlug string) (*entry, bool) {
	key := strings.TrimSpace(idOrSlug)
	if e, ok := r.records[key]; ok {
		return e, true
	}
	if id, ok := r.slugs[strings.ToLower(key)]; ok {
		e, ok := r.records[id]
		return e, ok
	}
	return nil, false
}

// finishLocked moves a pending record to a terminal state. It returns false
// when the record was already terminal.
func (r *Registry) finishLocked(e *entry, state State, decision Decision, resolvedBy string) bool {
	if e.record.State.Terminal() {
		return false
	}
	e.record.State = state
	e.record.Decision = decision
	e.record.ResolvedBy = resolvedBy
	e.record.ResolvedAtMs = r.now().UnixMilli()
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	return true
}

// expireIfDueLocked applies lazy expiry.
func (r *Registry) expireIfDueLocked(e *entry) bool {
	if e.record.State != StatePending || r.now().UnixMilli() <= e.record.ExpiresAtMs {
		return false
	}
	return r.finishLocked(e, StateExpired, "", "")
}

func (r *Registry) expire(id string) {
	r.mu.Lock()
	e, ok := r.records[id]
	changed := ok && r.finishLocked(e, StateExpired, "", "")
	var rec Record
	if changed {
		rec = e.record
	}
	r.mu.Unlock()
	if changed {
		r.resolved(rec)
	}
}

func (r *Registry) resolved(rec Record) {
	r.logger.Info("approval resolved", "id", rec.ID, "state", rec.State, "resolved_by", rec.ResolvedBy)
	if r.notifier != nil {
		r.notifier.ApprovalResolved(rec)
	}
}

// Resolve applies a decision. A pending record moves to approved or rejected;
// a terminal record is returned unchanged. Unknown ids fail with NotFound.
func (r *Registry) Resolve(idOrSlug string, decision Decision, resolvedBy string) (Record, error) {
	state := StateApproved
	switch decision {
	case DecisionAllowOnce, DecisionAllowAlways:
	case DecisionDeny:
		state = StateRejected
	default:
		return Record{}, execerr.Validation("invalid approval decision %q", decision)
	}

	r.mu.Lock()
	e, ok := r.lookupLocked(idOrSlug)
	if !ok {
		r.mu.Unlock()
		return Record{}, execerr.NotFound("unknown approval id: %s", idOrSlug)
	}
	changed := r.expireIfDueLocked(e)
	if !changed {
		changed = r.finishLocked(e, state, decision, resolvedBy)
	}
	rec := e.record
	r.mu.Unlock()

	if changed {
		r.resolved(rec)
	}
	return rec, nil
}

// Get returns the record, applying lazy expiry.
func (r *Registry) Get(idOrSlug string) (Record, error) {
	r.mu.Lock()
	e, ok := r.lookupLocked(idOrSlug)
	if !ok {
		r.mu.Unlock()
		return Record{}, execerr.NotFound("unknown approval id: %s", idOrSlug)
	}
	changed := r.expireIfDueLocked(e)
	rec := e.record
	r.mu.Unlock()

	if changed {
		r.resolved(rec)
	}
	return rec, nil
}

// Wait blocks until the record is terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, idOrSlug string) (Record, error) {
	r.mu.Lock()
	e, ok := r.lookupLocked(idOrSlug)
	if !ok {
		r.mu.Unlock()
		return Record{}, execerr.NotFound("unknown approval id: %s", idOrSlug)
	}
	done := e.done
	id := e.record.ID
	r.mu.Unlock()

	select {
	case <-done:
		return r.Get(id)
	case <-ctx.Done():
		rec, err := r.Get(id)
		if err == nil && rec.State.Terminal() {
			return rec, nil
		}
		return rec, execerr.Wrap(execerr.KindAborted, ctx.Err(), "approval wait cancelled")
	}
}

// List returns records sorted by creation time. Terminal records are
// included only when includeTerminal is set.
func (r *Registry) List(includeTerminal bool) []Record {
	r.mu.Lock()
	var changed []Record
	out := make([]Record, 0, len(r.records))
	for _, e := range r.records {
		if r.expireIfDueLocked(e) {
			changed = append(changed, e.record)
		}
		if includeTerminal || !e.record.State.Terminal() {
			out = append(out, e.record)
		}
	}
	r.mu.Unlock()

	for _, rec := range changed {
		r.resolved(rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAtMs == out[j].CreatedAtMs {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAtMs < out[j].CreatedAtMs
	})
	return out
}

// PendingCount returns the number of pending records.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.records {
		if e.record.State == StatePending {
			n++
		}
	}
	return n
}

// Sweep expires overdue records and drops terminal records older than the
// retention window. It returns the number of records removed.
func (r *Registry) Sweep() int {
	now := r.now().UnixMilli()
	cutoff := now - r.retention.Milliseconds()

	r.mu.Lock()
	var changed []Record
	removed := 0
	for id, e := range r.records {
		if r.expireIfDueLocked(e) {
			changed = append(changed, e.record)
		}
		if e.record.State.Terminal() && e.record.ResolvedAtMs < cutoff {
			delete(r.records, id)
			delete(r.slugs, e.record.Slug)
			removed++
		}
	}
	r.mu.Unlock()

	for _, rec := range changed {
		r.resolved(rec)
	}
	return removed
}

// Close stops expiry timers and releases waiters with an expired outcome.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var changed []Record
	for _, e := range r.records {
		if r.finishLocked(e, StateExpired, "", "shutdown") {
			changed = append(changed, e.record)
		}
	}
	r.mu.Unlock()

	for _, rec := range changed {
		r.resolved(rec)
	}
}
