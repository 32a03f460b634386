package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus-exec/internal/observability"
)

// Logger writes audit events asynchronously through a dedicated slog handler.
// A disabled or nil Logger drops everything.
type Logger struct {
	config    Config
	output    io.WriteCloser
	sink      *slog.Logger
	queue     chan *Event
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	// only restricts logging to these types when non-empty.
	only map[EventType]bool
}

// NewLogger opens the configured output and starts the writer.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}
	return newLogger(config, output), nil
}

func newLogger(config Config, output io.WriteCloser) *Logger {
	defaults := DefaultConfig()
	if config.Level == "" {
		config.Level = defaults.Level
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.MaxFieldSize <= 0 {
		config.MaxFieldSize = defaults.MaxFieldSize
	}

	only := make(map[EventType]bool)
	for _, et := range config.EventTypes {
		only[et] = true
	}

	l := &Logger{
		config: config,
		output: output,
		queue:  make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
		only:   only,
	}

	opts := &slog.HandlerOptions{Level: slogLevel(config.Level)}
	var handler slog.Handler
	if config.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	l.sink = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.run()
	return l
}

// Close flushes buffered events and closes file outputs.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled || l.done == nil {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		if l.output != os.Stdout && l.output != os.Stderr {
			err = l.output.Close()
		}
	})
	return err
}

// Log queues an event. When the buffer is full the event is written inline.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil || !l.config.Enabled || event == nil {
		return
	}
	if len(l.only) > 0 && !l.only[event.Type] {
		return
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if !l.enabledFor(event.Level) {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.ClientID == "" {
		event.ClientID = observability.Value(ctx, observability.ClientIDKey)
	}

	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.queue <- event:
	default:
		l.emit(event)
	}
}

// Command returns the command text as it should appear in audit details.
func (l *Logger) Command(command string) (string, string) {
	if l == nil || !l.config.IncludeCommands {
		return "command_hash", fingerprint(command)
	}
	if len(command) > l.config.MaxFieldSize {
		command = command[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return "command", command
}

// ExecRequested records a classified exec request before the policy decision.
func (l *Logger) ExecRequested(ctx context.Context, sessionKey, agentID, host, command string, riskTier int, security, ask string) {
	if l == nil {
		return
	}
	key, value := l.Command(command)
	l.Log(ctx, &Event{
		Type:       EventExecRequested,
		SessionKey: sessionKey,
		AgentID:    agentID,
		Host:       host,
		Action:     "exec_requested",
		Details: map[string]any{
			key:         value,
			"risk_tier": riskTier,
			"security":  security,
			"ask":       ask,
		},
	})
}

// ExecStarted records a spawned command.
func (l *Logger) ExecStarted(ctx context.Context, runID, sessionID, sessionKey, host, nodeID string, pid int) {
	l.Log(ctx, &Event{
		Type:       EventExecStarted,
		RunID:      runID,
		SessionKey: sessionKey,
		Host:       host,
		NodeID:     nodeID,
		Action:     "exec_started",
		Details:    map[string]any{"session_id": sessionID, "pid": pid},
	})
}

// ExecFinished records a command outcome.
func (l *Logger) ExecFinished(ctx context.Context, runID, sessionID, host, status string, exitCode *int, reason string, duration time.Duration) {
	level := LevelInfo
	if status != "completed" {
		level = LevelWarn
	}
	details := map[string]any{"session_id": sessionID, "status": status}
	if exitCode != nil {
		details["exit_code"] = *exitCode
	}
	l.Log(ctx, &Event{
		Type:     EventExecFinished,
		Level:    level,
		RunID:    runID,
		Host:     host,
		Action:   "exec_finished",
		Details:  details,
		Duration: duration,
		Error:    reason,
	})
}

// ExecDenied records a command rejected by policy, approval or abort.
func (l *Logger) ExecDenied(ctx context.Context, sessionKey, host, command, reason string) {
	if l == nil {
		return
	}
	key, value := l.Command(command)
	l.Log(ctx, &Event{
		Type:       EventExecDenied,
		Level:      LevelWarn,
		SessionKey: sessionKey,
		Host:       host,
		Action:     "exec_denied",
		Details:    map[string]any{key: value, "reason": reason},
	})
}

// Approval records an approval transition.
func (l *Logger) Approval(ctx context.Context, eventType EventType, approvalID, state, decision, resolvedBy string) {
	level := LevelInfo
	if eventType == EventApprovalExpired {
		level = LevelWarn
	}
	details := map[string]any{"state": state}
	if decision != "" {
		details["decision"] = decision
	}
	if resolvedBy != "" {
		details["resolved_by"] = resolvedBy
	}
	l.Log(ctx, &Event{
		Type:       eventType,
		Level:      level,
		ApprovalID: approvalID,
		Action:     "approval_" + state,
		Details:    details,
	})
}

// PermissionDenied records an RPC call rejected by authorization.
func (l *Logger) PermissionDenied(ctx context.Context, clientID, method, reason string) {
	l.Log(ctx, &Event{
		Type:     EventPermissionDenied,
		Level:    LevelWarn,
		ClientID: clientID,
		Action:   "permission_denied",
		Details:  map[string]any{"method": method, "reason": reason},
	})
}

// Abort records a session abort or a global panic.
func (l *Logger) Abort(ctx context.Context, eventType EventType, sessionKey, reason string, aborted int) {
	l.Log(ctx, &Event{
		Type:       eventType,
		Level:      LevelWarn,
		SessionKey: sessionKey,
		Action:     string(eventType),
		Details:    map[string]any{"reason": reason, "aborted": aborted},
	})
}

// Node records a pairing decision.
func (l *Logger) Node(ctx context.Context, eventType EventType, nodeID, by string) {
	l.Log(ctx, &Event{
		Type:   eventType,
		NodeID: nodeID,
		Action: string(eventType),
		Details: map[string]any{
			"by": by,
		},
	})
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.queue:
			l.emit(event)
		case <-ticker.C:
			l.drain()
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *Logger) drain() {
	for {
		select {
		case event := <-l.queue:
			l.emit(event)
		default:
			return
		}
	}
}

func (l *Logger) emit(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}
	optional := []struct{ key, value string }{
		{"session_key", event.SessionKey},
		{"agent_id", event.AgentID},
		{"client_id", event.ClientID},
		{"run_id", event.RunID},
		{"approval_id", event.ApprovalID},
		{"host", event.Host},
		{"node_id", event.NodeID},
		{"trace_id", event.TraceID},
		{"error", event.Error},
	}
	for _, kv := range optional {
		if kv.value != "" {
			attrs = append(attrs, kv.key, kv.value)
		}
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	l.sink.Log(context.Background(), slogLevel(event.Level), "audit", attrs...)
}

func (l *Logger) enabledFor(level Level) bool {
	return levelRank(level) >= levelRank(l.config.Level)
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func slogLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fingerprint returns the first 16 hex chars of the SHA-256 of s.
func fingerprint(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
