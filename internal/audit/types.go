// Package audit records security-relevant execution events (approvals,
// command starts and finishes, denials, emergency aborts) as structured lines.
package audit

import "time"

// EventType categorizes audit events.
type EventType string

const (
	// Exec events
	EventExecRequested EventType = "exec.requested"
	EventExecStarted   EventType = "exec.started"
	EventExecFinished  EventType = "exec.finished"
	EventExecDenied    EventType = "exec.denied"

	// Approval events
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalResolved  EventType = "approval.resolved"
	EventApprovalExpired   EventType = "approval.expired"
	EventAllowlistAdded    EventType = "allowlist.added"

	// Access events
	EventPermissionDenied EventType = "permission.denied"
	EventNodePaired       EventType = "node.paired"
	EventNodeRevoked      EventType = "node.revoked"

	// Abort events
	EventSessionAbort EventType = "abort.session"
	EventPanic        EventType = "abort.panic"

	// Gateway events
	EventGatewayStartup  EventType = "gateway.startup"
	EventGatewayShutdown EventType = "gateway.shutdown"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit entry.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`

	// SessionKey groups runs started by the same caller session.
	SessionKey string `json:"session_key,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Host       string `json:"host,omitempty"`
	NodeID     string `json:"node_id,omitempty"`

	Action   string         `json:"action"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Error    string         `json:"error,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level"`

	Format OutputFormat `json:"format" yaml:"format"`

	// Output is "stdout", "stderr" or "file:/path/to/audit.log".
	Output string `json:"output" yaml:"output"`

	// IncludeCommands logs command text. Otherwise only a hash is kept.
	IncludeCommands bool `json:"include_commands" yaml:"include_commands"`

	// MaxFieldSize limits the size of logged command text.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `json:"event_types" yaml:"event_types"`

	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns the audit defaults.
func DefaultConfig() Config {
	return Config{
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
