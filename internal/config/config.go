package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/audit"
	"github.com/haasonsaas/nexus-exec/internal/auth"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
	"github.com/haasonsaas/nexus-exec/internal/hosts"
	"github.com/haasonsaas/nexus-exec/internal/observability"
)

// Config is the gateway configuration file.
type Config struct {
	Version int                       `yaml:"version"`
	Server  ServerConfig              `yaml:"server"`
	Auth    auth.Config               `yaml:"auth"`
	Exec    ExecConfig                `yaml:"exec"`
	Nodes   NodesConfig               `yaml:"nodes"`
	Logging observability.LogConfig   `yaml:"logging"`
	Metrics MetricsConfig             `yaml:"metrics"`
	Tracing observability.TraceConfig `yaml:"tracing"`
	Audit   audit.Config              `yaml:"audit"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// AllowedOrigins restricts browser WebSocket origins. Empty allows
	// non-browser clients and same-host origins only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ExecConfig controls policy defaults and process handling.
type ExecConfig struct {
	// ApprovalsPath is the JSON5 approvals file holding per-agent allowlists.
	ApprovalsPath string `yaml:"approvals_path"`

	// WatchApprovals reloads the approvals file when it changes on disk.
	WatchApprovals bool `yaml:"watch_approvals"`

	Defaults  execpolicy.Defaults `yaml:"defaults"`
	Allowlist []string            `yaml:"allowlist"`
	SafeBins  []string            `yaml:"safe_bins"`

	// Elevated is the mode applied to requests that ask for elevation:
	// off rejects them, on and ask require approval, full bypasses policy.
	Elevated execpolicy.ElevatedMode `yaml:"elevated"`

	Timeout           time.Duration `yaml:"timeout"`
	ApprovalRetention time.Duration `yaml:"approval_retention"`
	SessionTTL        time.Duration `yaml:"session_ttl"`

	// MaintenanceSchedule is a cron spec for approval sweeps and session pruning.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`

	Hosts hosts.Config `yaml:"hosts"`
}

type NodesConfig struct {
	// AutoApprove lists node ids paired without operator approval.
	AutoApprove   []string      `yaml:"auto_approve"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads, merges, decodes, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	doc, err := readTree(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(doc)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, as used when
// no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 18790
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if cfg.Exec.ApprovalsPath == "" {
		cfg.Exec.ApprovalsPath = execpolicy.DefaultApprovalsPath
	}
	if cfg.Exec.Defaults.Security == "" {
		cfg.Exec.Defaults.Security = execpolicy.SecurityAllowlist
	}
	if cfg.Exec.Defaults.Ask == "" {
		cfg.Exec.Defaults.Ask = execpolicy.AskOnMiss
	}
	if cfg.Exec.Elevated == "" {
		cfg.Exec.Elevated = execpolicy.ElevatedAsk
	}
	if cfg.Exec.Timeout == 0 {
		cfg.Exec.Timeout = 30 * time.Minute
	}
	if cfg.Exec.ApprovalRetention == 0 {
		cfg.Exec.ApprovalRetention = 10 * time.Minute
	}
	if cfg.Exec.SessionTTL == 0 {
		cfg.Exec.SessionTTL = 30 * time.Minute
	}
	if cfg.Exec.MaintenanceSchedule == "" {
		cfg.Exec.MaintenanceSchedule = "@every 30s"
	}

	if cfg.Nodes.InvokeTimeout == 0 {
		cfg.Nodes.InvokeTimeout = 30 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "nexus-exec"
	}

	auditDefaults := audit.DefaultConfig()
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = auditDefaults.Level
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = auditDefaults.Format
	}
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = auditDefaults.Output
	}
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}
