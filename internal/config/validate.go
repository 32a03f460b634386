package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

// CurrentVersion is the only configuration format this build reads.
const CurrentVersion = 1

// ErrUnsupportedVersion is wrapped when the version field is not CurrentVersion.
var ErrUnsupportedVersion = errors.New("unsupported config version")

func checkVersion(version int) error {
	switch {
	case version == CurrentVersion:
		return nil
	case version > CurrentVersion:
		return fmt.Errorf("%w %d: this build reads version %d, upgrade nexus-exec", ErrUnsupportedVersion, version, CurrentVersion)
	default:
		return fmt.Errorf("%w %d", ErrUnsupportedVersion, version)
	}
}

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := checkVersion(cfg.Version); err != nil {
		return err
	}

	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		add("server.http_port %d out of range", cfg.Server.HTTPPort)
	}

	d := cfg.Exec.Defaults
	if d.Host != "" && !d.Host.Valid() {
		add("exec.defaults.host %q must be sandbox, gateway or node", d.Host)
	}
	if !d.Security.Valid() {
		add("exec.defaults.security %q must be deny, allowlist or full", d.Security)
	}
	if !d.Ask.Valid() {
		add("exec.defaults.ask %q must be off, on-miss or always", d.Ask)
	}
	if _, err := execpolicy.ParseElevatedMode(string(cfg.Exec.Elevated)); err != nil {
		add("exec.elevated: %v", err)
	}
	for _, pattern := range cfg.Exec.Allowlist {
		if err := execpolicy.ValidatePattern(pattern); err != nil {
			add("exec.allowlist %q: %v", pattern, err)
		}
	}
	if cfg.Exec.Timeout < 0 || cfg.Exec.SessionTTL < 0 {
		add("exec durations must not be negative")
	}
	if _, err := cron.ParseStandard(cfg.Exec.MaintenanceSchedule); err != nil {
		add("exec.maintenance_schedule %q: %v", cfg.Exec.MaintenanceSchedule, err)
	}

	for i, tok := range cfg.Auth.Tokens {
		if strings.TrimSpace(tok.Token) == "" {
			add("auth.tokens[%d].token is required", i)
		}
		role := rbac.ParseRole(tok.Role)
		if role != rbac.RoleOperator && role != rbac.RoleNode {
			add("auth.tokens[%d].role %q must be operator or node", i, tok.Role)
			continue
		}
		if role == rbac.RoleNode && strings.TrimSpace(tok.NodeID) == "" {
			add("auth.tokens[%d].node_id is required for node tokens", i)
		}
	}
	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 32 {
		add("auth.jwt_secret must be at least 32 bytes")
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		add("metrics.path %q must start with /", cfg.Metrics.Path)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
