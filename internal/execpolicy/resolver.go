package execpolicy

import (
	"fmt"

	"github.com/haasonsaas/nexus-exec/internal/exec"
)

// Defaults are the configured policy values for an agent.
type Defaults struct {
	Host     Host     `json:"host,omitempty" yaml:"host"`
	Security Security `json:"security,omitempty" yaml:"security"`
	Ask      Ask      `json:"ask,omitempty" yaml:"ask"`
}

// Requested are the per-call values. Empty fields are unset.
type Requested struct {
	Host     Host
	Security Security
	Ask      Ask
}

// Resolution is the effective policy for one request.
type Resolution struct {
	Host     Host         `json:"host"`
	Security Security     `json:"security"`
	Ask      Ask          `json:"ask"`
	Elevated ElevatedMode `json:"elevated,omitempty"`
}

// ResolveSecurity returns min(configured, requested). An unset request keeps
// the configured level.
func ResolveSecurity(configured, requested Security) Security {
	if requested == "" {
		return MinSecurity(configured, configured)
	}
	return MinSecurity(configured, requested)
}

// ResolveAsk returns max(configured, requested). An unset request keeps the
// configured policy.
func ResolveAsk(configured, requested Ask) Ask {
	if requested == "" {
		return MaxAsk(configured, configured)
	}
	return MaxAsk(configured, requested)
}

// Resolve computes the effective host, security and ask for a request.
func Resolve(req Requested, defaults Defaults, elevated ElevatedMode) Resolution {
	res := Resolution{
		Host:     defaults.Host,
		Security: ResolveSecurity(defaults.Security, req.Security),
		Ask:      ResolveAsk(defaults.Ask, req.Ask),
		Elevated: elevated,
	}
	if req.Host != "" {
		res.Host = req.Host
	}
	if res.Host == "" {
		res.Host = HostSandbox
	}

	switch elevated {
	case ElevatedFull:
		res.Host = HostGateway
		res.Security = SecurityFull
		res.Ask = AskOff
	case ElevatedAsk, ElevatedOn:
		res.Host = HostGateway
		res.Ask = MaxAsk(res.Ask, AskOnMiss)
	default:
		res.Elevated = ElevatedOff
	}
	return res
}

// RequiresApproval reports whether a human must approve a command.
func RequiresApproval(ask Ask, security Security, analysisOK, allowlistSatisfied bool) bool {
	switch ask {
	case AskOff:
		return false
	case AskAlways:
		return true
	}
	if security == SecurityFull {
		return false
	}
	if security == SecurityAllowlist && analysisOK && allowlistSatisfied {
		return false
	}
	return true
}

// Decision is the outcome of applying a resolution to an evaluated command.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requiresApproval"`
	Reason           string `json:"reason,omitempty"`
}

// Decide combines the resolution, the allowlist evaluation and the risk
// assessment. A critical command never counts as allowlisted, so the
// allowlist alone cannot let it run.
func Decide(res Resolution, eval Evaluation, risk exec.Assessment) Decision {
	if res.Security == SecurityDeny {
		return Decision{Reason: fmt.Sprintf("exec denied: host=%s security=deny", res.Host)}
	}

	satisfied := eval.AllowlistSatisfied
	reason := eval.Reason
	if satisfied && risk.Tier >= exec.RiskCritical && res.Security != SecurityFull {
		satisfied = false
		reason = "critical-risk command requires approval"
	}

	if RequiresApproval(res.Ask, res.Security, eval.AnalysisOK, satisfied) {
		return Decision{Allowed: true, RequiresApproval: true, Reason: reason}
	}
	if res.Security == SecurityAllowlist && (!eval.AnalysisOK || !satisfied) {
		if reason == "" {
			reason = "allowlist miss"
		}
		return Decision{Reason: "exec denied: " + reason}
	}
	return Decision{Allowed: true, Reason: reason}
}
