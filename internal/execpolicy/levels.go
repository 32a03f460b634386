// Package execpolicy decides whether a shell command may run unattended,
// needs human approval, or is denied.
package execpolicy

import (
	"fmt"
	"strings"
)

// Host selects where a command executes.
type Host string

const (
	HostSandbox Host = "sandbox"
	HostGateway Host = "gateway"
	HostNode    Host = "node"
)

// Security is the exec security level. Levels are ordered deny < allowlist < full.
type Security string

const (
	// SecurityDeny blocks every command.
	SecurityDeny Security = "deny"
	// SecurityAllowlist runs commands matching the allowlist.
	SecurityAllowlist Security = "allowlist"
	// SecurityFull runs any command.
	SecurityFull Security = "full"
)

// Ask controls when a human is asked. Policies are ordered off < on-miss < always.
type Ask string

const (
	AskOff    Ask = "off"
	AskOnMiss Ask = "on-miss"
	AskAlways Ask = "always"
)

// ElevatedMode is the elevated-execution context of a request.
type ElevatedMode string

const (
	ElevatedOff  ElevatedMode = "off"
	ElevatedOn   ElevatedMode = "on"
	ElevatedAsk  ElevatedMode = "ask"
	ElevatedFull ElevatedMode = "full"
)

func (s Security) rank() int {
	switch s {
	case SecurityDeny:
		return 0
	case SecurityAllowlist:
		return 1
	case SecurityFull:
		return 2
	default:
		return -1
	}
}

func (a Ask) rank() int {
	switch a {
	case AskOff:
		return 0
	case AskOnMiss:
		return 1
	case AskAlways:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known level.
func (s Security) Valid() bool { return s.rank() >= 0 }

// Valid reports whether a is a known policy.
func (a Ask) Valid() bool { return a.rank() >= 0 }

// Valid reports whether h is a known host.
func (h Host) Valid() bool {
	switch h {
	case HostSandbox, HostGateway, HostNode:
		return true
	}
	return false
}

// MinSecurity returns the more restrictive level. Unknown levels lose to
// known ones and two unknown levels resolve to deny.
func MinSecurity(a, b Security) Security {
	switch {
	case !a.Valid() && !b.Valid():
		return SecurityDeny
	case !a.Valid():
		return b
	case !b.Valid():
		return a
	case a.rank() <= b.rank():
		return a
	default:
		return b
	}
}

// MaxAsk returns the stricter ask policy. Unknown policies lose to known ones
// and two unknown policies resolve to always.
func MaxAsk(a, b Ask) Ask {
	switch {
	case !a.Valid() && !b.Valid():
		return AskAlways
	case !a.Valid():
		return b
	case !b.Valid():
		return a
	case a.rank() >= b.rank():
		return a
	default:
		return b
	}
}

// ParseHost parses a host name. The empty string yields "".
func ParseHost(value string) (Host, error) {
	h := Host(strings.ToLower(strings.TrimSpace(value)))
	if h == "" || h.Valid() {
		return h, nil
	}
	return "", fmt.Errorf("invalid exec host %q", value)
}

// ParseSecurity parses a security level. The empty string yields "".
func ParseSecurity(value string) (Security, error) {
	s := Security(strings.ToLower(strings.TrimSpace(value)))
	if s == "" || s.Valid() {
		return s, nil
	}
	return "", fmt.Errorf("invalid exec security %q", value)
}

// ParseAsk parses an ask policy. The empty string yields "".
func ParseAsk(value string) (Ask, error) {
	a := Ask(strings.ToLower(strings.TrimSpace(value)))
	if a == "" || a.Valid() {
		return a, nil
	}
	return "", fmt.Errorf("invalid exec ask %q", value)
}

// ParseElevatedMode parses an elevated mode. The empty string yields off.
func ParseElevatedMode(value string) (ElevatedMode, error) {
	switch m := ElevatedMode(strings.ToLower(strings.TrimSpace(value))); m {
	case "":
		return ElevatedOff, nil
	case ElevatedOff, ElevatedOn, ElevatedAsk, ElevatedFull:
		return m, nil
	}
	return "", fmt.Errorf("invalid elevated mode %q", value)
}
