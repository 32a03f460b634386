// Package hosts selects the execution host for a command and launches it
// there: the gateway itself, a sandbox container, or a paired node.
package hosts

import (
	"log/slog"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
	"github.com/haasonsaas/nexus-exec/internal/shell"
)

// Config configures the execution hosts.
type Config struct {
	// Shell runs gateway commands.
	Shell string `yaml:"shell"`

	// SandboxContainer enables host=sandbox when set.
	SandboxContainer string `yaml:"sandbox_container"`
	SandboxWorkdir   string `yaml:"sandbox_workdir"`
	Docker           string `yaml:"docker"`
}

// Router maps hosts to launchers.
type Router struct {
	launchers map[execpolicy.Host]shell.Launcher
	logger    *slog.Logger
}

// NewRouter builds the launchers available under cfg. host=node is available
// when invoker is not nil.
func NewRouter(cfg Config, invoker NodeInvoker, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		launchers: map[execpolicy.Host]shell.Launcher{
			execpolicy.HostGateway: &GatewayLauncher{Shell: cfg.Shell},
		},
		logger: logger.With("component", "hosts"),
	}
	if cfg.SandboxContainer != "" {
		r.launchers[execpolicy.HostSandbox] = &SandboxLauncher{
			Container: cfg.SandboxContainer,
			Docker:    cfg.Docker,
			Workdir:   cfg.SandboxWorkdir,
		}
	}
	if invoker != nil {
		r.launchers[execpolicy.HostNode] = &NodeLauncher{Invoker: invoker}
	}
	return r
}

// SetLauncher replaces the launcher of a host.
func (r *Router) SetLauncher(host execpolicy.Host, l shell.Launcher) {
	if l == nil {
		delete(r.launchers, host)
		return
	}
	r.launchers[host] = l
}

// Select returns the launcher for host.
func (r *Router) Select(host execpolicy.Host) (shell.Launcher, error) {
	l, ok := r.launchers[host]
	if !ok {
		r.logger.Debug("host unavailable", "host", host)
		return nil, execerr.HostUnavailable("host %s is not available", host)
	}
	return l, nil
}

// Available reports whether host has a launcher.
func (r *Router) Available(host execpolicy.Host) bool {
	_, ok := r.launchers[host]
	return ok
}

// DefaultHost is the sandbox when one is configured, else the gateway.
func (r *Router) DefaultHost() execpolicy.Host {
	if r.Available(execpolicy.HostSandbox) {
		return execpolicy.HostSandbox
	}
	return execpolicy.HostGateway
}
