package hosts

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/shell"
)

// DefaultShell runs gateway commands.
const DefaultShell = "/bin/sh"

// DefaultWaitDelay bounds how long Wait blocks for output pipes after the
// process is killed.
const DefaultWaitDelay = 2 * time.Second

// GatewayLauncher runs commands on the gateway host.
type GatewayLauncher struct {
	Shell     string
	WaitDelay time.Duration
}

// Launch starts spec.Command with the shell in -c mode. The request env is
// merged over the gateway's environment.
func (l *GatewayLauncher) Launch(ctx context.Context, spec shell.LaunchSpec, output io.Writer) (shell.Process, error) {
	sh := l.Shell
	if sh == "" {
		sh = DefaultShell
	}
	cmd := exec.CommandContext(ctx, sh, "-c", spec.Command)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	if len(spec.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), spec.Env)
	}
	return start(cmd, output, l.WaitDelay)
}

// SandboxLauncher runs commands inside a long-lived container with
// docker exec.
type SandboxLauncher struct {
	Container string
	// Docker is the docker CLI binary.
	Docker    string
	Workdir   string
	WaitDelay time.Duration
}

// Launch execs spec.Command in the sandbox container.
func (l *SandboxLauncher) Launch(ctx context.Context, spec shell.LaunchSpec, output io.Writer) (shell.Process, error) {
	cmd := exec.CommandContext(ctx, l.dockerBinary(), l.args(spec)...)
	return start(cmd, output, l.WaitDelay)
}

func (l *SandboxLauncher) dockerBinary() string {
	if l.Docker == "" {
		return "docker"
	}
	return l.Docker
}

func (l *SandboxLauncher) args(spec shell.LaunchSpec) []string {
	args := []string{"exec", "-i"}
	workdir := spec.Cwd
	if workdir == "" {
		workdir = l.Workdir
	}
	if workdir != "" {
		args = append(args, "-w", workdir)
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	return append(args, l.Container, "sh", "-c", spec.Command)
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func start(cmd *exec.Cmd, output io.Writer, waitDelay time.Duration) (shell.Process, error) {
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}
	cmd.Stdout = output
	cmd.Stderr = output
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd}, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
