package shell

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
)

// LaunchSpec describes a command for a Launcher.
type LaunchSpec struct {
	Command string
	Cwd     string
	Env     map[string]string
	NodeID  string
	PTY     bool
	Timeout time.Duration
}

// Process is a started command.
type Process interface {
	// PID returns the OS process id, or 0 when the host has none to report.
	PID() int
	// Wait blocks until the command exits. A non-nil error means the exit
	// code is not meaningful.
	Wait() (int, error)
}

// Launcher starts commands on an execution host. Output from both streams is
// written to output. Cancelling ctx must terminate the command.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec, output io.Writer) (Process, error)
}

// StartOptions controls a session start.
type StartOptions struct {
	// ID presets the session id. Empty picks a fresh one.
	ID         string
	Command    string
	Cwd        string
	Env        map[string]string
	Host       string
	NodeID     string
	SessionKey string
	PTY        bool
	Timeout    time.Duration
	// Yield bounds how long Start waits before backgrounding. Nil waits for
	// completion; zero backgrounds immediately.
	Yield      *time.Duration
	Background bool
}

// StartResult is either a finished outcome or a running session.
type StartResult struct {
	Session SessionInfo
	Outcome *Outcome
}

// Running reports whether the command is still executing.
func (r StartResult) Running() bool { return r.Outcome == nil }

type abortError struct{ reason string }

func (e *abortError) Error() string { return e.reason }

func abortCause(reason string) error { return &abortError{reason: reason} }

type sessionWriter struct {
	registry *ProcessRegistry
	session  *ProcessSession
}

func (w sessionWriter) Write(p []byte) (int, error) {
	w.registry.AppendOutput(w.session, string(p))
	return len(p), nil
}

// NewSessionID returns an unused short session id.
func (r *ProcessRegistry) NewSessionID() string {
	for {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
		}
		id := hex.EncodeToString(buf)
		if !r.IsSessionIDTaken(id) {
			return id
		}
	}
}

// Start launches a command and applies the yield policy. Spawn failures are
// returned as errors of kind spawn_failed; timeouts and aborts are reported
// in the outcome.
func (r *ProcessRegistry) Start(ctx context.Context, launcher Launcher, opts StartOptions) (StartResult, error) {
	if launcher == nil {
		return StartResult{}, execerr.HostUnavailable("no launcher for host %q", opts.Host)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	stopTimeout := context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		runCtx, stopTimeout = context.WithTimeout(runCtx, opts.Timeout)
	}

	id := opts.ID
	if id == "" || r.IsSessionIDTaken(id) {
		id = r.NewSessionID()
	}
	session := NewProcessSession(id, opts.Command)
	session.Host = opts.Host
	session.NodeID = opts.NodeID
	session.SessionKey = opts.SessionKey
	session.CWD = opts.Cwd
	session.StartedAt = r.now()
	session.cancel = cancel
	session.backgrounded = opts.Background || (opts.Yield != nil && *opts.Yield <= 0)
	r.AddSession(session)

	proc, err := launcher.Launch(runCtx, LaunchSpec{
		Command: opts.Command,
		Cwd:     opts.Cwd,
		Env:     opts.Env,
		NodeID:  opts.NodeID,
		PTY:     opts.PTY,
		Timeout: opts.Timeout,
	}, sessionWriter{registry: r, session: session})
	if err != nil {
		stopTimeout()
		cancel(nil)
		r.mu.Lock()
		session.killed = true
		r.mu.Unlock()
		r.Complete(session, Outcome{Status: ProcessStatusFailed, Reason: err.Error()})
		if errors.Is(err, execerr.ErrHostUnavailable) {
			return StartResult{}, err
		}
		return StartResult{}, execerr.Wrap(execerr.KindSpawn, err, "")
	}
	r.setPID(session, proc.PID())

	go func() {
		code, waitErr := proc.Wait()
		outcome := exitOutcome(runCtx, code, waitErr, opts.Timeout)
		stopTimeout()
		cancel(nil)
		r.Complete(session, outcome)
	}()

	if session.backgrounded {
		return StartResult{Session: r.Info(session)}, nil
	}

	var timer <-chan time.Time
	if opts.Yield != nil {
		t := time.NewTimer(*opts.Yield)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-session.Done():
		return r.finished(session), nil
	case <-timer:
		if r.MarkBackgrounded(session) {
			return StartResult{Session: r.Info(session)}, nil
		}
		<-session.Done()
		return r.finished(session), nil
	case <-ctx.Done():
		r.Kill(session.ID, "aborted")
		<-session.Done()
		return r.finished(session), nil
	}
}

func (r *ProcessRegistry) finished(session *ProcessSession) StartResult {
	info := r.Info(session)
	return StartResult{Session: info, Outcome: info.Outcome}
}

// exitOutcome classifies a process exit. It must run before the run context
// is released.
func exitOutcome(runCtx context.Context, code int, waitErr error, timeout time.Duration) Outcome {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Outcome{Status: ProcessStatusFailed, Reason: fmt.Sprintf("timeout after %s", timeout)}
	case runCtx.Err() != nil:
		reason := "aborted"
		var abort *abortError
		if errors.As(context.Cause(runCtx), &abort) {
			reason = abort.reason
		}
		return Outcome{Status: ProcessStatusAborted, Reason: reason}
	case waitErr != nil:
		return Outcome{Status: ProcessStatusFailed, Reason: waitErr.Error()}
	}
	exit := code
	return Outcome{Status: ProcessStatusCompleted, ExitCode: &exit}
}
