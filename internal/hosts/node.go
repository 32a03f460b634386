package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/nodes"
	"github.com/haasonsaas/nexus-exec/internal/shell"
)

// NodeInvoker is the gateway side of the node transport.
type NodeInvoker interface {
	Resolve(ctx context.Context, id nodes.NodeID) (*nodes.Node, error)
	Invoke(ctx context.Context, id nodes.NodeID, command string, params any) (nodes.InvokeResult, error)
}

// DefaultCancelTimeout bounds the cancel invoke sent when a node run is
// aborted.
const DefaultCancelTimeout = 5 * time.Second

// NodeLauncher runs commands on a paired node with system.run. Output is
// delivered when the node reports the result.
type NodeLauncher struct {
	Invoker       NodeInvoker
	CancelTimeout time.Duration
}

// Launch checks that the node can take the command and starts the invoke.
func (l *NodeLauncher) Launch(ctx context.Context, spec shell.LaunchSpec, output io.Writer) (shell.Process, error) {
	if l.Invoker == nil {
		return nil, execerr.HostUnavailable("node transport not configured")
	}
	if spec.NodeID == "" {
		return nil, execerr.HostUnavailable("host=node requires a node id")
	}
	id := nodes.NodeID(spec.NodeID)
	if _, err := l.Invoker.Resolve(ctx, id); err != nil {
		return nil, err
	}

	p := &nodeProcess{done: make(chan struct{})}
	params := nodes.RunParams{
		Command:   spec.Command,
		Cwd:       spec.Cwd,
		Env:       spec.Env,
		TimeoutMs: spec.Timeout.Milliseconds(),
		SessionID: uuid.NewString(),
	}
	go l.run(ctx, id, params, output, p)
	return p, nil
}

func (l *NodeLauncher) run(ctx context.Context, id nodes.NodeID, params nodes.RunParams, output io.Writer, p *nodeProcess) {
	defer close(p.done)
	p.code = -1

	res, err := l.Invoker.Invoke(ctx, id, string(nodes.CapSystemRun), params)
	if err != nil {
		if ctx.Err() != nil {
			l.cancelRemote(id, params.SessionID, context.Cause(ctx))
		}
		p.err = err
		return
	}
	if !res.OK {
		if res.Error != nil {
			p.err = res.Error
		} else {
			p.err = errors.New("node reported failure")
		}
		return
	}

	var payload nodes.RunPayload
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		p.err = execerr.Wrap(execerr.KindInternal, err, "decode node result")
		return
	}
	if payload.Output != "" {
		_, _ = io.WriteString(output, payload.Output)
	}
	switch {
	case payload.TimedOut:
		p.err = execerr.New(execerr.KindTimeout, "timed out on node %s", id)
	case payload.Error != "":
		p.err = errors.New(payload.Error)
	default:
		p.code = payload.ExitCode
	}
}

func (l *NodeLauncher) cancelRemote(id nodes.NodeID, sessionID string, cause error) {
	timeout := l.CancelTimeout
	if timeout <= 0 {
		timeout = DefaultCancelTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reason := "aborted"
	if cause != nil {
		reason = cause.Error()
	}
	_, _ = l.Invoker.Invoke(ctx, id, string(nodes.CapSystemRunCancel), nodes.CancelParams{SessionID: sessionID, Reason: reason})
}

type nodeProcess struct {
	done chan struct{}
	code int
	err  error
}

// PID is always zero: the process lives on another machine.
func (p *nodeProcess) PID() int { return 0 }

func (p *nodeProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}
