// Package nodehost is the agent that runs on a paired node. It keeps a
// WebSocket session to the gateway, answers invoke requests and reconnects
// with backoff when the session drops.
package nodehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os/exec"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
	"github.com/haasonsaas/nexus-exec/internal/gatewayclient"
	"github.com/haasonsaas/nexus-exec/internal/hosts"
	"github.com/haasonsaas/nexus-exec/internal/nodes"
	"github.com/haasonsaas/nexus-exec/internal/shell"
)

// ErrRevoked stops Run when the gateway revokes this node.
var ErrRevoked = errors.New("node pairing revoked")

// Config configures a node host.
type Config struct {
	// URL is the gateway WebSocket endpoint.
	URL         string
	Token       string
	NodeID      string
	DisplayName string
	Version     string

	// Shell runs system.run commands. Defaults to /bin/sh.
	Shell string

	// Policy, when set, is checked before running anything: security=deny
	// refuses every command and security=allowlist refuses misses.
	Policy *execpolicy.Store

	MaxConcurrent  int
	MaxOutputChars int

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Host answers gateway invokes on this machine.
type Host struct {
	cfg      Config
	logger   *slog.Logger
	launcher shell.Launcher
	sem      chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New builds a host. Launcher defaults to a local shell.
func New(cfg Config, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = 200_000
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Host{
		cfg:      cfg,
		logger:   logger.With("component", "nodehost", "node_id", cfg.NodeID),
		launcher: &hosts.GatewayLauncher{Shell: cfg.Shell},
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// SetLauncher replaces the local launcher.
func (h *Host) SetLauncher(l shell.Launcher) { h.launcher = l }

// Capabilities lists the invoke commands this host answers.
func Capabilities() []string {
	return []string{string(nodes.CapSystemRun), string(nodes.CapSystemWhich), string(nodes.CapSystemRunCancel)}
}

// Run connects and serves until ctx ends or the node is revoked.
func (h *Host) Run(ctx context.Context) error {
	attempt := 0
	for {
		client, err := gatewayclient.Dial(ctx, gatewayclient.Options{
			URL:         h.cfg.URL,
			Token:       h.cfg.Token,
			Role:        "node",
			ClientID:    h.cfg.NodeID,
			DisplayName: h.cfg.DisplayName,
			Version:     h.cfg.Version,
			Caps:        Capabilities(),
			Logger:      h.logger,
		})
		if err == nil {
			attempt = 0
			h.logger.Info("connected to gateway", "url", h.cfg.URL)
			err = h.Serve(ctx, client)
			_ = client.Close()
			if errors.Is(err, ErrRevoked) {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := reconnectDelay(h.cfg.ReconnectMin, h.cfg.ReconnectMax, attempt, rand.Float64()) // #nosec G404 -- jitter only
		h.logger.Warn("gateway session ended; reconnecting", "error", err, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// reconnectDelay doubles from lo per attempt, adds up to 10% jitter and
// clamps to hi.
func reconnectDelay(lo, hi time.Duration, attempt int, jitter float64) time.Duration {
	base := float64(lo) * math.Pow(2, math.Max(float64(attempt-1), 0))
	total := math.Min(float64(hi), base+base*0.1*jitter)
	return time.Duration(total)
}

// Serve handles events from one gateway session until it ends.
func (h *Host) Serve(ctx context.Context, client *gatewayclient.Client) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer h.cancelAll(errors.New("gateway session ended"))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-client.Events():
			if !ok {
				if err := client.Err(); err != nil {
					return err
				}
				return gatewayclient.ErrClosed
			}
			switch evt.Name {
			case "node.invoke.request":
				var req nodes.InvokeRequest
				if err := json.Unmarshal(evt.Payload, &req); err != nil {
					h.logger.Warn("bad invoke request", "error", err)
					continue
				}
				h.dispatch(ctx, &wg, client, req)
			case "node.revoked":
				h.logger.Warn("pairing revoked by gateway")
				return ErrRevoked
			}
		}
	}
}

// dispatch runs req on its own goroutine. Cancels bypass the concurrency
// limit so they can reach a saturated host.
func (h *Host) dispatch(ctx context.Context, wg *sync.WaitGroup, client *gatewayclient.Client, req nodes.InvokeRequest) {
	limited := req.Command != string(nodes.CapSystemRunCancel)
	if limited {
		select {
		case h.sem <- struct{}{}:
		default:
			h.reply(ctx, client, failure(req, "busy", "node host overloaded"))
			return
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if limited {
			defer func() { <-h.sem }()
		}
		h.reply(ctx, client, h.Handle(ctx, req))
	}()
}

func (h *Host) reply(ctx context.Context, client *gatewayclient.Client, res nodes.InvokeResult) {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Call(callCtx, "node.invoke.result", res, nil); err != nil {
		h.logger.Warn("failed to send invoke result", "invoke_id", res.ID, "error", err)
	}
}

// Handle runs one invoke and builds its result.
func (h *Host) Handle(ctx context.Context, req nodes.InvokeRequest) nodes.InvokeResult {
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	var (
		payload any
		err     error
	)
	switch req.Command {
	case string(nodes.CapSystemRun):
		payload, err = h.systemRun(ctx, req.Params)
	case string(nodes.CapSystemWhich):
		payload, err = systemWhich(req.Params)
	case string(nodes.CapSystemRunCancel):
		payload, err = h.systemRunCancel(req.Params)
	default:
		return failure(req, "unsupported", fmt.Sprintf("unsupported command %q", req.Command))
	}
	if err != nil {
		return failure(req, string(execerr.KindOf(err)), execerr.Message(err))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return failure(req, string(execerr.KindInternal), err.Error())
	}
	return nodes.InvokeResult{ID: req.ID, OK: true, Payload: raw}
}

func failure(req nodes.InvokeRequest, code, message string) nodes.InvokeResult {
	return nodes.InvokeResult{ID: req.ID, Error: &nodes.InvokeError{Code: code, Message: message}}
}

func (h *Host) systemRun(ctx context.Context, raw json.RawMessage) (nodes.RunPayload, error) {
	var params nodes.RunParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nodes.RunPayload{}, execerr.Wrap(execerr.KindValidation, err, "invalid system.run params")
	}
	if params.Command == "" {
		return nodes.RunPayload{}, execerr.Validation("command is required")
	}
	if err := h.checkPolicy(params); err != nil {
		return nodes.RunPayload{}, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if params.TimeoutMs > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, time.Duration(params.TimeoutMs)*time.Millisecond)
		defer stop()
	}
	if params.SessionID != "" {
		h.track(params.SessionID, cancel)
		defer h.untrack(params.SessionID)
	}

	var out lockedBuffer
	start := time.Now()
	proc, err := h.launcher.Launch(runCtx, shell.LaunchSpec{
		Command: params.Command,
		Cwd:     params.Cwd,
		Env:     params.Env,
		Timeout: time.Duration(params.TimeoutMs) * time.Millisecond,
	}, &out)
	if err != nil {
		return nodes.RunPayload{}, execerr.Wrap(execerr.KindSpawn, err, "spawn")
	}
	h.logger.Info("system.run started", "session_id", params.SessionID, "pid", proc.PID())

	code, waitErr := proc.Wait()
	payload := nodes.RunPayload{
		ExitCode:   code,
		Output:     shell.TrimWithCap(out.String(), h.cfg.MaxOutputChars),
		DurationMs: time.Since(start).Milliseconds(),
	}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		payload.TimedOut = true
	case context.Cause(runCtx) != nil && runCtx.Err() != nil:
		payload.Error = "aborted: " + context.Cause(runCtx).Error()
	case waitErr != nil:
		payload.Error = waitErr.Error()
	}
	return payload, nil
}

func (h *Host) checkPolicy(params nodes.RunParams) error {
	if h.cfg.Policy == nil {
		return nil
	}
	policy := h.cfg.Policy.Resolve("")
	switch policy.Defaults.Security {
	case execpolicy.SecurityDeny:
		return execerr.New(execerr.KindDenied, "exec denied by node policy")
	case execpolicy.SecurityAllowlist:
		eval := execpolicy.Evaluate(params.Command, policy.Allowlist, policy.SafeBins, params.Cwd, params.Env)
		if !eval.AnalysisOK || !eval.AllowlistSatisfied {
			reason := eval.Reason
			if reason == "" {
				reason = "allowlist miss"
			}
			return execerr.New(execerr.KindDenied, "exec denied by node policy: %s", reason)
		}
	}
	return nil
}

func (h *Host) systemRunCancel(raw json.RawMessage) (map[string]any, error) {
	var params nodes.CancelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, err, "invalid system.run.cancel params")
	}
	reason := params.Reason
	if reason == "" {
		reason = "cancelled"
	}
	h.mu.Lock()
	cancel, ok := h.running[params.SessionID]
	h.mu.Unlock()
	if ok {
		cancel(errors.New(reason))
		h.logger.Info("system.run cancelled", "session_id", params.SessionID, "reason", reason)
	}
	return map[string]any{"sessionId": params.SessionID, "cancelled": ok}, nil
}

func systemWhich(raw json.RawMessage) (map[string]any, error) {
	var params struct {
		Bins []string `json:"bins"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, execerr.Wrap(execerr.KindValidation, err, "invalid system.which params")
		}
	}
	found := make(map[string]string, len(params.Bins))
	for _, bin := range params.Bins {
		if path, err := exec.LookPath(bin); err == nil {
			found[bin] = path
		}
	}
	return map[string]any{"bins": found}, nil
}

func (h *Host) track(sessionID string, cancel context.CancelCauseFunc) {
	h.mu.Lock()
	h.running[sessionID] = cancel
	h.mu.Unlock()
}

func (h *Host) untrack(sessionID string) {
	h.mu.Lock()
	delete(h.running, sessionID)
	h.mu.Unlock()
}

func (h *Host) cancelAll(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.running {
		cancel(cause)
	}
}

// Running returns the number of system.run commands in flight.
func (h *Host) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
