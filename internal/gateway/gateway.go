// Package gateway is the policy-gated exec control plane. It owns the
// approval, process, run and node registries, authorizes every RPC against
// the caller's role and scopes, and fans notifications out to connected
// clients through an event hub.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/nexus-exec/internal/approvals"
	"github.com/haasonsaas/nexus-exec/internal/audit"
	"github.com/haasonsaas/nexus-exec/internal/auth"
	"github.com/haasonsaas/nexus-exec/internal/config"
	"github.com/haasonsaas/nexus-exec/internal/events"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
	"github.com/haasonsaas/nexus-exec/internal/hosts"
	"github.com/haasonsaas/nexus-exec/internal/nodes"
	"github.com/haasonsaas/nexus-exec/internal/observability"
	"github.com/haasonsaas/nexus-exec/internal/rbac"
	"github.com/haasonsaas/nexus-exec/internal/runs"
	"github.com/haasonsaas/nexus-exec/internal/shell"
)

// Options wires a Gateway. Only Config is required.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Auth    *auth.Service
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Audit   *audit.Logger

	// Store overrides the approvals store built from Config.Exec.
	Store *execpolicy.Store

	// NodeStore persists node pairing. Defaults to an in-memory store.
	NodeStore nodes.Store

	// Launchers replaces host launchers after the router is built.
	Launchers map[execpolicy.Host]shell.Launcher

	Now func() time.Time
}

// Conn is an authenticated caller of the gateway.
type Conn struct {
	ID     string
	Client rbac.Client
}

// runOwner ties a process session to the connection and run that started it.
type runOwner struct {
	connID     string
	runID      string
	sessionKey string
	host       execpolicy.Host
	approvalID string
	tier       int
	warning    string
}

// Gateway is the exec control plane.
type Gateway struct {
	config  *config.Config
	logger  *slog.Logger
	auth    *auth.Service
	metrics *observability.Metrics
	tracer  *observability.Tracer
	audit   *audit.Logger
	store   *execpolicy.Store

	approvals *approvals.Registry
	processes *shell.ProcessRegistry
	runs      *runs.Registry
	nodes     *nodes.Registry
	router    *hosts.Router
	hub       *events.Hub
	cron      *cron.Cron
	handlers  map[string]handlerFunc

	ownersMu sync.Mutex
	owners   map[string]runOwner

	id        string
	now       func() time.Time
	startedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a gateway from opts. Call Start to load the approvals file and
// begin maintenance.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	authService := opts.Auth
	if authService == nil {
		authService = auth.NewService(cfg.Auth)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		auth:      authService,
		metrics:   opts.Metrics,
		tracer:    tracer,
		audit:     opts.Audit,
		store:     opts.Store,
		owners:    make(map[string]runOwner),
		id:        uuid.NewString(),
		now:       now,
		startedAt: now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if g.store == nil {
		g.store = execpolicy.NewStore(execpolicy.StoreConfig{
			Path:      cfg.Exec.ApprovalsPath,
			Defaults:  cfg.Exec.Defaults,
			Allowlist: cfg.Exec.Allowlist,
			SafeBins:  cfg.Exec.SafeBins,
			Logger:    logger,
			Now:       now,
		})
	}

	g.hub = events.NewHub(
		events.WithLogger(logger),
		events.WithDropHook(func(events.Event) { g.metrics.RecordDroppedEvent() }),
	)

	g.approvals = approvals.NewRegistry(
		approvals.WithRetention(cfg.Exec.ApprovalRetention),
		approvals.WithNow(now),
		approvals.WithNotifier(approvalNotifier{g}),
		approvals.WithLogger(logger),
	)

	g.runs = runs.NewRegistry(
		runs.WithNotifier(runNotifier{g}),
		runs.WithLogger(logger),
		runs.WithNow(now),
	)

	g.processes = shell.NewProcessRegistry(logger)
	if cfg.Exec.SessionTTL > 0 {
		g.processes.SetJobTTL(cfg.Exec.SessionTTL)
	}
	g.processes.SetExitHook(g.sessionExited)

	nodeStore := opts.NodeStore
	if nodeStore == nil {
		nodeStore = nodes.NewMemoryStore()
	}
	nodeCfg := nodes.DefaultRegistryConfig()
	if cfg.Nodes.InvokeTimeout > 0 {
		nodeCfg.InvokeTimeout = cfg.Nodes.InvokeTimeout
	}
	for _, id := range cfg.Nodes.AutoApprove {
		nodeCfg.AutoApprove = append(nodeCfg.AutoApprove, nodes.NodeID(id))
	}
	g.nodes = nodes.NewRegistry(nodeStore, nodeCfg, logger)
	g.nodes.SetListener(nodeListener{g})

	g.router = hosts.NewRouter(cfg.Exec.Hosts, g.nodes, logger)
	for host, launcher := range opts.Launchers {
		g.router.SetLauncher(host, launcher)
	}

	if err := initSchemas(); err != nil {
		cancel()
		return nil, fmt.Errorf("compile rpc schemas: %w", err)
	}
	g.handlers = g.buildHandlers()
	return g, nil
}

// Start loads the approvals file, optionally watches it and schedules
// maintenance.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.store.Load(); err != nil {
		return fmt.Errorf("load exec approvals: %w", err)
	}
	if g.config.Exec.WatchApprovals && g.store.Path() != "" {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.store.Watch(g.ctx); err != nil {
				g.logger.Warn("approvals watcher stopped", "error", err)
			}
		}()
	}

	g.processes.StartSweeper()

	schedule := g.config.Exec.MaintenanceSchedule
	if schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(schedule, g.maintain); err != nil {
			return fmt.Errorf("maintenance schedule %q: %w", schedule, err)
		}
		c.Start()
		g.cron = c
	}

	g.audit.Log(ctx, &audit.Event{
		Type:   audit.EventGatewayStartup,
		Action: "startup",
		Details: map[string]any{
			"gateway_id":   g.id,
			"default_host": string(g.router.DefaultHost()),
		},
	})
	g.logger.Info("gateway started", "id", g.id, "default_host", g.router.DefaultHost())
	return nil
}

// maintain sweeps expired approvals and stale sessions and refreshes gauges.
func (g *Gateway) maintain() {
	expired := g.approvals.Sweep()
	pruned := g.processes.PruneFinished()
	orphans := g.pruneOwners()
	g.metrics.SetPendingApprovals(g.approvals.PendingCount())
	g.metrics.SetRunningSessions(g.processes.RunningCount())
	if expired > 0 || pruned > 0 || orphans > 0 {
		g.logger.Debug("maintenance", "approvals", expired, "sessions", pruned, "owners", orphans)
	}
}

// Close aborts in-flight runs and stops background work.
func (g *Gateway) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		if g.cron != nil {
			<-g.cron.Stop().Done()
		}
		aborted := g.runs.GlobalAbort("gateway shutdown")
		g.cancel()
		g.processes.StopSweeper()
		g.approvals.Close()
		g.audit.Log(ctx, &audit.Event{
			Type:    audit.EventGatewayShutdown,
			Action:  "shutdown",
			Details: map[string]any{"aborted": aborted, "uptime_ms": g.now().Sub(g.startedAt).Milliseconds()},
		})
		g.hub.Close()
		g.wg.Wait()
	})
	return nil
}

// Hub returns the event hub.
func (g *Gateway) Hub() *events.Hub { return g.hub }

// Nodes returns the node registry.
func (g *Gateway) Nodes() *nodes.Registry { return g.nodes }

// Subscribe registers conn for events it may receive.
func (g *Gateway) Subscribe(conn *Conn) *events.Subscription {
	client := conn.Client
	return g.hub.Subscribe(conn.ID, func(evt events.Event) bool {
		if evt.Target != "" {
			return evt.Target == conn.ID
		}
		return rbac.CanReceive(client, evt.Scope)
	})
}

func (g *Gateway) publish(name string, payload any, delivery events.Delivery, scope, target string) {
	g.hub.Publish(events.Event{
		Name:     name,
		Payload:  payload,
		Delivery: delivery,
		Scope:    scope,
		Target:   target,
		At:       g.now(),
	})
}

func (g *Gateway) setOwner(sessionID string, owner runOwner) {
	g.ownersMu.Lock()
	g.owners[sessionID] = owner
	g.ownersMu.Unlock()
}

func (g *Gateway) takeOwner(sessionID string) (runOwner, bool) {
	g.ownersMu.Lock()
	defer g.ownersMu.Unlock()
	owner, ok := g.owners[sessionID]
	delete(g.owners, sessionID)
	return owner, ok
}

func (g *Gateway) pruneOwners() int {
	g.ownersMu.Lock()
	ids := make([]string, 0, len(g.owners))
	for id := range g.owners {
		ids = append(ids, id)
	}
	g.ownersMu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := g.processes.GetSession(id); ok {
			continue
		}
		if _, ok := g.takeOwner(id); ok {
			n++
		}
	}
	return n
}

type approvalNotifier struct{ g *Gateway }

func (n approvalNotifier) ApprovalRequested(rec approvals.Record) {
	g := n.g
	g.metrics.RecordApproval(string(rec.State), g.approvals.PendingCount())
	g.audit.Approval(context.Background(), audit.EventApprovalRequested, rec.ID, string(rec.State), "", "")
	g.publish("exec.approval.requested", rec, events.MustDeliver, rbac.ScopeApprovals, "")
}

func (n approvalNotifier) ApprovalResolved(rec approvals.Record) {
	g := n.g
	g.metrics.RecordApproval(string(rec.State), g.approvals.PendingCount())
	eventType := audit.EventApprovalResolved
	if rec.State == approvals.StateExpired {
		eventType = audit.EventApprovalExpired
	}
	g.audit.Approval(context.Background(), eventType, rec.ID, string(rec.State), string(rec.Decision), rec.ResolvedBy)
	g.publish("exec.approval.resolved", rec, events.MustDeliver, rbac.ScopeApprovals, "")
}

type runNotifier struct{ g *Gateway }

func (n runNotifier) RunAborted(run runs.Info, reason string) {
	n.g.publish("exec.aborted", map[string]any{
		"runId":      run.RunID,
		"sessionKey": run.SessionKey,
		"state":      run.State,
		"reason":     reason,
	}, events.MustDeliver, rbac.ScopeRead, "")
}

func (n runNotifier) Panic(reason string, aborted []runs.Info) {
	g := n.g
	g.metrics.RecordPanic(len(aborted))
	g.audit.Abort(context.Background(), audit.EventPanic, "", reason, len(aborted))
	g.publish("system.panic", map[string]any{
		"reason":       reason,
		"abortedCount": len(aborted),
		"runs":         aborted,
	}, events.MustDeliver, rbac.ScopeRead, "")
}

type nodeListener struct{ g *Gateway }

func (l nodeListener) NodePairingRequested(node nodes.Node) {
	l.g.publish("node.pair.requested", node, events.MustDeliver, rbac.ScopePairing, "")
}

func (l nodeListener) NodeStatusChanged(node nodes.Node) {
	l.g.publish("node.status", node, events.BestEffort, rbac.ScopeRead, "")
}
