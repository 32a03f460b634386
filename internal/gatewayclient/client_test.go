package gatewayclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/auth"
	"github.com/haasonsaas/nexus-exec/internal/config"
	"github.com/haasonsaas/nexus-exec/internal/execerr"
	"github.com/haasonsaas/nexus-exec/internal/gateway"
	"github.com/haasonsaas/nexus-exec/internal/gatewayclient"
	"github.com/haasonsaas/nexus-exec/internal/rbac"
)

func startGateway(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Exec.ApprovalsPath = filepath.Join(t.TempDir(), "exec-approvals.json")
	cfg.Exec.MaintenanceSchedule = ""
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := gateway.New(gateway.Options{Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = g.Close(context.Background()) })

	srv := httptest.NewServer(gateway.NewServer(g, gateway.ServerOptions{Logger: logger}).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestDialAndCall(t *testing.T) {
	url := startGateway(t, func(cfg *config.Config) {
		cfg.Auth.Tokens = []auth.TokenConfig{{Token: "t0k", ID: "ops", Role: "operator", Scopes: []string{rbac.ScopeRead}}}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := gatewayclient.Dial(ctx, gatewayclient.Options{URL: url, Token: "t0k"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	hello := c.Hello()
	if hello.Type != "hello-ok" || hello.Connection.Role != "operator" {
		t.Errorf("hello = %+v", hello)
	}
	if !slices.Contains(hello.Connection.Scopes, rbac.ScopeRead) {
		t.Errorf("scopes = %v", hello.Connection.Scopes)
	}

	var status map[string]any
	if err := c.Call(ctx, "status", nil, &status); err != nil {
		t.Fatalf("status: %v", err)
	}

	err = c.Call(ctx, "exec.run", map[string]any{"command": "ls"}, nil)
	if execerr.KindOf(err) != execerr.KindAuthorization {
		t.Fatalf("exec.run err = %v, want authorization", err)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	url := startGateway(t, func(cfg *config.Config) {
		cfg.Auth.Tokens = []auth.TokenConfig{{Token: "t0k", ID: "ops", Role: "operator"}}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := gatewayclient.Dial(ctx, gatewayclient.Options{URL: url, Token: "nope"}); err == nil {
		t.Fatal("expected connect to fail")
	}
}

func TestEventsAndClose(t *testing.T) {
	url := startGateway(t, func(cfg *config.Config) {
		cfg.Auth.AnonymousScopes = []string{rbac.ScopeAdmin}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := gatewayclient.Dial(ctx, gatewayclient.Options{URL: url})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var out map[string]any
	if err := c.Call(ctx, "exec.run", map[string]any{"command": "rm -rf /tmp/x"}, &out); err != nil {
		t.Fatalf("exec.run: %v", err)
	}
	if out["status"] != gateway.StatusApprovalPending {
		t.Fatalf("status = %v", out["status"])
	}

	for {
		select {
		case evt := <-c.Events():
			if evt.Name != "exec.approval.requested" {
				continue
			}
			var payload map[string]any
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				t.Fatal(err)
			}
			if payload["id"] != out["approvalId"] {
				t.Errorf("event id = %v, approval = %v", payload["id"], out["approvalId"])
			}
		case <-ctx.Done():
			t.Fatal("no approval event")
		}
		break
	}

	_ = c.Close()
	if err := c.Call(ctx, "status", nil, nil); !errors.Is(err, gatewayclient.ErrClosed) {
		t.Fatalf("call after close = %v, want ErrClosed", err)
	}
}
