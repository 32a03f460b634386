package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-exec/internal/config"
	"github.com/haasonsaas/nexus-exec/internal/execpolicy"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "classify", "policy", "run", "approvals", "panic", "token", "node", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestClassifyCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"classify", "--", "rm", "-rf", "/"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !strings.Contains(out.String(), "critical") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExplainCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Exec.ApprovalsPath = filepath.Join(t.TempDir(), "exec-approvals.json")

	tests := []struct {
		name     string
		opts     explainOptions
		allowed  bool
		approval bool
	}{
		{name: "safe bin runs", opts: explainOptions{command: "wc -l"}, allowed: true},
		{name: "unknown binary asks", opts: explainOptions{command: "terraform apply"}, allowed: true, approval: true},
		{name: "critical asks", opts: explainOptions{command: "rm -rf /"}, allowed: true, approval: true},
		{name: "ask cannot be loosened", opts: explainOptions{command: "terraform apply", ask: "off"}, allowed: true, approval: true},
		{name: "deny", opts: explainOptions{command: "ls", security: "deny"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := explainCommand(cfg, tt.opts)
			if err != nil {
				t.Fatalf("explain: %v", err)
			}
			if ex.Decision.Allowed != tt.allowed || ex.Decision.RequiresApproval != tt.approval {
				t.Errorf("decision = %+v", ex.Decision)
			}
		})
	}
}

func TestExplainElevatedDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Exec.ApprovalsPath = filepath.Join(t.TempDir(), "exec-approvals.json")
	cfg.Exec.Elevated = execpolicy.ElevatedOff
	if _, err := explainCommand(cfg, explainOptions{command: "ls", elevated: true}); err == nil {
		t.Fatal("expected elevated request to be denied")
	}
}

func TestRunParams(t *testing.T) {
	params := runOptions{command: "ls", host: "node", nodeID: "n1", timeoutSec: 5}.params()
	if params["host"] != "node" || params["nodeId"] != "n1" || params["timeoutSec"] != 5 {
		t.Errorf("params = %v", params)
	}
	if _, ok := params["security"]; ok {
		t.Error("unset security should be omitted")
	}
}

func TestRenderRunResultNonZeroExit(t *testing.T) {
	var out bytes.Buffer
	err := renderRunResult(&out, map[string]any{"status": "completed", "aggregated": "boom", "exitCode": float64(3)})
	if err == nil || !strings.Contains(err.Error(), "3") {
		t.Fatalf("err = %v", err)
	}
	if out.String() != "boom\n" {
		t.Errorf("output = %q", out.String())
	}
}
