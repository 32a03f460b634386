package execpolicy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreResolveMergesLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec-approvals.json")
	content := `{
  // JSON5 comments are allowed
  version: 1,
  defaults: { ask: "always" },
  agents: {
    "*": { allowlist: [{ pattern: "git status" }] },
    "builder": { security: "full", allowlist: [{ pattern: "make **" }] },
  },
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewStore(StoreConfig{
		Path:      path,
		Defaults:  Defaults{Host: HostGateway, Security: SecurityAllowlist, Ask: AskOnMiss},
		Allowlist: []string{"ls"},
	})
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	def := store.Resolve("")
	if def.AgentID != DefaultAgent {
		t.Errorf("agent = %q", def.AgentID)
	}
	if def.Defaults.Ask != AskAlways || def.Defaults.Security != SecurityAllowlist {
		t.Errorf("default agent policy = %+v", def.Defaults)
	}
	if len(def.Allowlist) != 2 {
		t.Errorf("default allowlist = %+v", def.Allowlist)
	}

	builder := store.Resolve("builder")
	if builder.Defaults.Security != SecurityFull {
		t.Errorf("builder security = %s", builder.Defaults.Security)
	}
	if len(builder.Allowlist) != 3 {
		t.Errorf("builder allowlist = %+v", builder.Allowlist)
	}
	if len(builder.SafeBins) != len(DefaultSafeBins) {
		t.Errorf("safe bins = %v", builder.SafeBins)
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(StoreConfig{Path: filepath.Join(t.TempDir(), "missing.json")})
	if err := store.Load(); err != nil {
		t.Fatalf("missing file should load empty: %v", err)
	}
	if snap := store.Snapshot(); snap.Version != 1 || len(snap.Agents) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestStoreLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec-approvals.json")
	if err := os.WriteFile(path, []byte(`{"version":1,"defaults":{"security":"yolo"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := NewStore(StoreConfig{Path: path}).Load(); err == nil {
		t.Fatal("expected invalid security to be rejected")
	}
}

func TestStoreAddAndRecordUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "exec-approvals.json")
	now := time.UnixMilli(1_700_000_000_000)
	store := NewStore(StoreConfig{Path: path, Now: func() time.Time { return now }})

	entry, err := store.AddAllowlistEntry("agent-1", "/usr/bin/git")
	if err != nil {
		t.Fatalf("AddAllowlistEntry: %v", err)
	}
	if entry.ID == "" || entry.LastUsedAt != now.UnixMilli() {
		t.Errorf("entry = %+v", entry)
	}
	again, err := store.AddAllowlistEntry("agent-1", "/usr/bin/git")
	if err != nil || again.ID != entry.ID {
		t.Errorf("duplicate add should return existing entry, got %+v %v", again, err)
	}
	if _, err := store.AddAllowlistEntry("agent-1", "re:("); err == nil {
		t.Errorf("invalid pattern should be rejected")
	}

	now = now.Add(time.Minute)
	store.RecordAllowlistUse("agent-1", "/usr/bin/git", "git status", "/usr/bin/git")

	reloaded := NewStore(StoreConfig{Path: path})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	list := reloaded.Resolve("agent-1").Allowlist
	if len(list) != 1 {
		t.Fatalf("allowlist = %+v", list)
	}
	if list[0].LastUsedCommand != "git status" || list[0].LastUsedAt != now.UnixMilli() {
		t.Errorf("usage not persisted: %+v", list[0])
	}
}

func TestStoreReplace(t *testing.T) {
	store := NewStore(StoreConfig{})
	err := store.Replace(File{Agents: map[string]*FileAgent{
		"a": {Allowlist: []Entry{{Pattern: "ls"}}},
	}})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got := store.Resolve("a").Allowlist; len(got) != 1 {
		t.Errorf("allowlist = %+v", got)
	}
	if err := store.Replace(File{Version: 2}); err == nil {
		t.Errorf("unsupported version should be rejected")
	}
}

func TestStoreWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec-approvals.json")
	store := NewStore(StoreConfig{Path: path})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"version":1,"defaults":{"ask":"always"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.Resolve("").Defaults.Ask == AskAlways {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("approvals file change was not picked up")
}
