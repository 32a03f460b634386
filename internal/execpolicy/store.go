package execpolicy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// DefaultApprovalsPath is where the approvals file lives unless configured.
const DefaultApprovalsPath = "~/.nexus/exec-approvals.json"

// WildcardAgent applies to every agent.
const WildcardAgent = "*"

// DefaultAgent is used when a request names no agent.
const DefaultAgent = "default"

// FileDefaults are policy values stored in the approvals file.
type FileDefaults struct {
	Host     Host     `json:"host,omitempty"`
	Security Security `json:"security,omitempty"`
	Ask      Ask      `json:"ask,omitempty"`
	SafeBins []string `json:"safe_bins,omitempty"`
}

// FileAgent holds per-agent overrides and the agent's allowlist.
type FileAgent struct {
	FileDefaults
	Allowlist []Entry `json:"allowlist,omitempty"`
}

// File is the persisted approvals file. JSON5 is accepted on read.
type File struct {
	Version  int                   `json:"version"`
	Defaults *FileDefaults         `json:"defaults,omitempty"`
	Agents   map[string]*FileAgent `json:"agents,omitempty"`
}

// AgentPolicy is the resolved policy for one agent.
type AgentPolicy struct {
	AgentID   string   `json:"agentId"`
	Defaults  Defaults `json:"defaults"`
	Allowlist []Entry  `json:"allowlist"`
	SafeBins  []string `json:"safeBins"`
}

// StoreConfig seeds a Store.
type StoreConfig struct {
	// Path of the approvals file. Empty keeps everything in memory.
	Path      string
	Defaults  Defaults
	Allowlist []string
	SafeBins  []string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Store owns the approvals file and merges it over configured defaults.
type Store struct {
	path     string
	base     Defaults
	baseList []Entry
	safeBins []string
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	file *File
}

// NewStore creates a store. Call Load to read the file.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	safeBins := cfg.SafeBins
	if safeBins == nil {
		safeBins = DefaultSafeBins
	}
	baseList := make([]Entry, 0, len(cfg.Allowlist))
	for _, pattern := range cfg.Allowlist {
		if strings.TrimSpace(pattern) != "" {
			baseList = append(baseList, Entry{Pattern: strings.TrimSpace(pattern)})
		}
	}
	return &Store{
		path:     expandHome(cfg.Path),
		base:     cfg.Defaults,
		baseList: baseList,
		safeBins: safeBins,
		logger:   logger.With("component", "exec_approvals"),
		now:      now,
		file:     emptyFile(),
	}
}

func emptyFile() *File {
	return &File{Version: 1, Agents: make(map[string]*FileAgent)}
}

// Path returns the approvals file path, or "" for in-memory stores.
func (s *Store) Path() string { return s.path }

// Load reads the approvals file. A missing file yields an empty policy.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.file = emptyFile()
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read exec approvals: %w", err)
	}

	var file File
	if err := json5.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse exec approvals: %w", err)
	}
	if err := validateFile(&file); err != nil {
		return fmt.Errorf("invalid exec approvals: %w", err)
	}

	s.mu.Lock()
	s.file = &file
	s.mu.Unlock()
	return nil
}

func validateFile(file *File) error {
	if file.Version == 0 {
		file.Version = 1
	}
	if file.Version != 1 {
		return fmt.Errorf("unsupported version %d", file.Version)
	}
	if file.Agents == nil {
		file.Agents = make(map[string]*FileAgent)
	}
	check := func(d FileDefaults) error {
		if d.Host != "" && !d.Host.Valid() {
			return fmt.Errorf("invalid host %q", d.Host)
		}
		if d.Security != "" && !d.Security.Valid() {
			return fmt.Errorf("invalid security %q", d.Security)
		}
		if d.Ask != "" && !d.Ask.Valid() {
			return fmt.Errorf("invalid ask %q", d.Ask)
		}
		return nil
	}
	if file.Defaults != nil {
		if err := check(*file.Defaults); err != nil {
			return err
		}
	}
	for id, agent := range file.Agents {
		if agent == nil {
			delete(file.Agents, id)
			continue
		}
		if err := check(agent.FileDefaults); err != nil {
			return fmt.Errorf("agent %s: %w", id, err)
		}
		for _, entry := range agent.Allowlist {
			if err := ValidatePattern(entry.Pattern); err != nil {
				return fmt.Errorf("agent %s: %w", id, err)
			}
		}
	}
	return nil
}

// save writes the file atomically. Callers hold s.mu.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create exec approvals dir: %w", err)
	}
	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal exec approvals: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write exec approvals: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write exec approvals: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the approvals file.
func (s *Store) Snapshot() File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFile(s.file)
}

// Replace validates and persists a new approvals file.
func (s *Store) Replace(file File) error {
	clone := cloneFile(&file)
	if err := validateFile(&clone); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = &clone
	return s.save()
}

func cloneFile(f *File) File {
	out := File{Version: f.Version, Agents: make(map[string]*FileAgent, len(f.Agents))}
	if f.Defaults != nil {
		d := *f.Defaults
		d.SafeBins = append([]string(nil), f.Defaults.SafeBins...)
		out.Defaults = &d
	}
	for id, agent := range f.Agents {
		if agent == nil {
			continue
		}
		a := *agent
		a.SafeBins = append([]string(nil), agent.SafeBins...)
		a.Allowlist = append([]Entry(nil), agent.Allowlist...)
		out.Agents[id] = &a
	}
	return out
}

// Resolve merges configured defaults, the file defaults, the wildcard agent
// and the named agent, in that order.
func (s *Store) Resolve(agentID string) AgentPolicy {
	if agentID == "" {
		agentID = DefaultAgent
	}
	policy := AgentPolicy{
		AgentID:   agentID,
		Defaults:  s.base,
		Allowlist: append([]Entry(nil), s.baseList...),
		SafeBins:  append([]string(nil), s.safeBins...),
	}

	apply := func(d FileDefaults) {
		if d.Host != "" {
			policy.Defaults.Host = d.Host
		}
		if d.Security != "" {
			policy.Defaults.Security = d.Security
		}
		if d.Ask != "" {
			policy.Defaults.Ask = d.Ask
		}
		if d.SafeBins != nil {
			policy.SafeBins = append([]string(nil), d.SafeBins...)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file.Defaults != nil {
		apply(*s.file.Defaults)
	}
	for _, id := range []string{WildcardAgent, agentID} {
		agent, ok := s.file.Agents[id]
		if !ok || agent == nil {
			continue
		}
		apply(agent.FileDefaults)
		policy.Allowlist = append(policy.Allowlist, agent.Allowlist...)
	}
	return policy
}

// AddAllowlistEntry appends pattern to the agent's allowlist and persists the
// file. Adding an existing pattern returns the existing entry.
func (s *Store) AddAllowlistEntry(agentID, pattern string) (Entry, error) {
	if agentID == "" {
		agentID = DefaultAgent
	}
	pattern = strings.TrimSpace(pattern)
	if err := ValidatePattern(pattern); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	agent := s.file.Agents[agentID]
	if agent == nil {
		agent = &FileAgent{}
		s.file.Agents[agentID] = agent
	}
	for _, entry := range agent.Allowlist {
		if entry.Pattern == pattern {
			return entry, nil
		}
	}
	entry := Entry{
		ID:         uuid.NewString(),
		Pattern:    pattern,
		LastUsedAt: s.now().UnixMilli(),
	}
	agent.Allowlist = append(agent.Allowlist, entry)
	if err := s.save(); err != nil {
		return entry, err
	}
	s.logger.Info("allowlist entry added", "agent", agentID, "pattern", pattern)
	return entry, nil
}

// RecordAllowlistUse updates usage bookkeeping for a matched pattern. Entries
// that come from static configuration are not tracked.
func (s *Store) RecordAllowlistUse(agentID, pattern, command, resolvedPath string) {
	if agentID == "" {
		agentID = DefaultAgent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range []string{agentID, WildcardAgent} {
		agent := s.file.Agents[id]
		if agent == nil {
			continue
		}
		for i := range agent.Allowlist {
			if agent.Allowlist[i].Pattern != pattern {
				continue
			}
			agent.Allowlist[i].LastUsedAt = s.now().UnixMilli()
			agent.Allowlist[i].LastUsedCommand = command
			agent.Allowlist[i].LastResolvedPath = resolvedPath
			if err := s.save(); err != nil {
				s.logger.Warn("failed to record allowlist use", "error", err)
			}
			return
		}
	}
}

// Watch reloads the file whenever it changes until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create exec approvals dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		name := filepath.Base(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Load(); err != nil {
					s.logger.Warn("exec approvals reload failed", "error", err)
					continue
				}
				s.logger.Debug("exec approvals reloaded", "path", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("exec approvals watch error", "error", err)
			}
		}
	}()
	return nil
}
