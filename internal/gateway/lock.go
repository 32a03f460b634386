package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when another gateway holds the instance lock.
var ErrLocked = errors.New("gateway already running")

// LockOptions configures AcquireLock.
type LockOptions struct {
	// Dir holds the lock file. Defaults to the system temp directory.
	Dir string
	// Key names the guarded resource, normally the approvals file path.
	Key string

	Wait  time.Duration
	Poll  time.Duration
	Stale time.Duration
}

// Lock is a held instance lock. Two gateways sharing an approvals file would
// overwrite each other's allowlist changes, so serve takes one per file.
type Lock struct {
	Path string
	file *os.File
}

type lockOwner struct {
	PID       int    `json:"pid"`
	Key       string `json:"key"`
	CreatedAt string `json:"createdAt"`
}

// AcquireLock creates the lock file exclusively, retrying until opts.Wait
// elapses. Locks left by dead processes, or unreadable locks older than
// opts.Stale, are taken over.
func AcquireLock(opts LockOptions) (*Lock, error) {
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 100 * time.Millisecond
	}
	if opts.Stale <= 0 {
		opts.Stale = 30 * time.Second
	}
	path := LockPath(opts.Dir, opts.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	deadline := time.Now().Add(opts.Wait)
	var owner *lockOwner
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			data, _ := json.Marshal(lockOwner{
				PID:       os.Getpid(),
				Key:       opts.Key,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			})
			if _, err := file.Write(data); err != nil {
				_ = file.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock: %w", err)
			}
			return &Lock{Path: path, file: file}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}

		owner = readLockOwner(path)
		if (owner != nil && !processAlive(owner.PID)) || (owner == nil && lockStale(path, opts.Stale)) {
			_ = os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(opts.Poll)
	}

	if owner != nil {
		return nil, fmt.Errorf("%w (pid %d, %s)", ErrLocked, owner.PID, path)
	}
	return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
}

// Release removes the lock file. It is safe to call on a nil lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Close()
	l.file = nil
	return os.Remove(l.Path)
}

// LockPath derives a stable lock file name from key.
func LockPath(dir, key string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(dir, "nexus-exec."+hex.EncodeToString(sum[:])[:12]+".lock")
}

func readLockOwner(path string) *lockOwner {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err != nil || owner.PID <= 0 {
		return nil
	}
	return &owner
}

func lockStale(path string, stale time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > stale
}
