package gateway

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestAcquireLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	opts := LockOptions{Dir: dir, Key: "/etc/nexus/exec-approvals.json", Wait: 50 * time.Millisecond, Poll: 10 * time.Millisecond}

	first, err := AcquireLock(opts)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := AcquireLock(opts); !errors.Is(err, ErrLocked) {
		t.Fatalf("second acquire err = %v, want ErrLocked", err)
	}

	other := opts
	other.Key = "/tmp/other.json"
	second, err := AcquireLock(other)
	if err != nil {
		t.Fatalf("different key should not conflict: %v", err)
	}
	defer second.Release()

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := AcquireLock(opts)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = again.Release()
}

func TestAcquireLockTakesOverDeadOwner(t *testing.T) {
	dir := t.TempDir()
	opts := LockOptions{Dir: dir, Key: "k", Wait: 50 * time.Millisecond}
	path := LockPath(dir, "k")
	if err := os.WriteFile(path, []byte(`{"pid":999999999,"key":"k"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(opts)
	if err != nil {
		t.Fatalf("acquire over dead owner: %v", err)
	}
	_ = lock.Release()
}

func TestReleaseNilLock(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Fatalf("Release on nil: %v", err)
	}
}
