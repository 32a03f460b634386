package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-exec/internal/execerr"
)

type captureSender struct {
	mu   sync.Mutex
	reqs []InvokeRequest
	sent chan InvokeRequest
	err  error
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(chan InvokeRequest, 8)}
}

func (s *captureSender) SendInvoke(req InvokeRequest) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	s.sent <- req
	return nil
}

type recordingListener struct {
	mu        sync.Mutex
	requested []NodeID
	changed   []NodeStatus
}

func (l *recordingListener) NodePairingRequested(n Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requested = append(l.requested, n.ID)
}

func (l *recordingListener) NodeStatusChanged(n Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = append(l.changed, n.Status)
}

func TestRegistry_PairingFlow(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, DefaultRegistryConfig(), nil)
	listener := &recordingListener{}
	r.SetListener(listener)

	node, err := r.Connect(ctx, "conn-1", Node{ID: "laptop", Name: "Laptop"}, newCaptureSender())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if node.Status != StatusPending || node.Approved {
		t.Fatalf("new node = %+v", node)
	}
	if len(listener.requested) != 1 {
		t.Errorf("pairing requests = %v", listener.requested)
	}

	pending, _ := r.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != "laptop" {
		t.Fatalf("pending = %+v", pending)
	}

	if _, err := r.Resolve(ctx, "laptop"); !errors.Is(err, ErrNodeNotPaired) || !errors.Is(err, execerr.ErrHostUnavailable) {
		t.Fatalf("Resolve before approval = %v", err)
	}

	approved, err := r.Approve(ctx, "laptop", "ops")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != StatusOnline || approved.ApprovedBy != "ops" {
		t.Errorf("approved = %+v", approved)
	}
	if _, err := r.Resolve(ctx, "laptop"); err != nil {
		t.Fatalf("Resolve after approval: %v", err)
	}

	_, connID, err := r.Reject(ctx, "laptop", "ops")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if connID != "conn-1" {
		t.Errorf("rejected conn = %q", connID)
	}
	if _, err := r.Connect(ctx, "conn-2", Node{ID: "laptop"}, newCaptureSender()); !errors.Is(err, ErrNodeRevoked) {
		t.Errorf("reconnect after reject = %v", err)
	}
}

func TestRegistry_AutoApprove(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.AutoApprove = []NodeID{"build-1"}
	r := NewRegistry(nil, cfg, nil)

	node, err := r.Connect(context.Background(), "c", Node{ID: "build-1"}, newCaptureSender())
	if err != nil {
		t.Fatal(err)
	}
	if !node.Approved || node.Status != StatusOnline {
		t.Errorf("node = %+v", node)
	}
}

func pairedRegistry(t *testing.T) (*Registry, *captureSender) {
	t.Helper()
	cfg := DefaultRegistryConfig()
	cfg.AutoApprove = []NodeID{"n1"}
	r := NewRegistry(nil, cfg, nil)
	sender := newCaptureSender()
	if _, err := r.Connect(context.Background(), "conn", Node{ID: "n1"}, sender); err != nil {
		t.Fatal(err)
	}
	return r, sender
}

func TestRegistry_InvokeRoundTrip(t *testing.T) {
	r, sender := pairedRegistry(t)

	go func() {
		req := <-sender.sent
		payload, _ := json.Marshal(RunPayload{ExitCode: 0, Output: "hi\n"})
		if err := r.HandleResult("n1", InvokeResult{ID: req.ID, OK: true, Payload: payload}); err != nil {
			t.Errorf("HandleResult: %v", err)
		}
	}()

	res, err := r.Invoke(context.Background(), "n1", string(CapSystemRun), RunParams{Command: "echo hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var out RunPayload
	if err := json.Unmarshal(res.Payload, &out); err != nil || out.Output != "hi\n" {
		t.Fatalf("payload = %s (%v)", res.Payload, err)
	}
	if res.NodeID != "n1" {
		t.Errorf("node id = %q", res.NodeID)
	}

	sender.mu.Lock()
	var params RunParams
	_ = json.Unmarshal(sender.reqs[0].Params, &params)
	sender.mu.Unlock()
	if params.Command != "echo hi" {
		t.Errorf("sent params = %+v", params)
	}
	if r.PendingInvokes() != 0 {
		t.Errorf("pending = %d", r.PendingInvokes())
	}
}

func TestRegistry_ResultFromWrongNode(t *testing.T) {
	r, sender := pairedRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Invoke(ctx, "n1", string(CapSystemRun), nil)
		errCh <- err
	}()
	req := <-sender.sent
	if err := r.HandleResult("other", InvokeResult{ID: req.ID, OK: true}); !errors.Is(err, ErrUnknownInvoke) {
		t.Fatalf("spoofed result = %v", err)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, execerr.ErrAborted) {
		t.Errorf("cancelled invoke = %v", err)
	}
	if r.PendingInvokes() != 0 {
		t.Error("cancelled invoke left pending")
	}
}

func TestRegistry_DisconnectFailsInFlight(t *testing.T) {
	r, sender := pairedRegistry(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "n1", string(CapSystemRun), nil)
		errCh <- err
	}()
	<-sender.sent

	r.Disconnect(context.Background(), "n1", "stale-conn")
	select {
	case err := <-errCh:
		t.Fatalf("stale disconnect ended invoke: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	r.Disconnect(context.Background(), "n1", "conn")
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNodeDisconnected) || !errors.Is(err, execerr.ErrHostUnavailable) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invoke not released on disconnect")
	}

	if _, err := r.Resolve(context.Background(), "n1"); !errors.Is(err, ErrNodeOffline) {
		t.Errorf("Resolve offline = %v", err)
	}
	node, _ := r.Get(context.Background(), "n1")
	if node.Status != StatusOffline {
		t.Errorf("status = %s", node.Status)
	}
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	r, _ := pairedRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Invoke(ctx, "n1", string(CapSystemRun), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	kind := execerr.KindOf(err)
	if kind != execerr.KindTimeout && kind != execerr.KindAborted {
		t.Errorf("kind = %s", kind)
	}
}

func TestRegistry_UnsupportedCapability(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.AutoApprove = []NodeID{"cam"}
	r := NewRegistry(nil, cfg, nil)
	_, _ = r.Connect(context.Background(), "c", Node{ID: "cam", Capabilities: []Capability{"camera.snap"}}, newCaptureSender())

	if _, err := r.Invoke(context.Background(), "cam", string(CapSystemRun), nil); !errors.Is(err, execerr.ErrHostUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestRegistry_SendFailure(t *testing.T) {
	r, sender := pairedRegistry(t)
	sender.err = errors.New("socket closed")
	if _, err := r.Invoke(context.Background(), "n1", string(CapSystemRun), nil); !errors.Is(err, execerr.ErrHostUnavailable) {
		t.Errorf("err = %v", err)
	}
	if r.PendingInvokes() != 0 {
		t.Error("failed send left pending invoke")
	}
}
