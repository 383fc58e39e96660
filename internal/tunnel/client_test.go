package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"decloud/internal/model"
	"decloud/internal/sandbox"
)

type fakeSandbox struct {
	mu       sync.Mutex
	n        int
	owners   map[string]string
	keys     map[string]string
	departed []string
	delay    time.Duration
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{owners: map[string]string{}, keys: map[string]string{}}
}

func (f *fakeSandbox) Deploy(_ context.Context, owner string, _ model.SandboxResources) (sandbox.Grant, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	id := fmt.Sprintf("c%d", f.n)
	f.owners[id] = owner
	f.keys[id] = "k" + id
	return sandbox.Grant{ContainerID: id, SecretKey: "k" + id}, nil
}

func (f *fakeSandbox) Exec(_ context.Context, id, key, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want, ok := f.keys[id]
	if !ok {
		return "", model.ErrNotFound
	}
	if want != key {
		return "", model.ErrUnauthorized
	}
	return "ran " + cmd, nil
}

func (f *fakeSandbox) CloseWithKey(_ context.Context, id, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[id] != key {
		return model.ErrUnauthorized
	}
	delete(f.keys, id)
	return nil
}

func (f *fakeSandbox) CloseOwnedBy(_ context.Context, owner string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.departed = append(f.departed, owner)
	return 0
}

func (f *fakeSandbox) deployed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeSandbox) departedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.departed...)
}

func registered(name string) Identity {
	return func() (string, bool) { return name, true }
}

func startRelay(t *testing.T) (*Relay, string) {
	t.Helper()
	r := NewRelay(nil)
	srv := httptest.NewServer(http.HandlerFunc(r.ServeWS))
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel"
}

func startClient(t *testing.T, url, name string, sb Sandbox) (*Client, context.CancelFunc) {
	t.Helper()
	c := NewClient(ClientConfig{URL: url, MinBackoff: 50 * time.Millisecond}, registered(name), sb, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	return c, cancel
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitNames(t *testing.T, r *Relay, n int) {
	t.Helper()
	waitFor(t, "registrations", func() bool { return r.Connected() == n })
}

func TestClient_RemoteContainerLifecycle(t *testing.T) {
	t.Parallel()

	r, url := startRelay(t)
	sb := newFakeSandbox()
	a, _ := startClient(t, url, "a", nil)
	_, _ = startClient(t, url, "b", sb)
	waitNames(t, r, 2)

	ctx := context.Background()
	g, err := a.RequestContainer(ctx, "b", model.SandboxResources{RAM: 1 << 30, CPU: 1}, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestContainer: %v", err)
	}
	if g.ContainerID != "c1" || g.SecretKey != "kc1" || g.UserID != "b" {
		t.Fatalf("grant=%+v", g)
	}
	sb.mu.Lock()
	owner := sb.owners["c1"]
	sb.mu.Unlock()
	if owner != "a" {
		t.Fatalf("owner=%q", owner)
	}

	out, err := a.Exec(ctx, "b", g.ContainerID, g.SecretKey, "ls", 2*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out != "ran ls" {
		t.Fatalf("out=%q", out)
	}

	_, err = a.Exec(ctx, "b", g.ContainerID, "wrong", "ls", 2*time.Second)
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("bad key err=%v", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != CodeUnauthorized {
		t.Fatalf("remote=%+v", remote)
	}

	if err := a.CloseContainer(ctx, "b", g.ContainerID, g.SecretKey, 2*time.Second); err != nil {
		t.Fatalf("CloseContainer: %v", err)
	}
	if _, err := a.Exec(ctx, "b", g.ContainerID, g.SecretKey, "ls", 2*time.Second); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("after close err=%v", err)
	}
}

func TestClient_ConcurrentRequestsToSamePeer(t *testing.T) {
	t.Parallel()

	r, url := startRelay(t)
	sb := newFakeSandbox()
	sb.delay = 20 * time.Millisecond
	a, _ := startClient(t, url, "a", nil)
	_, _ = startClient(t, url, "b", sb)
	waitNames(t, r, 2)

	var wg sync.WaitGroup
	ids := make([]string, 5)
	errs := make([]error, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := a.RequestContainer(context.Background(), "b", model.SandboxResources{}, 2*time.Second)
			ids[i], errs[i] = g.ContainerID, err
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if seen[id] {
			t.Fatalf("duplicate grant %s in %v", id, ids)
		}
		seen[id] = true
	}
}

func TestClient_TargetAbsentFailsFast(t *testing.T) {
	t.Parallel()

	r, url := startRelay(t)
	a, _ := startClient(t, url, "a", nil)
	waitNames(t, r, 1)

	start := time.Now()
	_, err := a.RequestContainer(context.Background(), "ghost", model.SandboxResources{}, 10*time.Second)
	var relayErr *RelayError
	if !errors.As(err, &relayErr) || !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if relayErr.Target != "ghost" {
		t.Fatalf("target=%q", relayErr.Target)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("took %s", time.Since(start))
	}
	a.mu.Lock()
	n := len(a.pending)
	a.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending=%d", n)
	}
}

func TestClient_TimeoutWhenTargetSilent(t *testing.T) {
	t.Parallel()

	r, url := startRelay(t)
	a, _ := startClient(t, url, "a", nil)
	waitNames(t, r, 1)
	silent := &fakeConn{id: "silent"}
	_ = r.Register(silent, "b")

	_, err := a.RequestContainer(context.Background(), "b", model.SandboxResources{}, 200*time.Millisecond)
	if !errors.Is(err, model.ErrTimeout) || !strings.Contains(err.Error(), "offline or unreachable") {
		t.Fatalf("err=%v", err)
	}
	if len(silent.messages(t)) != 1 {
		t.Fatalf("request not forwarded")
	}
}

func TestClient_UnregisterStopsServing(t *testing.T) {
	t.Parallel()

	r, url := startRelay(t)
	sb := newFakeSandbox()
	a, _ := startClient(t, url, "a", nil)
	b, _ := startClient(t, url, "b", sb)
	waitNames(t, r, 2)

	if err := b.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	waitNames(t, r, 1)

	_, err := a.RequestContainer(context.Background(), "b", model.SandboxResources{}, 5*time.Second)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if n := sb.deployed(); n != 0 {
		t.Fatalf("sandboxes=%d", n)
	}
}

func TestClient_UnregisteredPeerRefusesInbound(t *testing.T) {
	t.Parallel()

	r, url := startRelay(t)
	sb := newFakeSandbox()
	a, _ := startClient(t, url, "a", nil)

	var on atomic.Bool
	on.Store(true)
	b := NewClient(ClientConfig{URL: url, MinBackoff: 50 * time.Millisecond}, func() (string, bool) { return "b", on.Load() }, sb, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()
	waitNames(t, r, 2)

	// The relay still routes to b, but b no longer considers itself registered.
	on.Store(false)
	_, err := a.RequestContainer(context.Background(), "b", model.SandboxResources{}, 5*time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) || !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if n := sb.deployed(); n != 0 {
		t.Fatalf("sandboxes=%d", n)
	}
}

func TestClient_PeerLeftClosesOwnedSessions(t *testing.T) {
	t.Parallel()

	r, url := startRelay(t)
	sb := newFakeSandbox()
	_, cancelA := startClient(t, url, "a", nil)
	_, _ = startClient(t, url, "b", sb)
	waitNames(t, r, 2)

	cancelA()
	waitFor(t, "peer_left", func() bool {
		d := sb.departedPeers()
		return len(d) == 1 && d[0] == "a"
	})
}

func TestClient_NotRegisteredRefusesRequests(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/tunnel"}, func() (string, bool) { return "", false }, nil, nil)
	if _, err := c.RequestContainer(context.Background(), "b", model.SandboxResources{}, time.Second); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err=%v", err)
	}
	if err := c.Register(); err == nil {
		t.Fatalf("expected register error")
	}
}

func TestResolve_LateAndLegacyResponses(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientConfig{}, registered("a"), nil, nil)
	first := &pendingCall{seq: 1, target: "b", action: ActionRequestContainerResult, ch: make(chan Payload, 1)}
	second := &pendingCall{seq: 2, target: "b", action: ActionRequestContainerResult, ch: make(chan Payload, 1)}
	c.pending["r1"] = first
	c.pending["r2"] = second

	// Unknown request id: dropped, nothing resolved.
	c.resolve(Message{From: "b", Payload: Payload{Action: ActionRequestContainerResult, RequestID: "gone"}})
	// Wrong sender for a known id: dropped.
	c.resolve(Message{From: "x", Payload: Payload{Action: ActionRequestContainerResult, RequestID: "r2"}})
	if len(first.ch) != 0 || len(second.ch) != 0 {
		t.Fatalf("late response resolved a call")
	}

	// No request id: oldest call for that peer and action wins.
	c.resolve(Message{From: "b", Payload: Payload{Action: ActionRequestContainerResult, UserID: "b", ContainerID: "x"}})
	if len(first.ch) != 1 || len(second.ch) != 0 {
		t.Fatalf("legacy response went to the wrong call")
	}
	if _, ok := c.pending["r1"]; ok {
		t.Fatalf("resolved call still pending")
	}
}

func TestFail_MatchesRequestAndTarget(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientConfig{}, registered("a"), nil, nil)
	call := &pendingCall{seq: 1, target: "b", action: ActionDockerExecResult, ch: make(chan Payload, 1), failed: make(chan error, 1)}
	c.pending["r1"] = call

	if c.fail(ErrorData{Message: "x"}) {
		t.Fatalf("error without request id resolved a call")
	}
	if c.fail(ErrorData{Message: "x", RequestID: "r1", Target: "other"}) {
		t.Fatalf("error for another target resolved a call")
	}
	if !c.fail(ErrorData{Message: "target not connected", RequestID: "r1", Target: "b"}) {
		t.Fatalf("matching error ignored")
	}
	if err := <-call.failed; !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if c.fail(ErrorData{Message: "x", RequestID: "r1", Target: "b"}) {
		t.Fatalf("call failed twice")
	}
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://sp:8765":         "ws://sp:8765/tunnel",
		"https://sp.example.org": "wss://sp.example.org/tunnel",
		"ws://sp:1/custom":       "ws://sp:1/custom",
	}
	for in, want := range cases {
		got, err := WebsocketURL(in)
		if err != nil || got != want {
			t.Fatalf("%s: got=%q err=%v", in, got, err)
		}
	}
	if _, err := WebsocketURL("ftp://x"); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}

func TestErrorCode_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{model.ErrNotFound, model.ErrUnauthorized, model.ErrResourceExhausted, model.ErrUnavailable} {
		code := ErrorCode(fmt.Errorf("wrapped: %w", sentinel))
		if !errors.Is(&RemoteError{Code: code}, sentinel) {
			t.Fatalf("code %q does not map back to %v", code, sentinel)
		}
	}
	if ErrorCode(errors.New("boom")) != CodeInternal {
		t.Fatalf("expected internal")
	}
}
