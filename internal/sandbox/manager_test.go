package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"decloud/internal/model"
	"decloud/internal/store"
)

type fakeExecutor struct {
	mu      sync.Mutex
	n       int
	created []Spec
	execs   []string
	stopped []Handle
	removed []Handle
	failOn  string
}

func (f *fakeExecutor) Create(_ context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "create" {
		return "", errors.New("image missing")
	}
	f.n++
	f.created = append(f.created, spec)
	return Handle(fmt.Sprintf("h%d", f.n)), nil
}

func (f *fakeExecutor) Exec(_ context.Context, h Handle, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, string(h)+":"+cmd)
	return "out:" + cmd, nil
}

func (f *fakeExecutor) Stop(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h)
	return nil
}

func (f *fakeExecutor) Remove(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, h)
	return nil
}

func newManager(t *testing.T) (*Manager, *fakeExecutor, *store.LevelStore) {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fe := &fakeExecutor{}
	return NewManager(fe, st, "peer-a", nil), fe, st
}

func TestDeploy_DefaultsAndPersistsWithoutSecret(t *testing.T) {
	t.Parallel()

	m, fe, st := newManager(t)
	g, err := m.Deploy(context.Background(), "peer-b", model.SandboxResources{CPU: 2})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(g.SecretKey) != 64 || g.ContainerID == "" {
		t.Fatalf("grant=%+v", g)
	}
	if fe.created[0].Resources.RAM != DefaultRAM {
		t.Fatalf("ram=%d", fe.created[0].Resources.RAM)
	}

	var raw map[string]any
	if err := st.Get("peer/peer-a/containers/"+g.ContainerID, &raw); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := raw["secretKey"]; ok {
		t.Fatalf("secret persisted: %v", raw)
	}
	if raw["owner"] != "peer-b" {
		t.Fatalf("owner=%v", raw["owner"])
	}
}

func TestDeploy_DistinctIDsAndSecrets(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	a, _ := m.Deploy(context.Background(), "", model.SandboxResources{})
	b, _ := m.Deploy(context.Background(), "", model.SandboxResources{})
	if a.ContainerID == b.ContainerID || a.SecretKey == b.SecretKey {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
}

func TestDeploy_ExecutorFailure(t *testing.T) {
	t.Parallel()

	m, fe, _ := newManager(t)
	fe.failOn = "create"
	if _, err := m.Deploy(context.Background(), "", model.SandboxResources{}); err == nil {
		t.Fatalf("expected error")
	}
	if len(m.List()) != 0 {
		t.Fatalf("sessions=%v", m.List())
	}
}

func TestExec_ChecksKeyBeforeExecutor(t *testing.T) {
	t.Parallel()

	m, fe, _ := newManager(t)
	ctx := context.Background()
	g, _ := m.Deploy(ctx, "", model.SandboxResources{})

	if _, err := m.Exec(ctx, "missing", g.SecretKey, "ls"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
	if _, err := m.Exec(ctx, g.ContainerID, "wrong", "ls"); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("wrong key err=%v", err)
	}
	if _, err := m.Exec(ctx, g.ContainerID, "", "ls"); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("empty key err=%v", err)
	}
	if len(fe.execs) != 0 {
		t.Fatalf("executor touched: %v", fe.execs)
	}

	out, err := m.Exec(ctx, g.ContainerID, g.SecretKey, "ls")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if out != "out:ls" {
		t.Fatalf("out=%q", out)
	}
}

func TestClose_RemovesSessionAndRecord(t *testing.T) {
	t.Parallel()

	m, fe, st := newManager(t)
	ctx := context.Background()
	g, _ := m.Deploy(ctx, "", model.SandboxResources{})

	if err := m.Close(ctx, g.ContainerID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(fe.stopped) != 1 || len(fe.removed) != 1 {
		t.Fatalf("stopped=%v removed=%v", fe.stopped, fe.removed)
	}
	if _, err := m.Get(g.ContainerID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get err=%v", err)
	}
	var raw map[string]any
	if err := st.Get("peer/peer-a/containers/"+g.ContainerID, &raw); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("record err=%v", err)
	}
	if err := m.Close(ctx, g.ContainerID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second close err=%v", err)
	}
}

func TestCloseWithKey(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	ctx := context.Background()
	g, _ := m.Deploy(ctx, "peer-b", model.SandboxResources{})

	if err := m.CloseWithKey(ctx, g.ContainerID, "bad"); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.Get(g.ContainerID); err != nil {
		t.Fatalf("session closed by bad key: %v", err)
	}
	if err := m.CloseWithKey(ctx, g.ContainerID, g.SecretKey); err != nil {
		t.Fatalf("CloseWithKey: %v", err)
	}
}

func TestCloseOwnedBy_OnlyThatOwner(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	ctx := context.Background()
	_, _ = m.Deploy(ctx, "peer-b", model.SandboxResources{})
	_, _ = m.Deploy(ctx, "peer-b", model.SandboxResources{})
	keep, _ := m.Deploy(ctx, "peer-c", model.SandboxResources{})

	if n := m.CloseOwnedBy(ctx, "peer-b"); n != 2 {
		t.Fatalf("closed=%d", n)
	}
	if n := m.CloseOwnedBy(ctx, ""); n != 0 {
		t.Fatalf("closed empty owner=%d", n)
	}
	list := m.List()
	if len(list) != 1 || list[0].ID != keep.ContainerID || !list[0].HasSecret {
		t.Fatalf("list=%+v", list)
	}
	if n := m.CloseAll(ctx); n != 1 {
		t.Fatalf("CloseAll=%d", n)
	}
}

func TestPinned(t *testing.T) {
	t.Parallel()

	m, _, _ := newManager(t)
	ctx := context.Background()
	_, _ = m.Deploy(ctx, "", model.SandboxResources{RAM: 1, GPU: 1})
	_, _ = m.Deploy(ctx, "", model.SandboxResources{RAM: 2})

	var ram uint64
	var gpu model.GPUCount
	for _, p := range m.Pinned() {
		ram += p.RAM
		gpu += p.GPU
	}
	if ram != 3 || gpu != 1 {
		t.Fatalf("ram=%d gpu=%d", ram, gpu)
	}
}
