package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGPUCount_AcceptsBoolAndNumber(t *testing.T) {
	t.Parallel()

	cases := map[string]GPUCount{
		`{"gpu":true}`:  1,
		`{"gpu":false}`: 0,
		`{"gpu":3}`:     3,
		`{"gpu":null}`:  0,
	}
	for in, want := range cases {
		var res SandboxResources
		if err := json.Unmarshal([]byte(in), &res); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if res.GPU != want {
			t.Fatalf("%s: gpu=%d want %d", in, res.GPU, want)
		}
	}

	var res SandboxResources
	if err := json.Unmarshal([]byte(`{"gpu":"many"}`), &res); err == nil {
		t.Fatalf("expected error for string gpu")
	}
}

func TestNormalize_ClampsAvailable(t *testing.T) {
	t.Parallel()

	r := Resources{TotalRAM: 10, AvailableRAM: 20, TotalStorage: 5, AvailableStorage: 7, TotalGPUs: 1, AvailableGPUs: 2}
	r.Normalize()
	if r.AvailableRAM != 10 || r.AvailableStorage != 5 || r.AvailableGPUs != 1 {
		t.Fatalf("resources=%+v", r)
	}
	if r.GPU != GPUNone {
		t.Fatalf("gpu=%q", r.GPU)
	}
}

func TestFreeGPUs(t *testing.T) {
	t.Parallel()

	if got := (Resources{GPU: GPUNone, TotalGPUs: 2, AvailableGPUs: 2}).FreeGPUs(); got != 0 {
		t.Fatalf("none=%d", got)
	}
	if got := (Resources{GPU: "RTX 4090"}).FreeGPUs(); got != 1 {
		t.Fatalf("legacy=%d", got)
	}
	if got := (Resources{GPU: "A100", TotalGPUs: 4, AvailableGPUs: 3}).FreeGPUs(); got != 3 {
		t.Fatalf("counted=%d", got)
	}
}

func TestPeerRecord_Live(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := PeerRecord{Name: "a", LastSeen: now.Add(-119 * time.Second)}
	if !p.Live(now, 120*time.Second) {
		t.Fatalf("expected live")
	}
	p.LastSeen = now.Add(-120 * time.Second)
	if p.Live(now, 120*time.Second) {
		t.Fatalf("expected stale at window boundary")
	}
}

func TestPeerRecord_JSONFlattensResources(t *testing.T) {
	t.Parallel()

	p := PeerRecord{Name: "a", Resources: Resources{TotalRAM: 1, GPU: GPUNone}}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := m["totalRam"]; !ok {
		t.Fatalf("missing totalRam: %s", data)
	}
	if m["name"] != "a" {
		t.Fatalf("name=%v", m["name"])
	}
}

func TestAllocationPlan_TotalAndPartial(t *testing.T) {
	t.Parallel()

	plan := AllocationPlan{{PeerName: "a", AllocatedBytes: 100}, {PeerName: "b", AllocatedBytes: 20}}
	if plan.Total() != 120 {
		t.Fatalf("total=%d", plan.Total())
	}
	if plan.Partial(120) {
		t.Fatalf("unexpected partial")
	}
	if !plan.Partial(121) {
		t.Fatalf("expected partial")
	}
}
