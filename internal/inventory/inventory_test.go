package inventory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"decloud/internal/model"
)

type stubRunner struct {
	out string
	err error
	got []string
}

func (s *stubRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := s.Output(ctx, name, args...)
	return err
}

func (s *stubRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	s.got = append([]string{name}, args...)
	return s.out, s.err
}

func fixedHost(hs HostStats) func(string) (HostStats, error) {
	return func(string) (HostStats, error) { return hs, nil }
}

func TestSnapshot_SubtractsPinned(t *testing.T) {
	t.Parallel()

	r := &stubRunner{out: "NVIDIA A100\nNVIDIA A100\n"}
	p := New(r, "/data", nil)
	p.host = fixedHost(HostStats{
		TotalRAM: 16 << 30, AvailableRAM: 12 << 30,
		TotalStorage: 100 << 30, AvailableStorage: 50 << 30,
		CPUCores: 4, CPUThreads: 8,
	})

	res, err := p.Snapshot(context.Background(), []model.SandboxResources{
		{RAM: 8 << 30, GPU: 1, Storage: 10 << 30},
		{RAM: 8 << 30},
	})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if res.AvailableRAM != 0 {
		t.Fatalf("availableRam=%d", res.AvailableRAM)
	}
	if res.AvailableStorage != 40<<30 {
		t.Fatalf("availableStorage=%d", res.AvailableStorage)
	}
	if res.GPU != "NVIDIA A100" || res.TotalGPUs != 2 || res.AvailableGPUs != 1 {
		t.Fatalf("gpu=%q total=%d avail=%d", res.GPU, res.TotalGPUs, res.AvailableGPUs)
	}
	if res.CPUCores != 4 || res.CPUThreads != 8 {
		t.Fatalf("cpu=%d/%d", res.CPUCores, res.CPUThreads)
	}
	if strings.Join(r.got, " ") != "nvidia-smi --query-gpu=name --format=csv,noheader" {
		t.Fatalf("cmd=%v", r.got)
	}
}

func TestSnapshot_NoGPU(t *testing.T) {
	t.Parallel()

	p := New(&stubRunner{err: errors.New("nvidia-smi: not found")}, "", nil)
	p.host = fixedHost(HostStats{TotalRAM: 1, AvailableRAM: 1})

	res, err := p.Snapshot(context.Background(), nil)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if res.GPU != model.GPUNone || res.TotalGPUs != 0 {
		t.Fatalf("gpu=%q total=%d", res.GPU, res.TotalGPUs)
	}
	if res.CPUThreads == 0 || res.CPUCores == 0 {
		t.Fatalf("cpu=%d/%d", res.CPUCores, res.CPUThreads)
	}
}

func TestSnapshot_HostError(t *testing.T) {
	t.Parallel()

	p := New(nil, "/", nil)
	p.host = func(string) (HostStats, error) { return HostStats{}, errors.New("statfs failed") }
	if _, err := p.Snapshot(context.Background(), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseCPUInfo(t *testing.T) {
	t.Parallel()

	in := `processor	: 0
physical id	: 0
core id		: 0

processor	: 1
physical id	: 0
core id		: 0

processor	: 2
physical id	: 0
core id		: 1

processor	: 3
physical id	: 0
core id		: 1
`
	cores, threads, err := ParseCPUInfo(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseCPUInfo: %v", err)
	}
	if cores != 2 || threads != 4 {
		t.Fatalf("cores=%d threads=%d", cores, threads)
	}

	cores, threads, _ = ParseCPUInfo(strings.NewReader("processor : 0\n\nprocessor : 1\n"))
	if cores != 2 || threads != 2 {
		t.Fatalf("no topology: cores=%d threads=%d", cores, threads)
	}
}

func TestParseGPUList(t *testing.T) {
	t.Parallel()

	if m, n := ParseGPUList("  \n"); m != model.GPUNone || n != 0 {
		t.Fatalf("empty: %q %d", m, n)
	}
	if m, n := ParseGPUList("RTX 4090"); m != "RTX 4090" || n != 1 {
		t.Fatalf("single: %q %d", m, n)
	}
}
