package inventory

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"decloud/internal/execx"
	"decloud/internal/model"
)

// HostStats are raw host totals before local sandboxes are subtracted.
type HostStats struct {
	TotalRAM         uint64
	AvailableRAM     uint64
	TotalStorage     uint64
	AvailableStorage uint64
	CPUCores         uint32
	CPUThreads       uint32
}

// Prober takes resource snapshots of the local host.
type Prober struct {
	runner   execx.Runner
	dataPath string
	log      *zap.Logger
	host     func(dataPath string) (HostStats, error)
}

// New returns a Prober measuring storage on the filesystem holding dataPath.
func New(runner execx.Runner, dataPath string, log *zap.Logger) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	if dataPath == "" {
		dataPath = "/"
	}
	return &Prober{runner: runner, dataPath: dataPath, log: log, host: readHost}
}

// Snapshot reports host capacity minus what pinned sandboxes hold.
func (p *Prober) Snapshot(ctx context.Context, pinned []model.SandboxResources) (model.Resources, error) {
	hs, err := p.host(p.dataPath)
	if err != nil {
		return model.Resources{}, fmt.Errorf("read host stats: %w", err)
	}
	if hs.CPUThreads == 0 {
		hs.CPUThreads = uint32(runtime.NumCPU())
	}
	if hs.CPUCores == 0 {
		hs.CPUCores = hs.CPUThreads
	}

	gpuModel, gpus := p.gpus(ctx)

	res := model.Resources{
		TotalRAM:         hs.TotalRAM,
		AvailableRAM:     hs.AvailableRAM,
		TotalStorage:     hs.TotalStorage,
		AvailableStorage: hs.AvailableStorage,
		GPU:              gpuModel,
		TotalGPUs:        gpus,
		AvailableGPUs:    gpus,
		CPUCores:         hs.CPUCores,
		CPUThreads:       hs.CPUThreads,
	}
	Subtract(&res, pinned)
	res.Normalize()
	return res, nil
}

// Subtract removes pinned sandbox resources from the available figures,
// flooring each at zero.
func Subtract(res *model.Resources, pinned []model.SandboxResources) {
	var ram, storage uint64
	var gpus uint32
	for _, p := range pinned {
		ram = addSat(ram, p.RAM)
		storage = addSat(storage, p.Storage)
		gpus += uint32(p.GPU)
	}
	res.AvailableRAM = subFloor(res.AvailableRAM, ram)
	res.AvailableStorage = subFloor(res.AvailableStorage, storage)
	if gpus >= res.AvailableGPUs {
		res.AvailableGPUs = 0
	} else {
		res.AvailableGPUs -= gpus
	}
}

func (p *Prober) gpus(ctx context.Context) (string, uint32) {
	if p.runner == nil {
		return model.GPUNone, 0
	}
	out, err := p.runner.Output(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		p.log.Debug("gpu probe failed", zap.Error(err))
		return model.GPUNone, 0
	}
	return ParseGPUList(out)
}

// ParseGPUList reads nvidia-smi csv output: one GPU name per line.
func ParseGPUList(out string) (string, uint32) {
	var first string
	var n uint32
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if first == "" {
			first = name
		}
		n++
	}
	if n == 0 {
		return model.GPUNone, 0
	}
	return first, n
}

// ParseCPUInfo counts physical cores and logical threads in /proc/cpuinfo
// format. Cores are distinct (physical id, core id) pairs; when the file
// carries no topology the core count equals the thread count.
func ParseCPUInfo(r io.Reader) (cores, threads uint32, err error) {
	type key struct{ phys, core string }
	seen := map[key]bool{}
	var phys, core string
	flush := func() {
		if core != "" {
			seen[key{phys, core}] = true
		}
		phys, core = "", ""
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "processor":
			threads++
		case "physical id":
			phys = strings.TrimSpace(v)
		case "core id":
			core = strings.TrimSpace(v)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	flush()

	cores = uint32(len(seen))
	if cores == 0 {
		cores = threads
	}
	return cores, threads, nil
}

func subFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
