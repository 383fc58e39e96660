package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// GPUNone is the GPU model reported by peers without a usable GPU.
const GPUNone = "none"

// Resources is a host inventory snapshot.
type Resources struct {
	TotalRAM         uint64 `json:"totalRam"`
	AvailableRAM     uint64 `json:"availableRam"`
	TotalStorage     uint64 `json:"totalStorage"`
	AvailableStorage uint64 `json:"availableStorage"`
	GPU              string `json:"gpu"`
	TotalGPUs        uint32 `json:"totalGpus"`
	AvailableGPUs    uint32 `json:"availableGpus"`
	CPUCores         uint32 `json:"cpuCores"`
	CPUThreads       uint32 `json:"cpuThreads"`
}

// PeerRecord is one peer's entry in the shared registry.
type PeerRecord struct {
	Name string `json:"name"`
	Resources
	LastSeen time.Time `json:"lastSeen"`
}

// Normalize clamps available values to their totals and fills an empty GPU model.
func (r *Resources) Normalize() {
	if r.AvailableRAM > r.TotalRAM {
		r.AvailableRAM = r.TotalRAM
	}
	if r.AvailableStorage > r.TotalStorage {
		r.AvailableStorage = r.TotalStorage
	}
	if r.AvailableGPUs > r.TotalGPUs {
		r.AvailableGPUs = r.TotalGPUs
	}
	if r.GPU == "" {
		r.GPU = GPUNone
	}
}

// HasGPU reports whether the peer advertises a GPU model.
func (r Resources) HasGPU() bool {
	return r.GPU != "" && r.GPU != GPUNone
}

// FreeGPUs returns the number of GPU units a peer can still hand out.
// Records that carry a model but no unit counts are treated as one unit.
func (r Resources) FreeGPUs() uint32 {
	if !r.HasGPU() {
		return 0
	}
	if r.TotalGPUs == 0 {
		return 1
	}
	return r.AvailableGPUs
}

// Live reports whether the record was refreshed within window of now.
func (p PeerRecord) Live(now time.Time, window time.Duration) bool {
	return now.Sub(p.LastSeen) < window
}

// GPUCount is a number of GPU units. JSON accepts a number or a boolean.
type GPUCount uint32

func (g *GPUCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false":
		*g = 0
		return nil
	case "true":
		*g = 1
		return nil
	}
	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("gpu: expected bool or count: %w", err)
	}
	*g = GPUCount(n)
	return nil
}

// SandboxResources is the resource shape pinned by one sandbox.
type SandboxResources struct {
	RAM     uint64   `json:"ram"`
	CPU     float64  `json:"cpu"`
	GPU     GPUCount `json:"gpu"`
	Storage uint64   `json:"storage"`
}

// NATType is a coarse NAT classification.
type NATType string

const (
	NATFullCone       NATType = "full-cone"
	NATRestrictedCone NATType = "restricted-cone"
	NATPortRestricted NATType = "port-restricted"
	NATSymmetric      NATType = "symmetric"
	NATBlocked        NATType = "blocked"
	NATUnknown        NATType = "unknown"
)

// NATEndpoint is the public mapping observed by STUN.
type NATEndpoint struct {
	PublicIP   string  `json:"publicIp"`
	PublicPort uint16  `json:"publicPort"`
	NATType    NATType `json:"natType"`
}

// AllocationRequest asks for capacity. Nil fields are not requested.
type AllocationRequest struct {
	RAM     *uint64   `json:"ram,omitempty"`
	Storage *uint64   `json:"storage,omitempty"`
	CPU     *uint32   `json:"cpu,omitempty"`
	GPU     *GPUCount `json:"gpu,omitempty"`
}

// Empty reports whether no dimension is requested.
func (r AllocationRequest) Empty() bool {
	return r.RAM == nil && r.Storage == nil && r.CPU == nil && (r.GPU == nil || *r.GPU == 0)
}

// Allocation is one peer's share of a storage plan.
type Allocation struct {
	PeerName       string `json:"peerName"`
	AllocatedBytes uint64 `json:"allocatedBytes"`
}

// AllocationPlan is ordered by descending peer availability.
type AllocationPlan []Allocation

// Total sums the allocated bytes.
func (p AllocationPlan) Total() uint64 {
	var sum uint64
	for _, a := range p {
		sum += a.AllocatedBytes
	}
	return sum
}

// Partial reports whether the plan falls short of requested.
func (p AllocationPlan) Partial(requested uint64) bool {
	return p.Total() < requested
}
