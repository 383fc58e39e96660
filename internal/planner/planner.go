package planner

import (
	"context"
	"sort"

	"decloud/internal/model"
)

// Lister returns the live peer set.
type Lister interface {
	ListLive(ctx context.Context) ([]model.PeerRecord, error)
}

// Totals aggregates capacity over a set of peers.
type Totals struct {
	RAM     uint64 `json:"ram"`
	Storage uint64 `json:"storage"`
	CPU     uint64 `json:"cpu"`
	GPU     uint64 `json:"gpu"`
}

// Check is the answer to an allocation query.
type Check struct {
	CanAllocate    bool                    `json:"canAllocate"`
	SuitablePeers  []model.PeerRecord      `json:"suitablePeers"`
	TotalAvailable Totals                  `json:"totalAvailable"`
	Requested      model.AllocationRequest `json:"requested"`
}

// CheckAllocation keeps the live peers that satisfy every requested dimension
// on their own, then tests whether their combined capacity covers the request.
func CheckAllocation(ctx context.Context, lister Lister, req model.AllocationRequest) (Check, error) {
	peers, err := lister.ListLive(ctx)
	if err != nil {
		return Check{}, err
	}

	res := Check{SuitablePeers: []model.PeerRecord{}, Requested: req}
	for _, p := range peers {
		if !Fits(p, req) {
			continue
		}
		res.SuitablePeers = append(res.SuitablePeers, p)
		res.TotalAvailable.RAM += p.AvailableRAM
		res.TotalAvailable.Storage += p.AvailableStorage
		res.TotalAvailable.CPU += uint64(p.CPUCores)
		res.TotalAvailable.GPU += uint64(p.FreeGPUs())
	}
	sort.Slice(res.SuitablePeers, func(i, j int) bool {
		return res.SuitablePeers[i].Name < res.SuitablePeers[j].Name
	})

	res.CanAllocate = len(res.SuitablePeers) > 0 && covers(res.TotalAvailable, req)
	return res, nil
}

// Fits reports whether one peer satisfies every present dimension of req.
func Fits(p model.PeerRecord, req model.AllocationRequest) bool {
	if req.RAM != nil && p.AvailableRAM < *req.RAM {
		return false
	}
	if req.Storage != nil && p.AvailableStorage < *req.Storage {
		return false
	}
	if req.CPU != nil && p.CPUCores < *req.CPU {
		return false
	}
	if req.GPU != nil && *req.GPU > 0 {
		if !p.HasGPU() || p.FreeGPUs() < uint32(*req.GPU) {
			return false
		}
	}
	return true
}

func covers(t Totals, req model.AllocationRequest) bool {
	if req.RAM != nil && t.RAM < *req.RAM {
		return false
	}
	if req.Storage != nil && t.Storage < *req.Storage {
		return false
	}
	if req.CPU != nil && t.CPU < uint64(*req.CPU) {
		return false
	}
	if req.GPU != nil && t.GPU < uint64(*req.GPU) {
		return false
	}
	return true
}

// DistributeStorage spreads requested bytes over peers, largest free space
// first. The plan may fall short; callers check Partial.
func DistributeStorage(requested uint64, peers []model.PeerRecord) model.AllocationPlan {
	sorted := make([]model.PeerRecord, len(peers))
	copy(sorted, peers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AvailableStorage != sorted[j].AvailableStorage {
			return sorted[i].AvailableStorage > sorted[j].AvailableStorage
		}
		return sorted[i].Name < sorted[j].Name
	})

	plan := model.AllocationPlan{}
	remaining := requested
	for _, p := range sorted {
		if remaining == 0 {
			break
		}
		if p.AvailableStorage == 0 {
			continue
		}
		n := min(remaining, p.AvailableStorage)
		plan = append(plan, model.Allocation{PeerName: p.Name, AllocatedBytes: n})
		remaining -= n
	}
	return plan
}
