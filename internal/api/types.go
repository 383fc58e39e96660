package api

import (
	"time"

	"decloud/internal/model"
	"decloud/internal/planner"
)

// RegisterRequest is a peer's heartbeat/registration body. Resource fields
// are flattened next to the name. Token proves ownership of the name once it
// has been claimed.
type RegisterRequest struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
	model.Resources
	Deregister bool `json:"deregister,omitempty"`
}

// RegisterResponse carries the ownership token when the superpeer issued one.
type RegisterResponse struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

// StatusResponse is the generic {"status": ...} reply.
type StatusResponse struct {
	Status string `json:"status"`
}

// PeersResponse lists live peers.
type PeersResponse struct {
	Peers []model.PeerRecord `json:"peers"`
}

// HealthResponse is the superpeer's liveness reply.
type HealthResponse struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	Type              string    `json:"type"`
	LivenessWindowSec int       `json:"livenessWindowSec"`
}

// MemoryStats mirrors the runtime allocator counters.
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"totalAlloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"numGC"`
}

// StatsResponse reports superpeer process statistics.
type StatsResponse struct {
	ConnectedPeers int         `json:"connectedPeers"`
	Uptime         float64     `json:"uptime"`
	Memory         MemoryStats `json:"memory"`
}

// CheckResponse is the allocation answer. Error is set when capacity is
// insufficient.
type CheckResponse struct {
	planner.Check
	Error string `json:"error,omitempty"`
}

type PlanStorageRequest struct {
	Bytes uint64 `json:"bytes"`
}

type PlanStorageResponse struct {
	Plan      model.AllocationPlan `json:"plan"`
	Allocated uint64               `json:"allocated"`
	Partial   bool                 `json:"partial"`
}

// DeployResponse is returned by a peer after starting a local sandbox.
type DeployResponse struct {
	Status      string `json:"status"`
	ContainerID string `json:"containerId"`
	SecretKey   string `json:"secretKey"`
}

type ExecRequest struct {
	ContainerID string `json:"containerId"`
	SecretKey   string `json:"secretKey,omitempty"`
	Cmd         string `json:"cmd"`
}

type ExecResponse struct {
	Output string `json:"output"`
}

type CloseRequest struct {
	ContainerID string `json:"containerId"`
	SecretKey   string `json:"secretKey,omitempty"`
}

// ConnectRequest asks a remote peer for a sandbox. RAM and CPU are required.
type ConnectRequest struct {
	RAM     *uint64         `json:"ram,omitempty"`
	CPU     *float64        `json:"cpu,omitempty"`
	GPU     *model.GPUCount `json:"gpu,omitempty"`
	Storage *uint64         `json:"storage,omitempty"`
}

// Resources converts the request to the sandbox shape.
func (r ConnectRequest) Resources() model.SandboxResources {
	var out model.SandboxResources
	if r.RAM != nil {
		out.RAM = *r.RAM
	}
	if r.CPU != nil {
		out.CPU = *r.CPU
	}
	if r.GPU != nil {
		out.GPU = *r.GPU
	}
	if r.Storage != nil {
		out.Storage = *r.Storage
	}
	return out
}

// ConnectResponse carries the grant issued by the remote peer.
type ConnectResponse struct {
	Status      string `json:"status"`
	Peer        string `json:"peer"`
	ContainerID string `json:"containerId"`
	SecretKey   string `json:"secretKey"`
	UserID      string `json:"userId"`
}

// RegisterLocalRequest optionally names the peer on first registration.
type RegisterLocalRequest struct {
	Name string `json:"name,omitempty"`
}

// Registration is the peer's persisted registration state.
type Registration struct {
	Name       string    `json:"name"`
	Registered bool      `json:"registered"`
	Timestamp  time.Time `json:"timestamp"`
}

// SuperpeerStatus is the peer's view of its superpeer.
type SuperpeerStatus struct {
	URL     string          `json:"url"`
	Healthy bool            `json:"healthy"`
	Health  *HealthResponse `json:"health,omitempty"`
	Error   string          `json:"error,omitempty"`
	Tunnel  bool            `json:"tunnelConnected"`
}

// NATStatus is the latest STUN observation.
type NATStatus struct {
	model.NATEndpoint
	LocalPort int       `json:"localPort"`
	CheckedAt time.Time `json:"checkedAt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type PunchRequest struct {
	RemoteIP   string `json:"remoteIp"`
	RemotePort int    `json:"remotePort"`
}

type PunchResponse struct {
	Success bool   `json:"success"`
	Remote  string `json:"remote"`
}
