package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TunnelRelayedTotal counts tunnel messages forwarded by the relay
var TunnelRelayedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "decloud_tunnel_relayed_total",
		Help: "Total number of tunnel messages forwarded by the relay",
	},
	[]string{"action"},
)

// TunnelRelayMissesTotal counts messages addressed to an unregistered name
var TunnelRelayMissesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "decloud_tunnel_relay_misses_total",
		Help: "Total number of tunnel messages whose target was not connected",
	},
)

// TunnelRelayDropsTotal counts messages dropped because the target queue was full
var TunnelRelayDropsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "decloud_tunnel_relay_drops_total",
		Help: "Total number of tunnel messages dropped for slow consumers",
	},
)

// TunnelConnected is the number of registered tunnel connections
var TunnelConnected = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "decloud_tunnel_connected_peers",
		Help: "Number of peers registered on the tunnel relay",
	},
)

// RegistryWritesTotal counts registry writes by operation
var RegistryWritesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "decloud_registry_writes_total",
		Help: "Total number of peer registry writes",
	},
	[]string{"op"},
)

// HeartbeatsTotal counts peer heartbeats by result
var HeartbeatsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "decloud_heartbeats_total",
		Help: "Total number of registry heartbeats sent by this peer",
	},
	[]string{"result"},
)

// TunnelRequestsTotal counts outbound tunnel requests by action and result
var TunnelRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "decloud_tunnel_requests_total",
		Help: "Total number of tunnel requests issued by this peer",
	},
	[]string{"action", "result"},
)

// STUNProbesTotal counts STUN discovery attempts by result
var STUNProbesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "decloud_stun_probes_total",
		Help: "Total number of STUN binding requests",
	},
	[]string{"result"},
)

// HolePunchesTotal counts hole-punch attempts by result
var HolePunchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "decloud_hole_punches_total",
		Help: "Total number of UDP hole-punch attempts",
	},
	[]string{"result"},
)

// SandboxSessions is the number of live sandbox sessions on this peer
var SandboxSessions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "decloud_sandbox_sessions",
		Help: "Number of live sandbox sessions",
	},
)
