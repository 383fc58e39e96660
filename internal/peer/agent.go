package peer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"decloud/internal/api"
	"decloud/internal/config"
	"decloud/internal/execx"
	"decloud/internal/inventory"
	"decloud/internal/metrics"
	"decloud/internal/model"
	"decloud/internal/nat"
	"decloud/internal/planner"
	"decloud/internal/registry"
	"decloud/internal/sandbox"
	"decloud/internal/store"
	"decloud/internal/tunnel"
)

const registrationPath = "peer/config/registration"

var (
	ErrNotRegistered = errors.New("this peer is not registered; register it first")
	ErrInvalidName   = errors.New("invalid peer name")
)

// registration is what the agent persists at registrationPath. Token proves
// ownership of the name to the superpeer and never leaves the agent.
type registration struct {
	api.Registration
	Token string `json:"token,omitempty"`
}

// Inventory measures what this host can offer.
type Inventory interface {
	Snapshot(ctx context.Context, pinned []model.SandboxResources) (model.Resources, error)
}

type Option func(*Agent)

func WithInventory(inv Inventory) Option {
	return func(a *Agent) { a.inv = inv }
}

func WithExecutor(e sandbox.Executor) Option {
	return func(a *Agent) { a.exec = e }
}

// WithSocket makes the agent use sock for STUN and hole punching instead of
// opening its own. The caller keeps ownership.
func WithSocket(sock *nat.Socket) Option {
	return func(a *Agent) { a.sock = sock }
}

// Agent is the long-running process on a machine sharing its resources.
type Agent struct {
	log       *zap.Logger
	st        store.Store
	api       *api.Client
	inv       Inventory
	exec      sandbox.Executor
	sandboxes *sandbox.Manager
	tunnel    *tunnel.Client
	sock      *nat.Socket
	ownsSock  bool
	unsub     func()
	now       func() time.Time

	mu  sync.Mutex
	cfg config.PeerConfig
	reg registration
	nat api.NATStatus
}

// New wires an agent from cfg. Registration state is restored from st.
func New(cfg config.PeerConfig, st store.Store, log *zap.Logger, opts ...Option) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Agent{log: log, st: st, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}

	runner := execx.NewOSRunner(nil, nil)
	if a.inv == nil {
		a.inv = inventory.New(runner, cfg.StoragePath, log)
	}
	if a.exec == nil {
		egress, err := sandbox.ParseEgressList(cfg.Sandbox.EgressHosts)
		if err != nil {
			return nil, err
		}
		a.exec = sandbox.NewDockerExecutor(runner, sandbox.DockerConfig{
			Image:     cfg.Sandbox.Image,
			User:      cfg.Sandbox.User,
			PidsLimit: cfg.Sandbox.PidsLimit,
			Egress:    egress,
		}, log)
	}

	a.api = api.NewClient(cfg.Superpeer,
		api.WithHealthTimeout(cfg.HealthTimeout()),
		api.WithWriteTimeout(cfg.RegistryTimeout()),
	)

	if err := st.Get(registrationPath, &a.reg); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("load registration: %w", err)
		}
		a.reg = registration{}
	}
	if a.reg.Name == "" {
		a.reg.Name = strings.TrimSpace(cfg.Name)
	}

	a.sandboxes = sandbox.NewManager(a.exec, st, a.reg.Name, log)
	a.sandboxes.SetDefaultRAM(cfg.Sandbox.DefaultRAM)

	wsURL, err := tunnel.WebsocketURL(cfg.Superpeer)
	if err != nil {
		return nil, err
	}
	a.tunnel = tunnel.NewClient(tunnel.ClientConfig{URL: wsURL, Timeout: cfg.TunnelTimeout()}, a.identity, a.sandboxes, log)

	if a.sock == nil {
		listen := cfg.PunchListen
		if listen == "" {
			listen = ":0"
		}
		sock, err := nat.Listen(listen, log)
		if err != nil {
			return nil, fmt.Errorf("open punch socket: %w", err)
		}
		a.sock, a.ownsSock = sock, true
	}

	a.unsub = st.Subscribe(registrationPath, a.onRegistrationChange)
	return a, nil
}

// Close releases the subscription, running sandboxes and the punch socket.
func (a *Agent) Close() error {
	if a.unsub != nil {
		a.unsub()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := a.sandboxes.CloseAll(ctx); n > 0 {
		a.log.Info("closed sandboxes on shutdown", zap.Int("count", n))
	}
	if a.ownsSock {
		return a.sock.Close()
	}
	return nil
}

func (a *Agent) config() config.PeerConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ApplyConfig picks up settings that can change without a restart.
func (a *Agent) ApplyConfig(cfg config.PeerConfig) {
	a.mu.Lock()
	changed := !slices.Equal(a.cfg.STUNServers, cfg.STUNServers)
	a.cfg.STUNServers = append([]string(nil), cfg.STUNServers...)
	a.mu.Unlock()
	if changed {
		a.log.Info("stun servers updated", zap.Strings("servers", cfg.STUNServers))
	}
}

func (a *Agent) identity() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.Name, a.reg.Registered
}

// Registration returns the current registration state.
func (a *Agent) Registration() api.Registration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.Registration
}

func (a *Agent) stored() registration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg
}

func (a *Agent) onRegistrationChange(ev store.Event) {
	if ev.Deleted {
		return
	}
	var next registration
	if err := a.st.Get(registrationPath, &next); err != nil {
		a.log.Warn("read registration failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	prev := a.reg
	a.reg = next
	a.mu.Unlock()

	if !a.tunnel.Connected() {
		return
	}
	if !next.Registered {
		if !prev.Registered {
			return
		}
		if err := a.tunnel.Unregister(); err != nil {
			a.log.Warn("tunnel unregister failed", zap.String("peer", prev.Name), zap.Error(err))
		}
		return
	}
	if prev.Registered && prev.Name == next.Name {
		return
	}
	if err := a.tunnel.Register(); err != nil {
		a.log.Warn("tunnel register failed", zap.String("peer", next.Name), zap.Error(err))
	}
}

// Register joins the network as name (or the configured name when empty).
// The first heartbeat must reach the superpeer for registration to stick.
func (a *Agent) Register(ctx context.Context, name string) (api.Registration, error) {
	cur := a.stored()
	name = strings.TrimSpace(name)
	if name == "" {
		name = cur.Name
	}
	if name == "" {
		return api.Registration{}, fmt.Errorf("peer name is required: %w", ErrInvalidName)
	}
	if strings.Contains(name, "/") {
		return api.Registration{}, fmt.Errorf("%w %q", ErrInvalidName, name)
	}

	token := cur.Token
	if token == "" {
		var err error
		if token, err = registry.NewToken(); err != nil {
			return api.Registration{}, err
		}
	}

	if cur.Registered && cur.Name != name {
		if err := a.api.Deregister(ctx, cur.Name, token); err != nil {
			a.log.Warn("deregister previous name failed", zap.String("peer", cur.Name), zap.Error(err))
		}
	}
	if err := a.heartbeat(ctx, name, token); err != nil {
		return api.Registration{}, fmt.Errorf("register with superpeer: %w", err)
	}
	a.sandboxes.SetSelf(name)

	next := registration{
		Registration: api.Registration{Name: name, Registered: true, Timestamp: a.now().UTC()},
		Token:        token,
	}
	if err := a.st.Put(registrationPath, next); err != nil {
		return api.Registration{}, err
	}
	a.log.Info("peer registered", zap.String("peer", name))
	return next.Registration, nil
}

// Deregister leaves the network and drops the tunnel binding. Running
// sandboxes are kept.
func (a *Agent) Deregister(ctx context.Context) (api.Registration, error) {
	cur := a.stored()
	if !cur.Registered {
		return cur.Registration, nil
	}
	if err := a.api.Deregister(ctx, cur.Name, cur.Token); err != nil {
		return cur.Registration, fmt.Errorf("deregister from superpeer: %w", err)
	}
	next := registration{
		Registration: api.Registration{Name: cur.Name, Registered: false, Timestamp: a.now().UTC()},
		Token:        cur.Token,
	}
	if err := a.st.Put(registrationPath, next); err != nil {
		return cur.Registration, err
	}
	a.log.Info("peer deregistered", zap.String("peer", cur.Name))
	return next.Registration, nil
}

func (a *Agent) heartbeat(ctx context.Context, name, token string) error {
	res, err := a.inv.Snapshot(ctx, a.sandboxes.Pinned())
	if err == nil {
		_, err = a.api.Register(ctx, api.RegisterRequest{Name: name, Token: token, Resources: res})
	}
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config().HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg := a.stored()
			if !reg.Registered {
				continue
			}
			if err := a.heartbeat(ctx, reg.Name, reg.Token); err != nil {
				a.log.Warn("heartbeat failed", zap.String("peer", reg.Name), zap.Error(err))
			}
		}
	}
}

func (a *Agent) stunLoop(ctx context.Context) {
	a.ProbeNAT(ctx)
	ticker := time.NewTicker(a.config().STUNInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.ProbeNAT(ctx)
		}
	}
}

// ProbeNAT refreshes the public mapping of the punch socket. Without
// configured servers the previous status is returned unchanged.
func (a *Agent) ProbeNAT(ctx context.Context) api.NATStatus {
	cfg := a.config()
	if len(cfg.STUNServers) == 0 {
		return a.NAT()
	}

	ep, err := a.sock.Probe(ctx, cfg.STUNServers, cfg.STUNTimeout())
	status := api.NATStatus{NATEndpoint: ep, CheckedAt: a.now().UTC()}
	if addr := a.sock.LocalAddr(); addr != nil {
		status.LocalPort = addr.Port
	}
	if err != nil {
		status.Error = err.Error()
		a.log.Warn("stun probe failed", zap.String("nat_type", string(ep.NATType)), zap.Error(err))
	} else {
		a.log.Info("stun probe",
			zap.String("public_ip", ep.PublicIP),
			zap.Uint16("public_port", ep.PublicPort),
			zap.String("nat_type", string(ep.NATType)),
		)
	}

	a.mu.Lock()
	a.nat = status
	a.mu.Unlock()
	return status
}

// NAT returns the latest STUN observation.
func (a *Agent) NAT() api.NATStatus {
	a.mu.Lock()
	status := a.nat
	a.mu.Unlock()
	if status.NATType == "" {
		status.NATType = model.NATUnknown
	}
	if addr := a.sock.LocalAddr(); addr != nil {
		status.LocalPort = addr.Port
	}
	return status
}

// Punch hole-punches towards a remote endpoint over the STUN socket.
func (a *Agent) Punch(ctx context.Context, remote string) (bool, error) {
	cfg := a.config()
	return a.sock.HolePunch(ctx, remote, nat.PunchOptions{
		Attempts: cfg.PunchAttempts,
		Interval: cfg.PunchInterval(),
		Timeout:  cfg.PunchTimeout(),
	})
}

// Connect obtains a sandbox on target through the tunnel after checking the
// target is live and large enough.
func (a *Agent) Connect(ctx context.Context, target string, req api.ConnectRequest) (api.ConnectResponse, error) {
	if _, registered := a.identity(); !registered {
		return api.ConnectResponse{}, ErrNotRegistered
	}

	peers, err := a.api.Peers(ctx)
	if err != nil {
		return api.ConnectResponse{}, fmt.Errorf("list peers: %v: %w", err, model.ErrUnavailable)
	}
	var rec *model.PeerRecord
	for i := range peers {
		if peers[i].Name == target {
			rec = &peers[i]
			break
		}
	}
	if rec == nil {
		return api.ConnectResponse{}, fmt.Errorf("peer %s is not online: %w", target, model.ErrNotFound)
	}
	if !planner.Fits(*rec, allocationFor(req)) {
		return api.ConnectResponse{}, fmt.Errorf("peer %s lacks the requested capacity: %w", target, model.ErrResourceExhausted)
	}

	grant, err := a.tunnel.RequestContainer(ctx, target, req.Resources(), a.config().TunnelTimeout())
	if err != nil {
		return api.ConnectResponse{}, err
	}
	return api.ConnectResponse{
		Status:      "connected",
		Peer:        target,
		ContainerID: grant.ContainerID,
		SecretKey:   grant.SecretKey,
		UserID:      grant.UserID,
	}, nil
}

// RemoteExec runs cmd in a sandbox held on target.
func (a *Agent) RemoteExec(ctx context.Context, target string, req api.ExecRequest) (string, error) {
	if _, registered := a.identity(); !registered {
		return "", ErrNotRegistered
	}
	return a.tunnel.Exec(ctx, target, req.ContainerID, req.SecretKey, req.Cmd, a.config().TunnelTimeout())
}

// RemoteClose closes a sandbox held on target.
func (a *Agent) RemoteClose(ctx context.Context, target string, req api.CloseRequest) error {
	if _, registered := a.identity(); !registered {
		return ErrNotRegistered
	}
	return a.tunnel.CloseContainer(ctx, target, req.ContainerID, req.SecretKey, a.config().TunnelTimeout())
}

// SuperpeerStatus probes the superpeer's health endpoint.
func (a *Agent) SuperpeerStatus(ctx context.Context) api.SuperpeerStatus {
	status := api.SuperpeerStatus{URL: a.api.BaseURL(), Tunnel: a.tunnel.Connected()}
	h, err := a.api.Health(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = h.Status == "healthy"
	status.Health = &h
	return status
}

func (a *Agent) checkSuperpeer(ctx context.Context) {
	status := a.SuperpeerStatus(ctx)
	if !status.Healthy {
		a.log.Warn("superpeer unreachable", zap.String("url", status.URL), zap.String("error", status.Error))
		return
	}
	hb := a.config().HeartbeatIntervalSec
	if window := status.Health.LivenessWindowSec; livenessMismatch(hb, window) {
		a.log.Warn("heartbeat interval too long for superpeer liveness window",
			zap.Int("heartbeat_sec", hb),
			zap.Int("liveness_window_sec", window),
		)
	}
}

// livenessMismatch reports whether one missed heartbeat would already drop
// the peer from the live set.
func livenessMismatch(heartbeatSec, windowSec int) bool {
	return windowSec > 0 && 2*heartbeatSec > windowSec
}

// Run serves the agent API on ln and runs the tunnel, heartbeat and STUN
// loops until ctx ends.
func (a *Agent) Run(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()

	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.checkSuperpeer(ctx)
	if reg := a.stored(); reg.Registered {
		if err := a.heartbeat(ctx, reg.Name, reg.Token); err != nil {
			a.log.Warn("initial heartbeat failed", zap.String("peer", reg.Name), zap.Error(err))
		}
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = a.tunnel.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.stunLoop(ctx)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	a.log.Info("peer agent listening", zap.String("addr", ln.Addr().String()))

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return err
}

// ListenAndServe listens on the configured address and calls Run.
func (a *Agent) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config().Listen)
	if err != nil {
		return err
	}
	return a.Run(ctx, ln)
}

func allocationFor(req api.ConnectRequest) model.AllocationRequest {
	out := model.AllocationRequest{RAM: req.RAM, Storage: req.Storage, GPU: req.GPU}
	if req.CPU != nil {
		cores := uint32(math.Ceil(*req.CPU))
		out.CPU = &cores
	}
	return out
}
