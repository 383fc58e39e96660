package superpeer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"decloud/internal/api"
	"decloud/internal/config"
	"decloud/internal/httpx"
	"decloud/internal/metrics"
	"decloud/internal/model"
	"decloud/internal/planner"
	"decloud/internal/registry"
	"decloud/internal/store"
	"decloud/internal/tunnel"
)

const pruneEvery = 10 * time.Minute

// Server is the superpeer: peer registry, allocation planner and tunnel
// relay behind one HTTP listener.
type Server struct {
	cfg     config.SuperpeerConfig
	st      store.Store
	reg     *registry.Registry
	relay   *tunnel.Relay
	log     *zap.Logger
	router  *mux.Router
	started time.Time
	now     func() time.Time
}

// NewServer constructs a superpeer server over st.
func NewServer(cfg config.SuperpeerConfig, st store.Store, log *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		st:      st,
		reg:     registry.New(st, registry.WithWindow(cfg.LivenessWindow())),
		relay:   tunnel.NewRelay(log, tunnel.WithQueueSize(cfg.RelayQueue)),
		log:     log,
		router:  mux.NewRouter(),
		started: time.Now(),
		now:     time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Registry() *registry.Registry { return s.reg }
func (s *Server) Relay() *tunnel.Relay         { return s.relay }
func (s *Server) Handler() http.Handler        { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(httpx.CORS)

	s.router.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/network/check-allocation", s.handleCheckAllocation).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/network/plan-storage", s.handlePlanStorage).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/tunnel", s.relay.ServeWS).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Run serves HTTP on ln and prunes stale records until ctx ends.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.pruneLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()
	s.log.Info("superpeer listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ListenAndServe listens on the configured address and calls Run.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Run(ctx, ln)
}

func (s *Server) pruneLoop(ctx context.Context) {
	if s.cfg.PruneAfterSec <= 0 {
		return
	}
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.reg.Prune(ctx, s.cfg.PruneAfter())
			if err != nil {
				s.log.Warn("prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("pruned stale peers", zap.Int("count", n))
			}
		}
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		httpx.WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	owned, issued, err := s.reg.Claim(r.Context(), req.Name, req.Token)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	if req.Deregister {
		if err := owned.Deregister(r.Context()); err != nil {
			s.writeRegistryError(w, err)
			return
		}
		metrics.RegistryWritesTotal.WithLabelValues("deregister").Inc()
		s.log.Info("peer deregistered", zap.String("peer", owned.Name()))
		httpx.WriteJSON(w, http.StatusOK, api.RegisterResponse{Status: "deregistered"})
		return
	}

	rec, err := owned.Upsert(r.Context(), model.PeerRecord{Name: req.Name, Resources: req.Resources})
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	metrics.RegistryWritesTotal.WithLabelValues("upsert").Inc()
	if issued != "" {
		s.log.Info("peer name claimed", zap.String("peer", rec.Name))
	}
	s.log.Debug("peer heartbeat",
		zap.String("peer", rec.Name),
		zap.Uint64("available_ram", rec.AvailableRAM),
		zap.Uint64("available_storage", rec.AvailableStorage),
		zap.String("gpu", rec.GPU),
	)
	httpx.WriteJSON(w, http.StatusOK, api.RegisterResponse{Status: "registered", Token: issued})
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrInvalidName) {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, model.ErrUnauthorized) {
		s.log.Warn("registry write rejected", zap.Error(err))
		httpx.WriteErr(w, err)
		return
	}
	s.log.Error("registry write failed", zap.Error(err))
	httpx.WriteErr(w, err)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.reg.ListLive(r.Context())
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, api.PeersResponse{Peers: peers})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, api.HealthResponse{
		Status:            "healthy",
		Timestamp:         s.now().UTC(),
		Type:              "superpeer",
		LivenessWindowSec: int(s.reg.Window() / time.Second),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	httpx.WriteJSON(w, http.StatusOK, api.StatsResponse{
		ConnectedPeers: s.relay.Connected(),
		Uptime:         s.now().Sub(s.started).Seconds(),
		Memory: api.MemoryStats{
			Alloc:      ms.Alloc,
			TotalAlloc: ms.TotalAlloc,
			Sys:        ms.Sys,
			NumGC:      ms.NumGC,
		},
	})
}

func (s *Server) handleCheckAllocation(w http.ResponseWriter, r *http.Request) {
	var req model.AllocationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	check, err := planner.CheckAllocation(r.Context(), s.reg, req)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if !check.CanAllocate {
		httpx.WriteJSON(w, http.StatusBadRequest, api.CheckResponse{
			Check: check,
			Error: "insufficient resources available in the network",
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, api.CheckResponse{Check: check})
}

func (s *Server) handlePlanStorage(w http.ResponseWriter, r *http.Request) {
	var req api.PlanStorageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Bytes == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "bytes must be positive")
		return
	}

	peers, err := s.reg.ListLive(r.Context())
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	plan := planner.DistributeStorage(req.Bytes, peers)
	httpx.WriteJSON(w, http.StatusOK, api.PlanStorageResponse{
		Plan:      plan,
		Allocated: plan.Total(),
		Partial:   plan.Partial(req.Bytes),
	})
}
