package peer

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"decloud/internal/addrutil"
	"decloud/internal/api"
	"decloud/internal/httpx"
	"decloud/internal/model"
	"decloud/internal/sandbox"
	"decloud/internal/tunnel"
)

// Handler returns the agent's HTTP API.
func (a *Agent) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(httpx.CORS)

	r.HandleFunc("/container/deploy", a.handleDeploy).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/container/exec", a.handleExec).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/container/close", a.handleClose).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/containers", a.handleContainers).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/container/{id}", a.handleContainer).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/connect/{peer}", a.handleConnect).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/connect/{peer}/exec", a.handleRemoteExec).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/connect/{peer}/close", a.handleRemoteClose).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/register", a.handleRegister).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/deregister", a.handleDeregister).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/registration", a.handleRegistration).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/config", a.handleConfig).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/superpeer-status", a.handleSuperpeerStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/nat", a.handleNAT).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/nat/punch", a.handlePunch).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (a *Agent) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var res model.SandboxResources
	if err := httpx.DecodeJSON(r, &res); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.sandboxes.Deploy(r.Context(), "", res)
	if err != nil {
		a.log.Error("deploy failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, api.DeployResponse{
		Status:      "Container deployed",
		ContainerID: grant.ContainerID,
		SecretKey:   grant.SecretKey,
	})
}

func (a *Agent) handleExec(w http.ResponseWriter, r *http.Request) {
	var req api.ExecRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContainerID == "" || req.Cmd == "" {
		httpx.WriteError(w, http.StatusBadRequest, "containerId and cmd are required")
		return
	}
	out, err := a.sandboxes.Exec(r.Context(), req.ContainerID, req.SecretKey, req.Cmd)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, api.ExecResponse{Output: out})
}

func (a *Agent) handleClose(w http.ResponseWriter, r *http.Request) {
	var req api.CloseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContainerID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "containerId is required")
		return
	}
	if err := a.sandboxes.Close(r.Context(), req.ContainerID); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "Container closed"})
}

func (a *Agent) handleContainers(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string][]sandbox.Info{"containers": a.sandboxes.List()})
}

func (a *Agent) handleContainer(w http.ResponseWriter, r *http.Request) {
	info, err := a.sandboxes.Get(mux.Vars(r)["id"])
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, info)
}

func (a *Agent) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["peer"]
	var req api.ConnectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RAM == nil || req.CPU == nil {
		httpx.WriteError(w, http.StatusBadRequest, "ram and cpu are required")
		return
	}

	resp, err := a.Connect(r.Context(), target, req)
	if err != nil {
		a.log.Info("connect failed", zap.String("peer", target), zap.Error(err))
		var remote *tunnel.RemoteError
		if errors.As(err, &remote) {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		a.writeTunnelError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *Agent) handleRemoteExec(w http.ResponseWriter, r *http.Request) {
	var req api.ExecRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContainerID == "" || req.SecretKey == "" || req.Cmd == "" {
		httpx.WriteError(w, http.StatusBadRequest, "containerId, secretKey and cmd are required")
		return
	}
	out, err := a.RemoteExec(r.Context(), mux.Vars(r)["peer"], req)
	if err != nil {
		a.writeTunnelError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, api.ExecResponse{Output: out})
}

func (a *Agent) handleRemoteClose(w http.ResponseWriter, r *http.Request) {
	var req api.CloseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ContainerID == "" || req.SecretKey == "" {
		httpx.WriteError(w, http.StatusBadRequest, "containerId and secretKey are required")
		return
	}
	if err := a.RemoteClose(r.Context(), mux.Vars(r)["peer"], req); err != nil {
		a.writeTunnelError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, api.StatusResponse{Status: "Container closed"})
}

func (a *Agent) writeTunnelError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotRegistered) {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpx.WriteErr(w, err)
}

func (a *Agent) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterLocalRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	reg, err := a.Register(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, ErrInvalidName) {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reg)
}

func (a *Agent) handleDeregister(w http.ResponseWriter, r *http.Request) {
	reg, err := a.Deregister(r.Context())
	if err != nil {
		httpx.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reg)
}

func (a *Agent) handleRegistration(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.Registration())
}

func (a *Agent) handleConfig(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.config())
}

func (a *Agent) handleSuperpeerStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.SuperpeerStatus(r.Context()))
}

func (a *Agent) handleNAT(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		httpx.WriteJSON(w, http.StatusOK, a.ProbeNAT(r.Context()))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a.NAT())
}

func (a *Agent) handlePunch(w http.ResponseWriter, r *http.Request) {
	var req api.PunchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	remote, err := addrutil.Endpoint(req.RemoteIP, req.RemotePort)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := a.Punch(r.Context(), remote)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, api.PunchResponse{Success: ok, Remote: remote})
}
