package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"decloud/internal/model"
)

const (
	DefaultHealthTimeout = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
)

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

// Message extracts the {"error": ...} field, falling back to the raw body.
func (e *HTTPError) Message() string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &body) == nil && body.Error != "" {
		return body.Error
	}
	return e.Body
}

func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusUnauthorized:
		return model.ErrUnauthorized
	case http.StatusGatewayTimeout:
		return model.ErrTimeout
	case http.StatusServiceUnavailable:
		return model.ErrUnavailable
	}
	return nil
}

// Client is a thin HTTP client for the superpeer and peer-agent APIs.
type Client struct {
	baseURL       string
	http          *http.Client
	healthTimeout time.Duration
	writeTimeout  time.Duration
}

type Option func(*Client)

// WithHealthTimeout bounds Health calls.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.healthTimeout = d
		}
	}
}

// WithWriteTimeout bounds registry writes (Register, Deregister).
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			// Remote sandbox calls wait for the tunnel timeout on the server side.
			Timeout: 60 * time.Second,
		},
		healthTimeout: DefaultHealthTimeout,
		writeTimeout:  DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// Register upserts a peer record on the superpeer. The response token is
// set only when the superpeer issued a new one for an unclaimed name.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	req.Deregister = false
	var resp RegisterResponse
	err := c.postJSON(ctx, "/register", req, &resp)
	return resp, err
}

// Deregister removes a peer record from the superpeer.
func (c *Client) Deregister(ctx context.Context, name, token string) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.postJSON(ctx, "/register", RegisterRequest{Name: name, Token: token, Deregister: true}, nil)
}

// Peers returns the live peer set.
func (c *Client) Peers(ctx context.Context) ([]model.PeerRecord, error) {
	var resp PeersResponse
	if err := c.getJSON(ctx, "/peers", &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// ListLive makes Client usable as a planner.Lister.
func (c *Client) ListLive(ctx context.Context) ([]model.PeerRecord, error) {
	return c.Peers(ctx)
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	var resp HealthResponse
	err := c.getJSON(ctx, "/health", &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	err := c.getJSON(ctx, "/stats", &resp)
	return resp, err
}

// CheckAllocation asks the superpeer whether the network can satisfy req.
// An insufficient-capacity answer is not an error: the body is decoded and
// returned with CanAllocate false.
func (c *Client) CheckAllocation(ctx context.Context, req model.AllocationRequest) (CheckResponse, error) {
	var resp CheckResponse
	err := c.postJSON(ctx, "/network/check-allocation", req, &resp)
	var herr *HTTPError
	if errors.As(err, &herr) && herr.StatusCode == http.StatusBadRequest {
		if jerr := json.Unmarshal([]byte(herr.Body), &resp); jerr == nil && resp.Error != "" {
			return resp, nil
		}
	}
	return resp, err
}

func (c *Client) PlanStorage(ctx context.Context, bytes uint64) (PlanStorageResponse, error) {
	var resp PlanStorageResponse
	err := c.postJSON(ctx, "/network/plan-storage", PlanStorageRequest{Bytes: bytes}, &resp)
	return resp, err
}

// Connect asks the local agent to obtain a sandbox on peer.
func (c *Client) Connect(ctx context.Context, peer string, req ConnectRequest) (ConnectResponse, error) {
	var resp ConnectResponse
	err := c.postJSON(ctx, "/connect/"+url.PathEscape(peer), req, &resp)
	return resp, err
}

// RemoteExec runs cmd in a sandbox on peer through the local agent.
func (c *Client) RemoteExec(ctx context.Context, peer string, req ExecRequest) (string, error) {
	var resp ExecResponse
	if err := c.postJSON(ctx, "/connect/"+url.PathEscape(peer)+"/exec", req, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}

// RemoteClose closes a sandbox on peer through the local agent.
func (c *Client) RemoteClose(ctx context.Context, peer string, req CloseRequest) error {
	return c.postJSON(ctx, "/connect/"+url.PathEscape(peer)+"/close", req, nil)
}

// Deploy starts a sandbox on the agent itself.
func (c *Client) Deploy(ctx context.Context, res model.SandboxResources) (DeployResponse, error) {
	var resp DeployResponse
	err := c.postJSON(ctx, "/container/deploy", res, &resp)
	return resp, err
}

func (c *Client) Exec(ctx context.Context, req ExecRequest) (string, error) {
	var resp ExecResponse
	if err := c.postJSON(ctx, "/container/exec", req, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}

func (c *Client) Close(ctx context.Context, containerID string) error {
	return c.postJSON(ctx, "/container/close", CloseRequest{ContainerID: containerID}, nil)
}

// RegisterLocal tells the agent to join the network under name (optional
// when a name is already configured).
func (c *Client) RegisterLocal(ctx context.Context, name string) (Registration, error) {
	var resp Registration
	err := c.postJSON(ctx, "/register", RegisterLocalRequest{Name: name}, &resp)
	return resp, err
}

func (c *Client) DeregisterLocal(ctx context.Context) (Registration, error) {
	var resp Registration
	err := c.postJSON(ctx, "/deregister", struct{}{}, &resp)
	return resp, err
}

// NAT returns the agent's latest STUN observation. refresh forces a new probe.
func (c *Client) NAT(ctx context.Context, refresh bool) (NATStatus, error) {
	path := "/nat"
	if refresh {
		path += "?refresh=true"
	}
	var resp NATStatus
	err := c.getJSON(ctx, path, &resp)
	return resp, err
}

// Punch asks the agent to hole-punch towards a remote endpoint.
func (c *Client) Punch(ctx context.Context, req PunchRequest) (PunchResponse, error) {
	var resp PunchResponse
	err := c.postJSON(ctx, "/nat/punch", req, &resp)
	return resp, err
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, model.ErrTimeout)
		}
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return &HTTPError{StatusCode: res.StatusCode, Status: res.Status, Body: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
