package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"decloud/internal/metrics"
	"decloud/internal/model"
	"decloud/internal/sandbox"
)

const (
	DefaultTimeout    = 15 * time.Second
	defaultMinBackoff = 2 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

var ErrNotConnected = fmt.Errorf("tunnel not connected: %w", model.ErrUnavailable)

// Identity reports this peer's tunnel name and whether it is registered.
type Identity func() (name string, registered bool)

// Sandbox is what inbound requests act on.
type Sandbox interface {
	Deploy(ctx context.Context, owner string, res model.SandboxResources) (sandbox.Grant, error)
	Exec(ctx context.Context, id, secretKey, cmd string) (string, error)
	CloseWithKey(ctx context.Context, id, secretKey string) error
	CloseOwnedBy(ctx context.Context, owner string) int
}

type ClientConfig struct {
	URL        string
	Timeout    time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// ContainerGrant is returned by a remote peer that provisioned a sandbox.
type ContainerGrant struct {
	ContainerID string `json:"containerId"`
	SecretKey   string `json:"secretKey"`
	UserID      string `json:"userId"`
}

type pendingCall struct {
	seq    uint64
	target string
	action string
	ch     chan Payload
	failed chan error
}

// Client is a peer's connection to the relay.
type Client struct {
	cfg      ClientConfig
	identity Identity
	sandbox  Sandbox
	log      *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*pendingCall
	seq     uint64
}

func NewClient(cfg ClientConfig, identity Identity, sb Sandbox, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		identity: identity,
		sandbox:  sb,
		log:      log,
		pending:  make(map[string]*pendingCall),
	}
}

// WebsocketURL derives the relay endpoint from a superpeer base URL.
func WebsocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/tunnel"
	}
	return u.String(), nil
}

// Run keeps a relay connection open until ctx ends, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.cfg.MinBackoff
		}
		c.log.Warn("tunnel disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	ws.SetReadLimit(maxFrame)

	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == ws {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = ws.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()

	c.log.Info("tunnel connected", zap.String("url", c.cfg.URL))
	if _, registered := c.identity(); registered {
		if err := c.Register(); err != nil {
			return true, err
		}
	}

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return true, err
		}
		c.dispatch(ctx, env)
	}
}

// Connected reports whether a relay connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Register announces this peer's name on the open connection.
func (c *Client) Register() error {
	name, registered := c.identity()
	if !registered || name == "" {
		return errors.New("peer is not registered")
	}
	env, err := NewEnvelope(EventRegister, RegisterData{Name: name})
	if err != nil {
		return err
	}
	if err := c.write(env); err != nil {
		return err
	}
	c.log.Info("tunnel register sent", zap.String("peer", name))
	return nil
}

// Unregister tells the relay to stop routing requests to this peer.
func (c *Client) Unregister() error {
	env, err := NewEnvelope(EventUnregister, struct{}{})
	if err != nil {
		return err
	}
	if err := c.write(env); err != nil {
		return err
	}
	c.log.Info("tunnel unregister sent")
	return nil
}

func (c *Client) write(env Envelope) error {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(env)
}

func (c *Client) sendTunnel(msg Message) error {
	env, err := NewEnvelope(EventTunnel, msg)
	if err != nil {
		return err
	}
	return c.write(env)
}

// RequestContainer asks target to provision a sandbox.
func (c *Client) RequestContainer(ctx context.Context, target string, res model.SandboxResources, timeout time.Duration) (ContainerGrant, error) {
	resp, err := c.request(ctx, target, Payload{Action: ActionRequestContainer, Resources: &res}, timeout)
	if err != nil {
		return ContainerGrant{}, err
	}
	if resp.ContainerID == "" || resp.SecretKey == "" {
		return ContainerGrant{}, fmt.Errorf("peer %s: incomplete container grant", target)
	}
	return ContainerGrant{ContainerID: resp.ContainerID, SecretKey: resp.SecretKey, UserID: resp.UserID}, nil
}

// Exec runs cmd inside a sandbox on target.
func (c *Client) Exec(ctx context.Context, target, containerID, secretKey, cmd string, timeout time.Duration) (string, error) {
	resp, err := c.request(ctx, target, Payload{
		Action:      ActionDockerExec,
		ContainerID: containerID,
		SecretKey:   secretKey,
		Cmd:         cmd,
	}, timeout)
	if err != nil {
		return "", err
	}
	return resp.Output, nil
}

// CloseContainer destroys a sandbox on target.
func (c *Client) CloseContainer(ctx context.Context, target, containerID, secretKey string, timeout time.Duration) error {
	_, err := c.request(ctx, target, Payload{
		Action:      ActionCloseContainer,
		ContainerID: containerID,
		SecretKey:   secretKey,
	}, timeout)
	return err
}

func (c *Client) request(ctx context.Context, target string, p Payload, timeout time.Duration) (Payload, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Payload{}, errors.New("target peer is required")
	}
	name, registered := c.identity()
	if !registered {
		return Payload{}, ErrNotRegistered
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}

	p.RequestID = uuid.New().String()
	p.UserID = name
	call := &pendingCall{
		target: target,
		action: ResultAction(p.Action),
		ch:     make(chan Payload, 1),
		failed: make(chan error, 1),
	}
	c.mu.Lock()
	c.seq++
	call.seq = c.seq
	c.pending[p.RequestID] = call
	c.mu.Unlock()

	if err := c.sendTunnel(Message{From: name, Target: target, SessionID: p.RequestID, Payload: p}); err != nil {
		c.forget(p.RequestID)
		metrics.TunnelRequestsTotal.WithLabelValues(p.Action, "error").Inc()
		return Payload{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.ch:
		if resp.Error != "" {
			metrics.TunnelRequestsTotal.WithLabelValues(p.Action, "error").Inc()
			return Payload{}, &RemoteError{Peer: target, Code: resp.ErrorCode, Message: resp.Error}
		}
		metrics.TunnelRequestsTotal.WithLabelValues(p.Action, "ok").Inc()
		return resp, nil
	case err := <-call.failed:
		metrics.TunnelRequestsTotal.WithLabelValues(p.Action, "error").Inc()
		return Payload{}, err
	case <-timer.C:
		c.forget(p.RequestID)
		metrics.TunnelRequestsTotal.WithLabelValues(p.Action, "timeout").Inc()
		return Payload{}, fmt.Errorf("peer %s offline or unreachable after %s: %w", target, timeout, model.ErrTimeout)
	case <-ctx.Done():
		c.forget(p.RequestID)
		metrics.TunnelRequestsTotal.WithLabelValues(p.Action, "cancelled").Inc()
		return Payload{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve hands a result to its waiting call. Results without a request id
// go to the oldest call waiting on the same peer and action.
func (c *Client) resolve(msg Message) {
	p := msg.Payload
	c.mu.Lock()
	var call *pendingCall
	id := p.RequestID
	if id != "" {
		call = c.pending[id]
		if call != nil && call.target != msg.From {
			call = nil
		}
	} else {
		for k, pc := range c.pending {
			if pc.action != p.Action || pc.target != p.UserID {
				continue
			}
			if call == nil || pc.seq < call.seq {
				call, id = pc, k
			}
		}
	}
	if call != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if call == nil {
		c.log.Debug("tunnel response dropped",
			zap.String("from", msg.From),
			zap.String("action", p.Action),
			zap.String("request_id", p.RequestID),
		)
		return
	}
	call.ch <- p
}

// fail ends the call the relay could not forward.
func (c *Client) fail(data ErrorData) bool {
	if data.RequestID == "" {
		return false
	}
	c.mu.Lock()
	call := c.pending[data.RequestID]
	if call != nil && data.Target != "" && call.target != data.Target {
		call = nil
	}
	if call != nil {
		delete(c.pending, data.RequestID)
	}
	c.mu.Unlock()
	if call == nil {
		return false
	}
	code := data.Code
	if code == "" {
		code = CodeNotFound
	}
	call.failed <- &RelayError{Target: call.target, Code: code, Message: data.Message}
	return true
}

func (c *Client) dispatch(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventTunnel:
		var msg Message
		if err := env.Decode(&msg); err != nil {
			c.log.Warn("bad tunnel frame", zap.Error(err))
			return
		}
		if strings.HasSuffix(msg.Payload.Action, "_result") {
			c.resolve(msg)
			return
		}
		go c.handle(ctx, msg)
	case EventPeerLeft:
		var data PeerLeftData
		if err := env.Decode(&data); err != nil || data.Name == "" {
			return
		}
		if c.sandbox == nil {
			return
		}
		go func() {
			if n := c.sandbox.CloseOwnedBy(ctx, data.Name); n > 0 {
				c.log.Info("closed sandboxes of departed peer", zap.String("peer", data.Name), zap.Int("count", n))
			}
		}()
	case EventError:
		var data ErrorData
		_ = env.Decode(&data)
		if c.fail(data) {
			return
		}
		c.log.Warn("relay error",
			zap.String("message", data.Message),
			zap.String("target", data.Target),
			zap.String("request_id", data.RequestID),
		)
	default:
		c.log.Debug("tunnel event ignored", zap.String("event", string(env.Event)))
	}
}

// handle serves one inbound request. It runs on its own goroutine so slow
// sandbox calls never stall the read loop.
func (c *Client) handle(ctx context.Context, msg Message) {
	self, registered := c.identity()
	in := msg.Payload
	out := Payload{Action: ResultAction(in.Action), RequestID: in.RequestID, UserID: self}

	switch {
	case !registered:
		out.Error, out.ErrorCode = "peer is not registered", CodeUnavailable
	case c.sandbox == nil:
		out.Error, out.ErrorCode = "sandboxes are not available on this peer", CodeInternal
	default:
		var err error
		switch in.Action {
		case ActionRequestContainer:
			var res model.SandboxResources
			if in.Resources != nil {
				res = *in.Resources
			}
			var g sandbox.Grant
			g, err = c.sandbox.Deploy(ctx, msg.From, res)
			out.ContainerID, out.SecretKey = g.ContainerID, g.SecretKey
		case ActionDockerExec:
			out.Output, err = c.sandbox.Exec(ctx, in.ContainerID, in.SecretKey, in.Cmd)
		case ActionCloseContainer:
			err = c.sandbox.CloseWithKey(ctx, in.ContainerID, in.SecretKey)
		default:
			c.log.Debug("unknown tunnel action", zap.String("from", msg.From), zap.String("action", in.Action))
			return
		}
		if err != nil {
			out = Payload{Action: out.Action, RequestID: in.RequestID, UserID: self, Error: err.Error(), ErrorCode: ErrorCode(err)}
			c.log.Info("tunnel request failed",
				zap.String("from", msg.From),
				zap.String("action", in.Action),
				zap.Error(err),
			)
		}
	}

	reply := Message{From: self, Target: msg.From, SessionID: msg.SessionID, Payload: out}
	if err := c.sendTunnel(reply); err != nil {
		c.log.Warn("tunnel reply failed", zap.String("to", msg.From), zap.String("action", out.Action), zap.Error(err))
	}
}
