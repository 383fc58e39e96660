package tunnel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"decloud/internal/metrics"
	"decloud/internal/model"
)

var (
	ErrTargetNotFound = fmt.Errorf("target not connected: %w", model.ErrNotFound)
	ErrSlowConsumer   = fmt.Errorf("target send queue full: %w", model.ErrUnavailable)
	ErrNotRegistered  = fmt.Errorf("sender not registered: %w", model.ErrUnauthorized)
	errConnClosed     = errors.New("connection closed")
)

// Conn is one relay-side connection. Send must not block.
type Conn interface {
	ID() string
	Send(Envelope) error
	Close() error
}

// Relay forwards tunnel messages between named connections. It keeps no
// message history; a message to an absent name is dropped.
type Relay struct {
	log       *zap.Logger
	queueSize int

	mu     sync.RWMutex
	byName map[string]Conn
	names  map[string]string // conn id -> registered name
	conns  map[string]Conn
}

type RelayOption func(*Relay)

// WithQueueSize bounds each websocket connection's send queue.
func WithQueueSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func NewRelay(log *zap.Logger, opts ...RelayOption) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{
		log:       log,
		queueSize: 64,
		byName:    make(map[string]Conn),
		names:     make(map[string]string),
		conns:     make(map[string]Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach tracks c before it registers, so it receives broadcasts.
func (r *Relay) Attach(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

// Register binds name to c. The last registration for a name wins. A
// connection that renames itself releases its old name as if it had left.
func (r *Relay) Register(c Conn, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("register: name is required")
	}

	r.mu.Lock()
	r.conns[c.ID()] = c
	left := ""
	if old, ok := r.names[c.ID()]; ok && old != name && r.byName[old] == c {
		delete(r.byName, old)
		left = old
	}
	if prev, ok := r.byName[name]; ok && prev.ID() != c.ID() {
		r.log.Warn("tunnel name taken over",
			zap.String("peer", name),
			zap.String("previous_conn", prev.ID()),
			zap.String("conn", c.ID()),
		)
		delete(r.names, prev.ID())
	}
	r.byName[name] = c
	r.names[c.ID()] = name
	n := len(r.byName)
	others := r.othersLocked(c)
	r.mu.Unlock()

	metrics.TunnelConnected.Set(float64(n))
	r.log.Info("tunnel peer registered", zap.String("peer", name), zap.String("conn", c.ID()))
	if left != "" {
		r.broadcastLeft(left, others)
	}
	return nil
}

// Unregister drops c's name but keeps the connection for broadcasts.
func (r *Relay) Unregister(c Conn) {
	r.mu.Lock()
	name, ok := r.names[c.ID()]
	delete(r.names, c.ID())
	owned := ok && r.byName[name] == c
	if owned {
		delete(r.byName, name)
	}
	n := len(r.byName)
	others := r.othersLocked(c)
	r.mu.Unlock()

	metrics.TunnelConnected.Set(float64(n))
	if owned {
		r.broadcastLeft(name, others)
	}
}

// Relay forwards msg from the sender to msg.Target. From is always replaced
// with the sender's registered name.
func (r *Relay) Relay(from Conn, msg Message) error {
	r.mu.RLock()
	name, ok := r.names[from.ID()]
	target := r.byName[msg.Target]
	r.mu.RUnlock()

	if !ok {
		return ErrNotRegistered
	}
	msg.From = name
	if target == nil {
		metrics.TunnelRelayMissesTotal.Inc()
		r.log.Info("tunnel target not found",
			zap.String("from", name),
			zap.String("target", msg.Target),
			zap.String("action", msg.Payload.Action),
		)
		return fmt.Errorf("%s: %w", msg.Target, ErrTargetNotFound)
	}

	env, err := NewEnvelope(EventTunnel, msg)
	if err != nil {
		return err
	}
	if err := target.Send(env); err != nil {
		if errors.Is(err, ErrSlowConsumer) {
			metrics.TunnelRelayDropsTotal.Inc()
		}
		r.log.Warn("tunnel forward failed",
			zap.String("from", name),
			zap.String("target", msg.Target),
			zap.Error(err),
		)
		return fmt.Errorf("%s: %w", msg.Target, err)
	}
	metrics.TunnelRelayedTotal.WithLabelValues(msg.Payload.Action).Inc()
	return nil
}

// Disconnect forgets c. Its name is released only if c still owns it, in
// which case every remaining connection is told the peer left.
func (r *Relay) Disconnect(c Conn) {
	r.mu.Lock()
	delete(r.conns, c.ID())
	name, ok := r.names[c.ID()]
	delete(r.names, c.ID())
	owned := ok && r.byName[name] == c
	if owned {
		delete(r.byName, name)
	}
	others := r.othersLocked(c)
	n := len(r.byName)
	r.mu.Unlock()

	metrics.TunnelConnected.Set(float64(n))
	if owned {
		r.broadcastLeft(name, others)
	}
}

func (r *Relay) othersLocked(c Conn) []Conn {
	out := make([]Conn, 0, len(r.conns))
	for id, o := range r.conns {
		if id != c.ID() {
			out = append(out, o)
		}
	}
	return out
}

func (r *Relay) broadcastLeft(name string, to []Conn) {
	r.log.Info("tunnel peer left", zap.String("peer", name))
	env, err := NewEnvelope(EventPeerLeft, PeerLeftData{Name: name})
	if err != nil {
		return
	}
	for _, o := range to {
		if err := o.Send(env); err != nil {
			r.log.Debug("peer_left not delivered", zap.String("conn", o.ID()), zap.Error(err))
		}
	}
}

// Connected returns the number of registered names.
func (r *Relay) Connected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Names returns the registered names in sorted order.
func (r *Relay) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
