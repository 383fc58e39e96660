package nat

import (
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

const (
	punchPrefix = "decloud-punch:"
	ackPrefix   = "decloud-punch-ack:"
)

var errSocketClosed = errors.New("nat socket closed")

type txID = [stun.TransactionIDSize]byte

// Socket is one UDP socket carrying both STUN and hole-punch traffic, so the
// port a peer punches from is the port STUN observed.
type Socket struct {
	conn *net.UDPConn
	log  *zap.Logger

	mu      sync.Mutex
	stun    map[txID]chan *stun.Message
	punches map[string][]chan struct{}
	closed  bool
}

// Listen opens a Socket on addr (e.g. ":0") and starts its read loop.
func Listen(addr string, log *zap.Logger) (*Socket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Socket{
		conn:    conn,
		log:     log,
		stun:    make(map[txID]chan *stun.Message),
		punches: make(map[string][]chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *Socket) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Socket) writeTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

// expectSTUN registers interest in responses for id.
func (s *Socket) expectSTUN(id txID) (<-chan *stun.Message, func(), error) {
	ch := make(chan *stun.Message, 4)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errSocketClosed
	}
	s.stun[id] = ch
	return ch, func() {
		s.mu.Lock()
		delete(s.stun, id)
		s.mu.Unlock()
	}, nil
}

// expectPunch registers interest in the first punch packet from remote.
func (s *Socket) expectPunch(remote *net.UDPAddr) (<-chan struct{}, func(), error) {
	key := addrKey(remote)
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, errSocketClosed
	}
	s.punches[key] = append(s.punches[key], ch)
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.punches[key]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(s.punches, key)
		} else {
			s.punches[key] = list
		}
	}, nil
}

func (s *Socket) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]
		if stun.IsMessage(pkt) {
			s.dispatchSTUN(pkt)
			continue
		}
		s.handlePunch(pkt, addr)
	}
}

func (s *Socket) dispatchSTUN(pkt []byte) {
	msg := &stun.Message{Raw: append([]byte(nil), pkt...)}
	if err := msg.Decode(); err != nil {
		s.log.Debug("drop malformed stun packet", zap.Error(err))
		return
	}
	s.mu.Lock()
	ch := s.stun[msg.TransactionID]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (s *Socket) handlePunch(pkt []byte, from *net.UDPAddr) {
	msg := string(pkt)
	switch {
	case strings.HasPrefix(msg, ackPrefix):
	case strings.HasPrefix(msg, punchPrefix):
		nonce := strings.TrimPrefix(msg, punchPrefix)
		if err := s.writeTo([]byte(ackPrefix+nonce), from); err != nil {
			s.log.Debug("punch ack failed", zap.String("remote", from.String()), zap.Error(err))
		}
	default:
		return
	}

	s.mu.Lock()
	waiters := s.punches[addrKey(from)]
	s.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func addrKey(a *net.UDPAddr) string {
	ap := a.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()).String()
}
