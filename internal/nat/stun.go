package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"decloud/internal/addrutil"
	"decloud/internal/metrics"
	"decloud/internal/model"
)

// DefaultSTUNTimeout bounds one binding request.
const DefaultSTUNTimeout = 5 * time.Second

// ErrSTUNTimeout is returned when no valid binding response arrives in time.
var ErrSTUNTimeout = fmt.Errorf("stun: %w", model.ErrTimeout)

// Mapped is a public address observed by a STUN server.
type Mapped struct {
	IP   string
	Port uint16
}

func (m Mapped) String() string {
	return net.JoinHostPort(m.IP, fmt.Sprint(m.Port))
}

// DiscoverPublicIP sends one binding request to server over sock and returns
// the mapped address. Responses that fail to parse are ignored; the call
// fails with ErrSTUNTimeout if none is valid within timeout.
func DiscoverPublicIP(ctx context.Context, sock *Socket, server string, timeout time.Duration) (Mapped, error) {
	if sock == nil {
		return Mapped{}, errors.New("stun: socket not initialized")
	}
	if timeout <= 0 {
		timeout = DefaultSTUNTimeout
	}
	hostport, err := addrutil.NormalizeSTUN(server)
	if err != nil {
		return Mapped{}, err
	}
	raddr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return Mapped{}, fmt.Errorf("resolve %s: %w", hostport, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return Mapped{}, err
	}
	responses, cancel, err := sock.expectSTUN(req.TransactionID)
	if err != nil {
		return Mapped{}, err
	}
	defer cancel()

	if err := sock.writeTo(req.Raw, raddr); err != nil {
		return Mapped{}, fmt.Errorf("stun send %s: %w", hostport, err)
	}

	l := newLatch()
	timer := time.AfterFunc(timeout, func() { l.fail(ErrSTUNTimeout) })
	defer timer.Stop()

	go func() {
		for {
			select {
			case msg := <-responses:
				m, err := parseBinding(msg)
				if err != nil {
					sock.log.Debug("ignore stun response", zap.String("server", hostport), zap.Error(err))
					continue
				}
				l.resolve(m)
				return
			case <-ctx.Done():
				l.fail(ctx.Err())
				return
			case <-l.done:
				return
			}
		}
	}()

	return l.wait()
}

func parseBinding(msg *stun.Message) (Mapped, error) {
	if msg.Type != stun.BindingSuccess {
		return Mapped{}, fmt.Errorf("unexpected message type %s", msg.Type)
	}
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(msg); err == nil {
		return Mapped{IP: xor.IP.String(), Port: uint16(xor.Port)}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(msg); err == nil {
		return Mapped{IP: mapped.IP.String(), Port: uint16(mapped.Port)}, nil
	}
	return Mapped{}, errors.New("response missing mapped address")
}

// Classify infers a coarse NAT type from the mappings returned by the servers
// that answered out of probed servers.
func Classify(probed int, mapped []Mapped) model.NATType {
	if probed == 0 {
		return model.NATUnknown
	}
	switch len(mapped) {
	case 0:
		return model.NATBlocked
	case 1:
		// Not enough data to tell; assume the worst.
		return model.NATSymmetric
	}
	first := mapped[0]
	sameIP, samePort := true, true
	for _, m := range mapped[1:] {
		if m.IP != first.IP {
			sameIP = false
		}
		if m.Port != first.Port {
			samePort = false
		}
	}
	switch {
	case sameIP && samePort:
		return model.NATFullCone
	case sameIP:
		return model.NATRestrictedCone
	default:
		return model.NATPortRestricted
	}
}

// Probe queries every server over sock concurrently and classifies the result.
// The endpoint carries the first answering server's mapping in server order.
func (s *Socket) Probe(ctx context.Context, servers []string, timeout time.Duration) (model.NATEndpoint, error) {
	if len(servers) == 0 {
		return model.NATEndpoint{NATType: model.NATUnknown}, errors.New("no STUN servers provided")
	}

	results := make([]*Mapped, len(servers))
	errs := make([]error, len(servers))
	var wg sync.WaitGroup
	for i, server := range servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			m, err := DiscoverPublicIP(ctx, s, server, timeout)
			if err != nil {
				errs[i] = err
				result := "error"
				if errors.Is(err, model.ErrTimeout) {
					result = "timeout"
				}
				metrics.STUNProbesTotal.WithLabelValues(result).Inc()
				s.log.Debug("stun probe failed", zap.String("server", server), zap.Error(err))
				return
			}
			metrics.STUNProbesTotal.WithLabelValues("ok").Inc()
			results[i] = &m
		}(i, server)
	}
	wg.Wait()

	mapped := make([]Mapped, 0, len(servers))
	for _, m := range results {
		if m != nil {
			mapped = append(mapped, *m)
		}
	}
	natType := Classify(len(servers), mapped)
	if len(mapped) == 0 {
		return model.NATEndpoint{NATType: natType}, fmt.Errorf("no STUN server answered: %w", errors.Join(errs...))
	}
	return model.NATEndpoint{
		PublicIP:   mapped[0].IP,
		PublicPort: mapped[0].Port,
		NATType:    natType,
	}, nil
}

// Probe opens a throwaway socket and probes servers from it.
func Probe(ctx context.Context, servers []string, timeout time.Duration, log *zap.Logger) (model.NATEndpoint, error) {
	sock, err := Listen(":0", log)
	if err != nil {
		return model.NATEndpoint{NATType: model.NATUnknown}, err
	}
	defer sock.Close()
	return sock.Probe(ctx, servers, timeout)
}
