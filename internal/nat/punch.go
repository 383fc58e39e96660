package nat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"decloud/internal/metrics"
)

type PunchOptions struct {
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPunch sends 10 probes 100ms apart and waits up to 8s.
var DefaultPunch = PunchOptions{Attempts: 10, Interval: 100 * time.Millisecond, Timeout: 8 * time.Second}

func (o PunchOptions) withDefaults() PunchOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultPunch.Attempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultPunch.Interval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultPunch.Timeout
	}
	return o
}

// HolePunch sends marked probes to remote while listening for its probes or
// acks. It reports true on the first marked packet from remote and false when
// the window closes. Not connecting is not an error.
func (s *Socket) HolePunch(ctx context.Context, remote string, opts PunchOptions) (bool, error) {
	opts = opts.withDefaults()
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", remote, err)
	}
	arrived, cancel, err := s.expectPunch(raddr)
	if err != nil {
		return false, err
	}
	defer cancel()

	nonce, err := randomNonce(8)
	if err != nil {
		return false, err
	}
	probe := []byte(punchPrefix + nonce)

	wctx, stop := context.WithTimeout(ctx, opts.Timeout)
	defer stop()

	go func() {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for i := 0; i < opts.Attempts; i++ {
			if err := s.writeTo(probe, raddr); err != nil {
				s.log.Debug("punch send failed", zap.String("remote", remote), zap.Error(err))
			}
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	select {
	case <-arrived:
		metrics.HolePunchesTotal.WithLabelValues("connected").Inc()
		s.log.Info("hole punch succeeded", zap.String("remote", remote))
		return true, nil
	case <-wctx.Done():
		if err := ctx.Err(); err != nil {
			metrics.HolePunchesTotal.WithLabelValues("cancelled").Inc()
			return false, err
		}
		metrics.HolePunchesTotal.WithLabelValues("timeout").Inc()
		s.log.Info("hole punch timed out", zap.String("remote", remote))
		return false, nil
	}
}

func randomNonce(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
