package tunnel

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn is the relay side of one websocket. A single writer goroutine
// drains send, so frames reach the peer in enqueue order.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(e Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- e:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) writeLoop(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case e := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(e); err != nil {
				log.Debug("tunnel write failed", zap.String("conn", c.id), zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// ServeWS upgrades the request and runs the connection until it drops.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("tunnel upgrade failed", zap.String("remote", req.RemoteAddr), zap.Error(err))
		return
	}
	c := &wsConn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan Envelope, r.queueSize),
		done: make(chan struct{}),
	}
	r.Attach(c)
	r.log.Debug("tunnel connection opened", zap.String("conn", c.id), zap.String("remote", req.RemoteAddr))

	go c.writeLoop(r.log)
	r.readLoop(c)

	r.Disconnect(c)
	_ = c.Close()
	r.log.Debug("tunnel connection closed", zap.String("conn", c.id))
}

func (r *Relay) readLoop(c *wsConn) {
	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				r.log.Debug("tunnel read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch env.Event {
		case EventRegister:
			var data RegisterData
			if err := env.Decode(&data); err != nil {
				r.replyError(c, ErrorData{Message: err.Error()})
				continue
			}
			if err := r.Register(c, data.Name); err != nil {
				r.replyError(c, ErrorData{Message: err.Error()})
			}
		case EventUnregister:
			r.Unregister(c)
		case EventTunnel:
			var msg Message
			if err := env.Decode(&msg); err != nil {
				r.replyError(c, ErrorData{Message: err.Error()})
				continue
			}
			if err := r.Relay(c, msg); err != nil {
				r.replyError(c, ErrorData{
					Message:   err.Error(),
					Code:      ErrorCode(err),
					Target:    msg.Target,
					RequestID: msg.Payload.RequestID,
				})
			}
		default:
			r.log.Debug("tunnel event ignored", zap.String("conn", c.id), zap.String("event", string(env.Event)))
		}
	}
}

func (r *Relay) replyError(c Conn, data ErrorData) {
	env, err := NewEnvelope(EventError, data)
	if err != nil {
		return
	}
	_ = c.Send(env)
}
