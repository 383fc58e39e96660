package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"

	"decloud/internal/model"
)

type Event string

const (
	EventRegister   Event = "register"
	EventTunnel     Event = "tunnel"
	EventPeerLeft   Event = "peer_left"
	EventError      Event = "error"
	EventUnregister Event = "unregister"
)

const (
	ActionRequestContainer       = "request_container"
	ActionRequestContainerResult = "request_container_result"
	ActionDockerExec             = "docker_exec"
	ActionDockerExecResult       = "docker_exec_result"
	ActionCloseContainer         = "close_container"
	ActionCloseContainerResult   = "close_container_result"
)

// Error codes carried in result payloads.
const (
	CodeNotFound          = "not_found"
	CodeUnauthorized      = "unauthorized"
	CodeResourceExhausted = "resource_exhausted"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

// Envelope is one websocket frame.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RegisterData struct {
	Name string `json:"name"`
}

type PeerLeftData struct {
	Name string `json:"name"`
}

type ErrorData struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Target    string `json:"target,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Message is relayed from one named peer to another.
type Message struct {
	From      string  `json:"from"`
	Target    string  `json:"target"`
	SessionID string  `json:"sessionId,omitempty"`
	Payload   Payload `json:"payload"`
}

type Payload struct {
	Action      string                  `json:"action"`
	RequestID   string                  `json:"requestId,omitempty"`
	UserID      string                  `json:"userId,omitempty"`
	Resources   *model.SandboxResources `json:"resources,omitempty"`
	ContainerID string                  `json:"containerId,omitempty"`
	SecretKey   string                  `json:"secretKey,omitempty"`
	Cmd         string                  `json:"cmd,omitempty"`
	Output      string                  `json:"output,omitempty"`
	Error       string                  `json:"error,omitempty"`
	ErrorCode   string                  `json:"errorCode,omitempty"`
}

// NewEnvelope encodes data under event.
func NewEnvelope(event Event, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: b}, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

// ResultAction returns the response action for a request action.
func ResultAction(action string) string {
	return action + "_result"
}

// ErrorCode maps an error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, model.ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, model.ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// RemoteError is a failure reported by the peer that handled a request.
type RemoteError struct {
	Peer    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s: %s", e.Peer, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return sentinelFor(e.Code)
}

// RelayError is the relay refusing to forward a request, usually because
// the target has no open tunnel.
type RelayError struct {
	Target  string
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay to %s: %s", e.Target, e.Message)
}

func (e *RelayError) Unwrap() error {
	return sentinelFor(e.Code)
}

func sentinelFor(code string) error {
	switch code {
	case CodeNotFound:
		return model.ErrNotFound
	case CodeUnauthorized:
		return model.ErrUnauthorized
	case CodeResourceExhausted:
		return model.ErrResourceExhausted
	case CodeUnavailable:
		return model.ErrUnavailable
	}
	return nil
}
