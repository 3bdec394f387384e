package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/iot-stream/internal/codec"
)

// Errors
var (
	ErrNotConnected         = errors.New("not connected")
	ErrAlreadyConnecting    = errors.New("connection attempt already in progress")
	ErrTimeout              = errors.New("operation timeout")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrSubscriptionRejected = errors.New("broker rejected subscription")
)

// TransportError reports a connect or send failure from the transport.
type TransportError struct {
	Op  string // "connect", "subscribe", "publish"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TopicError is a per-topic subscribe validation failure.
type TopicError struct {
	Topic  string
	Reason string
}

func (e *TopicError) Error() string {
	return fmt.Sprintf("invalid topic %q: %s", e.Topic, e.Reason)
}

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config identifies the gateway session for one connection attempt.
type Config struct {
	ClientID string
	Region   string
	Endpoint string   // Gateway host, no scheme
	Topics   []string // Ordered, as configured
}

// Message is one inbound publish from the broker.
type Message struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// EventKind discriminates Event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventConnectFailed
	EventConnectionLost
	EventMessage
	EventSubscribeResult
	EventPublishResult
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventConnectionLost:
		return "connection_lost"
	case EventMessage:
		return "message"
	case EventSubscribeResult:
		return "subscribe_result"
	case EventPublishResult:
		return "publish_result"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a transport notification delivered in order on Manager.Events.
// Only the field matching Kind is set.
type Event struct {
	Kind      EventKind
	Message   Message         // EventMessage
	Subscribe SubscribeResult // EventSubscribeResult
	Publish   PublishResult   // EventPublishResult
	Err       error           // EventConnectFailed, EventConnectionLost
}

// SubscribeOutcome classifies a per-topic subscribe result.
type SubscribeOutcome int

const (
	Subscribed SubscribeOutcome = iota + 1
	Rejected
	TransportFailed
)

func (o SubscribeOutcome) String() string {
	switch o {
	case Subscribed:
		return "subscribed"
	case Rejected:
		return "rejected"
	case TransportFailed:
		return "transport_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SubscribeResult is the outcome of subscribing a single topic.
type SubscribeResult struct {
	Topic   string
	Outcome SubscribeOutcome
	Err     error // *TopicError for Rejected, *TransportError for TransportFailed
}

// PublishResult is the outcome of one publish.
type PublishResult struct {
	Topic string
	Err   error
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	ConnectTimeout   time.Duration // Max time for the broker handshake
	SubscribeTimeout time.Duration // Max time to wait for a SUBACK
	PublishTimeout   time.Duration // Max time to wait for a publish to flush
	URLExpires       time.Duration // X-Amz-Expires on the signed URL
	Encoding         codec.Encoding
	EventBufferSize  int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:   30 * time.Second,
		SubscribeTimeout: 10 * time.Second,
		PublishTimeout:   10 * time.Second,
		URLExpires:       86400 * time.Second,
		Encoding:         codec.JSON,
		EventBufferSize:  1024,
	}
}
