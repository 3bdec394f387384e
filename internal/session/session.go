package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rickgao/iot-stream/internal/auth"
	"github.com/rickgao/iot-stream/internal/buffer"
	"github.com/rickgao/iot-stream/internal/connection"
)

// DefaultQueueSize is the ring capacity used when Config.QueueSize is unset.
const DefaultQueueSize = 100

// Errors
var (
	ErrAlreadyOpen = errors.New("session already open")
	ErrNotOpen     = errors.New("session not open")
)

// Config describes one session.
type Config struct {
	ClientID  string
	Region    string
	Endpoint  string
	Topics    []string
	QueueSize int
}

// Sink receives every inbound message together with the current snapshot.
// Deliver is called from the event loop and should not block.
type Sink interface {
	Deliver(msg connection.Message, snapshot []connection.Message)
}

// Stats contains session statistics.
type Stats struct {
	State             connection.State
	Topics            int
	MessagesDelivered int64
	Buffer            buffer.Stats
	Connection        connection.ManagerStats
}

// Session wires a connection.Manager to a message ring.
type Session struct {
	manager connection.Manager
	ring    *buffer.Ring[connection.Message]
	sinks   []Sink
	logger  *slog.Logger

	clientID string
	region   string
	endpoint string

	mu      sync.RWMutex
	topics  []string
	last    connection.Message
	hasLast bool
	lastErr error
	subs    map[string]connection.SubscribeOutcome

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Int64
}

// New creates a session. The ring is sized from cfg.QueueSize.
func New(cfg Config, manager connection.Manager, logger *slog.Logger, sinks ...Sink) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if manager == nil {
		return nil, errors.New("connection manager is required")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	ring, err := buffer.New[connection.Message](cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("create message ring: %w", err)
	}

	return &Session{
		manager:  manager,
		ring:     ring,
		sinks:    sinks,
		logger:   logger.With("component", "session", "client_id", cfg.ClientID),
		clientID: cfg.ClientID,
		region:   cfg.Region,
		endpoint: cfg.Endpoint,
		topics:   slices.Clone(cfg.Topics),
		subs:     make(map[string]connection.SubscribeOutcome),
	}, nil
}

// Open starts the event loop. It does not connect.
func (s *Session) Open(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyOpen
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.eventLoop(ctx, s.done)

	s.logger.Info("session opened", "queue_size", s.ring.Cap(), "topics", len(s.Topics()))
	return nil
}

// Close stops the event loop and closes the manager.
func (s *Session) Close(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel == nil {
		return ErrNotOpen
	}

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("session event loop stop timed out")
	}
	s.cancel = nil

	if err := s.manager.Close(); err != nil && !errors.Is(err, connection.ErrAlreadyClosed) {
		return fmt.Errorf("close manager: %w", err)
	}

	s.logger.Info("session closed")
	return nil
}

// Connect opens the broker connection with the current topic set.
func (s *Session) Connect(ctx context.Context, creds auth.Credentials) error {
	cfg := connection.Config{
		ClientID: s.clientID,
		Region:   s.region,
		Endpoint: s.endpoint,
		Topics:   s.Topics(),
	}
	err := s.manager.Connect(ctx, cfg, creds)
	if err != nil {
		s.setLastErr(err)
	}
	return err
}

// Disconnect closes the broker connection but keeps the session open.
func (s *Session) Disconnect() {
	s.manager.Disconnect()
}

// Snapshot returns buffered messages oldest-first, skipping empty payloads.
func (s *Session) Snapshot() []connection.Message {
	items := s.ring.Snapshot()
	out := items[:0]
	for _, m := range items {
		if len(m.Payload) > 0 {
			out = append(out, m)
		}
	}
	return out
}

// LastMessage returns the most recent inbound message.
func (s *Session) LastMessage() (connection.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// Topics returns the configured topic set.
func (s *Session) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.topics)
}

// Subscriptions returns the last reported outcome for each topic.
func (s *Session) Subscriptions() map[string]connection.SubscribeOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]connection.SubscribeOutcome, len(s.subs))
	for k, v := range s.subs {
		out[k] = v
	}
	return out
}

// State returns the live connection state.
func (s *Session) State() connection.State {
	return s.manager.State()
}

// IsConnected reports whether the broker connection is ready.
func (s *Session) IsConnected() bool {
	return s.manager.IsConnected()
}

// LastError returns the most recent connect, loss or publish error.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// QueueSize returns the current ring capacity.
func (s *Session) QueueSize() int {
	return s.ring.Cap()
}

// Stats returns current statistics.
func (s *Session) Stats() Stats {
	return Stats{
		State:             s.manager.State(),
		Topics:            len(s.Topics()),
		MessagesDelivered: s.delivered.Load(),
		Buffer:            s.ring.Stats(),
		Connection:        s.manager.Stats(),
	}
}

// eventLoop is the single consumer of manager events.
func (s *Session) eventLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	events := s.manager.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev connection.Event) {
	switch ev.Kind {
	case connection.EventConnected:
		s.resubscribe()

	case connection.EventConnectFailed, connection.EventConnectionLost:
		s.mu.Lock()
		s.lastErr = ev.Err
		clear(s.subs)
		s.mu.Unlock()

	case connection.EventMessage:
		s.handleMessage(ev.Message)

	case connection.EventSubscribeResult:
		s.mu.Lock()
		// A result for a topic removed since the request is dropped.
		if slices.Contains(s.topics, ev.Subscribe.Topic) {
			s.subs[ev.Subscribe.Topic] = ev.Subscribe.Outcome
		}
		s.mu.Unlock()

	case connection.EventPublishResult:
		if ev.Publish.Err != nil {
			s.setLastErr(ev.Publish.Err)
		}

	default:
		s.logger.Debug("ignoring event", "kind", ev.Kind.String())
	}
}

func (s *Session) resubscribe() {
	topics := s.Topics()
	if len(topics) == 0 {
		return
	}
	if err := s.manager.Subscribe(topics); err != nil {
		s.logger.Warn("resubscribe failed", "error", err)
		return
	}
	s.logger.Debug("resubscribing", "topics", topics)
}

func (s *Session) handleMessage(msg connection.Message) {
	s.mu.Lock()
	s.last = msg
	s.hasLast = true
	s.mu.Unlock()

	if s.ring.Enqueue(msg) {
		s.logger.Debug("ring full, dropped oldest message", "topic", msg.Topic)
	}

	if len(s.sinks) == 0 {
		return
	}
	snapshot := s.Snapshot()
	for _, sink := range s.sinks {
		sink.Deliver(msg, snapshot)
	}
	s.delivered.Add(1)
}

func (s *Session) setTopics(topics []string) {
	s.mu.Lock()
	s.topics = slices.Clone(topics)
	maps.DeleteFunc(s.subs, func(topic string, _ connection.SubscribeOutcome) bool {
		return !slices.Contains(s.topics, topic)
	})
	s.mu.Unlock()
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}
