package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/iot-stream/internal/auth"
	"github.com/rickgao/iot-stream/internal/codec"
)

// Manager owns the broker connection lifecycle for one session.
type Manager interface {
	// Connect signs a gateway URL from creds and opens the transport.
	// It returns nil without dialing when already connected and
	// ErrAlreadyConnecting while another attempt is in flight.
	Connect(ctx context.Context, cfg Config, creds auth.Credentials) error

	// Subscribe issues one subscription per topic. Outcomes arrive as
	// EventSubscribeResult, one per topic.
	Subscribe(topics []string) error

	// Publish encodes payload and sends it. The outcome arrives as
	// EventPublishResult.
	Publish(topic string, payload any) error

	// Disconnect closes the transport. The manager can connect again.
	Disconnect()

	// IsConnected reports whether the transport is ready. It never panics.
	IsConnected() bool

	// State returns the current lifecycle state.
	State() State

	// Events returns the single-consumer event channel.
	Events() <-chan Event

	// Stats returns connection statistics.
	Stats() ManagerStats

	// Close disconnects and waits for in-flight operations.
	Close() error
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State             State
	ConnectAttempts   int64
	ConnectFailures   int64
	ConnectionsLost   int64
	MessagesReceived  int64
	SubscribeFailures int64
	PublishFailures   int64
}

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	signer *auth.Signer
	codec  codec.Codec
	dial   Dialer
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	gen       uint64 // bumped per attempt; stale callbacks compare against it
	closed    bool

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	// Stats
	connectAttempts   atomic.Int64
	connectFailures   atomic.Int64
	connectionsLost   atomic.Int64
	messagesReceived  atomic.Int64
	subscribeFailures atomic.Int64
	publishFailures   atomic.Int64
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, dial Dialer, logger *slog.Logger) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		return nil, errors.New("dialer is required")
	}

	defaults := DefaultManagerConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaults.SubscribeTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = defaults.EventBufferSize
	}

	c, err := codec.New(cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}

	signer := auth.NewSigner()
	if cfg.URLExpires > 0 {
		signer.Expires = cfg.URLExpires
	}

	return &manager{
		cfg:    cfg,
		signer: signer,
		codec:  c,
		dial:   dial,
		logger: logger,
		events: make(chan Event, cfg.EventBufferSize),
		done:   make(chan struct{}),
	}, nil
}

// Connect opens the transport and blocks until the handshake completes,
// fails, or ConnectTimeout elapses.
func (m *manager) Connect(ctx context.Context, cfg Config, creds auth.Credentials) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}

	if cfg.ClientID == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: client id is required", auth.ErrConfiguration)
	}

	// The URL is fully signed before any dial is issued.
	signed, err := m.signer.Presign(creds, auth.Target{Host: cfg.Endpoint, Region: cfg.Region})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("sign gateway url: %w", err)
	}

	m.gen++
	gen := m.gen
	t := m.dial(signed.URL, cfg.ClientID, TransportHandlers{
		OnMessage: func(topic string, payload []byte) {
			m.handleMessage(gen, topic, payload)
		},
		OnConnectionLost: func(err error) {
			m.handleConnectionLost(gen, err)
		},
	})
	m.transport = t
	m.state = StateConnecting
	m.mu.Unlock()

	m.connectAttempts.Add(1)
	m.logger.Info("connecting",
		"client_id", cfg.ClientID,
		"endpoint", cfg.Endpoint,
		"region", cfg.Region,
	)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	connErr := t.Connect(dialCtx)

	m.mu.Lock()
	if gen != m.gen {
		// Disconnect or Close ran while we were dialing.
		m.mu.Unlock()
		if connErr == nil {
			t.Disconnect()
		}
		return fmt.Errorf("connect aborted: %w", ErrNotConnected)
	}

	if connErr != nil {
		// Retire the attempt so a late handshake cannot deliver into the ring.
		m.state = StateFailed
		m.transport = nil
		m.gen++
		m.mu.Unlock()

		t.Disconnect()
		m.connectFailures.Add(1)
		terr := &TransportError{Op: "connect", Err: connErr}
		m.logger.Error("connect failed", "client_id", cfg.ClientID, "error", connErr)
		m.emit(Event{Kind: EventConnectFailed, Err: terr})
		return terr
	}

	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("connected", "client_id", cfg.ClientID)
	m.emit(Event{Kind: EventConnected})
	return nil
}

// Subscribe issues all subscriptions up front and reports each outcome
// asynchronously. A failing topic does not hold back the others.
func (m *manager) Subscribe(topics []string) error {
	t, err := m.beginOp()
	if err != nil {
		return err
	}

	type pendingSub struct {
		topic   string
		pending Pending
		invalid error
	}

	subs := make([]pendingSub, 0, len(topics))
	for _, topic := range topics {
		if err := ValidateTopic(topic); err != nil {
			subs = append(subs, pendingSub{topic: topic, invalid: err})
			continue
		}
		subs = append(subs, pendingSub{topic: topic, pending: t.Subscribe(topic)})
	}

	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SubscribeTimeout)
		defer cancel()

		for _, s := range subs {
			var res SubscribeResult
			if s.invalid != nil {
				res = SubscribeResult{Topic: s.topic, Outcome: Rejected, Err: s.invalid}
			} else {
				res = m.subscribeResult(ctx, s.topic, s.pending)
			}
			m.logSubscribe(res)
			m.emit(Event{Kind: EventSubscribeResult, Subscribe: res})
		}
	}()
	return nil
}

func (m *manager) subscribeResult(ctx context.Context, topic string, p Pending) SubscribeResult {
	err := m.await(ctx, p)
	switch {
	case err == nil:
		return SubscribeResult{Topic: topic, Outcome: Subscribed}
	case errors.Is(err, ErrSubscriptionRejected):
		return SubscribeResult{
			Topic:   topic,
			Outcome: Rejected,
			Err:     &TopicError{Topic: topic, Reason: "broker rejected subscription"},
		}
	default:
		return SubscribeResult{
			Topic:   topic,
			Outcome: TransportFailed,
			Err:     &TransportError{Op: "subscribe", Err: err},
		}
	}
}

func (m *manager) logSubscribe(res SubscribeResult) {
	if res.Outcome == Subscribed {
		m.logger.Info("subscribed", "topic", res.Topic)
		return
	}
	m.subscribeFailures.Add(1)
	m.logger.Warn("subscribe failed",
		"topic", res.Topic,
		"outcome", res.Outcome.String(),
		"error", res.Err,
	)
}

// Publish encodes payload with the configured codec and sends it.
func (m *manager) Publish(topic string, payload any) error {
	t, err := m.beginOp()
	if err != nil {
		return err
	}

	data, err := m.codec.Encode(payload)
	if err != nil {
		m.wg.Done()
		return fmt.Errorf("encode payload: %w", err)
	}

	p := t.Publish(topic, data)

	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
		defer cancel()

		res := PublishResult{Topic: topic}
		if err := m.await(ctx, p); err != nil {
			m.publishFailures.Add(1)
			res.Err = &TransportError{Op: "publish", Err: err}
			m.logger.Warn("publish failed", "topic", topic, "error", err)
		}
		m.emit(Event{Kind: EventPublishResult, Publish: res})
	}()
	return nil
}

// Disconnect closes the transport and returns to StateDisconnected.
func (m *manager) Disconnect() {
	m.mu.Lock()
	t := m.transport
	prev := m.state
	m.transport = nil
	m.state = StateDisconnected
	m.gen++
	m.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
	if prev != StateDisconnected {
		m.logger.Info("disconnected", "previous_state", prev.String())
	}
}

// IsConnected reports false for any state other than a live transport.
func (m *manager) IsConnected() bool {
	m.mu.Lock()
	t := m.transport
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || t == nil {
		return false
	}
	return t.IsConnected()
}

func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) Events() <-chan Event {
	return m.events
}

func (m *manager) Stats() ManagerStats {
	return ManagerStats{
		State:             m.State(),
		ConnectAttempts:   m.connectAttempts.Load(),
		ConnectFailures:   m.connectFailures.Load(),
		ConnectionsLost:   m.connectionsLost.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		SubscribeFailures: m.subscribeFailures.Load(),
		PublishFailures:   m.publishFailures.Load(),
	}
}

// Close disconnects and waits for pending subscribe and publish results.
// Events is never closed; consumers stop on their own context.
func (m *manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrAlreadyClosed
	}
	m.closed = true
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.gen++
	m.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
	close(m.done)
	m.wg.Wait()
	return nil
}

// beginOp returns the live transport and registers an in-flight operation.
// The caller must call m.wg.Done when the operation finishes.
func (m *manager) beginOp() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrAlreadyClosed
	}
	if m.state != StateConnected || m.transport == nil {
		return nil, ErrNotConnected
	}
	m.wg.Add(1)
	return m.transport, nil
}

func (m *manager) handleMessage(gen uint64, topic string, payload []byte) {
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		return
	}

	m.messagesReceived.Add(1)
	m.emit(Event{
		Kind: EventMessage,
		Message: Message{
			Topic:      topic,
			Payload:    payload,
			ReceivedAt: time.Now(),
		},
	})
}

func (m *manager) handleConnectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.transport = nil
	m.mu.Unlock()

	m.connectionsLost.Add(1)
	m.logger.Warn("connection lost", "error", err)
	m.emit(Event{Kind: EventConnectionLost, Err: &TransportError{Op: "connection", Err: err}})
}

// await waits for p, the deadline on ctx, or Close.
func (m *manager) await(ctx context.Context, p Pending) error {
	select {
	case <-p.Done():
		return p.Error()
	case <-ctx.Done():
		return ErrTimeout
	case <-m.done:
		return ErrAlreadyClosed
	}
}

// emit delivers ev in order. It blocks while the channel is full and
// drops events once the manager is closed.
func (m *manager) emit(ev Event) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
