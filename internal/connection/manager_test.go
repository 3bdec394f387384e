package connection

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/iot-stream/internal/auth"
)

// fakePending is a Pending that is either already done or never completes.
type fakePending struct {
	done chan struct{}
	err  error
}

func donePending(err error) *fakePending {
	p := &fakePending{done: make(chan struct{}), err: err}
	close(p.done)
	return p
}

func (p *fakePending) Done() <-chan struct{} { return p.done }
func (p *fakePending) Error() error          { return p.err }

type published struct {
	topic   string
	payload []byte
}

// fakeTransport records calls and lets tests drive callbacks.
type fakeTransport struct {
	mu          sync.Mutex
	handlers    TransportHandlers
	connectErr  error
	block       chan struct{} // Connect waits on this when non-nil
	subResults  map[string]error
	hang        map[string]bool
	subscribed  []string
	published   []published
	connected   bool
	disconnects int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(topic string) Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	if f.hang[topic] {
		return &fakePending{done: make(chan struct{})}
	}
	return donePending(f.subResults[topic])
}

func (f *fakeTransport) Publish(topic string, payload []byte) Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload})
	return donePending(nil)
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// fakeDialer hands out transports built by next.
type fakeDialer struct {
	mu         sync.Mutex
	next       func() *fakeTransport
	transports []*fakeTransport
	urls       []string
	clientIDs  []string
}

func (d *fakeDialer) dial(url, clientID string, h TransportHandlers) Transport {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := &fakeTransport{}
	if d.next != nil {
		t = d.next()
	}
	t.handlers = h
	d.transports = append(d.transports, t)
	d.urls = append(d.urls, url)
	d.clientIDs = append(d.clientIDs, clientID)
	return t
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func testConfig() Config {
	return Config{
		ClientID: "client-1",
		Region:   "us-east-1",
		Endpoint: "example-ats.iot.us-east-1.amazonaws.com",
		Topics:   []string{"a/b"},
	}
}

func testCreds() auth.Credentials {
	return auth.Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
		SessionToken:    "token/abc",
	}
}

func newTestManager(t *testing.T, d *fakeDialer, mutate ...func(*ManagerConfig)) Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.ConnectTimeout = time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg, d.dial, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func nextEvent(t *testing.T, m Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, m Manager) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func connect(t *testing.T, m Manager) {
	t.Helper()
	if err := m.Connect(context.Background(), testConfig(), testCreds()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if ev := nextEvent(t, m); ev.Kind != EventConnected {
		t.Fatalf("event = %s, want connected", ev.Kind)
	}
}

func TestNewManager_RequiresDialer(t *testing.T) {
	if _, err := NewManager(DefaultManagerConfig(), nil, nil); err == nil {
		t.Error("expected error for nil dialer")
	}
}

func TestNewManager_UnknownEncoding(t *testing.T) {
	d := &fakeDialer{}
	cfg := DefaultManagerConfig()
	cfg.Encoding = "xml"
	if _, err := NewManager(cfg, d.dial, nil); err == nil {
		t.Error("expected error for unknown encoding")
	}
}

func TestManager_InitialState(t *testing.T) {
	m := newTestManager(t, &fakeDialer{})

	if m.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}
	if m.IsConnected() {
		t.Error("IsConnected() should be false before Connect")
	}
}

func TestManager_ConnectSuccess(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)

	connect(t, m)

	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}
	if !m.IsConnected() {
		t.Error("IsConnected() should be true")
	}

	url := d.urls[0]
	wantPrefix := "wss://example-ats.iot.us-east-1.amazonaws.com/mqtt?X-Amz-Algorithm=AWS4-HMAC-SHA256&X-Amz-Credential=AKIDEXAMPLE%2F"
	if !strings.HasPrefix(url, wantPrefix) {
		t.Errorf("url = %s, want prefix %s", url, wantPrefix)
	}
	if !strings.HasSuffix(url, "&X-Amz-Security-Token=token%2Fabc") {
		t.Errorf("url = %s, want session token appended last", url)
	}
	if d.clientIDs[0] != "client-1" {
		t.Errorf("clientID = %q, want client-1", d.clientIDs[0])
	}
}

func TestManager_ConnectWhenConnectedIsNoop(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	connect(t, m)

	if err := m.Connect(context.Background(), testConfig(), testCreds()); err != nil {
		t.Errorf("second Connect returned %v, want nil", err)
	}
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}
	expectNoEvent(t, m)
}

func TestManager_ConnectConfigurationError(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*Config)
		creds  func(*auth.Credentials)
		substr string
	}{
		{name: "missing secret", creds: func(c *auth.Credentials) { c.SecretAccessKey = "" }, substr: "secret access key"},
		{name: "missing access key", creds: func(c *auth.Credentials) { c.AccessKeyID = "" }, substr: "access key id"},
		{name: "missing region", cfg: func(c *Config) { c.Region = "" }, substr: "region"},
		{name: "missing endpoint", cfg: func(c *Config) { c.Endpoint = "" }, substr: "endpoint host"},
		{name: "missing client id", cfg: func(c *Config) { c.ClientID = "" }, substr: "client id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{}
			m := newTestManager(t, d)

			cfg, creds := testConfig(), testCreds()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			if tt.creds != nil {
				tt.creds(&creds)
			}

			err := m.Connect(context.Background(), cfg, creds)
			if !errors.Is(err, auth.ErrConfiguration) {
				t.Fatalf("Connect error = %v, want ErrConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.substr)
			}
			if m.State() != StateDisconnected {
				t.Errorf("State() = %s, want disconnected", m.State())
			}
			if d.count() != 0 {
				t.Errorf("dial count = %d, want 0", d.count())
			}
		})
	}
}

func TestManager_ConnectFailureThenRetry(t *testing.T) {
	dialErr := errors.New("handshake refused")
	attempt := 0
	d := &fakeDialer{next: func() *fakeTransport {
		attempt++
		if attempt == 1 {
			return &fakeTransport{connectErr: dialErr}
		}
		return &fakeTransport{}
	}}
	m := newTestManager(t, d)

	err := m.Connect(context.Background(), testConfig(), testCreds())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Connect error = %v, want *TransportError", err)
	}
	if terr.Op != "connect" || !errors.Is(err, dialErr) {
		t.Errorf("TransportError = %+v, want op connect wrapping dial error", terr)
	}
	if m.State() != StateFailed {
		t.Errorf("State() = %s, want failed", m.State())
	}

	ev := nextEvent(t, m)
	if ev.Kind != EventConnectFailed || !errors.Is(ev.Err, dialErr) {
		t.Errorf("event = %s (%v), want connect_failed", ev.Kind, ev.Err)
	}

	// Failed -> Connecting -> Connected
	connect(t, m)
	if m.State() != StateConnected {
		t.Errorf("State() after retry = %s, want connected", m.State())
	}
}

func TestManager_ConnectTimeout(t *testing.T) {
	d := &fakeDialer{next: func() *fakeTransport {
		return &fakeTransport{block: make(chan struct{})}
	}}
	m := newTestManager(t, d, func(c *ManagerConfig) { c.ConnectTimeout = 20 * time.Millisecond })

	err := m.Connect(context.Background(), testConfig(), testCreds())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect error = %v, want deadline exceeded", err)
	}
	if m.State() != StateFailed {
		t.Errorf("State() = %s, want failed", m.State())
	}
}

func TestManager_ConnectWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	d := &fakeDialer{next: func() *fakeTransport {
		return &fakeTransport{block: release}
	}}
	m := newTestManager(t, d)

	errc := make(chan error, 1)
	go func() {
		errc <- m.Connect(context.Background(), testConfig(), testCreds())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("manager never entered connecting")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Connect(context.Background(), testConfig(), testCreds()); !errors.Is(err, ErrAlreadyConnecting) {
		t.Errorf("Connect while connecting = %v, want ErrAlreadyConnecting", err)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}
	if d.count() != 1 {
		t.Errorf("dial count = %d, want 1", d.count())
	}
}

func TestManager_NotConnected(t *testing.T) {
	m := newTestManager(t, &fakeDialer{})

	if err := m.Subscribe([]string{"a/b"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() = %v, want ErrNotConnected", err)
	}
	if err := m.Publish("a/b", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() = %v, want ErrNotConnected", err)
	}
}

func TestManager_SubscribePartialFailure(t *testing.T) {
	d := &fakeDialer{next: func() *fakeTransport {
		return &fakeTransport{subResults: map[string]error{
			"c/d": ErrSubscriptionRejected,
			"e/f": io.EOF,
		}}
	}}
	m := newTestManager(t, d)
	connect(t, m)

	topics := []string{"a/b", "/bad", "c/d", "e/f", "g.h"}
	if err := m.Subscribe(topics); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	want := []SubscribeOutcome{Subscribed, Rejected, Rejected, TransportFailed, Subscribed}
	for i, topic := range topics {
		ev := nextEvent(t, m)
		if ev.Kind != EventSubscribeResult {
			t.Fatalf("event %d = %s, want subscribe_result", i, ev.Kind)
		}
		res := ev.Subscribe
		if res.Topic != topic || res.Outcome != want[i] {
			t.Errorf("result %d = %s %s, want %s %s", i, res.Topic, res.Outcome, topic, want[i])
		}
	}

	tr := d.last()
	tr.mu.Lock()
	sent := append([]string(nil), tr.subscribed...)
	tr.mu.Unlock()
	if strings.Join(sent, ",") != "a/b,c/d,e/f,g.h" {
		t.Errorf("transport subscribed %v, invalid topics must not be sent", sent)
	}

	if got := m.Stats().SubscribeFailures; got != 3 {
		t.Errorf("Stats().SubscribeFailures = %d, want 3", got)
	}
}

func TestManager_SubscribeRejectionReasons(t *testing.T) {
	d := &fakeDialer{next: func() *fakeTransport {
		return &fakeTransport{subResults: map[string]error{"x/y": ErrSubscriptionRejected}}
	}}
	m := newTestManager(t, d)
	connect(t, m)

	if err := m.Subscribe([]string{"a//b", "x/y", "e/f"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var topicErr *TopicError

	ev := nextEvent(t, m)
	if !errors.As(ev.Subscribe.Err, &topicErr) || topicErr.Reason != "topic should not contain consecutive slashes" {
		t.Errorf("a//b error = %v", ev.Subscribe.Err)
	}

	ev = nextEvent(t, m)
	if !errors.As(ev.Subscribe.Err, &topicErr) || topicErr.Reason != "broker rejected subscription" {
		t.Errorf("x/y error = %v", ev.Subscribe.Err)
	}

	ev = nextEvent(t, m)
	if ev.Subscribe.Outcome != Subscribed || ev.Subscribe.Err != nil {
		t.Errorf("e/f result = %+v, want subscribed", ev.Subscribe)
	}
}

func TestManager_SubscribeTimeout(t *testing.T) {
	d := &fakeDialer{next: func() *fakeTransport {
		return &fakeTransport{hang: map[string]bool{"slow/topic": true}}
	}}
	m := newTestManager(t, d, func(c *ManagerConfig) { c.SubscribeTimeout = 20 * time.Millisecond })
	connect(t, m)

	if err := m.Subscribe([]string{"slow/topic", "fast/topic"}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ev := nextEvent(t, m)
	if ev.Subscribe.Outcome != TransportFailed || !errors.Is(ev.Subscribe.Err, ErrTimeout) {
		t.Errorf("slow result = %+v, want transport failure with ErrTimeout", ev.Subscribe)
	}
	ev = nextEvent(t, m)
	if ev.Subscribe.Topic != "fast/topic" || ev.Subscribe.Outcome != Subscribed {
		t.Errorf("fast result = %+v, want subscribed", ev.Subscribe)
	}
}

func TestManager_PublishEncodesPayload(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	connect(t, m)

	if err := m.Publish("cmd/led", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ev := nextEvent(t, m)
	if ev.Kind != EventPublishResult || ev.Publish.Topic != "cmd/led" || ev.Publish.Err != nil {
		t.Fatalf("event = %s %+v, want successful publish_result", ev.Kind, ev.Publish)
	}

	tr := d.last()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(tr.published))
	}
	if got := string(tr.published[0].payload); got != `{"n":1}` {
		t.Errorf("payload = %s, want {\"n\":1}", got)
	}
}

func TestManager_PublishEncodeError(t *testing.T) {
	m := newTestManager(t, &fakeDialer{})
	connect(t, m)

	if err := m.Publish("a/b", make(chan int)); err == nil {
		t.Error("expected encode error for channel payload")
	}
}

func TestManager_MessageEvent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	connect(t, m)

	d.last().handlers.OnMessage("sensors/temp", []byte(`{"c":21}`))

	ev := nextEvent(t, m)
	if ev.Kind != EventMessage {
		t.Fatalf("event = %s, want message", ev.Kind)
	}
	if ev.Message.Topic != "sensors/temp" || string(ev.Message.Payload) != `{"c":21}` {
		t.Errorf("message = %+v", ev.Message)
	}
	if ev.Message.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
	if got := m.Stats().MessagesReceived; got != 1 {
		t.Errorf("Stats().MessagesReceived = %d, want 1", got)
	}
}

func TestManager_ConnectionLost(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	connect(t, m)

	lost := errors.New("keepalive timeout")
	d.last().handlers.OnConnectionLost(lost)

	ev := nextEvent(t, m)
	if ev.Kind != EventConnectionLost || !errors.Is(ev.Err, lost) {
		t.Errorf("event = %s (%v), want connection_lost", ev.Kind, ev.Err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}
	if m.IsConnected() {
		t.Error("IsConnected() should be false after loss")
	}
	if err := m.Publish("a/b", "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish after loss = %v, want ErrNotConnected", err)
	}
}

func TestManager_StaleCallbacksIgnored(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	connect(t, m)
	first := d.last()

	m.Disconnect()
	connect(t, m)

	first.handlers.OnConnectionLost(errors.New("old socket"))
	first.handlers.OnMessage("a/b", []byte("old"))
	expectNoEvent(t, m)

	if m.State() != StateConnected {
		t.Errorf("State() = %s, want connected", m.State())
	}
}

func TestManager_FailedAttemptCallbacksIgnored(t *testing.T) {
	d := &fakeDialer{next: func() *fakeTransport {
		return &fakeTransport{connectErr: errors.New("boom")}
	}}
	m := newTestManager(t, d)

	if err := m.Connect(context.Background(), testConfig(), testCreds()); err == nil {
		t.Fatal("Connect succeeded, want error")
	}
	if ev := nextEvent(t, m); ev.Kind != EventConnectFailed {
		t.Fatalf("event = %s, want connect_failed", ev.Kind)
	}

	failed := d.last()
	failed.handlers.OnMessage("a/b", []byte("late"))
	failed.handlers.OnConnectionLost(errors.New("late loss"))
	expectNoEvent(t, m)

	if m.State() != StateFailed {
		t.Errorf("State() = %s, want failed", m.State())
	}
	if got := m.Stats().MessagesReceived; got != 0 {
		t.Errorf("MessagesReceived = %d, want 0", got)
	}

	failed.mu.Lock()
	n := failed.disconnects
	failed.mu.Unlock()
	if n != 1 {
		t.Errorf("failed transport disconnects = %d, want 1", n)
	}
}

func TestManager_IsConnectedFollowsTransport(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	connect(t, m)

	d.last().setConnected(false)
	if m.IsConnected() {
		t.Error("IsConnected() should reflect a transport that is not ready")
	}
}

func TestManager_Disconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d)
	connect(t, m)

	m.Disconnect()

	if m.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}
	tr := d.last()
	tr.mu.Lock()
	n := tr.disconnects
	tr.mu.Unlock()
	if n != 1 {
		t.Errorf("transport disconnects = %d, want 1", n)
	}

	// Disconnecting again is harmless.
	m.Disconnect()
}

func TestManager_Close(t *testing.T) {
	d := &fakeDialer{}
	cfg := DefaultManagerConfig()
	m, err := NewManager(cfg, d.dial, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	connect(t, m)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("second Close = %v, want ErrAlreadyClosed", err)
	}
	if err := m.Connect(context.Background(), testConfig(), testCreds()); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
	if m.IsConnected() {
		t.Error("IsConnected() should be false after Close")
	}
}
