package connection

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Transport is a single MQTT session over one network connection.
type Transport interface {
	// Connect performs the network dial and MQTT handshake.
	Connect(ctx context.Context) error

	// Subscribe requests a QoS 0 subscription. The outcome is observed
	// through the returned Pending.
	Subscribe(topic string) Pending

	// Publish sends payload with QoS 0.
	Publish(topic string, payload []byte) Pending

	// Disconnect closes the session.
	Disconnect()

	// IsConnected reports whether the session is ready for traffic.
	IsConnected() bool
}

// Pending is an in-flight broker operation.
type Pending interface {
	Done() <-chan struct{}
	Error() error
}

// TransportHandlers are the transport-level callbacks the Manager registers.
type TransportHandlers struct {
	OnMessage        func(topic string, payload []byte)
	OnConnectionLost func(err error)
}

// Dialer creates a Transport for one connection attempt.
type Dialer func(brokerURL, clientID string, handlers TransportHandlers) Transport

// MQTTOptions configures the paho-backed transport.
type MQTTOptions struct {
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// DefaultMQTTOptions returns sensible defaults.
func DefaultMQTTOptions() MQTTOptions {
	return MQTTOptions{
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// NewMQTTDialer returns a Dialer that speaks MQTT 3.1.1 over a WebSocket.
// Reconnection is left to the caller.
func NewMQTTDialer(opts MQTTOptions, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}

	return func(brokerURL, clientID string, h TransportHandlers) Transport {
		o := mqtt.NewClientOptions().
			AddBroker(brokerURL).
			SetClientID(clientID).
			SetProtocolVersion(4).
			SetCleanSession(true).
			SetAutoReconnect(false).
			SetConnectRetry(false).
			SetKeepAlive(opts.KeepAlive).
			SetConnectTimeout(opts.ConnectTimeout).
			SetOrderMatters(true)

		o.SetCustomOpenConnectionFn(func(uri *url.URL, co mqtt.ClientOptions) (net.Conn, error) {
			return DialWebSocket(uri.String(), co.ConnectTimeout, co.TLSConfig)
		})
		o.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			if h.OnMessage != nil {
				h.OnMessage(m.Topic(), m.Payload())
			}
		})
		o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if h.OnConnectionLost != nil {
				h.OnConnectionLost(err)
			}
		})

		return &pahoTransport{
			client: mqtt.NewClient(o),
			logger: logger.With("client_id", clientID),
		}
	}
}

// pahoTransport implements Transport on eclipse/paho.mqtt.golang.
type pahoTransport struct {
	client mqtt.Client
	logger *slog.Logger
}

func (t *pahoTransport) Connect(ctx context.Context) error {
	tok := t.client.Connect()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		t.client.Disconnect(0)
		return ctx.Err()
	}
}

func (t *pahoTransport) Subscribe(topic string) Pending {
	return subscribePending{Token: t.client.Subscribe(topic, 0, nil), topic: topic}
}

func (t *pahoTransport) Publish(topic string, payload []byte) Pending {
	return t.client.Publish(topic, 0, false, payload)
}

func (t *pahoTransport) Disconnect() {
	t.client.Disconnect(250)
	t.logger.Debug("mqtt disconnected")
}

func (t *pahoTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

// subscribePending surfaces a SUBACK failure code as ErrSubscriptionRejected.
type subscribePending struct {
	mqtt.Token
	topic string
}

const subackFailure = 0x80

func (p subscribePending) Error() error {
	if err := p.Token.Error(); err != nil {
		return err
	}
	if st, ok := p.Token.(*mqtt.SubscribeToken); ok {
		if code, ok := st.Result()[p.topic]; ok && code == subackFailure {
			return ErrSubscriptionRejected
		}
	}
	return nil
}
