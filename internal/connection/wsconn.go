package connection

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MQTTSubprotocol is the WebSocket subprotocol the gateway requires.
const MQTTSubprotocol = "mqtt"

// wsConn adapts a WebSocket to net.Conn so an MQTT client can run over it.
// Each Write is sent as one binary frame; Read streams across frames.
type wsConn struct {
	conn *websocket.Conn

	readMu sync.Mutex
	reader io.Reader // current frame

	writeMu sync.Mutex
}

// DialWebSocket opens a WebSocket to rawURL with the mqtt subprotocol and
// returns it as a net.Conn.
func DialWebSocket(rawURL string, timeout time.Duration, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		TLSClientConfig:  tlsConfig,
		Subprotocols:     []string{MQTTSubprotocol},
	}

	conn, resp, err := dialer.Dial(rawURL, nil)
	if err != nil {
		// A rejected signature shows up as a non-101 handshake status.
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return newWSConn(conn), nil
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Read reads from the current binary frame, advancing to the next frame
// at EOF. Non-binary frames are skipped.
func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary frame.
func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the underlying connection.
func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
