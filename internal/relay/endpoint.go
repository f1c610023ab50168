package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Endpoint is a bidirectional message-oriented connection to the SIP client.
// Each message is one complete SIP message.
type Endpoint interface {
	ReadMessage() ([]byte, error)
	WriteMessage(msg []byte) error
	Close() error
}

// keepaliver is implemented by endpoints that need periodic liveness probes.
type keepaliver interface {
	keepalive(done <-chan struct{}) error
}

type wsEndpoint struct {
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration

	closeOnce sync.Once
}

func newWSEndpoint(conn *websocket.Conn, cfg Config) *wsEndpoint {
	e := &wsEndpoint{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
	}
	conn.SetReadLimit(int64(cfg.MaxMessageBytes))
	if e.pingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(e.pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(e.pongTimeout))
		})
	}
	return e
}

func (e *wsEndpoint) ReadMessage() ([]byte, error) {
	for {
		msgType, msg, err := e.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if e.pingInterval > 0 {
			_ = e.conn.SetReadDeadline(time.Now().Add(e.pongTimeout))
		}
		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return msg, nil
		}
	}
}

func (e *wsEndpoint) WriteMessage(msg []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	return e.conn.WriteMessage(websocket.TextMessage, msg)
}

func (e *wsEndpoint) keepalive(done <-chan struct{}) error {
	if e.pingInterval <= 0 {
		<-done
		return nil
	}
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			if err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(e.writeTimeout)); err != nil {
				return err
			}
		}
	}
}

func (e *wsEndpoint) Close() error {
	return e.closeWithCode(websocket.CloseNormalClosure, "")
}

func (e *wsEndpoint) closeWithCode(code int, reason string) error {
	var err error
	e.closeOnce.Do(func() {
		_ = e.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(e.writeTimeout))
		err = e.conn.Close()
	})
	return err
}

// isNormalClosure reports whether err marks an orderly end of a connection
// rather than a failure worth logging.
func isNormalClosure(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, ErrSessionClosed)
}
