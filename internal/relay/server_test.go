package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
)

func startRelayServer(t *testing.T, resolver Resolver, reg *Registry, opts ServerOptions, configure ...func(*Server)) (*Server, string) {
	t.Helper()

	srv := NewServer(resolver, reg, opts)
	for _, fn := range configure {
		fn(srv)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialSIP(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	c, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(msg)
}

func expectCloseCode(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	require.Equal(t, code, ce.Code)
}

func TestServer_RegisterScenario(t *testing.T) {
	up := startFakeUpstream(t)
	m := metrics.New()
	reg := NewRegistry(0, m)
	_, url := startRelayServer(t, up, reg, ServerOptions{})

	c := dialSIP(t, url)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(registerMessage("alice", "df7jal23ls0d.invalid", 1))))

	got, from := up.recv(t)
	hostport := net.JoinHostPort("127.0.0.1", fmt.Sprint(from.Port))
	require.Contains(t, got, "Via: SIP/2.0/UDP "+hostport+";branch=z9hG4bK1\r\n")
	require.Contains(t, got, "Contact: <sip:alice@"+hostport+";transport=udp>;expires=600\r\n")

	resp := okResponse(1)
	up.send(t, from, []byte(resp))
	require.Equal(t, resp, readText(t, c))

	require.Equal(t, 1, reg.Len())
	require.Equal(t, uint64(1), m.Get(metrics.SIPWSConnections))
}

func TestServer_ConcurrentSessionsHaveIndependentPorts(t *testing.T) {
	up := startFakeUpstream(t)
	reg := NewRegistry(0, nil)
	_, url := startRelayServer(t, up, reg, ServerOptions{})

	alice := dialSIP(t, url)
	bob := dialSIP(t, url)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(registerMessage("alice", "a.invalid", 1))))
	gotA, fromA := up.recv(t)
	require.Contains(t, gotA, "sip:alice@")

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(registerMessage("bob", "b.invalid", 7))))
	gotB, fromB := up.recv(t)
	require.Contains(t, gotB, "sip:bob@")

	require.NotEqual(t, fromA.Port, fromB.Port)
	require.Contains(t, gotA, fmt.Sprintf("127.0.0.1:%d", fromA.Port))
	require.Contains(t, gotB, fmt.Sprintf("127.0.0.1:%d", fromB.Port))

	up.send(t, fromB, []byte(okResponse(7)))
	up.send(t, fromA, []byte(okResponse(1)))
	require.Contains(t, readText(t, alice), "CSeq: 1 REGISTER")
	require.Contains(t, readText(t, bob), "CSeq: 7 REGISTER")
	require.Equal(t, 2, reg.Len())

	// Ending one session leaves the other intact.
	require.NoError(t, alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(registerMessage("bob", "b.invalid", 8))))
	gotB, fromB2 := up.recv(t)
	require.Contains(t, gotB, "CSeq: 8 REGISTER")
	require.Equal(t, fromB.Port, fromB2.Port)
}

func TestServer_BindFailureIsIsolated(t *testing.T) {
	up := startFakeUpstream(t)
	m := metrics.New()
	reg := NewRegistry(0, m)
	var calls atomic.Int32
	_, url := startRelayServer(t, up, reg, ServerOptions{}, func(srv *Server) {
		srv.dial = func(remote *net.UDPAddr, opts ChannelOptions) (*DatagramChannel, error) {
			if calls.Add(1) == 1 {
				return nil, newError(KindBind, "dial udp", errors.New("address already in use"))
			}
			return DialChannel(remote, opts)
		}
	})

	failed := dialSIP(t, url)
	expectCloseCode(t, failed, websocket.CloseInternalServerErr)
	require.Equal(t, uint64(1), m.Get(metrics.BindFailures))

	ok := dialSIP(t, url)
	require.NoError(t, ok.WriteMessage(websocket.TextMessage, []byte(registerMessage("alice", "a.invalid", 1))))
	got, _ := up.recv(t)
	require.Contains(t, got, "CSeq: 1 REGISTER")
	require.Equal(t, 1, reg.Len())
}

func TestServer_ResolveFailureClosesConnection(t *testing.T) {
	m := metrics.New()
	_, url := startRelayServer(t, failingResolver{}, NewRegistry(0, m), ServerOptions{})

	c := dialSIP(t, url)
	expectCloseCode(t, c, websocket.CloseInternalServerErr)
	require.Equal(t, uint64(1), m.Get(metrics.ResolveFailures))
}

func TestServer_TooManySessions(t *testing.T) {
	up := startFakeUpstream(t)
	m := metrics.New()
	reg := NewRegistry(1, m)
	_, url := startRelayServer(t, up, reg, ServerOptions{})

	first := dialSIP(t, url)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(registerMessage("alice", "a.invalid", 1))))
	_, _ = up.recv(t)

	second := dialSIP(t, url)
	expectCloseCode(t, second, websocket.CloseTryAgainLater)
	require.Equal(t, uint64(1), m.Get(metrics.SIPWSRejectedFull))
	up.expectNothing(t, 50*time.Millisecond)
}

func TestServer_RejectsDisallowedOrigin(t *testing.T) {
	up := startFakeUpstream(t)
	m := metrics.New()
	_, url := startRelayServer(t, up, NewRegistry(0, m), ServerOptions{
		AllowedOrigins: []string{"https://app.example.com"},
	})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, uint64(1), m.Get(metrics.SIPWSRejectedOrigin))

	h.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	_ = c.Close()
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	up := startFakeUpstream(t)
	reg := NewRegistry(0, nil)
	srv, url := startRelayServer(t, up, reg, ServerOptions{})

	c := dialSIP(t, url)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(registerMessage("alice", "a.invalid", 1))))
	_, _ = up.recv(t)
	require.Equal(t, 1, reg.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	expectCloseCode(t, c, websocket.CloseGoingAway)
	require.Equal(t, 0, reg.Len())
}
