package relay

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
)

func TestSession_ForwardsMessagesInOrderWithRewrite(t *testing.T) {
	up := startFakeUpstream(t)
	ch, err := DialChannel(up.Addr(), ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	m := metrics.New()
	s := NewSession("client-1", ep, ch, Config{}, m, nil)
	runSession(t, s)

	const n = 20
	for i := 1; i <= n; i++ {
		ep.in <- []byte(registerMessage("alice", "df7jal23ls0d.invalid", i))
	}

	local := ch.LocalAddrPort()
	hostport := net.JoinHostPort(local.Addr().String(), fmt.Sprint(local.Port()))
	for i := 1; i <= n; i++ {
		got, from := up.recv(t)
		require.Equal(t, int(local.Port()), from.Port)
		require.Contains(t, got, fmt.Sprintf("CSeq: %d REGISTER\r\n", i))
		require.Contains(t, got, fmt.Sprintf("Via: SIP/2.0/UDP %s;branch=z9hG4bK%d\r\n", hostport, i))
		require.Contains(t, got, fmt.Sprintf("Contact: <sip:alice@%s;transport=udp>;expires=600\r\n", hostport))
	}

	require.Equal(t, uint64(n), m.Get(metrics.UDPDatagramsOut))
	require.Equal(t, uint64(2*n), m.Get(metrics.SIPHeadersRewritten))
	require.Equal(t, uint64(n), s.Stats().MessagesToUpstream)
}

func TestSession_ForwardsInboundVerbatim(t *testing.T) {
	up := startFakeUpstream(t)
	ch, err := DialChannel(up.Addr(), ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	s := NewSession("client-1", ep, ch, Config{}, nil, nil)
	runSession(t, s)

	ep.in <- []byte(registerMessage("alice", "h.invalid", 1))
	_, from := up.recv(t)

	resp := []byte(okResponse(1))
	up.send(t, from, resp)
	require.Equal(t, resp, ep.expectMessage(t))

	resp2 := []byte(okResponse(2))
	up.send(t, from, resp2)
	require.Equal(t, resp2, ep.expectMessage(t))
	require.Equal(t, uint64(2), s.Stats().MessagesToClient)
}

func TestSession_AcceptsLeadingCRLFBeforeStartLine(t *testing.T) {
	up := startFakeUpstream(t)
	ch, err := DialChannel(up.Addr(), ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	s := NewSession("client-1", ep, ch, Config{}, nil, nil)
	runSession(t, s)

	ep.in <- []byte(registerMessage("alice", "h.invalid", 1))
	_, from := up.recv(t)

	resp := []byte("\r\n" + okResponse(1))
	up.send(t, from, resp)
	require.Equal(t, resp, ep.expectMessage(t))
	require.Equal(t, uint64(0), s.Failures(KindDecode))
}

func TestSession_DropsUndecodableDatagrams(t *testing.T) {
	up := startFakeUpstream(t)
	ch, err := DialChannel(up.Addr(), ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	m := metrics.New()
	s := NewSession("client-1", ep, ch, Config{MaxMessageBytes: 1024}, m, nil)
	runSession(t, s)

	ep.in <- []byte(registerMessage("alice", "h.invalid", 1))
	_, from := up.recv(t)

	up.send(t, from, []byte("HTTP/1.1 200 OK\r\n\r\n"))
	up.send(t, from, []byte{0xff, 0xfe, 0xfd})
	up.send(t, from, []byte("SIP/2.0 200 OK\r\n"+strings.Repeat("X", 2048)))
	up.send(t, from, []byte("\r\n\r\n"))
	resp := []byte(okResponse(1))
	up.send(t, from, resp)

	require.Equal(t, resp, ep.expectMessage(t))
	require.Equal(t, uint64(3), s.Failures(KindDecode))
	require.Equal(t, uint64(3), m.Get(metrics.UDPDroppedDecode))
	require.Equal(t, uint64(1), m.Get(metrics.UDPKeepalivesIn))
	require.False(t, s.Closed())
}

func TestSession_CloseReleasesChannelOnceAndDeregisters(t *testing.T) {
	up := startFakeUpstream(t)
	ch, cc := dialCountingChannel(t, up.Addr())

	ep := newFakeEndpoint()
	reg := NewRegistry(0, nil)
	s := NewSession("client-1", ep, ch, Config{}, nil, nil)
	require.NoError(t, reg.Add(s))
	require.Equal(t, 1, reg.Len())

	errCh := runSession(t, s)

	// The client goes away.
	require.NoError(t, ep.Close())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end after endpoint close")
	}

	require.True(t, s.Closed())
	require.True(t, ch.Closed())
	require.Equal(t, 0, reg.Len())

	s.Close()
	require.NoError(t, ch.Close())
	require.Equal(t, int32(1), cc.closes.Load())
}

func TestSession_SendFailureKeepsSession(t *testing.T) {
	conn := newStubConn(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}, syscall.ECONNREFUSED)
	ch, err := newDatagramChannel(conn, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}, ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	m := metrics.New()
	s := NewSession("client-1", ep, ch, Config{}, m, nil)
	runSession(t, s)

	ep.in <- []byte(registerMessage("alice", "h.invalid", 1))
	ep.in <- []byte(registerMessage("alice", "h.invalid", 2))

	require.Eventually(t, func() bool {
		return s.Failures(KindSend) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(2), m.Get(metrics.UDPSendErrors))
	require.False(t, s.Closed())
}

func TestSession_UnroutableLocalAddressIsRewriteFailure(t *testing.T) {
	conn := newStubConn(&net.UDPAddr{IP: net.IPv4zero, Port: 40000}, nil)
	ch, err := newDatagramChannel(conn, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}, ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	s := NewSession("client-1", ep, ch, Config{}, nil, nil)
	runSession(t, s)

	ep.in <- []byte(registerMessage("alice", "h.invalid", 1))
	require.Eventually(t, func() bool {
		return s.Failures(KindRewrite) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, s.Stats().MessagesToUpstream)
}

func TestSession_AdvertiseHostOverride(t *testing.T) {
	up := startFakeUpstream(t)
	ch, err := DialChannel(up.Addr(), ChannelOptions{AdvertiseHost: "203.0.113.7"})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	s := NewSession("client-1", ep, ch, Config{}, nil, nil)
	runSession(t, s)

	ep.in <- []byte(registerMessage("alice", "h.invalid", 1))
	got, _ := up.recv(t)
	require.Contains(t, got, fmt.Sprintf("Via: SIP/2.0/UDP 203.0.113.7:%d;", ch.LocalAddrPort().Port()))
}

func TestSession_RateLimitDropsExcess(t *testing.T) {
	up := startFakeUpstream(t)
	ch, err := DialChannel(up.Addr(), ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	m := metrics.New()
	s := NewSession("client-1", ep, ch, Config{MaxMessagesPerSecond: 1}, m, nil)
	runSession(t, s)

	for i := 1; i <= 5; i++ {
		ep.in <- []byte(registerMessage("alice", "h.invalid", i))
	}

	got, _ := up.recv(t)
	require.Contains(t, got, "CSeq: 1 REGISTER")
	require.Eventually(t, func() bool {
		return m.Get(metrics.SIPWSDroppedRateLimit) >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_IdleTimeoutEndsSession(t *testing.T) {
	up := startFakeUpstream(t)
	ch, err := DialChannel(up.Addr(), ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	m := metrics.New()
	s := NewSession("client-1", ep, ch, Config{IdleTimeout: 50 * time.Millisecond}, m, nil)
	errCh := runSession(t, s)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("idle session was not closed")
	}
	require.NoError(t, <-errCh)
	require.True(t, ch.Closed())
	require.Equal(t, uint64(1), m.Get(metrics.SIPWSIdleTimeouts))
	require.GreaterOrEqual(t, ep.closeCalls.Load(), int32(1))
}

func TestSession_NoDeliveryAfterClose(t *testing.T) {
	up := startFakeUpstream(t)
	ch, err := DialChannel(up.Addr(), ChannelOptions{})
	require.NoError(t, err)

	ep := newFakeEndpoint()
	s := NewSession("client-1", ep, ch, Config{}, nil, nil)
	runSession(t, s)

	ep.in <- []byte(registerMessage("alice", "h.invalid", 1))
	_, from := up.recv(t)

	s.Close()
	// The socket is gone, so the upstream's datagram has nowhere to land.
	_, _ = up.conn.WriteToUDP([]byte(okResponse(1)), from)

	select {
	case msg := <-ep.out:
		t.Fatalf("unexpected delivery after close: %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
	require.True(t, errors.Is(ch.Send([]byte("x")), net.ErrClosed))
}
