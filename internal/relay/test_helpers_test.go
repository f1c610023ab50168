package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeUpstream is a loopback UDP "SIP server".
type fakeUpstream struct {
	conn *net.UDPConn
}

func startFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &fakeUpstream{conn: conn}
}

func (u *fakeUpstream) Addr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *fakeUpstream) Resolve(context.Context) (*net.UDPAddr, error) {
	return u.Addr(), nil
}

func (u *fakeUpstream) recv(t *testing.T) (string, *net.UDPAddr) {
	t.Helper()

	buf := make([]byte, 64*1024)
	_ = u.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := u.conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return string(buf[:n]), from
}

func (u *fakeUpstream) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()

	buf := make([]byte, 64*1024)
	_ = u.conn.SetReadDeadline(time.Now().Add(wait))
	n, _, err := u.conn.ReadFromUDP(buf)
	require.Error(t, err, "unexpected datagram %q", buf[:n])
}

func (u *fakeUpstream) send(t *testing.T, to *net.UDPAddr, msg []byte) {
	t.Helper()

	_, err := u.conn.WriteToUDP(msg, to)
	require.NoError(t, err)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context) (*net.UDPAddr, error) {
	return nil, errors.New("no such host")
}

// fakeEndpoint is an in-memory client side of a session.
type fakeEndpoint struct {
	in  chan []byte
	out chan []byte

	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (e *fakeEndpoint) ReadMessage() ([]byte, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.closed:
		return nil, net.ErrClosed
	}
}

func (e *fakeEndpoint) WriteMessage(msg []byte) error {
	select {
	case <-e.closed:
		return net.ErrClosed
	case e.out <- msg:
		return nil
	}
}

func (e *fakeEndpoint) Close() error {
	e.closeCalls.Add(1)
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

func (e *fakeEndpoint) expectMessage(t *testing.T) []byte {
	t.Helper()

	select {
	case msg := <-e.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message to client")
		return nil
	}
}

// countingConn counts Close calls on a real socket.
type countingConn struct {
	*net.UDPConn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.UDPConn.Close()
}

func dialCountingChannel(t *testing.T, remote *net.UDPAddr) (*DatagramChannel, *countingConn) {
	t.Helper()

	conn, err := net.DialUDP("udp", nil, remote)
	require.NoError(t, err)
	cc := &countingConn{UDPConn: conn}
	ch, err := newDatagramChannel(cc, remote, ChannelOptions{})
	require.NoError(t, err)
	return ch, cc
}

// stubConn is a udpConn whose writes fail and whose reads block until Close.
type stubConn struct {
	local    *net.UDPAddr
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newStubConn(local *net.UDPAddr, writeErr error) *stubConn {
	return &stubConn{local: local, writeErr: writeErr, closed: make(chan struct{})}
}

func (c *stubConn) Read([]byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}

func (c *stubConn) Write(b []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return len(b), nil
}

func (c *stubConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) LocalAddr() net.Addr { return c.local }

func runSession(t *testing.T, s *Session) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		errCh <- s.Run(context.Background())
		close(finished)
	}()
	t.Cleanup(func() {
		s.Close()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Errorf("session %s did not stop", s.ID())
		}
	})
	return errCh
}

func registerMessage(user, host string, cseq int) string {
	return fmt.Sprintf("REGISTER sip:sip.linphone.org SIP/2.0\r\n"+
		"Via: SIP/2.0/WS %s;branch=z9hG4bK%d\r\n"+
		"Max-Forwards: 70\r\n"+
		"To: <sip:%s@sip.linphone.org>\r\n"+
		"From: <sip:%s@sip.linphone.org>;tag=1928301774\r\n"+
		"Call-ID: call-%s\r\n"+
		"CSeq: %d REGISTER\r\n"+
		"Contact: <sip:%s@%s;transport=ws>;expires=600\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n", host, cseq, user, user, user, cseq, user, host)
}

func okResponse(cseq int) string {
	return fmt.Sprintf("SIP/2.0 200 OK\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bK%d\r\n"+
		"Call-ID: upstream-call\r\n"+
		"CSeq: %d REGISTER\r\n"+
		"Content-Length: 0\r\n"+
		"\r\n", cseq, cseq)
}
