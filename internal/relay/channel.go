package relay

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
)

// ChannelOptions configures a DatagramChannel.
type ChannelOptions struct {
	// AdvertiseHost overrides the host written into rewritten headers. The
	// port is always the bound port.
	AdvertiseHost string
	// ReadBufferBytes sets SO_RCVBUF when positive.
	ReadBufferBytes int
}

// udpConn is the subset of *net.UDPConn used by DatagramChannel.
type udpConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// DatagramChannel is one UDP socket on an OS-assigned port, connected to the
// upstream SIP server. It is owned by exactly one session.
type DatagramChannel struct {
	conn      udpConn
	remote    *net.UDPAddr
	local     netip.AddrPort
	advertise string

	closed atomic.Bool
	once   sync.Once
}

// DialChannel binds a new UDP socket connected to remote.
//
// The socket is connected rather than wildcard-bound so the kernel picks the
// outgoing interface, making LocalAddrPort an address the upstream can reach.
func DialChannel(remote *net.UDPAddr, opts ChannelOptions) (*DatagramChannel, error) {
	if remote == nil {
		return nil, newError(KindBind, "dial udp", errors.New("nil remote address"))
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, newError(KindBind, "dial udp", err)
	}
	if opts.ReadBufferBytes > 0 {
		// Best effort; the kernel may clamp it.
		_ = conn.SetReadBuffer(opts.ReadBufferBytes)
	}
	ch, err := newDatagramChannel(conn, remote, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

func newDatagramChannel(conn udpConn, remote *net.UDPAddr, opts ChannelOptions) (*DatagramChannel, error) {
	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || udpAddr == nil {
		return nil, newError(KindBind, "local addr", errors.New("not a udp address"))
	}
	ap := udpAddr.AddrPort()
	local := netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	if local.Port() == 0 {
		return nil, newError(KindBind, "local addr", errors.New("no port assigned"))
	}
	return &DatagramChannel{
		conn:      conn,
		remote:    remote,
		local:     local,
		advertise: opts.AdvertiseHost,
	}, nil
}

// LocalAddrPort returns the bound local address.
func (c *DatagramChannel) LocalAddrPort() netip.AddrPort { return c.local }

// RemoteAddr returns the upstream address the socket is connected to.
func (c *DatagramChannel) RemoteAddr() *net.UDPAddr { return c.remote }

// AdvertisedAddr returns the host and port to write into Via and Contact.
// ok is false when the local address cannot be routed to.
func (c *DatagramChannel) AdvertisedAddr() (host string, port uint16, ok bool) {
	port = c.local.Port()
	if c.advertise != "" {
		return c.advertise, port, port != 0
	}
	addr := c.local.Addr()
	if !addr.IsValid() || addr.IsUnspecified() || port == 0 {
		return "", 0, false
	}
	return addr.String(), port, true
}

// Send writes b as one datagram.
func (c *DatagramChannel) Send(b []byte) error {
	if c.closed.Load() {
		return newError(KindSend, "udp send", net.ErrClosed)
	}
	if _, err := c.conn.Write(b); err != nil {
		return newError(KindSend, "udp send", err)
	}
	return nil
}

// Receive blocks for the next datagram. It returns net.ErrClosed once the
// channel is closed. Other errors (for example ICMP port unreachable
// reported on a connected socket) are transient.
func (c *DatagramChannel) Receive(buf []byte) (int, error) {
	n, err := c.conn.Read(buf)
	if err != nil && c.closed.Load() {
		return 0, net.ErrClosed
	}
	return n, err
}

// Close closes the socket exactly once. Later calls return nil.
func (c *DatagramChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

func (c *DatagramChannel) Closed() bool { return c.closed.Load() }
