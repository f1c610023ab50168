// Package upstream resolves the SIP server that relay sessions forward to.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultPort = 5060

	defaultDNSTimeout = 3 * time.Second
	resolvConfPath    = "/etc/resolv.conf"
)

var (
	ErrNoSRVRecords = errors.New("no usable SRV records")
	ErrNoAddress    = errors.New("no address for host")
)

type Options struct {
	// Target is host[:port]; the port defaults to 5060.
	Target string
	// SRV enables _sip._udp SRV lookups before plain address resolution.
	SRV bool
	// Nameserver is the host:port queried for SRV records. Empty uses the
	// first server in /etc/resolv.conf.
	Nameserver string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Resolver turns the configured SIP target into a UDP address. It is safe
// for concurrent use; every call resolves afresh so DNS changes are picked up
// by new connections.
type Resolver struct {
	host       string
	port       uint16
	literal    netip.Addr
	srv        bool
	nameserver string
	client     *dns.Client
	log        *slog.Logger

	lookupHost func(ctx context.Context, host string) ([]netip.Addr, error)
}

func New(opts Options) (*Resolver, error) {
	host, port, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDNSTimeout
	}

	r := &Resolver{
		host:   host,
		port:   port,
		srv:    opts.SRV,
		client: &dns.Client{Net: "udp", Timeout: timeout},
		log:    logger,
		lookupHost: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		r.literal = addr.Unmap()
		r.srv = false
	}

	if r.srv {
		r.nameserver = strings.TrimSpace(opts.Nameserver)
		if r.nameserver == "" {
			conf, err := dns.ClientConfigFromFile(resolvConfPath)
			if err != nil {
				return nil, fmt.Errorf("read %s for SRV lookups: %w", resolvConfPath, err)
			}
			if len(conf.Servers) == 0 {
				return nil, fmt.Errorf("no nameservers in %s", resolvConfPath)
			}
			r.nameserver = net.JoinHostPort(conf.Servers[0], conf.Port)
		}
	}
	return r, nil
}

// ParseTarget splits host[:port]. IPv6 literals must be bracketed when a
// port is given.
func ParseTarget(target string) (string, uint16, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, errors.New("empty SIP upstream")
	}

	host, rawPort, err := net.SplitHostPort(target)
	if err != nil {
		// No port. Bare IPv6 literals are accepted as-is.
		host, rawPort = strings.TrimSuffix(strings.TrimPrefix(target, "["), "]"), ""
		if strings.Contains(host, ":") {
			if _, perr := netip.ParseAddr(host); perr != nil {
				return "", 0, fmt.Errorf("invalid SIP upstream %q: %w", target, err)
			}
		}
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid SIP upstream %q: missing host", target)
	}

	port := uint16(DefaultPort)
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", 0, fmt.Errorf("invalid SIP upstream port %q", rawPort)
		}
		port = uint16(n)
	}
	return strings.ToLower(host), port, nil
}

func (r *Resolver) String() string {
	return net.JoinHostPort(r.host, strconv.Itoa(int(r.port)))
}

// Resolve returns the address new sessions should send to.
func (r *Resolver) Resolve(ctx context.Context) (*net.UDPAddr, error) {
	if r.literal.IsValid() {
		return net.UDPAddrFromAddrPort(netip.AddrPortFrom(r.literal, r.port)), nil
	}

	if r.srv {
		addr, err := r.resolveSRV(ctx)
		if err == nil {
			r.log.Debug("sip_upstream_resolved", "target", r.String(), "via", "srv", "addr", addr.String())
			return net.UDPAddrFromAddrPort(addr), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Debug("sip_upstream_srv_fallback", "target", r.String(), "err", err)
	}

	ip, err := r.resolveHost(ctx, r.host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", r.host, err)
	}
	addr := netip.AddrPortFrom(ip, r.port)
	r.log.Debug("sip_upstream_resolved", "target", r.String(), "via", "host", "addr", addr.String())
	return net.UDPAddrFromAddrPort(addr), nil
}

func (r *Resolver) resolveSRV(ctx context.Context) (netip.AddrPort, error) {
	name := dns.Fqdn("_sip._udp." + r.host)
	resp, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return netip.AddrPort{}, err
	}

	var records []*dns.SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok && srv.Target != "." {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return netip.AddrPort{}, ErrNoSRVRecords
	}
	sortSRV(records)

	var lastErr error
	for _, rec := range records {
		ip, ok := addressFromExtra(resp.Extra, rec.Target)
		if !ok {
			ip, err = r.resolveSRVTarget(ctx, rec.Target)
			if err != nil {
				lastErr = err
				continue
			}
		}
		return netip.AddrPortFrom(ip, rec.Port), nil
	}
	return netip.AddrPort{}, lastErr
}

// resolveSRVTarget asks the same nameserver for an A record and falls back
// to the system resolver.
func (r *Resolver) resolveSRVTarget(ctx context.Context, target string) (netip.Addr, error) {
	if resp, err := r.exchange(ctx, target, dns.TypeA); err == nil {
		if ip, ok := addressFromAnswer(resp.Answer); ok {
			return ip, nil
		}
	}
	return r.resolveHost(ctx, strings.TrimSuffix(target, "."))
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("dns query %s %s: %w", dns.TypeToString[qtype], name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query %s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

func (r *Resolver) resolveHost(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := r.lookupHost(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	// Prefer IPv4: most public SIP services are reachable over it and the
	// rewritten headers stay readable.
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0], nil
	}
	return netip.Addr{}, ErrNoAddress
}

// sortSRV orders records by ascending priority, then descending weight.
func sortSRV(records []*dns.SRV) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
}

func addressFromExtra(extra []dns.RR, target string) (netip.Addr, bool) {
	var matching []dns.RR
	for _, rr := range extra {
		if strings.EqualFold(rr.Header().Name, target) {
			matching = append(matching, rr)
		}
	}
	return addressFromAnswer(matching)
}

func addressFromAnswer(rrs []dns.RR) (netip.Addr, bool) {
	var v6 netip.Addr
	for _, rr := range rrs {
		switch rec := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				return ip, true
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok && !v6.IsValid() {
				v6 = ip
			}
		}
	}
	return v6, v6.IsValid()
}
