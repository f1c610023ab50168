// Command sip-relay-go boots the SIP WebSocket relay in front of an in-process
// stub registrar for browser end-to-end tests. It prints
// "READY <ws-port> <sip-port>" once both listeners accept traffic.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/upstream"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sipConn, err := net.ListenPacket("udp", net.JoinHostPort(bindHost, "0"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen udp: %v\n", err)
		os.Exit(1)
	}
	registrar, err := newStubRegistrar(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sip stub: %v\n", err)
		os.Exit(1)
	}
	go func() {
		if err := registrar.srv.ServeUDP(sipConn); err != nil && ctx.Err() == nil {
			logger.Error("sip stub exited", "err", err)
		}
	}()

	resolver, err := upstream.New(upstream.Options{Target: sipConn.LocalAddr().String(), Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolver: %v\n", err)
		os.Exit(1)
	}
	// Accept all origins for E2E.
	sipWS := relay.NewServer(resolver, relay.NewRegistry(0, nil), relay.ServerOptions{
		AllowedOrigins: []string{"*"},
		Logger:         logger,
	})

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", sipWS)
	mux.HandleFunc("GET /registrations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "text/plain")
		for aor, contact := range registrar.bindings() {
			fmt.Fprintf(w, "%s %s\n", aor, contact)
		}
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	fmt.Printf("READY %d %d\n", ln.Addr().(*net.TCPAddr).Port, sipConn.LocalAddr().(*net.UDPAddr).Port)

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		_ = sipWS.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
	_ = sipConn.Close()
}

// stubRegistrar accepts every REGISTER, answers OPTIONS and rejects calls
// with 486 so browser tests can drive a full request/response cycle through
// the relay.
type stubRegistrar struct {
	srv *sipgo.Server
	log *slog.Logger

	mu       sync.Mutex
	contacts map[string]string
}

func newStubRegistrar(logger *slog.Logger) (*stubRegistrar, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("aero-sip-e2e-registrar"))
	if err != nil {
		return nil, err
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, err
	}
	r := &stubRegistrar{srv: srv, log: logger, contacts: map[string]string{}}

	srv.OnRegister(r.onRegister)
	srv.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		r.reply(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		r.reply(req, tx, sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
	})
	srv.OnCancel(func(req *sip.Request, tx sip.ServerTransaction) {
		r.reply(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		r.reply(req, tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
	})
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})
	return r, nil
}

func (r *stubRegistrar) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	to := req.To()
	contact := req.Contact()
	if to == nil || contact == nil {
		r.reply(req, tx, sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	aor := to.Address.String()
	r.mu.Lock()
	r.contacts[aor] = contact.Address.String()
	r.mu.Unlock()
	r.log.Info("sip_stub_register", "aor", aor, "contact", contact.Address.String(), "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Contact", contact.Value()))
	res.AppendHeader(sip.NewHeader("Expires", "3600"))
	r.reply(req, tx, res)
}

func (r *stubRegistrar) reply(req *sip.Request, tx sip.ServerTransaction, res *sip.Response) {
	r.log.Info("sip_stub_request", "method", string(req.Method), "status", int(res.StatusCode), "source", req.Source())
	if err := tx.Respond(res); err != nil {
		r.log.Warn("sip_stub_respond_failed", "method", string(req.Method), "err", err)
	}
}

func (r *stubRegistrar) bindings() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.contacts))
	for k, v := range r.contacts {
		out[k] = v
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q: %v\n", key, v, err)
		os.Exit(2)
	}
	return n
}
