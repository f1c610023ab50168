package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/accounts"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/janus"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/turnrest"
	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/upstream"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-sip-ws-relay",
		"listen_addr", cfg.ListenAddr,
		"sip_listen_addr", cfg.SIPListenAddr,
		"sip_upstream", cfg.SIPUpstream,
		"sip_upstream_srv", cfg.SIPUpstreamSRV,
		"mode", cfg.Mode,
		"max_sessions", cfg.MaxSessions,
		"max_sip_message_bytes", cfg.MaxSIPMessageBytes,
		"session_idle_timeout", cfg.SessionIdleTimeout,
		"janus_api_url", cfg.JanusAPIURL,
		"static_dir", cfg.StaticDir,
		"auth_mode", cfg.AuthMode,
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	m.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	resolver, err := upstream.New(upstream.Options{
		Target:     cfg.SIPUpstream,
		SRV:        cfg.SIPUpstreamSRV,
		Nameserver: cfg.DNSServer,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to configure SIP upstream", "err", err)
		os.Exit(2)
	}

	deps, err := buildDeps(cfg, logger, m)
	if err != nil {
		logger.Error("failed to configure http api", "err", err)
		os.Exit(2)
	}

	registry := relay.NewRegistry(cfg.MaxSessions, m)
	sipWS := relay.NewServer(resolver, registry, relay.ServerOptions{
		Relay:          relayConfig(cfg),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	sipSrv := &http.Server{
		Addr:              cfg.SIPListenAddr,
		Handler:           sipWS,
		ReadHeaderTimeout: 5 * time.Second,
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	apiSrv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, deps)

	apiLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "err", err)
		os.Exit(1)
	}
	sipLn, err := net.Listen("tcp", cfg.SIPListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.SIPListenAddr, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreClosed(apiSrv.Serve(apiLn))
	})
	g.Go(func() error {
		logger.Info("sip websocket server serving", "addr", sipLn.Addr().String())
		return ignoreClosed(sipSrv.Serve(sipLn))
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop accepting before tearing down live sessions.
		if err := sipSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("sip websocket server shutdown failed", "err", err)
		}
		if err := sipWS.Shutdown(shutdownCtx); err != nil {
			logger.Error("sip sessions did not drain", "err", err, "remaining", registry.Len())
		}
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func buildDeps(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (httpserver.Deps, error) {
	settings, err := config.LoadClientSettings(cfg.ClientSettingsFile)
	if err != nil {
		return httpserver.Deps{}, err
	}

	identifier, err := auth.NewIdentifier(cfg)
	if err != nil {
		return httpserver.Deps{}, err
	}

	deps := httpserver.Deps{
		Metrics:        m,
		ClientSettings: settings,
		Identifier:     identifier,
		Janus: janus.NewProxy(janus.Options{
			APIURL:  cfg.JanusAPIURL,
			Prefix:  cfg.JanusProxyPath,
			Timeout: cfg.JanusTimeout,
			Logger:  logger,
			Metrics: m,
		}),
	}

	if cfg.AccountServiceURL != "" {
		client, err := accounts.NewClient(accounts.Options{
			BaseURL:   cfg.AccountServiceURL,
			CacheSize: cfg.AccountCacheSize,
			CacheTTL:  cfg.AccountCacheTTL,
			Metrics:   m,
		})
		if err != nil {
			return httpserver.Deps{}, err
		}
		deps.Accounts = client
	}

	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return httpserver.Deps{}, err
		}
		deps.TURN = gen
	}

	return deps, nil
}

func relayConfig(cfg config.Config) relay.Config {
	return relay.Config{
		MaxMessageBytes:      cfg.MaxSIPMessageBytes,
		SendQueueBytes:       cfg.WSSendQueueBytes,
		UDPReadBufferBytes:   cfg.UDPReadBufferBytes,
		MaxMessagesPerSecond: cfg.MaxSIPMessagesPerSecond,
		IdleTimeout:          cfg.SessionIdleTimeout,
		PingInterval:         cfg.SIPWSPingInterval,
		PongTimeout:          cfg.SIPWSIdleTimeout,
		AdvertiseHost:        cfg.SIPAdvertiseHost,
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
