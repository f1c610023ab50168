package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: AUTH_MODE=none serves /api/config (including SIP credentials) to anyone while --mode=prod",
			"warning_code", "auth_mode_none_in_prod",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any web page may open SIP sessions)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.SessionIdleTimeout <= 0 {
		logger.Warn("startup warning: SESSION_IDLE_TIMEOUT=0 keeps silent sessions and their UDP sockets open until the client disconnects",
			"warning_code", "session_idle_timeout_disabled",
			"session_idle_timeout", cfg.SessionIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSIPMessagesPerSecond <= 0 {
		logger.Warn("startup warning: MAX_SIP_MESSAGES_PER_SECOND=0 disables per-session rate limiting",
			"warning_code", "sip_rate_limit_disabled",
			"mode", cfg.Mode,
		)
	}
}
