package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/origin"
)

const (
	envVarEnvFile = "AERO_SIP_RELAY_ENV_FILE"

	envVarListenAddr       = "AERO_SIP_RELAY_LISTEN_ADDR"
	envVarSIPListenAddr    = "AERO_SIP_RELAY_SIP_LISTEN_ADDR"
	envVarSIPUpstream      = "AERO_SIP_RELAY_SIP_UPSTREAM"
	envVarSIPUpstreamSRV   = "AERO_SIP_RELAY_SIP_UPSTREAM_SRV"
	envVarDNSServer        = "AERO_SIP_RELAY_DNS_SERVER"
	envVarSIPAdvertiseHost = "AERO_SIP_RELAY_SIP_ADVERTISE_HOST"

	envVarMode            = "AERO_SIP_RELAY_MODE"
	envVarLogFormat       = "AERO_SIP_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_SIP_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_SIP_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "AERO_SIP_RELAY_ALLOWED_ORIGINS"

	envVarMaxSessions             = "AERO_SIP_RELAY_MAX_SESSIONS"
	envVarSessionIdleTimeout      = "AERO_SIP_RELAY_SESSION_IDLE_TIMEOUT"
	envVarMaxSIPMessageBytes      = "AERO_SIP_RELAY_MAX_SIP_MESSAGE_BYTES"
	envVarMaxSIPMessagesPerSecond = "AERO_SIP_RELAY_MAX_SIP_MESSAGES_PER_SECOND"
	envVarWSSendQueueBytes        = "AERO_SIP_RELAY_WS_SEND_QUEUE_BYTES"
	envVarSIPWSPingInterval       = "AERO_SIP_RELAY_SIP_WS_PING_INTERVAL"
	envVarSIPWSIdleTimeout        = "AERO_SIP_RELAY_SIP_WS_IDLE_TIMEOUT"
	envVarUDPReadBufferBytes      = "AERO_SIP_RELAY_UDP_READ_BUFFER_BYTES"

	envVarJanusAPIURL    = "AERO_SIP_RELAY_JANUS_API_URL"
	envVarJanusProxyPath = "AERO_SIP_RELAY_JANUS_PROXY_PATH"
	envVarJanusTimeout   = "AERO_SIP_RELAY_JANUS_TIMEOUT"

	envVarStaticDir          = "AERO_SIP_RELAY_STATIC_DIR"
	envVarClientSettingsFile = "AERO_SIP_RELAY_CLIENT_SETTINGS_FILE"

	envVarAccountServiceURL = "AERO_SIP_RELAY_ACCOUNT_SERVICE_URL"
	envVarAccountCacheTTL   = "AERO_SIP_RELAY_ACCOUNT_CACHE_TTL"
	envVarAccountCacheSize  = "AERO_SIP_RELAY_ACCOUNT_CACHE_SIZE"

	envVarAuthMode  = "AERO_SIP_RELAY_AUTH_MODE"
	envVarJWTSecret = "AERO_SIP_RELAY_JWT_SECRET"

	envVarTURNRESTSharedSecret   = "AERO_SIP_RELAY_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "AERO_SIP_RELAY_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "AERO_SIP_RELAY_TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "AERO_SIP_RELAY_TURN_REST_REALM"
)

const (
	DefaultEnvFile       = ".env"
	DefaultListenAddr    = "127.0.0.1:8080"
	DefaultSIPListenAddr = "127.0.0.1:8089"
	DefaultSIPUpstream   = "sip.linphone.org:5060"
	DefaultMode          = ModeDev

	DefaultShutdownTimeout = 15 * time.Second

	DefaultSessionIdleTimeout      = 15 * time.Minute
	DefaultMaxSIPMessageBytes      = maxSIPDatagramBytes
	DefaultMaxSIPMessagesPerSecond = 50
	DefaultWSSendQueueBytes        = 1 << 20
	DefaultSIPWSPingInterval       = 20 * time.Second
	DefaultSIPWSIdleTimeout        = 60 * time.Second

	DefaultJanusAPIURL    = "http://localhost:8088"
	DefaultJanusProxyPath = "/janus"
	DefaultJanusTimeout   = 60 * time.Second

	DefaultStaticDir = "public"

	DefaultAccountCacheTTL  = 5 * time.Minute
	DefaultAccountCacheSize = 1024

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "aero-sip"

	// maxSIPDatagramBytes is the largest payload a single UDP datagram carries.
	maxSIPDatagramBytes = 65535
	maxWSSendQueueBytes = 4 << 20
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr       string
	SIPListenAddr    string
	SIPUpstream      string
	SIPUpstreamSRV   bool
	DNSServer        string
	SIPAdvertiseHost string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	MaxSessions             int
	SessionIdleTimeout      time.Duration
	MaxSIPMessageBytes      int
	MaxSIPMessagesPerSecond float64
	WSSendQueueBytes        int
	SIPWSPingInterval       time.Duration
	SIPWSIdleTimeout        time.Duration
	UDPReadBufferBytes      int

	JanusAPIURL    string
	JanusProxyPath string
	JanusTimeout   time.Duration

	StaticDir          string
	ClientSettingsFile string

	AccountServiceURL string
	AccountCacheTTL   time.Duration
	AccountCacheSize  int

	AuthMode  AuthMode
	JWTSecret string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig
}

// Load reads configuration from the process environment, an optional .env
// file and command-line flags, in increasing order of precedence.
func Load(args []string) (Config, error) {
	lookup, err := envLookup(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	return load(lookup, args)
}

// envLookup layers the .env file under the process environment. A missing
// default .env file is not an error; a missing explicitly configured one is.
func envLookup(processEnv func(string) (string, bool)) (func(string) (string, bool), error) {
	path, explicit := processEnv(envVarEnvFile)
	path = strings.TrimSpace(path)
	if path == "" {
		path, explicit = DefaultEnvFile, false
	}

	fileEnv, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return processEnv, nil
		}
		return nil, fmt.Errorf("read %s %q: %w", envVarEnvFile, path, err)
	}

	return func(key string) (string, bool) {
		if v, ok := processEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}, nil
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	sipListenAddr := envOrDefault(lookup, envVarSIPListenAddr, DefaultSIPListenAddr)
	sipUpstream := envOrDefault(lookup, envVarSIPUpstream, DefaultSIPUpstream)
	dnsServer := envOrDefault(lookup, envVarDNSServer, "")
	sipAdvertiseHost := envOrDefault(lookup, envVarSIPAdvertiseHost, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	janusAPIURL := envOrDefault(lookup, envVarJanusAPIURL, DefaultJanusAPIURL)
	janusProxyPath := envOrDefault(lookup, envVarJanusProxyPath, DefaultJanusProxyPath)
	staticDir := envOrDefault(lookup, envVarStaticDir, DefaultStaticDir)
	clientSettingsFile := envOrDefault(lookup, envVarClientSettingsFile, "")
	accountServiceURL := envOrDefault(lookup, envVarAccountServiceURL, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	sipUpstreamSRV, err := envBoolOrDefault(lookup, envVarSIPUpstreamSRV, false)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionIdleTimeout, err := envDurationOrDefault(lookup, envVarSessionIdleTimeout, DefaultSessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	sipWSPingInterval, err := envDurationOrDefault(lookup, envVarSIPWSPingInterval, DefaultSIPWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	sipWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSIPWSIdleTimeout, DefaultSIPWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	janusTimeout, err := envDurationOrDefault(lookup, envVarJanusTimeout, DefaultJanusTimeout)
	if err != nil {
		return Config{}, err
	}
	accountCacheTTL, err := envDurationOrDefault(lookup, envVarAccountCacheTTL, DefaultAccountCacheTTL)
	if err != nil {
		return Config{}, err
	}

	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	accountCacheSize, err := envIntOrDefault(lookup, envVarAccountCacheSize, DefaultAccountCacheSize)
	if err != nil {
		return Config{}, err
	}
	maxSIPMessagesPerSecond := float64(DefaultMaxSIPMessagesPerSecond)
	if raw, ok := lookup(envVarMaxSIPMessagesPerSecond); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSIPMessagesPerSecond, raw, err)
		}
		maxSIPMessagesPerSecond = v
	}

	maxSIPMessageBytes, err := envBytesOrDefault(lookup, envVarMaxSIPMessageBytes, DefaultMaxSIPMessageBytes)
	if err != nil {
		return Config{}, err
	}
	wsSendQueueBytes, err := envBytesOrDefault(lookup, envVarWSSendQueueBytes, DefaultWSSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	// Zero means "derive from the max message size" after flag parsing.
	udpReadBufferBytes, err := envBytesOrDefault(lookup, envVarUDPReadBufferBytes, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-sip-ws-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address for the API, Janus proxy and static files (env "+envVarListenAddr+")")
	fs.StringVar(&sipListenAddr, "sip-listen-addr", sipListenAddr, "SIP WebSocket listen address (env "+envVarSIPListenAddr+")")
	fs.StringVar(&sipUpstream, "sip-upstream", sipUpstream, "Upstream SIP server host[:port] (env "+envVarSIPUpstream+")")
	fs.BoolVar(&sipUpstreamSRV, "sip-upstream-srv", sipUpstreamSRV, "Resolve the upstream via _sip._udp SRV records (env "+envVarSIPUpstreamSRV+")")
	fs.StringVar(&dnsServer, "dns-server", dnsServer, "Nameserver host[:port] for SRV lookups (default: first resolv.conf server; env "+envVarDNSServer+")")
	fs.StringVar(&sipAdvertiseHost, "sip-advertise-host", sipAdvertiseHost, "Host written into rewritten Via/Contact headers instead of the socket address (env "+envVarSIPAdvertiseHost+")")

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", "", "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, "log-level", "", "Log level: debug, info, warn, error (default depends on mode)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")

	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent SIP WebSocket sessions (0 = unlimited)")
	fs.DurationVar(&sessionIdleTimeout, "session-idle-timeout", sessionIdleTimeout, "Close sessions with no SIP traffic in either direction for this long (0 = disabled; env "+envVarSessionIdleTimeout+")")
	fs.Var((*byteSize)(&maxSIPMessageBytes), "max-sip-message-bytes", "Max SIP message size in either direction, e.g. 16KiB (env "+envVarMaxSIPMessageBytes+")")
	fs.Float64Var(&maxSIPMessagesPerSecond, "max-sip-messages-per-second", maxSIPMessagesPerSecond, "Max client messages forwarded upstream per second (0 = unlimited)")
	fs.Var((*byteSize)(&wsSendQueueBytes), "ws-send-queue-bytes", "Max queued client-bound bytes before dropping (env "+envVarWSSendQueueBytes+")")
	fs.DurationVar(&sipWSPingInterval, "sip-ws-ping-interval", sipWSPingInterval, "WebSocket ping interval (must be < --sip-ws-idle-timeout; 0 = disabled)")
	fs.DurationVar(&sipWSIdleTimeout, "sip-ws-idle-timeout", sipWSIdleTimeout, "Close WebSocket connections that miss pongs for this long (env "+envVarSIPWSIdleTimeout+")")
	fs.Var((*byteSize)(&udpReadBufferBytes), "udp-read-buffer-bytes", "UDP socket receive buffer size (default: max SIP message size + 1; env "+envVarUDPReadBufferBytes+")")

	fs.StringVar(&janusAPIURL, "janus-api-url", janusAPIURL, "Janus gateway HTTP API base URL (env "+envVarJanusAPIURL+")")
	fs.StringVar(&janusProxyPath, "janus-proxy-path", janusProxyPath, "Path prefix proxied to the Janus API (env "+envVarJanusProxyPath+")")
	fs.DurationVar(&janusTimeout, "janus-timeout", janusTimeout, "Janus request timeout; long-polls may take up to 30s (env "+envVarJanusTimeout+")")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory served at / (empty = disabled; env "+envVarStaticDir+")")
	fs.StringVar(&clientSettingsFile, "client-settings-file", clientSettingsFile, "YAML file with the sip/webrtc client settings (env "+envVarClientSettingsFile+")")

	fs.StringVar(&accountServiceURL, "account-service-url", accountServiceURL, "Base URL of the per-account settings service (env "+envVarAccountServiceURL+")")
	fs.DurationVar(&accountCacheTTL, "account-cache-ttl", accountCacheTTL, "How long fetched account settings are cached (env "+envVarAccountCacheTTL+")")
	fs.IntVar(&accountCacheSize, "account-cache-size", accountCacheSize, "Max cached account settings entries (env "+envVarAccountCacheSize+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "API auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// Log format/level defaults follow the final mode, so --mode prod alone
	// switches to JSON at info level.
	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(string(mode))
		if envLogFormatSet {
			logFormatStr = envLogFormat
		}
	}
	if logLevelStr == "" {
		logLevelStr = defaultLogLevelForMode(string(mode))
		if envLogLevelSet {
			logLevelStr = envLogLevel
		}
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	if strings.TrimSpace(sipUpstream) == "" {
		return Config{}, fmt.Errorf("%s/--sip-upstream must not be empty", envVarSIPUpstream)
	}
	if strings.TrimSpace(dnsServer) != "" {
		dnsServer = withDefaultPort(strings.TrimSpace(dnsServer), "53")
	}
	sipAdvertiseHost = strings.TrimSpace(sipAdvertiseHost)
	if sipAdvertiseHost != "" && strings.ContainsAny(sipAdvertiseHost, " ;,<>") {
		return Config{}, fmt.Errorf("invalid %s/--sip-advertise-host %q", envVarSIPAdvertiseHost, sipAdvertiseHost)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("--shutdown-timeout must be > 0")
	}
	if maxSessions < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions must be >= 0", envVarMaxSessions)
	}
	if sessionIdleTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--session-idle-timeout must be >= 0", envVarSessionIdleTimeout)
	}
	if maxSIPMessageBytes <= 0 || maxSIPMessageBytes > maxSIPDatagramBytes {
		return Config{}, fmt.Errorf("%s/--max-sip-message-bytes must be between 1 and %d", envVarMaxSIPMessageBytes, maxSIPDatagramBytes)
	}
	if maxSIPMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-sip-messages-per-second must be >= 0", envVarMaxSIPMessagesPerSecond)
	}
	if wsSendQueueBytes < maxSIPMessageBytes {
		return Config{}, fmt.Errorf("%s/--ws-send-queue-bytes (%d) must be >= max SIP message size (%d)", envVarWSSendQueueBytes, wsSendQueueBytes, maxSIPMessageBytes)
	}
	if wsSendQueueBytes > maxWSSendQueueBytes {
		return Config{}, fmt.Errorf("%s/--ws-send-queue-bytes must be <= %s", envVarWSSendQueueBytes, humanize.IBytes(maxWSSendQueueBytes))
	}
	if sipWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--sip-ws-idle-timeout must be > 0", envVarSIPWSIdleTimeout)
	}
	if sipWSPingInterval < 0 || (sipWSPingInterval > 0 && sipWSPingInterval >= sipWSIdleTimeout) {
		return Config{}, fmt.Errorf("%s/--sip-ws-ping-interval (%s) must be >= 0 and < --sip-ws-idle-timeout (%s)", envVarSIPWSPingInterval, sipWSPingInterval, sipWSIdleTimeout)
	}
	if udpReadBufferBytes < 0 {
		return Config{}, fmt.Errorf("%s/--udp-read-buffer-bytes must be >= 0", envVarUDPReadBufferBytes)
	}
	if udpReadBufferBytes == 0 {
		udpReadBufferBytes = maxSIPMessageBytes + 1
	}

	if err := validateHTTPURL(janusAPIURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--janus-api-url %q: %w", envVarJanusAPIURL, janusAPIURL, err)
	}
	janusAPIURL = strings.TrimRight(strings.TrimSpace(janusAPIURL), "/")
	janusProxyPath = "/" + strings.Trim(strings.TrimSpace(janusProxyPath), "/")
	if janusProxyPath == "/" {
		return Config{}, fmt.Errorf("%s/--janus-proxy-path must not be the root path", envVarJanusProxyPath)
	}
	if janusTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--janus-timeout must be > 0", envVarJanusTimeout)
	}

	if strings.TrimSpace(accountServiceURL) != "" {
		if err := validateHTTPURL(accountServiceURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--account-service-url %q: %w", envVarAccountServiceURL, accountServiceURL, err)
		}
		accountServiceURL = strings.TrimRight(strings.TrimSpace(accountServiceURL), "/")
		if accountCacheSize <= 0 {
			return Config{}, fmt.Errorf("%s/--account-cache-size must be > 0", envVarAccountCacheSize)
		}
		if accountCacheTTL <= 0 {
			return Config{}, fmt.Errorf("%s/--account-cache-ttl must be > 0", envVarAccountCacheTTL)
		}
	}

	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if strings.TrimSpace(turnRESTSharedSecret) != "" && turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}

	cfg := Config{
		ListenAddr:       listenAddr,
		SIPListenAddr:    sipListenAddr,
		SIPUpstream:      strings.TrimSpace(sipUpstream),
		SIPUpstreamSRV:   sipUpstreamSRV,
		DNSServer:        dnsServer,
		SIPAdvertiseHost: sipAdvertiseHost,

		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,

		MaxSessions:             maxSessions,
		SessionIdleTimeout:      sessionIdleTimeout,
		MaxSIPMessageBytes:      maxSIPMessageBytes,
		MaxSIPMessagesPerSecond: maxSIPMessagesPerSecond,
		WSSendQueueBytes:        wsSendQueueBytes,
		SIPWSPingInterval:       sipWSPingInterval,
		SIPWSIdleTimeout:        sipWSIdleTimeout,
		UDPReadBufferBytes:      udpReadBufferBytes,

		JanusAPIURL:    janusAPIURL,
		JanusProxyPath: janusProxyPath,
		JanusTimeout:   janusTimeout,

		StaticDir:          strings.TrimSpace(staticDir),
		ClientSettingsFile: strings.TrimSpace(clientSettingsFile),

		AccountServiceURL: accountServiceURL,
		AccountCacheTTL:   accountCacheTTL,
		AccountCacheSize:  accountCacheSize,

		AuthMode:  authMode,
		JWTSecret: jwtSecret,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := iceSettings{
		json:           iceServersJSON,
		stunURLs:       stunURLs,
		turnURLs:       turnURLs,
		turnUsername:   turnUsername,
		turnCredential: turnCredential,
	}.servers(cfg.TURNREST.Enabled())
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// byteSize is a flag.Value accepting human sizes such as "64KiB" or "1MB".
type byteSize int

func (b *byteSize) String() string {
	if b == nil {
		return "0"
	}
	return humanize.IBytes(uint64(*b))
}

func (b *byteSize) Set(raw string) error {
	n, err := parseByteSize(raw)
	if err != nil {
		return err
	}
	*b = byteSize(n)
	return nil
}

func parseByteSize(raw string) (int, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n > uint64(^uint32(0)>>1) {
		return 0, fmt.Errorf("size %q is too large", raw)
	}
	return int(n), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBytesOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := parseByteSize(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone), "":
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("must not contain a query or fragment")
	}
	return nil
}

func withDefaultPort(hostport, port string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(strings.Trim(hostport, "[]"), port)
}
