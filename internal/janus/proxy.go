// Package janus forwards the browser's Janus HTTP API calls (session
// create, plugin attach, long-poll GETs) to the gateway so the page and the
// API share one origin.
package janus

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
)

const (
	maxRequestBodyBytes  = 1 << 20
	maxResponseBodyBytes = 8 << 20

	requestPreviewBytes  = 100
	responsePreviewBytes = 200
)

type Options struct {
	// APIURL is the gateway base, e.g. http://localhost:8088.
	APIURL string
	// Prefix is the local mount path, e.g. /janus.
	Prefix  string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Proxy struct {
	target  string
	prefix  string
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewProxy(opts Options) *Proxy {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Proxy{
		target:  strings.TrimRight(opts.APIURL, "/"),
		prefix:  "/" + strings.Trim(opts.Prefix, "/"),
		client:  client,
		log:     logger,
		metrics: opts.Metrics,
	}
}

// Register mounts the proxy on mux at the prefix and everything below it.
func (p *Proxy) Register(mux *http.ServeMux) {
	mux.Handle(p.prefix, p)
	mux.Handle(p.prefix+"/", p)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	p.metrics.Inc(metrics.JanusRequests)

	suffix := strings.TrimPrefix(r.URL.Path, p.prefix)
	if suffix != "" && !strings.HasPrefix(suffix, "/") {
		http.NotFound(w, r)
		return
	}
	targetURL := p.target + "/janus" + suffix
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Method == http.MethodPost {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"target", targetURL,
		"request_id", r.Header.Get("X-Request-ID"),
	}
	if verb, tx := describe(body); verb != "" {
		attrs = append(attrs, "janus", verb, "transaction", tx)
	}
	if len(body) > 0 {
		attrs = append(attrs, "body", preview(body, requestPreviewBytes))
	}
	p.log.Debug("janus_proxy_request", attrs...)

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		p.fail(w, r, err)
		return
	}
	upstreamReq.Header.Set("Accept", "application/json")
	if r.Method == http.MethodPost {
		upstreamReq.Header.Set("Content-Type", "application/json")
	}
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		upstreamReq.Header.Set("X-Request-ID", reqID)
	}

	start := time.Now()
	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes+1))
	if err != nil {
		p.fail(w, r, err)
		return
	}
	if len(respBody) > maxResponseBodyBytes {
		p.metrics.Inc(metrics.JanusErrors)
		p.log.Warn("janus_proxy_error", "method", r.Method, "path", r.URL.Path, "err", "response exceeds "+humanize.IBytes(maxResponseBodyBytes))
		writeError(w, http.StatusBadGateway, "janus response too large")
		return
	}

	p.log.Debug("janus_proxy_response",
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"body", preview(respBody, responsePreviewBytes),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, err error) {
	p.metrics.Inc(metrics.JanusErrors)
	p.log.Warn("janus_proxy_error", "method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// describe pulls the Janus verb and transaction id out of a request body for
// logging. Bodies that are not Janus JSON yield empty strings.
func describe(body []byte) (verb, transaction string) {
	if len(body) == 0 {
		return "", ""
	}
	var msg struct {
		Janus       string `json:"janus"`
		Transaction string `json:"transaction"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", ""
	}
	return msg.Janus, msg.Transaction
}

func preview(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
