// Package accounts fetches per-account SIP settings from a remote
// configuration service and caches them.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
)

const maxResponseBytes = 64 << 10

var ErrNotFound = errors.New("account not found")

// Settings are the per-account overrides for the client SIP configuration.
// Empty fields leave the static defaults in place.
type Settings struct {
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	DestinationURI string `json:"destinationUri,omitempty"`
	Server         string `json:"server,omitempty"`
	Proxy          string `json:"proxy,omitempty"`
}

type Options struct {
	BaseURL    string
	CacheSize  int
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

type Client struct {
	base    string
	http    *http.Client
	cache   *expirable.LRU[string, Settings]
	metrics *metrics.Metrics
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid account service url %q", opts.BaseURL)
	}
	if opts.CacheSize <= 0 {
		return nil, errors.New("cache size must be > 0")
	}
	if opts.CacheTTL <= 0 {
		return nil, errors.New("cache ttl must be > 0")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base:    base,
		http:    httpClient,
		cache:   expirable.NewLRU[string, Settings](opts.CacheSize, nil, opts.CacheTTL),
		metrics: opts.Metrics,
	}, nil
}

// Fetch returns the settings for id, from cache when fresh. Not-found
// responses are not cached so newly provisioned accounts appear immediately.
func (c *Client) Fetch(ctx context.Context, id string) (Settings, error) {
	if id == "" {
		return Settings{}, ErrNotFound
	}
	if s, ok := c.cache.Get(id); ok {
		c.metrics.Inc(metrics.AccountCacheHits)
		return s, nil
	}

	s, err := c.fetch(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.metrics.Inc(metrics.AccountFetchErrors)
		}
		return Settings{}, err
	}
	c.cache.Add(id, s)
	return s, nil
}

// Invalidate drops id from the cache.
func (c *Client) Invalidate(id string) {
	c.cache.Remove(id)
}

func (c *Client) fetch(ctx context.Context, id string) (Settings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/accounts/"+url.PathEscape(id), nil)
	if err != nil {
		return Settings{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Settings{}, fmt.Errorf("fetch account: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Settings{}, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Settings{}, fmt.Errorf("fetch account: unexpected status %d", resp.StatusCode)
	}

	var s Settings
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("decode account: %w", err)
	}
	return s, nil
}
