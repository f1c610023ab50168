package janus

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/sip-ws-relay/internal/metrics"
)

type seenRequest struct {
	method      string
	uri         string
	contentType string
	body        string
}

func startGateway(t *testing.T, status int, respBody string) (*httptest.Server, <-chan seenRequest) {
	t.Helper()
	seen := make(chan seenRequest, 4)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- seenRequest{method: r.Method, uri: r.URL.RequestURI(), contentType: r.Header.Get("Content-Type"), body: string(b)}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(gw.Close)
	return gw, seen
}

func startProxy(t *testing.T, opts Options) string {
	t.Helper()
	mux := http.NewServeMux()
	NewProxy(opts).Register(mux)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "static")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestProxy_PostCreateSession(t *testing.T) {
	gw, seen := startGateway(t, http.StatusOK, `{"janus":"success","transaction":"abc","data":{"id":42}}`)
	m := metrics.New()
	base := startProxy(t, Options{APIURL: gw.URL + "/", Prefix: "/janus", Timeout: time.Second, Metrics: m})

	resp, err := http.Post(base+"/janus", "application/json", strings.NewReader(`{"janus":"create","transaction":"abc"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	require.JSONEq(t, `{"janus":"success","transaction":"abc","data":{"id":42}}`, string(body))

	got := <-seen
	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/janus", got.uri)
	require.Equal(t, "application/json", got.contentType)
	require.JSONEq(t, `{"janus":"create","transaction":"abc"}`, got.body)
	require.Equal(t, uint64(1), m.Get(metrics.JanusRequests))
}

func TestProxy_LongPollGetKeepsPathAndQuery(t *testing.T) {
	gw, seen := startGateway(t, http.StatusOK, `{"janus":"keepalive"}`)
	base := startProxy(t, Options{APIURL: gw.URL, Prefix: "/gateway", Timeout: time.Second})

	resp, err := http.Get(base + "/gateway/12345?rid=1700000000&maxev=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := <-seen
	require.Equal(t, http.MethodGet, got.method)
	require.Equal(t, "/janus/12345?rid=1700000000&maxev=10", got.uri)
	require.Empty(t, got.body)
}

func TestProxy_PassesUpstreamStatus(t *testing.T) {
	gw, _ := startGateway(t, http.StatusNotFound, `{"janus":"error","error":{"code":458}}`)
	base := startProxy(t, Options{APIURL: gw.URL, Prefix: "/janus", Timeout: time.Second})

	resp, err := http.Post(base+"/janus/1/2", "application/json", strings.NewReader(`{"janus":"message"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "458")
}

func TestProxy_RejectsOtherMethods(t *testing.T) {
	gw, seen := startGateway(t, http.StatusOK, `{}`)
	base := startProxy(t, Options{APIURL: gw.URL, Prefix: "/janus", Timeout: time.Second})

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req, err := http.NewRequest(method, base+"/janus/1", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
		require.Equal(t, "GET, POST", resp.Header.Get("Allow"))
	}
	select {
	case r := <-seen:
		t.Fatalf("gateway should not be called, got %+v", r)
	default:
	}
}

func TestProxy_GatewayDownReturnsJSONError(t *testing.T) {
	gw, _ := startGateway(t, http.StatusOK, `{}`)
	url := gw.URL
	gw.Close()

	m := metrics.New()
	base := startProxy(t, Options{APIURL: url, Prefix: "/janus", Timeout: time.Second, Metrics: m})

	resp, err := http.Post(base+"/janus", "application/json", strings.NewReader(`{"janus":"create"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.NotEmpty(t, payload["error"])
	require.Equal(t, uint64(1), m.Get(metrics.JanusErrors))
}

func TestProxy_OversizedResponseIsBadGateway(t *testing.T) {
	gw, _ := startGateway(t, http.StatusOK, strings.Repeat("x", maxResponseBodyBytes+1))
	m := metrics.New()
	base := startProxy(t, Options{APIURL: gw.URL, Prefix: "/janus", Timeout: 5 * time.Second, Metrics: m})

	resp, err := http.Get(base + "/janus/1234?maxev=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "janus response too large", payload["error"])
	require.Equal(t, uint64(1), m.Get(metrics.JanusErrors))
}

func TestProxy_ResponseAtLimitPassesThrough(t *testing.T) {
	body := strings.Repeat("x", maxResponseBodyBytes)
	gw, _ := startGateway(t, http.StatusOK, body)
	base := startProxy(t, Options{APIURL: gw.URL, Prefix: "/janus", Timeout: 5 * time.Second})

	resp, err := http.Get(base + "/janus/1234")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Len(t, got, maxResponseBodyBytes)
}

func TestProxy_DoesNotCaptureSiblingPaths(t *testing.T) {
	gw, _ := startGateway(t, http.StatusOK, `{}`)
	base := startProxy(t, Options{APIURL: gw.URL, Prefix: "/janus", Timeout: time.Second})

	resp, err := http.Get(base + "/janus-simple.html")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "static", string(body))
}

func TestDescribeAndPreview(t *testing.T) {
	verb, tx := describe([]byte(`{"janus":"attach","transaction":"t1","plugin":"janus.plugin.sip"}`))
	require.Equal(t, "attach", verb)
	require.Equal(t, "t1", tx)

	verb, tx = describe([]byte(`not json`))
	require.Empty(t, verb)
	require.Empty(t, tx)

	require.Equal(t, "abc", preview([]byte("abc"), 5))
	require.Equal(t, "ab...", preview([]byte("abcdef"), 2))
}
