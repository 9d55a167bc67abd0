// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-core-stack/mcp-mediator/pkg/auth"
	"github.com/go-core-stack/mcp-mediator/pkg/config"
	"github.com/go-core-stack/mcp-mediator/pkg/upstream"
)

const testToken = "secret123"

type fakeResolver struct {
	hosts   map[string]string
	lookups atomic.Int32
}

func (f *fakeResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	f.lookups.Add(1)
	if addr, ok := f.hosts[host]; ok {
		return []netip.Addr{netip.MustParseAddr(addr)}, nil
	}
	return nil, errors.New("no such host")
}

// upstreamRecorder captures what the forwarder sent upstream.
type upstreamRecorder struct {
	mu     sync.Mutex
	calls  int
	body   []byte
	header http.Header
	url    string
	pinned netip.Addr
}

func (u *upstreamRecorder) record(req *http.Request) error {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.body = body
	u.header = req.Header.Clone()
	u.url = req.URL.String()
	u.pinned, _ = upstream.PinnedAddr(req.Context())
	return nil
}

func (u *upstreamRecorder) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func newTestConfig() config.Config {
	return config.Config{
		ListenAddr:              "127.0.0.1:0",
		ProxyToken:              testToken,
		RequestTimeout:          time.Second,
		ConnectTimeout:          time.Second,
		ResolveTimeout:          time.Second,
		MaxRequestBytes:         4096,
		MaxResponseBytes:        4096,
		WSReadLimit:             4096,
		AllowedOrigins:          []string{"*"},
		LogLevel:                "info",
		LogFormat:               "json",
		ServerReadTimeout:       time.Second,
		ServerWriteTimeout:      time.Second,
		ServerIdleTimeout:       time.Second,
		GracefulShutdownTimeout: time.Second,
	}
}

// newTestProxy builds a Proxy whose resolver and upstream transport are fakes.
func newTestProxy(t *testing.T, cfg config.Config, rt roundTripperFunc) (*Proxy, *fakeResolver) {
	t.Helper()

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}

	res := &fakeResolver{hosts: map[string]string{
		"example.com":       "93.184.216.34",
		"tools.example.com": "203.0.113.20",
		"sneaky.example":    "10.0.0.8",
	}}
	p.validator.Resolver = res
	p.forwarder.client.Transport = rt
	return p, res
}

func jsonReply(status int, body string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func doProxy(p *Proxy, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "http://mediator/proxy", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(auth.HeaderProxyToken, token)
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

type errorReply struct {
	ID    json.RawMessage `json:"id"`
	Error struct {
		Code int `json:"code"`
		Data struct {
			Kind           string `json:"kind"`
			Reason         string `json:"reason"`
			UpstreamStatus int    `json:"upstream_status"`
		} `json:"data"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorReply {
	t.Helper()
	var out errorReply
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestProxyForwardsPayloadVerbatim(t *testing.T) {
	up := &upstreamRecorder{}
	const reply = `{"jsonrpc":"2.0","id":"call-7","result":{"content":[{"type":"text","text":"hi"}]}}`
	p, _ := newTestProxy(t, newTestConfig(), func(req *http.Request) (*http.Response, error) {
		if err := up.record(req); err != nil {
			return nil, err
		}
		return jsonReply(http.StatusOK, reply), nil
	})

	body := `{"mcp_server_url":"http://example.com/mcp","mcp_token":"up-tok","method":"tools/call",` +
		`"params":{"name": "echo",  "arguments": {"x": 1.50}},"jsonrpc":"2.0","id":"call-7"}`
	req := httptest.NewRequest(http.MethodPost, "http://mediator/proxy", strings.NewReader(body))
	req.Header.Set(auth.HeaderProxyToken, testToken)
	req.Header.Set("Mcp-Session-Id", "sess-1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != reply {
		t.Fatalf("response not relayed verbatim: %s", got)
	}
	if got := rec.Header().Get(HeaderCorrelationID); got != `"call-7"` {
		t.Fatalf("correlation id header = %q", got)
	}

	want := `{"jsonrpc":"2.0","id":"call-7","method":"tools/call","params":{"name": "echo",  "arguments": {"x": 1.50}}}`
	if string(up.body) != want {
		t.Fatalf("upstream body mismatch:\n got %s\nwant %s", up.body, want)
	}
	if up.url != "http://example.com/mcp" {
		t.Fatalf("unexpected upstream url %s", up.url)
	}
	if up.pinned != netip.MustParseAddr("93.184.216.34") {
		t.Fatalf("request not pinned to validated address, got %v", up.pinned)
	}
	if got := up.header.Get("Authorization"); got != "Bearer up-tok" {
		t.Fatalf("upstream credential header = %q", got)
	}
	if got := up.header.Get(auth.HeaderProxyToken); got != "" {
		t.Fatalf("mediator credential leaked upstream: %q", got)
	}
	if got := up.header.Get("Mcp-Session-Id"); got != "sess-1" {
		t.Fatalf("session header not forwarded, got %q", got)
	}
}

func TestProxyAppliesEnvelopeDefaults(t *testing.T) {
	up := &upstreamRecorder{}
	p, _ := newTestProxy(t, newTestConfig(), func(req *http.Request) (*http.Response, error) {
		if err := up.record(req); err != nil {
			return nil, err
		}
		return jsonReply(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":{}}`), nil
	})

	rec := doProxy(p, testToken, `{"mcp_server_url":"wss://tools.example.com/rpc","method":"ping","params":null,"id":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if want := `{"jsonrpc":"2.0","id":1,"method":"ping"}`; string(up.body) != want {
		t.Fatalf("upstream body = %s, want %s", up.body, want)
	}
	if up.url != "https://tools.example.com/rpc" {
		t.Fatalf("ws scheme not mapped for unary call: %s", up.url)
	}
}

func TestProxyRejectsInvalidCredential(t *testing.T) {
	up := &upstreamRecorder{}
	p, res := newTestProxy(t, newTestConfig(), func(req *http.Request) (*http.Response, error) {
		_ = up.record(req)
		return jsonReply(http.StatusOK, `{}`), nil
	})

	body := `{"mcp_server_url":"http://example.com","method":"tools/list","jsonrpc":"2.0","id":1}`
	for _, token := range []string{"wrong", ""} {
		rec := doProxy(p, token, body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
		reply := decodeError(t, rec)
		if reply.Error.Data.Kind != "auth" {
			t.Fatalf("token %q: expected auth error, got %+v", token, reply)
		}
		if string(reply.ID) != "null" {
			t.Fatalf("token %q: auth error echoed id %s", token, reply.ID)
		}
		if strings.Contains(rec.Body.String(), "example.com") {
			t.Fatalf("auth error disclosed target: %s", rec.Body.String())
		}
	}

	if up.count() != 0 {
		t.Fatalf("expected zero upstream calls, got %d", up.count())
	}
	if res.lookups.Load() != 0 {
		t.Fatalf("expected no resolution before authentication, got %d", res.lookups.Load())
	}
}

func TestProxyValidationScenarios(t *testing.T) {
	up := &upstreamRecorder{}
	p, _ := newTestProxy(t, newTestConfig(), func(req *http.Request) (*http.Response, error) {
		_ = up.record(req)
		return jsonReply(http.StatusOK, `{}`), nil
	})

	cases := []struct {
		target string
		status int
		reason string
	}{
		{target: "http://169.254.169.254/latest/meta-data", status: http.StatusForbidden, reason: "blocked-host"},
		{target: "ftp://example.com", status: http.StatusBadRequest, reason: "scheme"},
		{target: "http://localhost:9000", status: http.StatusForbidden, reason: "blocked-host"},
		{target: "http://sneaky.example", status: http.StatusForbidden, reason: "private-range"},
		{target: "http://192.168.1.10/mcp", status: http.StatusForbidden, reason: "private-range"},
		{target: "http://nowhere.example.com", status: http.StatusForbidden, reason: "unresolvable"},
	}

	for _, tc := range cases {
		body := fmt.Sprintf(`{"mcp_server_url":%q,"method":"tools/list","id":5}`, tc.target)
		rec := doProxy(p, testToken, body)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.target, tc.status, rec.Code, rec.Body.String())
		}
		reply := decodeError(t, rec)
		if reply.Error.Data.Kind != "validation" || reply.Error.Data.Reason != tc.reason {
			t.Fatalf("%s: unexpected error %+v", tc.target, reply.Error.Data)
		}
		if string(reply.ID) != "5" {
			t.Fatalf("%s: expected id 5 echoed, got %s", tc.target, reply.ID)
		}
	}

	if up.count() != 0 {
		t.Fatalf("denied targets reached upstream %d times", up.count())
	}
}

func TestProxyRejectsMalformedEnvelope(t *testing.T) {
	up := &upstreamRecorder{}
	p, res := newTestProxy(t, newTestConfig(), func(req *http.Request) (*http.Response, error) {
		_ = up.record(req)
		return jsonReply(http.StatusOK, `{}`), nil
	})

	cases := map[string]struct {
		body   string
		status int
		reason string
	}{
		"not json":       {body: `{"mcp_server_url":`, status: http.StatusBadRequest, reason: "invalid_json"},
		"trailing data":  {body: `{"mcp_server_url":"http://example.com","method":"a"} {}`, status: http.StatusBadRequest, reason: "invalid_json"},
		"missing target": {body: `{"method":"tools/list"}`, status: http.StatusBadRequest, reason: "missing_target"},
		"missing method": {body: `{"mcp_server_url":"http://example.com"}`, status: http.StatusBadRequest, reason: "missing_method"},
		"object id":      {body: `{"mcp_server_url":"http://example.com","method":"a","id":{"x":1}}`, status: http.StatusBadRequest, reason: "invalid_id"},
		"too large":      {body: `{"mcp_server_url":"http://example.com","method":"a","params":"` + strings.Repeat("x", 5000) + `"}`, status: http.StatusRequestEntityTooLarge, reason: "too_large"},
	}

	for name, tc := range cases {
		rec := doProxy(p, testToken, tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", name, tc.status, rec.Code, rec.Body.String())
		}
		reply := decodeError(t, rec)
		if reply.Error.Data.Kind != "protocol" || reply.Error.Data.Reason != tc.reason {
			t.Fatalf("%s: unexpected error %+v", name, reply.Error.Data)
		}
	}

	if up.count() != 0 {
		t.Fatalf("malformed requests reached upstream %d times", up.count())
	}
	if res.lookups.Load() != 0 {
		t.Fatalf("malformed requests triggered %d resolutions", res.lookups.Load())
	}
}

func TestProxyUpstreamErrors(t *testing.T) {
	cases := []struct {
		name           string
		rt             roundTripperFunc
		status         int
		reason         string
		upstreamStatus int
	}{
		{
			name: "error status",
			rt: func(*http.Request) (*http.Response, error) {
				return jsonReply(http.StatusInternalServerError, `{"detail":"boom"}`), nil
			},
			status: http.StatusBadGateway, reason: "upstream_status", upstreamStatus: http.StatusInternalServerError,
		},
		{
			name: "redirect",
			rt: func(*http.Request) (*http.Response, error) {
				r := jsonReply(http.StatusFound, "")
				r.Header.Set("Location", "http://127.0.0.1/")
				return r, nil
			},
			status: http.StatusBadGateway, reason: "upstream_status", upstreamStatus: http.StatusFound,
		},
		{
			name: "timeout",
			rt: func(*http.Request) (*http.Response, error) {
				return nil, context.DeadlineExceeded
			},
			status: http.StatusGatewayTimeout, reason: "timeout",
		},
		{
			name: "connect failure",
			rt: func(*http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			},
			status: http.StatusBadGateway, reason: "connect_failed",
		},
		{
			name: "invalid json",
			rt: func(*http.Request) (*http.Response, error) {
				return jsonReply(http.StatusOK, "<html>"), nil
			},
			status: http.StatusBadGateway, reason: "invalid_response",
		},
		{
			name: "too large",
			rt: func(*http.Request) (*http.Response, error) {
				return jsonReply(http.StatusOK, `"`+strings.Repeat("a", 5000)+`"`), nil
			},
			status: http.StatusBadGateway, reason: "response_too_large",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			p, _ := newTestProxy(t, newTestConfig(), func(req *http.Request) (*http.Response, error) {
				calls.Add(1)
				return tc.rt(req)
			})

			rec := doProxy(p, testToken, `{"mcp_server_url":"https://example.com","method":"tools/list","id":"abc"}`)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			reply := decodeError(t, rec)
			if reply.Error.Data.Kind != "upstream" || reply.Error.Data.Reason != tc.reason {
				t.Fatalf("unexpected error %+v", reply.Error.Data)
			}
			if reply.Error.Data.UpstreamStatus != tc.upstreamStatus {
				t.Fatalf("upstream status = %d, want %d", reply.Error.Data.UpstreamStatus, tc.upstreamStatus)
			}
			if string(reply.ID) != `"abc"` {
				t.Fatalf("correlation id not echoed: %s", reply.ID)
			}
			if calls.Load() != 1 {
				t.Fatalf("expected exactly one upstream attempt, got %d", calls.Load())
			}
		})
	}
}

func TestProxyRelaysAcceptedNotification(t *testing.T) {
	p, _ := newTestProxy(t, newTestConfig(), func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusAccepted,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	})

	rec := doProxy(p, testToken, `{"mcp_server_url":"http://example.com","method":"notifications/initialized"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
}

func TestProxyStreamsEventStreamReplies(t *testing.T) {
	pr, pw := io.Pipe()
	p, _ := newTestProxy(t, newTestConfig(), func(*http.Request) (*http.Response, error) {
		h := make(http.Header)
		h.Set("Content-Type", "text/event-stream")
		h.Set("Mcp-Session-Id", "sess-9")
		return &http.Response{StatusCode: http.StatusOK, Header: h, Body: pr}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "http://mediator/proxy",
		strings.NewReader(`{"mcp_server_url":"http://example.com","method":"tools/call","id":3}`))
	req.Header.Set(auth.HeaderProxyToken, testToken)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		p.ServeHTTP(rec, req)
		close(done)
	}()

	if _, err := io.WriteString(pw, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{}}\n\n"); err != nil {
		t.Fatalf("write event: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		return strings.Contains(rec.String(), `"id":3`)
	})
	_ = pw.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event stream handler did not exit after upstream closed")
	}

	if got := rec.header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", got)
	}
	if got := rec.header.Get("Mcp-Session-Id"); got != "sess-9" {
		t.Fatalf("session header not relayed: %q", got)
	}
	if rec.status != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.status)
	}
	if rec.flushes.Load() == 0 {
		t.Fatal("expected event stream to be flushed")
	}
}

func TestProxyInfoAndHealth(t *testing.T) {
	p, _ := newTestProxy(t, newTestConfig(), nil)

	for path, want := range map[string]string{
		"/":       `"status":"running"`,
		"/health": `"status":"healthy"`,
	} {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mediator"+path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("%s: unexpected body %s", path, rec.Body.String())
		}
		if rec.Header().Get(HeaderRequestID) == "" {
			t.Fatalf("%s: missing request id header", path)
		}
	}
}

func TestProxyCORSPreflight(t *testing.T) {
	cfg := newTestConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	p, _ := newTestProxy(t, cfg, nil)

	req := httptest.NewRequest(http.MethodOptions, "http://mediator/proxy", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, auth.HeaderProxyToken) {
		t.Fatalf("allow headers missing proxy token header: %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "http://mediator/proxy", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin for foreign origin: %q", got)
	}
}

func TestProxyStreamRouteRequiresCredential(t *testing.T) {
	p, res := newTestProxy(t, newTestConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "http://mediator/ws?proxy_token=wrong&mcp_server_url=ws://example.com", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if res.lookups.Load() != 0 {
		t.Fatal("stream connect resolved target before authentication")
	}
}

func TestProxyExposesMetrics(t *testing.T) {
	p, _ := newTestProxy(t, newTestConfig(), nil)
	_ = doProxy(p, "wrong", `{"mcp_server_url":"http://example.com","method":"a"}`)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mediator/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `mcp_mediator_auth_rejected_total{channel="unary"}`) {
		t.Fatalf("auth rejection not exported:\n%s", rec.Body.String())
	}
}

func TestNewRequiresProxyToken(t *testing.T) {
	cfg := newTestConfig()
	cfg.ProxyToken = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error without proxy token")
	}
}

type flushRecorder struct {
	mu      sync.Mutex
	header  http.Header
	status  int
	body    bytes.Buffer
	flushes atomic.Int32
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{
		header: make(http.Header),
	}
}

func (r *flushRecorder) Header() http.Header {
	return r.header
}

func (r *flushRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *flushRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *flushRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func (r *flushRecorder) Flush() {
	r.flushes.Add(1)
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
