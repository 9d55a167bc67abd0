// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package proxy contains the HTTP front door of the mediator. It
// authenticates callers, validates the upstream they name, and either
// forwards a single JSON-RPC call or hands the connection to the stream relay.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/mcp-mediator/pkg/apierror"
	"github.com/go-core-stack/mcp-mediator/pkg/auth"
	"github.com/go-core-stack/mcp-mediator/pkg/config"
	"github.com/go-core-stack/mcp-mediator/pkg/guard"
	"github.com/go-core-stack/mcp-mediator/pkg/metrics"
	"github.com/go-core-stack/mcp-mediator/pkg/relay"
	"github.com/go-core-stack/mcp-mediator/pkg/upstream"
)

const (
	// Name and Version are reported by the info endpoint.
	Name    = "MCP Mediator"
	Version = "1.0.0"

	// HeaderRequestID identifies each inbound request in logs and responses.
	HeaderRequestID = "X-Request-Id"
	// HeaderCorrelationID echoes the JSON-RPC id of a forwarded call.
	HeaderCorrelationID = "X-Correlation-Id"
)

// hopHeaders lists standard hop-by-hop headers that must be stripped before a
// response is relayed so connection semantics remain correct.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// sessionHeaders are MCP transport headers passed from caller to upstream.
var sessionHeaders = []string{"Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-Id"}

// Proxy routes inbound requests to the forwarder or the relay.
type Proxy struct {
	// cfg keeps runtime knobs such as limits and the caller secret.
	cfg config.Config
	// gate checks the mediator credential.
	gate *auth.Gate
	// validator guards every upstream address.
	validator *guard.Validator
	// forwarder performs unary upstream calls.
	forwarder *Forwarder
	// relay runs streaming sessions.
	relay *relay.Relay
	// logger emits structured logs for observability.
	logger zerolog.Logger
	// handler is the routed, middleware-wrapped entry point.
	handler http.Handler
}

// New wires the gate, validator, forwarder and relay from cfg.
func New(cfg config.Config) (*Proxy, error) {
	if cfg.ProxyToken == "" {
		return nil, errors.New("proxy token must be set")
	}

	logger := log.With().Str("component", "proxy").Logger()
	gate := auth.NewGate(cfg.ProxyToken)
	validator := guard.New(nil, cfg.ResolveTimeout)

	client := &http.Client{
		Timeout: cfg.RequestTimeout,
		Transport: upstream.NewTransport(upstream.Options{
			ConnectTimeout:     cfg.ConnectTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			HTTP2:              true,
		}),
		CheckRedirect: upstream.NoRedirect,
	}

	// WebSocket dials are bounded by context; the client must carry no timeout.
	streamClient := &http.Client{
		Transport: upstream.NewTransport(upstream.Options{
			ConnectTimeout:     cfg.ConnectTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}),
		CheckRedirect: upstream.NoRedirect,
	}

	p := &Proxy{
		cfg:       cfg,
		gate:      gate,
		validator: validator,
		forwarder: NewForwarder(client, cfg.MaxResponseBytes),
		relay: relay.New(relay.Options{
			Gate:           gate,
			Validator:      validator,
			Client:         streamClient,
			ConnectTimeout: cfg.ConnectTimeout,
			ReadLimit:      cfg.WSReadLimit,
			AllowedOrigins: cfg.AllowedOrigins,
			Logger:         log.Logger,
		}),
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", p.serveInfo)
	mux.HandleFunc("GET /health", p.serveHealth)
	mux.HandleFunc("POST /proxy", p.serveProxy)
	mux.Handle("GET /ws", p.relay)
	mux.Handle("GET /metrics", metrics.Handler())

	p.handler = p.withRequestContext(p.withCORS(mux))
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Shutdown closes every streaming session. http.Server.Shutdown does not
// track hijacked connections, so this must be called alongside it.
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.relay.Shutdown(ctx)
}

// withRequestContext tags each request with an id and a request-scoped logger.
func (p *Proxy) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set(HeaderRequestID, requestID)

		event := p.logger.With().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Logger()

		next.ServeHTTP(w, r.WithContext(event.WithContext(r.Context())))
	})
}

// withCORS answers preflights and decorates responses for allowed origins.
func (p *Proxy) withCORS(next http.Handler) http.Handler {
	wildcard := false
	allowed := make(map[string]struct{}, len(p.cfg.AllowedOrigins))
	for _, o := range p.cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			_, ok := allowed[origin]
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case ok:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			if wildcard || ok {
				w.Header().Set("Access-Control-Expose-Headers", strings.Join([]string{HeaderRequestID, HeaderCorrelationID, "Mcp-Session-Id"}, ", "))
				if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(append([]string{"Content-Type", auth.HeaderProxyToken}, sessionHeaders...), ", "))
					w.Header().Set("Access-Control-Max-Age", "600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Proxy) serveInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    Name,
		"version": Version,
		"status":  "running",
	})
}

func (p *Proxy) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// proxyRequest is the unary call body.
type proxyRequest struct {
	MCPServerURL string          `json:"mcp_server_url"`
	MCPToken     string          `json:"mcp_token"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params"`
	JSONRPC      string          `json:"jsonrpc"`
	ID           json.RawMessage `json:"id"`
}

// serveProxy runs a unary call: authenticate, decode, validate, forward.
func (p *Proxy) serveProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	event := zerolog.Ctx(ctx)

	if !p.gate.Authenticate(ctx, r.Header.Get(auth.HeaderProxyToken)) {
		metrics.AuthRejectedTotal.WithLabelValues("unary").Inc()
		apierror.Write(w, apierror.Auth())
		return
	}

	in, err := p.decodeRequest(w, r)
	if err != nil {
		event.Warn().Err(err).Msg("malformed proxy request")
		apierror.Write(w, err)
		return
	}

	target, err := p.validator.Validate(ctx, in.MCPServerURL)
	if err != nil {
		var denied *guard.DeniedError
		if errors.As(err, &denied) {
			err = apierror.Validation(string(denied.Reason), err).WithID(in.ID)
		}
		apierror.Write(w, err)
		return
	}

	header := make(http.Header)
	for _, h := range sessionHeaders {
		if v := r.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}
	augmentForwardHeaders(header, r)

	res, err := p.forwarder.Forward(ctx, &ForwardRequest{
		Target:        target,
		UpstreamToken: in.MCPToken,
		JSONRPC:       in.JSONRPC,
		ID:            in.ID,
		Method:        in.Method,
		Params:        in.Params,
		Header:        header,
	})
	if err != nil {
		event.Error().
			Err(err).
			Str("upstream_host", target.Host).
			Str("rpc_method", in.Method).
			Dur("duration", time.Since(start)).
			Msg("request failed")
		apierror.Write(w, err)
		return
	}

	copyHeaders(w.Header(), res.Header)
	w.Header().Set(HeaderCorrelationID, string(res.ID))

	if res.Stream != nil {
		p.streamEvents(w, r, res, *event)
		return
	}

	if len(res.Body) > 0 && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		event.Error().Err(err).Msg("write response failed")
		return
	}

	event.Info().
		Str("upstream_host", target.Host).
		Str("rpc_method", in.Method).
		Int("status", res.Status).
		Dur("duration", time.Since(start)).
		Msg("request proxied")
}

// decodeRequest parses and checks the unary envelope. An absent id becomes 1
// and an absent jsonrpc version becomes "2.0".
func (p *Proxy) decodeRequest(w http.ResponseWriter, r *http.Request) (*proxyRequest, error) {
	body := http.MaxBytesReader(w, r.Body, p.cfg.MaxRequestBytes)
	defer body.Close()

	var in proxyRequest
	dec := json.NewDecoder(body)
	if err := dec.Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierror.Protocol(http.StatusRequestEntityTooLarge, "too_large", "request body too large", err)
		}
		return nil, apierror.Protocol(http.StatusBadRequest, "invalid_json", "request body is not a valid JSON object", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, apierror.Protocol(http.StatusBadRequest, "invalid_json", "unexpected data after request object", err)
	}

	if isNull(in.ID) {
		in.ID = json.RawMessage("1")
	} else if !validID(in.ID) {
		return nil, apierror.Protocol(http.StatusBadRequest, "invalid_id", "id must be a number or a string", nil)
	}
	if isNull(in.Params) {
		in.Params = nil
	}
	if in.JSONRPC == "" {
		in.JSONRPC = "2.0"
	}

	switch {
	case strings.TrimSpace(in.MCPServerURL) == "":
		return nil, apierror.Protocol(http.StatusBadRequest, "missing_target", "mcp_server_url is required", nil).WithID(in.ID)
	case in.Method == "":
		return nil, apierror.Protocol(http.StatusBadRequest, "missing_method", "method is required", nil).WithID(in.ID)
	}
	return &in, nil
}

// streamEvents relays an upstream event stream, flushing after every read.
func (p *Proxy) streamEvents(w http.ResponseWriter, r *http.Request, res *ForwardResult, event zerolog.Logger) {
	defer func() {
		if err := res.Stream.Close(); err != nil {
			event.Error().Err(err).Msg("close upstream event stream failed")
		}
	}()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(res.Status)
	_ = rc.Flush()

	event.Info().Msg("event stream opened")

	buf := make([]byte, 32*1024)
	for {
		n, err := res.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				event.Error().Err(werr).Msg("write event stream failed")
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				event.Error().Err(err).Msg("read upstream event stream failed")
			}
			event.Info().Msg("event stream closed")
			return
		}
	}
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func validID(raw json.RawMessage) bool {
	c := bytes.TrimSpace(raw)[0]
	return c == '"' || c == '-' || (c >= '0' && c <= '9')
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}

// copyHeaders appends all headers from src into dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// cleanHopHeaders removes hop-by-hop headers that should not be forwarded.
func cleanHopHeaders(h http.Header) {
	for k := range hopHeaders {
		h.Del(k)
	}
}

// augmentForwardHeaders ensures X-Forwarded-* headers capture client metadata.
func augmentForwardHeaders(h http.Header, r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		h.Set("X-Forwarded-Proto", scheme)
	} else if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)
}
