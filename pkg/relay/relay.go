// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package relay bridges a caller WebSocket to an upstream WebSocket. Each
// accepted connection becomes a Session with two pumps; when either direction
// ends, the other is torn down as well.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/go-core-stack/mcp-mediator/pkg/apierror"
	"github.com/go-core-stack/mcp-mediator/pkg/auth"
	"github.com/go-core-stack/mcp-mediator/pkg/guard"
	"github.com/go-core-stack/mcp-mediator/pkg/metrics"
	"github.com/go-core-stack/mcp-mediator/pkg/upstream"
)

const (
	// QueryTarget names the upstream URL on the connect request.
	QueryTarget = "mcp_server_url"
	// QueryUpstreamToken carries the caller's upstream credential.
	QueryUpstreamToken = "mcp_token"
)

// Options configures a Relay.
type Options struct {
	Gate      *auth.Gate
	Validator *guard.Validator
	// Client dials upstreams. Its transport must pin addresses and must not
	// negotiate HTTP/2.
	Client         *http.Client
	ConnectTimeout time.Duration
	ReadLimit      int64
	// AllowedOrigins are the caller origins accepted for upgrades.
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// Relay accepts streaming connects and runs their sessions.
type Relay struct {
	opts           Options
	originPatterns []string
	logger         zerolog.Logger

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// New builds a Relay from opts.
func New(opts Options) *Relay {
	base, stop := context.WithCancel(context.Background())
	return &Relay{
		opts:           opts,
		originPatterns: originPatterns(opts.AllowedOrigins),
		logger:         opts.Logger.With().Str("component", "relay").Logger(),
		base:           base,
		stop:           stop,
		sessions:       make(map[string]*Session),
	}
}

// ServeHTTP authenticates and validates a connect request, opens the
// upstream, upgrades the caller and relays until the session ends.
// Rejections are plain HTTP responses sent before the upgrade, and the
// upstream is not dialed until the caller's handshake is known to be valid.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	query := req.URL.Query()

	if !r.opts.Gate.Authenticate(ctx, query.Get(auth.QueryProxyToken)) {
		metrics.AuthRejectedTotal.WithLabelValues("stream").Inc()
		apierror.Write(w, apierror.Auth())
		return
	}

	rawTarget := query.Get(QueryTarget)
	if rawTarget == "" {
		apierror.Write(w, apierror.Protocol(http.StatusBadRequest, "missing_target", QueryTarget+" is required", nil))
		return
	}

	target, err := r.opts.Validator.Validate(ctx, rawTarget)
	if err != nil {
		writeDenied(w, err)
		return
	}

	// The upstream is only dialed for a handshake the caller side can accept.
	if !isUpgrade(req) {
		w.Header().Set("Connection", "Upgrade")
		w.Header().Set("Upgrade", "websocket")
		apierror.Write(w, apierror.Protocol(http.StatusUpgradeRequired, "not_websocket", "WebSocket upgrade required", nil))
		return
	}
	if !r.originAllowed(req) {
		apierror.Write(w, apierror.Protocol(http.StatusForbidden, "origin_not_allowed", "origin not allowed", nil))
		return
	}

	logger := r.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	sess := newSession(target.Host, logger)
	if !r.register(sess) {
		apierror.Write(w, apierror.Upstream(http.StatusServiceUnavailable, "shutting_down", "mediator is shutting down", nil))
		return
	}
	defer r.unregister(sess)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnShutdown := context.AfterFunc(r.base, cancel)
	defer stopOnShutdown()

	upstreamConn, err := r.dial(sessCtx, target, query.Get(QueryUpstreamToken), requestedProtocols(req))
	if err != nil {
		sess.setState(StateClosed)
		metrics.SessionsTotal.WithLabelValues("dial_failed").Inc()
		sess.logger.Warn().Err(err).Msg("upstream dial failed")
		apierror.Write(w, err)
		return
	}

	// Server read/write timeouts must not cut a long-lived stream.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	acceptOpts := &websocket.AcceptOptions{OriginPatterns: r.originPatterns}
	if proto := upstreamConn.Subprotocol(); proto != "" {
		acceptOpts.Subprotocols = []string{proto}
	}
	callerConn, err := websocket.Accept(w, req, acceptOpts)
	if err != nil {
		sess.setState(StateClosed)
		metrics.SessionsTotal.WithLabelValues("accept_failed").Inc()
		sess.logger.Warn().Err(err).Msg("caller upgrade failed")
		_ = upstreamConn.Close(websocket.StatusGoingAway, "")
		return
	}
	callerConn.SetReadLimit(r.opts.ReadLimit)

	sess.run(sessCtx, callerConn, upstreamConn)
}

// dial opens the upstream WebSocket on the pinned address.
func (r *Relay) dial(ctx context.Context, target *guard.Target, token string, protocols []string) (*websocket.Conn, error) {
	u := target.URL
	switch u.Scheme {
	case "http":
		u = target.WithScheme("ws")
	case "https":
		u = target.WithScheme("wss")
	}

	dialCtx, cancel := context.WithTimeout(upstream.WithPinnedAddr(ctx, target.Addr), r.opts.ConnectTimeout)
	defer cancel()

	header := make(http.Header)
	auth.AttachUpstreamToken(header, token)

	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient:   r.opts.Client,
		HTTPHeader:   header,
		Subprotocols: protocols,
	})
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, apierror.Upstream(http.StatusGatewayTimeout, "timeout", "upstream timed out", err)
		}
		ae := apierror.Upstream(http.StatusBadGateway, "connect_failed", "failed to reach upstream", err)
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			ae.UpstreamStatus = resp.StatusCode
		}
		return nil, ae
	}
	conn.SetReadLimit(r.opts.ReadLimit)
	return conn, nil
}

func (r *Relay) register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s.ID] = s
	r.wg.Add(1)
	return true
}

func (r *Relay) unregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	r.wg.Done()
}

// Active reports how many sessions are connecting or relaying.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown refuses new sessions, cancels every running one and waits for
// them to release their connections or for ctx to end.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeDenied(w http.ResponseWriter, err error) {
	var denied *guard.DeniedError
	if errors.As(err, &denied) {
		apierror.Write(w, apierror.Validation(string(denied.Reason), err))
		return
	}
	apierror.Write(w, err)
}

// isUpgrade reports whether req is an HTTP/1.1 WebSocket handshake.
func isUpgrade(req *http.Request) bool {
	if req.Method != http.MethodGet || !req.ProtoAtLeast(1, 1) || req.ProtoMajor != 1 {
		return false
	}
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") || req.Header.Get("Sec-WebSocket-Key") == "" ||
		req.Header.Get("Sec-WebSocket-Version") != "13" {
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// originAllowed applies the same rule websocket.Accept enforces: no Origin,
// a same-host Origin, or an Origin host matching one of the patterns.
func (r *Relay) originAllowed(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(req.Host, u.Host) {
		return true
	}
	host := strings.ToLower(u.Host)
	for _, pattern := range r.originPatterns {
		if ok, err := path.Match(strings.ToLower(pattern), host); err == nil && ok {
			return true
		}
	}
	return false
}

// requestedProtocols lists the subprotocols offered by the caller.
func requestedProtocols(req *http.Request) []string {
	var out []string
	for _, v := range req.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// originPatterns converts configured origins to the host patterns the
// WebSocket accept check expects.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
