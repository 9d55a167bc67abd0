// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/mcp-mediator/pkg/metrics"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type side string

const (
	sideCaller   side = "caller"
	sideUpstream side = "upstream"
	sideRelay    side = "relay"
)

type direction string

const (
	callerToUpstream direction = "caller_to_upstream"
	upstreamToCaller direction = "upstream_to_caller"
)

// sides returns the reading and writing side of d.
func (d direction) sides() (src, dst side) {
	if d == callerToUpstream {
		return sideCaller, sideUpstream
	}
	return sideUpstream, sideCaller
}

const copyBufferSize = 32 * 1024

// closeGrace bounds how long teardown waits for close handshakes before the
// pumps are interrupted and both connections dropped.
const closeGrace = time.Second

// Session pairs one caller connection with the upstream connection it owns.
type Session struct {
	ID     string
	Target string

	state   atomic.Int32
	started time.Time
	logger  zerolog.Logger

	caller   *websocket.Conn
	upstream *websocket.Conn

	stopPumps  context.CancelFunc
	closeOnce  sync.Once
	graceTimer *time.Timer
	outcome    string
}

func newSession(target string, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:      id,
		Target:  target,
		started: time.Now(),
		logger:  logger.With().Str("session_id", id).Str("upstream_host", target).Logger(),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// run relays frames until either side ends or ctx is canceled, then releases
// both connections. It returns once both pumps have stopped.
func (s *Session) run(ctx context.Context, caller, upstream *websocket.Conn) {
	s.caller, s.upstream = caller, upstream

	// Pumps get their own context so a graceful close can be attempted
	// before their reads are interrupted.
	pumpCtx, stopPumps := context.WithCancel(context.WithoutCancel(ctx))
	s.stopPumps = stopPumps
	defer stopPumps()

	s.setState(StateActive)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	s.logger.Info().Msg("session active")

	stop := context.AfterFunc(ctx, func() {
		s.teardown(sideRelay, context.Cause(ctx))
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error { return s.pump(pumpCtx, callerToUpstream, caller, upstream) })
	g.Go(func() error { return s.pump(pumpCtx, upstreamToCaller, upstream, caller) })
	err := g.Wait()

	// Every pump exits through teardown, so graceTimer is set by now.
	s.graceTimer.Stop()
	_ = caller.CloseNow()
	_ = upstream.CloseNow()
	s.setState(StateClosed)

	duration := time.Since(s.started)
	metrics.SessionsTotal.WithLabelValues(s.outcome).Inc()
	metrics.SessionDurationSeconds.Observe(duration.Seconds())
	s.logger.Info().
		Err(err).
		Str("outcome", s.outcome).
		Dur("duration", duration).
		Msg("session closed")
}

// pump copies whole messages from src to dst. Each message is streamed
// through a fixed buffer, so a slow writer stalls the reader instead of
// queueing data.
func (s *Session) pump(ctx context.Context, dir direction, src, dst *websocket.Conn) error {
	srcSide, dstSide := dir.sides()
	buf := make([]byte, copyBufferSize)

	for {
		typ, r, err := src.Reader(ctx)
		if err != nil {
			return s.end(srcSide, err)
		}

		w, err := dst.Writer(ctx, typ)
		if err != nil {
			return s.end(dstSide, err)
		}

		ew := &errWriter{w: w}
		n, err := io.CopyBuffer(ew, r, buf)
		if err != nil {
			if ew.err != nil {
				return s.end(dstSide, err)
			}
			return s.end(srcSide, err)
		}
		if err := w.Close(); err != nil {
			return s.end(dstSide, err)
		}

		metrics.RelayedMessagesTotal.WithLabelValues(string(dir)).Inc()
		metrics.RelayedBytesTotal.WithLabelValues(string(dir)).Add(float64(n))
	}
}

func (s *Session) end(sd side, err error) error {
	s.teardown(sd, err)
	return err
}

// teardown runs once, on the first end observed by either pump or by the
// relay. It starts the close handshakes without waiting on them and stops
// both pumps once the handshakes finish or closeGrace expires.
func (s *Session) teardown(sd side, cause error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.logger.Debug().Err(cause).Str("side", string(sd)).Msg("session closing")

		var closeCaller, closeUpstream func() error
		switch sd {
		case sideCaller:
			s.outcome = "caller_closed"
			closeCaller = s.caller.CloseNow
			closeUpstream = func() error { return s.upstream.Close(websocket.StatusNormalClosure, "") }
		case sideUpstream:
			code, reason, clean := upstreamClose(cause)
			if clean {
				s.outcome = "upstream_closed"
			} else {
				s.outcome = "upstream_error"
				s.logger.Warn().Err(cause).Msg("upstream connection failed")
			}
			closeCaller = func() error { return s.caller.Close(code, reason) }
			closeUpstream = s.upstream.CloseNow
		default:
			s.outcome = "shutdown"
			closeCaller = func() error { return s.caller.Close(websocket.StatusGoingAway, "mediator shutting down") }
			closeUpstream = func() error { return s.upstream.Close(websocket.StatusGoingAway, "") }
		}

		s.graceTimer = time.AfterFunc(closeGrace, s.stopPumps)
		var wg sync.WaitGroup
		for _, closeFn := range []func() error{closeCaller, closeUpstream} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = closeFn()
			}()
		}
		go func() {
			wg.Wait()
			s.stopPumps()
		}()
	})
}

// upstreamClose picks the close status sent to the caller after the upstream
// side ended. A clean upstream close is passed through; anything else is
// reported as an internal error.
func upstreamClose(err error) (websocket.StatusCode, string, bool) {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.StatusInternalError, "upstream error", false
	}
	switch ce.Code {
	case websocket.StatusNoStatusRcvd:
		return websocket.StatusNormalClosure, "", true
	case websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		return websocket.StatusInternalError, "upstream error", false
	default:
		return ce.Code, ce.Reason, true
	}
}

// errWriter remembers whether a copy failed on the write side.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}
