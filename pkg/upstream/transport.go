// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package upstream builds the HTTP transports used to reach validated
// upstream endpoints. Every dial goes to the address pinned in the request
// context by the caller, so the hostname is not resolved a second time
// between validation and connect.
//
// Pinning narrows the rebinding window but does not close every one.
// Idle keep-alive connections are pooled by hostname and port, so a later
// request may reuse a connection to an address that was validated for an
// earlier request. Addresses that embed private IPv4 inside public IPv6
// encodings (NAT64, 6to4) are not decoded by the validator. Both are known
// limitations.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

// ErrNotPinned is returned when a dial is attempted without a pinned address.
var ErrNotPinned = errors.New("upstream dial without pinned address")

type pinnedKey struct{}

// WithPinnedAddr returns a context whose upstream dials go to addr.
func WithPinnedAddr(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, pinnedKey{}, addr)
}

// PinnedAddr returns the address stored by WithPinnedAddr.
func PinnedAddr(ctx context.Context) (netip.Addr, bool) {
	addr, ok := ctx.Value(pinnedKey{}).(netip.Addr)
	return addr, ok && addr.IsValid()
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options tunes the transport.
type Options struct {
	ConnectTimeout     time.Duration
	InsecureSkipVerify bool
	// HTTP2 allows HTTP/2 negotiation. WebSocket upgrades need it off.
	HTTP2 bool
	// Dial replaces the network dialer; tests use it to redirect pinned
	// addresses to local listeners.
	Dial DialFunc
}

// NewTransport returns a transport that only dials pinned addresses and
// never consults proxy environment variables.
func NewTransport(opts Options) *http.Transport {
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	}

	return &http.Transport{
		Proxy:                 nil,
		DialContext:           pinnedDial(dial),
		ForceAttemptHTTP2:     opts.HTTP2,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify, // nolint:gosec -- opt-in for development scenarios
		},
	}
}

// pinnedDial keeps the port the transport asked for and swaps the host for
// the pinned address.
func pinnedDial(dial DialFunc) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		pinned, ok := PinnedAddr(ctx)
		if !ok {
			return nil, ErrNotPinned
		}
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("split upstream address: %w", err)
		}
		return dial(ctx, network, net.JoinHostPort(pinned.String(), port))
	}
}

// NoRedirect stops http.Client from following redirects, which would leave
// the validated address.
func NoRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}
