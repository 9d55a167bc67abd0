// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package guard decides whether an operator-supplied upstream URL may be
// reached by the mediator. A URL is allowed only when its scheme, host text
// and every address it resolves to pass the checks; the first resolved
// address is returned so callers connect to exactly what was validated.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-core-stack/mcp-mediator/pkg/metrics"
)

// Reason names the category of a denial. It is safe to show to callers.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonScheme       Reason = "scheme"
	ReasonBlockedHost  Reason = "blocked-host"
	ReasonUnresolvable Reason = "unresolvable"
	ReasonPrivateRange Reason = "private-range"
)

const defaultResolveTimeout = 5 * time.Second

var allowedSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"ws":    {},
	"wss":   {},
}

var blockedHosts = map[string]struct{}{
	"localhost":       {},
	"127.0.0.1":       {},
	"0.0.0.0":         {},
	"::1":             {},
	"169.254.169.254": {},
}

var blockedHostSubstrings = []string{"internal", "local", "intranet"}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DeniedError reports why a URL was refused.
type DeniedError struct {
	Reason Reason
	Err    error
}

func (e *DeniedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream address denied: %s", e.Reason)
	}
	return fmt.Sprintf("upstream address denied: %s: %v", e.Reason, e.Err)
}

func (e *DeniedError) Unwrap() error { return e.Err }

// Target is an allowed upstream. Addr is the address the connection must be
// made to; URL keeps the requested host for Host headers and TLS names.
type Target struct {
	URL  *url.URL
	Host string
	Port string
	Addr netip.Addr
}

// DialAddr is Addr joined with Port.
func (t *Target) DialAddr() string {
	return net.JoinHostPort(t.Addr.String(), t.Port)
}

// WithScheme returns a copy of the target URL using scheme.
func (t *Target) WithScheme(scheme string) *url.URL {
	u := *t.URL
	u.Scheme = scheme
	return &u
}

// Validator applies the address checks.
type Validator struct {
	Resolver Resolver
	// Timeout bounds hostname resolution.
	Timeout time.Duration
}

// New returns a Validator using resolver, or net.DefaultResolver when nil.
func New(resolver Resolver, timeout time.Duration) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	return &Validator{Resolver: resolver, Timeout: timeout}
}

// Validate checks raw and returns the target to connect to, or a
// *DeniedError. Checks run in order and stop at the first denial.
func (v *Validator) Validate(ctx context.Context, raw string) (*Target, error) {
	target, err := v.validate(ctx, raw)
	if err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			metrics.ValidationDeniedTotal.WithLabelValues(string(denied.Reason)).Inc()
			zerolog.Ctx(ctx).Warn().
				Str("reason", string(denied.Reason)).
				Msg("upstream address denied")
		}
		return nil, err
	}
	return target, nil
}

func (v *Validator) validate(ctx context.Context, raw string) (*Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, &DeniedError{Reason: ReasonMalformed, Err: err}
	}

	scheme := strings.ToLower(u.Scheme)
	if _, ok := allowedSchemes[scheme]; !ok {
		return nil, &DeniedError{Reason: ReasonScheme}
	}
	u.Scheme = scheme

	if u.Hostname() == "" {
		return nil, &DeniedError{Reason: ReasonMalformed, Err: errors.New("missing host")}
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if blockedHostname(host) {
		return nil, &DeniedError{Reason: ReasonBlockedHost}
	}

	port := u.Port()
	if port == "" {
		port = defaultPort(scheme)
	}

	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return nil, &DeniedError{Reason: ReasonUnresolvable, Err: err}
	}

	var first netip.Addr
	for i, addr := range addrs {
		addr = addr.Unmap().WithZone("")
		if !addr.IsValid() || blockedAddr(addr) {
			return nil, &DeniedError{Reason: ReasonPrivateRange}
		}
		if i == 0 {
			first = addr
		}
	}

	return &Target{URL: u, Host: host, Port: port, Addr: first}, nil
}

func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := v.Resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("no addresses")
	}
	return addrs, nil
}

func blockedHostname(host string) bool {
	if _, ok := blockedHosts[host]; ok {
		return true
	}
	for _, s := range blockedHostSubstrings {
		if strings.Contains(host, s) {
			return true
		}
	}
	return false
}

func blockedAddr(addr netip.Addr) bool {
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "443"
	default:
		return "80"
	}
}
