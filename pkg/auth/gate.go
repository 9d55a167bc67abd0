// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package auth decides whether a caller may use the mediator and attaches the
// caller's own credential to upstream requests.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"net/http"

	"github.com/rs/zerolog"
)

const (
	// HeaderProxyToken carries the mediator credential on unary calls.
	HeaderProxyToken = "X-Proxy-Token"
	// QueryProxyToken carries the mediator credential on streaming connects.
	QueryProxyToken = "proxy_token"
)

// Gate compares presented credentials against the configured secret.
type Gate struct {
	key    []byte
	digest []byte
}

// NewGate builds a gate for the given secret. An empty secret yields a gate
// that rejects every credential.
func NewGate(secret string) *Gate {
	key := make([]byte, sha256.Size)
	if _, err := rand.Read(key); err != nil {
		panic("auth: read random key: " + err.Error())
	}
	g := &Gate{key: key}
	if secret != "" {
		g.digest = g.sum(secret)
	}
	return g
}

// Authenticate reports whether credential matches the configured secret.
// Both sides are reduced to keyed digests before comparison so the time taken
// depends on neither the matching prefix nor the credential length.
func (g *Gate) Authenticate(ctx context.Context, credential string) bool {
	logger := zerolog.Ctx(ctx)
	if credential == "" {
		logger.Warn().Str("reason", "missing").Msg("proxy credential rejected")
		return false
	}
	if g.digest == nil {
		logger.Warn().Str("reason", "unconfigured").Msg("proxy credential rejected")
		return false
	}
	if !hmac.Equal(g.sum(credential), g.digest) {
		logger.Warn().Str("reason", "mismatch").Msg("proxy credential rejected")
		return false
	}
	return true
}

func (g *Gate) sum(value string) []byte {
	mac := hmac.New(sha256.New, g.key)
	// hash.Hash writes never fail.
	_, _ = mac.Write([]byte(value))
	return mac.Sum(nil)
}

// AttachUpstreamToken sets the caller-supplied upstream credential as a
// bearer token. The mediator's own credential is never forwarded.
func AttachUpstreamToken(h http.Header, token string) {
	if token == "" {
		return
	}
	h.Set("Authorization", "Bearer "+token)
}
