// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package apierror defines the failures the mediator reports to callers and
// renders them as JSON-RPC error envelopes.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind groups failures by where they stopped the call.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindUpstream   Kind = "upstream"
	KindProtocol   Kind = "protocol"
	KindInternal   Kind = "internal"
)

// JSON-RPC error codes per kind. Protocol and internal use the reserved
// codes; the others sit in the implementation-defined server range.
var rpcCodes = map[Kind]int{
	KindProtocol:   -32600,
	KindAuth:       -32001,
	KindValidation: -32002,
	KindUpstream:   -32003,
	KindInternal:   -32603,
}

// Error is a terminal failure for one call or session.
type Error struct {
	Kind    Kind
	Status  int
	Reason  string
	Message string
	// ID is the caller's correlation id, echoed when known.
	ID json.RawMessage
	// UpstreamStatus is set when the upstream answered with an error status.
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Reason, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Auth reports a missing or invalid mediator credential.
func Auth() *Error {
	return &Error{
		Kind:    KindAuth,
		Status:  http.StatusUnauthorized,
		Reason:  "invalid_credential",
		Message: "invalid proxy token",
	}
}

// Validation reports a denied upstream address. reason is the denial
// category and the only detail that reaches the caller.
func Validation(reason string, err error) *Error {
	status := http.StatusForbidden
	if reason == "malformed" || reason == "scheme" {
		status = http.StatusBadRequest
	}
	return &Error{
		Kind:    KindValidation,
		Status:  status,
		Reason:  reason,
		Message: "upstream address not allowed: " + reason,
		Err:     err,
	}
}

// Protocol reports a malformed inbound request.
func Protocol(status int, reason, message string, err error) *Error {
	return &Error{
		Kind:    KindProtocol,
		Status:  status,
		Reason:  reason,
		Message: message,
		Err:     err,
	}
}

// Upstream reports a failed upstream interaction.
func Upstream(status int, reason, message string, err error) *Error {
	return &Error{
		Kind:    KindUpstream,
		Status:  status,
		Reason:  reason,
		Message: message,
		Err:     err,
	}
}

// WithID returns a copy of e echoing id.
func (e *Error) WithID(id json.RawMessage) *Error {
	c := *e
	c.ID = id
	return &c
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcError        `json:"error"`
}

type rpcError struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    errorData `json:"data"`
}

type errorData struct {
	Kind           Kind   `json:"kind"`
	Reason         string `json:"reason"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// From converts any error into an *Error, treating unknown errors as
// internal failures.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Reason:  "internal",
		Message: "internal error",
		Err:     err,
	}
}

// Write renders err as a JSON-RPC error envelope with the matching status.
func Write(w http.ResponseWriter, err error) {
	ae := From(err)

	id := ae.ID
	if len(id) == 0 || ae.Kind == KindAuth {
		id = json.RawMessage("null")
	}

	body, marshalErr := json.Marshal(envelope{
		JSONRPC: "2.0",
		ID:      id,
		Error: rpcError{
			Code:    rpcCodes[ae.Kind],
			Message: ae.Message,
			Data: errorData{
				Kind:           ae.Kind,
				Reason:         ae.Reason,
				UpstreamStatus: ae.UpstreamStatus,
			},
		},
	})
	if marshalErr != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(ae.Status)
	_, _ = w.Write(body)
}
