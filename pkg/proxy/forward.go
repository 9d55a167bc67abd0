// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/go-core-stack/mcp-mediator/pkg/apierror"
	"github.com/go-core-stack/mcp-mediator/pkg/auth"
	"github.com/go-core-stack/mcp-mediator/pkg/guard"
	"github.com/go-core-stack/mcp-mediator/pkg/metrics"
	"github.com/go-core-stack/mcp-mediator/pkg/upstream"
)

// ForwardRequest is one unary call bound for a validated upstream.
type ForwardRequest struct {
	Target *guard.Target
	// UpstreamToken is the caller's credential for the upstream itself.
	UpstreamToken string
	JSONRPC       string
	ID            json.RawMessage
	Method        string
	// Params is forwarded byte-for-byte; empty means omitted.
	Params json.RawMessage
	// Header holds extra headers for the upstream request.
	Header http.Header
}

// ForwardResult is the upstream's answer. Exactly one of Body or Stream is
// meaningful; Stream must be closed by the caller.
type ForwardResult struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
	ID     json.RawMessage
}

// Forwarder performs one-shot request/response calls to upstreams.
type Forwarder struct {
	client           *http.Client
	maxResponseBytes int64
}

// NewForwarder wraps client, which must dial through an upstream transport.
func NewForwarder(client *http.Client, maxResponseBytes int64) *Forwarder {
	return &Forwarder{client: client, maxResponseBytes: maxResponseBytes}
}

// Forward sends req to its pinned upstream address and returns the reply
// without interpreting it. Failures are *apierror.Error values echoing the
// request id; nothing is retried.
func (f *Forwarder) Forward(ctx context.Context, req *ForwardRequest) (*ForwardResult, error) {
	target := req.Target.URL
	switch target.Scheme {
	case "ws":
		target = req.Target.WithScheme("http")
	case "wss":
		target = req.Target.WithScheme("https")
	}

	ctx = upstream.WithPinnedAddr(ctx, req.Target.Addr)
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(encodeEnvelope(req)))
	if err != nil {
		return nil, f.fail(apierror.Upstream(http.StatusBadGateway, "build_request", "failed to build upstream request", err), req)
	}

	copyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Accept", "application/json, text/event-stream")
	auth.AttachUpstreamToken(upstreamReq.Header, req.UpstreamToken)

	start := time.Now()
	resp, err := f.client.Do(upstreamReq)
	metrics.ForwardDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, f.fail(classify(err, "connect_failed", "failed to reach upstream"), req)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		ae := apierror.Upstream(http.StatusBadGateway, "upstream_status", "upstream returned an error status", nil)
		ae.UpstreamStatus = resp.StatusCode
		return nil, f.fail(ae, req)
	}

	header := resp.Header.Clone()
	cleanHopHeaders(header)
	header.Del("Content-Length")
	header.Del("Set-Cookie")

	if isEventStream(resp.Header.Get("Content-Type")) {
		metrics.ForwardTotal.WithLabelValues("stream").Inc()
		return &ForwardResult{Status: resp.StatusCode, Header: header, Stream: resp.Body, ID: req.ID}, nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	if err != nil {
		return nil, f.fail(classify(err, "read_failed", "failed to read upstream response"), req)
	}
	if int64(len(payload)) > f.maxResponseBytes {
		return nil, f.fail(apierror.Upstream(http.StatusBadGateway, "response_too_large", "upstream response exceeds size limit", nil), req)
	}
	if len(bytes.TrimSpace(payload)) > 0 && !json.Valid(payload) {
		return nil, f.fail(apierror.Upstream(http.StatusBadGateway, "invalid_response", "upstream response is not valid JSON", nil), req)
	}

	metrics.ForwardTotal.WithLabelValues("ok").Inc()
	return &ForwardResult{Status: resp.StatusCode, Header: header, Body: payload, ID: req.ID}, nil
}

func (f *Forwarder) fail(ae *apierror.Error, req *ForwardRequest) error {
	metrics.ForwardTotal.WithLabelValues(ae.Reason).Inc()
	return ae.WithID(req.ID)
}

// classify maps transport failures to timeout (504) or the given reason (502).
func classify(err error, reason, message string) *apierror.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apierror.Upstream(http.StatusGatewayTimeout, "timeout", "upstream timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.Upstream(http.StatusGatewayTimeout, "timeout", "upstream timed out", err)
	}
	return apierror.Upstream(http.StatusBadGateway, reason, message, err)
}

// encodeEnvelope writes the JSON-RPC request with id and params copied
// verbatim from the caller.
func encodeEnvelope(req *ForwardRequest) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":`)
	writeJSONString(&buf, req.JSONRPC)
	buf.WriteString(`,"id":`)
	buf.Write(req.ID)
	buf.WriteString(`,"method":`)
	writeJSONString(&buf, req.Method)
	if len(req.Params) > 0 {
		buf.WriteString(`,"params":`)
		buf.Write(req.Params)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeJSONString(buf *bytes.Buffer, s string) {
	// Marshalling a string cannot fail.
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/event-stream"
}
