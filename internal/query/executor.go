package query

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	qotel "github.com/analytics-query/client/internal/otel"
)

// HTTPTransport is the shared HTTP connection pool owned by the caller's
// cluster handle and reused across logical queries: opened on first use,
// closed when the cluster handle closes. Trimmed to what one attempt
// needs, keep-alive pooling plus the connect-timeout dialer.
type HTTPTransport struct {
	client    *http.Client
	transport *http.Transport
}

// NewHTTPTransport builds the shared transport. tlsConfig may be nil for
// plain HTTP; when set, its MinVersion is raised to TLS 1.3 and its
// ServerName is left as the caller configured it (the connection
// string's hostname). Trust-source selection and mutual-exclusivity
// validation are the excluded configuration façade's job; the core only
// ever consumes an already-resolved *tls.Config.
func NewHTTPTransport(tlsConfig *tls.Config, connectTimeout time.Duration) *HTTPTransport {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	if tlsConfig != nil {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   connectTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &HTTPTransport{
		client:    &http.Client{Transport: transport, Timeout: 0},
		transport: transport,
	}
}

// Close releases idle connections. Call once, when the owning cluster
// handle closes.
func (t *HTTPTransport) Close() { t.transport.CloseIdleConnections() }

// executor runs one HTTP attempt end-to-end: obtains an address from
// the DNS pool, sends the POST, binds the response to the JSON parser
// pipeline, and returns a streaming Result as soon as it is "readable".
type executor struct {
	cfg     Config
	dns     *dnsPool
	logger  *slog.Logger
	tracer  *qotel.Tracer
	metrics *qotel.Metrics
}

func newExecutor(cfg Config, dns *dnsPool, logger *slog.Logger, tracer *qotel.Tracer, metrics *qotel.Metrics) *executor {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = qotel.NoopTracer()
	}
	if metrics == nil {
		metrics = qotel.NoopMetrics()
	}
	return &executor{cfg: cfg, dns: dns, logger: logger, tracer: tracer, metrics: metrics}
}

// attempt runs one attempt under attemptCtx (already bound to the per-
// attempt hard deadline by the retry driver's withHardTimeout) and returns
// a streaming Result or a raw, unclassified error for the classifier.
func (e *executor) attempt(attemptCtx context.Context, req QueryRequest, clientContextID string, deadline time.Time, rc *RequestContext) (result *Result, attemptErr error) {
	addr, err := e.dns.maybeUpdateAndGet(attemptCtx)
	if err != nil {
		var exhausted *dnsPoolExhaustedError
		if errors.As(err, &exhausted) {
			e.metrics.RecordDNSExhausted(attemptCtx)
		}
		return nil, err
	}

	spanCtx, span := e.tracer.StartAttemptSpan(attemptCtx, qotel.AttemptSpanOptions{
		ClientContextID: clientContextID,
		Attempt:         rc.NumAttempts(),
		Address:         addr,
		Path:            "/api/v1/request",
	})
	defer span.End()

	if n := rc.NumAttempts(); n > 1 {
		reason := "previous attempt failed"
		if prev := rc.LastAttemptError(); prev != nil {
			reason = prev.Error()
		}
		qotel.RecordRetry(span, n, reason)
	}

	start := time.Now()
	result, attemptErr = e.doAttempt(spanCtx, req, clientContextID, deadline, rc, addr)
	latencyMs := float64(time.Since(start).Milliseconds())
	e.metrics.RecordAttemptLatency(spanCtx, latencyMs, attemptErr == nil)
	if attemptErr != nil {
		qotel.RecordError(span, attemptErr, fmt.Sprintf("%T", attemptErr))
		e.logger.Debug("analytics attempt failed", "attempt", rc.NumAttempts(), "address", addr, "error", attemptErr)
	}
	return result, attemptErr
}

func (e *executor) doAttempt(ctx context.Context, req QueryRequest, clientContextID string, deadline time.Time, rc *RequestContext, addr string) (*Result, error) {
	body, err := buildRequestBody(req, clientContextID, deadline)
	if err != nil {
		return nil, err
	}

	target, hostname, err := buildAttemptURL(e.cfg.Endpoint, addr)
	if err != nil {
		return nil, &InvalidArgumentError{Message: err.Error()}
	}

	tracker := &connAddrTracker{}
	tracedCtx := withConnAddrTrace(ctx, tracker)

	httpReq, err := http.NewRequestWithContext(tracedCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Host = hostname
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	if req.Priority {
		httpReq.Header.Set("Analytics-Priority", "-1")
	}
	if e.cfg.Credentials.Username != "" {
		httpReq.SetBasicAuth(e.cfg.Credentials.Username, e.cfg.Credentials.Password)
	}

	e.logger.Debug("analytics attempt dispatched",
		"attempt", rc.NumAttempts(), "address", addr, "client_context_id", clientContextID)

	resp, err := e.cfg.Transport.client.Do(httpReq)
	local, remote := tracker.addrs()
	if remote == "" {
		remote = addr
	}
	rc.RecordDispatch(remote, local)
	if err != nil {
		return nil, classifyDoError(err, addr)
	}

	rc.RecordStatus(resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, &httpStatusError{status: http.StatusUnauthorized, body: "unauthorized"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, &httpStatusError{status: resp.StatusCode, body: string(b)}
	}

	events := runParser(resp.Body)
	teardown := func() { resp.Body.Close() }

	// pull until the stream is "readable": a row is about to be
	// delivered, or end-of-stream has been reached with zero rows.
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				teardown()
				return nil, fmt.Errorf("response stream closed unexpectedly")
			}
			switch {
			case ev.row != nil:
				return newResult(events, deadline, teardown, rc, &ev), nil
			case ev.errorsComplete != nil:
				teardown()
				return nil, &serverErrorArray{entries: ev.errorsComplete.fragments}
			case ev.end != nil:
				return newResult(events, deadline, teardown, rc, &ev), nil
			case ev.parseErr != nil:
				teardown()
				return nil, ev.parseErr.err
			}
		case <-ctx.Done():
			teardown()
			return nil, &AbortError{Message: "request cancelled"}
		}
	}
}

// buildRequestBody marshals the request wire body. Built as a plain map
// rather than a fixed struct: named params are arbitrary "$"-prefixed
// keys and Raw is an arbitrary pass-through top-level field set, neither
// of which a static struct models cleanly.
func buildRequestBody(req QueryRequest, clientContextID string, deadline time.Time) ([]byte, error) {
	m := map[string]any{
		"statement":         req.Statement,
		"client_context_id": clientContextID,
	}

	if req.QueryContextNamespace != "" && req.QueryContextScope != "" {
		m["query_context"] = fmt.Sprintf("default:`%s`.`%s`", req.QueryContextNamespace, req.QueryContextScope)
	}
	if len(req.PositionalArgs) > 0 {
		m["args"] = req.PositionalArgs
	}
	for k, v := range req.NamedArgs {
		key := k
		if !strings.HasPrefix(key, "$") {
			key = "$" + key
		}
		m[key] = v
	}
	if req.ReadOnly != nil {
		m["readonly"] = *req.ReadOnly
	}
	if req.ScanConsistency != "" {
		m["scan_consistency"] = req.ScanConsistency
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	wireTimeout := remaining + requestTimeoutMargin
	m["timeout"] = fmt.Sprintf("%dms", wireTimeout.Milliseconds())

	for k, v := range req.Raw {
		m[k] = v
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return body, nil
}

// buildAttemptURL swaps the endpoint's hostname for the DNS pool's chosen
// address, preserving scheme, port, and path, so each retry actually lands
// on a distinct resolved address. The original hostname is returned
// too so the caller can still send it as the Host header. The TLS server
// name is not taken from it: it comes from the transport's
// tls.Config.ServerName or, when that is empty, from the address in the URL.
func buildAttemptURL(endpoint, addr string) (target, hostname string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	hostname = u.Hostname()

	host := addr
	if strings.Contains(addr, ":") {
		host = "[" + addr + "]"
	}
	if port := u.Port(); port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Path = "/api/v1/request"
	return u.String(), hostname, nil
}

// classifyDoError maps an error returned directly from http.Client.Do,
// i.e. one that occurred before any response was received, into the
// internal error shapes the classifier understands. Any timeout observed
// at this call site is, by construction, a connect-phase timeout: dial and
// TLS handshake both run inside Do() before headers ever arrive. Other
// failures are delegated to classifyTransportError.
func classifyDoError(err error, addr string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &internalConnectionTimeoutError{address: addr}
	}
	return classifyTransportError(err)
}
