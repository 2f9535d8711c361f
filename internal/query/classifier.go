package query

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

// RequestBehaviour is the classifier's verdict for one failed attempt:
// either retry with the given typed error recorded as context, or fail
// the logical query with it.
type RequestBehaviour struct {
	Retry bool
	Err   error
}

// classify is the pure function of (error, request context) -> verdict
// applying the classification table in order.
func classify(err error, rc *RequestContext) RequestBehaviour {
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		// reserved terminal error, never retried or wrapped.
		return RequestBehaviour{Retry: false, Err: err}
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return classifyHTTPStatus(statusErr)
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		// already typed: fail, pass through.
		return RequestBehaviour{Retry: false, Err: timeoutErr}
	}

	var connectTimeoutErr *internalConnectionTimeoutError
	if errors.As(err, &connectTimeoutErr) {
		return RequestBehaviour{
			Retry: true,
			Err:   &TimeoutError{Message: fmt.Sprintf("connect timeout: %s", connectTimeoutErr.Error())},
		}
	}

	var connErr *connectionError
	if errors.As(err, &connErr) {
		// retriability is decided where the cause code is assigned:
		// definitive hostname/DNS answers and X.509/PKI validation
		// failures are terminal, every other platform failure retries.
		return RequestBehaviour{Retry: connErr.retriable, Err: &AnalyticsError{Message: connErr.message, Cause: connErr}}
	}

	var exhausted *dnsPoolExhaustedError
	if errors.As(err, &exhausted) {
		// exhaustion is terminal for the current query; never an implicit
		// re-resolve.
		return RequestBehaviour{Retry: false, Err: &AnalyticsError{Message: exhausted.Error(), Cause: exhausted}}
	}

	var servErrs *serverErrorArray
	if errors.As(err, &servErrs) {
		return classifyServerErrors(servErrs, rc)
	}

	return RequestBehaviour{Retry: false, Err: &AnalyticsError{Message: fmt.Sprintf("Unknown error: %v", err), Cause: err}}
}

func classifyHTTPStatus(e *httpStatusError) RequestBehaviour {
	switch e.status {
	case 401:
		return RequestBehaviour{Retry: false, Err: &InvalidCredentialError{Message: "invalid credentials (HTTP 401)"}}
	case 503:
		return RequestBehaviour{
			Retry: true,
			Err:   &AnalyticsError{Message: fmt.Sprintf("503 Service Unavailable: %s", e.body), Cause: e},
		}
	default:
		return RequestBehaviour{
			Retry: false,
			Err:   &AnalyticsError{Message: fmt.Sprintf("HTTP status %d: %s", e.status, e.body), Cause: e},
		}
	}
}

// rawServerError is the JSON shape of one server error-array entry. Every
// entry of a serverErrorArray is a JSON text fragment, as the parser emits
// it, and is decoded into this shape; serverErrorArray holds strings only,
// so entries that are already decoded objects are not accepted. The
// message is read from either the "msg" or the "message" key.
type rawServerError struct {
	Code      int    `json:"code"`
	Message   string `json:"msg"`
	Message2  string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func (r rawServerError) message() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Message2
}

// classifyServerErrors parses each entry, selects one primary, appends the
// rest to otherServerErrors, then maps the primary to a verdict.
func classifyServerErrors(arr *serverErrorArray, rc *RequestContext) RequestBehaviour {
	if len(arr.entries) == 0 {
		return RequestBehaviour{Retry: false, Err: &AnalyticsError{Message: "empty error array"}}
	}

	var parsed []rawServerError
	for _, raw := range arr.entries {
		var e rawServerError
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// a malformed entry still needs a slot so indices stay aligned
			// with the caller's otherServerErrors bookkeeping.
			parsed = append(parsed, rawServerError{Message2: raw})
			continue
		}
		parsed = append(parsed, e)
	}

	primaryIdx := -1
	for i, e := range parsed {
		if !e.Retriable {
			primaryIdx = i
			break
		}
	}
	if primaryIdx == -1 {
		for i, e := range parsed {
			if e.Retriable {
				primaryIdx = i
				break
			}
		}
	}
	if primaryIdx == -1 {
		primaryIdx = 0
	}

	hasNonRetriable := false
	for i, e := range parsed {
		if i == primaryIdx {
			continue
		}
		if rc != nil {
			rc.AppendServerError(ServerError{Code: e.Code, Message: e.message(), Retriable: e.Retriable})
		}
		if !e.Retriable {
			hasNonRetriable = true
		}
	}

	primary := parsed[primaryIdx]

	switch primary.Code {
	case 20000:
		return RequestBehaviour{Retry: false, Err: &InvalidCredentialError{Message: primary.message()}}
	case 21002:
		return RequestBehaviour{Retry: false, Err: &TimeoutError{Message: primary.message()}}
	}

	if primary.Retriable && !hasNonRetriable {
		return RequestBehaviour{Retry: true, Err: &QueryError{ServerMessage: primary.message(), Code: primary.Code}}
	}
	return RequestBehaviour{Retry: false, Err: &QueryError{ServerMessage: primary.message(), Code: primary.Code}}
}

// classifyTransportError maps a raw transport-layer error (from net/http,
// net, crypto/tls, crypto/x509) into the internal connectionError shape the
// classifier's main dispatch above understands.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Message: "request deadline exceeded"}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &connectionError{
			code:      "DNS_LOOKUP_FAILED",
			retriable: false,
			message:   fmt.Sprintf("DNS lookup failed for %s: %s", dnsErr.Name, dnsErr.Err),
			cause:     err,
		}
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &connectionError{
			code:      "TLS_CERTIFICATE_ERROR",
			retriable: false,
			message:   fmt.Sprintf("certificate verification failed: %v", certErr.Err),
			cause:     err,
		}
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return &connectionError{
			code:      "TLS_UNKNOWN_AUTHORITY",
			retriable: false,
			message:   "certificate signed by unknown authority",
			cause:     err,
		}
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return &connectionError{
			code:      "TLS_HOSTNAME_MISMATCH",
			retriable: false,
			message:   fmt.Sprintf("certificate hostname mismatch: %s", hostErr.Host),
			cause:     err,
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return &internalConnectionTimeoutError{address: addrString(opErr.Addr)}
		}
		code := "NET_ERROR"
		switch {
		case strings.Contains(opErr.Err.Error(), "connection refused"):
			code = "CONNECTION_REFUSED"
		case strings.Contains(opErr.Err.Error(), "connection reset"):
			code = "CONNECTION_RESET"
		case strings.Contains(opErr.Err.Error(), "network is unreachable"):
			code = "NETWORK_UNREACHABLE"
		}
		return &connectionError{code: code, retriable: true, message: opErr.Error(), cause: err}
	}

	if strings.Contains(err.Error(), "tls:") {
		return &connectionError{code: "TLS_HANDSHAKE_FAILED", retriable: false, message: err.Error(), cause: err}
	}

	return &connectionError{code: "UNKNOWN", retriable: true, message: err.Error(), cause: err}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
