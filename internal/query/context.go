package query

import (
	"fmt"
	"strings"
	"sync"
)

// RequestContext accumulates diagnostic fields across the attempts of one
// logical query. It is shared read/write between the retry driver, the
// HTTP attempt executor, and the error classifier. A plain struct with
// explicit setters and an internal mutex; no embedding.
type RequestContext struct {
	mu sync.RWMutex

	numAttempts      int
	maxRetryAttempts int

	lastDispatchedTo   string
	lastDispatchedFrom string

	method    string
	path      string
	statement string

	statusCode int

	previousAttemptErrors error
	otherServerErrors     []ServerError
}

// NewRequestContext creates a RequestContext for one logical query. method,
// path, and statement are set once and never change.
func NewRequestContext(method, path, statement string, maxRetryAttempts int) *RequestContext {
	return &RequestContext{
		method:           method,
		path:             path,
		statement:        statement,
		maxRetryAttempts: maxRetryAttempts,
	}
}

// IncrementAttempt bumps numAttempts. An attempt is counted even if it
// never reaches the socket.
func (rc *RequestContext) IncrementAttempt() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.numAttempts++
}

// NumAttempts returns the current attempt count.
func (rc *RequestContext) NumAttempts() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.numAttempts
}

// MaxRetryAttempts returns the configured retry cap.
func (rc *RequestContext) MaxRetryAttempts() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.maxRetryAttempts
}

// RecordDispatch records the remote and local addresses of the most recent
// attempt. Last write wins.
func (rc *RequestContext) RecordDispatch(to, from string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastDispatchedTo = to
	rc.lastDispatchedFrom = from
}

// RecordStatus records the most recently observed HTTP status code.
func (rc *RequestContext) RecordStatus(code int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.statusCode = code
}

// RecordAttemptError overwrites the classified error of the previous
// attempt.
func (rc *RequestContext) RecordAttemptError(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.previousAttemptErrors = err
}

// LastAttemptError returns the classified error of the most recent retried
// attempt, or nil before the first retry.
func (rc *RequestContext) LastAttemptError() error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.previousAttemptErrors
}

// AppendServerError appends a secondary server-reported error that was not
// selected as the primary.
func (rc *RequestContext) AppendServerError(se ServerError) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.otherServerErrors = append(rc.otherServerErrors, se)
}

// attachErrorContext formats "<msg>. ErrorContext: <k=v>, <k=v>, …" using
// only the populated fields, in a fixed order.
func (rc *RequestContext) attachErrorContext(msg string) string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	var parts []string
	addIfSet := func(key, val string) {
		if val != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", key, val))
		}
	}

	addIfSet("lastDispatchedTo", rc.lastDispatchedTo)
	addIfSet("lastDispatchedFrom", rc.lastDispatchedFrom)
	addIfSet("method", rc.method)
	addIfSet("path", rc.path)
	if rc.statusCode != 0 {
		parts = append(parts, fmt.Sprintf("statusCode=%d", rc.statusCode))
	}
	addIfSet("statement", rc.statement)
	if rc.previousAttemptErrors != nil {
		parts = append(parts, fmt.Sprintf("previousAttemptErrors=%s", rc.previousAttemptErrors.Error()))
	}
	parts = append(parts, fmt.Sprintf("numAttempts=%d", rc.numAttempts))
	if len(rc.otherServerErrors) > 0 {
		var others []string
		for _, se := range rc.otherServerErrors {
			others = append(others, fmt.Sprintf("{code=%d,msg=%s}", se.Code, se.Message))
		}
		parts = append(parts, fmt.Sprintf("otherServerErrors=[%s]", strings.Join(others, ",")))
	}

	if len(parts) == 0 {
		return msg
	}
	return fmt.Sprintf("%s. ErrorContext: %s", msg, strings.Join(parts, ", "))
}
