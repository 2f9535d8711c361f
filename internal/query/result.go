package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Result is the lazy, pull-based row sequence returned once an attempt
// becomes "readable". The parser goroutine started by runParser feeds a
// channel; Next races a channel receive against the query's deadline and
// the caller's context.
type Result struct {
	mu       sync.Mutex
	events   <-chan parserEvent
	deadline time.Time
	teardown func()
	rc       *RequestContext

	pending *parserEvent // the event that made the attempt "readable"
	done    bool
	doneErr error

	metadata    *Metadata
	gotMetadata bool
}

func newResult(events <-chan parserEvent, deadline time.Time, teardown func(), rc *RequestContext, first *parserEvent) *Result {
	return &Result{events: events, deadline: deadline, teardown: teardown, rc: rc, pending: first}
}

// Next blocks until the next row is available, the stream ends (the
// IsEndOfStream sentinel), or ctx/the query deadline fires first. Once Next
// returns a non-nil error, every subsequent call returns the same error.
func (r *Result) Next(ctx context.Context) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil, r.doneErr
	}

	for {
		var ev parserEvent
		if r.pending != nil {
			ev = *r.pending
			r.pending = nil
		} else {
			timer := time.NewTimer(time.Until(r.deadline))
			select {
			case got, ok := <-r.events:
				timer.Stop()
				if !ok {
					return nil, r.finish(fmt.Errorf("response stream closed unexpectedly"))
				}
				ev = got
			case <-timer.C:
				return nil, r.finish(&TimeoutError{Message: "query deadline exceeded while streaming rows"})
			case <-ctx.Done():
				timer.Stop()
				return nil, r.finish(&AbortError{Message: "result stream cancelled"})
			}
		}

		switch {
		case ev.row != nil:
			return json.RawMessage(ev.row.fragment), nil
		case ev.end != nil:
			md, err := parseMetadata(ev.end.residual)
			if err != nil {
				return nil, r.finish(err)
			}
			r.metadata = md
			r.gotMetadata = true
			return nil, r.finish(errEndOfStream)
		case ev.errorsComplete != nil:
			// a mid-stream errors array fails the stream; rows already
			// delivered stay delivered, metadata stays unavailable. The
			// attempt cannot be retried at this point, so the classified
			// error surfaces directly regardless of its retry verdict.
			verdict := classify(&serverErrorArray{entries: ev.errorsComplete.fragments}, r.rc)
			return nil, r.finish(decorate(verdict.Err, r.rc))
		case ev.parseErr != nil:
			return nil, r.finish(ev.parseErr.err)
		}
	}
}

// errEndOfStream is Result's clean-completion sentinel, analogous to
// io.EOF but distinct so callers can't mistake it for a true io.EOF coming
// from somewhere else in a wrapped chain.
var errEndOfStream = fmt.Errorf("analytics: end of result stream")

// finish records the terminal error once, releases the response body, and
// returns err unchanged for the caller's convenience.
func (r *Result) finish(err error) error {
	if r.done {
		return r.doneErr
	}
	r.done = true
	r.doneErr = err
	if r.teardown != nil {
		r.teardown()
	}
	return err
}

// Cancel aborts the stream early, releasing the underlying connection. Safe
// to call after the stream has already finished.
func (r *Result) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finish(&AbortError{Message: "result cancelled by caller"})
}

// Metadata returns the trailing metadata. It is only populated once Next
// has returned errEndOfStream; calling it earlier returns (nil, false).
func (r *Result) Metadata() (*Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.gotMetadata {
		return nil, false
	}
	return r.metadata, true
}

// IsEndOfStream reports whether err is the sentinel Next returns on clean
// completion, the Result equivalent of errors.Is(err, io.EOF).
func IsEndOfStream(err error) bool { return err == errEndOfStream }

// residualDoc is the shape of the top-level document with "results"
// replaced by "[]" and everything else, including "errors", preserved.
type residualDoc struct {
	RequestID string        `json:"requestID"`
	Warnings  []Warning     `json:"warnings"`
	Errors    []ServerError `json:"errors"`
	Metrics   struct {
		ElapsedTime      string `json:"elapsedTime"`
		ExecutionTime    string `json:"executionTime"`
		CompileTime      string `json:"compileTime"`
		QueueWaitTime    string `json:"queueWaitTime"`
		ResultCount      int64  `json:"resultCount"`
		ResultSize       int64  `json:"resultSize"`
		ProcessedObjects int64  `json:"processedObjects"`
	} `json:"metrics"`
}

// parseMetadata decodes the residual end-of-stream document and converts
// its Go-syntax duration strings to milliseconds via ParseDuration.
func parseMetadata(residual string) (*Metadata, error) {
	var doc residualDoc
	if err := json.Unmarshal([]byte(residual), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse result metadata: %w", err)
	}

	toMs := func(s string) (float64, error) {
		if s == "" {
			return 0, nil
		}
		return ParseDuration(s)
	}

	elapsed, err := toMs(doc.Metrics.ElapsedTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse elapsedTime: %w", err)
	}
	execution, err := toMs(doc.Metrics.ExecutionTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse executionTime: %w", err)
	}
	compile, err := toMs(doc.Metrics.CompileTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse compileTime: %w", err)
	}
	queueWait, err := toMs(doc.Metrics.QueueWaitTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queueWaitTime: %w", err)
	}

	return &Metadata{
		RequestID: doc.RequestID,
		Warnings:  doc.Warnings,
		Metrics: QueryMetrics{
			ElapsedTimeMs:    elapsed,
			ExecutionTimeMs:  execution,
			CompileTimeMs:    compile,
			QueueWaitTimeMs:  queueWait,
			ResultCount:      doc.Metrics.ResultCount,
			ResultSize:       doc.Metrics.ResultSize,
			ProcessedObjects: doc.Metrics.ProcessedObjects,
		},
	}, nil
}
