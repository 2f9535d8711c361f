package query

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestResultMetadataOnlyAfterDrain(t *testing.T) {
	body := `{"requestID":"94c7f89f-0001-4a70-b8a7-8f5ef4a0c3c1","results":[{"id":1}],"warnings":[],` +
		`"metrics":{"elapsedTime":"14.927542ms","executionTime":"13.5ms","compileTime":"1ms","queueWaitTime":"0",` +
		`"resultCount":1,"resultSize":8,"processedObjects":1}}`

	r := newResult(runParser(strings.NewReader(body)), time.Now().Add(5*time.Second), nil, nil, nil)

	if _, ok := r.Metadata(); ok {
		t.Fatal("metadata must be unavailable before the stream has drained")
	}

	row, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: unexpected error: %v", err)
	}
	if string(row) != `{"id":1}` {
		t.Fatalf("row = %q, want %q", row, `{"id":1}`)
	}

	if _, ok := r.Metadata(); ok {
		t.Fatal("metadata must stay unavailable mid-stream")
	}

	if _, err := r.Next(context.Background()); !IsEndOfStream(err) {
		t.Fatalf("expected end of stream, got %v", err)
	}

	md, ok := r.Metadata()
	if !ok {
		t.Fatal("metadata must be available once the stream has ended")
	}
	if md.RequestID != "94c7f89f-0001-4a70-b8a7-8f5ef4a0c3c1" {
		t.Errorf("RequestID = %q", md.RequestID)
	}
	if len(md.Warnings) != 0 {
		t.Errorf("Warnings = %v, want empty", md.Warnings)
	}
	if md.Metrics.ElapsedTimeMs != 14.927542 {
		t.Errorf("ElapsedTimeMs = %v, want 14.927542", md.Metrics.ElapsedTimeMs)
	}
	if md.Metrics.ExecutionTimeMs != 13.5 {
		t.Errorf("ExecutionTimeMs = %v, want 13.5", md.Metrics.ExecutionTimeMs)
	}
	if md.Metrics.QueueWaitTimeMs != 0 {
		t.Errorf("QueueWaitTimeMs = %v, want 0", md.Metrics.QueueWaitTimeMs)
	}
	if md.Metrics.ResultCount != 1 {
		t.Errorf("ResultCount = %d, want 1", md.Metrics.ResultCount)
	}
}

func TestResultNextRepeatsTerminalError(t *testing.T) {
	body := `{"results":[]}`
	r := newResult(runParser(strings.NewReader(body)), time.Now().Add(5*time.Second), nil, nil, nil)

	_, err1 := r.Next(context.Background())
	_, err2 := r.Next(context.Background())
	if !IsEndOfStream(err1) || !IsEndOfStream(err2) {
		t.Fatalf("Next must keep returning the terminal state, got %v then %v", err1, err2)
	}
}

func TestResultCancelIsIdempotent(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	tornDown := 0
	r := newResult(runParser(pr), time.Now().Add(5*time.Second), func() { tornDown++ }, nil, nil)

	r.Cancel()
	r.Cancel()

	if tornDown != 1 {
		t.Errorf("teardown ran %d times, want exactly once", tornDown)
	}

	_, err := r.Next(context.Background())
	var ae *AbortError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AbortError after Cancel, got %T: %v", err, err)
	}

	if _, ok := r.Metadata(); ok {
		t.Fatal("metadata must stay unavailable after cancellation")
	}
}

func TestResultDeadlineFiresWhileStreaming(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := newResult(runParser(pr), time.Now().Add(40*time.Millisecond), nil, nil, nil)

	_, err := r.Next(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError when the deadline fires mid-stream, got %T: %v", err, err)
	}
}

func TestResultContextCancellationAborts(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := newResult(runParser(pr), time.Now().Add(5*time.Second), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Next(ctx)
	var ae *AbortError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AbortError on context cancellation, got %T: %v", err, err)
	}
}

func TestResultMidStreamServerErrors(t *testing.T) {
	body := `{"results":[{"id":1},{"id":2}],"errors":[{"code":232,"message":"error1"}]}`
	rc := NewRequestContext("POST", "/api/v1/request", "SELECT 1", 3)
	r := newResult(runParser(strings.NewReader(body)), time.Now().Add(5*time.Second), nil, rc, nil)

	for i := 0; i < 2; i++ {
		if _, err := r.Next(context.Background()); err != nil {
			t.Fatalf("row %d: unexpected error: %v", i, err)
		}
	}

	_, err := r.Next(context.Background())
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("expected *QueryError after mid-stream errors, got %T: %v", err, err)
	}
	if qe.Code != 232 {
		t.Errorf("Code = %d, want 232", qe.Code)
	}

	// the stream ended with an error, not a clean end: metadata stays
	// unavailable.
	if _, ok := r.Metadata(); ok {
		t.Fatal("metadata must remain unavailable after a mid-stream failure")
	}
}

func TestParseMetadataRejectsBadDurations(t *testing.T) {
	residual := `{"requestID":"x","metrics":{"elapsedTime":"-5s"}}`
	if _, err := parseMetadata(residual); err == nil {
		t.Fatal("expected an error for a negative duration string")
	}
}
