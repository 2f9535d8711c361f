package query

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	qotel "github.com/analytics-query/client/internal/otel"
)

// Observability bundles the optional cross-cutting dependencies a logical
// query is executed under. A zero value is valid: it resolves to a no-op
// tracer, a no-op meter, and the default slog logger.
type Observability struct {
	Logger  *slog.Logger
	Tracer  *qotel.Tracer
	Metrics *qotel.Metrics
}

func (o Observability) resolve() Observability {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = qotel.NoopTracer()
	}
	if o.Metrics == nil {
		o.Metrics = qotel.NoopMetrics()
	}
	return o
}

// Execute runs one logical query to completion of its retry loop, returning
// a streaming Result as soon as an attempt becomes readable. Failures are
// routed through the classifier; retriable ones loop with a growing,
// jittered backoff under the query's deadline.
func Execute(ctx context.Context, cfg Config, req QueryRequest, obs Observability) (*Result, error) {
	obs = obs.resolve()

	if cfg.Transport == nil {
		return nil, &InvalidArgumentError{Message: "missing HTTP transport"}
	}
	if cfg.QueryTimeout < 0 {
		return nil, &InvalidArgumentError{Message: fmt.Sprintf("negative query timeout: %v", cfg.QueryTimeout)}
	}
	if cfg.ConnectTimeout < 0 {
		return nil, &InvalidArgumentError{Message: fmt.Sprintf("negative connect timeout: %v", cfg.ConnectTimeout)}
	}
	hostname, err := hostnameFromEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, &InvalidArgumentError{Message: err.Error()}
	}

	maxRetries := cfg.MaxRetryAttempts
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetryAttempts
	}
	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	deadline := time.Now().Add(queryTimeout)
	queryCtx, cancel := context.WithCancel(ctx)

	rc := NewRequestContext("POST", "/api/v1/request", req.Statement, maxRetries)
	dns := newDNSPool(hostname)
	ex := newExecutor(cfg, dns, obs.Logger, obs.Tracer, obs.Metrics)
	clientContextID := uuid.NewString()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBaseMillis * time.Millisecond
	bo.MaxInterval = backoffCapMillis * time.Millisecond
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // the query deadline governs stopping, not backoff's own clock.
	bo.Reset()

	attempt := func(attemptCtx context.Context) (*Result, error) {
		return ex.attempt(attemptCtx, req, clientContextID, deadline, rc)
	}
	result, err := runRetryLoop(queryCtx, deadline, rc, attempt, classify, maxRetries, bo, obs)
	if err != nil {
		cancel()
		return nil, decorate(err, rc)
	}
	// cancel() propagates to the attempt's context once the caller is done
	// consuming the Result or cancels it explicitly; wrap the existing
	// teardown so both the response body and the composite context unwind
	// together.
	result.teardown = combineTeardown(result.teardown, cancel)
	return result, nil
}

func combineTeardown(orig func(), cancel context.CancelFunc) func() {
	return func() {
		if orig != nil {
			orig()
		}
		cancel()
	}
}

// attemptFn runs one attempt under the per-attempt context; classifyFn maps
// its failure to a verdict. They are parameters rather than hardwired calls
// so the driver keeps the run(fn, classify, deadline, ctx) shape and tests
// can substitute both.
type attemptFn func(context.Context) (*Result, error)
type classifyFn func(error, *RequestContext) RequestBehaviour

// runRetryLoop drives the attempt loop: bump the attempt counter, race the
// attempt against a hard per-attempt timeout, classify any failure, and
// either return, fail, or sleep out the backoff and loop.
func runRetryLoop(
	ctx context.Context,
	deadline time.Time,
	rc *RequestContext,
	fn attemptFn,
	classifyErr classifyFn,
	maxRetries int,
	bo *backoff.ExponentialBackOff,
	obs Observability,
) (*Result, error) {
	for {
		if !time.Now().Before(deadline) {
			return nil, &TimeoutError{Message: "query deadline exceeded before attempt could be made"}
		}

		rc.IncrementAttempt()

		result, attemptErr := withHardTimeout(ctx, deadline, fn)

		if attemptErr == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, &AbortError{Message: "query cancelled"}
		}
		if _, ok := attemptErr.(hardTimeoutError); ok {
			return nil, &TimeoutError{Message: "query deadline exceeded during attempt"}
		}

		verdict := classifyErr(attemptErr, rc)
		if !verdict.Retry {
			obs.Metrics.RecordError(ctx, fmt.Sprintf("%T", verdict.Err))
			return nil, verdict.Err
		}
		// previousAttemptErrors carries the classified error of the last
		// retried attempt, overwritten each retry. It surfaces verbatim in
		// the final error's context even when the retried error itself is
		// discarded from the return path.
		rc.RecordAttemptError(verdict.Err)
		if rc.NumAttempts() > maxRetries {
			return nil, verdict.Err
		}

		obs.Metrics.RecordRetry(ctx)
		obs.Logger.Debug("analytics query retrying",
			"attempt", rc.NumAttempts(), "max_retries", maxRetries, "error", verdict.Err)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, verdict.Err
		}
		if remaining := time.Until(deadline); wait > remaining {
			return nil, &TimeoutError{Message: "query deadline would be exceeded by next retry backoff"}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, &AbortError{Message: "query cancelled during backoff"}
		}
	}
}

// hardTimeoutError signals that an attempt's own hard deadline elapsed
// before fn returned, distinguishing it from a cancellation originating
// with the caller.
type hardTimeoutError struct{}

func (hardTimeoutError) Error() string { return "attempt exceeded query deadline" }

// withHardTimeout races fn against the query's absolute deadline so no
// single attempt can outrun the caller's budget.
//
// A successful attempt returns a Result whose response body and parser
// goroutine are still bound to attemptCtx, so attemptCtx must not be
// cancelled here: cancellation ownership transfers into the Result's
// teardown and fires when the caller drains or cancels the stream. The
// deadline itself stays armed on attemptCtx either way, so a stream that
// outlives the budget is still cut off.
func withHardTimeout(ctx context.Context, deadline time.Time, fn func(context.Context) (*Result, error)) (*Result, error) {
	attemptCtx, cancel := context.WithDeadline(ctx, deadline)

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := fn(attemptCtx)
		done <- outcome{result: r, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			cancel()
			return nil, o.err
		}
		o.result.teardown = combineTeardown(o.result.teardown, cancel)
		return o.result, nil
	case <-attemptCtx.Done():
		<-done // fn must still observe ctx cancellation and return.
		cancel()
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return nil, &AbortError{Message: "request cancelled"}
		}
		return nil, hardTimeoutError{}
	}
}

// decorate suffixes the final error's message with the request context's
// accumulated diagnostic fields, except for AbortError and
// InvalidArgumentError, which propagate verbatim.
func decorate(err error, rc *RequestContext) error {
	switch e := err.(type) {
	case *AbortError:
		return e
	case *InvalidArgumentError:
		return e
	case *AnalyticsError:
		return &AnalyticsError{Message: attachContext(e.Message, rc), Cause: e.Cause}
	case *InvalidCredentialError:
		return &InvalidCredentialError{Message: attachContext(e.Message, rc)}
	case *TimeoutError:
		return &TimeoutError{Message: attachContext(e.Message, rc)}
	case *QueryError:
		return &QueryError{ServerMessage: attachContext(e.ServerMessage, rc), Code: e.Code}
	case hardTimeoutError:
		return &TimeoutError{Message: attachContext("attempt exceeded query deadline", rc)}
	default:
		return &AnalyticsError{Message: attachContext(fmt.Sprintf("%v", err), rc), Cause: err}
	}
}

func hostnameFromEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("endpoint %q has no hostname", endpoint)
	}
	return u.Hostname(), nil
}
