// Package fetcher walks a service's transport chain until one strategy
// returns a 2xx response, recording why every earlier strategy was passed over.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/config"
	"github.com/xkilldash9x/cardscout/internal/sandbox"
	"github.com/xkilldash9x/cardscout/internal/transport"
)

// forbiddenPreviewBytes is how much of a 403 body is logged for diagnosis.
const forbiddenPreviewBytes = 500

// HTTPClient is the subset of *http.Client the fetcher needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ChainResolver resolves a service id to its ordered strategies.
type ChainResolver interface {
	Resolve(serviceID string) transport.Chain
}

// AttemptRecorder receives one call per attempt.
type AttemptRecorder interface {
	RecordAttempt(strategy, outcome, reason string, elapsed time.Duration)
}

// Settings tune a Fetcher.
type Settings struct {
	AttemptTimeout time.Duration
	RuntimeTimeout time.Duration
	MaxBodyBytes   int64
	// Auth maps a service id to headers added to every attempt for it. The
	// "default" entry applies to services without their own.
	Auth     map[string]map[string]string
	Recorder AttemptRecorder
}

// SettingsFromConfig reads fetch, runtime and auth configuration.
func SettingsFromConfig(cfg config.Interface) Settings {
	return Settings{
		AttemptTimeout: cfg.Fetch().AttemptTimeout,
		RuntimeTimeout: cfg.Runtime().FetchTimeout,
		MaxBodyBytes:   cfg.Fetch().MaxBodyBytes,
		Auth:           cfg.Auth(),
	}
}

// Options describe one fetch.
type Options struct {
	ServiceID string
	// Chain overrides the resolved chain when non-empty.
	Chain   transport.Chain
	Method  string
	Headers http.Header
	Body    []byte
	// AttemptTimeout overrides the configured per-attempt timeout.
	AttemptTimeout time.Duration
}

// Fetcher is safe for concurrent use.
type Fetcher struct {
	client   HTTPClient
	resolver ChainResolver
	loader   sandbox.Loader
	settings Settings
	auth     map[string]http.Header
	logger   *zap.Logger
}

// New builds a Fetcher. A nil loader disables the runtime strategy.
func New(client HTTPClient, resolver ChainResolver, loader sandbox.Loader, settings Settings, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = sandbox.Disabled{}
	}
	if settings.AttemptTimeout <= 0 {
		settings.AttemptTimeout = 15 * time.Second
	}
	if settings.RuntimeTimeout <= 0 {
		settings.RuntimeTimeout = settings.AttemptTimeout
	}
	if settings.MaxBodyBytes <= 0 {
		settings.MaxBodyBytes = 32 << 20
	}

	auth := make(map[string]http.Header, len(settings.Auth))
	for service, headers := range settings.Auth {
		h := make(http.Header, len(headers))
		for k, v := range headers {
			h.Set(k, v)
		}
		auth[service] = h
	}

	return &Fetcher{
		client:   client,
		resolver: resolver,
		loader:   loader,
		settings: settings,
		auth:     auth,
		logger:   logger.Named("fetcher"),
	}
}

// request is the strategy-independent part of a fetch.
type request struct {
	target  string
	method  string
	header  http.Header
	body    []byte
	timeout time.Duration
}

// Fetch requests target through each strategy of the chain in order and
// returns the first 2xx response; later strategies are never invoked. When
// every strategy fails the error is an *ExhaustedError. Cancelling ctx stops
// the walk and returns the context error.
func (f *Fetcher) Fetch(ctx context.Context, target string, opts Options) (*Response, error) {
	chain := opts.Chain
	if len(chain) == 0 {
		chain = f.resolver.Resolve(opts.ServiceID)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no transport chain for service %q", opts.ServiceID)
	}

	req := request{
		target:  target,
		method:  opts.Method,
		header:  f.mergeHeaders(opts.ServiceID, opts.Headers),
		body:    opts.Body,
		timeout: opts.AttemptTimeout,
	}
	if req.method == "" {
		req.method = http.MethodGet
	}
	if req.timeout <= 0 {
		req.timeout = f.settings.AttemptTimeout
	}

	logger := f.logger.With(zap.String("service", opts.ServiceID), zap.String("url", target))
	attempts := make(AttemptLog, 0, len(chain))

	for _, strategy := range chain {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch aborted after %d attempts: %w", len(attempts), err)
		}

		start := time.Now()
		var attempt Attempt
		var resp *Response
		if strategy.Kind == transport.KindRuntime {
			attempt, resp = f.attemptRuntime(ctx, strategy, req)
		} else {
			attempt, resp = f.attemptHTTP(ctx, strategy, req)
		}
		attempt.Strategy = strategy
		attempt.Duration = time.Since(start)
		attempts = append(attempts, attempt)
		f.record(logger, attempt)

		if attempt.Outcome == OutcomeSuccess {
			resp.URL = target
			resp.Strategy = strategy
			resp.Attempts = attempts
			return resp, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch aborted after %d attempts: %w", len(attempts), err)
		}
	}

	err := &ExhaustedError{URL: target, Attempts: attempts}
	logger.Warn("All strategies failed.", zap.Strings("attempts", attempts.Fragments()))
	return nil, err
}

// mergeHeaders layers caller headers over the service's auth headers.
func (f *Fetcher) mergeHeaders(serviceID string, caller http.Header) http.Header {
	auth, ok := f.auth[serviceID]
	if !ok {
		auth = f.auth["default"]
	}
	merged := make(http.Header, len(auth)+len(caller))
	for k, v := range auth {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range caller {
		merged[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return merged
}

func (f *Fetcher) attemptHTTP(ctx context.Context, strategy *transport.Strategy, req request) (Attempt, *Response) {
	target := strategy.BuildURL(req.target)
	if target == "" {
		return skipped(ReasonNoURL), nil
	}
	if err := strategy.Wait(ctx); err != nil {
		return retryable(ReasonTransport, fmt.Sprintf("rate limiter: %v", err), 0), nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.method, target, body)
	if err != nil {
		return retryable(ReasonTransport, err.Error(), 0), nil
	}
	httpReq.Header = req.header.Clone()

	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return retryable(ReasonTransport, transportMessage(attemptCtx, err, req.timeout), 0), nil
	}
	defer httpResp.Body.Close()

	data, readErr := f.readBody(httpResp.Body)
	outcome, reason := classifyStatus(httpResp.StatusCode, strategy.Kind)
	if outcome != OutcomeSuccess {
		if httpResp.StatusCode == http.StatusForbidden {
			f.logger.Debug("Forbidden response body preview.",
				zap.String("strategy", strategy.Name),
				zap.ByteString("body", preview(data, forbiddenPreviewBytes)))
		}
		return retryable(reason, httpResp.Status, httpResp.StatusCode), nil
	}
	if readErr != nil {
		if errors.Is(readErr, errBodyTooLarge) {
			return retryable(ReasonPayloadTooLarge, readErr.Error(), httpResp.StatusCode), nil
		}
		return retryable(ReasonTransport, transportMessage(attemptCtx, readErr, req.timeout), httpResp.StatusCode), nil
	}

	return Attempt{Outcome: OutcomeSuccess, Status: httpResp.StatusCode}, &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		body:   data,
	}
}

type runtimeResult struct {
	resp *sandbox.Response
	err  error
}

func (f *Fetcher) attemptRuntime(ctx context.Context, strategy *transport.Strategy, req request) (Attempt, *Response) {
	if !f.loader.LoadOnce(ctx) {
		return skipped(ReasonRuntimeUnavailable), nil
	}
	capability := f.loader.Capability()
	if capability == nil {
		return skipped(ReasonRuntimeUnavailable), nil
	}
	target := strategy.BuildURL(req.target)
	if target == "" {
		return skipped(ReasonNoURL), nil
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the call can finish after we stop listening.
	done := make(chan runtimeResult, 1)
	go func() {
		resp, err := capability.FetchLike(callCtx, &sandbox.Request{
			URL:    target,
			Method: req.method,
			Header: req.header.Clone(),
			Body:   req.body,
		})
		done <- runtimeResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(f.settings.RuntimeTimeout)
	defer timer.Stop()

	var result runtimeResult
	select {
	case result = <-done:
	case <-timer.C:
		return retryable(ReasonTransport, fmt.Sprintf("runtime fetch timed out after %s", f.settings.RuntimeTimeout), 0), nil
	case <-ctx.Done():
		return retryable(ReasonTransport, ctx.Err().Error(), 0), nil
	}

	if result.err != nil {
		return retryable(ReasonTransport, result.err.Error(), 0), nil
	}
	if result.resp == nil {
		return retryable(ReasonTransport, "runtime returned no response", 0), nil
	}

	outcome, reason := classifyStatus(result.resp.Status, strategy.Kind)
	if outcome != OutcomeSuccess {
		return retryable(reason, http.StatusText(result.resp.Status), result.resp.Status), nil
	}
	if int64(len(result.resp.Body)) > f.settings.MaxBodyBytes {
		return retryable(ReasonPayloadTooLarge, errBodyTooLarge.Error(), result.resp.Status), nil
	}

	header := result.resp.Header
	if header == nil {
		header = http.Header{}
	}
	return Attempt{Outcome: OutcomeSuccess, Status: result.resp.Status}, &Response{
		Status: result.resp.Status,
		Header: header,
		body:   result.resp.Body,
	}
}

var errBodyTooLarge = errors.New("response body exceeds the configured limit")

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.settings.MaxBodyBytes+1))
	if err != nil {
		return data, err
	}
	if int64(len(data)) > f.settings.MaxBodyBytes {
		return data[:f.settings.MaxBodyBytes], errBodyTooLarge
	}
	return data, nil
}

func (f *Fetcher) record(logger *zap.Logger, a Attempt) {
	if f.settings.Recorder != nil {
		f.settings.Recorder.RecordAttempt(a.Strategy.Name, a.Outcome.String(), a.Reason, a.Duration)
	}
	logger.Debug("Transport attempt finished.",
		zap.String("strategy", a.Strategy.Name),
		zap.Stringer("outcome", a.Outcome),
		zap.String("reason", a.Reason),
		zap.String("message", a.Message),
		zap.Int("status", a.Status),
		zap.Duration("duration", a.Duration),
	)
}

func retryable(reason, message string, status int) Attempt {
	return Attempt{Outcome: OutcomeRetryable, Reason: reason, Message: message, Status: status}
}

func skipped(reason string) Attempt {
	return Attempt{Outcome: OutcomeSkipped, Reason: reason, Message: reason}
}

func transportMessage(attemptCtx context.Context, err error, timeout time.Duration) string {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("attempt timed out after %s", timeout)
	}
	return err.Error()
}

func preview(data []byte, n int) []byte {
	if len(data) > n {
		data = data[:n]
	}
	return bytes.ToValidUTF8(data, []byte("?"))
}
