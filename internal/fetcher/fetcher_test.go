package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cardscout/internal/sandbox"
	"github.com/xkilldash9x/cardscout/internal/transport"
)

// -- Test Helpers --

type fakeLoader struct {
	available  bool
	capability sandbox.Capability
	loads      atomic.Int32
}

func (l *fakeLoader) LoadOnce(context.Context) bool {
	l.loads.Add(1)
	return l.available
}
func (l *fakeLoader) IsAvailable() bool { return l.available }
func (l *fakeLoader) Capability() sandbox.Capability {
	if !l.available {
		return nil
	}
	return l.capability
}

type capabilityFunc func(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error)

func (f capabilityFunc) FetchLike(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error) {
	return f(ctx, req)
}

type recordedAttempt struct {
	strategy, outcome, reason string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedAttempt
}

func (r *fakeRecorder) RecordAttempt(strategy, outcome, reason string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedAttempt{strategy, outcome, reason})
}

// statusServer answers every request with status and body and counts hits.
type statusServer struct {
	*httptest.Server
	hits       atomic.Int32
	lastHeader atomic.Pointer[http.Header]
}

func newStatusServer(t *testing.T, status int, body string) *statusServer {
	t.Helper()
	s := &statusServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		h := r.Header.Clone()
		s.lastHeader.Store(&h)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

// relayTo returns a rewrite strategy that forwards through srv.
func relayTo(name string, srv *statusServer) *transport.Strategy {
	return transport.NewRewrite(name, func(target string) string {
		return srv.URL + "/?url=" + url.QueryEscape(target)
	})
}

func newTestFetcher(t *testing.T, loader sandbox.Loader, settings Settings) *Fetcher {
	t.Helper()
	if settings.AttemptTimeout == 0 {
		settings.AttemptTimeout = 2 * time.Second
	}
	return New(http.DefaultClient, transport.NewDefaultResolver(), loader, settings, zaptest.NewLogger(t))
}

// -- Chain Walk Tests --

func TestFetch_SkipsFailingTransportsUntilOneSucceeds(t *testing.T) {
	direct := newStatusServer(t, http.StatusForbidden, "blocked by edge")
	proxyA := newStatusServer(t, http.StatusTooManyRequests, "slow down")
	proxyB := newStatusServer(t, http.StatusOK, `{"name":"Aqua"}`)
	proxyC := newStatusServer(t, http.StatusOK, "never")

	chain := transport.Chain{
		transport.NewDirect("Direct"),
		relayTo("ProxyA", proxyA),
		relayTo("ProxyB", proxyB),
		relayTo("ProxyC", proxyC),
	}
	f := newTestFetcher(t, nil, Settings{})

	resp, err := f.Fetch(context.Background(), direct.URL+"/card", Options{Chain: chain})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.OK())
	assert.Same(t, chain[2], resp.Strategy)
	assert.Equal(t, direct.URL+"/card", resp.URL)
	assert.Equal(t, []string{"Direct: forbidden", "ProxyA: rate_limited"}, resp.Attempts.Fragments())
	require.Len(t, resp.Attempts, 3)
	assert.Equal(t, OutcomeSuccess, resp.Attempts[2].Outcome)

	var card struct{ Name string }
	require.NoError(t, resp.JSON(&card))
	assert.Equal(t, "Aqua", card.Name)
	assert.Equal(t, `{"name":"Aqua"}`, resp.Text())

	assert.Equal(t, int32(1), direct.hits.Load())
	assert.Equal(t, int32(1), proxyA.hits.Load())
	assert.Equal(t, int32(1), proxyB.hits.Load())
	assert.Equal(t, int32(0), proxyC.hits.Load(), "strategies after the winner are never invoked")
}

func TestFetch_FirstSuccessWins(t *testing.T) {
	for n := 1; n <= 4; n++ {
		for winner := 0; winner < n; winner++ {
			t.Run(fmt.Sprintf("n=%d/winner=%d", n, winner), func(t *testing.T) {
				servers := make([]*statusServer, n)
				chain := make(transport.Chain, n)
				for i := 0; i < n; i++ {
					status := http.StatusBadGateway
					if i == winner {
						status = http.StatusOK
					}
					servers[i] = newStatusServer(t, status, "")
					chain[i] = relayTo(fmt.Sprintf("s%d", i), servers[i])
				}

				resp, err := newTestFetcher(t, nil, Settings{}).Fetch(context.Background(), "https://svc.example/x", Options{Chain: chain})
				require.NoError(t, err)
				assert.Same(t, chain[winner], resp.Strategy)
				assert.Len(t, resp.Attempts.Fragments(), winner)
				for i, srv := range servers {
					want := int32(0)
					if i <= winner {
						want = 1
					}
					assert.Equal(t, want, srv.hits.Load(), "hits for strategy %d", i)
				}
			})
		}
	}
}

func TestFetch_Exhausted(t *testing.T) {
	s1 := newStatusServer(t, http.StatusForbidden, "")
	s2 := newStatusServer(t, http.StatusRequestEntityTooLarge, "")
	s3 := newStatusServer(t, http.StatusNotFound, "")
	chain := transport.Chain{relayTo("one", s1), relayTo("two", s2), relayTo("three", s3)}
	rec := &fakeRecorder{}

	_, err := newTestFetcher(t, nil, Settings{Recorder: rec}).Fetch(context.Background(), "https://svc.example/x", Options{Chain: chain})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrAllStrategiesExhausted))
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, "https://svc.example/x", exhausted.URL)
	assert.Len(t, exhausted.Attempts.Fragments(), 3)
	assert.Equal(t, "all strategies failed: one: forbidden; two: payload_too_large; three: http_status_404", err.Error())
	assert.True(t, exhausted.HasReason(ReasonPayloadTooLarge))
	assert.False(t, exhausted.HasReason(ReasonRateLimited))
	assert.Equal(t, 404, exhausted.Attempts[2].Status)

	assert.Equal(t, []recordedAttempt{
		{"one", "retryable", "forbidden"},
		{"two", "retryable", "payload_too_large"},
		{"three", "retryable", "http_status_404"},
	}, rec.calls)
}

func TestFetch_TransportErrors(t *testing.T) {
	t.Run("unreachable host", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		deadURL := dead.URL
		dead.Close()
		ok := newStatusServer(t, http.StatusOK, "fine")

		chain := transport.Chain{transport.NewDirect("direct"), relayTo("relay", ok)}
		resp, err := newTestFetcher(t, nil, Settings{}).Fetch(context.Background(), deadURL, Options{Chain: chain})
		require.NoError(t, err)
		assert.Equal(t, []string{"direct: transport"}, resp.Attempts.Fragments())
		assert.NotEmpty(t, resp.Attempts[0].Message)
	})

	t.Run("attempt timeout moves on", func(t *testing.T) {
		release := make(chan struct{})
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer slow.Close()
		defer close(release)
		ok := newStatusServer(t, http.StatusOK, "fine")

		chain := transport.Chain{transport.NewDirect("direct"), relayTo("relay", ok)}
		start := time.Now()
		resp, err := newTestFetcher(t, nil, Settings{}).Fetch(context.Background(), slow.URL, Options{
			Chain:          chain,
			AttemptTimeout: 50 * time.Millisecond,
		})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, ReasonTransport, resp.Attempts[0].Reason)
		assert.Contains(t, resp.Attempts[0].Message, "attempt timed out after 50ms")
	})

	t.Run("oversized body", func(t *testing.T) {
		big := newStatusServer(t, http.StatusOK, strings.Repeat("x", 64))
		chain := transport.Chain{relayTo("relay", big)}

		_, err := newTestFetcher(t, nil, Settings{MaxBodyBytes: 16}).Fetch(context.Background(), "https://svc.example/x", Options{Chain: chain})
		assert.EqualError(t, err, "all strategies failed: relay: payload_too_large")
	})
}

func TestFetch_Skips(t *testing.T) {
	ok := newStatusServer(t, http.StatusOK, "fine")
	never := transport.NewRewrite("never", func(string) string { return "" })
	loader := &fakeLoader{available: false}

	chain := transport.Chain{never, transport.SandboxedRuntime, relayTo("relay", ok)}
	resp, err := newTestFetcher(t, loader, Settings{}).Fetch(context.Background(), "https://svc.example/x", Options{Chain: chain})
	require.NoError(t, err)

	assert.Equal(t, []string{"never: no url", "puter: runtime unavailable"}, resp.Attempts.Fragments())
	assert.Equal(t, OutcomeSkipped, resp.Attempts[0].Outcome)
	assert.Equal(t, OutcomeSkipped, resp.Attempts[1].Outcome)
	assert.Equal(t, int32(1), loader.loads.Load())

	_, err = newTestFetcher(t, loader, Settings{}).Fetch(context.Background(), "https://svc.example/x", Options{
		Chain: transport.Chain{transport.SandboxedRuntime},
	})
	assert.EqualError(t, err, "all strategies failed: puter: runtime unavailable")
}

func TestFetch_Runtime(t *testing.T) {
	t.Run("success through the runtime", func(t *testing.T) {
		var got *sandbox.Request
		loader := &fakeLoader{available: true, capability: capabilityFunc(func(_ context.Context, req *sandbox.Request) (*sandbox.Response, error) {
			got = req
			return &sandbox.Response{Status: 200, Body: []byte("runtime body")}, nil
		})}

		resp, err := newTestFetcher(t, loader, Settings{}).Fetch(context.Background(), "https://svc.example/x", Options{
			Chain:   transport.Chain{transport.SandboxedRuntime},
			Method:  http.MethodPost,
			Body:    []byte(`{"q":1}`),
			Headers: http.Header{"X-Test": {"1"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "runtime body", resp.Text())
		assert.NotNil(t, resp.Header)
		require.NotNil(t, got)
		assert.Equal(t, "https://svc.example/x", got.URL)
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "1", got.Header.Get("X-Test"))
	})

	t.Run("401 from the runtime is unauthorized_runtime", func(t *testing.T) {
		loader := &fakeLoader{available: true, capability: capabilityFunc(func(context.Context, *sandbox.Request) (*sandbox.Response, error) {
			return &sandbox.Response{Status: 401}, nil
		})}
		_, err := newTestFetcher(t, loader, Settings{}).Fetch(context.Background(), "https://svc.example/x", Options{
			Chain: transport.Chain{transport.SandboxedRuntime},
		})
		assert.EqualError(t, err, "all strategies failed: puter: unauthorized_runtime")
		assert.Equal(t, "The sandboxed runtime rejected the request. Sign in to the runtime and retry.", Describe(err))
	})

	t.Run("401 elsewhere is a plain status", func(t *testing.T) {
		denied := newStatusServer(t, http.StatusUnauthorized, "")
		_, err := newTestFetcher(t, nil, Settings{}).Fetch(context.Background(), "https://svc.example/x", Options{
			Chain: transport.Chain{relayTo("relay", denied)},
		})
		assert.EqualError(t, err, "all strategies failed: relay: http_status_401")
	})

	t.Run("runtime call races an independent timer", func(t *testing.T) {
		cancelled := make(chan struct{})
		loader := &fakeLoader{available: true, capability: capabilityFunc(func(ctx context.Context, _ *sandbox.Request) (*sandbox.Response, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		})}
		ok := newStatusServer(t, http.StatusOK, "fine")

		resp, err := newTestFetcher(t, loader, Settings{RuntimeTimeout: 30 * time.Millisecond}).Fetch(context.Background(), "https://svc.example/x", Options{
			Chain: transport.Chain{transport.SandboxedRuntime, relayTo("relay", ok)},
		})
		require.NoError(t, err)
		assert.Contains(t, resp.Attempts[0].Message, "runtime fetch timed out after 30ms")

		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("abandoned runtime call was not cancelled")
		}
	})

	t.Run("runtime error is transport", func(t *testing.T) {
		loader := &fakeLoader{available: true, capability: capabilityFunc(func(context.Context, *sandbox.Request) (*sandbox.Response, error) {
			return nil, errors.New("socket closed")
		})}
		_, err := newTestFetcher(t, loader, Settings{}).Fetch(context.Background(), "https://svc.example/x", Options{
			Chain: transport.Chain{transport.SandboxedRuntime},
		})
		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, "socket closed", exhausted.Attempts[0].Message)
	})
}

func TestFetch_Headers(t *testing.T) {
	srv := newStatusServer(t, http.StatusOK, "")
	chain := transport.Chain{relayTo("relay", srv)}
	f := newTestFetcher(t, nil, Settings{Auth: map[string]map[string]string{
		"chub":    {"authorization": "Bearer service", "x-client": "cardscout"},
		"default": {"authorization": "Bearer default"},
	}})

	_, err := f.Fetch(context.Background(), "https://svc.example/x", Options{
		ServiceID: "chub",
		Chain:     chain,
		Headers:   http.Header{"x-client": {"caller"}},
	})
	require.NoError(t, err)
	h := *srv.lastHeader.Load()
	assert.Equal(t, "Bearer service", h.Get("Authorization"))
	assert.Equal(t, "caller", h.Get("X-Client"), "caller headers win")

	_, err = f.Fetch(context.Background(), "https://svc.example/x", Options{ServiceID: "wyvern", Chain: chain})
	require.NoError(t, err)
	h = *srv.lastHeader.Load()
	assert.Equal(t, "Bearer default", h.Get("Authorization"))
	assert.Empty(t, h.Get("X-Client"))
}

func TestFetch_ResolvesChainByService(t *testing.T) {
	srv := newStatusServer(t, http.StatusOK, "ok")
	resolver := transport.NewResolver(map[string]transport.Chain{"mine": {relayTo("mine_relay", srv)}}, transport.Chain{transport.NewDirect("direct")})
	f := New(http.DefaultClient, resolver, nil, Settings{}, zaptest.NewLogger(t))

	resp, err := f.Fetch(context.Background(), "https://svc.example/x", Options{ServiceID: "mine"})
	require.NoError(t, err)
	assert.Equal(t, "mine_relay", resp.Strategy.Name)
}

func TestFetch_ContextCancellation(t *testing.T) {
	srv := newStatusServer(t, http.StatusOK, "ok")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestFetcher(t, nil, Settings{}).Fetch(ctx, "https://svc.example/x", Options{Chain: transport.Chain{relayTo("relay", srv)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrAllStrategiesExhausted))
	assert.Equal(t, int32(0), srv.hits.Load())
}

func TestFetch_RateLimitedRelay(t *testing.T) {
	srv := newStatusServer(t, http.StatusOK, "ok")
	relay := transport.NewTemplateRewrite("limited", srv.URL+"/?u={url}", 0.001)
	f := newTestFetcher(t, nil, Settings{})

	_, err := f.Fetch(context.Background(), "https://svc.example/x", Options{Chain: transport.Chain{relay}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "https://svc.example/x", Options{Chain: transport.Chain{relay}})
	require.Error(t, err)
	assert.Equal(t, int32(1), srv.hits.Load(), "the limiter holds back the second request")
}
