// File: internal/network/httpclient.go
package network

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/xkilldash9x/cardscout/internal/config"
)

const (
	defaultKeepAlive       = 15 * time.Second
	defaultIdleConnTimeout = 30 * time.Second
)

// defaultCipherSuites is applied to every client TLS config.
var defaultCipherSuites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// NewHTTPTransport builds the pooled transport shared by the direct and relay
// strategies. Decompression is left to CompressionMiddleware.
func NewHTTPTransport(cfg config.NetworkConfig, logger *zap.Logger) *http.Transport {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: defaultKeepAlive,
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       defaultCipherSuites,
		ClientSessionCache: tls.NewLRUClientSessionCache(256),
		InsecureSkipVerify: cfg.IgnoreTLSErrors,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}

	if cfg.ForceHTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		}
	} else {
		tlsConfig.NextProtos = []string{"http/1.1"}
	}

	return transport
}

// NewClient returns an http.Client for outbound card-site traffic. Redirects
// are followed (relays commonly answer with one), the user agent is set when
// the caller has not set one, and compressed bodies are decoded transparently.
//
// Per-request deadlines come from the request context; cfg.Timeout is only an
// upper bound for callers that do not set one.
func NewClient(cfg config.NetworkConfig, logger *zap.Logger) *http.Client {
	var rt http.RoundTripper = NewHTTPTransport(cfg, logger)
	rt = NewCompressionMiddleware(rt)
	if cfg.UserAgent != "" {
		rt = &userAgentTransport{next: rt, agent: cfg.UserAgent}
	}
	return &http.Client{
		Transport: rt,
		Timeout:   cfg.Timeout,
	}
}

type userAgentTransport struct {
	next  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(clone)
}
