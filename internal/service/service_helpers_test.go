package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cardscout/internal/config"
)

// redirectTransport sends every request to one test server, keeping the path
// and query, so production URLs can be exercised offline.
type redirectTransport struct {
	target *url.URL
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	out.Host = rt.target.Host
	out.Header.Set("X-Original-Host", req.URL.Host)
	return http.DefaultTransport.RoundTrip(out)
}

// fakeSites answers for the card APIs, avatar host and catalog.
type fakeSites struct {
	*httptest.Server

	mu       sync.Mutex
	count    string
	nodes    string
	index    string
	onAvatar func()
	onCount  func()
	hosts    []string
	// quillgenAuth records the Authorization header of QuillGen requests.
	quillgenAuth []string
	// pages counts /search page requests, excluding count requests.
	pages int
}

func newFakeSites(t *testing.T) *fakeSites {
	t.Helper()
	s := &fakeSites{
		count: `{"data":{"count":3,"nodes":[{"id":0}]}}`,
		nodes: `{"data":{"nodes":[
			{"id":1,"name":"Ada","fullPath":"alice/ada"},
			{"id":2,"name":"Bo","fullPath":"bob/bo","topics":["NSFW"]},
			{"id":3,"name":"Cy","fullPath":"cyd/cy"}]}}`,
		index: `{"cards":[
			{"id":"ct-1","name":"Dee","creator":"dan","chunk":"c1.json","image_url":"https://img.test/dee.png"},
			{"id":"ct-2","name":"Eve","creator":"erin"}]}`,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeSites) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hosts = append(s.hosts, r.Header.Get("X-Original-Host"))
	count, nodes, index, onAvatar, onCount := s.count, s.nodes, s.index, s.onAvatar, s.onCount
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/search" && r.URL.Query().Get("first") == "1":
		if onCount != nil {
			onCount()
		}
		_, _ = w.Write([]byte(count))
	case r.URL.Path == "/search":
		s.mu.Lock()
		s.pages++
		s.mu.Unlock()
		_, _ = w.Write([]byte(nodes))
	case r.URL.Path == "/index/chub-search.json", r.URL.Path == "/index/character_tavern-search.json":
		_, _ = w.Write([]byte(index))
	case r.URL.Path == "/v1/public/api/browse/characters":
		s.mu.Lock()
		s.quillgenAuth = append(s.quillgenAuth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"cards":[
			{"id":5,"name":"Quill","creator":"qa","image_url":"https://quillgen.app/cards/5.png"},
			{"id":6,"name":"Private","creator":"me","image_url":"https://quillgen.app/cards/6.png","is_own":true}]}`))
	case r.URL.Path == "/cards/5.png", r.URL.Path == "/cards/6.png":
		s.mu.Lock()
		s.quillgenAuth = append(s.quillgenAuth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG quill"))
	case r.URL.Path == "/avatars/bob/bo/chara_card_v2.png", r.URL.Path == "/dee.png":
		if onAvatar != nil {
			onAvatar()
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake"))
	default:
		http.NotFound(w, r)
	}
}

func (s *fakeSites) set(fn func(*fakeSites)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeSites) pageRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}

func (s *fakeSites) seenQuillgenAuth() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.quillgenAuth...)
}

func (s *fakeSites) sawHost(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hosts {
		if h == host {
			return true
		}
	}
	return false
}

// testConfig routes every service direct and turns the runtime off.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.RuntimeCfg.Enabled = false
	cfg.CatalogCfg.BaseURL = "https://catalog.test"
	cfg.ChainsCfg = map[string][]string{
		"default":          {"direct"},
		"chub":             {"direct"},
		"chub_gateway":     {"direct"},
		"catalog":          {"direct"},
		"character_tavern": {"direct"},
		"quillgen":         {"direct"},
	}
	return cfg
}

func newTestComponents(t *testing.T, sites *fakeSites, cfg *config.Config) *Components {
	t.Helper()
	target, err := url.Parse(sites.URL)
	require.NoError(t, err)

	factory := NewComponentFactory(
		WithRegisterer(prometheus.NewRegistry()),
		WithHTTPClient(&http.Client{Transport: redirectTransport{target: target}}),
	)
	c, err := factory.Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

type fixedRand int

func (r fixedRand) IntN(n int) int { return int(r) % n }
