// Package catalog reads the static card catalog: a master index, one search
// index per service, and chunk files holding the full card data.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/cardscout/internal/fetcher"
	"github.com/xkilldash9x/cardscout/internal/sampler"
)

// ServiceID keys the catalog host in chain and auth tables.
const ServiceID = "catalog"

const defaultCacheSize = 128

// ErrNoEntries means a service index has no entry with both a chunk and an image.
var ErrNoEntries = errors.New("no catalog entries with a chunk and an image")

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one row of a service search index.
type Entry struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Creator   string   `json:"creator"`
	Tags      []string `json:"tags"`
	Chunk     string   `json:"chunk"`
	AvatarURL string   `json:"avatar_url"`
	ImageURL  string   `json:"image_url"`
	Service   string   `json:"service"`
}

// Image prefers the avatar over the generic image.
func (e Entry) Image() string {
	if e.AvatarURL != "" {
		return e.AvatarURL
	}
	return e.ImageURL
}

// Playable reports whether the entry can be opened: it names a chunk and an
// http(s) image.
func (e Entry) Playable() bool {
	img := strings.TrimSpace(e.Image())
	return e.Chunk != "" && (strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://"))
}

// Catalog is safe for concurrent use. Loads of the same key are collapsed and
// successful results are kept in a bounded LRU.
type Catalog struct {
	fetcher sampler.Fetcher
	baseURL string
	logger  *zap.Logger
	rnd     sampler.Rand

	group   singleflight.Group
	master  *lru.Cache[string, json.RawMessage]
	indexes *lru.Cache[string, []Entry]
	chunks  *lru.Cache[string, []json.RawMessage]
}

// New returns a catalog rooted at baseURL.
func New(f sampler.Fetcher, baseURL string, cacheSize int, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	master, err := lru.New[string, json.RawMessage](1)
	if err != nil {
		return nil, err
	}
	indexes, err := lru.New[string, []Entry](cacheSize)
	if err != nil {
		return nil, err
	}
	chunks, err := lru.New[string, []json.RawMessage](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{
		fetcher: f,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.Named("catalog"),
		rnd:     globalRand{},
		master:  master,
		indexes: indexes,
		chunks:  chunks,
	}, nil
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// WithRand replaces the source used by RandomEntry.
func (c *Catalog) WithRand(r sampler.Rand) *Catalog {
	c.rnd = r
	return c
}

// MasterIndex returns the raw master index document.
func (c *Catalog) MasterIndex(ctx context.Context) (json.RawMessage, error) {
	return load(ctx, c, c.master, "master", func(ctx context.Context) (json.RawMessage, error) {
		resp, err := c.get(ctx, "/index/master-index.json")
		if err != nil {
			return nil, fmt.Errorf("load master index: %w", err)
		}
		if !json.Valid(resp.Body()) {
			return nil, errors.New("load master index: response is not JSON")
		}
		return json.RawMessage(resp.Body()), nil
	})
}

// ServiceIndex returns a service's search index. A missing or empty index is
// an empty slice, and that result is cached like any other.
func (c *Catalog) ServiceIndex(ctx context.Context, service string) ([]Entry, error) {
	return load(ctx, c, c.indexes, service, func(ctx context.Context) ([]Entry, error) {
		resp, err := c.get(ctx, "/index/"+url.PathEscape(service)+"-search.json")
		if err != nil {
			if httpFailure(err) {
				c.logger.Warn("Service index not found.", zap.String("service", service), zap.Error(err))
				return []Entry{}, nil
			}
			return nil, fmt.Errorf("load %s index: %w", service, err)
		}
		if len(bytes.TrimSpace(resp.Body())) == 0 {
			c.logger.Warn("Service index is empty.", zap.String("service", service))
			return []Entry{}, nil
		}

		items, err := unwrapList(resp.Body(), false)
		if err != nil {
			return nil, fmt.Errorf("load %s index: %w", service, err)
		}
		entries := make([]Entry, 0, len(items))
		for _, raw := range items {
			var e Entry
			if err := codec.Unmarshal(raw, &e); err != nil {
				continue
			}
			if e.Service == "" {
				e.Service = service
			}
			entries = append(entries, e)
		}
		return entries, nil
	})
}

// Chunk returns the records of one chunk file. A single-object chunk is
// returned as a one-element slice.
func (c *Catalog) Chunk(ctx context.Context, service, file string) ([]json.RawMessage, error) {
	key := service + "/" + file
	return load(ctx, c, c.chunks, key, func(ctx context.Context) ([]json.RawMessage, error) {
		resp, err := c.get(ctx, "/chunks/"+url.PathEscape(service)+"/"+url.PathEscape(file))
		if err != nil {
			return nil, fmt.Errorf("load chunk %s: %w", key, err)
		}
		items, err := unwrapList(resp.Body(), true)
		if err != nil {
			return nil, fmt.Errorf("load chunk %s: %w", key, err)
		}
		return items, nil
	})
}

// RandomEntry picks uniformly among the service's playable entries.
func (c *Catalog) RandomEntry(ctx context.Context, service string) (Entry, error) {
	entries, err := c.ServiceIndex(ctx, service)
	if err != nil {
		return Entry{}, err
	}
	playable := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Playable() {
			playable = append(playable, e)
		}
	}
	if len(playable) == 0 {
		return Entry{}, fmt.Errorf("%s: %w", service, ErrNoEntries)
	}
	return playable[c.rnd.IntN(len(playable))], nil
}

func (c *Catalog) get(ctx context.Context, path string) (*fetcher.Response, error) {
	return c.fetcher.Fetch(ctx, c.baseURL+path, fetcher.Options{ServiceID: ServiceID})
}

// load serves key from cache or runs fn once for all concurrent callers. The
// shared load is detached from any single caller's cancellation.
func load[T any](ctx context.Context, c *Catalog, cache *lru.Cache[string, T], key string, fn func(context.Context) (T, error)) (T, error) {
	if v, ok := cache.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		if v, ok := cache.Get(key); ok {
			return v, nil
		}
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		cache.Add(key, v)
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// unwrapList accepts a bare array, {"cards": [...]} or {"lorebooks": [...]}.
// With wrapSingle, any other object becomes a one-element list.
func unwrapList(body []byte, wrapSingle bool) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := codec.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return items, nil
	}

	var obj struct {
		Cards     []json.RawMessage `json:"cards"`
		Lorebooks []json.RawMessage `json:"lorebooks"`
	}
	if err := codec.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	switch {
	case obj.Cards != nil:
		return obj.Cards, nil
	case obj.Lorebooks != nil:
		return obj.Lorebooks, nil
	case wrapSingle:
		return []json.RawMessage{json.RawMessage(trimmed)}, nil
	}
	return nil, errors.New("document holds no cards or lorebooks list")
}

// httpFailure reports an exhausted chain where every attempt got an HTTP
// response, so the resource is missing rather than unreachable.
func httpFailure(err error) bool {
	var exhausted *fetcher.ExhaustedError
	if !errors.As(err, &exhausted) {
		return false
	}
	seen := false
	for _, a := range exhausted.Attempts {
		if a.Outcome == fetcher.OutcomeSkipped {
			continue
		}
		if a.Status == 0 {
			return false
		}
		seen = true
	}
	return seen
}
