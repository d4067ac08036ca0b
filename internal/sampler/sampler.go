// Package sampler draws one item uniformly at random from a remote paginated
// collection by learning its size first and then fetching the single page that
// holds a random offset.
package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/fetcher"
)

// ErrEmptyCollection means the collection has no items, or reported a count
// that is not a finite positive integer.
var ErrEmptyCollection = errors.New("collection is empty")

// Fetcher is the part of *fetcher.Fetcher the sampler uses.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts fetcher.Options) (*fetcher.Response, error)
}

// Rand is a uniform integer source; IntN returns a value in [0, n).
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Request is one HTTP request issued through the fetcher.
type Request struct {
	URL     string
	Method  string
	Headers http.Header
	Body    []byte
}

// Query describes how to size and page through one remote collection.
type Query struct {
	ServiceID string
	// PageSize is the fixed number of items per page; must be positive.
	PageSize     int
	CountRequest Request
	// PageRequest builds the request for a 1-based page number.
	PageRequest func(page int) Request
	// DecodeCount extracts the total. Return NaN when the payload carries no count.
	DecodeCount func(*fetcher.Response) (float64, error)
	DecodePage  func(*fetcher.Response) ([]json.RawMessage, error)
	// Stale, when set, is consulted after every response. A non-nil error
	// ends the draw before any further request and is returned as is.
	Stale func() error
}

// Result is a sampled item plus the page it came from.
type Result struct {
	Item json.RawMessage
	// Page is 1-based. For cursor walks it is the number of pages visited.
	Page int
	// Index is the position of Item within PageItems.
	Index     int
	PageItems []json.RawMessage
	// Offset is the drawn global offset; -1 for cursor walks.
	Offset int
	// Total is the reported collection size; -1 for cursor walks.
	Total int
}

// Sampler is safe for concurrent use if its Rand is.
type Sampler struct {
	fetcher      Fetcher
	rnd          Rand
	maxWalkDepth int
	logger       *zap.Logger
}

// New returns a sampler using math/rand/v2.
func New(f Fetcher, maxWalkDepth int, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxWalkDepth < 0 {
		maxWalkDepth = 0
	}
	return &Sampler{
		fetcher:      f,
		rnd:          globalRand{},
		maxWalkDepth: maxWalkDepth,
		logger:       logger.Named("sampler"),
	}
}

// WithRand replaces the random source.
func (s *Sampler) WithRand(r Rand) *Sampler {
	s.rnd = r
	return s
}

// SampleOne fetches the count, draws an offset in [0, N), and fetches exactly
// the page containing it. When N is not a finite positive integer it returns
// ErrEmptyCollection without requesting any page.
func (s *Sampler) SampleOne(ctx context.Context, q Query) (*Result, error) {
	if q.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", q.PageSize)
	}
	if q.PageRequest == nil || q.DecodeCount == nil || q.DecodePage == nil {
		return nil, errors.New("query is missing a request builder or decoder")
	}

	countResp, err := s.fetch(ctx, q.ServiceID, q.CountRequest)
	if err != nil {
		return nil, fmt.Errorf("fetch collection count: %w", err)
	}
	if err := checkStale(q.Stale); err != nil {
		return nil, err
	}
	raw, err := q.DecodeCount(countResp)
	if err != nil {
		return nil, fmt.Errorf("decode collection count: %w", err)
	}
	total, ok := validCount(raw)
	if !ok {
		s.logger.Debug("Collection reported no usable count.", zap.String("service", q.ServiceID), zap.Float64("count", raw))
		return nil, ErrEmptyCollection
	}

	offset := s.rnd.IntN(total)
	page, index := Locate(offset, q.PageSize)

	pageResp, err := s.fetch(ctx, q.ServiceID, q.PageRequest(page))
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", page, err)
	}
	if err := checkStale(q.Stale); err != nil {
		return nil, err
	}
	items, err := q.DecodePage(pageResp)
	if err != nil {
		return nil, fmt.Errorf("decode page %d: %w", page, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("page %d of %d items: %w", page, total, ErrEmptyCollection)
	}

	// A stale count can leave the trailing page shorter than expected.
	if index > len(items)-1 {
		index = len(items) - 1
	}

	s.logger.Debug("Sampled item.",
		zap.String("service", q.ServiceID),
		zap.Int("total", total),
		zap.Int("offset", offset),
		zap.Int("page", page),
		zap.Int("index", index),
	)
	return &Result{
		Item:      items[index],
		Page:      page,
		Index:     index,
		PageItems: items,
		Offset:    offset,
		Total:     total,
	}, nil
}

// Locate maps a 0-based offset to a 1-based page and the index within it.
func Locate(offset, pageSize int) (page, index int) {
	return offset/pageSize + 1, offset % pageSize
}

func validCount(v float64) (int, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 1 || v != math.Trunc(v) || v >= float64(math.MaxInt) {
		return 0, false
	}
	return int(v), true
}

func checkStale(stale func() error) error {
	if stale == nil {
		return nil
	}
	return stale()
}

func (s *Sampler) fetch(ctx context.Context, serviceID string, req Request) (*fetcher.Response, error) {
	return s.fetcher.Fetch(ctx, req.URL, fetcher.Options{
		ServiceID: serviceID,
		Method:    req.Method,
		Headers:   req.Headers,
		Body:      req.Body,
	})
}
