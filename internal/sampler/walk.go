package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/fetcher"
)

// CursorQuery describes a collection that only offers forward cursors.
type CursorQuery struct {
	ServiceID    string
	FirstRequest Request
	NextRequest  func(cursor string) Request
	// DecodePage returns the page's items and the cursor for the next page,
	// empty when there is none.
	DecodePage func(*fetcher.Response) (items []json.RawMessage, next string, err error)
	// Stale behaves as Query.Stale.
	Stale func() error
}

// SampleWalk is the fallback when no count is available. It fetches the first
// page, follows a random number of cursors in [0, maxWalkDepth], and picks
// uniformly within the last non-empty page reached.
//
// The result is NOT uniform over the collection: items on early pages are far
// more likely than items deep in it. Use SampleOne whenever a count exists.
func (s *Sampler) SampleWalk(ctx context.Context, q CursorQuery) (*Result, error) {
	if q.NextRequest == nil || q.DecodePage == nil {
		return nil, errors.New("cursor query is missing a request builder or decoder")
	}

	resp, err := s.fetch(ctx, q.ServiceID, q.FirstRequest)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}
	if err := checkStale(q.Stale); err != nil {
		return nil, err
	}
	items, next, err := q.DecodePage(resp)
	if err != nil {
		return nil, fmt.Errorf("decode first page: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrEmptyCollection
	}

	depth := s.rnd.IntN(s.maxWalkDepth + 1)
	pages := 1
	for step := 0; step < depth && next != ""; step++ {
		resp, err := s.fetch(ctx, q.ServiceID, q.NextRequest(next))
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", pages+1, err)
		}
		if err := checkStale(q.Stale); err != nil {
			return nil, err
		}
		nextItems, nextCursor, err := q.DecodePage(resp)
		if err != nil {
			return nil, fmt.Errorf("decode page %d: %w", pages+1, err)
		}
		if len(nextItems) == 0 {
			break
		}
		items, next = nextItems, nextCursor
		pages++
	}

	index := s.rnd.IntN(len(items))
	s.logger.Debug("Sampled item by cursor walk.",
		zap.String("service", q.ServiceID),
		zap.Int("depth", depth),
		zap.Int("pages", pages),
		zap.Int("index", index),
	)
	return &Result{
		Item:      items[index],
		Page:      pages,
		Index:     index,
		PageItems: items,
		Offset:    -1,
		Total:     -1,
	}, nil
}
