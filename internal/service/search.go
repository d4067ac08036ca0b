package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/generation"
	"github.com/xkilldash9x/cardscout/internal/sources/chub"
	"github.com/xkilldash9x/cardscout/internal/store"
)

// SearchResult is one page of hits from a source.
type SearchResult struct {
	Source string
	Picks  []Pick
	// Total is the reported hit count, or -1 when the source gave none.
	Total int
}

// Search loads one page of results from a source and remembers the query as
// the source's saved search. Starting another search supersedes this one.
func (c *Components) Search(ctx context.Context, source string, opts chub.SearchOptions) (*SearchResult, error) {
	token := c.Guard.Begin(generation.GroupSourceLoad)
	if source == "" {
		source = SourceChub
	}

	var (
		result *SearchResult
		err    error
	)
	switch source {
	case SourceChub:
		result, err = c.searchChub(ctx, opts)
	case SourceQuillgen:
		result, err = c.searchQuillgen(ctx, opts.Search)
	default:
		result, err = c.searchCatalog(ctx, source, opts.Search)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Guard.Check(token); err != nil {
		return nil, err
	}

	if c.Store != nil {
		saved := store.SavedSearch{Filters: map[string]string{"search": opts.Search}, SortBy: opts.Sort}
		if opts.Tags != "" {
			saved.Filters["tags"] = opts.Tags
		}
		if err := c.Store.SaveSearch(ctx, source, saved); err != nil {
			c.Logger.Warn("Failed to save search.", zap.String("source", source), zap.Error(err))
		}
	}
	return result, nil
}

// LastSearch returns the saved search options for source, or zero options when
// nothing was saved or no store is configured.
func (c *Components) LastSearch(ctx context.Context, source string) (chub.SearchOptions, error) {
	if c.Store == nil {
		return chub.SearchOptions{}, nil
	}
	saved, err := c.Store.LoadSearch(ctx, source)
	if err != nil || saved == nil {
		return chub.SearchOptions{}, err
	}
	return chub.SearchOptions{
		Search: saved.Filters["search"],
		Tags:   saved.Filters["tags"],
		Sort:   saved.SortBy,
	}, nil
}

func (c *Components) searchChub(ctx context.Context, opts chub.SearchOptions) (*SearchResult, error) {
	res, err := c.Chub.Search(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := &SearchResult{Source: SourceChub, Total: -1}
	if n := res.Count; !math.IsNaN(n) && n >= 0 {
		out.Total = int(n)
	}
	for _, node := range res.Nodes {
		out.Picks = append(out.Picks, Pick{
			ID:        "chub/" + node.Path(),
			Service:   chub.ServiceID,
			Name:      node.Name,
			Creator:   node.Creator(),
			AvatarURL: node.AvatarURL(),
			NSFW:      node.PossiblyNSFW(),
		})
	}
	return out, nil
}

func (c *Components) searchQuillgen(ctx context.Context, query string) (*SearchResult, error) {
	cards, err := c.Quillgen.Browse(ctx)
	if err != nil {
		return nil, err
	}
	out := &SearchResult{Source: SourceQuillgen}
	for _, card := range cards {
		if !matches(query, card.Name, card.Creator) {
			continue
		}
		out.Picks = append(out.Picks, *quillgenToPick(card))
	}
	out.Total = len(out.Picks)
	return out, nil
}

// matches reports a case-insensitive substring hit on any field. An empty
// query matches everything.
func matches(query string, fields ...string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), query) {
			return true
		}
	}
	return false
}

func (c *Components) searchCatalog(ctx context.Context, service, query string) (*SearchResult, error) {
	entries, err := c.Catalog.ServiceIndex(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", service, err)
	}
	out := &SearchResult{Source: service}
	for _, e := range entries {
		if !matches(query, e.Name, e.Creator) {
			continue
		}
		out.Picks = append(out.Picks, Pick{
			ID:        e.ID,
			Service:   service,
			Name:      e.Name,
			Creator:   e.Creator,
			AvatarURL: e.Image(),
			Chunk:     e.Chunk,
		})
	}
	out.Total = len(out.Picks)
	return out, nil
}
