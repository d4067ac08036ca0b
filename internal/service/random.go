package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/fetcher"
	"github.com/xkilldash9x/cardscout/internal/generation"
	"github.com/xkilldash9x/cardscout/internal/objecturl"
	"github.com/xkilldash9x/cardscout/internal/sampler"
	"github.com/xkilldash9x/cardscout/internal/sources/chub"
	"github.com/xkilldash9x/cardscout/internal/sources/quillgen"
	"github.com/xkilldash9x/cardscout/internal/store"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Live sources; any other source names a catalog service.
const (
	SourceChub     = "chub"
	SourceQuillgen = quillgen.ServiceID
)

// RandomOptions configure one random pick.
type RandomOptions struct {
	Source   string
	Search   chub.SearchOptions
	PageSize int
	// Walk forces the cursor walk instead of count-then-page sampling.
	Walk bool
	// LoadAvatar fetches the card image into the display slot.
	LoadAvatar bool
}

// Pick is the card a random pick landed on.
type Pick struct {
	ID        string
	Service   string
	Name      string
	Creator   string
	AvatarURL string
	Chunk     string
	NSFW      bool
	Raw       json.RawMessage

	// Page and Index locate the card for live picks; zero for catalog picks.
	Page  int
	Index int
	// Fallback is set when live sampling found nothing and the catalog answered.
	Fallback bool
	// Avatar is the displayed image, nil when not loaded.
	Avatar *objecturl.Handle
}

// RandomPick draws one card. A newer pick supersedes this one at every
// suspension point, in which case generation.ErrStale is returned and nothing
// is displayed or recorded.
func (c *Components) RandomPick(ctx context.Context, opts RandomOptions) (*Pick, error) {
	token := c.Guard.Begin(generation.GroupRandomPick)
	if opts.Source == "" {
		opts.Source = SourceChub
	}
	if opts.PageSize <= 0 {
		opts.PageSize = c.Config.Sampler().DefaultPageSize
	}

	pick, err := c.draw(ctx, opts, func() error { return c.Guard.Check(token) })
	if err != nil {
		return nil, err
	}
	if err := c.Guard.Check(token); err != nil {
		return nil, err
	}

	if opts.LoadAvatar && pick.AvatarURL != "" {
		resp, fetchErr := c.fetchAvatar(ctx, pick)
		if err := c.Guard.Check(token); err != nil {
			return nil, err
		}
		if fetchErr != nil {
			// The card is still usable without its image.
			c.Logger.Warn("Failed to load avatar.", zap.String("url", pick.AvatarURL), zap.String("reason", fetcher.Describe(fetchErr)))
		} else {
			handle := c.Blobs.Create(resp.Body(), resp.ContentType())
			if err := c.Display.Assign(handle); err != nil {
				handle.Revoke()
				return nil, fmt.Errorf("display avatar: %w", err)
			}
			pick.Avatar = handle
		}
	}

	if c.Store != nil {
		err := c.Store.RecordView(ctx, store.Card{
			ID:           pick.ID,
			Service:      pick.Service,
			Name:         pick.Name,
			Creator:      pick.Creator,
			AvatarURL:    pick.AvatarURL,
			Chunk:        pick.Chunk,
			PossibleNSFW: pick.NSFW,
		})
		if err != nil {
			c.Logger.Warn("Failed to record view.", zap.String("id", pick.ID), zap.Error(err))
		}
	}
	return pick, nil
}

// draw consults stale after every response so a superseded pick issues no
// further requests.
func (c *Components) draw(ctx context.Context, opts RandomOptions, stale func() error) (*Pick, error) {
	switch opts.Source {
	case SourceChub:
	case SourceQuillgen:
		return c.quillgenPick(ctx)
	default:
		return c.catalogPick(ctx, opts.Source, false)
	}

	var (
		res *sampler.Result
		err error
	)
	if opts.Walk {
		q := c.Chub.WalkQuery(opts.Search, opts.PageSize)
		q.Stale = stale
		res, err = c.Sampler.SampleWalk(ctx, q)
	} else {
		q := c.Chub.SampleQuery(opts.Search, opts.PageSize)
		q.Stale = stale
		res, err = c.Sampler.SampleOne(ctx, q)
	}
	if errors.Is(err, generation.ErrStale) {
		return nil, err
	}
	if errors.Is(err, sampler.ErrEmptyCollection) {
		c.Logger.Info("Live search is empty, falling back to the catalog.", zap.String("source", opts.Source))
		return c.catalogPick(ctx, opts.Source, true)
	}
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", opts.Source, err)
	}

	var node chub.Node
	if err := codec.Unmarshal(res.Item, &node); err != nil {
		return nil, fmt.Errorf("decode sampled card: %w", err)
	}
	return &Pick{
		ID:        "chub/" + node.Path(),
		Service:   chub.ServiceID,
		Name:      node.Name,
		Creator:   node.Creator(),
		AvatarURL: node.AvatarURL(),
		NSFW:      node.PossiblyNSFW(),
		Raw:       res.Item,
		Page:      res.Page,
		Index:     res.Index,
	}, nil
}

func (c *Components) quillgenPick(ctx context.Context) (*Pick, error) {
	card, err := c.Quillgen.RandomCard(ctx)
	if err != nil {
		return nil, fmt.Errorf("pick from quillgen: %w", err)
	}
	return quillgenToPick(card), nil
}

func quillgenToPick(card quillgen.Card) *Pick {
	return &Pick{
		ID:        "quillgen/" + string(card.ID),
		Service:   quillgen.ServiceID,
		Name:      card.Name,
		Creator:   card.Creator,
		AvatarURL: card.ImageURL,
		NSFW:      card.NSFW,
	}
}

// fetchAvatar loads the card image. QuillGen cards go through the client so a
// rejected key is reported as such.
func (c *Components) fetchAvatar(ctx context.Context, pick *Pick) (*fetcher.Response, error) {
	if pick.Service == quillgen.ServiceID {
		return c.Quillgen.FetchCard(ctx, pick.AvatarURL)
	}
	return c.Fetcher.Fetch(ctx, pick.AvatarURL, fetcher.Options{ServiceID: pick.Service})
}

func (c *Components) catalogPick(ctx context.Context, service string, fallback bool) (*Pick, error) {
	entry, err := c.Catalog.RandomEntry(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("pick from catalog: %w", err)
	}
	svc := entry.Service
	if svc == "" {
		svc = service
	}
	id := entry.ID
	if id == "" {
		id = svc + "/" + entry.Chunk + "/" + entry.Name
	}
	return &Pick{
		ID:        id,
		Service:   svc,
		Name:      entry.Name,
		Creator:   entry.Creator,
		AvatarURL: entry.Image(),
		Chunk:     entry.Chunk,
		Fallback:  fallback,
	}, nil
}
