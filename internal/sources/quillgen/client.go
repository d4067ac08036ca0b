// Package quillgen browses the QuillGen public character API. An API key,
// configured as the service's Authorization header, adds the caller's own
// characters to the listing and unlocks their card downloads.
package quillgen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/fetcher"
	"github.com/xkilldash9x/cardscout/internal/sampler"
)

const (
	DefaultBaseURL = "https://quillgen.app/v1/public/api/browse"
	ServiceID      = "quillgen"
	// BrowseLimit is the page size the browse endpoint serves in one go.
	BrowseLimit = 500
)

// ErrInvalidKey means the API rejected the configured key.
var ErrInvalidKey = errors.New("quillgen API key is invalid")

// ErrNoCards means the listing has no card with a downloadable image.
var ErrNoCards = errors.New("no quillgen cards available")

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is safe for concurrent use if its Rand is.
type Client struct {
	fetcher sampler.Fetcher
	baseURL string
	apiKey  string
	rnd     sampler.Rand
	logger  *zap.Logger
}

// NewClient returns a client for the public API. apiKey may be empty; it is
// only used to sign image URLs, the Authorization header itself comes from
// the fetcher's auth configuration.
func NewClient(f sampler.Fetcher, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		fetcher: f,
		baseURL: DefaultBaseURL,
		apiKey:  strings.TrimSpace(apiKey),
		rnd:     globalRand{},
		logger:  logger.Named("quillgen"),
	}
}

// WithBaseURL points the client at another API root.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

// WithRand replaces the random source used by RandomCard.
func (c *Client) WithRand(r sampler.Rand) *Client {
	c.rnd = r
	return c
}

// KeyFromAuth extracts the bearer key from a service's configured headers.
// Header names are matched case-insensitively since config keys are lowercased.
func KeyFromAuth(headers map[string]string) string {
	for k, v := range headers {
		if !strings.EqualFold(k, "Authorization") {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
			return strings.TrimSpace(v[7:])
		}
		return v
	}
	return ""
}

// Browse lists public cards, plus the caller's own when a key is configured.
// A 401 yields an empty list: the listing needs a key the caller does not have.
func (c *Client) Browse(ctx context.Context) ([]Card, error) {
	target := fmt.Sprintf("%s/characters?limit=%d", c.baseURL, BrowseLimit)
	resp, err := c.fetcher.Fetch(ctx, target, fetcher.Options{
		ServiceID: ServiceID,
		Headers:   http.Header{"Accept": {"application/json"}},
	})
	if err != nil {
		if rejected(err) {
			if c.apiKey != "" {
				c.logger.Error("QuillGen rejected the API key.")
			} else {
				c.logger.Warn("QuillGen requires authentication for this request.")
			}
			return []Card{}, nil
		}
		return nil, fmt.Errorf("quillgen browse: %w", err)
	}

	var body struct {
		Cards []Card `json:"cards"`
	}
	if err := codec.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode quillgen browse: %w", err)
	}
	cards := make([]Card, 0, len(body.Cards))
	own := 0
	for _, card := range body.Cards {
		card = c.normalize(card)
		if card.IsOwn {
			own++
		}
		cards = append(cards, card)
	}
	c.logger.Debug("Loaded QuillGen cards.", zap.Int("total", len(cards)), zap.Int("own", own))
	return cards, nil
}

// RandomCard picks uniformly among the listed cards that have an image.
func (c *Client) RandomCard(ctx context.Context) (Card, error) {
	cards, err := c.Browse(ctx)
	if err != nil {
		return Card{}, err
	}
	usable := make([]Card, 0, len(cards))
	for _, card := range cards {
		if card.ImageURL != "" {
			usable = append(usable, card)
		}
	}
	if len(usable) == 0 {
		return Card{}, ErrNoCards
	}
	return usable[c.rnd.IntN(len(usable))], nil
}

// FetchCard downloads the card PNG at imageURL.
func (c *Client) FetchCard(ctx context.Context, imageURL string) (*fetcher.Response, error) {
	if imageURL == "" {
		return nil, errors.New("quillgen card has no image url")
	}
	// The signed URL carries the key; keep it out of logs.
	logURL, _, _ := strings.Cut(imageURL, "?")
	c.logger.Debug("Fetching QuillGen card.", zap.String("url", logURL))

	resp, err := c.fetcher.Fetch(ctx, imageURL, fetcher.Options{ServiceID: ServiceID})
	if err != nil {
		if rejected(err) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("fetch quillgen card %s: %w", logURL, err)
	}
	return resp, nil
}

// normalize swaps in the resized avatar endpoint and signs the image URL.
func (c *Client) normalize(card Card) Card {
	if card.ID != "" {
		card.AvatarURL = fmt.Sprintf("%s/characters/%s/avatar?size=300&format=webp", c.baseURL, url.PathEscape(string(card.ID)))
	} else {
		card.AvatarURL = c.sign(card.AvatarURL)
	}
	card.ImageURL = c.sign(card.ImageURL)
	return card
}

func (c *Client) sign(u string) string {
	if c.apiKey == "" || u == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "key=" + url.QueryEscape(c.apiKey)
}

// rejected reports a 401 from any attempt.
func rejected(err error) bool {
	var exhausted *fetcher.ExhaustedError
	if !errors.As(err, &exhausted) {
		return false
	}
	for _, a := range exhausted.Attempts {
		if a.Status == http.StatusUnauthorized {
			return true
		}
	}
	return false
}
