// Package chub is a client for the Chub card site: search, full character
// definitions, lorebooks, and a sampler query for random picks.
package chub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cardscout/internal/fetcher"
	"github.com/xkilldash9x/cardscout/internal/sampler"
)

const (
	DefaultAPIBase     = "https://api.chub.ai"
	DefaultGatewayBase = "https://gateway.chub.ai"
	AvatarBase         = "https://avatars.charhub.io/avatars"
	SiteBase           = "https://chub.ai"

	// ServiceID keys the search API in chain and auth tables.
	ServiceID = "chub"
	// GatewayServiceID keys the gateway API in chain and auth tables.
	GatewayServiceID = "chub_gateway"

	defaultSearchLimit = 200
)

// Client talks to Chub through a resilient fetcher.
type Client struct {
	fetcher     sampler.Fetcher
	apiBase     string
	gatewayBase string
	nocache     func() string
	logger      *zap.Logger
}

// NewClient returns a client for the public Chub endpoints.
func NewClient(f sampler.Fetcher, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		fetcher:     f,
		apiBase:     DefaultAPIBase,
		gatewayBase: DefaultGatewayBase,
		nocache:     func() string { return strconv.FormatUint(rand.Uint64(), 10) },
		logger:      logger.Named("chub"),
	}
}

// WithBaseURLs points the client at other hosts.
func (c *Client) WithBaseURLs(apiBase, gatewayBase string) *Client {
	c.apiBase = strings.TrimRight(apiBase, "/")
	c.gatewayBase = strings.TrimRight(gatewayBase, "/")
	return c
}

// SearchOptions mirrors the search API's query parameters. Zero values leave a
// filter out.
type SearchOptions struct {
	Search string
	// Limit is the page size; 200 when zero.
	Limit int
	// Page is 1-based; 1 when zero.
	Page int
	// Sort defaults to download_count.
	Sort string
	Asc  bool
	// NSFW and NSFL default to true when nil.
	NSFW        *bool
	NSFL        *bool
	Namespace   string
	MyFavorites bool
	SpecialMode string
	Tags        string
	ExcludeTags string
	MinTokens   int
	MaxTokens   int
	Username    string
	MaxDaysAgo  int
	MinAIRating float64

	RequireExamples  bool
	RequireLore      bool
	RequireGreetings bool
}

// Values encodes the options as search query parameters.
func (o SearchOptions) Values() url.Values {
	v := url.Values{}
	v.Set("search", o.Search)
	v.Set("first", strconv.Itoa(orDefault(o.Limit, defaultSearchLimit)))
	v.Set("page", strconv.Itoa(orDefault(o.Page, 1)))
	sort := o.Sort
	if sort == "" {
		sort = "download_count"
	}
	v.Set("sort", sort)
	v.Set("asc", strconv.FormatBool(o.Asc))
	v.Set("nsfw", strconv.FormatBool(boolOr(o.NSFW, true)))
	v.Set("nsfl", strconv.FormatBool(boolOr(o.NSFL, true)))

	if o.Namespace != "" {
		v.Set("namespace", o.Namespace)
	}
	if o.MyFavorites {
		v.Set("my_favorites", "true")
	}
	if o.SpecialMode != "" {
		v.Set("special_mode", o.SpecialMode)
	}
	if o.Tags != "" {
		v.Set("tags", o.Tags)
	}
	if o.ExcludeTags != "" {
		v.Set("exclude_tags", o.ExcludeTags)
	}
	if o.MinTokens > 0 {
		v.Set("min_tokens", strconv.Itoa(o.MinTokens))
	}
	if o.MaxTokens > 0 {
		v.Set("max_tokens", strconv.Itoa(o.MaxTokens))
	}
	if o.Username != "" {
		v.Set("username", o.Username)
	}
	if o.MaxDaysAgo > 0 {
		v.Set("max_days_ago", strconv.Itoa(o.MaxDaysAgo))
	}
	if o.MinAIRating > 0 {
		v.Set("min_ai_rating", strconv.FormatFloat(o.MinAIRating, 'f', -1, 64))
	}
	if o.RequireExamples {
		v.Set("require_example_dialogues", "true")
	}
	if o.RequireLore {
		v.Set("require_lore", "true")
	}
	if o.RequireGreetings {
		v.Set("require_alternate_greetings", "true")
	}
	return v
}

// SearchResult is one page of search hits.
type SearchResult struct {
	Nodes []Node
	// Count is the reported total, NaN when the response carried none.
	Count float64
}

// Search runs a card search.
func (c *Client) Search(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	resp, err := c.fetcher.Fetch(ctx, c.searchURL(opts), fetcher.Options{
		ServiceID: ServiceID,
		Headers:   jsonHeaders(false),
	})
	if err != nil {
		return nil, fmt.Errorf("chub search: %w", err)
	}
	page, err := decodeSearch(resp)
	if err != nil {
		return nil, fmt.Errorf("chub search: %w", err)
	}

	nodes := make([]Node, 0, len(page.nodes))
	for _, raw := range page.nodes {
		var n Node
		if err := json.Unmarshal(raw, &n); err != nil {
			c.logger.Debug("Skipping malformed search node.", zap.Error(err))
			continue
		}
		nodes = append(nodes, n)
	}
	return &SearchResult{Nodes: nodes, Count: page.count}, nil
}

// Character fetches the full definition for a "creator/slug" path from the
// gateway, bypassing caches.
func (c *Client) Character(ctx context.Context, fullPath string) (*Character, error) {
	segments := strings.Split(strings.Trim(strings.TrimSpace(fullPath), "/"), "/")
	for i, seg := range segments {
		segments[i] = strings.TrimSpace(seg)
		if segments[i] == "" {
			return nil, fmt.Errorf("chub character path %q has an empty segment", fullPath)
		}
	}
	fullPath = strings.Join(segments, "/")
	target := fmt.Sprintf("%s/api/characters/%s?full=true&nocache=%s", c.gatewayBase, escapePath(fullPath), c.nocache())

	resp, err := c.fetcher.Fetch(ctx, target, fetcher.Options{
		ServiceID: GatewayServiceID,
		Headers:   jsonHeaders(true),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch character %s: %w", fullPath, err)
	}
	return decodeCharacter(resp.Body())
}

// Lorebook fetches a lorebook's raw export. Private, deleted or unprocessed
// lorebooks answer 404 or 500 on every transport and yield nil, nil.
func (c *Client) Lorebook(ctx context.Context, nodeID int64) (json.RawMessage, error) {
	target := fmt.Sprintf("%s/api/v4/projects/%d/repository/files/raw%%252Fsillytavern_raw.json/raw?ref=main&response_type=blob&nocache=0.%s",
		c.gatewayBase, nodeID, c.nocache())

	resp, err := c.fetcher.Fetch(ctx, target, fetcher.Options{
		ServiceID: GatewayServiceID,
		Headers:   jsonHeaders(true),
	})
	if err != nil {
		if unavailableEverywhere(err) {
			c.logger.Debug("Lorebook unavailable.", zap.Int64("node_id", nodeID))
			return nil, nil
		}
		return nil, fmt.Errorf("fetch lorebook %d: %w", nodeID, err)
	}
	if !json.Valid(resp.Body()) {
		return nil, fmt.Errorf("fetch lorebook %d: response is not JSON", nodeID)
	}
	return json.RawMessage(resp.Body()), nil
}

// SearchLorebooks searches the gateway's lorebook namespace.
func (c *Client) SearchLorebooks(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	v := url.Values{}
	v.Set("search", opts.Search)
	v.Set("first", strconv.Itoa(orDefault(opts.Limit, 48)))
	v.Set("page", strconv.Itoa(orDefault(opts.Page, 1)))
	v.Set("namespace", "lorebooks")
	v.Set("include_forks", "true")
	v.Set("nsfw", strconv.FormatBool(boolOr(opts.NSFW, true)))
	v.Set("nsfw_only", "false")
	v.Set("nsfl", strconv.FormatBool(boolOr(opts.NSFL, true)))
	v.Set("asc", strconv.FormatBool(opts.Asc))
	sort := opts.Sort
	if sort == "" {
		sort = "star_count"
	}
	v.Set("sort", sort)
	v.Set("count", "false")
	if opts.Tags != "" {
		v.Set("topics", opts.Tags)
	}
	if opts.ExcludeTags != "" {
		v.Set("excludetopics", opts.ExcludeTags)
	}
	if opts.Username != "" {
		v.Set("username", opts.Username)
	}

	resp, err := c.fetcher.Fetch(ctx, c.gatewayBase+"/search?"+v.Encode(), fetcher.Options{
		ServiceID: GatewayServiceID,
		Method:    http.MethodPost,
		Headers:   jsonHeaders(false),
	})
	if err != nil {
		return nil, fmt.Errorf("chub lorebook search: %w", err)
	}
	page, err := decodeSearch(resp)
	if err != nil {
		return nil, fmt.Errorf("chub lorebook search: %w", err)
	}
	nodes := make([]Node, 0, len(page.nodes))
	for _, raw := range page.nodes {
		var n Node
		if err := json.Unmarshal(raw, &n); err == nil {
			n.FullPath = strings.TrimPrefix(n.FullPath, "lorebooks/")
			nodes = append(nodes, n)
		}
	}
	return &SearchResult{Nodes: nodes, Count: page.count}, nil
}

// SampleQuery describes the search as a sampler query: the count request asks
// for a single hit and pages use pageSize.
func (c *Client) SampleQuery(opts SearchOptions, pageSize int) sampler.Query {
	countOpts := opts
	countOpts.Limit = 1
	countOpts.Page = 1

	return sampler.Query{
		ServiceID:    ServiceID,
		PageSize:     pageSize,
		CountRequest: sampler.Request{URL: c.searchURL(countOpts), Headers: jsonHeaders(false)},
		PageRequest: func(page int) sampler.Request {
			pageOpts := opts
			pageOpts.Limit = pageSize
			pageOpts.Page = page
			return sampler.Request{URL: c.searchURL(pageOpts), Headers: jsonHeaders(false)}
		},
		DecodeCount: func(resp *fetcher.Response) (float64, error) {
			page, err := decodeSearch(resp)
			if err != nil {
				return 0, err
			}
			return page.count, nil
		},
		DecodePage: func(resp *fetcher.Response) ([]json.RawMessage, error) {
			page, err := decodeSearch(resp)
			if err != nil {
				return nil, err
			}
			return page.nodes, nil
		},
	}
}

// WalkQuery describes the search as a cursor walk for when the count is
// unusable. The cursor is the next page number; a short page ends the walk.
func (c *Client) WalkQuery(opts SearchOptions, pageSize int) sampler.CursorQuery {
	build := func(page int) sampler.Request {
		pageOpts := opts
		pageOpts.Limit = pageSize
		pageOpts.Page = page
		return sampler.Request{URL: c.searchURL(pageOpts), Headers: jsonHeaders(false)}
	}
	return sampler.CursorQuery{
		ServiceID:    ServiceID,
		FirstRequest: build(orDefault(opts.Page, 1)),
		NextRequest: func(cursor string) sampler.Request {
			page, err := strconv.Atoi(cursor)
			if err != nil {
				page = 1
			}
			return build(page)
		},
		DecodePage: func(resp *fetcher.Response) ([]json.RawMessage, string, error) {
			page, err := decodeSearch(resp)
			if err != nil {
				return nil, "", err
			}
			if len(page.nodes) < pageSize {
				return page.nodes, "", nil
			}
			return page.nodes, strconv.Itoa(pageOf(resp.URL) + 1), nil
		},
	}
}

func (c *Client) searchURL(opts SearchOptions) string {
	return c.apiBase + "/search?" + opts.Values().Encode()
}

type searchPage struct {
	nodes []json.RawMessage
	count float64
}

type searchBody struct {
	Nodes []json.RawMessage `json:"nodes"`
	Count *float64          `json:"count"`
}

// decodeSearch accepts both the bare and the {"data": {...}} envelope.
func decodeSearch(resp *fetcher.Response) (searchPage, error) {
	var env struct {
		searchBody
		Data *searchBody `json:"data"`
	}
	if err := resp.JSON(&env); err != nil {
		return searchPage{}, fmt.Errorf("decode search response: %w", err)
	}
	body := env.searchBody
	if env.Data != nil {
		body = *env.Data
	}
	page := searchPage{nodes: body.Nodes, count: math.NaN()}
	if body.Count != nil {
		page.count = *body.Count
	}
	return page, nil
}

func unavailableEverywhere(err error) bool {
	var exhausted *fetcher.ExhaustedError
	if !errors.As(err, &exhausted) {
		return false
	}
	seen := false
	for _, a := range exhausted.Attempts {
		if a.Outcome == fetcher.OutcomeSkipped {
			continue
		}
		if a.Status != http.StatusNotFound && a.Status != http.StatusInternalServerError {
			return false
		}
		seen = true
	}
	return seen
}

// pageOf reads the page parameter back from a search URL.
func pageOf(target string) int {
	u, err := url.Parse(target)
	if err != nil {
		return 1
	}
	page, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func jsonHeaders(noCache bool) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if noCache {
		h.Set("Cache-Control", "no-cache")
	}
	return h
}

func escapePath(fullPath string) string {
	parts := strings.Split(fullPath, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
