package chub

import (
	"encoding/json"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Node is a search hit.
type Node struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	FullPath    string   `json:"fullPath"`
	Tagline     string   `json:"tagline"`
	Description string   `json:"description"`
	Topics      []string `json:"topics"`
	StarCount   int      `json:"starCount"`
	NChats      int      `json:"nChats"`
	Rating      float64  `json:"rating"`
	RatingCount int      `json:"ratingCount"`
	NTokens     int      `json:"nTokens"`
	CreatedAt   string   `json:"createdAt"`
	NSFW        bool     `json:"nsfw"`
	NSFWImage   bool     `json:"nsfw_image"`
}

// Path falls back to the name for nodes without a full path.
func (n Node) Path() string {
	if n.FullPath != "" {
		return n.FullPath
	}
	return n.Name
}

// AvatarURL is the PNG card with the embedded definition.
func (n Node) AvatarURL() string {
	return fmt.Sprintf("%s/%s/chara_card_v2.png", AvatarBase, n.Path())
}

// PageURL is the card's page on the site.
func (n Node) PageURL() string {
	return fmt.Sprintf("%s/characters/%s", SiteBase, n.Path())
}

// Creator is the namespace part of the path.
func (n Node) Creator() string {
	if creator, _, ok := strings.Cut(n.Path(), "/"); ok {
		return creator
	}
	return "Unknown"
}

// PossiblyNSFW reports any of the site's NSFW markers.
func (n Node) PossiblyNSFW() bool {
	if n.NSFW || n.NSFWImage {
		return true
	}
	for _, t := range n.Topics {
		if strings.EqualFold(t, "nsfw") {
			return true
		}
	}
	return false
}

// Character is a gateway definition. Raw keeps the full payload for importers.
type Character struct {
	ID               int64
	Name             string
	FullPath         string
	RelatedLorebooks []int64
	Raw              json.RawMessage
}

func decodeCharacter(body []byte) (*Character, error) {
	var payload struct {
		Node *characterNode `json:"node"`
		characterNode
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode character: %w", err)
	}
	node := payload.characterNode
	if payload.Node != nil {
		node = *payload.Node
	}

	name := node.Definition.Name
	if name == "" {
		name = node.Name
	}
	related := make([]int64, 0, len(node.RelatedLorebooks))
	for _, id := range node.RelatedLorebooks {
		if id > 0 {
			related = append(related, id)
		}
	}
	return &Character{
		ID:               node.ID,
		Name:             name,
		FullPath:         node.FullPath,
		RelatedLorebooks: related,
		Raw:              json.RawMessage(body),
	}, nil
}

type characterNode struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	FullPath         string  `json:"fullPath"`
	RelatedLorebooks []int64 `json:"related_lorebooks"`
	Definition       struct {
		Name string `json:"name"`
	} `json:"definition"`
}
