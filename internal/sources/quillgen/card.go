package quillgen

import (
	"bytes"
	"math/rand/v2"
	"strconv"
)

// Card is one browse entry.
type Card struct {
	ID          ID       `json:"id"`
	Name        string   `json:"name"`
	Creator     string   `json:"creator"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	AvatarURL   string   `json:"avatar_url"`
	ImageURL    string   `json:"image_url"`
	NSFW        bool     `json:"nsfw"`
	// IsOwn marks the key owner's private characters.
	IsOwn bool `json:"is_own"`
}

// ID accepts both string and numeric ids.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := codec.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return err
	}
	*id = ID(data)
	return nil
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }
