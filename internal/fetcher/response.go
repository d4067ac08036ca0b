package fetcher

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/cardscout/internal/transport"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Response is the successful result of a chain walk. The body has been read
// in full, so there is nothing to close.
type Response struct {
	// URL is the original target, not the relay URL.
	URL      string
	Status   int
	Header   http.Header
	Strategy *transport.Strategy
	// Attempts includes the winning attempt as its last entry.
	Attempts AttemptLog

	body []byte
}

// Body returns the raw response bytes.
func (r *Response) Body() []byte { return r.body }

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.body) }

// JSON decodes the body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.body, v)
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// ContentType returns the Content-Type header.
func (r *Response) ContentType() string { return r.Header.Get("Content-Type") }

// NewResponse builds a Response around an already read body. It is meant for
// alternative Fetch implementations and test doubles.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{Status: status, Header: header, body: body}
}
