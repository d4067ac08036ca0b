package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

const acceptEncoding = "br, gzip, deflate"

var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

// CompressionMiddleware advertises br/gzip/deflate support and decodes the
// response body according to its Content-Encoding.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps transport, defaulting to http.DefaultTransport.
func NewCompressionMiddleware(transport http.RoundTripper) *CompressionMiddleware {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: transport}
}

// RoundTrip implements http.RoundTripper.
func (cm *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := cm.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// decodedBody closes the decoder, returns pooled readers and closes the
// wrapped body exactly once.
type decodedBody struct {
	io.Reader
	closeDecoder func() error
	underlying   io.ReadCloser
	once         sync.Once
	err          error
}

func (b *decodedBody) Close() error {
	b.once.Do(func() {
		var decErr error
		if b.closeDecoder != nil {
			decErr = b.closeDecoder()
		}
		b.err = errors.Join(decErr, b.underlying.Close())
	})
	return b.err
}

// DecompressResponse wraps resp.Body with decoders for every Content-Encoding
// layer, innermost last. On error the body may be partially consumed and must
// be discarded by the caller.
func DecompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}

	var layers []string
	for _, value := range resp.Header.Values("Content-Encoding") {
		for _, part := range strings.Split(value, ",") {
			if enc := strings.ToLower(strings.TrimSpace(part)); enc != "" && enc != "identity" {
				layers = append(layers, enc)
			}
		}
	}
	if len(layers) == 0 {
		return nil
	}

	for i := len(layers) - 1; i >= 0; i-- {
		body, err := wrapDecoder(layers[i], resp.Body)
		if err != nil {
			return err
		}
		resp.Body = body
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func wrapDecoder(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "gzip", "x-gzip":
		zr := gzipReaderPool.Get().(*gzip.Reader)
		if err := zr.Reset(body); err != nil {
			gzipReaderPool.Put(zr)
			return nil, fmt.Errorf("gzip initialization error: %w", err)
		}
		return &decodedBody{
			Reader:     zr,
			underlying: body,
			closeDecoder: func() error {
				err := zr.Close()
				gzipReaderPool.Put(zr)
				return err
			},
		}, nil

	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(body); err != nil {
			brotliReaderPool.Put(br)
			return nil, fmt.Errorf("brotli initialization error: %w", err)
		}
		return &decodedBody{
			Reader:     br,
			underlying: body,
			closeDecoder: func() error {
				brotliReaderPool.Put(br)
				return nil
			},
		}, nil

	case "deflate":
		dec, err := newDeflateReader(body)
		if err != nil {
			return nil, fmt.Errorf("deflate initialization error: %w", err)
		}
		return &decodedBody{Reader: dec, underlying: body, closeDecoder: dec.Close}, nil

	default:
		return nil, fmt.Errorf("unsupported Content-Encoding layer: %s", encoding)
	}
}

// newDeflateReader accepts both zlib-wrapped (RFC 1950) and raw (RFC 1951)
// deflate streams; servers disagree about which one "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(header) == 2 && isZlibHeader(header[0], header[1]) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
