// Package compress bounds and compresses target responses before storage.
package compress

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"

	"github.com/jdziat/simple-durable-cron/pkg/core"
)

// Encodings recorded alongside stored bodies.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
)

// maxShrinkRounds bounds the prefix search when a compressed body is still too large.
const maxShrinkRounds = 8

// Result is the storable form of a response body.
type Result struct {
	Body         []byte
	Encoding     string
	Compressed   bool
	Truncated    bool
	OriginalSize int64
	StoredSize   int64
}

// Meta converts the result into the execution's response metadata.
func (r Result) Meta(statusCode int) core.ResponseMeta {
	return core.ResponseMeta{
		StatusCode:   statusCode,
		OriginalSize: r.OriginalSize,
		StoredSize:   r.StoredSize,
		Compressed:   r.Compressed,
		Truncated:    r.Truncated,
		Encoding:     r.Encoding,
		Body:         r.Body,
	}
}

// Compressor applies a ResponseConfig to response bodies.
type Compressor struct {
	cfg core.ResponseConfig
}

// New creates a Compressor. Zero sizes fall back to core.DefaultResponseConfig.
func New(cfg core.ResponseConfig) *Compressor {
	def := core.DefaultResponseConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	return &Compressor{cfg: cfg}
}

// Compress returns a representation of body no larger than MaxSize.
// declaredSize is the size reported by the target (e.g. Content-Length or the
// byte count of a stream that was only partially buffered); the larger of it
// and len(body) is kept as OriginalSize. Compress never fails: if gzip
// errors, the raw body is truncated instead.
func (c *Compressor) Compress(body []byte, declaredSize int64) Result {
	original := int64(len(body))
	if declaredSize > original {
		original = declaredSize
	}
	size := int64(len(body))
	res := Result{OriginalSize: original, Encoding: EncodingIdentity}

	if size <= c.cfg.CompressionThreshold && size <= c.cfg.MaxSize && original <= c.cfg.MaxSize {
		res.Body = body
		res.StoredSize = size
		return res
	}

	if c.cfg.CompressionEnabled && size > c.cfg.CompressionThreshold {
		if out, truncated, err := c.compressWithin(body); err == nil {
			res.Body = out
			res.Encoding = EncodingGzip
			res.Compressed = true
			res.Truncated = truncated || original > size
			res.StoredSize = int64(len(out))
			return res
		}
	}

	res.Body = body
	if size > c.cfg.MaxSize {
		res.Body = body[:c.cfg.MaxSize]
	}
	res.Truncated = size > c.cfg.MaxSize || original > size
	res.StoredSize = int64(len(res.Body))
	return res
}

// compressWithin gzips body, shrinking the compressed prefix until the
// output fits MaxSize. The output is always a complete gzip stream.
func (c *Compressor) compressWithin(body []byte) ([]byte, bool, error) {
	out, err := gzipBytes(body)
	if err != nil {
		return nil, false, err
	}
	if int64(len(out)) <= c.cfg.MaxSize {
		return out, false, nil
	}

	n := len(body)
	for i := 0; i < maxShrinkRounds; i++ {
		// Scale the prefix by how far over budget the last attempt was, with headroom.
		n = int(float64(n) * float64(c.cfg.MaxSize) / float64(len(out)) * 0.95)
		if n <= 0 {
			break
		}
		out, err = gzipBytes(body[:n])
		if err != nil {
			return nil, false, err
		}
		if int64(len(out)) <= c.cfg.MaxSize {
			return out, true, nil
		}
	}
	return nil, false, errors.Newf("could not fit compressed body in %d bytes", c.cfg.MaxSize)
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, errors.Wrap(err, "gzip write")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip close")
	}
	return buf.Bytes(), nil
}

// Decompress restores a stored body for readers of execution history.
func Decompress(body []byte, encoding string) ([]byte, error) {
	if encoding != EncodingGzip {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "open gzip body")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip body")
	}
	return out, nil
}
