package solr

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// zstdDec is a concurrent-safe zstd decoder.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(256<<20),
	)
	if err != nil {
		panic("solr: init zstd decoder: " + err.Error())
	}
}

// acceptEncoding is advertised on every request.
const acceptEncoding = "zstd, br, gzip"

// readBody reads and decompresses a response body based on its
// Content-Encoding. Output is limited to maxBytes of decompressed data.
func readBody(body io.Reader, contentEncoding string, maxBytes int64) ([]byte, error) {
	switch contentEncoding {
	case "zstd":
		compressed, err := io.ReadAll(io.LimitReader(body, maxBytes))
		if err != nil {
			return nil, fmt.Errorf("read compressed body: %w", err)
		}
		decompressed, err := zstdDec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
		return decompressed, nil

	case "br":
		return io.ReadAll(io.LimitReader(brotli.NewReader(body), maxBytes))

	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		return io.ReadAll(io.LimitReader(gz, maxBytes))

	case "", "identity":
		return io.ReadAll(io.LimitReader(body, maxBytes))

	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %q", contentEncoding)
	}
}
