package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

var (
	gzipReaderPool = sync.Pool{New: func() any { return new(gzip.Reader) }}
	// brotli.NewReader(nil) yields a reader ready for Reset.
	brotliReaderPool = sync.Pool{New: func() any { return brotli.NewReader(nil) }}
)

// readBody reads at most limit bytes of body, decoding it according to the
// Content-Encoding value. A limit <= 0 means no limit.
func readBody(body io.Reader, encoding string, limit int64) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		r = body
	case "gzip", "x-gzip":
		zr := gzipReaderPool.Get().(*gzip.Reader)
		if err := zr.Reset(body); err != nil {
			gzipReaderPool.Put(zr)
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() {
			_ = zr.Close()
			gzipReaderPool.Put(zr)
		}()
		r = zr
	case "br":
		br := brotliReaderPool.Get().(*brotli.Reader)
		if err := br.Reset(body); err != nil {
			brotliReaderPool.Put(br)
			return nil, fmt.Errorf("brotli: %w", err)
		}
		defer brotliReaderPool.Put(br)
		r = br
	case "deflate":
		// Servers disagree on whether "deflate" means zlib-wrapped or raw.
		raw, err := io.ReadAll(limitReader(body, limit))
		if err != nil {
			return nil, err
		}
		return inflate(raw, limit)
	default:
		// Unknown coding: hand back the bytes as sent.
		r = body
	}
	return io.ReadAll(limitReader(r, limit))
}

func inflate(raw []byte, limit int64) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		defer zr.Close()
		if out, err := io.ReadAll(limitReader(zr, limit)); err == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	out, err := io.ReadAll(limitReader(fr, limit))
	if err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return out, nil
}

func limitReader(r io.Reader, limit int64) io.Reader {
	if limit <= 0 {
		return r
	}
	return io.LimitReader(r, limit)
}
