package compression

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Algorithm is an HTTP content coding.
type Algorithm string

const (
	Identity Algorithm = "identity"
	Gzip     Algorithm = "gzip"
	Zstd     Algorithm = "zstd"
)

// Negotiate picks the coding to answer with from an Accept-Encoding header.
// zstd wins over gzip; anything else falls back to identity.
func Negotiate(acceptEncoding string) Algorithm {
	var gz bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch Algorithm(strings.ToLower(name)) {
		case Zstd:
			return Zstd
		case Gzip:
			gz = true
		}
	}
	if gz {
		return Gzip
	}
	return Identity
}

// ErrTooLarge is returned by Decompress when the decoded stream exceeds
// its limit.
var ErrTooLarge = errors.New("decoded data exceeds limit")

// Compress copies r into w encoded with alg.
func Compress(alg Algorithm, r io.Reader, w io.Writer) error {
	var enc io.WriteCloser
	switch alg {
	case Identity, "":
		_, err := io.Copy(w, r)
		return err
	case Gzip:
		enc = gzip.NewWriter(w)
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		enc = zw
	default:
		return fmt.Errorf("unsupported content coding %q", alg)
	}

	if _, err := io.Copy(enc, r); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Decompress copies r decoded with alg into w. At most limit decoded bytes
// are accepted; past that it fails with ErrTooLarge.
func Decompress(alg Algorithm, r io.Reader, w io.Writer, limit int64) error {
	var dec io.Reader
	switch alg {
	case Identity, "":
		dec = r
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer gz.Close()
		dec = gz
	case Zstd:
		// 8 MiB is the default encoder window
		zr, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(uint64(max(limit+1, 8<<20))))
		if err != nil {
			return err
		}
		defer zr.Close()
		dec = zr
	default:
		return fmt.Errorf("unsupported content coding %q", alg)
	}

	n, err := io.Copy(w, io.LimitReader(dec, limit+1))
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return fmt.Errorf("%s frame over %d bytes: %w", alg, limit, ErrTooLarge)
	}
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("%s stream over %d bytes: %w", alg, limit, ErrTooLarge)
	}
	return nil
}
