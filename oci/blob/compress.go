// SPDX-License-Identifier: Apache-2.0

// Package blob wraps an uncompressed layer tar stream into a
// content-addressed blob, writes image config/manifest/index JSON blobs
// into an OCI image layout's blobs/<algo>/<hex> store, and provides the
// compression algorithms used along the way.
package blob

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/apex/log"
	zstd "github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"

	"github.com/imgforge/imgforge/internal/system"
)

// CompressOpts carries the recipe-supplied knobs that affect a compressed
// blob's bytes: the compressor's own level, and -- for gzip, which embeds a
// timestamp in its header -- the SOURCE_DATE_EPOCH to stamp instead of wall
// clock time, ground on the Python original's get_gzip_opts.
type CompressOpts struct {
	// Level is compressor-specific; zero means "use the algorithm's
	// default".
	Level int
	// ModTime, when non-zero, is written into the gzip header's mtime
	// field. Ignored by algorithms that have no header timestamp.
	ModTime time.Time
}

// Algorithm compresses and decompresses a layer blob stream. MediaTypeSuffix
// names the algorithm the way OCI media types do ("gzip", "zstd", "" for no
// compression).
type Algorithm interface {
	MediaTypeSuffix() string
	Compress(plain io.Reader, opts CompressOpts) (io.ReadCloser, error)
	Decompress(compressed io.Reader) (io.ReadCloser, error)
}

// gzipBlockSize matches containerd/docker's buffer size: recompressing a
// layer with a different block size produces different bytes for
// byte-identical input, so this must not change casually.
const gzipBlockSize = 1 << 20

type gzipAlgo struct{}

// Gzip provides concurrent gzip compression via klauspost/pgzip.
var Gzip Algorithm = gzipAlgo{}

func (gzipAlgo) MediaTypeSuffix() string { return "gzip" }

func (gzipAlgo) Compress(plain io.Reader, opts CompressOpts) (io.ReadCloser, error) {
	pr, pw := io.Pipe()

	level := gzip.DefaultCompression
	if opts.Level != 0 {
		level = opts.Level
	}
	gzw, err := gzip.NewWriterLevel(pw, level)
	if err != nil {
		return nil, fmt.Errorf("new gzip writer: %w", err)
	}
	if !opts.ModTime.IsZero() {
		gzw.ModTime = opts.ModTime
	}
	if err := gzw.SetConcurrency(gzipBlockSize, 2*runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("set gzip concurrency: %w", err)
	}
	go func() {
		if _, err := system.Copy(gzw, plain); err != nil {
			log.Warnf("gzip compress: %v", err)
			_ = pw.CloseWithError(fmt.Errorf("compress layer: %w", err))
			return
		}
		if err := gzw.Close(); err != nil {
			_ = pw.CloseWithError(fmt.Errorf("close gzip writer: %w", err))
			return
		}
		_ = pw.Close()
	}()
	return pr, nil
}

func (gzipAlgo) Decompress(compressed io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(compressed)
}

type zstdAlgo struct{}

// Zstd provides zstd compression via klauspost/compress/zstd.
var Zstd Algorithm = zstdAlgo{}

func (zstdAlgo) MediaTypeSuffix() string { return "zstd" }

func (zstdAlgo) Compress(plain io.Reader, opts CompressOpts) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	zstdOpts := []zstd.EOption{}
	if opts.Level != 0 {
		zstdOpts = append(zstdOpts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(opts.Level)))
	}
	zw, err := zstd.NewWriter(pw, zstdOpts...)
	if err != nil {
		return nil, fmt.Errorf("new zstd writer: %w", err)
	}
	go func() {
		if _, err := system.Copy(zw, plain); err != nil {
			log.Warnf("zstd compress: %v", err)
			_ = pw.CloseWithError(fmt.Errorf("compress layer: %w", err))
			return
		}
		if err := zw.Close(); err != nil {
			_ = pw.CloseWithError(fmt.Errorf("close zstd writer: %w", err))
			return
		}
		_ = pw.Close()
	}()
	return pr, nil
}

func (zstdAlgo) Decompress(compressed io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(compressed)
	if err != nil {
		return nil, fmt.Errorf("new zstd reader: %w", err)
	}
	return zr.IOReadCloser(), nil
}

type noopAlgo struct{}

// Noop applies no compression.
var Noop Algorithm = noopAlgo{}

func (noopAlgo) MediaTypeSuffix() string { return "" }
func (noopAlgo) Compress(plain io.Reader, _ CompressOpts) (io.ReadCloser, error) {
	return io.NopCloser(plain), nil
}
func (noopAlgo) Decompress(c io.Reader) (io.ReadCloser, error) { return io.NopCloser(c), nil }

// ByName resolves a recipe-supplied compression name to an Algorithm.
// An empty name resolves to Noop, the same as "none"; an unrecognised name
// returns false, and callers decide how to report it.
func ByName(name string) (Algorithm, bool) {
	switch name {
	case "gzip":
		return Gzip, true
	case "zstd":
		return Zstd, true
	case "", "none":
		return Noop, true
	default:
		return nil, false
	}
}

// MediaType returns the full OCI layer media type this algorithm's output
// should be labelled with.
func MediaType(algo Algorithm) string {
	switch algo.MediaTypeSuffix() {
	case "gzip":
		return "application/vnd.oci.image.layer.v1.tar+gzip"
	case "zstd":
		return "application/vnd.oci.image.layer.v1.tar+zstd"
	default:
		return "application/vnd.oci.image.layer.v1.tar"
	}
}

// AlgorithmForMediaType resolves an existing layer descriptor's mediaType
// back to the Algorithm that can decompress it, so an inherited parent
// layer can be re-read regardless of which compression it was stored with.
func AlgorithmForMediaType(mediaType string) (Algorithm, bool) {
	switch mediaType {
	case "application/vnd.oci.image.layer.v1.tar+gzip":
		return Gzip, true
	case "application/vnd.oci.image.layer.v1.tar+zstd":
		return Zstd, true
	case "application/vnd.oci.image.layer.v1.tar":
		return Noop, true
	default:
		return nil, false
	}
}
