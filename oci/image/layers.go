// SPDX-License-Identifier: Apache-2.0

package image

import (
	"fmt"
	"io"
	"os"
	"time"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/imgforge/imgforge/internal/system"
	"github.com/imgforge/imgforge/oci/blob"
	"github.com/imgforge/imgforge/oci/layer"
)

// inheritLayers copies every layer a parent image contributed into store,
// so the image being built is a self-contained layout rather than one that
// references blobs living under a different path. A layer whose existing
// compression already matches target is copied through byte-for-byte (Put
// is content-addressed, so this reproduces the same digest); otherwise it
// is decompressed and recompressed with target. Ground on
// image_builder.py's extract_oci_image_info, which does the same
// recompress-or-passthrough dance per inherited layer.
func inheritLayers(store *blob.Store, parentRoot string, descs []ispec.Descriptor, target blob.Algorithm, level int, created time.Time) ([]ispec.Descriptor, error) {
	out := make([]ispec.Descriptor, len(descs))
	for i, desc := range descs {
		nd, err := reencodeLayer(store, parentRoot, desc, target, level, created)
		if err != nil {
			return nil, fmt.Errorf("inherit layer %d: %w", i, err)
		}
		out[i] = nd
	}
	return out, nil
}

func reencodeLayer(store *blob.Store, parentRoot string, desc ispec.Descriptor, target blob.Algorithm, level int, created time.Time) (ispec.Descriptor, error) {
	f, err := os.Open(blobPathIn(parentRoot, desc.Digest))
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("open parent layer blob: %w", err)
	}
	defer f.Close()

	if blob.MediaType(target) == desc.MediaType {
		dig, size, err := store.Put(f)
		if err != nil {
			return ispec.Descriptor{}, fmt.Errorf("copy parent layer blob: %w", err)
		}
		return ispec.Descriptor{MediaType: desc.MediaType, Digest: dig, Size: size}, nil
	}

	srcAlgo, ok := blob.AlgorithmForMediaType(desc.MediaType)
	if !ok {
		return ispec.Descriptor{}, fmt.Errorf("unsupported parent layer media type %q", desc.MediaType)
	}
	plain, err := srcAlgo.Decompress(f)
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("decompress parent layer: %w", err)
	}
	defer plain.Close()

	recompressed, err := target.Compress(plain, blob.CompressOpts{Level: level, ModTime: created})
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("recompress parent layer: %w", err)
	}
	defer recompressed.Close()

	dig, size, err := store.Put(recompressed)
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("store recompressed layer: %w", err)
	}
	return ispec.Descriptor{MediaType: blob.MediaType(target), Digest: dig, Size: size}, nil
}

// openLowers decompresses each of descs (already present in store) into a
// seekable scratch file, giving the oci/layer core the
// io.ReadSeeker-backed lower stack it needs to fold and re-read content
// from (see oci/layer.LowerSource). The returned cleanup removes every
// scratch file it created, even if an error aborted partway through.
func openLowers(store *blob.Store, descs []ispec.Descriptor) (_ []layer.LowerSource, cleanup func() error, Err error) {
	var scratchFiles []*os.File
	cleanup = func() error {
		var firstErr error
		for _, f := range scratchFiles {
			if err := os.Remove(f.Name()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	defer func() {
		if Err != nil {
			_ = cleanup()
		}
	}()

	sources := make([]layer.LowerSource, 0, len(descs))
	for _, desc := range descs {
		algo, ok := blob.AlgorithmForMediaType(desc.MediaType)
		if !ok {
			return nil, nil, fmt.Errorf("unsupported layer media type %q", desc.MediaType)
		}

		f, err := os.Open(store.BlobPath(desc.Digest))
		if err != nil {
			return nil, nil, fmt.Errorf("open layer blob: %w", err)
		}
		rc, err := algo.Decompress(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("decompress layer blob: %w", err)
		}

		scratch, err := store.ScratchFile()
		if err != nil {
			rc.Close()
			f.Close()
			return nil, nil, err
		}
		scratchFiles = append(scratchFiles, scratch)
		_, copyErr := system.Copy(scratch, rc)
		rc.Close()
		f.Close()
		if copyErr != nil {
			return nil, nil, fmt.Errorf("materialize lower layer: %w", copyErr)
		}
		if _, err := scratch.Seek(0, io.SeekStart); err != nil {
			return nil, nil, fmt.Errorf("rewind lower layer: %w", err)
		}

		sources = append(sources, scratch)
	}
	return sources, cleanup, nil
}
