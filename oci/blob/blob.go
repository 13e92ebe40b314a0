// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/imgforge/imgforge/internal/system"
)

// layoutVersion is the oci-layout version this store writes. It is not the
// same thing as the image-spec's own Version field semantics, which are
// still underspecified upstream; umoci's own approach of hardcoding this
// value is carried over unchanged.
const layoutVersion = "1.0.0"

const (
	blobDirectory = "blobs"
	indexFile     = "index.json"
	layoutFile    = "oci-layout"
	blobAlgorithm = "sha256"
)

// Store is a content-addressed blob store backed by an OCI image layout
// directory on disk: blobs/sha256/<hex>, plus the index.json and oci-layout
// marker files kept at the layout root.
type Store struct {
	root string
	temp string
}

// NewStore creates (or reuses, if already present) an OCI image layout
// rooted at root, and returns a Store for writing blobs into it.
func NewStore(root string) (*Store, error) {
	blobAlgoDir := filepath.Join(root, blobDirectory, blobAlgorithm)
	if err := os.MkdirAll(blobAlgoDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store %q: %w", blobAlgoDir, err)
	}

	layoutPath := filepath.Join(root, layoutFile)
	if _, err := os.Stat(layoutPath); os.IsNotExist(err) {
		fh, err := os.Create(layoutPath)
		if err != nil {
			return nil, fmt.Errorf("create %q: %w", layoutFile, err)
		}
		defer fh.Close()
		if err := json.NewEncoder(fh).Encode(ispec.ImageLayout{Version: layoutVersion}); err != nil {
			return nil, fmt.Errorf("write %q: %w", layoutFile, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat %q: %w", layoutFile, err)
	}

	temp, err := os.MkdirTemp(root, ".imgforge-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	return &Store{root: root, temp: temp}, nil
}

// Close removes the store's scratch directory. It does not touch anything
// already promoted into blobs/.
func (s *Store) Close() error {
	if err := os.RemoveAll(s.temp); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	return nil
}

// ScratchFile opens a new temporary file in the store's large-scratch area,
// suitable for accumulating an uncompressed layer tar before it is hashed
// and promoted via Put. The caller is responsible for removing it if it is
// never promoted.
func (s *Store) ScratchFile() (*os.File, error) {
	f, err := os.CreateTemp(s.temp, "scratch-")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	return f, nil
}

// Put reads r to completion, computing its SHA-256 digest as it goes, and
// promotes it into the content-addressed store. Put is idempotent: calling
// it twice with identical content is not an error, and the second call's
// write is simply redundant.
func (s *Store) Put(r io.Reader) (digest.Digest, int64, error) {
	fh, err := os.CreateTemp(s.temp, "blob-")
	if err != nil {
		return "", 0, fmt.Errorf("create temporary blob: %w", err)
	}
	tempPath := fh.Name()
	defer os.Remove(tempPath)
	defer fh.Close()

	hash := sha256.New()
	size, err := system.Copy(io.MultiWriter(fh, hash), r)
	if err != nil {
		return "", 0, fmt.Errorf("copy to temporary blob: %w", err)
	}
	if err := fh.Close(); err != nil {
		return "", 0, fmt.Errorf("close temporary blob: %w", err)
	}

	dig := digest.NewDigestFromEncoded(digest.SHA256, fmt.Sprintf("%x", hash.Sum(nil)))
	dest := s.blobPath(dig)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return "", 0, fmt.Errorf("promote blob %s: %w", dig, err)
	}
	return dig, size, nil
}

// PutJSON marshals v and stores it as a blob, returning its digest and
// size. Note that two calls with semantically-equal but differently-keyed
// values can produce different digests, since JSON field ordering is
// significant to content addressing.
func (s *Store) PutJSON(v any) (digest.Digest, int64, error) {
	fh, err := os.CreateTemp(s.temp, "blob-json-")
	if err != nil {
		return "", 0, fmt.Errorf("create temporary json blob: %w", err)
	}
	tempPath := fh.Name()
	defer os.Remove(tempPath)
	defer fh.Close()

	if err := json.NewEncoder(fh).Encode(v); err != nil {
		return "", 0, fmt.Errorf("encode json blob: %w", err)
	}
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewind json blob: %w", err)
	}
	return s.Put(fh)
}

func (s *Store) blobPath(dig digest.Digest) string {
	return filepath.Join(s.root, blobDirectory, dig.Algorithm().String(), dig.Encoded())
}

// BlobPath returns the on-disk path a blob with the given digest would be
// (or already is) stored at.
func (s *Store) BlobPath(dig digest.Digest) string {
	return s.blobPath(dig)
}

// PutIndex atomically replaces the layout's top-level index.json.
func (s *Store) PutIndex(index ispec.Index) error {
	fh, err := os.CreateTemp(s.temp, "index-")
	if err != nil {
		return fmt.Errorf("create temporary index: %w", err)
	}
	tempPath := fh.Name()
	defer fh.Close()

	if err := json.NewEncoder(fh).Encode(index); err != nil {
		return fmt.Errorf("write temporary index: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("close temporary index: %w", err)
	}

	dest := filepath.Join(s.root, indexFile)
	if err := os.Rename(tempPath, dest); err != nil {
		return fmt.Errorf("promote index.json: %w", err)
	}
	return nil
}
