// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreCreatesLayout(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	defer store.Close()

	assert.DirExists(t, filepath.Join(root, "blobs", "sha256"))

	data, err := os.ReadFile(filepath.Join(root, "oci-layout"))
	require.NoError(t, err)
	var layout ispec.ImageLayout
	require.NoError(t, json.Unmarshal(data, &layout))
	assert.Equal(t, layoutVersion, layout.Version)
}

func TestNewStoreReusesExistingLayout(t *testing.T) {
	root := t.TempDir()
	store1, err := NewStore(root)
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	store2, err := NewStore(root)
	require.NoError(t, err)
	defer store2.Close()

	data, err := os.ReadFile(filepath.Join(root, "oci-layout"))
	require.NoError(t, err)
	var layout ispec.ImageLayout
	require.NoError(t, json.Unmarshal(data, &layout))
	assert.Equal(t, layoutVersion, layout.Version)
}

func TestStorePutIsContentAddressed(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	defer store.Close()

	dig, size, err := store.Put(bytes.NewBufferString("hello world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.Equal(t, "sha256", dig.Algorithm().String())

	content, err := os.ReadFile(store.BlobPath(dig))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	// Putting identical content twice must not error and must land at the
	// same digest.
	dig2, _, err := store.Put(bytes.NewBufferString("hello world"))
	require.NoError(t, err)
	assert.Equal(t, dig, dig2)
}

func TestStorePutJSON(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	defer store.Close()

	img := ispec.Image{Architecture: "amd64", OS: "linux"}
	dig, _, err := store.PutJSON(img)
	require.NoError(t, err)

	data, err := os.ReadFile(store.BlobPath(dig))
	require.NoError(t, err)
	var got ispec.Image
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, img, got)
}

func TestStorePutIndex(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	defer store.Close()

	idx := ispec.Index{
		Versioned: ispec.Versioned{SchemaVersion: 2},
		Manifests: []ispec.Descriptor{
			{MediaType: ispec.MediaTypeImageManifest, Digest: "sha256:deadbeef", Size: 42},
		},
	}
	require.NoError(t, store.PutIndex(idx))

	data, err := os.ReadFile(filepath.Join(root, "index.json"))
	require.NoError(t, err)
	var got ispec.Index
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, idx.Manifests, got.Manifests)
}

func TestScratchFileIsRemovedOnClose(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	f, err := store.ScratchFile()
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())

	require.NoError(t, store.Close())
	assert.NoFileExists(t, path)
}
