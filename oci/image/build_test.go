// SPDX-License-Identifier: Apache-2.0

package image

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgforge/imgforge/oci/blob"
	"github.com/imgforge/imgforge/recipe"
)

func newTestStore(t *testing.T) (*blob.Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := blob.NewStore(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, root
}

func writeUpperTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0o644))
	return root
}

func TestBuildImageMetadataOnly(t *testing.T) {
	store, root := newTestStore(t)
	epoch := time.Unix(1700000000, 0)

	desc, err := BuildImage(recipe.Image{
		OS:           "linux",
		Architecture: "amd64",
		Author:       "tester",
		Comment:      "metadata only",
	}, store, BuildConfig{
		SourceDateEpoch:  &epoch,
		Compression:      blob.Gzip,
		CompressionLevel: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, ispec.MediaTypeImageManifest, desc.MediaType)
	require.NotNil(t, desc.Platform)
	assert.Equal(t, "linux", desc.Platform.OS)

	var manifest ispec.Manifest
	require.NoError(t, readJSONBlob(root, desc.Digest, &manifest))
	assert.Empty(t, manifest.Layers)

	var config ispec.Image
	require.NoError(t, readJSONBlob(root, manifest.Config.Digest, &config))
	require.Len(t, config.History, 1)
	assert.True(t, config.History[0].EmptyLayer)
	assert.Empty(t, config.RootFS.DiffIDs)
}

func TestBuildImageWithNewLayer(t *testing.T) {
	store, root := newTestStore(t)
	upper := writeUpperTree(t)
	epoch := time.Unix(1700000000, 0)

	desc, err := BuildImage(recipe.Image{
		OS:           "linux",
		Architecture: "amd64",
		Layer:        &upper,
	}, store, BuildConfig{
		SourceDateEpoch:  &epoch,
		Compression:      blob.Gzip,
		CompressionLevel: 5,
	})
	require.NoError(t, err)

	var manifest ispec.Manifest
	require.NoError(t, readJSONBlob(root, desc.Digest, &manifest))
	require.Len(t, manifest.Layers, 1)
	assert.Equal(t, "application/vnd.oci.image.layer.v1.tar+gzip", manifest.Layers[0].MediaType)

	var config ispec.Image
	require.NoError(t, readJSONBlob(root, manifest.Config.Digest, &config))
	require.Len(t, config.RootFS.DiffIDs, 1)
	require.Len(t, config.History, 1)
	assert.False(t, config.History[0].EmptyLayer)
}

func TestBuildImageInheritsParentAndRecompresses(t *testing.T) {
	parentDir := t.TempDir()
	buildFixtureLayout(t, parentDir)

	store, root := newTestStore(t)
	epoch := time.Unix(1700000000, 0)

	desc, err := BuildImage(recipe.Image{
		OS:           "linux",
		Architecture: "amd64",
		Parent:       &recipe.Parent{Image: parentDir, Index: 0},
	}, store, BuildConfig{
		SourceDateEpoch:  &epoch,
		Compression:      blob.Zstd,
		CompressionLevel: 3,
	})
	require.NoError(t, err)

	var manifest ispec.Manifest
	require.NoError(t, readJSONBlob(root, desc.Digest, &manifest))
	require.Len(t, manifest.Layers, 1)
	// Parent layer was stored uncompressed ("tar"); target compression is
	// zstd, so the inherited layer must have been recompressed and now
	// lives under the new store with a zstd media type.
	assert.Equal(t, "application/vnd.oci.image.layer.v1.tar+zstd", manifest.Layers[0].MediaType)
	assert.FileExists(t, store.BlobPath(manifest.Layers[0].Digest))

	var config ispec.Image
	require.NoError(t, readJSONBlob(root, manifest.Config.Digest, &config))
	require.Len(t, config.RootFS.DiffIDs, 1)
	// The parent's own history entry, followed by this image's EmptyLayer
	// entry (the recipe image has no layer of its own).
	require.Len(t, config.History, 2)
	assert.Equal(t, "base layer", config.History[0].Comment)
}

func TestBuildImageResolvesSymbolicUser(t *testing.T) {
	store, root := newTestStore(t)
	upper := writeUpperTree(t)
	writeUserFiles(t, upper)
	epoch := time.Unix(1700000000, 0)

	desc, err := BuildImage(recipe.Image{
		OS:           "linux",
		Architecture: "amd64",
		Layer:        &upper,
		Config:       ispec.ImageConfig{User: "www-data:www-data"},
	}, store, BuildConfig{
		SourceDateEpoch:  &epoch,
		Compression:      blob.Gzip,
		CompressionLevel: 1,
	})
	require.NoError(t, err)

	var manifest ispec.Manifest
	require.NoError(t, readJSONBlob(root, desc.Digest, &manifest))

	var config ispec.Image
	require.NoError(t, readJSONBlob(root, manifest.Config.Digest, &config))
	assert.Equal(t, "33:33", config.Config.User)
}
