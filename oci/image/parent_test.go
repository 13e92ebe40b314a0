// SPDX-License-Identifier: Apache-2.0

package image

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgforge/imgforge/oci/blob"
	"github.com/imgforge/imgforge/recipe"
)

// buildFixtureLayout writes a minimal, valid one-manifest OCI layout under
// dir and returns the index it wrote, for readParent to be exercised
// against.
func buildFixtureLayout(t *testing.T, dir string) ispec.Index {
	t.Helper()

	store, err := blob.NewStore(dir)
	require.NoError(t, err)
	defer store.Close()

	layerDigest, layerSize, err := store.Put(strings.NewReader("layer-bytes"))
	require.NoError(t, err)

	configDigest, configSize, err := store.PutJSON(ispec.Image{
		Architecture: "amd64",
		OS:           "linux",
		RootFS: ispec.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{digest.FromString("diff-0")},
		},
		History: []ispec.History{{Comment: "base layer"}},
	})
	require.NoError(t, err)

	manifestDigest, manifestSize, err := store.PutJSON(ispec.Manifest{
		Versioned: ispec.Versioned{SchemaVersion: 2},
		MediaType: ispec.MediaTypeImageManifest,
		Config: ispec.Descriptor{
			MediaType: ispec.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      configSize,
		},
		Layers: []ispec.Descriptor{
			{MediaType: "application/vnd.oci.image.layer.v1.tar", Digest: layerDigest, Size: layerSize},
		},
	})
	require.NoError(t, err)

	idx := ispec.Index{
		Versioned: ispec.Versioned{SchemaVersion: 2},
		MediaType: ispec.MediaTypeImageIndex,
		Manifests: []ispec.Descriptor{
			{
				MediaType: ispec.MediaTypeImageManifest,
				Digest:    manifestDigest,
				Size:      manifestSize,
				Platform:  &ispec.Platform{OS: "linux", Architecture: "amd64"},
			},
		},
	}
	require.NoError(t, store.PutIndex(idx))
	return idx
}

func TestReadParentExtractsLayersDiffIDsHistory(t *testing.T) {
	dir := t.TempDir()
	buildFixtureLayout(t, dir)

	parent, err := readParent(recipe.Parent{Image: dir, Index: 0})
	require.NoError(t, err)

	require.Len(t, parent.layerDescs, 1)
	require.Len(t, parent.diffIDs, 1)
	assert.Equal(t, digest.FromString("diff-0"), parent.diffIDs[0])
	require.Len(t, parent.history, 1)
	assert.Equal(t, "base layer", parent.history[0].Comment)
	assert.Equal(t, "linux", parent.platform.OS)
	assert.Equal(t, "amd64", parent.platform.Architecture)
}

func TestReadParentRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	buildFixtureLayout(t, dir)

	_, err := readParent(recipe.Parent{Image: dir, Index: 5})
	assert.Error(t, err)
}

func TestReadParentRejectsUnsupportedLayoutVersion(t *testing.T) {
	dir := t.TempDir()
	buildFixtureLayout(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "oci-layout"), []byte(`{"imageLayoutVersion":"2.0.0"}`), 0o644))

	_, err := readParent(recipe.Parent{Image: dir, Index: 0})
	assert.Error(t, err)
}

func TestReadParentMissingLayoutErrors(t *testing.T) {
	_, err := readParent(recipe.Parent{Image: t.TempDir(), Index: 0})
	assert.Error(t, err)
}
