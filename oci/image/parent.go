// SPDX-License-Identifier: Apache-2.0

package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/blang/semver/v4"

	"github.com/imgforge/imgforge/recipe"
)

// supportedLayoutRange is the range of oci-layout imageLayoutVersion values
// this build understands how to read. umoci itself hardcodes "1.0.0" when
// writing; this is the read-side counterpart, generalised slightly so a
// future 1.x layout doesn't need a code change to be accepted.
const supportedLayoutRange = ">=1.0.0 <2.0.0"

// parentImage is everything readParent extracts from an existing OCI image
// layout: enough to prepend its layers and inherit its history, mirroring
// what image_builder.py's extract_oci_image_info returns.
type parentImage struct {
	layerDescs []ispec.Descriptor
	diffIDs    []digest.Digest
	history    []ispec.History
	platform   ispec.Platform
}

func blobPathIn(root string, dig digest.Digest) string {
	return filepath.Join(root, "blobs", dig.Algorithm().String(), dig.Encoded())
}

func readJSONBlob(root string, dig digest.Digest, v any) error {
	data, err := os.ReadFile(blobPathIn(root, dig))
	if err != nil {
		return fmt.Errorf("read blob %s: %w", dig, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode blob %s: %w", dig, err)
	}
	return nil
}

// readParent validates the parent layout's oci-layout version, then reads
// the manifest at ref.Index out of its index.json, its referenced config,
// and returns the state build needs to extend it. Ground on
// image_builder.py's extract_oci_image_info.
func readParent(ref recipe.Parent) (*parentImage, error) {
	layoutData, err := os.ReadFile(filepath.Join(ref.Image, "oci-layout"))
	if err != nil {
		return nil, fmt.Errorf("read parent oci-layout: %w", err)
	}
	var layout ispec.ImageLayout
	if err := json.Unmarshal(layoutData, &layout); err != nil {
		return nil, fmt.Errorf("decode parent oci-layout: %w", err)
	}

	rng, err := semver.ParseRange(supportedLayoutRange)
	if err != nil {
		// Unreachable: supportedLayoutRange is a constant.
		return nil, fmt.Errorf("parse supported layout range: %w", err)
	}
	version, err := semver.Parse(layout.Version)
	if err != nil {
		return nil, fmt.Errorf("parse parent imageLayoutVersion %q: %w", layout.Version, err)
	}
	if !rng(version) {
		return nil, fmt.Errorf("parent layout version %q is not in supported range %q", layout.Version, supportedLayoutRange)
	}

	indexData, err := os.ReadFile(filepath.Join(ref.Image, "index.json"))
	if err != nil {
		return nil, fmt.Errorf("read parent index.json: %w", err)
	}
	var idx ispec.Index
	if err := json.Unmarshal(indexData, &idx); err != nil {
		return nil, fmt.Errorf("decode parent index.json: %w", err)
	}
	if ref.Index < 0 || ref.Index >= len(idx.Manifests) {
		return nil, fmt.Errorf("parent index %d out of range (index.json has %d manifests)", ref.Index, len(idx.Manifests))
	}
	manifestDesc := idx.Manifests[ref.Index]

	var manifest ispec.Manifest
	if err := readJSONBlob(ref.Image, manifestDesc.Digest, &manifest); err != nil {
		return nil, fmt.Errorf("read parent manifest: %w", err)
	}

	var config ispec.Image
	if err := readJSONBlob(ref.Image, manifest.Config.Digest, &config); err != nil {
		return nil, fmt.Errorf("read parent config: %w", err)
	}

	diffIDs := make([]digest.Digest, len(config.RootFS.DiffIDs))
	copy(diffIDs, config.RootFS.DiffIDs)

	platform := ispec.Platform{Architecture: config.Architecture, OS: config.OS}
	if manifestDesc.Platform != nil {
		platform = *manifestDesc.Platform
	}

	return &parentImage{
		layerDescs: manifest.Layers,
		diffIDs:    diffIDs,
		history:    config.History,
		platform:   platform,
	}, nil
}
