// SPDX-License-Identifier: Apache-2.0

package image

import (
	"fmt"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/imgforge/imgforge/oci/blob"
)

// BuildIndex writes the top-level index.json (and, via NewStore, the
// oci-layout marker) for outputDir, collecting one manifest descriptor per
// recipe image. Ground on image_builder.py's build_images and
// oci/cas/dir/dir.go's PutIndex.
func BuildIndex(outputDir string, descs []ispec.Descriptor, annotations map[string]string) error {
	store, err := blob.NewStore(outputDir)
	if err != nil {
		return fmt.Errorf("open output layout %q: %w", outputDir, err)
	}
	defer store.Close()

	idx := ispec.Index{
		Versioned: ispec.Versioned{SchemaVersion: 2},
		MediaType: ispec.MediaTypeImageIndex,
		Manifests: descs,
	}
	if len(annotations) > 0 {
		idx.Annotations = annotations
	}

	if err := store.PutIndex(idx); err != nil {
		return fmt.Errorf("write index.json: %w", err)
	}
	return nil
}
