// SPDX-License-Identifier: Apache-2.0

// Package image assembles OCI image config/manifest/index blobs out of a
// recipe.Image description, optionally building a new layer with oci/layer
// and optionally inheriting an existing image's layer stack and history.
package image

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/mohae/deepcopy"

	"github.com/imgforge/imgforge/internal/funchelpers"
	"github.com/imgforge/imgforge/internal/idtools"
	"github.com/imgforge/imgforge/oci/blob"
	"github.com/imgforge/imgforge/oci/layer"
	"github.com/imgforge/imgforge/recipe"
)

// BuildConfig carries the settings shared across every image in a recipe
// invocation: the chosen compressor and its level, the build-wide
// reproducibility timestamp, and the rootless flag. The output store is
// passed to BuildImage separately.
type BuildConfig struct {
	SourceDateEpoch  *time.Time
	Compression      blob.Algorithm
	CompressionLevel int

	// Rootless is threaded into every built layer's MapOptions.Rootless.
	// It is computed once, at the CLI boundary, from whether imgforge
	// itself is running inside a user namespace.
	Rootless bool
}

// BuildImage builds one manifest for rec, writing every blob it produces
// into store, and returns the resulting manifest descriptor ready to be
// collected into an index.json by BuildIndex. Ground on
// image_builder.py:build_image and mutate.Mutator's Set/Add/Commit
// sequence.
func BuildImage(rec recipe.Image, store *blob.Store, cfg BuildConfig) (_ ispec.Descriptor, Err error) {
	var (
		layerDescs []ispec.Descriptor
		diffIDs    []digest.Digest
		history    []ispec.History
	)

	created := time.Now().UTC()
	if cfg.SourceDateEpoch != nil {
		created = cfg.SourceDateEpoch.UTC()
	}

	var parentPlatform *ispec.Platform
	if rec.Parent != nil {
		parent, err := readParent(*rec.Parent)
		if err != nil {
			return ispec.Descriptor{}, fmt.Errorf("read parent image: %w", err)
		}
		// Two recipe images can point at the same parent path, so the
		// inherited slices must be deep-copied before this image starts
		// mutating them.
		layerDescs = deepcopy.Copy(parent.layerDescs).([]ispec.Descriptor)
		diffIDs = deepcopy.Copy(parent.diffIDs).([]digest.Digest)
		history = deepcopy.Copy(parent.history).([]ispec.History)
		parentPlatform = &parent.platform

		// The inherited layers live under the parent's own layout path;
		// copy (or recompress, if the target compression differs) each
		// one into this build's output store so the result is a
		// self-contained layout.
		layerDescs, err = inheritLayers(store, rec.Parent.Image, layerDescs, cfg.Compression, cfg.CompressionLevel, created)
		if err != nil {
			return ispec.Descriptor{}, fmt.Errorf("inherit parent layers: %w", err)
		}
	}

	if rec.Layer != nil {
		desc, diffID, err := buildNewLayer(rec, store, cfg, layerDescs, created)
		if err != nil {
			return ispec.Descriptor{}, fmt.Errorf("build layer: %w", err)
		}
		layerDescs = append(layerDescs, desc)
		diffIDs = append(diffIDs, diffID)
		history = append(history, ispec.History{
			Created:   &created,
			Author:    rec.Author,
			Comment:   rec.Comment,
			CreatedBy: "imgforge build",
		})
	} else {
		history = append(history, ispec.History{
			Created:    &created,
			Author:     rec.Author,
			Comment:    rec.Comment,
			EmptyLayer: true,
		})
	}

	imgConfig := rec.Config
	if imgConfig.User != "" && rec.Layer != nil {
		resolved, err := resolveUser(*rec.Layer, imgConfig.User)
		if err != nil {
			return ispec.Descriptor{}, fmt.Errorf("resolve config.user: %w", err)
		}
		imgConfig.User = resolved
	}

	config := ispec.Image{
		Created:      &created,
		Author:       rec.Author,
		Architecture: rec.Architecture,
		OS:           rec.OS,
		Variant:      rec.Variant,
		OSVersion:    rec.OSVersion,
		OSFeatures:   rec.OSFeatures,
		Config:       imgConfig,
		RootFS: ispec.RootFS{
			Type:    "layers",
			DiffIDs: diffIDs,
		},
		History: history,
	}

	configDigest, configSize, err := store.PutJSON(config)
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("store config blob: %w", err)
	}

	manifest := ispec.Manifest{
		Versioned: ispec.Versioned{SchemaVersion: 2},
		MediaType: ispec.MediaTypeImageManifest,
		Config: ispec.Descriptor{
			MediaType: ispec.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      configSize,
		},
		Layers: layerDescs,
	}
	if len(rec.Annotations) > 0 {
		manifest.Annotations = rec.Annotations
	}

	manifestDigest, manifestSize, err := store.PutJSON(manifest)
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("store manifest blob: %w", err)
	}

	target := targetPlatform(rec)
	if parentPlatform != nil {
		checkParentPlatform(target, *parentPlatform)
	}

	desc := ispec.Descriptor{
		MediaType: ispec.MediaTypeImageManifest,
		Digest:    manifestDigest,
		Size:      manifestSize,
		Platform:  &target,
	}
	if len(rec.IndexAnnotations) > 0 {
		desc.Annotations = rec.IndexAnnotations
	}
	return desc, nil
}

// buildNewLayer runs the oci/layer core against rec.Layer, using
// inheritedLayers (already appended to the manifest so far) as the lower
// stack, then compresses and stores the result.
func buildNewLayer(rec recipe.Image, store *blob.Store, cfg BuildConfig, inheritedLayers []ispec.Descriptor, created time.Time) (_ ispec.Descriptor, _ digest.Digest, Err error) {
	lowers, cleanup, err := openLowers(store, inheritedLayers)
	if err != nil {
		return ispec.Descriptor{}, "", err
	}
	defer func() {
		if err := cleanup(); err != nil && Err == nil {
			Err = err
		}
	}()

	mapOptions, err := buildMapOptions(rec.IDMapping)
	if err != nil {
		return ispec.Descriptor{}, "", fmt.Errorf("parse id-mapping: %w", err)
	}
	mapOptions.Rootless = cfg.Rootless

	plainTar, err := store.ScratchFile()
	if err != nil {
		return ispec.Descriptor{}, "", err
	}
	defer funchelpers.VerifyClose(&Err, plainTar)

	coreCfg := layer.Config{SourceDateEpoch: cfg.SourceDateEpoch, MapOptions: mapOptions}
	if err := layer.CreateLayer(plainTar, *rec.Layer, lowers, coreCfg); err != nil {
		return ispec.Descriptor{}, "", fmt.Errorf("create layer: %w", err)
	}
	if _, err := plainTar.Seek(0, io.SeekStart); err != nil {
		return ispec.Descriptor{}, "", fmt.Errorf("rewind layer tar: %w", err)
	}

	diffHash := sha256.New()
	compressed, err := cfg.Compression.Compress(io.TeeReader(plainTar, diffHash), blob.CompressOpts{
		Level:   cfg.CompressionLevel,
		ModTime: created,
	})
	if err != nil {
		return ispec.Descriptor{}, "", fmt.Errorf("compress layer: %w", err)
	}

	layerDigest, layerSize, err := store.Put(compressed)
	if err != nil {
		return ispec.Descriptor{}, "", fmt.Errorf("store layer blob: %w", err)
	}
	if err := compressed.Close(); err != nil {
		return ispec.Descriptor{}, "", fmt.Errorf("close compressor: %w", err)
	}

	diffID := digest.NewDigestFromEncoded(digest.SHA256, fmt.Sprintf("%x", diffHash.Sum(nil)))

	return ispec.Descriptor{
		MediaType: blob.MediaType(cfg.Compression),
		Digest:    layerDigest,
		Size:      layerSize,
	}, diffID, nil
}

// buildMapOptions translates the recipe's "container:host:size" mapping
// strings into layer.MapOptions via idtools.ParseMapping, the same parser
// umoci's --uid-map/--gid-map flags use.
func buildMapOptions(idm recipe.IDMapping) (layer.MapOptions, error) {
	var opts layer.MapOptions
	for _, spec := range idm.UID {
		m, err := idtools.ParseMapping(spec)
		if err != nil {
			return layer.MapOptions{}, fmt.Errorf("uid mapping %q: %w", spec, err)
		}
		opts.UIDMappings = append(opts.UIDMappings, m)
	}
	for _, spec := range idm.GID {
		m, err := idtools.ParseMapping(spec)
		if err != nil {
			return layer.MapOptions{}, fmt.Errorf("gid mapping %q: %w", spec, err)
		}
		opts.GIDMappings = append(opts.GIDMappings, m)
	}
	return opts, nil
}
