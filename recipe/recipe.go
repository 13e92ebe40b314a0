// SPDX-License-Identifier: Apache-2.0

// Package recipe decodes the YAML build recipe that drives imgforge: which
// images to produce, where each one's upper tree and optional parent image
// live, and how the result should be compressed and annotated.
package recipe

import (
	"fmt"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"gopkg.in/yaml.v3"
)

// Compression names a layer compression algorithm. It decodes from the same
// three string values the recipe format has always accepted.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionNone Compression = "none"
)

// UnmarshalYAML validates the decoded string against the known compression
// names, rejecting anything else at decode time rather than letting an
// unrecognised value surface later as a confusing blob.ByName failure.
func (c *Compression) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Compression(s) {
	case CompressionGzip, CompressionZstd, CompressionNone, "":
		*c = Compression(s)
		return nil
	default:
		return fmt.Errorf("compression must be one of gzip, zstd, none (got %q)", s)
	}
}

// IDMapping is the recipe-level equivalent of umoci's --uid-map/--gid-map
// flags: a list of "container:host:size" strings, parsed with
// internal/idtools.ParseMapping.
type IDMapping struct {
	UID []string `yaml:"uid,omitempty"`
	GID []string `yaml:"gid,omitempty"`
}

// Parent points at an existing OCI image layout and a manifest index within
// it to use as the base for a new image.
type Parent struct {
	Image string `yaml:"image"`
	Index int    `yaml:"index"`
}

// Image is one entry in the recipe's top-level images list, describing a
// single manifest to produce.
type Image struct {
	OS           string   `yaml:"os"`
	Architecture string   `yaml:"architecture"`
	Variant      string   `yaml:"variant,omitempty"`
	OSVersion    string   `yaml:"os.version,omitempty"`
	OSFeatures   []string `yaml:"os.features,omitempty"`

	Author  string `yaml:"author,omitempty"`
	Comment string `yaml:"comment,omitempty"`

	// Config is decoded directly as an ispec.ImageConfig subset; any field
	// the recipe doesn't set keeps its zero value, exactly as the Python
	// original passed `image["config"]` straight through to the config blob.
	Config ispec.ImageConfig `yaml:"config,omitempty"`

	Parent *Parent `yaml:"parent,omitempty"`

	// Layer is the upper tree to build a new layer from. A nil Layer means
	// this image contributes no new layer -- the resulting history entry is
	// marked EmptyLayer, matching image_builder.py's "layer" not in image
	// branch.
	Layer *string `yaml:"layer,omitempty"`

	IDMapping IDMapping `yaml:"id-mapping,omitempty"`

	Annotations      map[string]string `yaml:"annotations,omitempty"`
	IndexAnnotations map[string]string `yaml:"index-annotations,omitempty"`
}

// Recipe is the top-level document read by `imgforge build`.
type Recipe struct {
	Compression      Compression       `yaml:"compression,omitempty"`
	CompressionLevel *int              `yaml:"compression-level,omitempty"`
	Annotations      map[string]string `yaml:"annotations,omitempty"`
	Images           []Image           `yaml:"images"`
	Output           string            `yaml:"output"`
}

// Decode parses a recipe document and fills in the same defaults cmd.py
// applied: gzip compression, and compression-level 5 when gzip is in use
// and no level was given.
func Decode(data []byte) (*Recipe, error) {
	var rec Recipe
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode recipe: %w", err)
	}

	if rec.Compression == "" {
		rec.Compression = CompressionGzip
	}
	if rec.CompressionLevel == nil && rec.Compression == CompressionGzip {
		level := 5
		rec.CompressionLevel = &level
	}
	if rec.Output == "" {
		return nil, fmt.Errorf("recipe: output is required")
	}
	if len(rec.Images) == 0 {
		return nil, fmt.Errorf("recipe: images must contain at least one entry")
	}
	for i, img := range rec.Images {
		if img.OS == "" || img.Architecture == "" {
			return nil, fmt.Errorf("recipe: images[%d]: os and architecture are required", i)
		}
	}

	return &rec, nil
}
