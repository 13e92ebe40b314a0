// SPDX-License-Identifier: Apache-2.0

// Package layer implements the layer builder: given an "upper" directory
// tree and an ordered stack of "lower" layer tar streams, it produces a
// single new tar stream that, when overlaid on the lowers, reproduces the
// upper tree exactly.
package layer

import (
	"time"

	rspec "github.com/opencontainers/runtime-spec/specs-go"
)

// whPrefix is the prefix used for whiteout entries in an OCI layer tar
// archive. An expanded filesystem tree can never contain an entry whose
// basename starts with this prefix.
const whPrefix = ".wh."

// whOpaque is the full basename of the special whiteout that marks a
// directory as opaque: all entries inherited from earlier layers are
// dropped before the layer containing the opaque whiteout contributes its
// own entries.
const whOpaque = whPrefix + whPrefix + ".opq"

// MapOptions describes an optional UID/GID remapping applied to every entry
// emitted by CreateLayer. This has no equivalent in the upstream Python
// implementation this tool is based on, but the same mapping primitives
// umoci uses for unpacking/repacking rootfs layers apply equally well here,
// so it is exposed as an opt-in recipe feature (see recipe.IDMapping).
type MapOptions struct {
	// UIDMappings and GIDMappings remap UIDs/GIDs recorded in the generated
	// layer. A nil/empty mapping is a no-op.
	UIDMappings []rspec.LinuxIDMapping
	GIDMappings []rspec.LinuxIDMapping

	// Rootless indicates the upper tree is being read from inside a user
	// namespace, where host ids outside the mapping's configured range
	// reflect the namespace's own overflow id rather than a genuine
	// mapping gap. When true, such ids are passed through unmapped instead
	// of failing the build.
	Rootless bool
}

// Config controls how CreateLayer builds the output tar stream.
type Config struct {
	// SourceDateEpoch, when non-nil, overrides the mtime of every emitted
	// entry (directories, whiteouts, and files) with this timestamp, making
	// the output byte-for-byte reproducible across builds with identical
	// inputs. This is threaded in explicitly by the caller (normally read
	// once from the SOURCE_DATE_EPOCH environment variable at the CLI
	// boundary) rather than read from the environment inside this package.
	SourceDateEpoch *time.Time

	// MapOptions is an optional UID/GID remapping applied to generated
	// entries.
	MapOptions MapOptions
}

// epochOrElse returns cfg's SOURCE_DATE_EPOCH if set, else fallback.
func (cfg Config) epochOrElse(fallback int64) int64 {
	if cfg.SourceDateEpoch != nil {
		return cfg.SourceDateEpoch.Unix()
	}
	return fallback
}
