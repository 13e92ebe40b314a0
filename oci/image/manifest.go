// SPDX-License-Identifier: Apache-2.0

package image

import (
	"github.com/apex/log"
	"github.com/containerd/platforms"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/imgforge/imgforge/recipe"
)

// targetPlatform derives the ispec.Platform a recipe image describes,
// normalised the same way containerd matches platforms elsewhere in the
// ecosystem, so this tool's own variant/os.version spelling agrees with
// what a puller using containerd/platforms would expect.
func targetPlatform(rec recipe.Image) ispec.Platform {
	return platforms.Normalize(ispec.Platform{
		Architecture: rec.Architecture,
		OS:           rec.OS,
		OSVersion:    rec.OSVersion,
		OSFeatures:   rec.OSFeatures,
		Variant:      rec.Variant,
	})
}

// checkParentPlatform logs a warning (it is not a hard error: a recipe is
// allowed to deliberately retarget a derived image) when a parent's
// platform doesn't match the platform the new image declares.
func checkParentPlatform(target, parent ispec.Platform) {
	if !platforms.NewMatcher(target).Match(parent) {
		log.Warnf("parent image platform %s does not match target platform %s",
			platforms.Format(parent), platforms.Format(target))
	}
}
