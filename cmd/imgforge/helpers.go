// SPDX-License-Identifier: Apache-2.0

package main

import (
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func emptyIndex() ispec.Index {
	return ispec.Index{
		Versioned: ispec.Versioned{SchemaVersion: 2},
		MediaType: ispec.MediaTypeImageIndex,
		Manifests: []ispec.Descriptor{},
	}
}
