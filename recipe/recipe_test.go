// SPDX-License-Identifier: Apache-2.0

package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAppliesGzipDefault(t *testing.T) {
	rec, err := Decode([]byte(`
output: /tmp/out
images:
  - os: linux
    architecture: amd64
`))
	require.NoError(t, err)
	assert.Equal(t, CompressionGzip, rec.Compression)
	require.NotNil(t, rec.CompressionLevel)
	assert.Equal(t, 5, *rec.CompressionLevel)
}

func TestDecodeExplicitCompressionLevelPreserved(t *testing.T) {
	rec, err := Decode([]byte(`
output: /tmp/out
compression: gzip
compression-level: 9
images:
  - os: linux
    architecture: amd64
`))
	require.NoError(t, err)
	assert.Equal(t, 9, *rec.CompressionLevel)
}

func TestDecodeNoneCompressionLeavesLevelUnset(t *testing.T) {
	rec, err := Decode([]byte(`
output: /tmp/out
compression: none
images:
  - os: linux
    architecture: amd64
`))
	require.NoError(t, err)
	assert.Nil(t, rec.CompressionLevel)
}

func TestDecodeRejectsUnknownCompression(t *testing.T) {
	_, err := Decode([]byte(`
output: /tmp/out
compression: lz4
images:
  - os: linux
    architecture: amd64
`))
	require.Error(t, err)
}

func TestDecodeRequiresOutput(t *testing.T) {
	_, err := Decode([]byte(`
images:
  - os: linux
    architecture: amd64
`))
	require.Error(t, err)
}

func TestDecodeRequiresAtLeastOneImage(t *testing.T) {
	_, err := Decode([]byte(`
output: /tmp/out
images: []
`))
	require.Error(t, err)
}

func TestDecodeFullImage(t *testing.T) {
	rec, err := Decode([]byte(`
output: /tmp/out
annotations:
  org.example.foo: bar
images:
  - os: linux
    architecture: amd64
    variant: v8
    author: "Jane Example"
    comment: "add nginx config"
    config:
      User: "www-data"
      Env: ["PATH=/usr/bin"]
      Cmd: ["nginx", "-g", "daemon off;"]
    parent:
      image: /path/to/base/oci-layout
      index: 1
    layer: /path/to/upper/tree
    id-mapping:
      uid: ["0:100000:65536"]
      gid: ["0:100000:65536"]
    annotations:
      org.example.layer: nginx-conf
    index-annotations:
      org.example.variant: debug
`))
	require.NoError(t, err)
	require.Len(t, rec.Images, 1)

	img := rec.Images[0]
	assert.Equal(t, "linux", img.OS)
	assert.Equal(t, "amd64", img.Architecture)
	assert.Equal(t, "v8", img.Variant)
	assert.Equal(t, "www-data", img.Config.User)
	require.NotNil(t, img.Parent)
	assert.Equal(t, 1, img.Parent.Index)
	require.NotNil(t, img.Layer)
	assert.Equal(t, "/path/to/upper/tree", *img.Layer)
	assert.Equal(t, []string{"0:100000:65536"}, img.IDMapping.UID)
	assert.Equal(t, "nginx-conf", img.Annotations["org.example.layer"])
	assert.Equal(t, "debug", img.IndexAnnotations["org.example.variant"])
}
