// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAlgo(t *testing.T, algo Algorithm, expectedSuffix string, expectDiff bool) {
	t.Helper()
	const data = "meshuggah rocks!!!"

	r, err := algo.Compress(bytes.NewBufferString(data), CompressOpts{})
	require.NoError(t, err)
	assert.Equal(t, expectedSuffix, algo.MediaTypeSuffix())

	compressed, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	if expectDiff {
		assert.NotEqual(t, data, string(compressed))
	} else {
		assert.Equal(t, data, string(compressed))
	}

	dr, err := algo.Decompress(bytes.NewReader(compressed))
	require.NoError(t, err)
	content, err := io.ReadAll(dr)
	require.NoError(t, err)
	assert.Equal(t, data, string(content))
}

func TestGzipRoundTrip(t *testing.T) {
	testAlgo(t, Gzip, "gzip", true)
}

func TestZstdRoundTrip(t *testing.T) {
	testAlgo(t, Zstd, "zstd", true)
}

func TestNoopRoundTrip(t *testing.T) {
	testAlgo(t, Noop, "", false)
}

func TestByName(t *testing.T) {
	algo, ok := ByName("gzip")
	require.True(t, ok)
	assert.Equal(t, Gzip, algo)

	algo, ok = ByName("zstd")
	require.True(t, ok)
	assert.Equal(t, Zstd, algo)

	algo, ok = ByName("")
	require.True(t, ok)
	assert.Equal(t, Noop, algo)

	algo, ok = ByName("none")
	require.True(t, ok)
	assert.Equal(t, Noop, algo)

	_, ok = ByName("lz4")
	assert.False(t, ok)
}

func TestGzipModTimeApplied(t *testing.T) {
	epoch := time.Unix(1000000, 0)
	r, err := Gzip.Compress(bytes.NewBufferString("hello"), CompressOpts{ModTime: epoch})
	require.NoError(t, err)
	compressed, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	// Bytes 4-8 of a gzip header hold MTIME, little-endian.
	require.GreaterOrEqual(t, len(compressed), 10)
	assert.Equal(t, uint32(epoch.Unix()), binary.LittleEndian.Uint32(compressed[4:8]))

	dr, err := Gzip.Decompress(bytes.NewReader(compressed))
	require.NoError(t, err)
	_, err = io.ReadAll(dr)
	require.NoError(t, err)
}
