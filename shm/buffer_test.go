//go:build unix

package shm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

func TestCreateZeroesRegion(t *testing.T) {
	buf, err := Create(NewName(), protocol.Float32, 2, 64)
	require.NoError(t, err)
	defer buf.Close()

	dst := make([]float32, 64)
	for i := range dst {
		dst[i] = 1
	}
	require.NoError(t, buf.ReadInput(0, dst))
	for _, v := range dst {
		assert.Zero(t, v)
	}
}

func TestImpulseRoundTrip(t *testing.T) {
	name := NewName()
	writer, err := Create(name, protocol.Float32, 2, 128)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := Open(name, protocol.Float32, 2, 128)
	require.NoError(t, err)
	defer reader.Close()

	impulse := make([]float32, 128)
	impulse[0] = 1
	require.NoError(t, writer.WriteInput(1, impulse))

	got := make([]float32, 128)
	require.NoError(t, reader.ReadInput(1, got))
	assert.Equal(t, float32(1), got[0])
	for _, v := range got[1:] {
		assert.Zero(t, v)
	}

	// And back through the output region.
	require.NoError(t, reader.WriteOutput(1, got))
	out := make([]float32, 128)
	require.NoError(t, writer.ReadOutput(1, out))
	assert.Equal(t, impulse, out)
}

func TestFloat64RoundTrip(t *testing.T) {
	name := NewName()
	writer, err := Create(name, protocol.Float64, 1, 32)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := Open(name, protocol.Float64, 1, 32)
	require.NoError(t, err)
	defer reader.Close()

	in := make([]float64, 32)
	for i := range in {
		in[i] = float64(i) * 0.25
	}
	require.NoError(t, writer.WriteInput64(0, in))

	got := make([]float64, 32)
	require.NoError(t, reader.ReadInput64(0, got))
	assert.Equal(t, in, got)
}

func TestOpenRejectsGeometryMismatch(t *testing.T) {
	name := NewName()
	buf, err := Create(name, protocol.Float32, 2, 256)
	require.NoError(t, err)
	defer buf.Close()

	_, err = Open(name, protocol.Float32, 2, 128)
	assert.Error(t, err, "block size mismatch must be rejected")

	_, err = Open(name, protocol.Float32, 1, 256)
	assert.Error(t, err, "channel mismatch must be rejected")
}

func TestOpenRejectsFormatMismatch(t *testing.T) {
	name := NewName()
	// A float64 region is larger, so the mapping succeeds and the header
	// check has to catch the mismatch.
	buf, err := Create(name, protocol.Float64, 2, 64)
	require.NoError(t, err)
	defer buf.Close()

	_, err = Open(name, protocol.Float32, 2, 64)
	assert.Error(t, err)
}

func TestOpenMissingRegion(t *testing.T) {
	_, err := Open("tutti_missing_region", protocol.Float32, 2, 64)
	assert.Error(t, err)
}

func TestAccessChecks(t *testing.T) {
	buf, err := Create(NewName(), protocol.Float32, 2, 64)
	require.NoError(t, err)
	defer buf.Close()

	assert.Error(t, buf.WriteInput(2, make([]float32, 64)), "channel out of range")
	assert.Error(t, buf.WriteInput(0, make([]float32, 65)), "frames beyond block size")
	assert.Error(t, buf.WriteInput64(0, make([]float64, 64)), "wrong sample width")
}

func TestCloseRemovesOwnedFile(t *testing.T) {
	name := NewName()
	buf, err := Create(name, protocol.Float32, 1, 16)
	require.NoError(t, err)

	path := regionPath(name)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, buf.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	assert.NoError(t, buf.Close())
}

func TestNonOwnerCloseKeepsFile(t *testing.T) {
	name := NewName()
	writer, err := Create(name, protocol.Float32, 1, 16)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := Open(name, protocol.Float32, 1, 16)
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	_, err = os.Stat(regionPath(name))
	assert.NoError(t, err, "non-owner must not unlink the region")
}

func TestZero(t *testing.T) {
	buf, err := Create(NewName(), protocol.Float32, 1, 8)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.WriteInput(0, []float32{1, 2, 3, 4, 5, 6, 7, 8}))
	buf.Zero()

	got := make([]float32, 8)
	require.NoError(t, buf.ReadInput(0, got))
	for _, v := range got {
		assert.Zero(t, v)
	}
}
