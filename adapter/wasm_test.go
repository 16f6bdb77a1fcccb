package adapter

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// emptyWasmModule is the smallest well-formed wasm binary: magic + version,
// no sections. It instantiates but exports nothing.
var emptyWasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestWASMAdapterRejectsGarbage(t *testing.T) {
	path := writeFile(t, t.TempDir(), "noise.wasm", []byte("definitely not wasm"))

	_, err := newWASMAdapter(path, slog.Default())
	var loadErr *errors.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "instantiation", loadErr.Stage)
}

func TestWASMAdapterRequiresExports(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.wasm", emptyWasmModule)

	_, err := newWASMAdapter(path, slog.Default())
	var loadErr *errors.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "factory", loadErr.Stage)
	assert.Contains(t, loadErr.Reason, "allocate")
}

func TestWASMAdapterMissingFile(t *testing.T) {
	_, err := newWASMAdapter("/nonexistent/gain.wasm", slog.Default())
	var loadErr *errors.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "opening", loadErr.Stage)
}

// passthroughAdapter loads testdata/passthrough.wasm, a hand-assembled guest
// that copies input to output, keeps one parameter, and counts its live
// allocations in an allocation_count export.
func passthroughAdapter(t *testing.T) *wasmAdapter {
	t.Helper()
	a, err := newWASMAdapter("testdata/passthrough.wasm", slog.Default())
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)
	return a.(*wasmAdapter)
}

func guestAllocations(t *testing.T, a *wasmAdapter) int {
	t.Helper()
	results, err := a.module.ExportedFunction("allocation_count").Call(a.ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	return int(int32(results[0]))
}

func wasmBlock(channels, frames int) [][]float32 {
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	return out
}

func TestWASMAdapterDescribesGuest(t *testing.T) {
	a := passthroughAdapter(t)

	meta := a.Metadata()
	assert.Equal(t, "wasm:passthrough", meta.ID)
	assert.Equal(t, "Passthrough", meta.Name)
	assert.Equal(t, int32(2), meta.NumInputs)
	assert.Equal(t, int32(2), meta.NumOutputs)
	assert.False(t, a.SupportsFloat64())
	assert.Empty(t, a.Parameters())
}

func TestWASMAdapterProcessCopyThrough(t *testing.T) {
	a := passthroughAdapter(t)
	require.NoError(t, a.Initialize(48000, 64))

	in := wasmBlock(2, 64)
	in[0][0] = 1
	in[1][5] = -0.5
	out := wasmBlock(2, 64)
	require.NoError(t, a.Process(64, in, out, nil, protocol.DefaultTransport()))
	assert.Equal(t, in, out)

	a.SetParameter(0, 0.25)
	v, err := a.Parameter(0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, 1e-6)

	assert.Error(t, a.Process64(64, nil, nil, nil, protocol.DefaultTransport()))
}

func TestWASMAdapterReleasesGuestMemory(t *testing.T) {
	a := passthroughAdapter(t)
	assert.Zero(t, guestAllocations(t, a), "construction must leave no guest allocations behind")

	require.NoError(t, a.Initialize(48000, 64))
	assert.Equal(t, 2, guestAllocations(t, a), "one input and one output block")

	// Event-carrying cycles reuse one guest-side payload buffer instead of
	// allocating a fresh one per cycle.
	in, out := wasmBlock(2, 64), wasmBlock(2, 64)
	events := []midi.Event{midi.NoteOn(0, 0, 60, 100)}
	tr := protocol.DefaultTransport()
	for i := 0; i < 8; i++ {
		require.NoError(t, a.Process(64, in, out, events, tr))
	}
	assert.Equal(t, 3, guestAllocations(t, a))

	// Regrowing the audio buffers frees the old pair.
	require.NoError(t, a.Process(128, wasmBlock(2, 128), wasmBlock(2, 128), nil, tr))
	assert.Equal(t, 3, guestAllocations(t, a))

	// Restored state is released once the guest has consumed it.
	require.NoError(t, a.LoadState([]byte("patch")))
	assert.Equal(t, 3, guestAllocations(t, a))
}
