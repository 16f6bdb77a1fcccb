package adapter

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestDetectByExtension(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		file string
		want Format
	}{
		{"reverb.vst3", FormatVST3},
		{"comp.clap", FormatCLAP},
		{"delay.vst", FormatVST2},
		{"chorus.so", FormatVST2},
		{"synth.dll", FormatVST2},
		{"gain.wasm", FormatWASM},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, []byte("stub"))
			got, err := Detect(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectMagicSniff(t *testing.T) {
	dir := t.TempDir()
	elf := writeFile(t, dir, "bare_plugin", append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 16)...))
	got, err := Detect(elf)
	require.NoError(t, err)
	assert.Equal(t, FormatVST2, got)

	text := writeFile(t, dir, "readme", []byte("not a plugin"))
	_, err = Detect(text)
	require.Error(t, err)
	var loadErr *errors.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "scanning", loadErr.Stage)
}

func TestDetectMissingFile(t *testing.T) {
	_, err := Detect(filepath.Join(t.TempDir(), "nope.vst3"))
	var loadErr *errors.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "scanning", loadErr.Stage)
}

func TestOpenWithoutNativeLoader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "comp.clap", []byte("stub"))

	_, err := Open(path, slog.Default())
	var loadErr *errors.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "opening", loadErr.Stage)
}

func TestRegistryOverride(t *testing.T) {
	original := registryFactory(FormatVST3)
	defer Register(FormatVST3, original)
	Register(FormatVST3, GainFactory)

	path := writeFile(t, t.TempDir(), "reverb.vst3", []byte("stub"))
	a, err := Open(path, slog.Default())
	require.NoError(t, err)
	defer a.Shutdown()
	assert.Equal(t, "builtin:gain", a.Metadata().ID)
}

func registryFactory(f Format) Factory {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[f]
}

func TestGainPassThrough(t *testing.T) {
	g := NewGain(slog.Default())
	require.NoError(t, g.Initialize(48000, 64))

	in := [][]float32{make([]float32, 64), make([]float32, 64)}
	out := [][]float32{make([]float32, 64), make([]float32, 64)}
	in[0][0] = 1
	in[1][10] = -0.5

	require.NoError(t, g.Process(64, in, out, nil, protocol.DefaultTransport()))
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, in[1], out[1])
}

func TestGainScalesAndRoundTripsState(t *testing.T) {
	g := NewGain(slog.Default())
	require.NoError(t, g.Initialize(48000, 16))

	g.SetParameter(GainParameterID, 0.5)
	v, err := g.Parameter(GainParameterID)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), v)

	in := [][]float64{{1, 1, 1, 1}}
	out := [][]float64{make([]float64, 4)}
	require.NoError(t, g.Process64(4, in, out, nil, protocol.DefaultTransport()))
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, out[0])

	state, err := g.SaveState()
	require.NoError(t, err)

	fresh := NewGain(slog.Default())
	require.NoError(t, fresh.LoadState(state))
	v, err = fresh.Parameter(GainParameterID)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), v)
}

func TestGainSilenceStaysSilent(t *testing.T) {
	g := NewGain(slog.Default())
	require.NoError(t, g.Initialize(44100, 512))

	in := [][]float32{make([]float32, 512), make([]float32, 512)}
	out := [][]float32{make([]float32, 512), make([]float32, 512)}
	require.NoError(t, g.Process(512, in, out, []midi.Event{midi.NoteOn(0, 0, 60, 100)}, protocol.DefaultTransport()))
	for ch := range out {
		for _, v := range out[ch] {
			assert.Zero(t, v)
		}
	}
}
