package adapter

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// fakeComponent records processor calls so the VST3 translation layer can be
// checked without a native binary.
type fakeComponent struct {
	info       vst3ClassInfo
	params     map[uint32]float64
	state      []byte
	lifecycle  []string
	sampleRate float64
	sample64   bool
	processed  int32
	terminated bool
}

func newFakeComponent(sample64 bool) *fakeComponent {
	return &fakeComponent{
		info: vst3ClassInfo{
			CID:         "ABCD1234",
			Name:        "Fake Verb",
			Vendor:      "Acme",
			NumInputs:   2,
			NumOutputs:  2,
			CanSample64: sample64,
			Parameters: []protocol.ParameterInfo{
				{ID: 7, Name: "Mix", DefaultValue: 0.5},
			},
		},
		params: map[uint32]float64{7: 0.5},
	}
}

func (f *fakeComponent) ClassInfo() vst3ClassInfo { return f.info }

func (f *fakeComponent) SetupProcessing(rate float64, _ int32, sample64 bool) error {
	f.sampleRate = rate
	f.sample64 = sample64
	f.lifecycle = append(f.lifecycle, "setup")
	return nil
}

func (f *fakeComponent) SetActive(on bool) error {
	if on {
		f.lifecycle = append(f.lifecycle, "active")
	} else {
		f.lifecycle = append(f.lifecycle, "inactive")
	}
	return nil
}

func (f *fakeComponent) SetProcessing(on bool) error {
	if on {
		f.lifecycle = append(f.lifecycle, "processing")
	} else {
		f.lifecycle = append(f.lifecycle, "idle")
	}
	return nil
}

func (f *fakeComponent) Process(frames int32, in, out [][]float32, _ []midi.Event, _ protocol.Transport) error {
	f.processed = frames
	for ch := range out {
		copy(out[ch][:frames], in[ch][:frames])
	}
	return nil
}

func (f *fakeComponent) Process64(frames int32, in, out [][]float64, _ []midi.Event, _ protocol.Transport) error {
	f.processed = frames
	for ch := range out {
		copy(out[ch][:frames], in[ch][:frames])
	}
	return nil
}

func (f *fakeComponent) SetParamNormalized(id uint32, value float64) { f.params[id] = value }
func (f *fakeComponent) GetParamNormalized(id uint32) float64        { return f.params[id] }
func (f *fakeComponent) GetState() ([]byte, error)                   { return f.state, nil }
func (f *fakeComponent) SetState(data []byte) error                  { f.state = data; return nil }
func (f *fakeComponent) Terminate()                                  { f.terminated = true }

func withFakeVST3(t *testing.T, comp *fakeComponent) {
	t.Helper()
	openVST3Module = func(string) (vst3Processor, error) { return comp, nil }
	t.Cleanup(func() { openVST3Module = nil })
}

// stubVST3Path writes a plain-file .vst3 stub so bundle resolution succeeds
// before the fake loader is consulted.
func stubVST3Path(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verb.vst3")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o600))
	return path
}

func TestVST3AdapterLifecycle(t *testing.T) {
	comp := newFakeComponent(true)
	withFakeVST3(t, comp)

	a, err := newVST3Adapter(stubVST3Path(t), slog.Default())
	require.NoError(t, err)

	meta := a.Metadata()
	assert.Equal(t, "vst3:ABCD1234", meta.ID)
	assert.Equal(t, "Fake Verb", meta.Name)
	assert.True(t, a.SupportsFloat64())

	require.NoError(t, a.Initialize(44100, 512))
	assert.Equal(t, 44100.0, comp.sampleRate)
	assert.True(t, comp.sample64)
	assert.Equal(t, []string{"setup", "active", "processing"}, comp.lifecycle)

	a.Shutdown()
	assert.True(t, comp.terminated)
	assert.Equal(t, []string{"setup", "active", "processing", "idle", "inactive"}, comp.lifecycle)
}

func TestVST3AdapterProcessAndParameters(t *testing.T) {
	comp := newFakeComponent(false)
	withFakeVST3(t, comp)

	a, err := newVST3Adapter(stubVST3Path(t), slog.Default())
	require.NoError(t, err)
	require.NoError(t, a.Initialize(48000, 64))

	in := [][]float32{{0.5, -0.5}, {1, -1}}
	out := [][]float32{make([]float32, 2), make([]float32, 2)}
	require.NoError(t, a.Process(2, in, out, nil, protocol.DefaultTransport()))
	assert.Equal(t, in, out)

	assert.Error(t, a.Process64(2, [][]float64{{1, 2}}, [][]float64{make([]float64, 2)}, nil, protocol.DefaultTransport()),
		"no 64-bit path when the class does not support it")

	a.SetParameter(7, 0.9)
	v, err := a.Parameter(7)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, v, 1e-6)

	_, err = a.Parameter(99)
	assert.Error(t, err)

	params := a.Parameters()
	require.Len(t, params, 1)
	assert.Equal(t, "Mix", params[0].Name)
}

func TestVST3AdapterResetFlushesProcessing(t *testing.T) {
	comp := newFakeComponent(false)
	withFakeVST3(t, comp)

	a, err := newVST3Adapter(stubVST3Path(t), slog.Default())
	require.NoError(t, err)
	require.NoError(t, a.Initialize(48000, 64))
	comp.lifecycle = nil

	a.Reset()
	assert.Equal(t, []string{"idle", "inactive", "active", "processing"}, comp.lifecycle)
}

func TestVST3AdapterState(t *testing.T) {
	comp := newFakeComponent(false)
	withFakeVST3(t, comp)

	a, err := newVST3Adapter(stubVST3Path(t), slog.Default())
	require.NoError(t, err)

	require.NoError(t, a.LoadState([]byte("preset")))
	data, err := a.SaveState()
	require.NoError(t, err)
	assert.Equal(t, []byte("preset"), data)
}

func TestVST3AdapterNameFromModuleInfo(t *testing.T) {
	comp := newFakeComponent(false)
	comp.info.Name = ""
	comp.info.Vendor = ""
	withFakeVST3(t, comp)

	// A bundle directory with moduleinfo.json supplies name and vendor when
	// the class info leaves them blank.
	bundle := filepath.Join(t.TempDir(), "Verb.vst3")
	var binary string
	switch runtime.GOOS {
	case "darwin":
		binary = filepath.Join(bundle, "Contents", "MacOS", "Verb")
	case "windows":
		binary = filepath.Join(bundle, "Contents", "x86_64-win", "Verb.vst3")
	default:
		binary = filepath.Join(bundle, "Contents", runtime.GOARCH+"-linux", "Verb.so")
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(binary), 0o755))
	require.NoError(t, os.WriteFile(binary, []byte("stub"), 0o600))
	require.NoError(t, os.WriteFile(
		filepath.Join(bundle, "Contents", "moduleinfo.json"),
		[]byte(`{"Name": "Module Verb", "Factory Info": {"Vendor": "Bundle Co"}}`), 0o600))

	a, err := newVST3Adapter(bundle, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "Module Verb", a.Metadata().Name)
	assert.Equal(t, "Bundle Co", a.Metadata().Vendor)
}
