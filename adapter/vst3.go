package adapter

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// vst3ClassInfo describes the audio module class instantiated from a bundle.
type vst3ClassInfo struct {
	CID         string
	Name        string
	Vendor      string
	NumInputs   int32
	NumOutputs  int32
	Latency     int32
	CanSample64 bool
	Parameters  []protocol.ParameterInfo
}

// vst3Processor is the dispatch surface over an instantiated VST3 component
// and its IAudioProcessor, provided by the platform loader.
type vst3Processor interface {
	ClassInfo() vst3ClassInfo
	SetupProcessing(sampleRate float64, maxBlockSize int32, sample64 bool) error
	SetActive(on bool) error
	SetProcessing(on bool) error
	Process(frames int32, in, out [][]float32, events []midi.Event, tr protocol.Transport) error
	Process64(frames int32, in, out [][]float64, events []midi.Event, tr protocol.Transport) error
	SetParamNormalized(id uint32, value float64)
	GetParamNormalized(id uint32) float64
	GetState() ([]byte, error)
	SetState(data []byte) error
	Terminate()
}

// vst3Adapter translates to the VST3 component model: id-based normalized
// parameters, a setup/activate/processing lifecycle, and bus-oriented
// process calls.
type vst3Adapter struct {
	proc       vst3Processor
	meta       protocol.Metadata
	params     []protocol.ParameterInfo
	sampleRate float64
	maxBlock   int
	active     bool
	logger     *slog.Logger
}

func newVST3Adapter(path string, logger *slog.Logger) (Adapter, error) {
	if openVST3Module == nil {
		return nil, errNoNativeLoader(path, FormatVST3)
	}
	binary, err := resolveBundleBinary(path)
	if err != nil {
		return nil, &errors.LoadError{Err: err, Path: path, Stage: "scanning"}
	}
	proc, err := openVST3Module(binary)
	if err != nil {
		return nil, &errors.LoadError{Err: err, Path: path, Stage: "opening"}
	}

	info := proc.ClassInfo()
	name, vendor := info.Name, info.Vendor
	if mi, ok := readModuleInfo(path); ok {
		if name == "" {
			name = mi.Name
		}
		if vendor == "" {
			vendor = mi.FactoryInfo.Vendor
		}
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &vst3Adapter{
		proc:   proc,
		params: info.Parameters,
		logger: logger,
		meta: protocol.Metadata{
			ID:              "vst3:" + info.CID,
			Name:            name,
			Vendor:          vendor,
			Format:          string(FormatVST3),
			NumInputs:       info.NumInputs,
			NumOutputs:      info.NumOutputs,
			LatencyFrames:   info.Latency,
			SupportsFloat64: info.CanSample64,
		},
	}, nil
}

func (a *vst3Adapter) Metadata() protocol.Metadata { return a.meta }

func (a *vst3Adapter) SupportsFloat64() bool { return a.meta.SupportsFloat64 }

func (a *vst3Adapter) Initialize(sampleRate float64, maxBlockSize int) error {
	if err := a.proc.SetupProcessing(sampleRate, int32(maxBlockSize), a.meta.SupportsFloat64); err != nil {
		return &errors.LoadError{Err: err, Path: a.meta.Name, Stage: "setup"}
	}
	if err := a.proc.SetActive(true); err != nil {
		return &errors.LoadError{Err: err, Path: a.meta.Name, Stage: "activation"}
	}
	if err := a.proc.SetProcessing(true); err != nil {
		a.proc.SetActive(false)
		return &errors.LoadError{Err: err, Path: a.meta.Name, Stage: "activation"}
	}
	a.sampleRate = sampleRate
	a.maxBlock = maxBlockSize
	a.active = true
	a.logger.Debug("vst3 component activated",
		"plugin", a.meta.Name, "sample_rate", sampleRate, "max_block_size", maxBlockSize)
	return nil
}

func (a *vst3Adapter) Process(frames int, in, out [][]float32, events []midi.Event, tr protocol.Transport) error {
	return a.proc.Process(int32(frames), in, out, events, tr)
}

func (a *vst3Adapter) Process64(frames int, in, out [][]float64, events []midi.Event, tr protocol.Transport) error {
	if !a.meta.SupportsFloat64 {
		return fmt.Errorf("component %s has no 64-bit path", a.meta.Name)
	}
	return a.proc.Process64(int32(frames), in, out, events, tr)
}

func (a *vst3Adapter) SetParameter(id uint32, value float32) {
	a.proc.SetParamNormalized(id, float64(value))
}

func (a *vst3Adapter) Parameter(id uint32) (float32, error) {
	for _, p := range a.params {
		if p.ID == id {
			return float32(a.proc.GetParamNormalized(id)), nil
		}
	}
	return 0, fmt.Errorf("unknown parameter id %d", id)
}

func (a *vst3Adapter) Parameters() []protocol.ParameterInfo {
	out := make([]protocol.ParameterInfo, len(a.params))
	copy(out, a.params)
	return out
}

func (a *vst3Adapter) SaveState() ([]byte, error) {
	return a.proc.GetState()
}

func (a *vst3Adapter) LoadState(data []byte) error {
	return a.proc.SetState(data)
}

func (a *vst3Adapter) Reset() {
	if !a.active {
		return
	}
	// Deactivate/reactivate flushes the processing state.
	a.proc.SetProcessing(false)
	a.proc.SetActive(false)
	a.proc.SetActive(true)
	a.proc.SetProcessing(true)
}

func (a *vst3Adapter) SetSampleRate(rate float64) {
	if a.active {
		a.proc.SetProcessing(false)
		a.proc.SetActive(false)
	}
	if err := a.proc.SetupProcessing(rate, int32(a.maxBlock), a.meta.SupportsFloat64); err != nil {
		a.logger.Warn("vst3 sample rate change rejected", "plugin", a.meta.Name, "rate", rate, "error", err)
	}
	a.sampleRate = rate
	if a.active {
		a.proc.SetActive(true)
		a.proc.SetProcessing(true)
	}
}

func (a *vst3Adapter) Shutdown() {
	if a.active {
		a.proc.SetProcessing(false)
		a.proc.SetActive(false)
		a.active = false
	}
	a.proc.Terminate()
}
