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

// clapDescriptor is the plugin descriptor exposed by a CLAP entry point.
type clapDescriptor struct {
	ID         string
	Name       string
	Vendor     string
	NumInputs  int32
	NumOutputs int32
	Latency    int32
	Sample64   bool
	Parameters []protocol.ParameterInfo
}

// clapPlugin is the dispatch surface over an instantiated CLAP plugin,
// provided by the platform loader.
type clapPlugin interface {
	Descriptor() clapDescriptor
	Activate(sampleRate float64, minFrames, maxFrames int32) error
	Deactivate()
	StartProcessing() error
	StopProcessing()
	Process(frames int32, in, out [][]float32, events []midi.Event, tr protocol.Transport) error
	Process64(frames int32, in, out [][]float64, events []midi.Event, tr protocol.Transport) error
	SetParamValue(id uint32, value float64)
	GetParamValue(id uint32) (float64, bool)
	SaveState() ([]byte, error)
	LoadState(data []byte) error
	ResetState()
	Destroy()
}

// clapAdapter translates to the CLAP model: activate/start_processing
// lifecycle, id-based parameters, and an explicit reset call.
type clapAdapter struct {
	plugin     clapPlugin
	desc       clapDescriptor
	meta       protocol.Metadata
	maxBlock   int
	processing bool
	logger     *slog.Logger
}

func newCLAPAdapter(path string, logger *slog.Logger) (Adapter, error) {
	if openCLAPModule == nil {
		return nil, errNoNativeLoader(path, FormatCLAP)
	}
	plugin, err := openCLAPModule(path)
	if err != nil {
		return nil, &errors.LoadError{Err: err, Path: path, Stage: "opening"}
	}

	desc := plugin.Descriptor()
	if desc.Name == "" {
		desc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &clapAdapter{
		plugin: plugin,
		desc:   desc,
		logger: logger,
		meta: protocol.Metadata{
			ID:              "clap:" + desc.ID,
			Name:            desc.Name,
			Vendor:          desc.Vendor,
			Format:          string(FormatCLAP),
			NumInputs:       desc.NumInputs,
			NumOutputs:      desc.NumOutputs,
			LatencyFrames:   desc.Latency,
			SupportsFloat64: desc.Sample64,
		},
	}, nil
}

func (a *clapAdapter) Metadata() protocol.Metadata { return a.meta }

func (a *clapAdapter) SupportsFloat64() bool { return a.meta.SupportsFloat64 }

func (a *clapAdapter) Initialize(sampleRate float64, maxBlockSize int) error {
	if err := a.plugin.Activate(sampleRate, 1, int32(maxBlockSize)); err != nil {
		return &errors.LoadError{Err: err, Path: a.meta.Name, Stage: "activation"}
	}
	if err := a.plugin.StartProcessing(); err != nil {
		a.plugin.Deactivate()
		return &errors.LoadError{Err: err, Path: a.meta.Name, Stage: "activation"}
	}
	a.maxBlock = maxBlockSize
	a.processing = true
	a.logger.Debug("clap plugin activated",
		"plugin", a.meta.Name, "sample_rate", sampleRate, "max_block_size", maxBlockSize)
	return nil
}

func (a *clapAdapter) Process(frames int, in, out [][]float32, events []midi.Event, tr protocol.Transport) error {
	return a.plugin.Process(int32(frames), in, out, events, tr)
}

func (a *clapAdapter) Process64(frames int, in, out [][]float64, events []midi.Event, tr protocol.Transport) error {
	if !a.meta.SupportsFloat64 {
		return fmt.Errorf("plugin %s has no 64-bit path", a.meta.Name)
	}
	return a.plugin.Process64(int32(frames), in, out, events, tr)
}

func (a *clapAdapter) SetParameter(id uint32, value float32) {
	a.plugin.SetParamValue(id, float64(value))
}

func (a *clapAdapter) Parameter(id uint32) (float32, error) {
	v, ok := a.plugin.GetParamValue(id)
	if !ok {
		return 0, fmt.Errorf("unknown parameter id %d", id)
	}
	return float32(v), nil
}

func (a *clapAdapter) Parameters() []protocol.ParameterInfo {
	out := make([]protocol.ParameterInfo, len(a.desc.Parameters))
	copy(out, a.desc.Parameters)
	return out
}

func (a *clapAdapter) SaveState() ([]byte, error) {
	return a.plugin.SaveState()
}

func (a *clapAdapter) LoadState(data []byte) error {
	return a.plugin.LoadState(data)
}

func (a *clapAdapter) Reset() {
	a.plugin.ResetState()
}

func (a *clapAdapter) SetSampleRate(rate float64) {
	if a.processing {
		a.plugin.StopProcessing()
		a.plugin.Deactivate()
	}
	if err := a.plugin.Activate(rate, 1, int32(a.maxBlock)); err != nil {
		a.logger.Warn("clap sample rate change rejected", "plugin", a.meta.Name, "rate", rate, "error", err)
		a.processing = false
		return
	}
	if err := a.plugin.StartProcessing(); err != nil {
		a.logger.Warn("clap restart failed after rate change", "plugin", a.meta.Name, "error", err)
		a.processing = false
	}
}

func (a *clapAdapter) Shutdown() {
	if a.processing {
		a.plugin.StopProcessing()
		a.plugin.Deactivate()
		a.processing = false
	}
	a.plugin.Destroy()
}
