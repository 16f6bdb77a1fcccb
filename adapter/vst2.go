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

// Effect flag bits reported by a VST2 plugin.
const (
	vst2FlagCanReplacing       = 1 << 4
	vst2FlagProgramChunks      = 1 << 5
	vst2FlagCanDoubleReplacing = 1 << 12
)

// vst2Info is the static description read from a loaded effect.
type vst2Info struct {
	Name       string
	Vendor     string
	UniqueID   int32
	NumInputs  int32
	NumOutputs int32
	NumParams  int32
	Latency    int32
	Flags      uint32
}

// vst2Dispatcher is the dispatch surface over a loaded VST2 effect. The
// platform loader implements it over the effect's dispatcher entry point.
type vst2Dispatcher interface {
	Info() vst2Info
	SetSampleRate(rate float64)
	SetBlockSize(frames int32)
	MainsChanged(on bool)
	SetTransport(tr protocol.Transport)
	ProcessEvents(events []midi.Event)
	ProcessReplacing(in, out [][]float32, frames int32)
	ProcessDoubleReplacing(in, out [][]float64, frames int32)
	SetParameter(index int32, value float32)
	GetParameter(index int32) float32
	ParameterName(index int32) string
	ParameterLabel(index int32) string
	GetChunk() ([]byte, error)
	SetChunk(data []byte) error
	Close()
}

// vst2Adapter translates the host capability set to the VST2 effect model:
// index-based float parameters, per-block event lists, and the
// processReplacing / processDoubleReplacing render calls.
type vst2Adapter struct {
	effect vst2Dispatcher
	info   vst2Info
	meta   protocol.Metadata
	logger *slog.Logger
}

func newVST2Adapter(path string, logger *slog.Logger) (Adapter, error) {
	if openVST2Module == nil {
		return nil, errNoNativeLoader(path, FormatVST2)
	}
	effect, err := openVST2Module(path)
	if err != nil {
		return nil, &errors.LoadError{Err: err, Path: path, Stage: "opening"}
	}

	info := effect.Info()
	name := info.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	a := &vst2Adapter{
		effect: effect,
		info:   info,
		logger: logger,
		meta: protocol.Metadata{
			ID:              fmt.Sprintf("vst2:%d", info.UniqueID),
			Name:            name,
			Vendor:          info.Vendor,
			Format:          string(FormatVST2),
			NumInputs:       info.NumInputs,
			NumOutputs:      info.NumOutputs,
			LatencyFrames:   info.Latency,
			SupportsFloat64: info.Flags&vst2FlagCanDoubleReplacing != 0,
		},
	}
	if info.Flags&vst2FlagCanReplacing == 0 {
		effect.Close()
		return nil, &errors.LoadError{Path: path, Stage: "factory", Reason: "effect does not support replacing processing"}
	}
	return a, nil
}

func (a *vst2Adapter) Metadata() protocol.Metadata { return a.meta }

func (a *vst2Adapter) SupportsFloat64() bool { return a.meta.SupportsFloat64 }

func (a *vst2Adapter) Initialize(sampleRate float64, maxBlockSize int) error {
	a.effect.MainsChanged(false)
	a.effect.SetSampleRate(sampleRate)
	a.effect.SetBlockSize(int32(maxBlockSize))
	a.effect.MainsChanged(true)
	a.logger.Debug("vst2 effect initialized",
		"plugin", a.meta.Name, "sample_rate", sampleRate, "max_block_size", maxBlockSize)
	return nil
}

func (a *vst2Adapter) Process(frames int, in, out [][]float32, events []midi.Event, tr protocol.Transport) error {
	a.effect.SetTransport(tr)
	if len(events) > 0 {
		a.effect.ProcessEvents(events)
	}
	a.effect.ProcessReplacing(in, out, int32(frames))
	return nil
}

func (a *vst2Adapter) Process64(frames int, in, out [][]float64, events []midi.Event, tr protocol.Transport) error {
	if !a.meta.SupportsFloat64 {
		return fmt.Errorf("effect %s has no 64-bit path", a.meta.Name)
	}
	a.effect.SetTransport(tr)
	if len(events) > 0 {
		a.effect.ProcessEvents(events)
	}
	a.effect.ProcessDoubleReplacing(in, out, int32(frames))
	return nil
}

func (a *vst2Adapter) SetParameter(id uint32, value float32) {
	if int32(id) >= a.info.NumParams {
		return
	}
	a.effect.SetParameter(int32(id), value)
}

func (a *vst2Adapter) Parameter(id uint32) (float32, error) {
	if int32(id) >= a.info.NumParams {
		return 0, fmt.Errorf("parameter %d out of range [0, %d)", id, a.info.NumParams)
	}
	return a.effect.GetParameter(int32(id)), nil
}

func (a *vst2Adapter) Parameters() []protocol.ParameterInfo {
	params := make([]protocol.ParameterInfo, 0, a.info.NumParams)
	for i := int32(0); i < a.info.NumParams; i++ {
		params = append(params, protocol.ParameterInfo{
			ID:           uint32(i),
			Name:         a.effect.ParameterName(i),
			Unit:         a.effect.ParameterLabel(i),
			DefaultValue: a.effect.GetParameter(i),
		})
	}
	return params
}

func (a *vst2Adapter) SaveState() ([]byte, error) {
	if a.info.Flags&vst2FlagProgramChunks == 0 {
		// Chunk-less effects are persisted as their raw parameter values.
		data := make([]byte, 0, a.info.NumParams*10)
		for i := int32(0); i < a.info.NumParams; i++ {
			data = fmt.Appendf(data, "%d=%v\n", i, a.effect.GetParameter(i))
		}
		return data, nil
	}
	return a.effect.GetChunk()
}

func (a *vst2Adapter) LoadState(data []byte) error {
	if a.info.Flags&vst2FlagProgramChunks == 0 {
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			var idx int32
			var val float32
			if _, err := fmt.Sscanf(line, "%d=%v", &idx, &val); err != nil {
				return fmt.Errorf("malformed parameter state %q: %w", line, err)
			}
			if idx >= 0 && idx < a.info.NumParams {
				a.effect.SetParameter(idx, val)
			}
		}
		return nil
	}
	return a.effect.SetChunk(data)
}

func (a *vst2Adapter) Reset() {
	// Suspend/resume is the VST2 idiom for clearing tails.
	a.effect.MainsChanged(false)
	a.effect.MainsChanged(true)
}

func (a *vst2Adapter) SetSampleRate(rate float64) {
	a.effect.MainsChanged(false)
	a.effect.SetSampleRate(rate)
	a.effect.MainsChanged(true)
}

func (a *vst2Adapter) Shutdown() {
	a.effect.MainsChanged(false)
	a.effect.Close()
}
