package adapter

import (
	"encoding/json"
	"fmt"
	"log/slog"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// GainParameterID is the single parameter of the built-in gain adapter.
const GainParameterID uint32 = 0

// gainAdapter is the built-in diagnostic plugin: a pass-through with one gain
// parameter. It exercises every host capability without loading external
// code, which makes it the null plugin for wiring checks and the stand-in
// plugin in protocol tests.
type gainAdapter struct {
	gain   float32
	logger *slog.Logger
}

// NewGain returns the built-in gain adapter at unity gain.
func NewGain(logger *slog.Logger) Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &gainAdapter{gain: 1, logger: logger}
}

// GainFactory adapts NewGain to the registry signature, ignoring the path.
func GainFactory(_ string, logger *slog.Logger) (Adapter, error) {
	return NewGain(logger), nil
}

func (g *gainAdapter) Metadata() protocol.Metadata {
	return protocol.Metadata{
		ID:              "builtin:gain",
		Name:            "Gain",
		Vendor:          "tutti",
		Format:          "builtin",
		NumInputs:       2,
		NumOutputs:      2,
		SupportsFloat64: true,
	}
}

func (g *gainAdapter) SupportsFloat64() bool { return true }

func (g *gainAdapter) Initialize(sampleRate float64, maxBlockSize int) error {
	if sampleRate <= 0 || maxBlockSize <= 0 {
		return fmt.Errorf("invalid setup: rate %v, block %d", sampleRate, maxBlockSize)
	}
	return nil
}

func (g *gainAdapter) Process(frames int, in, out [][]float32, events []midi.Event, _ protocol.Transport) error {
	gain := g.gain
	for ch := range out {
		dst := out[ch][:frames]
		if ch < len(in) {
			src := in[ch][:frames]
			for i := range dst {
				dst[i] = src[i] * gain
			}
		} else {
			for i := range dst {
				dst[i] = 0
			}
		}
	}
	for _, ev := range events {
		g.logger.Debug("gain adapter saw event", "frame", ev.Frame, "bytes", len(ev.Data))
	}
	return nil
}

func (g *gainAdapter) Process64(frames int, in, out [][]float64, _ []midi.Event, _ protocol.Transport) error {
	gain := float64(g.gain)
	for ch := range out {
		dst := out[ch][:frames]
		if ch < len(in) {
			vecmath.ScaleBlock(dst, in[ch][:frames], gain)
		} else {
			vecmath.ScaleBlockInPlace(dst, 0)
		}
	}
	return nil
}

func (g *gainAdapter) SetParameter(id uint32, value float32) {
	if id == GainParameterID {
		g.gain = value
	}
}

func (g *gainAdapter) Parameter(id uint32) (float32, error) {
	if id != GainParameterID {
		return 0, fmt.Errorf("unknown parameter id %d", id)
	}
	return g.gain, nil
}

func (g *gainAdapter) Parameters() []protocol.ParameterInfo {
	return []protocol.ParameterInfo{
		{ID: GainParameterID, Name: "Gain", DefaultValue: 1},
	}
}

func (g *gainAdapter) SaveState() ([]byte, error) {
	return json.Marshal(struct {
		Gain float32 `json:"gain"`
	}{g.gain})
}

func (g *gainAdapter) LoadState(data []byte) error {
	var state struct {
		Gain float32 `json:"gain"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("malformed gain state: %w", err)
	}
	g.gain = state.Gain
	return nil
}

func (g *gainAdapter) Reset() {}

func (g *gainAdapter) SetSampleRate(float64) {}

func (g *gainAdapter) Shutdown() {}
