package protocol

import "time"

// SampleFormat identifies the sample width used in the shared audio region.
type SampleFormat string

const (
	Float32 SampleFormat = "float32"
	Float64 SampleFormat = "float64"
)

// Width returns the size of one sample in bytes.
func (f SampleFormat) Width() int {
	if f == Float64 {
		return 8
	}
	return 4
}

// NegotiateFormat picks the sample format for a session. Float64 is used only
// when the host prefers it and the plugin reports support; everything else
// falls back to Float32.
func NegotiateFormat(preferFloat64, pluginSupportsFloat64 bool) SampleFormat {
	if preferFloat64 && pluginSupportsFloat64 {
		return Float64
	}
	return Float32
}

// Transport is an immutable snapshot of the host timeline for one block.
type Transport struct {
	Playing             bool    `json:"playing"`
	Recording           bool    `json:"recording"`
	CycleActive         bool    `json:"cycle_active"`
	Tempo               float64 `json:"tempo"`
	TimeSigNumerator    int32   `json:"time_sig_numerator"`
	TimeSigDenominator  int32   `json:"time_sig_denominator"`
	PositionSamples     int64   `json:"position_samples"`
	PositionQuarters    float64 `json:"position_quarters"`
	BarPositionQuarters float64 `json:"bar_position_quarters"`
	CycleStartQuarters  float64 `json:"cycle_start_quarters"`
	CycleEndQuarters    float64 `json:"cycle_end_quarters"`
}

// DefaultTransport returns a stopped timeline at 120 BPM in 4/4.
func DefaultTransport() Transport {
	return Transport{
		Tempo:              120,
		TimeSigNumerator:   4,
		TimeSigDenominator: 4,
	}
}

// Metadata describes a loaded plugin instance.
type Metadata struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Vendor          string `json:"vendor"`
	Format          string `json:"format"`
	NumInputs       int32  `json:"num_inputs"`
	NumOutputs      int32  `json:"num_outputs"`
	LatencyFrames   int32  `json:"latency_frames"`
	SupportsFloat64 bool   `json:"supports_float64"`
}

// ParameterInfo describes one automatable plugin parameter. Values are
// normalized to [0, 1].
type ParameterInfo struct {
	ID           uint32  `json:"id"`
	Name         string  `json:"name"`
	Unit         string  `json:"unit,omitempty"`
	DefaultValue float32 `json:"default_value"`
}

// CrashReport records an abnormal server termination. It is produced by the
// host-side supervisor, never by the crashed process itself.
type CrashReport struct {
	PID       int       `json:"pid"`
	Reason    string    `json:"reason"` // "timeout", "signal", "exit", "disconnect"
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
