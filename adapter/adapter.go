// Package adapter hosts plugin format adapters. An adapter translates the
// host's capability set (initialize, process, parameters, state) to one
// plugin binary format. Formats register a factory at init time; the server
// looks the factory up by the detected format of the file it is asked to load.
package adapter

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// Format identifies a plugin binary format.
type Format string

const (
	FormatVST2 Format = "vst2"
	FormatVST3 Format = "vst3"
	FormatCLAP Format = "clap"
	FormatWASM Format = "wasm"
)

// Adapter is the capability set every plugin format exposes to the server.
// Implementations are not safe for concurrent use; the server drives one
// adapter from its single dispatch loop.
type Adapter interface {
	// Metadata is valid after the factory returns.
	Metadata() protocol.Metadata
	SupportsFloat64() bool

	// Initialize prepares the plugin for processing at the given rate and
	// maximum block size. It corresponds to the setup+activation stages.
	Initialize(sampleRate float64, maxBlockSize int) error

	// Process renders one block. in and out hold one slice per channel,
	// each at least frames long. Events are frame-ordered within the block.
	Process(frames int, in, out [][]float32, events []midi.Event, tr protocol.Transport) error
	// Process64 is the 64-bit path; only called when SupportsFloat64.
	Process64(frames int, in, out [][]float64, events []midi.Event, tr protocol.Transport) error

	// SetParameter applies a normalized [0, 1] value. Last write wins.
	SetParameter(id uint32, value float32)
	Parameter(id uint32) (float32, error)
	Parameters() []protocol.ParameterInfo

	SaveState() ([]byte, error)
	LoadState(data []byte) error

	// Reset clears tails and delay lines without unloading.
	Reset()
	SetSampleRate(rate float64)

	// Shutdown releases the plugin. The adapter is unusable afterwards.
	Shutdown()
}

// Factory opens the plugin at path and returns an uninitialized adapter.
type Factory func(path string, logger *slog.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[Format]Factory{}
)

// Register installs the factory for a format, replacing any previous one.
// Tests use this to route a format to a stand-in adapter.
func Register(format Format, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[format] = factory
}

// Formats lists the registered formats, sorted.
func Formats() []Format {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Format, 0, len(registry))
	for f := range registry {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open detects the format of the file at path and opens it through the
// registered factory.
func Open(path string, logger *slog.Logger) (Adapter, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := registry[format]
	registryMu.RUnlock()
	if !ok {
		return nil, &errors.LoadError{
			Path:   path,
			Stage:  "scanning",
			Reason: fmt.Sprintf("no adapter registered for format %s", format),
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return factory(path, logger)
}
