//go:build wasip1

package guest

import (
	"encoding/json"

	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// Plugin is the processing surface a WASM plugin implements. One instance
// serves the whole module lifetime; the host drives it from a single thread.
type Plugin interface {
	Describe() Descriptor

	// Init prepares for processing. The host may call it again to change
	// the sample rate; channels and maxBlock stay fixed per load.
	Init(sampleRate float64, maxBlock, channels int) error

	// Process renders one block in place. in and out hold one slice per
	// channel; writing every output frame is the plugin's responsibility.
	Process(in, out [][]float32) error

	SetParameter(id uint32, value float32)
	Parameter(id uint32) float32
}

// EventReceiver is optional; plugins that care about MIDI and transport
// implement it in addition to Plugin.
type EventReceiver interface {
	Events(events []midi.Event, tr protocol.Transport)
}

// StatefulPlugin is optional; plugins with state beyond their parameters
// implement it to survive session save and restore.
type StatefulPlugin interface {
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// Resettable is optional; the host calls Reset to clear tails and delay
// lines without reloading.
type Resettable interface {
	Reset()
}

var registered Plugin

// Register installs the plugin instance behind the module's exports. Call it
// from main before the module blocks; registering twice panics.
func Register(p Plugin) {
	if registered != nil {
		panic("guest: plugin already registered")
	}
	registered = p
}

//go:wasmexport describe
func describe() uint64 {
	if registered == nil {
		return 0
	}
	data, err := json.Marshal(registered.Describe())
	if err != nil {
		return 0
	}
	return pin(data)
}

//go:wasmexport plugin_init
func pluginInit(sampleRate float64, maxBlock, channels uint32) uint32 {
	if registered == nil {
		return 1
	}
	if err := registered.Init(sampleRate, int(maxBlock), int(channels)); err != nil {
		Logger().Error("init failed", "error", err)
		return 1
	}
	return 0
}

//go:wasmexport plugin_process
func pluginProcess(inPtr, outPtr, frames, channels uint32) uint32 {
	if registered == nil {
		return 1
	}
	in := samplesAt(inPtr, int(channels), int(frames))
	out := samplesAt(outPtr, int(channels), int(frames))
	if err := registered.Process(in, out); err != nil {
		Logger().Error("process failed", "error", err)
		return 1
	}
	return 0
}

//go:wasmexport plugin_set_parameter
func pluginSetParameter(id uint32, value float32) {
	if registered != nil {
		registered.SetParameter(id, value)
	}
}

//go:wasmexport plugin_get_parameter
func pluginGetParameter(id uint32) float32 {
	if registered == nil {
		return 0
	}
	return registered.Parameter(id)
}

//go:wasmexport plugin_events
func pluginEvents(ptr, length uint32) {
	receiver, ok := registered.(EventReceiver)
	if !ok {
		return
	}
	var block EventBlock
	if err := json.Unmarshal(bytesAt(ptr, length), &block); err != nil {
		Logger().Warn("malformed event block", "error", err)
		return
	}
	receiver.Events(block.Events, block.Transport)
}

//go:wasmexport plugin_save
func pluginSave() uint64 {
	stateful, ok := registered.(StatefulPlugin)
	if !ok {
		return 0
	}
	data, err := stateful.SaveState()
	if err != nil {
		Logger().Error("save failed", "error", err)
		return 0
	}
	return pin(data)
}

//go:wasmexport plugin_load
func pluginLoad(ptr, length uint32) uint32 {
	stateful, ok := registered.(StatefulPlugin)
	if !ok {
		return 1
	}
	data := make([]byte, length)
	copy(data, bytesAt(ptr, length))
	if err := stateful.LoadState(data); err != nil {
		Logger().Error("restore failed", "error", err)
		return 1
	}
	return 0
}

//go:wasmexport plugin_reset
func pluginReset() {
	if r, ok := registered.(Resettable); ok {
		r.Reset()
	}
}
