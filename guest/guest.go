// Package guest is the SDK for plugins compiled to WASM and loaded by the
// tutti plugin server. A plugin implements the Plugin interface, registers it
// from main, and builds with GOOS=wasip1 GOARCH=wasm. The package owns the
// export surface the host expects (describe, plugin_init, plugin_process,
// parameter and state entry points) and the linear-memory plumbing behind it.
//
// Files without a build tag define the wire types shared with the host.
package guest

import (
	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// Descriptor identifies a plugin to the host. The JSON encoding is what the
// describe export returns.
type Descriptor struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	Vendor        string                   `json:"vendor"`
	NumInputs     int32                    `json:"num_inputs"`
	NumOutputs    int32                    `json:"num_outputs"`
	LatencyFrames int32                    `json:"latency_frames"`
	Parameters    []protocol.ParameterInfo `json:"parameters"`
}

// EventBlock is the payload of the plugin_events export: the frame-stamped
// events and the transport snapshot for the next process call.
type EventBlock struct {
	Events    []midi.Event       `json:"events"`
	Transport protocol.Transport `json:"transport"`
}
