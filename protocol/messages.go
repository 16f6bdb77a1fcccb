// Package protocol defines the control channel between the host library and
// the plugin server process: typed messages, a length-framed codec, and the
// shared data model (transport snapshots, metadata, crash reports).
//
// Audio samples never travel over this channel; they live in the shared
// memory region. The request/response round trip on the channel is what
// establishes the cross-process happens-before for region contents.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/midi"
)

// Message is any frame that travels over the control channel. The tag selects
// the concrete payload type during decoding.
type Message interface {
	Tag() string
}

// envelope is the wire representation of every frame.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Host to server.

// LoadRequest asks the server to load the plugin at Path and attach to the
// shared region the client created beforehand.
type LoadRequest struct {
	Path          string  `json:"path"`
	SampleRate    float64 `json:"sample_rate"`
	BlockSize     int32   `json:"block_size"`
	Channels      int32   `json:"channels"`
	SharedMemory  string  `json:"shared_memory"`
	PreferFloat64 bool    `json:"prefer_float64"`
}

func (LoadRequest) Tag() string { return "load" }

// UnloadRequest releases the plugin and the server-side mapping.
type UnloadRequest struct{}

func (UnloadRequest) Tag() string { return "unload" }

// ProcessRequest asks for one block. The input region already holds Frames
// frames per channel when this message is sent.
type ProcessRequest struct {
	Frames    int32        `json:"frames"`
	Events    []midi.Event `json:"events,omitempty"`
	Transport Transport    `json:"transport"`
}

func (ProcessRequest) Tag() string { return "process" }

// SetParameterRequest is fire-and-forget: no response is sent. The value is
// applied no later than the start of the next process cycle.
type SetParameterRequest struct {
	ID    uint32  `json:"id"`
	Value float32 `json:"value"`
}

func (SetParameterRequest) Tag() string { return "set_parameter" }

// GetParameterRequest reads back one parameter value.
type GetParameterRequest struct {
	ID uint32 `json:"id"`
}

func (GetParameterRequest) Tag() string { return "get_parameter" }

// ListParametersRequest enumerates the plugin's parameters.
type ListParametersRequest struct{}

func (ListParametersRequest) Tag() string { return "list_parameters" }

// SaveStateRequest captures the plugin's opaque state blob.
type SaveStateRequest struct{}

func (SaveStateRequest) Tag() string { return "save_state" }

// LoadStateRequest restores a blob previously returned by SaveStateRequest.
type LoadStateRequest struct {
	Data []byte `json:"data"`
}

func (LoadStateRequest) Tag() string { return "load_state" }

// ResetRequest clears the plugin's internal processing state (tails,
// delay lines) without unloading it.
type ResetRequest struct{}

func (ResetRequest) Tag() string { return "reset" }

// SetSampleRateRequest is fire-and-forget, like SetParameterRequest.
type SetSampleRateRequest struct {
	Rate float64 `json:"rate"`
}

func (SetSampleRateRequest) Tag() string { return "set_sample_rate" }

// ShutdownRequest asks the server to acknowledge and exit.
type ShutdownRequest struct{}

func (ShutdownRequest) Tag() string { return "shutdown" }

// Server to host.

// ReadyNotice is the first frame on a new connection.
type ReadyNotice struct {
	Version uint32 `json:"version"`
}

func (ReadyNotice) Tag() string { return "ready" }

// LoadResponse acknowledges a successful load.
type LoadResponse struct {
	Metadata Metadata     `json:"metadata"`
	Format   SampleFormat `json:"format"`
}

func (LoadResponse) Tag() string { return "loaded" }

// UnloadResponse acknowledges an unload.
type UnloadResponse struct{}

func (UnloadResponse) Tag() string { return "unloaded" }

// ProcessResponse signals that the output region holds the processed block.
type ProcessResponse struct {
	LatencyMicros int64        `json:"latency_micros"`
	Events        []midi.Event `json:"events,omitempty"`
}

func (ProcessResponse) Tag() string { return "processed" }

// ParameterValueResponse answers GetParameterRequest.
type ParameterValueResponse struct {
	ID    uint32  `json:"id"`
	Value float32 `json:"value"`
}

func (ParameterValueResponse) Tag() string { return "parameter_value" }

// ParameterListResponse answers ListParametersRequest.
type ParameterListResponse struct {
	Parameters []ParameterInfo `json:"parameters"`
}

func (ParameterListResponse) Tag() string { return "parameter_list" }

// StateResponse answers SaveStateRequest.
type StateResponse struct {
	Data []byte `json:"data"`
}

func (StateResponse) Tag() string { return "state" }

// StateLoadedResponse acknowledges LoadStateRequest.
type StateLoadedResponse struct{}

func (StateLoadedResponse) Tag() string { return "state_loaded" }

// ResetResponse acknowledges ResetRequest.
type ResetResponse struct{}

func (ResetResponse) Tag() string { return "reset_done" }

// ShutdownResponse acknowledges ShutdownRequest; the server exits after
// sending it.
type ShutdownResponse struct{}

func (ShutdownResponse) Tag() string { return "shutdown_complete" }

// ErrorResponse reports a failed command.
type ErrorResponse struct {
	Detail *errors.ErrorDetail `json:"detail"`
}

func (ErrorResponse) Tag() string { return "error" }

// Err converts the wire detail back to an error value.
func (r ErrorResponse) Err() error {
	if r.Detail == nil {
		return fmt.Errorf("unspecified server error")
	}
	return r.Detail
}

// newMessage returns a zero value of the payload type for a tag.
func newMessage(tag string) (Message, error) {
	switch tag {
	case "load":
		return &LoadRequest{}, nil
	case "unload":
		return &UnloadRequest{}, nil
	case "process":
		return &ProcessRequest{}, nil
	case "set_parameter":
		return &SetParameterRequest{}, nil
	case "get_parameter":
		return &GetParameterRequest{}, nil
	case "list_parameters":
		return &ListParametersRequest{}, nil
	case "save_state":
		return &SaveStateRequest{}, nil
	case "load_state":
		return &LoadStateRequest{}, nil
	case "reset":
		return &ResetRequest{}, nil
	case "set_sample_rate":
		return &SetSampleRateRequest{}, nil
	case "shutdown":
		return &ShutdownRequest{}, nil
	case "ready":
		return &ReadyNotice{}, nil
	case "loaded":
		return &LoadResponse{}, nil
	case "unloaded":
		return &UnloadResponse{}, nil
	case "processed":
		return &ProcessResponse{}, nil
	case "parameter_value":
		return &ParameterValueResponse{}, nil
	case "parameter_list":
		return &ParameterListResponse{}, nil
	case "state":
		return &StateResponse{}, nil
	case "state_loaded":
		return &StateLoadedResponse{}, nil
	case "reset_done":
		return &ResetResponse{}, nil
	case "shutdown_complete":
		return &ShutdownResponse{}, nil
	case "error":
		return &ErrorResponse{}, nil
	default:
		return nil, &errors.ProtocolError{Message: tag, Reason: "unknown message type"}
	}
}
