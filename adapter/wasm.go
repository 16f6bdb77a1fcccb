package adapter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/guest"
	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
)

// wasmAdapter hosts a sandboxed .wasm plugin. The guest ABI mirrors the
// packed ptr/len convention of WASM plugin hosts:
//
//	allocate(size u32) -> ptr u32
//	describe() -> u64 (ptr<<32 | len of a JSON descriptor)
//	plugin_init(sample_rate f64, max_block u32, channels u32) -> u32 (0 = ok)
//	plugin_process(in u32, out u32, frames u32, channels u32) -> u32 (0 = ok)
//	plugin_set_parameter(id u32, value f32)
//
// Optional exports: plugin_events(ptr, len u32) for the frame-stamped event
// list, plugin_reset(), plugin_save() -> u64, plugin_load(ptr, len) -> u32.
// Samples cross the boundary as little-endian float32, channel-major.
type wasmAdapter struct {
	ctx      context.Context
	runtime  wazero.Runtime
	module   api.Module
	meta     protocol.Metadata
	params   []protocol.ParameterInfo
	inPtr    uint32
	outPtr   uint32
	guestCap int
	evPtr    uint32
	evCap    int
	maxBlock int
	channels int
	scratch  []byte
	logger   *slog.Logger
}

func newWASMAdapter(path string, logger *slog.Logger) (Adapter, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.LoadError{Err: err, Path: path, Stage: "opening"}
	}

	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	a := &wasmAdapter{ctx: ctx, runtime: rt, logger: logger}
	if err := a.registerHostFunctions(); err != nil {
		rt.Close(ctx)
		return nil, &errors.LoadError{Err: err, Path: path, Stage: "factory"}
	}

	mod, err := rt.Instantiate(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, &errors.LoadError{Err: err, Path: path, Stage: "instantiation"}
	}
	a.module = mod

	for _, name := range []string{"allocate", "plugin_init", "plugin_process", "plugin_set_parameter"} {
		if mod.ExportedFunction(name) == nil {
			rt.Close(ctx)
			return nil, &errors.LoadError{Path: path, Stage: "factory", Reason: fmt.Sprintf("guest does not export %q", name)}
		}
	}

	desc, err := a.describe()
	if err != nil {
		rt.Close(ctx)
		return nil, &errors.LoadError{Err: err, Path: path, Stage: "factory"}
	}
	a.params = desc.Parameters
	a.meta = protocol.Metadata{
		ID:            "wasm:" + desc.ID,
		Name:          desc.Name,
		Vendor:        desc.Vendor,
		Format:        string(FormatWASM),
		NumInputs:     desc.NumInputs,
		NumOutputs:    desc.NumOutputs,
		LatencyFrames: desc.LatencyFrames,
		// The guest side is always float32.
		SupportsFloat64: false,
	}
	return a, nil
}

func (a *wasmAdapter) registerHostFunctions() error {
	builder := a.runtime.NewHostModuleBuilder("tutti_host")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, packed uint64) {
			ptr := uint32(packed >> 32)
			length := uint32(packed)
			payload, ok := m.Memory().Read(ptr, length)
			if !ok {
				return
			}
			a.relayGuestLog(payload)
		}).
		Export("log_message")
	_, err := builder.Instantiate(a.ctx)
	return err
}

// relayGuestLog re-emits a guest log record through the host logger. Payloads
// that are not the structured wire format are logged verbatim.
func (a *wasmAdapter) relayGuestLog(payload []byte) {
	var record guest.LogRecordWire
	if err := json.Unmarshal(payload, &record); err != nil || record.Message == "" {
		a.logger.Info("wasm plugin log", "msg", string(payload))
		return
	}
	args := make([]any, 0, 2*len(record.Attrs))
	for _, attr := range record.Attrs {
		args = append(args, attr.Key, attr.SlogValue())
	}
	a.logger.Log(a.ctx, guest.ParseLevel(record.Level), record.Message, args...)
}

func (a *wasmAdapter) describe() (*guest.Descriptor, error) {
	f := a.module.ExportedFunction("describe")
	if f == nil {
		return nil, fmt.Errorf("export %q not found", "describe")
	}
	results, err := f.Call(a.ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("describe returned no results")
	}
	packed := results[0]
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	if ptr == 0 || length == 0 {
		return nil, fmt.Errorf("null descriptor from guest")
	}
	data, ok := a.module.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("failed to read descriptor from guest memory")
	}
	var desc guest.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("malformed descriptor: %w", err)
	}
	a.deallocate(ptr)
	return &desc, nil
}

// allocate reserves guest memory. The guest pins every allocation until the
// host releases it, so each allocate is paired with a deallocate.
func (a *wasmAdapter) allocate(size int) (uint32, error) {
	results, err := a.module.ExportedFunction("allocate").Call(a.ctx, uint64(size))
	if err != nil || len(results) == 0 {
		return 0, fmt.Errorf("guest allocation of %d bytes failed: %w", size, err)
	}
	return uint32(results[0]), nil
}

func (a *wasmAdapter) deallocate(ptr uint32) {
	if ptr == 0 {
		return
	}
	if f := a.module.ExportedFunction("deallocate"); f != nil {
		f.Call(a.ctx, uint64(ptr))
	}
}

func (a *wasmAdapter) Metadata() protocol.Metadata { return a.meta }

func (a *wasmAdapter) SupportsFloat64() bool { return false }

func (a *wasmAdapter) ensureGuestBuffers(channels, frames int) error {
	need := channels * frames * 4
	if need <= a.guestCap {
		return nil
	}
	a.deallocate(a.inPtr)
	a.deallocate(a.outPtr)
	a.inPtr, a.outPtr = 0, 0
	inPtr, err := a.allocate(need)
	if err != nil {
		return err
	}
	outPtr, err := a.allocate(need)
	if err != nil {
		a.deallocate(inPtr)
		return err
	}
	a.inPtr, a.outPtr = inPtr, outPtr
	a.guestCap = need
	a.scratch = make([]byte, need)
	return nil
}

func (a *wasmAdapter) Initialize(sampleRate float64, maxBlockSize int) error {
	channels := int(max(a.meta.NumInputs, a.meta.NumOutputs))
	if channels == 0 {
		channels = 2
	}
	if err := a.ensureGuestBuffers(channels, maxBlockSize); err != nil {
		return err
	}
	a.maxBlock = maxBlockSize
	a.channels = channels
	init := a.module.ExportedFunction("plugin_init")
	results, err := init.Call(a.ctx, api.EncodeF64(sampleRate), uint64(maxBlockSize), uint64(channels))
	if err != nil {
		return fmt.Errorf("plugin_init trapped: %w", err)
	}
	if len(results) > 0 && uint32(results[0]) != 0 {
		return fmt.Errorf("plugin_init rejected rate %v, block %d (status %d)", sampleRate, maxBlockSize, uint32(results[0]))
	}
	return nil
}

func (a *wasmAdapter) Process(frames int, in, out [][]float32, events []midi.Event, tr protocol.Transport) error {
	channels := len(in)
	if err := a.ensureGuestBuffers(channels, frames); err != nil {
		return err
	}
	if len(events) > 0 {
		if err := a.sendEvents(events, tr); err != nil {
			return err
		}
	}

	buf := a.scratch[:channels*frames*4]
	for ch, src := range in {
		base := ch * frames * 4
		for i := 0; i < frames; i++ {
			binary.LittleEndian.PutUint32(buf[base+i*4:], math.Float32bits(src[i]))
		}
	}
	if !a.module.Memory().Write(a.inPtr, buf) {
		return fmt.Errorf("failed to write input block to guest memory")
	}

	process := a.module.ExportedFunction("plugin_process")
	results, err := process.Call(a.ctx, uint64(a.inPtr), uint64(a.outPtr), uint64(frames), uint64(channels))
	if err != nil {
		return fmt.Errorf("plugin_process trapped: %w", err)
	}
	if len(results) > 0 && uint32(results[0]) != 0 {
		return fmt.Errorf("plugin_process failed with status %d", uint32(results[0]))
	}

	data, ok := a.module.Memory().Read(a.outPtr, uint32(channels*frames*4))
	if !ok {
		return fmt.Errorf("failed to read output block from guest memory")
	}
	for ch, dst := range out {
		base := ch * frames * 4
		for i := 0; i < frames; i++ {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[base+i*4:]))
		}
	}
	return nil
}

func (a *wasmAdapter) Process64(int, [][]float64, [][]float64, []midi.Event, protocol.Transport) error {
	return fmt.Errorf("wasm plugins have no 64-bit path")
}

// sendEvents forwards the event list and transport snapshot as JSON when the
// guest opts in by exporting plugin_events. The guest-side buffer persists
// across cycles and regrows like the audio buffers.
func (a *wasmAdapter) sendEvents(events []midi.Event, tr protocol.Transport) error {
	f := a.module.ExportedFunction("plugin_events")
	if f == nil {
		return nil
	}
	payload, err := json.Marshal(guest.EventBlock{Events: events, Transport: tr})
	if err != nil {
		return err
	}
	if len(payload) > a.evCap {
		a.deallocate(a.evPtr)
		a.evPtr = 0
		ptr, err := a.allocate(len(payload))
		if err != nil {
			return err
		}
		a.evPtr, a.evCap = ptr, len(payload)
	}
	if !a.module.Memory().Write(a.evPtr, payload) {
		return fmt.Errorf("failed to write events to guest memory")
	}
	_, err = f.Call(a.ctx, uint64(a.evPtr), uint64(len(payload)))
	return err
}

func (a *wasmAdapter) SetParameter(id uint32, value float32) {
	f := a.module.ExportedFunction("plugin_set_parameter")
	if _, err := f.Call(a.ctx, uint64(id), api.EncodeF32(value)); err != nil {
		a.logger.Warn("wasm set_parameter trapped", "id", id, "error", err)
	}
}

func (a *wasmAdapter) Parameter(id uint32) (float32, error) {
	f := a.module.ExportedFunction("plugin_get_parameter")
	if f == nil {
		return 0, fmt.Errorf("guest does not export %q", "plugin_get_parameter")
	}
	results, err := f.Call(a.ctx, uint64(id))
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("plugin_get_parameter returned no results")
	}
	return api.DecodeF32(results[0]), nil
}

func (a *wasmAdapter) Parameters() []protocol.ParameterInfo {
	out := make([]protocol.ParameterInfo, len(a.params))
	copy(out, a.params)
	return out
}

func (a *wasmAdapter) SaveState() ([]byte, error) {
	f := a.module.ExportedFunction("plugin_save")
	if f == nil {
		return nil, nil
	}
	results, err := f.Call(a.ctx)
	if err != nil || len(results) == 0 {
		return nil, fmt.Errorf("plugin_save failed: %w", err)
	}
	packed := results[0]
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	if length == 0 {
		return nil, nil
	}
	data, ok := a.module.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("failed to read state from guest memory")
	}
	out := make([]byte, length)
	copy(out, data)
	a.deallocate(ptr)
	return out, nil
}

func (a *wasmAdapter) LoadState(data []byte) error {
	f := a.module.ExportedFunction("plugin_load")
	if f == nil {
		return fmt.Errorf("guest does not export %q", "plugin_load")
	}
	ptr, err := a.allocate(len(data))
	if err != nil {
		return err
	}
	defer a.deallocate(ptr)
	if !a.module.Memory().Write(ptr, data) {
		return fmt.Errorf("failed to write state to guest memory")
	}
	results, err := f.Call(a.ctx, uint64(ptr), uint64(len(data)))
	if err != nil {
		return err
	}
	if len(results) > 0 && uint32(results[0]) != 0 {
		return fmt.Errorf("plugin_load rejected state (status %d)", uint32(results[0]))
	}
	return nil
}

func (a *wasmAdapter) Reset() {
	if f := a.module.ExportedFunction("plugin_reset"); f != nil {
		f.Call(a.ctx)
	}
}

func (a *wasmAdapter) SetSampleRate(rate float64) {
	init := a.module.ExportedFunction("plugin_init")
	if _, err := init.Call(a.ctx, api.EncodeF64(rate), uint64(a.maxBlock), uint64(a.channels)); err != nil {
		a.logger.Warn("wasm sample rate change trapped", "rate", rate, "error", err)
	}
}

func (a *wasmAdapter) Shutdown() {
	a.runtime.Close(a.ctx)
}
