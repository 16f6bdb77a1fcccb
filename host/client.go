package host

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PoHsuanLai/tutti-plugin/config"
	tuttierrors "github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/midi"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
	"github.com/PoHsuanLai/tutti-plugin/shm"
)

// minProcessDeadline floors the derived per-cycle deadline so tiny blocks at
// high sample rates still get a realistic scheduling allowance.
const minProcessDeadline = 2 * time.Millisecond

// shutdownGrace bounds the orderly shutdown round trip and process reaping.
const shutdownGrace = 3 * time.Second

type callResult struct {
	msg protocol.Message
	err error
}

// Client is one plugin instance hosted out of process.
type Client struct {
	cfg          config.Config
	logger       *slog.Logger
	serverStderr io.Writer

	cmd        *exec.Cmd
	conn       *protocol.Conn
	socketPath string
	sup        *supervisor

	// reqMu serializes requests: the protocol allows one outstanding
	// command per instance.
	reqMu  sync.Mutex
	sendMu sync.Mutex

	pendMu  sync.Mutex
	pending chan callResult

	// callCh and timer are reused across round trips so the process path
	// allocates nothing per cycle. Both are touched only under reqMu.
	callCh chan callResult
	timer  *time.Timer

	cancel      chan struct{} // closed when shutdown begins
	watcherDone chan struct{}
	shutdown    atomic.Bool
	closeOnce   sync.Once

	// Load-scoped fields, written under reqMu.
	region     *shm.Buffer
	meta       protocol.Metadata
	format     protocol.SampleFormat
	sampleRate float64
	blockSize  int
	deadline   time.Duration
	out32      [][]float32
	out64      [][]float64
	view32     [][]float32
	view64     [][]float64
}

// Spawn starts the server executable, connects to its control socket, and
// completes the ready handshake. The returned client is in the Unloaded
// state.
func Spawn(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServerExecutable == "" {
		return nil, &tuttierrors.SpawnError{
			Err: fmt.Errorf("no server executable configured"), Stage: "start",
		}
	}
	c := newClient(cfg, opts...)

	c.socketPath = cfg.SocketPath
	if c.socketPath == "" {
		c.socketPath = filepath.Join(os.TempDir(),
			fmt.Sprintf("tutti-plugin-%d-%x.sock", os.Getpid(), rand.Uint32()))
	}

	cmd := exec.Command(cfg.ServerExecutable, "--socket", c.socketPath)
	cmd.Stderr = c.serverStderr
	if err := cmd.Start(); err != nil {
		return nil, &tuttierrors.SpawnError{Err: err, Executable: cfg.ServerExecutable, Stage: "start"}
	}
	c.cmd = cmd
	go c.watch()

	netConn, err := c.dialServer(ctx)
	if err != nil {
		c.reap()
		return nil, err
	}
	c.conn = protocol.NewConn(netConn)

	if err := c.awaitReady(); err != nil {
		c.conn.Close()
		c.reap()
		return nil, err
	}
	go c.readLoop()

	c.logger.Info("plugin server started",
		"executable", cfg.ServerExecutable, "socket", c.socketPath, "pid", c.pid())
	return c, nil
}

// Attach builds a client over an established control connection, for callers
// that run the server in-process or manage the subprocess themselves. The
// ready handshake is still performed.
func Attach(conn net.Conn, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := newClient(cfg, opts...)
	c.conn = protocol.NewConn(conn)
	close(c.watcherDone)

	if err := c.awaitReady(); err != nil {
		c.conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func newClient(cfg config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:          cfg,
		serverStderr: os.Stderr,
		sup:          newSupervisor(),
		callCh:       make(chan callResult, 1),
		timer:        time.NewTimer(time.Hour),
		cancel:       make(chan struct{}),
		watcherDone:  make(chan struct{}),
	}
	c.timer.Stop()
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *Client) dialServer(ctx context.Context) (net.Conn, error) {
	deadline := time.Now().Add(c.cfg.StartupTimeout)
	for {
		if c.sup.current() == StateCrashed {
			return nil, &tuttierrors.SpawnError{
				Err: c.sup.crashErr(), Executable: c.cfg.ServerExecutable, Stage: "start",
			}
		}
		conn, err := net.Dial("unix", c.socketPath)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, &tuttierrors.SpawnError{Err: err, Executable: c.cfg.ServerExecutable, Stage: "connect"}
		}
		select {
		case <-ctx.Done():
			return nil, &tuttierrors.SpawnError{Err: ctx.Err(), Executable: c.cfg.ServerExecutable, Stage: "connect"}
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *Client) awaitReady() error {
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.StartupTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	msg, err := c.conn.Receive()
	if err != nil {
		return &tuttierrors.SpawnError{Err: err, Executable: c.cfg.ServerExecutable, Stage: "handshake"}
	}
	ready, ok := msg.(*protocol.ReadyNotice)
	if !ok {
		return &tuttierrors.ProtocolError{Message: msg.Tag(), Reason: "expected ready handshake"}
	}
	if ready.Version != protocol.Version {
		return &tuttierrors.ProtocolError{
			Message: msg.Tag(),
			Reason:  fmt.Sprintf("server speaks protocol %d, host speaks %d", ready.Version, protocol.Version),
		}
	}
	return nil
}

// watch reaps the server process and records an abnormal exit as a crash.
func (c *Client) watch() {
	err := c.cmd.Wait()
	defer close(c.watcherDone)
	if c.shutdown.Load() {
		return
	}
	reason, detail := "exit", ""
	if err != nil {
		detail = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == -1 {
			reason = "signal"
		}
	} else if state := c.cmd.ProcessState; state != nil {
		detail = state.String()
	}
	c.crashed(reason, detail)
}

// readLoop is the single reader of the control connection. It routes every
// frame to the pending call; a read failure outside shutdown is crash
// evidence.
func (c *Client) readLoop() {
	for {
		msg, err := c.conn.Receive()
		if err != nil {
			if !c.shutdown.Load() {
				c.crashed("disconnect", err.Error())
				c.deliver(callResult{err: c.sup.crashErr()})
			}
			return
		}
		c.deliver(callResult{msg: msg})
	}
}

func (c *Client) deliver(res callResult) {
	c.pendMu.Lock()
	ch := c.pending
	c.pendMu.Unlock()
	if ch != nil {
		select {
		case ch <- res:
		default:
		}
	}
}

// crashed records crash evidence, terminates the server process, and wakes
// the reader. Idempotent across the watcher, the reader, and timeouts.
func (c *Client) crashed(reason, detail string) {
	c.sup.markCrashed(reason, detail, c.pid())
	c.logger.Error("plugin process crashed", "reason", reason, "detail", detail, "pid", c.pid())
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	// The server is gone, so the region can be unmapped. When a call holds
	// reqMu the release happens on that call's error path instead.
	if c.reqMu.TryLock() {
		c.releaseRegion()
		c.reqMu.Unlock()
	}
}

func (c *Client) pid() int {
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

func (c *Client) send(msg protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(msg)
}

// roundTrip sends one command and waits for its response, bounded by
// timeout. The caller must hold reqMu. crashOnTimeout distinguishes the
// process deadline (evidence of a hung server) from ordinary bounded waits.
func (c *Client) roundTrip(op string, msg protocol.Message, timeout time.Duration, crashOnTimeout bool) (protocol.Message, error) {
	if err := c.sup.crashErr(); err != nil {
		return nil, err
	}
	select {
	case <-c.cancel:
		return nil, &tuttierrors.CancelledError{Operation: op}
	default:
	}

	ch := c.armPending()
	defer c.disarmPending()

	if err := c.send(msg); err != nil {
		if crashErr := c.sup.crashErr(); crashErr != nil {
			c.releaseRegion()
			return nil, crashErr
		}
		return nil, err
	}

	c.timer.Reset(timeout)
	defer c.stopTimer()
	select {
	case res := <-ch:
		if res.err != nil {
			if c.sup.crashErr() != nil {
				c.releaseRegion()
			}
			return nil, res.err
		}
		if errResp, ok := res.msg.(*protocol.ErrorResponse); ok {
			return nil, errResp.Err()
		}
		return res.msg, nil
	case <-c.timer.C:
		if crashOnTimeout {
			c.crashed("timeout", fmt.Sprintf("%s exceeded %v", op, timeout))
			c.releaseRegion()
		}
		return nil, &tuttierrors.TimeoutError{Operation: op, Duration: timeout}
	case <-c.cancel:
		return nil, &tuttierrors.CancelledError{Operation: op}
	}
}

// armPending drains any response left over from a timed-out call and points
// the reader at the persistent result channel. Callers hold reqMu.
func (c *Client) armPending() chan callResult {
	select {
	case <-c.callCh:
	default:
	}
	c.pendMu.Lock()
	c.pending = c.callCh
	c.pendMu.Unlock()
	return c.callCh
}

func (c *Client) disarmPending() {
	c.pendMu.Lock()
	c.pending = nil
	c.pendMu.Unlock()
}

func (c *Client) stopTimer() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return c.sup.current()
}

// Reports delivers at most one crash report per crash. The channel is
// buffered; the supervisor never blocks on it.
func (c *Client) Reports() <-chan protocol.CrashReport {
	return c.sup.reports
}

// Metadata is valid after a successful Load.
func (c *Client) Metadata() protocol.Metadata {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.meta
}

// SampleFormat is the format negotiated at the last Load.
func (c *Client) SampleFormat() protocol.SampleFormat {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.format
}

// Load loads the plugin at path and establishes a fresh shared region for
// the given block size. Reloading with a different block size renegotiates
// the region.
func (c *Client) Load(ctx context.Context, path string, sampleRate float64, blockSize int) (protocol.Metadata, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if blockSize <= 0 || blockSize > c.cfg.MaxBlockSize {
		return protocol.Metadata{}, fmt.Errorf("block size %d outside (0, %d]", blockSize, c.cfg.MaxBlockSize)
	}
	if err := c.sup.transition("load", StateLoading); err != nil {
		return protocol.Metadata{}, err
	}
	c.releaseRegion()

	name := shm.NewName()
	resp, err := c.roundTrip("load", &protocol.LoadRequest{
		Path:          path,
		SampleRate:    sampleRate,
		BlockSize:     int32(blockSize),
		Channels:      int32(c.cfg.Channels),
		SharedMemory:  name,
		PreferFloat64: c.cfg.PreferFloat64,
	}, c.cfg.LoadTimeout, true)
	if err != nil {
		c.loadFailed()
		return protocol.Metadata{}, err
	}
	loaded, ok := resp.(*protocol.LoadResponse)
	if !ok {
		c.loadFailed()
		return protocol.Metadata{}, &tuttierrors.ProtocolError{Message: resp.Tag(), Reason: "expected load response"}
	}

	// The server maps the region lazily on the first process cycle, so
	// creating it after the response avoids any window where the two
	// sides disagree on the negotiated format.
	region, err := shm.Create(name, loaded.Format, c.cfg.Channels, blockSize)
	if err != nil {
		c.loadFailed()
		return protocol.Metadata{}, err
	}

	c.region = region
	c.meta = loaded.Metadata
	c.format = loaded.Format
	c.sampleRate = sampleRate
	c.blockSize = blockSize
	c.deadline = c.deriveDeadline(blockSize, sampleRate)
	c.out32 = makeChannels[float32](c.cfg.Channels, blockSize)
	c.out64 = makeChannels[float64](c.cfg.Channels, blockSize)
	c.view32 = make([][]float32, c.cfg.Channels)
	c.view64 = make([][]float64, c.cfg.Channels)

	if err := c.sup.transition("loaded", StateReady); err != nil {
		c.releaseRegion()
		return protocol.Metadata{}, err
	}
	c.logger.Info("plugin loaded",
		"path", path, "name", loaded.Metadata.Name, "samples", loaded.Format,
		"block_size", blockSize, "deadline", c.deadline)
	return loaded.Metadata, nil
}

// loadFailed returns a failed load to Unloaded. A load that ended in a crash
// stays Crashed; only its resources are released.
func (c *Client) loadFailed() {
	if c.sup.current() == StateCrashed {
		c.releaseRegion()
		return
	}
	c.sup.transition("load_failed", StateUnloaded)
}

func makeChannels[T float32 | float64](channels, blockSize int) [][]T {
	out := make([][]T, channels)
	for i := range out {
		out[i] = make([]T, blockSize)
	}
	return out
}

func (c *Client) deriveDeadline(blockSize int, sampleRate float64) time.Duration {
	if c.cfg.ProcessDeadline > 0 {
		return c.cfg.ProcessDeadline
	}
	blockDur := time.Duration(float64(blockSize) / sampleRate * float64(time.Second))
	if d := 4 * blockDur; d > minProcessDeadline {
		return d
	}
	return minProcessDeadline
}

// Process renders one block through the plugin. in holds one slice per
// configured channel; all slices must share a length no larger than the
// loaded block size. The returned slices alias buffers owned by the client
// and are valid until the next Process call. The wait is bounded by the
// per-cycle deadline; exceeding it marks the instance crashed.
func (c *Client) Process(in [][]float32, events []midi.Event, tr protocol.Transport) ([][]float32, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.format != protocol.Float32 {
		return nil, fmt.Errorf("instance negotiated %s samples, use Process64", c.format)
	}
	frames, err := c.checkBlock(len(in), func(ch int) int { return len(in[ch]) }, events)
	if err != nil {
		return nil, err
	}
	if err := c.sup.transition("process", StateProcessing); err != nil {
		return nil, err
	}

	for ch := range in {
		if err := c.region.WriteInput(ch, in[ch]); err != nil {
			c.sup.transition("process_failed", StateReady)
			return nil, err
		}
	}
	resp, err := c.roundTrip("process", &protocol.ProcessRequest{
		Frames:    int32(frames),
		Events:    events,
		Transport: tr,
	}, c.deadline, true)
	if err != nil {
		c.sup.transition("process_failed", StateReady)
		return nil, err
	}
	if _, ok := resp.(*protocol.ProcessResponse); !ok {
		c.crashed("disconnect", fmt.Sprintf("unexpected %s response to process", resp.Tag()))
		c.releaseRegion()
		return nil, c.sup.crashErr()
	}

	for ch := range c.out32 {
		if err := c.region.ReadOutput(ch, c.out32[ch][:frames]); err != nil {
			c.sup.transition("process_failed", StateReady)
			return nil, err
		}
		c.view32[ch] = c.out32[ch][:frames]
	}
	c.sup.transition("processed", StateReady)
	return c.view32, nil
}

// Process64 is Process for instances that negotiated 64-bit samples.
func (c *Client) Process64(in [][]float64, events []midi.Event, tr protocol.Transport) ([][]float64, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.format != protocol.Float64 {
		return nil, fmt.Errorf("instance negotiated %s samples, use Process", c.format)
	}
	frames, err := c.checkBlock(len(in), func(ch int) int { return len(in[ch]) }, events)
	if err != nil {
		return nil, err
	}
	if err := c.sup.transition("process", StateProcessing); err != nil {
		return nil, err
	}

	for ch := range in {
		if err := c.region.WriteInput64(ch, in[ch]); err != nil {
			c.sup.transition("process_failed", StateReady)
			return nil, err
		}
	}
	resp, err := c.roundTrip("process", &protocol.ProcessRequest{
		Frames:    int32(frames),
		Events:    events,
		Transport: tr,
	}, c.deadline, true)
	if err != nil {
		c.sup.transition("process_failed", StateReady)
		return nil, err
	}
	if _, ok := resp.(*protocol.ProcessResponse); !ok {
		c.crashed("disconnect", fmt.Sprintf("unexpected %s response to process", resp.Tag()))
		c.releaseRegion()
		return nil, c.sup.crashErr()
	}

	for ch := range c.out64 {
		if err := c.region.ReadOutput64(ch, c.out64[ch][:frames]); err != nil {
			c.sup.transition("process_failed", StateReady)
			return nil, err
		}
		c.view64[ch] = c.out64[ch][:frames]
	}
	c.sup.transition("processed", StateReady)
	return c.view64, nil
}

func (c *Client) checkBlock(channels int, frameLen func(int) int, events []midi.Event) (int, error) {
	if channels != c.cfg.Channels {
		return 0, fmt.Errorf("%d input channels, instance is configured for %d", channels, c.cfg.Channels)
	}
	frames := frameLen(0)
	for ch := 1; ch < channels; ch++ {
		if frameLen(ch) != frames {
			return 0, fmt.Errorf("ragged input: channel %d has %d frames, channel 0 has %d", ch, frameLen(ch), frames)
		}
	}
	if frames <= 0 || frames > c.blockSize {
		return 0, fmt.Errorf("%d frames outside (0, %d]", frames, c.blockSize)
	}
	if err := midi.ValidateSequence(events, frames); err != nil {
		return 0, err
	}
	return frames, nil
}

// SetParameter is fire-and-forget: the server applies the value no later
// than the next process cycle. Last write wins.
func (c *Client) SetParameter(id uint32, value float32) error {
	if err := c.sup.crashErr(); err != nil {
		return err
	}
	switch c.sup.current() {
	case StateReady, StateProcessing:
		return c.send(&protocol.SetParameterRequest{ID: id, Value: value})
	default:
		return &tuttierrors.StateError{Operation: "set_parameter", State: c.sup.current().String()}
	}
}

// SetSampleRate is fire-and-forget, like SetParameter.
func (c *Client) SetSampleRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("invalid sample rate %v", rate)
	}
	if err := c.sup.crashErr(); err != nil {
		return err
	}
	if c.sup.current() != StateReady {
		return &tuttierrors.StateError{Operation: "set_sample_rate", State: c.sup.current().String()}
	}
	if err := c.send(&protocol.SetSampleRateRequest{Rate: rate}); err != nil {
		return err
	}
	c.reqMu.Lock()
	c.sampleRate = rate
	c.deadline = c.deriveDeadline(c.blockSize, rate)
	c.reqMu.Unlock()
	return nil
}

// GetParameter reads one parameter value back from the plugin.
func (c *Client) GetParameter(ctx context.Context, id uint32) (float32, error) {
	resp, err := c.request(ctx, "get_parameter", &protocol.GetParameterRequest{ID: id})
	if err != nil {
		return 0, err
	}
	value, ok := resp.(*protocol.ParameterValueResponse)
	if !ok {
		return 0, &tuttierrors.ProtocolError{Message: resp.Tag(), Reason: "expected parameter value"}
	}
	return value.Value, nil
}

// Parameters enumerates the plugin's parameters.
func (c *Client) Parameters(ctx context.Context) ([]protocol.ParameterInfo, error) {
	resp, err := c.request(ctx, "list_parameters", &protocol.ListParametersRequest{})
	if err != nil {
		return nil, err
	}
	list, ok := resp.(*protocol.ParameterListResponse)
	if !ok {
		return nil, &tuttierrors.ProtocolError{Message: resp.Tag(), Reason: "expected parameter list"}
	}
	return list.Parameters, nil
}

// SaveState captures the plugin's opaque state blob.
func (c *Client) SaveState(ctx context.Context) ([]byte, error) {
	resp, err := c.request(ctx, "save_state", &protocol.SaveStateRequest{})
	if err != nil {
		return nil, err
	}
	state, ok := resp.(*protocol.StateResponse)
	if !ok {
		return nil, &tuttierrors.ProtocolError{Message: resp.Tag(), Reason: "expected state blob"}
	}
	return state.Data, nil
}

// LoadState restores a blob previously returned by SaveState.
func (c *Client) LoadState(ctx context.Context, data []byte) error {
	_, err := c.request(ctx, "load_state", &protocol.LoadStateRequest{Data: data})
	return err
}

// Reset clears the plugin's processing state without unloading it.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.request(ctx, "reset", &protocol.ResetRequest{})
	return err
}

// request runs one non-process command in the Ready state.
func (c *Client) request(ctx context.Context, op string, msg protocol.Message) (protocol.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st := c.sup.current(); st != StateReady {
		if err := c.sup.crashErr(); err != nil {
			return nil, err
		}
		return nil, &tuttierrors.StateError{Operation: op, State: st.String()}
	}
	return c.roundTrip(op, msg, c.cfg.LoadTimeout, false)
}

// Unload releases the plugin and the shared region, returning to Unloaded.
func (c *Client) Unload(ctx context.Context) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if st := c.sup.current(); st != StateReady {
		if err := c.sup.crashErr(); err != nil {
			return err
		}
		return &tuttierrors.StateError{Operation: "unload", State: st.String()}
	}
	if _, err := c.roundTrip("unload", &protocol.UnloadRequest{}, c.cfg.LoadTimeout, false); err != nil {
		return err
	}
	c.releaseRegion()
	return c.sup.transition("unload", StateUnloaded)
}

// Shutdown cancels any in-flight process cycle, performs the shutdown round
// trip when the server is still healthy, reaps the subprocess, and releases
// every resource. It is idempotent. A cancelled process cycle resolves with
// CancelledError, never with a crash.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.shutdown.Store(true)
		close(c.cancel)

		// Waits for an in-flight call to observe the cancellation.
		c.reqMu.Lock()
		defer c.reqMu.Unlock()

		if c.sup.crashErr() == nil {
			err = c.shutdownServer(ctx)
		}
		if c.conn != nil {
			c.conn.Close()
		}
		c.reapWithGrace()
		c.releaseRegion()
		if c.socketPath != "" {
			os.Remove(c.socketPath)
		}
		c.sup.close()
		c.logger.Info("plugin host shut down")
	})
	return err
}

// shutdownServer runs the shutdown round trip directly: the cancel channel
// is already closed, so roundTrip would refuse it.
func (c *Client) shutdownServer(ctx context.Context) error {
	ch := c.armPending()
	defer c.disarmPending()

	// A hung server can also stall the send side; bound the write so the
	// grace period covers the whole round trip.
	grace := shutdownGrace
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < grace {
			grace = left
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(grace))
	defer c.conn.SetWriteDeadline(time.Time{})

	if err := c.send(&protocol.ShutdownRequest{}); err != nil {
		return nil // the process is reaped regardless
	}
	c.timer.Reset(grace)
	defer c.stopTimer()
	for {
		select {
		case res := <-ch:
			if res.err != nil {
				return nil
			}
			if _, ok := res.msg.(*protocol.ShutdownResponse); ok {
				return nil
			}
			// A response to a call that was cancelled mid-flight; the
			// acknowledgment is still behind it.
		case <-c.timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) reapWithGrace() {
	if c.cmd == nil {
		return
	}
	select {
	case <-c.watcherDone:
	case <-time.After(shutdownGrace):
		c.reap()
	}
}

func (c *Client) reap() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	c.shutdown.Store(true)
	c.cmd.Process.Kill()
	<-c.watcherDone
}

func (c *Client) releaseRegion() {
	if c.region != nil {
		c.region.Close()
		c.region = nil
	}
}
