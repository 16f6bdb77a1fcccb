// Package server implements the plugin server process: it binds the control
// socket, hosts exactly one plugin through a format adapter, and owns the
// server side of the shared audio region.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/PoHsuanLai/tutti-plugin/adapter"
	tuttierrors "github.com/PoHsuanLai/tutti-plugin/errors"
	"github.com/PoHsuanLai/tutti-plugin/protocol"
	"github.com/PoHsuanLai/tutti-plugin/shm"
)

// Server hosts one plugin instance for one client connection.
type Server struct {
	socketPath string
	logger     *slog.Logger

	plugin adapter.Adapter
	region *shm.Buffer

	// Load geometry. The region is mapped lazily on the first process
	// cycle; the client creates it after it learns the negotiated format.
	regionName string
	sampleRate float64
	blockSize  int
	channels   int
	format     protocol.SampleFormat

	// Scratch buffers, resized only when the load geometry changes.
	in32, out32 [][]float32
	in64, out64 [][]float64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a server that will bind socketPath.
func New(socketPath string, opts ...Option) *Server {
	s := &Server{socketPath: socketPath}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Serve binds the socket, accepts one client, and runs the dispatch loop
// until shutdown, disconnect, or context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind control socket %s: %w", s.socketPath, err)
	}
	defer ln.Close()
	defer os.Remove(s.socketPath)
	s.logger.Info("plugin server listening", "socket", s.socketPath, "formats", adapter.Formats())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	netConn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept control connection: %w", err)
	}
	s.logger.Info("client connected", "socket", s.socketPath)
	return s.ServeConn(ctx, protocol.NewConn(netConn))
}

// ServeConn runs the dispatch loop on an established control connection.
// Exposed so tests can drive a server over an in-process pipe.
func (s *Server) ServeConn(ctx context.Context, conn *protocol.Conn) error {
	defer conn.Close()
	defer s.releasePlugin()

	if err := conn.Send(&protocol.ReadyNotice{Version: protocol.Version}); err != nil {
		return fmt.Errorf("ready handshake: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger.Info("client disconnected")
				return nil
			}
			return err
		}

		var reply protocol.Message
		switch m := msg.(type) {
		case *protocol.LoadRequest:
			reply = s.respond(s.handleLoad(m))
		case *protocol.UnloadRequest:
			reply = s.respond(s.handleUnload())
		case *protocol.ProcessRequest:
			reply = s.respond(s.handleProcess(m))
		case *protocol.GetParameterRequest:
			reply = s.respond(s.handleGetParameter(m))
		case *protocol.ListParametersRequest:
			reply = s.respond(s.handleListParameters())
		case *protocol.SaveStateRequest:
			reply = s.respond(s.handleSaveState())
		case *protocol.LoadStateRequest:
			reply = s.respond(s.handleLoadState(m))
		case *protocol.ResetRequest:
			reply = s.respond(s.handleReset())
		case *protocol.SetParameterRequest:
			// Fire-and-forget: applied before the next process cycle.
			if s.plugin != nil {
				s.plugin.SetParameter(m.ID, m.Value)
			}
			continue
		case *protocol.SetSampleRateRequest:
			if s.plugin != nil {
				s.plugin.SetSampleRate(m.Rate)
				s.sampleRate = m.Rate
			}
			continue
		case *protocol.ShutdownRequest:
			err := conn.Send(&protocol.ShutdownResponse{})
			s.logger.Info("shutdown requested")
			return err
		default:
			reply = &protocol.ErrorResponse{Detail: &tuttierrors.ErrorDetail{
				Message: fmt.Sprintf("unexpected message %s", msg.Tag()),
				Type:    "protocol",
			}}
		}

		if err := conn.Send(reply); err != nil {
			return fmt.Errorf("send %s: %w", reply.Tag(), err)
		}
	}
}

func (s *Server) respond(msg protocol.Message, err error) protocol.Message {
	if err != nil {
		s.logger.Error("command failed", "error", err)
		return &protocol.ErrorResponse{Detail: tuttierrors.ToErrorDetail(err)}
	}
	return msg
}

func (s *Server) handleLoad(m *protocol.LoadRequest) (protocol.Message, error) {
	// A load replaces any current plugin.
	s.releasePlugin()

	plugin, err := adapter.Open(m.Path, s.logger)
	if err != nil {
		return nil, err
	}
	if err := plugin.Initialize(m.SampleRate, int(m.BlockSize)); err != nil {
		plugin.Shutdown()
		return nil, err
	}

	s.plugin = plugin
	s.regionName = m.SharedMemory
	s.sampleRate = m.SampleRate
	s.blockSize = int(m.BlockSize)
	s.channels = int(m.Channels)
	s.format = protocol.NegotiateFormat(m.PreferFloat64, plugin.SupportsFloat64())
	s.ensureBuffersSized()

	meta := plugin.Metadata()
	s.logger.Info("plugin loaded",
		"path", m.Path, "name", meta.Name, "format", meta.Format,
		"samples", s.format, "block_size", s.blockSize, "channels", s.channels)
	return &protocol.LoadResponse{Metadata: meta, Format: s.format}, nil
}

// ensureBuffersSized resizes the scratch buffers to the load geometry. It is
// the only allocation point of the process path.
func (s *Server) ensureBuffersSized() {
	if len(s.in32) == s.channels && len(s.in32) > 0 && cap(s.in32[0]) >= s.blockSize {
		return
	}
	s.in32 = makeChannels[float32](s.channels, s.blockSize)
	s.out32 = makeChannels[float32](s.channels, s.blockSize)
	s.in64 = makeChannels[float64](s.channels, s.blockSize)
	s.out64 = makeChannels[float64](s.channels, s.blockSize)
}

func makeChannels[T float32 | float64](channels, blockSize int) [][]T {
	out := make([][]T, channels)
	for i := range out {
		out[i] = make([]T, blockSize)
	}
	return out
}

// attachRegion maps the shared region on the first process cycle. The client
// creates the region as soon as it learns the negotiated format, which is
// always before it can issue a process request.
func (s *Server) attachRegion() error {
	if s.region != nil {
		return nil
	}
	region, err := shm.Open(s.regionName, s.format, s.channels, s.blockSize)
	if err != nil {
		return err
	}
	s.region = region
	return nil
}

func (s *Server) handleProcess(m *protocol.ProcessRequest) (protocol.Message, error) {
	if s.plugin == nil {
		return nil, &tuttierrors.StateError{Operation: "process", State: "unloaded"}
	}
	frames := int(m.Frames)
	if frames <= 0 || frames > s.blockSize {
		return nil, &tuttierrors.ProtocolError{
			Message: m.Tag(),
			Reason:  fmt.Sprintf("%d frames outside (0, %d]", frames, s.blockSize),
		}
	}
	if err := s.attachRegion(); err != nil {
		return nil, err
	}

	start := time.Now()
	var err error
	if s.format == protocol.Float64 {
		err = s.processBlock64(frames, m)
	} else {
		err = s.processBlock32(frames, m)
	}
	if err != nil {
		return nil, err
	}
	return &protocol.ProcessResponse{LatencyMicros: time.Since(start).Microseconds()}, nil
}

func (s *Server) processBlock32(frames int, m *protocol.ProcessRequest) error {
	for ch := 0; ch < s.channels; ch++ {
		if err := s.region.ReadInput(ch, s.in32[ch][:frames]); err != nil {
			return err
		}
	}
	if err := s.plugin.Process(frames, s.in32, s.out32, m.Events, m.Transport); err != nil {
		return fmt.Errorf("plugin process: %w", err)
	}
	for ch := 0; ch < s.channels; ch++ {
		if err := s.region.WriteOutput(ch, s.out32[ch][:frames]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) processBlock64(frames int, m *protocol.ProcessRequest) error {
	for ch := 0; ch < s.channels; ch++ {
		if err := s.region.ReadInput64(ch, s.in64[ch][:frames]); err != nil {
			return err
		}
	}
	if err := s.plugin.Process64(frames, s.in64, s.out64, m.Events, m.Transport); err != nil {
		return fmt.Errorf("plugin process: %w", err)
	}
	for ch := 0; ch < s.channels; ch++ {
		if err := s.region.WriteOutput64(ch, s.out64[ch][:frames]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleUnload() (protocol.Message, error) {
	if s.plugin == nil {
		return nil, &tuttierrors.StateError{Operation: "unload", State: "unloaded"}
	}
	s.releasePlugin()
	s.logger.Info("plugin unloaded")
	return &protocol.UnloadResponse{}, nil
}

func (s *Server) handleGetParameter(m *protocol.GetParameterRequest) (protocol.Message, error) {
	if s.plugin == nil {
		return nil, &tuttierrors.StateError{Operation: "get_parameter", State: "unloaded"}
	}
	value, err := s.plugin.Parameter(m.ID)
	if err != nil {
		return nil, err
	}
	return &protocol.ParameterValueResponse{ID: m.ID, Value: value}, nil
}

func (s *Server) handleListParameters() (protocol.Message, error) {
	if s.plugin == nil {
		return nil, &tuttierrors.StateError{Operation: "list_parameters", State: "unloaded"}
	}
	return &protocol.ParameterListResponse{Parameters: s.plugin.Parameters()}, nil
}

func (s *Server) handleSaveState() (protocol.Message, error) {
	if s.plugin == nil {
		return nil, &tuttierrors.StateError{Operation: "save_state", State: "unloaded"}
	}
	data, err := s.plugin.SaveState()
	if err != nil {
		return nil, err
	}
	return &protocol.StateResponse{Data: data}, nil
}

func (s *Server) handleLoadState(m *protocol.LoadStateRequest) (protocol.Message, error) {
	if s.plugin == nil {
		return nil, &tuttierrors.StateError{Operation: "load_state", State: "unloaded"}
	}
	if err := s.plugin.LoadState(m.Data); err != nil {
		return nil, err
	}
	return &protocol.StateLoadedResponse{}, nil
}

func (s *Server) handleReset() (protocol.Message, error) {
	if s.plugin == nil {
		return nil, &tuttierrors.StateError{Operation: "reset", State: "unloaded"}
	}
	s.plugin.Reset()
	// Tails from before the reset must not survive in the shared region.
	if s.region != nil {
		s.region.Zero()
	}
	return &protocol.ResetResponse{}, nil
}

func (s *Server) releasePlugin() {
	if s.plugin != nil {
		s.plugin.Shutdown()
		s.plugin = nil
	}
	if s.region != nil {
		s.region.Close()
		s.region = nil
	}
}
