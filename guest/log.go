//go:build wasip1

package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// log_message delivers one serialized LogRecordWire to the host.
//
//go:wasmimport tutti_host log_message
//nolint:revive // snake_case matches the WASM import convention
func host_log_message(packed uint64)

// logHandler routes slog records through the host. Records surface in the
// host's log stream tagged with the plugin they came from.
type logHandler struct {
	level slog.Level
	attrs []slog.Attr
}

var defaultLogger = slog.New(&logHandler{level: slog.LevelInfo})

// Logger returns the plugin's host-routed logger. Plugins may also install it
// as slog.Default.
func Logger() *slog.Logger {
	return defaultLogger
}

func (h *logHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *logHandler) Handle(_ context.Context, record slog.Record) error {
	wire := LogRecordWire{
		Timestamp: record.Time,
		Level:     record.Level.String(),
		Message:   record.Message,
	}
	for _, attr := range h.attrs {
		wire.Attrs = append(wire.Attrs, toLogAttrWire(attr))
	}
	record.Attrs(func(attr slog.Attr) bool {
		wire.Attrs = append(wire.Attrs, toLogAttrWire(attr))
		return true
	})

	payload, err := json.Marshal(wire)
	if err != nil {
		// The host logs unparseable payloads verbatim, so a plain line
		// still gets through.
		payload = []byte(fmt.Sprintf("%s %s (log marshal failed: %v)", wire.Level, wire.Message, err))
	}
	host_log_message(pin(payload))
	return nil
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &logHandler{level: h.level, attrs: merged}
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; the wire format is a flat attribute list.
	return h
}
