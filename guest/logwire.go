package guest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// LogRecordWire is the JSON payload of the tutti_host log_message function.
// The host decodes it and re-emits the record through its own logger; a
// payload that does not parse is logged verbatim.
type LogRecordWire struct {
	Timestamp time.Time     `json:"timestamp"`
	Level     string        `json:"level"`
	Message   string        `json:"message"`
	Attrs     []LogAttrWire `json:"attrs,omitempty"`
}

// LogAttrWire carries one slog attribute as strings. The type tag lets the
// host restore a sensible slog kind for the common cases.
type LogAttrWire struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// toLogAttrWire flattens a slog.Attr for the wire.
func toLogAttrWire(attr slog.Attr) LogAttrWire {
	wire := LogAttrWire{Key: attr.Key}
	attr.Value = attr.Value.Resolve()

	switch attr.Value.Kind() {
	case slog.KindString:
		wire.Type = "string"
		wire.Value = attr.Value.String()
	case slog.KindInt64:
		wire.Type = "int64"
		wire.Value = fmt.Sprintf("%d", attr.Value.Int64())
	case slog.KindUint64:
		wire.Type = "uint64"
		wire.Value = fmt.Sprintf("%d", attr.Value.Uint64())
	case slog.KindBool:
		wire.Type = "bool"
		wire.Value = fmt.Sprintf("%t", attr.Value.Bool())
	case slog.KindFloat64:
		wire.Type = "float64"
		wire.Value = fmt.Sprintf("%g", attr.Value.Float64())
	case slog.KindTime:
		wire.Type = "time"
		wire.Value = attr.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		wire.Type = "duration"
		wire.Value = attr.Value.Duration().String()
	case slog.KindAny:
		if v := attr.Value.Any(); v != nil {
			if err, isErr := v.(error); isErr {
				wire.Type = "error"
				wire.Value = err.Error()
			} else if data, marshalErr := json.Marshal(v); marshalErr == nil {
				wire.Type = "json"
				wire.Value = string(data)
			} else {
				wire.Type = "any"
				wire.Value = fmt.Sprintf("%v", v)
			}
		} else {
			wire.Type = "any"
			wire.Value = "<nil>"
		}
	default:
		wire.Type = "any"
		wire.Value = attr.Value.String()
	}
	return wire
}

// SlogValue maps a wire attribute back to a slog value on the host side.
func (a LogAttrWire) SlogValue() slog.Value {
	switch a.Type {
	case "time":
		if t, err := time.Parse(time.RFC3339Nano, a.Value); err == nil {
			return slog.TimeValue(t)
		}
	case "duration":
		if d, err := time.ParseDuration(a.Value); err == nil {
			return slog.DurationValue(d)
		}
	}
	return slog.StringValue(a.Value)
}

// ParseLevel maps a wire level string to a slog.Level, defaulting to Info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
