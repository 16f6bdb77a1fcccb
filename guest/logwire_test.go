package guest

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToLogAttrWire(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name     string
		attr     slog.Attr
		wantType string
		wantVal  string
	}{
		{"string", slog.String("plugin", "gain"), "string", "gain"},
		{"int64", slog.Int64("frames", 256), "int64", "256"},
		{"uint64", slog.Uint64("id", 7), "uint64", "7"},
		{"bool", slog.Bool("muted", true), "bool", "true"},
		{"float64", slog.Float64("gain", 0.5), "float64", "0.5"},
		{"time", slog.Time("at", now), "time", now.Format(time.RFC3339Nano)},
		{"duration", slog.Duration("took", 5*time.Millisecond), "duration", "5ms"},
		{"error", slog.Any("error", fmt.Errorf("boom")), "error", "boom"},
		{"json", slog.Any("desc", map[string]int{"a": 1}), "json", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := toLogAttrWire(tc.attr)
			assert.Equal(t, tc.attr.Key, wire.Key)
			assert.Equal(t, tc.wantType, wire.Type)
			assert.Equal(t, tc.wantVal, wire.Value)
		})
	}
}

func TestSlogValueRestoresKinds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	v := LogAttrWire{Type: "time", Value: now.Format(time.RFC3339Nano)}.SlogValue()
	assert.Equal(t, slog.KindTime, v.Kind())
	assert.True(t, v.Time().Equal(now))

	v = LogAttrWire{Type: "duration", Value: "250ms"}.SlogValue()
	assert.Equal(t, slog.KindDuration, v.Kind())
	assert.Equal(t, 250*time.Millisecond, v.Duration())

	v = LogAttrWire{Type: "string", Value: "plain"}.SlogValue()
	assert.Equal(t, "plain", v.String())

	// Unparseable payloads fall back to the raw string.
	v = LogAttrWire{Type: "time", Value: "not a time"}.SlogValue()
	assert.Equal(t, slog.KindString, v.Kind())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
