package midi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	ev := NoteOn(42, 3, 60, 100)
	assert.Equal(t, int32(42), ev.Frame)

	var channel, key, velocity uint8
	require.True(t, ev.Data.GetNoteStart(&channel, &key, &velocity))
	assert.Equal(t, uint8(3), channel)
	assert.Equal(t, uint8(60), key)
	assert.Equal(t, uint8(100), velocity)

	off := NoteOff(100, 3, 60)
	require.True(t, off.Data.GetNoteEnd(&channel, &key))
	assert.Equal(t, uint8(60), key)

	cc := ControlChange(0, 0, 7, 127)
	var controller, value uint8
	require.True(t, cc.Data.GetControlChange(&channel, &controller, &value))
	assert.Equal(t, uint8(7), controller)
	assert.Equal(t, uint8(127), value)
}

func TestValidateSequence(t *testing.T) {
	tests := []struct {
		name      string
		events    []Event
		blockSize int
		wantErr   bool
	}{
		{
			name:      "empty sequence",
			events:    nil,
			blockSize: 512,
		},
		{
			name: "sorted offsets",
			events: []Event{
				NoteOn(0, 0, 60, 100),
				NoteOn(128, 0, 64, 100),
				NoteOff(511, 0, 60),
			},
			blockSize: 512,
		},
		{
			name: "duplicate offsets allowed",
			events: []Event{
				NoteOn(10, 0, 60, 100),
				NoteOn(10, 0, 64, 100),
			},
			blockSize: 512,
		},
		{
			name: "offset at block size",
			events: []Event{
				NoteOn(512, 0, 60, 100),
			},
			blockSize: 512,
			wantErr:   true,
		},
		{
			name: "negative offset",
			events: []Event{
				NoteOn(-1, 0, 60, 100),
			},
			blockSize: 512,
			wantErr:   true,
		},
		{
			name: "out of order",
			events: []Event{
				NoteOn(100, 0, 60, 100),
				NoteOn(50, 0, 64, 100),
			},
			blockSize: 512,
			wantErr:   true,
		},
		{
			name: "empty message bytes",
			events: []Event{
				{Frame: 0, Data: nil},
			},
			blockSize: 512,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSequence(tt.events, tt.blockSize)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
