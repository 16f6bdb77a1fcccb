// Package midi defines the frame-stamped MIDI events delivered to a plugin
// alongside each audio block.
package midi

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// Event is a raw MIDI message stamped with the frame offset, relative to the
// start of the current block, at which it takes effect.
type Event struct {
	Frame int32          `json:"frame"`
	Data  gomidi.Message `json:"data"`
}

// NoteOn builds a note-on event at the given frame offset.
func NoteOn(frame int32, channel, key, velocity uint8) Event {
	return Event{Frame: frame, Data: gomidi.NoteOn(channel, key, velocity)}
}

// NoteOff builds a note-off event at the given frame offset.
func NoteOff(frame int32, channel, key uint8) Event {
	return Event{Frame: frame, Data: gomidi.NoteOff(channel, key)}
}

// ControlChange builds a control-change event at the given frame offset.
func ControlChange(frame int32, channel, controller, value uint8) Event {
	return Event{Frame: frame, Data: gomidi.ControlChange(channel, controller, value)}
}

// PitchBend builds a pitch-bend event at the given frame offset.
func PitchBend(frame int32, channel uint8, value int16) Event {
	return Event{Frame: frame, Data: gomidi.Pitchbend(channel, value)}
}

// ValidateSequence checks that every event carries a frame offset inside the
// current block and that offsets are non-decreasing. Events failing either
// check must be rejected before anything is written to the transport.
func ValidateSequence(events []Event, blockSize int) error {
	prev := int32(0)
	for i, ev := range events {
		if len(ev.Data) == 0 {
			return fmt.Errorf("midi event %d: empty message", i)
		}
		if ev.Frame < 0 || ev.Frame >= int32(blockSize) {
			return fmt.Errorf("midi event %d: frame offset %d outside block of %d frames", i, ev.Frame, blockSize)
		}
		if ev.Frame < prev {
			return fmt.Errorf("midi event %d: frame offset %d before preceding offset %d", i, ev.Frame, prev)
		}
		prev = ev.Frame
	}
	return nil
}
