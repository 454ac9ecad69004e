// Package midievent defines the event model shared by the keyboard state
// tracker and the message collector.
//
// An event carries one of two timestamp coordinate systems depending on its
// lifecycle stage: a HostEvent is stamped with the host clock time at which
// it arrived from a producer, a BlockEvent with a sample offset inside one
// processed audio block. The two are separate types so that times from the
// two systems cannot be compared or mixed without an explicit conversion
// (the collector's drain is the only conversion point).
package midievent

import (
	"time"

	"gitlab.com/gomidi/midi/v2"
)

// Kind identifies the event classes the state tracker cares about. Anything
// that is not a note transition is KindOther and passes through untouched.
type Kind uint8

const (
	KindOther Kind = iota
	KindNoteOn
	KindNoteOff
)

const (
	MinChannel = 1
	MaxChannel = 16
	MaxNote    = 127
)

// Event is a note transition on one MIDI channel. Channel is 1-16 (the MIDI
// convention, not the 0-15 wire encoding). Velocity is normalized to 0-1 and
// is only meaningful for KindNoteOn.
type Event struct {
	Kind     Kind
	Channel  uint8
	Note     uint8
	Velocity float32
}

// HostEvent is an Event stamped with its arrival time on the host clock.
type HostEvent struct {
	Event
	Time time.Time
}

// BlockEvent is an Event positioned at a sample offset within one audio
// block. Offset is a valid index into the block that produced it.
type BlockEvent struct {
	Event
	Offset int
}

// NoteOn builds a note-on event. Velocity is clamped to [0, 1].
func NoteOn(channel, note uint8, velocity float32) Event {
	if velocity < 0 {
		velocity = 0
	}
	if velocity > 1 {
		velocity = 1
	}
	return Event{Kind: KindNoteOn, Channel: channel, Note: note, Velocity: velocity}
}

// NoteOff builds a note-off event.
func NoteOff(channel, note uint8) Event {
	return Event{Kind: KindNoteOff, Channel: channel, Note: note}
}

// Valid reports whether the event addresses a representable key: channel in
// [1, 16] and note in [0, 127]. KindOther events are always valid since they
// carry no key.
func (e Event) Valid() bool {
	if e.Kind == KindOther {
		return true
	}
	return e.Channel >= MinChannel && e.Channel <= MaxChannel && e.Note <= MaxNote
}

// FromMessage decodes a raw MIDI message into an Event. Wire channels 0-15
// map to 1-16. A note-on with velocity zero decodes as a note-off, matching
// how hardware uses it. Messages that are not note transitions decode to
// KindOther.
func FromMessage(msg midi.Message) Event {
	var ch, note, vel uint8
	switch {
	case msg.GetNoteStart(&ch, &note, &vel):
		return Event{Kind: KindNoteOn, Channel: ch + 1, Note: note, Velocity: float32(vel) / 127}
	case msg.GetNoteEnd(&ch, &note):
		return Event{Kind: KindNoteOff, Channel: ch + 1, Note: note}
	}
	return Event{Kind: KindOther}
}
