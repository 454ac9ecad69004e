// Package keystate tracks which MIDI keys are currently held down on each
// channel. The tracker can ingest a stream of midi events to update its idea
// of the held keys, and it exposes direct NoteOn/NoteOff entry points for
// non-stream sources such as an on-screen keyboard. Either path broadcasts
// key transitions to registered listeners. Commanded notes are additionally
// queued and merged into the event stream on the next processed block, so a
// UI key click is indistinguishable from hardware input downstream.
package keystate

import (
	"sync"

	"github.com/cbegin/midistate-go/internal/midievent"
)

// Listener receives key up/down callbacks from a State.
//
// Callbacks run synchronously on whichever goroutine triggered the change,
// which can be the audio block processing goroutine. Implementations must
// not block and must not do UI work directly.
type Listener interface {
	NoteOn(channel, note int, velocity float32)
	NoteOff(channel, note int)
}

// State is the authoritative table of held (channel, note) pairs.
//
// One mutex guards the note table, the pending command queue and the
// listener list. It is held only for the state mutation itself; listener
// callbacks run on a snapshot after the lock is released, so a listener may
// add or remove listeners (including itself) from inside a callback.
type State struct {
	mu         sync.Mutex
	noteStates [128]uint16 // bit n set = note held on channel n+1
	pending    []midievent.Event
	// pendingSpare is the retired pending buffer, recycled on the next
	// block so the audio-side path reuses storage instead of allocating.
	pendingSpare []midievent.Event
	listeners    []Listener
}

func New() *State {
	return &State{}
}

// Reset clears all note state for all channels and drops any pending
// commanded events. No callbacks are made: a reset is not equivalent to
// releasing the held keys. Use AllNotesOff for that.
func (s *State) Reset() {
	s.mu.Lock()
	s.noteStates = [128]uint16{}
	s.pending = s.pending[:0]
	s.mu.Unlock()
}

// IsNoteOn reports whether the key is held on the given channel. Channel is
// 1-16; out-of-range channel or note returns false.
func (s *State) IsNoteOn(channel, note int) bool {
	if !validKey(channel, note) {
		return false
	}
	s.mu.Lock()
	on := s.noteStates[note]&channelBit(channel) != 0
	s.mu.Unlock()
	return on
}

// IsNoteOnForChannels reports whether the key is held on at least one of the
// channels selected by channelMask (bit 0 = channel 1, bit 1 = channel 2...).
func (s *State) IsNoteOnForChannels(channelMask, note int) bool {
	if note < 0 || note > midievent.MaxNote {
		return false
	}
	s.mu.Lock()
	on := s.noteStates[note]&uint16(channelMask) != 0
	s.mu.Unlock()
	return on
}

// NoteOn turns a key on, notifies listeners and queues a note-on event for
// injection into the next processed block. If the key is already held the
// call does nothing: no callback, no duplicate queued event. Out-of-range
// channel or note is ignored.
func (s *State) NoteOn(channel, note int, velocity float32) {
	s.noteOnInternal(channel, note, velocity, true)
}

// NoteOff is the NoteOn counterpart; a no-op if the key is not held.
func (s *State) NoteOff(channel, note int) {
	s.noteOffInternal(channel, note, true)
}

// AllNotesOff releases every held key on the given channel, with the same
// callback and queueing semantics as NoteOff. Channel 0 releases every key
// on every channel. Keys that are already up produce no callback.
func (s *State) AllNotesOff(channel int) {
	if channel == 0 {
		for ch := midievent.MinChannel; ch <= midievent.MaxChannel; ch++ {
			s.AllNotesOff(ch)
		}
		return
	}
	if channel < midievent.MinChannel || channel > midievent.MaxChannel {
		return
	}
	for note := 0; note <= midievent.MaxNote; note++ {
		s.noteOffInternal(channel, note, true)
	}
}

// ProcessEvent applies a single stream event to the table, notifying
// listeners on a transition. Events other than note on/off are ignored.
// Unlike NoteOn/NoteOff this never queues: the event is already part of a
// stream.
func (s *State) ProcessEvent(ev midievent.Event) {
	switch ev.Kind {
	case midievent.KindNoteOn:
		s.noteOnInternal(int(ev.Channel), int(ev.Note), ev.Velocity, false)
	case midievent.KindNoteOff:
		s.noteOffInternal(int(ev.Channel), int(ev.Note), false)
	}
}

// ProcessBlock scans one block's worth of stream events, applying each event
// whose offset falls in [startSample, startSample+numSamples) and notifying
// listeners in offset order. The full sequence, including events outside the
// window, is appended to dst and returned.
//
// When injectPending is true, events queued by NoteOn/NoteOff since the last
// call are merged into the returned sequence at the start of the window, in
// command order, ahead of any stream event at or past startSample. The
// queued events are not re-applied here; their state change and callbacks
// already happened at command time, and re-ingesting them later is a no-op
// by idempotence. The pending queue is cleared either way, matching the
// contract that a block scan consumes everything commanded before it.
//
// events must be sorted by ascending offset, which is what the collector's
// drain produces. dst is an append target so steady-state callers can reuse
// one backing array.
func (s *State) ProcessBlock(dst, events []midievent.BlockEvent, startSample, numSamples int, injectPending bool) []midievent.BlockEvent {
	s.mu.Lock()
	pending := s.pending
	s.pending = s.pendingSpare[:0]
	s.pendingSpare = pending
	s.mu.Unlock()
	if !injectPending {
		pending = nil
	}

	end := startSample + numSamples
	injected := false
	for _, ev := range events {
		if !injected && ev.Offset >= startSample {
			dst = appendPending(dst, pending, startSample)
			injected = true
		}
		if ev.Offset >= startSample && ev.Offset < end {
			s.ProcessEvent(ev.Event)
		}
		dst = append(dst, ev)
	}
	if !injected {
		dst = appendPending(dst, pending, startSample)
	}
	return dst
}

func appendPending(dst []midievent.BlockEvent, pending []midievent.Event, offset int) []midievent.BlockEvent {
	for _, ev := range pending {
		dst = append(dst, midievent.BlockEvent{Event: ev, Offset: offset})
	}
	return dst
}

// AddListener registers a listener for key transition callbacks. Adding a
// listener that is already registered does nothing. Iteration order for
// callbacks is registration order.
func (s *State) AddListener(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	for _, have := range s.listeners {
		if have == l {
			s.mu.Unlock()
			return
		}
	}
	// Copy-on-write: an in-flight notification walk keeps iterating its
	// own snapshot of the old slice.
	next := make([]Listener, len(s.listeners)+1)
	copy(next, s.listeners)
	next[len(next)-1] = l
	s.listeners = next
	s.mu.Unlock()
}

// RemoveListener deregisters a listener. Removing an absent listener does
// nothing. Safe to call from inside a callback: the walk that triggered the
// callback still completes over its snapshot, so other listeners are neither
// skipped nor notified twice.
func (s *State) RemoveListener(l Listener) {
	s.mu.Lock()
	for i, have := range s.listeners {
		if have == l {
			next := make([]Listener, 0, len(s.listeners)-1)
			next = append(next, s.listeners[:i]...)
			next = append(next, s.listeners[i+1:]...)
			s.listeners = next
			break
		}
	}
	s.mu.Unlock()
}

func (s *State) noteOnInternal(channel, note int, velocity float32, queue bool) {
	if !validKey(channel, note) {
		return
	}
	if velocity < 0 {
		velocity = 0
	}
	if velocity > 1 {
		velocity = 1
	}
	bit := channelBit(channel)
	s.mu.Lock()
	if s.noteStates[note]&bit != 0 {
		s.mu.Unlock()
		return
	}
	s.noteStates[note] |= bit
	if queue {
		s.pending = append(s.pending, midievent.NoteOn(uint8(channel), uint8(note), velocity))
	}
	snapshot := s.snapshotListenersLocked()
	s.mu.Unlock()
	for _, l := range snapshot {
		l.NoteOn(channel, note, velocity)
	}
}

func (s *State) noteOffInternal(channel, note int, queue bool) {
	if !validKey(channel, note) {
		return
	}
	bit := channelBit(channel)
	s.mu.Lock()
	if s.noteStates[note]&bit == 0 {
		s.mu.Unlock()
		return
	}
	s.noteStates[note] &^= bit
	if queue {
		s.pending = append(s.pending, midievent.NoteOff(uint8(channel), uint8(note)))
	}
	snapshot := s.snapshotListenersLocked()
	s.mu.Unlock()
	for _, l := range snapshot {
		l.NoteOff(channel, note)
	}
}

// snapshotListenersLocked returns the current listener slice. The slice is
// never mutated in place (see AddListener), so holding onto it after the
// lock is released is safe.
func (s *State) snapshotListenersLocked() []Listener {
	return s.listeners
}

func validKey(channel, note int) bool {
	return channel >= midievent.MinChannel && channel <= midievent.MaxChannel &&
		note >= 0 && note <= midievent.MaxNote
}

func channelBit(channel int) uint16 {
	return uint16(1) << (channel - 1)
}
