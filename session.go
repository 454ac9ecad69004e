package midistate

import (
	"errors"
	"sync"
	"time"

	intaudio "github.com/cbegin/midistate-go/internal/audio"
	intcoll "github.com/cbegin/midistate-go/internal/collector"
	intdev "github.com/cbegin/midistate-go/internal/device"
	intkey "github.com/cbegin/midistate-go/internal/keystate"
	intev "github.com/cbegin/midistate-go/internal/midievent"
	intsynth "github.com/cbegin/midistate-go/internal/synth"
)

// NoteEvent carries keyboard state changes from Watch().
type NoteEvent struct {
	On       bool
	Channel  int
	Note     int
	Velocity float32 // zero for note-offs
}

// DeviceEvent reports a MIDI input port connecting or disconnecting.
type DeviceEvent struct {
	Connected bool
	Port      string
}

type SessionOption func(*sessionConfig)

type sessionConfig struct {
	polyphony  int
	masterGain float64
	clock      func() time.Time
	audio      bool
	inputMatch string
	withInput  bool
	onDevice   func(DeviceEvent)
}

func defaultSessionConfig() sessionConfig {
	params := intsynth.DefaultParams()
	return sessionConfig{
		polyphony:  params.Polyphony,
		masterGain: params.MasterGain,
		audio:      true,
	}
}

func WithPolyphony(voices int) SessionOption {
	return func(cfg *sessionConfig) {
		if voices > 0 {
			cfg.polyphony = voices
		}
	}
}

func WithMasterGain(gain float64) SessionOption {
	return func(cfg *sessionConfig) {
		if gain >= 0 {
			cfg.masterGain = gain
		}
	}
}

// WithClock overrides the wall clock used to stamp incoming MIDI events.
// Useful for deterministic tests; nil keeps the real clock.
func WithClock(clock func() time.Time) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.clock = clock
	}
}

// WithoutAudio disables the speaker backend. A session built this way can
// be driven by calling ProcessBlock directly (offline rendering, tests), or
// started, in which case it drains blocks itself at real-time rate.
func WithoutAudio() SessionOption {
	return func(cfg *sessionConfig) {
		cfg.audio = false
	}
}

// WithMIDIInput connects the first available MIDI input port whose name
// contains match (case-insensitive). An empty match takes any port. The
// session keeps rescanning, so devices may be plugged in after Start.
func WithMIDIInput(match string) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.withInput = true
		cfg.inputMatch = match
	}
}

// WithDeviceCallback installs a callback invoked when the MIDI input
// connects or disconnects. The callback runs on the rescan goroutine;
// keep work brief and non-blocking.
func WithDeviceCallback(fn func(DeviceEvent)) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.onDevice = fn
	}
}

// Session wires a live MIDI pipeline: an input device (or direct command
// calls) feeds a collector, each audio block drains the collector through
// the keyboard state tracker, and the surviving events drive the synth.
type Session struct {
	mu         sync.Mutex
	sampleRate int
	state      *intkey.State
	collector  *intcoll.Collector
	engine     *intsynth.Engine
	audio      *intaudio.Output
	watcher    *intdev.Watcher
	done       chan struct{}
	started    bool

	// block-scan scratch, touched only by the audio goroutine
	drainBuf []intev.BlockEvent
	blockBuf []intev.BlockEvent

	eventCh   chan NoteEvent
	eventChMu sync.Mutex
}

func NewSession(sampleRate int, opts ...SessionOption) (*Session, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	col := intcoll.NewWithClock(cfg.clock)
	if err := col.Reset(float64(sampleRate)); err != nil {
		return nil, err
	}

	params := intsynth.DefaultParams()
	params.Polyphony = cfg.polyphony
	params.MasterGain = cfg.masterGain

	s := &Session{
		sampleRate: sampleRate,
		state:      intkey.New(),
		collector:  col,
		engine:     intsynth.New(sampleRate, params),
	}

	if cfg.withInput {
		onChange := func(connected bool, port string) {
			if cfg.onDevice != nil {
				cfg.onDevice(DeviceEvent{Connected: connected, Port: port})
			}
		}
		w, err := intdev.NewWatcher(col, cfg.inputMatch, onChange)
		if err != nil {
			return nil, err
		}
		s.watcher = w
	}

	if cfg.audio {
		backend, err := intaudio.NewOutput(sampleRate, s)
		if err != nil {
			if s.watcher != nil {
				s.watcher.Close()
			}
			return nil, err
		}
		s.audio = backend
	}
	return s, nil
}

// pumpFrames is the block size used when no audio backend is pulling
// blocks. About 10ms at 48kHz, close to what the speaker path uses.
const pumpFrames = 512

// Start begins audio playback and, when a MIDI input was requested, the
// background device rescan loop. Without an audio backend the collector
// still has to be drained, so a started WithoutAudio session runs its own
// block pump; such a session must not also be driven through ProcessBlock
// directly. Safe to call again after Stop.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	if s.watcher != nil || s.audio == nil {
		s.done = make(chan struct{})
	}
	if s.watcher != nil {
		go s.rescanLoop(s.done)
	}
	if s.audio != nil {
		s.audio.Play()
	} else {
		go s.pumpLoop(s.done)
	}
}

// Stop pauses audio, stops device rescanning, and releases all held notes.
// The Session can be started again afterwards.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if s.audio != nil {
		s.audio.Pause()
	}
	s.AllNotesOff(0)
}

// Close stops the session and tears down the audio backend and the MIDI
// driver. The Session must not be used afterwards.
func (s *Session) Close() error {
	s.Stop()
	var err error
	if s.audio != nil {
		err = s.audio.Stop()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	return err
}

// pumpLoop stands in for the audio backend on audio-less sessions, scanning
// blocks at roughly real-time rate so device events reach the keyboard
// state and Watch observers.
func (s *Session) pumpLoop(done chan struct{}) {
	interval := time.Duration(pumpFrames) * time.Second / time.Duration(s.sampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	buf := make([]float32, 2*pumpFrames)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.ProcessBlock(buf)
		}
	}
}

func (s *Session) rescanLoop(done chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.watcher.Tick()
		}
	}
}

// NoteOn commands a note on. The state table updates and listeners fire
// immediately; the matching stream event is injected into the next audio
// block. Repeating a note that is already down is a no-op.
func (s *Session) NoteOn(channel, note int, velocity float32) {
	s.state.NoteOn(channel, note, velocity)
}

// NoteOff commands a note off. A no-op if the note is not down.
func (s *Session) NoteOff(channel, note int) {
	s.state.NoteOff(channel, note)
}

// AllNotesOff releases every held note on the given channel, or on all
// channels when channel is 0.
func (s *Session) AllNotesOff(channel int) {
	s.state.AllNotesOff(channel)
}

// IsNoteOn reports whether the note is currently down on the channel.
func (s *Session) IsNoteOn(channel, note int) bool {
	return s.state.IsNoteOn(channel, note)
}

// IsNoteOnForChannels reports whether the note is down on any channel in
// the mask (bit 0 = channel 1).
func (s *Session) IsNoteOnForChannels(channelMask, note int) bool {
	return s.state.IsNoteOnForChannels(channelMask, note)
}

// InputConnected reports whether a MIDI input port is currently open.
func (s *Session) InputConnected() bool {
	return s.watcher != nil && s.watcher.Connected()
}

// InputPort returns the name of the connected MIDI input port, or "".
func (s *Session) InputPort() string {
	if s.watcher == nil {
		return ""
	}
	return s.watcher.PortName()
}

func (s *Session) SetMasterGain(gain float64) {
	s.engine.SetMasterGain(gain)
}

func (s *Session) MasterGain() float64 {
	return s.engine.MasterGain()
}

// ActiveVoiceCount returns the number of synth voices currently sounding.
func (s *Session) ActiveVoiceCount() int {
	return s.engine.ActiveVoiceCount()
}

// ProcessBlock renders one block of interleaved stereo samples into dst.
// Buffered device events are re-based to sample offsets, merged with
// pending commanded notes, applied to the keyboard state, and synthesized.
// The audio backend (or the block pump of a started WithoutAudio session)
// calls this on its own goroutine; call it directly only on a session that
// is not started.
func (s *Session) ProcessBlock(dst []float32) {
	frames := len(dst) / 2
	s.drainBuf = s.collector.DrainBlock(s.drainBuf[:0], frames)
	s.blockBuf = s.state.ProcessBlock(s.blockBuf[:0], s.drainBuf, 0, frames, true)
	s.engine.RenderBlock(dst, s.blockBuf)
}

// Watch returns a channel that receives a NoteEvent for every keyboard
// state change, whether commanded or decoded from the device stream.
// The channel is buffered (cap 64); when the receiver falls behind the
// oldest event is dropped so recent activity is always visible.
func (s *Session) Watch() <-chan NoteEvent {
	s.eventChMu.Lock()
	defer s.eventChMu.Unlock()
	if s.eventCh == nil {
		s.eventCh = make(chan NoteEvent, 64)
		s.state.AddListener(&watchForwarder{ch: s.eventCh})
	}
	return s.eventCh
}

type watchForwarder struct {
	ch chan NoteEvent
}

func (w *watchForwarder) NoteOn(channel, note int, velocity float32) {
	w.send(NoteEvent{On: true, Channel: channel, Note: note, Velocity: velocity})
}

func (w *watchForwarder) NoteOff(channel, note int) {
	w.send(NoteEvent{Channel: channel, Note: note})
}

func (w *watchForwarder) send(ev NoteEvent) {
	// Drop the oldest until the event fits. Bounded: concurrent senders can
	// steal the slot a drop opened, but each iteration removes an event, so
	// a few rounds always find room unless senders outnumber the buffer.
	for i := 0; i < 8; i++ {
		select {
		case w.ch <- ev:
			return
		default:
		}
		select {
		case <-w.ch:
		default:
		}
	}
}

// InputPorts lists the names of the MIDI input ports currently available.
func InputPorts() ([]string, error) {
	return intdev.Ports()
}
