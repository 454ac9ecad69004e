// Package device connects hardware MIDI inputs to an event sink. A Watcher
// keeps a connection to the preferred input port alive across hot-plug and
// hot-unplug, decoding note messages into events as they arrive.
package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/cbegin/midistate-go/internal/midievent"
)

// Sink receives decoded events from a connected port. The collector
// satisfies it.
type Sink interface {
	Add(ev midievent.Event)
}

// Virtual/system ports that are never auto-connected.
var excludedPatterns = []string{"Midi Through", "Through Port", "Dummy"}

const rescanInterval = time.Second

// Ports lists the names of the available MIDI input ports.
func Ports() ([]string, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	defer drv.Close()
	ins, err := drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	names := make([]string, len(ins))
	for i, in := range ins {
		names[i] = in.String()
	}
	return names, nil
}

// Watcher monitors available MIDI inputs and keeps a connection to the
// first port whose name contains match (case-insensitive; empty matches any
// non-excluded port). Note on/off messages from the connected port are
// decoded and handed to the sink; everything else is discarded here since
// the state tracker would ignore it anyway.
//
// onChange, if non-nil, is called with the connection state whenever it
// flips. It runs on whichever goroutine called Tick.
type Watcher struct {
	mu           sync.Mutex
	drv          *rtmididrv.Driver
	sink         Sink
	match        string
	in           drivers.In
	stopFn       func()
	connected    bool
	lastRescanAt time.Time
	onChange     func(connected bool, portName string)
}

func NewWatcher(sink Sink, match string, onChange func(bool, string)) (*Watcher, error) {
	if sink == nil {
		return nil, fmt.Errorf("device: nil sink")
	}
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &Watcher{
		drv:      drv,
		sink:     sink,
		match:    strings.ToLower(match),
		onChange: onChange,
	}, nil
}

// Close shuts down the active connection and the rtmidi driver.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeConnLocked()
	w.drv.Close()
}

// Connected reports whether a port is currently open.
func (w *Watcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// PortName returns the name of the connected port, or "".
func (w *Watcher) PortName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.in == nil {
		return ""
	}
	return w.in.String()
}

// Tick scans for devices, auto-connects to a matching one, and detects
// disappearances. Call it on a regular interval from a pump loop; scans are
// internally rate-limited so a faster caller is harmless.
func (w *Watcher) Tick() {
	w.mu.Lock()

	now := time.Now()
	if !w.lastRescanAt.IsZero() && now.Sub(w.lastRescanAt) < rescanInterval {
		w.mu.Unlock()
		return
	}
	w.lastRescanAt = now

	ins, err := w.drv.Ins()
	if err != nil {
		w.mu.Unlock()
		return
	}

	if w.connected {
		if !portPresent(ins, w.in.String()) {
			w.closeConnLocked()
			cb, name := w.onChange, ""
			w.mu.Unlock()
			if cb != nil {
				cb(false, name)
			}
			return
		}
		w.mu.Unlock()
		return
	}

	for _, in := range ins {
		name := in.String()
		if excludedPort(name) {
			continue
		}
		if w.match != "" && !strings.Contains(strings.ToLower(name), w.match) {
			continue
		}
		if err := w.connectLocked(in); err != nil {
			continue
		}
		cb := w.onChange
		w.mu.Unlock()
		if cb != nil {
			cb(true, name)
		}
		return
	}
	w.mu.Unlock()
}

func (w *Watcher) connectLocked(in drivers.In) error {
	if err := in.Open(); err != nil {
		return fmt.Errorf("open %q: %w", in.String(), err)
	}
	stop, err := midi.ListenTo(in, func(msg midi.Message, timestampms int32) {
		ev := midievent.FromMessage(msg)
		if ev.Kind == midievent.KindOther {
			return
		}
		w.sink.Add(ev)
	})
	if err != nil {
		in.Close()
		return err
	}
	w.in = in
	w.stopFn = stop
	w.connected = true
	return nil
}

func (w *Watcher) closeConnLocked() {
	if w.stopFn != nil {
		w.stopFn()
		w.stopFn = nil
	}
	if w.in != nil {
		w.in.Close()
		w.in = nil
	}
	w.connected = false
}

func portPresent(ins []drivers.In, name string) bool {
	for _, in := range ins {
		if in.String() == name {
			return true
		}
	}
	return false
}

func excludedPort(name string) bool {
	for _, pat := range excludedPatterns {
		if strings.Contains(name, pat) {
			return true
		}
	}
	return false
}
