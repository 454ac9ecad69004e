// Package collector funnels realtime midi events from arbitrary producer
// goroutines into blocks suitable for a block-based audio callback. Events
// are stamped with their host arrival time on the way in; draining a block
// re-bases every buffered event onto that block's 0..numSamples-1 sample
// offsets.
package collector

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cbegin/midistate-go/internal/midievent"
)

// Clock supplies the current host time. Injectable so tests can pin the
// drain instant; the default is time.Now, whose monotonic reading makes the
// elapsed-time arithmetic immune to wall clock adjustments.
type Clock func() time.Time

// Collector owns a host-time-ordered buffer of events. Add and DrainBlock
// may overlap freely from different goroutines; the lock is held only for
// work proportional to the number of events buffered since the last drain,
// never to any system-wide quantity.
type Collector struct {
	mu         sync.Mutex
	clock      Clock
	sampleRate float64
	queue      []midievent.HostEvent
}

func New() *Collector {
	return NewWithClock(time.Now)
}

func NewWithClock(clock Clock) *Collector {
	if clock == nil {
		clock = time.Now
	}
	return &Collector{clock: clock}
}

// Reset clears the buffer and records the sample rate used to convert
// host-time deltas into sample counts. It must be called before the first
// drain and again whenever the sample rate changes. A non-positive or
// non-finite rate is a configuration error and is rejected here rather than
// surfacing as nonsense offsets later.
func (c *Collector) Reset(sampleRate float64) error {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return fmt.Errorf("collector: invalid sample rate %v", sampleRate)
	}
	c.mu.Lock()
	c.sampleRate = sampleRate
	c.queue = c.queue[:0]
	c.mu.Unlock()
	return nil
}

// Add stamps the event with the current host time and appends it to the
// buffer. It will come back out of the next DrainBlock call.
func (c *Collector) Add(ev midievent.Event) {
	c.AddAt(ev, c.clock())
}

// AddAt appends an event that already carries an arrival time, for sources
// that stamp closer to the wire.
func (c *Collector) AddAt(ev midievent.Event, at time.Time) {
	c.mu.Lock()
	c.queue = append(c.queue, midievent.HostEvent{Event: ev, Time: at})
	c.mu.Unlock()
}

// Len reports the number of events buffered since the last drain.
func (c *Collector) Len() int {
	c.mu.Lock()
	n := len(c.queue)
	c.mu.Unlock()
	return n
}

// DrainBlock removes every buffered event, re-bases its timestamp to a
// sample offset in [0, numSamples) and appends the results to dst, sorted by
// ascending offset with arrival order preserved among equal offsets.
//
// The offset for an event that arrived at host time t is
// numSamples - round((now-t) * sampleRate), i.e. the block is treated as
// ending "now". Events older than the block clamp to offset 0 rather than
// being dropped; events arriving mid-drain land after
// the drain's time snapshot and are left for the next block by the lock
// boundary. The drain is total: the buffer is empty afterwards, so each
// event is delivered at most once.
//
// dst is an append target; a caller reusing one backing array across blocks
// keeps this path allocation-free.
func (c *Collector) DrainBlock(dst []midievent.BlockEvent, numSamples int) []midievent.BlockEvent {
	if numSamples <= 0 {
		return dst
	}
	start := len(dst)
	c.mu.Lock()
	now := c.clock()
	for _, he := range c.queue {
		elapsed := now.Sub(he.Time).Seconds()
		offset := numSamples - int(math.Round(elapsed*c.sampleRate))
		if offset < 0 {
			offset = 0
		}
		if offset > numSamples-1 {
			offset = numSamples - 1
		}
		dst = append(dst, midievent.BlockEvent{Event: he.Event, Offset: offset})
	}
	c.queue = c.queue[:0]
	c.mu.Unlock()

	// Insertion sort: arrival times are mostly increasing so the slice is
	// nearly sorted already, and the sort is stable, which keeps arrival
	// order among events that map to the same offset.
	for i := start + 1; i < len(dst); i++ {
		key := dst[i]
		j := i - 1
		for j >= start && dst[j].Offset > key.Offset {
			dst[j+1] = dst[j]
			j--
		}
		dst[j+1] = key
	}
	return dst
}

// NoteOn lets the collector act as a keyboard state listener: a commanded
// key press is synthesized into an event at "now" and buffered, flowing
// through the same re-basing path as hardware input.
func (c *Collector) NoteOn(channel, note int, velocity float32) {
	c.Add(midievent.NoteOn(uint8(channel), uint8(note), velocity))
}

// NoteOff is the NoteOn counterpart.
func (c *Collector) NoteOff(channel, note int) {
	c.Add(midievent.NoteOff(uint8(channel), uint8(note)))
}
