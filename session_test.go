package midistate

import (
	"sync"
	"testing"
	"time"

	intev "github.com/cbegin/midistate-go/internal/midievent"
)

func newOfflineSession(t *testing.T, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(48000, append([]SessionOption{WithoutAudio()}, opts...)...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func blockEnergy(buf []float32) float64 {
	var e float64
	for _, v := range buf {
		e += float64(v) * float64(v)
	}
	return e
}

func TestSessionRejectsBadSampleRate(t *testing.T) {
	if _, err := NewSession(0, WithoutAudio()); err == nil {
		t.Fatal("sample rate 0 should be rejected")
	}
	if _, err := NewSession(-48000, WithoutAudio()); err == nil {
		t.Fatal("negative sample rate should be rejected")
	}
}

func TestCommandedNoteRenders(t *testing.T) {
	s := newOfflineSession(t)
	s.NoteOn(1, 60, 0.8)
	if !s.IsNoteOn(1, 60) {
		t.Fatal("note should be down immediately after NoteOn")
	}

	buf := make([]float32, 2*512)
	s.ProcessBlock(buf)
	if blockEnergy(buf) == 0 {
		t.Fatal("commanded note produced silence")
	}
	if got := s.ActiveVoiceCount(); got != 1 {
		t.Fatalf("active voices = %d, want 1", got)
	}
}

func TestDeviceStreamUpdatesStateAtBlockScan(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := newOfflineSession(t, WithClock(clock))

	// A device event arrives between blocks: buffered, not yet in the table.
	s.collector.AddAt(intev.NoteOn(1, 64, 1), now.Add(-4*time.Millisecond))
	if s.IsNoteOn(1, 64) {
		t.Fatal("buffered device event should not update state before the scan")
	}

	buf := make([]float32, 2*256)
	s.ProcessBlock(buf)
	if !s.IsNoteOn(1, 64) {
		t.Fatal("device note should be down after the block scan")
	}
	if got := s.ActiveVoiceCount(); got != 1 {
		t.Fatalf("active voices = %d, want 1", got)
	}
}

func TestWatchDeliversStateChanges(t *testing.T) {
	s := newOfflineSession(t)
	ch := s.Watch()

	s.NoteOn(2, 72, 0.5)
	select {
	case ev := <-ch:
		if !ev.On || ev.Channel != 2 || ev.Note != 72 || ev.Velocity != 0.5 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no note-on event delivered")
	}

	s.NoteOff(2, 72)
	select {
	case ev := <-ch:
		if ev.On || ev.Channel != 2 || ev.Note != 72 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no note-off event delivered")
	}
}

func TestWatchDropsOldestWhenFull(t *testing.T) {
	s := newOfflineSession(t)
	ch := s.Watch()

	// Overflow the buffer without a receiver; the newest events must survive.
	for n := 0; n < 100; n++ {
		s.NoteOn(1, n, 1)
	}
	var last NoteEvent
	got := 0
	for {
		select {
		case last = <-ch:
			got++
			continue
		default:
		}
		break
	}
	if got == 0 {
		t.Fatal("no events delivered")
	}
	if last.Note != 99 {
		t.Fatalf("last delivered note = %d, want 99", last.Note)
	}
}

func TestStartedAudiolessSessionDrainsDeviceEvents(t *testing.T) {
	s := newOfflineSession(t)
	ch := s.Watch()
	s.Start()
	defer s.Close()

	// A device event with no audio backend pulling blocks: the session's
	// own pump must drain it into the state and out to observers.
	s.collector.Add(intev.NoteOn(1, 60, 0.9))
	select {
	case ev := <-ch:
		if !ev.On || ev.Channel != 1 || ev.Note != 60 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device event was never drained")
	}
	if !s.IsNoteOn(1, 60) {
		t.Fatal("device note should be down after the pump scan")
	}
}

func TestWatchAdmitsNewEventsAfterConcurrentOverflow(t *testing.T) {
	s := newOfflineSession(t)
	ch := s.Watch()

	// Many goroutines overflow the buffer at once; dropping the oldest
	// must still make room for what comes after.
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				s.NoteOn(p+1, n, 1)
			}
		}(p)
	}
	wg.Wait()

	s.NoteOn(9, 100, 1)
	found := false
	for {
		select {
		case ev := <-ch:
			if ev.Channel == 9 && ev.Note == 100 {
				found = true
			}
			continue
		default:
		}
		break
	}
	if !found {
		t.Fatal("event sent after the overflow was dropped")
	}
}

func TestStopReleasesHeldNotes(t *testing.T) {
	s := newOfflineSession(t)
	s.Start()
	s.NoteOn(1, 60, 1)
	s.NoteOn(3, 67, 1)
	s.Stop()
	if s.IsNoteOn(1, 60) || s.IsNoteOn(3, 67) {
		t.Fatal("Stop should release all held notes")
	}
	// Restarting is allowed.
	s.Start()
	s.NoteOn(1, 62, 1)
	if !s.IsNoteOn(1, 62) {
		t.Fatal("session should accept commands after restart")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestConcurrentCommandsAndDeviceEvents(t *testing.T) {
	now := time.Now()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	s := newOfflineSession(t, WithClock(clock), WithPolyphony(16))

	const producers = 4
	const pairs = 250

	stop := make(chan struct{})
	var renders sync.WaitGroup
	renders.Add(1)
	go func() {
		defer renders.Done()
		buf := make([]float32, 2*128)
		for {
			select {
			case <-stop:
				return
			default:
				s.ProcessBlock(buf)
			}
		}
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			note := 30 + p
			for i := 0; i < pairs; i++ {
				if p%2 == 0 {
					s.NoteOn(p+1, note, 0.7)
					s.NoteOff(p+1, note)
				} else {
					s.collector.Add(intev.NoteOn(uint8(p+1), uint8(note), 0.7))
					s.collector.Add(intev.NoteOff(uint8(p+1), uint8(note)))
				}
			}
		}(p)
	}
	wg.Wait()
	close(stop)
	renders.Wait()

	// Drain whatever is still buffered or pending.
	buf := make([]float32, 2*128)
	for i := 0; i < 4; i++ {
		s.ProcessBlock(buf)
	}

	for p := 0; p < producers; p++ {
		if s.IsNoteOn(p+1, 30+p) {
			t.Fatalf("note %d on channel %d still down after balanced on/off pairs", 30+p, p+1)
		}
	}
}
