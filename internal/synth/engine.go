// Package synth is a small polyphonic engine that turns block-scoped midi
// events into stereo audio. It exists to give the collector's drained blocks
// a real consumer: events are applied at their exact sample offset while the
// block renders, so a note that landed at offset 37 starts sounding at
// sample 37.
//
// The engine is single-goroutine by design: only the audio block goroutine
// calls RenderBlock. Master gain is the one knob adjustable from elsewhere
// and goes through an atomic.
package synth

import (
	"math"
	"sync/atomic"

	"github.com/cbegin/midistate-go/internal/midievent"
)

const twoPi = math.Pi * 2

type Params struct {
	Polyphony    int
	ModMul       float64 // modulator frequency multiple
	ModIndex     float64 // FM modulation depth
	AttackSec    float64
	DecaySec     float64
	SustainLvl   float64
	ReleaseSec   float64
	MasterGain   float64
	VelocityAmp  float64 // how much velocity scales amplitude
	VibratoDepth float64 // semitones
	VibratoHz    float64
	LPFCutoff    float64 // lowpass cutoff in Hz (0 = disabled)
}

func DefaultParams() Params {
	return Params{
		Polyphony:    32,
		ModMul:       2.0,
		ModIndex:     1.2,
		AttackSec:    0.004,
		DecaySec:     0.10,
		SustainLvl:   0.7,
		ReleaseSec:   0.25,
		MasterGain:   0.4,
		VelocityAmp:  0.8,
		VibratoDepth: 0,
		VibratoHz:    5.5,
		LPFCutoff:    12000,
	}
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type voice struct {
	active   bool
	channel  int
	note     int
	velocity float64
	freq     float64
	phase    float64
	modPhase float64
	env      float64
	envState envState
	pan      float64
}

type Engine struct {
	sampleRate float64
	params     Params
	voices     []voice
	masterGain uint64 // float64 bits, atomic
	vibPhase   float64
	lpfL       float64
	lpfR       float64
	lpfAlpha   float64
}

func New(sampleRate int, params Params) *Engine {
	if params.Polyphony <= 0 {
		params.Polyphony = 32
	}
	e := &Engine{
		sampleRate: float64(sampleRate),
		params:     params,
		voices:     make([]voice, params.Polyphony),
		masterGain: math.Float64bits(params.MasterGain),
	}
	if params.LPFCutoff > 0 && params.LPFCutoff < float64(sampleRate)/2 {
		rc := 1.0 / (twoPi * params.LPFCutoff)
		dt := 1.0 / float64(sampleRate)
		e.lpfAlpha = dt / (rc + dt)
	}
	return e
}

// NoteOn starts (or retriggers) the voice for a (channel, note) key.
func (e *Engine) NoteOn(channel, note int, velocity float32) {
	slot := e.findVoice(channel, note)
	if slot < 0 {
		slot = e.stealVoice()
	}
	v := &e.voices[slot]
	*v = voice{
		active:   true,
		channel:  channel,
		note:     note,
		velocity: clamp(float64(velocity), 0, 1),
		freq:     midiToFreq(note),
		envState: envAttack,
		// Spread keys across the stereo field a little.
		pan: clamp(float64(note-64)/64.0*0.5, -1, 1),
	}
}

// NoteOff releases the voice for a key; the envelope runs out its release
// tail. A key with no sounding voice is a no-op.
func (e *Engine) NoteOff(channel, note int) {
	for i := range e.voices {
		v := &e.voices[i]
		if v.active && v.channel == channel && v.note == note && v.envState != envRelease {
			v.envState = envRelease
		}
	}
}

// AllNotesOff releases every sounding voice.
func (e *Engine) AllNotesOff() {
	for i := range e.voices {
		if e.voices[i].active {
			e.voices[i].envState = envRelease
		}
	}
}

func (e *Engine) ActiveVoiceCount() int {
	n := 0
	for i := range e.voices {
		if e.voices[i].active {
			n++
		}
	}
	return n
}

func (e *Engine) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	atomic.StoreUint64(&e.masterGain, math.Float64bits(gain))
}

func (e *Engine) MasterGain() float64 {
	return math.Float64frombits(atomic.LoadUint64(&e.masterGain))
}

// RenderBlock renders one block of interleaved stereo frames into dst,
// applying each event at its sample offset. events must be sorted by
// ascending offset (the collector and state tracker both guarantee this).
// Offsets past the end of the block are applied after the last frame so the
// transition is not lost.
func (e *Engine) RenderBlock(dst []float32, events []midievent.BlockEvent) {
	frames := len(dst) / 2
	ei := 0
	for f := 0; f < frames; f++ {
		for ei < len(events) && events[ei].Offset <= f {
			e.applyEvent(events[ei].Event)
			ei++
		}
		l, r := e.renderFrame()
		dst[f*2] = l
		dst[f*2+1] = r
	}
	for ; ei < len(events); ei++ {
		e.applyEvent(events[ei].Event)
	}
}

func (e *Engine) applyEvent(ev midievent.Event) {
	switch ev.Kind {
	case midievent.KindNoteOn:
		e.NoteOn(int(ev.Channel), int(ev.Note), ev.Velocity)
	case midievent.KindNoteOff:
		e.NoteOff(int(ev.Channel), int(ev.Note))
	}
}

func (e *Engine) renderFrame() (float32, float32) {
	vib := 0.0
	if e.params.VibratoDepth > 0 && e.params.VibratoHz > 0 {
		e.vibPhase += e.params.VibratoHz / e.sampleRate
		if e.vibPhase >= 1 {
			e.vibPhase -= 1
		}
		// Triangle wave in [-depth, +depth] semitones.
		tri := 4.0*e.vibPhase - 1.0
		if e.vibPhase >= 0.5 {
			tri = 3.0 - 4.0*e.vibPhase
		}
		vib = tri * e.params.VibratoDepth
	}
	freqMul := 1.0
	if vib != 0 {
		freqMul = math.Pow(2, vib/12.0)
	}

	gain := e.MasterGain()
	var l, r float64
	for i := range e.voices {
		v := &e.voices[i]
		if !v.active {
			continue
		}
		e.advanceEnv(v)
		if v.envState == envOff {
			v.active = false
			continue
		}
		mod := math.Sin(v.modPhase) * e.params.ModIndex
		sig := math.Sin(v.phase+mod) * v.env
		sig *= gain * (0.2 + v.velocity*e.params.VelocityAmp)
		angle := (v.pan + 1) / 2 * (math.Pi / 2)
		l += sig * math.Cos(angle)
		r += sig * math.Sin(angle)

		step := twoPi * v.freq * freqMul / e.sampleRate
		v.phase += step
		if v.phase > twoPi {
			v.phase -= twoPi
		}
		v.modPhase += step * e.params.ModMul
		if v.modPhase > twoPi {
			v.modPhase -= twoPi
		}
	}
	if e.lpfAlpha > 0 {
		e.lpfL += e.lpfAlpha * (l - e.lpfL)
		e.lpfR += e.lpfAlpha * (r - e.lpfR)
		l = e.lpfL
		r = e.lpfR
	}
	return float32(clamp(l, -1, 1)), float32(clamp(r, -1, 1))
}

func (e *Engine) advanceEnv(v *voice) {
	switch v.envState {
	case envAttack:
		step := 1.0 / (e.params.AttackSec * e.sampleRate)
		if step <= 0 {
			step = 1
		}
		v.env += step
		if v.env >= 1 {
			v.env = 1
			v.envState = envDecay
		}
	case envDecay:
		step := (1 - e.params.SustainLvl) / (e.params.DecaySec * e.sampleRate)
		if step <= 0 {
			step = 1
		}
		v.env -= step
		if v.env <= e.params.SustainLvl {
			v.env = e.params.SustainLvl
			v.envState = envSustain
		}
	case envSustain:
	case envRelease:
		step := 1.0 / (e.params.ReleaseSec * e.sampleRate)
		if step <= 0 {
			step = 1
		}
		v.env -= step
		if v.env <= 0.0001 {
			v.env = 0
			v.envState = envOff
		}
	case envOff:
		v.env = 0
	}
}

func (e *Engine) findVoice(channel, note int) int {
	for i := range e.voices {
		v := &e.voices[i]
		if v.active && v.channel == channel && v.note == note {
			return i
		}
	}
	return -1
}

func (e *Engine) stealVoice() int {
	for i := range e.voices {
		if !e.voices[i].active {
			return i
		}
	}
	// Steal the quietest voice.
	quiet := 0
	minEnv := e.voices[0].env
	for i := 1; i < len(e.voices); i++ {
		if e.voices[i].env < minEnv {
			minEnv = e.voices[i].env
			quiet = i
		}
	}
	return quiet
}

func midiToFreq(note int) float64 {
	return 440 * math.Pow(2, float64(note-69)/12)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
