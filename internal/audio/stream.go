// Package audio drives a BlockSource from the platform audio output. Each
// read from the audio driver becomes one processed block: the source is
// asked to fill it, and whatever midi events were collected since the last
// block get rendered at their sample offsets inside it.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// BlockSource produces one block of interleaved stereo float32 frames per
// call. Calls arrive on the audio goroutine; implementations must be
// non-blocking and bounded (see the collector's drain contract).
type BlockSource interface {
	ProcessBlock(dst []float32)
}

// StreamReader adapts a BlockSource to the io.Reader the audio driver
// consumes (little-endian float32 frames). The scratch block is reused
// across reads so the audio path does not allocate at steady state.
type StreamReader struct {
	mu     sync.Mutex
	source BlockSource
	block  []float32
}

func NewStreamReader(source BlockSource) *StreamReader {
	return &StreamReader{source: source}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.block) < need {
		r.block = make([]float32, need)
	}
	r.block = r.block[:need]
	r.source.ProcessBlock(r.block)
	for i := 0; i < need; i++ {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(r.block[i]))
	}
	return frames * 8, nil
}

func (r *StreamReader) Close() error { return nil }

// Output owns the platform audio player for one BlockSource.
type Output struct {
	player *ebitaudio.Player
	reader io.ReadCloser
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// sharedAudioContext returns the process-wide audio context. The underlying
// driver only supports one context, so a second sample rate is an error.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

func NewOutput(sampleRate int, source BlockSource) (*Output, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, err
	}
	return &Output{player: pl, reader: reader}, nil
}

func (o *Output) Play()  { o.player.Play() }
func (o *Output) Pause() { o.player.Pause() }
func (o *Output) IsPlaying() bool {
	return o.player.IsPlaying()
}

func (o *Output) Stop() error {
	o.player.Pause()
	o.player.Close()
	return o.reader.Close()
}
