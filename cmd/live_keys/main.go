package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/cbegin/midistate-go"
)

const (
	windowW      = 820
	windowH      = 260
	uiSampleRate = 48000
	uiChannel    = 1

	keyW     = 40
	keyH     = 120
	keyTop   = 90
	keyLeft  = 30
	minNote  = 48 // C3 at octave shift 0
	keyCount = 17
)

var (
	bgColor      = color.RGBA{24, 24, 32, 255}
	keyUpColor   = color.RGBA{192, 192, 192, 255}
	keyDownColor = color.RGBA{0, 0, 128, 255}
	borderColor  = color.RGBA{64, 64, 64, 255}
)

// keyboardMap lays two rows of a QWERTY keyboard onto a chromatic scale,
// tracker style: Z row is the lower octave, Q row the upper.
var keyboardMap = []struct {
	key    ebiten.Key
	offset int
}{
	{ebiten.KeyZ, 0}, {ebiten.KeyS, 1}, {ebiten.KeyX, 2}, {ebiten.KeyD, 3},
	{ebiten.KeyC, 4}, {ebiten.KeyV, 5}, {ebiten.KeyG, 6}, {ebiten.KeyB, 7},
	{ebiten.KeyH, 8}, {ebiten.KeyN, 9}, {ebiten.KeyJ, 10}, {ebiten.KeyM, 11},
	{ebiten.KeyQ, 12}, {ebiten.Key2, 13}, {ebiten.KeyW, 14}, {ebiten.Key3, 15},
	{ebiten.KeyE, 16}, {ebiten.KeyR, 17}, {ebiten.Key5, 18}, {ebiten.KeyT, 19},
	{ebiten.Key6, 20}, {ebiten.KeyY, 21}, {ebiten.Key7, 22}, {ebiten.KeyU, 23},
	{ebiten.KeyI, 24},
}

type game struct {
	session  *midistate.Session
	octave   int // shift in octaves relative to minNote
	velocity float32
	status   string
}

func (g *game) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		return ebiten.Termination
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyLeftBracket) && g.octave > -2 {
		g.octave--
		g.session.AllNotesOff(uiChannel)
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyRightBracket) && g.octave < 3 {
		g.octave++
		g.session.AllNotesOff(uiChannel)
	}
	if inpututil.IsKeyJustPressed(ebiten.KeySpace) {
		g.session.AllNotesOff(0)
	}

	for _, m := range keyboardMap {
		note := minNote + g.octave*12 + m.offset
		if note < 0 || note > 127 {
			continue
		}
		if inpututil.IsKeyJustPressed(m.key) {
			g.session.NoteOn(uiChannel, note, g.velocity)
		}
		if inpututil.IsKeyJustReleased(m.key) {
			g.session.NoteOff(uiChannel, note)
		}
	}
	return nil
}

func (g *game) Draw(screen *ebiten.Image) {
	screen.Fill(bgColor)
	g.drawKeys(screen)

	header := fmt.Sprintf("octave %+d ([ ] to shift)  voices %d  space: all notes off",
		g.octave, g.session.ActiveVoiceCount())
	if g.session.InputConnected() {
		header += "  midi: " + g.session.InputPort()
	} else if g.status != "" {
		header += "  " + g.status
	}
	ebitenutil.DebugPrintAt(screen, header, keyLeft, 20)
	ebitenutil.DebugPrintAt(screen, "Z..M lower octave, Q..I upper", keyLeft, 44)
}

// drawKeys renders a chromatic strip of keys, lit when held on any
// channel so hardware input shows up alongside the computer keyboard.
func (g *game) drawKeys(screen *ebiten.Image) {
	base := minNote + g.octave*12
	for i := 0; i < keyCount; i++ {
		note := base + i
		if note < 0 || note > 127 {
			continue
		}
		x := float64(keyLeft + i*(keyW+4))
		col := keyUpColor
		if g.session.IsNoteOnForChannels(0xffff, note) {
			col = keyDownColor
		}
		ebitenutil.DrawRect(screen, x, keyTop, keyW, keyH, borderColor)
		ebitenutil.DrawRect(screen, x+1, keyTop+1, keyW-2, keyH-2, col)
	}
}

func (g *game) Layout(outsideW, outsideH int) (int, int) {
	return windowW, windowH
}

func main() {
	var (
		portMatch = flag.String("port", "", "also take MIDI input from a matching port")
		withMIDI  = flag.Bool("midi", false, "enable MIDI device input")
		velocity  = flag.Float64("velocity", 0.8, "note velocity for computer keys (0..1)")
	)
	flag.Parse()

	opts := []midistate.SessionOption{}
	if *withMIDI || *portMatch != "" {
		opts = append(opts, midistate.WithMIDIInput(*portMatch))
	}
	session, err := midistate.NewSession(uiSampleRate, opts...)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()
	session.Start()

	g := &game{session: session, velocity: float32(*velocity), status: "no midi device"}

	ebiten.SetWindowSize(windowW, windowH)
	ebiten.SetWindowTitle("live keys")
	if err := ebiten.RunGame(g); err != nil {
		log.Fatal(err)
	}
}
