package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cbegin/midistate-go"
)

func main() {
	var (
		listPorts  = flag.Bool("list", false, "list MIDI input ports and exit")
		portMatch  = flag.String("port", "", "substring of the MIDI input port to use (empty = first available)")
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		silent     = flag.Bool("silent", false, "monitor only, no audio output")
		volume     = flag.Float64("volume", 0, "master gain override (0 = engine default)")
	)
	flag.Parse()

	if *listPorts {
		ports, err := midistate.InputPorts()
		if err != nil {
			log.Fatal(err)
		}
		if len(ports) == 0 {
			fmt.Println("no MIDI input ports found")
			return
		}
		for _, name := range ports {
			fmt.Println(name)
		}
		return
	}

	opts := []midistate.SessionOption{
		midistate.WithMIDIInput(*portMatch),
		midistate.WithDeviceCallback(func(ev midistate.DeviceEvent) {
			if ev.Connected {
				log.Printf("connected to %q", ev.Port)
			} else {
				log.Printf("lost %q, rescanning", ev.Port)
			}
		}),
	}
	if *silent {
		opts = append(opts, midistate.WithoutAudio())
	}
	if *volume > 0 {
		opts = append(opts, midistate.WithMasterGain(*volume))
	}

	session, err := midistate.NewSession(*sampleRate, opts...)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	events := session.Watch()
	session.Start()
	log.Println("waiting for MIDI input, ctrl-c to quit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case ev := <-events:
			if ev.On {
				fmt.Printf("ch %2d  note %3d  on   vel %.2f\n", ev.Channel, ev.Note, ev.Velocity)
			} else {
				fmt.Printf("ch %2d  note %3d  off\n", ev.Channel, ev.Note)
			}
		case <-sig:
			return
		}
	}
}
