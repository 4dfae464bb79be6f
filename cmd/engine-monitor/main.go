// Command engine-monitor is a message-plane-only graph monitor: it never
// touches the graph, a port, or a module directly (spec.md §1 "GUI toolkits
// ... communicate exclusively via the message plane") — it only reads the
// subscribed-output transfers a block produces and renders a status strip,
// the SDL2 client analogue of the teacher's plain SDL2 UI.go (as opposed to
// the Fyne-based plugin UI).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/veandco/go-sdl2/sdl"

	"audiorack/internal/catalog"
	"audiorack/internal/catalog/testplugin"
	"audiorack/internal/engine"
	"audiorack/internal/port"
)

const (
	windowWidth  = 640
	windowHeight = 120
	barHeight    = 24
)

func main() {
	scale := flag.Int("scale", 1, "Window scale (1-4)")
	flag.Parse()
	if *scale < 1 || *scale > 4 {
		fmt.Fprintln(os.Stderr, "Error: scale must be between 1 and 4")
		os.Exit(1)
	}

	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize SDL: %v\n", err)
		os.Exit(1)
	}
	defer sdl.Quit()

	window, err := sdl.CreateWindow(
		"audiorack engine-monitor",
		sdl.WINDOWPOS_CENTERED, sdl.WINDOWPOS_CENTERED,
		int32(windowWidth*(*scale)), int32(windowHeight*(*scale)),
		sdl.WINDOW_SHOWN,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create window: %v\n", err)
		os.Exit(1)
	}
	defer window.Destroy()

	renderer, err := sdl.CreateRenderer(window, -1, sdl.RENDERER_ACCELERATED)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create renderer: %v\n", err)
		os.Exit(1)
	}
	defer renderer.Destroy()

	// In this standalone demo the monitor embeds the engine it watches (no
	// separate process boundary is wired up); a real deployment would have
	// the driver own the Service and expose only its message plane and its
	// RunBlock return value across a socket. Either way this file only ever
	// reads the Transfer slice RunBlock hands back, never the graph directly.
	cat := catalog.NewStaticCatalog(nil)
	cat.Register(catalog.Entry{Descriptor: testplugin.Descriptor(), Factory: testplugin.NewOscillatorFactory()})
	svc := engine.NewService(engine.Config{SampleRate: 48000, MaxBlockSize: 256, SeqSize: 4096, RingCapacity: 1024}, cat)
	svc.Start()
	defer svc.Shutdown()

	if _, err := svc.AddModule(testplugin.OscillatorURI); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed monitor graph: %v\n", err)
		os.Exit(1)
	}

	var lastLevels []float32
	running := true
	for running {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch event.(type) {
			case *sdl.QuitEvent:
				running = false
			}
		}

		lastLevels = lastLevels[:0]
		for _, tr := range svc.RunBlock(256) {
			switch tr.Protocol {
			case port.ProtocolPeak:
				lastLevels = append(lastLevels, tr.Peak)
			case port.ProtocolFloat:
				lastLevels = append(lastLevels, tr.Scalar)
			}
		}

		renderer.SetDrawColor(20, 20, 20, 255)
		renderer.Clear()
		renderer.SetDrawColor(60, 200, 120, 255)
		for i, lvl := range lastLevels {
			h := int32(lvl * barHeight)
			if h < 0 {
				h = 0
			}
			rect := sdl.Rect{X: int32(i * 8 * (*scale)), Y: int32(windowHeight*(*scale) - int(h)), W: int32(6 * (*scale)), H: h}
			renderer.FillRect(&rect)
		}
		renderer.Present()
		sdl.Delay(16)
	}
}
