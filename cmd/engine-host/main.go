package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audiorack/internal/catalog"
	"audiorack/internal/catalog/testplugin"
	"audiorack/internal/engine"
)

func main() {
	sampleRate := flag.Float64("rate", 48000, "Sample rate in Hz")
	blockSize := flag.Int("block", 256, "Block size in samples")
	numSlaves := flag.Int("slaves", 0, "Number of parallel-runner slave goroutines")
	plugin := flag.String("plugin", testplugin.OscillatorURI, "Plugin URI to instantiate for the smoke-test chain")
	flag.Parse()

	if *blockSize <= 0 {
		fmt.Fprintf(os.Stderr, "Error: block size must be > 0\n")
		os.Exit(1)
	}

	cat := catalog.NewStaticCatalog(nil)
	cat.Register(catalog.Entry{Descriptor: testplugin.Descriptor(), Factory: testplugin.NewOscillatorFactory()})

	svc := engine.NewService(engine.Config{
		SampleRate:   *sampleRate,
		MaxBlockSize: *blockSize,
		SeqSize:      4096,
		NumSlaves:    *numSlaves,
		RingCapacity: 1024,
	}, cat)
	svc.Start()
	defer svc.Shutdown()

	urn, err := svc.AddModule(*plugin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error instantiating plugin %q: %v\n", *plugin, err)
		os.Exit(1)
	}

	fmt.Println("audiorack engine-host")
	fmt.Println("======================")
	fmt.Printf("Sample rate: %.0f Hz\n", *sampleRate)
	fmt.Printf("Block size: %d samples\n", *blockSize)
	fmt.Printf("Slaves: %d\n", *numSlaves)
	fmt.Printf("Loaded module: %s (urn %d)\n", *plugin, urn)
	fmt.Println("Running blocks until interrupted (Ctrl+C)...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	blockDuration := time.Duration(float64(*blockSize) / *sampleRate * float64(time.Second))
	ticker := time.NewTicker(blockDuration)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Printf("\nShutting down (xruns: %d).\n", svc.XrunCount())
			return
		case <-ticker.C:
			svc.RunBlock(*blockSize)
		}
	}
}
