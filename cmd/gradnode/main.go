package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/gradsense/internal/board"
	"github.com/shaunagostinho/gradsense/internal/config"
	"github.com/shaunagostinho/gradsense/internal/firmware"
	"github.com/shaunagostinho/gradsense/internal/sampler"
	"github.com/shaunagostinho/gradsense/internal/sim"
)

func main() {
	configPath := flag.String("config", "/etc/gradsense/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Sample simulated sensors instead of the I2C buses")
	input := flag.String("input", "", "Serial device to answer on (default stdin/stdout)")
	flag.Parse()

	// Protocol output owns stdout; logs go to stderr
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] gradnode starting")

	cfg := config.Load(*configPath)
	if *input != "" {
		cfg.Device.InputPort = *input
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, cfg, *demo, log.Default()); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

// run owns every opened resource, so its deferred closes run before main
// exits on an error.
func run(ctx context.Context, cfg *config.Config, demo bool, lg *log.Logger) error {
	policy := cfg.Device.Policy()

	var nodes []sampler.Node
	if demo {
		nodes = sim.Nodes(len(cfg.Device.Nodes), time.Now().UnixNano(), cfg.Device.SimulateFailure, cfg.Device.SimulateFailure/10)
	} else {
		arr, err := board.Open(cfg.Device.Board(lg))
		if err != nil {
			return err
		}
		defer arr.Close()
		nodes = arr.Nodes
	}
	smp := sampler.New(nodes, policy.Threshold, lg)

	in, out, closer, err := openLink(cfg.Device)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	dev := firmware.NewDevice(smp, out, lg)
	if err := dev.Run(ctx, in, firmware.SinceBoot()); err != nil && !errors.Is(err, context.Canceled) {
		lg.Printf("[main] device loop exited: %v", err)
	}
	for _, st := range smp.Stats() {
		lg.Printf("[main] %s: reads=%d failures=%d recoveries=%d", st.Name, st.Reads, st.Failures, st.Recoveries)
	}
	return nil
}

// openLink returns the command input and protocol output. The serial port
// is left blocking: the device loop reads it from its own goroutine.
func openLink(d config.DeviceConfig) (io.Reader, io.Writer, io.Closer, error) {
	if d.InputPort == "" {
		return os.Stdin, os.Stdout, nil, nil
	}
	baud := d.InputBaudRate
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.Open(d.InputPort, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", d.InputPort, err)
	}
	log.Printf("[main] answering on %s at %d baud", d.InputPort, baud)
	return port, port, port, nil
}
