package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/gradsense/internal/config"
	"github.com/shaunagostinho/gradsense/internal/fieldview"
	"github.com/shaunagostinho/gradsense/internal/frame"
	"github.com/shaunagostinho/gradsense/internal/publish"
	"github.com/shaunagostinho/gradsense/internal/recorder"
	"github.com/shaunagostinho/gradsense/internal/server"
	"github.com/shaunagostinho/gradsense/internal/sim"
	"github.com/shaunagostinho/gradsense/internal/transport"
)

const usage = `usage: fieldview [flags] <command>

commands:
  ping               check the board answers
  info               print sensor count and frame size
  read               take one frame
  stream [-hz N] [-n count]
                     stream frames to stdout as JSON lines
  serve              relay frames over WebSocket, CSV and MQTT

flags:
`

func main() {
	configPath := flag.String("config", "/etc/gradsense/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Talk to a simulated board instead of the serial port")
	portPath := flag.String("port", "", "Override serial port (e.g. /dev/ttyACM0)")
	baud := flag.Int("baud", 0, "Override baud rate")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	verbose := flag.Bool("v", false, "Log transport and protocol details")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfg := config.Load(*configPath)
	if *portPath != "" {
		cfg.Serial.PortPath = *portPath
	}
	if *baud > 0 {
		cfg.Serial.BaudRate = *baud
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
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

	var lg *log.Logger
	if *verbose {
		lg = log.Default()
	}

	var open fieldview.Opener
	if *demo {
		b := sim.NewBoard(sim.Nodes(len(cfg.Device.Nodes), time.Now().UnixNano(), cfg.Device.SimulateFailure, 0), lg)
		defer b.Close()
		open = b.Open
	} else {
		open = transport.Opener(transport.Config{
			PortPath:  cfg.Serial.PortPath,
			BaudRate:  cfg.Serial.BaudRate,
			Settle:    cfg.Serial.Settle(),
			DrainFor:  cfg.Serial.Drain(),
			KeepLines: cfg.Serial.KeepLines,
			Log:       lg,
		})
	}

	client := fieldview.New(open, lg)
	if cfg.Serial.Attempts > 0 {
		client.Attempts = cfg.Serial.Attempts
	}
	if cfg.Serial.TimeoutMs > 0 {
		client.Timeout = cfg.Serial.Timeout()
	}

	cmd := "ping"
	args := flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "ping":
		err = runPing(ctx, client)
	case "info":
		err = runInfo(ctx, client)
	case "read":
		err = runRead(ctx, client)
	case "stream":
		err = runStream(ctx, client, cfg.Serial.StreamHz, args)
	case "serve":
		err = runServe(ctx, client, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Printf("[main] %s: %v", cmd, err)
		os.Exit(1)
	}
}

func runPing(ctx context.Context, c *fieldview.Client) error {
	ok, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("board answered ERR")
	}
	fmt.Println("PONG")
	return nil
}

func runInfo(ctx context.Context, c *fieldview.Client) error {
	info, err := c.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("sensors=%d frame_bytes=%d\n", info.Sensors, info.FrameBytes)
	if info.FrameBytes != frame.Size {
		log.Printf("[main] board frame size %d differs from ours (%d)", info.FrameBytes, frame.Size)
	}
	return nil
}

func runRead(ctx context.Context, c *fieldview.Client) error {
	f, err := c.Read(ctx)
	if err != nil {
		return err
	}
	printFrame(f)
	return nil
}

func printFrame(f *frame.Frame) {
	fmt.Printf("id=%d t=%dms\n", f.ID, f.Timestamp)
	for i := 0; i < f.Nodes(); i++ {
		v := f.Node(i)
		fmt.Printf("  node%d  x=%9.3f  y=%9.3f  z=%9.3f  t=%6.2f\n", i, v[0], v[1], v[2], v[3])
	}
}

var errCountReached = errors.New("count reached")

func runStream(ctx context.Context, c *fieldview.Client, defaultHz int, args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	hz := fs.Int("hz", defaultHz, "Frames per second (1-1000)")
	count := fs.Int("n", 0, "Stop after this many frames (0 = until interrupted)")
	fs.Parse(args)

	enc := json.NewEncoder(os.Stdout)
	n := 0
	stats, err := c.Follow(ctx, *hz, func(f *frame.Frame) error {
		if err := enc.Encode(f); err != nil {
			return err
		}
		n++
		if *count > 0 && n >= *count {
			return errCountReached
		}
		return nil
	})
	log.Printf("[main] stream: received=%d lost=%d dup=%d bad=%d",
		stats.Received, stats.Lost, stats.Duplicates, stats.DecodeErrors)
	if errors.Is(err, errCountReached) {
		return nil
	}
	return err
}

func runServe(ctx context.Context, c *fieldview.Client, cfg *config.Config) error {
	rec := recorder.New(recorder.Config{
		Enabled: cfg.Recorder.Enabled,
		Path:    cfg.Recorder.Path,
		MaxRows: cfg.Recorder.MaxRows,
	})

	var sinks []server.Sink
	if cfg.MQTT.Enabled {
		pub := publish.New(publish.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      byte(cfg.MQTT.QoS),
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Log:      log.Default(),
		})
		go pub.Run(ctx)
		sinks = append(sinks, pub)
	}

	hz := cfg.Serial.StreamHz
	source := func(ctx context.Context, fn func(*frame.Frame) error) error {
		if !connectWithRetry(ctx, "board", func() error {
			ok, err := c.Ping(ctx)
			if err == nil && !ok {
				err = errors.New("board answered ERR")
			}
			return err
		}, 10) {
			return ctx.Err()
		}
		_, err := c.Follow(ctx, hz, fn)
		return err
	}

	// The server starts even while the board is still connecting
	srv := server.New(cfg, source, rec, sinks...)
	return srv.Run(ctx)
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. Returns false if ctx ended.
func connectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		err := connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return true
		}
		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
