package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/robolink/internal/config"
	"github.com/banshee-data/robolink/internal/firmware"
	"github.com/banshee-data/robolink/internal/hal"
	"github.com/banshee-data/robolink/internal/hal/sim"
	"github.com/banshee-data/robolink/internal/journal"
	"github.com/banshee-data/robolink/internal/monitoring"
	"github.com/banshee-data/robolink/internal/protocol"
	"github.com/banshee-data/robolink/internal/timeutil"
	"github.com/banshee-data/robolink/internal/version"
	"github.com/banshee-data/robolink/internal/xbee"
)

var (
	configPath  = flag.String("config", "", "Config file (.yaml, .json or .toml); defaults to "+config.DefaultConfigPath+" when present")
	port        = flag.String("port", "", "Serial port of the radio module (overrides config)")
	devMode     = flag.Bool("dev", false, "Emulate the radio module over UDP instead of opening a serial port")
	listen      = flag.String("listen", "", "Debug HTTP listen address (overrides config)")
	journalPath = flag.String("journal", "", "sqlite frame journal path (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("robolink: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path, or the default path when it exists, or returns
// an empty config that yields every default.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return &config.Config{}, nil
		}
		path = config.DefaultConfigPath
	}
	return config.Load(path)
}

func applyFlags(cfg *config.Config) {
	if *port != "" {
		cfg.Serial.Path = port
	}
	if *devMode {
		mode := "udp"
		cfg.Transport.Mode = &mode
	}
	if *listen != "" {
		cfg.Debug.Listen = listen
	}
	if *journalPath != "" {
		cfg.Journal.Path = journalPath
	}
}

// openTransport returns the module transport and a func that releases
// anything opened alongside it.
func openTransport(ctx context.Context, cfg *config.Config, clock timeutil.Clock, wg *sync.WaitGroup) (*xbee.Transport, func(), error) {
	if cfg.GetTransportMode() == "udp" {
		emu, err := xbee.NewUDPModule(xbee.UDPModuleOptions{
			Listen: cfg.GetUDPListen(),
			SSID:   cfg.GetSSID(),
		})
		if err != nil {
			return nil, nil, err
		}
		monitoring.Logf("emulating radio module on udp %s", emu.LocalAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := emu.Serve(ctx); err != nil {
				monitoring.Logf("module emulator stopped: %v", err)
			}
		}()
		return xbee.NewTransport(emu, clock), func() { emu.Close() }, nil
	}

	tr, err := xbee.NewSerialTransport(cfg.GetSerialPath(), xbee.PortOptions{
		BaudRate: cfg.GetBaudRate(),
		DataBits: cfg.GetDataBits(),
		StopBits: cfg.GetStopBits(),
		Parity:   cfg.GetParity(),
	}, nil, clock)
	if err != nil {
		return nil, nil, err
	}
	monitoring.Logf("opened radio module on %s at %d baud", cfg.GetSerialPath(), cfg.GetBaudRate())
	return tr, func() {}, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := monitoring.NewLogger(monitoring.LogOptions{
		Level:      cfg.GetLogLevel(),
		Format:     cfg.GetLogFormat(),
		File:       cfg.GetLogFile(),
		MaxSizeMB:  cfg.GetLogMaxSizeMB(),
		MaxBackups: cfg.GetLogMaxBackups(),
		MaxAgeDays: cfg.GetLogMaxAgeDays(),
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	monitoring.Install(logger)
	monitoring.Logf("starting %s", version.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clock := timeutil.RealClock{}
	var wg sync.WaitGroup

	tr, release, err := openTransport(ctx, cfg, clock, &wg)
	if err != nil {
		return err
	}
	defer release()
	defer tr.Close()

	pins := hal.DefaultPins()
	if err := pins.Apply(cfg.Pins); err != nil {
		return err
	}
	robot := sim.NewRobot(clock, pins)

	peer := protocol.NewPeer(cfg.GetPeerAddress(), cfg.GetPeerPort())
	opts := firmware.Options{
		Peer: peer,
		Pins: pins,
		Network: firmware.Network{
			SSID:       cfg.GetSSID(),
			Passphrase: cfg.GetPassphrase(),
			Encryption: cfg.GetEncryption(),
		},
		PollTimeout:        cfg.GetPollTimeout(),
		HeartbeatThreshold: cfg.GetHeartbeatThreshold(),
		LongHold:           cfg.GetLongHold(),
		SetupAckTimeout:    cfg.GetSetupAckTimeout(),
	}

	var jrnl *journal.Journal
	if path := cfg.GetJournalPath(); path != "" {
		jrnl, err = journal.Open(path, journal.Options{Peer: peer.String(), Clock: clock})
		if err != nil {
			return err
		}
		defer jrnl.Close()
		opts.Recorder = jrnl
	}

	counter := timeutil.NewClockCounter(clock, cfg.GetTickFrequency())
	device := firmware.New(tr, robot, clock, counter, opts)

	// run the monitor routine to manage IO on the module's port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tr.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("failed to monitor radio module: %v", err)
		}
		monitoring.Logf("monitor routine terminated")
	}()

	if addr := cfg.GetDebugListen(); addr != "" {
		mux := http.NewServeMux()
		tr.AttachAdminRoutes(mux)
		robot.AttachAdminRoutes(mux)
		device.AttachAdminRoutes(mux)
		if jrnl != nil {
			if err := jrnl.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(ctx, addr, mux)
		}()
	}

	err = device.Run(ctx)
	interrupted := ctx.Err() != nil
	cancel()
	tr.Close()
	release()
	wg.Wait()

	if interrupted && (errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)) {
		return nil
	}
	return err
}

func serveDebug(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("failed to start debug server: %v", err)
		}
	}()
	monitoring.Logf("debug server listening on %s", addr)

	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
}
