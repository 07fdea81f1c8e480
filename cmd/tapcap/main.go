package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petems/tapcap/internal/capture"
	"github.com/petems/tapcap/internal/config"
	"github.com/petems/tapcap/internal/devices"
	"github.com/petems/tapcap/internal/hal/portaudiohal"
	"github.com/petems/tapcap/internal/logging"
	"github.com/petems/tapcap/internal/permissions"
	"github.com/petems/tapcap/internal/tap"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	pid := flag.Int("pid", 0, "process ID to capture (0 = system output mix)")
	name := flag.String("name", "", "display name for the capture target")
	output := flag.String("output", "", "output directory (default from config)")
	device := flag.String("device", "", "loopback input device name (default from config)")
	listDevices := flag.Bool("list-devices", false, "list audio devices and exit")
	duration := flag.Duration("duration", 0, "stop automatically after this long (0 = until interrupted)")
	flag.Parse()

	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logging.NewWithLevel(cfg.LogLevel)
	log.Info().Str("version", Version).Str("commit", Commit).Msg("tapcap starting")

	// macOS requires explicit audio capture approval before taps work
	if err := permissions.EnsurePermissions(); err != nil {
		log.Fatal().Err(err).Msg("Required permissions not granted")
	}

	if *device != "" {
		cfg.Audio.LoopbackDevice = *device
	}
	if *output != "" {
		cfg.OutputDir = *output
	}

	sys, err := portaudiohal.New(cfg.Audio.LoopbackDevice, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio engine")
	}
	defer sys.Close()

	if *listDevices {
		outputs, err := devices.ListOutputCapable(sys, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to enumerate devices")
		}
		for _, id := range outputs {
			uid, _ := devices.ReadUID(sys, id)
			channels, _ := devices.ReadChannelCount(sys, id)
			fmt.Printf("%4d  %-40s %d output channels\n", id, uid, channels)
		}
		return
	}

	var target tap.Target
	if *pid > 0 {
		target = tap.Process(int32(*pid), *name)
	} else {
		target = tap.SystemMix(nil)
	}

	mgr := tap.NewManager(sys, target, log)
	defer mgr.Close()

	session := capture.NewSession(mgr, cfg.OutputDir, log)
	defer session.Close()

	if err := session.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start recording")
	}

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	meter := time.NewTicker(time.Second)
	defer meter.Stop()

loop:
	for {
		select {
		case <-sigChan:
			log.Info().Msg("Interrupted, stopping")
			break loop
		case <-timeout:
			log.Info().Msg("Duration reached, stopping")
			break loop
		case <-meter.C:
			if !session.Recording() {
				// The tap died out from under us (device unplugged,
				// process exited); nothing left to record.
				log.Warn().Msg("Recording ended externally")
				break loop
			}
			log.Info().
				Float64("loudness", session.Loudness()).
				Uint64("frames", session.FramesWritten()).
				Msg("Recording")
		}
	}

	session.Stop()
	fmt.Println("Saved:", session.FilePath())
}
