package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/moodlens/server"
	"github.com/cyclopcam/moodlens/server/config"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("moodlens", "Overlay live facial expression labels on a camera stream")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON config file", Required: false})
	device := parser.String("d", "device", &argparse.Options{Help: "Camera device (eg /dev/video0) or video file", Required: false})
	imageFile := parser.String("i", "image", &argparse.Options{Help: "Annotate a still image instead of a camera", Required: false})
	modelDir := parser.String("m", "models", &argparse.Options{Help: "Directory holding the face and expression models", Required: false})
	interval := parser.Int("", "interval", &argparse.Options{Help: "Minimum milliseconds between detections", Required: false, Default: 0})
	workers := parser.Int("w", "workers", &argparse.Options{Help: "Number of detection worker processes", Required: false, Default: 0})
	sequenceGuard := parser.Flag("", "sequence-guard", &argparse.Options{Help: "Never let an older detection overwrite a newer one"})
	backoff := parser.Flag("", "backoff", &argparse.Options{Help: "Slow down detection after consecutive failures"})
	distribution := parser.Flag("", "distribution", &argparse.Options{Help: "Show the score of every expression, not just the strongest"})
	headless := parser.Flag("", "headless", &argparse.Options{Help: "Don't open a display window"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg, err := config.LoadConfig(*configFile)
	check(err)
	if *device != "" {
		cfg.Camera.Device = *device
		if !strings.HasPrefix(*device, "/dev/") {
			// A video file, so let ffmpeg figure out the format
			cfg.Camera.Format = ""
			cfg.Camera.Realtime = true
		}
	}
	if *imageFile != "" {
		cfg.Camera.Image = *imageFile
	}
	if *modelDir != "" {
		cfg.Models.Dir = *modelDir
	}
	if *interval != 0 {
		cfg.Overlay.IntervalMS = *interval
	}
	if *workers != 0 {
		cfg.Worker.Workers = *workers
	}
	cfg.Overlay.SequenceGuard = cfg.Overlay.SequenceGuard || *sequenceGuard
	cfg.Overlay.FailureBackoff = cfg.Overlay.FailureBackoff || *backoff
	cfg.Overlay.ShowDistribution = cfg.Overlay.ShowDistribution || *distribution
	if *headless {
		cfg.Display.Enabled = false
	}

	srv, err := server.NewServer(logger, cfg)
	check(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		logger.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}
