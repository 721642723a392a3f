package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"depthcam-go/internal/advertise"
	"depthcam-go/internal/bridge"
	"depthcam-go/internal/config"
	"depthcam-go/internal/device"
	"depthcam-go/internal/ingest"
	"depthcam-go/internal/lifecycle"
	"depthcam-go/internal/output"
	"depthcam-go/internal/publish"
	"depthcam-go/internal/server"
	"depthcam-go/internal/simulator"
	"depthcam-go/internal/types"
)

func main() {
	var (
		configPath     = flag.String("config", "", "YAML config file; an auto-selected serial is written back to it")
		serial         = flag.String("serial", config.AutoSerial, `Device serial number ("-" selects the first device found)`)
		pollBusSecs    = flag.Float64("poll-bus-secs", 1.0, "Interval between bus probes and watchdog checks")
		timeoutSecs    = flag.Float64("timeout-secs", 1.0, "Release the device after this long without frames")
		opticalFrame   = flag.String("optical-frame", "camera_optical_link", "Reference frame id stamped on every product")
		source         = flag.String("source", config.SourceSim, "Device source: sim or bridge")
		debug          = flag.Bool("debug", false, "Shorthand for -source=sim")
		bridgeURL      = flag.String("bridge-url", "", "Bridge daemon HTTP base URL")
		bridgeAPI      = flag.String("bridge-api-version", "1.0", "Bridge API version")
		bridgeStream   = flag.String("bridge-stream", "", "Bridge ZMQ frame endpoint")
		publishAt      = flag.String("publish", "tcp://*:5560", "ZMQ PUB endpoint for products (empty disables)")
		port           = flag.Int("port", 8888, "HTTP port for status and control")
		rawLogDir      = flag.String("raw-log-dir", "rawlog", "Directory for raw frame recordings")
		advertiseMDNS  = flag.Bool("advertise", false, "Announce the publisher via mDNS")
		ingestLogEvery = flag.Int("ingest-log-every", 100, "Log every Nth per-frame warning")
		logLevel       = flag.String("log-level", "info", "debug, info, warn or error")
		logFormat      = flag.String("log-format", "text", "text or json")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "serial":
			cfg.SerialNumber = *serial
		case "poll-bus-secs":
			cfg.PollBusSecs = *pollBusSecs
		case "timeout-secs":
			cfg.TimeoutSecs = *timeoutSecs
		case "optical-frame":
			cfg.OpticalFrame = *opticalFrame
		case "source":
			cfg.Source = *source
		case "debug":
			if *debug {
				cfg.Source = config.SourceSim
			}
		case "bridge-url":
			cfg.BridgeURL = *bridgeURL
		case "bridge-api-version":
			cfg.BridgeAPI = *bridgeAPI
		case "bridge-stream":
			cfg.BridgeStream = *bridgeStream
		case "publish":
			cfg.PublishEndpoint = *publishAt
		case "port":
			cfg.HTTPPort = *port
		case "raw-log-dir":
			cfg.RawLogDir = *rawLogDir
		case "advertise":
			cfg.Advertise = *advertiseMDNS
		case "ingest-log-every":
			cfg.IngestLogEvery = *ingestLogEvery
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})

	slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	directory := newDirectory(cfg)

	var sinks []publish.Sink
	if cfg.PublishEndpoint != "" {
		zmqSink, err := publish.NewZMQSink(cfg.PublishEndpoint)
		if err != nil {
			slog.Error("failed to bind publisher", "endpoint", cfg.PublishEndpoint, "error", err)
			os.Exit(1)
		}
		defer zmqSink.Close()
		sinks = append(sinks, zmqSink)
	}
	registry := publish.NewRegistry(sinks...)

	var advertiser *advertise.Advertiser
	if cfg.Advertise {
		host, _ := os.Hostname()
		advertiser = advertise.New("depthcam-"+host, publishPort(cfg.PublishEndpoint), "")
		defer advertiser.Shutdown()
	}

	lcfg := lifecycle.Config{
		SerialNumber: cfg.SerialNumber,
		PollInterval: cfg.PollInterval(),
		Timeout:      cfg.Timeout(),
		OpticalFrame: cfg.OpticalFrame,
		LogEvery:     cfg.IngestLogEvery,
		OnSerialSelected: func(s string) {
			cfg.SerialNumber = s
			if err := config.Persist(*configPath, cfg); err != nil {
				slog.Warn("failed to persist selected serial", "serial", s, "error", err)
			}
		},
		OnConnected: func(s string, _ int) {
			if advertiser == nil {
				return
			}
			info := advertise.Info{
				Serial:   s,
				Channels: registry.Channels(),
				Endpoint: cfg.PublishEndpoint,
				Topics:   registry.Topics(),
			}
			if err := advertiser.Update(info); err != nil {
				slog.Warn("mdns advertisement failed", "error", err)
			}
		},
	}
	if lcfg.SerialNumber == config.AutoSerial {
		lcfg.SerialNumber = ""
	}
	manager := lifecycle.NewManager(lcfg, directory, registry)

	summaries := make(chan any, 64)
	manager.Dispatcher().OnSummary = func(s types.FrameSummary) {
		select {
		case summaries <- s:
		default:
		}
	}

	recording := &recordControl{manager: manager, dir: cfg.RawLogDir}
	defer recording.StopRecording()

	srv := server.New(server.Options{
		Port:     cfg.HTTPPort,
		Control:  manager,
		Recorder: recording,
		Latest:   registry.Latest,
		Config:   cfg,
		Extra: func() map[string]any {
			return map[string]any{
				"ingest_decode_failures": ingest.DecodeFailures(),
				"topics":                 registry.Topics(),
			}
		},
	})

	slog.Info("depthcam started",
		"source", cfg.Source,
		"serial", cfg.SerialNumber,
		"publish", cfg.PublishEndpoint,
		"http_port", cfg.HTTPPort,
	)
	go manager.Run(ctx)

	if err := srv.Run(ctx, summaries); err != nil {
		slog.Error("http server failed", "error", err)
		stop()
	}
	<-ctx.Done()
	manager.Shutdown()
}

func newDirectory(cfg config.AppConfig) device.Directory {
	switch cfg.Source {
	case config.SourceBridge:
		return bridge.NewDirectory(bridge.Options{
			BaseURL:        cfg.BridgeURL,
			APIVersion:     cfg.BridgeAPI,
			StreamEndpoint: cfg.BridgeStream,
			LogEvery:       cfg.IngestLogEvery,
		})
	default:
		return simulator.NewDirectory(simulator.Options{
			Serials:      cfg.Sim.Serials,
			Width:        cfg.Sim.Width,
			Height:       cfg.Sim.Height,
			FPS:          cfg.Sim.FPS,
			Streams:      cfg.Sim.Streams,
			ExposureUsec: cfg.Sim.ExposureUsec,
		})
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// publishPort extracts the TCP port from a ZMQ endpoint such as tcp://*:5560.
func publishPort(endpoint string) int {
	i := strings.LastIndex(endpoint, ":")
	if i < 0 {
		return 0
	}
	port, err := strconv.Atoi(endpoint[i+1:])
	if err != nil {
		return 0
	}
	return port
}

// recordControl opens a raw log file per recording.
type recordControl struct {
	manager *lifecycle.Manager
	dir     string

	mu     sync.Mutex
	writer *output.RawLogWriter
}

func (r *recordControl) StartRecording() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != nil {
		return "", server.ErrAlreadyRecording
	}
	serial := r.manager.Serial()
	if serial == "" {
		serial = "unselected"
	}
	writer, err := output.NewRawLogWriter(r.dir, serial)
	if err != nil {
		return "", err
	}
	r.manager.StartRecording(writer)
	r.writer = writer
	slog.Info("raw recording started", "path", writer.Path())
	return writer.Path(), nil
}

func (r *recordControl) StopRecording() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return 0, server.ErrNotRecording
	}
	r.manager.StopRecording()
	err := r.writer.Close()
	records := r.writer.Records()
	slog.Info("raw recording stopped", "path", r.writer.Path(), "records", records, "dropped", r.writer.Dropped())
	r.writer = nil
	return records, err
}
