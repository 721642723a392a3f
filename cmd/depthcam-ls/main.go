package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"depthcam-go/internal/bridge"
	"depthcam-go/internal/config"
	"depthcam-go/internal/device"
	"depthcam-go/internal/simulator"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		source     = flag.String("source", "", "Device source: sim or bridge (overrides the config file)")
		bridgeURL  = flag.String("bridge-url", "", "Bridge daemon HTTP base URL")
		bridgeAPI  = flag.String("bridge-api-version", "", "Bridge API version")
		timeout    = flag.Duration("timeout", 5*time.Second, "Give up on the bus query after this long")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *source != "" {
		cfg.Source = *source
	}
	if *bridgeURL != "" {
		cfg.BridgeURL = *bridgeURL
	}
	if *bridgeAPI != "" {
		cfg.BridgeAPI = *bridgeAPI
	}

	var directory device.Directory
	switch cfg.Source {
	case config.SourceBridge:
		directory = bridge.NewDirectory(bridge.Options{BaseURL: cfg.BridgeURL, APIVersion: cfg.BridgeAPI})
	case config.SourceSim:
		directory = simulator.NewDirectory(simulator.Options{Serials: cfg.Sim.Serials})
	default:
		log.Fatalf("unknown source %q", cfg.Source)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	serials, err := directory.ListConnected(ctx)
	if err != nil {
		log.Fatalf("list devices: %v", err)
	}
	if serials == nil {
		serials = []string{}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(serials); err != nil {
		log.Fatalf("write: %v", err)
	}
}
