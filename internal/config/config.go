package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AutoSerial selects the first device found on the bus.
const AutoSerial = "-"

const (
	SourceSim    = "sim"
	SourceBridge = "bridge"
)

type AppConfig struct {
	SerialNumber string  `yaml:"serial_number" json:"serial_number"`
	PollBusSecs  float64 `yaml:"poll_bus_secs" json:"poll_bus_secs"`
	TimeoutSecs  float64 `yaml:"timeout_secs" json:"timeout_secs"`
	OpticalFrame string  `yaml:"optical_frame" json:"optical_frame"`

	Source          string `yaml:"source" json:"source"`
	BridgeURL       string `yaml:"bridge_url" json:"bridge_url"`
	BridgeAPI       string `yaml:"bridge_api_version" json:"bridge_api_version"`
	BridgeStream    string `yaml:"bridge_stream" json:"bridge_stream"`
	PublishEndpoint string `yaml:"publish_endpoint" json:"publish_endpoint"`

	HTTPPort       int    `yaml:"http_port" json:"http_port"`
	RawLogDir      string `yaml:"raw_log_dir" json:"raw_log_dir"`
	Advertise      bool   `yaml:"advertise" json:"advertise"`
	IngestLogEvery int    `yaml:"ingest_log_every" json:"ingest_log_every"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	Sim SimConfig `yaml:"sim" json:"sim"`
}

type SimConfig struct {
	Serials      []string       `yaml:"serials" json:"serials"`
	Width        int            `yaml:"width" json:"width"`
	Height       int            `yaml:"height" json:"height"`
	FPS          float64        `yaml:"fps" json:"fps"`
	Streams      map[string]int `yaml:"streams" json:"streams"`
	ExposureUsec uint32         `yaml:"exposure_usec" json:"exposure_usec"`
}

func Default() AppConfig {
	return AppConfig{
		SerialNumber:    AutoSerial,
		PollBusSecs:     1.0,
		TimeoutSecs:     1.0,
		OpticalFrame:    "camera_optical_link",
		Source:          SourceSim,
		BridgeAPI:       "1.0",
		PublishEndpoint: "tcp://*:5560",
		HTTPPort:        8888,
		RawLogDir:       "rawlog",
		IngestLogEvery:  100,
		LogLevel:        "info",
		LogFormat:       "text",
		Sim: SimConfig{
			Serials:      []string{"0005-4805-0050-1213"},
			Width:        224,
			Height:       172,
			FPS:          5,
			ExposureUsec: 2000,
			Streams: map[string]int{
				"MODE_9_5FPS_2000": 1,
				"MODE_MIXED_30_5":  2,
			},
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Persist writes cfg back to path so an auto-selected serial survives a
// restart.
func Persist(path string, cfg AppConfig) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c AppConfig) Validate() error {
	var errs []error
	if c.PollBusSecs <= 0 {
		errs = append(errs, fmt.Errorf("poll_bus_secs must be positive, got %v", c.PollBusSecs))
	}
	if c.TimeoutSecs <= 0 {
		errs = append(errs, fmt.Errorf("timeout_secs must be positive, got %v", c.TimeoutSecs))
	}
	if c.OpticalFrame == "" {
		errs = append(errs, errors.New("optical_frame must not be empty"))
	}
	if c.SerialNumber == "" {
		errs = append(errs, errors.New(`serial_number must be set ("-" selects the first device)`))
	}
	switch c.Source {
	case SourceSim:
		if c.Sim.Width < 1 || c.Sim.Height < 1 {
			errs = append(errs, fmt.Errorf("sim geometry must be positive, got %dx%d", c.Sim.Width, c.Sim.Height))
		}
		if c.Sim.FPS <= 0 {
			errs = append(errs, fmt.Errorf("sim fps must be positive, got %v", c.Sim.FPS))
		}
	case SourceBridge:
		if c.BridgeURL == "" || c.BridgeStream == "" {
			errs = append(errs, errors.New("bridge source needs bridge_url and bridge_stream"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid http_port %d", c.HTTPPort))
	}
	return errors.Join(errs...)
}

func (c AppConfig) PollInterval() time.Duration {
	return secs(c.PollBusSecs)
}

func (c AppConfig) Timeout() time.Duration {
	return secs(c.TimeoutSecs)
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
