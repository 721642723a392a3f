package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, AutoSerial, cfg.SerialNumber)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, time.Second, cfg.Timeout())
	assert.Equal(t, "camera_optical_link", cfg.OpticalFrame)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depthcam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serial_number: "1234"
poll_bus_secs: 0.5
timeout_secs: 2
optical_frame: tof_optical
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1234", cfg.SerialNumber)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 2*time.Second, cfg.Timeout())
	assert.Equal(t, "tof_optical", cfg.OpticalFrame)
	assert.Equal(t, SourceSim, cfg.Source, "unset keys keep their defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "depthcam.yaml")
	cfg := Default()
	cfg.SerialNumber = "0005-4805-0050-1213"
	require.NoError(t, Persist(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.SerialNumber, got.SerialNumber)
	assert.Equal(t, cfg.Sim.Streams, got.Sim.Streams)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.PollBusSecs = 0
	cfg.TimeoutSecs = -1
	cfg.OpticalFrame = ""
	cfg.Source = "usb"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"poll_bus_secs", "timeout_secs", "optical_frame", "unknown source"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateBridgeNeedsEndpoints(t *testing.T) {
	cfg := Default()
	cfg.Source = SourceBridge
	assert.Error(t, cfg.Validate())

	cfg.BridgeURL = "http://10.0.0.2:8080"
	cfg.BridgeStream = "tcp://10.0.0.2:5555"
	assert.NoError(t, cfg.Validate())
}
