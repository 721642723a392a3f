// Package bridge talks to a camera bridge daemon: a small service next to the
// vendor SDK that exposes device control over HTTP and pushes frames over a
// ZMQ PUSH socket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"depthcam-go/internal/device"
	"depthcam-go/internal/ingest"
	"depthcam-go/internal/types"
)

// busModule is the resource that lists attached devices.
const busModule = "bus"

// StreamFunc opens the frame stream for one serial.
type StreamFunc func(ctx context.Context, endpoint, serial string, logEvery int) (<-chan types.RawFrame, error)

type Options struct {
	BaseURL    string
	APIVersion string
	// StreamEndpoint is the ZMQ endpoint the bridge pushes frames to.
	StreamEndpoint string
	LogEvery       int
}

type Directory struct {
	opts   Options
	client *client
	stream StreamFunc
}

func NewDirectory(opts Options) *Directory {
	return &Directory{
		opts:   opts,
		client: newClient(opts.BaseURL, opts.APIVersion),
		stream: ingest.Stream,
	}
}

func (d *Directory) ListConnected(ctx context.Context) ([]string, error) {
	var serials []string
	if err := d.client.getValue(ctx, busModule, "status", "devices", &serials); err != nil {
		return nil, err
	}
	return serials, nil
}

func (d *Directory) Open(ctx context.Context, serial string) (device.Camera, error) {
	if serial == "" {
		return nil, ErrMissingParameter
	}
	return &Camera{
		serial: serial,
		opts:   d.opts,
		client: d.client,
		stream: d.stream,
	}, nil
}

type Camera struct {
	serial string
	opts   Options
	client *client
	stream StreamFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	deliverMu sync.Mutex
	listener  device.FrameListener
}

func (c *Camera) Initialize(ctx context.Context) error {
	if err := c.client.command(ctx, c.serial, "initialize"); err != nil {
		return err
	}
	state, err := c.client.state(ctx, c.serial)
	if err != nil {
		return err
	}
	switch state {
	case "ready", "idle", "capturing":
		return nil
	default:
		return fmt.Errorf("bridge: %s reports state %q", c.serial, state)
	}
}

func (c *Camera) AccessLevel(ctx context.Context) (device.AccessLevel, error) {
	var level uint32
	if err := c.client.getValue(ctx, c.serial, "status", "access_level", &level); err != nil {
		return 0, err
	}
	return device.AccessLevel(level), nil
}

func (c *Camera) UseCases(ctx context.Context) ([]string, error) {
	var useCases []string
	if err := c.client.getValue(ctx, c.serial, "status", "use_cases", &useCases); err != nil {
		return nil, err
	}
	return useCases, nil
}

func (c *Camera) StreamCount(ctx context.Context, useCase string) (int, error) {
	var n int
	if err := c.client.getValue(ctx, c.serial, "status", "stream_count/"+url.PathEscape(useCase), &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Camera) CurrentUseCase(ctx context.Context) (string, error) {
	var useCase string
	if err := c.client.getValue(ctx, c.serial, "config", "use_case", &useCase); err != nil {
		return "", err
	}
	return useCase, nil
}

func (c *Camera) SetExposureTime(ctx context.Context, usec uint32) error {
	return c.client.setValue(ctx, c.serial, "exposure_time", usec)
}

func (c *Camera) SetExposureTimes(ctx context.Context, usecs []uint32) error {
	return invalidOnBadRequest(c.client.setValue(ctx, c.serial, "exposure_times", usecs))
}

// Dump returns the device settings document the bridge keeps under
// config/device.
func (c *Camera) Dump(ctx context.Context) (json.RawMessage, error) {
	var doc json.RawMessage
	if err := c.client.getValue(ctx, c.serial, "config", "device", &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *Camera) Config(ctx context.Context, doc json.RawMessage) error {
	return invalidOnBadRequest(c.client.setValue(ctx, c.serial, "device", doc))
}

// invalidOnBadRequest marks a 400 from the bridge as a rejected setting.
func invalidOnBadRequest(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusBadRequest {
		return fmt.Errorf("%w: %v", device.ErrInvalidConfig, err)
	}
	return err
}

func (c *Camera) RegisterFrameListener(listener device.FrameListener) error {
	c.deliverMu.Lock()
	c.listener = listener
	c.deliverMu.Unlock()
	return nil
}

func (c *Camera) UnregisterFrameListener() error {
	c.deliverMu.Lock()
	c.listener = nil
	c.deliverMu.Unlock()
	return nil
}

// StartCapture connects the frame stream before asking the bridge to start,
// so no early frame is lost.
func (c *Camera) StartCapture(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	frames, err := c.stream(runCtx, c.opts.StreamEndpoint, c.serial, c.opts.LogEvery)
	if err != nil {
		cancel()
		return fmt.Errorf("bridge: open frame stream: %w", err)
	}
	if err := c.client.command(ctx, c.serial, "start_capture"); err != nil {
		cancel()
		return err
	}

	c.cancel = cancel
	c.wg.Add(1)
	go c.forward(frames)
	return nil
}

func (c *Camera) StopCapture(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	c.wg.Wait()
	return c.client.command(ctx, c.serial, "stop_capture")
}

// Close stops the local frame stream. The bridge keeps the device open for
// the next connection.
func (c *Camera) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
	return nil
}

func (c *Camera) forward(frames <-chan types.RawFrame) {
	defer c.wg.Done()
	for frame := range frames {
		c.deliverMu.Lock()
		if c.listener != nil {
			c.listener(frame)
		}
		c.deliverMu.Unlock()
	}
	slog.Debug("bridge: frame stream closed", "serial", c.serial)
}
