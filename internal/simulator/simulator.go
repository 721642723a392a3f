// Package simulator provides a synthetic depth camera for running the
// pipeline without hardware.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"depthcam-go/internal/device"
	"depthcam-go/internal/types"
)

// streamBase is the id of the first stream of every use-case. Further
// streams count up from it.
const streamBase = 1

// Focal length in pixels used to back-project the synthetic depth map.
const focalPx = 200.0

type Options struct {
	Serials []string
	Width   int
	Height  int
	FPS     float64
	// Streams maps use-case name to stream count.
	Streams      map[string]int
	ExposureUsec uint32
}

// Directory is a simulated bus. Devices can be unplugged and replugged.
type Directory struct {
	opts Options

	mu      sync.Mutex
	present map[string]bool
}

func NewDirectory(opts Options) *Directory {
	present := make(map[string]bool, len(opts.Serials))
	for _, s := range opts.Serials {
		present[s] = true
	}
	return &Directory{opts: opts, present: present}
}

func (d *Directory) ListConnected(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.opts.Serials))
	for _, s := range d.opts.Serials {
		if d.present[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *Directory) Open(ctx context.Context, serial string) (device.Camera, error) {
	if !d.isPresent(serial) {
		return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, serial)
	}
	return &Camera{serial: serial, opts: d.opts, dir: d, exposure: d.opts.ExposureUsec}, nil
}

// SetPresent plugs or unplugs serial. An unplugged camera stops delivering
// frames without reporting an error.
func (d *Directory) SetPresent(serial string, present bool) {
	d.mu.Lock()
	d.present[serial] = present
	d.mu.Unlock()
}

func (d *Directory) isPresent(serial string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.present[serial]
}

// Camera is one simulated handle.
type Camera struct {
	serial string
	opts   Options
	dir    *Directory

	mu          sync.Mutex
	initialized bool
	useCase     string
	exposure    uint32
	exposures   []uint32
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// deliverMu is held while the listener runs.
	deliverMu sync.Mutex
	listener  device.FrameListener
}

func (c *Camera) Initialize(ctx context.Context) error {
	if !c.dir.isPresent(c.serial) {
		return fmt.Errorf("%w: %s unplugged", device.ErrInitializeFailed, c.serial)
	}
	if len(c.opts.Streams) == 0 {
		return fmt.Errorf("%w: no use cases configured", device.ErrInitializeFailed)
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

func (c *Camera) AccessLevel(ctx context.Context) (device.AccessLevel, error) {
	return 1, nil
}

func (c *Camera) UseCases(ctx context.Context) ([]string, error) {
	return c.useCaseNames(), nil
}

func (c *Camera) useCaseNames() []string {
	names := make([]string, 0, len(c.opts.Streams))
	for name := range c.opts.Streams {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Camera) StreamCount(ctx context.Context, useCase string) (int, error) {
	n, ok := c.opts.Streams[useCase]
	if !ok {
		return 0, fmt.Errorf("unknown use case %q", useCase)
	}
	return n, nil
}

func (c *Camera) CurrentUseCase(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentUseCaseLocked()
}

// currentUseCaseLocked falls back to the use-case with the most streams, so
// mixed modes are exercised by default.
func (c *Camera) currentUseCaseLocked() (string, error) {
	if c.useCase != "" {
		return c.useCase, nil
	}
	names := c.useCaseNames()
	if len(names) == 0 {
		return "", errors.New("no use cases")
	}
	best := names[0]
	for _, name := range names[1:] {
		if c.opts.Streams[name] > c.opts.Streams[best] {
			best = name
		}
	}
	return best, nil
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

func (c *Camera) StartCapture(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return fmt.Errorf("camera %s not initialized", c.serial)
	}
	if c.cancel != nil {
		return nil
	}
	if _, err := c.currentUseCaseLocked(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

func (c *Camera) StopCapture(ctx context.Context) error {
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

func (c *Camera) Close() error {
	return c.StopCapture(context.Background())
}

// SetExposureTime sets the exposure of the first stream. Further streams
// halve it, one step per stream.
func (c *Camera) SetExposureTime(ctx context.Context, usec uint32) error {
	if usec == 0 {
		return fmt.Errorf("%w: exposure must be positive", device.ErrInvalidConfig)
	}
	c.mu.Lock()
	c.exposure = usec
	c.exposures = nil
	c.mu.Unlock()
	return nil
}

func (c *Camera) SetExposureTimes(ctx context.Context, usecs []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	useCase, err := c.currentUseCaseLocked()
	if err != nil {
		return err
	}
	if err := c.checkExposures(useCase, usecs); err != nil {
		return err
	}
	c.exposures = slices.Clone(usecs)
	return nil
}

func (c *Camera) checkExposures(useCase string, usecs []uint32) error {
	streams := max(c.opts.Streams[useCase], 1)
	if len(usecs) == 0 || len(usecs) > streams {
		return fmt.Errorf("%w: %s takes 1 to %d exposure times, got %d", device.ErrInvalidConfig, useCase, streams, len(usecs))
	}
	if slices.Contains(usecs, 0) {
		return fmt.Errorf("%w: exposure must be positive", device.ErrInvalidConfig)
	}
	return nil
}

// settings is the document served by Dump. fps, width and height are
// read-only.
type settings struct {
	UseCase       string   `json:"use_case"`
	ExposureUsec  uint32   `json:"exposure_usec"`
	ExposureTimes []uint32 `json:"exposure_times,omitempty"`
	FPS           float64  `json:"fps"`
	Width         int      `json:"width"`
	Height        int      `json:"height"`
}

func (c *Camera) Dump(ctx context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	useCase, err := c.currentUseCaseLocked()
	if err != nil {
		return nil, err
	}
	return json.Marshal(settings{
		UseCase:       useCase,
		ExposureUsec:  c.exposure,
		ExposureTimes: c.exposures,
		FPS:           c.opts.FPS,
		Width:         c.opts.Width,
		Height:        c.opts.Height,
	})
}

// Config switches use-case and exposures. A use-case change drops per-stream
// exposures unless the document sets new ones.
func (c *Camera) Config(ctx context.Context, doc json.RawMessage) error {
	var req struct {
		UseCase       *string  `json:"use_case"`
		ExposureUsec  *uint32  `json:"exposure_usec"`
		ExposureTimes []uint32 `json:"exposure_times"`
	}
	if err := json.Unmarshal(doc, &req); err != nil {
		return fmt.Errorf("%w: %v", device.ErrInvalidConfig, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	useCase, err := c.currentUseCaseLocked()
	if err != nil {
		return err
	}
	if req.UseCase != nil {
		if _, ok := c.opts.Streams[*req.UseCase]; !ok {
			return fmt.Errorf("%w: unknown use case %q", device.ErrInvalidConfig, *req.UseCase)
		}
	}
	if req.ExposureUsec != nil && *req.ExposureUsec == 0 {
		return fmt.Errorf("%w: exposure must be positive", device.ErrInvalidConfig)
	}
	target := useCase
	if req.UseCase != nil {
		target = *req.UseCase
	}
	if req.ExposureTimes != nil {
		if err := c.checkExposures(target, req.ExposureTimes); err != nil {
			return err
		}
	}

	if target != useCase {
		c.exposures = nil
	}
	c.useCase = target
	if req.ExposureUsec != nil {
		c.exposure = *req.ExposureUsec
		c.exposures = nil
	}
	if req.ExposureTimes != nil {
		c.exposures = slices.Clone(req.ExposureTimes)
	}
	return nil
}

// streamExposuresLocked returns the exposure of each of n streams.
func (c *Camera) streamExposuresLocked(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		if i < len(c.exposures) {
			out[i] = c.exposures[i]
			continue
		}
		// Secondary streams in mixed modes run at a shorter exposure.
		out[i] = c.exposure >> uint(i)
	}
	return out
}

func (c *Camera) run(ctx context.Context) {
	defer c.wg.Done()

	interval := time.Duration(float64(time.Second) / c.opts.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	scene := newScene(c.opts.Width, c.opts.Height)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !c.dir.isPresent(c.serial) {
				continue
			}
			c.mu.Lock()
			useCase, _ := c.currentUseCaseLocked()
			usecs := c.streamExposuresLocked(max(c.opts.Streams[useCase], 1))
			c.mu.Unlock()
			for i, usec := range usecs {
				frame := scene.frame(rng, uint16(streamBase+i), now, usec)
				c.deliver(frame)
			}
		}
	}
}

func (c *Camera) deliver(frame types.RawFrame) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.listener != nil {
		c.listener(frame)
	}
}

// scene is a tilted wall with a gaussian bump in the middle.
type scene struct {
	width, height int
	depth         []float64
	amplitude     []float64
}

func newScene(width, height int) *scene {
	total := width * height
	s := &scene{
		width:     width,
		height:    height,
		depth:     make([]float64, total),
		amplitude: make([]float64, total),
	}
	cx := float64(width) / 2.0
	cy := float64(height) / 2.0
	spread := float64(width*height) / 20
	for i := 0; i < total; i++ {
		dx := float64(i%width) - cx
		dy := float64(i/width) - cy
		bump := 0.4 * math.Exp(-(dx*dx+dy*dy)/spread)
		z := 1.5 + 0.002*float64(i/width) - bump
		s.depth[i] = z
		s.amplitude[i] = 1000 / (z * z)
	}
	return s
}

func (s *scene) frame(rng *rand.Rand, streamID uint16, stamp time.Time, usec uint32) types.RawFrame {
	total := s.width * s.height
	gain := float64(usec) / 2000
	points := make([]types.DepthPoint, total)
	cx := float64(s.width) / 2.0
	cy := float64(s.height) / 2.0
	for i := 0; i < total; i++ {
		amp := s.amplitude[i] * gain
		noise := 0.005 * s.depth[i] * s.depth[i] / math.Max(gain, 0.05)
		z := s.depth[i] + rng.NormFloat64()*noise
		gray := amp + rng.NormFloat64()*math.Sqrt(amp)
		if gray < 0 {
			gray = 0
		}
		conf := uint8(0)
		if amp < 20 {
			conf = 1
		}
		points[i] = types.DepthPoint{
			X:               float32((float64(i%s.width) - cx) * z / focalPx),
			Y:               float32((float64(i/s.width) - cy) * z / focalPx),
			Z:               float32(z),
			Noise:           float32(noise),
			GrayValue:       uint16(math.Min(gray, math.MaxUint16)),
			DepthConfidence: conf,
		}
	}
	return types.RawFrame{
		StreamID:      streamID,
		Width:         s.width,
		Height:        s.height,
		Timestamp:     stamp,
		ExposureTimes: []uint32{usec},
		Points:        points,
	}
}
