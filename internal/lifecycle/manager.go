// Package lifecycle drives one depth camera through discovery, initialization
// and capture, and routes the frames it delivers to the publisher.
//
// A Manager is ticked from a single goroutine (see Run). Frames arrive on the
// device's own capture goroutine and go through the Dispatcher. The two share
// the current use-case, the route table and the watchdog clock.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"depthcam-go/internal/device"
	"depthcam-go/internal/processing"
	"depthcam-go/internal/types"
	"depthcam-go/internal/watchdog"
)

// firstProbeDelay is how long Run waits before its first tick.
const firstProbeDelay = time.Millisecond

type Config struct {
	// SerialNumber selects the device. Empty means use the first one found.
	SerialNumber string
	PollInterval time.Duration
	Timeout      time.Duration
	OpticalFrame string
	// OnSerialSelected is called once when a serial was auto-selected.
	OnSerialSelected func(serial string)
	// OnConnected is called after every successful connect. Both hooks run
	// on the tick goroutine after the tick lock is released.
	OnConnected func(serial string, maxStreams int)
	// LogEvery rate-limits per-frame warnings.
	LogEvery int
}

// Status is a point-in-time view of the manager for the HTTP surface.
type Status struct {
	State        string                         `json:"state"`
	Enabled      bool                           `json:"enabled"`
	Serial       string                         `json:"serial"`
	Session      string                         `json:"session,omitempty"`
	UseCase      string                         `json:"use_case"`
	AccessLevel  device.AccessLevel             `json:"access_level"`
	MaxStreams   int                            `json:"max_streams"`
	LastFrameAge float64                        `json:"last_frame_age_secs"`
	Recording    bool                           `json:"recording"`
	Routes       map[string][]uint16            `json:"routes"`
	Channels     map[int]processing.ChannelData `json:"channels"`
	Drops        map[string]uint64              `json:"drops"`
}

type Manager struct {
	cfg       Config
	directory device.Directory
	publisher Publisher
	conn      *connState
	clock     *watchdog.Clock
	stats     *processing.Stats
	disp      *Dispatcher
	now       func() time.Time

	// camMu serializes Tick with API calls that touch the handle.
	camMu      sync.Mutex
	cam        device.Camera
	session    *session
	serial     string
	maxStreams int
	access     device.AccessLevel
	// hooks queued during a tick, run once camMu is released.
	hooks []func()

	enabled atomic.Bool
	state   atomic.Int32
}

func NewManager(cfg Config, directory device.Directory, publisher Publisher) *Manager {
	conn := newConnState()
	clock := &watchdog.Clock{}
	stats := processing.NewStats()
	m := &Manager{
		cfg:       cfg,
		directory: directory,
		publisher: publisher,
		conn:      conn,
		clock:     clock,
		stats:     stats,
		disp:      newDispatcher(conn, clock, publisher, stats, cfg.OpticalFrame, cfg.LogEvery),
		now:       time.Now,
		serial:    cfg.SerialNumber,
	}
	m.enabled.Store(true)
	return m
}

// Dispatcher returns the frame entry point, mainly so callers can attach a
// summary hook or a recorder.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.disp
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Run ticks until ctx is cancelled, then releases the device. The first
// probe happens almost immediately.
func (m *Manager) Run(ctx context.Context) {
	timer := time.NewTimer(firstProbeDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-timer.C:
			m.Tick(ctx)
			timer.Reset(m.cfg.PollInterval)
		}
	}
}

// Shutdown releases the device handle if one is held.
func (m *Manager) Shutdown() {
	m.camMu.Lock()
	defer m.camMu.Unlock()
	m.releaseLocked(context.Background())
}

// Tick performs one step of the connection state machine.
func (m *Manager) Tick(ctx context.Context) {
	m.camMu.Lock()
	m.tickLocked(ctx)
	hooks := m.hooks
	m.hooks = nil
	m.camMu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

func (m *Manager) tickLocked(ctx context.Context) {
	if !m.enabled.Load() {
		if m.cam != nil {
			slog.Info("lifecycle: capture disabled, releasing device", "serial", m.serial)
			m.releaseLocked(ctx)
		}
		return
	}

	if m.cam != nil {
		if m.clock.Expired(m.now(), m.cfg.Timeout) {
			slog.Warn("lifecycle: no frames received, releasing device",
				"serial", m.serial,
				"session", m.session.id,
				"timeout", m.cfg.Timeout,
				"error", device.ErrStaleConnection,
			)
			m.releaseLocked(ctx)
		}
		return
	}

	m.setState(StateProbing)
	if err := m.connectLocked(ctx); err != nil {
		slog.Warn("lifecycle: device not connected", "serial", m.serial, "error", err)
		m.setState(StateDisconnected)
	}
}

func (m *Manager) connectLocked(ctx context.Context) error {
	serial, err := m.selectDevice(ctx)
	if err != nil {
		return err
	}

	m.setState(StateInitializing)
	cam, err := m.directory.Open(ctx, serial)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", device.ErrInitializeFailed, serial, err)
	}
	if err := cam.Initialize(ctx); err != nil {
		if cerr := cam.Close(); cerr != nil {
			slog.Debug("lifecycle: close after failed initialize", "serial", serial, "error", cerr)
		}
		return fmt.Errorf("%w: %s: %v", device.ErrInitializeFailed, serial, err)
	}

	access, err := cam.AccessLevel(ctx)
	if err != nil {
		slog.Warn("lifecycle: access level unavailable", "serial", serial, "error", fmt.Errorf("%w: %v", device.ErrQueryFailed, err))
		access = 0
	}

	useCases, err := cam.UseCases(ctx)
	if err != nil {
		slog.Warn("lifecycle: use case list unavailable", "serial", serial, "error", fmt.Errorf("%w: %v", device.ErrQueryFailed, err))
	} else {
		m.conn.register(useCases)
		if m.maxStreams == 0 {
			m.maxStreams = m.computeMaxStreams(ctx, cam, useCases)
			if m.publisher.CreateChannels(m.maxStreams) {
				slog.Info("lifecycle: publishers created", "channels", m.maxStreams)
			}
		}
	}

	useCase, err := cam.CurrentUseCase(ctx)
	if err != nil {
		slog.Warn("lifecycle: current use case unavailable", "serial", serial, "error", fmt.Errorf("%w: %v", device.ErrQueryFailed, err))
		useCase = UnknownUseCase
	}
	m.conn.setUseCase(useCase)

	sess := newSession()
	listener := func(frame types.RawFrame) {
		if !sess.enter() {
			return
		}
		defer sess.leave()
		m.disp.OnFrame(frame)
	}
	if err := cam.RegisterFrameListener(listener); err != nil {
		sess.close()
		m.closeCamera(ctx, cam, serial, false)
		return fmt.Errorf("%w: register listener: %v", device.ErrInitializeFailed, err)
	}
	if err := cam.StartCapture(ctx); err != nil {
		if uerr := cam.UnregisterFrameListener(); uerr != nil {
			slog.Debug("lifecycle: unregister after failed start", "serial", serial, "error", uerr)
		}
		sess.close()
		m.closeCamera(ctx, cam, serial, false)
		return fmt.Errorf("%w: start capture: %v", device.ErrInitializeFailed, err)
	}

	m.cam = cam
	m.session = sess
	m.access = access
	m.clock.Touch(m.now())
	m.setState(StateCapturing)
	slog.Info("lifecycle: capturing",
		"serial", serial,
		"session", sess.id,
		"use_case", useCase,
		"access_level", access,
	)
	if m.cfg.OnConnected != nil {
		maxStreams := m.maxStreams
		m.hooks = append(m.hooks, func() { m.cfg.OnConnected(serial, maxStreams) })
	}
	return nil
}

func (m *Manager) selectDevice(ctx context.Context) (string, error) {
	serials, err := m.directory.ListConnected(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: list bus: %v", device.ErrDeviceNotFound, err)
	}
	if len(serials) == 0 {
		return "", fmt.Errorf("%w: bus is empty", device.ErrDeviceNotFound)
	}
	if m.serial == "" {
		selected := serials[0]
		m.serial = selected
		slog.Info("lifecycle: auto-selected device", "serial", selected)
		if m.cfg.OnSerialSelected != nil {
			m.hooks = append(m.hooks, func() { m.cfg.OnSerialSelected(selected) })
		}
		return selected, nil
	}
	for _, s := range serials {
		if s == m.serial {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s not among %v", device.ErrDeviceNotFound, m.serial, serials)
}

func (m *Manager) computeMaxStreams(ctx context.Context, cam device.Camera, useCases []string) int {
	maxStreams := 1
	for _, uc := range useCases {
		n, err := cam.StreamCount(ctx, uc)
		if err != nil {
			slog.Warn("lifecycle: stream count unavailable, assuming 1",
				"use_case", uc,
				"error", fmt.Errorf("%w: %v", device.ErrQueryFailed, err),
			)
			continue
		}
		if n > maxStreams {
			maxStreams = n
		}
	}
	return maxStreams
}

// releaseLocked tears the handle down. The listener is unregistered and the
// session closed before capture stops, so no callback can touch the handle
// afterwards.
func (m *Manager) releaseLocked(ctx context.Context) {
	if m.cam == nil {
		m.setState(StateDisconnected)
		return
	}
	cam := m.cam
	if err := cam.UnregisterFrameListener(); err != nil {
		slog.Warn("lifecycle: unregister listener", "serial", m.serial, "error", err)
	}
	m.session.close()
	m.closeCamera(ctx, cam, m.serial, true)
	slog.Info("lifecycle: device released", "serial", m.serial, "session", m.session.id)
	m.cam = nil
	m.session = nil
	m.conn.setUseCase(UnknownUseCase)
	m.setState(StateDisconnected)
}

func (m *Manager) closeCamera(ctx context.Context, cam device.Camera, serial string, capturing bool) {
	if capturing {
		if err := cam.StopCapture(ctx); err != nil {
			slog.Warn("lifecycle: stop capture", "serial", serial, "error", err)
		}
	}
	if err := cam.Close(); err != nil {
		slog.Warn("lifecycle: close device", "serial", serial, "error", err)
	}
}

// SetEnabled switches capture on or off. The change takes effect on the next
// tick. Switching back on starts a fresh set of frame and drop counters.
func (m *Manager) SetEnabled(on bool) {
	if m.enabled.Swap(on) == on {
		return
	}
	if on {
		m.stats.Reset()
	}
	slog.Info("lifecycle: capture switched", "enabled", on)
}

func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// UseCases queries the connected device for its supported use-cases.
func (m *Manager) UseCases(ctx context.Context) ([]string, error) {
	m.camMu.Lock()
	defer m.camMu.Unlock()
	if m.cam == nil {
		return nil, device.ErrDeviceNotFound
	}
	useCases, err := m.cam.UseCases(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrQueryFailed, err)
	}
	return useCases, nil
}

// SetExposureTime forwards a manual exposure to the device when it supports
// one.
func (m *Manager) SetExposureTime(ctx context.Context, usec uint32) error {
	m.camMu.Lock()
	defer m.camMu.Unlock()
	if m.cam == nil {
		return device.ErrDeviceNotFound
	}
	setter, ok := m.cam.(device.ExposureSetter)
	if !ok {
		return device.ErrUnsupported
	}
	return setter.SetExposureTime(ctx, usec)
}

// SetExposureTimes sets one exposure per stream of the active mixed-mode
// use-case.
func (m *Manager) SetExposureTimes(ctx context.Context, usecs []uint32) error {
	m.camMu.Lock()
	defer m.camMu.Unlock()
	if m.cam == nil {
		return device.ErrDeviceNotFound
	}
	setter, ok := m.cam.(device.ExposureSetter)
	if !ok {
		return device.ErrUnsupported
	}
	return setter.SetExposureTimes(ctx, usecs)
}

// DeviceConfig returns the device's settings document.
func (m *Manager) DeviceConfig(ctx context.Context) (json.RawMessage, error) {
	m.camMu.Lock()
	defer m.camMu.Unlock()
	if m.cam == nil {
		return nil, device.ErrDeviceNotFound
	}
	cfg, ok := m.cam.(device.Configurer)
	if !ok {
		return nil, device.ErrUnsupported
	}
	return cfg.Dump(ctx)
}

// ApplyDeviceConfig writes doc to the device and re-reads the active
// use-case, which the document may have switched.
func (m *Manager) ApplyDeviceConfig(ctx context.Context, doc json.RawMessage) error {
	m.camMu.Lock()
	defer m.camMu.Unlock()
	if m.cam == nil {
		return device.ErrDeviceNotFound
	}
	cfg, ok := m.cam.(device.Configurer)
	if !ok {
		return device.ErrUnsupported
	}
	if err := cfg.Config(ctx, doc); err != nil {
		return err
	}
	useCase, err := m.cam.CurrentUseCase(ctx)
	if err != nil {
		slog.Warn("lifecycle: current use case unavailable after config", "serial", m.serial, "error", err)
		useCase = UnknownUseCase
	}
	if prev := m.conn.currentUseCase(); prev != useCase {
		slog.Info("lifecycle: use case switched", "serial", m.serial, "from", prev, "to", useCase)
	}
	m.conn.setUseCase(useCase)
	return nil
}

// StartRecording attaches r to the frame path. A previously active recorder
// is returned so the caller can close it.
func (m *Manager) StartRecording(r Recorder) Recorder {
	if r == nil {
		return nil
	}
	return m.disp.SetRecorder(r)
}

// StopRecording detaches the active recorder and returns it, or nil.
func (m *Manager) StopRecording() Recorder {
	return m.disp.SetRecorder(nil)
}

// Serial returns the selected serial number, empty while auto-selecting.
func (m *Manager) Serial() string {
	m.camMu.Lock()
	defer m.camMu.Unlock()
	return m.serial
}

func (m *Manager) Status() Status {
	m.camMu.Lock()
	st := Status{
		State:       m.State().String(),
		Enabled:     m.enabled.Load(),
		Serial:      m.serial,
		AccessLevel: m.access,
		MaxStreams:  m.maxStreams,
	}
	if m.session != nil {
		st.Session = m.session.id
	}
	connected := m.cam != nil
	m.camMu.Unlock()

	st.UseCase = m.conn.currentUseCase()
	st.Routes = m.conn.routes()
	st.Recording = m.disp.Recording()
	if connected {
		st.LastFrameAge = m.now().Sub(m.clock.Last()).Seconds()
	}
	st.Channels, st.Drops = m.stats.SnapshotCopy()
	return st
}

