package lifecycle

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"depthcam-go/internal/output"
	"depthcam-go/internal/processing"
	"depthcam-go/internal/publish"
	"depthcam-go/internal/types"
	"depthcam-go/internal/watchdog"
)

// Publisher is the output side of the pipeline.
type Publisher interface {
	CreateChannels(n int) bool
	Channels() int
	Publish(kind types.ProductKind, channel int, payload any) error
}

// Recorder persists raw frames while a recording is active. Record is called
// on the capture goroutine and must not wait for I/O.
type Recorder interface {
	Record(frame types.RawFrame) error
}

// Drop reasons reported in the status counters.
const (
	DropUnknownUseCase        = "unknown_use_case"
	DropChannelOutOfRange     = "channel_out_of_range"
	DropInvalidGeometry       = "invalid_geometry"
	DropRecordingBackpressure = "recording_backpressure"
	DropPanic                 = "panic"
)

// Dispatcher turns each frame delivered by the device into published
// products. OnFrame is called from the device's capture goroutine.
type Dispatcher struct {
	conn      *connState
	clock     *watchdog.Clock
	publisher Publisher
	stats     *processing.Stats
	frameID   string
	now       func() time.Time
	logEvery  uint64
	logCount  atomic.Uint64

	recMu    sync.Mutex
	recorder Recorder

	// OnSummary, when set, receives a short description of every published
	// frame. It must not block.
	OnSummary func(types.FrameSummary)
}

func newDispatcher(conn *connState, clock *watchdog.Clock, publisher Publisher, stats *processing.Stats, frameID string, logEvery int) *Dispatcher {
	if logEvery < 1 {
		logEvery = 1
	}
	return &Dispatcher{
		conn:      conn,
		clock:     clock,
		publisher: publisher,
		stats:     stats,
		frameID:   frameID,
		now:       time.Now,
		logEvery:  uint64(logEvery),
	}
}

func (d *Dispatcher) OnFrame(frame types.RawFrame) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: recovered from panic, frame dropped", "panic", r, "stream_id", frame.StreamID)
			d.stats.AddDrop(DropPanic)
		}
	}()

	stamp := frame.Timestamp
	if stamp.IsZero() {
		stamp = d.now()
		frame.Timestamp = stamp
	}
	d.clock.Touch(stamp)

	if _, ok := types.PixelCount(frame.Width, frame.Height); !ok {
		d.stats.AddDrop(DropInvalidGeometry)
		d.warnEveryN("dispatch: frame geometry rejected", "width", frame.Width, "height", frame.Height, "stream_id", frame.StreamID)
		return
	}

	useCase, channel, added, err := d.conn.resolve(frame.StreamID)
	if err != nil {
		d.stats.AddDrop(DropUnknownUseCase)
		d.warnEveryN("dispatch: no publisher for use case", "use_case", useCase, "stream_id", frame.StreamID, "error", err)
		return
	}
	if added {
		slog.Info("dispatch: stream id cache miss", "use_case", useCase, "stream_id", frame.StreamID, "channel", channel)
	}
	if channel >= d.publisher.Channels() {
		d.stats.AddDrop(DropChannelOutOfRange)
		slog.Error("dispatch: channel index out of range",
			"channel", channel,
			"channels", d.publisher.Channels(),
			"use_case", useCase,
			"stream_id", frame.StreamID,
		)
		return
	}

	d.record(frame)

	converted := processing.Convert(frame, d.frameID)
	products := []struct {
		kind    types.ProductKind
		payload any
	}{
		{types.ProductExposure, converted.Exposure},
		{types.ProductGray, converted.Gray},
		{types.ProductConfidence, converted.Confidence},
		{types.ProductNoise, converted.Noise},
		{types.ProductCloud, converted.Cloud},
	}
	for _, p := range products {
		if err := d.publisher.Publish(p.kind, channel, p.payload); err != nil {
			if errors.Is(err, publish.ErrChannelOutOfRange) {
				d.stats.AddDrop(DropChannelOutOfRange)
				slog.Error("dispatch: could not publish", "kind", p.kind, "channel", channel, "error", err)
				return
			}
			d.warnEveryN("dispatch: publish failed", "kind", p.kind, "channel", channel, "error", err)
		}
	}

	d.stats.AddFrame(channel, useCase, frame.StreamID, stamp)
	if d.OnSummary != nil {
		d.OnSummary(types.FrameSummary{
			Type:          "frame",
			Channel:       channel,
			StreamID:      frame.StreamID,
			UseCase:       useCase,
			Width:         converted.Gray.Width,
			Height:        converted.Gray.Height,
			Stamp:         float64(stamp.UnixNano()) / 1e9,
			ExposureTimes: converted.Exposure.Usec,
		})
	}
}

// SetRecorder installs r and returns the previously active recorder.
func (d *Dispatcher) SetRecorder(r Recorder) Recorder {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	prev := d.recorder
	d.recorder = r
	return prev
}

func (d *Dispatcher) Recording() bool {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	return d.recorder != nil
}

func (d *Dispatcher) record(frame types.RawFrame) {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Record(frame); err != nil {
		if errors.Is(err, output.ErrBackpressure) {
			d.stats.AddDrop(DropRecordingBackpressure)
		}
		d.warnEveryN("dispatch: raw recording failed", "error", err)
	}
}

func (d *Dispatcher) warnEveryN(msg string, args ...any) {
	if d.logCount.Add(1)%d.logEvery == 1 || d.logEvery == 1 {
		slog.Warn(msg, args...)
	}
}
