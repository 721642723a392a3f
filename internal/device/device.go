// Package device defines the ports through which the lifecycle manager talks
// to depth-camera hardware: bus enumeration and the per-handle camera
// capability. Concrete implementations live in the simulator and bridge
// packages.
package device

import (
	"context"
	"encoding/json"
	"errors"

	"depthcam-go/internal/types"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrInitializeFailed = errors.New("initialize failed")
	ErrQueryFailed      = errors.New("query failed")
	ErrStaleConnection  = errors.New("stale connection")
	ErrUnsupported      = errors.New("operation not supported by device")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// AccessLevel mirrors the vendor access tiers; level 0 means unknown.
type AccessLevel uint32

// FrameListener is invoked from the device's capture goroutine, one frame at
// a time. The frame is only valid for the duration of the call.
type FrameListener func(frame types.RawFrame)

// Directory enumerates devices on the shared bus.
type Directory interface {
	// ListConnected returns the serial numbers currently attached. An empty
	// list is not an error.
	ListConnected(ctx context.Context) ([]string, error)

	// Open creates a handle for serial. The handle is not yet initialized.
	Open(ctx context.Context, serial string) (Camera, error)
}

// Camera is the capability exposed by one opened device handle.
type Camera interface {
	Initialize(ctx context.Context) error
	AccessLevel(ctx context.Context) (AccessLevel, error)
	UseCases(ctx context.Context) ([]string, error)
	StreamCount(ctx context.Context, useCase string) (int, error)
	CurrentUseCase(ctx context.Context) (string, error)

	RegisterFrameListener(listener FrameListener) error
	// UnregisterFrameListener returns only after any in-flight listener call
	// has completed.
	UnregisterFrameListener() error

	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) error
	Close() error
}

// ExposureSetter is implemented by cameras that accept manual exposure.
// SetExposureTimes sets one exposure per stream of a mixed-mode use-case, in
// stream order.
type ExposureSetter interface {
	SetExposureTime(ctx context.Context, usec uint32) error
	SetExposureTimes(ctx context.Context, usecs []uint32) error
}

// Configurer is implemented by cameras whose settings can be read and
// written as one JSON document. Config applies only the members present.
type Configurer interface {
	Dump(ctx context.Context) (json.RawMessage, error)
	Config(ctx context.Context, doc json.RawMessage) error
}
