package simulator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthcam-go/internal/device"
	"depthcam-go/internal/types"
)

func testOptions() Options {
	return Options{
		Serials:      []string{"sim-1"},
		Width:        8,
		Height:       6,
		FPS:          100,
		Streams:      map[string]int{"MODE_A": 1, "MODE_MIXED": 2},
		ExposureUsec: 2000,
	}
}

func TestDirectoryPresence(t *testing.T) {
	dir := NewDirectory(testOptions())
	ctx := context.Background()

	serials, err := dir.ListConnected(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sim-1"}, serials)

	dir.SetPresent("sim-1", false)
	serials, err = dir.ListConnected(ctx)
	require.NoError(t, err)
	assert.Empty(t, serials)

	_, err = dir.Open(ctx, "sim-1")
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)
}

func TestCameraMetadata(t *testing.T) {
	dir := NewDirectory(testOptions())
	ctx := context.Background()
	cam, err := dir.Open(ctx, "sim-1")
	require.NoError(t, err)
	require.NoError(t, cam.Initialize(ctx))

	useCases, err := cam.UseCases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"MODE_A", "MODE_MIXED"}, useCases)

	n, err := cam.StreamCount(ctx, "MODE_MIXED")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = cam.StreamCount(ctx, "nope")
	assert.Error(t, err)

	current, err := cam.CurrentUseCase(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MODE_MIXED", current)
}

func TestCaptureDeliversMixedStreams(t *testing.T) {
	dir := NewDirectory(testOptions())
	ctx := context.Background()
	cam, err := dir.Open(ctx, "sim-1")
	require.NoError(t, err)
	require.NoError(t, cam.Initialize(ctx))

	var mu sync.Mutex
	seen := map[uint16]types.RawFrame{}
	require.NoError(t, cam.RegisterFrameListener(func(f types.RawFrame) {
		mu.Lock()
		seen[f.StreamID] = f
		mu.Unlock()
	}))
	require.NoError(t, cam.StartCapture(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cam.UnregisterFrameListener())
	require.NoError(t, cam.StopCapture(ctx))
	require.NoError(t, cam.Close())

	mu.Lock()
	defer mu.Unlock()
	first := seen[streamBase]
	assert.Equal(t, 8, first.Width)
	assert.Equal(t, 6, first.Height)
	assert.Len(t, first.Points, 48)
	assert.Equal(t, []uint32{2000}, first.ExposureTimes)
	assert.Equal(t, []uint32{1000}, seen[streamBase+1].ExposureTimes)
}

func TestUnpluggedCameraGoesSilent(t *testing.T) {
	dir := NewDirectory(testOptions())
	ctx := context.Background()
	cam, err := dir.Open(ctx, "sim-1")
	require.NoError(t, err)
	require.NoError(t, cam.Initialize(ctx))

	var mu sync.Mutex
	count := 0
	require.NoError(t, cam.RegisterFrameListener(func(types.RawFrame) {
		mu.Lock()
		count++
		mu.Unlock()
	}))
	require.NoError(t, cam.StartCapture(ctx))
	defer cam.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, 2*time.Second, 10*time.Millisecond)

	dir.SetPresent("sim-1", false)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	before := count
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	after := count
	mu.Unlock()
	assert.Equal(t, before, after)
}

func TestExposureSetter(t *testing.T) {
	dir := NewDirectory(testOptions())
	cam, err := dir.Open(context.Background(), "sim-1")
	require.NoError(t, err)

	setter, ok := cam.(device.ExposureSetter)
	require.True(t, ok)
	assert.ErrorIs(t, setter.SetExposureTime(context.Background(), 0), device.ErrInvalidConfig)
	assert.NoError(t, setter.SetExposureTime(context.Background(), 400))
}

func TestSetExposureTimesPerStream(t *testing.T) {
	dir := NewDirectory(testOptions())
	ctx := context.Background()
	cam, err := dir.Open(ctx, "sim-1")
	require.NoError(t, err)
	require.NoError(t, cam.Initialize(ctx))

	setter := cam.(device.ExposureSetter)
	assert.ErrorIs(t, setter.SetExposureTimes(ctx, []uint32{100, 200, 300}), device.ErrInvalidConfig)
	assert.ErrorIs(t, setter.SetExposureTimes(ctx, []uint32{100, 0}), device.ErrInvalidConfig)
	require.NoError(t, setter.SetExposureTimes(ctx, []uint32{1500, 300}))

	var mu sync.Mutex
	seen := map[uint16][]uint32{}
	require.NoError(t, cam.RegisterFrameListener(func(f types.RawFrame) {
		mu.Lock()
		seen[f.StreamID] = f.ExposureTimes
		mu.Unlock()
	}))
	require.NoError(t, cam.StartCapture(ctx))
	defer cam.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, cam.UnregisterFrameListener())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{1500}, seen[streamBase])
	assert.Equal(t, []uint32{300}, seen[streamBase+1])
}

func TestDumpAndConfig(t *testing.T) {
	dir := NewDirectory(testOptions())
	ctx := context.Background()
	cam, err := dir.Open(ctx, "sim-1")
	require.NoError(t, err)
	cfg, ok := cam.(device.Configurer)
	require.True(t, ok)

	doc, err := cfg.Dump(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"use_case":"MODE_MIXED","exposure_usec":2000,"fps":100,"width":8,"height":6}`, string(doc))

	assert.ErrorIs(t, cfg.Config(ctx, json.RawMessage(`{"use_case":"MODE_X"}`)), device.ErrInvalidConfig)
	assert.ErrorIs(t, cfg.Config(ctx, json.RawMessage(`{"use_case":"MODE_A","exposure_times":[10,20]}`)), device.ErrInvalidConfig)
	assert.ErrorIs(t, cfg.Config(ctx, json.RawMessage(`not json`)), device.ErrInvalidConfig)

	require.NoError(t, cfg.Config(ctx, json.RawMessage(`{"use_case":"MODE_A","exposure_usec":900}`)))
	current, err := cam.CurrentUseCase(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MODE_A", current)

	doc, err = cfg.Dump(ctx)
	require.NoError(t, err)
	var got settings
	require.NoError(t, json.Unmarshal(doc, &got))
	assert.Equal(t, uint32(900), got.ExposureUsec)
	assert.Empty(t, got.ExposureTimes)
}

func TestStartCaptureRequiresInitialize(t *testing.T) {
	dir := NewDirectory(testOptions())
	cam, err := dir.Open(context.Background(), "sim-1")
	require.NoError(t, err)
	assert.Error(t, cam.StartCapture(context.Background()))
}
