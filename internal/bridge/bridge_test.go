package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depthcam-go/internal/device"
	"depthcam-go/internal/types"
)

type fakeBridge struct {
	mu        sync.Mutex
	commands  []string
	exposure  float64
	exposures []uint32
	settings  json.RawMessage
	state     string
}

func (b *fakeBridge) handler() http.Handler {
	value := func(w http.ResponseWriter, v any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"value": v})
	}
	mux := http.NewServeMux()
	// Only the unversioned layout serves the bus listing.
	mux.HandleFunc("GET /bus/status/devices", func(w http.ResponseWriter, r *http.Request) {
		value(w, []string{"cam-1"})
	})
	mux.HandleFunc("PUT /cam-1/api/1.0/command/{cmd}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.commands = append(b.commands, r.PathValue("cmd"))
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /cam-1/api/1.0/status/state", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"state": b.state})
	})
	mux.HandleFunc("GET /cam-1/api/1.0/status/access_level", func(w http.ResponseWriter, r *http.Request) {
		value(w, 3)
	})
	mux.HandleFunc("GET /cam-1/api/1.0/status/use_cases", func(w http.ResponseWriter, r *http.Request) {
		value(w, []string{"MODE_9_5FPS", "MODE_MIXED_30_5"})
	})
	mux.HandleFunc("GET /cam-1/api/1.0/status/stream_count/{uc}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("uc") {
		case "MODE_MIXED_30_5":
			value(w, 2)
		case "MODE_9_5FPS":
			value(w, 1)
		default:
			http.Error(w, "unknown use case", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("GET /cam-1/api/1.0/config/use_case", func(w http.ResponseWriter, r *http.Request) {
		value(w, "MODE_MIXED_30_5")
	})
	mux.HandleFunc("PUT /cam-1/api/1.0/config/exposure_time", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.exposure = payload.Value
		b.mu.Unlock()
	})
	mux.HandleFunc("PUT /cam-1/api/1.0/config/exposure_times", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Value []uint32 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.Value) > 2 {
			http.Error(w, "expected at most 2 exposure times", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.exposures = payload.Value
		b.mu.Unlock()
	})
	mux.HandleFunc("GET /cam-1/api/1.0/config/device", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		value(w, b.settings)
	})
	mux.HandleFunc("PUT /cam-1/api/1.0/config/device", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.settings = payload.Value
		b.mu.Unlock()
	})
	return mux
}

func (b *fakeBridge) commandLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

func newTestDirectory(t *testing.T, b *fakeBridge, frames []types.RawFrame) *Directory {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)
	dir := NewDirectory(Options{BaseURL: srv.URL, APIVersion: "1.0", StreamEndpoint: "inproc://test"})
	dir.stream = func(ctx context.Context, endpoint, serial string, logEvery int) (<-chan types.RawFrame, error) {
		out := make(chan types.RawFrame)
		go func() {
			defer close(out)
			for _, f := range frames {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
			<-ctx.Done()
		}()
		return out, nil
	}
	return dir
}

func TestBuildPaths(t *testing.T) {
	paths := BuildPaths("http://bridge:8080/", "1.0", "cam-1", "status", "use_cases")
	assert.Equal(t, []string{
		"http://bridge:8080/cam-1/api/1.0/status/use_cases",
		"http://bridge:8080/api/1.0/cam-1/status/use_cases",
		"http://bridge:8080/cam-1/status/use_cases",
	}, paths)
	assert.Nil(t, BuildPaths("", "1.0", "cam-1", "status", "x"))
	assert.Len(t, BuildPaths("http://b", "", "cam-1", "status", "x"), 1)
}

func TestListConnectedFallsBackToLegacyLayout(t *testing.T) {
	dir := newTestDirectory(t, &fakeBridge{state: "ready"}, nil)
	serials, err := dir.ListConnected(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cam-1"}, serials)
}

func TestCameraQueries(t *testing.T) {
	dir := newTestDirectory(t, &fakeBridge{state: "Ready"}, nil)
	ctx := context.Background()
	cam, err := dir.Open(ctx, "cam-1")
	require.NoError(t, err)
	require.NoError(t, cam.Initialize(ctx))

	level, err := cam.AccessLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, device.AccessLevel(3), level)

	useCases, err := cam.UseCases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"MODE_9_5FPS", "MODE_MIXED_30_5"}, useCases)

	n, err := cam.StreamCount(ctx, "MODE_MIXED_30_5")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = cam.StreamCount(ctx, "MODE_OTHER")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)

	current, err := cam.CurrentUseCase(ctx)
	require.NoError(t, err)
	assert.Equal(t, "MODE_MIXED_30_5", current)
}

func TestInitializeRejectsFaultState(t *testing.T) {
	dir := newTestDirectory(t, &fakeBridge{state: "error"}, nil)
	cam, err := dir.Open(context.Background(), "cam-1")
	require.NoError(t, err)
	assert.Error(t, cam.Initialize(context.Background()))
}

func TestCaptureForwardsFrames(t *testing.T) {
	b := &fakeBridge{state: "ready"}
	frames := []types.RawFrame{{StreamID: 1, Width: 1, Height: 1}, {StreamID: 2, Width: 1, Height: 1}}
	dir := newTestDirectory(t, b, frames)
	ctx := context.Background()
	cam, err := dir.Open(ctx, "cam-1")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []uint16
	require.NoError(t, cam.RegisterFrameListener(func(f types.RawFrame) {
		mu.Lock()
		got = append(got, f.StreamID)
		mu.Unlock()
	}))
	require.NoError(t, cam.StartCapture(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, cam.UnregisterFrameListener())
	require.NoError(t, cam.StopCapture(ctx))
	require.NoError(t, cam.Close())

	assert.Equal(t, []uint16{1, 2}, got)
	assert.Equal(t, []string{"start_capture", "stop_capture"}, b.commandLog())
}

func TestSetExposureTime(t *testing.T) {
	b := &fakeBridge{state: "ready"}
	dir := newTestDirectory(t, b, nil)
	cam, err := dir.Open(context.Background(), "cam-1")
	require.NoError(t, err)

	setter, ok := cam.(device.ExposureSetter)
	require.True(t, ok)
	require.NoError(t, setter.SetExposureTime(context.Background(), 1500))

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, float64(1500), b.exposure)
}

func TestSetExposureTimes(t *testing.T) {
	b := &fakeBridge{state: "ready"}
	dir := newTestDirectory(t, b, nil)
	cam, err := dir.Open(context.Background(), "cam-1")
	require.NoError(t, err)
	setter := cam.(device.ExposureSetter)

	require.NoError(t, setter.SetExposureTimes(context.Background(), []uint32{1000, 200}))
	err = setter.SetExposureTimes(context.Background(), []uint32{1, 2, 3})
	assert.ErrorIs(t, err, device.ErrInvalidConfig)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []uint32{1000, 200}, b.exposures)
}

func TestDumpAndConfig(t *testing.T) {
	b := &fakeBridge{state: "ready", settings: json.RawMessage(`{"use_case":"MODE_9_5FPS"}`)}
	dir := newTestDirectory(t, b, nil)
	ctx := context.Background()
	cam, err := dir.Open(ctx, "cam-1")
	require.NoError(t, err)
	cfg, ok := cam.(device.Configurer)
	require.True(t, ok)

	doc, err := cfg.Dump(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"use_case":"MODE_9_5FPS"}`, string(doc))

	require.NoError(t, cfg.Config(ctx, json.RawMessage(`{"use_case":"MODE_MIXED_30_5"}`)))
	doc, err = cfg.Dump(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"use_case":"MODE_MIXED_30_5"}`, string(doc))
}
