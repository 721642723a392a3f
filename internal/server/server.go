// Package server exposes the manager over HTTP: status and control endpoints,
// a TIFF snapshot of the latest intensity image and a websocket feed of
// per-frame summaries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/image/tiff"

	"depthcam-go/internal/device"
	"depthcam-go/internal/lifecycle"
	"depthcam-go/internal/types"
)

// Controller is the part of the lifecycle manager the HTTP surface drives.
type Controller interface {
	Status() lifecycle.Status
	UseCases(ctx context.Context) ([]string, error)
	SetEnabled(on bool)
	SetExposureTime(ctx context.Context, usec uint32) error
	SetExposureTimes(ctx context.Context, usecs []uint32) error
	DeviceConfig(ctx context.Context) (json.RawMessage, error)
	ApplyDeviceConfig(ctx context.Context, doc json.RawMessage) error
}

// RecordControl starts and stops raw recordings.
type RecordControl interface {
	StartRecording() (path string, err error)
	StopRecording() (records int, err error)
}

var (
	ErrAlreadyRecording = errors.New("recording already active")
	ErrNotRecording     = errors.New("no recording active")
)

type Options struct {
	Port     int
	Control  Controller
	Recorder RecordControl
	// Latest returns the most recent payload published for kind on channel.
	Latest func(kind types.ProductKind, channel int) (any, bool)
	// Config is served verbatim at /config.
	Config any
	// Extra is merged into /status.
	Extra func() map[string]any
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
}

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

func New(opts Options) *Server {
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /use-cases", s.handleUseCases)
	mux.HandleFunc("POST /capture/{action}", s.handleCapture)
	mux.HandleFunc("POST /record/{action}", s.handleRecord)
	mux.HandleFunc("POST /exposure", s.handleExposure)
	mux.HandleFunc("POST /exposures", s.handleExposures)
	mux.HandleFunc("GET /device-config", s.handleDeviceConfig)
	mux.HandleFunc("POST /device-config", s.handleApplyDeviceConfig)
	mux.HandleFunc("GET /stream/{n}/gray.tiff", s.handleGrayTIFF)
	return mux
}

// Run serves until ctx is cancelled. Messages are broadcast to every
// websocket client as JSON.
func (s *Server) Run(ctx context.Context, messages <-chan any) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	go s.broadcast(ctx, messages)

	slog.Info("server: listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	_ = s.writeJSON(conn, writeMu, map[string]any{"type": "config", "config": s.opts.Config})

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			if request["type"] == "status_request" {
				_ = s.writeJSON(conn, writeMu, map[string]any{"type": "status", "status": s.statusPayload()})
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.opts.Config)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, s.statusPayload())
}

func (s *Server) statusPayload() map[string]any {
	payload := map[string]any{}
	if s.opts.Extra != nil {
		for k, v := range s.opts.Extra() {
			payload[k] = v
		}
	}
	if s.opts.Control != nil {
		payload["device"] = s.opts.Control.Status()
	}
	payload["ws_clients"] = s.clientCount()
	return payload
}

func (s *Server) handleUseCases(w http.ResponseWriter, r *http.Request) {
	useCases, err := s.opts.Control.UseCases(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"use_cases": useCases})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	switch r.PathValue("action") {
	case "start":
		s.opts.Control.SetEnabled(true)
	case "stop":
		s.opts.Control.SetEnabled(false)
	default:
		http.NotFound(w, r)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"enabled": r.PathValue("action") == "start"})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		http.Error(w, "recording not configured", http.StatusNotImplemented)
		return
	}
	switch r.PathValue("action") {
	case "start":
		path, err := s.opts.Recorder.StartRecording()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]any{"path": path})
	case "stop":
		records, err := s.opts.Recorder.StopRecording()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, map[string]any{"records": records})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Usec uint32 `json:"usec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Usec == 0 {
		http.Error(w, "body must be {\"usec\": <positive int>}", http.StatusBadRequest)
		return
	}
	if err := s.opts.Control.SetExposureTime(r.Context(), req.Usec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExposures(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Usecs []uint32 `json:"usecs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Usecs) == 0 {
		http.Error(w, "body must be {\"usecs\": [<int>, ...]}", http.StatusBadRequest)
		return
	}
	if err := s.opts.Control.SetExposureTimes(r.Context(), req.Usecs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := s.opts.Control.DeviceConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, doc)
}

func (s *Server) handleApplyDeviceConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		http.Error(w, "body must be a JSON document", http.StatusBadRequest)
		return
	}
	if err := s.opts.Control.ApplyDeviceConfig(r.Context(), body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGrayTIFF serves the latest intensity image of stream n (1-based, as
// in the topic names) as a 16-bit grayscale TIFF.
func (s *Server) handleGrayTIFF(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		http.Error(w, "invalid stream number", http.StatusBadRequest)
		return
	}
	if s.opts.Latest == nil {
		http.NotFound(w, r)
		return
	}
	payload, ok := s.opts.Latest(types.ProductGray, n-1)
	if !ok {
		http.NotFound(w, r)
		return
	}
	plane, ok := payload.(types.Gray16Plane)
	if !ok {
		http.Error(w, fmt.Sprintf("unexpected payload %T", payload), http.StatusInternalServerError)
		return
	}
	if total, ok := types.PixelCount(plane.Width, plane.Height); !ok || total == 0 {
		http.Error(w, fmt.Sprintf("no image for geometry %dx%d", plane.Width, plane.Height), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "image/tiff")
	if err := tiff.Encode(w, gray16Image(plane), &tiff.Options{Compression: tiff.Deflate}); err != nil {
		slog.Warn("server: tiff encode", "error", err)
	}
}

func gray16Image(plane types.Gray16Plane) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, plane.Width, plane.Height))
	total := plane.Width * plane.Height
	for i, v := range plane.Pix {
		if i >= total {
			break
		}
		img.SetGray16(i%plane.Width, i/plane.Width, color.Gray16{Y: v})
	}
	return img
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		code = http.StatusServiceUnavailable
	case errors.Is(err, device.ErrUnsupported):
		code = http.StatusNotImplemented
	case errors.Is(err, device.ErrInvalidConfig):
		code = http.StatusBadRequest
	case errors.Is(err, ErrAlreadyRecording), errors.Is(err, ErrNotRecording):
		code = http.StatusConflict
	}
	writeJSONResponse(w, code, map[string]any{"error": err.Error()})
}

func writeJSONResponse(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) broadcast(ctx context.Context, messages <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			var stale []*websocket.Conn
			s.mu.Lock()
			for conn, writeMu := range s.clients {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()
			for _, conn := range stale {
				s.removeClient(conn)
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
