package lifecycle

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"depthcam-go/internal/routing"
)

// UnknownUseCase is recorded when the device cannot report its active mode.
const UnknownUseCase = "UNKNOWN"

type State int32

const (
	StateDisconnected State = iota
	StateProbing
	StateInitializing
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateProbing:
		return "probing"
	case StateInitializing:
		return "initializing"
	case StateCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// connState is the part of the connection shared between the tick goroutine
// and the device's capture goroutine.
type connState struct {
	mu      sync.Mutex
	useCase string
	router  *routing.Router
}

func newConnState() *connState {
	return &connState{
		useCase: UnknownUseCase,
		router:  routing.NewRouter(),
	}
}

func (c *connState) register(useCases []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uc := range useCases {
		if !c.router.Registered(uc) {
			slog.Info("lifecycle: use case registered", "use_case", uc)
		}
		c.router.Register(uc)
	}
}

func (c *connState) setUseCase(useCase string) {
	c.mu.Lock()
	c.useCase = useCase
	c.mu.Unlock()
}

func (c *connState) currentUseCase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCase
}

func (c *connState) resolve(streamID uint16) (useCase string, channel int, added bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel, added, err = c.router.Resolve(c.useCase, streamID)
	return c.useCase, channel, added, err
}

func (c *connState) routes() map[string][]uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]uint16)
	for _, uc := range c.router.UseCases() {
		out[uc] = c.router.Streams(uc)
	}
	return out
}

// session guards the frame listener registered for one device handle.
// Listener calls hold the read lock for their whole duration, so close
// returns only once no call is in flight.
type session struct {
	id     string
	mu     sync.RWMutex
	closed bool
}

func newSession() *session {
	return &session{id: uuid.New().String()}
}

func (s *session) enter() bool {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false
	}
	return true
}

func (s *session) leave() {
	s.mu.RUnlock()
}

func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
