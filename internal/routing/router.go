package routing

import (
	"errors"
	"fmt"
)

// ErrUnknownUseCase is returned when a frame is tagged with a use-case that
// was never registered.
var ErrUnknownUseCase = errors.New("unknown use case")

// Router maps (use-case, stream id) pairs to stable channel indices. Stream
// ids are appended the first time they are seen and never move afterwards.
//
// Router is not safe for concurrent use; callers serialize access.
type Router struct {
	routes map[string][]uint16
}

func NewRouter() *Router {
	return &Router{routes: make(map[string][]uint16)}
}

// Register adds a use-case with an empty route. Registering an existing
// use-case keeps the stream ids already assigned to it.
func (r *Router) Register(useCase string) {
	if _, ok := r.routes[useCase]; ok {
		return
	}
	r.routes[useCase] = nil
}

// Resolve returns the channel index for streamID under useCase. A miss
// appends streamID and reports it as newly assigned.
func (r *Router) Resolve(useCase string, streamID uint16) (index int, added bool, err error) {
	ids, ok := r.routes[useCase]
	if !ok {
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownUseCase, useCase)
	}
	for i, id := range ids {
		if id == streamID {
			return i, false, nil
		}
	}
	r.routes[useCase] = append(ids, streamID)
	return len(ids), true, nil
}

func (r *Router) Registered(useCase string) bool {
	_, ok := r.routes[useCase]
	return ok
}

// Streams returns a copy of the stream ids routed for useCase, in channel order.
func (r *Router) Streams(useCase string) []uint16 {
	ids := r.routes[useCase]
	out := make([]uint16, len(ids))
	copy(out, ids)
	return out
}

func (r *Router) UseCases() []string {
	out := make([]string, 0, len(r.routes))
	for uc := range r.routes {
		out = append(out, uc)
	}
	return out
}
