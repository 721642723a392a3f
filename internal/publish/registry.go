// Package publish owns the output channels that converted frames are pushed
// to. Channel i carries the topics stream/<i+1>/<product>; every published
// product is fanned out to the configured sinks and kept as the latest value
// for its topic.
package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"depthcam-go/internal/types"
)

var ErrChannelOutOfRange = errors.New("channel index out of range")

// Sink receives every published product.
type Sink interface {
	Send(topic string, kind types.ProductKind, payload any) error
}

type Registry struct {
	mu       sync.RWMutex
	channels int
	created  bool
	sinks    []Sink
	latest   map[string]any
}

func NewRegistry(sinks ...Sink) *Registry {
	return &Registry{
		sinks:  sinks,
		latest: make(map[string]any),
	}
}

func Topic(channel int, kind types.ProductKind) string {
	return fmt.Sprintf("stream/%d/%s", channel+1, kind)
}

// CreateChannels instantiates n channels the first time it is called and is
// a no-op afterwards. It reports whether channels were created by this call.
func (r *Registry) CreateChannels(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.created {
		return false
	}
	if n < 1 {
		n = 1
	}
	r.channels = n
	r.created = true
	for i := 0; i < n; i++ {
		for _, kind := range types.ProductKinds {
			slog.Debug("publish: advertised topic", "topic", Topic(i, kind))
		}
	}
	return true
}

func (r *Registry) Channels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels
}

func (r *Registry) Publish(kind types.ProductKind, channel int, payload any) error {
	r.mu.Lock()
	if channel < 0 || channel >= r.channels {
		n := r.channels
		r.mu.Unlock()
		return fmt.Errorf("%w: %d (have %d)", ErrChannelOutOfRange, channel, n)
	}
	topic := Topic(channel, kind)
	r.latest[topic] = payload
	sinks := r.sinks
	r.mu.Unlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.Send(topic, kind, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// Latest returns the most recent payload published on a topic.
func (r *Registry) Latest(kind types.ProductKind, channel int) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.latest[Topic(channel, kind)]
	return v, ok
}

func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, r.channels*len(types.ProductKinds))
	for i := 0; i < r.channels; i++ {
		for _, kind := range types.ProductKinds {
			out = append(out, Topic(i, kind))
		}
	}
	return out
}
