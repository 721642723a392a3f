package processing

import (
	"sync"
	"time"
)

type ChannelData struct {
	Frames    uint64    `json:"frames"`
	StreamID  uint16    `json:"stream_id"`
	UseCase   string    `json:"use_case"`
	LastStamp time.Time `json:"last_stamp"`
}

// Stats accumulates per-channel counters for the status surface.
type Stats struct {
	mu       sync.Mutex
	channels map[int]*ChannelData
	drops    map[string]uint64
}

func NewStats() *Stats {
	return &Stats{
		channels: make(map[int]*ChannelData),
		drops:    make(map[string]uint64),
	}
}

func (s *Stats) AddFrame(channel int, useCase string, streamID uint16, stamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cd, ok := s.channels[channel]
	if !ok {
		cd = &ChannelData{}
		s.channels[channel] = cd
	}
	cd.Frames++
	cd.StreamID = streamID
	cd.UseCase = useCase
	cd.LastStamp = stamp
}

func (s *Stats) AddDrop(reason string) {
	s.mu.Lock()
	s.drops[reason]++
	s.mu.Unlock()
}

func (s *Stats) Reset() {
	s.mu.Lock()
	s.channels = make(map[int]*ChannelData)
	s.drops = make(map[string]uint64)
	s.mu.Unlock()
}

func (s *Stats) SnapshotCopy() (map[int]ChannelData, map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make(map[int]ChannelData, len(s.channels))
	for idx, cd := range s.channels {
		channels[idx] = *cd
	}
	drops := make(map[string]uint64, len(s.drops))
	for reason, n := range s.drops {
		drops[reason] = n
	}
	return channels, drops
}
