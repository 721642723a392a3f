package processing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsSnapshotCopy(t *testing.T) {
	s := NewStats()
	stamp := time.Unix(10, 0)
	s.AddFrame(0, "A", 7, stamp)
	s.AddFrame(0, "A", 7, stamp.Add(time.Second))
	s.AddFrame(1, "A", 9, stamp)
	s.AddDrop("unknown_use_case")

	channels, drops := s.SnapshotCopy()
	assert.Equal(t, uint64(2), channels[0].Frames)
	assert.Equal(t, stamp.Add(time.Second), channels[0].LastStamp)
	assert.Equal(t, uint16(9), channels[1].StreamID)
	assert.Equal(t, uint64(1), drops["unknown_use_case"])

	s.AddFrame(0, "A", 7, stamp)
	assert.Equal(t, uint64(2), channels[0].Frames, "snapshot must not alias live counters")

	s.Reset()
	channels, drops = s.SnapshotCopy()
	assert.Empty(t, channels)
	assert.Empty(t, drops)
}
