package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpired(t *testing.T) {
	var c Clock
	base := time.Unix(1000, 0)
	c.Touch(base)

	assert.False(t, c.Expired(base.Add(500*time.Millisecond), time.Second))
	assert.False(t, c.Expired(base.Add(time.Second), time.Second), "exactly at the timeout is not stale")
	assert.True(t, c.Expired(base.Add(1001*time.Millisecond), time.Second))
}

func TestTouchMovesDeadline(t *testing.T) {
	var c Clock
	base := time.Unix(1000, 0)
	c.Touch(base)
	c.Touch(base.Add(5 * time.Second))

	assert.Equal(t, base.Add(5*time.Second), c.Last())
	assert.False(t, c.Expired(base.Add(5500*time.Millisecond), time.Second))
}
