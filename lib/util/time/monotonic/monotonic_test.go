package monotonic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowTracksWallClock(t *testing.T) {
	c := NewClock()
	diff := c.NowMs() - time.Now().UnixMilli()
	assert.InDelta(t, 0, diff, 1000)
}

func TestNowIsMonotonic(t *testing.T) {
	c := NewClock()
	prev := c.NowMs()
	for i := 0; i < 1000; i++ {
		now := c.NowMs()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestOffsetShiftsNow(t *testing.T) {
	c := NewClock()
	assert.Zero(t, c.Offset())
	before := c.NowMs()
	c.SetOffset(time.Hour)
	assert.Equal(t, time.Hour, c.Offset())
	assert.GreaterOrEqual(t, c.NowMs()-before, time.Hour.Milliseconds())

	c.SetOffset(-time.Minute)
	assert.Less(t, c.NowMs(), before+time.Hour.Milliseconds())
}
