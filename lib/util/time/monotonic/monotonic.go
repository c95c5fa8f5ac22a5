// Package monotonic supplies the millisecond clock the node runs on.
//
// The node takes "now" as int64 milliseconds on every call. Reading that from
// time.Now().UnixMilli() directly lets a wall clock step move every peer timer
// at once, so Clock anchors wall time once and advances it with Go's monotonic
// reading. An SNTP offset can be applied on top.
package monotonic

import (
	"sync/atomic"
	"time"
)

// Clock is a wall clock that never jumps when the host clock is stepped.
type Clock struct {
	base   time.Time
	offset atomic.Int64
}

// NewClock anchors a Clock at the current wall time.
func NewClock() *Clock {
	return &Clock{base: time.Now()}
}

// Now returns the corrected current time.
func (c *Clock) Now() time.Time {
	elapsed := time.Since(c.base)
	return c.base.Round(0).Add(elapsed + c.Offset())
}

// NowMs returns Now as milliseconds since the Unix epoch.
func (c *Clock) NowMs() int64 {
	return c.Now().UnixMilli()
}

// SetOffset replaces the correction added to the local clock.
func (c *Clock) SetOffset(offset time.Duration) {
	c.offset.Store(int64(offset))
}

// Offset returns the current correction.
func (c *Clock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}
