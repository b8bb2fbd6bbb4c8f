package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	var fired []string
	c.AfterFunc(3*time.Minute, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Minute, func() { fired = append(fired, "a") })

	c.Advance(2 * time.Minute)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, start.Add(2*time.Minute), c.Now())

	c.Advance(time.Minute)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClock_StopAndRearm(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	n := 0
	tm := c.AfterFunc(time.Minute, func() { n++ })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	// a callback that re-arms itself fires once per period
	var tick func()
	tick = func() {
		n++
		c.AfterFunc(time.Minute, tick)
	}
	c.AfterFunc(time.Minute, tick)
	c.Advance(3 * time.Minute)
	assert.Equal(t, 3, n)

	at, ok := c.NextDeadline()
	assert.True(t, ok)
	assert.Equal(t, start.Add(4*time.Minute), at)
}
