package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClockMonotonicallyIncreases(t *testing.T) {
	c := NewSystemClock()

	first := c.NowMillis()
	time.Sleep(5 * time.Millisecond)
	second := c.NowMillis()

	assert.GreaterOrEqual(t, second, first)
}

func TestFakeClockStartsAtConfiguredValue(t *testing.T) {
	c := NewFakeClock(1000)
	assert.Equal(t, int64(1000), c.NowMillis())
}

func TestFakeClockAdvance(t *testing.T) {
	c := NewFakeClock(0)

	c.Advance(250)
	assert.Equal(t, int64(250), c.NowMillis())

	c.Advance(250)
	assert.Equal(t, int64(500), c.NowMillis())
}

func TestFakeClockAdvanceIgnoresNegativeDelta(t *testing.T) {
	c := NewFakeClock(500)

	c.Advance(-100)
	assert.Equal(t, int64(500), c.NowMillis())
}

func TestFakeClockSet(t *testing.T) {
	c := NewFakeClock(0)

	c.Set(9999)
	assert.Equal(t, int64(9999), c.NowMillis())

	c.Set(1)
	assert.Equal(t, int64(1), c.NowMillis())
}
