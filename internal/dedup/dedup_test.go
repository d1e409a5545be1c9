package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ppiankov/procwatch/internal/clock"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestSeenWithinWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(5*time.Second, 0, clk)

	assert.False(t, c.Seen("exit:100"))
	clk.Advance(2 * time.Second)
	assert.True(t, c.Seen("exit:100"))
	assert.Equal(t, uint64(1), c.Hits())
}

func TestSeenAfterWindowExpires(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(5*time.Second, 0, clk)

	assert.False(t, c.Seen("exit:100"))
	clk.Advance(6 * time.Second)
	assert.False(t, c.Seen("exit:100"), "expired entry must not count as duplicate")
	assert.True(t, c.Contains("exit:100"))
}

func TestDuplicateDoesNotExtendWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(5*time.Second, 0, clk)

	c.Seen("k")
	clk.Advance(4 * time.Second)
	assert.True(t, c.Seen("k"))
	clk.Advance(2 * time.Second)
	assert.False(t, c.Seen("k"))
}

func TestSweepRemovesExpired(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(time.Second, 0, clk)

	c.Seen("a")
	clk.Advance(2 * time.Second)
	c.Seen("b")

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
}

func TestCapacityBound(t *testing.T) {
	c := New(time.Minute, 3, clock.NewFake(t0))
	for i := 0; i < 10; i++ {
		c.Seen(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, c.Len())
}

func TestKeysStraddleBucketBoundary(t *testing.T) {
	clk := clock.NewFake(t0)
	c := New(5*time.Second, 0, clk)
	bucket := time.Second

	first := t0.Add(999 * time.Millisecond)
	second := t0.Add(1001 * time.Millisecond)
	assert.NotEqual(t, Key("exit", 7, first, bucket), Key("exit", 7, second, bucket))

	assert.False(t, c.SeenAny(Keys("exit", 7, first, bucket)...))
	assert.True(t, c.SeenAny(Keys("exit", 7, second, bucket)...))
}

func TestForgetAndPurge(t *testing.T) {
	c := New(time.Minute, 0, clock.NewFake(t0))
	c.Seen("a")
	c.Seen("b")
	c.Forget("a")
	assert.False(t, c.Contains("a"))
	c.Purge()
	assert.Equal(t, 0, c.Len())
}
