package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nickmisasi/nexuscore/internal/clock"
)

func TestFakeNowReturnsSeedTimeUntilAdvanced(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)
	assert.Equal(t, start, c.Now())
}

func TestFakeAdvanceMovesTimeForward(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())
}

func TestFakeSleepAdvancesWithoutBlocking(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	done := make(chan struct{})
	go func() {
		c.Sleep(24 * time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fake.Sleep blocked instead of advancing immediately")
	}
	assert.Equal(t, start.Add(24*time.Hour), c.Now())
}

func TestFakeSetPinsToExactInstant(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	target := time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC)

	c.Set(target)
	assert.Equal(t, target, c.Now())
}

func TestRealNowReflectsWallClock(t *testing.T) {
	before := time.Now()
	got := clock.Real{}.Now()
	after := time.Now()

	assert.False(t, got.Before(before))
	assert.False(t, got.After(after.Add(time.Second)))
}
