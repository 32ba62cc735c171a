package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClock_NowAdvancesByStep(t *testing.T) {
	clock := NewClock(epoch, time.Second)

	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, epoch.Add(time.Second), clock.Now())
	assert.Equal(t, epoch.Add(2*time.Second), clock.Peek())
}

func TestClock_ZeroStepIsFrozen(t *testing.T) {
	clock := NewClock(epoch, 0)

	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, epoch, clock.Now())

	clock.Advance(time.Hour)
	assert.Equal(t, epoch.Add(time.Hour), clock.Now())
}

func TestClock_ConvertsToUTC(t *testing.T) {
	local := time.Date(2026, 1, 1, 9, 0, 0, 0, time.FixedZone("X", 9*3600))
	clock := NewClock(local, 0)
	assert.Equal(t, time.UTC, clock.Now().Location())
	assert.True(t, clock.Now().Equal(local))
}

func TestClock_ConcurrentReadsAreDistinct(t *testing.T) {
	clock := NewClock(epoch, time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				ts := clock.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000, "no instant handed out twice")
	assert.Equal(t, epoch.Add(1000*time.Millisecond), clock.Peek())
}
