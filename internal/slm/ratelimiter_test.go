package slm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_DeniesBeyondWindow(t *testing.T) {
	rl := NewRateLimiter(2, false, 10*time.Millisecond)
	assert.True(t, rl.Allow(false))
	assert.True(t, rl.Allow(false))
	assert.False(t, rl.Allow(false), "third call within the same second should be denied")
}

func TestRateLimiter_EmergencyBypassesWindow(t *testing.T) {
	rl := NewRateLimiter(1, true, 10*time.Millisecond)
	assert.True(t, rl.Allow(false))
	assert.False(t, rl.Allow(false))
	assert.True(t, rl.Allow(true), "emergency calls must bypass a saturated window")
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	rl := NewRateLimiter(1, false, 10*time.Millisecond)
	assert.True(t, rl.Allow(false))
	assert.False(t, rl.Allow(false))

	rl.window[0] = time.Now().Add(-2 * time.Second)
	assert.True(t, rl.Allow(false), "a call outside the 1s window must age out")
}

func TestRateLimiter_InFlightReportsWindowSize(t *testing.T) {
	rl := NewRateLimiter(5, false, 0)
	rl.Allow(false)
	rl.Allow(false)
	assert.Equal(t, 2, rl.InFlight())
}
