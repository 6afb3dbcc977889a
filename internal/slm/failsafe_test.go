package slm

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFailSafeAuditor_DebouncesSameSignature(t *testing.T) {
	a := NewFailSafeAuditor(100*time.Millisecond, time.Second)
	logged1 := a.Report(1, "ctx", errors.New("broker busy (attempt 3)"))
	logged2 := a.Report(1, "ctx", errors.New("broker busy (attempt 7)"))
	assert.True(t, logged1)
	assert.False(t, logged2, "signatures differing only by digits must collapse and be suppressed")
}

func TestFailSafeAuditor_LogsAgainAfterWindow(t *testing.T) {
	a := NewFailSafeAuditor(20*time.Millisecond, time.Second)
	assert.True(t, a.Report(1, "ctx", errors.New("broker busy")))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, a.Report(1, "ctx", errors.New("broker busy")), "debounce window elapsed, should log again")
}

func TestFailSafeAuditor_NilErrorIgnored(t *testing.T) {
	a := NewFailSafeAuditor(time.Second, time.Second)
	assert.False(t, a.Report(1, "ctx", nil))
}

func TestSignature_StripsDigitsAndPunctuation(t *testing.T) {
	assert.Equal(t, signature("broker busy attempt"), signature("broker busy (attempt 3)!"))
}
