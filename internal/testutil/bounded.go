package testutil

import (
	"testing"
	"time"
)

const (
	// FuzzInputLimit caps the bytes a fuzz target decodes per iteration.
	FuzzInputLimit = 64 << 10
	fuzzDeadline   = 100 * time.Millisecond
)

// Finishes fails t unless fn returns within d. fn is left running on failure.
func Finishes(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("still running after %s", d)
	}
}

// FuzzDecode hands decode at most FuzzInputLimit bytes of data and fails t
// if one input takes longer than the per-input deadline.
func FuzzDecode(t testing.TB, data []byte, decode func([]byte)) {
	t.Helper()
	data = data[:min(len(data), FuzzInputLimit)]
	Finishes(t, fuzzDeadline, func() { decode(data) })
}
