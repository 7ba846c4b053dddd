package event

import (
	"testing"
	"time"
)

// ReceiveWithTimeout reads one value from ch or fails the test.
func ReceiveWithTimeout[T any](t testing.TB, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before value arrived")
		}
		return value
	case <-timer.C:
		t.Fatalf("timed out after %s waiting for value", timeout)
	}
	var zero T
	return zero
}

// WaitFor reads from ch until match accepts a value or the timeout expires.
func WaitFor[T any](t testing.TB, ch <-chan T, timeout time.Duration, match func(T) bool) T {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case value, ok := <-ch:
			if !ok {
				t.Fatal("channel closed before a matching value arrived")
			}
			if match == nil || match(value) {
				return value
			}
		case <-deadline.C:
			t.Fatalf("timed out after %s waiting for matching value", timeout)
		}
	}
}
