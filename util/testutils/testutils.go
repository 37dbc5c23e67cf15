package testutils

import (
	"fmt"
	"net"
	"testing"
	"time"
)

/*
General purpose test utilities.
*/

////////////////////////////////////////////////////////////////////////////////

// GetOpenPort returns an open port that can be used for testing.
func GetOpenPort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("failed to get open port: %w", err)
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address type %T", l.Addr())
	}
	return addr.Port, nil
}

// RequireBlocked fails the test if ch is closed or receives within d.
func RequireBlocked[T any](tb testing.TB, ch <-chan T, d time.Duration) {
	tb.Helper()
	select {
	case <-ch:
		tb.Fatalf("expected channel to block for %s", d)
	case <-time.After(d):
	}
}

// RequireReceive fails the test unless ch is closed or receives within d.
func RequireReceive[T any](tb testing.TB, ch <-chan T, d time.Duration) T {
	tb.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		tb.Fatalf("timed out after %s waiting on channel", d)
	}
	var zero T
	return zero
}
