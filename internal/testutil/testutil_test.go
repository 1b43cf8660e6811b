package testutil

import (
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	if !WaitFor(time.Second, func() bool { return true }) {
		t.Fatal("immediate condition must succeed")
	}
	start := time.Now()
	if WaitFor(50*time.Millisecond, func() bool { return false }) {
		t.Fatal("false condition must time out")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("timeout returned early")
	}
}

func TestSilentLoggerDiscards(t *testing.T) {
	lg := SilentLogger()
	lg.Info("this must go nowhere")
}
