package util

import (
	"path/filepath"
	"testing"
	"time"
)

func TestManualClock(t *testing.T) {
	start := time.UnixMilli(1_000)
	c := NewManualClock(start)
	ch := c.After(500 * time.Millisecond)

	c.Advance(499 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	c.Advance(time.Millisecond)
	select {
	case got := <-ch:
		if got.UnixMilli() != 1_500 {
			t.Errorf("fired at %d", got.UnixMilli())
		}
	default:
		t.Fatal("did not fire")
	}
	if NowMs(c) != 1_500 {
		t.Errorf("NowMs = %d", NowMs(c))
	}
}

func TestLoggers(t *testing.T) {
	if _, err := NewLogger("verbose"); err == nil {
		t.Error("expected bad level error")
	}
	l, err := NewLoggerWithFile(filepath.Join(t.TempDir(), "logs", "node.log"), "debug")
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("test_line")
	_ = l.Sync()
}
