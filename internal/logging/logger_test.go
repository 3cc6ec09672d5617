package logging

import (
	"strings"
	"testing"
)

type captureLogger struct {
	lines []string
}

func (c *captureLogger) Debug(format string, args ...any) { c.lines = append(c.lines, "D:"+format) }
func (c *captureLogger) Info(format string, args ...any)  { c.lines = append(c.lines, "I:"+format) }
func (c *captureLogger) Warn(format string, args ...any)  { c.lines = append(c.lines, "W:"+format) }
func (c *captureLogger) Error(format string, args ...any) { c.lines = append(c.lines, "E:"+format) }

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}

	var typed *captureLogger
	if got := OrNop(typed); got == nil {
		t.Fatal("OrNop(typed nil) returned nil")
	} else {
		// Must be safe to call.
		got.Info("ok")
	}

	real := &captureLogger{}
	if got := OrNop(real); got != Logger(real) {
		t.Fatal("OrNop replaced a non-nil logger")
	}
}

func TestWithComponentPrefixes(t *testing.T) {
	capture := &captureLogger{}
	logger := WithComponent(capture, "engine")

	logger.Info("step %d done", 3)
	logger.Error("boom")

	if len(capture.lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(capture.lines))
	}
	if !strings.Contains(capture.lines[0], "[engine] ") {
		t.Errorf("missing component prefix: %q", capture.lines[0])
	}
	if !strings.HasPrefix(capture.lines[1], "E:") {
		t.Errorf("level not preserved: %q", capture.lines[1])
	}
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	a := &captureLogger{}
	b := &captureLogger{}

	inner := Multi(a, nil)
	outer := Multi(inner, b)

	outer.Warn("watch out")

	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Fatalf("fan-out incomplete: a=%d b=%d", len(a.lines), len(b.lines))
	}

	if got := Multi(); got == nil {
		t.Fatal("empty Multi returned nil")
	}
	if got := Multi(a); got != Logger(a) {
		t.Fatal("single-logger Multi should return the logger itself")
	}
}
