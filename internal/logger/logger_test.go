package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("InfoLevelFiltersDebug", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Debug("debug message")
		Info("info message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.Contains(t, out, "info message")
	})

	t.Run("ErrorLevelFiltersBelow", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.NotContains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		SetLevel("INFO")
		SetLevel("NOT_A_LEVEL")
		assert.Equal(t, LevelInfo, Level(currentLevel.Load()))
	})
}

func TestFormatSwitching(t *testing.T) {
	t.Run("JSONFormatIsParseable", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")
		SetFormat("json")
		Info("hello", KeySI, "abc123")

		var parsed map[string]any
		line := strings.TrimSpace(buf.String())
		require.NoError(t, json.Unmarshal([]byte(line), &parsed))
		assert.Equal(t, "hello", parsed["msg"])
		assert.Equal(t, "abc123", parsed[KeySI])
	})

	t.Run("InvalidFormatIgnored", func(t *testing.T) {
		SetFormat("text")
		SetFormat("xml")
		format, _ := currentFormat.Load().(string)
		assert.Equal(t, "text", format)
	})
}

func TestStructuredFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")

	Info("allocated share", Shnum(3), Offset(100), Length(50))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.EqualValues(t, 3, parsed[KeyShnum])
	assert.EqualValues(t, 100, parsed[KeyOffset])
	assert.EqualValues(t, 50, parsed[KeyLength])
}

func TestContextAwareLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")

	lc := NewLogContext("allocate_buckets").WithSI("si-1").WithTrace("trace-1")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "handling request")

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "allocate_buckets", parsed[KeyOperation])
	assert.Equal(t, "si-1", parsed[KeySI])
	assert.Equal(t, "trace-1", parsed["trace_id"])
}

func TestLogContextClone(t *testing.T) {
	lc := NewLogContext("slot_readv").WithSI("si-1")
	clone := lc.Clone()

	clone.SI = "si-2"

	assert.Equal(t, "si-1", lc.SI)
	assert.Equal(t, "si-2", clone.SI)
}

func TestLogContextDurationMs(t *testing.T) {
	lc := NewLogContext("get_buckets")
	lc.StartTime = time.Now().Add(-10 * time.Millisecond)

	assert.GreaterOrEqual(t, lc.DurationMs(), 9.0)

	var nilCtx *LogContext
	assert.Equal(t, 0.0, nilCtx.DurationMs())
}

func TestFromContextNilSafety(t *testing.T) {
	assert.Nil(t, FromContext(nil))
	assert.Nil(t, FromContext(context.Background()))
}

func TestWithBoundFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	SetFormat("json")

	bound := With(KeySI, "si-99")
	bound.Info("bound message")

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "si-99", parsed[KeySI])
}

func TestDuration(t *testing.T) {
	start := time.Now().Add(-5 * time.Millisecond)
	assert.GreaterOrEqual(t, Duration(start), 4.0)
}

func TestPrintfStyleHelpers(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	Infof("count=%d", 7)

	assert.Contains(t, buf.String(), "count=7")
}

func TestErrAttrNilSafe(t *testing.T) {
	attr := Err(nil)
	assert.True(t, attr.Equal(attr)) // zero Attr, just shouldn't panic
}
