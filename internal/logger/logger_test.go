package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// captureOutput redirects logger output to a buffer and returns a cleanup
// function restoring the previous writer, level and format.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()

	originalLevel := currentLevel.Load()
	originalFormat, _ := currentFormat.Load().(string)
	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		currentLevel.Store(originalLevel)
		currentFormat.Store(originalFormat)
		reconfigure()
	}

	return buf, cleanup
}

// ============================================================================
// Level Tests
// ============================================================================

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
		assert.Contains(t, out, "[DEBUG] debug message")
		assert.Contains(t, out, "[INFO] info message")
		assert.Contains(t, out, "[WARN] warn message")
		assert.Contains(t, out, "[ERROR] error message")
	})

	t.Run("WarnLevelFiltersInfoAndDebug", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")
		Debug("debug message")
		Info("info message")
		Warn("warn message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
	})

	t.Run("ErrorIsNeverFiltered", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.NotContains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	_, cleanup := captureOutput()
	defer cleanup()

	SetLevel("WARN")
	SetLevel("chatty")
	assert.Equal(t, LevelWarn, GetLevel())
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"Error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

// ============================================================================
// Text Format Tests
// ============================================================================

func TestTextFormat(t *testing.T) {
	t.Run("IncludesTimestampWithMilliseconds", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("hello")
		assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}\] \[INFO\] hello`, buf.String())
	})

	t.Run("FormatsStructuredFields", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("request completed", KeyMethod, "PROPFIND", KeyStatus, 207, KeyBytes, int64(512))

		out := buf.String()
		assert.Contains(t, out, "method=PROPFIND")
		assert.Contains(t, out, "status=207")
		assert.Contains(t, out, "bytes=512")
	})

	t.Run("QuotesStringsWithSpaces", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("upload", KeyPath, "/My Documents/a.txt", "empty", "")

		out := buf.String()
		assert.Contains(t, out, `path="/My Documents/a.txt"`)
		assert.Contains(t, out, `empty=""`)
	})

	t.Run("FlattensGroups", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		With("svc", "edgedav").WithGroup("volume").Info("mounted", "path", "/vfat")

		out := buf.String()
		assert.Contains(t, out, "svc=edgedav")
		assert.Contains(t, out, "volume.path=/vfat")
	})

	t.Run("DropsNilErrorAttr", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("ok", Err(nil))
		Info("failed", Err(errors.New("boom")))

		out := buf.String()
		assert.NotContains(t, strings.Split(out, "\n")[0], "error=")
		assert.Contains(t, out, "error=boom")
	})
}

// ============================================================================
// JSON Format Tests
// ============================================================================

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("json")
	Info("state changed", KeyFromState, "connecting", KeyToState, "associated")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "state changed", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "connecting", entry["from"])
	assert.Equal(t, "associated", entry["to"])
}

func TestSetFormatIgnoresUnknown(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetFormat("text")
	SetFormat("xml")
	SetLevel("INFO")
	Info("still text")

	assert.True(t, strings.HasPrefix(buf.String(), "["))
}

// ============================================================================
// Context Tests
// ============================================================================

func TestContextLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")

	lc := NewLogContext("c0ffee", "192.168.4.2").WithRequest("PUT", "/notes.txt")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "request admitted", KeyWaitMs, 3.5)

	out := buf.String()
	assert.Contains(t, out, "connection_id=c0ffee")
	assert.Contains(t, out, "client_ip=192.168.4.2")
	assert.Contains(t, out, "method=PUT")
	assert.Contains(t, out, "path=/notes.txt")
	assert.Contains(t, out, "wait_ms=3.500")

	// Context fields come before call-site fields.
	assert.Less(t, strings.Index(out, "connection_id"), strings.Index(out, "wait_ms"))
}

func TestContextLoggingWithoutLogContext(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("DEBUG")
	DebugCtx(context.Background(), "plain", "k", "v")

	assert.Contains(t, buf.String(), "plain k=v")
}

func TestLogContext(t *testing.T) {
	t.Run("CloneIsIndependent", func(t *testing.T) {
		lc := NewLogContext("id", "10.0.0.1")
		clone := lc.WithRequest("GET", "/a")
		assert.Empty(t, lc.Method)
		assert.Equal(t, "GET", clone.Method)
		assert.Equal(t, "id", clone.ConnectionID)
	})

	t.Run("WithTrace", func(t *testing.T) {
		lc := NewLogContext("id", "10.0.0.1").WithTrace("t1", "s1")
		assert.Equal(t, "t1", lc.TraceID)
		assert.Equal(t, "s1", lc.SpanID)
	})

	t.Run("NilReceiver", func(t *testing.T) {
		var lc *LogContext
		assert.Nil(t, lc.Clone())
		assert.Nil(t, lc.WithRequest("GET", "/"))
		assert.Zero(t, lc.DurationMs())
	})

	t.Run("FromContextNil", func(t *testing.T) {
		assert.Nil(t, FromContext(context.Background()))
	})
}

// ============================================================================
// Init Tests
// ============================================================================

func TestInit(t *testing.T) {
	t.Run("WritesToFile", func(t *testing.T) {
		_, cleanup := captureOutput()
		defer cleanup()

		path := filepath.Join(t.TempDir(), "edgedav.log")
		require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))
		Info("to file")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})

	t.Run("RejectsUnknownLevel", func(t *testing.T) {
		_, cleanup := captureOutput()
		defer cleanup()

		err := Init(Config{Level: "LOUD"})
		assert.Error(t, err)
	})

	t.Run("RejectsUnwritableFile", func(t *testing.T) {
		_, cleanup := captureOutput()
		defer cleanup()

		err := Init(Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
		assert.Error(t, err)
	})
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	// bytes.Buffer is not safe for concurrent writes on its own; the handler
	// mutex must serialize them.
	SetLevel("INFO")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Info("line", "worker", i, "n", j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 400)
}

// ============================================================================
// Text Handler Tests
// ============================================================================

func TestColorTextHandler(t *testing.T) {
	t.Run("PrefixesAttrsAddedInsideGroup", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(NewColorTextHandler(&buf, nil, false))

		log.With("node", "edge-1").WithGroup("link").With(KeySSID, "edgedav").Info("up", KeyState, "associated")

		assert.Contains(t, buf.String(), "node=edge-1 link.ssid=edgedav link.state=associated")
	})

	t.Run("HighlightsStatesStatusesAndErrors", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(NewColorTextHandler(&buf, nil, true))

		log.Info("link", KeyState, "associated")
		log.Info("link", KeyToState, "disconnected")
		log.Info("request", KeyStatus, 503)
		log.Info("request", KeyStatus, 207)
		log.Error("failed", KeyError, "boom")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 5)
		assert.Contains(t, lines[0], "="+colorGreen+"associated"+colorReset)
		assert.Contains(t, lines[1], "="+colorRed+"disconnected"+colorReset)
		assert.Contains(t, lines[2], "="+colorRed+"503"+colorReset)
		assert.Contains(t, lines[3], "=207")
		assert.Contains(t, lines[4], "="+colorRed+"boom"+colorReset)
		assert.Contains(t, lines[4], colorRed+"ERROR"+colorReset)
	})

	t.Run("NoEscapesWithoutColor", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(NewColorTextHandler(&buf, nil, false))

		log.Warn("slow", KeyStatus, 500, "ratio", 0.5)

		assert.NotContains(t, buf.String(), "\033[")
		assert.Contains(t, buf.String(), "[WARN] slow status=500 ratio=0.500")
	})
}
