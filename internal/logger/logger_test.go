package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer and returns a function
// restoring the previous output, level and format.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)

	mu.Lock()
	origOutput, origColor := output, useColor
	output, useColor = buf, false
	mu.Unlock()
	origLevel := GetLevel()
	origFormat, _ := currentFormat.Load().(string)
	reconfigure()

	t.Cleanup(func() {
		mu.Lock()
		output, useColor = origOutput, origColor
		mu.Unlock()
		currentLevel.Store(int32(origLevel))
		currentFormat.Store(origFormat)
		reconfigure()
	})
	return buf
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf := captureOutput(t)
		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		for _, want := range []string{"DEBUG", "INFO", "WARN", "ERROR", "debug message", "error message"} {
			assert.Contains(t, out, want)
		}
	})

	t.Run("WarnLevelFiltersInfoAndDebug", func(t *testing.T) {
		buf := captureOutput(t)
		SetLevel("WARN")

		Debug("debug message")
		Info("info message")
		Warn("warn message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
	})

	t.Run("InvalidLevelIsIgnored", func(t *testing.T) {
		captureOutput(t)
		SetLevel("ERROR")
		SetLevel("chatty")
		assert.Equal(t, LevelError, GetLevel())
	})
}

func TestTextFormat(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("INFO")
	SetFormat("text")

	Info("device exported", KeyBusID, "1-2", KeySeqNum, uint32(7), "note", "two words")

	line := buf.String()
	assert.Contains(t, line, "[INFO] device exported")
	assert.Contains(t, line, "busid=1-2")
	assert.Contains(t, line, "seqnum=7")
	assert.Contains(t, line, `note="two words"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestJSONFormat(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("INFO")
	SetFormat("json")

	Info("import accepted", KeyBusID, "3-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "import accepted", rec["msg"])
	assert.Equal(t, "3-1", rec[KeyBusID])
}

func TestContextFields(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("DEBUG")
	SetFormat("text")

	lc := NewLogContext("sess-1", "10.0.0.5").WithBusID("1-4").WithCommand("CMD_SUBMIT")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "urb submitted", KeySeqNum, uint32(3))

	out := buf.String()
	assert.Contains(t, out, "session_id=sess-1")
	assert.Contains(t, out, "client_ip=10.0.0.5")
	assert.Contains(t, out, "busid=1-4")
	assert.Contains(t, out, "command=CMD_SUBMIT")
	assert.Less(t, strings.Index(out, "session_id"), strings.Index(out, "seqnum"))
}

func TestContextWithoutLogContext(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("INFO")

	InfoCtx(context.Background(), "plain")
	assert.Contains(t, buf.String(), "plain")
	assert.Nil(t, FromContext(context.Background()))
}

func TestLogContextCloneIsIndependent(t *testing.T) {
	lc := NewLogContext("a", "1.2.3.4")
	c := lc.WithBusID("1-1")

	assert.Empty(t, lc.BusID)
	assert.Equal(t, "1-1", c.BusID)
	assert.Nil(t, (*LogContext)(nil).Clone())
	assert.GreaterOrEqual(t, lc.DurationMs(), 0.0)
}

func TestGroupsAndWith(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("INFO")
	SetFormat("text")

	With(KeySessionID, "s1").WithGroup("urb").Info("done", "seq", 9)

	out := buf.String()
	assert.Contains(t, out, "session_id=s1")
	assert.Contains(t, out, "urb.seq=9")
}

func TestErrAttrSkipsNil(t *testing.T) {
	buf := captureOutput(t)
	SetLevel("INFO")
	SetFormat("text")

	Info("ok", Err(nil))
	assert.NotContains(t, buf.String(), "error=")
}

func TestDevIDAttr(t *testing.T) {
	a := DevID(1<<16 | 2)
	assert.Equal(t, "1-2", a.Value.String())
}

func TestInitWithFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dittousb.log")
	captureOutput(t)

	require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))
	Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{" INFO ", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"ERROR", LevelError, true},
		{"trace", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
