package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected log.Level
	}{
		{"debug", log.DebugLevel},
		{"DEBUG", log.DebugLevel},
		{"Verbose", log.DebugLevel},
		{"info", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"WARNING", log.WarnLevel},
		{"error", log.ErrorLevel},
		{"quiet", log.FatalLevel},
		{"SILENT", log.FatalLevel},
		{" warn ", log.WarnLevel},
		{"", log.InfoLevel},
		{"foobar", log.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			log.SetLevel(log.PanicLevel)
			SetLogLevel(tt.input)
			if got := log.GetLevel(); got != tt.expected {
				t.Errorf("SetLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogFormatter(t *testing.T) {
	entry := &log.Entry{
		Time:    time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "lock contention\n",
		Data:    log.Fields{"project": "demo"},
	}
	out, err := (&LogFormatter{}).Format(entry)
	require.NoError(t, err)
	line := string(out)
	assert.True(t, strings.HasPrefix(line, "[2026-03-04 05:06:07] [warn] lock contention"), line)
	assert.Contains(t, line, "project=demo")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestConfigureLogOutputWritesFile(t *testing.T) {
	dir := t.TempDir()
	prevOut := log.StandardLogger().Out
	prevFormatter := log.StandardLogger().Formatter
	t.Cleanup(func() {
		CloseLogOutput()
		log.SetOutput(prevOut)
		log.SetFormatter(prevFormatter)
	})

	log.SetFormatter(&LogFormatter{})
	log.SetLevel(log.InfoLevel)
	require.NoError(t, ConfigureLogOutput(true, dir, 1, true))
	log.Info("hook handled")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hook handled")
}

func TestRingBufferRecent(t *testing.T) {
	rb := NewRingBuffer(3)
	for i, msg := range []string{"a", "b", "c", "d"} {
		rb.Write(LogEntry{Message: msg, Timestamp: time.Unix(int64(i), 0)})
	}
	require.Equal(t, 3, rb.Len())

	all := rb.Recent(0)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].Message)
	assert.Equal(t, "d", all[2].Message)

	last := rb.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, "c", last[0].Message)
	assert.Equal(t, "d", last[1].Message)
}

func TestRingBufferFireCopiesFields(t *testing.T) {
	rb := NewRingBuffer(4)
	data := log.Fields{"k": "v"}
	require.NoError(t, rb.Fire(&log.Entry{Level: log.WarnLevel, Message: "m", Data: data}))
	data["k"] = "changed"

	got := rb.Recent(1)
	require.Len(t, got, 1)
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "v", got[0].Fields["k"])
}
