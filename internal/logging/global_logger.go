// Package logging configures the process-wide logrus logger, its rotated file
// output and the gin middleware used by the admin server.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the rotated diagnostic log inside the logs directory.
const LogFileName = "off-context.log"

var (
	setupOnce  sync.Once
	writerMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// LogFormatter renders "[time] [level] [file:line] message k=v" lines.
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	message := strings.TrimRight(entry.Message, "\r\n")

	if entry.Caller != nil {
		fmt.Fprintf(b, "[%s] [%s] [%s:%d] %s", timestamp, level, filepath.Base(entry.Caller.File), entry.Caller.Line, message)
	} else {
		fmt.Fprintf(b, "[%s] [%s] %s", timestamp, level, message)
	}
	for k, v := range entry.Data {
		fmt.Fprintf(b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// SetupBaseLogger installs the formatter and the ring buffer hook. Safe to call
// more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stderr)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})
		log.AddHook(GlobalBuffer)
	})
}

// ConfigureLogOutput routes logs to a size-capped file under logsDir when toFile
// is set, and to stderr otherwise. When quietConsole is set and toFile is false,
// output is discarded entirely.
func ConfigureLogOutput(toFile bool, logsDir string, maxSizeMB int, quietConsole bool) error {
	writerMu.Lock()
	defer writerMu.Unlock()

	if !toFile {
		closeFileWriterLocked()
		if quietConsole {
			log.SetOutput(io.Discard)
		} else {
			log.SetOutput(os.Stderr)
		}
		return nil
	}

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("logging: create logs dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	path := filepath.Join(logsDir, LogFileName)
	if fileWriter == nil || fileWriter.Filename != path {
		closeFileWriterLocked()
		fileWriter = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: 3,
			MaxAge:     14,
			Compress:   false,
		}
	} else {
		fileWriter.MaxSize = maxSizeMB
	}

	if quietConsole {
		log.SetOutput(fileWriter)
	} else {
		log.SetOutput(io.MultiWriter(os.Stderr, fileWriter))
	}
	return nil
}

// CloseLogOutput flushes and closes the file writer, if any.
func CloseLogOutput() {
	writerMu.Lock()
	defer writerMu.Unlock()
	closeFileWriterLocked()
}

func closeFileWriterLocked() {
	if fileWriter == nil {
		return
	}
	_ = fileWriter.Close()
	fileWriter = nil
}

// SetLogLevel maps a textual level onto logrus. Unknown values select info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
