package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/off-context/off-context/internal/logging"
)

// DefaultLogLines is the default number of log lines to show
const DefaultLogLines = 50

// LogLine is one parsed line of the diagnostic log.
type LogLine struct {
	Timestamp string `json:"timestamp,omitempty"`
	Level     string `json:"level,omitempty"`
	Source    string `json:"source,omitempty"`
	Message   string `json:"message"`
}

// LogsOutput represents the JSON output structure for logs
type LogsOutput struct {
	File    string    `json:"file"`
	Count   int       `json:"count"`
	Entries []LogLine `json:"entries"`
}

var logLineRe = regexp.MustCompile(`^\[([^\]]+)\] \[([a-z]+)\](?: \[([^\]]+)\])? (.*)$`)

func (a *App) runLogs(_ context.Context, args []string) error {
	fs := a.newFlagSet("logs", "[-n 50] [--json]")
	n := fs.Int("n", DefaultLogLines, "number of lines to show")
	jsonOutput := fs.Bool("json", false, "print entries as JSON")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *n <= 0 {
		*n = DefaultLogLines
	}

	path := filepath.Join(a.cfg.LogsDir(), logging.LogFileName)
	lines, err := tailFile(path, *n)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read log file: %w", err)
	}
	entries := make([]LogLine, 0, len(lines))
	for _, l := range lines {
		entries = append(entries, parseLogLine(l))
	}

	if *jsonOutput {
		return writeJSON(a.Stdout, LogsOutput{File: path, Count: len(entries), Entries: entries})
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.Stdout, warnStyle.Render("No log entries available"))
		fmt.Fprintln(a.Stdout, mutedStyle.Render("Logs are written to "+path))
		return nil
	}
	fmt.Fprintf(a.Stdout, "\n%s %s\n", titleStyle.Render("off-context logs"), mutedStyle.Render(fmt.Sprintf("(%d entries)", len(entries))))
	fmt.Fprintln(a.Stdout, dividerStyle.Render(divider))
	for _, e := range entries {
		message := e.Message
		if len(message) > 160 {
			message = message[:157] + "..."
		}
		if e.Level == "" {
			fmt.Fprintln(a.Stdout, message)
			continue
		}
		fmt.Fprintf(a.Stdout, "%s %s %s\n", mutedStyle.Render(e.Timestamp), formatLogLevel(e.Level), message)
	}
	fmt.Fprintln(a.Stdout, dividerStyle.Render(divider))
	return nil
}

func parseLogLine(line string) LogLine {
	m := logLineRe.FindStringSubmatch(line)
	if m == nil {
		return LogLine{Message: line}
	}
	return LogLine{Timestamp: m[1], Level: m[2], Source: m[3], Message: m[4]}
}

// tailFile returns the last n lines of path.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return tailLines(f, n)
}

func tailLines(r io.Reader, n int) ([]string, error) {
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, line)
	}
	return ring, sc.Err()
}

func formatLogLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug":
		return mutedStyle.Render("[DEBUG]")
	case "info":
		return infoStyle.Render("[INFO] ")
	case "warn", "warning":
		return warnStyle.Render("[WARN] ")
	case "error":
		return errorStyle.Render("[ERROR]")
	case "fatal", "panic":
		return errorStyle.Render("[FATAL]")
	default:
		return "[" + strings.ToUpper(level) + "]"
	}
}
