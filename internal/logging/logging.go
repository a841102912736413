package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const fileTimeLayout = "20060102_150405"

// NewStageLogger opens output/logs/<stage>_<timestamp>.log and returns a logger
// writing to that file and to stdout. The caller must close the returned closer.
func NewStageLogger(logsDir, stage string) (*slog.Logger, io.Closer, string, error) {
	if err := os.MkdirAll(logsDir, os.ModePerm); err != nil {
		return nil, nil, "", fmt.Errorf("error creating log directory: %w", err)
	}

	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", stage, time.Now().Format(fileTimeLayout)))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, "", fmt.Errorf("error opening log file: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(f, os.Stdout), nil)).With("stage", stage)
	return logger, f, path, nil
}

// Discard is used by tests and library callers that do not want stage output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
