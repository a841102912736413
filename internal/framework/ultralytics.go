package framework

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

//go:embed bridge.py
var bridgeScript []byte

const (
	resultPrefix = "RESULT "
	errorPrefix  = "ERROR "

	maxLineSize = 1024 * 1024
	stderrTail  = 20
)

var ErrNoResult = errors.New("framework command produced no result")

// Ultralytics runs every command as a short lived python process executing
// the embedded bridge script.
type Ultralytics struct {
	Python string
	// Script overrides the embedded bridge. When empty the embedded copy is
	// written to a temporary file on first use.
	Script string
	Dir    string

	logger *slog.Logger

	once      sync.Once
	scriptErr error
	ownScript bool
}

var _ Framework = (*Ultralytics)(nil)

func NewUltralytics(python, dir string, logger *slog.Logger) *Ultralytics {
	return &Ultralytics{Python: python, Dir: dir, logger: logger}
}

func (u *Ultralytics) scriptPath() (string, error) {
	u.once.Do(func() {
		if u.Script != "" {
			return
		}
		f, err := os.CreateTemp("", "marine-bridge-*.py")
		if err != nil {
			u.scriptErr = fmt.Errorf("error creating bridge script: %w", err)
			return
		}
		defer f.Close()
		if _, err := f.Write(bridgeScript); err != nil {
			u.scriptErr = fmt.Errorf("error writing bridge script: %w", err)
			return
		}
		u.Script = f.Name()
		u.ownScript = true
	})
	return u.Script, u.scriptErr
}

// Close removes the temporary bridge script, if one was written.
func (u *Ultralytics) Close() error {
	if !u.ownScript {
		return nil
	}
	return os.Remove(u.Script)
}

func (u *Ultralytics) Device(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	err := u.call(ctx, "device", struct{}{}, &info)
	return info, err
}

func (u *Ultralytics) CheckModel(ctx context.Context, family, model string) error {
	args := map[string]string{"family": family, "model": model}
	return u.call(ctx, "check_model", args, &struct{}{})
}

func (u *Ultralytics) Train(ctx context.Context, args TrainArgs) (TrainResult, error) {
	var res TrainResult
	err := u.call(ctx, "train", args, &res)
	return res, err
}

func (u *Ultralytics) Validate(ctx context.Context, args ValArgs) (ValResult, error) {
	var res ValResult
	err := u.call(ctx, "val", args, &res)
	return res, err
}

func (u *Ultralytics) Latency(ctx context.Context, args LatencyArgs) (float64, error) {
	var res struct {
		LatencyMs float64 `json:"latency_ms"`
	}
	err := u.call(ctx, "latency", args, &res)
	return res.LatencyMs, err
}

func (u *Ultralytics) call(ctx context.Context, command string, args any, out any) error {
	script, err := u.scriptPath()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("error encoding %s arguments: %w", command, err)
	}

	cmd := exec.CommandContext(ctx, u.Python, script, command, string(payload))
	cmd.Dir = u.Dir

	stderr := &tailWriter{logger: u.logger, limit: stderrTail}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error opening framework stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting framework command %s: %w", command, err)
	}

	var result, failure string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, resultPrefix):
			result = strings.TrimPrefix(line, resultPrefix)
		case strings.HasPrefix(line, errorPrefix):
			failure = strings.TrimPrefix(line, errorPrefix)
		default:
			u.logger.Info(line, "source", "framework")
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := cmd.Wait()
	stderr.Flush()

	if waitErr != nil {
		if failure == "" {
			failure = stderr.Tail()
		}
		if failure == "" {
			return fmt.Errorf("framework command %s failed: %w", command, waitErr)
		}
		return fmt.Errorf("framework command %s failed: %s", command, failure)
	}
	if scanErr != nil {
		return fmt.Errorf("error reading framework output: %w", scanErr)
	}
	if result == "" {
		return fmt.Errorf("%w: %s", ErrNoResult, command)
	}

	if err := json.Unmarshal([]byte(result), out); err != nil {
		return fmt.Errorf("error decoding %s result: %w", command, err)
	}
	return nil
}

// tailWriter logs every complete line written to it and remembers the last
// few for error messages.
type tailWriter struct {
	logger  *slog.Logger
	limit   int
	partial bytes.Buffer
	lines   []string
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		w.add(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *tailWriter) Flush() {
	if w.partial.Len() > 0 {
		w.add(w.partial.String())
		w.partial.Reset()
	}
}

func (w *tailWriter) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	w.logger.Info(line, "source", "framework", "stream", "stderr")
	w.lines = append(w.lines, line)
	if len(w.lines) > w.limit {
		w.lines = w.lines[len(w.lines)-w.limit:]
	}
}

func (w *tailWriter) Tail() string {
	return strings.Join(w.lines, " ")
}
