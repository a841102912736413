package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"marine-detect/internal/download"
	"marine-detect/internal/metrics"
)

var (
	ErrAlreadyRunning = errors.New("a run is already in progress")
	ErrStepFailed     = errors.New("step failed")
)

type Status string

const (
	StatusPending Status = "Pending"
	StatusRunning Status = "Running"
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
	StatusSkipped Status = "Skipped"
)

type StepState struct {
	Position int    `json:"position"`
	Step     StepID `json:"step"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Line is one line of step output.
type Line struct {
	Step   StepID
	Stderr bool
	Text   string
}

// CommandFunc builds the process that executes a step.
type CommandFunc func(ctx context.Context, step StepID) *exec.Cmd

// Subprocess runs every step as "<bin> step <id>", adding env to the current
// environment.
func Subprocess(bin string, env ...string) CommandFunc {
	return func(ctx context.Context, step StepID) *exec.Cmd {
		cmd := exec.CommandContext(ctx, bin, "step", string(step))
		cmd.Env = append(os.Environ(), env...)
		return cmd
	}
}

const maxLineSize = 1024 * 1024

// Runner executes steps one after the other. OnLine and OnStatus are called
// from the goroutine running the batch, never concurrently.
type Runner struct {
	Command  CommandFunc
	OnLine   func(Line)
	OnStatus func(StepState)

	Logger  *slog.Logger
	Metrics *metrics.PipelineMetrics

	mu      sync.Mutex
	states  []StepState
	running bool
	stop    bool

	emitMu sync.Mutex
}

func NewRunner(command CommandFunc, logger *slog.Logger, m *metrics.PipelineMetrics) *Runner {
	return &Runner{Command: command, Logger: logger, Metrics: m}
}

// Stop lets the current step finish and skips the remaining ones.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.stop = true
	}
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) States() []StepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepState, len(r.states))
	copy(out, r.states)
	return out
}

func (r *Runner) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop
}

func (r *Runner) update(index int, fn func(*StepState)) {
	r.mu.Lock()
	fn(&r.states[index])
	state := r.states[index]
	r.mu.Unlock()

	if r.OnStatus != nil {
		r.emitMu.Lock()
		r.OnStatus(state)
		r.emitMu.Unlock()
	}
}

func (r *Runner) setStatus(index int, status Status, errMsg string) {
	r.update(index, func(s *StepState) {
		s.Status = status
		s.Error = errMsg
		if status == StatusSuccess {
			s.Progress = 100
		}
	})
}

func (r *Runner) emit(line Line) {
	if r.OnLine == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.OnLine(line)
}

// Run executes steps in order, writing the combined output to log. Statuses
// are reset at the start of every run. The batch stops at the first failing
// step; the remaining steps are marked as skipped.
func (r *Runner) Run(ctx context.Context, steps []StepID, log io.Writer) ([]StepState, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.running = true
	r.stop = false
	r.states = make([]StepState, len(steps))
	for i, id := range steps {
		r.states[i] = StepState{Position: i, Step: id, Status: StatusPending}
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if log == nil {
		log = io.Discard
	}

	var runErr error
	for i, id := range steps {
		if runErr != nil || ctx.Err() != nil || r.stopRequested() {
			r.setStatus(i, StatusSkipped, "")
			continue
		}

		r.Logger.Info("starting step", "step", id)
		r.setStatus(i, StatusRunning, "")

		start := time.Now()
		err := r.runStep(ctx, i, id, log)
		elapsed := time.Since(start).Seconds()

		if err != nil {
			r.Logger.Error("step failed", "step", id, "error", err, "seconds", elapsed)
			r.setStatus(i, StatusFailure, err.Error())
			r.Metrics.RecordStep(string(id), "failure", elapsed)
			runErr = fmt.Errorf("%w: %s: %w", ErrStepFailed, id, err)
			continue
		}

		r.Logger.Info("step completed", "step", id, "seconds", elapsed)
		r.setStatus(i, StatusSuccess, "")
		r.Metrics.RecordStep(string(id), "success", elapsed)
	}

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	if r.stopRequested() {
		r.Logger.Info("run stopped after current step")
	}

	return r.States(), runErr
}

func (r *Runner) runStep(ctx context.Context, index int, id StepID, log io.Writer) error {
	title := string(id)
	if s, ok := Lookup(id); ok {
		title = s.Title
	}
	fmt.Fprintf(log, "=== Executando %s ===\n", title)

	cmd := r.Command(ctx, id)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting step: %w", err)
	}

	var (
		wg          sync.WaitGroup
		stderrLines []string
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			if value, ok := parseProgress(line); ok {
				r.update(index, func(s *StepState) { s.Progress = value })
				return
			}
			fmt.Fprintln(log, line)
			r.emit(Line{Step: id, Text: line})
		})
	}()

	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			stderrLines = append(stderrLines, line)
			r.emit(Line{Step: id, Stderr: true, Text: line})
		})
	}()

	// Both pipes must be drained before Wait closes them.
	wg.Wait()
	waitErr := cmd.Wait()

	if len(stderrLines) > 0 {
		fmt.Fprintln(log, "[STDERR]")
		for _, line := range stderrLines {
			fmt.Fprintln(log, line)
		}
	}
	fmt.Fprintln(log)

	return waitErr
}

func parseProgress(line string) (int, bool) {
	if len(line) == 0 || line[0] != '{' {
		return 0, false
	}
	var event download.ProgressEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil || event.Type != "progress" {
		return 0, false
	}
	return event.Value, true
}

// splitLines splits on \n and on bare \r, so terminal progress bars do not
// pile up into a single line.
func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func scanLines(rd io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(splitLines)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fn(line)
	}
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, rd)
	}
}
