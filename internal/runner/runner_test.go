package runner

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"marine-detect/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func shellSteps(scripts map[StepID]string) CommandFunc {
	return func(ctx context.Context, step StepID) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", scripts[step])
	}
}

func statuses(states []StepState) []Status {
	out := make([]Status, 0, len(states))
	for _, s := range states {
		out = append(out, s.Status)
	}
	return out
}

func TestRunStreamsOutput(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(shellSteps(map[StepID]string{
		StepDownload: `echo '{"type":"progress","value":40}'; echo hello; echo oops >&2; printf 'bar 10%%\rbar 20%%\n'`,
		StepSync:     `echo synced`,
	}), logging.Discard(), nil)

	var (
		mu    sync.Mutex
		lines []Line
	)
	r.OnLine = func(l Line) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, l)
	}

	var log bytes.Buffer
	states, err := r.Run(context.Background(), []StepID{StepDownload, StepSync}, &log)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusSuccess, StatusSuccess}, statuses(states))
	assert.Equal(t, 100, states[0].Progress)

	out := log.String()
	assert.Contains(t, out, "=== Executando Download e preparação dos datasets ===\nhello\n")
	assert.Contains(t, out, "bar 10%\nbar 20%\n")
	assert.Contains(t, out, "[STDERR]\noops\n")
	assert.Contains(t, out, "=== Executando Sincronização dos arquivos data.yaml ===\nsynced\n")
	assert.NotContains(t, out, `"progress"`)
	assert.Less(t, strings.Index(out, "hello"), strings.Index(out, "synced"))

	assert.Contains(t, lines, Line{Step: StepDownload, Text: "hello"})
	assert.Contains(t, lines, Line{Step: StepDownload, Stderr: true, Text: "oops"})
	assert.Contains(t, lines, Line{Step: StepSync, Text: "synced"})
	assert.False(t, r.Running())
}

func TestProgressIsReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(shellSteps(map[StepID]string{
		StepDownload: `echo '{"type":"progress","value":5}'; echo '{"type":"progress","value":55}'; exit 3`,
	}), logging.Discard(), nil)

	var progress []int
	r.OnStatus = func(s StepState) {
		if s.Status == StatusRunning {
			progress = append(progress, s.Progress)
		}
	}

	states, err := r.Run(context.Background(), []StepID{StepDownload}, nil)
	require.Error(t, err)
	assert.Equal(t, []int{0, 5, 55}, progress)
	assert.Equal(t, 55, states[0].Progress)
	assert.Equal(t, StatusFailure, states[0].Status)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(shellSteps(map[StepID]string{
		StepSync:   `echo ok`,
		StepReduce: `echo broken >&2; exit 1`,
		StepMerge:  `echo never`,
	}), logging.Discard(), nil)

	var log bytes.Buffer
	states, err := r.Run(context.Background(), []StepID{StepSync, StepReduce, StepMerge}, &log)
	require.ErrorIs(t, err, ErrStepFailed)
	assert.Contains(t, err.Error(), "reduce")

	assert.Equal(t, []Status{StatusSuccess, StatusFailure, StatusSkipped}, statuses(states))
	assert.Equal(t, 2, states[2].Position)
	assert.NotEmpty(t, states[1].Error)
	assert.NotContains(t, log.String(), "never")
	assert.Contains(t, log.String(), "[STDERR]\nbroken\n")
}

func TestStopLetsCurrentStepFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(shellSteps(map[StepID]string{
		StepMerge:     `sleep 0.2; echo merged`,
		StepTrainYOLO: `echo trained`,
		StepEvaluate:  `echo evaluated`,
	}), logging.Discard(), nil)

	r.OnStatus = func(s StepState) {
		if s.Step == StepMerge && s.Status == StatusRunning {
			r.Stop()
		}
	}

	var log bytes.Buffer
	states, err := r.Run(context.Background(), []StepID{StepMerge, StepTrainYOLO, StepEvaluate}, &log)
	require.NoError(t, err)

	assert.Equal(t, []Status{StatusSuccess, StatusSkipped, StatusSkipped}, statuses(states))
	assert.Contains(t, log.String(), "merged")
	assert.NotContains(t, log.String(), "trained")
}

func TestStatusesResetBetweenRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	fail := true
	r := NewRunner(func(ctx context.Context, step StepID) *exec.Cmd {
		if fail {
			return exec.CommandContext(ctx, "sh", "-c", "exit 1")
		}
		return exec.CommandContext(ctx, "sh", "-c", "true")
	}, logging.Discard(), nil)

	states, err := r.Run(context.Background(), []StepID{StepSync, StepMerge}, nil)
	require.Error(t, err)
	assert.Equal(t, []Status{StatusFailure, StatusSkipped}, statuses(states))

	fail = false
	states, err = r.Run(context.Background(), []StepID{StepMerge}, nil)
	require.NoError(t, err)
	assert.Equal(t, []StepState{{Position: 0, Step: StepMerge, Status: StatusSuccess, Progress: 100}}, states)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(shellSteps(map[StepID]string{StepSync: `true`}), logging.Discard(), nil)

	var nestedErr error
	r.OnStatus = func(s StepState) {
		if s.Status == StatusRunning {
			_, nestedErr = r.Run(context.Background(), []StepID{StepSync}, nil)
		}
	}

	_, err := r.Run(context.Background(), []StepID{StepSync}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrAlreadyRunning)
}

func TestCancelledContextSkipsRemainingSteps(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(shellSteps(map[StepID]string{
		StepSync:  `true`,
		StepMerge: `true`,
	}), logging.Discard(), nil)
	r.OnStatus = func(s StepState) {
		if s.Step == StepSync && s.Status == StatusSuccess {
			cancel()
		}
	}

	states, err := r.Run(ctx, []StepID{StepSync, StepMerge}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []Status{StatusSuccess, StatusSkipped}, statuses(states))
}

func TestParseSteps(t *testing.T) {
	all, err := ParseSteps(nil)
	require.NoError(t, err)
	assert.Len(t, all, len(Steps))
	assert.Equal(t, StepDownload, all[0])
	assert.Equal(t, StepEvaluate, all[len(all)-1])

	some, err := ParseSteps([]string{"merge", "train-yolo"})
	require.NoError(t, err)
	assert.Equal(t, []StepID{StepMerge, StepTrainYOLO}, some)

	_, err = ParseSteps([]string{"merge", "deploy"})
	assert.Error(t, err)

	step, ok := ByOption("22")
	require.True(t, ok)
	assert.Equal(t, StepTrainRTDETR, step.ID)
	_, ok = ByOption("99")
	assert.False(t, ok)
}
