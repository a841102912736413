package core

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"testing"

	"marine-detect/internal/config"
	"marine-detect/internal/database"
	"marine-detect/internal/messaging"
	"marine-detect/internal/metrics"
	"marine-detect/internal/runner"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

type fakeTask struct {
	queue   string
	payload []byte

	acked, nacked, rejected bool
}

func (t *fakeTask) Type() string    { return t.queue }
func (t *fakeTask) Payload() []byte { return t.payload }
func (t *fakeTask) Ack() error      { t.acked = true; return nil }
func (t *fakeTask) Nack() error     { t.nacked = true; return nil }
func (t *fakeTask) Reject() error   { t.rejected = true; return nil }

func pipelineTask(t *testing.T, runId uuid.UUID) *fakeTask {
	payload, err := json.Marshal(messaging.PipelineTaskPayload{RunId: runId})
	require.NoError(t, err)
	return &fakeTask{queue: messaging.PipelineQueue, payload: payload}
}

// shellCommands runs scripts[step], recording the steps that were started.
func shellCommands(scripts map[runner.StepID]string, started *[]runner.StepID, before func(runner.StepID)) CommandFactory {
	return func(runId uuid.UUID) runner.CommandFunc {
		return func(ctx context.Context, step runner.StepID) *exec.Cmd {
			*started = append(*started, step)
			if before != nil {
				before(step)
			}
			return exec.CommandContext(ctx, "sh", "-c", scripts[step])
		}
	}
}

func newProcessor(t *testing.T, db *gorm.DB, commands CommandFactory) *TaskProcessor {
	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(db, queue, queue, config.NewPaths(t.TempDir()), commands, nil)
	t.Cleanup(proc.Stop)
	return proc
}

func loadRun(t *testing.T, db *gorm.DB, runId uuid.UUID) database.PipelineRun {
	var run database.PipelineRun
	require.NoError(t, db.Preload("StepRuns", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).First(&run, "id = ?", runId).Error)
	return run
}

func stepStatuses(run database.PipelineRun) []string {
	out := make([]string, 0, len(run.StepRuns))
	for _, s := range run.StepRuns {
		out = append(out, s.Status)
	}
	return out
}

func TestProcessPipelineTask(t *testing.T) {
	db := createDB(t)
	var started []runner.StepID
	proc := newProcessor(t, db, shellCommands(map[runner.StepID]string{
		runner.StepSync:  `echo synced`,
		runner.StepMerge: `echo '{"type":"progress","value":50}'; echo merged`,
	}, &started, nil))

	run, err := database.CreatePipelineRun(context.Background(), db, []string{"sync", "merge"})
	require.NoError(t, err)

	task := pipelineTask(t, run.Id)
	proc.ProcessTask(task)
	assert.True(t, task.acked)

	loaded := loadRun(t, db, run.Id)
	assert.Equal(t, database.RunCompleted, loaded.Status)
	assert.True(t, loaded.StartTime.Valid)
	assert.True(t, loaded.CompletionTime.Valid)
	assert.Equal(t, []string{"Success", "Success"}, stepStatuses(loaded))
	assert.Equal(t, 100, loaded.StepRuns[1].Progress)
	assert.Equal(t, []runner.StepID{runner.StepSync, runner.StepMerge}, started)

	require.True(t, loaded.LogPath.Valid)
	data, err := os.ReadFile(loaded.LogPath.String)
	require.NoError(t, err)
	assert.Contains(t, string(data), "synced\n")
	assert.Contains(t, string(data), "merged\n")
}

func TestProcessPipelineTaskRecordsFailure(t *testing.T) {
	db := createDB(t)
	var started []runner.StepID
	proc := newProcessor(t, db, shellCommands(map[runner.StepID]string{
		runner.StepSync:     `echo synced`,
		runner.StepMerge:    `echo broken >&2; exit 2`,
		runner.StepEvaluate: `echo evaluated`,
	}, &started, nil))

	run, err := database.CreatePipelineRun(context.Background(), db, []string{"sync", "merge", "evaluate"})
	require.NoError(t, err)

	task := pipelineTask(t, run.Id)
	proc.ProcessTask(task)
	assert.True(t, task.acked)

	loaded := loadRun(t, db, run.Id)
	assert.Equal(t, database.RunFailed, loaded.Status)
	assert.Contains(t, loaded.Error.String, "merge")
	assert.Equal(t, []string{"Success", "Failure", "Skipped"}, stepStatuses(loaded))
	assert.NotEmpty(t, loaded.StepRuns[1].Error)
	assert.NotContains(t, started, runner.StepEvaluate)
}

func TestProcessPipelineTaskHonorsStop(t *testing.T) {
	db := createDB(t)
	run, err := database.CreatePipelineRun(context.Background(), db, []string{"sync", "merge"})
	require.NoError(t, err)

	var started []runner.StepID
	proc := newProcessor(t, db, shellCommands(map[runner.StepID]string{
		runner.StepSync:  `echo synced`,
		runner.StepMerge: `echo merged`,
	}, &started, func(step runner.StepID) {
		if step == runner.StepSync {
			require.NoError(t, db.Model(&database.PipelineRun{}).Where("id = ?", run.Id).Update("stopped", true).Error)
		}
	}))

	task := pipelineTask(t, run.Id)
	proc.ProcessTask(task)
	assert.True(t, task.acked)

	loaded := loadRun(t, db, run.Id)
	assert.Equal(t, database.RunStopped, loaded.Status)
	assert.Equal(t, []string{"Success", "Skipped"}, stepStatuses(loaded))
	assert.Equal(t, []runner.StepID{runner.StepSync}, started)
}

func TestProcessPipelineTaskStoppedBeforeStart(t *testing.T) {
	db := createDB(t)
	run, err := database.CreatePipelineRun(context.Background(), db, []string{"sync"})
	require.NoError(t, err)
	require.NoError(t, db.Model(&database.PipelineRun{}).Where("id = ?", run.Id).Update("stopped", true).Error)

	var started []runner.StepID
	proc := newProcessor(t, db, shellCommands(nil, &started, nil))

	task := pipelineTask(t, run.Id)
	proc.ProcessTask(task)
	assert.True(t, task.acked)
	assert.Empty(t, started)
	assert.Equal(t, database.RunStopped, loadRun(t, db, run.Id).Status)
}

func TestProcessPipelineTaskSkipsFinishedRun(t *testing.T) {
	db := createDB(t)
	run, err := database.CreatePipelineRun(context.Background(), db, []string{"sync"})
	require.NoError(t, err)
	require.NoError(t, database.UpdateRunStatus(context.Background(), db, run.Id, database.RunCompleted))

	var started []runner.StepID
	proc := newProcessor(t, db, shellCommands(nil, &started, nil))

	task := pipelineTask(t, run.Id)
	proc.ProcessTask(task)
	assert.True(t, task.acked)
	assert.Empty(t, started)
}

func TestProcessTaskRejectsBadMessages(t *testing.T) {
	db := createDB(t)
	var started []runner.StepID
	proc := newProcessor(t, db, shellCommands(nil, &started, nil))

	malformed := &fakeTask{queue: messaging.PipelineQueue, payload: []byte("{not json")}
	proc.ProcessTask(malformed)
	assert.True(t, malformed.rejected)
	assert.False(t, malformed.acked)

	unknown := &fakeTask{queue: "inference_queue", payload: []byte("{}")}
	proc.ProcessTask(unknown)
	assert.True(t, unknown.rejected)

	missing := pipelineTask(t, uuid.New())
	proc.ProcessTask(missing)
	assert.True(t, missing.nacked)
	assert.Empty(t, started)
}

func TestProcessPipelineTaskInvalidSteps(t *testing.T) {
	db := createDB(t)
	run, err := database.CreatePipelineRun(context.Background(), db, []string{"sync", "deploy"})
	require.NoError(t, err)

	var started []runner.StepID
	proc := newProcessor(t, db, shellCommands(nil, &started, nil))

	task := pipelineTask(t, run.Id)
	proc.ProcessTask(task)
	assert.True(t, task.nacked)

	loaded := loadRun(t, db, run.Id)
	assert.Equal(t, database.RunFailed, loaded.Status)
	assert.Contains(t, loaded.Error.String, "deploy")
}

func TestSubprocessCommandsSetsEnv(t *testing.T) {
	runId := uuid.New()
	cmd := SubprocessCommands("/usr/local/bin/marine-pipeline", "/data/output/logs")(runId)(context.Background(), runner.StepMerge)

	assert.Equal(t, []string{"/usr/local/bin/marine-pipeline", "step", "merge"}, cmd.Args)
	assert.Contains(t, cmd.Env, RunIdEnv+"="+runId.String())
	assert.Contains(t, cmd.Env, MetricsTextfileEnv+"=/data/output/logs/"+runId.String()+"_merge.prom")
}

func TestProcessPipelineTaskImportsStepMetrics(t *testing.T) {
	db := createDB(t)
	run, err := database.CreatePipelineRun(context.Background(), db, []string{"merge"})
	require.NoError(t, err)

	paths := config.NewPaths(t.TempDir())
	metricsFile := StepMetricsFile(paths.Logs, run.Id, runner.StepMerge)
	textfile := strings.Join([]string{
		"# HELP marine_dropped_label_lines_total Annotation lines dropped while merging datasets",
		"# TYPE marine_dropped_label_lines_total counter",
		`marine_dropped_label_lines_total{dataset="FishInvSplit",reason="malformed"} 4`,
		"",
	}, "\n")

	commands := func(runId uuid.UUID) runner.CommandFunc {
		return func(ctx context.Context, step runner.StepID) *exec.Cmd {
			c := exec.CommandContext(ctx, "sh", "-c", `printf '%s' "$CONTENT" > "$TARGET"; echo merged`)
			c.Env = append(os.Environ(), "CONTENT="+textfile, "TARGET="+metricsFile)
			return c
		}
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(registry)
	require.NoError(t, err)

	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(db, queue, queue, paths, commands, m)
	t.Cleanup(proc.Stop)

	task := pipelineTask(t, run.Id)
	proc.ProcessTask(task)
	assert.True(t, task.acked)
	assert.Equal(t, database.RunCompleted, loadRun(t, db, run.Id).Status)

	families, err := registry.Gather()
	require.NoError(t, err)

	var dropped float64
	for _, family := range families {
		if family.GetName() != "marine_dropped_label_lines_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			dropped += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(4), dropped)
	assert.NoFileExists(t, metricsFile)
}
