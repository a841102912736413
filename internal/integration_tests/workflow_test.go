package integrationtests

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"testing"
	"time"

	backend "marine-detect/internal/api"
	"marine-detect/internal/config"
	"marine-detect/internal/core"
	"marine-detect/internal/database"
	"marine-detect/internal/messaging"
	"marine-detect/internal/runner"
	"marine-detect/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoCommands(failing runner.StepID) core.CommandFactory {
	return func(runId uuid.UUID) runner.CommandFunc {
		return func(ctx context.Context, step runner.StepID) *exec.Cmd {
			if step == failing {
				return exec.CommandContext(ctx, "sh", "-c", "echo 'no data.yaml found' >&2; exit 3")
			}
			return exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("echo 'running %s for %s'", step, runId))
		}
	}
}

func waitForRun(t *testing.T, router http.Handler, runId uuid.UUID, status string) api.PipelineRun {
	var run api.PipelineRun
	require.Eventually(t, func() bool {
		run = api.PipelineRun{}
		if err := httpRequest(router, "GET", "/runs/"+runId.String(), nil, &run); err != nil {
			return false
		}
		return run.Status == status
	}, 60*time.Second, 200*time.Millisecond, "run %s never reached %s", runId, status)
	return run
}

func TestPipelineWorkflow(t *testing.T) {
	skipIfShort(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pgURL := setupPostgresContainer(t, ctx)
	rabbitURL := setupRabbitMQContainer(t, ctx)

	db, err := database.Open(pgURL)
	require.NoError(t, err)

	publisher, err := messaging.NewRabbitMQPublisher(rabbitURL)
	require.NoError(t, err)

	reciever, err := messaging.NewRabbitMQReceiver(rabbitURL)
	require.NoError(t, err)

	paths := config.NewPaths(t.TempDir())

	worker := core.NewTaskProcessor(db, nil, reciever, paths, echoCommands(runner.StepTrainRTDETR), nil)
	go worker.Start()
	t.Cleanup(worker.Stop)

	service := backend.NewPipelineService(db, publisher, paths)
	router := chi.NewRouter()
	service.AddRoutes(router)
	t.Cleanup(publisher.Close)

	t.Run("Completed", func(t *testing.T) {
		var res api.CreateRunResponse
		require.NoError(t, httpRequest(router, "POST", "/runs", api.CreateRunRequest{Steps: []string{"sync", "merge"}}, &res))

		run := waitForRun(t, router, res.RunId, database.RunCompleted)
		require.Len(t, run.Steps, 2)
		for _, s := range run.Steps {
			assert.Equal(t, string(runner.StatusSuccess), s.Status)
			assert.Equal(t, 100, s.Progress)
		}
		assert.NotNil(t, run.CompletionTime)

		var logs api.RunLogResponse
		require.NoError(t, httpRequest(router, "GET", "/runs/"+res.RunId.String()+"/logs", nil, &logs))
		assert.Contains(t, logs.Content, "running sync for "+res.RunId.String())
		assert.Contains(t, logs.Content, "running merge for "+res.RunId.String())
		assert.True(t, logs.Done)
	})

	t.Run("Failed", func(t *testing.T) {
		var res api.CreateRunResponse
		require.NoError(t, httpRequest(router, "POST", "/runs", api.CreateRunRequest{SkipPreprocessing: true, SkipEvaluation: true}, &res))

		run := waitForRun(t, router, res.RunId, database.RunFailed)
		require.Len(t, run.Steps, 2)
		assert.Equal(t, string(runner.StatusSuccess), run.Steps[0].Status)
		assert.Equal(t, string(runner.StatusFailure), run.Steps[1].Status)
		assert.NotEmpty(t, run.Error)
	})

	t.Run("List", func(t *testing.T) {
		var runs []api.PipelineRun
		require.NoError(t, httpRequest(router, "GET", "/runs?status="+database.RunCompleted, nil, &runs))
		require.Len(t, runs, 1)
		assert.Equal(t, database.RunCompleted, runs[0].Status)
	})
}
