package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"marine-detect/internal/config"
	"marine-detect/internal/database"
	"marine-detect/internal/messaging"
	"marine-detect/internal/pipeline"
	"marine-detect/internal/reports"
	"marine-detect/internal/runner"
	"marine-detect/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

const (
	defaultRunsLimit = 50
	maxLogChunk      = 1 << 20

	metricsCacheKey   = "metric_reports"
	summariesCacheKey = "summaries"
)

type PipelineService struct {
	db        *gorm.DB
	publisher messaging.Publisher
	paths     config.Paths

	// Parsed report files, refreshed on demand or when the entry expires.
	reportCache *cache.Cache

	logPollInterval time.Duration
}

func NewPipelineService(db *gorm.DB, pub messaging.Publisher, paths config.Paths) *PipelineService {
	return &PipelineService{
		db:              db,
		publisher:       pub,
		paths:           paths,
		reportCache:     cache.New(5*time.Minute, 10*time.Minute),
		logPollInterval: time.Second,
	}
}

func (s *PipelineService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Get("/steps", RestHandler(s.ListSteps))

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateRun))
		r.Get("/", RestHandler(s.ListRuns))
		r.Get("/{run_id}", RestHandler(s.GetRun))
		r.Post("/{run_id}/stop", RestHandler(s.StopRun))
		r.Get("/{run_id}/logs", RestHandler(s.GetRunLogs))
		r.Get("/{run_id}/logs/stream", RestStreamHandler(s.StreamRunLogs))
	})

	r.Route("/reports", func(r chi.Router) {
		r.Get("/metrics", RestHandler(s.GetMetricReports))
		r.Get("/metrics/highlights", RestHandler(s.GetHighlights))
		r.Get("/metrics/pivot", RestHandler(s.GetPivot))
		r.Get("/metrics/averages", RestHandler(s.GetModelAverages))
		r.Get("/metrics/table.html", s.GetHTMLTable)
		r.Get("/metrics/table.csv", s.GetCSVTable)
		r.Get("/summaries", RestHandler(s.GetSummaries))
	})
}

// MetricsHandler exposes the pipeline metrics in the prometheus text format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (s *PipelineService) ListSteps(r *http.Request) (any, error) {
	steps := make([]api.Step, 0, len(runner.Steps))
	for _, step := range runner.Steps {
		steps = append(steps, api.Step{Id: string(step.ID), Option: step.Option, Title: step.Title})
	}
	return steps, nil
}

func (s *PipelineService) CreateRun(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateRunRequest](r)
	if err != nil {
		return nil, err
	}

	var steps []runner.StepID
	if len(req.Steps) > 0 {
		steps, err = runner.ParseSteps(req.Steps)
		if err != nil {
			return nil, CodedError(http.StatusBadRequest, err)
		}
	} else {
		steps = pipeline.StepsForFlags(pipeline.Flags{
			SkipPreprocessing: req.SkipPreprocessing,
			SkipTraining:      req.SkipTraining,
			SkipEvaluation:    req.SkipEvaluation,
			NoReduce:          req.NoReduce,
		})
	}

	if len(steps) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "every module was skipped, nothing to run")
	}

	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		ids = append(ids, string(step))
	}

	ctx := r.Context()

	run, err := database.CreatePipelineRun(ctx, s.db, ids)
	if err != nil {
		slog.Error("error creating pipeline run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create pipeline run")
	}

	if err := s.publisher.PublishPipelineTask(ctx, messaging.PipelineTaskPayload{RunId: run.Id}); err != nil {
		slog.Error("error publishing pipeline task", "run_id", run.Id, "error", err)
		database.SaveRunError(ctx, s.db, run.Id, "unable to queue run")
		_ = database.UpdateRunStatus(ctx, s.db, run.Id, database.RunFailed)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue pipeline run")
	}

	slog.Info("submitted pipeline run", "run_id", run.Id, "steps", ids)
	return api.CreateRunResponse{RunId: run.Id}, nil
}

func (s *PipelineService) ListRuns(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRunsParams](r)
	if err != nil {
		return nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultRunsLimit
	}

	query := s.db.WithContext(r.Context()).Preload("StepRuns", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).Order("creation_time DESC").Limit(limit)
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}

	var runs []database.PipelineRun
	if err := query.Find(&runs).Error; err != nil {
		slog.Error("error listing pipeline runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving pipeline runs")
	}

	return convertRuns(runs), nil
}

func (s *PipelineService) getRun(ctx context.Context, runId uuid.UUID) (database.PipelineRun, error) {
	var run database.PipelineRun
	if err := s.db.WithContext(ctx).Preload("StepRuns", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return run, CodedErrorf(http.StatusNotFound, "pipeline run not found")
		}
		slog.Error("error getting pipeline run", "run_id", runId, "error", err)
		return run, CodedErrorf(http.StatusInternalServerError, "error retrieving pipeline run")
	}
	return run, nil
}

func (s *PipelineService) GetRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, err := s.getRun(r.Context(), runId)
	if err != nil {
		return nil, err
	}

	return convertRun(run), nil
}

// StopRun asks the worker to stop the run after the step in progress. The
// remaining steps are reported as skipped.
func (s *PipelineService) StopRun(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	result := s.db.WithContext(ctx).Model(&database.PipelineRun{}).
		Where("id = ? AND status IN ?", runId, []string{database.RunQueued, database.RunRunning}).
		Update("stopped", true)
	if result.Error != nil {
		slog.Error("error stopping pipeline run", "run_id", runId, "error", result.Error)
		return nil, CodedErrorf(http.StatusInternalServerError, "error stopping pipeline run")
	}

	if result.RowsAffected == 0 {
		run, err := s.getRun(ctx, runId)
		if err != nil {
			return nil, err
		}
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "pipeline run already finished with status %s", run.Status)
	}

	slog.Info("stop requested for pipeline run", "run_id", runId)
	return nil, nil
}

func readLogChunk(path string, offset int64) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", offset, err
	}

	data, err := io.ReadAll(io.LimitReader(f, maxLogChunk))
	if err != nil {
		return "", offset, err
	}
	return string(data), offset + int64(len(data)), nil
}

func isFinished(status string) bool {
	return status == database.RunCompleted || status == database.RunFailed || status == database.RunStopped
}

func (s *PipelineService) logChunk(run database.PipelineRun, offset int64) (api.RunLogResponse, error) {
	if !run.LogPath.Valid {
		return api.RunLogResponse{NextOffset: offset, Done: isFinished(run.Status)}, nil
	}

	content, next, err := readLogChunk(run.LogPath.String, offset)
	if err != nil {
		slog.Error("error reading run log", "run_id", run.Id, "path", run.LogPath.String, "error", err)
		return api.RunLogResponse{}, CodedErrorf(http.StatusInternalServerError, "error reading run log")
	}

	return api.RunLogResponse{
		Content:    content,
		NextOffset: next,
		Done:       isFinished(run.Status) && len(content) < maxLogChunk,
	}, nil
}

func (s *PipelineService) GetRunLogs(r *http.Request) (any, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	params, err := ParseRequestQueryParams[api.RunLogParams](r)
	if err != nil {
		return nil, err
	}
	if params.Offset < 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "offset must not be negative")
	}

	run, err := s.getRun(r.Context(), runId)
	if err != nil {
		return nil, err
	}

	return s.logChunk(run, params.Offset)
}

// StreamRunLogs follows the combined log of a run until the run finishes or
// the client goes away.
func (s *PipelineService) StreamRunLogs(r *http.Request) (StreamResponse, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if _, err := s.getRun(ctx, runId); err != nil {
		return nil, err
	}

	return func(yield func(any, error) bool) {
		var offset int64
		for {
			run, err := s.getRun(ctx, runId)
			if err != nil {
				yield(nil, err)
				return
			}

			chunk, err := s.logChunk(run, offset)
			if err != nil {
				yield(nil, err)
				return
			}
			offset = chunk.NextOffset

			if chunk.Content != "" || chunk.Done {
				if !yield(chunk, nil) || chunk.Done {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(s.logPollInterval):
			}
		}
	}, nil
}

func (s *PipelineService) loadRows(cacheKey string, refresh bool, load func(string) ([]reports.Row, error)) ([]reports.Row, error) {
	if !refresh {
		if rows, ok := s.reportCache.Get(cacheKey); ok {
			return rows.([]reports.Row), nil
		}
	}

	rows, err := load(s.paths.Reports)
	if err != nil {
		if errors.Is(err, reports.ErrNoReports) {
			return nil, CodedError(http.StatusNotFound, err)
		}
		slog.Error("error loading reports", "kind", cacheKey, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading reports: %v", err)
	}

	s.reportCache.SetDefault(cacheKey, rows)
	return rows, nil
}

func (s *PipelineService) filteredMetricRows(r *http.Request) ([]reports.Row, error) {
	params, err := ParseRequestQueryParams[api.ReportQueryParams](r)
	if err != nil {
		return nil, err
	}

	filter, err := reports.ParseQuery(params.Query)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid query: %v", err)
	}

	rows, err := s.loadRows(metricsCacheKey, params.Refresh, reports.LoadMetricReports)
	if err != nil {
		return nil, err
	}

	return reports.Apply(rows, filter), nil
}

func (s *PipelineService) GetMetricReports(r *http.Request) (any, error) {
	return s.filteredMetricRows(r)
}

func (s *PipelineService) GetHighlights(r *http.Request) (any, error) {
	rows, err := s.filteredMetricRows(r)
	if err != nil {
		return nil, err
	}
	return reports.Highlights(rows), nil
}

func (s *PipelineService) GetPivot(r *http.Request) (any, error) {
	rows, err := s.filteredMetricRows(r)
	if err != nil {
		return nil, err
	}
	return reports.Pivot(rows), nil
}

func (s *PipelineService) GetModelAverages(r *http.Request) (any, error) {
	rows, err := s.filteredMetricRows(r)
	if err != nil {
		return nil, err
	}
	return reports.ModelAverages(rows), nil
}

func (s *PipelineService) GetSummaries(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ReportQueryParams](r)
	if err != nil {
		return nil, err
	}

	filter, err := reports.ParseQuery(params.Query)
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid query: %v", err)
	}

	rows, err := s.loadRows(summariesCacheKey, params.Refresh, reports.LoadSummaries)
	if err != nil {
		return nil, err
	}
	return reports.Apply(rows, filter), nil
}

func writeCodedError(w http.ResponseWriter, err error) {
	var cerr *codedError
	if errors.As(err, &cerr) {
		http.Error(w, err.Error(), cerr.code)
		return
	}
	slog.Error("recieved non coded error from endpoint", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *PipelineService) GetHTMLTable(w http.ResponseWriter, r *http.Request) {
	rows, err := s.filteredMetricRows(r)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := reports.WriteHTMLTable(w, rows, time.Now()); err != nil {
		slog.Error("error writing html table", "error", err)
	}
}

func (s *PipelineService) GetCSVTable(w http.ResponseWriter, r *http.Request) {
	rows, err := s.filteredMetricRows(r)
	if err != nil {
		writeCodedError(w, err)
		return
	}

	filename := fmt.Sprintf("analise_tabela_%s.csv", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := reports.WriteCSVTable(w, rows); err != nil {
		slog.Error("error writing csv table", "error", err)
	}
}
