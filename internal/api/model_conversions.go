package api

import (
	"database/sql"
	"time"

	"marine-detect/internal/database"
	"marine-detect/pkg/api"
)

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func convertStepRun(s database.StepRun) api.StepRun {
	return api.StepRun{
		Position:       s.Position,
		Step:           s.Step,
		Status:         s.Status,
		Progress:       s.Progress,
		Error:          s.Error,
		StartTime:      nullTime(s.StartTime),
		CompletionTime: nullTime(s.CompletionTime),
	}
}

func convertRun(r database.PipelineRun) api.PipelineRun {
	steps := make([]api.StepRun, 0, len(r.StepRuns))
	for _, s := range r.StepRuns {
		steps = append(steps, convertStepRun(s))
	}
	return api.PipelineRun{
		Id:             r.Id,
		Status:         r.Status,
		Stopped:        r.Stopped,
		Error:          r.Error.String,
		CreationTime:   r.CreationTime,
		StartTime:      nullTime(r.StartTime),
		CompletionTime: nullTime(r.CompletionTime),
		Steps:          steps,
	}
}

func convertRuns(rs []database.PipelineRun) []api.PipelineRun {
	runs := make([]api.PipelineRun, 0, len(rs))
	for _, r := range rs {
		runs = append(runs, convertRun(r))
	}
	return runs
}
