package api

import (
	"time"

	"github.com/google/uuid"
)

type Step struct {
	Id     string
	Option string
	Title  string
}

// CreateRunRequest selects the steps of a run either explicitly or through the
// skip flags of the command line. With neither, every step runs.
type CreateRunRequest struct {
	Steps []string

	SkipPreprocessing bool
	SkipTraining      bool
	SkipEvaluation    bool
	NoReduce          bool
}

type CreateRunResponse struct {
	RunId uuid.UUID
}

type StepRun struct {
	Position int
	Step     string
	Status   string
	Progress int
	Error    string `json:"Error,omitempty"`

	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`
}

type PipelineRun struct {
	Id      uuid.UUID
	Status  string
	Stopped bool
	Error   string `json:"Error,omitempty"`

	CreationTime   time.Time
	StartTime      *time.Time `json:"StartTime,omitempty"`
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	Steps []StepRun
}

type ListRunsParams struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
}

type RunLogParams struct {
	Offset int64 `schema:"offset"`
}

// RunLogResponse is a chunk of the combined log of a run. NextOffset is the
// offset to ask for next; Done is set once the run finished and the whole log
// was returned.
type RunLogResponse struct {
	Content    string
	NextOffset int64
	Done       bool
}

type ReportQueryParams struct {
	Query   string `schema:"query"`
	Refresh bool   `schema:"refresh"`
}
