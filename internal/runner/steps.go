package runner

import "fmt"

type StepID string

const (
	StepDownload    StepID = "download"
	StepSync        StepID = "sync"
	StepReduce      StepID = "reduce"
	StepMerge       StepID = "merge"
	StepTrainYOLO   StepID = "train-yolo"
	StepTrainRTDETR StepID = "train-rtdetr"
	StepEvaluate    StepID = "evaluate"
)

type Step struct {
	ID     StepID `json:"id"`
	Option string `json:"option"`
	Title  string `json:"title"`
}

// Steps lists every pipeline step in execution order.
var Steps = []Step{
	{ID: StepDownload, Option: "11", Title: "Download e preparação dos datasets"},
	{ID: StepSync, Option: "12", Title: "Sincronização dos arquivos data.yaml"},
	{ID: StepReduce, Option: "13", Title: "Redução dos datasets"},
	{ID: StepMerge, Option: "14", Title: "Unificação dos datasets"},
	{ID: StepTrainYOLO, Option: "21", Title: "Treinamento YOLO"},
	{ID: StepTrainRTDETR, Option: "22", Title: "Treinamento RT-DETR"},
	{ID: StepEvaluate, Option: "23", Title: "Avaliação no conjunto de teste"},
}

func Lookup(id StepID) (Step, bool) {
	for _, s := range Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

func ByOption(option string) (Step, bool) {
	for _, s := range Steps {
		if s.Option == option {
			return s, true
		}
	}
	return Step{}, false
}

// ParseSteps validates ids and returns them in the order given. An empty list
// selects every step.
func ParseSteps(ids []string) ([]StepID, error) {
	if len(ids) == 0 {
		all := make([]StepID, 0, len(Steps))
		for _, s := range Steps {
			all = append(all, s.ID)
		}
		return all, nil
	}

	out := make([]StepID, 0, len(ids))
	for _, id := range ids {
		s, ok := Lookup(StepID(id))
		if !ok {
			return nil, fmt.Errorf("unknown step '%s'", id)
		}
		out = append(out, s.ID)
	}
	return out, nil
}
