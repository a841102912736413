package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marine-detect/internal/config"
	"marine-detect/internal/runner"
)

const combinedLogLayout = "20060102_150405"

type Flags struct {
	SkipPreprocessing bool
	SkipTraining      bool
	SkipEvaluation    bool
	NoReduce          bool
}

func (f Flags) Any() bool {
	return f.SkipPreprocessing || f.SkipTraining || f.SkipEvaluation || f.NoReduce
}

// StepsForFlags returns the steps a flag mode run executes, in order.
func StepsForFlags(f Flags) []runner.StepID {
	var steps []runner.StepID
	if !f.SkipPreprocessing {
		steps = append(steps, runner.StepDownload, runner.StepSync)
		if !f.NoReduce {
			steps = append(steps, runner.StepReduce)
		}
		steps = append(steps, runner.StepMerge)
	}
	if !f.SkipTraining {
		steps = append(steps, runner.StepTrainYOLO, runner.StepTrainRTDETR)
	}
	if !f.SkipEvaluation {
		steps = append(steps, runner.StepEvaluate)
	}
	return steps
}

// Pipeline drives the step runner: full runs, flag mode and the interactive
// menu. Every run writes a combined log under output/logs.
type Pipeline struct {
	Runner *runner.Runner
	Paths  config.Paths
	Logger *slog.Logger

	// LaunchDashboard starts the results dashboard without waiting for it.
	LaunchDashboard func(ctx context.Context) error

	// OnLogCreated is called with the combined log path before the first step
	// starts.
	OnLogCreated func(path string)

	now func() time.Time
}

func New(r *runner.Runner, paths config.Paths, logger *slog.Logger) *Pipeline {
	return &Pipeline{Runner: r, Paths: paths, Logger: logger, now: time.Now}
}

// RunSteps executes steps through the runner and returns the combined log path.
func (p *Pipeline) RunSteps(ctx context.Context, steps []runner.StepID) ([]runner.StepState, string, error) {
	if err := os.MkdirAll(p.Paths.Logs, os.ModePerm); err != nil {
		return nil, "", fmt.Errorf("error creating log directory: %w", err)
	}

	path := filepath.Join(p.Paths.Logs, fmt.Sprintf("logGeral_%s.txt", p.now().Format(combinedLogLayout)))
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("error creating combined log: %w", err)
	}
	defer f.Close()

	if p.OnLogCreated != nil {
		p.OnLogCreated(path)
	}

	states, err := p.Runner.Run(ctx, steps, f)
	p.Logger.Info("execution finished, combined log saved", "path", path)
	return states, path, err
}

func (p *Pipeline) RunFull(ctx context.Context) error {
	p.Logger.Info("starting full pipeline")
	_, _, err := p.RunSteps(ctx, StepsForFlags(Flags{}))
	if err != nil {
		p.Logger.Error("pipeline interrupted by failure", "error", err)
		return err
	}
	p.Logger.Info("pipeline completed")
	return nil
}

func (p *Pipeline) RunWithFlags(ctx context.Context, f Flags) error {
	p.Logger.Info("starting pipeline in flag mode", "skip_preprocessing", f.SkipPreprocessing,
		"skip_training", f.SkipTraining, "skip_evaluation", f.SkipEvaluation, "no_reduce", f.NoReduce)

	if f.SkipPreprocessing {
		p.Logger.Warn("preprocessing skipped as requested")
	} else if f.NoReduce {
		p.Logger.Info("dataset reduction skipped as requested")
	}
	if f.SkipTraining {
		p.Logger.Warn("training skipped as requested")
	}
	if f.SkipEvaluation {
		p.Logger.Warn("evaluation skipped as requested")
	}

	steps := StepsForFlags(f)
	if len(steps) == 0 {
		p.Logger.Warn("every module skipped, nothing to run")
		return nil
	}

	_, _, err := p.RunSteps(ctx, steps)
	if err != nil {
		p.Logger.Error("pipeline interrupted by failure", "error", err)
	}
	return err
}

func (p *Pipeline) launchDashboard(ctx context.Context, out io.Writer) {
	if p.LaunchDashboard == nil {
		fmt.Fprintln(out, "Dashboard launcher not configured.")
		return
	}
	if err := p.LaunchDashboard(ctx); err != nil {
		p.Logger.Error("unable to launch dashboard", "error", err)
		fmt.Fprintf(out, "Erro ao lançar o dashboard: %v\n", err)
		return
	}
	fmt.Fprintln(out, "Dashboard lançado.")
}

func printMenu(out io.Writer) {
	fmt.Fprintln(out, "================================================================")
	fmt.Fprintln(out, "###   Pipeline de Análise de Detecção Marinha   ###")
	fmt.Fprintln(out, "================================================================")
	fmt.Fprintln(out, "\nOpções Principais:")
	fmt.Fprintln(out, "  [1] Executar Pipeline Completo (com Visualização no final)")
	fmt.Fprintln(out, "  [2] Executar Pipeline Completo (sem Visualização)")
	fmt.Fprintln(out, "\n--- Módulo 1: Pré-processamento ---")
	for _, s := range runner.Steps[:4] {
		fmt.Fprintf(out, "  [%s] %s\n", s.Option, s.Title)
	}
	fmt.Fprintln(out, "\n--- Módulo 2: Treinamento e Avaliação ---")
	for _, s := range runner.Steps[4:] {
		fmt.Fprintf(out, "  [%s] %s\n", s.Option, s.Title)
	}
	fmt.Fprintln(out, "\n--- Módulo 3: Análise de Resultados ---")
	fmt.Fprintln(out, "  [31] Lançar Dashboard de Resultados")
	fmt.Fprintln(out, "\n  [Q] Sair")
	fmt.Fprintln(out, "================================================================")
	fmt.Fprint(out, "Escolha uma opção: ")
}

// Menu runs the interactive console menu until the user quits or in is
// exhausted.
func (p *Pipeline) Menu(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := p.Paths.CreateProjectStructure(); err != nil {
		return err
	}

	reader := bufio.NewReader(in)
	readLine := func() (string, bool) {
		line, err := reader.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			return "", false
		}
		return strings.TrimSpace(line), true
	}
	pause := func() bool {
		fmt.Fprint(out, "\nPressione Enter para voltar ao menu...")
		_, ok := readLine()
		return ok
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		printMenu(out)
		choice, ok := readLine()
		if !ok {
			return nil
		}
		choice = strings.ToLower(choice)

		switch choice {
		case "q":
			fmt.Fprintln(out, "Saindo...")
			return nil

		case "1", "2":
			if err := p.RunFull(ctx); err == nil && choice == "1" {
				p.launchDashboard(ctx, out)
			}

		case "31":
			p.launchDashboard(ctx, out)

		default:
			step, found := runner.ByOption(choice)
			if !found {
				fmt.Fprintf(out, "Opção '%s' inválida. Tente novamente.\n", choice)
				continue
			}
			p.Logger.Info("running single step", "step", step.ID)
			if _, _, err := p.RunSteps(ctx, []runner.StepID{step.ID}); err != nil {
				fmt.Fprintf(out, "Falha: %v\n", err)
			}
		}

		if !pause() {
			return nil
		}
	}
}
