// Package pipeline sequences the daily steps: market-data refresh, event
// store update, signal derivation, and delivery. Steps run strictly in
// order; the first unskipped failure halts the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tianyu-zhu5/daily-executor/config"
	"github.com/tianyu-zhu5/daily-executor/detector"
	"github.com/tianyu-zhu5/daily-executor/export"
	"github.com/tianyu-zhu5/daily-executor/marketdata"
	"github.com/tianyu-zhu5/daily-executor/models"
	"github.com/tianyu-zhu5/daily-executor/signals"
	"github.com/tianyu-zhu5/daily-executor/store"
)

// Step names, in execution order.
const (
	StepRefreshData   = "refresh_data"
	StepUpdateEvents  = "update_events"
	StepDeriveSignals = "derive_signals"
	StepDeliver       = "deliver"
)

// StepOrder is the fixed pipeline sequence.
var StepOrder = []string{StepRefreshData, StepUpdateEvents, StepDeriveSignals, StepDeliver}

// StepStatus is a step's terminal state within one run.
type StepStatus string

const (
	StatusCompleted StepStatus = "completed"
	StatusSkipped   StepStatus = "skipped"
	StatusFailed    StepStatus = "failed"
	StatusNotRun    StepStatus = "not_run"
)

// StepResult is one step's outcome.
type StepResult struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// RunRequest describes one pipeline invocation.
type RunRequest struct {
	// Skip lists step names to pass over.
	Skip []string
	// TargetDate replays the pipeline against a historical date
	// (YYYY-MM-DD). Empty means today.
	TargetDate string
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	RunID          string       `json:"run_id"`
	TargetDate     string       `json:"target_date"`
	OverallSuccess bool         `json:"overall_success"`
	Steps          []StepResult `json:"steps"`
	// Err is the terminal failure reason when OverallSuccess is false.
	Err error `json:"-"`
}

// Deliverer is the delivery collaborator boundary: it receives the signal
// list and a logical query description and owns transport and formatting.
// The context carries the deliver step's deadline.
type Deliverer interface {
	PushSignals(ctx context.Context, signals []models.Signal, queryDesc string) error
}

// Executor runs the daily pipeline. It is not safe for concurrent runs; the
// design assumes a single scheduler invokes at most one run at a time.
type Executor struct {
	cfg     *config.Config
	det     detector.Detector
	deliver Deliverer
	log     zerolog.Logger

	lastSignals []models.Signal
}

// NewExecutor wires a pipeline executor. det and deliver may be nil when the
// corresponding steps are always skipped.
func NewExecutor(cfg *config.Config, det detector.Detector, deliver Deliverer, log zerolog.Logger) *Executor {
	return &Executor{cfg: cfg, det: det, deliver: deliver, log: log}
}

type stepDef struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context, log zerolog.Logger) error
}

// Execute runs the pipeline once. Request problems (unknown step name, bad
// target date) are rejected before any step executes.
func (ex *Executor) Execute(ctx context.Context, req RunRequest) RunResult {
	res := RunResult{RunID: uuid.NewString()}
	log := ex.log.With().Str("run_id", res.RunID).Logger()

	target, skip, err := ex.resolveRequest(req)
	if err != nil {
		res.Err = err
		for _, name := range StepOrder {
			res.Steps = append(res.Steps, StepResult{Name: name, Status: StatusNotRun})
		}
		log.Error().Err(err).Msg("invalid run request")
		return res
	}
	res.TargetDate = target
	// Signals derived by a previous run must never leak into this one;
	// when derive_signals is skipped the output file is the only source.
	ex.lastSignals = nil

	log.Info().Str("target_date", target).Strs("skip", req.Skip).Msg("pipeline run started")
	start := time.Now()

	steps := []stepDef{
		{StepRefreshData, secs(ex.cfg.Refresh.TimeoutSeconds), ex.stepRefreshData},
		{StepUpdateEvents, secs(ex.cfg.Events.TimeoutSeconds), func(ctx context.Context, l zerolog.Logger) error {
			return ex.stepUpdateEvents(ctx, l, target)
		}},
		{StepDeriveSignals, secs(ex.cfg.Signals.TimeoutSeconds), func(ctx context.Context, l zerolog.Logger) error {
			return ex.stepDeriveSignals(ctx, l, target)
		}},
		{StepDeliver, secs(ex.cfg.Push.TimeoutSeconds), func(ctx context.Context, l zerolog.Logger) error {
			return ex.stepDeliver(ctx, l, target)
		}},
	}

	halted := false
	for _, st := range steps {
		if halted {
			res.Steps = append(res.Steps, StepResult{Name: st.name, Status: StatusNotRun})
			continue
		}
		if skip[st.name] {
			log.Info().Str("step", st.name).Msg("step skipped")
			res.Steps = append(res.Steps, StepResult{Name: st.name, Status: StatusSkipped})
			continue
		}

		slog := log.With().Str("step", st.name).Logger()
		slog.Info().Msg("step started")

		stepStart := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, st.timeout)
		err := st.run(stepCtx, slog)
		cancel()
		dur := time.Since(stepStart)

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("step exceeded its %s timeout: %w", st.timeout, err)
			}
			slog.Error().Err(err).Dur("duration", dur).Msg("step failed, halting pipeline")
			res.Steps = append(res.Steps, StepResult{Name: st.name, Status: StatusFailed, Duration: dur, Err: err})
			res.Err = fmt.Errorf("step %s failed: %w", st.name, err)
			halted = true
			continue
		}

		slog.Info().Dur("duration", dur).Msg("step completed")
		res.Steps = append(res.Steps, StepResult{Name: st.name, Status: StatusCompleted, Duration: dur})
	}

	res.OverallSuccess = !halted
	log.Info().
		Bool("success", res.OverallSuccess).
		Dur("duration", time.Since(start)).
		Msg("pipeline run finished")
	return res
}

func (ex *Executor) resolveRequest(req RunRequest) (string, map[string]bool, error) {
	target := req.TargetDate
	if target == "" {
		target = marketdata.Today()
	} else {
		normalized, err := marketdata.NormalizeDate(target)
		if err != nil {
			return "", nil, fmt.Errorf("invalid target date: %w", err)
		}
		target = normalized
	}

	known := make(map[string]bool, len(StepOrder))
	for _, name := range StepOrder {
		known[name] = true
	}
	skip := make(map[string]bool, len(req.Skip))
	for _, name := range req.Skip {
		if !known[name] {
			return "", nil, fmt.Errorf("unknown step name %q in skip list", name)
		}
		skip[name] = true
	}
	return target, skip, nil
}

func (ex *Executor) stepRefreshData(ctx context.Context, log zerolog.Logger) error {
	return runCommand(ctx, log, ex.cfg.Refresh.Command, ex.cfg.Refresh.WorkDir)
}

func (ex *Executor) stepDeriveSignals(ctx context.Context, log zerolog.Logger, target string) error {
	st, err := store.Open(ex.cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer st.Close()

	codes, err := ex.stockFilter(log)
	if err != nil {
		return err
	}

	resolver := marketdata.NewResolver(ex.cfg.MarketData.DataDir, log)
	engine := signals.NewEngine(st, resolver, log)

	sigs, err := engine.GetForDate(target, codes, ex.cfg.Signals.MinConfidence, signals.PriceMode(ex.cfg.Signals.PriceMode))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := export.WriteCSV(sigs, ex.cfg.Signals.OutputFile); err != nil {
		return err
	}
	log.Info().Int("signals", len(sigs)).Str("output", ex.cfg.Signals.OutputFile).Msg("signals written")

	ex.lastSignals = sigs
	return nil
}

func (ex *Executor) stepDeliver(ctx context.Context, log zerolog.Logger, target string) error {
	if ex.deliver == nil {
		return fmt.Errorf("no delivery collaborator configured")
	}

	sigs := ex.lastSignals
	if sigs == nil {
		// derive_signals was skipped: replay the existing signal file.
		loaded, err := export.ReadCSV(ex.cfg.Signals.OutputFile)
		if err != nil {
			return fmt.Errorf("cannot deliver without derived signals: %w", err)
		}
		sigs = loaded
		log.Info().Int("signals", len(sigs)).Msg("loaded signals from existing output file")
	}

	desc := fmt.Sprintf("divergence signals %s", target)
	if err := ex.deliver.PushSignals(ctx, sigs, desc); err != nil {
		return err
	}
	// A deliverer that ignores the deadline must still fail the step.
	return ctx.Err()
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
