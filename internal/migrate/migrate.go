// Package migrate runs the data cleanup and import passes applied to every
// document on open.
//
// Steps are idempotent and not gated by document version, so partially
// migrated documents converge. Each step reports whether it changed
// anything; the [Runner] ORs those into a single dirty signal.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/calvinalkan/cfdoc/internal/docdb"
)

// Step is one migration pass.
type Step struct {
	Name string

	// Tolerant steps are logged and skipped on failure. A failing
	// intolerant step aborts the run.
	Tolerant bool

	Run func(ctx context.Context) (changed bool, err error)
}

// Recorder persists the outcome of steps that changed data or failed.
type Recorder interface {
	RecordMigration(ctx context.Context, r docdb.MigrationRecord) error
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name    string
	Changed bool
	Err     error
}

// Result is the outcome of a run.
type Result struct {
	Changed bool
	Steps   []StepResult
}

// Runner executes steps in order.
type Runner struct {
	steps    []Step
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRunner returns a runner for steps. recorder may be nil.
func NewRunner(steps []Step, recorder Recorder) *Runner {
	return &Runner{
		steps:    steps,
		recorder: recorder,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

// SetLogger sets the logger for tolerated failures.
func (r *Runner) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// Run executes every step. It returns the partial result and the error of
// the first failing intolerant step, whose remaining siblings do not run.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var res Result

	for _, step := range r.steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		changed, err := step.Run(ctx)
		res.Steps = append(res.Steps, StepResult{Name: step.Name, Changed: changed, Err: err})
		res.Changed = res.Changed || changed

		r.record(ctx, step.Name, changed, err)

		if err == nil {
			r.logger.Debug().Str("step", step.Name).Bool("changed", changed).Msg("migration step done")

			continue
		}

		if !step.Tolerant {
			return res, fmt.Errorf("migration %s: %w", step.Name, err)
		}

		r.logger.Warn().Err(err).Str("step", step.Name).Msg("migration step failed, continuing")
	}

	return res, nil
}

// record writes a log row for steps that did something. Clean no-op runs are
// not logged so an untouched document stays byte identical.
func (r *Runner) record(ctx context.Context, name string, changed bool, stepErr error) {
	if r.recorder == nil || (!changed && stepErr == nil) {
		return
	}

	rec := docdb.MigrationRecord{Step: name, Changed: changed, RanAt: r.now()}
	if stepErr != nil {
		rec.Error = stepErr.Error()
	}

	if err := r.recorder.RecordMigration(ctx, rec); err != nil {
		r.logger.Warn().Err(err).Str("step", name).Msg("record migration")
	}
}
