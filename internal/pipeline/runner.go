package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"caravel/internal/events"
)

// Stage is one unit of the pipeline's sequential execution.
type Stage interface {
	Name() string
	// Completes is the state the run reaches when this stage succeeds.
	Completes() State
	Execute(ctx context.Context, run *Run) error
}

// Recorder persists run state outside the process. Recording failures are
// logged but never abort a run; the published image is the contract, the
// history row is not.
type Recorder interface {
	RecordStart(ctx context.Context, run *Run) error
	RecordState(ctx context.Context, run *Run) error
	RecordFinish(ctx context.Context, run *Run) error
}

// Runner drives a run through its stages strictly in order. The first
// stage failure aborts the run; no retry, no rollback of completed stages.
type Runner struct {
	stages   []Stage
	bus      events.EventBus
	recorder Recorder
}

type RunnerOption func(*Runner)

func WithEventBus(bus events.EventBus) RunnerOption {
	return func(r *Runner) { r.bus = bus }
}

func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

func NewRunner(stages []Stage, opts ...RunnerOption) *Runner {
	r := &Runner{stages: stages}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs all stages against the run. It returns the first stage
// error verbatim; the run is left FAILED and no later stage executes.
func (r *Runner) Execute(ctx context.Context, run *Run) error {
	run.Status = StatusRunning
	run.StartedAt = time.Now().UTC()

	r.publish(events.Event{Type: events.RunStarted, RunID: run.ID, State: string(run.State)})
	r.record(ctx, run, r.recorderStart)

	for _, stage := range r.stages {
		stageLog := log.With().Str("run_id", run.ID).Str("stage", stage.Name()).Logger()
		stageLog.Info().Msg("Stage started")
		start := time.Now()

		r.publish(events.Event{Type: events.StageStarted, RunID: run.ID, Stage: stage.Name(), State: string(run.State)})

		if err := stage.Execute(ctx, run); err != nil {
			run.Fail(stage.Name(), err)
			stageLog.Error().Err(err).Dur("duration", time.Since(start)).Msg("Stage failed")
			r.publish(events.Event{
				Type:  events.RunFailed,
				RunID: run.ID,
				Stage: stage.Name(),
				State: string(run.State),
				Error: err.Error(),
			})
			r.record(ctx, run, r.recorderFinish)
			return err
		}

		if err := run.Transition(stage.Completes()); err != nil {
			run.Fail(stage.Name(), err)
			stageLog.Error().Err(err).Msg("Stage failed")
			r.publish(events.Event{
				Type:  events.RunFailed,
				RunID: run.ID,
				Stage: stage.Name(),
				State: string(run.State),
				Error: err.Error(),
			})
			r.record(ctx, run, r.recorderFinish)
			return err
		}

		stageLog.Info().
			Str("state", string(run.State)).
			Dur("duration", time.Since(start)).
			Msg("Stage completed")

		r.publish(events.Event{
			Type:   events.StageCompleted,
			RunID:  run.ID,
			Stage:  stage.Name(),
			State:  string(run.State),
			Commit: run.Commit,
		})
		r.record(ctx, run, r.recorderState)
	}

	run.EndedAt = time.Now().UTC()

	r.publish(events.Event{
		Type:   events.ImagePublished,
		RunID:  run.ID,
		State:  string(run.State),
		Image:  run.ImageRef,
		Commit: run.Commit,
	})
	r.publish(events.Event{Type: events.RunCompleted, RunID: run.ID, State: string(run.State), Image: run.ImageRef})
	r.record(ctx, run, r.recorderFinish)

	log.Info().
		Str("run_id", run.ID).
		Str("image", run.ImageRef).
		Str("commit", run.Commit).
		Dur("duration", run.EndedAt.Sub(run.StartedAt)).
		Msg("Pipeline run completed")

	return nil
}

func (r *Runner) publish(event events.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(event); err != nil {
		log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to publish pipeline event")
	}
}

type recordFunc func(ctx context.Context, run *Run) error

func (r *Runner) recorderStart(ctx context.Context, run *Run) error {
	return r.recorder.RecordStart(ctx, run)
}

func (r *Runner) recorderState(ctx context.Context, run *Run) error {
	return r.recorder.RecordState(ctx, run)
}

func (r *Runner) recorderFinish(ctx context.Context, run *Run) error {
	return r.recorder.RecordFinish(ctx, run)
}

func (r *Runner) record(ctx context.Context, run *Run, fn recordFunc) {
	if r.recorder == nil {
		return
	}
	if err := fn(ctx, run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run state")
	}
}
