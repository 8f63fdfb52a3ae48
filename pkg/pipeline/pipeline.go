// Package pipeline runs an ordered list of update steps and compensates
// completed steps in reverse order when one fails.
package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Step is one unit of update work with a compensating action.
type Step interface {
	Name() string
	// ShouldRun reports whether the step applies to this run.
	ShouldRun(rc *Context) bool
	// Handle performs the step and records its outputs on rc.
	Handle(ctx context.Context, rc *Context) error
	// Rollback undoes Handle as far as possible. It must tolerate being
	// called for a step whose Handle never ran, using whatever fields rc
	// carries.
	Rollback(ctx context.Context, rc *Context) error
}

// Pipeline executes steps strictly in declared order.
type Pipeline struct {
	log   logrus.FieldLogger
	steps []Step
}

// New creates a Pipeline.
func New(log logrus.FieldLogger, steps ...Step) *Pipeline {
	return &Pipeline{
		log:   log.WithField("component", "pipeline"),
		steps: steps,
	}
}

// Steps returns the declared steps.
func (p *Pipeline) Steps() []Step {
	return p.steps
}

// Run executes every applicable step. On the first failure it rolls back
// the steps that already succeeded, newest first, and returns an *Error
// wrapping the original cause.
func (p *Pipeline) Run(ctx context.Context, rc *Context) error {
	rep := rc.Reporter()
	executed := make([]Step, 0, len(p.steps))

	for _, step := range p.steps {
		name := step.Name()

		if !step.ShouldRun(rc) {
			rc.Skipped = append(rc.Skipped, name)
			p.log.WithField("step", name).Debug("Step skipped")

			continue
		}

		rep.Info(ctx, "Step started", logrus.Fields{"step": name})

		if err := handle(ctx, step, rc); err != nil {
			rc.FailedStep = name

			rep.Error(ctx, "Step failed", logrus.Fields{
				"step":  name,
				"error": err.Error(),
			})

			p.rollback(ctx, rc, executed)

			return &Error{Step: name, Err: err}
		}

		executed = append(executed, step)
		rc.Executed = append(rc.Executed, name)

		rep.Info(ctx, "Step succeeded", logrus.Fields{"step": name})
	}

	return nil
}

// Rollback compensates a run outside of a failure, for example on an
// administrative request. Steps recorded in rc.Executed are rolled back
// when present, otherwise every declared step is.
func (p *Pipeline) Rollback(ctx context.Context, rc *Context) []RollbackFailure {
	targets := p.steps

	if len(rc.Executed) > 0 {
		done := make(map[string]struct{}, len(rc.Executed))
		for _, name := range rc.Executed {
			done[name] = struct{}{}
		}

		targets = make([]Step, 0, len(rc.Executed))

		for _, step := range p.steps {
			if _, ok := done[step.Name()]; ok {
				targets = append(targets, step)
			}
		}
	}

	return p.rollback(ctx, rc, targets)
}

// rollback calls Rollback on steps in reverse order. Every step is
// attempted regardless of earlier failures.
func (p *Pipeline) rollback(ctx context.Context, rc *Context, steps []Step) []RollbackFailure {
	if len(steps) == 0 {
		return nil
	}

	// Compensation keeps going when the caller's context is cancelled.
	ctx = context.WithoutCancel(ctx)
	rep := rc.Reporter()

	rep.Warn(ctx, "Rolling back", logrus.Fields{"steps": len(steps)})

	var failures []RollbackFailure

	for i := len(steps) - 1; i >= 0; i-- {
		name := steps[i].Name()

		if err := rollbackStep(ctx, steps[i], rc); err != nil {
			failure := RollbackFailure{Step: name, Error: err.Error()}
			failures = append(failures, failure)

			rep.Error(ctx, "Step rollback failed", logrus.Fields{
				"step":  name,
				"error": err.Error(),
			})

			continue
		}

		rep.Info(ctx, "Step rolled back", logrus.Fields{"step": name})
	}

	rc.RollbackFailures = append(rc.RollbackFailures, failures...)

	return failures
}

func handle(ctx context.Context, step Step, rc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()

	return step.Handle(ctx, rc)
}

func rollbackStep(ctx context.Context, step Step, rc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollback panicked: %v", r)
		}
	}()

	return step.Rollback(ctx, rc)
}
