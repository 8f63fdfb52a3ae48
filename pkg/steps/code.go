package steps

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

// CodeUpdateStep moves the checkout to the update target.
type CodeUpdateStep struct {
	deps *Deps
}

var _ pipeline.Step = (*CodeUpdateStep)(nil)

// NewCodeUpdateStep creates the code-update step.
func NewCodeUpdateStep(d *Deps) *CodeUpdateStep {
	return &CodeUpdateStep{deps: d}
}

func (s *CodeUpdateStep) Name() string { return NameCodeUpdate }

func (s *CodeUpdateStep) ShouldRun(*pipeline.Context) bool { return true }

func (s *CodeUpdateStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	if rc.RevisionBefore == "" {
		rev, err := s.deps.VCS.CurrentRevision(ctx)
		if err != nil {
			return err
		}

		rc.RevisionBefore = rev
	}

	rev, err := s.deps.VCS.Update(ctx)
	if err != nil {
		return err
	}

	rc.RevisionAfter = rev

	rc.Reporter().Info(ctx, "Code updated", logrus.Fields{
		"from": rc.RevisionBefore,
		"to":   rev,
	})

	return nil
}

func (s *CodeUpdateStep) Rollback(ctx context.Context, rc *pipeline.Context) error {
	if rc.RevisionBefore == "" {
		return nil
	}

	if err := s.deps.VCS.Rollback(ctx, rc.RevisionBefore); err != nil {
		return fmt.Errorf("resetting code to %s: %w", rc.RevisionBefore, err)
	}

	rc.RevisionAfter = rc.RevisionBefore

	rc.Reporter().Info(ctx, "Code reset", logrus.Fields{"revision": rc.RevisionBefore})

	return nil
}
