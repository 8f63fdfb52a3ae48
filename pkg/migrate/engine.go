// Package migrate applies SQL migrations idempotently: transient lock
// contention is retried with backoff, "already exists" drift is reconciled
// against the live schema, and anything else stops the run.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/upgradoor/pkg/clock"
	"github.com/sirupsen/logrus"
)

// Reporter receives classified engine events.
type Reporter interface {
	Info(ctx context.Context, msg string, fields logrus.Fields)
	Warn(ctx context.Context, msg string, fields logrus.Fields)
	Error(ctx context.Context, msg string, fields logrus.Fields)
}

// Options control one engine run.
type Options struct {
	// Database is the connection name migrations are applied to.
	Database string `json:"database,omitempty" mapstructure:"database"`
	// Path overrides the migration directory or file.
	Path string `json:"path,omitempty" mapstructure:"path"`
	// Strict disables drift reconciliation.
	Strict bool `json:"strict,omitempty" mapstructure:"strict"`
	DryRun bool `json:"dry_run,omitempty" mapstructure:"dry_run"`
	// MaxRetries bounds lock-contention retries after the first attempt.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration `json:"backoff" mapstructure:"backoff"`
}

// Divergence records a migration that was marked applied without running.
type Divergence struct {
	Migration      string         `json:"migration"`
	Object         ObjectRef      `json:"object"`
	Classification Classification `json:"classification"`
	Message        string         `json:"message"`
	Warning        bool           `json:"warning,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// Summary is the result of one engine run.
type Summary struct {
	Total         int           `json:"total"`
	Executed      int           `json:"executed"`
	Reconciled    int           `json:"reconciled"`
	Retried       int           `json:"retried"`
	Failed        int           `json:"failed"`
	SkippedDryRun int           `json:"skipped_dry_run"`
	Batch         int           `json:"batch,omitempty"`
	Divergences   []Divergence  `json:"divergences,omitempty"`
	Inspections   []*Inspection `json:"inspections,omitempty"`
}

// MigrationError is returned when a migration cannot be applied.
type MigrationError struct {
	ID             string
	Attempts       int
	Classification Classification
	Err            error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf(
		"migration %s failed after %d attempt(s) (%s): %v",
		e.ID, e.Attempts, e.Classification, e.Err,
	)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Engine applies pending migrations one at a time in identifier order.
type Engine struct {
	log         logrus.FieldLogger
	resolver    Resolver
	defaultPath string
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine. defaultPath is used when Options.Path is
// empty.
func NewEngine(log logrus.FieldLogger, resolver Resolver, defaultPath string) *Engine {
	return &Engine{
		log:         log.WithField("component", "migrate"),
		resolver:    resolver,
		defaultPath: defaultPath,
		sleep:       clock.Sleep,
	}
}

// Run loads migrations, opens the target connection and applies them.
func (e *Engine) Run(ctx context.Context, opts Options, rep Reporter) (*Summary, error) {
	path := opts.Path
	if path == "" {
		path = e.defaultPath
	}

	if path == "" {
		return nil, errors.New("no migration path configured")
	}

	migrations, err := Load(path)
	if err != nil {
		return nil, err
	}

	target, err := e.resolver.Open(ctx, opts.Database)
	if err != nil {
		return nil, err
	}

	defer func() {
		if cerr := target.Close(); cerr != nil {
			e.log.WithError(cerr).Warn("Failed to close migration target")
		}
	}()

	return e.Apply(ctx, target, migrations, opts, rep)
}

// Apply runs migrations against target. Migrations already present in the
// ledger are never executed again.
func (e *Engine) Apply(
	ctx context.Context,
	target Target,
	migrations []*Migration,
	opts Options,
	rep Reporter,
) (*Summary, error) {
	ledger := target.Ledger()

	applied, err := ledger.Applied(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]*Migration, 0, len(migrations))

	for _, m := range migrations {
		if _, ok := applied[m.ID]; !ok {
			pending = append(pending, m)
		}
	}

	summary := &Summary{Total: len(pending)}

	if len(pending) == 0 {
		rep.Info(ctx, "Nothing to migrate", logrus.Fields{"database": target.Name()})

		return summary, nil
	}

	if opts.DryRun {
		return e.dryRun(ctx, target, pending, summary, rep)
	}

	batch, err := ledger.NextBatch(ctx)
	if err != nil {
		return nil, err
	}

	summary.Batch = batch
	reconciler := NewReconciler(ledger, target.Inspector())

	for _, m := range pending {
		if err := e.apply(ctx, target, reconciler, m, batch, opts, summary, rep); err != nil {
			summary.Failed++
			e.report(ctx, rep, summary)

			return summary, err
		}
	}

	e.report(ctx, rep, summary)

	return summary, nil
}

func (e *Engine) apply(
	ctx context.Context,
	target Target,
	reconciler *Reconciler,
	m *Migration,
	batch int,
	opts Options,
	summary *Summary,
	rep Reporter,
) error {
	for attempt := 1; ; attempt++ {
		start := time.Now()

		err := target.Exec(ctx, m.Statements)
		if err == nil {
			if err := target.Ledger().Log(ctx, m.ID, batch); err != nil {
				return err
			}

			summary.Executed++

			rep.Info(ctx, "Migration executed", logrus.Fields{
				"migration": m.ID,
				"attempt":   attempt,
				"duration":  time.Since(start).Round(time.Millisecond).String(),
			})

			return nil
		}

		res := Classify(err)
		fields := logrus.Fields{
			"migration":      m.ID,
			"attempt":        attempt,
			"classification": res.Classification,
			"sql_state":      res.SQLState,
			"code":           res.Code,
			"error":          err.Error(),
		}

		if res.Classification == LockRetryable && attempt <= opts.MaxRetries {
			delay := opts.Backoff * time.Duration(attempt)
			summary.Retried++

			fields["delay"] = delay.String()
			rep.Warn(ctx, "Migration hit lock contention, retrying", fields)

			if serr := e.sleep(ctx, delay); serr != nil {
				return &MigrationError{ID: m.ID, Attempts: attempt, Classification: res.Classification, Err: serr}
			}

			continue
		}

		if res.Classification == AlreadyExists && !opts.Strict {
			obj := InferObject(err.Error())

			rec, rerr := reconciler.Reconcile(ctx, m.ID, obj, opts.Strict, batch)
			if rerr != nil {
				rep.Error(ctx, "Reconciliation failed", fields)

				return &MigrationError{ID: m.ID, Attempts: attempt, Classification: res.Classification, Err: rerr}
			}

			if rec.Compatible {
				summary.Reconciled++
				summary.Divergences = append(summary.Divergences, Divergence{
					Migration:      m.ID,
					Object:         obj,
					Classification: res.Classification,
					Message:        err.Error(),
					Warning:        rec.Warning,
					Reason:         rec.Reason,
				})

				fields["object_type"] = obj.Type
				fields["object"] = obj.Name
				fields["reason"] = rec.Reason
				rep.Warn(ctx, "Migration reconciled against existing schema", fields)

				return nil
			}

			fields["reason"] = rec.Reason
		}

		rep.Error(ctx, "Migration failed", fields)

		return &MigrationError{ID: m.ID, Attempts: attempt, Classification: res.Classification, Err: err}
	}
}

func (e *Engine) dryRun(
	ctx context.Context,
	target Target,
	pending []*Migration,
	summary *Summary,
	rep Reporter,
) (*Summary, error) {
	detector := NewDetector(target.Inspector())

	for _, m := range pending {
		inspection, err := detector.Inspect(ctx, m)
		if err != nil {
			return nil, err
		}

		summary.SkippedDryRun++
		summary.Inspections = append(summary.Inspections, inspection)

		fields := logrus.Fields{
			"migration": m.ID,
			"verdict":   inspection.Verdict,
		}

		if inspection.Reason != "" {
			fields["reason"] = inspection.Reason
		}

		if inspection.Verdict == VerdictRun {
			rep.Info(ctx, "Dry run: migration pending", fields)
		} else {
			rep.Warn(ctx, "Dry run: migration predicts drift", fields)
		}
	}

	e.report(ctx, rep, summary)

	return summary, nil
}

func (e *Engine) report(ctx context.Context, rep Reporter, s *Summary) {
	rep.Info(ctx, "Migration summary", logrus.Fields{
		"total":           s.Total,
		"executed":        s.Executed,
		"reconciled":      s.Reconciled,
		"retried":         s.Retried,
		"failed":          s.Failed,
		"skipped_dry_run": s.SkippedDryRun,
		"divergences":     len(s.Divergences),
	})
}
