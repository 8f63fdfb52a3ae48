package steps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/upgradoor/pkg/clock"
	"github.com/ethpandaops/upgradoor/pkg/pipeline"
)

// HealthCheckStep probes the application after the update. It is
// load-bearing: a failed probe aborts the run and triggers rollback.
type HealthCheckStep struct {
	deps  *Deps
	sleep func(ctx context.Context, d time.Duration) error
}

var _ pipeline.Step = (*HealthCheckStep)(nil)

// NewHealthCheckStep creates the health-check step.
func NewHealthCheckStep(d *Deps) *HealthCheckStep {
	return &HealthCheckStep{deps: d, sleep: clock.Sleep}
}

func (s *HealthCheckStep) Name() string { return NameHealthCheck }

func (s *HealthCheckStep) ShouldRun(*pipeline.Context) bool {
	return s.deps.updater().HealthCheck.URL != ""
}

func (s *HealthCheckStep) Handle(ctx context.Context, rc *pipeline.Context) error {
	cfg := s.deps.updater().HealthCheck
	rep := rc.Reporter()

	client := s.deps.HTTP
	if client == nil {
		client = &http.Client{}
	}

	attempts := max(cfg.Retries, 1)

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = s.probe(ctx, client, cfg.URL, cfg.ExpectedStatus, cfg.Timeout)
		if lastErr == nil {
			rep.Info(ctx, "Health check passed", logrus.Fields{"attempt": attempt})

			return nil
		}

		rep.Warn(ctx, "Health check attempt failed", logrus.Fields{
			"attempt": attempt,
			"error":   lastErr.Error(),
		})

		if attempt < attempts {
			if err := s.sleep(ctx, cfg.Interval); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("health check failed after %d attempts: %w", attempts, lastErr)
}

func (s *HealthCheckStep) probe(
	ctx context.Context, client *http.Client, url string, expected int, timeout time.Duration,
) error {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != expected {
		return fmt.Errorf("unexpected status %d, want %d", resp.StatusCode, expected)
	}

	return nil
}

func (s *HealthCheckStep) Rollback(context.Context, *pipeline.Context) error {
	return nil
}
