package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ethpandaops/upgradoor/pkg/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// minStaleAge is the floor of the stale threshold.
	minStaleAge = 60 * time.Second

	defaultPollInterval = 250 * time.Millisecond
)

// ErrNotAcquired is returned by callers that treat contention as a failure.
// Acquire itself reports contention as (false, nil).
var ErrNotAcquired = errors.New("update lock is held by another run")

// Record is the side-channel metadata stored next to the lock primitive.
type Record struct {
	Key        string    `json:"key"`
	Token      string    `json:"token"`
	HolderPID  int       `json:"holder_pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the record has existed at now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.AcquiredAt)
}

// Backend is the shared storage behind a lock.
type Backend interface {
	// TryLock atomically claims rec.Key for rec.Token and stores rec as the
	// lock metadata. It returns false when the key is already claimed.
	// A ttl of zero means the claim never expires on its own.
	TryLock(ctx context.Context, rec *Record, ttl time.Duration) (bool, error)

	// Unlock releases key and its metadata only while key is still claimed
	// by token. The check and the delete are one atomic step, so stale
	// recovery can pass the stale holder's token without risking a lock
	// that another caller has just taken.
	Unlock(ctx context.Context, key, token string) error

	// Metadata returns the current record for key, or nil if none exists.
	Metadata(ctx context.Context, key string) (*Record, error)
}

// Locker is the "an update is in progress" mutual exclusion primitive.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (bool, error)
	Release(ctx context.Context) error
	IsAcquired() bool
	// AcquiredAt is when the held lock was taken, zero when none is held.
	AcquiredAt() time.Time
}

// Config for a lock Service.
type Config struct {
	// Wait bounds how long Acquire polls for the primitive.
	Wait time.Duration
	// Poll is the interval between attempts while waiting.
	Poll time.Duration
	// BackendTTL maps a lock timeout to the expiry handed to the backend.
	// Nil means no backend expiry.
	BackendTTL func(timeout time.Duration) time.Duration
}

// Service implements Locker on top of a Backend. A Service holds at most
// one lock at a time.
type Service struct {
	log     logrus.FieldLogger
	backend Backend
	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	held *Record
}

// Ensure interface compliance.
var _ Locker = (*Service)(nil)

// NewService creates a lock Service.
func NewService(log logrus.FieldLogger, backend Backend, cfg Config) *Service {
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPollInterval
	}

	return &Service{
		log:     log.WithField("component", "lock"),
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		sleep:   clock.Sleep,
	}
}

// StaleAfter returns the age at which a lock with the given timeout is
// presumed abandoned: max(60s, 2×timeout).
func StaleAfter(timeout time.Duration) time.Duration {
	if stale := 2 * timeout; stale > minStaleAge {
		return stale
	}

	return minStaleAge
}

// Acquire tries to take key, waiting at most the configured wait window.
// When the primitive stays unavailable and its metadata shows it is stale,
// the stale record is cleared and acquisition is retried exactly once.
// Only the record that was judged stale is cleared: when several callers
// recover the same lock, at most one of them wins.
func (s *Service) Acquire(
	ctx context.Context, key string, timeout time.Duration,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A Service is shared by every run in the process, so a held lock means
	// another run of this process owns it.
	if s.held != nil {
		s.log.WithField("key", key).Debug("Lock already held in this process")

		return false, nil
	}

	log := s.log.WithField("key", key)
	deadline := s.now().Add(s.cfg.Wait)

	for {
		ok, err := s.try(ctx, key, timeout)
		if err != nil {
			return false, err
		}

		if ok {
			log.Debug("Lock acquired")

			return true, nil
		}

		if !s.now().Before(deadline) {
			break
		}

		if err := s.sleep(ctx, s.cfg.Poll); err != nil {
			return false, fmt.Errorf("waiting for lock: %w", err)
		}
	}

	meta, err := s.backend.Metadata(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reading lock metadata: %w", err)
	}

	if meta == nil {
		log.Info("Lock is held and has no metadata, not treating as stale")

		return false, nil
	}

	age := meta.Age(s.now())
	staleAfter := StaleAfter(timeout)

	if age <= staleAfter {
		log.WithFields(logrus.Fields{
			"holder_pid": meta.HolderPID,
			"age":        age.Round(time.Second),
		}).Info("Lock is held by another run")

		return false, nil
	}

	log.WithFields(logrus.Fields{
		"holder_pid":  meta.HolderPID,
		"age":         age.Round(time.Second),
		"stale_after": staleAfter,
	}).Warn("Clearing stale lock")

	if err := s.backend.Unlock(ctx, key, meta.Token); err != nil {
		return false, fmt.Errorf("clearing stale lock: %w", err)
	}

	ok, err := s.try(ctx, key, timeout)
	if err != nil {
		return false, err
	}

	if ok {
		log.Info("Lock acquired after stale lock recovery")
	} else {
		log.Info("Stale lock was recovered by another run")
	}

	return ok, nil
}

// try makes one acquisition attempt. Callers must hold s.mu.
func (s *Service) try(
	ctx context.Context, key string, timeout time.Duration,
) (bool, error) {
	hostname, _ := os.Hostname()

	rec := &Record{
		Key:        key,
		Token:      uuid.NewString(),
		HolderPID:  os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: s.now().UTC(),
	}

	var ttl time.Duration
	if s.cfg.BackendTTL != nil {
		ttl = s.cfg.BackendTTL(timeout)
	}

	ok, err := s.backend.TryLock(ctx, rec, ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}

	if ok {
		s.held = rec
	}

	return ok, nil
}

// Release clears the primitive and its metadata. Releasing a lock that is
// not held is a no-op, so Release is safe to call more than once.
func (s *Service) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == nil {
		return nil
	}

	if err := s.backend.Unlock(ctx, s.held.Key, s.held.Token); err != nil {
		return fmt.Errorf("releasing lock %q: %w", s.held.Key, err)
	}

	s.log.WithField("key", s.held.Key).Debug("Lock released")
	s.held = nil

	return nil
}

// IsAcquired reports whether this service currently holds a lock.
func (s *Service) IsAcquired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.held != nil
}

func (s *Service) AcquiredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == nil {
		return time.Time{}
	}

	return s.held.AcquiredAt
}

// Holder returns the metadata of whoever holds key, or nil.
func (s *Service) Holder(ctx context.Context, key string) (*Record, error) {
	return s.backend.Metadata(ctx, key)
}
