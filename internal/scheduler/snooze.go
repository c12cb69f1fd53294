package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/core/ports"
)

var ErrAlreadyRunning = errors.New("snooze scheduler already running")

const (
	defaultInterval     = time.Hour
	defaultQuotaBackoff = 6 * time.Hour
	defaultRunTimeout   = 15 * time.Minute
)

type Options struct {
	Interval time.Duration
	// QuotaBackoff is how long ticks are skipped after the judge reports an
	// exhausted quota.
	QuotaBackoff time.Duration
	RunTimeout   time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// SnoozeScheduler periodically runs the snooze reactivation pass for one
// organization mailbox. The owner starts and stops it explicitly.
type SnoozeScheduler struct {
	checker        ports.SnoozeChecker
	organizationID string
	opts           Options

	runMu sync.Mutex

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	pausedUntil time.Time
	last        *domain.SnoozeCheckResult
}

func NewSnoozeScheduler(checker ports.SnoozeChecker, organizationID string, opts Options) *SnoozeScheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.QuotaBackoff <= 0 {
		opts.QuotaBackoff = defaultQuotaBackoff
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = defaultRunTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "snooze_scheduler", "organization_id", organizationID)
	return &SnoozeScheduler{
		checker:        checker,
		organizationID: organizationID,
		opts:           opts,
	}
}

// Start launches the polling loop. The first pass runs immediately.
func (s *SnoozeScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.loop(loopCtx, done)
	s.opts.Logger.Info("snooze_scheduler_started", "interval", s.opts.Interval.String())
	return nil
}

// Stop cancels the loop and waits for an in-flight pass to return. It is
// safe to call on a stopped scheduler.
func (s *SnoozeScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.opts.Logger.Info("snooze_scheduler_stopped")
}

func (s *SnoozeScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// LastResult returns the outcome of the most recent completed pass.
func (s *SnoozeScheduler) LastResult() *domain.SnoozeCheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	copied := *s.last
	return &copied
}

// RunOnce executes a single pass. Passes never overlap.
func (s *SnoozeScheduler) RunOnce(ctx context.Context) (*domain.SnoozeCheckResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	start := s.opts.Now()
	result, err := s.checker.CheckSnoozedProposals(runCtx, s.organizationID)

	s.mu.Lock()
	if result != nil {
		copied := *result
		s.last = &copied
	}
	if domain.IsKind(err, domain.ErrQuotaExceeded) {
		s.pausedUntil = s.opts.Now().Add(s.opts.QuotaBackoff)
	}
	s.mu.Unlock()

	attrs := []any{"duration_ms", s.opts.Now().Sub(start).Milliseconds()}
	if result != nil {
		attrs = append(attrs,
			"checked", result.Checked,
			"reactivated", result.Reactivated,
			"rejected", result.Rejected,
			"kept_snoozed", result.KeptSnoozed,
			"merged", result.Merged,
			"failed", result.Failed,
		)
	}
	switch {
	case domain.IsKind(err, domain.ErrQuotaExceeded):
		s.opts.Logger.Warn("snooze_run_quota_exceeded",
			append(attrs, "error", err, "paused_for", s.opts.QuotaBackoff.String())...)
	case err != nil:
		s.opts.Logger.Error("snooze_run_failed", append(attrs, "error", err)...)
	default:
		s.opts.Logger.Info("snooze_run_completed", attrs...)
	}
	return result, err
}

func (s *SnoozeScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *SnoozeScheduler) tick(ctx context.Context) {
	s.mu.Lock()
	paused := s.opts.Now().Before(s.pausedUntil)
	s.mu.Unlock()
	if paused {
		s.opts.Logger.Debug("snooze_run_skipped_quota_backoff")
		return
	}
	_, _ = s.RunOnce(ctx)
}
