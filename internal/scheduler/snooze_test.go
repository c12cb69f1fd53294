package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type checkerFake struct {
	mu      sync.Mutex
	calls   int
	orgs    []string
	results []error
	called  chan struct{}
	block   chan struct{}
}

func newCheckerFake(results ...error) *checkerFake {
	return &checkerFake{results: results, called: make(chan struct{}, 16)}
}

func (f *checkerFake) CheckSnoozedProposals(ctx context.Context, orgID string) (*domain.SnoozeCheckResult, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.orgs = append(f.orgs, orgID)
	block := f.block
	f.mu.Unlock()

	select {
	case f.called <- struct{}{}:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return &domain.SnoozeCheckResult{OrganizationID: orgID}, ctx.Err()
		}
	}

	var err error
	if idx < len(f.results) {
		err = f.results[idx]
	}
	return &domain.SnoozeCheckResult{OrganizationID: orgID, Checked: idx + 1}, err
}

func (f *checkerFake) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func waitCall(t *testing.T, f *checkerFake) {
	t.Helper()
	select {
	case <-f.called:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snooze pass")
	}
}

func TestStartRunsImmediatelyAndOnInterval(t *testing.T) {
	checker := newCheckerFake()
	s := NewSnoozeScheduler(checker, "org-1", Options{Interval: 10 * time.Millisecond, Logger: quietLogger()})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCall(t, checker)
	waitCall(t, checker)
	s.Stop()

	if s.Running() {
		t.Fatal("scheduler still running after Stop")
	}
	if last := s.LastResult(); last == nil || last.OrganizationID != "org-1" {
		t.Fatalf("unexpected last result: %+v", last)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := NewSnoozeScheduler(newCheckerFake(), "org-1", Options{Interval: time.Hour, Logger: quietLogger()})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStopWaitsForInFlightPass(t *testing.T) {
	checker := newCheckerFake()
	checker.block = make(chan struct{})
	s := NewSnoozeScheduler(checker, "org-1", Options{Interval: time.Hour, Logger: quietLogger()})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCall(t, checker)
	s.Stop()
	s.Stop()

	if checker.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", checker.callCount())
	}
}

func TestQuotaPausesFurtherTicks(t *testing.T) {
	quota := domain.WrapError(domain.ErrQuotaExceeded, "evaluate snoozed", errors.New("429"))
	checker := newCheckerFake(quota)
	s := NewSnoozeScheduler(checker, "org-1", Options{
		Interval:     5 * time.Millisecond,
		QuotaBackoff: time.Hour,
		Logger:       quietLogger(),
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCall(t, checker)
	time.Sleep(40 * time.Millisecond)
	s.Stop()

	if checker.callCount() != 1 {
		t.Fatalf("expected ticks to be skipped during backoff, got %d calls", checker.callCount())
	}
}

func TestRunOnceReturnsQuotaWithPartialResult(t *testing.T) {
	quota := domain.WrapError(domain.ErrQuotaExceeded, "evaluate snoozed", errors.New("429"))
	s := NewSnoozeScheduler(newCheckerFake(quota), "org-7", Options{Logger: quietLogger()})

	result, err := s.RunOnce(context.Background())
	if !domain.IsKind(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if result == nil || result.OrganizationID != "org-7" {
		t.Fatalf("expected partial result, got %+v", result)
	}
}

func TestStopOnParentCancel(t *testing.T) {
	checker := newCheckerFake()
	s := NewSnoozeScheduler(checker, "org-1", Options{Interval: time.Hour, Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCall(t, checker)
	cancel()
	s.Stop()
}
