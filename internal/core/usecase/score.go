package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/core/ports"
)

const (
	defaultRecomputeConcurrency = 4
	defaultHistoryDays          = 30
	maxHistoryDays              = 365
	defaultEventPageLimit       = 50
	maxEventPageLimit           = 200
	defaultAlertLimit           = 50
)

type ScoreOptions struct {
	Publisher   ports.AlertPublisher
	Observer    ports.PipelineObserver
	Concurrency int
	Now         func() time.Time
	Logger      *slog.Logger
}

type ScoreUseCase struct {
	deals  ports.DealStore
	events ports.ScoreEventStore
	alerts ports.AlertStore
	locker ports.Locker
	policy domain.ScoringPolicy

	publisher   ports.AlertPublisher
	observer    ports.PipelineObserver
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

func NewScoreUseCase(
	deals ports.DealStore,
	events ports.ScoreEventStore,
	alerts ports.AlertStore,
	locker ports.Locker,
	policy domain.ScoringPolicy,
	opts ScoreOptions,
) *ScoreUseCase {
	if locker == nil {
		locker = noopLocker{}
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultRecomputeConcurrency
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ScoreUseCase{
		deals:       deals,
		events:      events,
		alerts:      alerts,
		locker:      locker,
		policy:      policy,
		publisher:   opts.Publisher,
		observer:    opts.Observer,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		logger:      opts.Logger,
	}
}

func (uc *ScoreUseCase) AppendEvent(ctx context.Context, event domain.ScoreEvent) (*domain.AppendResult, error) {
	return uc.AppendEvents(ctx, []domain.ScoreEvent{event})
}

// AppendEvents validates and persists a batch, then recomputes every touched
// deal. A failing recompute is reported in the result and does not affect the
// other deals or the stored events.
func (uc *ScoreUseCase) AppendEvents(ctx context.Context, events []domain.ScoreEvent) (*domain.AppendResult, error) {
	if len(events) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "append events", errors.New("no events"))
	}

	now := uc.now()
	batch := make([]domain.ScoreEvent, len(events))
	byDeal := make(map[string][]domain.ScoreEvent)
	order := make([]string, 0)
	for i, event := range events {
		if err := event.Normalize(now); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, fmt.Sprintf("append events: event %d", i), err)
		}
		if event.ID == "" {
			event.ID = uuid.NewString()
		}
		batch[i] = event
		if _, seen := byDeal[event.DealID]; !seen {
			order = append(order, event.DealID)
		}
		byDeal[event.DealID] = append(byDeal[event.DealID], event)
	}

	for _, dealID := range order {
		if _, err := uc.deals.GetDeal(ctx, dealID); err != nil {
			return nil, fmt.Errorf("append events: load deal %s: %w", dealID, err)
		}
	}

	if err := uc.events.AppendEvents(ctx, batch); err != nil {
		return nil, fmt.Errorf("append events: persist: %w", err)
	}

	outcomes := make([]domain.DealRecomputeOutcome, len(order))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uc.concurrency)
	for i, dealID := range order {
		group.Go(func() error {
			outcomes[i] = domain.DealRecomputeOutcome{DealID: dealID}
			result, err := uc.recompute(groupCtx, dealID, byDeal[dealID])
			if err != nil {
				uc.logger.Error("recompute after append failed", "deal_id", dealID, "error", err)
				outcomes[i].Error = err.Error()
				return nil
			}
			outcomes[i].Result = result
			return nil
		})
	}
	_ = group.Wait()

	return &domain.AppendResult{Events: batch, Recomputed: outcomes}, nil
}

func (uc *ScoreUseCase) Recompute(ctx context.Context, dealID string) (*domain.RecomputeResult, error) {
	return uc.recompute(ctx, dealID, nil)
}

func (uc *ScoreUseCase) recompute(ctx context.Context, dealID string, triggers []domain.ScoreEvent) (result *domain.RecomputeResult, err error) {
	started := time.Now()
	defer func() { uc.observer.ObserveRecompute(time.Since(started), err) }()

	unlock, err := uc.lockDeal(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("recompute: %w", err)
	}
	defer unlock()

	return uc.recomputeLocked(ctx, dealID, triggers)
}

// lockDeal serializes every writer of a deal's score row.
func (uc *ScoreUseCase) lockDeal(ctx context.Context, dealID string) (func(), error) {
	unlock, err := uc.locker.Lock(ctx, "deal-score:"+dealID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "lock deal", err)
	}
	return unlock, nil
}

// recomputeLocked expects the caller to hold the deal lock.
func (uc *ScoreUseCase) recomputeLocked(ctx context.Context, dealID string, triggers []domain.ScoreEvent) (*domain.RecomputeResult, error) {
	deal, err := uc.deals.GetDeal(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("recompute: load deal: %w", err)
	}
	events, err := uc.events.ListEvents(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("recompute: list events: %w", err)
	}

	now := uc.now()
	bases := domain.ScoreBreakdown{}
	if deal.ScoreBreakdown != nil {
		bases = *deal.ScoreBreakdown
	}
	score, breakdown := Aggregate(uc.policy, deal.EffectiveBaseScore(), bases, events, now)
	trend, delta := EvaluateTrend(uc.policy, events, now)

	snapshot := domain.ScoreSnapshot{
		Score:      score,
		Breakdown:  breakdown,
		Trend:      trend,
		TrendDelta: delta,
		ComputedAt: now,
	}
	if err := uc.deals.SaveScore(ctx, dealID, snapshot); err != nil {
		return nil, fmt.Errorf("recompute: save score: %w", err)
	}

	alerts := EvaluateAlerts(uc.policy, dealID, deal.CurrentScore, score, triggers)
	for i := range alerts {
		alerts[i].ID = uuid.NewString()
		alerts[i].CreatedAt = now
	}
	uc.emitAlerts(ctx, alerts)

	return &domain.RecomputeResult{
		DealID:        dealID,
		PreviousScore: deal.CurrentScore,
		Score:         score,
		Breakdown:     breakdown,
		Trend:         trend,
		TrendDelta:    delta,
		Alerts:        alerts,
	}, nil
}

// emitAlerts stores and publishes alerts. The score is already persisted, so
// failures here are only logged.
func (uc *ScoreUseCase) emitAlerts(ctx context.Context, alerts []domain.ScoreAlert) {
	if len(alerts) == 0 {
		return
	}
	if err := uc.alerts.InsertAlerts(ctx, alerts); err != nil {
		uc.logger.Error("insert score alerts failed", "deal_id", alerts[0].DealID, "count", len(alerts), "error", err)
		return
	}
	uc.observer.ObserveAlerts(alerts)
	if uc.publisher == nil {
		return
	}
	if err := uc.publisher.PublishAlerts(ctx, alerts); err != nil {
		uc.logger.Warn("publish score alerts failed", "deal_id", alerts[0].DealID, "error", err)
	}
}

// SeedBaseScore records category bases for a deal. Without force it only
// applies when the deal has no base yet. A successful seed triggers a
// recompute; a failed recompute is logged and the seed still counts.
func (uc *ScoreUseCase) SeedBaseScore(ctx context.Context, dealID string, bases domain.CategoryBases, force bool) (bool, error) {
	if err := validateBases(bases); err != nil {
		return false, domain.WrapError(domain.ErrInvalidInput, "seed base score", err)
	}
	clamped := bases.Breakdown()
	normalized := domain.CategoryBases{
		Team:     clamped.Team.Base,
		Market:   clamped.Market.Base,
		Product:  clamped.Product.Base,
		Traction: clamped.Traction.Base,
		Deal:     clamped.Deal.Base,
	}
	baseScore := int(math.Round(normalized.Sum()))

	unlock, err := uc.lockDeal(ctx, dealID)
	if err != nil {
		return false, fmt.Errorf("seed base score: %w", err)
	}
	defer unlock()

	applied, err := uc.deals.SeedBase(ctx, dealID, baseScore, normalized, force)
	if err != nil {
		return false, fmt.Errorf("seed base score: %w", err)
	}
	if !applied {
		return false, nil
	}
	started := time.Now()
	_, err = uc.recomputeLocked(ctx, dealID, nil)
	uc.observer.ObserveRecompute(time.Since(started), err)
	if err != nil {
		uc.logger.Error("recompute after base seed failed", "deal_id", dealID, "error", err)
	}
	return true, nil
}

func validateBases(bases domain.CategoryBases) error {
	values := map[domain.Category]float64{
		domain.CategoryTeam:     bases.Team,
		domain.CategoryMarket:   bases.Market,
		domain.CategoryProduct:  bases.Product,
		domain.CategoryTraction: bases.Traction,
		domain.CategoryDeal:     bases.Deal,
	}
	for _, category := range domain.WeightedCategories() {
		v := values[category]
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("%s base must be a non-negative number", category)
		}
	}
	return nil
}

func (uc *ScoreUseCase) GetScoreHistory(ctx context.Context, dealID string, days int) ([]domain.ScoreHistoryPoint, error) {
	if days <= 0 {
		days = defaultHistoryDays
	}
	if days > maxHistoryDays {
		days = maxHistoryDays
	}
	deal, err := uc.deals.GetDeal(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("score history: load deal: %w", err)
	}
	events, err := uc.events.ListEvents(ctx, dealID)
	if err != nil {
		return nil, fmt.Errorf("score history: list events: %w", err)
	}
	return BuildScoreHistory(deal.EffectiveBaseScore(), events, days, uc.now()), nil
}

func (uc *ScoreUseCase) GetEvents(ctx context.Context, dealID string, query domain.EventQuery) (*domain.EventPage, error) {
	if query.Category != "" && !query.Category.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get events", fmt.Errorf("unknown category %q", query.Category))
	}
	if query.Offset < 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "get events", errors.New("offset must not be negative"))
	}
	if query.Limit <= 0 {
		query.Limit = defaultEventPageLimit
	}
	if query.Limit > maxEventPageLimit {
		query.Limit = maxEventPageLimit
	}
	if _, err := uc.deals.GetDeal(ctx, dealID); err != nil {
		return nil, fmt.Errorf("get events: load deal: %w", err)
	}
	events, total, err := uc.events.QueryEvents(ctx, dealID, query)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	if events == nil {
		events = []domain.ScoreEvent{}
	}
	return &domain.EventPage{Events: events, Total: total}, nil
}

func (uc *ScoreUseCase) ListAlerts(ctx context.Context, dealID string, limit int) ([]domain.ScoreAlert, error) {
	if limit <= 0 || limit > maxEventPageLimit {
		limit = defaultAlertLimit
	}
	if _, err := uc.deals.GetDeal(ctx, dealID); err != nil {
		return nil, fmt.Errorf("list alerts: load deal: %w", err)
	}
	alerts, err := uc.alerts.ListAlerts(ctx, dealID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

type noopObserver struct{}

func (noopObserver) ObserveRecompute(time.Duration, error) {}
func (noopObserver) ObserveAlerts([]domain.ScoreAlert) {}
func (noopObserver) ObserveIntake(domain.IntakeOutcome) {}
func (noopObserver) ObserveTransition(domain.ProposalAction, error) {}
func (noopObserver) ObserveSnoozeRun(domain.SnoozeCheckResult, error) {}
