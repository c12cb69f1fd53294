package usecase

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

const day = 24 * time.Hour

// DecayWeight returns the weight of an event of the given age. The weight never
// increases with age.
func DecayWeight(policy domain.ScoringPolicy, age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	ageDays := age.Hours() / 24
	for _, step := range policy.Decay {
		if ageDays <= step.MaxAgeDays {
			return step.Weight
		}
	}
	return policy.FloorWeight
}

// Aggregate recomputes a deal's score from its base and the full event ledger.
// It is a pure function of its inputs; bases in breakdown are preserved and
// everything else is rebuilt.
func Aggregate(
	policy domain.ScoringPolicy,
	baseScore float64,
	bases domain.ScoreBreakdown,
	events []domain.ScoreEvent,
	now time.Time,
) (int, domain.ScoreBreakdown) {
	breakdown := bases.WithBasesOnly()
	for _, event := range events {
		weighted := event.Impact * event.Confidence * DecayWeight(policy, now.Sub(event.CreatedAt))
		applyImpact(&breakdown, event.Category, weighted)
	}
	return clampScore(baseScore + breakdown.AdjustedSum()), breakdown
}

func applyImpact(b *domain.ScoreBreakdown, category domain.Category, weighted float64) {
	switch category {
	case domain.CategoryTeam, domain.CategoryMarket, domain.CategoryProduct, domain.CategoryTraction, domain.CategoryDeal:
		b.Weighted(category).Adjusted += weighted
	case domain.CategoryCommunication:
		b.Communication += weighted
	case domain.CategoryMomentum:
		b.Momentum += weighted
	case domain.CategoryRedFlag:
		b.RedFlags += weighted
	}
}

// EvaluateTrend classifies momentum from the undecayed impact inside the trend
// window.
func EvaluateTrend(policy domain.ScoringPolicy, events []domain.ScoreEvent, now time.Time) (domain.Trend, float64) {
	cutoff := now.Add(-time.Duration(policy.TrendWindowDays) * day)
	delta := 0.0
	for _, event := range events {
		if event.CreatedAt.Before(cutoff) {
			continue
		}
		delta += event.Impact * event.Confidence
	}
	switch {
	case delta > policy.TrendBand:
		return domain.TrendUp, delta
	case delta < -policy.TrendBand:
		return domain.TrendDown, delta
	default:
		return domain.TrendStable, delta
	}
}

// EvaluateAlerts applies the alert rules to one recomputation. A nil previous
// score means the deal was never scored and no alert is raised. Returned alerts
// carry no id or timestamp.
func EvaluateAlerts(
	policy domain.ScoringPolicy,
	dealID string,
	previous *int,
	current int,
	triggers []domain.ScoreEvent,
) []domain.ScoreAlert {
	if previous == nil {
		return nil
	}
	prev := *previous
	delta := current - prev
	trigger := triggerLabel(triggers)

	newAlert := func(kind domain.AlertType, urgency domain.Urgency, text string) domain.ScoreAlert {
		return domain.ScoreAlert{
			DealID:        dealID,
			Type:          kind,
			PreviousScore: prev,
			NewScore:      current,
			Trigger:       text,
			Urgency:       urgency,
		}
	}

	var alerts []domain.ScoreAlert
	switch {
	case delta >= policy.MajorChangeDelta:
		alerts = append(alerts, newAlert(domain.AlertMajorIncrease, domain.UrgencyMedium,
			fmt.Sprintf("score rose %d points: %s", delta, trigger)))
	case delta <= -policy.MajorChangeDelta:
		alerts = append(alerts, newAlert(domain.AlertMajorDecrease, domain.UrgencyHigh,
			fmt.Sprintf("score fell %d points: %s", -delta, trigger)))
	}

	for _, event := range triggers {
		if isRedFlag(policy, event) {
			alerts = append(alerts, newAlert(domain.AlertRedFlag, domain.UrgencyHigh, event.Signal))
		}
	}

	for _, threshold := range policy.Milestones {
		if (prev < threshold) != (current < threshold) {
			direction := "above"
			if current < threshold {
				direction = "below"
			}
			alerts = append(alerts, newAlert(domain.AlertMilestone, domain.UrgencyMedium,
				fmt.Sprintf("score moved %s %d", direction, threshold)))
			break
		}
	}
	return alerts
}

func isRedFlag(policy domain.ScoringPolicy, event domain.ScoreEvent) bool {
	if event.Category == domain.CategoryRedFlag {
		return true
	}
	return policy.IsRedFlagSignal(event.Signal)
}

func triggerLabel(triggers []domain.ScoreEvent) string {
	switch len(triggers) {
	case 0:
		return "recomputation"
	case 1:
		return triggers[0].Signal
	default:
		latest := triggers[0]
		for _, event := range triggers[1:] {
			if event.CreatedAt.After(latest.CreatedAt) {
				latest = event
			}
		}
		return fmt.Sprintf("%s (+%d more signals)", latest.Signal, len(triggers)-1)
	}
}

// BuildScoreHistory replays events into a daily running score. Days without
// events are omitted. Events before the window contribute to the opening score.
func BuildScoreHistory(baseScore float64, events []domain.ScoreEvent, days int, now time.Time) []domain.ScoreHistoryPoint {
	start := truncateDay(now).Add(-time.Duration(days-1) * day)

	sorted := make([]domain.ScoreEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	running := baseScore
	points := make([]domain.ScoreHistoryPoint, 0)
	for _, event := range sorted {
		impact := event.Impact * event.Confidence
		if event.CreatedAt.Before(start) {
			running += impact
			continue
		}
		running += impact
		date := truncateDay(event.CreatedAt)
		if n := len(points); n > 0 && points[n-1].Date.Equal(date) {
			points[n-1].Score = clampScore(running)
			points[n-1].EventCount++
			continue
		}
		points = append(points, domain.ScoreHistoryPoint{
			Date:       date,
			Score:      clampScore(running),
			EventCount: 1,
		})
	}
	return points
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// clampScore bounds v before converting so that huge sums cannot overflow int.
func clampScore(v float64) int {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= 100:
		return 100
	}
	return int(math.Round(v))
}
