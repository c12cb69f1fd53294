package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

type eventAppender interface {
	AppendEvents(ctx context.Context, events []domain.ScoreEvent) (*domain.AppendResult, error)
}

// appendBatch stores a consumed batch. A batch rejected because of one deal is
// split per deal so events for the other deals are still recorded.
func appendBatch(ctx context.Context, scores eventAppender, events []domain.ScoreEvent, logger *slog.Logger) error {
	result, err := scores.AppendEvents(ctx, events)
	if err == nil {
		logOutcomes(logger, result)
		return nil
	}
	if !isRejected(err) {
		return err
	}

	groups := groupByDeal(events)
	if len(groups) == 1 {
		logger.Warn("score_events_dropped", "deal_id", groups[0][0].DealID, "events", len(events), "error", err)
		return nil
	}

	var failed error
	for _, group := range groups {
		result, err := scores.AppendEvents(ctx, group)
		switch {
		case err == nil:
			logOutcomes(logger, result)
		case isRejected(err):
			logger.Warn("score_events_dropped", "deal_id", group[0].DealID, "events", len(group), "error", err)
		default:
			failed = errors.Join(failed, err)
		}
	}
	return failed
}

func isRejected(err error) bool {
	return domain.IsKind(err, domain.ErrNotFound) || domain.IsKind(err, domain.ErrInvalidInput)
}

func groupByDeal(events []domain.ScoreEvent) [][]domain.ScoreEvent {
	index := make(map[string]int)
	var groups [][]domain.ScoreEvent
	for _, event := range events {
		i, ok := index[event.DealID]
		if !ok {
			i = len(groups)
			index[event.DealID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], event)
	}
	return groups
}

func logOutcomes(logger *slog.Logger, result *domain.AppendResult) {
	for _, outcome := range result.Recomputed {
		if outcome.Error != "" {
			logger.Warn("deal_recompute_failed", "deal_id", outcome.DealID, "error", outcome.Error)
		}
	}
}
