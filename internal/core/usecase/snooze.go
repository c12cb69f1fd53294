package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/core/ports"
)

const (
	SchedulerReviewer     = "snooze-scheduler"
	NoProgressReason      = "no meaningful progress after multiple follow-ups"
	MergedIntoOriginal    = "merged into original"
	reactivatedNotePrefix = "REACTIVATED"
)

// SnoozeReactivationUseCase re-evaluates snoozed proposals when their sender
// has written again since the last review.
type SnoozeReactivationUseCase struct {
	proposals ports.ProposalStore
	queue     *ProposalQueueUseCase
	evaluator ports.SnoozeEvaluator
	observer  ports.PipelineObserver
	logger    *slog.Logger
}

func NewSnoozeReactivationUseCase(
	proposals ports.ProposalStore,
	queue *ProposalQueueUseCase,
	evaluator ports.SnoozeEvaluator,
	observer ports.PipelineObserver,
	logger *slog.Logger,
) *SnoozeReactivationUseCase {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnoozeReactivationUseCase{
		proposals: proposals,
		queue:     queue,
		evaluator: evaluator,
		observer:  observer,
		logger:    logger,
	}
}

// CheckSnoozedProposals runs one sequential pass over the organization's
// snoozed entries. A quota error stops the pass; the partial result is
// returned together with ErrQuotaExceeded.
func (uc *SnoozeReactivationUseCase) CheckSnoozedProposals(ctx context.Context, organizationID string) (result *domain.SnoozeCheckResult, err error) {
	result = &domain.SnoozeCheckResult{OrganizationID: organizationID}
	defer func() { uc.observer.ObserveSnoozeRun(*result, err) }()

	if strings.TrimSpace(organizationID) == "" {
		return result, domain.WrapError(domain.ErrInvalidInput, "check snoozed proposals", errors.New("organization_id is required"))
	}
	snoozed, err := uc.proposals.ListByStatus(ctx, organizationID, domain.ProposalSnoozed)
	if err != nil {
		return result, fmt.Errorf("check snoozed proposals: list snoozed: %w", err)
	}

	for i := range snoozed {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		entry := &snoozed[i]
		if err := uc.checkEntry(ctx, entry, result); err != nil {
			if domain.IsKind(err, domain.ErrQuotaExceeded) {
				uc.logger.Warn("snooze check stopped on ai quota", "organization_id", organizationID, "proposal_id", entry.ID)
				return result, err
			}
			result.Failed++
			uc.logger.Error("snooze check failed", "organization_id", organizationID, "proposal_id", entry.ID, "error", err)
		}
	}
	return result, nil
}

func (uc *SnoozeReactivationUseCase) checkEntry(ctx context.Context, entry *domain.ProposalQueueEntry, result *domain.SnoozeCheckResult) error {
	sender := entry.SenderEmail()
	if sender == "" {
		result.Skipped++
		return nil
	}
	newer, err := uc.proposals.ListPendingFromSender(ctx, entry.OrganizationID, sender, entry.LastReviewedAt())
	if err != nil {
		return fmt.Errorf("list newer correspondence: %w", err)
	}
	if len(newer) == 0 {
		result.Skipped++
		return nil
	}
	sort.SliceStable(newer, func(i, j int) bool { return newer[i].CreatedAt.Before(newer[j].CreatedAt) })

	result.Checked++
	evaluation, err := uc.evaluator.EvaluateSnoozed(ctx, domain.SnoozeEvaluationInput{
		Original:       *entry,
		Correspondence: correspondenceOf(newer),
	})
	if err != nil {
		return fmt.Errorf("evaluate snoozed proposal: %w", err)
	}
	if !evaluation.Recommendation.Valid() {
		return fmt.Errorf("evaluate snoozed proposal: unknown recommendation %q", evaluation.Recommendation)
	}

	if err := uc.apply(ctx, entry, evaluation, result); err != nil {
		return err
	}

	for i := range newer {
		if err := uc.merge(ctx, &newer[i], entry.ID); err != nil {
			uc.logger.Warn("merge follow-up failed", "proposal_id", newer[i].ID, "original_id", entry.ID, "error", err)
			continue
		}
		result.Merged++
	}
	return nil
}

func (uc *SnoozeReactivationUseCase) apply(ctx context.Context, entry *domain.ProposalQueueEntry, evaluation domain.SnoozeEvaluation, result *domain.SnoozeCheckResult) error {
	now := uc.queue.now()
	reviewer := SchedulerReviewer
	switch evaluation.Recommendation {
	case domain.RecommendReactivate:
		notes := reactivationNotes(entry.ProgressNotes, evaluation)
		_, err := uc.proposals.Transition(ctx, entry.ID, domain.ActionReactivate.AllowedFrom(), domain.ProposalPatch{
			Status:        domain.ProposalPending,
			ReviewedAt:    &now,
			ReviewedBy:    &reviewer,
			ProgressNotes: &notes,
		})
		if err != nil {
			return fmt.Errorf("reactivate proposal: %w", err)
		}
		result.Reactivated++
	case domain.RecommendReject:
		notes := appendNote(entry.ProgressNotes, progressNote(now, evaluation))
		_, err := uc.queue.rejectEntry(ctx, entry, rejectOptions{
			reason:     NoProgressReason,
			reviewedBy: SchedulerReviewer,
			notes:      &notes,
			suppress:   true,
		})
		if err != nil {
			return err
		}
		result.Rejected++
	case domain.RecommendKeepSnoozed:
		notes := appendNote(entry.ProgressNotes, progressNote(now, evaluation))
		_, err := uc.proposals.Transition(ctx, entry.ID, []domain.ProposalStatus{domain.ProposalSnoozed}, domain.ProposalPatch{
			Status:        domain.ProposalSnoozed,
			ReviewedAt:    &now,
			ReviewedBy:    &reviewer,
			ProgressNotes: &notes,
		})
		if err != nil {
			return fmt.Errorf("record snooze progress: %w", err)
		}
		result.KeptSnoozed++
	}
	return nil
}

// merge closes a follow-up that was folded into the original. The sender is
// not suppressed.
func (uc *SnoozeReactivationUseCase) merge(ctx context.Context, followUp *domain.ProposalQueueEntry, originalID string) error {
	notes := appendNote(followUp.ProgressNotes, "Merged into proposal "+originalID)
	_, err := uc.queue.rejectEntry(ctx, followUp, rejectOptions{
		reason:     MergedIntoOriginal,
		reviewedBy: SchedulerReviewer,
		notes:      &notes,
	})
	return err
}

func correspondenceOf(entries []domain.ProposalQueueEntry) []domain.Correspondence {
	out := make([]domain.Correspondence, 0, len(entries))
	for _, entry := range entries {
		received := entry.CreatedAt
		if entry.EmailDate != nil {
			received = *entry.EmailDate
		}
		out = append(out, domain.Correspondence{
			ProposalID: entry.ID,
			Subject:    entry.EmailSubject,
			Body:       entry.EmailBody,
			Extraction: entry.Extraction,
			ReceivedAt: received,
		})
	}
	return out
}

func reactivationNotes(existing string, evaluation domain.SnoozeEvaluation) string {
	var b strings.Builder
	b.WriteString(reactivatedNotePrefix)
	b.WriteString(": ")
	b.WriteString(strings.TrimSpace(evaluation.ProgressSummary))
	if len(evaluation.KeyChanges) > 0 {
		b.WriteString("\nKey changes:")
		for _, change := range evaluation.KeyChanges {
			b.WriteString("\n- ")
			b.WriteString(strings.TrimSpace(change))
		}
	}
	if existing = strings.TrimSpace(existing); existing != "" {
		b.WriteString("\n\n")
		b.WriteString(existing)
	}
	return b.String()
}

func progressNote(now time.Time, evaluation domain.SnoozeEvaluation) string {
	note := fmt.Sprintf("%s %s: %s", strings.ToUpper(string(evaluation.Recommendation)), now.Format(time.DateOnly),
		strings.TrimSpace(evaluation.ProgressSummary))
	if len(evaluation.KeyChanges) > 0 {
		note += "\nKey changes:\n- " + strings.Join(evaluation.KeyChanges, "\n- ")
	}
	return note
}
