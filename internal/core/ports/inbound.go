package ports

import (
	"context"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

// ScoreService is the inbound contract for signal ingestion and score reads.
type ScoreService interface {
	AppendEvent(ctx context.Context, event domain.ScoreEvent) (*domain.AppendResult, error)
	AppendEvents(ctx context.Context, events []domain.ScoreEvent) (*domain.AppendResult, error)
	Recompute(ctx context.Context, dealID string) (*domain.RecomputeResult, error)
	SeedBaseScore(ctx context.Context, dealID string, bases domain.CategoryBases, force bool) (bool, error)
	GetScoreHistory(ctx context.Context, dealID string, days int) ([]domain.ScoreHistoryPoint, error)
	GetEvents(ctx context.Context, dealID string, query domain.EventQuery) (*domain.EventPage, error)
	ListAlerts(ctx context.Context, dealID string, limit int) ([]domain.ScoreAlert, error)
}

// ProposalQueue is the inbound contract for the proposal lifecycle.
type ProposalQueue interface {
	Intake(ctx context.Context, candidate domain.ProposalCandidate) (*domain.IntakeResult, error)
	GetQueuedProposals(ctx context.Context, organizationID string) ([]domain.ProposalQueueEntry, error)
	ApproveProposal(ctx context.Context, id string, req domain.ApproveRequest) (*domain.ApproveResult, error)
	RejectProposal(ctx context.Context, id string, req domain.RejectRequest) (*domain.RejectResult, error)
	SnoozeProposal(ctx context.Context, id string, req domain.SnoozeRequest) (*domain.SnoozeResult, error)
}

// SnoozeChecker is the inbound contract for the periodic reactivation pass.
type SnoozeChecker interface {
	CheckSnoozedProposals(ctx context.Context, organizationID string) (*domain.SnoozeCheckResult, error)
}
