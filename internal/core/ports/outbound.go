package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

// DealStore persists durable deal records and their derived score state.
type DealStore interface {
	GetDeal(ctx context.Context, id string) (*domain.Deal, error)
	SaveScore(ctx context.Context, dealID string, snapshot domain.ScoreSnapshot) error
	// SeedBase writes the base score and category bases. Without force it only
	// applies when no base was recorded yet and reports whether it applied.
	SeedBase(ctx context.Context, dealID string, baseScore int, bases domain.CategoryBases, force bool) (bool, error)
	ExistsByNormalizedName(ctx context.Context, organizationID, normalizedName string) (bool, error)
}

// ScoreEventStore is the append-only signal ledger.
type ScoreEventStore interface {
	AppendEvents(ctx context.Context, events []domain.ScoreEvent) error
	ListEvents(ctx context.Context, dealID string) ([]domain.ScoreEvent, error)
	QueryEvents(ctx context.Context, dealID string, query domain.EventQuery) ([]domain.ScoreEvent, int, error)
}

// AlertStore persists emitted score alerts.
type AlertStore interface {
	InsertAlerts(ctx context.Context, alerts []domain.ScoreAlert) error
	ListAlerts(ctx context.Context, dealID string, limit int) ([]domain.ScoreAlert, error)
}

// ProposalStore persists queue entries and sender suppressions. Status changes
// are compare-and-set: Transition fails with ErrAlreadyProcessed or
// ErrInvalidTransition when the stored status is not one of from.
type ProposalStore interface {
	CreateProposal(ctx context.Context, entry *domain.ProposalQueueEntry) error
	GetProposal(ctx context.Context, id string) (*domain.ProposalQueueEntry, error)
	ExistsByMessageID(ctx context.Context, messageID string) (bool, error)
	// ExistsByNormalizedName ignores snoozed entries whose sender is exceptSender.
	ExistsByNormalizedName(ctx context.Context, organizationID, normalizedName, exceptSender string) (bool, error)
	ListByStatus(ctx context.Context, organizationID string, status domain.ProposalStatus) ([]domain.ProposalQueueEntry, error)
	ListPendingFromSender(ctx context.Context, organizationID, sender string, after time.Time) ([]domain.ProposalQueueEntry, error)
	Transition(ctx context.Context, id string, from []domain.ProposalStatus, patch domain.ProposalPatch) (*domain.ProposalQueueEntry, error)
	// ApproveWithDeal creates the deal and marks the entry approved in one
	// transaction.
	ApproveWithDeal(ctx context.Context, id string, deal *domain.Deal, reviewedBy string, reviewedAt time.Time) error

	UpsertRejectedEmail(ctx context.Context, rejected domain.RejectedEmail) error
	IsSenderRejected(ctx context.Context, organizationID, email string) (bool, error)
}

// ObjectStorage stores attachment bytes.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// TextExtractor extracts plain text from a stored attachment.
type TextExtractor interface {
	Extract(ctx context.Context, attachment domain.Attachment) (string, error)
}

// DocumentAnalyzer turns document text into score signals and optional
// category bases.
type DocumentAnalyzer interface {
	AnalyzeDocument(ctx context.Context, deal *domain.Deal, filename, text string) (domain.DocumentAnalysis, error)
}

// SnoozeEvaluator asks the AI judgment service whether a snoozed proposal made
// progress.
type SnoozeEvaluator interface {
	EvaluateSnoozed(ctx context.Context, input domain.SnoozeEvaluationInput) (domain.SnoozeEvaluation, error)
}

// MessageComposer drafts outbound founder messages.
type MessageComposer interface {
	ComposeMessage(ctx context.Context, kind domain.MessageKind, entry *domain.ProposalQueueEntry, note string) (domain.ComposedMessage, error)
}

// Mailer hands a message to the delivery transport.
type Mailer interface {
	Send(ctx context.Context, to string, msg domain.ComposedMessage) error
}

// Locker serializes work per key across goroutines or processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// AlertPublisher fans emitted alerts out to subscribers after they are stored.
type AlertPublisher interface {
	PublishAlerts(ctx context.Context, alerts []domain.ScoreAlert) error
}

// PipelineObserver receives operational measurements from the use cases.
type PipelineObserver interface {
	ObserveRecompute(duration time.Duration, err error)
	ObserveAlerts(alerts []domain.ScoreAlert)
	ObserveIntake(outcome domain.IntakeOutcome)
	ObserveTransition(action domain.ProposalAction, err error)
	ObserveSnoozeRun(result domain.SnoozeCheckResult, err error)
}
