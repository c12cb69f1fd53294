package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

type ProposalRepository struct {
	db *sql.DB
}

func NewProposalRepository(db *sql.DB) *ProposalRepository {
	return &ProposalRepository{db: db}
}

const proposalColumns = `id, organization_id, email_message_id, email_subject, email_from, email_body, email_date,
	startup_name, normalized_name, description, website, founder_name, founder_email, ask_amount, stage,
	extraction, confidence, attachments, status, reviewed_at, reviewed_by, rejection_reason, snoozed_until,
	snooze_count, progress_notes, created_deal_id, created_at, updated_at`

func (r *ProposalRepository) CreateProposal(ctx context.Context, entry *domain.ProposalQueueEntry) error {
	extractionJSON, err := json.Marshal(entry.Extraction)
	if err != nil {
		return fmt.Errorf("marshal extraction: %w", err)
	}
	attachments := entry.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO proposal_queue (
	id, organization_id, email_message_id, email_subject, email_from, email_body, email_date, sender_email,
	startup_name, normalized_name, description, website, founder_name, founder_email, ask_amount, stage,
	extraction, confidence, attachments, status, snooze_count, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
`,
		entry.ID, entry.OrganizationID, entry.EmailMessageID, entry.EmailSubject, entry.EmailFrom, entry.EmailBody,
		nullTime(entry.EmailDate), entry.SenderEmail(), entry.StartupName, entry.NormalizedName, entry.Description,
		entry.Website, entry.FounderName, entry.FounderEmail, nullFloat(entry.AskAmount), entry.Stage,
		extractionJSON, entry.Confidence, attachmentsJSON, string(entry.Status), entry.SnoozeCount,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert proposal", err)
		}
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (r *ProposalRepository) GetProposal(ctx context.Context, id string) (*domain.ProposalQueueEntry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposal_queue WHERE id = $1`, id)
	entry, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrProposalNotFound, "get proposal", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return entry, nil
}

func scanProposal(row rowScanner) (*domain.ProposalQueueEntry, error) {
	var (
		entry          domain.ProposalQueueEntry
		emailDate      sql.NullTime
		askAmount      sql.NullFloat64
		extractionRaw  []byte
		attachmentsRaw []byte
		status         string
		reviewedAt     sql.NullTime
		snoozedUntil   sql.NullTime
	)
	err := row.Scan(
		&entry.ID, &entry.OrganizationID, &entry.EmailMessageID, &entry.EmailSubject, &entry.EmailFrom, &entry.EmailBody,
		&emailDate, &entry.StartupName, &entry.NormalizedName, &entry.Description, &entry.Website, &entry.FounderName,
		&entry.FounderEmail, &askAmount, &entry.Stage, &extractionRaw, &entry.Confidence, &attachmentsRaw, &status,
		&reviewedAt, &entry.ReviewedBy, &entry.RejectionReason, &snoozedUntil, &entry.SnoozeCount, &entry.ProgressNotes,
		&entry.CreatedDealID, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(extractionRaw) > 0 {
		if err := json.Unmarshal(extractionRaw, &entry.Extraction); err != nil {
			return nil, fmt.Errorf("unmarshal extraction: %w", err)
		}
	}
	if len(attachmentsRaw) > 0 {
		if err := json.Unmarshal(attachmentsRaw, &entry.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	entry.Status = domain.ProposalStatus(status)
	entry.EmailDate = timePtr(emailDate)
	entry.AskAmount = floatPtr(askAmount)
	entry.ReviewedAt = timePtr(reviewedAt)
	entry.SnoozedUntil = timePtr(snoozedUntil)
	return &entry, nil
}

func (r *ProposalRepository) listProposals(ctx context.Context, query string, args ...any) ([]domain.ProposalQueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ProposalQueueEntry, 0)
	for rows.Next() {
		entry, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return out, nil
}

func (r *ProposalRepository) ExistsByMessageID(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM proposal_queue WHERE email_message_id = $1)
`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message id: %w", err)
	}
	return exists, nil
}

func (r *ProposalRepository) ExistsByNormalizedName(ctx context.Context, organizationID, normalizedName, exceptSender string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM proposal_queue
	WHERE organization_id = $1 AND normalized_name = $2
	AND NOT ($3 <> '' AND status = 'snoozed' AND sender_email = $3)
)
`, organizationID, normalizedName, exceptSender).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check proposal name: %w", err)
	}
	return exists, nil
}

func (r *ProposalRepository) ListByStatus(ctx context.Context, organizationID string, status domain.ProposalStatus) ([]domain.ProposalQueueEntry, error) {
	return r.listProposals(ctx, `
SELECT `+proposalColumns+`
FROM proposal_queue
WHERE organization_id = $1 AND status = $2
ORDER BY created_at ASC
`, organizationID, string(status))
}

func (r *ProposalRepository) ListPendingFromSender(ctx context.Context, organizationID, sender string, after time.Time) ([]domain.ProposalQueueEntry, error) {
	return r.listProposals(ctx, `
SELECT `+proposalColumns+`
FROM proposal_queue
WHERE organization_id = $1 AND sender_email = $2 AND status = 'pending' AND created_at > $3
ORDER BY created_at ASC
`, organizationID, sender, after)
}

// Transition applies patch only while the stored status is one of from. When
// no row matches, the current status decides between not found, already
// processed and invalid transition.
func (r *ProposalRepository) Transition(ctx context.Context, id string, from []domain.ProposalStatus, patch domain.ProposalPatch) (*domain.ProposalQueueEntry, error) {
	if len(from) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "transition proposal", errors.New("no source status"))
	}
	args := []any{id, string(patch.Status), time.Now().UTC()}
	sets := []string{"status = $2", "updated_at = $3"}
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.ReviewedAt != nil {
		set("reviewed_at", *patch.ReviewedAt)
	}
	if patch.ReviewedBy != nil {
		set("reviewed_by", *patch.ReviewedBy)
	}
	if patch.RejectionReason != nil {
		set("rejection_reason", *patch.RejectionReason)
	}
	if patch.SnoozedUntil != nil {
		set("snoozed_until", *patch.SnoozedUntil)
	}
	if patch.ProgressNotes != nil {
		set("progress_notes", *patch.ProgressNotes)
	}
	if patch.CreatedDealID != nil {
		set("created_deal_id", *patch.CreatedDealID)
	}
	if patch.IncrementSnooze {
		sets = append(sets, "snooze_count = snooze_count + 1")
	}
	placeholders := make([]string, 0, len(from))
	for _, status := range from {
		args = append(args, string(status))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := fmt.Sprintf(`
UPDATE proposal_queue
SET %s
WHERE id = $1 AND status IN (%s)
RETURNING %s
`, strings.Join(sets, ", "), strings.Join(placeholders, ","), proposalColumns)

	entry, err := scanProposal(r.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition proposal: %w", err)
	}
	return nil, r.explainRejectedTransition(ctx, id, patch.Status)
}

func (r *ProposalRepository) explainRejectedTransition(ctx context.Context, id string, target domain.ProposalStatus) error {
	var current string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM proposal_queue WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrProposalNotFound, "transition proposal", fmt.Errorf("id=%s", id))
		}
		return fmt.Errorf("read proposal status: %w", err)
	}
	status := domain.ProposalStatus(current)
	if status.Terminal() {
		return domain.WrapError(domain.ErrAlreadyProcessed, "transition proposal",
			fmt.Errorf("proposal %s is %s", id, status))
	}
	return domain.WrapError(domain.ErrInvalidTransition, "transition proposal",
		fmt.Errorf("proposal %s cannot move from %s to %s", id, status, target))
}

// ApproveWithDeal inserts the deal and marks the entry approved in one
// transaction. The row lock makes a concurrent approval observe the committed
// status and fail with ErrAlreadyProcessed.
func (r *ProposalRepository) ApproveWithDeal(ctx context.Context, id string, deal *domain.Deal, reviewedBy string, reviewedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approve tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM proposal_queue WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WrapError(domain.ErrProposalNotFound, "approve proposal", fmt.Errorf("id=%s", id))
		}
		return fmt.Errorf("lock proposal: %w", err)
	}
	if err := domain.CheckTransition(domain.ProposalStatus(current), domain.ActionApprove); err != nil {
		return err
	}

	if err := insertDeal(ctx, tx, deal); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE proposal_queue
SET status = $2, reviewed_at = $3, reviewed_by = $4, created_deal_id = $5, updated_at = $3
WHERE id = $1
`, id, string(domain.ProposalApproved), reviewedAt, reviewedBy, deal.ID); err != nil {
		return fmt.Errorf("mark proposal approved: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit approve tx: %w", err)
	}
	return nil
}

func (r *ProposalRepository) UpsertRejectedEmail(ctx context.Context, rejected domain.RejectedEmail) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO rejected_emails (organization_id, email_address, reason, rejection_count, first_rejected_at, last_rejected_at)
VALUES ($1, $2, $3, 1, $4, $4)
ON CONFLICT (organization_id, email_address) DO UPDATE
SET rejection_count = rejected_emails.rejection_count + 1,
	reason = EXCLUDED.reason,
	last_rejected_at = EXCLUDED.last_rejected_at
`, rejected.OrganizationID, strings.ToLower(rejected.EmailAddress), rejected.Reason, rejected.LastRejected)
	if err != nil {
		return fmt.Errorf("upsert rejected email: %w", err)
	}
	return nil
}

func (r *ProposalRepository) IsSenderRejected(ctx context.Context, organizationID, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM rejected_emails WHERE organization_id = $1 AND email_address = $2)
`, organizationID, strings.ToLower(email)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check rejected sender: %w", err)
	}
	return exists, nil
}
