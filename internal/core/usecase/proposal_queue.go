package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/core/ports"
)

const (
	minSnoozeMonths     = 1
	maxSnoozeMonths     = 24
	intakeSignal        = "Deal created from email proposal"
	defaultAttachmentID = "attachment.bin"
)

type ProposalQueueOptions struct {
	Storage   ports.ObjectStorage
	Extractor ports.TextExtractor
	Analyzer  ports.DocumentAnalyzer
	Composer  ports.MessageComposer
	Mailer    ports.Mailer
	Observer  ports.PipelineObserver
	Now       func() time.Time
	Logger    *slog.Logger
}

// ProposalQueueUseCase owns the proposal lifecycle. Every status change goes
// through ProposalStore.Transition so concurrent reviewers cannot both win.
type ProposalQueueUseCase struct {
	proposals ports.ProposalStore
	deals     ports.DealStore
	scores    ports.ScoreService
	policy    domain.ScoringPolicy

	storage   ports.ObjectStorage
	extractor ports.TextExtractor
	analyzer  ports.DocumentAnalyzer
	composer  ports.MessageComposer
	mailer    ports.Mailer
	observer  ports.PipelineObserver
	now       func() time.Time
	logger    *slog.Logger
}

func NewProposalQueueUseCase(
	proposals ports.ProposalStore,
	deals ports.DealStore,
	scores ports.ScoreService,
	policy domain.ScoringPolicy,
	opts ProposalQueueOptions,
) *ProposalQueueUseCase {
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ProposalQueueUseCase{
		proposals: proposals,
		deals:     deals,
		scores:    scores,
		policy:    policy,
		storage:   opts.Storage,
		extractor: opts.Extractor,
		analyzer:  opts.Analyzer,
		composer:  opts.Composer,
		mailer:    opts.Mailer,
		observer:  opts.Observer,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

// Intake admits an extracted proposal into the queue. Skips are reported as
// outcomes, not errors.
func (uc *ProposalQueueUseCase) Intake(ctx context.Context, candidate domain.ProposalCandidate) (*domain.IntakeResult, error) {
	result, err := uc.intake(ctx, candidate)
	if err == nil {
		uc.observer.ObserveIntake(result.Outcome)
	}
	return result, err
}

func (uc *ProposalQueueUseCase) intake(ctx context.Context, candidate domain.ProposalCandidate) (*domain.IntakeResult, error) {
	candidate.OrganizationID = strings.TrimSpace(candidate.OrganizationID)
	candidate.EmailMessageID = strings.TrimSpace(candidate.EmailMessageID)
	extraction := candidate.Extraction
	extraction.StartupName = strings.TrimSpace(extraction.StartupName)
	if candidate.OrganizationID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "intake", errors.New("organization_id is required"))
	}
	if candidate.EmailMessageID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "intake", errors.New("email_message_id is required"))
	}
	normalizedName := domain.NormalizeName(extraction.StartupName)
	if normalizedName == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "intake", errors.New("startup_name is required"))
	}
	if extraction.Confidence < 0 || extraction.Confidence > 100 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "intake", fmt.Errorf("confidence %.1f outside [0,100]", extraction.Confidence))
	}
	if extraction.Version == 0 {
		extraction.Version = domain.ExtractionVersion
	}

	if extraction.Confidence < uc.policy.IntakeMinConfidence {
		return &domain.IntakeResult{Outcome: domain.IntakeLowConfidence}, nil
	}

	exists, err := uc.proposals.ExistsByMessageID(ctx, candidate.EmailMessageID)
	if err != nil {
		return nil, fmt.Errorf("intake: check message id: %w", err)
	}
	if exists {
		return &domain.IntakeResult{Outcome: domain.IntakeDuplicateMessage}, nil
	}

	now := uc.now()
	entry := &domain.ProposalQueueEntry{
		ID:             uuid.NewString(),
		OrganizationID: candidate.OrganizationID,
		EmailMessageID: candidate.EmailMessageID,
		EmailSubject:   candidate.EmailSubject,
		EmailFrom:      candidate.EmailFrom,
		EmailBody:      candidate.EmailBody,
		EmailDate:      candidate.EmailDate,
		StartupName:    extraction.StartupName,
		NormalizedName: normalizedName,
		Description:    extraction.Description,
		Website:        extraction.Website,
		FounderName:    extraction.FounderName,
		FounderEmail:   extraction.FounderEmail,
		AskAmount:      extraction.AskAmount,
		Stage:          extraction.Stage,
		Extraction:     extraction,
		Confidence:     extraction.Confidence,
		Status:         domain.ProposalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sender := entry.SenderEmail()

	if sender != "" {
		suppressed, err := uc.proposals.IsSenderRejected(ctx, entry.OrganizationID, sender)
		if err != nil {
			return nil, fmt.Errorf("intake: check sender suppression: %w", err)
		}
		if suppressed {
			return &domain.IntakeResult{Outcome: domain.IntakeSuppressedSender}, nil
		}
	}

	dupEntry, err := uc.proposals.ExistsByNormalizedName(ctx, entry.OrganizationID, normalizedName, sender)
	if err != nil {
		return nil, fmt.Errorf("intake: check proposal name: %w", err)
	}
	dupDeal, err := uc.deals.ExistsByNormalizedName(ctx, entry.OrganizationID, normalizedName)
	if err != nil {
		return nil, fmt.Errorf("intake: check deal name: %w", err)
	}
	if dupEntry || dupDeal {
		return &domain.IntakeResult{Outcome: domain.IntakeDuplicateName}, nil
	}

	attachments, err := uc.storeAttachments(ctx, entry.ID, candidate.Attachments)
	if err != nil {
		return nil, err
	}
	entry.Attachments = attachments

	if err := uc.proposals.CreateProposal(ctx, entry); err != nil {
		if domain.IsKind(err, domain.ErrConflict) {
			return &domain.IntakeResult{Outcome: domain.IntakeDuplicateMessage}, nil
		}
		return nil, fmt.Errorf("intake: create proposal: %w", err)
	}
	return &domain.IntakeResult{Outcome: domain.IntakeQueued, Entry: entry}, nil
}

func (uc *ProposalQueueUseCase) storeAttachments(ctx context.Context, proposalID string, payloads []domain.AttachmentPayload) ([]domain.Attachment, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if uc.storage == nil {
		return nil, fmt.Errorf("intake: attachments received but no object storage configured")
	}
	out := make([]domain.Attachment, 0, len(payloads))
	for i, payload := range payloads {
		key := fmt.Sprintf("proposals/%s/%02d_%s", proposalID, i, sanitizeFilename(payload.Filename))
		if err := uc.storage.Save(ctx, key, bytes.NewReader(payload.Data)); err != nil {
			return nil, fmt.Errorf("intake: store attachment %q: %w", payload.Filename, err)
		}
		out = append(out, domain.Attachment{
			Filename:   payload.Filename,
			MimeType:   payload.MimeType,
			StorageKey: key,
			Size:       int64(len(payload.Data)),
		})
	}
	return out, nil
}

func (uc *ProposalQueueUseCase) GetQueuedProposals(ctx context.Context, organizationID string) ([]domain.ProposalQueueEntry, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list queued proposals", errors.New("organization_id is required"))
	}
	entries, err := uc.proposals.ListByStatus(ctx, organizationID, domain.ProposalPending)
	if err != nil {
		return nil, fmt.Errorf("list queued proposals: %w", err)
	}
	if entries == nil {
		entries = []domain.ProposalQueueEntry{}
	}
	return entries, nil
}

// ApproveProposal converts a pending entry into a deal. The deal insert and the
// status change commit together; scoring side effects run afterwards and never
// undo the approval.
func (uc *ProposalQueueUseCase) ApproveProposal(ctx context.Context, id string, req domain.ApproveRequest) (result *domain.ApproveResult, err error) {
	defer func() { uc.observer.ObserveTransition(domain.ActionApprove, err) }()

	entry, err := uc.proposals.GetProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("approve proposal: %w", err)
	}
	if err := domain.CheckTransition(entry.Status, domain.ActionApprove); err != nil {
		return nil, err
	}

	now := uc.now()
	deal := dealFromProposal(entry, now)
	if err := uc.proposals.ApproveWithDeal(ctx, entry.ID, deal, req.ReviewedBy, now); err != nil {
		return nil, fmt.Errorf("approve proposal: %w", err)
	}

	result = &domain.ApproveResult{ProposalID: entry.ID, DealID: deal.ID}
	uc.runAfterCommit(ctx, "approve", entry.ID,
		func(ctx context.Context) error { return uc.seedFromConfidence(ctx, deal.ID, entry.Confidence, result) },
		func(ctx context.Context) error { return uc.recordIntakeEvent(ctx, deal.ID, entry.ID) },
		func(ctx context.Context) error { return uc.replayAttachments(ctx, deal, entry.Attachments, result) },
		func(ctx context.Context) error { return uc.readBackScore(ctx, deal.ID, result) },
	)
	return result, nil
}

func dealFromProposal(entry *domain.ProposalQueueEntry, now time.Time) *domain.Deal {
	founderEmail := entry.FounderEmail
	if founderEmail == "" {
		founderEmail = entry.SenderEmail()
	}
	return &domain.Deal{
		ID:               uuid.NewString(),
		OrganizationID:   entry.OrganizationID,
		CompanyName:      entry.StartupName,
		NormalizedName:   entry.NormalizedName,
		Description:      entry.Description,
		Website:          entry.Website,
		FounderName:      entry.FounderName,
		FounderEmail:     founderEmail,
		Stage:            entry.Stage,
		AskAmount:        entry.AskAmount,
		Status:           domain.DealReviewing,
		SourceProposalID: entry.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// runAfterCommit runs post-commit hooks in order. Failures are logged and the
// remaining hooks still run.
func (uc *ProposalQueueUseCase) runAfterCommit(ctx context.Context, operation, proposalID string, hooks ...func(context.Context) error) {
	for i, hook := range hooks {
		if err := hook(ctx); err != nil {
			uc.logger.Warn("post-commit hook failed",
				"operation", operation,
				"proposal_id", proposalID,
				"hook", i,
				"error", err,
			)
		}
	}
}

func (uc *ProposalQueueUseCase) seedFromConfidence(ctx context.Context, dealID string, confidence float64, result *domain.ApproveResult) error {
	applied, err := uc.scores.SeedBaseScore(ctx, dealID, domain.BasesFromConfidence(confidence), false)
	if err != nil {
		return fmt.Errorf("seed base score: %w", err)
	}
	result.ScoreSeeded = applied
	return nil
}

func (uc *ProposalQueueUseCase) recordIntakeEvent(ctx context.Context, dealID, proposalID string) error {
	_, err := uc.scores.AppendEvent(ctx, domain.ScoreEvent{
		DealID:     dealID,
		Source:     domain.SourceSystem,
		SourceID:   proposalID,
		Category:   domain.CategoryDeal,
		Signal:     intakeSignal,
		Impact:     0,
		Confidence: 1,
		AnalyzedBy: domain.AnalyzedByAI,
	})
	if err != nil {
		return fmt.Errorf("append intake event: %w", err)
	}
	return nil
}

// replayAttachments runs stored attachments through text extraction and
// document analysis. One failing attachment does not stop the others.
func (uc *ProposalQueueUseCase) replayAttachments(ctx context.Context, deal *domain.Deal, attachments []domain.Attachment, result *domain.ApproveResult) error {
	if len(attachments) == 0 || uc.extractor == nil || uc.analyzer == nil {
		return nil
	}
	var errs []error
	for _, attachment := range attachments {
		if err := uc.analyzeAttachment(ctx, deal, attachment); err != nil {
			result.AttachmentsFailed++
			errs = append(errs, fmt.Errorf("attachment %q: %w", attachment.Filename, err))
			continue
		}
		result.AttachmentsProcessed++
	}
	return errors.Join(errs...)
}

func (uc *ProposalQueueUseCase) analyzeAttachment(ctx context.Context, deal *domain.Deal, attachment domain.Attachment) error {
	text, err := uc.extractor.Extract(ctx, attachment)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "extract text", errors.New("empty extracted text"))
	}
	analysis, err := uc.analyzer.AnalyzeDocument(ctx, deal, attachment.Filename, text)
	if err != nil {
		return fmt.Errorf("analyze document: %w", err)
	}
	if analysis.Bases != nil {
		if _, err := uc.scores.SeedBaseScore(ctx, deal.ID, *analysis.Bases, false); err != nil {
			return fmt.Errorf("seed bases from document: %w", err)
		}
	}
	if len(analysis.Signals) == 0 {
		return nil
	}
	signals := make([]domain.ScoreEvent, 0, len(analysis.Signals))
	for _, signal := range analysis.Signals {
		signal.ID = ""
		signal.DealID = deal.ID
		signal.Source = domain.SourceDocument
		signal.SourceID = attachment.StorageKey
		signal.AnalyzedBy = domain.AnalyzedByAI
		signal.CreatedAt = time.Time{}
		signals = append(signals, signal)
	}
	if _, err := uc.scores.AppendEvents(ctx, signals); err != nil {
		return fmt.Errorf("append document signals: %w", err)
	}
	return nil
}

func (uc *ProposalQueueUseCase) readBackScore(ctx context.Context, dealID string, result *domain.ApproveResult) error {
	deal, err := uc.deals.GetDeal(ctx, dealID)
	if err != nil {
		return fmt.Errorf("read back score: %w", err)
	}
	result.Score = deal.CurrentScore
	return nil
}

func (uc *ProposalQueueUseCase) RejectProposal(ctx context.Context, id string, req domain.RejectRequest) (result *domain.RejectResult, err error) {
	defer func() { uc.observer.ObserveTransition(domain.ActionReject, err) }()

	entry, err := uc.proposals.GetProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reject proposal: %w", err)
	}
	if err := domain.CheckTransition(entry.Status, domain.ActionReject); err != nil {
		return nil, err
	}
	return uc.rejectEntry(ctx, entry, rejectOptions{
		reason:     strings.TrimSpace(req.Reason),
		reviewedBy: req.ReviewedBy,
		suppress:   true,
		sendEmail:  req.SendEmail,
	})
}

type rejectOptions struct {
	reason     string
	reviewedBy string
	notes      *string
	suppress   bool
	sendEmail  bool
}

func (uc *ProposalQueueUseCase) rejectEntry(ctx context.Context, entry *domain.ProposalQueueEntry, opts rejectOptions) (*domain.RejectResult, error) {
	now := uc.now()
	patch := domain.ProposalPatch{
		Status:        domain.ProposalRejected,
		ReviewedAt:    &now,
		ReviewedBy:    &opts.reviewedBy,
		ProgressNotes: opts.notes,
	}
	if opts.reason != "" {
		patch.RejectionReason = &opts.reason
	}
	updated, err := uc.proposals.Transition(ctx, entry.ID, domain.ActionReject.AllowedFrom(), patch)
	if err != nil {
		return nil, fmt.Errorf("reject proposal: %w", err)
	}

	result := &domain.RejectResult{ProposalID: updated.ID}
	sender := updated.SenderEmail()
	if opts.suppress && sender != "" {
		err := uc.proposals.UpsertRejectedEmail(ctx, domain.RejectedEmail{
			OrganizationID: updated.OrganizationID,
			EmailAddress:   sender,
			Reason:         opts.reason,
			RejectionCount: 1,
			FirstRejected:  now,
			LastRejected:   now,
		})
		if err != nil {
			uc.logger.Warn("record rejected sender failed", "proposal_id", updated.ID, "error", err)
		} else {
			result.SenderSuppressed = true
		}
	}
	if opts.sendEmail {
		result.EmailSent = uc.notify(ctx, domain.MessageRejection, updated, opts.reason)
	}
	return result, nil
}

func (uc *ProposalQueueUseCase) SnoozeProposal(ctx context.Context, id string, req domain.SnoozeRequest) (result *domain.SnoozeResult, err error) {
	defer func() { uc.observer.ObserveTransition(domain.ActionSnooze, err) }()

	if req.Months < minSnoozeMonths || req.Months > maxSnoozeMonths {
		return nil, domain.WrapError(domain.ErrInvalidInput, "snooze proposal",
			fmt.Errorf("months must be between %d and %d", minSnoozeMonths, maxSnoozeMonths))
	}
	entry, err := uc.proposals.GetProposal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("snooze proposal: %w", err)
	}
	if err := domain.CheckTransition(entry.Status, domain.ActionSnooze); err != nil {
		return nil, err
	}

	now := uc.now()
	until := now.AddDate(0, req.Months, 0)
	patch := domain.ProposalPatch{
		Status:          domain.ProposalSnoozed,
		ReviewedAt:      &now,
		ReviewedBy:      &req.ReviewedBy,
		SnoozedUntil:    &until,
		IncrementSnooze: true,
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		notes := appendNote(entry.ProgressNotes, fmt.Sprintf("SNOOZED %s: %s", now.Format(time.DateOnly), reason))
		patch.ProgressNotes = &notes
	}
	updated, err := uc.proposals.Transition(ctx, entry.ID, domain.ActionSnooze.AllowedFrom(), patch)
	if err != nil {
		return nil, fmt.Errorf("snooze proposal: %w", err)
	}

	result = &domain.SnoozeResult{
		ProposalID:   updated.ID,
		SnoozedUntil: until,
		SnoozeCount:  updated.SnoozeCount,
	}
	if req.SendEmail {
		result.EmailSent = uc.notify(ctx, domain.MessageFollowUp, updated, req.Reason)
	}
	return result, nil
}

// notify composes and sends a founder message. It reports whether the message
// was handed to the mailer; failures are logged only.
func (uc *ProposalQueueUseCase) notify(ctx context.Context, kind domain.MessageKind, entry *domain.ProposalQueueEntry, note string) bool {
	to := entry.SenderEmail()
	if to == "" || uc.composer == nil || uc.mailer == nil {
		uc.logger.Info("founder message skipped", "proposal_id", entry.ID, "kind", kind)
		return false
	}
	msg, err := uc.composer.ComposeMessage(ctx, kind, entry, note)
	if err != nil {
		uc.logger.Warn("compose founder message failed", "proposal_id", entry.ID, "kind", kind, "error", err)
		return false
	}
	if err := uc.mailer.Send(ctx, to, msg); err != nil {
		uc.logger.Warn("send founder message failed", "proposal_id", entry.ID, "kind", kind, "error", err)
		return false
	}
	return true
}

func appendNote(existing, note string) string {
	existing = strings.TrimSpace(existing)
	if existing == "" {
		return note
	}
	return existing + "\n\n" + note
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return defaultAttachmentID
	}
	return base
}
