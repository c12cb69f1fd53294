package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

type queueFixture struct {
	clock     *testClock
	deals     *memDealStore
	events    *memEventStore
	proposals *memProposalStore
	storage   *memStorage
	analyzer  *analyzerFake
	composer  *composerFake
	mailer    *mailerFake
	scores    *ScoreUseCase
	queue     *ProposalQueueUseCase
}

func newQueueFixture() *queueFixture {
	f := &queueFixture{
		clock:    &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		deals:    newMemDealStore(),
		events:   &memEventStore{},
		storage:  newMemStorage(),
		analyzer: &analyzerFake{},
		composer: &composerFake{},
		mailer:   &mailerFake{},
	}
	f.proposals = newMemProposalStore(f.deals, f.clock.Now)
	policy := domain.DefaultScoringPolicy()
	f.scores = NewScoreUseCase(f.deals, f.events, &memAlertStore{}, nil, policy, ScoreOptions{Now: f.clock.Now})
	f.queue = NewProposalQueueUseCase(f.proposals, f.deals, f.scores, policy, ProposalQueueOptions{
		Storage:   f.storage,
		Extractor: &storageExtractorFake{storage: f.storage},
		Analyzer:  f.analyzer,
		Composer:  f.composer,
		Mailer:    f.mailer,
		Now:       f.clock.Now,
	})
	return f
}

func candidate(messageID, startup string, confidence float64) domain.ProposalCandidate {
	return domain.ProposalCandidate{
		OrganizationID: "org-1",
		EmailMessageID: messageID,
		EmailSubject:   "Pitch: " + startup,
		EmailFrom:      "Founder <founder@" + strings.ToLower(strings.ReplaceAll(startup, " ", "")) + ".io>",
		EmailBody:      "We are raising a seed round.",
		Extraction: domain.Extraction{
			StartupName: startup,
			Description: "Robotics for warehouses",
			Stage:       "seed",
			Confidence:  confidence,
		},
	}
}

func (f *queueFixture) intake(t *testing.T, c domain.ProposalCandidate) *domain.IntakeResult {
	t.Helper()
	result, err := f.queue.Intake(context.Background(), c)
	if err != nil {
		t.Fatalf("Intake() error = %v", err)
	}
	return result
}

func TestIntakeQueuesAndStoresAttachments(t *testing.T) {
	f := newQueueFixture()
	c := candidate("msg-1", "Acme Robotics", 80)
	c.Attachments = []domain.AttachmentPayload{{Filename: "deck v2.pdf", MimeType: "application/pdf", Data: []byte("deck")}}

	result := f.intake(t, c)
	if result.Outcome != domain.IntakeQueued || result.Entry == nil {
		t.Fatalf("expected queued entry, got %+v", result)
	}
	entry := result.Entry
	if entry.Status != domain.ProposalPending || entry.NormalizedName != "acme robotics" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Extraction.Version != domain.ExtractionVersion {
		t.Fatalf("expected extraction version stamped, got %d", entry.Extraction.Version)
	}
	if len(entry.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %+v", entry.Attachments)
	}
	key := entry.Attachments[0].StorageKey
	if !strings.HasPrefix(key, "proposals/"+entry.ID+"/") || !strings.HasSuffix(key, "deck_v2.pdf") {
		t.Fatalf("unexpected storage key %q", key)
	}
	if string(f.storage.objects[key]) != "deck" {
		t.Fatalf("attachment bytes not stored")
	}
}

func TestIntakeDeduplicatesByMessageID(t *testing.T) {
	f := newQueueFixture()
	first := f.intake(t, candidate("msg-1", "Acme Robotics", 80))
	second := f.intake(t, candidate("msg-1", "Acme Robotics", 80))

	if first.Outcome != domain.IntakeQueued {
		t.Fatalf("expected first intake queued, got %s", first.Outcome)
	}
	if second.Outcome != domain.IntakeDuplicateMessage {
		t.Fatalf("expected duplicate message, got %s", second.Outcome)
	}
	entries, _ := f.queue.GetQueuedProposals(context.Background(), "org-1")
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
}

func TestIntakeSkips(t *testing.T) {
	f := newQueueFixture()
	ctx := context.Background()

	if got := f.intake(t, candidate("msg-low", "Low Co", 59)).Outcome; got != domain.IntakeLowConfidence {
		t.Fatalf("expected low confidence skip, got %s", got)
	}

	_ = f.proposals.UpsertRejectedEmail(ctx, domain.RejectedEmail{OrganizationID: "org-1", EmailAddress: "founder@blocked.io"})
	if got := f.intake(t, candidate("msg-blocked", "Blocked", 90)).Outcome; got != domain.IntakeSuppressedSender {
		t.Fatalf("expected suppressed sender, got %s", got)
	}

	f.intake(t, candidate("msg-a", "Acme Robotics", 80))
	dup := candidate("msg-b", "ACME robotics!", 80)
	dup.EmailFrom = "someone@else.io"
	if got := f.intake(t, dup).Outcome; got != domain.IntakeDuplicateName {
		t.Fatalf("expected duplicate name, got %s", got)
	}

	_ = f.deals.create(&domain.Deal{ID: "d-1", OrganizationID: "org-1", NormalizedName: "existing co"})
	if got := f.intake(t, candidate("msg-c", "Existing Co", 80)).Outcome; got != domain.IntakeDuplicateName {
		t.Fatalf("expected duplicate name against deal, got %s", got)
	}

	other := candidate("msg-d", "Existing Co", 80)
	other.OrganizationID = "org-2"
	if got := f.intake(t, other).Outcome; got != domain.IntakeQueued {
		t.Fatalf("expected other organization to be admitted, got %s", got)
	}
}

func TestIntakeValidatesCandidate(t *testing.T) {
	f := newQueueFixture()
	bad := []domain.ProposalCandidate{
		{EmailMessageID: "m", Extraction: domain.Extraction{StartupName: "A", Confidence: 80}},
		{OrganizationID: "o", Extraction: domain.Extraction{StartupName: "A", Confidence: 80}},
		{OrganizationID: "o", EmailMessageID: "m", Extraction: domain.Extraction{StartupName: " ,, ", Confidence: 80}},
		{OrganizationID: "o", EmailMessageID: "m", Extraction: domain.Extraction{StartupName: "A", Confidence: 180}},
	}
	for i, c := range bad {
		if _, err := f.queue.Intake(context.Background(), c); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}

func TestApproveCreatesDealAndSeedsScore(t *testing.T) {
	f := newQueueFixture()
	c := candidate("msg-1", "Acme Robotics", 80)
	c.Attachments = []domain.AttachmentPayload{{Filename: "deck.txt", MimeType: "text/plain", Data: []byte("ARR grew 3x")}}
	entry := f.intake(t, c).Entry
	f.analyzer.analysis = domain.DocumentAnalysis{
		Bases: &domain.CategoryBases{Team: 5},
		Signals: []domain.ScoreEvent{{
			Category: domain.CategoryTraction, Signal: "ARR tripled", Impact: 4, Confidence: 1,
		}},
	}

	result, err := f.queue.ApproveProposal(context.Background(), entry.ID, domain.ApproveRequest{ReviewedBy: "partner@fund.vc"})
	if err != nil {
		t.Fatalf("ApproveProposal() error = %v", err)
	}
	if result.DealID == "" || !result.ScoreSeeded {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.AttachmentsProcessed != 1 || result.AttachmentsFailed != 0 {
		t.Fatalf("unexpected attachment counts: %+v", result)
	}
	if result.Score == nil || *result.Score != 84 {
		t.Fatalf("expected score 84, got %v", result.Score)
	}

	deal, err := f.deals.GetDeal(context.Background(), result.DealID)
	if err != nil {
		t.Fatalf("deal not created: %v", err)
	}
	if deal.SourceProposalID != entry.ID || deal.Status != domain.DealReviewing || deal.CompanyName != "Acme Robotics" {
		t.Fatalf("unexpected deal: %+v", deal)
	}
	if deal.BaseScore == nil || *deal.BaseScore != 80 {
		t.Fatalf("expected write-once base 80, got %v", deal.BaseScore)
	}
	if deal.ScoreBreakdown.Team.Base != 20 {
		t.Fatalf("expected team base 20, got %v", deal.ScoreBreakdown.Team.Base)
	}

	stored := f.proposals.get(entry.ID)
	if stored.Status != domain.ProposalApproved || stored.CreatedDealID != result.DealID || stored.ReviewedBy != "partner@fund.vc" {
		t.Fatalf("unexpected stored entry: %+v", stored)
	}

	events, _ := f.events.ListEvents(context.Background(), result.DealID)
	if len(events) != 2 {
		t.Fatalf("expected intake and document events, got %+v", events)
	}
	if events[0].Source != domain.SourceSystem || events[0].Impact != 0 {
		t.Fatalf("expected neutral system intake event first, got %+v", events[0])
	}
	if events[1].Source != domain.SourceDocument || events[1].SourceID != entry.Attachments[0].StorageKey {
		t.Fatalf("unexpected document event: %+v", events[1])
	}
}

func TestApproveTwiceFailsWithoutSecondDeal(t *testing.T) {
	f := newQueueFixture()
	entry := f.intake(t, candidate("msg-1", "Acme Robotics", 80)).Entry

	if _, err := f.queue.ApproveProposal(context.Background(), entry.ID, domain.ApproveRequest{ReviewedBy: "a"}); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	_, err := f.queue.ApproveProposal(context.Background(), entry.ID, domain.ApproveRequest{ReviewedBy: "b"})
	if !errors.Is(err, domain.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	if f.deals.count() != 1 {
		t.Fatalf("expected one deal, got %d", f.deals.count())
	}
}

func TestConcurrentApproveCreatesOneDeal(t *testing.T) {
	f := newQueueFixture()
	entry := f.intake(t, candidate("msg-1", "Acme Robotics", 80)).Entry

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.queue.ApproveProposal(context.Background(), entry.ID, domain.ApproveRequest{ReviewedBy: "r"})
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrAlreadyProcessed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || f.deals.count() != 1 {
		t.Fatalf("expected one winner and one deal, got wins=%d deals=%d", wins, f.deals.count())
	}
}

func TestApproveSurvivesAttachmentFailure(t *testing.T) {
	f := newQueueFixture()
	c := candidate("msg-1", "Acme Robotics", 70)
	c.Attachments = []domain.AttachmentPayload{{Filename: "deck.txt", Data: []byte("text")}}
	entry := f.intake(t, c).Entry
	f.analyzer.err = errors.New("model offline")

	result, err := f.queue.ApproveProposal(context.Background(), entry.ID, domain.ApproveRequest{ReviewedBy: "r"})
	if err != nil {
		t.Fatalf("ApproveProposal() error = %v", err)
	}
	if result.AttachmentsFailed != 1 || result.AttachmentsProcessed != 0 {
		t.Fatalf("unexpected attachment counts: %+v", result)
	}
	if result.Score == nil || *result.Score != 70 {
		t.Fatalf("expected seeded score 70, got %v", result.Score)
	}
}

func TestApproveSnoozedIsInvalidTransition(t *testing.T) {
	f := newQueueFixture()
	entry := f.intake(t, candidate("msg-1", "Acme Robotics", 80)).Entry
	if _, err := f.queue.SnoozeProposal(context.Background(), entry.ID, domain.SnoozeRequest{Months: 3, ReviewedBy: "r"}); err != nil {
		t.Fatalf("snooze: %v", err)
	}
	_, err := f.queue.ApproveProposal(context.Background(), entry.ID, domain.ApproveRequest{ReviewedBy: "r"})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := f.queue.ApproveProposal(context.Background(), "missing", domain.ApproveRequest{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectSuppressesSenderAndSendsEmail(t *testing.T) {
	f := newQueueFixture()
	entry := f.intake(t, candidate("msg-1", "Acme Robotics", 80)).Entry

	result, err := f.queue.RejectProposal(context.Background(), entry.ID, domain.RejectRequest{
		Reason: "outside thesis", ReviewedBy: "partner", SendEmail: true,
	})
	if err != nil {
		t.Fatalf("RejectProposal() error = %v", err)
	}
	if !result.SenderSuppressed || !result.EmailSent {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(f.mailer.sent) != 1 || f.mailer.sent[0] != "founder@acmerobotics.io" {
		t.Fatalf("unexpected mail: %v", f.mailer.sent)
	}
	stored := f.proposals.get(entry.ID)
	if stored.Status != domain.ProposalRejected || stored.RejectionReason != "outside thesis" {
		t.Fatalf("unexpected stored entry: %+v", stored)
	}

	next := candidate("msg-2", "Acme Robotics Two", 90)
	next.EmailFrom = "founder@acmerobotics.io"
	if got := f.intake(t, next).Outcome; got != domain.IntakeSuppressedSender {
		t.Fatalf("expected later mail suppressed, got %s", got)
	}

	if _, err := f.queue.RejectProposal(context.Background(), entry.ID, domain.RejectRequest{}); !errors.Is(err, domain.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
}

func TestRejectEmailFailureIsBestEffort(t *testing.T) {
	f := newQueueFixture()
	f.mailer.err = errors.New("smtp down")
	entry := f.intake(t, candidate("msg-1", "Acme Robotics", 80)).Entry

	result, err := f.queue.RejectProposal(context.Background(), entry.ID, domain.RejectRequest{SendEmail: true})
	if err != nil {
		t.Fatalf("RejectProposal() error = %v", err)
	}
	if result.EmailSent {
		t.Fatal("expected email_sent=false")
	}
	if f.proposals.get(entry.ID).Status != domain.ProposalRejected {
		t.Fatal("expected rejection committed")
	}
}

func TestSnoozeIncrementsCountAndDeadline(t *testing.T) {
	f := newQueueFixture()
	entry := f.intake(t, candidate("msg-1", "Acme Robotics", 80)).Entry
	ctx := context.Background()

	for _, months := range []int{0, 25} {
		if _, err := f.queue.SnoozeProposal(ctx, entry.ID, domain.SnoozeRequest{Months: months}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("months=%d: expected invalid input, got %v", months, err)
		}
	}

	first, err := f.queue.SnoozeProposal(ctx, entry.ID, domain.SnoozeRequest{Months: 3, Reason: "too early", SendEmail: true})
	if err != nil {
		t.Fatalf("first snooze: %v", err)
	}
	if first.SnoozeCount != 1 || !first.SnoozedUntil.Equal(f.clock.Now().AddDate(0, 3, 0)) || !first.EmailSent {
		t.Fatalf("unexpected first snooze: %+v", first)
	}
	if f.composer.kinds[0] != domain.MessageFollowUp {
		t.Fatalf("expected follow-up message, got %v", f.composer.kinds)
	}

	second, err := f.queue.SnoozeProposal(ctx, entry.ID, domain.SnoozeRequest{Months: 6})
	if err != nil {
		t.Fatalf("second snooze: %v", err)
	}
	if second.SnoozeCount != 2 {
		t.Fatalf("expected snooze count 2, got %d", second.SnoozeCount)
	}
	stored := f.proposals.get(entry.ID)
	if stored.Status != domain.ProposalSnoozed || !strings.Contains(stored.ProgressNotes, "too early") {
		t.Fatalf("unexpected stored entry: %+v", stored)
	}
}
