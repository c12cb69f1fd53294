package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

type memDealStore struct {
	mu      sync.Mutex
	deals   map[string]*domain.Deal
	saveErr error
	onGet   func()
}

func newMemDealStore(deals ...*domain.Deal) *memDealStore {
	store := &memDealStore{deals: make(map[string]*domain.Deal)}
	for _, deal := range deals {
		store.deals[deal.ID] = deal
	}
	return store
}

func (s *memDealStore) GetDeal(_ context.Context, id string) (*domain.Deal, error) {
	s.mu.Lock()
	deal, ok := s.deals[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrDealNotFound
	}
	copyDeal := *deal
	hook := s.onGet
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &copyDeal, nil
}

func (s *memDealStore) SaveScore(_ context.Context, dealID string, snapshot domain.ScoreSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	deal, ok := s.deals[dealID]
	if !ok {
		return domain.ErrDealNotFound
	}
	score := snapshot.Score
	breakdown := snapshot.Breakdown
	at := snapshot.ComputedAt
	deal.CurrentScore = &score
	deal.ScoreBreakdown = &breakdown
	deal.ScoreTrend = snapshot.Trend
	deal.ScoreTrendDelta = snapshot.TrendDelta
	deal.ScoreUpdatedAt = &at
	return nil
}

func (s *memDealStore) SeedBase(_ context.Context, dealID string, baseScore int, bases domain.CategoryBases, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.deals[dealID]
	if !ok {
		return false, domain.ErrDealNotFound
	}
	if !force && deal.BaseScore != nil {
		return false, nil
	}
	seeded := bases.Breakdown()
	if deal.ScoreBreakdown != nil {
		for _, c := range domain.WeightedCategories() {
			seeded.Weighted(c).Adjusted = deal.ScoreBreakdown.Weighted(c).Adjusted
		}
	}
	deal.BaseScore = &baseScore
	deal.ScoreBreakdown = &seeded
	return true, nil
}

func (s *memDealStore) ExistsByNormalizedName(_ context.Context, organizationID, normalizedName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, deal := range s.deals {
		if deal.OrganizationID == organizationID && deal.NormalizedName == normalizedName {
			return true, nil
		}
	}
	return false, nil
}

func (s *memDealStore) create(deal *domain.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deals[deal.ID]; exists {
		return domain.ErrConflict
	}
	copyDeal := *deal
	s.deals[deal.ID] = &copyDeal
	return nil
}

func (s *memDealStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deals)
}

type memEventStore struct {
	mu        sync.Mutex
	events    []domain.ScoreEvent
	appendErr error
}

func (s *memEventStore) AppendEvents(_ context.Context, events []domain.ScoreEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *memEventStore) ListEvents(_ context.Context, dealID string) ([]domain.ScoreEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScoreEvent
	for _, event := range s.events {
		if event.DealID == dealID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (s *memEventStore) QueryEvents(ctx context.Context, dealID string, query domain.EventQuery) ([]domain.ScoreEvent, int, error) {
	all, _ := s.ListEvents(ctx, dealID)
	var filtered []domain.ScoreEvent
	for _, event := range all {
		if query.Category == "" || event.Category == query.Category {
			filtered = append(filtered, event)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].CreatedAt.After(filtered[j].CreatedAt) })
	total := len(filtered)
	if query.Offset >= total {
		return nil, total, nil
	}
	end := query.Offset + query.Limit
	if end > total {
		end = total
	}
	return filtered[query.Offset:end], total, nil
}

type memAlertStore struct {
	mu        sync.Mutex
	alerts    []domain.ScoreAlert
	insertErr error
}

func (s *memAlertStore) InsertAlerts(_ context.Context, alerts []domain.ScoreAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.alerts = append(s.alerts, alerts...)
	return nil
}

func (s *memAlertStore) ListAlerts(_ context.Context, dealID string, limit int) ([]domain.ScoreAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScoreAlert
	for _, alert := range s.alerts {
		if alert.DealID == dealID && len(out) < limit {
			out = append(out, alert)
		}
	}
	return out, nil
}

type memProposalStore struct {
	mu       sync.Mutex
	entries  map[string]*domain.ProposalQueueEntry
	rejected map[string]domain.RejectedEmail
	deals    *memDealStore
	now      func() time.Time
}

func newMemProposalStore(deals *memDealStore, now func() time.Time) *memProposalStore {
	return &memProposalStore{
		entries:  make(map[string]*domain.ProposalQueueEntry),
		rejected: make(map[string]domain.RejectedEmail),
		deals:    deals,
		now:      now,
	}
}

func (s *memProposalStore) put(entry domain.ProposalQueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = &entry
}

func (s *memProposalStore) get(id string) domain.ProposalQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

func (s *memProposalStore) CreateProposal(_ context.Context, entry *domain.ProposalQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.EmailMessageID == entry.EmailMessageID {
			return domain.WrapError(domain.ErrConflict, "create proposal", errors.New("duplicate message id"))
		}
	}
	copyEntry := *entry
	s.entries[entry.ID] = &copyEntry
	return nil
}

func (s *memProposalStore) GetProposal(_ context.Context, id string) (*domain.ProposalQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, domain.ErrProposalNotFound
	}
	copyEntry := *entry
	return &copyEntry, nil
}

func (s *memProposalStore) ExistsByMessageID(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.EmailMessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memProposalStore) ExistsByNormalizedName(_ context.Context, organizationID, normalizedName, exceptSender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.OrganizationID != organizationID || entry.NormalizedName != normalizedName {
			continue
		}
		if exceptSender != "" && entry.Status == domain.ProposalSnoozed && entry.SenderEmail() == exceptSender {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (s *memProposalStore) ListByStatus(_ context.Context, organizationID string, status domain.ProposalStatus) ([]domain.ProposalQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProposalQueueEntry
	for _, entry := range s.entries {
		if entry.OrganizationID == organizationID && entry.Status == status {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memProposalStore) ListPendingFromSender(_ context.Context, organizationID, sender string, after time.Time) ([]domain.ProposalQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProposalQueueEntry
	for _, entry := range s.entries {
		if entry.OrganizationID == organizationID && entry.Status == domain.ProposalPending &&
			entry.SenderEmail() == sender && entry.CreatedAt.After(after) {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (s *memProposalStore) Transition(_ context.Context, id string, from []domain.ProposalStatus, patch domain.ProposalPatch) (*domain.ProposalQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, domain.ErrProposalNotFound
	}
	allowed := false
	for _, status := range from {
		if entry.Status == status {
			allowed = true
		}
	}
	if !allowed {
		if entry.Status.Terminal() {
			return nil, domain.ErrAlreadyProcessed
		}
		return nil, domain.ErrInvalidTransition
	}
	entry.Status = patch.Status
	if patch.ReviewedAt != nil {
		entry.ReviewedAt = patch.ReviewedAt
	}
	if patch.ReviewedBy != nil {
		entry.ReviewedBy = *patch.ReviewedBy
	}
	if patch.RejectionReason != nil {
		entry.RejectionReason = *patch.RejectionReason
	}
	if patch.SnoozedUntil != nil {
		entry.SnoozedUntil = patch.SnoozedUntil
	}
	if patch.IncrementSnooze {
		entry.SnoozeCount++
	}
	if patch.ProgressNotes != nil {
		entry.ProgressNotes = *patch.ProgressNotes
	}
	if patch.CreatedDealID != nil {
		entry.CreatedDealID = *patch.CreatedDealID
	}
	entry.UpdatedAt = s.now()
	copyEntry := *entry
	return &copyEntry, nil
}

func (s *memProposalStore) ApproveWithDeal(_ context.Context, id string, deal *domain.Deal, reviewedBy string, reviewedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return domain.ErrProposalNotFound
	}
	if err := domain.CheckTransition(entry.Status, domain.ActionApprove); err != nil {
		return err
	}
	if err := s.deals.create(deal); err != nil {
		return err
	}
	entry.Status = domain.ProposalApproved
	entry.ReviewedAt = &reviewedAt
	entry.ReviewedBy = reviewedBy
	entry.CreatedDealID = deal.ID
	return nil
}

func (s *memProposalStore) UpsertRejectedEmail(_ context.Context, rejected domain.RejectedEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rejected.OrganizationID + "|" + rejected.EmailAddress
	if existing, ok := s.rejected[key]; ok {
		rejected.RejectionCount = existing.RejectionCount + 1
		rejected.FirstRejected = existing.FirstRejected
	}
	s.rejected[key] = rejected
	return nil
}

func (s *memProposalStore) IsSenderRejected(_ context.Context, organizationID, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rejected[organizationID+"|"+email]
	return ok, nil
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = raw
	return nil
}

func (s *memStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

type storageExtractorFake struct {
	storage *memStorage
	err     error
}

func (f *storageExtractorFake) Extract(ctx context.Context, attachment domain.Attachment) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	rc, err := f.storage.Open(ctx, attachment.StorageKey)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	return string(raw), err
}

type analyzerFake struct {
	analysis domain.DocumentAnalysis
	err      error
	calls    int
}

func (f *analyzerFake) AnalyzeDocument(context.Context, *domain.Deal, string, string) (domain.DocumentAnalysis, error) {
	f.calls++
	return f.analysis, f.err
}

type composerFake struct {
	err   error
	kinds []domain.MessageKind
}

func (f *composerFake) ComposeMessage(_ context.Context, kind domain.MessageKind, entry *domain.ProposalQueueEntry, _ string) (domain.ComposedMessage, error) {
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return domain.ComposedMessage{}, f.err
	}
	return domain.ComposedMessage{Subject: "Re: " + entry.StartupName, Body: "Thanks"}, nil
}

type mailerFake struct {
	err  error
	sent []string
}

func (f *mailerFake) Send(_ context.Context, to string, _ domain.ComposedMessage) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to)
	return nil
}

type evaluatorFake struct {
	evaluations map[string]domain.SnoozeEvaluation
	errs        map[string]error
	inputs      []domain.SnoozeEvaluationInput
}

func (f *evaluatorFake) EvaluateSnoozed(_ context.Context, input domain.SnoozeEvaluationInput) (domain.SnoozeEvaluation, error) {
	f.inputs = append(f.inputs, input)
	if err := f.errs[input.Original.ID]; err != nil {
		return domain.SnoozeEvaluation{}, err
	}
	return f.evaluations[input.Original.ID], nil
}

type publisherFake struct {
	mu        sync.Mutex
	published []domain.ScoreAlert
}

func (f *publisherFake) PublishAlerts(_ context.Context, alerts []domain.ScoreAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, alerts...)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func intPtr(v int) *int { return &v }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
