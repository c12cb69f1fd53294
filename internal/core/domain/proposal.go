package domain

import (
	"strings"
	"time"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalSnoozed  ProposalStatus = "snoozed"
)

func (s ProposalStatus) Terminal() bool {
	return s == ProposalApproved || s == ProposalRejected
}

type ProposalAction string

const (
	ActionApprove    ProposalAction = "approve"
	ActionReject     ProposalAction = "reject"
	ActionSnooze     ProposalAction = "snooze"
	ActionReactivate ProposalAction = "reactivate"
)

// AllowedFrom lists the statuses an action may start from.
func (a ProposalAction) AllowedFrom() []ProposalStatus {
	switch a {
	case ActionApprove:
		return []ProposalStatus{ProposalPending}
	case ActionReject, ActionSnooze:
		return []ProposalStatus{ProposalPending, ProposalSnoozed}
	case ActionReactivate:
		return []ProposalStatus{ProposalSnoozed}
	}
	return nil
}

func (a ProposalAction) Target() ProposalStatus {
	switch a {
	case ActionApprove:
		return ProposalApproved
	case ActionReject:
		return ProposalRejected
	case ActionSnooze:
		return ProposalSnoozed
	case ActionReactivate:
		return ProposalPending
	}
	return ""
}

// CheckTransition reports whether action may run from the current status.
func CheckTransition(current ProposalStatus, action ProposalAction) error {
	if current.Terminal() {
		return WrapError(ErrAlreadyProcessed, string(action), errStatus(current))
	}
	for _, allowed := range action.AllowedFrom() {
		if current == allowed {
			return nil
		}
	}
	return WrapError(ErrInvalidTransition, string(action), errStatus(current))
}

type statusError ProposalStatus

func (e statusError) Error() string { return "proposal is " + string(e) }

func errStatus(s ProposalStatus) error { return statusError(s) }

const ExtractionVersion = 1

// Extraction is the structured output of the AI extraction step. All fields
// except StartupName are optional; older payloads decode with zero values.
type Extraction struct {
	Version      int      `json:"version"`
	StartupName  string   `json:"startup_name"`
	Description  string   `json:"description,omitempty"`
	Website      string   `json:"website,omitempty"`
	FounderName  string   `json:"founder_name,omitempty"`
	FounderEmail string   `json:"founder_email,omitempty"`
	AskAmount    *float64 `json:"ask_amount,omitempty"`
	Stage        string   `json:"stage,omitempty"`
	Industry     string   `json:"industry,omitempty"`
	Location     string   `json:"location,omitempty"`
	KeyMetrics   []string `json:"key_metrics,omitempty"`
	Highlights   []string `json:"highlights,omitempty"`
	Concerns     []string `json:"concerns,omitempty"`
	Confidence   float64  `json:"confidence"` // 0-100
}

type Attachment struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	StorageKey string `json:"storage_key"`
	Size       int64  `json:"size"`
}

// AttachmentPayload carries attachment bytes at intake, before they are stored.
type AttachmentPayload struct {
	Filename string
	MimeType string
	Data     []byte
}

type ProposalQueueEntry struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id"`
	EmailMessageID  string         `json:"email_message_id"`
	EmailSubject    string         `json:"email_subject,omitempty"`
	EmailFrom       string         `json:"email_from,omitempty"`
	EmailBody       string         `json:"email_body,omitempty"`
	EmailDate       *time.Time     `json:"email_date,omitempty"`
	StartupName     string         `json:"startup_name"`
	NormalizedName  string         `json:"normalized_name"`
	Description     string         `json:"description,omitempty"`
	Website         string         `json:"website,omitempty"`
	FounderName     string         `json:"founder_name,omitempty"`
	FounderEmail    string         `json:"founder_email,omitempty"`
	AskAmount       *float64       `json:"ask_amount,omitempty"`
	Stage           string         `json:"stage,omitempty"`
	Extraction      Extraction     `json:"extraction"`
	Confidence      float64        `json:"confidence"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	Status          ProposalStatus `json:"status"`
	ReviewedAt      *time.Time     `json:"reviewed_at,omitempty"`
	ReviewedBy      string         `json:"reviewed_by,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	SnoozedUntil    *time.Time     `json:"snoozed_until,omitempty"`
	SnoozeCount     int            `json:"snooze_count"`
	ProgressNotes   string         `json:"progress_notes,omitempty"`
	CreatedDealID   string         `json:"created_deal_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// SenderEmail is the normalized address correspondence came from, falling back
// to the extracted founder address.
func (p *ProposalQueueEntry) SenderEmail() string {
	if sender := NormalizeEmail(p.EmailFrom); strings.Contains(sender, "@") {
		return sender
	}
	if founder := NormalizeEmail(p.FounderEmail); strings.Contains(founder, "@") {
		return founder
	}
	return ""
}

// LastReviewedAt is the reference point for "newer correspondence".
func (p *ProposalQueueEntry) LastReviewedAt() time.Time {
	if p.ReviewedAt != nil {
		return *p.ReviewedAt
	}
	return p.UpdatedAt
}

// ProposalCandidate is an extraction handed to intake by the mailbox pipeline.
type ProposalCandidate struct {
	OrganizationID string
	EmailMessageID string
	EmailSubject   string
	EmailFrom      string
	EmailBody      string
	EmailDate      *time.Time
	Extraction     Extraction
	Attachments    []AttachmentPayload
}

type IntakeOutcome string

const (
	IntakeQueued           IntakeOutcome = "queued"
	IntakeLowConfidence    IntakeOutcome = "skipped_low_confidence"
	IntakeDuplicateMessage IntakeOutcome = "duplicate_message"
	IntakeDuplicateName    IntakeOutcome = "duplicate_name"
	IntakeSuppressedSender IntakeOutcome = "suppressed_sender"
)

type IntakeResult struct {
	Outcome IntakeOutcome       `json:"outcome"`
	Entry   *ProposalQueueEntry `json:"entry,omitempty"`
}

// ProposalPatch is applied atomically together with a status change.
type ProposalPatch struct {
	Status          ProposalStatus
	ReviewedAt      *time.Time
	ReviewedBy      *string
	RejectionReason *string
	SnoozedUntil    *time.Time
	IncrementSnooze bool
	ProgressNotes   *string
	CreatedDealID   *string
}

type RejectedEmail struct {
	OrganizationID string    `json:"organization_id"`
	EmailAddress   string    `json:"email_address"`
	Reason         string    `json:"reason,omitempty"`
	RejectionCount int       `json:"rejection_count"`
	FirstRejected  time.Time `json:"first_rejected_at"`
	LastRejected   time.Time `json:"last_rejected_at"`
}

type ApproveRequest struct {
	ReviewedBy string `json:"reviewed_by"`
}

type ApproveResult struct {
	ProposalID           string `json:"proposal_id"`
	DealID               string `json:"deal_id"`
	ScoreSeeded          bool   `json:"score_seeded"`
	AttachmentsProcessed int    `json:"attachments_processed"`
	AttachmentsFailed    int    `json:"attachments_failed"`
	Score                *int   `json:"score,omitempty"`
}

type RejectRequest struct {
	Reason     string `json:"reason,omitempty"`
	ReviewedBy string `json:"reviewed_by"`
	SendEmail  bool   `json:"send_email"`
}

type RejectResult struct {
	ProposalID       string `json:"proposal_id"`
	SenderSuppressed bool   `json:"sender_suppressed"`
	EmailSent        bool   `json:"email_sent"`
}

type SnoozeRequest struct {
	Months     int    `json:"months"`
	Reason     string `json:"reason,omitempty"`
	ReviewedBy string `json:"reviewed_by"`
	SendEmail  bool   `json:"send_email"`
}

type SnoozeResult struct {
	ProposalID   string    `json:"proposal_id"`
	SnoozedUntil time.Time `json:"snoozed_until"`
	SnoozeCount  int       `json:"snooze_count"`
	EmailSent    bool      `json:"email_sent"`
}

type SnoozeRecommendation string

const (
	RecommendReactivate  SnoozeRecommendation = "reactivate"
	RecommendReject      SnoozeRecommendation = "reject"
	RecommendKeepSnoozed SnoozeRecommendation = "keep_snoozed"
)

func (r SnoozeRecommendation) Valid() bool {
	switch r {
	case RecommendReactivate, RecommendReject, RecommendKeepSnoozed:
		return true
	}
	return false
}

type Correspondence struct {
	ProposalID string     `json:"proposal_id"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body,omitempty"`
	Extraction Extraction `json:"extraction"`
	ReceivedAt time.Time  `json:"received_at"`
}

type SnoozeEvaluationInput struct {
	Original       ProposalQueueEntry `json:"original"`
	Correspondence []Correspondence   `json:"correspondence"`
}

type SnoozeEvaluation struct {
	Recommendation  SnoozeRecommendation `json:"recommendation"`
	ProgressSummary string               `json:"progress_summary"`
	KeyChanges      []string             `json:"key_changes"`
}

type SnoozeCheckResult struct {
	OrganizationID string `json:"organization_id"`
	Checked        int    `json:"checked"`
	Skipped        int    `json:"skipped"`
	Reactivated    int    `json:"reactivated"`
	Rejected       int    `json:"rejected"`
	KeptSnoozed    int    `json:"kept_snoozed"`
	Merged         int    `json:"merged"`
	Failed         int    `json:"failed"`
}

// ComposedMessage is an outbound message drafted by the AI collaborator.
type ComposedMessage struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type MessageKind string

const (
	MessageRejection MessageKind = "rejection"
	MessageFollowUp  MessageKind = "follow_up"
)
