package domain

import (
	"net/mail"
	"strings"
	"time"
	"unicode"
)

type DealStatus string

const (
	DealReviewing    DealStatus = "reviewing"
	DealDueDiligence DealStatus = "due_diligence"
	DealInvested     DealStatus = "invested"
	DealPassed       DealStatus = "passed"
	DealSnoozed      DealStatus = "snoozed"
)

type Deal struct {
	ID               string          `json:"id"`
	OrganizationID   string          `json:"organization_id"`
	CompanyName      string          `json:"company_name"`
	NormalizedName   string          `json:"-"`
	Description      string          `json:"description,omitempty"`
	Website          string          `json:"website,omitempty"`
	FounderName      string          `json:"founder_name,omitempty"`
	FounderEmail     string          `json:"founder_email,omitempty"`
	Stage            string          `json:"stage,omitempty"`
	AskAmount        *float64        `json:"ask_amount,omitempty"`
	Status           DealStatus      `json:"status"`
	BaseScore        *int            `json:"base_score,omitempty"`
	CurrentScore     *int            `json:"current_score,omitempty"`
	ScoreBreakdown   *ScoreBreakdown `json:"score_breakdown,omitempty"`
	ScoreTrend       Trend           `json:"score_trend,omitempty"`
	ScoreTrendDelta  float64         `json:"score_trend_delta"`
	ScoreUpdatedAt   *time.Time      `json:"score_updated_at,omitempty"`
	SourceProposalID string          `json:"source_proposal_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// EffectiveBaseScore is the stored base score, or the sum of category bases when
// no explicit base score has been recorded.
func (d *Deal) EffectiveBaseScore() float64 {
	if d.BaseScore != nil {
		return float64(*d.BaseScore)
	}
	if d.ScoreBreakdown != nil {
		return d.ScoreBreakdown.BaseSum()
	}
	return 0
}

// NormalizeName lower-cases a company name and collapses everything that is not a
// letter or digit, so "Acme, Inc." and "acme inc" share a dedup key.
func NormalizeName(name string) string {
	var b strings.Builder
	pendingSpace := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			pendingSpace = false
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// NormalizeEmail reduces an RFC 5322 address to its lowercased addr-spec.
// Input the parser rejects falls back to the bracketed part, if any.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if addr, err := mail.ParseAddress(email); err == nil {
		return strings.ToLower(addr.Address)
	}
	if start := strings.LastIndex(email, "<"); start >= 0 {
		if end := strings.LastIndex(email, ">"); end > start {
			email = email[start+1 : end]
		}
	}
	return strings.ToLower(strings.TrimSpace(email))
}
