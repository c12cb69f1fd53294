package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type EventSource string

const (
	SourceDocument EventSource = "document"
	SourceEmail    EventSource = "email"
	SourceMeeting  EventSource = "meeting"
	SourceResearch EventSource = "research"
	SourceManual   EventSource = "manual"
	SourceSystem   EventSource = "system"
)

func (s EventSource) Valid() bool {
	switch s {
	case SourceDocument, SourceEmail, SourceMeeting, SourceResearch, SourceManual, SourceSystem:
		return true
	}
	return false
}

// Category is the closed set of signal categories. Every switch over it must be
// exhaustive; see .golangci.yml.
type Category string

const (
	CategoryTeam          Category = "team"
	CategoryMarket        Category = "market"
	CategoryProduct       Category = "product"
	CategoryTraction      Category = "traction"
	CategoryDeal          Category = "deal"
	CategoryCommunication Category = "communication"
	CategoryMomentum      Category = "momentum"
	CategoryRedFlag       Category = "red_flag"
)

func AllCategories() []Category {
	return []Category{
		CategoryTeam, CategoryMarket, CategoryProduct, CategoryTraction, CategoryDeal,
		CategoryCommunication, CategoryMomentum, CategoryRedFlag,
	}
}

// WeightedCategories are the categories carrying a base score, in seed order.
func WeightedCategories() []Category {
	return []Category{CategoryTeam, CategoryMarket, CategoryProduct, CategoryTraction, CategoryDeal}
}

func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// MaxWeight is the share of the 0-100 scale a weighted category can hold as base.
// Scalar categories return 0.
func (c Category) MaxWeight() float64 {
	switch c {
	case CategoryTeam, CategoryMarket:
		return 25
	case CategoryProduct, CategoryTraction:
		return 20
	case CategoryDeal:
		return 10
	case CategoryCommunication, CategoryMomentum, CategoryRedFlag:
		return 0
	}
	return 0
}

type AnalyzedBy string

const (
	AnalyzedByAI   AnalyzedBy = "ai"
	AnalyzedByUser AnalyzedBy = "user"
)

type ScoreEvent struct {
	ID         string      `json:"id"`
	DealID     string      `json:"deal_id"`
	Source     EventSource `json:"source"`
	SourceID   string      `json:"source_id,omitempty"`
	Category   Category    `json:"category"`
	Signal     string      `json:"signal"`
	Impact     float64     `json:"impact"`
	Confidence float64     `json:"confidence"`
	Evidence   string      `json:"evidence,omitempty"`
	AnalyzedBy AnalyzedBy  `json:"analyzed_by"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Normalize fills defaults and validates the event. It does not assign an id.
func (e *ScoreEvent) Normalize(now time.Time) error {
	e.DealID = strings.TrimSpace(e.DealID)
	e.Signal = strings.TrimSpace(e.Signal)
	if e.DealID == "" {
		return fmt.Errorf("deal_id is required")
	}
	if e.Signal == "" {
		return fmt.Errorf("signal is required")
	}
	if !e.Source.Valid() {
		return fmt.Errorf("unknown source %q", e.Source)
	}
	if !e.Category.Valid() {
		return fmt.Errorf("unknown category %q", e.Category)
	}
	if math.IsNaN(e.Impact) || math.IsInf(e.Impact, 0) {
		return fmt.Errorf("impact must be a finite number")
	}
	if math.IsNaN(e.Confidence) || math.IsInf(e.Confidence, 0) {
		return fmt.Errorf("confidence must be a finite number")
	}
	if e.Confidence == 0 {
		e.Confidence = 1
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]", e.Confidence)
	}
	if e.AnalyzedBy == "" {
		e.AnalyzedBy = AnalyzedByAI
	}
	if e.AnalyzedBy != AnalyzedByAI && e.AnalyzedBy != AnalyzedByUser {
		return fmt.Errorf("unknown analyzed_by %q", e.AnalyzedBy)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return nil
}

type CategoryScore struct {
	Base     float64 `json:"base"`
	Adjusted float64 `json:"adjusted"`
	Max      float64 `json:"max"`
}

type ScoreBreakdown struct {
	Team          CategoryScore `json:"team"`
	Market        CategoryScore `json:"market"`
	Product       CategoryScore `json:"product"`
	Traction      CategoryScore `json:"traction"`
	Deal          CategoryScore `json:"deal"`
	Communication float64       `json:"communication"`
	Momentum      float64       `json:"momentum"`
	RedFlags      float64       `json:"red_flags"`
}

// Weighted returns a pointer to the category slot, or nil for scalar categories.
func (b *ScoreBreakdown) Weighted(c Category) *CategoryScore {
	switch c {
	case CategoryTeam:
		return &b.Team
	case CategoryMarket:
		return &b.Market
	case CategoryProduct:
		return &b.Product
	case CategoryTraction:
		return &b.Traction
	case CategoryDeal:
		return &b.Deal
	case CategoryCommunication, CategoryMomentum, CategoryRedFlag:
		return nil
	}
	return nil
}

// BaseSum is the sum of the weighted category bases.
func (b ScoreBreakdown) BaseSum() float64 {
	return b.Team.Base + b.Market.Base + b.Product.Base + b.Traction.Base + b.Deal.Base
}

// AdjustedSum is the sum of decayed impact over weighted categories and scalars.
func (b ScoreBreakdown) AdjustedSum() float64 {
	return b.Team.Adjusted + b.Market.Adjusted + b.Product.Adjusted + b.Traction.Adjusted + b.Deal.Adjusted +
		b.Communication + b.Momentum + b.RedFlags
}

// HasBase reports whether any category base was ever seeded.
func (b ScoreBreakdown) HasBase() bool {
	return b.BaseSum() != 0
}

// WithBasesOnly keeps the seeded bases and clears everything derived from events.
func (b ScoreBreakdown) WithBasesOnly() ScoreBreakdown {
	out := ScoreBreakdown{}
	for _, c := range WeightedCategories() {
		slot := out.Weighted(c)
		slot.Base = b.Weighted(c).Base
		slot.Max = c.MaxWeight()
	}
	return out
}

// CategoryBases holds base values for the five weighted categories.
type CategoryBases struct {
	Team     float64 `json:"team"`
	Market   float64 `json:"market"`
	Product  float64 `json:"product"`
	Traction float64 `json:"traction"`
	Deal     float64 `json:"deal"`
}

func (b CategoryBases) Sum() float64 {
	return b.Team + b.Market + b.Product + b.Traction + b.Deal
}

// BasesFromConfidence splits a 0-100 confidence over the weighted categories
// proportionally to their maximum weight.
func BasesFromConfidence(confidence float64) CategoryBases {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}
	share := func(c Category) float64 { return confidence * c.MaxWeight() / 100 }
	return CategoryBases{
		Team:     share(CategoryTeam),
		Market:   share(CategoryMarket),
		Product:  share(CategoryProduct),
		Traction: share(CategoryTraction),
		Deal:     share(CategoryDeal),
	}
}

func (b CategoryBases) Breakdown() ScoreBreakdown {
	out := ScoreBreakdown{}
	values := []float64{b.Team, b.Market, b.Product, b.Traction, b.Deal}
	for i, c := range WeightedCategories() {
		slot := out.Weighted(c)
		slot.Base = clampFloat(values[i], 0, c.MaxWeight())
		slot.Max = c.MaxWeight()
	}
	return out
}

type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

type AlertType string

const (
	AlertMajorIncrease AlertType = "major_increase"
	AlertMajorDecrease AlertType = "major_decrease"
	AlertRedFlag       AlertType = "red_flag"
	AlertMilestone     AlertType = "milestone"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

type ScoreAlert struct {
	ID            string    `json:"id"`
	DealID        string    `json:"deal_id"`
	Type          AlertType `json:"type"`
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	Trigger       string    `json:"trigger"`
	Urgency       Urgency   `json:"urgency"`
	CreatedAt     time.Time `json:"created_at"`
}

// ScoreSnapshot is what a recomputation persists on the deal.
type ScoreSnapshot struct {
	Score      int            `json:"score"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
	Trend      Trend          `json:"trend"`
	TrendDelta float64        `json:"trend_delta"`
	ComputedAt time.Time      `json:"computed_at"`
}

type RecomputeResult struct {
	DealID        string         `json:"deal_id"`
	PreviousScore *int           `json:"previous_score,omitempty"`
	Score         int            `json:"score"`
	Breakdown     ScoreBreakdown `json:"breakdown"`
	Trend         Trend          `json:"trend"`
	TrendDelta    float64        `json:"trend_delta"`
	Alerts        []ScoreAlert   `json:"alerts,omitempty"`
}

type DealRecomputeOutcome struct {
	DealID string           `json:"deal_id"`
	Result *RecomputeResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type AppendResult struct {
	Events     []ScoreEvent           `json:"events"`
	Recomputed []DealRecomputeOutcome `json:"recomputed"`
}

// Failed returns the deals whose recomputation did not complete.
func (r AppendResult) Failed() []string {
	var out []string
	for _, o := range r.Recomputed {
		if o.Error != "" {
			out = append(out, o.DealID)
		}
	}
	return out
}

type ScoreHistoryPoint struct {
	Date       time.Time `json:"date"`
	Score      int       `json:"score"`
	EventCount int       `json:"event_count"`
}

type EventQuery struct {
	Category Category
	Limit    int
	Offset   int
}

type EventPage struct {
	Events []ScoreEvent `json:"events"`
	Total  int          `json:"total"`
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DocumentAnalysis is the structured result of analyzing one document. Signals
// carry category, label, impact and confidence; the caller binds them to a deal.
type DocumentAnalysis struct {
	Summary string         `json:"summary"`
	Bases   *CategoryBases `json:"bases,omitempty"`
	Signals []ScoreEvent   `json:"signals"`
}
