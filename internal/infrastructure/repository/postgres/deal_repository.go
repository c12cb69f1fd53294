package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

type DealRepository struct {
	db *sql.DB
}

func NewDealRepository(db *sql.DB) *DealRepository {
	return &DealRepository{db: db}
}

const dealColumns = `id, organization_id, company_name, normalized_name, description, website, founder_name, founder_email,
	stage, ask_amount, status, base_score, current_score, score_breakdown, score_trend, score_trend_delta,
	score_updated_at, source_proposal_id, created_at, updated_at`

func (r *DealRepository) GetDeal(ctx context.Context, id string) (*domain.Deal, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	deal, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDealNotFound, "get deal", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("get deal: %w", err)
	}
	return deal, nil
}

func scanDeal(row rowScanner) (*domain.Deal, error) {
	var (
		deal           domain.Deal
		status         string
		trend          string
		askAmount      sql.NullFloat64
		baseScore      sql.NullInt64
		currentScore   sql.NullInt64
		breakdownRaw   []byte
		updatedScore   sql.NullTime
		sourceProposal sql.NullString
	)
	err := row.Scan(
		&deal.ID, &deal.OrganizationID, &deal.CompanyName, &deal.NormalizedName, &deal.Description, &deal.Website,
		&deal.FounderName, &deal.FounderEmail, &deal.Stage, &askAmount, &status, &baseScore, &currentScore,
		&breakdownRaw, &trend, &deal.ScoreTrendDelta, &updatedScore, &sourceProposal, &deal.CreatedAt, &deal.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(breakdownRaw) > 0 {
		var breakdown domain.ScoreBreakdown
		if err := json.Unmarshal(breakdownRaw, &breakdown); err != nil {
			return nil, fmt.Errorf("unmarshal score breakdown: %w", err)
		}
		deal.ScoreBreakdown = &breakdown
	}
	deal.Status = domain.DealStatus(status)
	deal.ScoreTrend = domain.Trend(trend)
	deal.AskAmount = floatPtr(askAmount)
	deal.BaseScore = intPtr(baseScore)
	deal.CurrentScore = intPtr(currentScore)
	deal.ScoreUpdatedAt = timePtr(updatedScore)
	deal.SourceProposalID = sourceProposal.String
	return &deal, nil
}

func insertDeal(ctx context.Context, q execer, deal *domain.Deal) error {
	var sourceProposal sql.NullString
	if deal.SourceProposalID != "" {
		sourceProposal = sql.NullString{String: deal.SourceProposalID, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO deals (
	id, organization_id, company_name, normalized_name, description, website, founder_name, founder_email,
	stage, ask_amount, status, source_proposal_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`,
		deal.ID, deal.OrganizationID, deal.CompanyName, deal.NormalizedName, deal.Description, deal.Website,
		deal.FounderName, deal.FounderEmail, deal.Stage, nullFloat(deal.AskAmount), string(deal.Status),
		sourceProposal, deal.CreatedAt, deal.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "insert deal", err)
		}
		return fmt.Errorf("insert deal: %w", err)
	}
	return nil
}

func (r *DealRepository) SaveScore(ctx context.Context, dealID string, snapshot domain.ScoreSnapshot) error {
	breakdownJSON, err := json.Marshal(snapshot.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal score breakdown: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE deals
SET current_score = $2, score_breakdown = $3, score_trend = $4, score_trend_delta = $5, score_updated_at = $6, updated_at = $6
WHERE id = $1
`, dealID, snapshot.Score, breakdownJSON, string(snapshot.Trend), snapshot.TrendDelta, snapshot.ComputedAt)
	if err != nil {
		return fmt.Errorf("save score: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save score rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDealNotFound, "save score", fmt.Errorf("id=%s", dealID))
	}
	return nil
}

// SeedBase locks the deal row so a concurrent seed cannot overwrite a base that
// was recorded in between.
func (r *DealRepository) SeedBase(ctx context.Context, dealID string, baseScore int, bases domain.CategoryBases, force bool) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		existingBase sql.NullInt64
		breakdownRaw []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT base_score, score_breakdown FROM deals WHERE id = $1 FOR UPDATE`, dealID).
		Scan(&existingBase, &breakdownRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.WrapError(domain.ErrDealNotFound, "seed base", fmt.Errorf("id=%s", dealID))
		}
		return false, fmt.Errorf("lock deal for seed: %w", err)
	}
	if existingBase.Valid && !force {
		return false, nil
	}

	seeded := bases.Breakdown()
	if len(breakdownRaw) > 0 {
		var current domain.ScoreBreakdown
		if err := json.Unmarshal(breakdownRaw, &current); err != nil {
			return false, fmt.Errorf("unmarshal score breakdown: %w", err)
		}
		for _, c := range domain.WeightedCategories() {
			seeded.Weighted(c).Adjusted = current.Weighted(c).Adjusted
		}
		seeded.Communication = current.Communication
		seeded.Momentum = current.Momentum
		seeded.RedFlags = current.RedFlags
	}
	breakdownJSON, err := json.Marshal(seeded)
	if err != nil {
		return false, fmt.Errorf("marshal score breakdown: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE deals SET base_score = $2, score_breakdown = $3, updated_at = $4 WHERE id = $1
`, dealID, baseScore, breakdownJSON, time.Now().UTC()); err != nil {
		return false, fmt.Errorf("update base score: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit seed tx: %w", err)
	}
	return true, nil
}

func (r *DealRepository) ExistsByNormalizedName(ctx context.Context, organizationID, normalizedName string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM deals WHERE organization_id = $1 AND normalized_name = $2)
`, organizationID, normalizedName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check deal name: %w", err)
	}
	return exists, nil
}
