package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

// ScoreRepository stores the append-only signal ledger and emitted alerts.
type ScoreRepository struct {
	db *sql.DB
}

func NewScoreRepository(db *sql.DB) *ScoreRepository {
	return &ScoreRepository{db: db}
}

const eventColumns = `id, deal_id, source, source_id, category, signal, impact, confidence, evidence, analyzed_by, created_at`

func (r *ScoreRepository) AppendEvents(ctx context.Context, events []domain.ScoreEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, event := range events {
		_, err := tx.ExecContext(ctx, `
INSERT INTO score_events (`+eventColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`,
			event.ID, event.DealID, string(event.Source), event.SourceID, string(event.Category), event.Signal,
			event.Impact, event.Confidence, event.Evidence, string(event.AnalyzedBy), event.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.WrapError(domain.ErrConflict, "insert score event", err)
			}
			return fmt.Errorf("insert score event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

func (r *ScoreRepository) ListEvents(ctx context.Context, dealID string) ([]domain.ScoreEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM score_events
WHERE deal_id = $1
ORDER BY created_at ASC, id ASC
`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list score events: %w", err)
	}
	return collectEvents(rows)
}

func (r *ScoreRepository) QueryEvents(ctx context.Context, dealID string, query domain.EventQuery) ([]domain.ScoreEvent, int, error) {
	where := "WHERE deal_id = $1"
	args := []any{dealID}
	if query.Category != "" {
		where += " AND category = $2"
		args = append(args, string(query.Category))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM score_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count score events: %w", err)
	}

	pageArgs := append(append([]any{}, args...), query.Limit, query.Offset)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT %s
FROM score_events
%s
ORDER BY created_at DESC, id DESC
LIMIT $%d OFFSET $%d
`, eventColumns, where, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query score events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func collectEvents(rows *sql.Rows) ([]domain.ScoreEvent, error) {
	defer rows.Close()
	out := make([]domain.ScoreEvent, 0)
	for rows.Next() {
		var (
			event      domain.ScoreEvent
			source     string
			category   string
			analyzedBy string
		)
		if err := rows.Scan(
			&event.ID, &event.DealID, &source, &event.SourceID, &category, &event.Signal,
			&event.Impact, &event.Confidence, &event.Evidence, &analyzedBy, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan score event: %w", err)
		}
		event.Source = domain.EventSource(source)
		event.Category = domain.Category(category)
		event.AnalyzedBy = domain.AnalyzedBy(analyzedBy)
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score events: %w", err)
	}
	return out, nil
}

func (r *ScoreRepository) InsertAlerts(ctx context.Context, alerts []domain.ScoreAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, alert := range alerts {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO score_alerts (id, deal_id, alert_type, previous_score, new_score, trigger_text, urgency, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
			alert.ID, alert.DealID, string(alert.Type), alert.PreviousScore, alert.NewScore, alert.Trigger,
			string(alert.Urgency), alert.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert score alert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alert tx: %w", err)
	}
	return nil
}

func (r *ScoreRepository) ListAlerts(ctx context.Context, dealID string, limit int) ([]domain.ScoreAlert, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, deal_id, alert_type, previous_score, new_score, trigger_text, urgency, created_at
FROM score_alerts
WHERE deal_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, dealID, limit)
	if err != nil {
		return nil, fmt.Errorf("list score alerts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScoreAlert, 0)
	for rows.Next() {
		var (
			alert     domain.ScoreAlert
			alertType string
			urgency   string
		)
		if err := rows.Scan(
			&alert.ID, &alert.DealID, &alertType, &alert.PreviousScore, &alert.NewScore, &alert.Trigger,
			&urgency, &alert.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan score alert: %w", err)
		}
		alert.Type = domain.AlertType(alertType)
		alert.Urgency = domain.Urgency(urgency)
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score alerts: %w", err)
	}
	return out, nil
}
