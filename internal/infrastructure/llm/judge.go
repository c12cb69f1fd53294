package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

// Completer returns the raw text of a completion that is expected to hold a
// single JSON object.
type Completer interface {
	CompleteJSON(ctx context.Context, operation, prompt string) (string, error)
}

// Judge implements the AI-backed ports on top of any Completer backend.
type Judge struct {
	completer Completer
	signature string
}

func NewJudge(completer Completer, signature string) *Judge {
	if strings.TrimSpace(signature) == "" {
		signature = "The investment team"
	}
	return &Judge{completer: completer, signature: signature}
}

func (j *Judge) AnalyzeDocument(ctx context.Context, deal *domain.Deal, filename, text string) (domain.DocumentAnalysis, error) {
	raw, err := j.completer.CompleteJSON(ctx, "analyze_document", buildDocumentPrompt(deal, filename, text))
	if err != nil {
		return domain.DocumentAnalysis{}, err
	}

	var analysis domain.DocumentAnalysis
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &analysis); err != nil {
		return domain.DocumentAnalysis{}, fmt.Errorf("parse document analysis json: %w", err)
	}

	signals := make([]domain.ScoreEvent, 0, len(analysis.Signals))
	for _, signal := range analysis.Signals {
		signal.Signal = strings.TrimSpace(signal.Signal)
		signal.Category = domain.Category(strings.ToLower(strings.TrimSpace(string(signal.Category))))
		if signal.Signal == "" || !signal.Category.Valid() {
			continue
		}
		if math.IsNaN(signal.Impact) || math.IsNaN(signal.Confidence) {
			continue
		}
		signal.Impact = math.Max(-10, math.Min(10, signal.Impact))
		signal.Confidence = math.Max(0.05, math.Min(1, signal.Confidence))
		signals = append(signals, signal)
	}
	analysis.Signals = signals
	if analysis.Bases != nil && analysis.Bases.Sum() <= 0 {
		analysis.Bases = nil
	}
	return analysis, nil
}

func (j *Judge) EvaluateSnoozed(ctx context.Context, input domain.SnoozeEvaluationInput) (domain.SnoozeEvaluation, error) {
	raw, err := j.completer.CompleteJSON(ctx, "evaluate_snoozed", buildSnoozePrompt(input))
	if err != nil {
		return domain.SnoozeEvaluation{}, err
	}

	var evaluation domain.SnoozeEvaluation
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &evaluation); err != nil {
		return domain.SnoozeEvaluation{}, fmt.Errorf("parse snooze evaluation json: %w", err)
	}
	evaluation.Recommendation = domain.SnoozeRecommendation(strings.ToLower(strings.TrimSpace(string(evaluation.Recommendation))))
	if !evaluation.Recommendation.Valid() {
		return domain.SnoozeEvaluation{}, fmt.Errorf("snooze evaluation: unknown recommendation %q", evaluation.Recommendation)
	}
	evaluation.ProgressSummary = strings.TrimSpace(evaluation.ProgressSummary)
	changes := evaluation.KeyChanges[:0]
	for _, change := range evaluation.KeyChanges {
		if change = strings.TrimSpace(change); change != "" {
			changes = append(changes, change)
		}
	}
	evaluation.KeyChanges = changes
	return evaluation, nil
}

func (j *Judge) ComposeMessage(ctx context.Context, kind domain.MessageKind, entry *domain.ProposalQueueEntry, note string) (domain.ComposedMessage, error) {
	if entry == nil {
		return domain.ComposedMessage{}, errors.New("compose message: entry is nil")
	}
	raw, err := j.completer.CompleteJSON(ctx, "compose_message", buildMessagePrompt(kind, entry, note, j.signature))
	if err != nil {
		return domain.ComposedMessage{}, err
	}

	var msg domain.ComposedMessage
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &msg); err != nil {
		return domain.ComposedMessage{}, fmt.Errorf("parse composed message json: %w", err)
	}
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.Body == "" {
		return domain.ComposedMessage{}, errors.New("compose message: empty body")
	}
	msg.Subject = strings.TrimSpace(msg.Subject)
	if msg.Subject == "" {
		msg.Subject = replySubject(entry.EmailSubject, entry.StartupName)
	}
	return msg, nil
}

func replySubject(original, startup string) string {
	original = strings.TrimSpace(original)
	if original == "" {
		return "Your proposal: " + startup
	}
	if strings.HasPrefix(strings.ToLower(original), "re:") {
		return original
	}
	return "Re: " + original
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
