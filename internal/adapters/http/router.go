package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/core/ports"
	"github.com/kirillkom/dealflow/internal/infrastructure/export/xlsx"
	"github.com/kirillkom/dealflow/internal/observability/metrics"
)

const (
	maxJSONBodyBytes   = 1 << 20
	maxIntakeBodyBytes = 48 << 20
	defaultHistoryDays = 30
	maxHistoryDays     = 365
	defaultAlertLimit  = 20
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// DealReader loads a deal for the export summary sheet.
type DealReader interface {
	GetDeal(ctx context.Context, id string) (*domain.Deal, error)
}

// EventPublisher hands score events to the asynchronous worker.
type EventPublisher interface {
	PublishScoreEvents(ctx context.Context, events []domain.ScoreEvent) error
}

type Options struct {
	// EventPublisher enables ?async=true on POST /v1/events.
	EventPublisher EventPublisher
	RateLimitRPS   float64
	RateLimitBurst int
	Metrics        *metrics.HTTPServerMetrics
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

type Router struct {
	scores    ports.ScoreService
	proposals ports.ProposalQueue
	snooze    ports.SnoozeChecker
	deals     DealReader
	opts      Options
}

func NewRouter(
	scores ports.ScoreService,
	proposals ports.ProposalQueue,
	snooze ports.SnoozeChecker,
	deals DealReader,
	opts Options,
) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		scores:    scores,
		proposals: proposals,
		snooze:    snooze,
		deals:     deals,
		opts:      opts,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", rt.opts.MetricsHandler)
	}

	mux.HandleFunc("POST /v1/events", rt.appendEvents)
	mux.HandleFunc("POST /v1/deals/{id}/events", rt.appendDealEvents)
	mux.HandleFunc("GET /v1/deals/{id}/events", rt.listEvents)
	mux.HandleFunc("POST /v1/deals/{id}/recompute", rt.recompute)
	mux.HandleFunc("GET /v1/deals/{id}/score-history", rt.scoreHistory)
	mux.HandleFunc("GET /v1/deals/{id}/score-history.xlsx", rt.exportScoreHistory)
	mux.HandleFunc("PUT /v1/deals/{id}/base-score", rt.seedBaseScore)
	mux.HandleFunc("GET /v1/deals/{id}/alerts", rt.listAlerts)

	mux.HandleFunc("GET /v1/organizations/{org}/proposals", rt.listProposals)
	mux.HandleFunc("POST /v1/organizations/{org}/proposals", rt.intakeProposal)
	mux.HandleFunc("POST /v1/organizations/{org}/snooze-check", rt.checkSnoozed)
	mux.HandleFunc("POST /v1/proposals/{id}/approve", rt.approveProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/reject", rt.rejectProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/snooze", rt.snoozeProposal)

	var handler http.Handler = mux
	var onLimited func()
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(handler)
		onLimited = rt.opts.Metrics.RecordRateLimited
	}
	handler = rateLimitMiddleware(handler, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst, onLimited)
	handler = recoverMiddleware(rt.opts.Logger, handler)
	handler = accessLogMiddleware(rt.opts.Logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type appendEventsRequest struct {
	Events []domain.ScoreEvent `json:"events"`
}

func (rt *Router) appendEvents(w http.ResponseWriter, r *http.Request) {
	var req appendEventsRequest
	if !decodeJSON(w, r, maxJSONBodyBytes, &req) {
		return
	}
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		rt.enqueueEvents(w, r, req.Events)
		return
	}
	rt.writeAppendResult(w, r, req.Events)
}

func (rt *Router) enqueueEvents(w http.ResponseWriter, r *http.Request, events []domain.ScoreEvent) {
	if rt.opts.EventPublisher == nil {
		writeError(w, r, http.StatusNotImplemented, "asynchronous ingestion is not configured")
		return
	}
	if len(events) == 0 {
		writeError(w, r, http.StatusBadRequest, "events must not be empty")
		return
	}
	now := time.Now().UTC()
	for i := range events {
		if err := events[i].Normalize(now); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("event %d: %v", i, err))
			return
		}
	}
	seen := make(map[string]bool)
	for _, event := range events {
		if seen[event.DealID] {
			continue
		}
		seen[event.DealID] = true
		if _, err := rt.deals.GetDeal(r.Context(), event.DealID); err != nil {
			rt.writeDomainError(w, r, err)
			return
		}
	}
	if err := rt.opts.EventPublisher.PublishScoreEvents(r.Context(), events); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(events)})
}

func (rt *Router) appendDealEvents(w http.ResponseWriter, r *http.Request) {
	var req appendEventsRequest
	if !decodeJSON(w, r, maxJSONBodyBytes, &req) {
		return
	}
	dealID := r.PathValue("id")
	for i := range req.Events {
		if req.Events[i].DealID != "" && req.Events[i].DealID != dealID {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("event %d targets deal %q", i, req.Events[i].DealID))
			return
		}
		req.Events[i].DealID = dealID
	}
	rt.writeAppendResult(w, r, req.Events)
}

func (rt *Router) writeAppendResult(w http.ResponseWriter, r *http.Request, events []domain.ScoreEvent) {
	if len(events) == 0 {
		writeError(w, r, http.StatusBadRequest, "events must not be empty")
		return
	}
	result, err := rt.scores.AppendEvents(r.Context(), events)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (rt *Router) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	page, err := rt.scores.GetEvents(r.Context(), r.PathValue("id"), domain.EventQuery{
		Category: domain.Category(strings.TrimSpace(r.URL.Query().Get("category"))),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (rt *Router) recompute(w http.ResponseWriter, r *http.Request) {
	result, err := rt.scores.Recompute(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) scoreHistory(w http.ResponseWriter, r *http.Request) {
	points, ok := rt.loadHistory(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deal_id": r.PathValue("id"),
		"points":  points,
	})
}

func (rt *Router) exportScoreHistory(w http.ResponseWriter, r *http.Request) {
	dealID := r.PathValue("id")
	deal, err := rt.deals.GetDeal(r.Context(), dealID)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	points, ok := rt.loadHistory(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := xlsx.WriteScoreHistory(&buf, deal, points); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="score-history-%s.xlsx"`, dealID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (rt *Router) loadHistory(w http.ResponseWriter, r *http.Request) ([]domain.ScoreHistoryPoint, bool) {
	days, ok := queryInt(w, r, "days", defaultHistoryDays)
	if !ok {
		return nil, false
	}
	if days < 1 || days > maxHistoryDays {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("days must be between 1 and %d", maxHistoryDays))
		return nil, false
	}
	points, err := rt.scores.GetScoreHistory(r.Context(), r.PathValue("id"), days)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return nil, false
	}
	return points, true
}

type seedBaseRequest struct {
	Bases domain.CategoryBases `json:"bases"`
	Force bool                 `json:"force"`
}

func (rt *Router) seedBaseScore(w http.ResponseWriter, r *http.Request) {
	var req seedBaseRequest
	if !decodeJSON(w, r, maxJSONBodyBytes, &req) {
		return
	}
	seeded, err := rt.scores.SeedBaseScore(r.Context(), r.PathValue("id"), req.Bases, req.Force)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deal_id": r.PathValue("id"), "seeded": seeded})
}

func (rt *Router) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultAlertLimit)
	if !ok {
		return
	}
	alerts, err := rt.scores.ListAlerts(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (rt *Router) listProposals(w http.ResponseWriter, r *http.Request) {
	entries, err := rt.proposals.GetQueuedProposals(r.Context(), r.PathValue("org"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": entries})
}

type intakeAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

type intakeRequest struct {
	EmailMessageID string             `json:"email_message_id"`
	EmailSubject   string             `json:"email_subject"`
	EmailFrom      string             `json:"email_from"`
	EmailBody      string             `json:"email_body"`
	EmailDate      *time.Time         `json:"email_date"`
	Extraction     domain.Extraction  `json:"extraction"`
	Attachments    []intakeAttachment `json:"attachments"`
}

func (rt *Router) intakeProposal(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if !decodeJSON(w, r, maxIntakeBodyBytes, &req) {
		return
	}
	candidate := domain.ProposalCandidate{
		OrganizationID: r.PathValue("org"),
		EmailMessageID: req.EmailMessageID,
		EmailSubject:   req.EmailSubject,
		EmailFrom:      req.EmailFrom,
		EmailBody:      req.EmailBody,
		EmailDate:      req.EmailDate,
		Extraction:     req.Extraction,
	}
	for _, att := range req.Attachments {
		candidate.Attachments = append(candidate.Attachments, domain.AttachmentPayload{
			Filename: att.Filename,
			MimeType: att.MimeType,
			Data:     att.Content,
		})
	}

	result, err := rt.proposals.Intake(r.Context(), candidate)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Outcome == domain.IntakeQueued {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (rt *Router) checkSnoozed(w http.ResponseWriter, r *http.Request) {
	result, err := rt.snooze.CheckSnoozedProposals(r.Context(), r.PathValue("org"))
	if err != nil {
		status := mapErrorToHTTPStatus(err)
		if status == http.StatusTooManyRequests && result != nil {
			// The pass stopped early; report what was already processed.
			writeJSON(w, status, map[string]any{
				"error":      err.Error(),
				"request_id": requestIDFromContext(r.Context()),
				"result":     result,
			})
			return
		}
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) approveProposal(w http.ResponseWriter, r *http.Request) {
	var req domain.ApproveRequest
	if !decodeJSON(w, r, maxJSONBodyBytes, &req) {
		return
	}
	result, err := rt.proposals.ApproveProposal(r.Context(), r.PathValue("id"), req)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) rejectProposal(w http.ResponseWriter, r *http.Request) {
	var req domain.RejectRequest
	if !decodeJSON(w, r, maxJSONBodyBytes, &req) {
		return
	}
	result, err := rt.proposals.RejectProposal(r.Context(), r.PathValue("id"), req)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) snoozeProposal(w http.ResponseWriter, r *http.Request) {
	var req domain.SnoozeRequest
	if !decodeJSON(w, r, maxJSONBodyBytes, &req) {
		return
	}
	result, err := rt.proposals.SnoozeProposal(r.Context(), r.PathValue("id"), req)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.opts.Logger.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	writeError(w, r, status, publicErrorMessage(status, err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, limit)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "request body is required")
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", key))
		return 0, false
	}
	return value, true
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
