package llm

import (
	"fmt"
	"strings"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/infrastructure/extractor/document"
)

const (
	maxDocumentSnippet = 12000
	maxEmailSnippet    = 4000
)

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func buildDocumentPrompt(deal *domain.Deal, filename, text string) string {
	company := ""
	if deal != nil {
		company = deal.CompanyName
	}
	return fmt.Sprintf(`You are a venture analyst reviewing a startup document.
Return strict JSON object with keys:
summary (string),
bases (object with numeric keys team 0-25, market 0-25, product 0-20, traction 0-20, deal 0-10, or null when the document is not a pitch deck),
signals (array of objects with keys category, signal, impact, confidence, evidence).
category is one of: team, market, product, traction, deal, communication, momentum, red_flag.
impact is a number from -10 to 10, confidence from 0 to 1.
No markdown, no extra keys.

Company: %s
File: %s

Document:
%s
`, company, filename, truncate(text, maxDocumentSnippet))
}

func buildSnoozePrompt(input domain.SnoozeEvaluationInput) string {
	original := input.Original
	var b strings.Builder
	for idx, item := range input.Correspondence {
		body := item.Body
		if document.LooksLikeHTML(body) {
			body = document.HTMLToText(body)
		}
		fmt.Fprintf(&b, "[%d] subject=%s\n%s\n", idx+1, item.Subject, truncate(body, maxEmailSnippet))
		if highlights := item.Extraction.Highlights; len(highlights) > 0 {
			fmt.Fprintf(&b, "highlights: %s\n", strings.Join(highlights, "; "))
		}
		if metrics := item.Extraction.KeyMetrics; len(metrics) > 0 {
			fmt.Fprintf(&b, "metrics: %s\n", strings.Join(metrics, "; "))
		}
		b.WriteString("\n")
	}

	return fmt.Sprintf(`You decide whether a snoozed startup proposal should come back to the review queue.
Compare the original proposal with the newer correspondence.
Return strict JSON object with keys:
recommendation (one of "reactivate", "reject", "keep_snoozed"),
progress_summary (string),
key_changes (array of strings).
Recommend "reject" only when the founder has followed up several times without meaningful progress.
No markdown, no extra keys.

Startup: %s
Stage: %s
Times snoozed: %d
Original description:
%s

Review notes:
%s

Newer correspondence:
%s`, original.StartupName, original.Stage, original.SnoozeCount, truncate(original.Description, maxEmailSnippet),
		truncate(original.ProgressNotes, maxEmailSnippet), b.String())
}

func buildMessagePrompt(kind domain.MessageKind, entry *domain.ProposalQueueEntry, note, signature string) string {
	var instruction string
	switch kind {
	case domain.MessageRejection:
		instruction = "Write a short, respectful email declining the proposal. Do not promise future investment."
	case domain.MessageFollowUp:
		instruction = "Write a short email saying the fund will revisit the proposal later and inviting an update with progress."
	default:
		instruction = "Write a short, polite email to the founder."
	}
	founder := entry.FounderName
	if founder == "" {
		founder = "the founder"
	}
	return fmt.Sprintf(`%s
Return strict JSON object with keys: subject (string), body (plain text string).
No markdown, no extra keys.

Startup: %s
Founder: %s
Original subject: %s
Internal note (do not quote verbatim): %s
Sign the email as: %s
`, instruction, entry.StartupName, founder, entry.EmailSubject, note, signature)
}
