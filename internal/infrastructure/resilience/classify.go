package resilience

import (
	"context"
	"errors"

	"github.com/kirillkom/dealflow/internal/core/domain"
)

var (
	Transient = ErrorClassification{Retryable: true, RecordFailure: true}
	Permanent = ErrorClassification{Retryable: false, RecordFailure: true}
)

// ClassifyCommon settles the outcomes every adapter treats alike. Caller
// cancellation and quota exhaustion are neither retried nor counted against
// the breaker; a breaker rejection is transient. ok is false when the adapter
// has to decide itself.
func ClassifyCommon(err error) (class ErrorClassification, ok bool) {
	switch {
	case err == nil:
		return ErrorClassification{}, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassification{}, true
	case domain.IsKind(err, domain.ErrQuotaExceeded):
		return ErrorClassification{}, true
	case IsCircuitOpen(err):
		return Transient, true
	}
	return ErrorClassification{}, false
}

// WrapTemporary tags err with domain.ErrTemporary when classify says it is
// retryable or the breaker rejected it. Errors already carrying a temporary
// or quota kind are returned as is.
func WrapTemporary(operation string, err error, classify ErrorClassifier) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) || domain.IsKind(err, domain.ErrQuotaExceeded) {
		return err
	}
	if IsCircuitOpen(err) || classify(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
