package tools

import (
	"errors"
	"fmt"
	"net/http"

	"contextd/internal/diagnostics"
	"contextd/internal/evolution"
	"contextd/internal/graph"
	"contextd/internal/lineage"
	"contextd/internal/memory"
	"contextd/internal/session"
	"contextd/internal/temporal"
)

// Kind classifies tool errors for transport mapping.
type Kind string

const (
	KindNotFound           Kind = "NotFound"
	KindAlreadyExists      Kind = "AlreadyExists"
	KindInvalidArgument    Kind = "InvalidArgument"
	KindInvalidSession     Kind = "InvalidSession"
	KindUnauthorized       Kind = "Unauthorized"
	KindServiceUnavailable Kind = "ServiceUnavailable"
	KindProviderError      Kind = "ProviderError"
	KindStorageError       Kind = "StorageError"
	KindConsistencyError   Kind = "ConsistencyError"
)

// Error is the wire-visible error shape: {error: <Kind>, message: <text>}.
type Error struct {
	Kind    Kind   `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errf builds a tool error.
func Errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify maps package sentinel errors onto a Kind. Already-classified
// errors pass through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return &Error{Kind: KindInvalidSession, Message: err.Error()}
	case errors.Is(err, memory.ErrMemoryKeyExists):
		return &Error{Kind: KindAlreadyExists, Message: err.Error()}
	case errors.Is(err, memory.ErrMemoryKeyNotFound),
		errors.Is(err, graph.ErrEntityNotFound),
		errors.Is(err, graph.ErrRelationshipNotFound),
		errors.Is(err, diagnostics.ErrRunNotFound),
		errors.Is(err, diagnostics.ErrAnalysisNotFound),
		errors.Is(err, lineage.ErrEntityNotFound),
		errors.Is(err, lineage.ErrPathNotFound),
		errors.Is(err, evolution.ErrEvolutionNotFound),
		errors.Is(err, temporal.ErrNoVersionHistory):
		return &Error{Kind: KindNotFound, Message: err.Error()}
	case errors.Is(err, graph.ErrLineageCycle):
		return &Error{Kind: KindInvalidArgument, Message: err.Error()}
	case errors.Is(err, diagnostics.ErrSummarizerUnavailable):
		return &Error{Kind: KindServiceUnavailable, Message: err.Error()}
	default:
		return &Error{Kind: KindStorageError, Message: err.Error()}
	}
}

// HTTPStatus maps a Kind onto an HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindInvalidArgument, KindInvalidSession:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindServiceUnavailable, KindProviderError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
