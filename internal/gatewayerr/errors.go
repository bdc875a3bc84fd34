// Package gatewayerr defines the internal error taxonomy shared by the pool,
// upstream pipeline, translator and batch engine, and the single mapping from
// that taxonomy to OpenAI-style error envelopes and HTTP status codes.
package gatewayerr

import (
	"fmt"
	"time"
)

// Kind is one of the stable internal error kinds from spec.md §7.
type Kind string

const (
	KindPoolEmpty         Kind = "pool_empty"
	KindUpstreamHTTP4xx    Kind = "upstream_http_4xx"
	KindUpstreamHTTP5xx    Kind = "upstream_http_5xx"
	KindAuthRevoked        Kind = "upstream_auth_revoked"
	KindQuotaExhausted     Kind = "upstream_quota_exhausted"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindProtocolError      Kind = "translator_protocol_error"
	KindBlocked            Kind = "translator_blocked"
	KindClientCancelled    Kind = "client_cancelled"
	KindPersistenceConflict Kind = "persistence_conflict"
)

// Error is the structured error type threaded through the pool, pipeline,
// translator and batch engine.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	ResetAt    time.Time // populated for KindQuotaExhausted
	Retryable  bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error of the given kind, filling in the canonical HTTP
// status from the table in spec.md §7 and the kind's retryability. The
// OpenAI error type is derived later, by ToEnvelope.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatusFor(kind), Retryable: retryableFor(kind)}
}

// WithResetAt attaches a quota reset timestamp and returns the same error.
func (e *Error) WithResetAt(t time.Time) *Error {
	e.ResetAt = t
	return e
}

func httpStatusFor(kind Kind) int {
	switch kind {
	case KindQuotaExhausted:
		return 429
	case KindUpstreamTimeout:
		return 504
	case KindClientCancelled:
		return 499
	default:
		return 502
	}
}

func retryableFor(kind Kind) bool {
	switch kind {
	case KindUpstreamHTTP4xx, KindUpstreamHTTP5xx, KindQuotaExhausted, KindProtocolError:
		return true
	default:
		return false
	}
}

// openAIType is the stable OpenAI-style "type" field mapping from spec.md §7.
func openAIType(kind Kind) string {
	switch kind {
	case KindPoolEmpty, KindAuthRevoked:
		return "upstream_unavailable"
	case KindQuotaExhausted:
		return "rate_limit_exceeded"
	case KindUpstreamTimeout:
		return "timeout"
	case KindProtocolError, KindBlocked:
		return "bad_gateway"
	default:
		return "bad_gateway"
	}
}

// Envelope is the OpenAI-compatible `{"error": {...}}` JSON body.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody is the nested `error` object OpenAI clients expect.
type EnvelopeBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ToEnvelope renders e as the OpenAI-compatible error envelope and its HTTP
// status. client_cancelled and nil errors should never reach this function;
// callers silently drop those per the propagation policy in spec.md §7.
func ToEnvelope(e *Error) (int, Envelope) {
	if e == nil {
		e = New(KindUpstreamHTTP5xx, "unknown error")
	}
	return e.HTTPStatus, Envelope{Error: EnvelopeBody{
		Message: e.Message,
		Type:    openAIType(e.Kind),
		Code:    string(e.Kind),
	}}
}
