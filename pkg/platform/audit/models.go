package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit events by purpose so stores can apply
// different retention.
type EventCategory string

const (
	// CategorySecurity covers access decisions: authentication, rate limits,
	// rejected payloads.
	CategorySecurity EventCategory = "security"
	// CategoryCompliance covers every disclosure of card holder data.
	CategoryCompliance EventCategory = "compliance"
	// CategoryOperations covers connection lifecycle and card removal.
	CategoryOperations EventCategory = "operations"
)

// Severity levels for SIEM routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one audit record. It never carries raw card holder data: citizen
// IDs are stored as SubjectIDHash and client IPs are anonymised by the caller.
type Event struct {
	ID            uuid.UUID
	Category      EventCategory
	Severity      Severity
	Timestamp     time.Time
	Action        string
	Subject       string // subscriber ID or reader name
	IP            string
	SessionID     string
	SubjectIDHash string
	Reason        string
}

type AuditEvent string

const (
	EventAuthSuccess        AuditEvent = "auth_success"
	EventAuthFailure        AuditEvent = "auth_failure"
	EventRateLimitExceeded  AuditEvent = "rate_limit_exceeded"
	EventOriginRejected     AuditEvent = "origin_rejected"
	EventConnectionOpened   AuditEvent = "connection_open"
	EventConnectionClosed   AuditEvent = "connection_close"
	EventSubscriberDropped  AuditEvent = "subscriber_dropped"
	EventCardRead           AuditEvent = "card_read"
	EventCardReadFailed     AuditEvent = "card_read_failed"
	EventCardRemoved        AuditEvent = "card_removed"
	EventValidationFailure  AuditEvent = "validation_failure"
	EventPayloadSuppressed  AuditEvent = "payload_suppressed"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventAuthSuccess:       CategorySecurity,
	EventAuthFailure:       CategorySecurity,
	EventRateLimitExceeded: CategorySecurity,
	EventOriginRejected:    CategorySecurity,
	EventPayloadSuppressed: CategorySecurity,
	EventValidationFailure: CategorySecurity,

	EventCardRead: CategoryCompliance,

	EventConnectionOpened:  CategoryOperations,
	EventConnectionClosed:  CategoryOperations,
	EventSubscriberDropped: CategoryOperations,
	EventCardReadFailed:    CategoryOperations,
	EventCardRemoved:       CategoryOperations,
}

var eventSeverities = map[AuditEvent]Severity{
	EventAuthFailure:       SeverityWarning,
	EventRateLimitExceeded: SeverityWarning,
	EventOriginRejected:    SeverityWarning,
	EventValidationFailure: SeverityWarning,
	EventPayloadSuppressed: SeverityCritical,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Severity returns the default severity; unknown events are informational.
func (e AuditEvent) Severity() Severity {
	if s, ok := eventSeverities[e]; ok {
		return s
	}
	return SeverityInfo
}

// NewEvent fills category, severity, ID and timestamp from the action.
func NewEvent(action AuditEvent, subject string) Event {
	return Event{
		ID:        uuid.New(),
		Category:  action.Category(),
		Severity:  action.Severity(),
		Timestamp: time.Now().UTC(),
		Action:    string(action),
		Subject:   subject,
	}
}
