package domain

import "time"

// EventTimeLayout is a fixed-width RFC3339 layout with nanoseconds. Event
// timestamps are compared as strings, so the fraction must never be trimmed.
const EventTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatEventTime renders t in UTC using EventTimeLayout.
func FormatEventTime(t time.Time) string {
	return t.UTC().Format(EventTimeLayout)
}

// Audit carries the bookkeeping timestamps persisted with mutable records.
type Audit struct {
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Audited is implemented by records that embed Audit.
type Audited interface {
	AuditFields() Audit
	WithAudit(Audit) Audited
}

func (a NotificationAggregate) AuditFields() Audit { return a.Audit }

func (a NotificationAggregate) WithAudit(audit Audit) Audited {
	a.Audit = audit
	return a
}

// StampCreated sets both timestamps on a record about to be inserted.
func StampCreated[T Audited](rec T, now time.Time) T {
	ts := now.UTC().Format(time.RFC3339)
	return rec.WithAudit(Audit{CreatedAt: ts, UpdatedAt: ts}).(T)
}

// StampUpdated refreshes UpdatedAt and keeps CreatedAt.
func StampUpdated[T Audited](rec T, now time.Time) T {
	audit := rec.AuditFields()
	audit.UpdatedAt = now.UTC().Format(time.RFC3339)
	if audit.CreatedAt == "" {
		audit.CreatedAt = audit.UpdatedAt
	}
	return rec.WithAudit(audit).(T)
}
