package domain

type Form struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Field struct {
	ID       string `json:"id"`
	FormID   string `json:"form_id"`
	Label    string `json:"label,omitempty"`
	Order    int    `json:"order"`
	Required bool   `json:"required"`
}

// ConditionKind names the comparison a LogicRule applies to an answer.
type ConditionKind string

const (
	ConditionIs                 ConditionKind = "is"
	ConditionIsNot              ConditionKind = "is_not"
	ConditionContains           ConditionKind = "contains"
	ConditionDoesNotContain     ConditionKind = "does_not_contain"
	ConditionGreaterThan        ConditionKind = "greater_than"
	ConditionLessThan           ConditionKind = "less_than"
	ConditionGreaterThanOrEqual ConditionKind = "greater_than_or_equal"
	ConditionLessThanOrEqual    ConditionKind = "less_than_or_equal"
	ConditionAlways             ConditionKind = "always"
)

// ConditionKinds lists every supported kind in declaration order.
var ConditionKinds = []ConditionKind{
	ConditionIs,
	ConditionIsNot,
	ConditionContains,
	ConditionDoesNotContain,
	ConditionGreaterThan,
	ConditionLessThan,
	ConditionGreaterThanOrEqual,
	ConditionLessThanOrEqual,
	ConditionAlways,
}

// Valid reports whether k is a known condition kind.
func (k ConditionKind) Valid() bool {
	for _, known := range ConditionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// LogicRule is one conditional branch attached to a source field.
// A nil DestinationFieldID means the branch ends the form.
type LogicRule struct {
	ID                 string        `json:"id"`
	SourceFieldID      string        `json:"source_field_id"`
	Condition          ConditionKind `json:"condition"`
	Value              *string       `json:"value,omitempty"`
	DestinationFieldID *string       `json:"destination_field_id,omitempty"`
	Order              int           `json:"order"`
	GroupID            *string       `json:"group_id,omitempty"`
	Active             bool          `json:"active"`
}

type NavigationDecision struct {
	NextFieldID   *string `json:"nextFieldId,omitempty"`
	IsEndOfForm   bool    `json:"isEndOfForm"`
	AppliedRuleID *string `json:"appliedRuleId,omitempty"`
}

type Submission struct {
	ID        string            `json:"id"`
	FormID    string            `json:"form_id"`
	Answers   map[string]string `json:"answers"`
	CreatedAt string            `json:"created_at" format:"date-time"`
}

// NotificationAggregate coalesces submission events for one (owner, form)
// pair that arrive within the aggregation window.
type NotificationAggregate struct {
	ID                 string `json:"id"`
	OwnerID            string `json:"owner_id"`
	FormID             string `json:"form_id"`
	LatestSubmissionID string `json:"latest_submission_id"`
	Count              int    `json:"count"`
	FirstEventAt       string `json:"first_event_at" format:"date-time"`
	LastEventAt        string `json:"last_event_at" format:"date-time"`
	Message            string `json:"message"`
	Read               bool   `json:"read"`
	Audit
}

// Event returns the broadcast payload for the aggregate's current state.
func (a NotificationAggregate) Event() NotificationEvent {
	return NotificationEvent{
		NotificationID:     a.ID,
		FormID:             a.FormID,
		LatestSubmissionID: a.LatestSubmissionID,
		Message:            a.Message,
		Count:              a.Count,
		OccurredAt:         a.LastEventAt,
	}
}

type NotificationEvent struct {
	NotificationID     string `json:"notificationId"`
	FormID             string `json:"formId"`
	LatestSubmissionID string `json:"latestSubmissionId"`
	Message            string `json:"message"`
	Count              int    `json:"count"`
	OccurredAt         string `json:"occurredAt" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FormID     string `json:"form_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
