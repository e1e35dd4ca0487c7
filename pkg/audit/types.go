package audit

import "time"

// Severity classifies an event for filtering and alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Entry is the caller-supplied part of an audit event. Timestamp and
// chain hashes are assigned by the bus at emission time.
type Entry struct {
	ActorUserID *int64                 `json:"actor_user_id"`
	ActorIP     string                 `json:"actor_ip"`
	UserAgent   string                 `json:"user_agent"`
	Action      string                 `json:"action"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Metadata    map[string]interface{} `json:"metadata"`
	Severity    Severity               `json:"severity"`
	Success     bool                   `json:"success"`
}

// Event is a persisted, chained audit record.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	Entry
	PrevHash  string `json:"prev_hash"`
	EventHash string `json:"event_hash"`
}

// payload builds the canonical hash input for an event. The key set and
// value shapes are fixed; changing them invalidates every stored hash.
func (e *Event) payload() map[string]interface{} {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	var actor interface{}
	if e.ActorUserID != nil {
		actor = *e.ActorUserID
	}
	severity := e.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	return map[string]interface{}{
		"ts":            CanonicalTimestamp(e.Timestamp),
		"actor_user_id": actor,
		"actor_ip":      e.ActorIP,
		"user_agent":    e.UserAgent,
		"action":        e.Action,
		"entity_type":   e.EntityType,
		"entity_id":     e.EntityID,
		"metadata":      metadata,
		"severity":      string(severity),
		"success":       e.Success,
	}
}

// Hash recomputes the event hash from the stored fields and the given
// previous hash. Used at emission and again during verification.
func (e *Event) Hash(prevHash string) (string, error) {
	payload, err := CanonicalJSON(e.payload())
	if err != nil {
		return "", err
	}
	return ComputeEventHash(prevHash, payload), nil
}
