// Package userevent defines the user lifecycle event exchanged between
// user-service and its consumers, and the Kafka publisher for it.
package userevent

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultTopic carries every user lifecycle event; the key is the user's email.
const DefaultTopic = "user-events"

// Type is an open enum: consumers must tolerate values they do not know.
type Type string

const (
	TypeCreated Type = "USER_CREATED"
	TypeDeleted Type = "USER_DELETED"
)

// Event is a value type. The publisher works on its own copy, so a caller
// cannot change what gets published after handing it over.
type Event struct {
	Type      Type      `json:"eventType"`
	Email     string    `json:"email"`
	UserName  string    `json:"userName"`
	UserID    int64     `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

func NewCreated(userID int64, email, userName string) Event {
	return Event{Type: TypeCreated, Email: email, UserName: userName, UserID: userID}
}

func NewDeleted(userID int64, email, userName string) Event {
	return Event{Type: TypeDeleted, Email: email, UserName: userName, UserID: userID}
}

// Key is the partition key; all events for one recipient stay ordered.
func (e Event) Key() string { return e.Email }

type wireEvent struct {
	Type      Type            `json:"eventType"`
	Email     string          `json:"email"`
	UserName  string          `json:"userName"`
	UserID    int64           `json:"userId"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// timestampLayouts lists the accepted timestamp forms: RFC 3339, then the
// zone-less ISO-8601 form some JVM producers emit (read as UTC).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// UnmarshalJSON is lenient about the timestamp: a missing, null or
// unparsable value decodes as the zero time instead of failing the event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		Type:      w.Type,
		Email:     w.Email,
		UserName:  w.UserName,
		UserID:    w.UserID,
		Timestamp: parseTimestamp(w.Timestamp),
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) time.Time {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
