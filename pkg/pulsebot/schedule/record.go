// Package schedule holds the persisted schedule model and the trigger
// calculator that turns a (type, value) pair into a recurrence rule.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is matched by record validation errors other than a bad
// recurrence, which match ErrParse.
var ErrInvalid = errors.New("invalid schedule record")

// Type is the recurrence kind of a schedule.
type Type string

const (
	TypeDaily    Type = "daily"
	TypeWeekly   Type = "weekly"
	TypeInterval Type = "interval"
)

// Types lists the accepted schedule types in display order.
var Types = []Type{TypeDaily, TypeWeekly, TypeInterval}

// Record is a persisted description of a recurring message delivery.
type Record struct {
	// ID is assigned by the store on insert.
	ID string `json:"id"`

	// UserID is the Discord user that owns the schedule.
	UserID string `json:"user_id"`

	// ChannelID is where the message is delivered.
	ChannelID string `json:"channel_id"`

	// Message is the template text, used verbatim when the owner has no profile.
	Message string `json:"message"`

	Type  Type   `json:"schedule_type"`
	Value string `json:"schedule_value"`

	// CreatedAt never changes after insert.
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord builds a record and validates its recurrence. The ID is left
// empty for the store to fill in.
func NewRecord(userID, channelID, message string, typ Type, value string, now time.Time) (Record, error) {
	if _, err := Compute(typ, value); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(message) == "" {
		return Record{}, fmt.Errorf("%w: message is required", ErrInvalid)
	}
	return Record{
		UserID:    userID,
		ChannelID: channelID,
		Message:   message,
		Type:      typ,
		Value:     value,
		CreatedAt: now.UTC(),
	}, nil
}

// Rule parses the record's recurrence.
func (r Record) Rule() (Rule, error) {
	return Compute(r.Type, r.Value)
}

// ListLine formats the record as one line of the list_schedules output.
// index is 1-based.
func (r Record) ListLine(index int) string {
	return fmt.Sprintf("%d. %s (%s: %s)", index, r.Message, r.Type, r.Value)
}

// Profile is freeform text a user stores about themselves. The dispatcher
// uses it to personalise scheduled messages.
type Profile struct {
	UserID string `json:"user_id"`
	Info   string `json:"info"`
}
