package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record field names, as they appear in JSON and in store queries
const (
	FieldUserID      = "user_id"
	FieldUsername    = "username"
	FieldScore       = "score"
	FieldTimestamp   = "timestamp"
	FieldGameDetails = "game_details"
)

// GameDetails is the free-form payload attached to a score
type GameDetails map[string]Value

// MarshalJSON encodes a nil payload as an empty object
func (d GameDetails) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Value(d))
}

// Clone returns a copy that never aliases d
func (d GameDetails) Clone() GameDetails {
	cp := make(GameDetails, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

// ScoreRecord is a single persisted score entry
type ScoreRecord struct {
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	Score       Value       `json:"score"`
	Timestamp   string      `json:"timestamp"`
	GameDetails GameDetails `json:"game_details"`
}

// Field returns the value of a named record field
func (r ScoreRecord) Field(name string) (Value, bool) {
	switch name {
	case FieldUserID:
		return String(r.UserID), true
	case FieldUsername:
		return String(r.Username), true
	case FieldScore:
		return r.Score, true
	case FieldTimestamp:
		return String(r.Timestamp), true
	case FieldGameDetails:
		return Object(r.GameDetails), true
	default:
		return Null(), false
	}
}

// Clone returns a deep enough copy for callers to mutate safely
func (r ScoreRecord) Clone() ScoreRecord {
	r.GameDetails = r.GameDetails.Clone()
	return r
}

// ScoreEntry is a record together with its store-assigned id
type ScoreEntry struct {
	ID string `json:"id"`
	ScoreRecord
}

// ScoreSubmission represents a request to submit a score
type ScoreSubmission struct {
	UserID      string      `json:"user_id"`
	Username    string      `json:"username"`
	Score       Value       `json:"score"`
	GameDetails GameDetails `json:"game_details,omitempty"`
}

// DecodeSubmission parses a JSON submission body
func DecodeSubmission(data []byte) (ScoreSubmission, error) {
	var sub ScoreSubmission
	if err := json.Unmarshal(data, &sub); err != nil {
		return ScoreSubmission{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return sub, nil
}

// Validate checks that user_id, username and score are all set. Presence of
// the key is not enough: an empty user_id or username, or a null score, is
// rejected as missing.
func (s ScoreSubmission) Validate() error {
	if s.UserID == "" || s.Username == "" || s.Score.IsNull() {
		return ErrMissingFields
	}
	return nil
}

// ToRecord builds the record to persist, stamped with timestamp
func (s ScoreSubmission) ToRecord(timestamp string) ScoreRecord {
	return ScoreRecord{
		UserID:      s.UserID,
		Username:    s.Username,
		Score:       s.Score,
		Timestamp:   timestamp,
		GameDetails: s.GameDetails.Clone(),
	}
}

// ScoreUpdate holds the mutable fields present in an update request.
// Nil means the field was absent.
type ScoreUpdate struct {
	Score       *Value       `json:"score,omitempty"`
	Username    *string      `json:"username,omitempty"`
	GameDetails *GameDetails `json:"game_details,omitempty"`
}

// DecodeUpdate parses a JSON update body. Fields other than score, username
// and game_details are ignored. An explicit null for one of them is rejected,
// since none of them can be cleared.
func DecodeUpdate(data []byte) (ScoreUpdate, error) {
	var upd ScoreUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return ScoreUpdate{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return ScoreUpdate{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	for _, field := range []string{FieldScore, FieldUsername, FieldGameDetails} {
		if raw, ok := present[field]; ok && string(bytes.TrimSpace(raw)) == "null" {
			return ScoreUpdate{}, fmt.Errorf("%w: %s must not be null", ErrInvalidPayload, field)
		}
	}

	if upd.Username != nil && *upd.Username == "" {
		return ScoreUpdate{}, fmt.Errorf("%w: username must not be empty", ErrInvalidPayload)
	}
	return upd, nil
}

// IsEmpty reports whether the update carries no fields
func (u ScoreUpdate) IsEmpty() bool {
	return u.Score == nil && u.Username == nil && u.GameDetails == nil
}

// Apply returns rec with the present fields replaced
func (u ScoreUpdate) Apply(rec ScoreRecord) ScoreRecord {
	rec = rec.Clone()
	if u.Score != nil {
		rec.Score = *u.Score
	}
	if u.Username != nil {
		rec.Username = *u.Username
	}
	if u.GameDetails != nil {
		rec.GameDetails = u.GameDetails.Clone()
	}
	return rec
}

// Fields returns the present fields keyed by their record field name
func (u ScoreUpdate) Fields() map[string]Value {
	fields := make(map[string]Value, 3)
	if u.Score != nil {
		fields[FieldScore] = *u.Score
	}
	if u.Username != nil {
		fields[FieldUsername] = String(*u.Username)
	}
	if u.GameDetails != nil {
		fields[FieldGameDetails] = Object(*u.GameDetails)
	}
	return fields
}

// FilterByField returns the records whose field equals value
func FilterByField(records map[string]ScoreRecord, field string, value Value) map[string]ScoreRecord {
	out := make(map[string]ScoreRecord)
	for id, rec := range records {
		if v, ok := rec.Field(field); ok && v.Equal(value) {
			out[id] = rec
		}
	}
	return out
}

// CompareRank orders entries by field. Among equal values the earlier
// submission (timestamp, then id) ranks higher. The result is positive when
// a ranks above b.
func CompareRank(a, b ScoreEntry, field string) int {
	va, _ := a.Field(field)
	vb, _ := b.Field(field)
	if c := Compare(va, vb); c != 0 {
		return c
	}
	if c := compareTimestamps(a.Timestamp, b.Timestamp); c != 0 {
		return -c
	}
	return -strings.Compare(a.ID, b.ID)
}

func compareTimestamps(a, b string) int {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return ta.Compare(tb)
}

// LastByField orders records ascending by CompareRank and returns the last
// limit of them, still ascending. Reversing the result gives the top limit
// records, and the top limit is always a prefix of the top limit+1.
func LastByField(records map[string]ScoreRecord, field string, limit int) []ScoreEntry {
	if limit <= 0 {
		return []ScoreEntry{}
	}

	entries := make([]ScoreEntry, 0, len(records))
	for id, rec := range records {
		entries = append(entries, ScoreEntry{ID: id, ScoreRecord: rec})
	}

	sort.Slice(entries, func(i, j int) bool {
		return CompareRank(entries[i], entries[j], field) < 0
	})

	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// ServiceStatus is the informational health payload
type ServiceStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Endpoints map[string]string `json:"endpoints"`
}

// TimestampLayout is the fixed-width UTC layout used for record timestamps,
// so that string order matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"
