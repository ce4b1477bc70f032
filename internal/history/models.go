// Package history persists call lifecycles and transcripts for later
// review. Persistence is best effort and never blocks live call
// processing.
package history

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pitabwire/frame/data"
)

// CallRecord is one phone call's lifecycle row.
type CallRecord struct {
	data.BaseModel

	CallID       string       `gorm:"type:varchar(100);not null;uniqueIndex:idx_calls_call_id" json:"call_id"`
	Direction    string       `gorm:"type:varchar(20)"                                         json:"direction,omitempty"`
	FromNumber   string       `gorm:"type:varchar(50)"                                         json:"from_number,omitempty"`
	ToNumber     string       `gorm:"type:varchar(50)"                                         json:"to_number,omitempty"`
	Status       string       `gorm:"type:varchar(20);default:'in_progress'"                   json:"status"`
	StartedAt    time.Time    `gorm:"not null"                                                 json:"started_at"`
	EndedAt      sql.NullTime `json:"ended_at,omitempty"`
	RecordingURL string       `gorm:"type:varchar(2048)"                                       json:"recording_url,omitempty"`
}

func (CallRecord) TableName() string { return "calls" }

const (
	CallStatusInProgress = "in_progress"
	CallStatusCompleted  = "completed"
)

// TranscriptEntry is one spoken turn within a call.
type TranscriptEntry struct {
	data.BaseModel

	CallID   string       `gorm:"type:varchar(100);not null;index:idx_transcripts_call" json:"call_id"`
	Speaker  string       `gorm:"type:varchar(20);not null"                             json:"speaker"`
	Text     string       `gorm:"type:text;not null"                                    json:"text"`
	Entities EntitiesJSON `gorm:"type:jsonb;default:'{}'"                               json:"entities,omitempty"`
	SpokenAt time.Time    `gorm:"not null"                                              json:"spoken_at"`
}

func (TranscriptEntry) TableName() string { return "transcripts" }

// EntitiesJSON is a custom GORM type for JSONB storage of extracted
// entity fields.
type EntitiesJSON map[string]string

func (e EntitiesJSON) Value() (interface{}, error) {
	if e == nil {
		return json.Marshal(map[string]string{})
	}
	return json.Marshal(e)
}

func (e *EntitiesJSON) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		*e = EntitiesJSON{}
		return nil
	}
}
