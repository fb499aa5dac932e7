package webhook

import (
	"time"

	"gorm.io/datatypes"
)

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// ProcessorEvent records every verified webhook event. The unique
// (provider, event_id) pair is the replay guard.
type ProcessorEvent struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	Provider     string         `gorm:"column:provider;type:varchar(32);not null;uniqueIndex:idx_processor_events_provider_event" json:"provider"`
	EventID      string         `gorm:"column:event_id;not null;uniqueIndex:idx_processor_events_provider_event" json:"event_id"`
	Type         string         `gorm:"column:type;type:varchar(64);index" json:"type"`
	Kind         string         `gorm:"column:kind;type:varchar(32)" json:"kind"`
	ObjectID     string         `gorm:"column:object_id;index" json:"object_id"`
	Payload      datatypes.JSON `gorm:"column:payload" json:"payload"`
	Outcome      Outcome        `gorm:"column:outcome;type:varchar(16)" json:"outcome"`
	ProcessError string         `gorm:"column:process_error;type:varchar(500)" json:"process_error,omitempty"`
	ReceivedAt   time.Time      `gorm:"column:received_at;not null" json:"received_at"`
	ProcessedAt  *time.Time     `gorm:"column:processed_at" json:"processed_at"`
}

// Ack is returned to the processor once an event is durable.
type Ack struct {
	Received  bool    `json:"received"`
	EventID   string  `json:"event_id"`
	Duplicate bool    `json:"duplicate,omitempty"`
	Outcome   Outcome `json:"outcome,omitempty"`
}
