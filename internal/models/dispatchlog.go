package models

import (
	"time"

	"github.com/google/uuid"
)

// One row per resolved outbound dispatch. Written after the request
// handle resolves, so attempts and latencies are final values.
type DispatchLog struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	RequestID     uuid.UUID  `gorm:"type:uuid;index" json:"request_id"`
	APIKeyID      *uuid.UUID `gorm:"index" json:"api_key_id,omitempty"`
	Timestamp     time.Time  `gorm:"index" json:"timestamp"`
	Service       string     `gorm:"index" json:"service"`
	EndpointKey   string     `gorm:"index" json:"endpoint_key"`
	Method        string     `json:"method"`
	URL           string     `json:"url"`
	StatusCode    int        `gorm:"index" json:"status_code"`
	Outcome       string     `gorm:"index" json:"outcome"`
	Attempts      int        `json:"attempts"`
	QueueWaitMs   int        `json:"queue_wait_ms"`
	AcquireWaitMs int        `json:"acquire_wait_ms"`
	CallTimeMs    int        `json:"call_time_ms"`
}

func (DispatchLog) TableName() string {
	return "dispatch_logs"
}
