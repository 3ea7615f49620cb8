package models

import "time"

// SourceRecord is one row of the ordered source table. Payload is opaque to
// the reader and handed to the parser unchanged.
type SourceRecord struct {
	SequenceID  int64     `json:"sequence_id"`
	MessageTime time.Time `json:"message_time"`
	ContentType string    `json:"content_type,omitempty"`
	Payload     []byte    `json:"payload"`
}

// SkippedRecord is written when a record is given up on without producing events.
type SkippedRecord struct {
	SequenceID int64     `json:"sequence_id"`
	Reason     string    `json:"reason"`
	Payload    []byte    `json:"payload"`
	SkippedAt  time.Time `json:"skipped_at"`
}
