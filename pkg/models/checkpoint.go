package models

import "time"

// Checkpoint is the reader's durable cursor. EventIndex is the last committed
// event of record SequenceID; RecordComplete is set once the whole record has
// been handled, after which the reader moves on to the next sequence id.
type Checkpoint struct {
	LastProcessedSequenceID int64      `json:"last_processed_sequence_id"`
	LastProcessedEventIndex int        `json:"last_processed_event_index"`
	RecordComplete          bool       `json:"record_complete"`
	LastProcessedEventTime  *time.Time `json:"last_processed_event_time,omitempty"`
	LastProcessingEndTime   time.Time  `json:"last_processing_end_time"`
}

// NewCheckpoint returns the sentinel written on first run: nothing processed.
func NewCheckpoint(now time.Time) *Checkpoint {
	return &Checkpoint{
		LastProcessedEventIndex: -1,
		RecordComplete:          true,
		LastProcessingEndTime:   now,
	}
}

// ResumeIndex returns the first event of record seq that has not been committed.
func (c *Checkpoint) ResumeIndex(seq int64) int {
	if c.RecordComplete || c.LastProcessedSequenceID != seq {
		return 0
	}
	return c.LastProcessedEventIndex + 1
}

// Advance moves the cursor past event index of record seq.
func (c *Checkpoint) Advance(seq int64, index int, complete bool, eventTime *time.Time, now time.Time) {
	c.LastProcessedSequenceID = seq
	c.LastProcessedEventIndex = index
	c.RecordComplete = complete
	if eventTime != nil {
		t := *eventTime
		c.LastProcessedEventTime = &t
	}
	c.LastProcessingEndTime = now
}

// Clone returns a copy safe to mutate.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.LastProcessedEventTime = clonePtr(c.LastProcessedEventTime)
	return &out
}
