package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is an immutable snapshot of an entity as it was before an update
// or delete superseded it. Snapshot carries every attribute of the entity.
type AuditEntry struct {
	ID           uuid.UUID       `json:"id"`
	Family       string          `json:"family"`
	EntityID     uuid.UUID       `json:"entity_id"`
	SourceSystem string          `json:"source_system"`
	ValidFrom    time.Time       `json:"valid_from"`
	StoredFrom   time.Time       `json:"stored_from"`
	ValidUntil   time.Time       `json:"valid_until"`
	StoredUntil  time.Time       `json:"stored_until"`
	Snapshot     json.RawMessage `json:"snapshot"`
}

// NewAuditEntry builds the audit row for snapshot, superseded at validUntil
// (event time) and storedUntil (processing time).
func NewAuditEntry[E Entity[E]](snapshot E, validUntil, storedUntil time.Time) (*AuditEntry, error) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s snapshot: %w", snapshot.Family(), err)
	}

	meta := snapshot.Meta()
	return &AuditEntry{
		ID:           uuid.New(),
		Family:       snapshot.Family(),
		EntityID:     meta.ID,
		SourceSystem: meta.SourceSystem,
		ValidFrom:    meta.ValidFrom,
		StoredFrom:   meta.StoredFrom,
		ValidUntil:   validUntil,
		StoredUntil:  storedUntil,
		Snapshot:     body,
	}, nil
}

// DecodeSnapshot unmarshals an audit snapshot back into its entity type.
func DecodeSnapshot[T any](entry *AuditEntry) (*T, error) {
	var out T
	if err := json.Unmarshal(entry.Snapshot, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s snapshot: %w", entry.Family, err)
	}
	return &out, nil
}
