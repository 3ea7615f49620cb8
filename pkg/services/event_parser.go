package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// Parser turns one source record into the ordered events it carries.
type Parser interface {
	RecordToEvents(record *models.SourceRecord) ([]*models.Event, error)
}

// eventEnvelope is the payload layout of a source record.
type eventEnvelope struct {
	Events []*models.Event `json:"events" yaml:"events"`
}

type envelopeParser struct{}

// NewEnvelopeParser returns a Parser for JSON or YAML event envelopes. The
// format is taken from the record's content type, or sniffed from the payload
// when none is given.
func NewEnvelopeParser() Parser {
	return envelopeParser{}
}

var _ Parser = envelopeParser{}

func (envelopeParser) RecordToEvents(record *models.SourceRecord) ([]*models.Event, error) {
	payload := bytes.TrimSpace(record.Payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("record %d has an empty payload: %w", record.SequenceID, apperrors.ErrUnparseable)
	}

	var envelope eventEnvelope
	var err error
	if isYAML(record.ContentType, payload) {
		err = yaml.Unmarshal(payload, &envelope)
	} else {
		err = json.Unmarshal(payload, &envelope)
	}
	if err != nil {
		return nil, fmt.Errorf("record %d: %v: %w", record.SequenceID, err, apperrors.ErrUnparseable)
	}

	events := make([]*models.Event, 0, len(envelope.Events))
	for i, evt := range envelope.Events {
		if evt == nil {
			return nil, fmt.Errorf("record %d event %d is empty: %w", record.SequenceID, i, apperrors.ErrUnparseable)
		}
		if !evt.Kind.IsValid() {
			return nil, fmt.Errorf("record %d event %d has unknown kind %q: %w",
				record.SequenceID, i, evt.Kind, apperrors.ErrUnparseable)
		}
		events = append(events, evt)
	}
	return events, nil
}

func isYAML(contentType string, payload []byte) bool {
	contentType = strings.ToLower(contentType)
	switch {
	case strings.Contains(contentType, "yaml"):
		return true
	case strings.Contains(contentType, "json"):
		return false
	default:
		return payload[0] != '{'
	}
}
