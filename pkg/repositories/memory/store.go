// Package memory provides an in-process implementation of the reconciliation
// store. Each transaction works on a deep copy of the state that replaces the
// committed state only when the transaction succeeds.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
)

// table holds the live rows of one entity family keyed by id. keys returns
// the unique business keys of a row; Save rejects a row whose key is already
// held by a different id.
type table[E models.Entity[E]] struct {
	rows map[uuid.UUID]E
	keys func(E) []string
}

func newTable[E models.Entity[E]](keys func(E) []string) *table[E] {
	return &table[E]{rows: make(map[uuid.UUID]E), keys: keys}
}

func (t *table[E]) clone() *table[E] {
	out := &table[E]{rows: make(map[uuid.UUID]E, len(t.rows)), keys: t.keys}
	for id, row := range t.rows {
		out.rows[id] = row.Clone()
	}
	return out
}

// find returns a copy of the first row, in id order, for which match holds.
func (t *table[E]) find(match func(E) bool) (E, error) {
	all := t.findAll(match)
	if len(all) == 0 {
		var zero E
		return zero, apperrors.ErrNotFound
	}
	return all[0], nil
}

func (t *table[E]) findAll(match func(E) bool) []E {
	ids := make([]uuid.UUID, 0, len(t.rows))
	for id, row := range t.rows {
		if match(row) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })

	out := make([]E, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.rows[id].Clone())
	}
	return out
}

func (t *table[E]) save(row E) error {
	id := row.Meta().ID
	if id == uuid.Nil {
		return fmt.Errorf("%s has no id", row.Family())
	}
	if t.keys != nil {
		for _, key := range t.keys(row) {
			for otherID, other := range t.rows {
				if otherID != id && slices.Contains(t.keys(other), key) {
					return fmt.Errorf("duplicate %s key %q: %w", row.Family(), key, apperrors.ErrConflict)
				}
			}
		}
	}
	t.rows[id] = row.Clone()
	return nil
}

func (t *table[E]) delete(row E) {
	delete(t.rows, row.Meta().ID)
}

type state struct {
	mrns             *table[*models.Mrn]
	visits           *table[*models.HospitalVisit]
	labNumbers       *table[*models.LabNumber]
	testDefinitions  *table[*models.LabTestDefinition]
	batteryElements  *table[*models.LabBatteryElement]
	labOrders        *table[*models.LabOrder]
	labResults       *table[*models.LabResult]
	observationTypes *table[*models.VisitObservationType]
	observations     *table[*models.VisitObservation]
	waveforms        *table[*models.Waveform]
	audit            []*models.AuditEntry
	checkpoint       *models.Checkpoint
	skipped          []*models.SkippedRecord
}

func newState() *state {
	return &state{
		mrns: newTable(func(m *models.Mrn) []string { return []string{m.Mrn} }),
		visits: newTable(func(v *models.HospitalVisit) []string {
			return []string{v.Encounter}
		}),
		labNumbers: newTable(func(l *models.LabNumber) []string {
			visit := ""
			if l.HospitalVisitID != nil {
				visit = l.HospitalVisitID.String()
			}
			return []string{l.MrnID.String() + "|" + visit + "|" + l.InternalLabNumber + "|" + l.ExternalLabNumber}
		}),
		testDefinitions: newTable(func(d *models.LabTestDefinition) []string {
			return []string{d.LabProvider + "|" + d.LabDepartment + "|" + d.TestLabCode}
		}),
		batteryElements: newTable(func(e *models.LabBatteryElement) []string {
			return []string{e.BatteryCode + "|" + e.LabTestDefinitionID.String() + "|" + e.LabProvider}
		}),
		labOrders: newTable(func(o *models.LabOrder) []string {
			return []string{o.LabBatteryElementID.String() + "|" + o.LabNumberID.String() + "|" + o.OrderDatetime.UTC().String()}
		}),
		labResults: newTable(func(r *models.LabResult) []string {
			return []string{r.LabOrderID.String() + "|" + r.LabTestDefinitionID.String()}
		}),
		observationTypes: newTable(func(t *models.VisitObservationType) []string {
			var keys []string
			if t.InterfaceID != nil {
				keys = append(keys, "interface|"+*t.InterfaceID+"|"+t.SourceObservationType)
			}
			if t.IDInApplication != nil {
				keys = append(keys, "application|"+*t.IDInApplication+"|"+t.SourceObservationType)
			}
			return keys
		}),
		observations: newTable(func(o *models.VisitObservation) []string {
			return []string{o.HospitalVisitID.String() + "|" + o.VisitObservationTypeID.String() + "|" + o.ObservationDatetime.UTC().String()}
		}),
		waveforms: newTable(func(w *models.Waveform) []string {
			return []string{w.VisitObservationTypeID.String() + "|" + w.SourceLocation + "|" + w.ObservationDatetime.UTC().String()}
		}),
	}
}

func (s *state) clone() *state {
	out := &state{
		mrns:             s.mrns.clone(),
		visits:           s.visits.clone(),
		labNumbers:       s.labNumbers.clone(),
		testDefinitions:  s.testDefinitions.clone(),
		batteryElements:  s.batteryElements.clone(),
		labOrders:        s.labOrders.clone(),
		labResults:       s.labResults.clone(),
		observationTypes: s.observationTypes.clone(),
		observations:     s.observations.clone(),
		waveforms:        s.waveforms.clone(),
		audit:            slices.Clone(s.audit),
		skipped:          slices.Clone(s.skipped),
	}
	if s.checkpoint != nil {
		out.checkpoint = s.checkpoint.Clone()
	}
	return out
}

// Store is an in-memory reconciliation store. Transactions are serialized.
type Store struct {
	mu    sync.Mutex
	state *state

	// committed is the checkpoint of the last commit, readable without
	// waiting for a running transaction.
	checkpointMu sync.RWMutex
	committed    *models.Checkpoint

	sourceMu sync.Mutex
	source   []*models.SourceRecord
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

var _ repositories.Transactor = (*Store)(nil)

type txKey struct{}

// InTransaction runs fn against a copy of the committed state and commits the
// copy if fn returns nil. Nested calls join the outer transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*state); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(context.WithValue(ctx, txKey{}, working)); err != nil {
		return err
	}
	s.state = working

	s.checkpointMu.Lock()
	s.committed = working.checkpoint
	s.checkpointMu.Unlock()
	return nil
}

func stateFrom(ctx context.Context) (*state, error) {
	st, ok := ctx.Value(txKey{}).(*state)
	if !ok {
		return nil, fmt.Errorf("no transaction scope in context")
	}
	return st, nil
}

// Repositories returns repositories backed by this store. Every call must be
// made with a context obtained from InTransaction.
func (s *Store) Repositories() *repositories.Set {
	return &repositories.Set{
		Mrns:               mrnRepository{},
		Visits:             visitRepository{},
		LabNumbers:         labNumberRepository{},
		LabTestDefinitions: testDefinitionRepository{},
		LabBatteryElements: batteryElementRepository{},
		LabOrders:          labOrderRepository{},
		LabResults:         labResultRepository{},
		ObservationTypes:   observationTypeRepository{},
		Observations:       observationRepository{},
		Waveforms:          waveformRepository{},
		Audit:              auditRepository{},
		Checkpoints:        checkpointRepository{},
		SkippedRecords:     skippedRecordRepository{},
	}
}

// AppendSource adds a record to the source table and returns its sequence id.
func (s *Store) AppendSource(rec models.SourceRecord) int64 {
	s.sourceMu.Lock()
	defer s.sourceMu.Unlock()

	rec.SequenceID = int64(len(s.source) + 1)
	s.source = append(s.source, &rec)
	return rec.SequenceID
}

// Next implements repositories.SourceRecordRepository.
func (s *Store) Next(_ context.Context, after int64) (*models.SourceRecord, error) {
	s.sourceMu.Lock()
	defer s.sourceMu.Unlock()

	for _, rec := range s.source {
		if rec.SequenceID > after {
			out := *rec
			out.Payload = slices.Clone(rec.Payload)
			return &out, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

var _ repositories.SourceRecordRepository = (*Store)(nil)

// SkippedRecords returns the committed skipped-record rows.
func (s *Store) SkippedRecords() []models.SkippedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.SkippedRecord, 0, len(s.state.skipped))
	for _, rec := range s.state.skipped {
		out = append(out, *rec)
	}
	return out
}

// AuditEntries returns the committed audit rows in insertion order.
func (s *Store) AuditEntries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.AuditEntry, 0, len(s.state.audit))
	for _, entry := range s.state.audit {
		out = append(out, *entry)
	}
	return out
}

// Checkpoint returns the committed checkpoint, or nil before the first run.
// It neither opens a transaction nor waits for one.
func (s *Store) Checkpoint() *models.Checkpoint {
	s.checkpointMu.RLock()
	defer s.checkpointMu.RUnlock()

	if s.committed == nil {
		return nil
	}
	return s.committed.Clone()
}

// ReadCheckpoint is Checkpoint in the shape the health endpoint expects.
func (s *Store) ReadCheckpoint(context.Context) (*models.Checkpoint, error) {
	return s.Checkpoint(), nil
}
