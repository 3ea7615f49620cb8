package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories/memory"
)

const (
	trustedSource   = "EPIC"
	untrustedSource = "bedside-monitor"
)

var (
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

// recordingPublisher keeps every batch it is handed.
type recordingPublisher struct {
	batches [][]models.Change
}

func (p *recordingPublisher) Publish(_ context.Context, changes []models.Change) error {
	p.batches = append(p.batches, changes)
	return nil
}

type testEnv struct {
	store     *memory.Store
	repos     *repositories.Set
	cache     *ObservationTypeCache
	clock     *fixedClock
	publisher *recordingPublisher
	processor EventProcessor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.NewStore()
	repos := store.Repositories()
	logger := zap.NewNop()
	cache := NewObservationTypeCache(repos.ObservationTypes, repos.Audit, logger)
	clock := &fixedClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	publisher := &recordingPublisher{}

	processor := NewEventProcessor(&EventProcessorDeps{
		Transactor: store,
		Repos:      repos,
		Trust:      NewTrustTable([]string{trustedSource, "caboodle"}),
		Cache:      cache,
		Publisher:  publisher,
		Clock:      clock,
		Logger:     logger,
	})

	return &testEnv{
		store:     store,
		repos:     repos,
		cache:     cache,
		clock:     clock,
		publisher: publisher,
		processor: processor,
	}
}

func (e *testEnv) process(evt *models.Event) error {
	return e.processor.Process(context.Background(), evt, nil)
}

// read runs fn in a transaction of its own.
func (e *testEnv) read(t *testing.T, fn func(ctx context.Context)) {
	t.Helper()
	require.NoError(t, e.store.InTransaction(context.Background(), func(ctx context.Context) error {
		fn(ctx)
		return nil
	}))
}

func (e *testEnv) mrn(t *testing.T, mrn string) *models.Mrn {
	t.Helper()
	var out *models.Mrn
	e.read(t, func(ctx context.Context) {
		var err error
		out, err = e.repos.Mrns.FindByMrn(ctx, mrn)
		require.NoError(t, err)
	})
	return out
}

func (e *testEnv) visit(t *testing.T, encounter string) *models.HospitalVisit {
	t.Helper()
	var out *models.HospitalVisit
	e.read(t, func(ctx context.Context) {
		var err error
		out, err = e.repos.Visits.FindByEncounter(ctx, encounter)
		require.NoError(t, err)
	})
	return out
}

func (e *testEnv) observationType(t *testing.T, key models.ObservationTypeKey) *models.VisitObservationType {
	t.Helper()
	var out *models.VisitObservationType
	e.read(t, func(ctx context.Context) {
		var err error
		out, err = e.repos.ObservationTypes.Find(ctx, key)
		require.NoError(t, err)
	})
	return out
}

// audits returns the committed audit rows of one family.
func (e *testEnv) audits(family string) []models.AuditEntry {
	var out []models.AuditEntry
	for _, entry := range e.store.AuditEntries() {
		if entry.Family == family {
			out = append(out, entry)
		}
	}
	return out
}

func adtEvent(kind models.EventKind, source string, recordedAt time.Time, mrn string, adt models.AdtDetails) *models.Event {
	return &models.Event{
		Kind:         kind,
		SourceSystem: source,
		RecordedAt:   recordedAt,
		Patient:      &models.PatientIdentity{Mrn: mrn},
		Adt:          &adt,
	}
}

func flowsheetEvent(source string, recordedAt time.Time, mrn string, fs models.FlowsheetDetails) *models.Event {
	if fs.SourceObservationType == "" {
		fs.SourceObservationType = "flowsheet"
	}
	return &models.Event{
		Kind:         models.EventFlowsheet,
		SourceSystem: source,
		RecordedAt:   recordedAt,
		Patient:      &models.PatientIdentity{Mrn: mrn},
		Flowsheet:    &fs,
	}
}

func metadataEvent(source string, recordedAt time.Time, meta models.FlowsheetMeta) *models.Event {
	if meta.SourceObservationType == "" {
		meta.SourceObservationType = "flowsheet"
	}
	return &models.Event{
		Kind:              models.EventFlowsheetMetadata,
		SourceSystem:      source,
		RecordedAt:        recordedAt,
		FlowsheetMetadata: &meta,
	}
}

func labEvent(source string, recordedAt time.Time, mrn string, lab models.LabOrderDetails) *models.Event {
	return &models.Event{
		Kind:         models.EventLabOrder,
		SourceSystem: source,
		RecordedAt:   recordedAt,
		Patient:      &models.PatientIdentity{Mrn: mrn},
		Lab:          &lab,
	}
}
