package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

type mrnRepository struct{}

func (mrnRepository) FindByMrn(ctx context.Context, mrn string) (*models.Mrn, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	if m, err := st.mrns.find(func(m *models.Mrn) bool { return m.Mrn == mrn }); err == nil {
		return m, nil
	}
	return st.mrns.find(func(m *models.Mrn) bool { return m.Answers(mrn) })
}

func (mrnRepository) Save(ctx context.Context, m *models.Mrn) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.mrns.save(m)
}

func (mrnRepository) Delete(ctx context.Context, m *models.Mrn) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.mrns.delete(m)
	return nil
}

type visitRepository struct{}

func (visitRepository) FindByEncounter(ctx context.Context, encounter string) (*models.HospitalVisit, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.visits.find(func(v *models.HospitalVisit) bool { return v.Encounter == encounter })
}

func (visitRepository) FindAllByMrnID(ctx context.Context, mrnID uuid.UUID) ([]*models.HospitalVisit, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.visits.findAll(func(v *models.HospitalVisit) bool { return v.MrnID == mrnID }), nil
}

func (visitRepository) Save(ctx context.Context, v *models.HospitalVisit) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.visits.save(v)
}

func (visitRepository) Delete(ctx context.Context, v *models.HospitalVisit) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.visits.delete(v)
	return nil
}

type labNumberRepository struct{}

func (labNumberRepository) FindByKey(ctx context.Context, key models.LabNumberKey) (*models.LabNumber, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.labNumbers.find(key.Matches)
}

func (labNumberRepository) FindAllByMrnID(ctx context.Context, mrnID uuid.UUID) ([]*models.LabNumber, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.labNumbers.findAll(func(l *models.LabNumber) bool { return l.MrnID == mrnID }), nil
}

func (labNumberRepository) FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.LabNumber, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.labNumbers.findAll(func(l *models.LabNumber) bool {
		return l.HospitalVisitID != nil && *l.HospitalVisitID == visitID
	}), nil
}

func (labNumberRepository) Save(ctx context.Context, l *models.LabNumber) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.labNumbers.save(l)
}

func (labNumberRepository) Delete(ctx context.Context, l *models.LabNumber) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.labNumbers.delete(l)
	return nil
}

type testDefinitionRepository struct{}

func (testDefinitionRepository) FindByKey(ctx context.Context, labProvider, labDepartment, testLabCode string) (*models.LabTestDefinition, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.testDefinitions.find(func(d *models.LabTestDefinition) bool {
		return d.LabProvider == labProvider && d.LabDepartment == labDepartment && d.TestLabCode == testLabCode
	})
}

func (testDefinitionRepository) Save(ctx context.Context, d *models.LabTestDefinition) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.testDefinitions.save(d)
}

func (testDefinitionRepository) Delete(ctx context.Context, d *models.LabTestDefinition) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.testDefinitions.delete(d)
	return nil
}

type batteryElementRepository struct{}

func (batteryElementRepository) FindByKey(ctx context.Context, batteryCode string, testDefinitionID uuid.UUID, labProvider string) (*models.LabBatteryElement, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.batteryElements.find(func(e *models.LabBatteryElement) bool {
		return e.BatteryCode == batteryCode && e.LabTestDefinitionID == testDefinitionID && e.LabProvider == labProvider
	})
}

func (batteryElementRepository) Save(ctx context.Context, e *models.LabBatteryElement) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.batteryElements.save(e)
}

func (batteryElementRepository) Delete(ctx context.Context, e *models.LabBatteryElement) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.batteryElements.delete(e)
	return nil
}

type labOrderRepository struct{}

func (labOrderRepository) FindByKey(ctx context.Context, batteryElementID, labNumberID uuid.UUID, orderDatetime time.Time) (*models.LabOrder, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.labOrders.find(func(o *models.LabOrder) bool {
		return o.LabBatteryElementID == batteryElementID && o.LabNumberID == labNumberID && o.OrderDatetime.Equal(orderDatetime)
	})
}

func (labOrderRepository) Save(ctx context.Context, o *models.LabOrder) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.labOrders.save(o)
}

func (labOrderRepository) Delete(ctx context.Context, o *models.LabOrder) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.labOrders.delete(o)
	return nil
}

type labResultRepository struct{}

func (labResultRepository) FindByKey(ctx context.Context, labOrderID, testDefinitionID uuid.UUID) (*models.LabResult, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.labResults.find(func(r *models.LabResult) bool {
		return r.LabOrderID == labOrderID && r.LabTestDefinitionID == testDefinitionID
	})
}

func (labResultRepository) Save(ctx context.Context, r *models.LabResult) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.labResults.save(r)
}

func (labResultRepository) Delete(ctx context.Context, r *models.LabResult) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.labResults.delete(r)
	return nil
}

type observationTypeRepository struct{}

func (observationTypeRepository) Find(ctx context.Context, key models.ObservationTypeKey) (*models.VisitObservationType, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.observationTypes.find(key.Matches)
}

func (observationTypeRepository) Save(ctx context.Context, t *models.VisitObservationType) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.observationTypes.save(t)
}

func (observationTypeRepository) Delete(ctx context.Context, t *models.VisitObservationType) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.observationTypes.delete(t)
	return nil
}

type observationRepository struct{}

func (observationRepository) FindByKey(ctx context.Context, visitID, typeID uuid.UUID, observedAt time.Time) (*models.VisitObservation, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.observations.find(func(o *models.VisitObservation) bool {
		return o.HospitalVisitID == visitID && o.VisitObservationTypeID == typeID && o.ObservationDatetime.Equal(observedAt)
	})
}

func (observationRepository) FindAllByTypeID(ctx context.Context, typeID uuid.UUID) ([]*models.VisitObservation, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.observations.findAll(func(o *models.VisitObservation) bool { return o.VisitObservationTypeID == typeID }), nil
}

func (observationRepository) FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.VisitObservation, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.observations.findAll(func(o *models.VisitObservation) bool { return o.HospitalVisitID == visitID }), nil
}

func (observationRepository) Save(ctx context.Context, o *models.VisitObservation) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.observations.save(o)
}

func (observationRepository) Delete(ctx context.Context, o *models.VisitObservation) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.observations.delete(o)
	return nil
}

type waveformRepository struct{}

func (waveformRepository) FindByKey(ctx context.Context, typeID uuid.UUID, sourceLocation string, observedAt time.Time) (*models.Waveform, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.waveforms.find(func(w *models.Waveform) bool {
		return w.VisitObservationTypeID == typeID && w.SourceLocation == sourceLocation && w.ObservationDatetime.Equal(observedAt)
	})
}

func (waveformRepository) FindAllByTypeID(ctx context.Context, typeID uuid.UUID) ([]*models.Waveform, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.waveforms.findAll(func(w *models.Waveform) bool { return w.VisitObservationTypeID == typeID }), nil
}

func (waveformRepository) FindAllByVisitID(ctx context.Context, visitID uuid.UUID) ([]*models.Waveform, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	return st.waveforms.findAll(func(w *models.Waveform) bool {
		return w.HospitalVisitID != nil && *w.HospitalVisitID == visitID
	}), nil
}

func (waveformRepository) Save(ctx context.Context, w *models.Waveform) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	return st.waveforms.save(w)
}

func (waveformRepository) Delete(ctx context.Context, w *models.Waveform) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.waveforms.delete(w)
	return nil
}

type auditRepository struct{}

func (auditRepository) Create(ctx context.Context, entry *models.AuditEntry) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	stored := *entry
	st.audit = append(st.audit, &stored)
	return nil
}

func (auditRepository) GetByEntity(ctx context.Context, family string, entityID uuid.UUID) ([]*models.AuditEntry, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.AuditEntry
	for _, e := range st.audit {
		if e.Family == family && e.EntityID == entityID {
			entry := *e
			out = append(out, &entry)
		}
	}
	return out, nil
}

type checkpointRepository struct{}

func (checkpointRepository) Get(ctx context.Context) (*models.Checkpoint, error) {
	st, err := stateFrom(ctx)
	if err != nil {
		return nil, err
	}
	if st.checkpoint == nil {
		return nil, apperrors.ErrNotFound
	}
	return st.checkpoint.Clone(), nil
}

func (checkpointRepository) Save(ctx context.Context, cp *models.Checkpoint) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	st.checkpoint = cp.Clone()
	return nil
}

type skippedRecordRepository struct{}

func (skippedRecordRepository) Create(ctx context.Context, rec *models.SkippedRecord) error {
	st, err := stateFrom(ctx)
	if err != nil {
		return err
	}
	stored := *rec
	st.skipped = append(st.skipped, &stored)
	return nil
}
