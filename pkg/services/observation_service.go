package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// ObservationService reconciles flowsheet observation types and values.
type ObservationService interface {
	// ProcessMetadata applies observation type metadata. Metadata carrying both
	// identifiers maps them onto one type, merging rows created separately.
	ProcessMetadata(ctx context.Context, evt *models.Event, at rowstate.Timing) error

	// ProcessFlowsheet records one flowsheet value against the visit.
	ProcessFlowsheet(ctx context.Context, evt *models.Event, visit *models.HospitalVisit, at rowstate.Timing) error

	// ProcessWaveform records one segment of monitor samples against its
	// stream and bed location, linked to the visit when it is already known.
	ProcessWaveform(ctx context.Context, evt *models.Event, at rowstate.Timing) error
}

type observationService struct {
	repos  *repositories.Set
	cache  *ObservationTypeCache
	trust  TrustTable
	logger *zap.Logger
}

// NewObservationService creates a new ObservationService.
func NewObservationService(repos *repositories.Set, cache *ObservationTypeCache, trust TrustTable, logger *zap.Logger) ObservationService {
	return &observationService{
		repos:  repos,
		cache:  cache,
		trust:  trust,
		logger: logger.Named("observation-service"),
	}
}

var _ ObservationService = (*observationService)(nil)

func (s *observationService) ProcessMetadata(ctx context.Context, evt *models.Event, at rowstate.Timing) error {
	meta := evt.FlowsheetMetadata
	if meta.InterfaceID == nil && meta.IDInApplication == nil {
		return fmt.Errorf("observation type metadata has no identifier: %w", apperrors.ErrRequiredDataMissing)
	}
	if meta.IsMapping() {
		return s.processMapping(ctx, meta, at)
	}

	key := models.ObservationTypeKey{
		InterfaceID:           meta.InterfaceID,
		IDInApplication:       meta.IDInApplication,
		SourceObservationType: meta.SourceObservationType,
	}
	state, err := s.cache.GetOrCreateEvicting(ctx, key, at)
	if err != nil {
		return err
	}
	if !state.ShouldApply(s.trust, at.Source) {
		return nil
	}
	applyTypeMetadata(state, meta, at)

	_, err = state.Finalize(ctx, s.repos.ObservationTypes, s.repos.Audit)
	return err
}

// applyTypeMetadata fills metadata fields that are empty or older than the message.
func applyTypeMetadata(state *rowstate.RowState[*models.VisitObservationType], meta *models.FlowsheetMeta, at rowstate.Timing) {
	t := state.Entity()
	validFrom := t.ValidFrom
	rowstate.AssignIfCurrentlyNullOrNewer(state, meta.Name, t.Name, func(v *string) { t.Name = v }, at.EventTime, validFrom)
	rowstate.AssignIfCurrentlyNullOrNewer(state, meta.DisplayName, t.DisplayName, func(v *string) { t.DisplayName = v }, at.EventTime, validFrom)
	rowstate.AssignIfCurrentlyNullOrNewer(state, meta.Description, t.Description, func(v *string) { t.Description = v }, at.EventTime, validFrom)
	rowstate.AssignIfCurrentlyNullOrNewer(state, meta.ValueType, t.PrimaryDataType, func(v *string) { t.PrimaryDataType = v }, at.EventTime, validFrom)
	rowstate.AssignIfCurrentlyNullOrNewer(state, meta.CreationTime, t.CreationTime, func(v *time.Time) { t.CreationTime = v }, at.EventTime, validFrom)
}

func (s *observationService) findType(ctx context.Context, key models.ObservationTypeKey) (*models.VisitObservationType, error) {
	t, err := s.repos.ObservationTypes.Find(ctx, key)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return t, err
}

// processMapping links an interface id to an application id. The row created
// from the reporting database (application id only) survives; the row created
// from the live interface (interface id only) is merged into it.
func (s *observationService) processMapping(ctx context.Context, meta *models.FlowsheetMeta, at rowstate.Timing) error {
	typeName := meta.SourceObservationType
	mapped := models.ObservationTypeKey{InterfaceID: meta.InterfaceID, IDInApplication: meta.IDInApplication, SourceObservationType: typeName}

	existing, err := s.findType(ctx, mapped)
	if err != nil {
		return err
	}
	if existing != nil {
		// Already mapped; only the metadata can change.
		state := rowstate.Existing(existing, at)
		if state.ShouldApply(s.trust, at.Source) {
			applyTypeMetadata(state, meta, at)
		}
		defer s.cache.InvalidateAll()
		_, err := state.Finalize(ctx, s.repos.ObservationTypes, s.repos.Audit)
		return err
	}

	interfaceRow, err := s.findType(ctx, models.ObservationTypeKey{InterfaceID: meta.InterfaceID, SourceObservationType: typeName})
	if err != nil {
		return err
	}
	applicationRow, err := s.findType(ctx, models.ObservationTypeKey{IDInApplication: meta.IDInApplication, SourceObservationType: typeName})
	if err != nil {
		return err
	}

	if interfaceRow != nil && interfaceRow.IDInApplication != nil {
		return fmt.Errorf("interface id %s is already mapped to application id %s: %w",
			*meta.InterfaceID, *interfaceRow.IDInApplication, apperrors.ErrConflictingIdentity)
	}
	if applicationRow != nil && applicationRow.InterfaceID != nil {
		return fmt.Errorf("application id %s is already mapped to interface id %s: %w",
			*meta.IDInApplication, *applicationRow.InterfaceID, apperrors.ErrConflictingIdentity)
	}

	if (interfaceRow != nil || applicationRow != nil) && !s.trust.IsTrusted(at.Source) {
		s.logger.Debug("Observation type mapping from untrusted source ignored",
			zap.String("interface_id", *meta.InterfaceID),
			zap.String("id_in_application", *meta.IDInApplication),
			zap.String("source", at.Source))
		return nil
	}

	switch {
	case interfaceRow == nil && applicationRow == nil:
		state, err := s.cache.GetOrCreateEvicting(ctx, mapped, at)
		if err != nil {
			return err
		}
		applyTypeMetadata(state, meta, at)
		_, err = state.Finalize(ctx, s.repos.ObservationTypes, s.repos.Audit)
		return err

	case interfaceRow == nil:
		return s.addIdentifier(ctx, applicationRow, meta, at)

	case applicationRow == nil:
		return s.addIdentifier(ctx, interfaceRow, meta, at)
	}

	return s.mergeTypes(ctx, applicationRow, interfaceRow, meta, at)
}

// addIdentifier completes a row that is the only one known for the mapping.
func (s *observationService) addIdentifier(ctx context.Context, t *models.VisitObservationType, meta *models.FlowsheetMeta, at rowstate.Timing) error {
	defer s.cache.InvalidateAll()

	state := rowstate.Existing(t, at)
	rowstate.AssignIfDifferent(state, meta.InterfaceID, t.InterfaceID, func(v *string) { t.InterfaceID = v })
	rowstate.AssignIfDifferent(state, meta.IDInApplication, t.IDInApplication, func(v *string) { t.IDInApplication = v })
	applyTypeMetadata(state, meta, at)

	_, err := state.Finalize(ctx, s.repos.ObservationTypes, s.repos.Audit)
	return err
}

func (s *observationService) mergeTypes(ctx context.Context, primaryRow, secondaryRow *models.VisitObservationType, meta *models.FlowsheetMeta, at rowstate.Timing) error {
	primary := rowstate.Existing(primaryRow, at)
	secondary := rowstate.Existing(secondaryRow, at)

	plan := MergePlan[*models.VisitObservationType]{
		Description: fmt.Sprintf("observation type %s into %s", *meta.InterfaceID, *meta.IDInApplication),
		Primary:     primary,
		Secondary:   secondary,
		SameIdentity: func() bool {
			return primaryRow.ID == secondaryRow.ID
		},
		CopyIdentifiers: func(context.Context) error {
			rowstate.AssignIfDifferent(primary, secondaryRow.InterfaceID, primaryRow.InterfaceID, func(v *string) { primaryRow.InterfaceID = v })
			applyTypeMetadata(primary, meta, at)
			return nil
		},
		RepointDependents: func(ctx context.Context) error {
			return s.repointObservations(ctx, secondaryRow.ID, primaryRow.ID, at)
		},
		DeleteSecondary: s.cache.DeleteCached,
		Evict:           s.cache.InvalidateAll,
		Saver:           s.repos.ObservationTypes,
		Audits:          s.repos.Audit,
	}

	if _, err := Merge(ctx, plan); err != nil {
		return err
	}

	s.logger.Info("Merged observation types",
		zap.String("interface_id", *meta.InterfaceID),
		zap.String("id_in_application", *meta.IDInApplication),
		zap.String("surviving_id", primaryRow.ID.String()))
	return nil
}

func (s *observationService) repointObservations(ctx context.Context, from, to uuid.UUID, at rowstate.Timing) error {
	observations, err := s.repos.Observations.FindAllByTypeID(ctx, from)
	if err != nil {
		return err
	}
	for _, observation := range observations {
		_, err := s.repos.Observations.FindByKey(ctx, observation.HospitalVisitID, to, observation.ObservationDatetime)
		if err == nil {
			return fmt.Errorf("visit already has an observation of the merged type at %s: %w",
				observation.ObservationDatetime.Format(time.RFC3339), apperrors.ErrConflictingIdentity)
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		state := rowstate.Existing(observation, at)
		rowstate.AssignIfDifferent(state, to, observation.VisitObservationTypeID, func(v uuid.UUID) { observation.VisitObservationTypeID = v })
		if _, err := state.Finalize(ctx, s.repos.Observations, s.repos.Audit); err != nil {
			return err
		}
	}
	return nil
}

func (s *observationService) ProcessFlowsheet(ctx context.Context, evt *models.Event, visit *models.HospitalVisit, at rowstate.Timing) error {
	fs := evt.Flowsheet
	if fs.InterfaceID == nil && fs.IDInApplication == nil {
		return fmt.Errorf("flowsheet value has no observation type identifier: %w", apperrors.ErrRequiredDataMissing)
	}
	if fs.ObservationTime.IsZero() {
		return fmt.Errorf("flowsheet value has no observation time: %w", apperrors.ErrRequiredDataMissing)
	}

	observationType, err := s.cache.GetOrCreateCached(ctx, models.ObservationTypeKey{
		InterfaceID:           fs.InterfaceID,
		IDInApplication:       fs.IDInApplication,
		SourceObservationType: fs.SourceObservationType,
	}, at)
	if err != nil {
		return err
	}

	state, err := rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.VisitObservation, error) {
			return s.repos.Observations.FindByKey(ctx, visit.ID, observationType.ID, fs.ObservationTime)
		},
		func() *models.VisitObservation {
			return &models.VisitObservation{
				HospitalVisitID:        visit.ID,
				VisitObservationTypeID: observationType.ID,
				ObservationDatetime:    fs.ObservationTime,
			}
		},
		at,
	)
	if err != nil {
		return err
	}

	if !state.ShouldApply(s.trust, at.Source) || !state.IsNewerOrCreated() {
		s.logger.Debug("Flowsheet value update skipped",
			zap.String("encounter", visit.Encounter),
			zap.String("source", at.Source))
		return nil
	}

	observation := state.Entity()
	switch fs.ValueType {
	case models.ValueTypeNumeric:
		rowstate.AssignValueIfDifferent(state, fs.NumericValue, observation.ValueAsNumber, func(v *float64) { observation.ValueAsNumber = v })
	case models.ValueTypeText:
		rowstate.AssignValueIfDifferent(state, fs.StringValue, observation.ValueAsText, func(v *string) { observation.ValueAsText = v })
	case models.ValueTypeDate:
		rowstate.AssignValueIfDifferent(state, fs.DateValue, observation.ValueAsDate, func(v *time.Time) { observation.ValueAsDate = v })
	default:
		return fmt.Errorf("flowsheet value has unsupported value type %q: %w", fs.ValueType, apperrors.ErrRequiredDataMissing)
	}
	rowstate.AssignValueIfDifferent(state, fs.Unit, observation.Unit, func(v *string) { observation.Unit = v })
	rowstate.AssignValueIfDifferent(state, fs.Comment, observation.Comment, func(v *string) { observation.Comment = v })

	_, err = state.Finalize(ctx, s.repos.Observations, s.repos.Audit)
	return err
}

func (s *observationService) ProcessWaveform(ctx context.Context, evt *models.Event, at rowstate.Timing) error {
	wf := evt.Waveform
	if wf.StreamID == "" || wf.SourceLocation == "" || wf.ObservationTime.IsZero() {
		return fmt.Errorf("waveform lacks stream, location or observation time: %w", apperrors.ErrRequiredDataMissing)
	}
	if wf.SamplingRate <= 0 || len(wf.Values) == 0 {
		return fmt.Errorf("waveform for stream %s has no samples: %w", wf.StreamID, apperrors.ErrRequiredDataMissing)
	}

	streamID := wf.StreamID
	observationType, err := s.cache.GetOrCreateCachedWith(ctx, models.ObservationTypeKey{
		IDInApplication:       &streamID,
		SourceObservationType: models.SourceObservationTypeWaveform,
	}, at, func(t *models.VisitObservationType) {
		t.Name = wf.StreamName
	})
	if err != nil {
		return err
	}

	visitID, err := s.knownVisitID(ctx, wf.VisitNumber)
	if err != nil {
		return err
	}

	state, err := rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.Waveform, error) {
			return s.repos.Waveforms.FindByKey(ctx, observationType.ID, wf.SourceLocation, wf.ObservationTime)
		},
		func() *models.Waveform {
			return &models.Waveform{
				VisitObservationTypeID: observationType.ID,
				SourceLocation:         wf.SourceLocation,
				ObservationDatetime:    wf.ObservationTime,
			}
		},
		at,
	)
	if err != nil {
		return err
	}

	if !state.ShouldApply(s.trust, at.Source) || !state.IsNewerOrCreated() {
		s.logger.Debug("Waveform update skipped",
			zap.String("stream_id", wf.StreamID),
			zap.String("source_location", wf.SourceLocation),
			zap.String("source", at.Source))
		return nil
	}

	waveform := state.Entity()
	if visitID != nil {
		rowstate.AssignIfDifferent(state, visitID, waveform.HospitalVisitID, func(v *uuid.UUID) { waveform.HospitalVisitID = v })
	}
	if wf.MappedLocation != nil {
		rowstate.AssignIfDifferent(state, wf.MappedLocation, waveform.MappedLocation, func(v *string) { waveform.MappedLocation = v })
	}
	rowstate.AssignIfDifferent(state, wf.SamplingRate, waveform.SamplingRate, func(v int64) { waveform.SamplingRate = v })
	rowstate.AssignIfDifferent(state, wf.Values, waveform.Values, func(v []float64) { waveform.Values = slices.Clone(v) })
	rowstate.AssignValueIfDifferent(state, wf.Unit, waveform.Unit, func(v *string) { waveform.Unit = v })

	_, err = state.Finalize(ctx, s.repos.Waveforms, s.repos.Audit)
	return err
}

// knownVisitID returns the id of the visit filed under encounter, or nil when
// none was given or it has not been seen yet. Waveforms never create visits.
func (s *observationService) knownVisitID(ctx context.Context, encounter string) (*uuid.UUID, error) {
	if encounter == "" {
		return nil, nil
	}
	visit, err := s.repos.Visits.FindByEncounter(ctx, encounter)
	if errors.Is(err, apperrors.ErrNotFound) {
		s.logger.Debug("Waveform visit not known yet", zap.String("encounter", encounter))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &visit.ID, nil
}
