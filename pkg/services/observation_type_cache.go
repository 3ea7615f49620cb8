package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-clinical/pkg/metrics"
	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
	"github.com/ekaya-inc/ekaya-clinical/pkg/repositories"
	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// ObservationTypeCache fronts observation type resolution. Entries are keyed by
// the full composite key and hold deep copies of the stored row.
//
// Any structural change to the family drops the whole cache: a mapping merge
// can make a key that used to resolve to one row resolve to another, so no
// single-key invalidation is sound. The cache is only correct under a single
// sequential writer. The mutex keeps the map itself consistent; it does not
// make concurrent resolve-then-drop sequences safe.
type ObservationTypeCache struct {
	mu      sync.Mutex
	entries map[string]*models.VisitObservationType

	types  repositories.VisitObservationTypeRepository
	audits repositories.AuditRepository
	logger *zap.Logger
}

// NewObservationTypeCache creates an empty cache.
func NewObservationTypeCache(types repositories.VisitObservationTypeRepository, audits repositories.AuditRepository, logger *zap.Logger) *ObservationTypeCache {
	return &ObservationTypeCache{
		entries: make(map[string]*models.VisitObservationType),
		types:   types,
		audits:  audits,
		logger:  logger.Named("observation-type-cache"),
	}
}

func buildObservationType(key models.ObservationTypeKey, fill func(*models.VisitObservationType)) func() *models.VisitObservationType {
	return func() *models.VisitObservationType {
		t := &models.VisitObservationType{
			InterfaceID:           key.InterfaceID,
			IDInApplication:       key.IDInApplication,
			SourceObservationType: key.SourceObservationType,
		}
		if fill != nil {
			fill(t)
		}
		return t
	}
}

func (c *ObservationTypeCache) resolve(ctx context.Context, key models.ObservationTypeKey, at rowstate.Timing, fill func(*models.VisitObservationType)) (*rowstate.RowState[*models.VisitObservationType], error) {
	return rowstate.Resolve(ctx,
		func(ctx context.Context) (*models.VisitObservationType, error) { return c.find(ctx, key) },
		buildObservationType(key, fill),
		at,
	)
}

// find looks key up in the store. A key carrying both identifiers that has no
// mapped row falls back to either identifier alone, preferring the interface
// id, so values reported before the mapping is known land on the row that
// already exists instead of creating a third one.
func (c *ObservationTypeCache) find(ctx context.Context, key models.ObservationTypeKey) (*models.VisitObservationType, error) {
	t, err := c.types.Find(ctx, key)
	if !errors.Is(err, apperrors.ErrNotFound) || key.InterfaceID == nil || key.IDInApplication == nil {
		return t, err
	}

	partials := []models.ObservationTypeKey{
		{InterfaceID: key.InterfaceID, SourceObservationType: key.SourceObservationType},
		{IDInApplication: key.IDInApplication, SourceObservationType: key.SourceObservationType},
	}
	for _, partial := range partials {
		t, err := c.types.Find(ctx, partial)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The row matched on one identifier, so the other one must be unset.
		if t.InterfaceID != nil && t.IDInApplication != nil {
			return nil, fmt.Errorf("observation type %s/%s is mapped to %s/%s: %w",
				*key.InterfaceID, *key.IDInApplication, *t.InterfaceID, *t.IDInApplication, apperrors.ErrConflictingIdentity)
		}
		return t, nil
	}
	return nil, apperrors.ErrNotFound
}

// GetOrCreateCached returns the type for key, serving repeat lookups from
// memory. A missing type is created with only its key fields. Use it when
// recording values against a type, never on metadata or mapping paths.
func (c *ObservationTypeCache) GetOrCreateCached(ctx context.Context, key models.ObservationTypeKey, at rowstate.Timing) (*models.VisitObservationType, error) {
	return c.GetOrCreateCachedWith(ctx, key, at, nil)
}

// GetOrCreateCachedWith is GetOrCreateCached where fill completes a type that
// has to be created. An existing type is returned untouched.
func (c *ObservationTypeCache) GetOrCreateCachedWith(ctx context.Context, key models.ObservationTypeKey, at rowstate.Timing, fill func(*models.VisitObservationType)) (*models.VisitObservationType, error) {
	cacheKey := key.CacheKey()

	c.mu.Lock()
	if cached, ok := c.entries[cacheKey]; ok {
		c.mu.Unlock()
		return cached.Clone(), nil
	}
	c.mu.Unlock()

	state, err := c.resolve(ctx, key, at, fill)
	if err != nil {
		return nil, err
	}
	if _, err := state.Finalize(ctx, c.types, c.audits); err != nil {
		return nil, err
	}

	stored := state.Entity()
	c.mu.Lock()
	c.entries[cacheKey] = stored.Clone()
	c.mu.Unlock()
	return stored.Clone(), nil
}

// GetOrCreateEvicting resolves key against the store and then drops the whole
// cache. The caller finalizes the returned state.
func (c *ObservationTypeCache) GetOrCreateEvicting(ctx context.Context, key models.ObservationTypeKey, at rowstate.Timing) (*rowstate.RowState[*models.VisitObservationType], error) {
	state, err := c.resolve(ctx, key, at, nil)
	c.InvalidateAll()
	if err != nil {
		return nil, err
	}
	return state, nil
}

// DeleteCached removes t from the store, without auditing it, and drops the
// whole cache.
func (c *ObservationTypeCache) DeleteCached(ctx context.Context, t *models.VisitObservationType) error {
	defer c.InvalidateAll()
	return c.types.Delete(ctx, t)
}

// InvalidateAll drops every entry.
func (c *ObservationTypeCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.logger.Debug("Dropping observation type cache", zap.Int("entries", len(c.entries)))
	}
	c.entries = make(map[string]*models.VisitObservationType)
	metrics.RecordCacheDrop()
}

// Len returns the number of cached entries.
func (c *ObservationTypeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
