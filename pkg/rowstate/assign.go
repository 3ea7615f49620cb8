package rowstate

import (
	"reflect"
	"time"

	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// AssignIfDifferent sets the field to newValue when it differs from current.
func AssignIfDifferent[E models.Entity[E], T any](s *RowState[E], newValue, current T, set func(T)) {
	if valuesEqual(newValue, current) {
		return
	}
	set(newValue)
	s.updated = true
}

// AssignValueIfDifferent applies an optional event field: unknown leaves the
// field alone, delete clears it, and a supplied value is assigned if different.
func AssignValueIfDifferent[E models.Entity[E], T any](s *RowState[E], value models.Value[T], current *T, set func(*T)) {
	switch value.Status() {
	case models.ValueUnknown:
		return
	case models.ValueDelete:
		AssignIfDifferent(s, (*T)(nil), current, set)
	default:
		AssignIfDifferent(s, value.Ptr(), current, set)
	}
}

// AssignIfCurrentlyNullOrNewer assigns newValue only when the field is empty or
// the message is at least as recent as the entity, so a late stale message
// cannot overwrite newer values. An absent newValue never clears the field.
func AssignIfCurrentlyNullOrNewer[E models.Entity[E], T any](s *RowState[E], newValue, current T, set func(T), messageEventTime, entityValidFrom time.Time) {
	if isAbsent(newValue) {
		return
	}
	if !isAbsent(current) && messageEventTime.Before(entityValidFrom) {
		return
	}
	AssignIfDifferent(s, newValue, current, set)
}

// RemoveIfExists clears a set field. A non-zero cancelledAt is when the removed
// value stopped being true and becomes the valid-until of the audit row.
func RemoveIfExists[E models.Entity[E], T any](s *RowState[E], current T, set func(T), cancelledAt time.Time) {
	if isAbsent(current) {
		return
	}
	var zero T
	set(zero)
	s.updated = true
	if !cancelledAt.IsZero() {
		s.eventTime = cancelledAt
	}
}

// valuesEqual compares field values. Times compare by instant, pointers by
// what they point at.
func valuesEqual(a, b any) bool {
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case *time.Time:
		y, ok := b.(*time.Time)
		if !ok {
			return false
		}
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		return x.Equal(*y)
	}
	return reflect.DeepEqual(a, b)
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}
