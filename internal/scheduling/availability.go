package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/medrex/clinic-timeline/pkg/types"
)

// DefaultSlotLength is the granularity of availability listings
const DefaultSlotLength = 30 * time.Minute

// WorkingWindow is a daily opening interval, as offsets from midnight
type WorkingWindow struct {
	Open  time.Duration
	Close time.Duration
}

// DefaultWorkingHours is a clinic day with a lunch break
var DefaultWorkingHours = []WorkingWindow{
	{Open: 9 * time.Hour, Close: 12 * time.Hour},
	{Open: 13 * time.Hour, Close: 17 * time.Hour},
}

// Availability lists the slots of a resource on the given day that no active
// event overlaps. It is advisory; booking a slot still goes through Create.
func (s *Service) Availability(ctx context.Context, resourceID string, date time.Time, slot time.Duration) ([]types.TimeSlot, error) {
	if resourceID == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "resource_id is required", nil)
	}
	if date.IsZero() {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "date is required", nil)
	}
	if slot <= 0 {
		slot = DefaultSlotLength
	}
	if slot > 4*time.Hour {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "slot length must not exceed 4h", map[string]interface{}{
			"slot": slot.String(),
		})
	}

	active, err := s.repo.ActiveForResource(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active events: %w", err)
	}

	return FreeSlots(resourceID, date, slot, DefaultWorkingHours, active), nil
}

// FreeSlots cuts each working window of date into slot-sized intervals and
// keeps those without a conflicting active event.
func FreeSlots(resourceID string, date time.Time, slot time.Duration, hours []WorkingWindow, active []*types.ScheduledEvent) []types.TimeSlot {
	y, m, d := date.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, date.Location())

	slots := make([]types.TimeSlot, 0)
	for _, window := range hours {
		closeAt := midnight.Add(window.Close)
		for start := midnight.Add(window.Open); !start.Add(slot).After(closeAt); start = start.Add(slot) {
			check := types.ConflictCheck{ResourceID: resourceID, StartTime: start, EndTime: start.Add(slot)}
			if DetectConflict(check, active) == nil {
				slots = append(slots, types.TimeSlot{StartTime: check.StartTime, EndTime: check.EndTime})
			}
		}
	}
	return slots
}
