package scheduling

import (
	"time"

	"github.com/medrex/clinic-timeline/pkg/types"
)

// DetectConflict returns the earliest-starting active event on req.ResourceID
// whose interval intersects [req.StartTime, req.EndTime), or nil.
// The event named by req.ExcludeEventID is ignored so an update never collides with itself.
func DetectConflict(req types.ConflictCheck, existing []*types.ScheduledEvent) *types.ScheduledEvent {
	var first *types.ScheduledEvent
	for _, e := range existing {
		if e == nil || !e.IsActive() || e.ResourceID != req.ResourceID {
			continue
		}
		if req.ExcludeEventID != "" && e.ID == req.ExcludeEventID {
			continue
		}
		if !e.Overlaps(req.StartTime, req.EndTime) {
			continue
		}
		if first == nil || e.StartTime.Before(first.StartTime) ||
			(e.StartTime.Equal(first.StartTime) && e.ID < first.ID) {
			first = e
		}
	}
	return first
}

// ValidateInterval rejects intervals that cannot be booked
func ValidateInterval(resourceID string, start, end time.Time) error {
	if resourceID == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "resource_id is required", nil)
	}
	if start.IsZero() || end.IsZero() {
		return types.NewValidationError(types.ErrCodeInvalidInterval, "start_time and end_time are required", nil)
	}
	if !end.After(start) {
		return types.NewValidationError(types.ErrCodeInvalidInterval, "end_time must be after start_time", map[string]interface{}{
			"start_time": start,
			"end_time":   end,
		})
	}
	return nil
}
