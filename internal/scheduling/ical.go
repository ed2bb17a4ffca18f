package scheduling

import (
	"context"
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/medrex/clinic-timeline/pkg/types"
)

const icsProductID = "-//medrex//clinic-timeline//EN"

// CalendarFeed renders the active events of a resource as an iCalendar
// document for external calendar clients.
func (s *Service) CalendarFeed(ctx context.Context, resourceID string, from, to time.Time) (string, error) {
	if resourceID == "" {
		return "", types.NewValidationError(types.ErrCodeInvalidInput, "resource_id is required", nil)
	}

	events, err := s.Query(ctx, &types.EventFilters{
		ResourceID: resourceID,
		Status:     types.StatusActive,
		From:       from,
		To:         to,
	})
	if err != nil {
		return "", err
	}
	return ExportICS(resourceID, events, time.Now().UTC()), nil
}

// ExportICS serializes events as a VCALENDAR with one VEVENT per event
func ExportICS(resourceID string, events []*types.ScheduledEvent, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(icsProductID)

	for _, e := range events {
		vevent := cal.AddEvent(e.ID + "@clinic-timeline")
		vevent.SetDtStampTime(stamp)
		vevent.SetCreatedTime(e.CreatedAt)
		vevent.SetModifiedAt(e.UpdatedAt)
		vevent.SetStartAt(e.StartTime)
		vevent.SetEndAt(e.EndTime)
		vevent.SetSummary(summary(e))
		vevent.SetLocation(resourceID)
		if e.Notes != "" {
			vevent.SetDescription(e.Notes)
		}
	}
	return cal.Serialize()
}

func summary(e *types.ScheduledEvent) string {
	if e.Title != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Title)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.PatientRef)
}
