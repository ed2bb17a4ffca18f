package types

import "time"

// EventKind discriminates the two booking kinds merged into one timeline
type EventKind string

const (
	KindAppointment EventKind = "appointment"
	KindSurgery     EventKind = "surgery"
)

// Valid reports whether k is a known event kind
func (k EventKind) Valid() bool {
	return k == KindAppointment || k == KindSurgery
}

// EventStatus represents scheduled event status values
type EventStatus string

const (
	StatusActive    EventStatus = "active"
	StatusCompleted EventStatus = "completed"
	StatusCancelled EventStatus = "cancelled"
)

// Valid reports whether s is a known event status
func (s EventStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ScheduledEvent is a booked interval [StartTime, EndTime) against a resource
type ScheduledEvent struct {
	ID         string      `json:"id" db:"id"`
	ResourceID string      `json:"resource_id" db:"resource_id"`
	Kind       EventKind   `json:"kind" db:"kind"`
	Status     EventStatus `json:"status" db:"status"`
	StartTime  time.Time   `json:"start_time" db:"start_time"`
	EndTime    time.Time   `json:"end_time" db:"end_time"`
	PatientRef string      `json:"patient_ref" db:"patient_ref"`
	Title      string      `json:"title,omitempty" db:"title"`
	Notes      string      `json:"notes,omitempty" db:"notes"`
	CreatedBy  string      `json:"created_by" db:"created_by"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the event participates in conflict checks
func (e *ScheduledEvent) IsActive() bool {
	return e.Status == StatusActive
}

// Overlaps reports whether the half-open intervals of e and [start, end) intersect.
// Shared boundaries do not overlap.
func (e *ScheduledEvent) Overlaps(start, end time.Time) bool {
	return e.StartTime.Before(end) && start.Before(e.EndTime)
}

// Clone returns a copy safe to hand out of a cache
func (e *ScheduledEvent) Clone() *ScheduledEvent {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// EventPatch represents a partial update to a scheduled event
type EventPatch struct {
	ResourceID *string      `json:"resource_id,omitempty"`
	StartTime  *time.Time   `json:"start_time,omitempty"`
	EndTime    *time.Time   `json:"end_time,omitempty"`
	Status     *EventStatus `json:"status,omitempty"`
	PatientRef *string      `json:"patient_ref,omitempty"`
	Title      *string      `json:"title,omitempty"`
	Notes      *string      `json:"notes,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p *EventPatch) Empty() bool {
	return p == nil || (p.ResourceID == nil && p.StartTime == nil && p.EndTime == nil &&
		p.Status == nil && p.PatientRef == nil && p.Title == nil && p.Notes == nil)
}

// TouchesInterval reports whether applying the patch can change conflict outcomes
func (p *EventPatch) TouchesInterval() bool {
	return p != nil && (p.ResourceID != nil || p.StartTime != nil || p.EndTime != nil || p.Status != nil)
}

// Apply returns a copy of e with the patch applied
func (p *EventPatch) Apply(e *ScheduledEvent) *ScheduledEvent {
	out := e.Clone()
	if p == nil {
		return out
	}
	if p.ResourceID != nil {
		out.ResourceID = *p.ResourceID
	}
	if p.StartTime != nil {
		out.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		out.EndTime = *p.EndTime
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.PatientRef != nil {
		out.PatientRef = *p.PatientRef
	}
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Notes != nil {
		out.Notes = *p.Notes
	}
	return out
}

// EventFilters represents filters for the unified timeline query
type EventFilters struct {
	ResourceID string      `json:"resource_id,omitempty"`
	Status     EventStatus `json:"status,omitempty"`
	Kind       EventKind   `json:"kind,omitempty"`
	PatientRef string      `json:"patient_ref,omitempty"`
	From       time.Time   `json:"from,omitempty"`
	To         time.Time   `json:"to,omitempty"`
}

// Match reports whether e passes every non-empty filter
func (f *EventFilters) Match(e *ScheduledEvent) bool {
	if f == nil {
		return true
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.PatientRef != "" && e.PatientRef != f.PatientRef {
		return false
	}
	if !f.From.IsZero() && !e.EndTime.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.StartTime.Before(f.To) {
		return false
	}
	return true
}

// ConflictCheck is the input of a conflict-check operation
type ConflictCheck struct {
	ResourceID     string    `json:"resource_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	ExcludeEventID string    `json:"exclude_event_id,omitempty"`
}

// ConflictResult is the output of a conflict-check operation
type ConflictResult struct {
	Conflict         bool            `json:"conflict"`
	ConflictingEvent *ScheduledEvent `json:"conflicting_event,omitempty"`
}

// TimeSlot is a half-open bookable interval
type TimeSlot struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}
