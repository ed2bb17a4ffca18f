package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medrex/clinic-timeline/pkg/interfaces"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// MemoryRepository is an in-process TimelineRepository.
// Every mutation re-runs the conflict detector and commits under one lock.
type MemoryRepository struct {
	mu     sync.RWMutex
	events map[string]*types.ScheduledEvent
	now    func() time.Time
}

var _ interfaces.TimelineRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory timeline
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events: make(map[string]*types.ScheduledEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Query returns matching events ordered by start time, then ID
func (r *MemoryRepository) Query(ctx context.Context, filters *types.EventFilters) ([]*types.ScheduledEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.ScheduledEvent, 0, len(r.events))
	for _, e := range r.events {
		if filters.Match(e) {
			out = append(out, e.Clone())
		}
	}
	sortEvents(out)
	return out, nil
}

// Get returns one event by ID
func (r *MemoryRepository) Get(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.events[id]
	if !ok {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("event not found: %s", id))
	}
	return e.Clone(), nil
}

// Create inserts event if it does not overlap an active event on the same resource
func (r *MemoryRepository) Create(ctx context.Context, event *types.ScheduledEvent) (*types.ScheduledEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[event.ID]; exists {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("event already exists: %s", event.ID), nil)
	}
	if event.IsActive() {
		if c := DetectConflict(checkFor(event), r.activeLocked(event.ResourceID)); c != nil {
			return nil, types.NewConflictError(c.Clone())
		}
	}

	stored := event.Clone()
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.events[stored.ID] = stored
	return stored.Clone(), nil
}

// Update applies patch, re-checking overlap with the event itself excluded
func (r *MemoryRepository) Update(ctx context.Context, id string, patch *types.EventPatch) (*types.ScheduledEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.events[id]
	if !ok {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("event not found: %s", id))
	}

	next := patch.Apply(current)
	if err := ValidateInterval(next.ResourceID, next.StartTime, next.EndTime); err != nil {
		return nil, err
	}
	if next.IsActive() {
		if c := DetectConflict(checkFor(next), r.activeLocked(next.ResourceID)); c != nil {
			return nil, types.NewConflictError(c.Clone())
		}
	}

	next.UpdatedAt = r.now()
	r.events[id] = next
	return next.Clone(), nil
}

// Cancel soft-deletes an event; cancelling twice reports NotFound
func (r *MemoryRepository) Cancel(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.events[id]
	if !ok || current.Status == types.StatusCancelled {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("event not found: %s", id))
	}

	next := current.Clone()
	next.Status = types.StatusCancelled
	next.UpdatedAt = r.now()
	r.events[id] = next
	return next.Clone(), nil
}

// ActiveForResource returns the active events booked against resourceID
func (r *MemoryRepository) ActiveForResource(ctx context.Context, resourceID string) ([]*types.ScheduledEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	active := r.activeLocked(resourceID)
	out := make([]*types.ScheduledEvent, len(active))
	for i, e := range active {
		out[i] = e.Clone()
	}
	return out, nil
}

func (r *MemoryRepository) activeLocked(resourceID string) []*types.ScheduledEvent {
	var out []*types.ScheduledEvent
	for _, e := range r.events {
		if e.ResourceID == resourceID && e.IsActive() {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out
}

func checkFor(e *types.ScheduledEvent) types.ConflictCheck {
	return types.ConflictCheck{
		ResourceID:     e.ResourceID,
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		ExcludeEventID: e.ID,
	}
}

func sortEvents(events []*types.ScheduledEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
}

// contextError maps a done context onto the error taxonomy
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError("timeline write timed out", err)
	}
	return types.NewTransientError(types.ErrCodeStorage, "request cancelled", err)
}
