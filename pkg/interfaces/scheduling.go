package interfaces

import (
	"context"
	"time"

	"github.com/medrex/clinic-timeline/pkg/types"
)

// TimelineRepository defines the durable store of scheduled events.
// Every mutating method re-validates the non-overlap invariant atomically with its write.
type TimelineRepository interface {
	Query(ctx context.Context, filters *types.EventFilters) ([]*types.ScheduledEvent, error)
	Get(ctx context.Context, id string) (*types.ScheduledEvent, error)
	Create(ctx context.Context, event *types.ScheduledEvent) (*types.ScheduledEvent, error)
	Update(ctx context.Context, id string, patch *types.EventPatch) (*types.ScheduledEvent, error)
	Cancel(ctx context.Context, id string) (*types.ScheduledEvent, error)

	// ActiveForResource returns the active set the conflict detector runs against
	ActiveForResource(ctx context.Context, resourceID string) ([]*types.ScheduledEvent, error)
}

// DeadlineRepository persists deadline sets keyed by patient
type DeadlineRepository interface {
	Upsert(ctx context.Context, set *types.DeadlineSet) error
	Get(ctx context.Context, patientRef string) (*types.DeadlineSet, error)

	// ListPending returns the sets that still hold at least one pending deadline
	ListPending(ctx context.Context) ([]*types.DeadlineSet, error)

	// ReplaceIfUnchanged stores set only while the stored row still carries
	// expectedUpdatedAt; it reports false when a newer write got there first
	ReplaceIfUnchanged(ctx context.Context, set *types.DeadlineSet, expectedUpdatedAt time.Time) (bool, error)
}

// PatientDirectory resolves display data owned by the patient-record system
type PatientDirectory interface {
	DisplayName(ctx context.Context, patientRef string) (string, error)
}

// ProposalStore transitions treatment proposals owned by the financial module
type ProposalStore interface {
	Get(ctx context.Context, id string) (*types.Proposal, error)
	UpdateStatus(ctx context.Context, id string, status types.ProposalStatus, at time.Time, plannedDate *time.Time) (*types.Proposal, error)
}
