package deadlines

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medrex/clinic-timeline/pkg/types"
)

// MemoryDeadlineStore keeps deadline sets in process memory
type MemoryDeadlineStore struct {
	mu   sync.RWMutex
	sets map[string]*types.DeadlineSet
}

// NewMemoryDeadlineStore creates an empty deadline store
func NewMemoryDeadlineStore() *MemoryDeadlineStore {
	return &MemoryDeadlineStore{sets: make(map[string]*types.DeadlineSet)}
}

// Upsert replaces the patient's deadline set
func (s *MemoryDeadlineStore) Upsert(ctx context.Context, set *types.DeadlineSet) error {
	if err := ctx.Err(); err != nil {
		return storageError(ctx, err, "failed to upsert deadline set")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[set.PatientRef] = copySet(set)
	return nil
}

// Get returns the patient's deadline set
func (s *MemoryDeadlineStore) Get(ctx context.Context, patientRef string) (*types.DeadlineSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[patientRef]
	if !ok {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("no deadlines for patient %s", patientRef))
	}
	return copySet(set), nil
}

// ReplaceIfUnchanged stores set when the stored set was last written at expectedUpdatedAt
func (s *MemoryDeadlineStore) ReplaceIfUnchanged(ctx context.Context, set *types.DeadlineSet, expectedUpdatedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storageError(ctx, err, "failed to replace deadline set")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sets[set.PatientRef]
	if !ok || !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return false, nil
	}
	s.sets[set.PatientRef] = copySet(set)
	return true, nil
}

// ListPending returns the sets with a pending deadline, ordered by patient
func (s *MemoryDeadlineStore) ListPending(ctx context.Context) ([]*types.DeadlineSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.DeadlineSet, 0)
	for _, set := range s.sets {
		for _, d := range set.Deadlines {
			if d.Status == types.DeadlinePending {
				out = append(out, copySet(set))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientRef < out[j].PatientRef })
	return out, nil
}

// Len returns the number of stored sets
func (s *MemoryDeadlineStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets)
}

func copySet(set *types.DeadlineSet) *types.DeadlineSet {
	out := *set
	out.Deadlines = append([]types.Deadline(nil), set.Deadlines...)
	if set.PlannedDate != nil {
		planned := *set.PlannedDate
		out.PlannedDate = &planned
	}
	return &out
}

// MemoryProposalStore keeps proposals in process memory
type MemoryProposalStore struct {
	mu        sync.RWMutex
	proposals map[string]*types.Proposal
}

// NewMemoryProposalStore creates an empty proposal store
func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{proposals: make(map[string]*types.Proposal)}
}

// Put inserts or replaces a proposal
func (s *MemoryProposalStore) Put(p *types.Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.proposals[p.ID] = &cp
}

// Get returns a proposal by ID
func (s *MemoryProposalStore) Get(ctx context.Context, id string) (*types.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("proposal not found: %s", id))
	}
	cp := *p
	return &cp, nil
}

// UpdateStatus sets the status and stamps sent_at or accepted_at with at
func (s *MemoryProposalStore) UpdateStatus(ctx context.Context, id string, status types.ProposalStatus, at time.Time, plannedDate *time.Time) (*types.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageError(ctx, err, "failed to update proposal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("proposal not found: %s", id))
	}
	p.Status = status
	switch status {
	case types.ProposalSent:
		stamp := at
		p.SentAt = &stamp
	case types.ProposalAccepted:
		stamp := at
		p.AcceptedAt = &stamp
	}
	if plannedDate != nil {
		planned := *plannedDate
		p.PlannedProcedureDate = &planned
	}
	p.UpdatedAt = at

	cp := *p
	return &cp, nil
}

// MemoryPatientDirectory resolves names from a fixed map
type MemoryPatientDirectory struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewMemoryPatientDirectory creates a directory seeded with names
func NewMemoryPatientDirectory(names map[string]string) *MemoryPatientDirectory {
	d := &MemoryPatientDirectory{names: make(map[string]string, len(names))}
	for ref, name := range names {
		d.names[ref] = name
	}
	return d
}

// Set records a patient's display name
func (d *MemoryPatientDirectory) Set(patientRef, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[patientRef] = name
}

// DisplayName returns the patient's display name
func (d *MemoryPatientDirectory) DisplayName(ctx context.Context, patientRef string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[patientRef]
	if !ok {
		return "", types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("patient not found: %s", patientRef))
	}
	return name, nil
}
