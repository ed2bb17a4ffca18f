package deadlines

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medrex/clinic-timeline/pkg/interfaces"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// TransitionResult is the outcome of a proposal status change
type TransitionResult struct {
	Proposal  *types.Proposal    `json:"proposal"`
	Deadlines *types.DeadlineSet `json:"deadlines,omitempty"`
	Warnings  []string           `json:"warnings,omitempty"`
}

// transitions lists the allowed next statuses. Re-sending and re-accepting
// are allowed so a changed planned date can recompute the cascade.
var transitions = map[types.ProposalStatus][]types.ProposalStatus{
	types.ProposalDraft:    {types.ProposalSent, types.ProposalRejected},
	types.ProposalSent:     {types.ProposalSent, types.ProposalAccepted, types.ProposalRejected, types.ProposalDraft},
	types.ProposalAccepted: {types.ProposalAccepted},
	types.ProposalRejected: {types.ProposalDraft},
}

// CanTransition reports whether a proposal may move from one status to another
func CanTransition(from, to types.ProposalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Service transitions proposals and triggers the deadline cascade
type Service struct {
	proposals  interfaces.ProposalStore
	deadlines  interfaces.DeadlineRepository
	calculator *Calculator
	logger     *logger.Logger
	location   *time.Location
	now        func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithLocation sets the clinic time zone that decides which calendar day an
// anchor falls on; the default is UTC
func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// NewService creates a new deadline service
func NewService(proposals interfaces.ProposalStore, deadlines interfaces.DeadlineRepository, calculator *Calculator, log *logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		proposals:  proposals,
		deadlines:  deadlines,
		calculator: calculator,
		logger:     log,
		location:   time.UTC,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TransitionProposal commits a status change and, for sent and accepted,
// recomputes the patient's deadlines. A cascade failure is reported as a
// warning; the committed transition stays.
func (s *Service) TransitionProposal(ctx context.Context, id string, status types.ProposalStatus, plannedDate *time.Time, userID string) (*TransitionResult, error) {
	if id == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "proposal id is required", nil)
	}
	if !status.Valid() {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "invalid proposal status", map[string]interface{}{
			"status": status,
		})
	}

	current, err := s.proposals.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	if !CanTransition(current.Status, status) {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "proposal status transition not allowed", map[string]interface{}{
			"from": current.Status,
			"to":   status,
		})
	}

	proposal, err := s.proposals.UpdateStatus(ctx, id, status, s.now().In(s.location), plannedDate)
	if err != nil {
		return nil, fmt.Errorf("failed to update proposal status: %w", err)
	}

	s.logger.Audit(userID, "transition", "proposal:"+id, true, map[string]interface{}{
		"from": current.Status,
		"to":   status,
	})

	result := &TransitionResult{Proposal: proposal}
	anchor, ok := anchorFor(proposal, s.location)
	if !ok {
		return result, nil
	}

	set, warnings, err := s.calculator.Run(ctx, anchor)
	result.Deadlines = set
	result.Warnings = warnings
	if err != nil {
		cascadeErr := types.NewInternalError(types.ErrCodeCascadeFailed, "deadlines not updated", err)
		s.logger.WithComponent("deadlines").WithError(cascadeErr).WithFields(logrus.Fields{
			"proposal_id": id,
			"status":      status,
			"code":        cascadeErr.Code,
		}).Warn("Deadline cascade failed after proposal transition")
		result.Warnings = append(result.Warnings, cascadeErr.Error())
	}
	return result, nil
}

// GetDeadlines returns the stored deadline set for a patient
func (s *Service) GetDeadlines(ctx context.Context, patientRef string) (*types.DeadlineSet, error) {
	if patientRef == "" {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "patient_ref is required", nil)
	}
	return s.deadlines.Get(ctx, patientRef)
}

// anchorFor maps a committed proposal onto its cascade anchor, if any.
// Stamps are read back in loc so the anchor day is the clinic's day.
func anchorFor(p *types.Proposal, loc *time.Location) (AnchorEvent, bool) {
	switch p.Status {
	case types.ProposalSent:
		anchor := AnchorEvent{Kind: types.AnchorProposalSent, PatientRef: p.PatientRef}
		if p.SentAt != nil {
			anchor.Date = p.SentAt.In(loc)
		}
		return anchor, true
	case types.ProposalAccepted:
		anchor := AnchorEvent{
			Kind:        types.AnchorProposalAccepted,
			PatientRef:  p.PatientRef,
			PlannedDate: p.PlannedProcedureDate,
		}
		if p.AcceptedAt != nil {
			anchor.Date = p.AcceptedAt.In(loc)
		}
		return anchor, true
	}
	return AnchorEvent{}, false
}
