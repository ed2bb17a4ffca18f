package deadlines

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/monitoring"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// MockDeadlineRepository is a mock implementation of DeadlineRepository
type MockDeadlineRepository struct {
	mock.Mock
}

func (m *MockDeadlineRepository) Upsert(ctx context.Context, set *types.DeadlineSet) error {
	args := m.Called(ctx, set)
	return args.Error(0)
}

func (m *MockDeadlineRepository) Get(ctx context.Context, patientRef string) (*types.DeadlineSet, error) {
	args := m.Called(ctx, patientRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.DeadlineSet), args.Error(1)
}

func (m *MockDeadlineRepository) ListPending(ctx context.Context) ([]*types.DeadlineSet, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.DeadlineSet), args.Error(1)
}

func (m *MockDeadlineRepository) ReplaceIfUnchanged(ctx context.Context, set *types.DeadlineSet, expectedUpdatedAt time.Time) (bool, error) {
	args := m.Called(ctx, set, expectedUpdatedAt)
	return args.Bool(0), args.Error(1)
}

type serviceFixture struct {
	proposals *MemoryProposalStore
	deadlines *MemoryDeadlineStore
	patients  *MemoryPatientDirectory
	service   *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		proposals: NewMemoryProposalStore(),
		deadlines: NewMemoryDeadlineStore(),
		patients:  NewMemoryPatientDirectory(map[string]string{"pt-1": "Maria Souza"}),
	}
	calc := NewCalculator(f.deadlines, f.patients, logger.Discard(), monitoring.NewMetricsCollector("test"))
	f.service = NewService(f.proposals, f.deadlines, calc, logger.Discard())
	f.service.now = func() time.Time { return time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC) }
	f.proposals.Put(&types.Proposal{ID: "pr-1", PatientRef: "pt-1", Status: types.ProposalDraft})
	return f
}

func TestCalculator_RunTwiceStoresOneSet(t *testing.T) {
	f := newServiceFixture(t)
	calc := NewCalculator(f.deadlines, f.patients, logger.Discard(), nil)
	anchor := AnchorEvent{
		Kind:        types.AnchorProposalAccepted,
		PatientRef:  "pt-1",
		Date:        date(2024, 1, 10),
		PlannedDate: datePtr(2024, 2, 1),
	}

	first, warnings, err := calc.Run(context.Background(), anchor)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	second, _, err := calc.Run(context.Background(), anchor)
	require.NoError(t, err)

	assert.Equal(t, 1, f.deadlines.Len())
	assert.Equal(t, first.Deadlines, second.Deadlines)

	stored, err := f.deadlines.Get(context.Background(), "pt-1")
	require.NoError(t, err)
	assert.Equal(t, "Scheduling fee – Maria Souza", stored.Deadlines[0].Label)
	assert.Equal(t, date(2024, 2, 1), *stored.PlannedDate)
}

func TestCalculator_FallbackName(t *testing.T) {
	f := newServiceFixture(t)
	calc := NewCalculator(f.deadlines, f.patients, logger.Discard(), nil)

	set, warnings, err := calc.Run(context.Background(), AnchorEvent{
		Kind:       types.AnchorProposalSent,
		PatientRef: "pt-unknown",
		Date:       date(2024, 1, 10),
	})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], FallbackPatientName)
	assert.Equal(t, "Proposal response – patient", set.Deadlines[0].Label)
	assert.NotEmpty(t, set.Warning)

	f.patients.Set("pt-blank", "   ")
	_, warnings, err = calc.Run(context.Background(), AnchorEvent{
		Kind:       types.AnchorProposalSent,
		PatientRef: "pt-blank",
		Date:       date(2024, 1, 10),
	})
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
}

func TestService_SentThenAccepted(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.service.TransitionProposal(ctx, "pr-1", types.ProposalSent, nil, "finance")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalSent, result.Proposal.Status)
	require.NotNil(t, result.Deadlines)
	assert.Equal(t, types.AnchorProposalSent, result.Deadlines.AnchorKind)
	assert.Equal(t, date(2024, 1, 13), result.Deadlines.Deadlines[0].Date)

	result, err = f.service.TransitionProposal(ctx, "pr-1", types.ProposalAccepted, datePtr(2024, 2, 1), "finance")
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)
	require.Len(t, result.Deadlines.Deadlines, 3)

	stored, err := f.service.GetDeadlines(ctx, "pt-1")
	require.NoError(t, err)
	assert.Equal(t, types.AnchorProposalAccepted, stored.AnchorKind)
	assert.Equal(t, 1, f.deadlines.Len())
}

func TestService_CascadeFailureKeepsTransition(t *testing.T) {
	f := newServiceFixture(t)
	repo := new(MockDeadlineRepository)
	repo.On("Upsert", mock.Anything, mock.AnythingOfType("*types.DeadlineSet")).
		Return(types.NewTransientError(types.ErrCodeStorage, "store unavailable", errors.New("conn reset")))

	calc := NewCalculator(repo, f.patients, logger.Discard(), nil)
	service := NewService(f.proposals, repo, calc, logger.Discard())

	result, err := service.TransitionProposal(context.Background(), "pr-1", types.ProposalSent, nil, "finance")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalSent, result.Proposal.Status)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[len(result.Warnings)-1], "deadlines not updated")
	assert.Contains(t, result.Warnings[len(result.Warnings)-1], types.ErrCodeCascadeFailed)

	stored, err := f.proposals.Get(context.Background(), "pr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalSent, stored.Status)
	repo.AssertExpectations(t)
}

func TestService_AcceptedWithoutPlannedDateWarns(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.TransitionProposal(ctx, "pr-1", types.ProposalSent, nil, "finance")
	require.NoError(t, err)
	result, err := f.service.TransitionProposal(ctx, "pr-1", types.ProposalAccepted, nil, "finance")
	require.NoError(t, err)

	assert.Equal(t, types.ProposalAccepted, result.Proposal.Status)
	assert.NotEmpty(t, result.Warnings)
	assert.Nil(t, result.Deadlines)
}

func TestService_RejectedHasNoCascade(t *testing.T) {
	f := newServiceFixture(t)

	result, err := f.service.TransitionProposal(context.Background(), "pr-1", types.ProposalRejected, nil, "finance")
	require.NoError(t, err)
	assert.Nil(t, result.Deadlines)
	assert.Equal(t, 0, f.deadlines.Len())
}

func TestService_InvalidTransitions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.TransitionProposal(ctx, "pr-1", types.ProposalAccepted, datePtr(2024, 2, 1), "finance")
	assert.True(t, types.IsValidation(err), "draft cannot be accepted directly")

	_, err = f.service.TransitionProposal(ctx, "pr-1", "archived", nil, "finance")
	assert.True(t, types.IsValidation(err))

	_, err = f.service.TransitionProposal(ctx, "missing", types.ProposalSent, nil, "finance")
	assert.True(t, types.IsNotFound(err))

	stored, err := f.proposals.Get(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ProposalDraft, stored.Status)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(types.ProposalDraft, types.ProposalSent))
	assert.True(t, CanTransition(types.ProposalSent, types.ProposalAccepted))
	assert.True(t, CanTransition(types.ProposalAccepted, types.ProposalAccepted))
	assert.False(t, CanTransition(types.ProposalAccepted, types.ProposalDraft))
	assert.False(t, CanTransition(types.ProposalRejected, types.ProposalAccepted))
}

func TestService_AnchorsOnClinicDay(t *testing.T) {
	f := newServiceFixture(t)
	clinic := time.FixedZone("UTC-3", -3*60*60)
	calc := NewCalculator(f.deadlines, f.patients, logger.Discard(), nil)
	service := NewService(f.proposals, f.deadlines, calc, logger.Discard(), WithLocation(clinic))
	// 23:30 on the 10th in the clinic is already the 11th in UTC
	service.now = func() time.Time { return time.Date(2024, 1, 11, 2, 30, 0, 0, time.UTC) }

	result, err := service.TransitionProposal(context.Background(), "pr-1", types.ProposalSent, nil, "finance")
	require.NoError(t, err)
	require.NotNil(t, result.Deadlines)
	assert.Equal(t, "2024-01-10", result.Deadlines.AnchorDate.Format("2006-01-02"))
	assert.Equal(t, "2024-01-13", result.Deadlines.Deadlines[0].Date.Format("2006-01-02"))
}
