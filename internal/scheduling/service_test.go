package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/clinic-timeline/internal/changefeed"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/monitoring"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// MockTimelineRepository is a mock implementation of TimelineRepository
type MockTimelineRepository struct {
	mock.Mock
}

func (m *MockTimelineRepository) Query(ctx context.Context, filters *types.EventFilters) ([]*types.ScheduledEvent, error) {
	args := m.Called(ctx, filters)
	events, _ := args.Get(0).([]*types.ScheduledEvent)
	return events, args.Error(1)
}

func (m *MockTimelineRepository) Get(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	args := m.Called(ctx, id)
	e, _ := args.Get(0).(*types.ScheduledEvent)
	return e, args.Error(1)
}

func (m *MockTimelineRepository) Create(ctx context.Context, event *types.ScheduledEvent) (*types.ScheduledEvent, error) {
	args := m.Called(ctx, event)
	e, _ := args.Get(0).(*types.ScheduledEvent)
	return e, args.Error(1)
}

func (m *MockTimelineRepository) Update(ctx context.Context, id string, patch *types.EventPatch) (*types.ScheduledEvent, error) {
	args := m.Called(ctx, id, patch)
	e, _ := args.Get(0).(*types.ScheduledEvent)
	return e, args.Error(1)
}

func (m *MockTimelineRepository) Cancel(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	args := m.Called(ctx, id)
	e, _ := args.Get(0).(*types.ScheduledEvent)
	return e, args.Error(1)
}

func (m *MockTimelineRepository) ActiveForResource(ctx context.Context, resourceID string) ([]*types.ScheduledEvent, error) {
	args := m.Called(ctx, resourceID)
	events, _ := args.Get(0).([]*types.ScheduledEvent)
	return events, args.Error(1)
}

type serviceFixture struct {
	service *Service
	repo    *MemoryRepository
	broker  *changefeed.MemoryBroker
	metrics *monitoring.MetricsCollector
	subs    map[changefeed.Topic]*changefeed.Subscription
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo := NewMemoryRepository()
	broker := changefeed.NewMemoryBroker(32)
	metrics := monitoring.NewMetricsCollector("timeline-test")
	service := NewService(repo, broker, logger.Discard(), WithMetrics(metrics), WithWriteTimeout(time.Second))

	f := &serviceFixture{
		service: service,
		repo:    repo,
		broker:  broker,
		metrics: metrics,
		subs:    make(map[changefeed.Topic]*changefeed.Subscription),
	}
	for _, topic := range changefeed.AllTopics {
		sub, err := broker.Subscribe(context.Background(), topic, "")
		require.NoError(t, err)
		f.subs[topic] = sub
	}
	t.Cleanup(func() { broker.Close() })
	return f
}

func (f *serviceFixture) expectMessage(t *testing.T, topic changefeed.Topic, op changefeed.Operation, id string) changefeed.Message {
	t.Helper()
	select {
	case msg := <-f.subs[topic].C():
		assert.Equal(t, op, msg.Operation)
		assert.Equal(t, id, msg.Row.ID)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s message on %s", op, topic)
		return changefeed.Message{}
	}
}

func (f *serviceFixture) expectQuiet(t *testing.T) {
	t.Helper()
	for topic, sub := range f.subs {
		select {
		case msg := <-sub.C():
			t.Fatalf("unexpected %s message on %s", msg.Operation, topic)
		case <-time.After(30 * time.Millisecond):
		}
	}
}

func booking(resource string, kind types.EventKind, start, end time.Time) *types.ScheduledEvent {
	return &types.ScheduledEvent{
		ResourceID: resource,
		Kind:       kind,
		StartTime:  start,
		EndTime:    end,
		PatientRef: "patient-1",
		CreatedBy:  "reception",
	}
}

func TestService_SurgeryBlocksAppointment(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	surgery, err := f.service.Create(ctx, booking("dr-1", types.KindSurgery, at(10, 0), at(12, 0)))
	require.NoError(t, err)
	assert.NotEmpty(t, surgery.ID)
	assert.Equal(t, types.StatusActive, surgery.Status)
	f.expectMessage(t, changefeed.TopicSurgeries, changefeed.OpInsert, surgery.ID)

	_, err = f.service.Create(ctx, booking("dr-1", types.KindAppointment, at(11, 0), at(11, 30)))
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
	require.NotNil(t, types.ConflictingEvent(err))
	assert.Equal(t, surgery.ID, types.ConflictingEvent(err).ID)
	f.expectQuiet(t)

	apt, err := f.service.Create(ctx, booking("dr-1", types.KindAppointment, at(12, 0), at(13, 0)))
	require.NoError(t, err)
	f.expectMessage(t, changefeed.TopicAppointments, changefeed.OpInsert, apt.ID)

	timeline, err := f.service.Query(ctx, &types.EventFilters{ResourceID: "dr-1"})
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, types.KindSurgery, timeline[0].Kind)
	assert.Equal(t, types.KindAppointment, timeline[1].Kind)
}

func TestService_CheckConflict(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	surgery, err := f.service.Create(ctx, booking("dr-1", types.KindSurgery, at(10, 0), at(12, 0)))
	require.NoError(t, err)

	result, err := f.service.CheckConflict(ctx, types.ConflictCheck{ResourceID: "dr-1", StartTime: at(11, 0), EndTime: at(11, 30)})
	require.NoError(t, err)
	assert.True(t, result.Conflict)
	assert.Equal(t, surgery.ID, result.ConflictingEvent.ID)

	result, err = f.service.CheckConflict(ctx, types.ConflictCheck{ResourceID: "dr-1", StartTime: at(11, 0), EndTime: at(11, 30), ExcludeEventID: surgery.ID})
	require.NoError(t, err)
	assert.False(t, result.Conflict)

	_, err = f.service.CheckConflict(ctx, types.ConflictCheck{ResourceID: "dr-1", StartTime: at(11, 0), EndTime: at(10, 0)})
	assert.True(t, types.IsValidation(err))
}

func TestService_UpdateExcludesItself(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	apt, err := f.service.Create(ctx, booking("dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.NoError(t, err)
	f.expectMessage(t, changefeed.TopicAppointments, changefeed.OpInsert, apt.ID)

	start, end := at(9, 30), at(10, 30)
	updated, err := f.service.Update(ctx, apt.ID, &types.EventPatch{StartTime: &start, EndTime: &end})
	require.NoError(t, err)
	assert.Equal(t, start, updated.StartTime)
	f.expectMessage(t, changefeed.TopicAppointments, changefeed.OpUpdate, apt.ID)
}

func TestService_UpdateConflictLeavesStoreUnchanged(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Create(ctx, booking("dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.NoError(t, err)
	second, err := f.service.Create(ctx, booking("dr-1", types.KindAppointment, at(10, 0), at(11, 0)))
	require.NoError(t, err)
	f.expectMessage(t, changefeed.TopicAppointments, changefeed.OpInsert, first.ID)
	f.expectMessage(t, changefeed.TopicAppointments, changefeed.OpInsert, second.ID)

	end := at(10, 15)
	_, err = f.service.Update(ctx, first.ID, &types.EventPatch{EndTime: &end})
	require.Error(t, err)
	assert.True(t, types.IsConflict(err))
	assert.Equal(t, second.ID, types.ConflictingEvent(err).ID)
	f.expectQuiet(t)

	stored, err := f.service.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, at(10, 0), stored.EndTime)
}

func TestService_MoveAcrossResourcesCarriesPrevious(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	apt, err := f.service.Create(ctx, booking("dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.NoError(t, err)
	f.expectMessage(t, changefeed.TopicAppointments, changefeed.OpInsert, apt.ID)

	target := "dr-2"
	_, err = f.service.Update(ctx, apt.ID, &types.EventPatch{ResourceID: &target})
	require.NoError(t, err)

	msg := f.expectMessage(t, changefeed.TopicAppointments, changefeed.OpUpdate, apt.ID)
	assert.Equal(t, "dr-1", msg.PreviousResourceID)
	assert.Equal(t, "dr-2", msg.Row.ResourceID)
}

func TestService_DeleteFreesSlot(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	surgery, err := f.service.Create(ctx, booking("or-1", types.KindSurgery, at(8, 0), at(11, 0)))
	require.NoError(t, err)
	f.expectMessage(t, changefeed.TopicSurgeries, changefeed.OpInsert, surgery.ID)

	cancelled, err := f.service.Delete(ctx, surgery.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	f.expectMessage(t, changefeed.TopicSurgeries, changefeed.OpDelete, surgery.ID)

	_, err = f.service.Create(ctx, booking("or-1", types.KindSurgery, at(9, 0), at(10, 0)))
	require.NoError(t, err)

	_, err = f.service.Delete(ctx, surgery.ID)
	assert.True(t, types.IsNotFound(err))
}

func TestService_ValidationRejectsBeforeStorage(t *testing.T) {
	repo := &MockTimelineRepository{}
	service := NewService(repo, changefeed.NewMemoryBroker(4), logger.Discard())
	ctx := context.Background()

	_, err := service.Create(ctx, booking("dr-1", "consult", at(9, 0), at(10, 0)))
	assert.True(t, types.IsValidation(err))

	_, err = service.Create(ctx, booking("dr-1", types.KindAppointment, at(10, 0), at(9, 0)))
	assert.True(t, types.IsValidation(err))

	_, err = service.Update(ctx, "a1", &types.EventPatch{})
	assert.True(t, types.IsValidation(err))

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_TransientStorageError(t *testing.T) {
	repo := &MockTimelineRepository{}
	service := NewService(repo, changefeed.NewMemoryBroker(4), logger.Discard())

	storageErr := types.NewTransientError(types.ErrCodeStorage, "connection refused", errors.New("dial tcp"))
	repo.On("ActiveForResource", mock.Anything, "dr-1").Return(nil, storageErr)

	_, err := service.Create(context.Background(), booking("dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
	repo.AssertExpectations(t)
}

func TestService_WriteTimeout(t *testing.T) {
	repo := &MockTimelineRepository{}
	service := NewService(repo, changefeed.NewMemoryBroker(4), logger.Discard(), WithWriteTimeout(20*time.Millisecond))

	repo.On("ActiveForResource", mock.Anything, "dr-1").Return([]*types.ScheduledEvent{}, nil)
	repo.On("Create", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, errors.New("pq: canceling statement due to user request"))

	_, err := service.Create(context.Background(), booking("dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.Error(t, err)
	assert.True(t, types.IsTimeout(err))
}

func TestService_PublishFailureKeepsWrite(t *testing.T) {
	repo := NewMemoryRepository()
	broker := changefeed.NewMemoryBroker(4)
	require.NoError(t, broker.Close())
	service := NewService(repo, broker, logger.Discard())
	ctx := context.Background()

	created, err := service.Create(ctx, booking("dr-1", types.KindAppointment, at(9, 0), at(10, 0)))
	require.NoError(t, err)

	stored, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)
}
