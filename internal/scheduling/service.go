package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medrex/clinic-timeline/internal/changefeed"
	"github.com/medrex/clinic-timeline/pkg/interfaces"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/monitoring"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// DefaultWriteTimeout bounds every write when no timeout is configured
const DefaultWriteTimeout = 5 * time.Second

// Service owns the write path of the unified timeline: validate, pre-check,
// commit through the repository, then publish one change message.
type Service struct {
	repo         interfaces.TimelineRepository
	broker       changefeed.Broker
	metrics      *monitoring.MetricsCollector
	tracing      *monitoring.TracingManager
	logger       *logger.Logger
	writeTimeout time.Duration
}

// Option configures a Service
type Option func(*Service)

// WithMetrics records write, conflict and publish counters
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracing wraps writes in spans
func WithTracing(t *monitoring.TracingManager) Option {
	return func(s *Service) { s.tracing = t }
}

// WithWriteTimeout overrides DefaultWriteTimeout
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewService creates a timeline service
func NewService(repo interfaces.TimelineRepository, broker changefeed.Broker, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		broker:       broker,
		logger:       log,
		tracing:      monitoring.NewNoopTracingManager(),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Broker returns the change feed the service publishes to
func (s *Service) Broker() changefeed.Broker {
	return s.broker
}

// Query returns the merged, start-ordered timeline
func (s *Service) Query(ctx context.Context, filters *types.EventFilters) ([]*types.ScheduledEvent, error) {
	if filters != nil {
		if filters.Kind != "" && !filters.Kind.Valid() {
			return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown kind %q", filters.Kind), nil)
		}
		if filters.Status != "" && !filters.Status.Valid() {
			return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown status %q", filters.Status), nil)
		}
	}

	events, err := s.repo.Query(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	return events, nil
}

// Get returns one event
func (s *Service) Get(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// CheckConflict reports whether req would collide with an active event. It is
// advisory: the authoritative check runs again inside the write.
func (s *Service) CheckConflict(ctx context.Context, req types.ConflictCheck) (*types.ConflictResult, error) {
	if err := ValidateInterval(req.ResourceID, req.StartTime, req.EndTime); err != nil {
		return nil, err
	}

	active, err := s.repo.ActiveForResource(ctx, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active events: %w", err)
	}

	c := DetectConflict(req, active)
	return &types.ConflictResult{Conflict: c != nil, ConflictingEvent: c}, nil
}

// Create books a new event
func (s *Service) Create(ctx context.Context, event *types.ScheduledEvent) (*types.ScheduledEvent, error) {
	if event == nil {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "event is required", nil)
	}
	candidate := event.Clone()
	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}
	if candidate.Status == "" {
		candidate.Status = types.StatusActive
	}
	if err := validateEvent(candidate); err != nil {
		return nil, err
	}

	ctx, span := s.tracing.StartTimelineSpan(ctx, "create", candidate.ResourceID)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	created, err := s.write(ctx, "create", candidate.Kind, func(ctx context.Context) (*types.ScheduledEvent, error) {
		if err := s.precheck(ctx, candidate); err != nil {
			return nil, err
		}
		return s.repo.Create(ctx, candidate)
	})
	if err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}

	s.logger.Audit(created.CreatedBy, "create_event", created.ID, true, map[string]interface{}{
		"kind":        created.Kind,
		"resource_id": created.ResourceID,
	})
	s.publish(ctx, changefeed.NewMessage(changefeed.OpInsert, created))
	return created, nil
}

// Update applies patch to an event. The conflict check excludes the event itself.
func (s *Service) Update(ctx context.Context, id string, patch *types.EventPatch) (*types.ScheduledEvent, error) {
	if patch.Empty() {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "no updates provided", nil)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown status %q", *patch.Status), nil)
	}

	ctx, span := s.tracing.StartTimelineSpan(ctx, "update", id)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	var previous *types.ScheduledEvent
	updated, err := s.write(ctx, "update", "", func(ctx context.Context) (*types.ScheduledEvent, error) {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		previous = current

		next := patch.Apply(current)
		if err := validateEvent(next); err != nil {
			return nil, err
		}
		if patch.TouchesInterval() {
			if err := s.precheck(ctx, next); err != nil {
				return nil, err
			}
		}
		return s.repo.Update(ctx, id, patch)
	})
	if err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}

	msg := changefeed.NewMessage(changefeed.OpUpdate, updated)
	if previous != nil && previous.ResourceID != updated.ResourceID {
		msg.PreviousResourceID = previous.ResourceID
	}
	s.publish(ctx, msg)
	return updated, nil
}

// Delete cancels an event; removal is always a soft delete
func (s *Service) Delete(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	ctx, span := s.tracing.StartTimelineSpan(ctx, "delete", id)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	cancelled, err := s.write(ctx, "delete", "", func(ctx context.Context) (*types.ScheduledEvent, error) {
		return s.repo.Cancel(ctx, id)
	})
	if err != nil {
		s.tracing.RecordError(span, err)
		return nil, err
	}

	s.logger.Audit(cancelled.CreatedBy, "cancel_event", cancelled.ID, true, map[string]interface{}{
		"kind":        cancelled.Kind,
		"resource_id": cancelled.ResourceID,
	})
	s.publish(ctx, changefeed.NewMessage(changefeed.OpDelete, cancelled))
	return cancelled, nil
}

// precheck runs the in-process detector against the current active set
func (s *Service) precheck(ctx context.Context, candidate *types.ScheduledEvent) error {
	if !candidate.IsActive() {
		return nil
	}
	active, err := s.repo.ActiveForResource(ctx, candidate.ResourceID)
	if err != nil {
		return err
	}
	if c := DetectConflict(checkFor(candidate), active); c != nil {
		return types.NewConflictError(c)
	}
	return nil
}

// write runs fn and normalizes its outcome into metrics and the error taxonomy
func (s *Service) write(ctx context.Context, op string, kind types.EventKind, fn func(context.Context) (*types.ScheduledEvent, error)) (*types.ScheduledEvent, error) {
	e, err := fn(ctx)
	if err == nil {
		kind = e.Kind
	}

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !types.IsTimeout(err) {
		err = types.NewTimeoutError(fmt.Sprintf("%s did not complete within %s", op, s.writeTimeout), err)
	}

	if s.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(types.ErrorTypeOf(err))
		}
		s.metrics.RecordWrite(op, string(kind), outcome)
		if types.IsConflict(err) {
			s.metrics.RecordConflict(string(kind))
		}
	}

	log := s.logger.WithContext(ctx).WithFields(logrus.Fields{"component": "timeline", "operation": op})
	if err != nil {
		if types.IsConflict(err) {
			if c := types.ConflictingEvent(err); c != nil {
				log = log.WithField("conflicting_event_id", c.ID)
			}
			log.Info("Write rejected by conflict check")
		} else {
			log.WithError(err).Warn("Timeline write failed")
		}
		return nil, err
	}

	log.WithFields(logrus.Fields{"event_id": e.ID, "kind": e.Kind}).Info("Timeline write committed")
	return e, nil
}

// publish emits a change message after commit. Failure leaves the write in place.
func (s *Service) publish(ctx context.Context, msg changefeed.Message) {
	if s.broker == nil {
		return
	}

	// the write already committed; a cancelled caller must not suppress the hint
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	err := s.broker.Publish(pubCtx, msg)
	if s.metrics != nil {
		s.metrics.RecordPublish(string(msg.Topic), err == nil)
	}
	if err != nil {
		s.logger.WithComponent("timeline").WithError(err).WithFields(logrus.Fields{
			"topic":     msg.Topic,
			"operation": msg.Operation,
			"event_id":  msg.Row.ID,
		}).Warn("Failed to publish change message")
	}
}

func validateEvent(e *types.ScheduledEvent) error {
	if !e.Kind.Valid() {
		return types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown kind %q", e.Kind), nil)
	}
	if !e.Status.Valid() {
		return types.NewValidationError(types.ErrCodeInvalidInput, fmt.Sprintf("unknown status %q", e.Status), nil)
	}
	if e.PatientRef == "" {
		return types.NewValidationError(types.ErrCodeInvalidInput, "patient_ref is required", nil)
	}
	return ValidateInterval(e.ResourceID, e.StartTime, e.EndTime)
}
