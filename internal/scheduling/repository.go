package scheduling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/trace"

	"github.com/medrex/clinic-timeline/pkg/database"
	"github.com/medrex/clinic-timeline/pkg/interfaces"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/monitoring"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// Postgres error codes the repository translates
const (
	pqExclusionViolation  = "23P01"
	pqUniqueViolation     = "23505"
	pqCheckViolation      = "23514"
	pqSerializationFailed = "40001"
	pqDeadlockDetected    = "40P01"
)

const eventColumns = `id, resource_id, kind, status, start_time, end_time,
		patient_ref, title, notes, created_by, created_at, updated_at`

// Repository implements TimelineRepository on PostgreSQL.
// Writes run in SERIALIZABLE transactions that lock the resource's active rows,
// and the no_active_overlap exclusion constraint backs the in-transaction check.
type Repository struct {
	db      *database.DB
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
}

var _ interfaces.TimelineRepository = (*Repository)(nil)

// RepositoryOption configures a Repository
type RepositoryOption func(*Repository)

// WithRepositoryTracing opens a span around every write transaction
func WithRepositoryTracing(t *monitoring.TracingManager) RepositoryOption {
	return func(r *Repository) {
		if t != nil {
			r.tracing = t
		}
	}
}

// NewRepository creates a new timeline repository; metrics may be nil
func NewRepository(db *database.DB, log *logger.Logger, metrics *monitoring.MetricsCollector, opts ...RepositoryOption) *Repository {
	r := &Repository{
		db:      db,
		logger:  log,
		metrics: metrics,
		tracing: monitoring.NewNoopTracingManager(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// startTx opens the span and the SERIALIZABLE transaction of one write
func (r *Repository) startTx(ctx context.Context, op string) (context.Context, trace.Span, *sql.Tx, error) {
	ctx, span := r.tracing.StartDatabaseSpan(ctx, op, "scheduled_events")
	tx, err := r.db.Serializable(ctx)
	if err != nil {
		r.endSpan(span, err)
		return ctx, nil, nil, r.mapError(ctx, err, "failed to begin transaction")
	}
	return ctx, span, tx, nil
}

func (r *Repository) endSpan(span trace.Span, err error) {
	if err != nil && !types.IsConflict(err) {
		r.tracing.RecordError(span, err)
	}
	span.End()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*types.ScheduledEvent, error) {
	e := &types.ScheduledEvent{}
	err := row.Scan(
		&e.ID,
		&e.ResourceID,
		&e.Kind,
		&e.Status,
		&e.StartTime,
		&e.EndTime,
		&e.PatientRef,
		&e.Title,
		&e.Notes,
		&e.CreatedBy,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func collectEvents(ctx context.Context, q queryer, query string, args ...interface{}) ([]*types.ScheduledEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.ScheduledEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Query retrieves events from both kinds matching filters
func (r *Repository) Query(ctx context.Context, filters *types.EventFilters) ([]*types.ScheduledEvent, error) {
	start := time.Now()
	query := `SELECT ` + eventColumns + ` FROM scheduled_events WHERE 1=1`

	args := []interface{}{}
	argIndex := 1

	if filters != nil {
		if filters.ResourceID != "" {
			query += fmt.Sprintf(" AND resource_id = $%d", argIndex)
			args = append(args, filters.ResourceID)
			argIndex++
		}

		if filters.Status != "" {
			query += fmt.Sprintf(" AND status = $%d", argIndex)
			args = append(args, string(filters.Status))
			argIndex++
		}

		if filters.Kind != "" {
			query += fmt.Sprintf(" AND kind = $%d", argIndex)
			args = append(args, string(filters.Kind))
			argIndex++
		}

		if filters.PatientRef != "" {
			query += fmt.Sprintf(" AND patient_ref = $%d", argIndex)
			args = append(args, filters.PatientRef)
			argIndex++
		}

		if !filters.From.IsZero() {
			query += fmt.Sprintf(" AND end_time > $%d", argIndex)
			args = append(args, filters.From)
			argIndex++
		}

		if !filters.To.IsZero() {
			query += fmt.Sprintf(" AND start_time < $%d", argIndex)
			args = append(args, filters.To)
		}
	}

	query += " ORDER BY start_time ASC, id ASC"

	events, err := collectEvents(ctx, r.db, query, args...)
	r.observe(ctx, "select", start, int64(len(events)), err)
	if err != nil {
		return nil, r.mapError(ctx, err, "failed to query events")
	}
	return events, nil
}

// Get retrieves an event by ID
func (r *Repository) Get(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	start := time.Now()
	query := `SELECT ` + eventColumns + ` FROM scheduled_events WHERE id = $1`

	e, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	r.observe(ctx, "select", start, 1, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("event not found: %s", id))
		}
		return nil, r.mapError(ctx, err, "failed to get event")
	}
	return e, nil
}

// ActiveForResource returns the active events on resourceID in start order
func (r *Repository) ActiveForResource(ctx context.Context, resourceID string) ([]*types.ScheduledEvent, error) {
	start := time.Now()
	query := `SELECT ` + eventColumns + ` FROM scheduled_events
		WHERE resource_id = $1 AND status = 'active'
		ORDER BY start_time ASC, id ASC`

	events, err := collectEvents(ctx, r.db, query, resourceID)
	r.observe(ctx, "select", start, int64(len(events)), err)
	if err != nil {
		return nil, r.mapError(ctx, err, "failed to load active events")
	}
	return events, nil
}

// lockActive re-reads the active set of resourceID inside tx and locks it
func lockActive(ctx context.Context, tx *sql.Tx, resourceID string) ([]*types.ScheduledEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM scheduled_events
		WHERE resource_id = $1 AND status = 'active'
		ORDER BY start_time ASC, id ASC
		FOR UPDATE`
	return collectEvents(ctx, tx, query, resourceID)
}

// Create inserts a new event after re-checking overlap inside the transaction
func (r *Repository) Create(ctx context.Context, event *types.ScheduledEvent) (*types.ScheduledEvent, error) {
	start := time.Now()
	created, err := r.create(ctx, event)
	r.observe(ctx, "insert", start, 1, err)
	if err != nil {
		return nil, r.resolveConflict(ctx, checkFor(event), err)
	}
	return created, nil
}

func (r *Repository) create(ctx context.Context, event *types.ScheduledEvent) (created *types.ScheduledEvent, err error) {
	ctx, span, tx, err := r.startTx(ctx, "insert")
	if err != nil {
		return nil, err
	}
	defer func() { r.endSpan(span, err) }()
	defer tx.Rollback()

	if event.IsActive() {
		active, err := lockActive(ctx, tx, event.ResourceID)
		if err != nil {
			return nil, r.mapError(ctx, err, "failed to lock active events")
		}
		if c := DetectConflict(checkFor(event), active); c != nil {
			return nil, types.NewConflictError(c)
		}
	}

	query := `
		INSERT INTO scheduled_events (
			id, resource_id, kind, status, start_time, end_time,
			patient_ref, title, notes, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + eventColumns

	created, err = scanEvent(tx.QueryRowContext(ctx, query,
		event.ID,
		event.ResourceID,
		string(event.Kind),
		string(event.Status),
		event.StartTime,
		event.EndTime,
		event.PatientRef,
		event.Title,
		event.Notes,
		event.CreatedBy,
	))
	if err != nil {
		return nil, r.mapError(ctx, err, "failed to create event")
	}

	if err := tx.Commit(); err != nil {
		return nil, r.mapError(ctx, err, "failed to commit event")
	}
	return created, nil
}

// Update applies patch to an event, re-checking overlap with the event itself excluded
func (r *Repository) Update(ctx context.Context, id string, patch *types.EventPatch) (*types.ScheduledEvent, error) {
	start := time.Now()
	updated, check, err := r.update(ctx, id, patch)
	r.observe(ctx, "update", start, 1, err)
	if err != nil {
		return nil, r.resolveConflict(ctx, check, err)
	}
	return updated, nil
}

func (r *Repository) update(ctx context.Context, id string, patch *types.EventPatch) (updated *types.ScheduledEvent, check types.ConflictCheck, err error) {
	ctx, span, tx, err := r.startTx(ctx, "update")
	if err != nil {
		return nil, check, err
	}
	defer func() { r.endSpan(span, err) }()
	defer tx.Rollback()

	current, err := scanEvent(tx.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM scheduled_events WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, check, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("event not found: %s", id))
		}
		return nil, check, r.mapError(ctx, err, "failed to load event")
	}

	next := patch.Apply(current)
	if err := ValidateInterval(next.ResourceID, next.StartTime, next.EndTime); err != nil {
		return nil, check, err
	}
	check = checkFor(next)
	if next.IsActive() {
		active, err := lockActive(ctx, tx, next.ResourceID)
		if err != nil {
			return nil, check, r.mapError(ctx, err, "failed to lock active events")
		}
		if c := DetectConflict(check, active); c != nil {
			return nil, check, types.NewConflictError(c)
		}
	}

	query := `
		UPDATE scheduled_events
		SET resource_id = $2, status = $3, start_time = $4, end_time = $5,
			patient_ref = $6, title = $7, notes = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + eventColumns

	updated, err = scanEvent(tx.QueryRowContext(ctx, query,
		id,
		next.ResourceID,
		string(next.Status),
		next.StartTime,
		next.EndTime,
		next.PatientRef,
		next.Title,
		next.Notes,
	))
	if err != nil {
		return nil, check, r.mapError(ctx, err, "failed to update event")
	}

	if err := tx.Commit(); err != nil {
		return nil, check, r.mapError(ctx, err, "failed to commit event")
	}
	return updated, check, nil
}

// Cancel soft-deletes an event by marking it cancelled
func (r *Repository) Cancel(ctx context.Context, id string) (*types.ScheduledEvent, error) {
	start := time.Now()
	query := `
		UPDATE scheduled_events SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status <> 'cancelled'
		RETURNING ` + eventColumns

	e, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	r.observe(ctx, "update", start, 1, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("event not found: %s", id))
		}
		return nil, r.mapError(ctx, err, "failed to cancel event")
	}
	return e, nil
}

// resolveConflict names the conflicting event when the exclusion constraint fired
func (r *Repository) resolveConflict(ctx context.Context, check types.ConflictCheck, err error) error {
	var se *types.ScheduleError
	if !errors.As(err, &se) || se.Type != types.ErrorTypeConflict || se.Conflicting != nil {
		return err
	}

	active, lookupErr := r.ActiveForResource(ctx, check.ResourceID)
	if lookupErr != nil {
		r.logger.WithComponent("timeline-repository").WithError(lookupErr).Warn("Failed to resolve conflicting event")
		return err
	}
	if c := DetectConflict(check, active); c != nil {
		return types.NewConflictError(c)
	}
	return err
}

// mapError translates driver errors into the timeline error taxonomy
func (r *Repository) mapError(ctx context.Context, err error, message string) error {
	var se *types.ScheduleError
	if errors.As(err, &se) {
		return err
	}

	// drivers report cancellation with their own errors; the context says why
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.NewTimeoutError(message, err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return types.NewTransientError(types.ErrCodeStorage, message, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqExclusionViolation:
			return types.NewConflictError(nil)
		case pqSerializationFailed, pqDeadlockDetected:
			return types.NewTransientError(types.ErrCodeSerialization, message, err)
		case pqUniqueViolation:
			return types.NewValidationError(types.ErrCodeInvalidInput, "event already exists", map[string]interface{}{
				"constraint": pqErr.Constraint,
			})
		case pqCheckViolation:
			return types.NewValidationError(types.ErrCodeInvalidInterval, "event violates a table constraint", map[string]interface{}{
				"constraint": pqErr.Constraint,
			})
		}
	}

	return types.NewTransientError(types.ErrCodeStorage, message, err)
}

func (r *Repository) observe(ctx context.Context, op string, start time.Time, rows int64, err error) {
	elapsed := time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordDBQuery(op, elapsed)
	}
	// conflicts and misses are expected outcomes, not database failures
	success := err == nil || types.IsConflict(err) || types.IsNotFound(err) || errors.Is(err, sql.ErrNoRows)
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"error": err.Error()}
	}
	r.logger.DatabaseOperation(ctx, op, "scheduled_events", elapsed.Milliseconds(), rows, success, details)
}
