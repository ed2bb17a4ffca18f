package deadlines

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medrex/clinic-timeline/pkg/database"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/monitoring"
	"github.com/medrex/clinic-timeline/pkg/types"
)

// store carries what the Postgres stores of this package share
type store struct {
	db      *database.DB
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
}

func (s *store) observe(ctx context.Context, op, table string, start time.Time, rows int64, err error) {
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, elapsed)
	}
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"error": err.Error()}
	}
	success := err == nil || errors.Is(err, sql.ErrNoRows)
	s.logger.DatabaseOperation(ctx, op, table, elapsed.Milliseconds(), rows, success, details)
}

// storageError classifies a driver error as timeout or transient
func storageError(ctx context.Context, err error, message string) error {
	var se *types.ScheduleError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewTimeoutError(message, err)
	}
	return types.NewTransientError(types.ErrCodeStorage, message, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// DeadlineRepository stores deadline sets in PostgreSQL, one row per patient
type DeadlineRepository struct {
	store
}

// NewDeadlineRepository creates a new deadline set repository
func NewDeadlineRepository(db *database.DB, log *logger.Logger, metrics *monitoring.MetricsCollector) *DeadlineRepository {
	return &DeadlineRepository{store{db: db, logger: log, metrics: metrics}}
}

// Upsert replaces the patient's deadline set
func (r *DeadlineRepository) Upsert(ctx context.Context, set *types.DeadlineSet) error {
	start := time.Now()
	payload, err := json.Marshal(set.Deadlines)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to encode deadlines", err)
	}

	query := `
		INSERT INTO deadline_sets (patient_ref, anchor_kind, anchor_date, planned_date, deadlines, warning, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient_ref) DO UPDATE SET
			anchor_kind = EXCLUDED.anchor_kind,
			anchor_date = EXCLUDED.anchor_date,
			planned_date = EXCLUDED.planned_date,
			deadlines = EXCLUDED.deadlines,
			warning = EXCLUDED.warning,
			updated_at = EXCLUDED.updated_at`

	result, err := r.db.ExecContext(ctx, query,
		set.PatientRef, set.AnchorKind, set.AnchorDate, nullTime(set.PlannedDate), payload, set.Warning, set.UpdatedAt)
	var rows int64
	if err == nil {
		rows, _ = result.RowsAffected()
	}
	r.observe(ctx, "upsert", "deadline_sets", start, rows, err)
	if err != nil {
		return storageError(ctx, err, "failed to upsert deadline set")
	}
	return nil
}

// ReplaceIfUnchanged rewrites the deadlines of a set whose updated_at still
// equals expectedUpdatedAt. The anchor columns are left alone.
func (r *DeadlineRepository) ReplaceIfUnchanged(ctx context.Context, set *types.DeadlineSet, expectedUpdatedAt time.Time) (bool, error) {
	start := time.Now()
	payload, err := json.Marshal(set.Deadlines)
	if err != nil {
		return false, types.NewInternalError(types.ErrCodeInternalError, "failed to encode deadlines", err)
	}

	query := `
		UPDATE deadline_sets SET deadlines = $2, warning = $3, updated_at = $4
		WHERE patient_ref = $1 AND updated_at = $5`

	result, err := r.db.ExecContext(ctx, query, set.PatientRef, payload, set.Warning, set.UpdatedAt, expectedUpdatedAt)
	var rows int64
	if err == nil {
		rows, err = result.RowsAffected()
	}
	r.observe(ctx, "update", "deadline_sets", start, rows, err)
	if err != nil {
		return false, storageError(ctx, err, "failed to replace deadline set")
	}
	return rows == 1, nil
}

const deadlineSetColumns = `patient_ref, anchor_kind, anchor_date, planned_date, deadlines, warning, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeadlineSet(row rowScanner) (*types.DeadlineSet, error) {
	var (
		set     types.DeadlineSet
		planned sql.NullTime
		payload []byte
	)
	if err := row.Scan(&set.PatientRef, &set.AnchorKind, &set.AnchorDate, &planned, &payload, &set.Warning, &set.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &set.Deadlines); err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to decode deadlines", err)
	}
	set.PlannedDate = timePtr(planned)
	return &set, nil
}

// Get returns the patient's deadline set
func (r *DeadlineRepository) Get(ctx context.Context, patientRef string) (*types.DeadlineSet, error) {
	start := time.Now()
	query := `SELECT ` + deadlineSetColumns + ` FROM deadline_sets WHERE patient_ref = $1`

	set, err := scanDeadlineSet(r.db.QueryRowContext(ctx, query, patientRef))
	r.observe(ctx, "select", "deadline_sets", start, 1, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("no deadlines for patient %s", patientRef))
		}
		return nil, storageError(ctx, err, "failed to get deadline set")
	}
	return set, nil
}

// ListPending returns the sets with a pending deadline, ordered by patient
func (r *DeadlineRepository) ListPending(ctx context.Context) ([]*types.DeadlineSet, error) {
	start := time.Now()
	query := `SELECT ` + deadlineSetColumns + ` FROM deadline_sets
		WHERE deadlines @> '[{"status": "pending"}]'::jsonb
		ORDER BY patient_ref`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		r.observe(ctx, "select", "deadline_sets", start, 0, err)
		return nil, storageError(ctx, err, "failed to list pending deadlines")
	}
	defer rows.Close()

	var sets []*types.DeadlineSet
	for rows.Next() {
		set, err := scanDeadlineSet(rows)
		if err != nil {
			r.observe(ctx, "select", "deadline_sets", start, int64(len(sets)), err)
			return nil, storageError(ctx, err, "failed to scan deadline set")
		}
		sets = append(sets, set)
	}
	err = rows.Err()
	r.observe(ctx, "select", "deadline_sets", start, int64(len(sets)), err)
	if err != nil {
		return nil, storageError(ctx, err, "failed to list pending deadlines")
	}
	return sets, nil
}

// ProposalRepository transitions proposals stored in PostgreSQL
type ProposalRepository struct {
	store
}

// NewProposalRepository creates a new proposal repository
func NewProposalRepository(db *database.DB, log *logger.Logger, metrics *monitoring.MetricsCollector) *ProposalRepository {
	return &ProposalRepository{store{db: db, logger: log, metrics: metrics}}
}

const proposalColumns = `id, patient_ref, status, sent_at, accepted_at, planned_procedure_date, updated_at`

func scanProposal(row *sql.Row) (*types.Proposal, error) {
	var (
		p                        types.Proposal
		sent, accepted, procDate sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.PatientRef, &p.Status, &sent, &accepted, &procDate, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.SentAt = timePtr(sent)
	p.AcceptedAt = timePtr(accepted)
	p.PlannedProcedureDate = timePtr(procDate)
	return &p, nil
}

// Get returns a proposal by ID
func (r *ProposalRepository) Get(ctx context.Context, id string) (*types.Proposal, error) {
	start := time.Now()
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE id = $1`

	p, err := scanProposal(r.db.QueryRowContext(ctx, query, id))
	r.observe(ctx, "select", "proposals", start, 1, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("proposal not found: %s", id))
		}
		return nil, storageError(ctx, err, "failed to get proposal")
	}
	return p, nil
}

// UpdateStatus sets the status and stamps sent_at or accepted_at with at.
// A nil plannedDate keeps the stored planned procedure date.
func (r *ProposalRepository) UpdateStatus(ctx context.Context, id string, status types.ProposalStatus, at time.Time, plannedDate *time.Time) (*types.Proposal, error) {
	start := time.Now()
	query := `
		UPDATE proposals SET
			status = $2::varchar,
			sent_at = CASE WHEN $2::varchar = 'sent' THEN $3 ELSE sent_at END,
			accepted_at = CASE WHEN $2::varchar = 'accepted' THEN $3 ELSE accepted_at END,
			planned_procedure_date = COALESCE($4, planned_procedure_date),
			updated_at = $3
		WHERE id = $1
		RETURNING ` + proposalColumns

	p, err := scanProposal(r.db.QueryRowContext(ctx, query, id, string(status), at, nullTime(plannedDate)))
	r.observe(ctx, "update", "proposals", start, 1, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("proposal not found: %s", id))
		}
		return nil, storageError(ctx, err, "failed to update proposal")
	}
	return p, nil
}

// PatientDirectory reads display names from the patients table
type PatientDirectory struct {
	store
}

// NewPatientDirectory creates a new patient directory
func NewPatientDirectory(db *database.DB, log *logger.Logger, metrics *monitoring.MetricsCollector) *PatientDirectory {
	return &PatientDirectory{store{db: db, logger: log, metrics: metrics}}
}

// DisplayName returns the patient's display name
func (d *PatientDirectory) DisplayName(ctx context.Context, patientRef string) (string, error) {
	start := time.Now()
	var name string
	err := d.db.QueryRowContext(ctx, `SELECT display_name FROM patients WHERE id = $1`, patientRef).Scan(&name)
	d.observe(ctx, "select", "patients", start, 1, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", types.NewNotFoundError(types.ErrCodeNotFound, fmt.Sprintf("patient not found: %s", patientRef))
		}
		return "", storageError(ctx, err, "failed to resolve patient name")
	}
	return name, nil
}
