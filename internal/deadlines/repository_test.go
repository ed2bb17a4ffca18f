package deadlines

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/clinic-timeline/pkg/config"
	"github.com/medrex/clinic-timeline/pkg/database"
	"github.com/medrex/clinic-timeline/pkg/logger"
	"github.com/medrex/clinic-timeline/pkg/types"
)

func setupTestDB(t *testing.T) (*database.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.Wrap(db, &config.DatabaseConfig{Driver: "postgres"}, logger.Discard()), mock
}

var (
	deadlineColumns = []string{"patient_ref", "anchor_kind", "anchor_date", "planned_date", "deadlines", "warning", "updated_at"}
	proposalCols    = []string{"id", "patient_ref", "status", "sent_at", "accepted_at", "planned_procedure_date", "updated_at"}
)

func TestDeadlineRepository_Upsert(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDeadlineRepository(db, logger.Discard(), nil)

	set := &types.DeadlineSet{
		PatientRef:  "pt-1",
		AnchorKind:  types.AnchorProposalAccepted,
		AnchorDate:  date(2024, 1, 10),
		PlannedDate: datePtr(2024, 2, 1),
		Deadlines: []types.Deadline{
			{Label: "Scheduling fee – Maria", Date: date(2024, 1, 12), Status: types.DeadlinePending},
		},
		UpdatedAt: date(2024, 1, 10),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO deadline_sets") + "(.+)" + regexp.QuoteMeta("ON CONFLICT (patient_ref) DO UPDATE")).
		WithArgs("pt-1", "proposal_accepted", set.AnchorDate, sqlmock.AnyArg(), sqlmock.AnyArg(), "", set.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), set))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadlineRepository_UpsertUnavailable(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDeadlineRepository(db, logger.Discard(), nil)

	mock.ExpectExec("INSERT INTO deadline_sets").WillReturnError(errors.New("connection refused"))

	err := repo.Upsert(context.Background(), &types.DeadlineSet{PatientRef: "pt-1"})
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestDeadlineRepository_Get(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDeadlineRepository(db, logger.Discard(), nil)

	payload, err := json.Marshal([]types.Deadline{
		{Label: "Proposal response – Maria", Date: date(2024, 1, 13), Status: types.DeadlinePending},
	})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM deadline_sets WHERE patient_ref = \\$1").
		WithArgs("pt-1").
		WillReturnRows(sqlmock.NewRows(deadlineColumns).
			AddRow("pt-1", "proposal_sent", date(2024, 1, 10), nil, payload, "", date(2024, 1, 10)))

	set, err := repo.Get(context.Background(), "pt-1")
	require.NoError(t, err)
	assert.Equal(t, types.AnchorProposalSent, set.AnchorKind)
	assert.Nil(t, set.PlannedDate)
	require.Len(t, set.Deadlines, 1)
	assert.Equal(t, date(2024, 1, 13), set.Deadlines[0].Date)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadlineRepository_GetNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDeadlineRepository(db, logger.Discard(), nil)

	mock.ExpectQuery("SELECT (.+) FROM deadline_sets").
		WithArgs("pt-2").
		WillReturnRows(sqlmock.NewRows(deadlineColumns))

	_, err := repo.Get(context.Background(), "pt-2")
	assert.True(t, types.IsNotFound(err))
}

func TestProposalRepository_UpdateStatus(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewProposalRepository(db, logger.Discard(), nil)
	at := time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE proposals SET") + "(.+)" + regexp.QuoteMeta("COALESCE($4, planned_procedure_date)")).
		WithArgs("pr-1", "accepted", at, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(proposalCols).
			AddRow("pr-1", "pt-1", "accepted", at.AddDate(0, 0, -2), at, date(2024, 2, 1), at))

	p, err := repo.UpdateStatus(context.Background(), "pr-1", types.ProposalAccepted, at, datePtr(2024, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, types.ProposalAccepted, p.Status)
	require.NotNil(t, p.AcceptedAt)
	assert.Equal(t, at, *p.AcceptedAt)
	assert.Equal(t, date(2024, 2, 1), *p.PlannedProcedureDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProposalRepository_GetNotFound(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewProposalRepository(db, logger.Discard(), nil)

	mock.ExpectQuery("SELECT (.+) FROM proposals WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(proposalCols))

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, types.IsNotFound(err))
}

func TestPatientDirectory_DisplayName(t *testing.T) {
	db, mock := setupTestDB(t)
	dir := NewPatientDirectory(db, logger.Discard(), nil)

	mock.ExpectQuery("SELECT display_name FROM patients WHERE id = \\$1").
		WithArgs("pt-1").
		WillReturnRows(sqlmock.NewRows([]string{"display_name"}).AddRow("Maria Souza"))

	name, err := dir.DisplayName(context.Background(), "pt-1")
	require.NoError(t, err)
	assert.Equal(t, "Maria Souza", name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadlineRepository_ListPending(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDeadlineRepository(db, logger.Discard(), nil)

	payload, err := json.Marshal([]types.Deadline{
		{Label: "Proposal response – Maria", Date: date(2024, 1, 13), Status: types.DeadlinePending},
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM deadline_sets`) + "(.+)" + regexp.QuoteMeta(`deadlines @> '[{"status": "pending"}]'::jsonb`)).
		WillReturnRows(sqlmock.NewRows(deadlineColumns).
			AddRow("pt-1", "proposal_sent", date(2024, 1, 10), nil, payload, "", date(2024, 1, 10)).
			AddRow("pt-2", "proposal_sent", date(2024, 1, 11), nil, []byte("not json"), "", date(2024, 1, 11)))

	_, err = repo.ListPending(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrorTypeInternal, types.ErrorTypeOf(err), "corrupt rows are not retryable")
}

func TestDeadlineRepository_ReplaceIfUnchanged(t *testing.T) {
	db, mock := setupTestDB(t)
	repo := NewDeadlineRepository(db, logger.Discard(), nil)
	listedAt := date(2024, 1, 10)
	set := &types.DeadlineSet{
		PatientRef: "pt-1",
		Deadlines:  []types.Deadline{{Label: "Proposal response – Maria", Date: date(2024, 1, 13), Status: types.DeadlineMissed}},
		UpdatedAt:  date(2024, 1, 14),
	}

	query := regexp.QuoteMeta("UPDATE deadline_sets SET") + "(.+)" + regexp.QuoteMeta("WHERE patient_ref = $1 AND updated_at = $5")
	mock.ExpectExec(query).
		WithArgs("pt-1", sqlmock.AnyArg(), "", set.UpdatedAt, listedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs("pt-1", sqlmock.AnyArg(), "", set.UpdatedAt, listedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	replaced, err := repo.ReplaceIfUnchanged(context.Background(), set, listedAt)
	require.NoError(t, err)
	assert.True(t, replaced)

	replaced, err = repo.ReplaceIfUnchanged(context.Background(), set, listedAt)
	require.NoError(t, err)
	assert.False(t, replaced, "a newer cascade owns the row")
	assert.NoError(t, mock.ExpectationsWereMet())
}
