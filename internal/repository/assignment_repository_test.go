package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

func newAssignmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAssignmentRepositoryCreateWithTx(t *testing.T) {
	db, mock, cleanup := newAssignmentRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mail_assignments")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	a := &models.MailAssignment{
		MailRecordID: "mail-1",
		AssignedTo:   "user-1",
		AssignedBy:   "ag-1",
		Status:       models.AssignmentActive,
	}
	require.NoError(t, repo.CreateWithTx(context.Background(), tx, a))
	require.NotEmpty(t, a.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryHasActiveForAssigneeWithTx(t *testing.T) {
	db, mock, cleanup := newAssignmentRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("mail-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	exists, err := repo.HasActiveForAssigneeWithTx(context.Background(), tx, "mail-1", "user-1")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryDelegateReusesRow(t *testing.T) {
	db, mock, cleanup := newAssignmentRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE mail_assignments")).
		WithArgs("assign-1", "user-2", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delegate(context.Background(), "assign-1", "user-2", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryDelegateInactiveRowFails(t *testing.T) {
	db, mock, cleanup := newAssignmentRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE mail_assignments")).
		WithArgs("assign-1", "user-2", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delegate(context.Background(), "assign-1", "user-2", at)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryCompleteAllActiveWithTx(t *testing.T) {
	db, mock, cleanup := newAssignmentRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE mail_assignments")).
		WithArgs("mail-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("assign-1").AddRow("assign-2"))

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	ids, err := repo.CompleteAllActiveWithTx(context.Background(), tx, "mail-1", at)
	require.NoError(t, err)
	require.Equal(t, []string{"assign-1", "assign-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryFindActiveByCurrentAssignee(t *testing.T) {
	db, mock, cleanup := newAssignmentRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	now := time.Now()

	cols := []string{"id", "mail_record_id", "assigned_to", "assigned_by",
		"instructions", "status", "reassigned_to", "reassigned_at",
		"completed_at", "created_at", "updated_at",
		"assigned_to_name", "reassigned_to_name", "assignee_section_id", "delegate_section_id"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT ma.id, ma.mail_record_id")).
		WithArgs("mail-1", "user-2").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("assign-1", "mail-1", "user-1", "ag-1",
				nil, "Active", "user-2", now,
				nil, now, now,
				"Original", "Delegate", "sec-1", "sec-1"))

	a, err := repo.FindActiveByCurrentAssignee(context.Background(), "mail-1", "user-2")
	require.NoError(t, err)
	require.Equal(t, "user-2", a.CurrentAssignee())
	require.Equal(t, "user-1", a.AssignedTo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryListRemarksByMailGroups(t *testing.T) {
	db, mock, cleanup := newAssignmentRepoMock(t)
	defer cleanup()

	repo := NewAssignmentRepository(db)
	now := time.Now()

	cols := []string{"id", "assignment_id", "content", "created_by", "created_at", "created_by_name"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT ar.id, ar.assignment_id")).
		WithArgs("mail-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("rem-1", "assign-1", "first pass done", "user-1", now, "Asha").
			AddRow("rem-2", "assign-2", "awaiting file", "user-2", now.Add(time.Minute), "Binod").
			AddRow("rem-3", "assign-1", "sent upward", "user-1", now.Add(2*time.Minute), "Asha"))

	grouped, err := repo.ListRemarksByMail(context.Background(), "mail-1")
	require.NoError(t, err)
	require.Len(t, grouped["assign-1"], 2)
	require.Len(t, grouped["assign-2"], 1)
	require.Equal(t, "sent upward", grouped["assign-1"][1].Content)
	require.NoError(t, mock.ExpectationsWereMet())
}
