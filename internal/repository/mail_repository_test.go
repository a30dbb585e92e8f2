package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

func newMailRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestMailRepositorySerialNumberContinuesSequence(t *testing.T) {
	db, mock, cleanup := newMailRepoMock(t)
	defer cleanup()

	repo := NewMailRepository(db)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sl_no FROM mail_records WHERE sl_no LIKE $1")).
		WithArgs("2026/%").
		WillReturnRows(sqlmock.NewRows([]string{"sl_no"}).AddRow("2026/041"))

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	slNo, err := repo.NextSerialNumberWithTx(context.Background(), tx, now)
	require.NoError(t, err)
	require.Equal(t, "2026/042", slNo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMailRepositorySerialNumberStartsYearAtOne(t *testing.T) {
	db, mock, cleanup := newMailRepoMock(t)
	defer cleanup()

	repo := NewMailRepository(db)
	now := time.Date(2027, 1, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sl_no FROM mail_records WHERE sl_no LIKE $1")).
		WithArgs("2027/%").
		WillReturnRows(sqlmock.NewRows([]string{"sl_no"}))

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	slNo, err := repo.NextSerialNumberWithTx(context.Background(), tx, now)
	require.NoError(t, err)
	require.Equal(t, "2027/001", slNo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMailRepositorySerialNumberGrowsPastPadding(t *testing.T) {
	db, mock, cleanup := newMailRepoMock(t)
	defer cleanup()

	repo := NewMailRepository(db)
	now := time.Date(2026, 12, 30, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sl_no FROM mail_records WHERE sl_no LIKE $1")).
		WithArgs("2026/%").
		WillReturnRows(sqlmock.NewRows([]string{"sl_no"}).AddRow("2026/999"))

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	slNo, err := repo.NextSerialNumberWithTx(context.Background(), tx, now)
	require.NoError(t, err)
	require.Equal(t, "2026/1000", slNo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMailRepositoryCreateWithTx(t *testing.T) {
	db, mock, cleanup := newMailRepoMock(t)
	defer cleanup()

	repo := NewMailRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mail_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	mail := &models.MailRecord{
		SlNo:           "2026/001",
		LetterNo:       "HQ/12/2026",
		DateReceived:   time.Now(),
		Subject:        "Quarterly reconciliation",
		FromOffice:     "HQ Office",
		ActionRequired: models.ActionReview,
		AssignedTo:     "user-1",
		CurrentHandler: "user-1",
		DueDate:        time.Now().Add(72 * time.Hour),
		Status:         models.MailStatusAssigned,
		CreatedBy:      "ag-1",
	}
	require.NoError(t, repo.CreateWithTx(context.Background(), tx, mail))
	require.NotEmpty(t, mail.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMailRepositoryListAppliesScope(t *testing.T) {
	db, mock, cleanup := newMailRepoMock(t)
	defer cleanup()

	repo := NewMailRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM mail_records m")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	cols := []string{"id", "sl_no", "letter_no", "date_received", "subject", "from_office",
		"action_required", "action_required_other", "current_action",
		"assigned_to", "current_handler", "monitoring_officer",
		"section_id", "subsection_id", "due_date", "status",
		"date_of_completion", "last_status_change", "remarks",
		"is_multi_assigned", "consolidated_remarks",
		"created_by", "created_at", "updated_at",
		"assigned_to_name", "current_handler_name", "section_name", "created_by_name"}
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT m.id, m.sl_no")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("mail-1", "2026/001", "HQ/12/2026", now, "Subject", "HQ",
				"Review", nil, nil,
				"user-1", "user-1", nil,
				nil, nil, now.Add(48*time.Hour), "Assigned",
				nil, now, nil,
				false, nil,
				"ag-1", now, now,
				"Asha", "Asha", nil, "The AG"))

	vis := models.MailVisibility{
		UserID:            "user-1",
		HandlerOrAssignee: true,
		TouchedMailIDs:    []string{"mail-1"},
	}
	mails, total, err := repo.List(context.Background(), models.MailFilter{Page: 1, PageSize: 20}, vis)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, mails, 1)
	require.Equal(t, "2026/001", mails[0].SlNo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMailRepositoryListEmptyScopeShortCircuits(t *testing.T) {
	db, mock, cleanup := newMailRepoMock(t)
	defer cleanup()

	repo := NewMailRepository(db)
	mails, total, err := repo.List(context.Background(), models.MailFilter{}, models.MailVisibility{UserID: "user-1"})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, mails)
	require.NoError(t, mock.ExpectationsWereMet())
}
