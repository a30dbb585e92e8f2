package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

const mailSelectColumns = `m.id, m.sl_no, m.letter_no, m.date_received, m.subject, m.from_office,
	m.action_required, m.action_required_other, m.current_action,
	m.assigned_to, m.current_handler, m.monitoring_officer,
	m.section_id, m.subsection_id, m.due_date, m.status,
	m.date_of_completion, m.last_status_change, m.remarks,
	m.is_multi_assigned, m.consolidated_remarks,
	m.created_by, m.created_at, m.updated_at,
	a.full_name AS assigned_to_name,
	h.full_name AS current_handler_name,
	s.name AS section_name,
	c.full_name AS created_by_name`

const mailJoins = `FROM mail_records m
	LEFT JOIN users a ON a.id = m.assigned_to
	LEFT JOIN users h ON h.id = m.current_handler
	LEFT JOIN users c ON c.id = m.created_by
	LEFT JOIN sections s ON s.id = m.section_id`

// MailRepository provides database access for mail records. Mutating
// workflow operations run inside caller-owned transactions so that the
// record, its assignment rows and the audit entry commit atomically.
type MailRepository struct {
	db *sqlx.DB
}

// NewMailRepository creates a new instance of MailRepository.
func NewMailRepository(db *sqlx.DB) *MailRepository {
	return &MailRepository{db: db}
}

// NextSerialNumberWithTx allocates the next "YEAR/NNN" serial inside the
// given transaction. The current maximum row is locked; the unique index on
// sl_no backs the allocation against a concurrent first-of-year insert, in
// which case the caller retries.
func (r *MailRepository) NextSerialNumberWithTx(ctx context.Context, tx *sqlx.Tx, now time.Time) (string, error) {
	year := now.UTC().Year()
	prefix := fmt.Sprintf("%d/", year)

	var last string
	err := tx.GetContext(ctx, &last,
		`SELECT sl_no FROM mail_records WHERE sl_no LIKE $1 ORDER BY LENGTH(sl_no) DESC, sl_no DESC LIMIT 1 FOR UPDATE`,
		prefix+"%")
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("allocate serial number: %w", err)
	}

	seq := 0
	if err == nil {
		parts := strings.SplitN(last, "/", 2)
		if len(parts) == 2 {
			if n, perr := strconv.Atoi(parts[1]); perr == nil {
				seq = n
			}
		}
	}
	return fmt.Sprintf("%d/%03d", year, seq+1), nil
}

// CreateWithTx inserts a mail record inside the given transaction.
func (r *MailRepository) CreateWithTx(ctx context.Context, tx *sqlx.Tx, mail *models.MailRecord) error {
	if mail.ID == "" {
		mail.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if mail.CreatedAt.IsZero() {
		mail.CreatedAt = now
	}
	mail.UpdatedAt = now
	if mail.LastStatusChange.IsZero() {
		mail.LastStatusChange = now
	}

	const query = `INSERT INTO mail_records (
			id, sl_no, letter_no, date_received, subject, from_office,
			action_required, action_required_other, current_action,
			assigned_to, current_handler, monitoring_officer,
			section_id, subsection_id, due_date, status,
			date_of_completion, last_status_change, remarks,
			is_multi_assigned, consolidated_remarks,
			created_by, created_at, updated_at
		) VALUES (
			:id, :sl_no, :letter_no, :date_received, :subject, :from_office,
			:action_required, :action_required_other, :current_action,
			:assigned_to, :current_handler, :monitoring_officer,
			:section_id, :subsection_id, :due_date, :status,
			:date_of_completion, :last_status_change, :remarks,
			:is_multi_assigned, :consolidated_remarks,
			:created_by, :created_at, :updated_at
		)`
	if _, err := tx.NamedExecContext(ctx, query, mail); err != nil {
		return fmt.Errorf("create mail record: %w", err)
	}
	return nil
}

// GetByID returns a mail record with joined display columns.
func (r *MailRepository) GetByID(ctx context.Context, id string) (*models.MailRecord, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE m.id = $1 LIMIT 1`, mailSelectColumns, mailJoins)
	var mail models.MailRecord
	if err := r.db.GetContext(ctx, &mail, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get mail record: %w", err)
	}
	return &mail, nil
}

// GetByIDWithTx loads a mail record under the transaction with FOR UPDATE,
// serializing concurrent workflow transitions on the same record.
func (r *MailRepository) GetByIDWithTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.MailRecord, error) {
	const query = `SELECT id, sl_no, letter_no, date_received, subject, from_office,
		action_required, action_required_other, current_action,
		assigned_to, current_handler, monitoring_officer,
		section_id, subsection_id, due_date, status,
		date_of_completion, last_status_change, remarks,
		is_multi_assigned, consolidated_remarks,
		created_by, created_at, updated_at
		FROM mail_records WHERE id = $1 FOR UPDATE`
	var mail models.MailRecord
	if err := tx.GetContext(ctx, &mail, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock mail record: %w", err)
	}
	return &mail, nil
}

// List returns mail records visible under the given scope, newest first.
// A PageSize of 0 disables pagination (register exports).
func (r *MailRepository) List(ctx context.Context, filter models.MailFilter, vis models.MailVisibility) ([]models.MailRecord, int, error) {
	var args []interface{}
	visClause := buildVisibilityClause(vis, &args)
	if visClause == "" {
		// Nothing is visible; avoid a degenerate query.
		return nil, 0, nil
	}

	conditions := []string{visClause}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("m.status = $%d", len(args)))
	}
	if filter.SectionID != "" {
		args = append(args, filter.SectionID)
		conditions = append(conditions, fmt.Sprintf("m.section_id = $%d", len(args)))
	}
	if filter.Overdue {
		args = append(args, time.Now().UTC())
		conditions = append(conditions, fmt.Sprintf("m.status <> 'Closed' AND m.due_date < $%d", len(args)))
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM mail_records m %s`, where)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count mail records: %w", err)
	}

	listQuery := fmt.Sprintf(`SELECT %s %s %s ORDER BY m.created_at DESC`, mailSelectColumns, mailJoins, where)
	if filter.PageSize > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		listQuery += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.PageSize, (page-1)*filter.PageSize)
	}

	var mails []models.MailRecord
	if err := r.db.SelectContext(ctx, &mails, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list mail records: %w", err)
	}
	return mails, total, nil
}

// Update persists mutable fields of a mail record.
func (r *MailRepository) Update(ctx context.Context, mail *models.MailRecord) error {
	mail.UpdatedAt = time.Now().UTC()
	if _, err := r.db.NamedExecContext(ctx, mailUpdateQuery, mail); err != nil {
		return fmt.Errorf("update mail record: %w", err)
	}
	return nil
}

// UpdateWithTx persists mutable fields inside the given transaction.
func (r *MailRepository) UpdateWithTx(ctx context.Context, tx *sqlx.Tx, mail *models.MailRecord) error {
	mail.UpdatedAt = time.Now().UTC()
	if _, err := tx.NamedExecContext(ctx, mailUpdateQuery, mail); err != nil {
		return fmt.Errorf("update mail record: %w", err)
	}
	return nil
}

const mailUpdateQuery = `UPDATE mail_records SET
	current_action = :current_action,
	assigned_to = :assigned_to,
	current_handler = :current_handler,
	monitoring_officer = :monitoring_officer,
	section_id = :section_id,
	subsection_id = :subsection_id,
	due_date = :due_date,
	status = :status,
	date_of_completion = :date_of_completion,
	last_status_change = :last_status_change,
	remarks = :remarks,
	is_multi_assigned = :is_multi_assigned,
	consolidated_remarks = :consolidated_remarks,
	updated_at = :updated_at
	WHERE id = :id`

// UpdateConsolidatedRemarks rewrites only the consolidated snapshot.
func (r *MailRepository) UpdateConsolidatedRemarks(ctx context.Context, id string, remarks *string) error {
	const query = `UPDATE mail_records SET consolidated_remarks = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, remarks, time.Now().UTC()); err != nil {
		return fmt.Errorf("update consolidated remarks: %w", err)
	}
	return nil
}

// buildVisibilityClause translates the resolver's scope into a SQL OR
// group. Returns "" when the scope matches nothing.
func buildVisibilityClause(vis models.MailVisibility, args *[]interface{}) string {
	if vis.All {
		return "TRUE"
	}

	var parts []string
	if vis.HandlerOrAssignee && vis.UserID != "" {
		*args = append(*args, vis.UserID)
		n := len(*args)
		parts = append(parts, fmt.Sprintf("m.current_handler = $%d OR m.assigned_to = $%d", n, n))
	}
	if vis.CreatorOK && vis.UserID != "" {
		*args = append(*args, vis.UserID)
		parts = append(parts, fmt.Sprintf("m.created_by = $%d", len(*args)))
	}
	if len(vis.SectionIDs) > 0 {
		*args = append(*args, pq.Array(vis.SectionIDs))
		parts = append(parts, fmt.Sprintf("m.section_id = ANY($%d)", len(*args)))
	}
	if len(vis.SubsectionIDs) > 0 {
		*args = append(*args, pq.Array(vis.SubsectionIDs))
		parts = append(parts, fmt.Sprintf("m.subsection_id = ANY($%d)", len(*args)))
	}
	if len(vis.NullSubsectionIn) > 0 {
		*args = append(*args, pq.Array(vis.NullSubsectionIn))
		parts = append(parts, fmt.Sprintf("(m.subsection_id IS NULL AND m.section_id = ANY($%d))", len(*args)))
	}
	if len(vis.TouchedMailIDs) > 0 {
		*args = append(*args, pq.Array(vis.TouchedMailIDs))
		parts = append(parts, fmt.Sprintf("m.id = ANY($%d)", len(*args)))
	}
	if len(vis.AssignedMailIDs) > 0 {
		*args = append(*args, pq.Array(vis.AssignedMailIDs))
		parts = append(parts, fmt.Sprintf("m.id = ANY($%d)", len(*args)))
	}
	if len(vis.SupervisedSectionIDs) > 0 {
		*args = append(*args, pq.Array(vis.SupervisedSectionIDs))
		n := len(*args)
		parts = append(parts, fmt.Sprintf(`m.id IN (
			SELECT ma.mail_record_id FROM mail_assignments ma
			JOIN users au ON au.id = COALESCE(ma.reassigned_to, ma.assigned_to)
			LEFT JOIN subsections asub ON asub.id = au.subsection_id
			LEFT JOIN user_sections aus ON aus.user_id = au.id
			WHERE asub.section_id = ANY($%d) OR aus.section_id = ANY($%d))`, n, n))
	}

	if len(parts) == 0 {
		return ""
	}
	for i, p := range parts {
		parts[i] = "(" + p + ")"
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}
