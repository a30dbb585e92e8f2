package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

const assignmentSelectColumns = `ma.id, ma.mail_record_id, ma.assigned_to, ma.assigned_by,
	ma.instructions, ma.status, ma.reassigned_to, ma.reassigned_at,
	ma.completed_at, ma.created_at, ma.updated_at,
	au.full_name AS assigned_to_name,
	ru.full_name AS reassigned_to_name,
	asub.section_id AS assignee_section_id,
	rsub.section_id AS delegate_section_id`

const assignmentJoins = `FROM mail_assignments ma
	LEFT JOIN users au ON au.id = ma.assigned_to
	LEFT JOIN users ru ON ru.id = ma.reassigned_to
	LEFT JOIN subsections asub ON asub.id = au.subsection_id
	LEFT JOIN subsections rsub ON rsub.id = ru.subsection_id`

// AssignmentRepository provides database access for parallel assignment
// rows and their append-only remark timelines.
type AssignmentRepository struct {
	db *sqlx.DB
}

// NewAssignmentRepository creates a new instance of AssignmentRepository.
func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// CreateWithTx inserts an assignment row inside the given transaction. The
// partial unique index on (mail_record_id, assigned_to) WHERE status =
// 'Active' rejects a duplicate active row for the same assignee.
func (r *AssignmentRepository) CreateWithTx(ctx context.Context, tx *sqlx.Tx, a *models.MailAssignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	const query = `INSERT INTO mail_assignments (
			id, mail_record_id, assigned_to, assigned_by, instructions,
			status, reassigned_to, reassigned_at, completed_at, created_at, updated_at
		) VALUES (
			:id, :mail_record_id, :assigned_to, :assigned_by, :instructions,
			:status, :reassigned_to, :reassigned_at, :completed_at, :created_at, :updated_at
		)`
	if _, err := tx.NamedExecContext(ctx, query, a); err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// GetByID returns an assignment with joined display and section columns.
func (r *AssignmentRepository) GetByID(ctx context.Context, id string) (*models.MailAssignment, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE ma.id = $1 LIMIT 1`, assignmentSelectColumns, assignmentJoins)
	var a models.MailAssignment
	if err := r.db.GetContext(ctx, &a, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &a, nil
}

// ListByMail returns all assignment rows for a mail in creation order.
func (r *AssignmentRepository) ListByMail(ctx context.Context, mailID string) ([]models.MailAssignment, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE ma.mail_record_id = $1 ORDER BY ma.created_at ASC`, assignmentSelectColumns, assignmentJoins)
	var assignments []models.MailAssignment
	if err := r.db.SelectContext(ctx, &assignments, query, mailID); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return assignments, nil
}

// FindActiveByCurrentAssignee returns the active row on the mail for which
// the user is the current assignee (delegate when reassigned, else the
// original assignee).
func (r *AssignmentRepository) FindActiveByCurrentAssignee(ctx context.Context, mailID, userID string) (*models.MailAssignment, error) {
	query := fmt.Sprintf(`SELECT %s %s
		WHERE ma.mail_record_id = $1 AND ma.status = 'Active'
		  AND COALESCE(ma.reassigned_to, ma.assigned_to) = $2
		LIMIT 1`, assignmentSelectColumns, assignmentJoins)
	var a models.MailAssignment
	if err := r.db.GetContext(ctx, &a, query, mailID, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find active assignment: %w", err)
	}
	return &a, nil
}

// HasActiveForAssignee reports whether the original assignee already holds
// an active row on the mail. Used to make multi-assign idempotent.
func (r *AssignmentRepository) HasActiveForAssignee(ctx context.Context, mailID, assigneeID string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM mail_assignments
		WHERE mail_record_id = $1 AND assigned_to = $2 AND status = 'Active')`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, mailID, assigneeID); err != nil {
		return false, fmt.Errorf("check active assignment: %w", err)
	}
	return exists, nil
}

// HasActiveForAssigneeWithTx is the in-transaction variant, reading rows
// already mutated earlier in the same transaction.
func (r *AssignmentRepository) HasActiveForAssigneeWithTx(ctx context.Context, tx *sqlx.Tx, mailID, assigneeID string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM mail_assignments
		WHERE mail_record_id = $1 AND assigned_to = $2 AND status = 'Active')`
	var exists bool
	if err := tx.GetContext(ctx, &exists, query, mailID, assigneeID); err != nil {
		return false, fmt.Errorf("check active assignment: %w", err)
	}
	return exists, nil
}

// Delegate points the row at a new current assignee. The row itself is
// reused; delegation never creates rows.
func (r *AssignmentRepository) Delegate(ctx context.Context, id, targetID string, at time.Time) error {
	const query = `UPDATE mail_assignments
		SET reassigned_to = $2, reassigned_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'Active'`
	res, err := r.db.ExecContext(ctx, query, id, targetID, at)
	if err != nil {
		return fmt.Errorf("delegate assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DelegateWithTx points the row at a new current assignee inside the given
// transaction.
func (r *AssignmentRepository) DelegateWithTx(ctx context.Context, tx *sqlx.Tx, id, targetID string, at time.Time) error {
	const query = `UPDATE mail_assignments
		SET reassigned_to = $2, reassigned_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'Active'`
	res, err := tx.ExecContext(ctx, query, id, targetID, at)
	if err != nil {
		return fmt.Errorf("delegate assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Complete marks the row Completed.
func (r *AssignmentRepository) Complete(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE mail_assignments
		SET status = 'Completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'Active'`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("complete assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CompleteWithTx marks the row Completed inside the given transaction.
func (r *AssignmentRepository) CompleteWithTx(ctx context.Context, tx *sqlx.Tx, id string, at time.Time) error {
	const query = `UPDATE mail_assignments
		SET status = 'Completed', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'Active'`
	res, err := tx.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("complete assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CompleteForCurrentAssigneeWithTx completes the active row held by the
// given current assignee and returns its id, or "" when no such row
// exists. Used by mail-level reassignment to retire the old handler's row.
func (r *AssignmentRepository) CompleteForCurrentAssigneeWithTx(ctx context.Context, tx *sqlx.Tx, mailID, userID string, at time.Time) (string, error) {
	const query = `UPDATE mail_assignments
		SET status = 'Completed', completed_at = $3, updated_at = $3
		WHERE mail_record_id = $1 AND status = 'Active'
		  AND COALESCE(reassigned_to, assigned_to) = $2
		RETURNING id`
	var id string
	err := tx.GetContext(ctx, &id, query, mailID, userID, at)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("complete handler assignment: %w", err)
	}
	return id, nil
}

// Revoke marks the row Revoked.
func (r *AssignmentRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE mail_assignments
		SET status = 'Revoked', updated_at = $2
		WHERE id = $1 AND status = 'Active'`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("revoke assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RevokeWithTx marks the row Revoked inside the given transaction.
func (r *AssignmentRepository) RevokeWithTx(ctx context.Context, tx *sqlx.Tx, id string, at time.Time) error {
	const query = `UPDATE mail_assignments
		SET status = 'Revoked', updated_at = $2
		WHERE id = $1 AND status = 'Active'`
	res, err := tx.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("revoke assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CompleteAllActiveWithTx force-completes every active row on the mail and
// returns the affected row ids. Part of the close transaction.
func (r *AssignmentRepository) CompleteAllActiveWithTx(ctx context.Context, tx *sqlx.Tx, mailID string, at time.Time) ([]string, error) {
	const query = `UPDATE mail_assignments
		SET status = 'Completed', completed_at = $2, updated_at = $2
		WHERE mail_record_id = $1 AND status = 'Active'
		RETURNING id`
	var ids []string
	if err := tx.SelectContext(ctx, &ids, query, mailID, at); err != nil {
		return nil, fmt.Errorf("complete active assignments: %w", err)
	}
	return ids, nil
}

// CountActive returns the number of active rows on the mail.
func (r *AssignmentRepository) CountActive(ctx context.Context, mailID string) (int, error) {
	const query = `SELECT COUNT(*) FROM mail_assignments WHERE mail_record_id = $1 AND status = 'Active'`
	var n int
	if err := r.db.GetContext(ctx, &n, query, mailID); err != nil {
		return 0, fmt.Errorf("count active assignments: %w", err)
	}
	return n, nil
}

// MailIDsForCurrentAssignee returns ids of mails on which the user holds an
// active assignment, as original assignee or delegate.
func (r *AssignmentRepository) MailIDsForCurrentAssignee(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT DISTINCT mail_record_id FROM mail_assignments
		WHERE status = 'Active' AND COALESCE(reassigned_to, assigned_to) = $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, userID); err != nil {
		return nil, fmt.Errorf("mail ids for assignee: %w", err)
	}
	return ids, nil
}

// AddRemark appends a timeline entry. Entries are never updated or deleted.
func (r *AssignmentRepository) AddRemark(ctx context.Context, remark *models.AssignmentRemark) error {
	if remark.ID == "" {
		remark.ID = uuid.NewString()
	}
	if remark.CreatedAt.IsZero() {
		remark.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO assignment_remarks (id, assignment_id, content, created_by, created_at)
		VALUES (:id, :assignment_id, :content, :created_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, remark); err != nil {
		return fmt.Errorf("add remark: %w", err)
	}
	return nil
}

// AddRemarkWithTx appends a timeline entry inside the given transaction.
func (r *AssignmentRepository) AddRemarkWithTx(ctx context.Context, tx *sqlx.Tx, remark *models.AssignmentRemark) error {
	if remark.ID == "" {
		remark.ID = uuid.NewString()
	}
	if remark.CreatedAt.IsZero() {
		remark.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO assignment_remarks (id, assignment_id, content, created_by, created_at)
		VALUES (:id, :assignment_id, :content, :created_by, :created_at)`
	if _, err := tx.NamedExecContext(ctx, query, remark); err != nil {
		return fmt.Errorf("add remark: %w", err)
	}
	return nil
}

// ListRemarks returns the full timeline of an assignment in creation order.
func (r *AssignmentRepository) ListRemarks(ctx context.Context, assignmentID string) ([]models.AssignmentRemark, error) {
	const query = `SELECT ar.id, ar.assignment_id, ar.content, ar.created_by, ar.created_at,
		u.full_name AS created_by_name
		FROM assignment_remarks ar
		LEFT JOIN users u ON u.id = ar.created_by
		WHERE ar.assignment_id = $1
		ORDER BY ar.created_at ASC`
	var remarks []models.AssignmentRemark
	if err := r.db.SelectContext(ctx, &remarks, query, assignmentID); err != nil {
		return nil, fmt.Errorf("list remarks: %w", err)
	}
	return remarks, nil
}

// ListRemarksByMail returns timelines for every assignment of a mail,
// grouped by assignment id, in creation order within each timeline.
func (r *AssignmentRepository) ListRemarksByMail(ctx context.Context, mailID string) (map[string][]models.AssignmentRemark, error) {
	const query = `SELECT ar.id, ar.assignment_id, ar.content, ar.created_by, ar.created_at,
		u.full_name AS created_by_name
		FROM assignment_remarks ar
		JOIN mail_assignments ma ON ma.id = ar.assignment_id
		LEFT JOIN users u ON u.id = ar.created_by
		WHERE ma.mail_record_id = $1
		ORDER BY ar.created_at ASC`
	var remarks []models.AssignmentRemark
	if err := r.db.SelectContext(ctx, &remarks, query, mailID); err != nil {
		return nil, fmt.Errorf("list remarks by mail: %w", err)
	}
	out := make(map[string][]models.AssignmentRemark)
	for _, rm := range remarks {
		out[rm.AssignmentID] = append(out[rm.AssignmentID], rm)
	}
	return out, nil
}
