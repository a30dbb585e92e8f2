package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

// AuditRepository provides append-only access to the mail audit trail.
// There is deliberately no update or delete method.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new instance of AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const auditInsertQuery = `INSERT INTO audit_trail (id, mail_record_id, action, performed_by, old_value, new_value, remarks, created_at)
	VALUES (:id, :mail_record_id, :action, :performed_by, :old_value, :new_value, :remarks, :created_at)`

// Create appends an audit entry.
func (r *AuditRepository) Create(ctx context.Context, entry *models.AuditTrail) error {
	prepareAuditEntry(entry)
	if _, err := r.db.NamedExecContext(ctx, auditInsertQuery, entry); err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}
	return nil
}

// CreateWithTx appends an audit entry inside the given transaction, so the
// entry commits atomically with the transition it records.
func (r *AuditRepository) CreateWithTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditTrail) error {
	prepareAuditEntry(entry)
	if _, err := tx.NamedExecContext(ctx, auditInsertQuery, entry); err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}
	return nil
}

// ListByMail returns the chronological history of a mail record.
func (r *AuditRepository) ListByMail(ctx context.Context, mailID string) ([]models.AuditTrail, error) {
	const query = `SELECT at.id, at.mail_record_id, at.action, at.performed_by,
		at.old_value, at.new_value, at.remarks, at.created_at,
		u.full_name AS performed_by_name
		FROM audit_trail at
		LEFT JOIN users u ON u.id = at.performed_by
		WHERE at.mail_record_id = $1
		ORDER BY at.created_at ASC`
	var entries []models.AuditTrail
	if err := r.db.SelectContext(ctx, &entries, query, mailID); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

// TouchedMailIDs returns ids of every mail the user has ever acted on. A
// single audit entry is enough; past participation never expires.
func (r *AuditRepository) TouchedMailIDs(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT DISTINCT mail_record_id FROM audit_trail WHERE performed_by = $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, userID); err != nil {
		return nil, fmt.Errorf("touched mail ids: %w", err)
	}
	return ids, nil
}

func prepareAuditEntry(entry *models.AuditTrail) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
}
