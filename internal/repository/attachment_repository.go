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

// AttachmentRepository provides database access for attachment metadata.
type AttachmentRepository struct {
	db *sqlx.DB
}

// NewAttachmentRepository creates a new instance of AttachmentRepository.
func NewAttachmentRepository(db *sqlx.DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create inserts attachment metadata.
func (r *AttachmentRepository) Create(ctx context.Context, att *models.MailAttachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO mail_attachments (id, mail_record_id, stage, filename, size_bytes, content_key, uploaded_by, created_at)
		VALUES (:id, :mail_record_id, :stage, :filename, :size_bytes, :content_key, :uploaded_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, att); err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

// GetByID returns attachment metadata by identifier.
func (r *AttachmentRepository) GetByID(ctx context.Context, id string) (*models.MailAttachment, error) {
	const query = `SELECT id, mail_record_id, stage, filename, size_bytes, content_key, uploaded_by, created_at
		FROM mail_attachments WHERE id = $1 LIMIT 1`
	var att models.MailAttachment
	if err := r.db.GetContext(ctx, &att, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &att, nil
}

// ListByMail returns attachment metadata for a mail in upload order.
func (r *AttachmentRepository) ListByMail(ctx context.Context, mailID string) ([]models.MailAttachment, error) {
	const query = `SELECT id, mail_record_id, stage, filename, size_bytes, content_key, uploaded_by, created_at
		FROM mail_attachments WHERE mail_record_id = $1 ORDER BY created_at ASC`
	var atts []models.MailAttachment
	if err := r.db.SelectContext(ctx, &atts, query, mailID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return atts, nil
}
