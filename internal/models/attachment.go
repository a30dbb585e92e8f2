package models

import "time"

// Attachment lifecycle stages.
const (
	AttachmentStageCreated = "created"
	AttachmentStageClosed  = "closed"
)

// MailAttachment records metadata for a stored PDF. The blob itself lives
// in the content-addressed attachment store; the workflow engine never
// inspects content.
type MailAttachment struct {
	ID           string    `db:"id" json:"id"`
	MailRecordID string    `db:"mail_record_id" json:"mail_record_id"`
	Stage        string    `db:"stage" json:"stage"`
	Filename     string    `db:"filename" json:"filename"`
	SizeBytes    int64     `db:"size_bytes" json:"size_bytes"`
	ContentKey   string    `db:"content_key" json:"-"`
	UploadedBy   string    `db:"uploaded_by" json:"uploaded_by"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
