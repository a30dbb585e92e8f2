package models

import "time"

// Audit action tags. Every workflow transition writes exactly one entry
// with one of these tags.
const (
	AuditActionCreate        = "CREATE"
	AuditActionAssign        = "ASSIGN"
	AuditActionMultiAssign   = "MULTI_ASSIGN"
	AuditActionReassign      = "REASSIGN"
	AuditActionDelegate      = "DELEGATE"
	AuditActionUpdate        = "UPDATE"
	AuditActionCurrentAction = "CURRENT_ACTION"
	AuditActionRemark        = "REMARK"
	AuditActionComplete      = "COMPLETE"
	AuditActionRevoke        = "REVOKE"
	AuditActionClose         = "CLOSE"
	AuditActionReopen        = "REOPEN"
	AuditActionAttach        = "ATTACH"
)

// AuditTrail is an append-only log entry keyed by mail record. The table
// exposes no update or delete path; history reads are chronological.
type AuditTrail struct {
	ID           string    `db:"id" json:"id"`
	MailRecordID string    `db:"mail_record_id" json:"mail_record_id"`
	Action       string    `db:"action" json:"action"`
	PerformedBy  string    `db:"performed_by" json:"performed_by"`
	OldValue     []byte    `db:"old_value" json:"old_value,omitempty"`
	NewValue     []byte    `db:"new_value" json:"new_value,omitempty"`
	Remarks      *string   `db:"remarks" json:"remarks,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`

	PerformedByName *string `db:"performed_by_name" json:"performed_by_name,omitempty"`
}
