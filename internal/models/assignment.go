package models

import "time"

// AssignmentStatus tracks the lifecycle of a parallel assignment row.
// Completed and Revoked are terminal.
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "Active"
	AssignmentCompleted AssignmentStatus = "Completed"
	AssignmentRevoked   AssignmentStatus = "Revoked"
)

// MailAssignment is one row per (mail, original assignee). Delegation sets
// ReassignedTo on the same row instead of creating a new one, so the row
// count always equals the number of original assignees no matter how long
// the delegation chain grows.
type MailAssignment struct {
	ID           string           `db:"id" json:"id"`
	MailRecordID string           `db:"mail_record_id" json:"mail_record_id"`
	AssignedTo   string           `db:"assigned_to" json:"assigned_to"`
	AssignedBy   string           `db:"assigned_by" json:"assigned_by"`
	Instructions *string          `db:"instructions" json:"instructions,omitempty"`
	Status       AssignmentStatus `db:"status" json:"status"`
	ReassignedTo *string          `db:"reassigned_to" json:"reassigned_to,omitempty"`
	ReassignedAt *time.Time       `db:"reassigned_at" json:"reassigned_at,omitempty"`
	CompletedAt  *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`

	// Joined display columns.
	AssignedToName   *string `db:"assigned_to_name" json:"assigned_to_name,omitempty"`
	ReassignedToName *string `db:"reassigned_to_name" json:"reassigned_to_name,omitempty"`
	// Section of the original assignee and the delegate, for supervisory
	// visibility checks. Resolved through the assignee's subsection.
	AssigneeSectionID *string `db:"assignee_section_id" json:"-"`
	DelegateSectionID *string `db:"delegate_section_id" json:"-"`

	// Remark timeline, loaded separately.
	RemarkTimeline []AssignmentRemark `db:"-" json:"remarks,omitempty"`
}

// CurrentAssignee returns the user presently responsible for the row: the
// delegate when the row was reassigned, otherwise the original assignee.
func (a *MailAssignment) CurrentAssignee() string {
	if a.ReassignedTo != nil && *a.ReassignedTo != "" {
		return *a.ReassignedTo
	}
	return a.AssignedTo
}

// LatestRemark returns the newest timeline entry, or nil when none exist.
func (a *MailAssignment) LatestRemark() *AssignmentRemark {
	if len(a.RemarkTimeline) == 0 {
		return nil
	}
	latest := &a.RemarkTimeline[0]
	for i := range a.RemarkTimeline {
		if a.RemarkTimeline[i].CreatedAt.After(latest.CreatedAt) {
			latest = &a.RemarkTimeline[i]
		}
	}
	return latest
}

// AssignmentRemark is an append-only timeline entry under an assignment.
// Entries are never edited or deleted.
type AssignmentRemark struct {
	ID           string    `db:"id" json:"id"`
	AssignmentID string    `db:"assignment_id" json:"assignment_id"`
	Content      string    `db:"content" json:"content"`
	CreatedBy    string    `db:"created_by" json:"created_by"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`

	CreatedByName *string `db:"created_by_name" json:"created_by_name,omitempty"`
}
