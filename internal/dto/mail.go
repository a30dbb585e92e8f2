package dto

import (
	"time"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

// CreateMailRequest registers a new mail record. The first assignee becomes
// the primary assignee and current handler; each assignee receives an
// Active assignment row carrying the shared instructions.
type CreateMailRequest struct {
	LetterNo            string    `json:"letter_no" validate:"required,max=200"`
	DateReceived        time.Time `json:"date_received" validate:"required"`
	Subject             string    `json:"subject" validate:"required"`
	FromOffice          string    `json:"from_office" validate:"required,max=200"`
	ActionRequired      string    `json:"action_required" validate:"required"`
	ActionRequiredOther string    `json:"action_required_other,omitempty"`
	DueDate             time.Time `json:"due_date" validate:"required"`
	AssigneeIDs         []string  `json:"assignee_ids" validate:"required,min=1,dive,required"`
	// SectionID disambiguates when an assignee is a DAG managing more than
	// one section. Optional otherwise; the section is inferred.
	SectionID    string `json:"section_id,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// UpdateRemarksRequest updates the handler's working remarks on a mail.
type UpdateRemarksRequest struct {
	Remarks string `json:"remarks" validate:"required"`
}

// CurrentActionRequest sets the current handler's action sub-status.
type CurrentActionRequest struct {
	CurrentAction string `json:"current_action" validate:"required,max=200"`
}

// ReassignRequest moves the mail to a new current handler.
type ReassignRequest struct {
	NewHandlerID string `json:"new_handler_id" validate:"required"`
	Remarks      string `json:"remarks" validate:"required"`
}

// MultiAssignRequest adds parallel assignees to an existing mail.
type MultiAssignRequest struct {
	AssigneeIDs  []string `json:"assignee_ids" validate:"required,min=1,dive,required"`
	Instructions string   `json:"instructions,omitempty"`
}

// CloseMailRequest closes a mail record.
type CloseMailRequest struct {
	Remarks string `json:"remarks" validate:"required"`
}

// ReopenMailRequest reopens a closed mail record.
type ReopenMailRequest struct {
	Remarks string `json:"remarks" validate:"required"`
}

// MailQuery captures list filters.
type MailQuery struct {
	Status    string `form:"status"`
	SectionID string `form:"section"`
	Overdue   bool   `form:"overdue"`
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
}

// MailDetail is the full projection returned by mutating operations and
// the detail endpoint: the record plus the caller's visible assignment
// rows, chronological history and attachment metadata.
type MailDetail struct {
	Mail        models.MailRecord       `json:"mail"`
	Assignments []models.MailAssignment `json:"assignments"`
	History     []models.AuditTrail     `json:"history,omitempty"`
	Attachments []models.MailAttachment `json:"attachments,omitempty"`
	IsOverdue   bool                    `json:"is_overdue"`
	TimeInStage string                  `json:"time_in_stage"`
}

// MailListItem decorates a record with derived display fields.
type MailListItem struct {
	models.MailRecord
	IsOverdue   bool   `json:"is_overdue"`
	TimeInStage string `json:"time_in_stage"`
}
