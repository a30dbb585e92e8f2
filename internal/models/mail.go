package models

import (
	"fmt"
	"time"
)

// MailStatus tracks the lifecycle of a mail record.
type MailStatus string

const (
	MailStatusReceived   MailStatus = "Received"
	MailStatusAssigned   MailStatus = "Assigned"
	MailStatusInProgress MailStatus = "In Progress"
	MailStatusClosed     MailStatus = "Closed"
)

// ActionRequired enumerates the action requested by the sending office.
type ActionRequired string

const (
	ActionReview  ActionRequired = "Review"
	ActionApprove ActionRequired = "Approve"
	ActionProcess ActionRequired = "Process"
	ActionFile    ActionRequired = "File"
	ActionReply   ActionRequired = "Reply"
	ActionOther   ActionRequired = "Other"
)

// Valid reports whether the action is one of the known values.
func (a ActionRequired) Valid() bool {
	switch a {
	case ActionReview, ActionApprove, ActionProcess, ActionFile, ActionReply, ActionOther:
		return true
	}
	return false
}

// MailRecord is an item of official correspondence moving through the
// office. A nil SectionID marks a cross-section multi-assignment.
type MailRecord struct {
	ID                  string         `db:"id" json:"id"`
	SlNo                string         `db:"sl_no" json:"sl_no"`
	LetterNo            string         `db:"letter_no" json:"letter_no"`
	DateReceived        time.Time      `db:"date_received" json:"date_received"`
	Subject             string         `db:"subject" json:"subject"`
	FromOffice          string         `db:"from_office" json:"from_office"`
	ActionRequired      ActionRequired `db:"action_required" json:"action_required"`
	ActionRequiredOther *string        `db:"action_required_other" json:"action_required_other,omitempty"`
	CurrentAction       *string        `db:"current_action" json:"current_action,omitempty"`
	AssignedTo          string         `db:"assigned_to" json:"assigned_to"`
	CurrentHandler      string         `db:"current_handler" json:"current_handler"`
	MonitoringOfficer   *string        `db:"monitoring_officer" json:"monitoring_officer,omitempty"`
	SectionID           *string        `db:"section_id" json:"section_id,omitempty"`
	SubsectionID        *string        `db:"subsection_id" json:"subsection_id,omitempty"`
	DueDate             time.Time      `db:"due_date" json:"due_date"`
	Status              MailStatus     `db:"status" json:"status"`
	DateOfCompletion    *time.Time     `db:"date_of_completion" json:"date_of_completion,omitempty"`
	LastStatusChange    time.Time      `db:"last_status_change" json:"last_status_change"`
	Remarks             *string        `db:"remarks" json:"remarks,omitempty"`
	IsMultiAssigned     bool           `db:"is_multi_assigned" json:"is_multi_assigned"`
	ConsolidatedRemarks *string        `db:"consolidated_remarks" json:"consolidated_remarks,omitempty"`
	CreatedBy           string         `db:"created_by" json:"created_by"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`

	// Joined display columns, populated by list/detail queries.
	AssignedToName     *string `db:"assigned_to_name" json:"assigned_to_name,omitempty"`
	CurrentHandlerName *string `db:"current_handler_name" json:"current_handler_name,omitempty"`
	SectionName        *string `db:"section_name" json:"section_name,omitempty"`
	CreatedByName      *string `db:"created_by_name" json:"created_by_name,omitempty"`
}

// IsOverdue reports whether the mail is past due and still open.
func (m *MailRecord) IsOverdue(now time.Time) bool {
	if m.Status == MailStatusClosed {
		return false
	}
	return now.After(m.DueDate)
}

// TimeInCurrentStage renders how long the mail has sat in its current
// stage. Closed mails report total processing time instead.
func (m *MailRecord) TimeInCurrentStage(now time.Time) string {
	var start, end time.Time
	if m.Status == MailStatusClosed && m.DateOfCompletion != nil {
		start = m.CreatedAt
		end = *m.DateOfCompletion
	} else {
		start = m.LastStatusChange
		end = now
	}

	delta := end.Sub(start)
	if delta < 0 {
		delta = 0
	}
	days := int(delta.Hours()) / 24
	hours := int(delta.Hours()) % 24
	minutes := int(delta.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%d days %d hours", days, hours)
	case hours > 0:
		return fmt.Sprintf("%d hours %d mins", hours, minutes)
	default:
		return fmt.Sprintf("%d mins", minutes)
	}
}

// MailFilter captures list filters requested by the caller.
type MailFilter struct {
	Status    MailStatus
	SectionID string
	Overdue   bool
	Page      int
	PageSize  int
}

// MailVisibility is the role-scoped WHERE clause of a list query, computed
// once per request by the visibility resolver and combined with OR
// semantics: a record is visible when any populated member matches.
type MailVisibility struct {
	All                  bool
	UserID               string
	HandlerOrAssignee    bool
	CreatorOK            bool
	SectionIDs           []string
	SubsectionIDs        []string
	NullSubsectionIn     []string
	TouchedMailIDs       []string
	AssignedMailIDs      []string
	SupervisedSectionIDs []string
}
