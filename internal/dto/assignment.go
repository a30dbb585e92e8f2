package dto

// DelegateAssignmentRequest hands the assignment's current-assignee pointer
// to another eligible user without creating a new row.
type DelegateAssignmentRequest struct {
	TargetID string `json:"target_id" validate:"required"`
	Remarks  string `json:"remarks" validate:"required"`
}

// CompleteAssignmentRequest marks the caller's assignment done. An optional
// final remark is appended before completion.
type CompleteAssignmentRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

// AddRemarkRequest appends a timeline entry to the caller's assignment.
type AddRemarkRequest struct {
	Content string `json:"content" validate:"required"`
}

// RevokeAssignmentRequest withdraws an assignment (supervisor only).
type RevokeAssignmentRequest struct {
	Reason string `json:"reason" validate:"required"`
}
