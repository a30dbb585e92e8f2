package dto

// CreateUserRequest registers a user with org-scope relations appropriate
// to the role: SectionIDs for a DAG, SubsectionID for staff and clerks,
// AuditorSubsectionIDs for auditors.
type CreateUserRequest struct {
	Email                string   `json:"email" validate:"required,email"`
	Password             string   `json:"password" validate:"required,min=6"`
	FullName             string   `json:"full_name" validate:"required,max=200"`
	Role                 string   `json:"role" validate:"required"`
	IsPrimaryAG          bool     `json:"is_primary_ag,omitempty"`
	SectionIDs           []string `json:"section_ids,omitempty"`
	SubsectionID         string   `json:"subsection_id,omitempty"`
	AuditorSubsectionIDs []string `json:"auditor_subsection_ids,omitempty"`
}

// UpdateUserRequest mutates profile and org-scope fields.
type UpdateUserRequest struct {
	FullName             string    `json:"full_name,omitempty"`
	Active               *bool     `json:"active,omitempty"`
	IsPrimaryAG          *bool     `json:"is_primary_ag,omitempty"`
	SectionIDs           *[]string `json:"section_ids,omitempty"`
	SubsectionID         *string   `json:"subsection_id,omitempty"`
	AuditorSubsectionIDs *[]string `json:"auditor_subsection_ids,omitempty"`
}
