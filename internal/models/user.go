package models

import "time"

// UserRole enumerates the closed set of roles in the office hierarchy.
// Every decision point in the visibility resolver and workflow engine
// switches over this type exhaustively.
type UserRole string

const (
	RoleAG      UserRole = "AG"
	RoleDAG     UserRole = "DAG"
	RoleSrAO    UserRole = "SrAO"
	RoleAAO     UserRole = "AAO"
	RoleAuditor UserRole = "AUDITOR"
	RoleClerk   UserRole = "CLERK"
)

// IsStaffOfficer reports whether the role is a subsection-scoped officer.
func (r UserRole) IsStaffOfficer() bool {
	return r == RoleSrAO || r == RoleAAO
}

// Valid reports whether the role is one of the known values.
func (r UserRole) Valid() bool {
	switch r {
	case RoleAG, RoleDAG, RoleSrAO, RoleAAO, RoleAuditor, RoleClerk:
		return true
	}
	return false
}

// User represents an application user stored in the users table.
// Org-scope relations (managed sections for a DAG, configured subsections
// for an auditor) live in join tables and are loaded separately.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	FullName     string     `db:"full_name" json:"full_name"`
	Role         UserRole   `db:"role" json:"role"`
	IsPrimaryAG  bool       `db:"is_primary_ag" json:"is_primary_ag"`
	SubsectionID *string    `db:"subsection_id" json:"subsection_id,omitempty"`
	Active       bool       `db:"active" json:"active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`

	// Loaded relations, not columns.
	SectionIDs           []string `db:"-" json:"section_ids,omitempty"`
	AuditorSubsectionIDs []string `db:"-" json:"auditor_subsection_ids,omitempty"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role         *UserRole
	Active       *bool
	SectionID    string
	SubsectionID string
	Search       string
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
