package models

import "time"

// Section is the top level of the two-level organizational hierarchy.
// Sections flagged DirectlyUnderAG have no DAG; their staff report to the
// primary AG.
type Section struct {
	ID              string    `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	Description     *string   `db:"description" json:"description,omitempty"`
	DirectlyUnderAG bool      `db:"directly_under_ag" json:"directly_under_ag"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Subsection belongs to exactly one section. Staff officers and clerks are
// attached to a single subsection; auditors to a configured set.
type Subsection struct {
	ID          string    `db:"id" json:"id"`
	SectionID   string    `db:"section_id" json:"section_id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
