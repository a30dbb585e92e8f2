package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

// SectionRepository provides database access for the two-level org
// hierarchy.
type SectionRepository struct {
	db *sqlx.DB
}

// NewSectionRepository creates a new instance of SectionRepository.
func NewSectionRepository(db *sqlx.DB) *SectionRepository {
	return &SectionRepository{db: db}
}

// ListSections returns all sections ordered by name.
func (r *SectionRepository) ListSections(ctx context.Context) ([]models.Section, error) {
	const query = `SELECT id, name, description, directly_under_ag, created_at FROM sections ORDER BY name`
	var sections []models.Section
	if err := r.db.SelectContext(ctx, &sections, query); err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	return sections, nil
}

// FindSectionByID returns a section by identifier.
func (r *SectionRepository) FindSectionByID(ctx context.Context, id string) (*models.Section, error) {
	const query = `SELECT id, name, description, directly_under_ag, created_at FROM sections WHERE id = $1 LIMIT 1`
	var section models.Section
	if err := r.db.GetContext(ctx, &section, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find section: %w", err)
	}
	return &section, nil
}

// ListSubsections returns subsections, optionally filtered by section.
func (r *SectionRepository) ListSubsections(ctx context.Context, sectionID string) ([]models.Subsection, error) {
	query := `SELECT id, section_id, name, description, created_at FROM subsections`
	var args []interface{}
	if sectionID != "" {
		query += ` WHERE section_id = $1`
		args = append(args, sectionID)
	}
	query += ` ORDER BY name`
	var subsections []models.Subsection
	if err := r.db.SelectContext(ctx, &subsections, query, args...); err != nil {
		return nil, fmt.Errorf("list subsections: %w", err)
	}
	return subsections, nil
}

// FindSubsectionByID returns a subsection by identifier.
func (r *SectionRepository) FindSubsectionByID(ctx context.Context, id string) (*models.Subsection, error) {
	const query = `SELECT id, section_id, name, description, created_at FROM subsections WHERE id = $1 LIMIT 1`
	var subsection models.Subsection
	if err := r.db.GetContext(ctx, &subsection, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find subsection: %w", err)
	}
	return &subsection, nil
}

// SectionsOfSubsections maps each subsection id to its parent section id.
func (r *SectionRepository) SectionsOfSubsections(ctx context.Context, subsectionIDs []string) (map[string]string, error) {
	if len(subsectionIDs) == 0 {
		return map[string]string{}, nil
	}
	const query = `SELECT id, section_id FROM subsections WHERE id = ANY($1)`
	rows := []struct {
		ID        string `db:"id"`
		SectionID string `db:"section_id"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(subsectionIDs)); err != nil {
		return nil, fmt.Errorf("sections of subsections: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.ID] = row.SectionID
	}
	return out, nil
}

// SubsectionIDsOfSections returns the ids of every subsection belonging to
// the given sections.
func (r *SectionRepository) SubsectionIDsOfSections(ctx context.Context, sectionIDs []string) ([]string, error) {
	if len(sectionIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT id FROM subsections WHERE section_id = ANY($1) ORDER BY id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, pq.Array(sectionIDs)); err != nil {
		return nil, fmt.Errorf("subsections of sections: %w", err)
	}
	return ids, nil
}

// CreateSection inserts a new section.
func (r *SectionRepository) CreateSection(ctx context.Context, section *models.Section) error {
	if section.ID == "" {
		section.ID = uuid.NewString()
	}
	if section.CreatedAt.IsZero() {
		section.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO sections (id, name, description, directly_under_ag, created_at)
		VALUES (:id, :name, :description, :directly_under_ag, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, section); err != nil {
		return fmt.Errorf("create section: %w", err)
	}
	return nil
}

// CreateSubsection inserts a new subsection under a section.
func (r *SectionRepository) CreateSubsection(ctx context.Context, subsection *models.Subsection) error {
	if subsection.ID == "" {
		subsection.ID = uuid.NewString()
	}
	if subsection.CreatedAt.IsZero() {
		subsection.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO subsections (id, section_id, name, description, created_at)
		VALUES (:id, :section_id, :name, :description, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, subsection); err != nil {
		return fmt.Errorf("create subsection: %w", err)
	}
	return nil
}
