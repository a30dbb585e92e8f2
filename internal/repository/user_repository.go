package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

const userColumns = `id, email, password_hash, full_name, role, is_primary_ag, subsection_id, active, last_login, created_at, updated_at`

// UserRepository provides database access for users and their org-scope
// relations (managed sections, auditor subsections).
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by email address with org scopes loaded.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE email = $1 LIMIT 1`, userColumns)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	if err := r.loadScopes(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID returns a user by identifier with org scopes loaded.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1 LIMIT 1`, userColumns)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	if err := r.loadScopes(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByIDs returns users for the given identifiers with org scopes loaded.
func (r *UserRepository) FindByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = ANY($1)`, userColumns)
	var users []models.User
	if err := r.db.SelectContext(ctx, &users, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("find users by ids: %w", err)
	}
	for i := range users {
		if err := r.loadScopes(ctx, &users[i]); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// FindPrimaryAG resolves the canonical AG: the one flagged primary, else
// the earliest-created active AG.
func (r *UserRepository) FindPrimaryAG(ctx context.Context) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users
		WHERE role = $1 AND active = TRUE
		ORDER BY is_primary_ag DESC, created_at ASC
		LIMIT 1`, userColumns)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, models.RoleAG); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find primary AG: %w", err)
	}
	return &user, nil
}

// FindDAGForSection returns the active DAG managing the given section.
func (r *UserRepository) FindDAGForSection(ctx context.Context, sectionID string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users u
		WHERE u.role = $1 AND u.active = TRUE
		  AND EXISTS (SELECT 1 FROM user_sections us WHERE us.user_id = u.id AND us.section_id = $2)
		ORDER BY u.created_at ASC
		LIMIT 1`, prefixColumns("u", userColumns))
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, models.RoleDAG, sectionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find DAG for section: %w", err)
	}
	if err := r.loadScopes(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// FindFirstOfficerInSubsection returns the first active SrAO/AAO in the
// subsection, ordered by id.
func (r *UserRepository) FindFirstOfficerInSubsection(ctx context.Context, subsectionID string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users
		WHERE role IN ($1, $2) AND active = TRUE AND subsection_id = $3
		ORDER BY id ASC
		LIMIT 1`, userColumns)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, models.RoleSrAO, models.RoleAAO, subsectionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find first officer in subsection: %w", err)
	}
	return &user, nil
}

// List returns users based on filters with total count.
func (r *UserRepository) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	baseQuery := `FROM users WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.Role != nil {
		conditions = append(conditions, fmt.Sprintf("role = $%d", len(args)+1))
		args = append(args, *filter.Role)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}
	if filter.SubsectionID != "" {
		conditions = append(conditions, fmt.Sprintf("subsection_id = $%d", len(args)+1))
		args = append(args, filter.SubsectionID)
	}
	if filter.SectionID != "" {
		conditions = append(conditions, fmt.Sprintf(`(EXISTS (SELECT 1 FROM user_sections us WHERE us.user_id = users.id AND us.section_id = $%d)
			OR subsection_id IN (SELECT id FROM subsections WHERE section_id = $%d))`, len(args)+1, len(args)+1))
		args = append(args, filter.SectionID)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(email) LIKE $%d OR LOWER(full_name) LIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]bool{
		"email":      true,
		"created_at": true,
		"updated_at": true,
		"full_name":  true,
	}
	if !allowedSorts[sortBy] {
		sortBy = "full_name"
	}

	sortOrder := strings.ToUpper(filter.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "ASC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", userColumns, baseQuery, sortBy, sortOrder, pageSize, offset)

	var users []models.User
	if err := r.db.SelectContext(ctx, &users, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", baseQuery)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	return users, total, nil
}

// Create inserts a new user and its org-scope relations.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, email, password_hash, full_name, role, is_primary_ag, subsection_id, active, created_at, updated_at)
		VALUES (:id, :email, :password_hash, :full_name, :role, :is_primary_ag, :subsection_id, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if err := r.ReplaceSections(ctx, user.ID, user.SectionIDs); err != nil {
		return err
	}
	return r.ReplaceAuditorSubsections(ctx, user.ID, user.AuditorSubsectionIDs)
}

// Update updates mutable fields of a user.
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()
	const query = `UPDATE users SET full_name = :full_name, role = :role, is_primary_ag = :is_primary_ag,
		subsection_id = :subsection_id, active = :active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// ClearPrimaryAG drops the primary flag from every AG except the given one.
func (r *UserRepository) ClearPrimaryAG(ctx context.Context, exceptID string) error {
	const query = `UPDATE users SET is_primary_ag = FALSE, updated_at = $2 WHERE role = 'AG' AND id <> $1 AND is_primary_ag = TRUE`
	if _, err := r.db.ExecContext(ctx, query, exceptID, time.Now().UTC()); err != nil {
		return fmt.Errorf("clear primary AG flag: %w", err)
	}
	return nil
}

// Deactivate performs a soft delete by marking the user inactive. Users are
// never physically deleted; mail and assignment rows reference them.
func (r *UserRepository) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE users SET active = FALSE, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return nil
}

// ReplaceSections rewrites the DAG managed-section relation.
func (r *UserRepository) ReplaceSections(ctx context.Context, userID string, sectionIDs []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM user_sections WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear user sections: %w", err)
	}
	for _, sectionID := range sectionIDs {
		if _, err := r.db.ExecContext(ctx, `INSERT INTO user_sections (user_id, section_id) VALUES ($1, $2)`, userID, sectionID); err != nil {
			return fmt.Errorf("add user section: %w", err)
		}
	}
	return nil
}

// ReplaceAuditorSubsections rewrites the auditor visible-subsection relation.
func (r *UserRepository) ReplaceAuditorSubsections(ctx context.Context, userID string, subsectionIDs []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM auditor_subsections WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear auditor subsections: %w", err)
	}
	for _, subsectionID := range subsectionIDs {
		if _, err := r.db.ExecContext(ctx, `INSERT INTO auditor_subsections (user_id, subsection_id) VALUES ($1, $2)`, userID, subsectionID); err != nil {
			return fmt.Errorf("add auditor subsection: %w", err)
		}
	}
	return nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// UpdatePassword updates the stored password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	const query = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, passwordHash, updatedAt); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// CreateRefreshToken persists a refresh token entry.
func (r *UserRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, created_at, revoked, revoked_at, ip_address, user_agent)
		VALUES (:id, :user_id, :token, :expires_at, :created_at, :revoked, :revoked_at, :ip_address, :user_agent)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindRefreshToken returns a refresh token by token string.
func (r *UserRepository) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	const query = `SELECT id, user_id, token, expires_at, created_at, revoked, revoked_at, ip_address, user_agent FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// RevokeRefreshToken marks a token as revoked.
func (r *UserRepository) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, revokedAt); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeUserRefreshTokens revokes all refresh tokens for a user.
func (r *UserRepository) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return nil
}

func (r *UserRepository) loadScopes(ctx context.Context, user *models.User) error {
	switch user.Role {
	case models.RoleDAG:
		if err := r.db.SelectContext(ctx, &user.SectionIDs,
			`SELECT section_id FROM user_sections WHERE user_id = $1 ORDER BY section_id`, user.ID); err != nil {
			return fmt.Errorf("load managed sections: %w", err)
		}
	case models.RoleAuditor:
		if err := r.db.SelectContext(ctx, &user.AuditorSubsectionIDs,
			`SELECT subsection_id FROM auditor_subsections WHERE user_id = $1 ORDER BY subsection_id`, user.ID); err != nil {
			return fmt.Errorf("load auditor subsections: %w", err)
		}
	}
	return nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
