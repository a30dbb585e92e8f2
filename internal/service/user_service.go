package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/mailtrack-api/internal/dto"
	"github.com/noah-isme/mailtrack-api/internal/models"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
)

type adminUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	Deactivate(ctx context.Context, id string) error
	ClearPrimaryAG(ctx context.Context, exceptID string) error
	ReplaceSections(ctx context.Context, userID string, sectionIDs []string) error
	ReplaceAuditorSubsections(ctx context.Context, userID string, subsectionIDs []string) error
}

// UserService provides user administration. Writes are AG-only; the user
// directory is readable by AG and DAG for assignment target lookups.
type UserService struct {
	repo      adminUserStore
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService constructs a UserService.
func NewUserService(repo adminUserStore, v *validator.Validate, logger *zap.Logger) *UserService {
	if v == nil {
		v = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{repo: repo, validator: v, logger: logger}
}

// List returns users matching the filter.
func (s *UserService) List(ctx context.Context, actor *models.User, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	if actor.Role != models.RoleAG && actor.Role != models.RoleDAG {
		return nil, nil, appErrors.ErrForbidden
	}
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return users, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Get returns a user profile. Users may read themselves; AG reads anyone.
func (s *UserService) Get(ctx context.Context, actor *models.User, id string) (*models.User, error) {
	if actor.Role != models.RoleAG && actor.ID != id {
		return nil, appErrors.ErrForbidden
	}
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// Create registers a new user with role-appropriate org scope. AG only.
func (s *UserService) Create(ctx context.Context, actor *models.User, req dto.CreateUserRequest) (*models.User, error) {
	if actor.Role != models.RoleAG {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	role := models.UserRole(req.Role)
	if !role.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown role")
	}
	if err := validateScope(role, req); err != nil {
		return nil, err
	}

	if _, err := s.repo.FindByEmail(ctx, strings.ToLower(req.Email)); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
		FullName:     req.FullName,
		Role:         role,
		IsPrimaryAG:  role == models.RoleAG && req.IsPrimaryAG,
		Active:       true,
	}
	switch role {
	case models.RoleDAG:
		user.SectionIDs = req.SectionIDs
	case models.RoleSrAO, models.RoleAAO, models.RoleClerk:
		sub := req.SubsectionID
		user.SubsectionID = &sub
	case models.RoleAuditor:
		user.AuditorSubsectionIDs = req.AuditorSubsectionIDs
	case models.RoleAG:
	}

	if err := s.repo.Create(ctx, user); err != nil {
		if isUniqueViolation(err) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	if user.IsPrimaryAG {
		if err := s.repo.ClearPrimaryAG(ctx, user.ID); err != nil {
			s.logger.Warn("failed to clear previous primary AG flag", zap.Error(err))
		}
	}

	return user, nil
}

// Update mutates profile and org-scope fields. AG only.
func (s *UserService) Update(ctx context.Context, actor *models.User, id string, req dto.UpdateUserRequest) (*models.User, error) {
	if actor.Role != models.RoleAG {
		return nil, appErrors.ErrForbidden
	}
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if req.FullName != "" {
		user.FullName = req.FullName
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.SubsectionID != nil {
		user.SubsectionID = req.SubsectionID
	}
	if req.IsPrimaryAG != nil && user.Role == models.RoleAG {
		user.IsPrimaryAG = *req.IsPrimaryAG
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}

	if req.SectionIDs != nil {
		if err := s.repo.ReplaceSections(ctx, user.ID, *req.SectionIDs); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update managed sections")
		}
		user.SectionIDs = *req.SectionIDs
	}
	if req.AuditorSubsectionIDs != nil {
		if err := s.repo.ReplaceAuditorSubsections(ctx, user.ID, *req.AuditorSubsectionIDs); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update auditor subsections")
		}
		user.AuditorSubsectionIDs = *req.AuditorSubsectionIDs
	}

	if user.IsPrimaryAG {
		if err := s.repo.ClearPrimaryAG(ctx, user.ID); err != nil {
			s.logger.Warn("failed to clear previous primary AG flag", zap.Error(err))
		}
	}

	return user, nil
}

// Deactivate soft-deletes a user. AG only; never removes rows because mail
// history references them.
func (s *UserService) Deactivate(ctx context.Context, actor *models.User, id string) error {
	if actor.Role != models.RoleAG {
		return appErrors.ErrForbidden
	}
	if actor.ID == id {
		return appErrors.Clone(appErrors.ErrValidation, "cannot deactivate your own account")
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}
	return nil
}

func validateScope(role models.UserRole, req dto.CreateUserRequest) error {
	switch role {
	case models.RoleDAG:
		if len(req.SectionIDs) == 0 {
			return appErrors.Clone(appErrors.ErrValidation, "a DAG requires at least one managed section")
		}
	case models.RoleSrAO, models.RoleAAO, models.RoleClerk:
		if req.SubsectionID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "a subsection is required for this role")
		}
	case models.RoleAuditor:
		if len(req.AuditorSubsectionIDs) == 0 {
			return appErrors.Clone(appErrors.ErrValidation, "an auditor requires at least one subsection")
		}
	case models.RoleAG:
	}
	return nil
}
