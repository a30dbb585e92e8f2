package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

type orgUserStore interface {
	FindPrimaryAG(ctx context.Context) (*models.User, error)
	FindDAGForSection(ctx context.Context, sectionID string) (*models.User, error)
	FindFirstOfficerInSubsection(ctx context.Context, subsectionID string) (*models.User, error)
}

type orgSectionStore interface {
	ListSections(ctx context.Context) ([]models.Section, error)
	ListSubsections(ctx context.Context, sectionID string) ([]models.Subsection, error)
	FindSectionByID(ctx context.Context, id string) (*models.Section, error)
	FindSubsectionByID(ctx context.Context, id string) (*models.Subsection, error)
	SectionsOfSubsections(ctx context.Context, subsectionIDs []string) (map[string]string, error)
}

// OrgService resolves positions in the two-level office hierarchy:
// supervisor lookup, section scope, monitoring officer, delegation
// eligibility. Resolution is best-effort: a user with missing scope
// resolves to nil, never to an error.
type OrgService struct {
	users    orgUserStore
	sections orgSectionStore
	logger   *zap.Logger
}

// NewOrgService constructs an OrgService.
func NewOrgService(users orgUserStore, sections orgSectionStore, logger *zap.Logger) *OrgService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrgService{users: users, sections: sections, logger: logger}
}

// GetDAG resolves the supervising officer of a user. The name is
// historical; for an AG it is the AG themselves, for a DAG the primary AG,
// for subsection staff the DAG managing the parent section (or the primary
// AG when the section reports directly), and for an auditor the first
// officer in their first configured subsection.
func (s *OrgService) GetDAG(ctx context.Context, user *models.User) (*models.User, error) {
	if user == nil {
		return nil, nil
	}

	switch user.Role {
	case models.RoleAG:
		return user, nil

	case models.RoleDAG:
		return s.noRows(s.users.FindPrimaryAG(ctx))

	case models.RoleSrAO, models.RoleAAO, models.RoleClerk:
		if user.SubsectionID == nil {
			return nil, nil
		}
		subsection, err := s.sections.FindSubsectionByID(ctx, *user.SubsectionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		section, err := s.sections.FindSectionByID(ctx, subsection.SectionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		if section.DirectlyUnderAG {
			return s.noRows(s.users.FindPrimaryAG(ctx))
		}
		dag, err := s.noRows(s.users.FindDAGForSection(ctx, section.ID))
		if err != nil {
			return nil, err
		}
		if dag == nil {
			// Section has no DAG configured; fall back upward.
			return s.noRows(s.users.FindPrimaryAG(ctx))
		}
		return dag, nil

	case models.RoleAuditor:
		if len(user.AuditorSubsectionIDs) == 0 {
			return nil, nil
		}
		return s.noRows(s.users.FindFirstOfficerInSubsection(ctx, user.AuditorSubsectionIDs[0]))
	}

	return nil, nil
}

// ResolveMonitoringOfficer returns the id of the officer who monitors mail
// assigned to the given user, or nil when the assignee monitors themselves.
func (s *OrgService) ResolveMonitoringOfficer(ctx context.Context, assignee *models.User) (*string, error) {
	officer, err := s.GetDAG(ctx, assignee)
	if err != nil {
		return nil, err
	}
	if officer == nil || officer.ID == assignee.ID {
		return nil, nil
	}
	id := officer.ID
	return &id, nil
}

// SectionsOf returns the ids of every section within the user's scope.
func (s *OrgService) SectionsOf(ctx context.Context, user *models.User) ([]string, error) {
	if user == nil {
		return nil, nil
	}

	switch user.Role {
	case models.RoleAG:
		sections, err := s.sections.ListSections(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(sections))
		for _, sec := range sections {
			ids = append(ids, sec.ID)
		}
		return ids, nil

	case models.RoleDAG:
		return user.SectionIDs, nil

	case models.RoleAuditor:
		return s.sectionsOfSubsections(ctx, user.AuditorSubsectionIDs)

	case models.RoleSrAO, models.RoleAAO, models.RoleClerk:
		if user.SubsectionID == nil {
			return nil, nil
		}
		return s.sectionsOfSubsections(ctx, []string{*user.SubsectionID})
	}

	return nil, nil
}

// SectionOfUser returns the single parent section of a subsection-scoped
// user, or "" when none applies.
func (s *OrgService) SectionOfUser(ctx context.Context, user *models.User) (string, error) {
	if user == nil || user.SubsectionID == nil {
		return "", nil
	}
	parents, err := s.sections.SectionsOfSubsections(ctx, []string{*user.SubsectionID})
	if err != nil {
		return "", err
	}
	return parents[*user.SubsectionID], nil
}

// ListSections returns the section directory.
func (s *OrgService) ListSections(ctx context.Context) ([]models.Section, error) {
	return s.sections.ListSections(ctx)
}

// ListSubsections returns subsections, optionally scoped to one section.
func (s *OrgService) ListSubsections(ctx context.Context, sectionID string) ([]models.Subsection, error) {
	return s.sections.ListSubsections(ctx, sectionID)
}

// CanDelegateTo reports whether the actor may hand an assignment to the
// target. AG delegates to anyone, a DAG within managed sections, staff and
// clerks within their own subsection, an auditor to officers in their
// configured subsections.
func (s *OrgService) CanDelegateTo(ctx context.Context, actor, target *models.User) (bool, error) {
	if actor == nil || target == nil || !target.Active {
		return false, nil
	}
	if actor.ID == target.ID {
		return false, nil
	}

	switch actor.Role {
	case models.RoleAG:
		return true, nil

	case models.RoleDAG:
		return s.ManagesUser(ctx, actor, target)

	case models.RoleSrAO, models.RoleAAO, models.RoleClerk:
		if actor.SubsectionID == nil || target.SubsectionID == nil {
			return false, nil
		}
		return *actor.SubsectionID == *target.SubsectionID, nil

	case models.RoleAuditor:
		if !target.Role.IsStaffOfficer() || target.SubsectionID == nil {
			return false, nil
		}
		for _, sub := range actor.AuditorSubsectionIDs {
			if sub == *target.SubsectionID {
				return true, nil
			}
		}
		return false, nil
	}

	return false, nil
}

// ManagesUser reports whether the DAG's managed sections cover the target.
// Fellow DAGs count when they share a managed section.
func (s *OrgService) ManagesUser(ctx context.Context, dag, target *models.User) (bool, error) {
	if dag == nil || target == nil || dag.Role != models.RoleDAG {
		return false, nil
	}
	targetSection, err := s.SectionOfUser(ctx, target)
	if err != nil {
		return false, err
	}
	if targetSection == "" && target.Role == models.RoleDAG {
		for _, sec := range dag.SectionIDs {
			for _, other := range target.SectionIDs {
				if sec == other {
					return true, nil
				}
			}
		}
		return false, nil
	}
	for _, sec := range dag.SectionIDs {
		if sec == targetSection {
			return true, nil
		}
	}
	return false, nil
}

func (s *OrgService) sectionsOfSubsections(ctx context.Context, subsectionIDs []string) ([]string, error) {
	parents, err := s.sections.SectionsOfSubsections(ctx, subsectionIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve parent sections: %w", err)
	}
	seen := make(map[string]bool, len(parents))
	var ids []string
	for _, sectionID := range parents {
		if !seen[sectionID] {
			seen[sectionID] = true
			ids = append(ids, sectionID)
		}
	}
	return ids, nil
}

func (s *OrgService) noRows(user *models.User, err error) (*models.User, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}
