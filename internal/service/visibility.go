package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

type scopeAuditStore interface {
	TouchedMailIDs(ctx context.Context, userID string) ([]string, error)
}

type scopeAssignmentStore interface {
	MailIDsForCurrentAssignee(ctx context.Context, userID string) ([]string, error)
}

type scopeSectionStore interface {
	SectionsOfSubsections(ctx context.Context, subsectionIDs []string) (map[string]string, error)
	SubsectionIDsOfSections(ctx context.Context, sectionIDs []string) ([]string, error)
}

// VisibilityScope memoizes the batch lookups a request needs to answer
// visibility questions without per-object queries: the set of mails the
// user has ever touched in the audit trail and the set on which they hold
// an active assignment. Built once per request and passed explicitly.
type VisibilityScope struct {
	User              *models.User
	Touched           map[string]bool
	AssignedMailIDs   map[string]bool
	AuditorSectionIDs []string
}

// TouchedMail reports whether the user has any audit entry on the mail.
func (s *VisibilityScope) TouchedMail(mailID string) bool {
	return s.Touched[mailID]
}

// HasActiveAssignment reports whether the user currently holds an active
// assignment row on the mail, as original assignee or delegate.
func (s *VisibilityScope) HasActiveAssignment(mailID string) bool {
	return s.AssignedMailIDs[mailID]
}

// VisibilityService answers who may see and act on which mail. Every
// decision switches exhaustively over the closed role set; adding a role
// without updating the switches is a compile-time-visible omission.
type VisibilityService struct {
	audit       scopeAuditStore
	assignments scopeAssignmentStore
	sections    scopeSectionStore
	logger      *zap.Logger
}

// NewVisibilityService constructs a VisibilityService.
func NewVisibilityService(audit scopeAuditStore, assignments scopeAssignmentStore, sections scopeSectionStore, logger *zap.Logger) *VisibilityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisibilityService{audit: audit, assignments: assignments, sections: sections, logger: logger}
}

// NewScope builds the per-request memoization for a user. Exactly one
// audit query and one assignment query regardless of how many mails the
// request inspects.
func (s *VisibilityService) NewScope(ctx context.Context, user *models.User) (*VisibilityScope, error) {
	scope := &VisibilityScope{
		User:            user,
		Touched:         map[string]bool{},
		AssignedMailIDs: map[string]bool{},
	}

	touched, err := s.audit.TouchedMailIDs(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range touched {
		scope.Touched[id] = true
	}

	assigned, err := s.assignments.MailIDsForCurrentAssignee(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range assigned {
		scope.AssignedMailIDs[id] = true
	}

	if user.Role == models.RoleAuditor && len(user.AuditorSubsectionIDs) > 0 {
		parents, err := s.sections.SectionsOfSubsections(ctx, user.AuditorSubsectionIDs)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, sectionID := range parents {
			if !seen[sectionID] {
				seen[sectionID] = true
				scope.AuditorSectionIDs = append(scope.AuditorSectionIDs, sectionID)
			}
		}
	}

	return scope, nil
}

// CanView reports whether the scope's user may see the mail at all. The
// assignments slice is the mail's full assignment list, loaded once by the
// caller.
func (s *VisibilityService) CanView(scope *VisibilityScope, mail *models.MailRecord, assignments []models.MailAssignment) bool {
	user := scope.User

	switch user.Role {
	case models.RoleAG:
		return true

	case models.RoleDAG:
		if mail.SectionID != nil && containsString(user.SectionIDs, *mail.SectionID) {
			return true
		}
		if scope.HasActiveAssignment(mail.ID) {
			return true
		}
		// Cross-section supervisory visibility: an officer under a managed
		// section holds an active or completed row on the mail.
		for i := range assignments {
			a := &assignments[i]
			if a.Status == models.AssignmentRevoked {
				continue
			}
			if sectionInScope(a.AssigneeSectionID, user.SectionIDs) || sectionInScope(a.DelegateSectionID, user.SectionIDs) {
				return true
			}
		}
		return scope.TouchedMail(mail.ID)

	case models.RoleSrAO, models.RoleAAO:
		if mail.SubsectionID != nil && user.SubsectionID != nil && *mail.SubsectionID == *user.SubsectionID {
			return true
		}
		if mail.CurrentHandler == user.ID || mail.AssignedTo == user.ID {
			return true
		}
		if scope.HasActiveAssignment(mail.ID) {
			return true
		}
		return scope.TouchedMail(mail.ID)

	case models.RoleAuditor:
		if mail.SubsectionID != nil {
			return containsString(user.AuditorSubsectionIDs, *mail.SubsectionID)
		}
		if mail.SectionID != nil {
			return containsString(scope.AuditorSectionIDs, *mail.SectionID)
		}
		return false

	case models.RoleClerk:
		if mail.CurrentHandler == user.ID || mail.AssignedTo == user.ID || mail.CreatedBy == user.ID {
			return true
		}
		return scope.HasActiveAssignment(mail.ID)
	}

	return false
}

// CanEdit reports whether the user may update the mail's remarks or
// current-action sub-status.
func (s *VisibilityService) CanEdit(scope *VisibilityScope, mail *models.MailRecord) bool {
	user := scope.User

	switch user.Role {
	case models.RoleAG:
		return true
	case models.RoleDAG:
		if mail.SectionID != nil && containsString(user.SectionIDs, *mail.SectionID) {
			return true
		}
		return mail.CurrentHandler == user.ID
	case models.RoleSrAO, models.RoleAAO, models.RoleAuditor, models.RoleClerk:
		return mail.CurrentHandler == user.ID
	}

	return false
}

// CanReassign reports whether the user may change the mail's current
// handler. Auditor targets are further restricted by the workflow engine.
func (s *VisibilityService) CanReassign(scope *VisibilityScope, mail *models.MailRecord) bool {
	user := scope.User

	switch user.Role {
	case models.RoleAG:
		return true
	case models.RoleDAG:
		if mail.SectionID != nil && containsString(user.SectionIDs, *mail.SectionID) {
			return true
		}
		return mail.CurrentHandler == user.ID
	case models.RoleSrAO, models.RoleAAO, models.RoleAuditor:
		return mail.CurrentHandler == user.ID
	case models.RoleClerk:
		return false
	}

	return false
}

// CanClose reports whether the user may close the mail. Multi-assigned
// mails are AG-only; otherwise the current handler may close too.
func (s *VisibilityService) CanClose(scope *VisibilityScope, mail *models.MailRecord) bool {
	user := scope.User

	switch user.Role {
	case models.RoleAG:
		return true
	case models.RoleDAG, models.RoleSrAO, models.RoleAAO, models.RoleAuditor, models.RoleClerk:
		return !mail.IsMultiAssigned && mail.CurrentHandler == user.ID
	}

	return false
}

// CanReopen reports whether the user may reopen a closed mail. AG only.
func (s *VisibilityService) CanReopen(scope *VisibilityScope, mail *models.MailRecord) bool {
	switch scope.User.Role {
	case models.RoleAG:
		return true
	case models.RoleDAG, models.RoleSrAO, models.RoleAAO, models.RoleAuditor, models.RoleClerk:
		return false
	}
	return false
}

// CanMultiAssign reports whether the user may add parallel assignees.
func (s *VisibilityService) CanMultiAssign(scope *VisibilityScope, mail *models.MailRecord) bool {
	user := scope.User

	switch user.Role {
	case models.RoleAG:
		return true
	case models.RoleDAG:
		return mail.SectionID != nil && containsString(user.SectionIDs, *mail.SectionID)
	case models.RoleSrAO, models.RoleAAO, models.RoleAuditor, models.RoleClerk:
		return false
	}

	return false
}

// VisibleAssignments filters the mail's assignment rows down to the ones
// the user may see. AG and the mail's creator see all rows; a DAG sees
// rows they assigned or that fall under their managed sections; everyone
// else sees only rows where they are the original or current assignee.
// This is what keeps parallel assignees from reading each other's
// responses.
func (s *VisibilityService) VisibleAssignments(scope *VisibilityScope, mail *models.MailRecord, assignments []models.MailAssignment) []models.MailAssignment {
	user := scope.User

	if user.Role == models.RoleAG || mail.CreatedBy == user.ID {
		return assignments
	}

	visible := make([]models.MailAssignment, 0, len(assignments))
	for i := range assignments {
		a := assignments[i]
		switch user.Role {
		case models.RoleDAG:
			if a.AssignedBy == user.ID || a.AssignedTo == user.ID || a.CurrentAssignee() == user.ID {
				visible = append(visible, a)
				continue
			}
			if sectionInScope(a.AssigneeSectionID, user.SectionIDs) || sectionInScope(a.DelegateSectionID, user.SectionIDs) {
				visible = append(visible, a)
			}
		case models.RoleSrAO, models.RoleAAO, models.RoleAuditor, models.RoleClerk:
			if a.AssignedTo == user.ID || a.CurrentAssignee() == user.ID {
				visible = append(visible, a)
			}
		case models.RoleAG:
			visible = append(visible, a)
		}
	}
	return visible
}

// BuildMailVisibility translates the user's scope into the list-query
// filter consumed by the mail repository.
func (s *VisibilityService) BuildMailVisibility(ctx context.Context, scope *VisibilityScope) (models.MailVisibility, error) {
	user := scope.User
	vis := models.MailVisibility{UserID: user.ID}

	switch user.Role {
	case models.RoleAG:
		vis.All = true

	case models.RoleDAG:
		vis.SectionIDs = user.SectionIDs
		vis.SupervisedSectionIDs = user.SectionIDs
		vis.TouchedMailIDs = keys(scope.Touched)
		vis.AssignedMailIDs = keys(scope.AssignedMailIDs)

	case models.RoleSrAO, models.RoleAAO:
		if user.SubsectionID != nil {
			vis.SubsectionIDs = []string{*user.SubsectionID}
		}
		vis.HandlerOrAssignee = true
		vis.TouchedMailIDs = keys(scope.Touched)
		vis.AssignedMailIDs = keys(scope.AssignedMailIDs)

	case models.RoleAuditor:
		vis.SubsectionIDs = user.AuditorSubsectionIDs
		vis.NullSubsectionIn = scope.AuditorSectionIDs

	case models.RoleClerk:
		vis.HandlerOrAssignee = true
		vis.CreatorOK = true
		vis.AssignedMailIDs = keys(scope.AssignedMailIDs)
	}

	return vis, nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sectionInScope(sectionID *string, scope []string) bool {
	return sectionID != nil && containsString(scope, *sectionID)
}

func keys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
