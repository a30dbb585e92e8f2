package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/mailtrack-api/internal/dto"
	"github.com/noah-isme/mailtrack-api/internal/models"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
)

type assignmentStore interface {
	GetByID(ctx context.Context, id string) (*models.MailAssignment, error)
	ListByMail(ctx context.Context, mailID string) ([]models.MailAssignment, error)
	ListRemarks(ctx context.Context, assignmentID string) ([]models.AssignmentRemark, error)
	ListRemarksByMail(ctx context.Context, mailID string) (map[string][]models.AssignmentRemark, error)
	AddRemark(ctx context.Context, remark *models.AssignmentRemark) error
	AddRemarkWithTx(ctx context.Context, tx *sqlx.Tx, remark *models.AssignmentRemark) error
	DelegateWithTx(ctx context.Context, tx *sqlx.Tx, id, targetID string, at time.Time) error
	CompleteWithTx(ctx context.Context, tx *sqlx.Tx, id string, at time.Time) error
	RevokeWithTx(ctx context.Context, tx *sqlx.Tx, id string, at time.Time) error
}

type assignmentMailStore interface {
	UpdateConsolidatedRemarks(ctx context.Context, id string, remarks *string) error
}

type assignmentAuditStore interface {
	Create(ctx context.Context, entry *models.AuditTrail) error
	CreateWithTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditTrail) error
}

type assignmentUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// AssignmentService owns the per-row half of the workflow: delegation,
// completion, the remark timeline and supervisor revocation. Only the
// current assignee of an Active row may act on it, which is what keeps
// parallel responses isolated.
type AssignmentService struct {
	tx          txProvider
	assignments assignmentStore
	mails       assignmentMailStore
	audits      assignmentAuditStore
	users       assignmentUserStore
	cache       mailListCache
	org         *OrgService
	validator   *validator.Validate
	metrics     transitionRecorder
	logger      *zap.Logger
}

// NewAssignmentService constructs an AssignmentService.
func NewAssignmentService(tx txProvider, assignments assignmentStore, mails assignmentMailStore, audits assignmentAuditStore, users assignmentUserStore, cache mailListCache, org *OrgService, v *validator.Validate, metrics transitionRecorder, logger *zap.Logger) *AssignmentService {
	if v == nil {
		v = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssignmentService{
		tx:          tx,
		assignments: assignments,
		mails:       mails,
		audits:      audits,
		users:       users,
		cache:       cache,
		org:         org,
		validator:   v,
		metrics:     metrics,
		logger:      logger,
	}
}

// Delegate hands the row's current-assignee pointer to an eligible target.
// The same row is reused however long the chain grows; each hop appends a
// handoff remark.
func (s *AssignmentService) Delegate(ctx context.Context, actor *models.User, assignmentID string, req dto.DelegateAssignmentRequest) (*models.MailAssignment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	a, err := s.activeAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.CurrentAssignee() != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the current assignee may delegate")
	}

	target, err := s.users.FindByID(ctx, req.TargetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "delegation target does not exist")
		}
		return nil, s.storeError(err)
	}
	eligible, err := s.org.CanDelegateTo(ctx, actor, target)
	if err != nil {
		return nil, s.storeError(err)
	}
	if !eligible {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "delegation target is not within your scope")
	}

	now := time.Now().UTC()
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.storeError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.assignments.DelegateWithTx(ctx, tx, assignmentID, target.ID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrStateViolation, "assignment is no longer active")
		}
		return nil, s.storeError(err)
	}
	if err := s.assignments.AddRemarkWithTx(ctx, tx, &models.AssignmentRemark{
		AssignmentID: assignmentID,
		Content:      fmt.Sprintf("Reassigned to %s: %s", target.FullName, req.Remarks),
		CreatedBy:    actor.ID,
	}); err != nil {
		return nil, s.storeError(err)
	}

	oldVal, _ := json.Marshal(map[string]interface{}{"current_assignee": actor.ID})
	newVal, _ := json.Marshal(map[string]interface{}{"current_assignee": target.ID})
	if err := s.audits.CreateWithTx(ctx, tx, &models.AuditTrail{
		MailRecordID: a.MailRecordID,
		Action:       models.AuditActionDelegate,
		PerformedBy:  actor.ID,
		OldValue:     oldVal,
		NewValue:     newVal,
		Remarks:      &req.Remarks,
	}); err != nil {
		return nil, s.storeError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.storeError(err)
	}

	s.afterRowChange(ctx, a.MailRecordID, models.AuditActionDelegate)
	return s.refreshed(ctx, assignmentID)
}

// Complete marks the caller's row done. At least one remark must exist,
// counting the optional final remark in the request. The parent mail is
// never auto-closed.
func (s *AssignmentService) Complete(ctx context.Context, actor *models.User, assignmentID string, req dto.CompleteAssignmentRequest) (*models.MailAssignment, error) {
	a, err := s.activeAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.CurrentAssignee() != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the current assignee may complete")
	}

	timeline, err := s.assignments.ListRemarks(ctx, assignmentID)
	if err != nil {
		return nil, s.storeError(err)
	}
	if len(timeline) == 0 && req.Remarks == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "at least one remark is required before completion")
	}

	now := time.Now().UTC()
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.storeError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.Remarks != "" {
		if err := s.assignments.AddRemarkWithTx(ctx, tx, &models.AssignmentRemark{
			AssignmentID: assignmentID,
			Content:      req.Remarks,
			CreatedBy:    actor.ID,
		}); err != nil {
			return nil, s.storeError(err)
		}
	}
	if err := s.assignments.CompleteWithTx(ctx, tx, assignmentID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrStateViolation, "assignment is no longer active")
		}
		return nil, s.storeError(err)
	}

	newVal, _ := json.Marshal(map[string]interface{}{"status": models.AssignmentCompleted})
	if err := s.audits.CreateWithTx(ctx, tx, &models.AuditTrail{
		MailRecordID: a.MailRecordID,
		Action:       models.AuditActionComplete,
		PerformedBy:  actor.ID,
		NewValue:     newVal,
	}); err != nil {
		return nil, s.storeError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.storeError(err)
	}

	s.afterRowChange(ctx, a.MailRecordID, models.AuditActionComplete)
	return s.refreshed(ctx, assignmentID)
}

// AddRemark appends a timeline entry to the caller's active row.
func (s *AssignmentService) AddRemark(ctx context.Context, actor *models.User, assignmentID string, req dto.AddRemarkRequest) (*models.AssignmentRemark, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	a, err := s.activeAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.CurrentAssignee() != actor.ID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the current assignee may add remarks")
	}

	remark := &models.AssignmentRemark{
		AssignmentID: assignmentID,
		Content:      req.Content,
		CreatedBy:    actor.ID,
	}
	if err := s.assignments.AddRemark(ctx, remark); err != nil {
		return nil, s.storeError(err)
	}
	if err := s.audits.Create(ctx, &models.AuditTrail{
		MailRecordID: a.MailRecordID,
		Action:       models.AuditActionRemark,
		PerformedBy:  actor.ID,
		Remarks:      &req.Content,
	}); err != nil {
		return nil, s.storeError(err)
	}

	s.afterRowChange(ctx, a.MailRecordID, models.AuditActionRemark)
	return remark, nil
}

// Revoke withdraws an active row. AG anywhere; a DAG within managed
// sections or on rows they assigned. Revoked rows drop out of the
// consolidated remarks.
func (s *AssignmentService) Revoke(ctx context.Context, actor *models.User, assignmentID string, req dto.RevokeAssignmentRequest) (*models.MailAssignment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	a, err := s.activeAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !s.canRevoke(actor, a) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only a supervisor may revoke an assignment")
	}

	now := time.Now().UTC()
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.storeError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.assignments.RevokeWithTx(ctx, tx, assignmentID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrStateViolation, "assignment is no longer active")
		}
		return nil, s.storeError(err)
	}

	newVal, _ := json.Marshal(map[string]interface{}{"status": models.AssignmentRevoked})
	if err := s.audits.CreateWithTx(ctx, tx, &models.AuditTrail{
		MailRecordID: a.MailRecordID,
		Action:       models.AuditActionRevoke,
		PerformedBy:  actor.ID,
		NewValue:     newVal,
		Remarks:      &req.Reason,
	}); err != nil {
		return nil, s.storeError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.storeError(err)
	}

	s.afterRowChange(ctx, a.MailRecordID, models.AuditActionRevoke)
	return s.refreshed(ctx, assignmentID)
}

func (s *AssignmentService) canRevoke(actor *models.User, a *models.MailAssignment) bool {
	switch actor.Role {
	case models.RoleAG:
		return true
	case models.RoleDAG:
		if a.AssignedBy == actor.ID {
			return true
		}
		return sectionInScope(a.AssigneeSectionID, actor.SectionIDs) || sectionInScope(a.DelegateSectionID, actor.SectionIDs)
	case models.RoleSrAO, models.RoleAAO, models.RoleAuditor, models.RoleClerk:
		return false
	}
	return false
}

func (s *AssignmentService) activeAssignment(ctx context.Context, id string) (*models.MailAssignment, error) {
	a, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "assignment not found")
		}
		return nil, s.storeError(err)
	}
	if a.Status != models.AssignmentActive {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "assignment is not active")
	}
	return a, nil
}

// afterRowChange rebuilds the consolidated snapshot and invalidates the
// list cache after any assignment mutation.
func (s *AssignmentService) afterRowChange(ctx context.Context, mailID, action string) {
	assignments, err := s.assignments.ListByMail(ctx, mailID)
	if err != nil {
		s.logger.Error("consolidated remarks: list assignments", zap.String("mail_id", mailID), zap.Error(err))
		return
	}
	remarksByAssignment, err := s.assignments.ListRemarksByMail(ctx, mailID)
	if err != nil {
		s.logger.Error("consolidated remarks: list remarks", zap.String("mail_id", mailID), zap.Error(err))
		return
	}
	if err := s.mails.UpdateConsolidatedRemarks(ctx, mailID, consolidateRemarks(assignments, remarksByAssignment)); err != nil {
		s.logger.Error("consolidated remarks: update", zap.String("mail_id", mailID), zap.Error(err))
	}

	if s.cache != nil {
		if err := s.cache.DeleteByPattern(ctx, mailListCachePrefix+"*"); err != nil {
			s.logger.Warn("mail list cache invalidation failed", zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.RecordWorkflowTransition(action)
	}
}

func (s *AssignmentService) refreshed(ctx context.Context, id string) (*models.MailAssignment, error) {
	a, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(err)
	}
	timeline, err := s.assignments.ListRemarks(ctx, id)
	if err != nil {
		return nil, s.storeError(err)
	}
	a.RemarkTimeline = timeline
	return a, nil
}

func (s *AssignmentService) storeError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if isUniqueViolation(err) {
		return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "concurrent update conflict, retry the request")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
}
