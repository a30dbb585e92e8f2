package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/mailtrack-api/internal/dto"
	"github.com/noah-isme/mailtrack-api/internal/models"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
)

const mailListCachePrefix = "mail:list:"

type txProvider interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

type mailStore interface {
	NextSerialNumberWithTx(ctx context.Context, tx *sqlx.Tx, now time.Time) (string, error)
	CreateWithTx(ctx context.Context, tx *sqlx.Tx, mail *models.MailRecord) error
	GetByID(ctx context.Context, id string) (*models.MailRecord, error)
	GetByIDWithTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.MailRecord, error)
	List(ctx context.Context, filter models.MailFilter, vis models.MailVisibility) ([]models.MailRecord, int, error)
	Update(ctx context.Context, mail *models.MailRecord) error
	UpdateWithTx(ctx context.Context, tx *sqlx.Tx, mail *models.MailRecord) error
	UpdateConsolidatedRemarks(ctx context.Context, id string, remarks *string) error
}

type mailAssignmentStore interface {
	CreateWithTx(ctx context.Context, tx *sqlx.Tx, a *models.MailAssignment) error
	ListByMail(ctx context.Context, mailID string) ([]models.MailAssignment, error)
	HasActiveForAssignee(ctx context.Context, mailID, assigneeID string) (bool, error)
	HasActiveForAssigneeWithTx(ctx context.Context, tx *sqlx.Tx, mailID, assigneeID string) (bool, error)
	CompleteForCurrentAssigneeWithTx(ctx context.Context, tx *sqlx.Tx, mailID, userID string, at time.Time) (string, error)
	CompleteAllActiveWithTx(ctx context.Context, tx *sqlx.Tx, mailID string, at time.Time) ([]string, error)
	AddRemarkWithTx(ctx context.Context, tx *sqlx.Tx, remark *models.AssignmentRemark) error
	ListRemarksByMail(ctx context.Context, mailID string) (map[string][]models.AssignmentRemark, error)
}

type mailAuditStore interface {
	Create(ctx context.Context, entry *models.AuditTrail) error
	CreateWithTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditTrail) error
	ListByMail(ctx context.Context, mailID string) ([]models.AuditTrail, error)
}

type mailUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
}

type mailAttachmentLister interface {
	ListByMail(ctx context.Context, mailID string) ([]models.MailAttachment, error)
}

type mailListCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type transitionRecorder interface {
	RecordWorkflowTransition(action string)
}

// MailService is the workflow engine for mail records: creation, listing,
// handler changes, parallel assignment, closure and reopening. Transitions
// that touch multiple rows run inside a transaction together with their
// audit entry.
type MailService struct {
	tx          txProvider
	mails       mailStore
	assignments mailAssignmentStore
	audits      mailAuditStore
	users       mailUserStore
	attachments mailAttachmentLister
	cache       mailListCache
	org         *OrgService
	visibility  *VisibilityService
	validator   *validator.Validate
	metrics     transitionRecorder
	logger      *zap.Logger
	listTTL     time.Duration
}

// MailServiceParams collects the dependencies of MailService.
type MailServiceParams struct {
	Tx          txProvider
	Mails       mailStore
	Assignments mailAssignmentStore
	Audits      mailAuditStore
	Users       mailUserStore
	Attachments mailAttachmentLister
	Cache       mailListCache
	Org         *OrgService
	Visibility  *VisibilityService
	Validator   *validator.Validate
	Metrics     transitionRecorder
	Logger      *zap.Logger
	ListTTL     time.Duration
}

// NewMailService constructs a MailService.
func NewMailService(p MailServiceParams) *MailService {
	if p.Validator == nil {
		p.Validator = validator.New()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.ListTTL <= 0 {
		p.ListTTL = 2 * time.Minute
	}
	return &MailService{
		tx:          p.Tx,
		mails:       p.Mails,
		assignments: p.Assignments,
		audits:      p.Audits,
		users:       p.Users,
		attachments: p.Attachments,
		cache:       p.Cache,
		org:         p.Org,
		visibility:  p.Visibility,
		validator:   p.Validator,
		metrics:     p.Metrics,
		logger:      p.Logger,
		listTTL:     p.ListTTL,
	}
}

// Create registers a new mail record. AG only. The first assignee becomes
// the primary assignee and current handler; every assignee gets an Active
// assignment row carrying the shared instructions.
func (s *MailService) Create(ctx context.Context, actor *models.User, req dto.CreateMailRequest) (*dto.MailDetail, error) {
	if actor.Role != models.RoleAG {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the AG may register mail")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	if !models.ActionRequired(req.ActionRequired).Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown action_required value")
	}
	if req.DueDate.Before(req.DateReceived) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "due date precedes date received")
	}

	assignees, err := s.loadAssigneesInOrder(ctx, req.AssigneeIDs)
	if err != nil {
		return nil, err
	}

	sectionID, subsectionID, err := s.inferSection(ctx, assignees, req.SectionID)
	if err != nil {
		return nil, err
	}

	primary := assignees[0]
	monitoringOfficer, err := s.org.ResolveMonitoringOfficer(ctx, primary)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "resolve monitoring officer")
	}

	now := time.Now().UTC()
	mail := &models.MailRecord{
		LetterNo:         req.LetterNo,
		DateReceived:     req.DateReceived,
		Subject:          req.Subject,
		FromOffice:       req.FromOffice,
		ActionRequired:   models.ActionRequired(req.ActionRequired),
		AssignedTo:       primary.ID,
		CurrentHandler:   primary.ID,
		MonitoringOfficer: monitoringOfficer,
		SectionID:        sectionID,
		SubsectionID:     subsectionID,
		DueDate:          req.DueDate,
		Status:           models.MailStatusAssigned,
		LastStatusChange: now,
		IsMultiAssigned:  len(assignees) > 1,
		CreatedBy:        actor.ID,
	}
	if req.ActionRequiredOther != "" {
		mail.ActionRequiredOther = &req.ActionRequiredOther
	}

	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	slNo, err := s.mails.NextSerialNumberWithTx(ctx, tx, now)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	mail.SlNo = slNo

	if err := s.mails.CreateWithTx(ctx, tx, mail); err != nil {
		return nil, s.asDomainError(err)
	}

	var instructions *string
	if req.Instructions != "" {
		instructions = &req.Instructions
	}
	for _, assignee := range assignees {
		assignment := &models.MailAssignment{
			MailRecordID: mail.ID,
			AssignedTo:   assignee.ID,
			AssignedBy:   actor.ID,
			Instructions: instructions,
			Status:       models.AssignmentActive,
		}
		if err := s.assignments.CreateWithTx(ctx, tx, assignment); err != nil {
			return nil, s.asDomainError(err)
		}
		if instructions != nil {
			remark := &models.AssignmentRemark{
				AssignmentID: assignment.ID,
				Content:      *instructions,
				CreatedBy:    actor.ID,
			}
			if err := s.assignments.AddRemarkWithTx(ctx, tx, remark); err != nil {
				return nil, s.asDomainError(err)
			}
		}
	}

	created, _ := json.Marshal(map[string]interface{}{"sl_no": mail.SlNo, "subject": mail.Subject, "status": mail.Status})
	if err := s.audits.CreateWithTx(ctx, tx, &models.AuditTrail{
		MailRecordID: mail.ID,
		Action:       models.AuditActionCreate,
		PerformedBy:  actor.ID,
		NewValue:     created,
	}); err != nil {
		return nil, s.asDomainError(err)
	}
	assignedTo, _ := json.Marshal(map[string]interface{}{"assignees": req.AssigneeIDs})
	if err := s.audits.CreateWithTx(ctx, tx, &models.AuditTrail{
		MailRecordID: mail.ID,
		Action:       models.AuditActionAssign,
		PerformedBy:  actor.ID,
		NewValue:     assignedTo,
		Remarks:      instructions,
	}); err != nil {
		return nil, s.asDomainError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.asDomainError(err)
	}

	s.afterTransition(ctx, models.AuditActionCreate)
	return s.detailFor(ctx, actor, mail.ID)
}

// List returns mails visible to the actor, newest first, with derived
// display fields. Results are cached per user and filter set.
func (s *MailService) List(ctx context.Context, actor *models.User, query dto.MailQuery) ([]dto.MailListItem, *models.Pagination, error) {
	filter := models.MailFilter{
		Status:    models.MailStatus(query.Status),
		SectionID: query.SectionID,
		Overdue:   query.Overdue,
		Page:      query.Page,
		PageSize:  query.PageSize,
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	type listPayload struct {
		Items      []dto.MailListItem `json:"items"`
		Pagination models.Pagination  `json:"pagination"`
	}

	cacheKey := fmt.Sprintf("%s%s:%s:%s:%t:%d:%d", mailListCachePrefix, actor.ID, query.Status, query.SectionID, query.Overdue, filter.Page, filter.PageSize)
	if s.cache != nil {
		var cached listPayload
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached.Items, &cached.Pagination, nil
		}
	}

	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, nil, s.asDomainError(err)
	}
	vis, err := s.visibility.BuildMailVisibility(ctx, scope)
	if err != nil {
		return nil, nil, s.asDomainError(err)
	}

	mails, total, err := s.mails.List(ctx, filter, vis)
	if err != nil {
		return nil, nil, s.asDomainError(err)
	}

	now := time.Now().UTC()
	items := make([]dto.MailListItem, 0, len(mails))
	for i := range mails {
		items = append(items, dto.MailListItem{
			MailRecord:  mails[i],
			IsOverdue:   mails[i].IsOverdue(now),
			TimeInStage: mails[i].TimeInCurrentStage(now),
		})
	}
	pagination := models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, listPayload{Items: items, Pagination: pagination}, s.listTTL); err != nil {
			s.logger.Warn("mail list cache write failed", zap.Error(err))
		}
	}

	return items, &pagination, nil
}

// Get returns the full mail projection, gated by CanView. Assignment rows
// are filtered to what the actor may see and carry their remark timelines.
func (s *MailService) Get(ctx context.Context, actor *models.User, mailID string) (*dto.MailDetail, error) {
	mail, err := s.getMail(ctx, mailID)
	if err != nil {
		return nil, err
	}
	assignments, err := s.assignments.ListByMail(ctx, mailID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if !s.visibility.CanView(scope, mail, assignments) {
		return nil, appErrors.ErrForbidden
	}
	return s.buildDetail(ctx, scope, mail, assignments)
}

// UpdateRemarks updates the handler's working remarks. First touch moves
// an Assigned mail to In Progress.
func (s *MailService) UpdateRemarks(ctx context.Context, actor *models.User, mailID string, req dto.UpdateRemarksRequest) (*dto.MailDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	mail, scope, err := s.mailForEdit(ctx, actor, mailID)
	if err != nil {
		return nil, err
	}

	oldVal, _ := json.Marshal(map[string]interface{}{"remarks": mail.Remarks})
	mail.Remarks = &req.Remarks
	s.progressIfAssigned(mail)
	if err := s.mails.Update(ctx, mail); err != nil {
		return nil, s.asDomainError(err)
	}

	newVal, _ := json.Marshal(map[string]interface{}{"remarks": req.Remarks})
	if err := s.audits.Create(ctx, &models.AuditTrail{
		MailRecordID: mail.ID,
		Action:       models.AuditActionUpdate,
		PerformedBy:  actor.ID,
		OldValue:     oldVal,
		NewValue:     newVal,
	}); err != nil {
		return nil, s.asDomainError(err)
	}

	s.afterTransition(ctx, models.AuditActionUpdate)
	return s.buildDetailFresh(ctx, scope, mail.ID)
}

// UpdateCurrentAction sets the current handler's action sub-status.
func (s *MailService) UpdateCurrentAction(ctx context.Context, actor *models.User, mailID string, req dto.CurrentActionRequest) (*dto.MailDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	mail, scope, err := s.mailForEdit(ctx, actor, mailID)
	if err != nil {
		return nil, err
	}

	oldVal, _ := json.Marshal(map[string]interface{}{"current_action": mail.CurrentAction})
	mail.CurrentAction = &req.CurrentAction
	s.progressIfAssigned(mail)
	if err := s.mails.Update(ctx, mail); err != nil {
		return nil, s.asDomainError(err)
	}

	newVal, _ := json.Marshal(map[string]interface{}{"current_action": req.CurrentAction})
	if err := s.audits.Create(ctx, &models.AuditTrail{
		MailRecordID: mail.ID,
		Action:       models.AuditActionCurrentAction,
		PerformedBy:  actor.ID,
		OldValue:     oldVal,
		NewValue:     newVal,
	}); err != nil {
		return nil, s.asDomainError(err)
	}

	s.afterTransition(ctx, models.AuditActionCurrentAction)
	return s.buildDetailFresh(ctx, scope, mail.ID)
}

// Reassign moves the mail to a new current handler. The old handler's
// active row is completed with a forwarding remark and the new handler is
// guaranteed an active row, all in one transaction.
func (s *MailService) Reassign(ctx context.Context, actor *models.User, mailID string, req dto.ReassignRequest) (*dto.MailDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	mail, err := s.getMail(ctx, mailID)
	if err != nil {
		return nil, err
	}
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if !s.visibility.CanReassign(scope, mail) {
		return nil, appErrors.ErrForbidden
	}
	if mail.Status == models.MailStatusClosed {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "closed mail cannot be reassigned")
	}
	if req.NewHandlerID == mail.CurrentHandler {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "user is already the current handler")
	}

	newHandler, err := s.users.FindByID(ctx, req.NewHandlerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "new handler does not exist")
		}
		return nil, s.asDomainError(err)
	}
	if !newHandler.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "new handler is inactive")
	}
	if actor.Role == models.RoleAuditor && !newHandler.Role.IsStaffOfficer() {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "auditors may reassign only to audit officers")
	}
	if actor.Role == models.RoleDAG {
		managed, err := s.org.ManagesUser(ctx, actor, newHandler)
		if err != nil {
			return nil, s.asDomainError(err)
		}
		if !managed {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "new handler is outside your sections")
		}
	}

	monitoringOfficer, err := s.org.ResolveMonitoringOfficer(ctx, newHandler)
	if err != nil {
		return nil, s.asDomainError(err)
	}

	now := time.Now().UTC()
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	locked, err := s.mails.GetByIDWithTx(ctx, tx, mailID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if locked.Status == models.MailStatusClosed {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "closed mail cannot be reassigned")
	}

	oldHandlerID := locked.CurrentHandler
	completedRowID, err := s.assignments.CompleteForCurrentAssigneeWithTx(ctx, tx, mailID, oldHandlerID, now)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if completedRowID != "" {
		content := fmt.Sprintf("Forwarded to %s: %s", newHandler.FullName, req.Remarks)
		if err := s.assignments.AddRemarkWithTx(ctx, tx, &models.AssignmentRemark{
			AssignmentID: completedRowID,
			Content:      content,
			CreatedBy:    actor.ID,
		}); err != nil {
			return nil, s.asDomainError(err)
		}
	}

	hasRow, err := s.assignments.HasActiveForAssigneeWithTx(ctx, tx, mailID, newHandler.ID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if !hasRow {
		if err := s.assignments.CreateWithTx(ctx, tx, &models.MailAssignment{
			MailRecordID: mailID,
			AssignedTo:   newHandler.ID,
			AssignedBy:   actor.ID,
			Status:       models.AssignmentActive,
		}); err != nil {
			return nil, s.asDomainError(err)
		}
	}

	locked.CurrentHandler = newHandler.ID
	locked.MonitoringOfficer = monitoringOfficer
	locked.Status = models.MailStatusInProgress
	locked.LastStatusChange = now
	if err := s.mails.UpdateWithTx(ctx, tx, locked); err != nil {
		return nil, s.asDomainError(err)
	}

	oldVal, _ := json.Marshal(map[string]interface{}{"current_handler": oldHandlerID})
	newVal, _ := json.Marshal(map[string]interface{}{"current_handler": newHandler.ID})
	if err := s.audits.CreateWithTx(ctx, tx, &models.AuditTrail{
		MailRecordID: mailID,
		Action:       models.AuditActionReassign,
		PerformedBy:  actor.ID,
		OldValue:     oldVal,
		NewValue:     newVal,
		Remarks:      &req.Remarks,
	}); err != nil {
		return nil, s.asDomainError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.asDomainError(err)
	}

	s.RecomputeConsolidatedRemarks(ctx, mailID)
	s.afterTransition(ctx, models.AuditActionReassign)
	return s.buildDetailFresh(ctx, scope, mailID)
}

// MultiAssign adds parallel Active rows for new assignees. Re-adding an
// assignee who already holds an active row is a no-op.
func (s *MailService) MultiAssign(ctx context.Context, actor *models.User, mailID string, req dto.MultiAssignRequest) (*dto.MailDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	mail, err := s.getMail(ctx, mailID)
	if err != nil {
		return nil, err
	}
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if !s.visibility.CanMultiAssign(scope, mail) {
		return nil, appErrors.ErrForbidden
	}
	if mail.Status == models.MailStatusClosed {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "closed mail cannot receive assignees")
	}

	assignees, err := s.loadAssigneesInOrder(ctx, req.AssigneeIDs)
	if err != nil {
		return nil, err
	}

	var instructions *string
	if req.Instructions != "" {
		instructions = &req.Instructions
	}

	now := time.Now().UTC()
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	locked, err := s.mails.GetByIDWithTx(ctx, tx, mailID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if locked.Status == models.MailStatusClosed {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "closed mail cannot receive assignees")
	}

	added := make([]string, 0, len(assignees))
	for _, assignee := range assignees {
		exists, err := s.assignments.HasActiveForAssignee(ctx, mailID, assignee.ID)
		if err != nil {
			return nil, s.asDomainError(err)
		}
		if exists {
			continue
		}
		assignment := &models.MailAssignment{
			MailRecordID: mailID,
			AssignedTo:   assignee.ID,
			AssignedBy:   actor.ID,
			Instructions: instructions,
			Status:       models.AssignmentActive,
		}
		if err := s.assignments.CreateWithTx(ctx, tx, assignment); err != nil {
			return nil, s.asDomainError(err)
		}
		if instructions != nil {
			if err := s.assignments.AddRemarkWithTx(ctx, tx, &models.AssignmentRemark{
				AssignmentID: assignment.ID,
				Content:      *instructions,
				CreatedBy:    actor.ID,
			}); err != nil {
				return nil, s.asDomainError(err)
			}
		}
		added = append(added, assignee.ID)
	}

	locked.IsMultiAssigned = true
	locked.Status = models.MailStatusInProgress
	locked.LastStatusChange = now
	if err := s.mails.UpdateWithTx(ctx, tx, locked); err != nil {
		return nil, s.asDomainError(err)
	}

	newVal, _ := json.Marshal(map[string]interface{}{"added_assignees": added})
	if err := s.audits.CreateWithTx(ctx, tx, &models.AuditTrail{
		MailRecordID: mailID,
		Action:       models.AuditActionMultiAssign,
		PerformedBy:  actor.ID,
		NewValue:     newVal,
		Remarks:      instructions,
	}); err != nil {
		return nil, s.asDomainError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.asDomainError(err)
	}

	s.afterTransition(ctx, models.AuditActionMultiAssign)
	return s.buildDetailFresh(ctx, scope, mailID)
}

// Close closes the mail. Every still-active assignment row is force
// completed with an auto remark in the same transaction, so no row is left
// Active under a Closed mail. Closing twice is rejected before any write.
func (s *MailService) Close(ctx context.Context, actor *models.User, mailID string, req dto.CloseMailRequest) (*dto.MailDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	mail, err := s.getMail(ctx, mailID)
	if err != nil {
		return nil, err
	}
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if !s.visibility.CanClose(scope, mail) {
		return nil, appErrors.ErrForbidden
	}
	if mail.Status == models.MailStatusClosed {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "mail is already closed")
	}

	now := time.Now().UTC()
	tx, err := s.tx.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	locked, err := s.mails.GetByIDWithTx(ctx, tx, mailID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if locked.Status == models.MailStatusClosed {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "mail is already closed")
	}

	completedIDs, err := s.assignments.CompleteAllActiveWithTx(ctx, tx, mailID, now)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	for _, rowID := range completedIDs {
		if err := s.assignments.AddRemarkWithTx(ctx, tx, &models.AssignmentRemark{
			AssignmentID: rowID,
			Content:      "Auto-completed on close",
			CreatedBy:    actor.ID,
		}); err != nil {
			return nil, s.asDomainError(err)
		}
	}

	locked.Status = models.MailStatusClosed
	locked.DateOfCompletion = &now
	locked.LastStatusChange = now
	if err := s.mails.UpdateWithTx(ctx, tx, locked); err != nil {
		return nil, s.asDomainError(err)
	}

	oldVal, _ := json.Marshal(map[string]interface{}{"status": mail.Status})
	newVal, _ := json.Marshal(map[string]interface{}{"status": models.MailStatusClosed, "force_completed": completedIDs})
	if err := s.audits.CreateWithTx(ctx, tx, &models.AuditTrail{
		MailRecordID: mailID,
		Action:       models.AuditActionClose,
		PerformedBy:  actor.ID,
		OldValue:     oldVal,
		NewValue:     newVal,
		Remarks:      &req.Remarks,
	}); err != nil {
		return nil, s.asDomainError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, s.asDomainError(err)
	}

	s.RecomputeConsolidatedRemarks(ctx, mailID)
	s.afterTransition(ctx, models.AuditActionClose)
	return s.buildDetailFresh(ctx, scope, mailID)
}

// Reopen returns a closed mail to In Progress. AG only.
func (s *MailService) Reopen(ctx context.Context, actor *models.User, mailID string, req dto.ReopenMailRequest) (*dto.MailDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	mail, err := s.getMail(ctx, mailID)
	if err != nil {
		return nil, err
	}
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if !s.visibility.CanReopen(scope, mail) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the AG may reopen mail")
	}
	if mail.Status != models.MailStatusClosed {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "only closed mail can be reopened")
	}

	now := time.Now().UTC()
	mail.Status = models.MailStatusInProgress
	mail.DateOfCompletion = nil
	mail.CurrentAction = nil
	mail.LastStatusChange = now
	if err := s.mails.Update(ctx, mail); err != nil {
		return nil, s.asDomainError(err)
	}

	newVal, _ := json.Marshal(map[string]interface{}{"status": models.MailStatusInProgress})
	if err := s.audits.Create(ctx, &models.AuditTrail{
		MailRecordID: mailID,
		Action:       models.AuditActionReopen,
		PerformedBy:  actor.ID,
		NewValue:     newVal,
		Remarks:      &req.Remarks,
	}); err != nil {
		return nil, s.asDomainError(err)
	}

	s.afterTransition(ctx, models.AuditActionReopen)
	return s.buildDetailFresh(ctx, scope, mailID)
}

// History returns the chronological audit trail of a visible mail.
func (s *MailService) History(ctx context.Context, actor *models.User, mailID string) ([]models.AuditTrail, error) {
	mail, err := s.getMail(ctx, mailID)
	if err != nil {
		return nil, err
	}
	assignments, err := s.assignments.ListByMail(ctx, mailID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	if !s.visibility.CanView(scope, mail, assignments) {
		return nil, appErrors.ErrForbidden
	}
	entries, err := s.audits.ListByMail(ctx, mailID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	return entries, nil
}

// RecomputeConsolidatedRemarks rebuilds the mail's consolidated remarks
// snapshot from its non-revoked assignment rows. Invoked synchronously
// after every remark or assignment state change.
func (s *MailService) RecomputeConsolidatedRemarks(ctx context.Context, mailID string) {
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

	consolidated := consolidateRemarks(assignments, remarksByAssignment)
	if err := s.mails.UpdateConsolidatedRemarks(ctx, mailID, consolidated); err != nil {
		s.logger.Error("consolidated remarks: update", zap.String("mail_id", mailID), zap.Error(err))
	}
	s.invalidateListCache(ctx)
}

// consolidateRemarks renders the supervisor's review snapshot: one line
// per non-revoked assignment with a remark, tagged by completion state and
// the current assignee's name, in row creation order.
func consolidateRemarks(assignments []models.MailAssignment, remarksByAssignment map[string][]models.AssignmentRemark) *string {
	var blocks []string
	for i := range assignments {
		a := &assignments[i]
		if a.Status == models.AssignmentRevoked {
			continue
		}
		timeline := remarksByAssignment[a.ID]
		if len(timeline) == 0 {
			continue
		}
		latest := timeline[len(timeline)-1]

		tag := "[IN PROGRESS]"
		if a.Status == models.AssignmentCompleted {
			tag = "[DONE]"
		}
		name := ""
		if a.ReassignedTo != nil && a.ReassignedToName != nil {
			name = *a.ReassignedToName
		} else if a.AssignedToName != nil {
			name = *a.AssignedToName
		}
		blocks = append(blocks, fmt.Sprintf("%s %s: %s", tag, name, latest.Content))
	}
	if len(blocks) == 0 {
		return nil
	}
	out := strings.Join(blocks, "\n---\n")
	return &out
}

func (s *MailService) getMail(ctx context.Context, mailID string) (*models.MailRecord, error) {
	mail, err := s.mails.GetByID(ctx, mailID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "mail record not found")
		}
		return nil, s.asDomainError(err)
	}
	return mail, nil
}

func (s *MailService) mailForEdit(ctx context.Context, actor *models.User, mailID string) (*models.MailRecord, *VisibilityScope, error) {
	mail, err := s.getMail(ctx, mailID)
	if err != nil {
		return nil, nil, err
	}
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, nil, s.asDomainError(err)
	}
	if !s.visibility.CanEdit(scope, mail) {
		return nil, nil, appErrors.ErrForbidden
	}
	if mail.Status == models.MailStatusClosed {
		return nil, nil, appErrors.Clone(appErrors.ErrStateViolation, "closed mail cannot be edited")
	}
	return mail, scope, nil
}

func (s *MailService) progressIfAssigned(mail *models.MailRecord) {
	if mail.Status == models.MailStatusAssigned || mail.Status == models.MailStatusReceived {
		mail.Status = models.MailStatusInProgress
		mail.LastStatusChange = time.Now().UTC()
	}
}

// loadAssigneesInOrder resolves assignee ids preserving request order.
func (s *MailService) loadAssigneesInOrder(ctx context.Context, ids []string) ([]*models.User, error) {
	users, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	byID := make(map[string]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}
	ordered := make([]*models.User, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			return nil, appErrors.Clone(appErrors.ErrValidation, "duplicate assignee id")
		}
		seen[id] = true
		u, ok := byID[id]
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("assignee %s does not exist", id))
		}
		if !u.Active {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("assignee %s is inactive", id))
		}
		ordered = append(ordered, u)
	}
	return ordered, nil
}

// inferSection derives the mail's section and subsection from its
// assignees. A shared section is adopted; assignees spanning sections
// yield a null cross-section mail; a multi-section DAG assignee without an
// explicit selection is an error rather than a guess.
func (s *MailService) inferSection(ctx context.Context, assignees []*models.User, explicitSectionID string) (*string, *string, error) {
	sectionSet := map[string]bool{}
	for _, assignee := range assignees {
		switch assignee.Role {
		case models.RoleDAG:
			switch {
			case explicitSectionID != "":
				if !containsString(assignee.SectionIDs, explicitSectionID) {
					return nil, nil, appErrors.Clone(appErrors.ErrValidation, "selected section is not managed by the DAG assignee")
				}
				sectionSet[explicitSectionID] = true
			case len(assignee.SectionIDs) == 1:
				sectionSet[assignee.SectionIDs[0]] = true
			case len(assignee.SectionIDs) > 1:
				return nil, nil, appErrors.Clone(appErrors.ErrValidation, "DAG assignee manages multiple sections; a section must be selected")
			}
		case models.RoleSrAO, models.RoleAAO, models.RoleClerk:
			sectionID, err := s.org.SectionOfUser(ctx, assignee)
			if err != nil {
				return nil, nil, s.asDomainError(err)
			}
			if sectionID != "" {
				sectionSet[sectionID] = true
			}
		case models.RoleAG, models.RoleAuditor:
			// No section contribution.
		}
	}

	if len(sectionSet) != 1 {
		// Zero resolvable sections or a cross-section assignment.
		return nil, nil, nil
	}
	var sectionID string
	for id := range sectionSet {
		sectionID = id
	}

	// Subsection only when every assignee shares one.
	var subsectionID *string
	for i, assignee := range assignees {
		if assignee.SubsectionID == nil {
			subsectionID = nil
			break
		}
		if i == 0 {
			subsectionID = assignee.SubsectionID
			continue
		}
		if subsectionID == nil || *subsectionID != *assignee.SubsectionID {
			subsectionID = nil
			break
		}
	}

	return &sectionID, subsectionID, nil
}

func (s *MailService) buildDetail(ctx context.Context, scope *VisibilityScope, mail *models.MailRecord, assignments []models.MailAssignment) (*dto.MailDetail, error) {
	visible := s.visibility.VisibleAssignments(scope, mail, assignments)

	remarksByAssignment, err := s.assignments.ListRemarksByMail(ctx, mail.ID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	for i := range visible {
		visible[i].RemarkTimeline = remarksByAssignment[visible[i].ID]
	}

	history, err := s.audits.ListByMail(ctx, mail.ID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	attachments, err := s.attachments.ListByMail(ctx, mail.ID)
	if err != nil {
		return nil, s.asDomainError(err)
	}

	now := time.Now().UTC()
	return &dto.MailDetail{
		Mail:        *mail,
		Assignments: visible,
		History:     history,
		Attachments: attachments,
		IsOverdue:   mail.IsOverdue(now),
		TimeInStage: mail.TimeInCurrentStage(now),
	}, nil
}

func (s *MailService) buildDetailFresh(ctx context.Context, scope *VisibilityScope, mailID string) (*dto.MailDetail, error) {
	s.invalidateListCache(ctx)
	mail, err := s.getMail(ctx, mailID)
	if err != nil {
		return nil, err
	}
	assignments, err := s.assignments.ListByMail(ctx, mailID)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	return s.buildDetail(ctx, scope, mail, assignments)
}

func (s *MailService) detailFor(ctx context.Context, actor *models.User, mailID string) (*dto.MailDetail, error) {
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, s.asDomainError(err)
	}
	return s.buildDetailFresh(ctx, scope, mailID)
}

func (s *MailService) afterTransition(ctx context.Context, action string) {
	s.invalidateListCache(ctx)
	if s.metrics != nil {
		s.metrics.RecordWorkflowTransition(action)
	}
}

func (s *MailService) invalidateListCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, mailListCachePrefix+"*"); err != nil {
		s.logger.Warn("mail list cache invalidation failed", zap.Error(err))
	}
}

func (s *MailService) asDomainError(err error) error {
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
