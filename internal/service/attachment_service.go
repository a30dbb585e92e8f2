package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/mailtrack-api/internal/models"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
	"github.com/noah-isme/mailtrack-api/pkg/storage"
)

type attachmentMetaStore interface {
	Create(ctx context.Context, att *models.MailAttachment) error
	GetByID(ctx context.Context, id string) (*models.MailAttachment, error)
	ListByMail(ctx context.Context, mailID string) ([]models.MailAttachment, error)
}

type attachmentMailStore interface {
	GetByID(ctx context.Context, id string) (*models.MailRecord, error)
}

type attachmentAssignmentStore interface {
	ListByMail(ctx context.Context, mailID string) ([]models.MailAssignment, error)
}

type attachmentAuditStore interface {
	Create(ctx context.Context, entry *models.AuditTrail) error
}

// AttachmentService binds PDF blobs to mail records. The workflow only
// records metadata; blob content lives in the content-addressed store.
type AttachmentService struct {
	meta        attachmentMetaStore
	mails       attachmentMailStore
	assignments attachmentAssignmentStore
	audits      attachmentAuditStore
	blobs       *storage.AttachmentStore
	signer      *storage.SignedURLSigner
	visibility  *VisibilityService
	logger      *zap.Logger
}

// NewAttachmentService constructs an AttachmentService.
func NewAttachmentService(meta attachmentMetaStore, mails attachmentMailStore, assignments attachmentAssignmentStore, audits attachmentAuditStore, blobs *storage.AttachmentStore, signer *storage.SignedURLSigner, visibility *VisibilityService, logger *zap.Logger) *AttachmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttachmentService{
		meta:        meta,
		mails:       mails,
		assignments: assignments,
		audits:      audits,
		blobs:       blobs,
		signer:      signer,
		visibility:  visibility,
		logger:      logger,
	}
}

// Upload stores a PDF against a mail at the given lifecycle stage. Caller
// must be able to edit the mail; the `closed` stage additionally requires
// the mail to be closed.
func (s *AttachmentService) Upload(ctx context.Context, actor *models.User, mailID, stage, filename string, data []byte) (*models.MailAttachment, error) {
	if stage != models.AttachmentStageCreated && stage != models.AttachmentStageClosed {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown attachment stage")
	}

	mail, err := s.mails.GetByID(ctx, mailID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "mail record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load mail")
	}

	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build scope")
	}
	assignments, err := s.assignments.ListByMail(ctx, mailID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignments")
	}
	if !s.visibility.CanView(scope, mail, assignments) {
		return nil, appErrors.ErrForbidden
	}
	if stage == models.AttachmentStageClosed && mail.Status != models.MailStatusClosed {
		return nil, appErrors.Clone(appErrors.ErrStateViolation, "closure attachments require a closed mail")
	}

	key, err := s.blobs.Save(data)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotPDF):
			return nil, appErrors.Clone(appErrors.ErrValidation, "only PDF attachments are accepted")
		case errors.Is(err, storage.ErrTooLarge):
			return nil, appErrors.Clone(appErrors.ErrValidation, "attachment exceeds the maximum size")
		default:
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store attachment")
		}
	}

	att := &models.MailAttachment{
		MailRecordID: mailID,
		Stage:        stage,
		Filename:     filename,
		SizeBytes:    int64(len(data)),
		ContentKey:   key,
		UploadedBy:   actor.ID,
	}
	if err := s.meta.Create(ctx, att); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attachment")
	}

	newVal, _ := json.Marshal(map[string]interface{}{"filename": filename, "stage": stage, "size_bytes": att.SizeBytes})
	if err := s.audits.Create(ctx, &models.AuditTrail{
		MailRecordID: mailID,
		Action:       models.AuditActionAttach,
		PerformedBy:  actor.ID,
		NewValue:     newVal,
	}); err != nil {
		s.logger.Warn("failed to audit attachment upload", zap.Error(err))
	}

	return att, nil
}

// SignedDownloadURL returns a short-lived token for downloading an
// attachment the actor may see.
func (s *AttachmentService) SignedDownloadURL(ctx context.Context, actor *models.User, attachmentID string) (string, time.Time, error) {
	att, err := s.visibleAttachment(ctx, actor, attachmentID)
	if err != nil {
		return "", time.Time{}, err
	}
	token, expiresAt, err := s.signer.Generate(att.ID, att.ContentKey)
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download url")
	}
	return token, expiresAt, nil
}

// OpenByToken validates a signed token and opens the referenced blob.
func (s *AttachmentService) OpenByToken(ctx context.Context, token string) (*models.MailAttachment, *os.File, error) {
	attachmentID, contentKey, _, err := s.signer.Parse(token)
	if err != nil {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired download token")
	}
	att, err := s.meta.GetByID(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachment")
	}
	if att.ContentKey != contentKey {
		return nil, nil, appErrors.Clone(appErrors.ErrUnauthorized, "token does not match attachment")
	}
	file, err := s.blobs.Open(att.ContentKey)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open attachment")
	}
	return att, file, nil
}

func (s *AttachmentService) visibleAttachment(ctx context.Context, actor *models.User, attachmentID string) (*models.MailAttachment, error) {
	att, err := s.meta.GetByID(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attachment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachment")
	}
	mail, err := s.mails.GetByID(ctx, att.MailRecordID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load mail")
	}
	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build scope")
	}
	assignments, err := s.assignments.ListByMail(ctx, mail.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignments")
	}
	if !s.visibility.CanView(scope, mail, assignments) {
		return nil, appErrors.ErrForbidden
	}
	return att, nil
}
