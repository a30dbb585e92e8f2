package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/mailtrack-api/internal/models"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
	"github.com/noah-isme/mailtrack-api/pkg/export"
)

type exportMailStore interface {
	List(ctx context.Context, filter models.MailFilter, vis models.MailVisibility) ([]models.MailRecord, int, error)
}

// ExportService renders the caller's visible mail register as CSV or PDF.
type ExportService struct {
	mails      exportMailStore
	visibility *VisibilityService
	csv        *export.CSVExporter
	pdf        *export.PDFExporter
	enabled    bool
	logger     *zap.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(mails exportMailStore, visibility *VisibilityService, enabled bool, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		mails:      mails,
		visibility: visibility,
		csv:        export.NewCSVExporter(),
		pdf:        export.NewPDFExporter(),
		enabled:    enabled,
		logger:     logger,
	}
}

var registerHeaders = []string{"Sl No", "Letter No", "Date Received", "Subject", "From", "Assigned To", "Current Handler", "Status", "Due Date", "Completed"}

// RegisterCSV renders the visible register as CSV.
func (s *ExportService) RegisterCSV(ctx context.Context, actor *models.User, filter models.MailFilter) ([]byte, error) {
	dataset, err := s.registerDataset(ctx, actor, filter)
	if err != nil {
		return nil, err
	}
	out, err := s.csv.Render(*dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv")
	}
	return out, nil
}

// RegisterPDF renders the visible register as a landscape PDF.
func (s *ExportService) RegisterPDF(ctx context.Context, actor *models.User, filter models.MailFilter) ([]byte, error) {
	dataset, err := s.registerDataset(ctx, actor, filter)
	if err != nil {
		return nil, err
	}
	out, err := s.pdf.Render(*dataset, "Mail Register")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf")
	}
	return out, nil
}

func (s *ExportService) registerDataset(ctx context.Context, actor *models.User, filter models.MailFilter) (*export.Dataset, error) {
	if !s.enabled {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "exports are disabled")
	}

	scope, err := s.visibility.NewScope(ctx, actor)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build scope")
	}
	vis, err := s.visibility.BuildMailVisibility(ctx, scope)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve visibility")
	}

	filter.Page = 0
	filter.PageSize = 0
	mails, _, err := s.mails.List(ctx, filter, vis)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list mail register")
	}

	rows := make([]map[string]string, 0, len(mails))
	for i := range mails {
		m := &mails[i]
		rows = append(rows, map[string]string{
			"Sl No":           m.SlNo,
			"Letter No":       m.LetterNo,
			"Date Received":   m.DateReceived.Format("2006-01-02"),
			"Subject":         m.Subject,
			"From":            m.FromOffice,
			"Assigned To":     derefOr(m.AssignedToName, m.AssignedTo),
			"Current Handler": derefOr(m.CurrentHandlerName, m.CurrentHandler),
			"Status":          string(m.Status),
			"Due Date":        m.DueDate.Format("2006-01-02"),
			"Completed":       formatDate(m.DateOfCompletion),
		})
	}

	return &export.Dataset{Headers: registerHeaders, Rows: rows}, nil
}

func derefOr(s *string, fallback string) string {
	if s != nil && *s != "" {
		return *s
	}
	return fallback
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
