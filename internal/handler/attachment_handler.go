package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/mailtrack-api/internal/service"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
	"github.com/noah-isme/mailtrack-api/pkg/response"
)

// AttachmentHandler exposes PDF attachment endpoints.
type AttachmentHandler struct {
	service *service.AttachmentService
}

// NewAttachmentHandler creates a new handler.
func NewAttachmentHandler(svc *service.AttachmentService) *AttachmentHandler {
	return &AttachmentHandler{service: svc}
}

// Upload stores a PDF against a mail. Multipart form with a "file" part
// and a "stage" field.
func (h *AttachmentHandler) Upload(c *gin.Context) {
	actor := accountFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "a file part is required"))
		return
	}
	stage := c.PostForm("stage")

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload"))
		return
	}

	att, err := h.service.Upload(c.Request.Context(), actor, c.Param("id"), stage, fileHeader.Filename, data)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, att)
}

// SignedURL issues a short-lived download token for an attachment.
func (h *AttachmentHandler) SignedURL(c *gin.Context) {
	actor := accountFromContext(c)
	if actor == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	token, expiresAt, err := h.service.SignedDownloadURL(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{
		"token":      token,
		"url":        "/api/v1/attachments/download?token=" + token,
		"expires_at": expiresAt.Format(time.RFC3339),
	}, nil)
}

// Download streams an attachment by signed token. No session required; the
// token itself carries authorization.
func (h *AttachmentHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "a download token is required"))
		return
	}
	att, file, err := h.service.OpenByToken(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close()

	c.Header("Content-Disposition", `attachment; filename="`+att.Filename+`"`)
	c.DataFromReader(http.StatusOK, att.SizeBytes, "application/pdf", file, nil)
}
