package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/mailtrack-api/internal/service"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
	"github.com/noah-isme/mailtrack-api/pkg/response"
)

// SectionHandler serves the org structure directory.
type SectionHandler struct {
	org *service.OrgService
}

// NewSectionHandler creates a new handler.
func NewSectionHandler(org *service.OrgService) *SectionHandler {
	return &SectionHandler{org: org}
}

// ListSections returns all sections.
func (h *SectionHandler) ListSections(c *gin.Context) {
	sections, err := h.org.ListSections(c.Request.Context())
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sections"))
		return
	}
	response.JSON(c, http.StatusOK, sections, nil)
}

// ListSubsections returns subsections, optionally filtered by section.
func (h *SectionHandler) ListSubsections(c *gin.Context) {
	subsections, err := h.org.ListSubsections(c.Request.Context(), c.Query("section"))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list subsections"))
		return
	}
	response.JSON(c, http.StatusOK, subsections, nil)
}
