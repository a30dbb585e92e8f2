package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack-api/internal/dto"
	"github.com/noah-isme/mailtrack-api/internal/models"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
)

func requireCode(t *testing.T, err error, want *appErrors.Error) {
	t.Helper()
	require.Error(t, err)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, want.Code, appErr.Code)
}

func createMail(t *testing.T, f *fixture, instructions string, assignees ...string) *dto.MailDetail {
	t.Helper()
	detail, err := f.mails.Create(context.Background(), f.user("ag"), dto.CreateMailRequest{
		LetterNo:       "PDA/2026/" + assignees[0],
		DateReceived:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Subject:        "Quarterly reconciliation of suspense heads",
		FromOffice:     "Office of the Principal Director",
		ActionRequired: string(models.ActionReview),
		DueDate:        time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		AssigneeIDs:    assignees,
		Instructions:   instructions,
	})
	require.NoError(t, err)
	return detail
}

func TestCreateMailAssignsSerialAndRows(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)

	detail := createMail(t, f, "Please review and report", "srao1", "aao1")

	year := time.Now().UTC().Year()
	require.Equal(t, fmt.Sprintf("%d/001", year), detail.Mail.SlNo)
	require.Equal(t, models.MailStatusAssigned, detail.Mail.Status)
	require.Equal(t, "srao1", detail.Mail.AssignedTo)
	require.Equal(t, "srao1", detail.Mail.CurrentHandler)
	require.True(t, detail.Mail.IsMultiAssigned)
	require.NotNil(t, detail.Mail.MonitoringOfficer)
	require.Equal(t, "dag1", *detail.Mail.MonitoringOfficer)
	require.NotNil(t, detail.Mail.SectionID)
	require.Equal(t, "sec-1", *detail.Mail.SectionID)
	require.NotNil(t, detail.Mail.SubsectionID)
	require.Equal(t, "sub-1a", *detail.Mail.SubsectionID)

	require.Equal(t, 2, f.activeAssignmentCount(detail.Mail.ID))
	require.Len(t, detail.Assignments, 2)
	for _, a := range detail.Assignments {
		require.Equal(t, models.AssignmentActive, a.Status)
		require.Len(t, a.RemarkTimeline, 1)
		require.Equal(t, "Please review and report", a.RemarkTimeline[0].Content)
	}

	require.Equal(t, 1, f.auditCount(detail.Mail.ID, models.AuditActionCreate))
	require.Equal(t, 1, f.auditCount(detail.Mail.ID, models.AuditActionAssign))
}

func TestCreateMailSerialSequence(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)

	year := time.Now().UTC().Year()
	for i, want := range []string{"001", "002", "003"} {
		detail := createMail(t, f, "", "srao1")
		require.Equal(t, fmt.Sprintf("%d/%s", year, want), detail.Mail.SlNo, "mail %d", i)
	}
}

func TestCreateMailValidation(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	base := dto.CreateMailRequest{
		LetterNo:       "PDA/2026/77",
		DateReceived:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Subject:        "Pension case",
		FromOffice:     "District Treasury",
		ActionRequired: string(models.ActionProcess),
		DueDate:        time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		AssigneeIDs:    []string{"srao1"},
	}

	_, err := f.mails.Create(ctx, f.user("dag1"), base)
	requireCode(t, err, appErrors.ErrForbidden)

	dup := base
	dup.AssigneeIDs = []string{"srao1", "srao1"}
	_, err = f.mails.Create(ctx, f.user("ag"), dup)
	requireCode(t, err, appErrors.ErrValidation)

	early := base
	early.DueDate = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.mails.Create(ctx, f.user("ag"), early)
	requireCode(t, err, appErrors.ErrValidation)

	f.user("aao1").Active = false
	inactive := base
	inactive.AssigneeIDs = []string{"aao1"}
	_, err = f.mails.Create(ctx, f.user("ag"), inactive)
	requireCode(t, err, appErrors.ErrValidation)

	missing := base
	missing.AssigneeIDs = []string{"nobody"}
	_, err = f.mails.Create(ctx, f.user("ag"), missing)
	requireCode(t, err, appErrors.ErrValidation)
}

func TestCreateCrossSectionMailHasNoSection(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)

	detail := createMail(t, f, "Coordinate jointly", "srao1", "srao2")
	require.Nil(t, detail.Mail.SectionID)
	require.Nil(t, detail.Mail.SubsectionID)
	require.True(t, detail.Mail.IsMultiAssigned)
}

func TestCloseForceCompletesAllRows(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "Handle urgently", "srao1", "aao1")
	mailID := detail.Mail.ID

	closed, err := f.mails.Close(ctx, f.user("ag"), mailID, dto.CloseMailRequest{Remarks: "Disposed"})
	require.NoError(t, err)
	require.Equal(t, models.MailStatusClosed, closed.Mail.Status)
	require.NotNil(t, closed.Mail.DateOfCompletion)
	require.Equal(t, 0, f.activeAssignmentCount(mailID))
	for _, a := range closed.Assignments {
		require.Equal(t, models.AssignmentCompleted, a.Status)
		last := a.RemarkTimeline[len(a.RemarkTimeline)-1]
		require.Equal(t, "Auto-completed on close", last.Content)
	}
	require.Equal(t, 1, f.auditCount(mailID, models.AuditActionClose))

	_, err = f.mails.Close(ctx, f.user("ag"), mailID, dto.CloseMailRequest{Remarks: "Again"})
	requireCode(t, err, appErrors.ErrStateViolation)
	require.Equal(t, 1, f.auditCount(mailID, models.AuditActionClose))
}

func TestReassignMovesHandler(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "Initial instructions", "srao1")
	mailID := detail.Mail.ID

	moved, err := f.mails.Reassign(ctx, f.user("ag"), mailID, dto.ReassignRequest{
		NewHandlerID: "aao1",
		Remarks:      "Take over this case",
	})
	require.NoError(t, err)
	require.Equal(t, "aao1", moved.Mail.CurrentHandler)
	require.Equal(t, models.MailStatusInProgress, moved.Mail.Status)
	require.Equal(t, 1, f.activeAssignmentCount(mailID))

	var completed, active int
	for _, a := range moved.Assignments {
		switch a.Status {
		case models.AssignmentCompleted:
			completed++
			last := a.RemarkTimeline[len(a.RemarkTimeline)-1]
			require.Equal(t, "Forwarded to User aao1: Take over this case", last.Content)
		case models.AssignmentActive:
			active++
			require.Equal(t, "aao1", a.AssignedTo)
		}
	}
	require.Equal(t, 1, completed)
	require.Equal(t, 1, active)
	require.Equal(t, 1, f.auditCount(mailID, models.AuditActionReassign))
}

func TestReassignByDAGStaysWithinManagedSections(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "Initial instructions", "srao1")
	mailID := detail.Mail.ID

	_, err := f.mails.Reassign(ctx, f.user("dag1"), mailID, dto.ReassignRequest{
		NewHandlerID: "srao2",
		Remarks:      "Please take this up",
	})
	requireCode(t, err, appErrors.ErrForbidden)
	require.Equal(t, "srao1", f.store.mails[mailID].CurrentHandler)
	require.Equal(t, 0, f.auditCount(mailID, models.AuditActionReassign))

	moved, err := f.mails.Reassign(ctx, f.user("dag1"), mailID, dto.ReassignRequest{
		NewHandlerID: "aao1",
		Remarks:      "Please take this up",
	})
	require.NoError(t, err)
	require.Equal(t, "aao1", moved.Mail.CurrentHandler)
}

func TestReassignToCurrentHandlerRejected(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "Initial instructions", "srao1")
	mailID := detail.Mail.ID

	_, err := f.mails.Reassign(ctx, f.user("ag"), mailID, dto.ReassignRequest{
		NewHandlerID: "srao1",
		Remarks:      "Keep at it",
	})
	requireCode(t, err, appErrors.ErrStateViolation)
	require.Equal(t, 1, f.activeAssignmentCount(mailID))
	require.Equal(t, "srao1", f.store.mails[mailID].CurrentHandler)
}

func TestMultiAssignIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "", "srao1")
	mailID := detail.Mail.ID

	grown, err := f.mails.MultiAssign(ctx, f.user("ag"), mailID, dto.MultiAssignRequest{
		AssigneeIDs:  []string{"srao1", "aao1"},
		Instructions: "Examine in parallel",
	})
	require.NoError(t, err)
	require.True(t, grown.Mail.IsMultiAssigned)
	require.Equal(t, models.MailStatusInProgress, grown.Mail.Status)
	require.Equal(t, 2, f.activeAssignmentCount(mailID))

	_, err = f.mails.MultiAssign(ctx, f.user("ag"), mailID, dto.MultiAssignRequest{AssigneeIDs: []string{"aao1"}})
	require.NoError(t, err)
	require.Equal(t, 2, f.activeAssignmentCount(mailID))
}

func TestUpdateRemarksMovesAssignedToInProgress(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "", "srao1")
	mailID := detail.Mail.ID

	updated, err := f.mails.UpdateRemarks(ctx, f.user("srao1"), mailID, dto.UpdateRemarksRequest{Remarks: "Under examination"})
	require.NoError(t, err)
	require.Equal(t, models.MailStatusInProgress, updated.Mail.Status)
	require.NotNil(t, updated.Mail.Remarks)
	require.Equal(t, "Under examination", *updated.Mail.Remarks)
	require.Equal(t, 1, f.auditCount(mailID, models.AuditActionUpdate))

	_, err = f.mails.Close(ctx, f.user("ag"), mailID, dto.CloseMailRequest{Remarks: "Done"})
	require.NoError(t, err)
	_, err = f.mails.UpdateRemarks(ctx, f.user("ag"), mailID, dto.UpdateRemarksRequest{Remarks: "Late note"})
	requireCode(t, err, appErrors.ErrStateViolation)
}

func TestGetDeniedForUnrelatedClerk(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)

	detail := createMail(t, f, "", "srao1")
	_, err := f.mails.Get(context.Background(), f.user("clerk1"), detail.Mail.ID)
	requireCode(t, err, appErrors.ErrForbidden)
}

func TestParallelAssigneesCannotSeeEachOther(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "Examine independently", "srao1", "srao2")
	mailID := detail.Mail.ID

	first, err := f.mails.Get(ctx, f.user("srao1"), mailID)
	require.NoError(t, err)
	require.Len(t, first.Assignments, 1)
	require.Equal(t, "srao1", first.Assignments[0].AssignedTo)

	second, err := f.mails.Get(ctx, f.user("srao2"), mailID)
	require.NoError(t, err)
	require.Len(t, second.Assignments, 1)
	require.Equal(t, "srao2", second.Assignments[0].AssignedTo)

	full, err := f.mails.Get(ctx, f.user("ag"), mailID)
	require.NoError(t, err)
	require.Len(t, full.Assignments, 2)

	// The supervising DAG sees only the rows under their sections.
	supervised, err := f.mails.Get(ctx, f.user("dag1"), mailID)
	require.NoError(t, err)
	require.Len(t, supervised.Assignments, 1)
	require.Equal(t, "srao1", supervised.Assignments[0].AssignedTo)
}

func TestConsolidatedRemarksFormat(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "", "srao1", "aao1")
	mailID := detail.Mail.ID

	var firstRow, secondRow string
	for _, a := range detail.Assignments {
		switch a.AssignedTo {
		case "srao1":
			firstRow = a.ID
		case "aao1":
			secondRow = a.ID
		}
	}

	_, err := f.assigns.AddRemark(ctx, f.user("srao1"), firstRow, dto.AddRemarkRequest{Content: "Figures cross-checked"})
	require.NoError(t, err)
	_, err = f.assigns.Complete(ctx, f.user("aao1"), secondRow, dto.CompleteAssignmentRequest{Remarks: "Verified and filed"})
	require.NoError(t, err)

	mail := f.store.mails[mailID]
	require.NotNil(t, mail.ConsolidatedRemarks)
	blocks := strings.Split(*mail.ConsolidatedRemarks, "\n---\n")
	require.Len(t, blocks, 2)
	require.Equal(t, "[IN PROGRESS] User srao1: Figures cross-checked", blocks[0])
	require.Equal(t, "[DONE] User aao1: Verified and filed", blocks[1])
}

func TestReopenIsAGOnly(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "", "srao1")
	mailID := detail.Mail.ID

	_, err := f.mails.Reopen(ctx, f.user("ag"), mailID, dto.ReopenMailRequest{Remarks: "Too early"})
	requireCode(t, err, appErrors.ErrStateViolation)

	_, err = f.mails.Close(ctx, f.user("ag"), mailID, dto.CloseMailRequest{Remarks: "Done"})
	require.NoError(t, err)

	_, err = f.mails.Reopen(ctx, f.user("dag1"), mailID, dto.ReopenMailRequest{Remarks: "Revisit"})
	requireCode(t, err, appErrors.ErrForbidden)

	reopened, err := f.mails.Reopen(ctx, f.user("ag"), mailID, dto.ReopenMailRequest{Remarks: "Fresh objection received"})
	require.NoError(t, err)
	require.Equal(t, models.MailStatusInProgress, reopened.Mail.Status)
	require.Nil(t, reopened.Mail.DateOfCompletion)
	require.Nil(t, reopened.Mail.CurrentAction)
	require.Equal(t, 1, f.auditCount(mailID, models.AuditActionReopen))
}

func TestListScopesByRole(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	createMail(t, f, "", "srao1")
	createMail(t, f, "", "srao2")

	all, _, err := f.mails.List(ctx, f.user("ag"), dto.MailQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	own, _, err := f.mails.List(ctx, f.user("srao1"), dto.MailQuery{})
	require.NoError(t, err)
	require.Len(t, own, 1)
	require.Equal(t, "srao1", own[0].CurrentHandler)

	none, _, err := f.mails.List(ctx, f.user("clerk1"), dto.MailQuery{})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestCrossSectionParallelWorkflow(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	// AG registers a circular for both DAGs; each fans it out to their own
	// officers, every officer responds, then the AG closes.
	detail := createMail(t, f, "Circulate to all sections", "dag1", "dag2")
	mailID := detail.Mail.ID
	require.Nil(t, detail.Mail.SectionID)

	_, err := f.mails.MultiAssign(ctx, f.user("ag"), mailID, dto.MultiAssignRequest{AssigneeIDs: []string{"srao1", "aao1"}})
	require.NoError(t, err)
	_, err = f.mails.MultiAssign(ctx, f.user("ag"), mailID, dto.MultiAssignRequest{AssigneeIDs: []string{"srao2", "aao2"}})
	require.NoError(t, err)
	require.Equal(t, 6, f.activeAssignmentCount(mailID))

	full, err := f.mails.Get(ctx, f.user("ag"), mailID)
	require.NoError(t, err)
	for _, a := range full.Assignments {
		if a.Status != models.AssignmentActive || a.AssignedTo == "dag1" || a.AssignedTo == "dag2" {
			continue
		}
		_, err := f.assigns.Complete(ctx, f.user(a.AssignedTo), a.ID, dto.CompleteAssignmentRequest{Remarks: "No comments from " + a.AssignedTo})
		require.NoError(t, err)
	}
	require.Equal(t, 2, f.activeAssignmentCount(mailID))

	closed, err := f.mails.Close(ctx, f.user("ag"), mailID, dto.CloseMailRequest{Remarks: "All responses received"})
	require.NoError(t, err)
	require.Len(t, closed.Assignments, 6)
	for _, a := range closed.Assignments {
		require.Equal(t, models.AssignmentCompleted, a.Status)
	}
}
