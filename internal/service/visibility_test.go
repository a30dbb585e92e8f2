package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack-api/internal/dto"
	"github.com/noah-isme/mailtrack-api/internal/models"
	appErrors "github.com/noah-isme/mailtrack-api/pkg/errors"
)

func scopeFor(t *testing.T, f *fixture, userID string) *VisibilityScope {
	t.Helper()
	scope, err := f.vis.NewScope(context.Background(), f.user(userID))
	require.NoError(t, err)
	return scope
}

func TestBuildMailVisibilityPerRole(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	ag, err := f.vis.BuildMailVisibility(ctx, scopeFor(t, f, "ag"))
	require.NoError(t, err)
	require.True(t, ag.All)

	dag, err := f.vis.BuildMailVisibility(ctx, scopeFor(t, f, "dag1"))
	require.NoError(t, err)
	require.False(t, dag.All)
	require.Equal(t, []string{"sec-1"}, dag.SectionIDs)
	require.Equal(t, []string{"sec-1"}, dag.SupervisedSectionIDs)

	officer, err := f.vis.BuildMailVisibility(ctx, scopeFor(t, f, "srao1"))
	require.NoError(t, err)
	require.Equal(t, []string{"sub-1a"}, officer.SubsectionIDs)
	require.True(t, officer.HandlerOrAssignee)
	require.False(t, officer.CreatorOK)

	auditor, err := f.vis.BuildMailVisibility(ctx, scopeFor(t, f, "auditor1"))
	require.NoError(t, err)
	require.Equal(t, []string{"sub-1a"}, auditor.SubsectionIDs)
	require.Equal(t, []string{"sec-1"}, auditor.NullSubsectionIn)
	require.False(t, auditor.HandlerOrAssignee)

	clerk, err := f.vis.BuildMailVisibility(ctx, scopeFor(t, f, "clerk1"))
	require.NoError(t, err)
	require.True(t, clerk.HandlerOrAssignee)
	require.True(t, clerk.CreatorOK)
	require.Empty(t, clerk.SubsectionIDs)
}

func TestAuditorSeesConfiguredSubsectionsOnly(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)

	sec1 := "sec-1"
	sec2 := "sec-2"
	sub1a := "sub-1a"
	sub2a := "sub-2a"
	inScope := &models.MailRecord{ID: "m1", SectionID: &sec1, SubsectionID: &sub1a}
	outOfScope := &models.MailRecord{ID: "m2", SectionID: &sec2, SubsectionID: &sub2a}
	sectionOnly := &models.MailRecord{ID: "m3", SectionID: &sec1}
	noSection := &models.MailRecord{ID: "m4"}

	scope := scopeFor(t, f, "auditor1")
	require.True(t, f.vis.CanView(scope, inScope, nil))
	require.False(t, f.vis.CanView(scope, outOfScope, nil))
	require.True(t, f.vis.CanView(scope, sectionOnly, nil))
	require.False(t, f.vis.CanView(scope, noSection, nil))
}

func TestCanCloseMultiAssignedIsAGOnly(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)

	single := &models.MailRecord{ID: "m1", CurrentHandler: "srao1"}
	multi := &models.MailRecord{ID: "m2", CurrentHandler: "srao1", IsMultiAssigned: true}

	officer := scopeFor(t, f, "srao1")
	require.True(t, f.vis.CanClose(officer, single))
	require.False(t, f.vis.CanClose(officer, multi))

	ag := scopeFor(t, f, "ag")
	require.True(t, f.vis.CanClose(ag, single))
	require.True(t, f.vis.CanClose(ag, multi))
}

func TestDAGSeesDelegationsIntoManagedSections(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	// Mail lands in section 2, then the officer delegates to a peer; the
	// supervising DAG of section 2 sees it, the DAG of section 1 does not.
	detail := createMail(t, f, "", "srao2")
	mailID := detail.Mail.ID

	_, err := f.mails.Get(ctx, f.user("dag2"), mailID)
	require.NoError(t, err)
	_, err = f.mails.Get(ctx, f.user("dag1"), mailID)
	requireCode(t, err, appErrors.ErrForbidden)

	lists, _, err := f.mails.List(ctx, f.user("dag2"), dto.MailQuery{})
	require.NoError(t, err)
	require.Len(t, lists, 1)
}

func TestTouchedMailStaysVisible(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	detail := createMail(t, f, "", "srao1")
	mailID := detail.Mail.ID
	rowID := detail.Assignments[0].ID

	// After completing their row the officer keeps read access through the
	// audit trail they appear in.
	_, err := f.assigns.Complete(ctx, f.user("srao1"), rowID, dto.CompleteAssignmentRequest{Remarks: "Done"})
	require.NoError(t, err)
	_, err = f.mails.Reassign(ctx, f.user("ag"), mailID, dto.ReassignRequest{NewHandlerID: "srao2", Remarks: "Second opinion"})
	require.NoError(t, err)

	scope := scopeFor(t, f, "srao1")
	require.True(t, scope.TouchedMail(mailID))
	_, err = f.mails.Get(ctx, f.user("srao1"), mailID)
	require.NoError(t, err)
}
