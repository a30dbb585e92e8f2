package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack-api/internal/models"
)

func TestGetDAGResolvesSupervisor(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	cases := []struct {
		user string
		want string
	}{
		{"ag", "ag"},
		{"dag1", "ag"},
		{"srao1", "dag1"},
		{"aao1", "dag1"},
		{"clerk1", "dag1"},
		{"srao2", "dag2"},
		// The auditor's point of contact is the first officer of their
		// first configured subsection.
		{"auditor1", "aao1"},
	}
	for _, tc := range cases {
		got, err := f.org.GetDAG(ctx, f.user(tc.user))
		require.NoError(t, err, tc.user)
		require.NotNil(t, got, tc.user)
		require.Equal(t, tc.want, got.ID, tc.user)
	}
}

func TestGetDAGSectionDirectlyUnderAG(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	f.addSection("sec-3", "Administration", true)
	f.addSubsection("sub-3a", "sec-3", "Admin A")
	sub3a := "sub-3a"
	f.addUser("srao3", models.RoleSrAO, func(u *models.User) { u.SubsectionID = &sub3a })

	got, err := f.org.GetDAG(ctx, f.user("srao3"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "ag", got.ID)
}

func TestGetDAGFallsBackWhenSectionHasNoDAG(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	f.addSection("sec-4", "Works", false)
	f.addSubsection("sub-4a", "sec-4", "Works A")
	sub4a := "sub-4a"
	f.addUser("aao4", models.RoleAAO, func(u *models.User) { u.SubsectionID = &sub4a })

	got, err := f.org.GetDAG(ctx, f.user("aao4"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "ag", got.ID)
}

func TestResolveMonitoringOfficer(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	officer, err := f.org.ResolveMonitoringOfficer(ctx, f.user("srao1"))
	require.NoError(t, err)
	require.NotNil(t, officer)
	require.Equal(t, "dag1", *officer)

	// The AG monitors themselves; no separate officer is recorded.
	self, err := f.org.ResolveMonitoringOfficer(ctx, f.user("ag"))
	require.NoError(t, err)
	require.Nil(t, self)
}

func TestCanDelegateTo(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	f.user("aao2").Active = false

	cases := []struct {
		actor  string
		target string
		want   bool
	}{
		{"ag", "clerk1", true},
		{"ag", "srao2", true},
		{"dag1", "srao1", true},
		{"dag1", "srao2", false},
		{"srao1", "aao1", true},
		{"srao1", "clerk1", true},
		{"srao1", "srao2", false},
		{"srao1", "srao1", false},
		{"auditor1", "srao1", true},
		{"auditor1", "clerk1", false},
		{"auditor1", "srao2", false},
		{"srao2", "aao2", false}, // inactive target
	}
	for _, tc := range cases {
		got, err := f.org.CanDelegateTo(ctx, f.user(tc.actor), f.user(tc.target))
		require.NoError(t, err, "%s -> %s", tc.actor, tc.target)
		require.Equal(t, tc.want, got, "%s -> %s", tc.actor, tc.target)
	}
}

func TestManagesUser(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	cases := []struct {
		dag    string
		target string
		want   bool
	}{
		{"dag1", "srao1", true},
		{"dag1", "aao1", true},
		{"dag1", "clerk1", true},
		{"dag1", "srao2", false},
		{"dag1", "dag2", false}, // no shared section
		{"dag2", "srao2", true},
		{"ag", "srao1", false}, // only DAGs manage sections
	}
	for _, tc := range cases {
		got, err := f.org.ManagesUser(ctx, f.user(tc.dag), f.user(tc.target))
		require.NoError(t, err, "%s -> %s", tc.dag, tc.target)
		require.Equal(t, tc.want, got, "%s -> %s", tc.dag, tc.target)
	}
}

func TestSectionsOfPerRole(t *testing.T) {
	f := newFixture(t)
	seedOffice(f)
	ctx := context.Background()

	all, err := f.org.SectionsOf(ctx, f.user("ag"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sec-1", "sec-2"}, all)

	managed, err := f.org.SectionsOf(ctx, f.user("dag1"))
	require.NoError(t, err)
	require.Equal(t, []string{"sec-1"}, managed)

	own, err := f.org.SectionsOf(ctx, f.user("aao2"))
	require.NoError(t, err)
	require.Equal(t, []string{"sec-2"}, own)

	audited, err := f.org.SectionsOf(ctx, f.user("auditor1"))
	require.NoError(t, err)
	require.Equal(t, []string{"sec-1"}, audited)
}
