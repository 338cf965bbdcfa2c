package githubsvc

import (
	"context"
	"testing"

	gogithub "github.com/google/go-github/v55/github"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/services"
)

const reconcileCfg = `
teams:
  - name: team1
    maintainers:
      - maintainer1
    members:
      - member1
repositories:
  - name: repo1
    teams:
      team1: write
    external_collaborators:
      collaborator1: read
`

// reconcileSvc returns a fake service whose actual state diverges from the
// configuration above: an extra team (team2, also granted access to repo1),
// an extra team member and a collaborator that must be replaced.
func reconcileSvc() *fakeSvc {
	return &fakeSvc{
		orgMembers: []string{"maintainer1", "member1"},
		teams: []*gogithub.Team{
			{Slug: gogithub.String("team1"), Name: gogithub.String("team1")},
			{Slug: gogithub.String("team2"), Name: gogithub.String("team2")},
		},
		teamMaintainers: map[string][]string{
			"team1": {"maintainer1"},
			"team2": {"maintainer1"},
		},
		teamMembers: map[string][]string{
			"team1": {"member1", "member2"},
		},
		repositories: []*gogithub.Repository{
			{Name: gogithub.String("repo1"), Visibility: gogithub.String("public")},
		},
		repoCollaborators: map[string][]*gogithub.User{
			"repo1": {{Login: gogithub.String("collaborator2"), Permissions: map[string]bool{"pull": true}}},
		},
		repoTeams: map[string][]*gogithub.Team{
			"repo1": {
				{Name: gogithub.String("team1"), Permissions: map[string]bool{"push": true}},
				{Name: gogithub.String("team2"), Permissions: map[string]bool{"pull": true}},
			},
		},
	}
}

func TestReconcile(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{"main:config.yaml": reconcileCfg}}
	svc := reconcileSvc()
	handler := NewHandler(gh, svc)

	applied, err := handler.Reconcile(context.Background(), org)
	require.NoError(t, err)

	// Removing team2 from the directory also revokes its access to repo1,
	// so no repository level change is applied (or recorded) for it
	require.Len(t, applied, 4)
	assert.Equal(t, &directory.TeamRemoved{TeamName: "team2"}, applied[0].Change)
	assert.Equal(t, &directory.TeamMemberRemoved{TeamName: "team1", UserName: "member2"}, applied[1].Change)
	assert.Equal(t, &CollaboratorRemoved{RepoName: "repo1", UserName: "collaborator2"}, applied[2].Change)
	assert.Equal(t, &CollaboratorAdded{RepoName: "repo1", UserName: "collaborator1", Role: RoleRead}, applied[3].Change)
	for _, change := range applied {
		assert.Empty(t, change.Error)
		assert.False(t, change.AppliedAt.IsZero())
	}

	assert.Equal(t, []string{
		"remove-team team2",
		"remove-team-member team1 member2",
		"remove-repository-collaborator repo1 collaborator2",
		"add-repository-collaborator repo1 collaborator1 read",
	}, svc.calls)
}

func TestReconcileContinuesOnError(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{"main:config.yaml": reconcileCfg}}
	svc := reconcileSvc()
	svc.failOn = map[string]error{
		"remove-team-member team1 member2": errors.New("fake error"),
	}
	handler := NewHandler(gh, svc)

	applied, err := handler.Reconcile(context.Background(), org)
	require.NoError(t, err)

	// The error is recorded on the change it happened on and the remaining
	// changes are still applied
	require.Len(t, applied, 4)
	assert.Equal(t, "fake error", applied[1].Error)
	assert.Empty(t, applied[2].Error)
	assert.Empty(t, applied[3].Error)
	assert.Contains(t, svc.calls, "add-repository-collaborator repo1 collaborator1 read")
}

func TestReconcileSuppressedTeamRemovalAppliedWhenDirectoryRemovalFails(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{"main:config.yaml": reconcileCfg}}
	svc := reconcileSvc()
	svc.failOn = map[string]error{
		"remove-team team2": errors.New("fake error"),
	}
	handler := NewHandler(gh, svc)

	applied, err := handler.Reconcile(context.Background(), org)
	require.NoError(t, err)

	// The directory level removal failed, so the repository level one must
	// still be attempted
	require.Len(t, applied, 5)
	assert.Equal(t, "fake error", applied[0].Error)
	assert.Contains(t, svc.calls, "remove-repository-team repo1 team2")
}

func TestReconcileRemovesPendingInvitation(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{"main:config.yaml": `
teams:
  - name: team1
    maintainers:
      - maintainer1
repositories:
  - name: repo1
    teams:
      team1: write
`}}
	svc := &fakeSvc{
		orgMembers: []string{"maintainer1"},
		teams: []*gogithub.Team{
			{Slug: gogithub.String("team1"), Name: gogithub.String("team1")},
		},
		teamMaintainers: map[string][]string{"team1": {"maintainer1"}},
		repositories: []*gogithub.Repository{
			{Name: gogithub.String("repo1"), Visibility: gogithub.String("public")},
		},
		repoInvitations: map[string][]*gogithub.RepositoryInvitation{
			"repo1": {{
				ID:          gogithub.Int64(42),
				Invitee:     &gogithub.User{Login: gogithub.String("invited1")},
				Permissions: gogithub.String("read"),
			}},
		},
		repoTeams: map[string][]*gogithub.Team{
			"repo1": {{Name: gogithub.String("team1"), Permissions: map[string]bool{"push": true}}},
		},
	}
	handler := NewHandler(gh, svc)

	applied, err := handler.Reconcile(context.Background(), org)
	require.NoError(t, err)

	// The collaborator hasn't accepted the invitation yet, so the
	// invitation is removed instead
	require.Len(t, applied, 1)
	assert.Equal(t, &CollaboratorRemoved{RepoName: "repo1", UserName: "invited1"}, applied[0].Change)
	assert.Equal(t, []string{"remove-repository-invitation repo1 42"}, svc.calls)
}

func TestGetChangesSummary(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{
		"main:config.yaml": reconcileCfg,
		"head-sha:config.yaml": `
teams:
  - name: team1
    maintainers:
      - maintainer1
    members:
      - member1
repositories:
  - name: repo1
    teams:
      team1: maintain
    external_collaborators:
      collaborator1: read
`,
	}}
	svc := reconcileSvc()
	svc.userLogins = map[string]string{
		"maintainer1":   "maintainer1",
		"member1":       "member1",
		"collaborator1": "collaborator1",
	}
	handler := NewHandler(gh, svc)

	head := newTestSource(org, "head-sha")
	summary, err := handler.GetChangesSummary(context.Background(), org, head)
	require.NoError(t, err)
	assert.Equal(t, services.StatusValid, summary.BaseRefConfigStatus)
	require.Len(t, summary.Changes, 1)
	assert.Equal(t, &TeamRoleUpdated{RepoName: "repo1", TeamName: "team1", Role: RoleMaintain}, summary.Changes[0])
}

func TestGetChangesSummaryInvalidBaseRef(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{
		"head-sha:config.yaml": reconcileCfg,
	}}
	svc := reconcileSvc()
	svc.userLogins = map[string]string{
		"maintainer1":   "maintainer1",
		"member1":       "member1",
		"collaborator1": "collaborator1",
	}
	handler := NewHandler(gh, svc)

	summary, err := handler.GetChangesSummary(context.Background(), org, newTestSource(org, "head-sha"))
	require.NoError(t, err)
	assert.Equal(t, services.StatusInvalid, summary.BaseRefConfigStatus)
	assert.Empty(t, summary.Changes)
}

// userValidationHeadCfg adds a team member and a repository collaborator
// on top of reconcileCfg, so only those two logins have to be verified.
const userValidationHeadCfg = `
teams:
  - name: team1
    maintainers:
      - maintainer1
    members:
      - member1
      - member3
repositories:
  - name: repo1
    teams:
      team1: write
    external_collaborators:
      collaborator1: read
      collaborator9: read
`

func TestGetChangesSummaryInvalidUserNames(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{
		"main:config.yaml":     reconcileCfg,
		"head-sha:config.yaml": userValidationHeadCfg,
	}}
	svc := reconcileSvc()
	svc.userLogins = map[string]string{
		"member3": "Member3",
		// Pre-existing entries with a wrong case must not be reported, as
		// this pull request does not touch them
		"maintainer1": "Maintainer1",
	}
	handler := NewHandler(gh, svc)

	_, err := handler.GetChangesSummary(context.Background(), org, newTestSource(org, "head-sha"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "team[team1]: invalid username member3 (please use Member3)")
	assert.ErrorContains(t, err, "repo[repo1]: user collaborator9 does not exist in github")
	assert.NotContains(t, err.Error(), "maintainer1")
}

func TestGetChangesSummaryUserLookupErrorSurfaced(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{
		"main:config.yaml":     reconcileCfg,
		"head-sha:config.yaml": userValidationHeadCfg,
	}}
	svc := reconcileSvc()
	svc.userLogins = map[string]string{
		"member3":       "member3",
		"collaborator9": "collaborator9",
	}
	svc.userLoginErrs = map[string]error{
		"member3": serverError(),
	}
	handler := NewHandler(gh, svc)

	// A login that cannot be verified must fail the validation instead of
	// passing silently
	_, err := handler.GetChangesSummary(context.Background(), org, newTestSource(org, "head-sha"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "team[team1]: error checking user member3")
}
