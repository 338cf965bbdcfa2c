package githubsvc

import (
	"context"
	"testing"

	gogithub "github.com/google/go-github/v55/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/services"
)

func testOrg() *config.Organization {
	return &config.Organization{
		Name:           "org1",
		InstallationID: 1234,
		Repository:     ".clowarden",
		Branch:         "main",
		Legacy: config.Legacy{
			SheriffPermissionsPath: "config.yaml",
		},
	}
}

func TestNewFromConfig(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{
		"main:config.yaml": `
teams:
  - name: team1
    maintainers:
      - maintainer1
    members:
      - member1
      - orgadmin1
repositories:
  - name: repo1
    teams:
      team1: write
    external_collaborators:
      collaborator1: read
      orgadmin1: admin
  - name: archived-repo
    teams:
      team1: read
`,
	}}
	svc := &fakeSvc{
		orgAdmins:  []string{"orgadmin1"},
		orgMembers: []string{"maintainer1", "member1", "orgadmin1"},
		repositories: []*gogithub.Repository{
			{Name: gogithub.String("repo1")},
			{Name: gogithub.String("archived-repo"), Archived: gogithub.Bool(true)},
		},
	}

	state, err := NewFromConfig(context.Background(), gh, svc, &org.Legacy, github.NewCtx(org), github.NewSource(org))
	require.NoError(t, err)

	// Org admins defined as members are considered maintainers
	require.Len(t, state.Directory.Teams, 1)
	assert.Equal(t, []string{"maintainer1", "orgadmin1"}, state.Directory.Teams[0].Maintainers)
	assert.Equal(t, []string{"member1"}, state.Directory.Teams[0].Members)

	// Archived repositories are not tracked, org admins are not tracked as
	// collaborators and the default visibility is set
	require.Len(t, state.Repositories, 1)
	repo := state.Repositories[0]
	assert.Equal(t, "repo1", repo.Name)
	assert.Equal(t, map[string]Role{"collaborator1": RoleRead}, repo.Collaborators)
	assert.Equal(t, VisibilityPublic, repo.Visibility)
}

func TestNewFromConfigValidationErrors(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{
		"main:config.yaml": `
teams:
  - name: team1
    maintainers:
      - outsider
    members:
      - member1
repositories:
  - name: repo1
    teams:
      team1: write
      team2: read
    external_collaborators:
      member1: read
`,
	}}
	svc := &fakeSvc{orgMembers: []string{"member1"}}

	_, err := NewFromConfig(context.Background(), gh, svc, &org.Legacy, github.NewCtx(org), github.NewSource(org))
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid github service configuration")
	assert.ErrorContains(t, err, "team[team1]: outsider must be an organization member to be a maintainer")
	assert.ErrorContains(t, err, "repo[repo1]: team team2 does not exist in directory")
	assert.ErrorContains(t, err, "repo[repo1]: collaborator member1 already has write access from team team1")
}

func TestNewFromService(t *testing.T) {
	svc := &fakeSvc{
		orgAdmins: []string{"orgadmin1"},
		teams: []*gogithub.Team{
			{Slug: gogithub.String("team1"), Name: gogithub.String("Team 1")},
		},
		teamMaintainers: map[string][]string{"team1": {"maintainer1"}},
		teamMembers:     map[string][]string{"team1": {"member1"}},
		teamInvitations: map[string][]*gogithub.Invitation{
			"team1": {{Login: gogithub.String("invited1")}},
		},
		teamMemberships: map[string]*gogithub.Membership{
			"team1/invited1": {State: gogithub.String("pending"), Role: gogithub.String("maintainer")},
		},
		repositories: []*gogithub.Repository{
			{Name: gogithub.String("repo1"), Visibility: gogithub.String("private")},
			{Name: gogithub.String("archived-repo"), Archived: gogithub.Bool(true)},
			{Name: gogithub.String("repo1-ghsa-cfgh-jmpq-rvwx"), Visibility: gogithub.String("private")},
			{Name: gogithub.String("-ghsa-cfgh-jmpq-rvwx"), Visibility: gogithub.String("private")},
		},
		repoCollaborators: map[string][]*gogithub.User{
			"repo1": {
				{Login: gogithub.String("orgadmin1"), Permissions: map[string]bool{"admin": true}},
				{Login: gogithub.String("collaborator1"), Permissions: map[string]bool{"pull": true}},
			},
		},
		repoInvitations: map[string][]*gogithub.RepositoryInvitation{
			"repo1": {{
				ID:          gogithub.Int64(42),
				Invitee:     &gogithub.User{Login: gogithub.String("collaborator2")},
				Permissions: gogithub.String("write"),
			}},
		},
		repoTeams: map[string][]*gogithub.Team{
			"repo1": {{Name: gogithub.String("team1"), Permissions: map[string]bool{"push": true}}},
		},
	}

	state, err := NewFromService(context.Background(), svc, github.NewCtx(testOrg()))
	require.NoError(t, err)

	// Pending team invitations count as maintainers/members
	require.Len(t, state.Directory.Teams, 1)
	team := state.Directory.Teams[0]
	assert.Equal(t, "team1", team.Name)
	assert.Equal(t, "Team 1", team.DisplayName)
	assert.Equal(t, []string{"maintainer1", "invited1"}, team.Maintainers)
	assert.Equal(t, []string{"member1"}, team.Members)

	// Archived repositories and GHSA temporary forks are not tracked
	require.Len(t, state.Repositories, 1)
	repo := state.Repositories[0]
	assert.Equal(t, "repo1", repo.Name)
	assert.Equal(t, VisibilityPrivate, repo.Visibility)

	// Org admins are not tracked as collaborators, pending invitations are
	assert.Equal(t, map[string]Role{
		"collaborator1": RoleRead,
		"collaborator2": RoleWrite,
	}, repo.Collaborators)
	assert.Equal(t, map[string]Role{"team1": RoleWrite}, repo.Teams)
}

func TestDiffSelfIsEmpty(t *testing.T) {
	state := &State{
		Directory: directory.Directory{
			Teams: []directory.Team{{Name: "team1", Maintainers: []string{"maintainer1"}}},
		},
		Repositories: []*Repository{{
			Name:       "repo1",
			Teams:      map[string]Role{"team1": RoleWrite},
			Visibility: VisibilityPublic,
		}},
	}

	changes := state.Diff(state)
	assert.Empty(t, changes.Directory)
	assert.Empty(t, changes.Repositories)
}

func TestDiffRepositories(t *testing.T) {
	old := &State{Repositories: []*Repository{{
		Name:          "repo1",
		Teams:         map[string]Role{"team1": RoleWrite, "team2": RoleRead},
		Collaborators: map[string]Role{"collaborator1": RoleRead},
		Visibility:    VisibilityPublic,
	}}}
	new := &State{Repositories: []*Repository{
		{
			Name:          "repo1",
			Teams:         map[string]Role{"team1": RoleMaintain},
			Collaborators: map[string]Role{"collaborator2": RoleWrite},
			Visibility:    VisibilityPrivate,
		},
		{Name: "repo2", Visibility: VisibilityPublic},
	}}

	changes := old.Diff(new)
	require.Len(t, changes.Repositories, 6)
	assert.Equal(t, &RepositoryAdded{Repo: new.Repositories[1]}, changes.Repositories[0])
	assert.Equal(t, &TeamRemoved{RepoName: "repo1", TeamName: "team2"}, changes.Repositories[1])
	assert.Equal(t, &TeamRoleUpdated{RepoName: "repo1", TeamName: "team1", Role: RoleMaintain}, changes.Repositories[2])
	assert.Equal(t, &CollaboratorRemoved{RepoName: "repo1", UserName: "collaborator1"}, changes.Repositories[3])
	assert.Equal(t, &CollaboratorAdded{RepoName: "repo1", UserName: "collaborator2", Role: RoleWrite}, changes.Repositories[4])
	assert.Equal(t, &VisibilityUpdated{RepoName: "repo1", Visibility: VisibilityPrivate}, changes.Repositories[5])
}

func TestDiffVisibilityDefaultsToPublic(t *testing.T) {
	old := &State{Repositories: []*Repository{{Name: "repo1"}}}
	new := &State{Repositories: []*Repository{{Name: "repo1", Visibility: VisibilityPublic}}}

	// An unset visibility means public, so there is nothing to update
	assert.Empty(t, old.Diff(new).Repositories)
	assert.Empty(t, new.Diff(old).Repositories)

	new.Repositories[0].Visibility = VisibilityPrivate
	changes := old.Diff(new)
	require.Len(t, changes.Repositories, 1)
	assert.Equal(t, &VisibilityUpdated{RepoName: "repo1", Visibility: VisibilityPrivate}, changes.Repositories[0])
}

func TestDiffIsDeterministic(t *testing.T) {
	old := &State{Repositories: []*Repository{{
		Name:  "repo1",
		Teams: map[string]Role{"team1": RoleRead, "team2": RoleRead, "team3": RoleRead},
	}}}
	new := &State{Repositories: []*Repository{{
		Name:  "repo1",
		Teams: map[string]Role{"team4": RoleRead, "team5": RoleRead, "team6": RoleRead},
	}}}

	first := old.Diff(new)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, old.Diff(new))
	}
}

func TestDiffExcludesUserChanges(t *testing.T) {
	old := &State{Directory: directory.Directory{
		Users: []directory.User{{FullName: "User One"}},
	}}
	new := &State{Directory: directory.Directory{
		Teams: []directory.Team{{Name: "team1"}},
		Users: []directory.User{{FullName: "User Two"}},
	}}

	changes := old.Diff(new)
	require.Len(t, changes.Directory, 1)
	assert.Equal(t, &directory.TeamAdded{Team: directory.Team{Name: "team1"}}, changes.Directory[0])
}

func TestSheriffCfgValidationErrors(t *testing.T) {
	org := testOrg()
	gh := &fakeGH{files: map[string]string{
		"main:config.yaml": `
repositories:
  - name: repo1
    teams:
      Team_1: read
  - name: repo1
  - teams:
      team2: read
`,
	}}

	_, err := getSheriffCfg(context.Background(), gh, github.NewSource(org), org.Legacy.SheriffPermissionsPath)
	require.Error(t, err)
	assert.ErrorContains(t, err, "repo[repo1]: team[Team_1] name must be lowercase alphanumeric with dashes (team slug)")
	assert.ErrorContains(t, err, "repo[repo1]: duplicate config for repo repo1")
	assert.ErrorContains(t, err, "repo[2]: name must be provided")
}

func TestChangeDetailsAndTemplates(t *testing.T) {
	change := &TeamAdded{RepoName: "repo1", TeamName: "team1", Role: RoleWrite}
	assert.Equal(t, "repository-team-added", change.Details().Kind)
	assert.Equal(t, []string{"repository", "team", "added", "repo1", "team1"}, change.Keywords())
	formatted, err := change.TemplateFormat()
	require.NoError(t, err)
	assert.Equal(t, "- team **team1** has been *added* to repository **repo1** (role: **write**)", formatted)

	added := &RepositoryAdded{Repo: &Repository{
		Name:          "repo1",
		Teams:         map[string]Role{"team1": RoleWrite},
		Collaborators: map[string]Role{"collaborator1": RoleRead},
	}}
	formatted, err = added.TemplateFormat()
	require.NoError(t, err)
	expected := "- repository **repo1** has been *added* (visibility: **public**)" +
		"\n\t- Teams\n\t\t- **team1**: *write*" +
		"\n\t- Collaborators\n\t\t- **collaborator1**: *read*"
	assert.Equal(t, expected, formatted)
}

var _ services.Change = &RepositoryAdded{}
