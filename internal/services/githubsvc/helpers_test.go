package githubsvc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v55/github"
	"github.com/pkg/errors"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/github"
)

// newTestSource returns the organization's configuration source pointing at
// the ref provided instead of the base branch.
func newTestSource(org *config.Organization, ref string) github.Source {
	src := github.NewSource(org)
	src.Ref = ref
	return src
}

// fakeGH serves file content keyed by "<ref>:<path>".
type fakeGH struct {
	files map[string]string
}

func (f *fakeGH) GetFileContent(_ context.Context, src github.Source, path string) (string, error) {
	content, ok := f.files[src.Ref+":"+path]
	if !ok {
		return "", errors.Errorf("file not found: %s", path)
	}
	return content, nil
}

func (f *fakeGH) CreateCheckRun(context.Context, github.Ctx, string, gogithub.CreateCheckRunOptions) error {
	return nil
}

func (f *fakeGH) PostComment(context.Context, github.Ctx, string, int, string) (int64, error) {
	return 0, nil
}

func (f *fakeGH) ListPRFiles(context.Context, github.Ctx, string, int) ([]*gogithub.CommitFile, error) {
	return nil, nil
}

// fakeSvc is an in-memory Svc implementation. Read operations serve the
// fields below, mutations are recorded on calls and fail when an entry in
// failOn matches them.
type fakeSvc struct {
	orgAdmins  []string
	orgMembers []string

	teams           []*gogithub.Team
	teamMaintainers map[string][]string
	teamMembers     map[string][]string
	teamInvitations map[string][]*gogithub.Invitation
	teamMemberships map[string]*gogithub.Membership

	repositories      []*gogithub.Repository
	repoCollaborators map[string][]*gogithub.User
	repoInvitations   map[string][]*gogithub.RepositoryInvitation
	repoTeams         map[string][]*gogithub.Team

	userLogins    map[string]string
	userLoginErrs map[string]error

	failOn map[string]error
	calls  []string
}

func (f *fakeSvc) do(call string) error {
	f.calls = append(f.calls, call)
	if err, ok := f.failOn[call]; ok {
		return err
	}
	return nil
}

func (f *fakeSvc) AddRepository(_ context.Context, _ github.Ctx, repo *Repository) error {
	return f.do(fmt.Sprintf("add-repository %s", repo.Name))
}

func (f *fakeSvc) AddRepositoryCollaborator(_ context.Context, _ github.Ctx, repoName, userName string, role Role) error {
	return f.do(fmt.Sprintf("add-repository-collaborator %s %s %s", repoName, userName, role))
}

func (f *fakeSvc) AddRepositoryTeam(_ context.Context, _ github.Ctx, repoName, teamName string, role Role) error {
	return f.do(fmt.Sprintf("add-repository-team %s %s %s", repoName, teamName, role))
}

func (f *fakeSvc) AddTeam(_ context.Context, _ github.Ctx, team *directory.Team) error {
	return f.do(fmt.Sprintf("add-team %s", team.Name))
}

func (f *fakeSvc) AddTeamMaintainer(_ context.Context, _ github.Ctx, teamName, userName string) error {
	return f.do(fmt.Sprintf("add-team-maintainer %s %s", teamName, userName))
}

func (f *fakeSvc) AddTeamMember(_ context.Context, _ github.Ctx, teamName, userName string) error {
	return f.do(fmt.Sprintf("add-team-member %s %s", teamName, userName))
}

func (f *fakeSvc) GetTeamMembership(_ context.Context, _ github.Ctx, teamName, userName string) (*gogithub.Membership, error) {
	membership, ok := f.teamMemberships[teamName+"/"+userName]
	if !ok {
		return nil, notFoundError()
	}
	return membership, nil
}

func (f *fakeSvc) GetUserLogin(_ context.Context, _ github.Ctx, userName string) (string, error) {
	if err, ok := f.userLoginErrs[strings.ToLower(userName)]; ok {
		return "", err
	}
	login, ok := f.userLogins[strings.ToLower(userName)]
	if !ok {
		return "", notFoundError()
	}
	return login, nil
}

func (f *fakeSvc) ListOrgAdmins(context.Context, github.Ctx) ([]*gogithub.User, error) {
	return usersFromLogins(f.orgAdmins), nil
}

func (f *fakeSvc) ListOrgMembers(context.Context, github.Ctx) ([]*gogithub.User, error) {
	return usersFromLogins(f.orgMembers), nil
}

func (f *fakeSvc) ListRepositories(context.Context, github.Ctx) ([]*gogithub.Repository, error) {
	return f.repositories, nil
}

func (f *fakeSvc) ListRepositoryCollaborators(_ context.Context, _ github.Ctx, repoName string) ([]*gogithub.User, error) {
	return f.repoCollaborators[repoName], nil
}

func (f *fakeSvc) ListRepositoryInvitations(_ context.Context, _ github.Ctx, repoName string) ([]*gogithub.RepositoryInvitation, error) {
	return f.repoInvitations[repoName], nil
}

func (f *fakeSvc) ListRepositoryTeams(_ context.Context, _ github.Ctx, repoName string) ([]*gogithub.Team, error) {
	return f.repoTeams[repoName], nil
}

func (f *fakeSvc) ListTeamInvitations(_ context.Context, _ github.Ctx, teamName string) ([]*gogithub.Invitation, error) {
	return f.teamInvitations[teamName], nil
}

func (f *fakeSvc) ListTeamMaintainers(_ context.Context, _ github.Ctx, teamName string) ([]*gogithub.User, error) {
	return usersFromLogins(f.teamMaintainers[teamName]), nil
}

func (f *fakeSvc) ListTeamMembers(_ context.Context, _ github.Ctx, teamName string) ([]*gogithub.User, error) {
	return usersFromLogins(f.teamMembers[teamName]), nil
}

func (f *fakeSvc) ListTeams(context.Context, github.Ctx) ([]*gogithub.Team, error) {
	return f.teams, nil
}

func (f *fakeSvc) RemoveRepositoryCollaborator(_ context.Context, _ github.Ctx, repoName, userName string) error {
	return f.do(fmt.Sprintf("remove-repository-collaborator %s %s", repoName, userName))
}

func (f *fakeSvc) RemoveRepositoryInvitation(_ context.Context, _ github.Ctx, repoName string, invitationID int64) error {
	return f.do(fmt.Sprintf("remove-repository-invitation %s %d", repoName, invitationID))
}

func (f *fakeSvc) RemoveRepositoryTeam(_ context.Context, _ github.Ctx, repoName, teamName string) error {
	return f.do(fmt.Sprintf("remove-repository-team %s %s", repoName, teamName))
}

func (f *fakeSvc) RemoveTeam(_ context.Context, _ github.Ctx, teamName string) error {
	return f.do(fmt.Sprintf("remove-team %s", teamName))
}

func (f *fakeSvc) RemoveTeamMaintainer(_ context.Context, _ github.Ctx, teamName, userName string) error {
	return f.do(fmt.Sprintf("remove-team-maintainer %s %s", teamName, userName))
}

func (f *fakeSvc) RemoveTeamMember(_ context.Context, _ github.Ctx, teamName, userName string) error {
	return f.do(fmt.Sprintf("remove-team-member %s %s", teamName, userName))
}

func (f *fakeSvc) UpdateRepositoryCollaboratorRole(_ context.Context, _ github.Ctx, repoName, userName string, role Role) error {
	return f.do(fmt.Sprintf("update-repository-collaborator-role %s %s %s", repoName, userName, role))
}

func (f *fakeSvc) UpdateRepositoryInvitation(_ context.Context, _ github.Ctx, repoName string, invitationID int64, role Role) error {
	return f.do(fmt.Sprintf("update-repository-invitation %s %d %s", repoName, invitationID, role))
}

func (f *fakeSvc) UpdateRepositoryTeamRole(_ context.Context, _ github.Ctx, repoName, teamName string, role Role) error {
	return f.do(fmt.Sprintf("update-repository-team-role %s %s %s", repoName, teamName, role))
}

func (f *fakeSvc) UpdateRepositoryVisibility(_ context.Context, _ github.Ctx, repoName string, visibility Visibility) error {
	return f.do(fmt.Sprintf("update-repository-visibility %s %s", repoName, visibility))
}

func usersFromLogins(logins []string) []*gogithub.User {
	users := make([]*gogithub.User, 0, len(logins))
	for _, login := range logins {
		login := login
		users = append(users, &gogithub.User{Login: &login})
	}
	return users
}

func notFoundError() error {
	return &gogithub.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusNotFound},
	}
}

func serverError() error {
	return &gogithub.ErrorResponse{
		Response: &http.Response{
			StatusCode: http.StatusInternalServerError,
			Request:    &http.Request{Method: http.MethodGet},
		},
	}
}
