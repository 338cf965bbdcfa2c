package githubsvc

import (
	"context"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v55/github"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/github"
)

const (
	// pageSize is the number of items requested per page on list calls.
	pageSize = 100

	// cacheTTL is how long the results of the cached list calls are
	// reused. Reconciliations issue the same organization-wide lookups
	// over and over, this keeps them cheap.
	cacheTTL = 60 * time.Second

	// createSettleTime is how long to wait after creating a team or a
	// repository before issuing mutations that depend on it.
	createSettleTime = 1 * time.Second
)

// Svc defines the operations used to inspect and mutate the service's
// state.
type Svc interface {
	AddRepository(ctx context.Context, c github.Ctx, repo *Repository) error
	AddRepositoryCollaborator(ctx context.Context, c github.Ctx, repoName, userName string, role Role) error
	AddRepositoryTeam(ctx context.Context, c github.Ctx, repoName, teamName string, role Role) error
	AddTeam(ctx context.Context, c github.Ctx, team *directory.Team) error
	AddTeamMaintainer(ctx context.Context, c github.Ctx, teamName, userName string) error
	AddTeamMember(ctx context.Context, c github.Ctx, teamName, userName string) error
	GetTeamMembership(ctx context.Context, c github.Ctx, teamName, userName string) (*gogithub.Membership, error)
	GetUserLogin(ctx context.Context, c github.Ctx, userName string) (string, error)
	ListOrgAdmins(ctx context.Context, c github.Ctx) ([]*gogithub.User, error)
	ListOrgMembers(ctx context.Context, c github.Ctx) ([]*gogithub.User, error)
	ListRepositories(ctx context.Context, c github.Ctx) ([]*gogithub.Repository, error)
	ListRepositoryCollaborators(ctx context.Context, c github.Ctx, repoName string) ([]*gogithub.User, error)
	ListRepositoryInvitations(ctx context.Context, c github.Ctx, repoName string) ([]*gogithub.RepositoryInvitation, error)
	ListRepositoryTeams(ctx context.Context, c github.Ctx, repoName string) ([]*gogithub.Team, error)
	ListTeamInvitations(ctx context.Context, c github.Ctx, teamName string) ([]*gogithub.Invitation, error)
	ListTeamMaintainers(ctx context.Context, c github.Ctx, teamName string) ([]*gogithub.User, error)
	ListTeamMembers(ctx context.Context, c github.Ctx, teamName string) ([]*gogithub.User, error)
	ListTeams(ctx context.Context, c github.Ctx) ([]*gogithub.Team, error)
	RemoveRepositoryCollaborator(ctx context.Context, c github.Ctx, repoName, userName string) error
	RemoveRepositoryInvitation(ctx context.Context, c github.Ctx, repoName string, invitationID int64) error
	RemoveRepositoryTeam(ctx context.Context, c github.Ctx, repoName, teamName string) error
	RemoveTeam(ctx context.Context, c github.Ctx, teamName string) error
	RemoveTeamMaintainer(ctx context.Context, c github.Ctx, teamName, userName string) error
	RemoveTeamMember(ctx context.Context, c github.Ctx, teamName, userName string) error
	UpdateRepositoryCollaboratorRole(ctx context.Context, c github.Ctx, repoName, userName string, role Role) error
	UpdateRepositoryInvitation(ctx context.Context, c github.Ctx, repoName string, invitationID int64, role Role) error
	UpdateRepositoryTeamRole(ctx context.Context, c github.Ctx, repoName, teamName string, role Role) error
	UpdateRepositoryVisibility(ctx context.Context, c github.Ctx, repoName string, visibility Visibility) error
}

// SvcAPI implements Svc on top of the GitHub API.
type SvcAPI struct {
	provider    *github.ClientProvider
	tokenClient *gogithub.Client
	cache       *ttlCache
}

// NewSvcAPI creates a new SvcAPI instance. Either of the provider (app
// credentials) or the token client (CLI) may be nil.
func NewSvcAPI(provider *github.ClientProvider, tokenClient *gogithub.Client) *SvcAPI {
	return &SvcAPI{
		provider:    provider,
		tokenClient: tokenClient,
		cache:       newTTLCache(cacheTTL),
	}
}

func (s *SvcAPI) clientFor(installationID *int64) (*gogithub.Client, error) {
	if installationID == nil {
		if s.tokenClient == nil {
			return nil, errors.New("no github token available")
		}
		return s.tokenClient, nil
	}
	if s.provider == nil {
		return nil, errors.New("no github app credentials available")
	}
	return s.provider.Client(*installationID)
}

func (s *SvcAPI) AddRepository(ctx context.Context, c github.Ctx, repo *Repository) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}

	// Create repository
	visibility := repo.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}
	_, _, err = client.Repositories.Create(ctx, c.Org, &gogithub.Repository{
		Name:       gogithub.String(repo.Name),
		Visibility: gogithub.String(string(visibility)),
	})
	if err != nil {
		return err
	}
	time.Sleep(createSettleTime)

	// Add repository teams
	for _, teamName := range sortedKeys(repo.Teams) {
		if err := s.AddRepositoryTeam(ctx, c, repo.Name, teamName, repo.Teams[teamName]); err != nil {
			return err
		}
	}

	// Add repository collaborators
	for _, userName := range sortedKeys(repo.Collaborators) {
		if err := s.AddRepositoryCollaborator(ctx, c, repo.Name, userName, repo.Collaborators[userName]); err != nil {
			return err
		}
	}

	return nil
}

func (s *SvcAPI) AddRepositoryCollaborator(ctx context.Context, c github.Ctx, repoName, userName string, role Role) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, _, err = client.Repositories.AddCollaborator(ctx, c.Org, repoName, userName, &gogithub.RepositoryAddCollaboratorOptions{
		Permission: role.PermissionString(),
	})
	return err
}

func (s *SvcAPI) AddRepositoryTeam(ctx context.Context, c github.Ctx, repoName, teamName string, role Role) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, err = client.Teams.AddTeamRepoBySlug(ctx, c.Org, teamName, c.Org, repoName, &gogithub.TeamAddTeamRepoOptions{
		Permission: role.PermissionString(),
	})
	return err
}

func (s *SvcAPI) AddTeam(ctx context.Context, c github.Ctx, team *directory.Team) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}

	// Create team with its maintainers
	privacy := "closed"
	_, _, err = client.Teams.CreateTeam(ctx, c.Org, gogithub.NewTeam{
		Name:        team.Name,
		Maintainers: team.Maintainers,
		Privacy:     &privacy,
	})
	if err != nil {
		return err
	}
	time.Sleep(createSettleTime)

	// Add team members
	for _, userName := range team.Members {
		if err := s.AddTeamMember(ctx, c, team.Name, userName); err != nil {
			return err
		}
	}

	return nil
}

func (s *SvcAPI) AddTeamMaintainer(ctx context.Context, c github.Ctx, teamName, userName string) error {
	return s.addTeamMembership(ctx, c, teamName, userName, "maintainer")
}

func (s *SvcAPI) AddTeamMember(ctx context.Context, c github.Ctx, teamName, userName string) error {
	return s.addTeamMembership(ctx, c, teamName, userName, "member")
}

func (s *SvcAPI) addTeamMembership(ctx context.Context, c github.Ctx, teamName, userName, role string) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, _, err = client.Teams.AddTeamMembershipBySlug(ctx, c.Org, teamName, userName, &gogithub.TeamAddTeamMembershipOptions{
		Role: role,
	})
	return err
}

func (s *SvcAPI) GetTeamMembership(ctx context.Context, c github.Ctx, teamName, userName string) (*gogithub.Membership, error) {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return nil, err
	}
	membership, _, err := client.Teams.GetTeamMembershipBySlug(ctx, c.Org, teamName, userName)
	return membership, err
}

func (s *SvcAPI) GetUserLogin(ctx context.Context, c github.Ctx, userName string) (string, error) {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return "", err
	}
	user, _, err := client.Users.Get(ctx, userName)
	if err != nil {
		return "", err
	}
	return user.GetLogin(), nil
}

func (s *SvcAPI) ListOrgAdmins(ctx context.Context, c github.Ctx) ([]*gogithub.User, error) {
	return s.listOrgMembersCached(ctx, c, "admin")
}

func (s *SvcAPI) ListOrgMembers(ctx context.Context, c github.Ctx) ([]*gogithub.User, error) {
	return s.listOrgMembersCached(ctx, c, "all")
}

func (s *SvcAPI) listOrgMembersCached(ctx context.Context, c github.Ctx, role string) ([]*gogithub.User, error) {
	value, err := s.cache.get("org-members:"+c.Org+":"+role, func() (interface{}, error) {
		client, err := s.clientFor(c.InstallationID)
		if err != nil {
			return nil, err
		}
		var users []*gogithub.User
		opts := &gogithub.ListMembersOptions{
			Role:        role,
			ListOptions: gogithub.ListOptions{PerPage: pageSize},
		}
		for {
			page, resp, err := client.Organizations.ListMembers(ctx, c.Org, opts)
			if err != nil {
				return nil, err
			}
			users = append(users, page...)
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return users, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]*gogithub.User), nil
}

func (s *SvcAPI) ListRepositories(ctx context.Context, c github.Ctx) ([]*gogithub.Repository, error) {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return nil, err
	}
	var repos []*gogithub.Repository
	opts := &gogithub.RepositoryListByOrgOptions{
		Type:        "all",
		Sort:        "full_name",
		Direction:   "asc",
		ListOptions: gogithub.ListOptions{PerPage: pageSize},
	}
	for {
		page, resp, err := client.Repositories.ListByOrg(ctx, c.Org, opts)
		if err != nil {
			return nil, err
		}
		repos = append(repos, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

func (s *SvcAPI) ListRepositoryCollaborators(ctx context.Context, c github.Ctx, repoName string) ([]*gogithub.User, error) {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return nil, err
	}
	var collaborators []*gogithub.User
	opts := &gogithub.ListCollaboratorsOptions{
		Affiliation: "direct",
		ListOptions: gogithub.ListOptions{PerPage: pageSize},
	}
	for {
		page, resp, err := client.Repositories.ListCollaborators(ctx, c.Org, repoName, opts)
		if err != nil {
			return nil, err
		}
		collaborators = append(collaborators, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return collaborators, nil
}

func (s *SvcAPI) ListRepositoryInvitations(ctx context.Context, c github.Ctx, repoName string) ([]*gogithub.RepositoryInvitation, error) {
	value, err := s.cache.get("repo-invitations:"+c.Org+"/"+repoName, func() (interface{}, error) {
		client, err := s.clientFor(c.InstallationID)
		if err != nil {
			return nil, err
		}
		var invitations []*gogithub.RepositoryInvitation
		opts := &gogithub.ListOptions{PerPage: pageSize}
		for {
			page, resp, err := client.Repositories.ListInvitations(ctx, c.Org, repoName, opts)
			if err != nil {
				return nil, err
			}
			invitations = append(invitations, page...)
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return invitations, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]*gogithub.RepositoryInvitation), nil
}

func (s *SvcAPI) ListRepositoryTeams(ctx context.Context, c github.Ctx, repoName string) ([]*gogithub.Team, error) {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return nil, err
	}
	var teams []*gogithub.Team
	opts := &gogithub.ListOptions{PerPage: pageSize}
	for {
		page, resp, err := client.Repositories.ListTeams(ctx, c.Org, repoName, opts)
		if err != nil {
			return nil, err
		}
		teams = append(teams, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return teams, nil
}

func (s *SvcAPI) ListTeamInvitations(ctx context.Context, c github.Ctx, teamName string) ([]*gogithub.Invitation, error) {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return nil, err
	}
	var invitations []*gogithub.Invitation
	opts := &gogithub.ListOptions{PerPage: pageSize}
	for {
		page, resp, err := client.Teams.ListPendingTeamInvitationsBySlug(ctx, c.Org, teamName, opts)
		if err != nil {
			return nil, err
		}
		invitations = append(invitations, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return invitations, nil
}

func (s *SvcAPI) ListTeamMaintainers(ctx context.Context, c github.Ctx, teamName string) ([]*gogithub.User, error) {
	return s.listTeamMembersByRole(ctx, c, teamName, "maintainer")
}

func (s *SvcAPI) ListTeamMembers(ctx context.Context, c github.Ctx, teamName string) ([]*gogithub.User, error) {
	return s.listTeamMembersByRole(ctx, c, teamName, "member")
}

func (s *SvcAPI) listTeamMembersByRole(ctx context.Context, c github.Ctx, teamName, role string) ([]*gogithub.User, error) {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return nil, err
	}
	var users []*gogithub.User
	opts := &gogithub.TeamListTeamMembersOptions{
		Role:        role,
		ListOptions: gogithub.ListOptions{PerPage: pageSize},
	}
	for {
		page, resp, err := client.Teams.ListTeamMembersBySlug(ctx, c.Org, teamName, opts)
		if err != nil {
			return nil, err
		}
		users = append(users, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return users, nil
}

func (s *SvcAPI) ListTeams(ctx context.Context, c github.Ctx) ([]*gogithub.Team, error) {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return nil, err
	}
	var teams []*gogithub.Team
	opts := &gogithub.ListOptions{PerPage: pageSize}
	for {
		page, resp, err := client.Teams.ListTeams(ctx, c.Org, opts)
		if err != nil {
			return nil, err
		}
		teams = append(teams, page...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return teams, nil
}

func (s *SvcAPI) RemoveRepositoryCollaborator(ctx context.Context, c github.Ctx, repoName, userName string) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, err = client.Repositories.RemoveCollaborator(ctx, c.Org, repoName, userName)
	return err
}

func (s *SvcAPI) RemoveRepositoryInvitation(ctx context.Context, c github.Ctx, repoName string, invitationID int64) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, err = client.Repositories.DeleteInvitation(ctx, c.Org, repoName, invitationID)
	return err
}

func (s *SvcAPI) RemoveRepositoryTeam(ctx context.Context, c github.Ctx, repoName, teamName string) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, err = client.Teams.RemoveTeamRepoBySlug(ctx, c.Org, teamName, c.Org, repoName)
	return err
}

func (s *SvcAPI) RemoveTeam(ctx context.Context, c github.Ctx, teamName string) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, err = client.Teams.DeleteTeamBySlug(ctx, c.Org, teamName)
	return err
}

func (s *SvcAPI) RemoveTeamMaintainer(ctx context.Context, c github.Ctx, teamName, userName string) error {
	return s.removeTeamMembership(ctx, c, teamName, userName)
}

func (s *SvcAPI) RemoveTeamMember(ctx context.Context, c github.Ctx, teamName, userName string) error {
	return s.removeTeamMembership(ctx, c, teamName, userName)
}

func (s *SvcAPI) removeTeamMembership(ctx context.Context, c github.Ctx, teamName, userName string) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, err = client.Teams.RemoveTeamMembershipBySlug(ctx, c.Org, teamName, userName)
	return err
}

func (s *SvcAPI) UpdateRepositoryCollaboratorRole(ctx context.Context, c github.Ctx, repoName, userName string, role Role) error {
	return s.AddRepositoryCollaborator(ctx, c, repoName, userName, role)
}

func (s *SvcAPI) UpdateRepositoryInvitation(ctx context.Context, c github.Ctx, repoName string, invitationID int64, role Role) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, _, err = client.Repositories.UpdateInvitation(ctx, c.Org, repoName, invitationID, role.String())
	return err
}

func (s *SvcAPI) UpdateRepositoryTeamRole(ctx context.Context, c github.Ctx, repoName, teamName string, role Role) error {
	return s.AddRepositoryTeam(ctx, c, repoName, teamName, role)
}

func (s *SvcAPI) UpdateRepositoryVisibility(ctx context.Context, c github.Ctx, repoName string, visibility Visibility) error {
	client, err := s.clientFor(c.InstallationID)
	if err != nil {
		return err
	}
	_, _, err = client.Repositories.Edit(ctx, c.Org, repoName, &gogithub.Repository{
		Visibility: gogithub.String(string(visibility)),
	})
	return err
}

// ttlCache is a small time-based cache with singleflight fills, used for
// the organization-wide lookups issued repeatedly during state builds.
type ttlCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{
		ttl:     ttl,
		entries: map[string]cacheEntry{},
	}
}

func (c *ttlCache) get(key string, fill func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		c.mu.Lock()
		if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expiresAt) {
			c.mu.Unlock()
			return entry.value, nil
		}
		c.mu.Unlock()

		value, err := fill()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return value, nil
	})
	return value, err
}
