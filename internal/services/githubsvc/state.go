// Package githubsvc implements the GitHub service handler: it represents
// the state of an organization's teams and repositories, builds instances
// of it from the configuration or the service, compares them and applies
// the changes needed to keep them aligned.
package githubsvc

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/multierror"
	"github.com/clowarden-project/clowarden/internal/services"
)

// ghsaTempFork matches the name of the temporary private forks created for
// GitHub security advisories. They are managed by GitHub and must be left
// alone.
var ghsaTempFork = regexp.MustCompile("^.*-ghsa(-[23456789cfghjmpqrvwx]{4}){3}$")

// State represents the teams and repositories of an organization at a
// point in time, either as desired (from the configuration) or as actual
// (from the service).
type State struct {
	Directory    directory.Directory `yaml:"directory" json:"directory"`
	Repositories []*Repository       `yaml:"repositories" json:"repositories"`
}

// NewFromConfig creates a new State instance from the configuration
// reference provided.
func NewFromConfig(
	ctx context.Context,
	gh github.GH,
	svc Svc,
	legacy *config.Legacy,
	ghCtx github.Ctx,
	src github.Source,
) (*State, error) {
	// We need to get some information from the service's actual state to
	// deal with some service's particularities.
	orgAdmins, err := listLogins(svc.ListOrgAdmins(ctx, ghCtx))
	if err != nil {
		return nil, err
	}
	repositoriesInService, err := svc.ListRepositories(ctx, ghCtx)
	if err != nil {
		return nil, err
	}
	isRepositoryArchived := func(repoName string) bool {
		for _, repo := range repositoriesInService {
			if repo.GetName() == repoName {
				return repo.GetArchived()
			}
		}
		return false
	}

	// Prepare directory
	dir, err := directory.NewFromConfig(ctx, gh, legacy, src)
	if err != nil {
		return nil, err
	}

	// Team's members that are org admins are considered maintainers by
	// GitHub, so we do the same with the members defined in the config
	for i := range dir.Teams {
		team := &dir.Teams[i]
		var members []string
		for _, userName := range team.Members {
			if contains(orgAdmins, userName) {
				team.Maintainers = append(team.Maintainers, userName)
			} else {
				members = append(members, userName)
			}
		}
		team.Members = members
	}

	// Prepare repositories
	cfg, err := getSheriffCfg(ctx, gh, src, legacy.SheriffPermissionsPath)
	if err != nil {
		return nil, errors.Wrap(err, "invalid github service configuration")
	}
	var repositories []*Repository
	for _, repo := range cfg.Repositories {
		if isRepositoryArchived(repo.Name) {
			continue
		}

		// Set default visibility when none is provided
		if repo.Visibility == "" {
			repo.Visibility = VisibilityPublic
		}

		// Remove organization admins from collaborators list
		for userName := range repo.Collaborators {
			if contains(orgAdmins, userName) {
				delete(repo.Collaborators, userName)
			}
		}

		repositories = append(repositories, repo)
	}

	state := &State{
		Directory:    *dir,
		Repositories: repositories,
	}
	if err := state.validate(ctx, svc, ghCtx); err != nil {
		return nil, err
	}

	return state, nil
}

// NewFromService creates a new State instance from the service's actual
// state.
func NewFromService(ctx context.Context, svc Svc, ghCtx github.Ctx) (*State, error) {
	state := &State{}

	// Teams
	teams, err := svc.ListTeams(ctx, ghCtx)
	if err != nil {
		return nil, errors.Wrap(err, "error getting team info")
	}
	for _, team := range teams {
		slug := team.GetSlug()

		// Get maintainers and members (including pending invitations)
		maintainers, err := listLogins(svc.ListTeamMaintainers(ctx, ghCtx, slug))
		if err != nil {
			return nil, errors.Wrap(err, "error getting team info")
		}
		members, err := listLogins(svc.ListTeamMembers(ctx, ghCtx, slug))
		if err != nil {
			return nil, errors.Wrap(err, "error getting team info")
		}
		invitations, err := svc.ListTeamInvitations(ctx, ghCtx, slug)
		if err != nil {
			return nil, errors.Wrap(err, "error getting team info")
		}
		for _, invitation := range invitations {
			login := invitation.GetLogin()
			membership, err := svc.GetTeamMembership(ctx, ghCtx, slug, login)
			if err != nil {
				return nil, errors.Wrap(err, "error getting team info")
			}
			if membership.GetState() == "pending" {
				switch membership.GetRole() {
				case "maintainer":
					maintainers = append(maintainers, login)
				case "member":
					members = append(members, login)
				}
			}
		}

		state.Directory.Teams = append(state.Directory.Teams, directory.Team{
			Name:        slug,
			DisplayName: team.GetName(),
			Maintainers: maintainers,
			Members:     members,
		})
	}

	// Repositories
	orgAdmins, err := listLogins(svc.ListOrgAdmins(ctx, ghCtx))
	if err != nil {
		return nil, errors.Wrap(err, "error getting repository info")
	}
	repos, err := svc.ListRepositories(ctx, ghCtx)
	if err != nil {
		return nil, errors.Wrap(err, "error getting repository info")
	}
	for _, repo := range repos {
		repoName := repo.GetName()
		if repo.GetArchived() || ghsaTempFork.MatchString(repoName) {
			continue
		}

		repository := &Repository{
			Name:       repoName,
			Visibility: ParseVisibility(repo.GetVisibility()),
		}

		wg, wgCtx := errgroup.WithContext(ctx)

		// Get collaborators (including pending invitations and excluding
		// org admins)
		wg.Go(func() error {
			collaborators, err := svc.ListRepositoryCollaborators(wgCtx, ghCtx, repoName)
			if err != nil {
				return errors.Wrapf(err, "error listing repository %s collaborators", repoName)
			}
			invitations, err := svc.ListRepositoryInvitations(wgCtx, ghCtx, repoName)
			if err != nil {
				return errors.Wrapf(err, "error listing repository %s invitations", repoName)
			}
			repository.Collaborators = map[string]Role{}
			for _, collaborator := range collaborators {
				login := collaborator.GetLogin()
				if contains(orgAdmins, login) {
					continue
				}
				repository.Collaborators[login] = RoleFromPermissions(collaborator.GetPermissions())
			}
			for _, invitation := range invitations {
				if invitee := invitation.GetInvitee(); invitee != nil {
					repository.Collaborators[invitee.GetLogin()] = ParseRole(invitation.GetPermissions())
				}
			}
			return nil
		})

		// Get teams
		wg.Go(func() error {
			teams, err := svc.ListRepositoryTeams(wgCtx, ghCtx, repoName)
			if err != nil {
				return errors.Wrapf(err, "error listing repository %s teams", repoName)
			}
			repository.Teams = map[string]Role{}
			for _, team := range teams {
				repository.Teams[team.GetName()] = RoleFromPermissions(team.GetPermissions())
			}
			return nil
		})

		if err := wg.Wait(); err != nil {
			return nil, errors.Wrap(err, "error getting repository info")
		}
		state.Repositories = append(state.Repositories, repository)
	}

	return state, nil
}

// Diff returns the changes detected between this state instance and the
// new one provided.
func (s *State) Diff(new *State) *Changes {
	var directoryChanges []services.Change
	for _, change := range s.Directory.Diff(&new.Directory) {
		// We are not interested in users' changes
		switch change.(type) {
		case *directory.UserAdded, *directory.UserRemoved, *directory.UserUpdated:
			continue
		}
		directoryChanges = append(directoryChanges, change)
	}

	return &Changes{
		Directory:    directoryChanges,
		Repositories: repositoriesDiff(s.Repositories, new.Repositories),
	}
}

func (s *State) validate(ctx context.Context, svc Svc, ghCtx github.Ctx) error {
	merr := multierror.New("invalid github service configuration")

	// Check teams' maintainers are members of the organization
	orgMembers, err := listLogins(svc.ListOrgMembers(ctx, ghCtx))
	if err != nil {
		return err
	}
	for _, team := range s.Directory.Teams {
		for _, userName := range team.Maintainers {
			if !contains(orgMembers, userName) {
				merr.Push(fmt.Errorf("team[%s]: %s must be an organization member to be a maintainer", team.Name, userName))
			}
		}
	}

	for i, repo := range s.Repositories {
		// Define id to be used in subsequent error messages. When
		// available, it'll be the repo name. Otherwise we'll use its index
		// on the list.
		id := repo.Name
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}

		// Check teams used in repositories exist in directory
		for _, teamName := range sortedKeys(repo.Teams) {
			if s.Directory.GetTeam(teamName) == nil {
				merr.Push(fmt.Errorf("repo[%s]: team %s does not exist in directory", id, teamName))
			}
		}

		// Check explicitly defined collaborators haven't been assigned a
		// role with less privileges than the ones they'd have from any of
		// the teams they are members of
		for _, userName := range sortedKeys(repo.Collaborators) {
			userRole := repo.Collaborators[userName]
			teamName, highestTeamRole, found := s.highestTeamRole(repo, userName)
			if found && highestTeamRole > userRole {
				merr.Push(fmt.Errorf("repo[%s]: collaborator %s already has %s access from team %s", id, userName, highestTeamRole, teamName))
			}
		}
	}

	return merr.ErrorOrNil()
}

// highestTeamRole returns the highest role the user provided gets from the
// teams granted access to the repository.
func (s *State) highestTeamRole(repo *Repository, userName string) (string, Role, bool) {
	var highestTeamName string
	var highestRole Role
	var found bool
	for _, teamName := range sortedKeys(repo.Teams) {
		team := s.Directory.GetTeam(teamName)
		if team == nil {
			continue
		}
		if contains(team.Maintainers, userName) || contains(team.Members, userName) {
			role := repo.Teams[teamName]
			if !found || role > highestRole {
				highestTeamName = teamName
				highestRole = role
				found = true
			}
		}
	}
	return highestTeamName, highestRole, found
}

// repositoriesDiff returns the changes detected between two lists of
// repositories. The output is deterministic: entries are emitted in
// lexicographic order and removals precede additions.
func repositoriesDiff(old, new []*Repository) []services.Change {
	var changes []services.Change

	reposOld := map[string]*Repository{}
	for _, repo := range old {
		reposOld[repo.Name] = repo
	}
	reposNew := map[string]*Repository{}
	for _, repo := range new {
		reposNew[repo.Name] = repo
	}

	// Helpers to get the role of a team/collaborator in a repository
	teamRole := func(collection map[string]*Repository, repoName, teamName string) Role {
		return collection[repoName].Teams[teamName]
	}
	userRole := func(collection map[string]*Repository, repoName, userName string) Role {
		return collection[repoName].Collaborators[userName]
	}

	// Repositories added. Repositories not present in the new state are
	// deliberately left alone: deleting them is out of scope.
	repoNamesOld := setFromKeys(reposOld)
	repoNamesNew := setFromKeys(reposNew)
	for _, repoName := range sortedStrings(repoNamesNew.Difference(repoNamesOld)) {
		changes = append(changes, &RepositoryAdded{Repo: reposNew[repoName]})
	}

	// Repositories teams and collaborators added/removed
	for _, repoName := range sortedStrings(repoNamesNew.Intersect(repoNamesOld)) {
		// Teams
		teamsOld := setFromKeys(reposOld[repoName].Teams)
		teamsNew := setFromKeys(reposNew[repoName].Teams)
		for _, teamName := range sortedStrings(teamsOld.Difference(teamsNew)) {
			changes = append(changes, &TeamRemoved{RepoName: repoName, TeamName: teamName})
		}
		for _, teamName := range sortedStrings(teamsNew.Difference(teamsOld)) {
			changes = append(changes, &TeamAdded{
				RepoName: repoName,
				TeamName: teamName,
				Role:     teamRole(reposNew, repoName, teamName),
			})
		}
		for _, teamName := range sortedStrings(teamsNew.Intersect(teamsOld)) {
			roleNew := teamRole(reposNew, repoName, teamName)
			roleOld := teamRole(reposOld, repoName, teamName)
			if roleNew != roleOld {
				changes = append(changes, &TeamRoleUpdated{
					RepoName: repoName,
					TeamName: teamName,
					Role:     roleNew,
				})
			}
		}

		// Collaborators
		collaboratorsOld := setFromKeys(reposOld[repoName].Collaborators)
		collaboratorsNew := setFromKeys(reposNew[repoName].Collaborators)
		for _, userName := range sortedStrings(collaboratorsOld.Difference(collaboratorsNew)) {
			changes = append(changes, &CollaboratorRemoved{RepoName: repoName, UserName: userName})
		}
		for _, userName := range sortedStrings(collaboratorsNew.Difference(collaboratorsOld)) {
			changes = append(changes, &CollaboratorAdded{
				RepoName: repoName,
				UserName: userName,
				Role:     userRole(reposNew, repoName, userName),
			})
		}
		for _, userName := range sortedStrings(collaboratorsNew.Intersect(collaboratorsOld)) {
			roleNew := userRole(reposNew, repoName, userName)
			roleOld := userRole(reposOld, repoName, userName)
			if roleNew != roleOld {
				changes = append(changes, &CollaboratorRoleUpdated{
					RepoName: repoName,
					UserName: userName,
					Role:     roleNew,
				})
			}
		}

		// Visibility. An unset value means public, so it must be
		// normalized on both sides before comparing.
		visibilityNew := reposNew[repoName].Visibility
		if visibilityNew == "" {
			visibilityNew = VisibilityPublic
		}
		visibilityOld := reposOld[repoName].Visibility
		if visibilityOld == "" {
			visibilityOld = VisibilityPublic
		}
		if visibilityNew != visibilityOld {
			changes = append(changes, &VisibilityUpdated{
				RepoName:   repoName,
				Visibility: visibilityNew,
			})
		}
	}

	return changes
}

// Changes represents the changes between two states.
type Changes struct {
	Directory    []services.Change
	Repositories []services.Change
}

func listLogins[T interface{ GetLogin() string }](users []T, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	logins := make([]string, 0, len(users))
	for _, user := range users {
		logins = append(logins, user.GetLogin())
	}
	return logins, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func setFromKeys[V any](m map[string]V) mapset.Set {
	set := mapset.NewThreadUnsafeSet()
	for key := range m {
		set.Add(key)
	}
	return set
}

func sortedStrings(set mapset.Set) []string {
	values := make([]string, 0, set.Cardinality())
	for value := range set.Iter() {
		values = append(values, value.(string))
	}
	sort.Strings(values)
	return values
}
