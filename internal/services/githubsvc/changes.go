package githubsvc

import (
	"fmt"
	"strings"

	"github.com/clowarden-project/clowarden/internal/services"
)

// RepositoryAdded represents a new repository in the configuration.
type RepositoryAdded struct {
	Repo *Repository `json:"repo"`
}

func (c *RepositoryAdded) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "repository-added",
		Extra: map[string]interface{}{"repo": c.Repo},
	}
}

func (c *RepositoryAdded) Keywords() []string {
	keywords := []string{"repository", "added", c.Repo.Name}
	keywords = append(keywords, sortedKeys(c.Repo.Teams)...)
	keywords = append(keywords, sortedKeys(c.Repo.Collaborators)...)
	return keywords
}

func (c *RepositoryAdded) TemplateFormat() (string, error) {
	var sb strings.Builder
	visibility := c.Repo.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}
	fmt.Fprintf(&sb, "- repository **%s** has been *added* (visibility: **%s**)", c.Repo.Name, visibility)
	if len(c.Repo.Teams) > 0 {
		sb.WriteString("\n\t- Teams")
		for _, teamName := range sortedKeys(c.Repo.Teams) {
			fmt.Fprintf(&sb, "\n\t\t- **%s**: *%s*", teamName, c.Repo.Teams[teamName])
		}
	}
	if len(c.Repo.Collaborators) > 0 {
		sb.WriteString("\n\t- Collaborators")
		for _, userName := range sortedKeys(c.Repo.Collaborators) {
			fmt.Fprintf(&sb, "\n\t\t- **%s**: *%s*", userName, c.Repo.Collaborators[userName])
		}
	}
	return sb.String(), nil
}

// TeamAdded represents a team granted access to a repository.
type TeamAdded struct {
	RepoName string `json:"repo_name"`
	TeamName string `json:"team_name"`
	Role     Role   `json:"role"`
}

func (c *TeamAdded) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "repository-team-added",
		Extra: map[string]interface{}{"repo_name": c.RepoName, "team_name": c.TeamName, "role": c.Role},
	}
}

func (c *TeamAdded) Keywords() []string {
	return []string{"repository", "team", "added", c.RepoName, c.TeamName}
}

func (c *TeamAdded) TemplateFormat() (string, error) {
	return fmt.Sprintf("- team **%s** has been *added* to repository **%s** (role: **%s**)", c.TeamName, c.RepoName, c.Role), nil
}

// TeamRemoved represents a team whose access to a repository has been
// revoked.
type TeamRemoved struct {
	RepoName string `json:"repo_name"`
	TeamName string `json:"team_name"`
}

func (c *TeamRemoved) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "repository-team-removed",
		Extra: map[string]interface{}{"repo_name": c.RepoName, "team_name": c.TeamName},
	}
}

func (c *TeamRemoved) Keywords() []string {
	return []string{"repository", "team", "removed", c.RepoName, c.TeamName}
}

func (c *TeamRemoved) TemplateFormat() (string, error) {
	return fmt.Sprintf("- team **%s** has been *removed* from repository **%s**", c.TeamName, c.RepoName), nil
}

// TeamRoleUpdated represents a change in the role a team has on a
// repository.
type TeamRoleUpdated struct {
	RepoName string `json:"repo_name"`
	TeamName string `json:"team_name"`
	Role     Role   `json:"role"`
}

func (c *TeamRoleUpdated) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "repository-team-role-updated",
		Extra: map[string]interface{}{"repo_name": c.RepoName, "team_name": c.TeamName, "role": c.Role},
	}
}

func (c *TeamRoleUpdated) Keywords() []string {
	return []string{"repository", "team", "updated", c.RepoName, c.TeamName}
}

func (c *TeamRoleUpdated) TemplateFormat() (string, error) {
	return fmt.Sprintf("- team **%s** role in repository **%s** has been *updated* to **%s**", c.TeamName, c.RepoName, c.Role), nil
}

// CollaboratorAdded represents a user granted access to a repository as an
// external collaborator.
type CollaboratorAdded struct {
	RepoName string `json:"repo_name"`
	UserName string `json:"user_name"`
	Role     Role   `json:"role"`
}

func (c *CollaboratorAdded) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "repository-collaborator-added",
		Extra: map[string]interface{}{"repo_name": c.RepoName, "user_name": c.UserName, "role": c.Role},
	}
}

func (c *CollaboratorAdded) Keywords() []string {
	return []string{"repository", "collaborator", "added", c.RepoName, c.UserName}
}

func (c *CollaboratorAdded) TemplateFormat() (string, error) {
	return fmt.Sprintf("- user **%s** is now a collaborator (role: **%s**) of repository **%s**", c.UserName, c.Role, c.RepoName), nil
}

// CollaboratorRemoved represents a collaborator whose access to a
// repository has been revoked.
type CollaboratorRemoved struct {
	RepoName string `json:"repo_name"`
	UserName string `json:"user_name"`
}

func (c *CollaboratorRemoved) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "repository-collaborator-removed",
		Extra: map[string]interface{}{"repo_name": c.RepoName, "user_name": c.UserName},
	}
}

func (c *CollaboratorRemoved) Keywords() []string {
	return []string{"repository", "collaborator", "removed", c.RepoName, c.UserName}
}

func (c *CollaboratorRemoved) TemplateFormat() (string, error) {
	return fmt.Sprintf("- user **%s** is no longer a collaborator of repository **%s**", c.UserName, c.RepoName), nil
}

// CollaboratorRoleUpdated represents a change in the role a collaborator
// has on a repository.
type CollaboratorRoleUpdated struct {
	RepoName string `json:"repo_name"`
	UserName string `json:"user_name"`
	Role     Role   `json:"role"`
}

func (c *CollaboratorRoleUpdated) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "repository-collaborator-role-updated",
		Extra: map[string]interface{}{"repo_name": c.RepoName, "user_name": c.UserName, "role": c.Role},
	}
}

func (c *CollaboratorRoleUpdated) Keywords() []string {
	return []string{"repository", "collaborator", "role", "updated", c.RepoName, c.UserName}
}

func (c *CollaboratorRoleUpdated) TemplateFormat() (string, error) {
	return fmt.Sprintf("- user **%s** role in repository **%s** has been updated to **%s**", c.UserName, c.RepoName, c.Role), nil
}

// VisibilityUpdated represents a change in a repository's visibility.
type VisibilityUpdated struct {
	RepoName   string     `json:"repo_name"`
	Visibility Visibility `json:"visibility"`
}

func (c *VisibilityUpdated) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "repository-visibility-updated",
		Extra: map[string]interface{}{"repo_name": c.RepoName, "visibility": c.Visibility},
	}
}

func (c *VisibilityUpdated) Keywords() []string {
	return []string{"repository", "visibility", "updated", c.RepoName}
}

func (c *VisibilityUpdated) TemplateFormat() (string, error) {
	return fmt.Sprintf("- repository **%s** visibility has been updated to **%s**", c.RepoName, c.Visibility), nil
}
