package directory

import (
	"fmt"
	"strings"

	"github.com/clowarden-project/clowarden/internal/services"
)

// TeamAdded represents a new team in the directory.
type TeamAdded struct {
	Team Team `json:"team"`
}

func (c *TeamAdded) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "team-added",
		Extra: map[string]interface{}{"team": c.Team},
	}
}

func (c *TeamAdded) Keywords() []string {
	keywords := []string{"team", "added", c.Team.Name}
	keywords = append(keywords, c.Team.Maintainers...)
	keywords = append(keywords, c.Team.Members...)
	return keywords
}

func (c *TeamAdded) TemplateFormat() (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- team **%s** has been *added*", c.Team.Name)
	if len(c.Team.Maintainers) > 0 {
		sb.WriteString("\n\t- Maintainers")
		for _, userName := range c.Team.Maintainers {
			fmt.Fprintf(&sb, "\n\t\t- **%s**", userName)
		}
	}
	if len(c.Team.Members) > 0 {
		sb.WriteString("\n\t- Members")
		for _, userName := range c.Team.Members {
			fmt.Fprintf(&sb, "\n\t\t- **%s**", userName)
		}
	}
	return sb.String(), nil
}

// TeamRemoved represents a team removed from the directory.
type TeamRemoved struct {
	TeamName string `json:"team_name"`
}

func (c *TeamRemoved) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "team-removed",
		Extra: map[string]interface{}{"team_name": c.TeamName},
	}
}

func (c *TeamRemoved) Keywords() []string {
	return []string{"team", "removed", c.TeamName}
}

func (c *TeamRemoved) TemplateFormat() (string, error) {
	return fmt.Sprintf("- team **%s** has been *removed*", c.TeamName), nil
}

// TeamMaintainerAdded represents a user added to a team as maintainer.
type TeamMaintainerAdded struct {
	TeamName string `json:"team_name"`
	UserName string `json:"user_name"`
}

func (c *TeamMaintainerAdded) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "team-maintainer-added",
		Extra: map[string]interface{}{"team_name": c.TeamName, "user_name": c.UserName},
	}
}

func (c *TeamMaintainerAdded) Keywords() []string {
	return []string{"team", "maintainer", "added", c.TeamName, c.UserName}
}

func (c *TeamMaintainerAdded) TemplateFormat() (string, error) {
	return fmt.Sprintf("- **%s** is now a maintainer of team **%s**", c.UserName, c.TeamName), nil
}

// TeamMaintainerRemoved represents a maintainer removed from a team.
type TeamMaintainerRemoved struct {
	TeamName string `json:"team_name"`
	UserName string `json:"user_name"`
}

func (c *TeamMaintainerRemoved) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "team-maintainer-removed",
		Extra: map[string]interface{}{"team_name": c.TeamName, "user_name": c.UserName},
	}
}

func (c *TeamMaintainerRemoved) Keywords() []string {
	return []string{"team", "maintainer", "removed", c.TeamName, c.UserName}
}

func (c *TeamMaintainerRemoved) TemplateFormat() (string, error) {
	return fmt.Sprintf("- **%s** is no longer a maintainer of team **%s**", c.UserName, c.TeamName), nil
}

// TeamMemberAdded represents a user added to a team as member.
type TeamMemberAdded struct {
	TeamName string `json:"team_name"`
	UserName string `json:"user_name"`
}

func (c *TeamMemberAdded) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "team-member-added",
		Extra: map[string]interface{}{"team_name": c.TeamName, "user_name": c.UserName},
	}
}

func (c *TeamMemberAdded) Keywords() []string {
	return []string{"team", "member", "added", c.TeamName, c.UserName}
}

func (c *TeamMemberAdded) TemplateFormat() (string, error) {
	return fmt.Sprintf("- **%s** is now a member of team **%s**", c.UserName, c.TeamName), nil
}

// TeamMemberRemoved represents a member removed from a team.
type TeamMemberRemoved struct {
	TeamName string `json:"team_name"`
	UserName string `json:"user_name"`
}

func (c *TeamMemberRemoved) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "team-member-removed",
		Extra: map[string]interface{}{"team_name": c.TeamName, "user_name": c.UserName},
	}
}

func (c *TeamMemberRemoved) Keywords() []string {
	return []string{"team", "member", "removed", c.TeamName, c.UserName}
}

func (c *TeamMemberRemoved) TemplateFormat() (string, error) {
	return fmt.Sprintf("- **%s** is no longer a member of team **%s**", c.UserName, c.TeamName), nil
}

// UserAdded represents a new user profile in the directory.
type UserAdded struct {
	FullName string `json:"full_name"`
}

func (c *UserAdded) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "user-added",
		Extra: map[string]interface{}{"full_name": c.FullName},
	}
}

func (c *UserAdded) Keywords() []string {
	return []string{"user", "added", c.FullName}
}

func (c *UserAdded) TemplateFormat() (string, error) {
	return fmt.Sprintf("- user **%s** has been *added*", c.FullName), nil
}

// UserRemoved represents a user profile removed from the directory.
type UserRemoved struct {
	FullName string `json:"full_name"`
}

func (c *UserRemoved) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "user-removed",
		Extra: map[string]interface{}{"full_name": c.FullName},
	}
}

func (c *UserRemoved) Keywords() []string {
	return []string{"user", "removed", c.FullName}
}

func (c *UserRemoved) TemplateFormat() (string, error) {
	return fmt.Sprintf("- user **%s** has been *removed*", c.FullName), nil
}

// UserUpdated represents an update of a user's profile details.
type UserUpdated struct {
	FullName string `json:"full_name"`
}

func (c *UserUpdated) Details() services.ChangeDetails {
	return services.ChangeDetails{
		Kind:  "user-updated",
		Extra: map[string]interface{}{"full_name": c.FullName},
	}
}

func (c *UserUpdated) Keywords() []string {
	return []string{"user", "updated", c.FullName}
}

func (c *UserUpdated) TemplateFormat() (string, error) {
	return fmt.Sprintf("- user **%s** details have been *updated*", c.FullName), nil
}
