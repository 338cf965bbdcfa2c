package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/multierror"
)

// validTeamName matches a team slug.
var validTeamName = regexp.MustCompile(`^[a-z0-9\-]+$`)

// legacyCfg holds the legacy configuration the directory is built from:
// a sheriff permissions file plus an optional CNCF people file.
type legacyCfg struct {
	sheriff *sheriffCfg
	cncf    *cncfCfg
}

func getLegacyCfg(ctx context.Context, gh github.GH, legacy *config.Legacy, src github.Source) (*legacyCfg, error) {
	merr := multierror.New("invalid directory configuration")

	sheriff, err := getSheriffCfg(ctx, gh, src, legacy.SheriffPermissionsPath)
	if err != nil {
		merr.Push(err)
	}

	cncf, err := getCNCFCfg(ctx, gh, src, legacy.CNCFPeoplePath)
	if err != nil {
		merr.Push(err)
	}

	if merr.HasErrors() {
		return nil, merr
	}
	return &legacyCfg{
		sheriff: sheriff,
		cncf:    cncf,
	}, nil
}

// sheriffCfg represents the permissions file.
// https://github.com/electron/sheriff#permissions-file
type sheriffCfg struct {
	Teams []sheriffTeam `yaml:"teams"`
}

type sheriffTeam struct {
	Name        string   `yaml:"name"`
	Maintainers []string `yaml:"maintainers,omitempty"`
	Members     []string `yaml:"members,omitempty"`
	Formation   []string `yaml:"formation,omitempty"`
}

func getSheriffCfg(ctx context.Context, gh github.GH, src github.Source, path string) (*sheriffCfg, error) {
	content, err := gh.GetFileContent(ctx, src, path)
	if err != nil {
		return nil, errors.Wrap(err, "error getting permissions file")
	}
	cfg := &sheriffCfg{}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing permissions file")
	}

	cfg.processCompositeTeams()
	cfg.removeDuplicates()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// processCompositeTeams extends each team's maintainers and members with
// the maintainers and members of the teams listed in its formation field.
func (c *sheriffCfg) processCompositeTeams() {
	teamsCopy := make([]sheriffTeam, len(c.Teams))
	for i, team := range c.Teams {
		teamsCopy[i] = sheriffTeam{
			Name:        team.Name,
			Maintainers: append([]string{}, team.Maintainers...),
			Members:     append([]string{}, team.Members...),
		}
	}

	for i := range c.Teams {
		team := &c.Teams[i]
		for _, sourceName := range team.Formation {
			for _, sourceTeam := range teamsCopy {
				if sourceTeam.Name == sourceName {
					team.Maintainers = append(team.Maintainers, sourceTeam.Maintainers...)
					team.Members = append(team.Members, sourceTeam.Members...)
				}
			}
		}
	}
}

// removeDuplicates sorts and dedups each team's maintainers and members.
func (c *sheriffCfg) removeDuplicates() {
	for i := range c.Teams {
		c.Teams[i].Maintainers = sortDedup(c.Teams[i].Maintainers)
		c.Teams[i].Members = sortDedup(c.Teams[i].Members)
	}
}

func (c *sheriffCfg) validate() error {
	merr := multierror.New("")

	teamsSeen := map[string]struct{}{}
	for i, team := range c.Teams {
		// Define id to be used in subsequent error messages. When
		// available, it'll be the team name. Otherwise we'll use its index
		// on the list.
		id := team.Name
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}

		// Name must be provided
		if team.Name == "" {
			merr.Push(fmt.Errorf("team[%s]: name must be provided", id))
		}

		// Name must be valid
		if !validTeamName.MatchString(team.Name) {
			merr.Push(fmt.Errorf("team[%s]: name must be lowercase alphanumeric with dashes (team slug)", id))
		}

		// No duplicate config per team
		if team.Name != "" {
			if _, seen := teamsSeen[team.Name]; seen {
				merr.Push(fmt.Errorf("team[%s]: duplicate config for team %s", id, team.Name))
				continue
			}
			teamsSeen[team.Name] = struct{}{}
		}

		// At least one maintainer required
		if len(team.Maintainers) == 0 {
			merr.Push(fmt.Errorf("team[%s]: must have at least one maintainer", id))
		}

		// Users should be either a maintainer or a member, but not both
		for _, maintainer := range team.Maintainers {
			if contains(team.Members, maintainer) {
				merr.Push(fmt.Errorf("team[%s]: %s must be either a maintainer or a member, but not both", id, maintainer))
			}
		}
	}

	return merr.ErrorOrNil()
}

// cncfCfg represents the CNCF people file.
// https://github.com/cncf/people/tree/main#listing-format
type cncfCfg struct {
	People []cncfUser
}

type cncfUser struct {
	Name      string   `json:"name"`
	Bio       string   `json:"bio"`
	Company   string   `json:"company"`
	Pronouns  string   `json:"pronouns"`
	Location  string   `json:"location"`
	LinkedIn  string   `json:"linkedin"`
	Twitter   string   `json:"twitter"`
	GitHub    string   `json:"github"`
	WeChat    string   `json:"wechat"`
	Website   string   `json:"website"`
	YouTube   string   `json:"youtube"`
	Languages []string `json:"languages"`
	Projects  []string `json:"projects"`
	Category  []string `json:"category"`
	Email     string   `json:"email"`
	SlackID   string   `json:"slack_id"`
	Image     string   `json:"image"`
}

func getCNCFCfg(ctx context.Context, gh github.GH, src github.Source, path string) (*cncfCfg, error) {
	if path == "" {
		return nil, nil
	}

	content, err := gh.GetFileContent(ctx, src, path)
	if err != nil {
		return nil, errors.Wrap(err, "error getting cncf people file")
	}
	cfg := &cncfCfg{}
	if err := json.Unmarshal([]byte(content), &cfg.People); err != nil {
		return nil, errors.Wrap(err, "error parsing cncf people file")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *cncfCfg) validate() error {
	merr := multierror.New("")

	for i, user := range c.People {
		// Name must be provided
		if user.Name == "" {
			merr.Push(fmt.Errorf("user[%d]: name must be provided", i))
		}
	}

	return merr.ErrorOrNil()
}

func sortDedup(values []string) []string {
	if len(values) == 0 {
		return values
	}
	sort.Strings(values)
	deduped := values[:1]
	for _, value := range values[1:] {
		if value != deduped[len(deduped)-1] {
			deduped = append(deduped, value)
		}
	}
	return deduped
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
