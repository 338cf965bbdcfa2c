package githubsvc

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/multierror"
)

var validTeamName = regexp.MustCompile(`^[a-z0-9\-]+$`)

// sheriffCfg is the repositories section of the permissions file.
// https://github.com/electron/sheriff#permissions-file
type sheriffCfg struct {
	Repositories []*Repository `yaml:"repositories"`
}

func getSheriffCfg(ctx context.Context, gh github.GH, src github.Source, path string) (*sheriffCfg, error) {
	content, err := gh.GetFileContent(ctx, src, path)
	if err != nil {
		return nil, errors.Wrap(err, "error getting sheriff permissions file")
	}
	cfg := &sheriffCfg{}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing permissions file")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *sheriffCfg) validate() error {
	merr := multierror.New("")

	reposSeen := map[string]struct{}{}
	for i, repo := range c.Repositories {
		// Define id to be used in subsequent error messages. When
		// available, it'll be the repo name. Otherwise we'll use its index
		// on the list.
		id := repo.Name
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}

		// Name must be provided
		if repo.Name == "" {
			merr.Push(fmt.Errorf("repo[%s]: name must be provided", id))
		}

		// No duplicate config per repo
		if repo.Name != "" {
			if _, seen := reposSeen[repo.Name]; seen {
				merr.Push(fmt.Errorf("repo[%s]: duplicate config for repo %s", id, repo.Name))
				continue
			}
			reposSeen[repo.Name] = struct{}{}
		}

		// Teams names must be valid
		for _, teamName := range sortedKeys(repo.Teams) {
			if !validTeamName.MatchString(teamName) {
				merr.Push(fmt.Errorf("repo[%s]: team[%s] name must be lowercase alphanumeric with dashes (team slug)", id, teamName))
			}
		}
	}

	return merr.ErrorOrNil()
}
