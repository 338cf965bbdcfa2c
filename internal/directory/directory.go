// Package directory defines the types used to represent a directory of
// teams and users, as well as some functionality to create new instances
// from the configuration or compare them.
package directory

import (
	"context"
	"reflect"
	"regexp"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/services"
)

var githubProfileURL = regexp.MustCompile(`^https://github\.com/([^/]+)/?$`)

// Directory is the canonical list of teams and users defined in the
// configuration.
type Directory struct {
	Teams []Team `yaml:"teams" json:"teams"`
	Users []User `yaml:"users,omitempty" json:"users,omitempty"`
}

// Team represents a team in the directory.
type Team struct {
	Name        string            `yaml:"name" json:"name"`
	DisplayName string            `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Maintainers []string          `yaml:"maintainers,omitempty" json:"maintainers,omitempty"`
	Members     []string          `yaml:"members,omitempty" json:"members,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// User represents a person's profile in the directory.
type User struct {
	FullName    string            `yaml:"full_name" json:"full_name"`
	UserName    string            `yaml:"user_name,omitempty" json:"user_name,omitempty"`
	Email       string            `yaml:"email,omitempty" json:"email,omitempty"`
	ImageURL    string            `yaml:"image_url,omitempty" json:"image_url,omitempty"`
	Bio         string            `yaml:"bio,omitempty" json:"bio,omitempty"`
	Website     string            `yaml:"website,omitempty" json:"website,omitempty"`
	Company     string            `yaml:"company,omitempty" json:"company,omitempty"`
	Pronouns    string            `yaml:"pronouns,omitempty" json:"pronouns,omitempty"`
	Location    string            `yaml:"location,omitempty" json:"location,omitempty"`
	SlackID     string            `yaml:"slack_id,omitempty" json:"slack_id,omitempty"`
	LinkedInURL string            `yaml:"linkedin_url,omitempty" json:"linkedin_url,omitempty"`
	TwitterURL  string            `yaml:"twitter_url,omitempty" json:"twitter_url,omitempty"`
	GitHubURL   string            `yaml:"github_url,omitempty" json:"github_url,omitempty"`
	WeChatURL   string            `yaml:"wechat_url,omitempty" json:"wechat_url,omitempty"`
	YouTubeURL  string            `yaml:"youtube_url,omitempty" json:"youtube_url,omitempty"`
	Languages   []string          `yaml:"languages,omitempty" json:"languages,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// NewFromConfig creates a new directory instance from the configuration
// source provided.
func NewFromConfig(ctx context.Context, gh github.GH, legacy *config.Legacy, src github.Source) (*Directory, error) {
	cfg, err := getLegacyCfg(ctx, gh, legacy, src)
	if err != nil {
		return nil, err
	}

	directory := &Directory{}

	// Teams
	for _, team := range cfg.sheriff.Teams {
		directory.Teams = append(directory.Teams, Team{
			Name:        team.Name,
			Maintainers: team.Maintainers,
			Members:     team.Members,
		})
	}

	// Users
	imagesBaseURL := legacy.ImagesBaseURL
	if imagesBaseURL == "" {
		imagesBaseURL = "https://github.com/cncf/people/raw/main/images/"
	}
	if cfg.cncf != nil {
		for _, person := range cfg.cncf.People {
			var userName string
			if matches := githubProfileURL.FindStringSubmatch(person.GitHub); matches != nil {
				userName = matches[1]
			}
			imageURL := person.Image
			if imageURL != "" && !strings.HasPrefix(imageURL, "https://") {
				imageURL = imagesBaseURL + imageURL
			}
			directory.Users = append(directory.Users, User{
				FullName:    person.Name,
				UserName:    userName,
				Email:       person.Email,
				ImageURL:    imageURL,
				Bio:         person.Bio,
				Website:     person.Website,
				Company:     person.Company,
				Pronouns:    person.Pronouns,
				Location:    person.Location,
				SlackID:     person.SlackID,
				LinkedInURL: person.LinkedIn,
				TwitterURL:  person.Twitter,
				GitHubURL:   person.GitHub,
				WeChatURL:   person.WeChat,
				YouTubeURL:  person.YouTube,
				Languages:   person.Languages,
			})
		}
	}

	return directory, nil
}

// Diff returns the changes detected between this directory instance and
// the new one provided. The output is deterministic: entries are emitted
// in lexicographic order and, within a team, removals precede additions.
func (d *Directory) Diff(new *Directory) []services.Change {
	var changes []services.Change

	// Teams
	teamsOld := map[string]*Team{}
	for i := range d.Teams {
		teamsOld[d.Teams[i].Name] = &d.Teams[i]
	}
	teamsNew := map[string]*Team{}
	for i := range new.Teams {
		teamsNew[new.Teams[i].Name] = &new.Teams[i]
	}

	// Teams removed/added
	teamNamesOld := stringSet(mapKeys(teamsOld))
	teamNamesNew := stringSet(mapKeys(teamsNew))
	for _, teamName := range sortedStrings(teamNamesOld.Difference(teamNamesNew)) {
		changes = append(changes, &TeamRemoved{TeamName: teamName})
	}
	for _, teamName := range sortedStrings(teamNamesNew.Difference(teamNamesOld)) {
		changes = append(changes, &TeamAdded{Team: *teamsNew[teamName]})
	}

	// Teams maintainers and members removed/added
	for _, teamName := range sortedStrings(teamNamesNew.Intersect(teamNamesOld)) {
		maintainersOld := stringSet(teamsOld[teamName].Maintainers)
		maintainersNew := stringSet(teamsNew[teamName].Maintainers)
		membersOld := stringSet(teamsOld[teamName].Members)
		membersNew := stringSet(teamsNew[teamName].Members)
		for _, userName := range sortedStrings(maintainersOld.Difference(maintainersNew)) {
			changes = append(changes, &TeamMaintainerRemoved{TeamName: teamName, UserName: userName})
		}
		for _, userName := range sortedStrings(membersOld.Difference(membersNew)) {
			changes = append(changes, &TeamMemberRemoved{TeamName: teamName, UserName: userName})
		}
		for _, userName := range sortedStrings(maintainersNew.Difference(maintainersOld)) {
			changes = append(changes, &TeamMaintainerAdded{TeamName: teamName, UserName: userName})
		}
		for _, userName := range sortedStrings(membersNew.Difference(membersOld)) {
			changes = append(changes, &TeamMemberAdded{TeamName: teamName, UserName: userName})
		}
	}

	// Users
	usersOld := map[string]*User{}
	for i := range d.Users {
		usersOld[d.Users[i].FullName] = &d.Users[i]
	}
	usersNew := map[string]*User{}
	for i := range new.Users {
		usersNew[new.Users[i].FullName] = &new.Users[i]
	}

	// Users removed/added
	userNamesOld := stringSet(mapKeys(usersOld))
	userNamesNew := stringSet(mapKeys(usersNew))
	usersAdded := map[string]struct{}{}
	for _, fullName := range sortedStrings(userNamesOld.Difference(userNamesNew)) {
		changes = append(changes, &UserRemoved{FullName: fullName})
	}
	for _, fullName := range sortedStrings(userNamesNew.Difference(userNamesOld)) {
		changes = append(changes, &UserAdded{FullName: fullName})
		usersAdded[fullName] = struct{}{}
	}

	// Users updated
	for _, fullName := range sortedStrings(userNamesNew) {
		if _, added := usersAdded[fullName]; added {
			// When a user is added the change includes the full user, so
			// we don't want to track additional changes for it
			continue
		}
		if !reflect.DeepEqual(usersOld[fullName], usersNew[fullName]) {
			changes = append(changes, &UserUpdated{FullName: fullName})
		}
	}

	return changes
}

// GetChangesSummary returns a summary of the changes detected in the
// directory from the base to the head reference.
func GetChangesSummary(ctx context.Context, gh github.GH, org *config.Organization, headSrc github.Source) (*services.ChangesSummary, error) {
	directoryHead, err := NewFromConfig(ctx, gh, &org.Legacy, headSrc)
	if err != nil {
		return nil, err
	}

	var changes []services.Change
	baseRefConfigStatus := services.StatusValid
	directoryBase, err := NewFromConfig(ctx, gh, &org.Legacy, github.NewSource(org))
	if err != nil {
		baseRefConfigStatus = services.StatusInvalid
	} else {
		changes = directoryBase.Diff(directoryHead)
	}

	return &services.ChangesSummary{
		Changes:             changes,
		BaseRefConfigStatus: baseRefConfigStatus,
	}, nil
}

// GetTeam returns the team identified by the team name provided.
func (d *Directory) GetTeam(teamName string) *Team {
	for i := range d.Teams {
		if d.Teams[i].Name == teamName {
			return &d.Teams[i]
		}
	}
	return nil
}

// GetUser returns the user identified by the user name provided.
func (d *Directory) GetUser(userName string) *User {
	for i := range d.Users {
		if d.Users[i].UserName == userName {
			return &d.Users[i]
		}
	}
	return nil
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}

func stringSet(values []string) mapset.Set {
	set := mapset.NewThreadUnsafeSet()
	for _, value := range values {
		set.Add(value)
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
