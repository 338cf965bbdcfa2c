package githubsvc

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Repository represents a repository's access configuration.
type Repository struct {
	Name          string          `json:"name"`
	Collaborators map[string]Role `json:"collaborators,omitempty"`
	Teams         map[string]Role `json:"teams,omitempty"`
	Visibility    Visibility      `json:"visibility,omitempty"`
}

// repositoryYAML mirrors Repository for YAML decoding, accepting
// external_collaborators as an alias of collaborators.
type repositoryYAML struct {
	Name                  string          `yaml:"name"`
	Collaborators         map[string]Role `yaml:"collaborators,omitempty"`
	ExternalCollaborators map[string]Role `yaml:"external_collaborators,omitempty"`
	Teams                 map[string]Role `yaml:"teams,omitempty"`
	Visibility            Visibility      `yaml:"visibility,omitempty"`
}

func (r *Repository) UnmarshalYAML(value *yaml.Node) error {
	var raw repositoryYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Name = raw.Name
	r.Collaborators = raw.Collaborators
	if r.Collaborators == nil {
		r.Collaborators = raw.ExternalCollaborators
	}
	r.Teams = raw.Teams
	r.Visibility = raw.Visibility
	return nil
}

func (r Repository) MarshalYAML() (interface{}, error) {
	return repositoryYAML{
		Name:          r.Name,
		Collaborators: r.Collaborators,
		Teams:         r.Teams,
		Visibility:    r.Visibility,
	}, nil
}

// Role is the role a user or team may have been assigned on a repository.
// Roles are ordered by the privileges they grant.
type Role int

const (
	RoleRead Role = iota
	RoleTriage
	RoleWrite
	RoleMaintain
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleRead:     "read",
	RoleTriage:   "triage",
	RoleWrite:    "write",
	RoleMaintain: "maintain",
	RoleAdmin:    "admin",
}

func (r Role) String() string {
	return roleNames[r]
}

// ParseRole returns the role named, falling back to read for anything it
// does not recognize.
func ParseRole(name string) Role {
	for role, roleName := range roleNames {
		if roleName == name {
			return role
		}
	}
	return RoleRead
}

// RoleFromPermissions returns the highest role granted by the permissions
// map the API attaches to teams and collaborators.
func RoleFromPermissions(permissions map[string]bool) Role {
	switch {
	case permissions["admin"]:
		return RoleAdmin
	case permissions["maintain"]:
		return RoleMaintain
	case permissions["push"]:
		return RoleWrite
	case permissions["triage"]:
		return RoleTriage
	case permissions["pull"]:
		return RoleRead
	}
	return RoleRead
}

// PermissionString returns the permission name the teams and collaborators
// endpoints expect for the role.
func (r Role) PermissionString() string {
	switch r {
	case RoleRead:
		return "pull"
	case RoleWrite:
		return "push"
	default:
		return r.String()
	}
}

func (r Role) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	*r = ParseRole(name)
	return nil
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*r = ParseRole(name)
	return nil
}

// Visibility is a repository's visibility.
type Visibility string

const (
	VisibilityInternal Visibility = "internal"
	VisibilityPrivate  Visibility = "private"
	VisibilityPublic   Visibility = "public"
)

// ParseVisibility returns the visibility named, falling back to public for
// anything it does not recognize.
func ParseVisibility(value string) Visibility {
	switch Visibility(value) {
	case VisibilityInternal, VisibilityPrivate, VisibilityPublic:
		return Visibility(value)
	}
	return VisibilityPublic
}

func (v *Visibility) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	if name == "" {
		*v = ""
		return nil
	}
	parsed := ParseVisibility(name)
	if string(parsed) != name {
		return fmt.Errorf("invalid visibility: %s", name)
	}
	*v = parsed
	return nil
}
