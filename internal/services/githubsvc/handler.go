package githubsvc

import (
	"context"
	"fmt"
	"time"

	gogithub "github.com/google/go-github/v55/github"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/github"
	"github.com/clowarden-project/clowarden/internal/multierror"
	"github.com/clowarden-project/clowarden/internal/services"
)

// ServiceName is the name of the service this handler takes care of.
const ServiceName services.ServiceName = "github"

// Handler is the services.ServiceHandler implementation for GitHub.
type Handler struct {
	gh  github.GH
	svc Svc
}

// NewHandler creates a new Handler instance.
func NewHandler(gh github.GH, svc Svc) *Handler {
	return &Handler{
		gh:  gh,
		svc: svc,
	}
}

// GetChangesSummary returns a summary of the changes detected in the
// configuration at the source provided from the base reference.
func (h *Handler) GetChangesSummary(
	ctx context.Context,
	org *config.Organization,
	head github.Source,
) (*services.ChangesSummary, error) {
	ghCtx := github.NewCtx(org)

	// Prepare head state
	headState, err := NewFromConfig(ctx, h.gh, h.svc, &org.Legacy, ghCtx, head)
	if err != nil {
		return nil, err
	}

	// Prepare base state. When the configuration at the base reference is
	// invalid no changes can be computed, as we cannot know which of the
	// entries in the head reference were already there.
	summary := &services.ChangesSummary{
		BaseRefConfigStatus: services.StatusValid,
	}
	base := github.NewSource(org)
	baseState, err := NewFromConfig(ctx, h.gh, h.svc, &org.Legacy, ghCtx, base)
	if err != nil {
		summary.BaseRefConfigStatus = services.StatusInvalid
		return summary, nil
	}

	// Validate the logins the changes proposed grant access to
	changes := baseState.Diff(headState)
	if err := h.validateUserNames(ctx, ghCtx, changes); err != nil {
		return nil, err
	}

	summary.Changes = changes.Repositories
	return summary, nil
}

// validateUserNames checks that the users granted access by the changes
// provided exist in GitHub under the exact login used in the
// configuration. Invitations for logins with a different case would
// silently target another account. Lookup failures are reported too: a
// change cannot be considered valid when the login could not be verified.
func (h *Handler) validateUserNames(ctx context.Context, ghCtx github.Ctx, changes *Changes) error {
	merr := multierror.New("invalid github service configuration")

	checked := map[string]struct{}{}
	check := func(location, userName string) {
		if _, ok := checked[userName]; ok {
			return
		}
		checked[userName] = struct{}{}
		login, err := h.svc.GetUserLogin(ctx, ghCtx, userName)
		if err != nil {
			if github.IsNotFound(err) {
				merr.Push(fmt.Errorf("%s: user %s does not exist in github", location, userName))
			} else {
				merr.Push(errors.Wrapf(err, "%s: error checking user %s", location, userName))
			}
			return
		}
		if login != userName {
			merr.Push(fmt.Errorf("%s: invalid username %s (please use %s)", location, userName, login))
		}
	}

	for _, change := range changes.Directory {
		if c, ok := change.(*directory.TeamMemberAdded); ok {
			check(fmt.Sprintf("team[%s]", c.TeamName), c.UserName)
		}
	}
	for _, change := range changes.Repositories {
		if c, ok := change.(*CollaboratorAdded); ok {
			check(fmt.Sprintf("repo[%s]", c.RepoName), c.UserName)
		}
	}

	return merr.ErrorOrNil()
}

// Reconcile compares the actual state of the service with the desired one
// from the configuration and applies the changes needed to match them. A
// change that cannot be applied does not stop the reconciliation: the
// error is recorded on the applied change entry and the remaining changes
// are still processed.
func (h *Handler) Reconcile(ctx context.Context, org *config.Organization) (services.ChangesApplied, error) {
	ghCtx := github.NewCtx(org)

	// Prepare actual and desired states
	actual, err := NewFromService(ctx, h.svc, ghCtx)
	if err != nil {
		return nil, errors.Wrap(err, "error getting actual state from service")
	}
	desired, err := NewFromConfig(ctx, h.gh, h.svc, &org.Legacy, ghCtx, github.NewSource(org))
	if err != nil {
		return nil, errors.Wrap(err, "error getting desired state from configuration")
	}
	changes := actual.Diff(desired)

	var applied services.ChangesApplied

	// Apply directory changes, tracking the teams removed: removing a team
	// also revokes its access to every repository, so the corresponding
	// repository changes become no-ops.
	teamsRemoved := map[string]struct{}{}
	for _, change := range changes.Directory {
		err := h.applyDirectoryChange(ctx, ghCtx, change)
		if err == nil {
			if c, ok := change.(*directory.TeamRemoved); ok {
				teamsRemoved[c.TeamName] = struct{}{}
			}
		}
		applied = append(applied, newChangeApplied(org.Name, change, err))
	}

	// Apply repositories changes
	for _, change := range changes.Repositories {
		if c, ok := change.(*TeamRemoved); ok {
			if _, removed := teamsRemoved[c.TeamName]; removed {
				continue
			}
		}
		err := h.applyRepositoryChange(ctx, ghCtx, change)
		if err != nil {
			var aborted *reconciliationAborted
			if errors.As(err, &aborted) {
				return nil, aborted.err
			}
		}
		applied = append(applied, newChangeApplied(org.Name, change, err))
	}

	return applied, nil
}

func (h *Handler) applyDirectoryChange(ctx context.Context, ghCtx github.Ctx, change services.Change) error {
	switch c := change.(type) {
	case *directory.TeamAdded:
		return h.svc.AddTeam(ctx, ghCtx, &c.Team)
	case *directory.TeamRemoved:
		return h.svc.RemoveTeam(ctx, ghCtx, c.TeamName)
	case *directory.TeamMaintainerAdded:
		return h.svc.AddTeamMaintainer(ctx, ghCtx, c.TeamName, c.UserName)
	case *directory.TeamMaintainerRemoved:
		return h.svc.RemoveTeamMaintainer(ctx, ghCtx, c.TeamName, c.UserName)
	case *directory.TeamMemberAdded:
		return h.svc.AddTeamMember(ctx, ghCtx, c.TeamName, c.UserName)
	case *directory.TeamMemberRemoved:
		return h.svc.RemoveTeamMember(ctx, ghCtx, c.TeamName, c.UserName)
	}
	return fmt.Errorf("unsupported change: %s", change.Details().Kind)
}

func (h *Handler) applyRepositoryChange(ctx context.Context, ghCtx github.Ctx, change services.Change) error {
	switch c := change.(type) {
	case *RepositoryAdded:
		return h.svc.AddRepository(ctx, ghCtx, c.Repo)
	case *TeamAdded:
		return h.svc.AddRepositoryTeam(ctx, ghCtx, c.RepoName, c.TeamName, c.Role)
	case *TeamRemoved:
		return h.svc.RemoveRepositoryTeam(ctx, ghCtx, c.RepoName, c.TeamName)
	case *TeamRoleUpdated:
		return h.svc.UpdateRepositoryTeamRole(ctx, ghCtx, c.RepoName, c.TeamName, c.Role)
	case *CollaboratorAdded:
		return h.svc.AddRepositoryCollaborator(ctx, ghCtx, c.RepoName, c.UserName, c.Role)
	case *CollaboratorRemoved:
		// A collaborator who hasn't accepted the invitation yet isn't a
		// collaborator on the service: the invitation must be removed
		// instead.
		invitation, err := h.getRepositoryInvitation(ctx, ghCtx, c.RepoName, c.UserName)
		if err != nil {
			return &reconciliationAborted{err}
		}
		if invitation != nil {
			return h.svc.RemoveRepositoryInvitation(ctx, ghCtx, c.RepoName, invitation.GetID())
		}
		return h.svc.RemoveRepositoryCollaborator(ctx, ghCtx, c.RepoName, c.UserName)
	case *CollaboratorRoleUpdated:
		invitation, err := h.getRepositoryInvitation(ctx, ghCtx, c.RepoName, c.UserName)
		if err != nil {
			return &reconciliationAborted{err}
		}
		if invitation != nil {
			return h.svc.UpdateRepositoryInvitation(ctx, ghCtx, c.RepoName, invitation.GetID(), c.Role)
		}
		return h.svc.UpdateRepositoryCollaboratorRole(ctx, ghCtx, c.RepoName, c.UserName, c.Role)
	case *VisibilityUpdated:
		return h.svc.UpdateRepositoryVisibility(ctx, ghCtx, c.RepoName, c.Visibility)
	}
	return fmt.Errorf("unsupported change: %s", change.Details().Kind)
}

// getRepositoryInvitation returns the pending invitation for the user on
// the repository provided, if any.
func (h *Handler) getRepositoryInvitation(
	ctx context.Context,
	ghCtx github.Ctx,
	repoName, userName string,
) (*gogithub.RepositoryInvitation, error) {
	invitations, err := h.svc.ListRepositoryInvitations(ctx, ghCtx, repoName)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing repository %s invitations", repoName)
	}
	for _, invitation := range invitations {
		if invitation.GetInvitee().GetLogin() == userName {
			return invitation, nil
		}
	}
	return nil, nil
}

// reconciliationAborted wraps an error that must stop the reconciliation
// instead of being recorded on the change it happened on.
type reconciliationAborted struct {
	err error
}

func (e *reconciliationAborted) Error() string {
	return e.err.Error()
}

func newChangeApplied(orgName string, change services.Change, err error) *services.ChangeApplied {
	applied := &services.ChangeApplied{
		Change:    change,
		AppliedAt: time.Now(),
	}
	fields := logrus.Fields{
		"org":     orgName,
		"service": ServiceName,
		"kind":    change.Details().Kind,
	}
	if err != nil {
		applied.Error = err.Error()
		logrus.WithFields(fields).WithError(err).Error("error applying change")
	} else {
		logrus.WithFields(fields).Debug("change applied")
	}
	return applied
}
