// Package services defines the types and contracts service handlers
// implement: typed changes, change summaries and the reconciliation entry
// points.
package services

import (
	"context"
	"time"

	"github.com/clowarden-project/clowarden/internal/config"
	"github.com/clowarden-project/clowarden/internal/github"
)

// ServiceName identifies a service managed by the reconciler.
type ServiceName = string

// ServiceHandler is implemented by each service the reconciler manages.
type ServiceHandler interface {
	// GetChangesSummary returns a summary of the changes detected in the
	// service's state as defined in the configuration from the base to the
	// head reference.
	GetChangesSummary(ctx context.Context, org *config.Organization, headSrc github.Source) (*ChangesSummary, error)

	// Reconcile applies the changes needed so that the actual state (as
	// defined in the service) matches the desired state (as defined in the
	// configuration).
	Reconcile(ctx context.Context, org *config.Organization) (ChangesApplied, error)
}

// Change is implemented by every typed change a service can detect or
// apply.
type Change interface {
	// Details returns the change kind and its extra payload.
	Details() ChangeDetails

	// Keywords facilitate locating specific changes on searches.
	Keywords() []string

	// TemplateFormat formats the change to be used on a template.
	TemplateFormat() (string, error)
}

// ChangeDetails represents some details about a change.
type ChangeDetails struct {
	Kind  string
	Extra map[string]interface{}
}

// ChangesSummary represents a summary of changes detected in the service's
// state as defined in the configuration from the base to the head
// reference.
type ChangesSummary struct {
	Changes             []Change
	BaseRefConfigStatus BaseRefConfigStatus
}

// ChangesApplied is the ordered list of changes applied during a
// reconciliation.
type ChangesApplied = []*ChangeApplied

// ChangeApplied represents a change applied on a service in an attempt to
// get closer to the desired state.
type ChangeApplied struct {
	Change    Change
	Error     string
	AppliedAt time.Time
}

// BaseRefConfigStatus is the status of the configuration in the base
// reference.
type BaseRefConfigStatus int

const (
	StatusUnknown BaseRefConfigStatus = iota
	StatusValid
	StatusInvalid
)

// IsInvalid checks if the configuration is invalid.
func (s BaseRefConfigStatus) IsInvalid() bool {
	return s == StatusInvalid
}
