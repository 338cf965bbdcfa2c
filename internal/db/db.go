// Package db defines the audit store where reconciliations and the changes
// applied during them are registered, as well as an in-memory
// implementation of it.
//
// A relational implementation would use the following schema:
//
//	reconciliation (
//	    reconciliation_id uuid primary key,
//	    organization text not null,
//	    error text,
//	    pr_number bigint,
//	    pr_created_by text,
//	    pr_merged_by text,
//	    pr_merged_at timestamptz,
//	    completed_at timestamptz not null
//	)
//
//	change (
//	    change_id uuid primary key,
//	    reconciliation_id uuid references reconciliation,
//	    service text not null,
//	    kind text not null,
//	    extra jsonb,
//	    applied_at timestamptz not null,
//	    error text,
//	    keywords text[]
//	)
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clowarden-project/clowarden/internal/services"
)

// DB defines the operations a store implementation must support.
type DB interface {
	// RegisterReconciliation registers the reconciliation provided, along
	// with the changes applied during it on each service.
	RegisterReconciliation(
		ctx context.Context,
		input *ReconciliationInput,
		changesApplied map[services.ServiceName]services.ChangesApplied,
		errs map[services.ServiceName]error,
	) error

	// SearchChanges returns the total number of changes matching the input
	// provided and a page of them encoded as JSON.
	SearchChanges(ctx context.Context, input *SearchChangesInput) (int, []byte, error)
}

// ReconciliationInput represents the reconciliation being registered.
type ReconciliationInput struct {
	OrgName     string
	PRNumber    *int
	PRCreatedBy string
	PRMergedBy  string
	PRMergedAt  *time.Time
}

// SearchChangesInput represents the filters used when searching changes.
type SearchChangesInput struct {
	Limit               int        `json:"limit,omitempty"`
	Offset              int        `json:"offset,omitempty"`
	Service             []string   `json:"service,omitempty"`
	Kind                []string   `json:"kind,omitempty"`
	AppliedFrom         *time.Time `json:"applied_from,omitempty"`
	AppliedTo           *time.Time `json:"applied_to,omitempty"`
	PRNumber            *int       `json:"pr_number,omitempty"`
	PRMergedBy          string     `json:"pr_merged_by,omitempty"`
	AppliedSuccessfully *bool      `json:"applied_successfully,omitempty"`
	TSQueryWeb          string     `json:"ts_query_web,omitempty"`
}

// ChangeRow represents a change registered in the store.
type ChangeRow struct {
	ChangeID         uuid.UUID              `json:"change_id"`
	ReconciliationID uuid.UUID              `json:"reconciliation_id"`
	Service          string                 `json:"service"`
	Kind             string                 `json:"kind"`
	Extra            map[string]interface{} `json:"extra,omitempty"`
	AppliedAt        time.Time              `json:"applied_at"`
	Error            string                 `json:"error,omitempty"`
	Keywords         []string               `json:"-"`
	PRNumber         *int                   `json:"pr_number,omitempty"`
	PRCreatedBy      string                 `json:"pr_created_by,omitempty"`
	PRMergedBy       string                 `json:"pr_merged_by,omitempty"`
}

// reconciliationRow represents a reconciliation registered in the store.
type reconciliationRow struct {
	ReconciliationID uuid.UUID  `json:"reconciliation_id"`
	OrgName          string     `json:"organization"`
	Error            string     `json:"error,omitempty"`
	PRNumber         *int       `json:"pr_number,omitempty"`
	PRCreatedBy      string     `json:"pr_created_by,omitempty"`
	PRMergedBy       string     `json:"pr_merged_by,omitempty"`
	PRMergedAt       *time.Time `json:"pr_merged_at,omitempty"`
	CompletedAt      time.Time  `json:"completed_at"`
}

// LocalDB is an in-memory DB implementation.
type LocalDB struct {
	mu              sync.RWMutex
	reconciliations []*reconciliationRow
	changes         []*ChangeRow
}

// NewLocalDB creates a new LocalDB instance.
func NewLocalDB() *LocalDB {
	return &LocalDB{}
}

func (db *LocalDB) RegisterReconciliation(
	_ context.Context,
	input *ReconciliationInput,
	changesApplied map[services.ServiceName]services.ChangesApplied,
	errs map[services.ServiceName]error,
) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Register reconciliation entry. Errors from the services that could
	// not be reconciled at all are aggregated on it.
	reconciliation := &reconciliationRow{
		ReconciliationID: uuid.New(),
		OrgName:          input.OrgName,
		PRNumber:         input.PRNumber,
		PRCreatedBy:      input.PRCreatedBy,
		PRMergedBy:       input.PRMergedBy,
		PRMergedAt:       input.PRMergedAt,
		CompletedAt:      time.Now(),
	}
	var errorLines []string
	for _, serviceName := range sortedServiceNames(errs) {
		errorLines = append(errorLines, fmt.Sprintf("%s: %s", serviceName, errs[serviceName]))
	}
	reconciliation.Error = strings.Join(errorLines, "\n")
	db.reconciliations = append(db.reconciliations, reconciliation)

	// Register changes applied
	for _, serviceName := range sortedServiceNames(changesApplied) {
		for _, changeApplied := range changesApplied[serviceName] {
			details := changeApplied.Change.Details()
			keywords := changeApplied.Change.Keywords()
			if input.PRNumber != nil {
				keywords = append(keywords, fmt.Sprintf("%d", *input.PRNumber))
			}
			if input.PRCreatedBy != "" {
				keywords = append(keywords, input.PRCreatedBy)
			}
			if input.PRMergedBy != "" {
				keywords = append(keywords, input.PRMergedBy)
			}
			db.changes = append(db.changes, &ChangeRow{
				ChangeID:         uuid.New(),
				ReconciliationID: reconciliation.ReconciliationID,
				Service:          serviceName,
				Kind:             details.Kind,
				Extra:            details.Extra,
				AppliedAt:        changeApplied.AppliedAt,
				Error:            changeApplied.Error,
				Keywords:         keywords,
				PRNumber:         input.PRNumber,
				PRCreatedBy:      input.PRCreatedBy,
				PRMergedBy:       input.PRMergedBy,
			})
		}
	}

	return nil
}

func (db *LocalDB) SearchChanges(_ context.Context, input *SearchChangesInput) (int, []byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var matches []*ChangeRow
	for _, change := range db.changes {
		if changeMatches(change, input) {
			matches = append(matches, change)
		}
	}

	// Most recently applied changes first
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].AppliedAt.After(matches[j].AppliedAt)
	})

	total := len(matches)
	offset := input.Offset
	if offset > total {
		offset = total
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := matches[offset:end]
	if page == nil {
		page = []*ChangeRow{}
	}

	data, err := json.Marshal(page)
	if err != nil {
		return 0, nil, err
	}
	return total, data, nil
}

func changeMatches(change *ChangeRow, input *SearchChangesInput) bool {
	if len(input.Service) > 0 && !containsString(input.Service, change.Service) {
		return false
	}
	if len(input.Kind) > 0 && !containsString(input.Kind, change.Kind) {
		return false
	}
	if input.AppliedFrom != nil && change.AppliedAt.Before(*input.AppliedFrom) {
		return false
	}
	if input.AppliedTo != nil && change.AppliedAt.After(*input.AppliedTo) {
		return false
	}
	if input.PRNumber != nil && (change.PRNumber == nil || *change.PRNumber != *input.PRNumber) {
		return false
	}
	if input.PRMergedBy != "" && change.PRMergedBy != input.PRMergedBy {
		return false
	}
	if input.AppliedSuccessfully != nil && *input.AppliedSuccessfully != (change.Error == "") {
		return false
	}
	if input.TSQueryWeb != "" {
		// Every term in the query must match some keyword
		for _, term := range strings.Fields(strings.ToLower(input.TSQueryWeb)) {
			if !keywordsMatch(change.Keywords, term) {
				return false
			}
		}
	}
	return true
}

func keywordsMatch(keywords []string, term string) bool {
	for _, keyword := range keywords {
		if strings.Contains(strings.ToLower(keyword), term) {
			return true
		}
	}
	return false
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func sortedServiceNames[V any](m map[services.ServiceName]V) []services.ServiceName {
	names := make([]services.ServiceName, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
