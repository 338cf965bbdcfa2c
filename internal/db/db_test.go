package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowarden-project/clowarden/internal/directory"
	"github.com/clowarden-project/clowarden/internal/services"
)

func registerSampleReconciliation(t *testing.T, ldb *LocalDB) {
	t.Helper()

	prNumber := 42
	input := &ReconciliationInput{
		OrgName:     "org1",
		PRNumber:    &prNumber,
		PRCreatedBy: "user1",
		PRMergedBy:  "user2",
	}
	changesApplied := map[services.ServiceName]services.ChangesApplied{
		"github": {
			{
				Change:    &directory.TeamAdded{Team: directory.Team{Name: "team1"}},
				AppliedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			},
			{
				Change:    &directory.TeamMemberAdded{TeamName: "team1", UserName: "member1"},
				Error:     "fake error",
				AppliedAt: time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC),
			},
		},
	}
	errs := map[services.ServiceName]error{
		"otherservice": errors.New("something went wrong"),
	}

	require.NoError(t, ldb.RegisterReconciliation(context.Background(), input, changesApplied, errs))
}

func TestRegisterReconciliation(t *testing.T) {
	ldb := NewLocalDB()
	registerSampleReconciliation(t, ldb)

	require.Len(t, ldb.reconciliations, 1)
	reconciliation := ldb.reconciliations[0]
	assert.Equal(t, "org1", reconciliation.OrgName)
	assert.Equal(t, "otherservice: something went wrong", reconciliation.Error)
	assert.False(t, reconciliation.CompletedAt.IsZero())

	require.Len(t, ldb.changes, 2)
	change := ldb.changes[0]
	assert.Equal(t, reconciliation.ReconciliationID, change.ReconciliationID)
	assert.Equal(t, "github", change.Service)
	assert.Equal(t, "team-added", change.Kind)
	assert.Empty(t, change.Error)
	assert.Equal(t, "fake error", ldb.changes[1].Error)

	// Keywords include the PR metadata to facilitate searches
	assert.Contains(t, change.Keywords, "42")
	assert.Contains(t, change.Keywords, "user1")
	assert.Contains(t, change.Keywords, "user2")
}

func TestSearchChanges(t *testing.T) {
	ldb := NewLocalDB()
	registerSampleReconciliation(t, ldb)

	checkSearch := func(t *testing.T, input *SearchChangesInput, expectedKinds ...string) {
		t.Helper()
		total, data, err := ldb.SearchChanges(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, len(expectedKinds), total)
		var rows []*ChangeRow
		require.NoError(t, json.Unmarshal(data, &rows))
		require.Len(t, rows, len(expectedKinds))
		for i, kind := range expectedKinds {
			assert.Equal(t, kind, rows[i].Kind)
		}
	}

	t.Run("no filters returns everything, most recent first", func(t *testing.T) {
		checkSearch(t, &SearchChangesInput{}, "team-member-added", "team-added")
	})

	t.Run("filter by kind", func(t *testing.T) {
		checkSearch(t, &SearchChangesInput{Kind: []string{"team-added"}}, "team-added")
	})

	t.Run("filter by service", func(t *testing.T) {
		checkSearch(t, &SearchChangesInput{Service: []string{"otherservice"}})
	})

	t.Run("filter by success", func(t *testing.T) {
		success := true
		checkSearch(t, &SearchChangesInput{AppliedSuccessfully: &success}, "team-added")
	})

	t.Run("filter by applied from", func(t *testing.T) {
		from := time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)
		checkSearch(t, &SearchChangesInput{AppliedFrom: &from}, "team-member-added")
	})

	t.Run("filter by pr number and merged by", func(t *testing.T) {
		prNumber := 42
		checkSearch(
			t,
			&SearchChangesInput{PRNumber: &prNumber, PRMergedBy: "user2"},
			"team-member-added", "team-added",
		)
	})

	t.Run("text query matches keywords", func(t *testing.T) {
		checkSearch(t, &SearchChangesInput{TSQueryWeb: "member1"}, "team-member-added")
		checkSearch(t, &SearchChangesInput{TSQueryWeb: "team1"}, "team-member-added", "team-added")
		checkSearch(t, &SearchChangesInput{TSQueryWeb: "team1 nomatch"})
	})

	t.Run("pagination", func(t *testing.T) {
		total, data, err := ldb.SearchChanges(context.Background(), &SearchChangesInput{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		var rows []*ChangeRow
		require.NoError(t, json.Unmarshal(data, &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "team-added", rows[0].Kind)
	})
}
