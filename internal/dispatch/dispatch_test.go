package dispatch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldline/internal/domain"
	"fieldline/internal/geo"
)

func agent(id string, lat, lng float64, status string, active int) domain.Agent {
	return domain.Agent{
		ID:             id,
		Name:           id,
		Status:         status,
		Location:       &geo.Point{Lat: lat, Lng: lng},
		ActiveMissions: active,
	}
}

func lead(id string, priority string) domain.Lead {
	return domain.Lead{ID: id, Name: id, Priority: priority}
}

func TestRankSortsByDistance(t *testing.T) {
	origin := geo.Point{Lat: 40.0, Lng: -75.0}
	agents := []domain.Agent{
		agent("far", 42.0, -75.0, "available", 0),
		agent("near", 40.1, -75.0, "available", 0),
		agent("mid", 41.0, -75.0, "available", 0),
	}
	ranked := Rank(origin, agents, geo.Kilometers)
	require.Len(t, ranked, 3)
	assert.Equal(t, "near", ranked[0].Agent.ID)
	assert.Equal(t, "mid", ranked[1].Agent.ID)
	assert.Equal(t, "far", ranked[2].Agent.ID)
	assert.Less(t, ranked[0].Distance, ranked[1].Distance)
}

func TestRankFiltersUnavailable(t *testing.T) {
	origin := geo.Point{Lat: 40.0, Lng: -75.0}
	agents := []domain.Agent{
		agent("busy", 40.01, -75.0, "busy", 0),
		agent("offline", 40.02, -75.0, "offline", 0),
		agent("avail", 41.0, -75.0, "available", 0),
	}
	ranked := Rank(origin, agents, geo.Kilometers)
	require.Len(t, ranked, 1)
	assert.Equal(t, "avail", ranked[0].Agent.ID)

	all := RankRoster(origin, agents, geo.Kilometers)
	assert.Len(t, all, 3, "explicit roster ranking keeps every status")
}

func TestRankMissingLocationSortsLast(t *testing.T) {
	origin := geo.Point{Lat: 0, Lng: 0}
	noLoc := domain.Agent{ID: "ghost", Status: "available"}
	agents := []domain.Agent{
		noLoc,
		agent("remote", 60.0, 100.0, "available", 0),
	}
	ranked := Rank(origin, agents, geo.Kilometers)
	require.Len(t, ranked, 2)
	assert.Equal(t, "remote", ranked[0].Agent.ID)
	assert.Equal(t, "ghost", ranked[1].Agent.ID)
	assert.True(t, math.IsInf(ranked[1].Distance, 1))
}

func TestRankTieBreaks(t *testing.T) {
	origin := geo.Point{Lat: 10, Lng: 10}
	a := agent("b-agent", 10.5, 10, "available", 2)
	b := agent("a-agent", 10.5, 10, "available", 2)
	c := agent("loaded", 10.5, 10, "available", 5)
	ranked := Rank(origin, []domain.Agent{c, a, b}, geo.Kilometers)
	require.Len(t, ranked, 3)
	assert.Equal(t, "a-agent", ranked[0].Agent.ID, "equal distance and load breaks on ID")
	assert.Equal(t, "b-agent", ranked[1].Agent.ID)
	assert.Equal(t, "loaded", ranked[2].Agent.ID, "higher active-mission count sorts later")
}

func TestRankDeterministic(t *testing.T) {
	origin := geo.Point{Lat: 40, Lng: -75}
	agents := []domain.Agent{
		agent("x", 40.2, -75.1, "available", 1),
		agent("y", 40.2, -75.1, "available", 1),
		agent("z", 40.9, -75.0, "available", 0),
	}
	first := Rank(origin, agents, geo.Kilometers)
	for i := 0; i < 10; i++ {
		again := Rank(origin, agents, geo.Kilometers)
		assert.Equal(t, first, again)
	}
}

func TestResolveCommitsOnlyAssigned(t *testing.T) {
	targets := []domain.Lead{lead("t1", "normal"), lead("t2", "normal"), lead("t3", "high")}
	drafts := []AssignmentDraft{
		{TargetID: "t1", AgentID: "a1", Priority: "normal"},
		{TargetID: "t2", Priority: "normal"},
		{TargetID: "t3", AgentID: "a2", Priority: "high"},
	}
	res, err := Resolve(targets, drafts, BulkSettings{})
	require.NoError(t, err)
	require.Len(t, res.Committed, 2)
	assert.Equal(t, []string{"t2"}, res.Rejected)
}

func TestResolveNothingToSubmit(t *testing.T) {
	targets := []domain.Lead{lead("t1", "normal")}
	_, err := Resolve(targets, []AssignmentDraft{{TargetID: "t1"}}, BulkSettings{})
	assert.ErrorIs(t, err, ErrNothingToSubmit)
}

func TestResolveDuplicateDraftRejected(t *testing.T) {
	targets := []domain.Lead{lead("t1", "normal")}
	drafts := []AssignmentDraft{
		{TargetID: "t1", AgentID: "a1"},
		{TargetID: "t1", AgentID: "a2"},
	}
	_, err := Resolve(targets, drafts, BulkSettings{})
	assert.Error(t, err)
}

func TestResolveNoDuplicateTargets(t *testing.T) {
	targets := []domain.Lead{lead("t1", "normal"), lead("t2", "normal")}
	drafts := []AssignmentDraft{
		{TargetID: "t1", AgentID: "a1"},
		{TargetID: "t2", AgentID: "a1"},
	}
	res, err := Resolve(targets, drafts, BulkSettings{})
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, a := range res.Committed {
		assert.False(t, seen[a.TargetID], "target %s committed twice", a.TargetID)
		seen[a.TargetID] = true
	}
}

func TestResolveBulkApplyNeverTouchesAgent(t *testing.T) {
	targets := []domain.Lead{lead("t1", "low"), lead("t2", "low")}
	drafts := []AssignmentDraft{
		{TargetID: "t1", AgentID: "a1", Priority: "low"},
		{TargetID: "t2", AgentID: "a2", Priority: "low"},
	}
	res, err := Resolve(targets, drafts, BulkSettings{
		ApplyDetails:      true,
		Priority:          "urgent",
		EstimatedDuration: 45,
		Deadline:          "2026-09-01T12:00:00Z",
	})
	require.NoError(t, err)
	require.Len(t, res.Committed, 2)
	assert.Equal(t, "a1", res.Committed[0].AgentID)
	assert.Equal(t, "a2", res.Committed[1].AgentID)
	for _, a := range res.Committed {
		assert.Equal(t, "urgent", a.Priority)
		assert.Equal(t, 45, a.EstimatedDuration)
	}
}

func TestResolveAssignAllOverridesManualPicks(t *testing.T) {
	targets := []domain.Lead{lead("t1", "normal"), lead("t2", "normal")}
	drafts := []AssignmentDraft{
		{TargetID: "t1", AgentID: "manual-choice", Priority: "normal"},
		{TargetID: "t2", Priority: "normal"},
	}
	res, err := Resolve(targets, drafts, BulkSettings{AssignAgentID: "a9"})
	require.NoError(t, err)
	require.Len(t, res.Committed, 2)
	assert.Empty(t, res.Rejected)
	for _, a := range res.Committed {
		assert.Equal(t, "a9", a.AgentID)
	}
}

func TestDraftSetManualEditAfterBulkSticks(t *testing.T) {
	targets := []domain.Lead{lead("t1", "normal"), lead("t2", "normal"), lead("t3", "normal")}
	s := NewDraftSet(targets)
	require.NoError(t, s.SetAgent("t1", "early-manual"))
	s.AssignAll("bulk-agent")
	require.NoError(t, s.SetAgent("t2", "late-manual"))

	res, err := s.Resolve(targets)
	require.NoError(t, err)
	require.Len(t, res.Committed, 3)
	byTarget := map[string]string{}
	for _, a := range res.Committed {
		byTarget[a.TargetID] = a.AgentID
	}
	assert.Equal(t, "bulk-agent", byTarget["t1"], "pick before bulk action is superseded")
	assert.Equal(t, "late-manual", byTarget["t2"], "edit after bulk action is preserved")
	assert.Equal(t, "bulk-agent", byTarget["t3"])
}

func TestDispatchEndToEnd(t *testing.T) {
	// Three targets, two available agents; bulk priority then assign
	// all to the nearest-looking agent.
	targets := []domain.Lead{lead("t1", "normal"), lead("t2", "normal"), lead("t3", "low")}
	origin := geo.Point{Lat: 40.0, Lng: -75.0}
	roster := []domain.Agent{
		agent("close", 40.05, -75.0, "available", 1),
		agent("distant", 44.0, -75.0, "available", 0),
	}
	ranked := Rank(origin, roster, geo.Kilometers)
	require.NotEmpty(t, ranked)
	nearest := ranked[0].Agent
	assert.Equal(t, "close", nearest.ID)

	s := NewDraftSet(targets)
	s.ApplyBulk("high", 30, "")
	s.AssignAll(nearest.ID)
	res, err := s.Resolve(targets)
	require.NoError(t, err)
	require.Len(t, res.Committed, 3)
	assert.Empty(t, res.Rejected)
	for _, a := range res.Committed {
		assert.Equal(t, "high", a.Priority)
		assert.Equal(t, "close", a.AgentID)
	}
}
