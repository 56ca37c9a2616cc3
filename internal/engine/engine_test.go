package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/dispatch"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/geo"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/search"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedAgent(t *testing.T, env testEnv, id string, loc *geo.Point) {
	t.Helper()
	_, err := env.Engine.CreateAgent(env.Ctx, engine.AgentOptions{
		ID: id, Name: "Agent " + id, Status: "available", Location: loc, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", id, err)
	}
}

func seedLead(t *testing.T, env testEnv, id string, loc *geo.Point, value float64) {
	t.Helper()
	_, err := env.Engine.CreateLead(env.Ctx, engine.LeadOptions{
		ID: id, Name: "Lead " + id, Location: loc, Value: &value, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create lead %s: %v", id, err)
	}
}

func f64(v float64) *float64 { return &v }

func TestLeadCRUD(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Engine.CreateLead(env.Ctx, engine.LeadOptions{
		Name:     "Acme",
		Email:    "ops@acme.test",
		Location: &geo.Point{Lat: 48.85, Lng: 2.35},
		Value:    f64(1200),
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	if l.Priority != "normal" || l.Status != "new" {
		t.Fatalf("unexpected defaults: %+v", l)
	}
	l, err = env.Engine.UpdateLead(env.Ctx, engine.LeadOptions{ID: l.ID, Status: "qualified", Priority: "high", ActorID: "tester"})
	if err != nil || l.Status != "qualified" || l.Priority != "high" {
		t.Fatalf("update lead: %v %+v", err, l)
	}
	if err := env.Engine.DeleteLead(env.Ctx, l.ID, "tester"); err != nil {
		t.Fatalf("delete lead: %v", err)
	}
	if _, err := env.Engine.GetLead(env.Ctx, l.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLeadValueResetsToZero(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 900)

	// omitted value leaves the stored one alone
	l, err := env.Engine.UpdateLead(env.Ctx, engine.LeadOptions{ID: "l1", Status: "contacted", ActorID: "tester"})
	if err != nil || l.Value != 900 {
		t.Fatalf("value clobbered by unrelated update: %v %+v", err, l)
	}
	l, err = env.Engine.UpdateLead(env.Ctx, engine.LeadOptions{ID: "l1", Value: f64(0), ActorID: "tester"})
	if err != nil || l.Value != 0 {
		t.Fatalf("value not reset to zero: %v %+v", err, l)
	}
}

func TestAgentSuccessRateResetsToZero(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateAgent(env.Ctx, engine.AgentOptions{
		ID: "a1", Name: "Agent a1", Status: "available", SuccessRate: f64(0.8), ActorID: "tester",
	})
	if err != nil || a.SuccessRate != 0.8 {
		t.Fatalf("create agent: %v %+v", err, a)
	}
	a, err = env.Engine.UpdateAgent(env.Ctx, engine.AgentOptions{ID: "a1", Status: "busy", ActorID: "tester"})
	if err != nil || a.SuccessRate != 0.8 {
		t.Fatalf("rate clobbered by unrelated update: %v %+v", err, a)
	}
	a, err = env.Engine.UpdateAgent(env.Ctx, engine.AgentOptions{ID: "a1", SuccessRate: f64(0), ActorID: "tester"})
	if err != nil || a.SuccessRate != 0 {
		t.Fatalf("rate not reset to zero: %v %+v", err, a)
	}
}

func TestLeadRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateLead(env.Ctx, engine.LeadOptions{Name: "x", Priority: "extreme"}); err == nil {
		t.Fatalf("expected priority error")
	}
	if _, err := env.Engine.CreateLead(env.Ctx, engine.LeadOptions{Name: "x", Location: &geo.Point{Lat: 91}}); !errors.Is(err, geo.ErrInvalidCoordinate) {
		t.Fatalf("expected coordinate error, got %v", err)
	}
}

func TestSearchLeads(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 100)
	seedLead(t, env, "l2", nil, 5000)
	if _, err := env.Engine.UpdateLead(env.Ctx, engine.LeadOptions{ID: "l2", Status: "qualified", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}

	q := search.QueryFromMap(map[string]string{"status": "qualified", "min_value": "1000"})
	leads, err := env.Engine.SearchLeads(env.Ctx, q)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(leads) != 1 || leads[0].ID != "l2" {
		t.Fatalf("unexpected result: %+v", leads)
	}

	// free text matches name
	q = search.QueryFromMap(map[string]string{"q": "Lead l1"})
	leads, err = env.Engine.SearchLeads(env.Ctx, q)
	if err != nil || len(leads) != 1 || leads[0].ID != "l1" {
		t.Fatalf("text search: %v %+v", err, leads)
	}
}

func TestSearchFreeTextEscapesWildcards(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateLead(env.Ctx, engine.LeadOptions{ID: "l1", Name: `C:\ops`, ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	seedLead(t, env, "l2", nil, 0)

	// a trailing backslash stays literal and must not swallow the wildcard
	leads, err := env.Engine.SearchLeads(env.Ctx, search.QueryFromMap(map[string]string{"q": `C:\`}))
	if err != nil || len(leads) != 1 || leads[0].ID != "l1" {
		t.Fatalf("backslash search: %v %+v", err, leads)
	}
	// % and _ are literals, not match-anything
	leads, err = env.Engine.SearchLeads(env.Ctx, search.QueryFromMap(map[string]string{"q": "%"}))
	if err != nil || len(leads) != 0 {
		t.Fatalf("percent must not match everything: %v %+v", err, leads)
	}
}

func TestPropertyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 0)
	p, err := env.Engine.CreateProperty(env.Ctx, engine.PropertyOptions{
		LeadID: "l1", Address: "12 Elm Street", Kind: "commercial", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create property: %v", err)
	}
	got, err := env.Engine.ListProperties(env.Ctx, "l1")
	if err != nil || len(got) != 1 || got[0].ID != p.ID {
		t.Fatalf("list properties: %v %+v", err, got)
	}
	// unknown lead is rejected
	if _, err := env.Engine.CreateProperty(env.Ctx, engine.PropertyOptions{LeadID: "ghost", Address: "x"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNearestAgents(t *testing.T) {
	env := newTestEnv(t)
	origin := geo.Point{Lat: 48.85, Lng: 2.35}
	seedAgent(t, env, "far", &geo.Point{Lat: 50.0, Lng: 2.35})
	seedAgent(t, env, "near", &geo.Point{Lat: 48.9, Lng: 2.35})
	seedAgent(t, env, "nowhere", nil)
	if _, err := env.Engine.CreateAgent(env.Ctx, engine.AgentOptions{ID: "off", Name: "Off", Status: "offline", Location: &origin}); err != nil {
		t.Fatal(err)
	}

	ranked, err := env.Engine.NearestAgents(env.Ctx, origin, 0)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected 3 available agents, got %d", len(ranked))
	}
	if ranked[0].Agent.ID != "near" || ranked[1].Agent.ID != "far" || ranked[2].Agent.ID != "nowhere" {
		t.Fatalf("unexpected order: %s %s %s", ranked[0].Agent.ID, ranked[1].Agent.ID, ranked[2].Agent.ID)
	}

	ranked, err = env.Engine.NearestAgents(env.Ctx, origin, 1)
	if err != nil || len(ranked) != 1 || ranked[0].Agent.ID != "near" {
		t.Fatalf("limit: %v %+v", err, ranked)
	}
}

func TestRadiusOverlayDefaults(t *testing.T) {
	env := newTestEnv(t)
	ring, err := env.Engine.RadiusOverlay(geo.Point{Lat: 10, Lng: 10}, 0, 0)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if ring.Radius != 25 || len(ring.Points) != 65 {
		t.Fatalf("defaults not applied: radius=%v points=%d", ring.Radius, len(ring.Points))
	}
}

func TestHeatmapPoints(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "geocoded", &geo.Point{Lat: 1, Lng: 1}, 100)
	seedLead(t, env, "unresolved", nil, 100)
	pts, err := env.Engine.HeatmapPoints(env.Ctx)
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	if len(pts) != 1 {
		t.Fatalf("expected only geocoded leads, got %d", len(pts))
	}
	if pts[0].Intensity <= 0 {
		t.Fatalf("expected positive intensity, got %v", pts[0].Intensity)
	}
}

func TestDispatchBatchCommitsMissions(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", &geo.Point{Lat: 1, Lng: 1}, 0)
	seedLead(t, env, "l2", &geo.Point{Lat: 1, Lng: 2}, 0)
	seedAgent(t, env, "a1", &geo.Point{Lat: 1, Lng: 1})

	res, err := env.Engine.DispatchBatch(env.Ctx, engine.DispatchOptions{
		TargetIDs: []string{"l1", "l2"},
		Drafts: []dispatch.AssignmentDraft{
			{TargetID: "l1", AgentID: "a1"},
		},
		Bulk:    dispatch.BulkSettings{ApplyDetails: true, Priority: "high", EstimatedDuration: 30},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Missions) != 1 || len(res.Rejected) != 1 || res.Rejected[0] != "l2" {
		t.Fatalf("unexpected result: %+v", res)
	}
	m := res.Missions[0]
	if m.Status != "new" || m.Priority != "high" || m.EstimatedDuration != 30 || m.AgentID != "a1" {
		t.Fatalf("unexpected mission: %+v", m)
	}
	agent, err := env.Engine.GetAgent(env.Ctx, "a1")
	if err != nil || agent.ActiveMissions != 1 {
		t.Fatalf("active missions not bumped: %v %+v", err, agent)
	}
}

func TestDispatchBatchNothingToSubmit(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 0)
	_, err := env.Engine.DispatchBatch(env.Ctx, engine.DispatchOptions{
		TargetIDs: []string{"l1"},
		ActorID:   "tester",
	})
	if !errors.Is(err, dispatch.ErrNothingToSubmit) {
		t.Fatalf("expected ErrNothingToSubmit, got %v", err)
	}
	// nothing persisted
	missions, err := env.Engine.ListMissions(env.Ctx, "", "", 0, "", "")
	if err != nil || len(missions) != 0 {
		t.Fatalf("expected empty mission list: %v %+v", err, missions)
	}
}

func TestDispatchBatchAssignAllOverrides(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 0)
	seedLead(t, env, "l2", nil, 0)
	seedAgent(t, env, "a1", nil)
	seedAgent(t, env, "a2", nil)

	res, err := env.Engine.DispatchBatch(env.Ctx, engine.DispatchOptions{
		TargetIDs: []string{"l1", "l2"},
		Drafts: []dispatch.AssignmentDraft{
			{TargetID: "l1", AgentID: "a1"},
		},
		Bulk:    dispatch.BulkSettings{AssignAgentID: "a2"},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(res.Missions) != 2 || len(res.Rejected) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, m := range res.Missions {
		if m.AgentID != "a2" {
			t.Fatalf("assign-all did not override: %+v", m)
		}
	}
}

func TestDispatchBatchUnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 0)
	_, err := env.Engine.DispatchBatch(env.Ctx, engine.DispatchOptions{
		TargetIDs: []string{"l1", "ghost"},
		Bulk:      dispatch.BulkSettings{AssignAgentID: "a1"},
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// fixtureDirectory backs the engine's repository contracts with in-memory
// data, no database involved.
type fixtureDirectory struct {
	leads  map[string]domain.Lead
	agents []domain.Agent
}

func (f fixtureDirectory) GetLead(_ context.Context, id string) (domain.Lead, error) {
	l, ok := f.leads[id]
	if !ok {
		return domain.Lead{}, repo.ErrNotFound
	}
	return l, nil
}

func (f fixtureDirectory) ListLeadsByIDs(_ context.Context, ids []string) ([]domain.Lead, error) {
	var out []domain.Lead
	for _, id := range ids {
		if l, ok := f.leads[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f fixtureDirectory) GetAgent(_ context.Context, id string) (domain.Agent, error) {
	for _, a := range f.agents {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Agent{}, repo.ErrNotFound
}

func (f fixtureDirectory) ListAgents(_ context.Context, _ string) ([]domain.Agent, error) {
	return f.agents, nil
}

func TestNearestAgentsOverFixtures(t *testing.T) {
	fix := fixtureDirectory{agents: []domain.Agent{
		{ID: "far", Status: "available", Location: &geo.Point{Lat: 50, Lng: 2.35}},
		{ID: "near", Status: "available", Location: &geo.Point{Lat: 48.9, Lng: 2.35}},
	}}
	eng := engine.Engine{Agents: fix, Config: config.Default("ws-1")}

	ranked, err := eng.NearestAgents(context.Background(), geo.Point{Lat: 48.85, Lng: 2.35}, 0)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(ranked) != 2 || ranked[0].Agent.ID != "near" || ranked[1].Agent.ID != "far" {
		t.Fatalf("unexpected ranking: %+v", ranked)
	}
}

func TestDispatchBatchValidatesAgainstFixtures(t *testing.T) {
	fix := fixtureDirectory{leads: map[string]domain.Lead{
		"l1": {ID: "l1", Name: "Lead l1"},
	}}
	eng := engine.Engine{Targets: fix, Agents: fix, Config: config.Default("ws-1")}

	// selection validation trips before any storage transaction
	_, err := eng.DispatchBatch(context.Background(), engine.DispatchOptions{
		TargetIDs: []string{"l1", "ghost"},
		Bulk:      dispatch.BulkSettings{AssignAgentID: "a1"},
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = eng.DispatchBatch(context.Background(), engine.DispatchOptions{
		TargetIDs: []string{"l1"},
	})
	if !errors.Is(err, dispatch.ErrNothingToSubmit) {
		t.Fatalf("expected ErrNothingToSubmit, got %v", err)
	}
}

func dispatchOne(t *testing.T, env testEnv) string {
	t.Helper()
	res, err := env.Engine.DispatchBatch(env.Ctx, engine.DispatchOptions{
		TargetIDs: []string{"l1"},
		Bulk:      dispatch.BulkSettings{AssignAgentID: "a1"},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return res.Missions[0].ID
}

func TestMissionStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 0)
	seedAgent(t, env, "a1", nil)
	id := dispatchOne(t, env)

	// new -> accepted -> paused -> accepted -> completed
	for _, status := range []string{"accepted", "paused", "accepted", "completed"} {
		m, err := env.Engine.SetMissionStatus(env.Ctx, id, status, "agent-a1")
		if err != nil || m.Status != status {
			t.Fatalf("to %s: %v", status, err)
		}
	}
	m, err := env.Engine.GetMission(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	// terminal: no way out
	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "accepted", "agent-a1"); err == nil {
		t.Fatalf("expected terminal rejection")
	}
	agent, err := env.Engine.GetAgent(env.Ctx, "a1")
	if err != nil || agent.ActiveMissions != 0 {
		t.Fatalf("active missions not released: %v %+v", err, agent)
	}
}

func TestMissionUnlistedTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 0)
	seedAgent(t, env, "a1", nil)
	id := dispatchOne(t, env)

	// new -> completed skips accepted
	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "completed", "x"); err == nil {
		t.Fatalf("expected rejection of new -> completed")
	}
	// new -> paused is not a transition
	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "paused", "x"); err == nil {
		t.Fatalf("expected rejection of new -> paused")
	}
}

func TestMissionDeclineGatedOnCapability(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Dispatch.Capabilities.CanBeDeclined = false
	seedLead(t, env, "l1", nil, 0)
	seedAgent(t, env, "a1", nil)
	id := dispatchOne(t, env)

	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "declined", "x"); err == nil {
		t.Fatalf("expected decline to be gated")
	}
	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "declined_safety", "x"); err == nil {
		t.Fatalf("expected safety decline to be gated")
	}
}

func TestMissionDeclineFromPaused(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 0)
	seedAgent(t, env, "a1", nil)
	id := dispatchOne(t, env)

	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "accepted", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "paused", "x"); err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.SetMissionStatus(env.Ctx, id, "declined_safety", "x")
	if err != nil || m.Status != "declined_safety" {
		t.Fatalf("decline from paused: %v", err)
	}
}

func TestMissionPauseGatedOnCapability(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Dispatch.Capabilities.CanBePaused = false
	seedLead(t, env, "l1", nil, 0)
	seedAgent(t, env, "a1", nil)
	id := dispatchOne(t, env)

	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "accepted", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "paused", "x"); err == nil {
		t.Fatalf("expected pause to be gated")
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	seedLead(t, env, "l1", nil, 0)
	seedAgent(t, env, "a1", nil)
	id := dispatchOne(t, env)
	if _, err := env.Engine.SetMissionStatus(env.Ctx, id, "accepted", "agent-a1"); err != nil {
		t.Fatal(err)
	}

	evts, err := env.Engine.ListEvents(env.Ctx, 10, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) < 4 {
		t.Fatalf("expected at least 4 events, got %d", len(evts))
	}
	// newest first
	if evts[0].Type != "mission.status" {
		t.Fatalf("expected mission.status head, got %s", evts[0].Type)
	}
}
