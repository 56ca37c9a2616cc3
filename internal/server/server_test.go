package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("fieldline-test")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/leads", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestDispatchFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// three targets, two agents
	for _, lead := range []map[string]any{
		{"id": "l1", "name": "North Yard", "location": map[string]float64{"lat": 48.90, "lng": 2.35}},
		{"id": "l2", "name": "Mid Depot", "location": map[string]float64{"lat": 48.86, "lng": 2.35}},
		{"id": "l3", "name": "South Plant", "location": map[string]float64{"lat": 48.80, "lng": 2.35}},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", lead, actorHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create lead: %d %s", res.StatusCode, string(data))
		}
	}
	for _, agent := range []map[string]any{
		{"id": "a-near", "name": "Near", "status": "available", "location": map[string]float64{"lat": 48.85, "lng": 2.35}},
		{"id": "a-far", "name": "Far", "status": "available", "location": map[string]float64{"lat": 50.0, "lng": 2.35}},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", agent, actorHeader)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create agent: %d %s", res.StatusCode, string(data))
		}
	}

	// nearest-agent ranking from the middle target
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/agents/nearest?lat=48.86&lng=2.35", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("nearest: %d %s", res.StatusCode, string(data))
	}
	var ranked []struct {
		Agent    domain.Agent `json:"agent"`
		Distance float64      `json:"distance"`
	}
	if err := json.Unmarshal(data, &ranked); err != nil {
		t.Fatalf("unmarshal ranking: %v", err)
	}
	if len(ranked) != 2 || ranked[0].Agent.ID != "a-near" {
		t.Fatalf("unexpected ranking: %s", string(data))
	}

	// bulk priority + assign all to the nearest agent
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatch", map[string]any{
		"target_ids": []string{"l1", "l2", "l3"},
		"bulk": map[string]any{
			"apply_details":      true,
			"priority":           "high",
			"estimated_duration": 45,
			"assign_agent_id":    ranked[0].Agent.ID,
		},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("dispatch: %d %s", res.StatusCode, string(data))
	}
	var result struct {
		Missions []domain.Mission `json:"missions"`
		Rejected []string         `json:"rejected"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Missions) != 3 || len(result.Rejected) != 0 {
		t.Fatalf("unexpected result: %s", string(data))
	}
	for _, m := range result.Missions {
		if m.Priority != "high" || m.AgentID != "a-near" || m.Status != "new" {
			t.Fatalf("unexpected mission: %+v", m)
		}
	}
}

func TestDispatchNothingToSubmit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{"id": "l1", "name": "Lone"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lead: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatch", map[string]any{
		"target_ids": []string{"l1"},
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
}

func TestMissionTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{"id": "l1", "name": "Lead"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lead: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents", map[string]any{"id": "a1", "name": "Agent", "status": "available"}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dispatch", map[string]any{
		"target_ids": []string{"l1"},
		"bulk":       map[string]any{"assign_agent_id": "a1"},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("dispatch: %d %s", res.StatusCode, string(data))
	}
	var result struct {
		Missions []domain.Mission `json:"missions"`
	}
	_ = json.Unmarshal(data, &result)
	missionID := result.Missions[0].ID

	// new -> completed skips accepted
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+missionID+"/status", map[string]any{"status": "completed"}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+missionID+"/status", map[string]any{"status": "accepted"}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+missionID+"/status", map[string]any{"status": "completed"}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
}

func TestSearchAndGeometry(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"id": "l1", "name": "Qualified Big", "status": "qualified", "value": 9000,
		"location": map[string]float64{"lat": 10, "lng": 10},
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lead: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/leads", map[string]any{
		"id": "l2", "name": "New Small", "value": 10,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lead: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/search?status=qualified&min_value=1000", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search: %d %s", res.StatusCode, string(data))
	}
	var searchResult struct {
		Query string        `json:"query"`
		Items []domain.Lead `json:"items"`
	}
	if err := json.Unmarshal(data, &searchResult); err != nil {
		t.Fatalf("unmarshal search: %v", err)
	}
	if searchResult.Query != "min_value=1000&status=qualified" {
		t.Fatalf("query not canonical: %q", searchResult.Query)
	}
	if len(searchResult.Items) != 1 || searchResult.Items[0].ID != "l1" {
		t.Fatalf("unexpected items: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/geometry/circle?lat=10&lng=10&radius=5&segments=32", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("circle: %d %s", res.StatusCode, string(data))
	}
	var ring struct {
		Points []map[string]float64 `json:"points"`
	}
	if err := json.Unmarshal(data, &ring); err != nil {
		t.Fatalf("unmarshal ring: %v", err)
	}
	if len(ring.Points) != 33 {
		t.Fatalf("expected closed 33-point ring, got %d", len(ring.Points))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/geometry/circle?lat=95&lng=10", nil, actorHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad coordinate, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/leads/heatmap", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heatmap: %d %s", res.StatusCode, string(data))
	}
	var pts []map[string]any
	if err := json.Unmarshal(data, &pts); err != nil {
		t.Fatalf("unmarshal heatmap: %v", err)
	}
	if len(pts) != 1 {
		t.Fatalf("expected one geocoded density point, got %d", len(pts))
	}
}
