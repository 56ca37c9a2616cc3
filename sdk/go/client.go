package fieldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"fieldline/internal/search"
)

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GeoPoint mirrors the API coordinate model.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Lead represents the API lead model (partial).
type Lead struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Address    string    `json:"address,omitempty"`
	Location   *GeoPoint `json:"location,omitempty"`
	Priority   string    `json:"priority"`
	SafetyFlag bool      `json:"safety_flag"`
	Value      float64   `json:"value"`
	Status     string    `json:"status"`
}

// Agent represents a roster entry.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	Location       *GeoPoint `json:"location,omitempty"`
	ActiveMissions int       `json:"active_missions"`
	SuccessRate    float64   `json:"success_rate"`
}

// RankedAgent pairs an agent with its distance from the query origin.
type RankedAgent struct {
	Agent    Agent   `json:"agent"`
	Distance float64 `json:"distance"`
}

// Mission represents a dispatched field task.
type Mission struct {
	ID                string  `json:"id"`
	LeadID            string  `json:"lead_id"`
	AgentID           string  `json:"agent_id"`
	Status            string  `json:"status"`
	Priority          string  `json:"priority"`
	EstimatedDuration int     `json:"estimated_duration"`
	Deadline          *string `json:"deadline,omitempty"`
	CanBeDeclined     bool    `json:"can_be_declined"`
	CanBePaused       bool    `json:"can_be_paused"`
}

// AssignmentDraft is one per-target dispatch draft.
type AssignmentDraft struct {
	TargetID          string `json:"target_id"`
	AgentID           string `json:"agent_id,omitempty"`
	Priority          string `json:"priority,omitempty"`
	EstimatedDuration int    `json:"estimated_duration,omitempty"`
	Deadline          string `json:"deadline,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

// BulkSettings mirrors the dispatch bulk actions.
type BulkSettings struct {
	ApplyDetails      bool   `json:"apply_details,omitempty"`
	Priority          string `json:"priority,omitempty"`
	EstimatedDuration int    `json:"estimated_duration,omitempty"`
	Deadline          string `json:"deadline,omitempty"`
	AssignAgentID     string `json:"assign_agent_id,omitempty"`
}

// DispatchResult reports a submission outcome.
type DispatchResult struct {
	Missions []Mission `json:"missions"`
	Rejected []string  `json:"rejected,omitempty"`
}

// DensityPoint is one heat-map sample.
type DensityPoint struct {
	Point     GeoPoint `json:"point"`
	Intensity float64  `json:"intensity"`
}

// RadiusCircle is the closed radius-search ring.
type RadiusCircle struct {
	Center GeoPoint   `json:"center"`
	Radius float64    `json:"radius"`
	Unit   string     `json:"unit"`
	Points []GeoPoint `json:"points"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
}

// SearchResult is the search endpoint response: the canonical query
// string actually executed plus the matching leads.
type SearchResult struct {
	Query string `json:"query"`
	Items []Lead `json:"items"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateLead creates a lead.
func (c *Client) CreateLead(ctx context.Context, lead Lead) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodPost, "v0/leads", lead, &resp)
	return resp, err
}

// Lead fetches a lead by id.
func (c *Client) Lead(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, "v0/leads/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SearchLeads executes a search with the given filters. Empty values are
// dropped and the query is canonicalized server-side as well.
func (c *Client) SearchLeads(ctx context.Context, filters map[string]string) (SearchResult, error) {
	q := search.QueryFromMap(filters)
	endpoint := "v0/leads/search"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp SearchResult
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Heatmap returns the lead density surface.
func (c *Client) Heatmap(ctx context.Context) ([]DensityPoint, error) {
	var resp []DensityPoint
	err := c.do(ctx, http.MethodGet, "v0/leads/heatmap", nil, &resp)
	return resp, err
}

// NearestAgents ranks available agents by distance from a point.
func (c *Client) NearestAgents(ctx context.Context, lat, lng float64, limit int) ([]RankedAgent, error) {
	endpoint := fmt.Sprintf("v0/agents/nearest?lat=%v&lng=%v", lat, lng)
	if limit > 0 {
		endpoint += fmt.Sprintf("&limit=%d", limit)
	}
	var resp []RankedAgent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Circle fetches the radius-search ring for the map overlay.
func (c *Client) Circle(ctx context.Context, lat, lng, radius float64, segments int) (RadiusCircle, error) {
	endpoint := fmt.Sprintf("v0/geometry/circle?lat=%v&lng=%v", lat, lng)
	if radius > 0 {
		endpoint += fmt.Sprintf("&radius=%v", radius)
	}
	if segments > 0 {
		endpoint += fmt.Sprintf("&segments=%d", segments)
	}
	var resp RadiusCircle
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Dispatch submits a dispatch batch.
func (c *Client) Dispatch(ctx context.Context, targetIDs []string, drafts []AssignmentDraft, bulk BulkSettings) (DispatchResult, error) {
	body := map[string]any{
		"target_ids": targetIDs,
		"drafts":     drafts,
		"bulk":       bulk,
	}
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, "v0/dispatch", body, &resp)
	return resp, err
}

// SetMissionStatus applies a lifecycle transition.
func (c *Client) SetMissionStatus(ctx context.Context, missionID, status string) (Mission, error) {
	body := map[string]string{"status": status}
	var resp Mission
	endpoint := fmt.Sprintf("v0/missions/%s/status", url.PathEscape(missionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Missions lists missions, optionally filtered by agent and status.
func (c *Client) Missions(ctx context.Context, agentID, status string) ([]Mission, error) {
	endpoint := "v0/missions"
	params := url.Values{}
	if agentID != "" {
		params.Set("agent_id", agentID)
	}
	if status != "" {
		params.Set("status", status)
	}
	if enc := params.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Mission
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	// Never write back to c: do runs from concurrent search goroutines.
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// Searcher drives the lead search screen: filter edits are debounced,
// only the query for the final quiescent state is sent, and responses
// arriving after a newer request has been issued are dropped.
type Searcher struct {
	client  *Client
	builder *search.QueryBuilder
	gen     *search.Generation

	mu     sync.Mutex
	onData func(SearchResult)
	onErr  func(error)
}

// NewSearcher builds a debounced searcher over the client. A window of 0
// uses the default debounce.
func NewSearcher(client *Client, window time.Duration, onData func(SearchResult), onErr func(error)) *Searcher {
	s := &Searcher{
		client: client,
		gen:    &search.Generation{},
		onData: onData,
		onErr:  onErr,
	}
	state := search.NewFilterState(search.LeadFilterKeys...)
	s.builder = search.NewQueryBuilder(state, window, s.execute)
	return s
}

// Set updates one filter field, restarting the quiescence window.
func (s *Searcher) Set(key, value string) error {
	return s.builder.Set(key, value)
}

// Flush forces an immediate query, bypassing the debounce.
func (s *Searcher) Flush() {
	s.builder.Flush()
}

// Close tears the searcher down; pending emissions are dropped.
func (s *Searcher) Close() {
	s.builder.Close()
}

func (s *Searcher) execute(q search.SearchQuery) {
	token := s.gen.Next()
	go func() {
		res, err := s.client.SearchLeads(context.Background(), q.Values())
		if !s.gen.Accept(token) {
			// A newer request was issued while this one was in
			// flight; its result must not overwrite newer data.
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			if s.onErr != nil {
				s.onErr(err)
			}
			return
		}
		if s.onData != nil {
			s.onData(res)
		}
	}()
}
