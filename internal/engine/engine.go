package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/dispatch"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/geo"
	"fieldline/internal/repo"
	"fieldline/internal/search"
)

// Engine orchestrates storage, events and config. Target and agent
// lookups go through the repository contracts so tests can rank and
// resolve against deterministic fixtures.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Targets repo.TargetRepository
	Agents  repo.AgentRepository
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Targets: r,
		Agents:  r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Unit returns the configured distance unit.
func (e Engine) Unit() geo.Unit {
	if e.Config != nil {
		if u, err := geo.ParseUnit(e.Config.Dispatch.Unit); err == nil {
			return u
		}
	}
	return geo.Kilometers
}

func (e Engine) ensurePriority(p string) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if !e.Config.PriorityValid(p) {
		return fmt.Errorf("unknown priority %q", p)
	}
	return nil
}

// --- leads ---

// LeadOptions are parameters for creating or updating a lead.
type LeadOptions struct {
	ID         string
	Name       string
	Phone      string
	Email      string
	Address    string
	Location   *geo.Point
	Priority   string
	SafetyFlag *bool
	Value      *float64
	Status     string
	ActorID    string
}

func (e Engine) CreateLead(ctx context.Context, opts LeadOptions) (domain.Lead, error) {
	if opts.Name == "" {
		return domain.Lead{}, errors.New("name is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Priority == "" {
		opts.Priority = e.Config.Priorities.Default
	}
	if err := e.ensurePriority(opts.Priority); err != nil {
		return domain.Lead{}, err
	}
	if opts.Status == "" {
		opts.Status = "new"
	}
	if opts.Location != nil {
		if err := opts.Location.Validate(); err != nil {
			return domain.Lead{}, err
		}
	}
	now := e.timestamp()
	l := domain.Lead{
		ID:        opts.ID,
		Name:      opts.Name,
		Phone:     opts.Phone,
		Email:     opts.Email,
		Address:   opts.Address,
		Location:  opts.Location,
		Priority:  opts.Priority,
		Status:    opts.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.SafetyFlag != nil {
		l.SafetyFlag = *opts.SafetyFlag
	}
	if opts.Value != nil {
		l.Value = *opts.Value
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLead(ctx, tx, l); err != nil {
		return domain.Lead{}, fmt.Errorf("insert lead: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "lead.create", "lead", l.ID, opts.ActorID, events.EventPayload{"status": l.Status}); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

func (e Engine) UpdateLead(ctx context.Context, opts LeadOptions) (domain.Lead, error) {
	l, err := e.Targets.GetLead(ctx, opts.ID)
	if err != nil {
		return domain.Lead{}, err
	}
	if opts.Name != "" {
		l.Name = opts.Name
	}
	if opts.Phone != "" {
		l.Phone = opts.Phone
	}
	if opts.Email != "" {
		l.Email = opts.Email
	}
	if opts.Address != "" {
		l.Address = opts.Address
	}
	if opts.Location != nil {
		if err := opts.Location.Validate(); err != nil {
			return domain.Lead{}, err
		}
		l.Location = opts.Location
	}
	if opts.Priority != "" {
		if err := e.ensurePriority(opts.Priority); err != nil {
			return domain.Lead{}, err
		}
		l.Priority = opts.Priority
	}
	if opts.Status != "" {
		l.Status = opts.Status
	}
	if opts.SafetyFlag != nil {
		l.SafetyFlag = *opts.SafetyFlag
	}
	if opts.Value != nil {
		l.Value = *opts.Value
	}
	l.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
		return domain.Lead{}, err
	}
	if err := e.Events.Append(ctx, tx, "lead.update", "lead", l.ID, opts.ActorID, events.EventPayload{"status": l.Status}); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

func (e Engine) DeleteLead(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteLead(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "lead.delete", "lead", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return e.Targets.GetLead(ctx, id)
}

func (e Engine) ListLeads(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Lead, error) {
	return e.Repo.ListLeads(ctx, limit, cursorCreatedAt, cursorID)
}

// SearchLeads executes a canonical filter query against storage.
func (e Engine) SearchLeads(ctx context.Context, q search.SearchQuery) ([]domain.Lead, error) {
	return e.Repo.SearchLeads(ctx, q)
}

// --- properties ---

type PropertyOptions struct {
	ID       string
	LeadID   string
	Address  string
	Location *geo.Point
	Kind     string
	Notes    string
	ActorID  string
}

func (e Engine) CreateProperty(ctx context.Context, opts PropertyOptions) (domain.Property, error) {
	if opts.Address == "" {
		return domain.Property{}, errors.New("address is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Kind == "" {
		opts.Kind = "residential"
	}
	if opts.Location != nil {
		if err := opts.Location.Validate(); err != nil {
			return domain.Property{}, err
		}
	}
	if opts.LeadID != "" {
		if _, err := e.Targets.GetLead(ctx, opts.LeadID); err != nil {
			return domain.Property{}, err
		}
	}
	now := e.timestamp()
	p := domain.Property{
		ID:        opts.ID,
		Address:   opts.Address,
		Location:  opts.Location,
		Kind:      opts.Kind,
		Notes:     opts.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.LeadID != "" {
		p.LeadID = &opts.LeadID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProperty(ctx, tx, p); err != nil {
		return domain.Property{}, fmt.Errorf("insert property: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "property.create", "property", p.ID, opts.ActorID, nil); err != nil {
		return domain.Property{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Property{}, err
	}
	return p, nil
}

func (e Engine) UpdateProperty(ctx context.Context, opts PropertyOptions) (domain.Property, error) {
	p, err := e.Repo.GetProperty(ctx, opts.ID)
	if err != nil {
		return domain.Property{}, err
	}
	if opts.Address != "" {
		p.Address = opts.Address
	}
	if opts.Location != nil {
		if err := opts.Location.Validate(); err != nil {
			return domain.Property{}, err
		}
		p.Location = opts.Location
	}
	if opts.Kind != "" {
		p.Kind = opts.Kind
	}
	if opts.Notes != "" {
		p.Notes = opts.Notes
	}
	if opts.LeadID != "" {
		if _, err := e.Targets.GetLead(ctx, opts.LeadID); err != nil {
			return domain.Property{}, err
		}
		p.LeadID = &opts.LeadID
	}
	p.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProperty(ctx, tx, p); err != nil {
		return domain.Property{}, err
	}
	if err := e.Events.Append(ctx, tx, "property.update", "property", p.ID, opts.ActorID, nil); err != nil {
		return domain.Property{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Property{}, err
	}
	return p, nil
}

func (e Engine) DeleteProperty(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteProperty(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "property.delete", "property", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	return e.Repo.GetProperty(ctx, id)
}

func (e Engine) ListProperties(ctx context.Context, leadID string) ([]domain.Property, error) {
	return e.Repo.ListProperties(ctx, leadID)
}

// --- agents ---

type AgentOptions struct {
	ID          string
	Name        string
	Status      string
	Location    *geo.Point
	SuccessRate *float64
	ActorID     string
}

func validAgentStatus(s string) bool {
	switch s {
	case "available", "busy", "offline":
		return true
	}
	return false
}

func (e Engine) CreateAgent(ctx context.Context, opts AgentOptions) (domain.Agent, error) {
	if opts.Name == "" {
		return domain.Agent{}, errors.New("name is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Status == "" {
		opts.Status = "offline"
	}
	if !validAgentStatus(opts.Status) {
		return domain.Agent{}, fmt.Errorf("unknown agent status %q", opts.Status)
	}
	if opts.Location != nil {
		if err := opts.Location.Validate(); err != nil {
			return domain.Agent{}, err
		}
	}
	now := e.timestamp()
	a := domain.Agent{
		ID:        opts.ID,
		Name:      opts.Name,
		Status:    opts.Status,
		Location:  opts.Location,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.SuccessRate != nil {
		a.SuccessRate = *opts.SuccessRate
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "agent.create", "agent", a.ID, opts.ActorID, events.EventPayload{"status": a.Status}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) UpdateAgent(ctx context.Context, opts AgentOptions) (domain.Agent, error) {
	a, err := e.Agents.GetAgent(ctx, opts.ID)
	if err != nil {
		return domain.Agent{}, err
	}
	if opts.Name != "" {
		a.Name = opts.Name
	}
	if opts.Status != "" {
		if !validAgentStatus(opts.Status) {
			return domain.Agent{}, fmt.Errorf("unknown agent status %q", opts.Status)
		}
		a.Status = opts.Status
	}
	if opts.Location != nil {
		if err := opts.Location.Validate(); err != nil {
			return domain.Agent{}, err
		}
		a.Location = opts.Location
	}
	if opts.SuccessRate != nil {
		a.SuccessRate = *opts.SuccessRate
	}
	a.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := e.Events.Append(ctx, tx, "agent.update", "agent", a.ID, opts.ActorID, events.EventPayload{"status": a.Status}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) DeleteAgent(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteAgent(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "agent.delete", "agent", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.Agents.GetAgent(ctx, id)
}

func (e Engine) ListAgents(ctx context.Context, status string) ([]domain.Agent, error) {
	return e.Agents.ListAgents(ctx, status)
}

// NearestAgents ranks available agents by distance from origin. A
// non-positive limit returns the full ranking.
func (e Engine) NearestAgents(ctx context.Context, origin geo.Point, limit int) ([]dispatch.RankedAgent, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	agents, err := e.Agents.ListAgents(ctx, "")
	if err != nil {
		return nil, err
	}
	ranked := dispatch.Rank(origin, agents, e.Unit())
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// --- geometry ---

// RadiusOverlay builds the radius-search ring around center, filling
// radius and segments from config when unset.
func (e Engine) RadiusOverlay(center geo.Point, radius float64, segments int) (geo.RadiusCircle, error) {
	if radius == 0 {
		radius = e.Config.Dispatch.DefaultRadius
	}
	if segments == 0 {
		segments = e.Config.Dispatch.CircleSegments
	}
	return geo.Circle(center, radius, e.Unit(), segments)
}

// HeatmapPoints derives the density surface from all geocoded leads,
// weighting by monetary value.
func (e Engine) HeatmapPoints(ctx context.Context) ([]geo.DensityPoint, error) {
	leads, err := e.Repo.LeadsWithLocation(ctx)
	if err != nil {
		return nil, err
	}
	weighted := make([]geo.WeightedPoint, 0, len(leads))
	for _, l := range leads {
		weighted = append(weighted, geo.WeightedPoint{Point: *l.Location, Weight: l.Value})
	}
	return geo.DensityPoints(weighted), nil
}

// --- dispatch ---

// DispatchOptions is one dispatch submission: the selected targets, the
// session drafts, and any bulk actions taken before submit.
type DispatchOptions struct {
	TargetIDs []string
	Drafts    []dispatch.AssignmentDraft
	Bulk      dispatch.BulkSettings
	ActorID   string
}

// DispatchResult reports a submission outcome. Success is per call:
// either every committed assignment became a mission or none did.
type DispatchResult struct {
	Missions []domain.Mission `json:"missions"`
	Rejected []string         `json:"rejected,omitempty"`
}

// DispatchBatch resolves the submission and persists the committed
// assignments as new missions in one transaction, bumping each agent's
// active-mission count.
func (e Engine) DispatchBatch(ctx context.Context, opts DispatchOptions) (DispatchResult, error) {
	if len(opts.TargetIDs) == 0 {
		return DispatchResult{}, errors.New("no targets selected")
	}
	if opts.Bulk.ApplyDetails {
		if err := e.ensurePriority(opts.Bulk.Priority); err != nil {
			return DispatchResult{}, err
		}
	}
	for _, d := range opts.Drafts {
		if d.Priority != "" {
			if err := e.ensurePriority(d.Priority); err != nil {
				return DispatchResult{}, err
			}
		}
	}
	targets, err := e.Targets.ListLeadsByIDs(ctx, opts.TargetIDs)
	if err != nil {
		return DispatchResult{}, err
	}
	if len(targets) != len(opts.TargetIDs) {
		return DispatchResult{}, fmt.Errorf("unknown target in selection: %w", repo.ErrNotFound)
	}

	resolution, err := dispatch.Resolve(targets, opts.Drafts, opts.Bulk)
	if err != nil {
		return DispatchResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DispatchResult{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	res := DispatchResult{Rejected: resolution.Rejected}
	for _, a := range resolution.Committed {
		if _, err := e.Agents.GetAgent(ctx, a.AgentID); err != nil {
			return DispatchResult{}, fmt.Errorf("agent %s: %w", a.AgentID, err)
		}
		duration := a.EstimatedDuration
		if duration == 0 {
			duration = e.Config.Dispatch.DefaultDuration
		}
		priority := a.Priority
		if priority == "" {
			priority = e.Config.Priorities.Default
		}
		m := domain.Mission{
			ID:                uuid.NewString(),
			LeadID:            a.TargetID,
			AgentID:           a.AgentID,
			Status:            "new",
			Priority:          priority,
			EstimatedDuration: duration,
			Notes:             a.Notes,
			CanBeDeclined:     e.Config.Dispatch.Capabilities.CanBeDeclined,
			CanBePaused:       e.Config.Dispatch.Capabilities.CanBePaused,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if a.Deadline != "" {
			deadline := a.Deadline
			m.Deadline = &deadline
		}
		if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
			return DispatchResult{}, fmt.Errorf("insert mission: %w", err)
		}
		if err := e.Repo.AdjustAgentActiveMissions(ctx, tx, a.AgentID, 1); err != nil {
			return DispatchResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "mission.create", "mission", m.ID, opts.ActorID, events.EventPayload{
			"lead_id":  m.LeadID,
			"agent_id": m.AgentID,
			"priority": m.Priority,
		}); err != nil {
			return DispatchResult{}, err
		}
		res.Missions = append(res.Missions, m)
	}
	if err := tx.Commit(); err != nil {
		return DispatchResult{}, err
	}
	return res, nil
}

// --- missions ---

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, id)
}

func (e Engine) ListMissions(ctx context.Context, agentID, status string, limit int, cursorCreatedAt, cursorID string) ([]domain.Mission, error) {
	return e.Repo.ListMissions(ctx, agentID, status, limit, cursorCreatedAt, cursorID)
}

func (e Engine) MissionStatusCounts(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountMissionsByStatus(ctx)
}

// SetMissionStatus applies one lifecycle transition. Terminal statuses
// release the agent's active-mission slot.
func (e Engine) SetMissionStatus(ctx context.Context, id, status, actorID string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := ensureMissionTransition(m, status); err != nil {
		return domain.Mission{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	previous := m.Status
	m.Status = status
	m.UpdatedAt = e.timestamp()
	if status == "completed" {
		now := e.timestamp()
		m.CompletedAt = &now
	}
	if isTerminalMissionStatus(status) {
		if err := e.Repo.AdjustAgentActiveMissions(ctx, tx, m.AgentID, -1); err != nil && err != repo.ErrNotFound {
			return domain.Mission{}, err
		}
	}
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := e.Events.Append(ctx, tx, "mission.status", "mission", m.ID, actorID, events.EventPayload{
		"from": previous,
		"to":   status,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func isTerminalMissionStatus(s string) bool {
	switch s {
	case "completed", "declined", "declined_safety":
		return true
	}
	return false
}

// ensureMissionTransition enforces the mission lifecycle. Declines are
// reachable only from new and paused, and only when the mission carries
// the capability; pausing likewise. Unlisted transitions are rejected,
// never silently ignored.
func ensureMissionTransition(m domain.Mission, newStatus string) error {
	switch m.Status {
	case "new":
		if newStatus == "accepted" {
			return nil
		}
		if (newStatus == "declined" || newStatus == "declined_safety") && m.CanBeDeclined {
			return nil
		}
	case "accepted":
		if newStatus == "completed" {
			return nil
		}
		if newStatus == "paused" && m.CanBePaused {
			return nil
		}
	case "paused":
		if newStatus == "accepted" {
			return nil
		}
		if (newStatus == "declined" || newStatus == "declined_safety") && m.CanBeDeclined {
			return nil
		}
	}
	return fmt.Errorf("invalid mission status transition %s -> %s", m.Status, newStatus)
}

// --- events ---

func (e Engine) ListEvents(ctx context.Context, limit int, beforeID int64) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, limit, beforeID)
}
