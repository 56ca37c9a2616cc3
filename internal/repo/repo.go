package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fieldline/internal/domain"
	"fieldline/internal/geo"
)

// Repo is the storage layer for leads, properties, agents and missions.
// The engine consumes it through the TargetRepository and AgentRepository
// contracts so tests can swap in deterministic fixtures.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TargetRepository is the consumer contract for target (lead) lookups.
type TargetRepository interface {
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	ListLeadsByIDs(ctx context.Context, ids []string) ([]domain.Lead, error)
}

// AgentRepository is the consumer contract for roster lookups.
type AgentRepository interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context, status string) ([]domain.Agent, error)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func locationArgs(p *geo.Point) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.Lat, p.Lng
}

func locationFromNull(lat, lng sql.NullFloat64) *geo.Point {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
}

// --- leads ---

const leadColumns = `id,name,COALESCE(phone,''),COALESCE(email,''),COALESCE(address,''),lat,lng,priority,safety_flag,value,status,created_at,updated_at`

func scanLead(scan func(dest ...any) error) (domain.Lead, error) {
	var l domain.Lead
	var lat, lng sql.NullFloat64
	var safety int
	err := scan(&l.ID, &l.Name, &l.Phone, &l.Email, &l.Address, &lat, &lng,
		&l.Priority, &safety, &l.Value, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Location = locationFromNull(lat, lng)
	l.SafetyFlag = safety != 0
	return l, nil
}

func (r Repo) InsertLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	lat, lng := locationArgs(l.Location)
	_, err := tx.ExecContext(ctx, `INSERT INTO leads(id,name,phone,email,address,lat,lng,priority,safety_flag,value,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.Name, nullable(l.Phone), nullable(l.Email), nullable(l.Address), lat, lng,
		l.Priority, boolInt(l.SafetyFlag), l.Value, l.Status, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id)
	return scanLead(row.Scan)
}

func (r Repo) UpdateLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	lat, lng := locationArgs(l.Location)
	res, err := tx.ExecContext(ctx, `UPDATE leads SET name=?,phone=?,email=?,address=?,lat=?,lng=?,priority=?,safety_flag=?,value=?,status=?,updated_at=? WHERE id=?`,
		l.Name, nullable(l.Phone), nullable(l.Email), nullable(l.Address), lat, lng,
		l.Priority, boolInt(l.SafetyFlag), l.Value, l.Status, l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteLead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM leads WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLeads returns leads newest first with a keyset cursor.
func (r Repo) ListLeads(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Lead, error) {
	var clauses []string
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + leadColumns + ` FROM leads`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	return r.queryLeads(ctx, query, args...)
}

// ListLeadsByIDs fetches the given leads, preserving input order.
func (r Repo) ListLeadsByIDs(ctx context.Context, ids []string) ([]domain.Lead, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	leads, err := r.queryLeads(ctx, `SELECT `+leadColumns+` FROM leads WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Lead, len(leads))
	for _, l := range leads {
		byID[l.ID] = l
	}
	out := make([]domain.Lead, 0, len(ids))
	for _, id := range ids {
		if l, ok := byID[id]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// LeadsWithLocation returns all geocoded leads, for the heat-map surface.
func (r Repo) LeadsWithLocation(ctx context.Context) ([]domain.Lead, error) {
	return r.queryLeads(ctx, `SELECT `+leadColumns+` FROM leads WHERE lat IS NOT NULL AND lng IS NOT NULL ORDER BY created_at DESC, id DESC`)
}

func (r Repo) queryLeads(ctx context.Context, query string, args ...any) ([]domain.Lead, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- properties ---

const propertyColumns = `id,lead_id,address,lat,lng,kind,COALESCE(notes,''),created_at,updated_at`

func scanProperty(scan func(dest ...any) error) (domain.Property, error) {
	var p domain.Property
	var leadID sql.NullString
	var lat, lng sql.NullFloat64
	err := scan(&p.ID, &leadID, &p.Address, &lat, &lng, &p.Kind, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if leadID.Valid {
		p.LeadID = &leadID.String
	}
	p.Location = locationFromNull(lat, lng)
	return p, nil
}

func (r Repo) InsertProperty(ctx context.Context, tx *sql.Tx, p domain.Property) error {
	lat, lng := locationArgs(p.Location)
	var leadID any
	if p.LeadID != nil {
		leadID = *p.LeadID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO properties(id,lead_id,address,lat,lng,kind,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, leadID, p.Address, lat, lng, p.Kind, nullable(p.Notes), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id=?`, id)
	return scanProperty(row.Scan)
}

func (r Repo) UpdateProperty(ctx context.Context, tx *sql.Tx, p domain.Property) error {
	lat, lng := locationArgs(p.Location)
	var leadID any
	if p.LeadID != nil {
		leadID = *p.LeadID
	}
	res, err := tx.ExecContext(ctx, `UPDATE properties SET lead_id=?,address=?,lat=?,lng=?,kind=?,notes=?,updated_at=? WHERE id=?`,
		leadID, p.Address, lat, lng, p.Kind, nullable(p.Notes), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProperty(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM properties WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListProperties(ctx context.Context, leadID string) ([]domain.Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties`
	var args []any
	if leadID != "" {
		query += ` WHERE lead_id=?`
		args = append(args, leadID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Property
	for rows.Next() {
		p, err := scanProperty(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- agents ---

const agentColumns = `id,name,status,lat,lng,active_missions,success_rate,created_at,updated_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	var lat, lng sql.NullFloat64
	err := scan(&a.ID, &a.Name, &a.Status, &lat, &lng, &a.ActiveMissions, &a.SuccessRate, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Location = locationFromNull(lat, lng)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	lat, lng := locationArgs(a.Location)
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,name,status,lat,lng,active_missions,success_rate,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Status, lat, lng, a.ActiveMissions, a.SuccessRate, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) UpdateAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	lat, lng := locationArgs(a.Location)
	res, err := tx.ExecContext(ctx, `UPDATE agents SET name=?,status=?,lat=?,lng=?,active_missions=?,success_rate=?,updated_at=? WHERE id=?`,
		a.Name, a.Status, lat, lng, a.ActiveMissions, a.SuccessRate, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAgent(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgents returns the roster, optionally filtered by status.
func (r Repo) ListAgents(ctx context.Context, status string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AdjustAgentActiveMissions bumps the active-mission counter, clamping
// at zero.
func (r Repo) AdjustAgentActiveMissions(ctx context.Context, tx *sql.Tx, agentID string, delta int) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET active_missions=MAX(0, active_missions + ?) WHERE id=?`, delta, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- missions ---

const missionColumns = `id,lead_id,agent_id,status,priority,estimated_duration,deadline,COALESCE(notes,''),can_be_declined,can_be_paused,created_at,updated_at,completed_at`

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var deadline, completedAt sql.NullString
	var declined, paused int
	err := scan(&m.ID, &m.LeadID, &m.AgentID, &m.Status, &m.Priority, &m.EstimatedDuration,
		&deadline, &m.Notes, &declined, &paused, &m.CreatedAt, &m.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if deadline.Valid {
		m.Deadline = &deadline.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	m.CanBeDeclined = declined != 0
	m.CanBePaused = paused != 0
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	var deadline, completedAt any
	if m.Deadline != nil {
		deadline = *m.Deadline
	}
	if m.CompletedAt != nil {
		completedAt = *m.CompletedAt
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,lead_id,agent_id,status,priority,estimated_duration,deadline,notes,can_be_declined,can_be_paused,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.LeadID, m.AgentID, m.Status, m.Priority, m.EstimatedDuration, deadline,
		nullable(m.Notes), boolInt(m.CanBeDeclined), boolInt(m.CanBePaused), m.CreatedAt, m.UpdatedAt, completedAt)
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	return scanMission(row.Scan)
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	var deadline, completedAt any
	if m.Deadline != nil {
		deadline = *m.Deadline
	}
	if m.CompletedAt != nil {
		completedAt = *m.CompletedAt
	}
	res, err := tx.ExecContext(ctx, `UPDATE missions SET agent_id=?,status=?,priority=?,estimated_duration=?,deadline=?,notes=?,updated_at=?,completed_at=? WHERE id=?`,
		m.AgentID, m.Status, m.Priority, m.EstimatedDuration, deadline, nullable(m.Notes), m.UpdatedAt, completedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMissions filters by agent and/or status, newest first with a
// keyset cursor.
func (r Repo) ListMissions(ctx context.Context, agentID, status string, limit int, cursorCreatedAt, cursorID string) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if agentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, agentID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + missionColumns + ` FROM missions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountMissionsByStatus aggregates mission counts for the status screen.
func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- events ---

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var entityID sql.NullString
	err := scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	return e, err
}

// ListEvents returns the most recent events, newest first.
func (r Repo) ListEvents(ctx context.Context, limit int, beforeID int64) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events`
	var args []any
	if beforeID > 0 {
		query += ` WHERE id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id > cursor, oldest first, for the
// webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id > ? ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the current head of the event log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
