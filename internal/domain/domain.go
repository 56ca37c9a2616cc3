package domain

import "fieldline/internal/geo"

// Lead is a prospect record and the targeting unit for dispatch. The
// location is nullable because imported leads may not be geocoded yet.
type Lead struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone,omitempty"`
	Email      string     `json:"email,omitempty"`
	Address    string     `json:"address,omitempty"`
	Location   *geo.Point `json:"location,omitempty"`
	Priority   string     `json:"priority" enum:"low,normal,high,urgent"`
	SafetyFlag bool       `json:"safety_flag"`
	Value      float64    `json:"value"`
	Status     string     `json:"status" enum:"new,contacted,qualified,converted,closed"`
	CreatedAt  string     `json:"created_at" format:"date-time"`
	UpdatedAt  string     `json:"updated_at" format:"date-time"`
}

type Property struct {
	ID        string     `json:"id"`
	LeadID    *string    `json:"lead_id,omitempty"`
	Address   string     `json:"address"`
	Location  *geo.Point `json:"location,omitempty"`
	Kind      string     `json:"kind" enum:"residential,commercial,industrial,land"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt string     `json:"created_at" format:"date-time"`
	UpdatedAt string     `json:"updated_at" format:"date-time"`
}

// Agent is a field agent on the roster. Location may be stale relative
// to real time; the engine does not compensate.
type Agent struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         string     `json:"status" enum:"available,busy,offline"`
	Location       *geo.Point `json:"location,omitempty"`
	ActiveMissions int        `json:"active_missions"`
	SuccessRate    float64    `json:"success_rate"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
	UpdatedAt      string     `json:"updated_at" format:"date-time"`
}

// Mission is a dispatched field task. Capability flags gate the decline
// and pause transitions; callers check them before offering the action.
type Mission struct {
	ID                string  `json:"id"`
	LeadID            string  `json:"lead_id"`
	AgentID           string  `json:"agent_id"`
	Status            string  `json:"status" enum:"new,accepted,paused,completed,declined,declined_safety"`
	Priority          string  `json:"priority" enum:"low,normal,high,urgent"`
	EstimatedDuration int     `json:"estimated_duration"`
	Deadline          *string `json:"deadline,omitempty" format:"date-time"`
	Notes             string  `json:"notes,omitempty"`
	CanBeDeclined     bool    `json:"can_be_declined"`
	CanBePaused       bool    `json:"can_be_paused"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
