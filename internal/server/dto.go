package server

import (
	"fieldline/internal/dispatch"
	"fieldline/internal/geo"
)

type CreateLeadRequest struct {
	ID         string     `json:"id,omitempty"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone,omitempty"`
	Email      string     `json:"email,omitempty"`
	Address    string     `json:"address,omitempty"`
	Location   *geo.Point `json:"location,omitempty"`
	Priority   string     `json:"priority,omitempty" enum:",low,normal,high,urgent"`
	SafetyFlag *bool      `json:"safety_flag,omitempty"`
	Value      *float64   `json:"value,omitempty"`
	Status     string     `json:"status,omitempty" enum:",new,contacted,qualified,converted,closed"`
}

type UpdateLeadRequest struct {
	Name       string     `json:"name,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Email      string     `json:"email,omitempty"`
	Address    string     `json:"address,omitempty"`
	Location   *geo.Point `json:"location,omitempty"`
	Priority   string     `json:"priority,omitempty" enum:",low,normal,high,urgent"`
	SafetyFlag *bool      `json:"safety_flag,omitempty"`
	Value      *float64   `json:"value,omitempty"`
	Status     string     `json:"status,omitempty" enum:",new,contacted,qualified,converted,closed"`
}

type CreatePropertyRequest struct {
	ID       string     `json:"id,omitempty"`
	LeadID   string     `json:"lead_id,omitempty"`
	Address  string     `json:"address"`
	Location *geo.Point `json:"location,omitempty"`
	Kind     string     `json:"kind,omitempty" enum:",residential,commercial,industrial,land"`
	Notes    string     `json:"notes,omitempty"`
}

type UpdatePropertyRequest struct {
	LeadID   string     `json:"lead_id,omitempty"`
	Address  string     `json:"address,omitempty"`
	Location *geo.Point `json:"location,omitempty"`
	Kind     string     `json:"kind,omitempty" enum:",residential,commercial,industrial,land"`
	Notes    string     `json:"notes,omitempty"`
}

type CreateAgentRequest struct {
	ID          string     `json:"id,omitempty"`
	Name        string     `json:"name"`
	Status      string     `json:"status,omitempty" enum:",available,busy,offline"`
	Location    *geo.Point `json:"location,omitempty"`
	SuccessRate *float64   `json:"success_rate,omitempty"`
}

type UpdateAgentRequest struct {
	Name        string     `json:"name,omitempty"`
	Status      string     `json:"status,omitempty" enum:",available,busy,offline"`
	Location    *geo.Point `json:"location,omitempty"`
	SuccessRate *float64   `json:"success_rate,omitempty"`
}

type DispatchRequest struct {
	TargetIDs []string                   `json:"target_ids"`
	Drafts    []dispatch.AssignmentDraft `json:"drafts,omitempty"`
	Bulk      dispatch.BulkSettings      `json:"bulk,omitempty"`
}

type MissionStatusRequest struct {
	Status string `json:"status" enum:"accepted,paused,completed,declined,declined_safety"`
}
