package dispatch

import (
	"errors"
	"fmt"

	"fieldline/internal/domain"
)

// ErrNothingToSubmit signals a dispatch submission in which no draft had
// an agent assigned. It is a validation failure reported before any
// network or storage call; a vacuous batch is never emitted.
var ErrNothingToSubmit = errors.New("no assignments to submit")

// AssignmentDraft is the per-target mutable record of a dispatch
// session. It becomes a committed Assignment once AgentID is non-empty.
type AssignmentDraft struct {
	TargetID          string `json:"target_id"`
	AgentID           string `json:"agent_id,omitempty"`
	Priority          string `json:"priority"`
	EstimatedDuration int    `json:"estimated_duration"`
	Deadline          string `json:"deadline,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

// Assignment is a committed draft, ready for submission.
type Assignment struct {
	TargetID          string `json:"target_id"`
	AgentID           string `json:"agent_id"`
	Priority          string `json:"priority"`
	EstimatedDuration int    `json:"estimated_duration"`
	Deadline          string `json:"deadline,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

// BulkSettings describes the two bulk actions of the dispatch dialog.
// ApplyDetails overwrites priority/duration/deadline on every draft
// (never the agent); AssignAgentID overwrites the agent on every draft.
type BulkSettings struct {
	ApplyDetails      bool   `json:"apply_details"`
	Priority          string `json:"priority,omitempty"`
	EstimatedDuration int    `json:"estimated_duration,omitempty"`
	Deadline          string `json:"deadline,omitempty"`
	AssignAgentID     string `json:"assign_agent_id,omitempty"`
}

// Resolution is the allocator output: the committed batch plus the
// targets left unassigned, reported back rather than silently dropped.
type Resolution struct {
	Committed []Assignment `json:"committed"`
	Rejected  []string     `json:"rejected"`
}

// Resolve turns the session drafts into a validated batch. Bulk settings
// are applied uniformly first (agent from AssignAgentID supersedes any
// manual per-target pick made before the action), then each draft
// commits iff its agent is non-empty. One draft per target is enforced
// by construction: duplicate target IDs are an input error. An all-empty
// result returns ErrNothingToSubmit. Pure function of its inputs.
func Resolve(targets []domain.Lead, drafts []AssignmentDraft, bulk BulkSettings) (Resolution, error) {
	byTarget := make(map[string]AssignmentDraft, len(drafts))
	for _, d := range drafts {
		if _, dup := byTarget[d.TargetID]; dup {
			return Resolution{}, fmt.Errorf("duplicate draft for target %s", d.TargetID)
		}
		byTarget[d.TargetID] = d
	}

	var res Resolution
	for _, target := range targets {
		d, ok := byTarget[target.ID]
		if !ok {
			d = AssignmentDraft{TargetID: target.ID, Priority: target.Priority}
		}
		if bulk.ApplyDetails {
			d.Priority = bulk.Priority
			d.EstimatedDuration = bulk.EstimatedDuration
			d.Deadline = bulk.Deadline
		}
		if bulk.AssignAgentID != "" {
			d.AgentID = bulk.AssignAgentID
		}
		if d.AgentID == "" {
			res.Rejected = append(res.Rejected, target.ID)
			continue
		}
		res.Committed = append(res.Committed, Assignment{
			TargetID:          target.ID,
			AgentID:           d.AgentID,
			Priority:          d.Priority,
			EstimatedDuration: d.EstimatedDuration,
			Deadline:          d.Deadline,
			Notes:             d.Notes,
		})
	}
	if len(res.Committed) == 0 {
		return Resolution{}, ErrNothingToSubmit
	}
	return res, nil
}

// DraftSet models a live dispatch session: one draft per selected
// target, created when the dialog opens and discarded when it closes.
// Actions mutate drafts in invocation order, so "assign all" clobbers
// earlier manual picks while manual edits made afterwards stick.
type DraftSet struct {
	order  []string
	drafts map[string]*AssignmentDraft
}

// NewDraftSet opens a session over the selected targets, seeding each
// draft's priority from its lead.
func NewDraftSet(targets []domain.Lead) *DraftSet {
	s := &DraftSet{drafts: make(map[string]*AssignmentDraft, len(targets))}
	for _, t := range targets {
		if _, ok := s.drafts[t.ID]; ok {
			continue
		}
		s.order = append(s.order, t.ID)
		s.drafts[t.ID] = &AssignmentDraft{TargetID: t.ID, Priority: t.Priority}
	}
	return s
}

// SetAgent records a manual per-target agent pick.
func (s *DraftSet) SetAgent(targetID, agentID string) error {
	d, ok := s.drafts[targetID]
	if !ok {
		return fmt.Errorf("no draft for target %s", targetID)
	}
	d.AgentID = agentID
	return nil
}

// SetDetails records manual per-target priority/duration/deadline edits.
func (s *DraftSet) SetDetails(targetID, priority string, duration int, deadline, notes string) error {
	d, ok := s.drafts[targetID]
	if !ok {
		return fmt.Errorf("no draft for target %s", targetID)
	}
	d.Priority = priority
	d.EstimatedDuration = duration
	d.Deadline = deadline
	d.Notes = notes
	return nil
}

// ApplyBulk overwrites priority/duration/deadline uniformly. The agent
// field is untouched.
func (s *DraftSet) ApplyBulk(priority string, duration int, deadline string) {
	for _, id := range s.order {
		d := s.drafts[id]
		d.Priority = priority
		d.EstimatedDuration = duration
		d.Deadline = deadline
	}
}

// AssignAll overwrites the agent on every draft, superseding any manual
// pick made before this action.
func (s *DraftSet) AssignAll(agentID string) {
	for _, id := range s.order {
		s.drafts[id].AgentID = agentID
	}
}

// Drafts returns the session drafts in selection order.
func (s *DraftSet) Drafts() []AssignmentDraft {
	out := make([]AssignmentDraft, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.drafts[id])
	}
	return out
}

// Resolve commits the session as it stands, with no further bulk action.
func (s *DraftSet) Resolve(targets []domain.Lead) (Resolution, error) {
	return Resolve(targets, s.Drafts(), BulkSettings{})
}
