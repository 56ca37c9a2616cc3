package dispatch

import (
	"math"
	"sort"

	"fieldline/internal/domain"
	"fieldline/internal/geo"
)

// RankedAgent pairs an agent with its distance from the ranking origin.
type RankedAgent struct {
	Agent    domain.Agent `json:"agent"`
	Distance float64      `json:"distance"`
}

// Rank orders available agents by distance from origin. Agents without a
// usable location get distance +Inf and sort last. Ties break on active
// mission count, then agent ID, so identical inputs always produce the
// same order. Callers needing all statuses use RankRoster.
func Rank(origin geo.Point, agents []domain.Agent, unit geo.Unit) []RankedAgent {
	available := make([]domain.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Status == "available" {
			available = append(available, a)
		}
	}
	return RankRoster(origin, available, unit)
}

// RankRoster ranks the roster as given, without status filtering.
func RankRoster(origin geo.Point, agents []domain.Agent, unit geo.Unit) []RankedAgent {
	ranked := make([]RankedAgent, 0, len(agents))
	for _, a := range agents {
		ranked = append(ranked, RankedAgent{Agent: a, Distance: agentDistance(origin, a, unit)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Distance != ranked[j].Distance {
			return ranked[i].Distance < ranked[j].Distance
		}
		if ranked[i].Agent.ActiveMissions != ranked[j].Agent.ActiveMissions {
			return ranked[i].Agent.ActiveMissions < ranked[j].Agent.ActiveMissions
		}
		return ranked[i].Agent.ID < ranked[j].Agent.ID
	})
	return ranked
}

func agentDistance(origin geo.Point, a domain.Agent, unit geo.Unit) float64 {
	if a.Location == nil {
		return math.Inf(1)
	}
	d, err := geo.Distance(origin, *a.Location, unit)
	if err != nil {
		// A stored location outside the valid domain ranks like a
		// missing one rather than failing the whole ranking.
		return math.Inf(1)
	}
	return d
}
