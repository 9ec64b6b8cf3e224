// Package agents maps an agent id and the current shared memory to a single
// model invocation. An agent is a prompt template, not a process.
package agents

import "github.com/haricheung/agrimind/internal/types"

// Registry holds the display metadata for every pipeline agent.
var Registry = map[types.AgentID]types.AgentInfo{
	types.AgentSupervisor:    {ID: types.AgentSupervisor, Name: "Orchestrator", Role: "Coordination & Decision Maker", Icon: "🎯"},
	types.AgentIntake:        {ID: types.AgentIntake, Name: "Context Agent", Role: "Information Gatherer", Icon: "📝"},
	types.AgentAgronomy:      {ID: types.AgentAgronomy, Name: "Agronomist", Role: "Crop & Soil Specialist", Icon: "🌱"},
	types.AgentPestDisease:   {ID: types.AgentPestDisease, Name: "Biosecurity Agent", Role: "Threat Identification", Icon: "🦠"},
	types.AgentWeather:       {ID: types.AgentWeather, Name: "Climatologist", Role: "Environmental Analyst", Icon: "☁️"},
	types.AgentSynthesizer:   {ID: types.AgentSynthesizer, Name: "Solution Architect", Role: "Recommendation Integrator", Icon: "🛠️"},
	types.AgentQualityReview: {ID: types.AgentQualityReview, Name: "Safety Inspector", Role: "Critic & Quality Review", Icon: "🛡️"},
}

// List returns the agents in display order (supervisor first, then pipeline order).
func List() []types.AgentInfo {
	out := []types.AgentInfo{Registry[types.AgentSupervisor]}
	for _, id := range types.Pipeline {
		if id == types.AgentSupervisor {
			continue
		}
		out = append(out, Registry[id])
	}
	return out
}

// Info returns the metadata for id, or a placeholder carrying the raw id.
func Info(id types.AgentID) types.AgentInfo {
	if info, ok := Registry[id]; ok {
		return info
	}
	return types.AgentInfo{ID: id, Name: string(id), Icon: "•"}
}
