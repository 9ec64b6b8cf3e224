package agents

import (
	"encoding/json"
	"fmt"

	"github.com/haricheung/agrimind/internal/types"
)

const noHistory = "No historical records available for this farm."

const supervisorPrompt = `You are the Orchestrator of a Multi-Agent Agricultural System.
Your goal is to decide the next step based on the current Shared Memory state.
Memory State: %[1]s

Output ONLY a JSON object with:
- next_agent: One of [intake, agronomy, pest-disease, weather, synthesizer, quality-review, null]
- logic: Explanation of your decision, especially if you see patterns in historical data.
- terminate: boolean
- request_human: boolean (if risky actions are proposed)
- update_memory: Partial object to merge into memory.`

const intakePrompt = `You are the Information Gatherer.
Analyze the user's input and extract: Location, Crop, Farm Size, Season, Symptoms.
Memory Context: %[1]s
Provide a concise summary and list any missing critical information to ask the user.`

const agronomyPrompt = `You are the Crop & Soil Specialist.
Analyze potential nutrient or soil issues.
%[2]s
Use past successes/failures to refine your advice.
Memory Context: %[1]s
Be explainable and cautious.`

const pestDiseasePrompt = `You are the Pest & Disease Specialist.
Identify possible threats. Check if current symptoms match recurring patterns in history.
%[2]s
Avoid definitive diagnoses; use probabilities.
Memory Context: %[1]s
Highlight high-risk situations.`

const weatherPrompt = `You are the Environmental Analyst.
Evaluate weather impact. Compare current stress to historical drought or flood patterns if records exist.
%[2]s
Memory Context: %[1]s`

const synthesizerPrompt = `You are the Recommendation Synthesizer.
Combine findings into farmer-friendly advice.
IMPORTANT: If a past intervention was 'successful', prioritize similar strategies. If 'unsuccessful', suggest alternatives.
%[2]s
Memory Context: %[1]s`

const qualityReviewPrompt = `You are the Safety & Quality Reviewer.
Critically review the draft recommendations.
Check if the proposed plan conflicts with historical lessons learned.
Memory Context: %[1]s
Suggest specific improvements or warnings.`

const fallbackPrompt = "Analyze the following context and provide agricultural insights."

var templates = map[types.AgentID]string{
	types.AgentSupervisor:    supervisorPrompt,
	types.AgentIntake:        intakePrompt,
	types.AgentAgronomy:      agronomyPrompt,
	types.AgentPestDisease:   pestDiseasePrompt,
	types.AgentWeather:       weatherPrompt,
	types.AgentSynthesizer:   synthesizerPrompt,
	types.AgentQualityReview: qualityReviewPrompt,
}

// BuildPrompt renders the instruction for agentID against mem.
// userInput is prefixed only for the intake agent.
//
// Expectations:
//   - Embeds the full memory as indented JSON in every known template
//   - Embeds the compact history JSON when history is non-empty, else the "no records" sentence
//   - Prefixes "User Input: <input>\n\n" for intake when userInput is non-empty
//   - Ignores userInput for every other agent
//   - Returns the generic fallback instruction for unknown agent ids
func BuildPrompt(agentID types.AgentID, mem types.SharedMemory, userInput string) string {
	tmpl, ok := templates[agentID]
	if !ok {
		return fallbackPrompt
	}
	prompt := fmt.Sprintf(tmpl, memoryContext(mem), HistorySummary(mem.History))
	if agentID == types.AgentIntake && userInput != "" {
		prompt = "User Input: " + userInput + "\n\n" + prompt
	}
	return prompt
}

// HistorySummary returns the history block shared by the specialist templates.
func HistorySummary(history []types.HistoricalRecord) string {
	if len(history) == 0 {
		return noHistory
	}
	b, err := json.Marshal(history)
	if err != nil {
		return noHistory
	}
	return "Historical Data Available: " + string(b)
}

func memoryContext(mem types.SharedMemory) string {
	b, err := json.MarshalIndent(mem.Clone(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
