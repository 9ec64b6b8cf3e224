package orchestrator

import (
	"encoding/json"

	"github.com/haricheung/agrimind/internal/llm"
	"github.com/haricheung/agrimind/internal/types"
)

// failSafe is substituted whenever the supervisor output is unusable.
var failSafe = types.Decision{RequestHuman: true}

// ParseDecision reads the supervisor's structured verdict.
// fallback is true when raw could not be used and failSafe was returned.
//
// Expectations:
//   - Strips markdown fences and <think> blocks before parsing
//   - Returns failSafe for empty text, non-JSON text, JSON null and non-object JSON
//   - Returns failSafe when request_human is present but not a boolean
//   - Treats a missing request_human as false
//   - Ignores malformed optional fields (next_agent, logic, terminate, update_memory)
func ParseDecision(raw string) (d types.Decision, fallback bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &fields); err != nil || fields == nil {
		return failSafe, true
	}
	if v, ok := fields["request_human"]; ok {
		if err := json.Unmarshal(v, &d.RequestHuman); err != nil {
			return failSafe, true
		}
	}
	optional(fields, "next_agent", &d.NextAgent)
	optional(fields, "logic", &d.Logic)
	optional(fields, "terminate", &d.Terminate)
	optional(fields, "update_memory", &d.UpdateMemory)
	return d, false
}

// optional sets *dst only when key decodes cleanly; json.Unmarshal may
// allocate into a pointer target before reporting a type mismatch.
func optional[T any](fields map[string]json.RawMessage, key string, dst *T) {
	v, ok := fields[key]
	if !ok {
		return
	}
	var val T
	if err := json.Unmarshal(v, &val); err == nil {
		*dst = val
	}
}
