package agents

import (
	"context"
	"log"
	"time"

	"github.com/haricheung/agrimind/internal/llm"
	"github.com/haricheung/agrimind/internal/metrics"
	"github.com/haricheung/agrimind/internal/types"
)

// DefaultTemperature keeps completions close to deterministic.
const DefaultTemperature float32 = 0.2

// Result is the outcome of one invocation. Err is non-nil when the model call failed;
// Text is then empty, so callers that merge Text treat failure and empty output alike.
type Result struct {
	AgentID types.AgentID
	Prompt  string
	Text    string
	Err     error
	Elapsed time.Duration
}

// Failed reports whether the model call itself failed.
func (r Result) Failed() bool { return r.Err != nil }

// Invoker sends role-specific prompts to the model capability.
type Invoker struct {
	gen         llm.Generator
	temperature float32
	metrics     *metrics.Metrics
}

// NewInvoker creates an Invoker. m may be nil.
func NewInvoker(gen llm.Generator, temperature float32, m *metrics.Metrics) *Invoker {
	return &Invoker{gen: gen, temperature: temperature, metrics: m}
}

// Invoke builds the prompt for agentID and calls the model once.
// Only the supervisor requests JSON output.
//
// Expectations:
//   - Calls the generator exactly once per invocation
//   - Passes FormatJSON for supervisor and FormatText for every other agent
//   - Uses the configured temperature
//   - Returns the generator's text verbatim on success
//   - Returns empty Text and the wrapped error on failure
func (iv *Invoker) Invoke(ctx context.Context, agentID types.AgentID, mem types.SharedMemory, userInput string) Result {
	prompt := BuildPrompt(agentID, mem, userInput)
	format := llm.FormatText
	if agentID == types.AgentSupervisor {
		format = llm.FormatJSON
	}

	start := time.Now()
	text, err := iv.gen.Generate(ctx, prompt, llm.Options{Temperature: iv.temperature, Format: format})
	elapsed := time.Since(start)
	iv.metrics.ObserveInvocation(string(agentID), elapsed, err)

	if err != nil {
		log.Printf("[AGENT] %s: model call failed after %v: %v", agentID, elapsed.Round(time.Millisecond), err)
		return Result{AgentID: agentID, Prompt: prompt, Err: err, Elapsed: elapsed}
	}
	log.Printf("[AGENT] %s: %d chars in %v", agentID, len(text), elapsed.Round(time.Millisecond))
	return Result{AgentID: agentID, Prompt: prompt, Text: text, Elapsed: elapsed}
}
