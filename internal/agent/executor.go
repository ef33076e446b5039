package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// LMClient is the out-of-scope language-model collaborator the executor
// queries for each thought/action step.
type LMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const (
	finalAnswerPrefix = "Final Answer:"
	actionPrefix      = "Action:"
	actionInputPrefix = "Action Input:"
)

// Executor runs a bounded thought/action/observation loop, invoking the
// registry for each parsed Action until a final answer, the step bound,
// or the wall-clock deadline.
type Executor struct {
	lm       LMClient
	registry *Registry
	maxSteps int
	timeout  time.Duration
}

func NewExecutor(lm LMClient, registry *Registry, maxSteps int, timeoutSeconds int) *Executor {
	if maxSteps <= 0 {
		maxSteps = 10
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return &Executor{
		lm:       lm,
		registry: registry,
		maxSteps: maxSteps,
		timeout:  time.Duration(timeoutSeconds) * time.Second,
	}
}

// Run drives the loop for one goal prompt until a Final Answer, the
// step bound, or the wall-clock timeout, whichever comes first.
func (e *Executor) Run(ctx context.Context, goal string) Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var transcript strings.Builder
	transcript.WriteString(goal)
	transcript.WriteString("\n")

	var steps []Step

	for i := 0; i < e.maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusTimeout, Steps: steps, Err: "agent run exceeded timeout"}
		}

		raw, err := e.lm.Complete(ctx, transcript.String())
		if err != nil {
			if ctx.Err() != nil {
				return Result{Status: StatusTimeout, Steps: steps, Err: "agent run exceeded timeout"}
			}
			return Result{Status: StatusError, Steps: steps, Err: err.Error()}
		}

		step := Step{Index: i}

		if answer, ok := parseFinalAnswer(raw); ok {
			step.FinalAnswer = answer
			steps = append(steps, step)
			return Result{Status: StatusCompleted, Steps: steps, Answer: answer}
		}

		action, actionInput, ok := parseAction(raw)
		if !ok {
			// Not a recognized step shape: treat the raw text as a
			// thought and keep looping, mirroring a model that is
			// still reasoning before committing to an action.
			step.Thought = raw
			steps = append(steps, step)
			transcript.WriteString(raw)
			transcript.WriteString("\n")
			continue
		}
		step.Thought = raw
		step.Action = action
		step.ActionInput = actionInput

		params := parseActionParams(actionInput)
		result, invokeErr := e.registry.Invoke(ctx, action, params)

		var observation string
		if invokeErr != nil {
			observation = fmt.Sprintf("Error: %s", invokeErr.Error())
		} else {
			observation = fmt.Sprintf("%v", result)
		}
		step.Observation = observation
		steps = append(steps, step)

		transcript.WriteString(raw)
		transcript.WriteString("\nObservation: ")
		transcript.WriteString(observation)
		transcript.WriteString("\n")
	}

	return Result{Status: StatusMaxStepsReached, Steps: steps, Err: "max steps reached without a final answer"}
}

// parseFinalAnswer extracts the text following a "Final Answer:" line.
func parseFinalAnswer(raw string) (string, bool) {
	idx := strings.Index(raw, finalAnswerPrefix)
	if idx < 0 {
		return "", false
	}
	return strings.TrimSpace(raw[idx+len(finalAnswerPrefix):]), true
}

// parseAction extracts the Action and Action Input lines. Both must be
// present for the step to count as a tool invocation.
func parseAction(raw string) (action, actionInput string, ok bool) {
	actionIdx := strings.Index(raw, actionPrefix)
	inputIdx := strings.Index(raw, actionInputPrefix)
	if actionIdx < 0 || inputIdx < 0 {
		return "", "", false
	}

	actionEnd := inputIdx
	if actionEnd < actionIdx {
		actionEnd = len(raw)
	}
	action = strings.TrimSpace(raw[actionIdx+len(actionPrefix) : actionEnd])
	action = strings.SplitN(action, "\n", 2)[0]
	action = strings.TrimSpace(action)

	rest := raw[inputIdx+len(actionInputPrefix):]
	actionInput = strings.TrimSpace(strings.SplitN(rest, "\n\n", 2)[0])

	if action == "" {
		return "", "", false
	}
	return action, actionInput, true
}

// parseActionParams tolerantly extracts a params object from the raw
// Action Input text: a JSON object is used as-is; anything else is
// passed through under a single "input" key so the tool still receives
// the model's text even when it did not emit valid JSON.
func parseActionParams(actionInput string) map[string]any {
	trimmed := strings.TrimSpace(actionInput)
	if trimmed == "" {
		return map[string]any{}
	}
	if gjson.Valid(trimmed) {
		parsed := gjson.Parse(trimmed)
		if parsed.IsObject() {
			out := make(map[string]any, len(parsed.Map()))
			parsed.ForEach(func(key, value gjson.Result) bool {
				out[key.String()] = value.Value()
				return true
			})
			return out
		}
	}
	return map[string]any{"input": trimmed}
}
