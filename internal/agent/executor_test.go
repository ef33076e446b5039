package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLM struct {
	responses []string
	i         int
}

func (s *scriptedLM) Complete(ctx context.Context, prompt string) (string, error) {
	if s.i >= len(s.responses) {
		return "", fmt.Errorf("scripted LM exhausted")
	}
	r := s.responses[s.i]
	s.i++
	return r, nil
}

func registryWithEcho(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil, nil)
	require.NoError(t, r.RegisterNative(context.Background(), ToolMetadata{Name: "echo"}, func(ctx context.Context, params map[string]any) (any, error) {
		return params["text"], nil
	}))
	return r
}

func TestExecutorCompletesOnFinalAnswer(t *testing.T) {
	lm := &scriptedLM{responses: []string{"Final Answer: 42"}}
	e := NewExecutor(lm, registryWithEcho(t), 10, 300)

	result := e.Run(context.Background(), "what is the answer?")
	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "42", result.Answer)
	require.Len(t, result.Steps, 1)
}

func TestExecutorInvokesToolThenCompletes(t *testing.T) {
	lm := &scriptedLM{responses: []string{
		"Thought: I should echo.\nAction: echo\nAction Input: {\"text\": \"hello\"}\n\n",
		"Final Answer: hello",
	}}
	e := NewExecutor(lm, registryWithEcho(t), 10, 300)

	result := e.Run(context.Background(), "echo hello")
	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "hello", result.Answer)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "echo", result.Steps[0].Action)
	assert.Equal(t, "hello", result.Steps[0].Observation)
}

func TestExecutorToolErrorBecomesObservationNotTermination(t *testing.T) {
	lm := &scriptedLM{responses: []string{
		"Action: missing\nAction Input: {}\n\n",
		"Final Answer: recovered",
	}}
	e := NewExecutor(lm, registryWithEcho(t), 10, 300)

	result := e.Run(context.Background(), "call a tool that does not exist")
	require.Equal(t, StatusCompleted, result.Status)
	assert.Contains(t, result.Steps[0].Observation, "Error:")
	assert.Equal(t, "recovered", result.Answer)
}

func TestExecutorMaxStepsReached(t *testing.T) {
	lm := &scriptedLM{responses: []string{
		"Action: echo\nAction Input: {\"text\": \"a\"}\n\n",
		"Action: echo\nAction Input: {\"text\": \"b\"}\n\n",
		"Action: echo\nAction Input: {\"text\": \"c\"}\n\n",
	}}
	e := NewExecutor(lm, registryWithEcho(t), 3, 300)

	result := e.Run(context.Background(), "loop forever")
	require.Equal(t, StatusMaxStepsReached, result.Status)
	assert.Len(t, result.Steps, 3)
}

func TestExecutorLMErrorSurfacesAsError(t *testing.T) {
	lm := &scriptedLM{responses: nil}
	e := NewExecutor(lm, registryWithEcho(t), 5, 300)

	result := e.Run(context.Background(), "anything")
	require.Equal(t, StatusError, result.Status)
	assert.NotEmpty(t, result.Err)
}

func TestParseActionParamsFallsBackToInputKey(t *testing.T) {
	params := parseActionParams("not json at all")
	assert.Equal(t, "not json at all", params["input"])
}
