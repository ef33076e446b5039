package consolidation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
)

// formatTranscript renders events as role-labeled lines ("user: …",
// "assistant: …", "tool: …") for the LM summarization/extraction prompt.
func formatTranscript(events []session.Event) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString(string(ev.Author))
		b.WriteString(": ")
		b.WriteString(contentText(ev.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// contentText extracts a human-readable string from an event's JSON
// content, falling back to the raw bytes if it isn't a {"text": ...}
// shape.
func contentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var wrapper struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &wrapper); err == nil && wrapper.Text != "" {
		return wrapper.Text
	}
	return string(content)
}

const summaryPromptTemplate = `Summarize the following conversation in no more than 200 words. Write only the summary, no preamble.

%s`

func summaryPrompt(transcript string) string {
	return fmt.Sprintf(summaryPromptTemplate, transcript)
}

const reflectionPromptTemplate = `Analyze the following conversation. Respond with strict JSON only, matching this shape:
{"facts": [{"type": "preference|rule|profile", "key": "string", "value": "string", "confidence": 0.0}], "insights": [{"content": "string", "importance": "high|medium|low"}]}

Conversation:
%s`

func reflectionPrompt(transcript string) string {
	return fmt.Sprintf(reflectionPromptTemplate, transcript)
}

// stripFences removes a surrounding ```json ... ``` or ``` ... ```
// fence the LM may have wrapped the JSON object in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
