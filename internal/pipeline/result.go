package pipeline

import (
	"encoding/json"

	"github.com/promptlab/promptq/internal/generation"
)

// Risk levels assigned by the aggregation stage.
const (
	RiskHigh = "HIGH"
	RiskSafe = "SAFE"
)

// ToolOutcome records the result (or failure text) of one tool call.
type ToolOutcome struct {
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

// Result is the structured payload stored on a completed job.
type Result struct {
	Prompt              string                `json:"prompt"`
	RiskLevel           string                `json:"risk_level"`
	RiskColor           string                `json:"risk_color"`
	TotalServers        int                   `json:"total_mcps"`
	UsedServers         []string              `json:"used_servers"`
	NumServersTriggered int                   `json:"num_servers_triggered"`
	Message             string                `json:"llm_message"`
	Content             string                `json:"llm_content"`
	ToolCalls           []generation.ToolCall `json:"llm_tool_calls"`
	ToolResults         []ToolOutcome         `json:"tool_call_results"`
	Analysis            string                `json:"analysis"`
}

// AsMap converts the result into the generic form stored on the job
// record.
func (r *Result) AsMap() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"prompt": r.Prompt, "risk_level": r.RiskLevel}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"prompt": r.Prompt, "risk_level": r.RiskLevel}
	}
	return m
}
