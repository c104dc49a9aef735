package usage

import "encoding/json"

type tokenCounts struct {
	PromptEvalCount *int64 `json:"prompt_eval_count"`
	EvalCount       *int64 `json:"eval_count"`
	Usage           *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// ParseTokens reads input and output token counts from an Ollama or
// OpenAI-shaped response body. Unknown bodies count as zero.
func ParseTokens(body []byte) (in, out int64) {
	var counts tokenCounts
	if err := json.Unmarshal(body, &counts); err != nil {
		return 0, 0
	}

	if counts.Usage != nil {
		return counts.Usage.PromptTokens, counts.Usage.CompletionTokens
	}
	if counts.PromptEvalCount != nil {
		in = *counts.PromptEvalCount
	}
	if counts.EvalCount != nil {
		out = *counts.EvalCount
	}
	return in, out
}
