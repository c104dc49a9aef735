package models

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// JobRequest is the body of POST /jobs. The same payload is forwarded to a node's /execute.
type JobRequest struct {
	Model    string         `json:"model"`
	Prompt   string         `json:"prompt,omitempty"`
	Messages []Message      `json:"messages,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Stream   bool           `json:"stream"`
}

// ChatCompletionRequest is the OpenAI-compatible body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream"`
	Options     map[string]any `json:"options,omitempty"`
}

// ToJob converts the OpenAI shaped request into a job.
func (r ChatCompletionRequest) ToJob() JobRequest {
	options := make(map[string]any, len(r.Options)+3)
	for k, v := range r.Options {
		options[k] = v
	}
	if r.Temperature != nil {
		options["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		options["top_p"] = *r.TopP
	}
	if r.MaxTokens != nil {
		options["num_predict"] = *r.MaxTokens
	}

	return JobRequest{
		Model:    r.Model,
		Messages: r.Messages,
		Options:  options,
		Stream:   r.Stream,
	}
}

// NodeFailure describes one failed attempt against a node.
type NodeFailure struct {
	NodeID  string `json:"node_id"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// AllFailedDetail is the detail object returned when every candidate failed.
type AllFailedDetail struct {
	Message string        `json:"message"`
	Errors  []NodeFailure `json:"errors"`
	JobID   string        `json:"job_id"`
}

// ErrorResponse wraps a detail value. Detail is either a string or a structured object.
type ErrorResponse struct {
	Detail any `json:"detail"`
}

// RateLimitDetail is the detail object of a 429 response.
type RateLimitDetail struct {
	Message         string `json:"message"`
	RetryAfter      int    `json:"retry_after"`
	MinuteRemaining int    `json:"minute_remaining"`
	HourRemaining   int    `json:"hour_remaining"`
}

// ModelEntry is one row of GET /v1/models.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI-compatible model listing.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ChatCompletionChoice is one choice of a chat completion.
type ChatCompletionChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// UsageInfo is the OpenAI token usage block.
type UsageInfo struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatCompletionResponse is the OpenAI-compatible answer built from a node reply.
type ChatCompletionResponse struct {
	ID       string                 `json:"id"`
	Object   string                 `json:"object"`
	Created  int64                  `json:"created"`
	Model    string                 `json:"model"`
	Choices  []ChatCompletionChoice `json:"choices"`
	Usage    UsageInfo              `json:"usage"`
	Provider string                 `json:"provider,omitempty"`
	NodeID   string                 `json:"node_id,omitempty"`
}
