package orchestrator

// ChatMessage is one entry of the inbound OpenAI-schema message list
// (SPEC_FULL.md §6).
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the inbound POST /v1/chat/completions body.
// presence_penalty and frequency_penalty are accepted and otherwise
// dropped: the upstream schema has no slot for them (SPEC_FULL.md §6
// "unknown fields are dropped").
type ChatCompletionRequest struct {
	Model            string        `json:"model" validate:"required"`
	Messages         []ChatMessage `json:"messages" validate:"required,min=1"`
	Stream           bool          `json:"stream"`
	Temperature      *float64      `json:"temperature"`
	TopP             *float64      `json:"top_p"`
	N                *int          `json:"n"`
	MaxTokens        *int          `json:"max_tokens"`
	Stop             []string      `json:"stop"`
	PresencePenalty  *float64      `json:"presence_penalty"`
	FrequencyPenalty *float64      `json:"frequency_penalty"`
	User             string        `json:"user"`
}

// ChatCompletionChoice is one entry of a buffered response's choices array.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionUsage mirrors OpenAI's usage object.
type ChatCompletionUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatCompletionResponse is the buffered-mode response body.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   ChatCompletionUsage    `json:"usage"`
}

// StreamDelta is the shape of a choices[0].delta field in a streaming chunk.
type StreamDelta struct {
	Content string `json:"content,omitempty"`
}

// StreamChoice is one entry of a streaming chunk's choices array.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamChunk is one SSE `data:` frame in buffered form (SPEC_FULL.md §6
// "Client-facing SSE frame").
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// ErrorBody is the JSON error envelope shape (SPEC_FULL.md §7).
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind the client sees.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
