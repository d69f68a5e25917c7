package llm

import "time"

// Options contains model inference parameters.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *int     `json:"seed,omitempty"`

	// NumPredict caps the number of generated tokens.
	NumPredict *int `json:"num_predict,omitempty"`
	NumCtx     *int `json:"num_ctx,omitempty"`

	Stop []string `json:"stop,omitempty"`
}

// ChatRequest is a request to the /api/chat endpoint.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   *bool     `json:"stream,omitempty"` // Ollama streams unless told otherwise
	Options  *Options  `json:"options,omitempty"`

	KeepAlive string `json:"keep_alive,omitempty"`
}

// Metrics are reported on the final response of a generation.
type Metrics struct {
	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

// ChatResponse is a complete, non-streamed /api/chat response.
type ChatResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   Message   `json:"message"`
	Done      bool      `json:"done"`

	Metrics
}

// StreamChunk is one NDJSON line of a streamed /api/chat response. A line
// carrying only Error reports a failure mid-stream.
type StreamChunk struct {
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	Message    Message   `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason,omitempty"`
	Error      string    `json:"error,omitempty"`

	Metrics
}

// Float64 returns a pointer to v, for optional Options fields.
func Float64(v float64) *float64 {
	return &v
}

// Int returns a pointer to v, for optional Options fields.
func Int(v int) *int {
	return &v
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}
