package ollama

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/papercomputeco/localllama/pkg/llm"
)

// UpstreamError is a failure reported by the Ollama server, either as a
// non-200 response or as an error line in the middle of a stream.
type UpstreamError struct {
	// StatusCode is 0 for errors reported mid-stream.
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return "upstream error: " + e.Message
	}

	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

func newUpstreamError(status int, body []byte) *UpstreamError {
	var errResp llm.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &UpstreamError{StatusCode: status, Message: errResp.Error}
	}

	return &UpstreamError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
