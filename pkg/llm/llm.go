// Package llm holds the Ollama-compatible chat API types exchanged with the
// model server, plus the error body shared by the HTTP API.
package llm

// Message roles understood by the chat API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorResponse is the JSON error body returned by the model server and by our API.
type ErrorResponse struct {
	Error string `json:"error"`
}
