package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/localllama/pkg/llm"
)

// UntitledName names a chat whose title couldn't be generated.
const UntitledName = "Untitled"

const titleSystemPrompt = `You are a summarization model. You accept a message and return a title appropriate for display in a constrained space.
Keep the title short and sweet, ideally less than 60 characters.
Respond with a title for the message you receive and nothing else.`

var titleExamples = []llm.Message{
	{Role: llm.RoleUser, Content: "What color is the sky?"},
	{Role: llm.RoleAssistant, Content: "Sky Color"},
	{Role: llm.RoleUser, Content: "Write a fib function in TS"},
	{Role: llm.RoleAssistant, Content: "Fibonacci in TypeScript"},
	{Role: llm.RoleUser, Content: "Write something long"},
	{Role: llm.RoleAssistant, Content: "Random long response"},
}

func titleRequest(model, message string) llm.ChatRequest {
	messages := make([]llm.Message, 0, len(titleExamples)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: titleSystemPrompt})
	messages = append(messages, titleExamples...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	return llm.ChatRequest{
		Model:    model,
		Messages: messages,
		Options: &llm.Options{
			Temperature: llm.Float64(0.1),
			NumPredict:  llm.Int(12),
		},
	}
}

// generateTitle asks the model for a short chat name. It never fails: any
// error is logged and UntitledName returned.
func (s *Service) generateTitle(ctx context.Context, model, message string) string {
	resp, err := s.upstream.Chat(ctx, titleRequest(model, message))
	if err != nil {
		s.logger.Warn("failed to get title", zap.String("model", model), zap.Error(err))
		return UntitledName
	}

	if title := stripNewlines(resp.Message.Content); title != "" {
		return title
	}
	return UntitledName
}

// stripNewlines removes line breaks and surrounding whitespace.
func stripNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(s)
}
