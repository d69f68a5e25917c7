package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/papercomputeco/localllama/pkg/chunk"
	"github.com/papercomputeco/localllama/pkg/llm"
)

// maxLineSize bounds a single NDJSON line of a streamed response.
const maxLineSize = 1024 * 1024

// Stream reads a streamed /api/chat response one NDJSON line at a time.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *zap.Logger

	model   string
	metrics llm.Metrics

	closeOnce sync.Once
	closeErr  error
}

var _ chunk.Source = (*Stream)(nil)

func newStream(body io.ReadCloser, logger *zap.Logger) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return &Stream{
		body:    body,
		scanner: scanner,
		logger:  logger,
	}
}

// Next returns the next token event. It returns io.EOF once the response
// body ends, and an *UpstreamError if the server reports a failure mid-stream.
func (s *Stream) Next(ctx context.Context) (chunk.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return chunk.Event{}, err
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return chunk.Event{}, err
			}
			return chunk.Event{}, io.EOF
		}

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var sc llm.StreamChunk
		if err := json.Unmarshal(line, &sc); err != nil {
			s.logger.Warn("failed to parse chunk", zap.Error(err), zap.String("line", string(line)))
			continue
		}

		if sc.Error != "" {
			return chunk.Event{}, &UpstreamError{Message: sc.Error}
		}

		if sc.Model != "" {
			s.model = sc.Model
		}
		if sc.Done {
			s.metrics = sc.Metrics
			s.logger.Debug("upstream stream complete",
				zap.String("model", s.model),
				zap.String("done_reason", sc.DoneReason),
				zap.Int("eval_count", sc.EvalCount),
			)
		}

		return chunk.Event{Content: sc.Message.Content, Final: sc.Done}, nil
	}
}

// Model returns the model name reported by the server so far.
func (s *Stream) Model() string {
	return s.model
}

// Metrics returns the generation metrics from the final chunk, if it arrived.
func (s *Stream) Metrics() llm.Metrics {
	return s.metrics
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
