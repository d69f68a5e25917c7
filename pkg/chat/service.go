// Package chat runs chat turns: it streams the model's reply to the caller
// while persisting the user message and the finished reply, in that order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/papercomputeco/localllama/pkg/chunk"
	"github.com/papercomputeco/localllama/pkg/llm"
	"github.com/papercomputeco/localllama/pkg/logger"
	"github.com/papercomputeco/localllama/pkg/storage"
)

// ErrMessageRequired is returned for a message with no visible text.
var ErrMessageRequired = errors.New("message is required")

// TurnRequest is one user message sent to a chat.
type TurnRequest struct {
	// ChatID is the chat to continue, or 0 to start a new one.
	ChatID int64

	Message string

	// Model, SystemPrompt and Temperature override the chat's stored values
	// and the global defaults when set.
	Model        string
	SystemPrompt string
	Temperature  *float64
}

// Turn is a started turn. Head is the first node of the reply; the rest
// arrives through it while Relay drains the model on its own goroutine.
type Turn struct {
	ChatID  int64
	NewChat bool
	Title   string

	Head  chunk.Node
	Relay *chunk.Relay
}

// Service runs chat turns against a store and a model server.
type Service struct {
	store    storage.Driver
	settings SettingsProvider
	upstream Upstream
	logger   *zap.Logger
}

func NewService(store storage.Driver, settings SettingsProvider, upstream Upstream, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		settings: settings,
		upstream: upstream,
		logger:   logger,
	}
}

// SendMessage starts a turn and returns as soon as the first node of the
// reply exists and the user message is stored.
//
// The reply is generated under a context detached from ctx: a caller that
// goes away after SendMessage returns does not stop the reply from being
// generated and saved. The assistant message is only written after the user
// message; if storing the user message fails, the assistant message is never
// written and the reply chain ends in an Error node.
func (s *Service) SendMessage(ctx context.Context, req TurnRequest) (*Turn, error) {
	startTime := time.Now()

	message := strings.TrimSpace(req.Message)
	if stripNewlines(message) == "" {
		return nil, ErrMessageRequired
	}

	defaults := s.settings.Get()

	model := req.Model
	if model == "" {
		model = defaults.DefaultModel
	}

	var (
		history      []llm.Message
		systemPrompt = req.SystemPrompt
		temperature  = defaults.DefaultTemperature
	)

	if req.ChatID != 0 {
		chat, err := s.store.GetChat(ctx, req.ChatID)
		if err != nil {
			return nil, err
		}

		if systemPrompt == "" {
			systemPrompt = chat.SystemPrompt
		}
		if chat.Temperature != nil {
			temperature = *chat.Temperature
		}
		for _, m := range chat.Messages {
			history = append(history, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	} else if systemPrompt == "" {
		systemPrompt = defaults.DefaultSystemPrompt
	}

	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	messages := make([]llm.Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	s.logger.Debug("starting turn",
		zap.Int64("chat_id", req.ChatID),
		zap.String("model", model),
		zap.Float64("temperature", temperature),
		zap.Int("message_count", len(messages)),
	)

	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))

	var (
		title string
		src   chunk.Source
	)

	g, gctx := errgroup.WithContext(ctx)
	if req.ChatID == 0 {
		g.Go(func() error {
			title = s.generateTitle(gctx, model, message)
			return nil
		})
	}
	g.Go(func() error {
		var err error
		src, err = s.upstream.OpenStream(streamCtx, llm.ChatRequest{
			Model:    model,
			Messages: messages,
			Options:  &llm.Options{Temperature: llm.Float64(temperature)},
		})
		return err
	})

	if err := g.Wait(); err != nil {
		cancelStream()
		s.logger.Error("failed to open reply stream", zap.String("model", model), zap.Error(err))
		return nil, fmt.Errorf("failed to complete message: %w", err)
	}

	var (
		chatID = req.ChatID
		gate   = NewGate()
	)

	relay := chunk.NewRelay(src,
		func(ctx context.Context, content string) error {
			if err := gate.Wait(ctx); err != nil {
				s.logger.Error("discarding assistant reply, user message was not saved",
					zap.String("content_preview", logger.Truncate(content, 200)),
					zap.Error(err),
				)
				return fmt.Errorf("assistant reply not saved: %w", err)
			}

			id, err := s.store.CreateMessage(ctx, chatID, storage.NewMessage{
				Role:    storage.RoleAssistant,
				Content: content,
			})
			if err != nil {
				s.logger.Error("failed to save assistant reply", zap.Int64("chat_id", chatID), zap.Error(err))
				return fmt.Errorf("failed to save assistant reply: %w", err)
			}

			s.logger.Info("turn complete",
				zap.Int64("chat_id", chatID),
				zap.Int64("message_id", id),
				zap.String("content_preview", logger.Truncate(content, 50)),
				zap.Duration("duration", time.Since(startTime)),
			)
			return nil
		},
		func(ctx context.Context, err error) {
			s.logger.Error("reply stream failed", zap.Int64("chat_id", req.ChatID), zap.Error(err))
		},
	)

	head := relay.Start(streamCtx)
	go func() {
		<-relay.Done()
		cancelStream()
	}()

	// The relay keeps draining after a failure here; its onDone sees the
	// failed gate and ends the chain in Error without writing.
	fail := func(err error) (*Turn, error) {
		gate.Fail(err)
		return nil, err
	}

	if req.ChatID == 0 {
		id, err := s.store.CreateChat(ctx, storage.NewChat{
			Name:         title,
			SystemPrompt: systemPrompt,
			Temperature:  temperature,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to create chat: %w", err))
		}
		chatID = id
	} else {
		err := s.store.UpdateChat(ctx, chatID, storage.ChatUpdate{
			Model:        model,
			SystemPrompt: systemPrompt,
			Temperature:  temperature,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to update chat: %w", err))
		}
	}

	if _, err := s.store.CreateMessage(ctx, chatID, storage.NewMessage{
		Role:    storage.RoleUser,
		Content: message,
	}); err != nil {
		return fail(fmt.Errorf("failed to save user message: %w", err))
	}

	gate.Open()

	return &Turn{
		ChatID:  chatID,
		NewChat: req.ChatID == 0,
		Title:   title,
		Head:    head,
		Relay:   relay,
	}, nil
}
