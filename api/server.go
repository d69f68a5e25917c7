// Package api serves the chat HTTP API. Turns are started with a POST that
// returns a stream id; the reply is then read as server-sent events from
// /api/streams/:streamId.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/localllama/pkg/chat"
	"github.com/papercomputeco/localllama/pkg/chunk"
	"github.com/papercomputeco/localllama/pkg/llm"
	"github.com/papercomputeco/localllama/pkg/settings"
	"github.com/papercomputeco/localllama/pkg/storage"
)

const defaultStreamTTL = 2 * time.Minute

// TurnRunner starts chat turns.
type TurnRunner interface {
	SendMessage(ctx context.Context, req chat.TurnRequest) (*chat.Turn, error)
}

// SettingsStore reads and updates the global settings.
type SettingsStore interface {
	Get() settings.Settings
	Update(patch settings.Patch) (settings.Settings, error)
}

// Server is the chat API server.
type Server struct {
	config   Config
	chats    TurnRunner
	store    storage.Driver
	settings SettingsStore
	streams  *streamRegistry
	logger   *zap.Logger
	server   *fiber.App

	cancelJanitor context.CancelFunc
}

// New creates a new Server.
func New(config Config, chats TurnRunner, store storage.Driver, settings SettingsStore, logger *zap.Logger) *Server {
	if config.StreamTTL <= 0 {
		config.StreamTTL = defaultStreamTTL
	}

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
	})

	s := &Server{
		config:   config,
		chats:    chats,
		store:    store,
		settings: settings,
		streams:  newStreamRegistry(config.StreamTTL, logger),
		logger:   logger,
		server:   app,
	}

	s.routes(app)

	return s
}

func (s *Server) routes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})

	app.Post("/api/chats/turns", s.handleTurn)
	app.Post("/api/chats/:chatId/turns", s.handleTurn)
	app.Get("/api/chats", s.handleListChats)
	app.Get("/api/chats/:chatId", s.handleGetChat)
	app.Get("/api/streams/:streamId", s.handleStream)

	app.Get("/api/settings", s.handleGetSettings)
	app.Put("/api/settings", s.handleUpdateSettings)
}

// Run starts the server on the configured listening address.
func (s *Server) Run() error {
	s.logger.Info("starting api server", zap.String("listen", s.config.ListenAddr))

	s.startJanitor()
	return s.server.Listen(s.config.ListenAddr)
}

// RunWithListener starts the server on ln.
func (s *Server) RunWithListener(ln net.Listener) error {
	s.logger.Info("starting api server", zap.String("listen", ln.Addr().String()))

	s.startJanitor()
	return s.server.Listener(ln)
}

// Shutdown stops accepting connections and waits for open ones to finish.
func (s *Server) Shutdown() error {
	if s.cancelJanitor != nil {
		s.cancelJanitor()
	}
	return s.server.Shutdown()
}

func (s *Server) startJanitor() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelJanitor = cancel
	go s.streams.run(ctx)
}

// TurnRequest is the body of a turn request.
type TurnRequest struct {
	Message      string   `json:"message"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// TurnResponse tells the caller where to read the reply from.
type TurnResponse struct {
	ChatID int64 `json:"chat_id"`

	// NewChatID is set when the turn created the chat.
	NewChatID *int64 `json:"new_chat_id,omitempty"`

	Title    string `json:"title,omitempty"`
	StreamID string `json:"stream_id"`
}

// handleTurn starts a turn on a new chat, or on :chatId when present.
func (s *Server) handleTurn(c *fiber.Ctx) error {
	var chatID int64
	if raw := c.Params("chatId"); raw != "" {
		id, err := parseChatID(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid chat id"})
		}
		chatID = id
	}

	var req TurnRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		s.logger.Error("failed to parse request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	turn, err := s.chats.SendMessage(c.UserContext(), chat.TurnRequest{
		ChatID:       chatID,
		Message:      req.Message,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
	})
	switch {
	case errors.Is(err, chat.ErrMessageRequired):
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "Message is required"})
	case errors.As(err, &storage.ErrNotFound{}):
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "chat not found"})
	case err != nil:
		s.logger.Error("failed to start turn", zap.Int64("chat_id", chatID), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(llm.ErrorResponse{Error: "Failed to complete message"})
	}

	resp := TurnResponse{
		ChatID:   turn.ChatID,
		Title:    turn.Title,
		StreamID: s.streams.add(turn.Head),
	}
	if turn.NewChat {
		resp.NewChatID = &turn.ChatID
	}

	s.logger.Debug("turn started",
		zap.Int64("chat_id", resp.ChatID),
		zap.Bool("new_chat", turn.NewChat),
		zap.String("stream_id", resp.StreamID),
	)

	return c.JSON(resp)
}

// handleStream writes the reply chain for :streamId as server-sent events.
func (s *Server) handleStream(c *fiber.Ctx) error {
	streamID := c.Params("streamId")

	head, err := s.streams.claim(streamID)
	switch {
	case errors.Is(err, errStreamNotFound):
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "stream not found"})
	case errors.Is(err, errStreamClaimed):
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "stream already claimed"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	// The handler returns before the body is written, so the chain is walked
	// under a context of its own. It ends when the relay settles the chain
	// or the client stops reading.
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		startTime := time.Now()

		if err := chunk.WriteSSE(context.Background(), w, head); err != nil {
			s.logger.Warn("stream reader went away",
				zap.String("stream_id", streamID),
				zap.Error(err),
			)
			return
		}

		s.logger.Debug("stream delivered",
			zap.String("stream_id", streamID),
			zap.Duration("duration", time.Since(startTime)),
		)
	}))

	return nil
}

func (s *Server) handleListChats(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", storage.DefaultListLimit)

	chats, err := s.store.ListChats(c.UserContext(), limit)
	if err != nil {
		s.logger.Error("failed to list chats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to list chats"})
	}

	return c.JSON(chats)
}

func (s *Server) handleGetChat(c *fiber.Ctx) error {
	chatID, err := parseChatID(c.Params("chatId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid chat id"})
	}

	found, err := s.store.GetChat(c.UserContext(), chatID)
	if errors.As(err, &storage.ErrNotFound{}) {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "chat not found"})
	}
	if err != nil {
		s.logger.Error("failed to get chat", zap.Int64("chat_id", chatID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to get chat"})
	}

	return c.JSON(found)
}

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	return c.JSON(s.settings.Get())
}

func (s *Server) handleUpdateSettings(c *fiber.Ctx) error {
	var patch settings.Patch
	if err := json.Unmarshal(c.Body(), &patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	updated, err := s.settings.Update(patch)
	if err != nil {
		s.logger.Error("failed to update settings", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to update settings"})
	}

	return c.JSON(updated)
}

func parseChatID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid chat id")
	}
	return id, nil
}
