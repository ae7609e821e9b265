package v1

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/deepsearch/ai/agent"
	"github.com/hrygo/deepsearch/server/auth"
	"github.com/hrygo/deepsearch/store"
)

type ChatService struct {
	Store        *store.Store
	Orchestrator *agent.Orchestrator
	limiter      *rateLimiter
}

func NewChatService(st *store.Store, orchestrator *agent.Orchestrator) *ChatService {
	return &ChatService{
		Store:        st,
		Orchestrator: orchestrator,
		limiter:      newRateLimiter(),
	}
}

type chatRequest struct {
	// ChatID continues an existing chat; empty mints a new identity.
	ChatID   string          `json:"chatId"`
	Messages []agent.Message `json:"messages"`
}

type chatSummaryResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedTs int64  `json:"createdTs"`
	UpdatedTs int64  `json:"updatedTs"`
}

type chatResponse struct {
	chatSummaryResponse
	Messages []chatMessageResponse `json:"messages"`
}

type chatMessageResponse struct {
	Role  string          `json:"role"`
	Parts json.RawMessage `json:"parts"`
}

// Chat runs one agent turn, streaming events as SSE until the turn is done.
func (s *ChatService) Chat(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.GetUserID(ctx)
	if userID == 0 {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if !s.limiter.Allow(userID) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	if s.Orchestrator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "agent is not configured")
	}

	req := &chatRequest{}
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	// Client disconnect or a failed stream write cancels the turn, which
	// propagates to outstanding tool calls and generation.
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sink := newSSESink(c.Response(), cancel)

	turn := &agent.TurnRequest{
		UserID:   userID,
		ChatUID:  req.ChatID,
		Messages: req.Messages,
	}
	if err := s.Orchestrator.RunTurn(turnCtx, turn, sink); err != nil {
		// The terminal state already went out through the sink.
		slog.Warn("chat turn ended with error", "user_id", userID, "error", err)
	}
	return nil
}

// ListChats returns the caller's chats, most recently updated first.
func (s *ChatService) ListChats(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.GetUserID(ctx)
	if userID == 0 {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	chats, err := s.Store.ListChats(ctx, &store.FindChat{CreatorID: &userID})
	if err != nil {
		slog.Error("failed to list chats", "user_id", userID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list chats")
	}

	response := make([]chatSummaryResponse, len(chats))
	for i, chat := range chats {
		response[i] = toChatSummary(chat)
	}
	return c.JSON(http.StatusOK, response)
}

// GetChat returns one chat with its ordered messages.
func (s *ChatService) GetChat(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.GetUserID(ctx)
	if userID == 0 {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	uid := c.Param("uid")
	chat, err := s.Store.GetChat(ctx, &store.FindChat{UID: &uid, CreatorID: &userID})
	if err != nil {
		slog.Error("failed to get chat", "user_id", userID, "chat_uid", uid, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get chat")
	}
	if chat == nil {
		return echo.NewHTTPError(http.StatusNotFound, "chat not found")
	}

	response := &chatResponse{
		chatSummaryResponse: toChatSummary(chat),
		Messages:            make([]chatMessageResponse, len(chat.Messages)),
	}
	for i, message := range chat.Messages {
		response.Messages[i] = chatMessageResponse{
			Role:  message.Role,
			Parts: message.Parts,
		}
	}
	return c.JSON(http.StatusOK, response)
}

func toChatSummary(chat *store.Chat) chatSummaryResponse {
	return chatSummaryResponse{
		ID:        chat.UID,
		Title:     chat.Title,
		CreatedTs: chat.CreatedTs,
		UpdatedTs: chat.UpdatedTs,
	}
}
