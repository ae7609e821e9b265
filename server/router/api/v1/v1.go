package v1

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/deepsearch/ai/agent"
	"github.com/hrygo/deepsearch/ai/agent/tools"
	"github.com/hrygo/deepsearch/ai/llm"
	"github.com/hrygo/deepsearch/ai/metrics"
	"github.com/hrygo/deepsearch/internal/profile"
	"github.com/hrygo/deepsearch/server/auth"
	"github.com/hrygo/deepsearch/store"
)

type APIV1Service struct {
	Secret  string
	Profile *profile.Profile
	Store   *store.Store
	Metrics *metrics.Exporter

	AuthService *AuthService
	ChatService *ChatService
}

func NewAPIV1Service(profile *profile.Profile, st *store.Store) *APIV1Service {
	exporter := metrics.NewExporter()

	var orchestrator *agent.Orchestrator
	if profile.IsAIEnabled() {
		llmService, err := llm.NewService(&llm.Config{
			Provider: profile.LLMProvider,
			Model:    profile.LLMModel,
			APIKey:   profile.LLMAPIKey,
			BaseURL:  profile.LLMBaseURL,
			Timeout:  profile.LLMTimeout,
		})
		if err != nil {
			slog.Warn("AI disabled, failed to initialize LLM service", "error", err)
		} else {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				llmService.Warmup(ctx)
			}()

			var toolSet []agent.Tool
			if profile.IsSearchEnabled() {
				searchTool, err := tools.NewWebSearchTool(profile.SerperAPIKey, profile.SerperURL, profile.SearchResultLimit)
				if err != nil {
					slog.Warn("web search disabled", "error", err)
				} else {
					toolSet = append(toolSet, searchTool)
				}
			}

			orchestrator = agent.New(llmService, st, toolSet, agent.Config{
				MaxSteps:       profile.AgentMaxSteps,
				TitleMaxLength: profile.TitleMaxLength,
			}, exporter)
		}
	}

	return &APIV1Service{
		Secret:      profile.Secret,
		Profile:     profile,
		Store:       st,
		Metrics:     exporter,
		AuthService: &AuthService{Secret: profile.Secret, Store: st},
		ChatService: NewChatService(st, orchestrator),
	}
}

func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	apiV1 := e.Group("/api/v1")

	apiV1.POST("/auth/signup", s.AuthService.SignUp)
	apiV1.POST("/auth/signin", s.AuthService.SignIn)

	secured := apiV1.Group("", auth.Middleware(s.Secret))
	secured.POST("/chat", s.ChatService.Chat)
	secured.GET("/chats", s.ChatService.ListChats)
	secured.GET("/chats/:uid", s.ChatService.GetChat)
}
