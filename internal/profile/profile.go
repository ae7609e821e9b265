package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"log/slog"
)

// Profile is configuration to start main server.
type Profile struct {
	// LLM configuration (OpenAI-compatible protocol)
	// All providers (openai, deepseek, siliconflow, openrouter, ollama) use the same config.
	LLMProvider string // Provider identifier
	LLMAPIKey   string // LLM API key
	LLMBaseURL  string // LLM base URL (optional, has default per provider)
	LLMModel    string // Model name: gpt-4o, deepseek-chat, etc.
	LLMTimeout  int    // LLM request timeout in seconds (default: 120)

	// Web search provider (Serper) configuration
	SerperAPIKey string
	SerperURL    string

	// Agent policy
	AgentMaxSteps     int // Reasoning loop cap per turn (default: 10)
	SearchResultLimit int // Max search results per tool call (default: 10)
	TitleMaxLength    int // Chat title truncation bound in runes (default: 100)

	// Server configuration
	Mode        string
	Addr        string
	Port        int
	Data        string
	Driver      string
	DSN         string
	InstanceURL string
	Version     string
	Secret      string // HMAC secret for session tokens

	AIEnabled bool
}

// Provider default configurations for LLM.
// Used when DEEPSEARCH_LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if an LLM API key is configured.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != ""
}

// IsSearchEnabled returns true if the web search provider is configured.
func (p *Profile) IsSearchEnabled() bool {
	return p.SerperAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("DEEPSEARCH_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("DEEPSEARCH_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("DEEPSEARCH_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("DEEPSEARCH_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("DEEPSEARCH_LLM_TIMEOUT_SECONDS", 120)

	p.AIEnabled = p.LLMAPIKey != ""

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("unknown LLM provider, requests go to the configured base URL as-is", "provider", p.LLMProvider)
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	p.SerperAPIKey = getEnvOrDefault("DEEPSEARCH_SERPER_API_KEY", "")
	p.SerperURL = getEnvOrDefault("DEEPSEARCH_SERPER_URL", "https://google.serper.dev/search")

	p.AgentMaxSteps = getEnvOrDefaultInt("DEEPSEARCH_AGENT_MAX_STEPS", 10)
	p.SearchResultLimit = getEnvOrDefaultInt("DEEPSEARCH_SEARCH_RESULT_LIMIT", 10)
	p.TitleMaxLength = getEnvOrDefaultInt("DEEPSEARCH_TITLE_MAX_LENGTH", 100)

	if p.Secret == "" {
		p.Secret = getEnvOrDefault("DEEPSEARCH_SECRET", "")
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Driver != "postgres" && p.Driver != "sqlite" {
		return errors.Errorf("unsupported database driver: %s", p.Driver)
	}

	if p.Mode == "prod" && p.Secret == "" {
		return errors.New("DEEPSEARCH_SECRET is required in prod mode")
	}
	if p.Secret == "" {
		// Fixed dev secret so tokens survive restarts during development.
		p.Secret = "deepsearch-dev-secret"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "deepsearch")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/deepsearch"
		}
	}

	if p.Driver == "sqlite" {
		dataDir, err := checkDataDir(p.Data)
		if err != nil {
			slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
			return err
		}
		p.Data = dataDir
		if p.DSN == "" {
			dbFile := fmt.Sprintf("deepsearch_%s.db", p.Mode)
			p.DSN = filepath.Join(dataDir, dbFile)
		}
	}

	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn is required for the postgres driver")
	}

	if p.AgentMaxSteps <= 0 {
		p.AgentMaxSteps = 10
	}
	if p.SearchResultLimit <= 0 {
		p.SearchResultLimit = 10
	}
	if p.TitleMaxLength <= 0 {
		p.TitleMaxLength = 100
	}

	return nil
}
