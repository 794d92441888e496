package ai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"tapesim/internal/logger"
)

// Provider 模型提供方：一次调用返回模型原始输出。
type Provider interface {
	ID() string
	Call(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ModelConfig 单个模型的配置。API 密钥永远通过环境变量引用，配置文件里只写变量名。
type ModelConfig struct {
	ID        string            `toml:"id" json:"id"`
	BaseURL   string            `toml:"base_url" json:"base_url"`
	Model     string            `toml:"model" json:"model"`
	APIKeyEnv string            `toml:"api_key_env" json:"api_key_env"`
	ModelEnv  string            `toml:"model_env" json:"model_env"`
	Enabled   bool              `toml:"enabled" json:"enabled"`
	Headers   map[string]string `toml:"headers" json:"headers"`
}

// CallOptions 是整条提供方链共享的调用参数。
type CallOptions struct {
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
}

type chatProvider struct {
	id     string
	client *ChatClient
}

func (p *chatProvider) ID() string { return p.id }

func (p *chatProvider) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return p.client.CallWithMessages(ctx, systemPrompt, userPrompt)
}

// DefaultModelConfigs 未配置任何模型时的默认链：OpenRouter 优先，DeepSeek 兜底。
func DefaultModelConfigs() []ModelConfig {
	return []ModelConfig{
		{
			ID:        "openrouter",
			BaseURL:   "https://openrouter.ai/api/v1",
			Model:     "anthropic/claude-3.5-sonnet",
			APIKeyEnv: "OPENROUTER_API_KEY",
			ModelEnv:  "OPENROUTER_MODEL",
			Enabled:   true,
		},
		{
			ID:        "deepseek",
			BaseURL:   "https://api.deepseek.com/v1",
			Model:     "deepseek-chat",
			APIKeyEnv: "OPENAI_API_KEY",
			Enabled:   true,
		},
	}
}

// BuildProviders 按配置组装提供方链。没有密钥的条目跳过并告警，
// 全部缺失时返回空链，由引擎在决策时报不可用。
func BuildProviders(models []ModelConfig, opts CallOptions) []Provider {
	if len(models) == 0 {
		models = DefaultModelConfigs()
	}
	out := make([]Provider, 0, len(models))
	for _, m := range models {
		if !m.Enabled {
			continue
		}
		id := strings.TrimSpace(m.ID)
		if id == "" {
			base := strings.TrimSpace(m.BaseURL)
			if base == "" {
				base = "provider"
			}
			if model := strings.TrimSpace(m.Model); model != "" {
				id = fmt.Sprintf("%s:%s", base, model)
			} else {
				id = base
			}
			logger.Warnf("未配置 ai.providers.id，已为 %q 生成 ID: %s", m.BaseURL, id)
		}
		keyEnv := strings.TrimSpace(m.APIKeyEnv)
		if keyEnv == "" {
			logger.Warnf("模型 %s 未配置 api_key_env，已跳过", id)
			continue
		}
		apiKey := strings.TrimSpace(os.Getenv(keyEnv))
		if apiKey == "" {
			logger.Warnf("环境变量 %s 为空，模型 %s 已跳过", keyEnv, id)
			continue
		}
		model := strings.TrimSpace(m.Model)
		if env := strings.TrimSpace(m.ModelEnv); env != "" {
			if override := strings.TrimSpace(os.Getenv(env)); override != "" {
				model = override
			}
		}
		client := &ChatClient{
			BaseURL:      m.BaseURL,
			APIKey:       apiKey,
			Model:        model,
			MaxRetries:   opts.MaxRetries,
			Temperature:  opts.Temperature,
			ExtraHeaders: m.Headers,
		}
		if opts.Timeout > 0 {
			client.Timeout = opts.Timeout
		}
		out = append(out, &chatProvider{id: id, client: client})
	}
	return out
}
