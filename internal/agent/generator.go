package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"researchgo/internal/config"
	"researchgo/internal/models"
	"researchgo/internal/secrets"
)

// ErrNoCredential reports that no configured model entry has a usable API key.
var ErrNoCredential = errors.New("no generation credential available")

// Generator produces the next assistant message for a transcript.
type Generator interface {
	Generate(ctx context.Context, history []*models.Message) (*models.Message, error)
}

type modelEntry struct {
	ref    config.ModelRef
	apiKey string
}

// FailoverGenerator walks an ordered list of provider/model entries. A
// generation error advances to the next entry; only when every entry fails
// does the call itself fail.
type FailoverGenerator struct {
	cfg     *config.Config
	entries []modelEntry
	tools   []*schema.ToolInfo

	mu    sync.Mutex
	built map[int]model.ToolCallingChatModel
}

// NewGenerator resolves credentials for each configured model entry and drops
// those without one. Returns ErrNoCredential when nothing is usable.
func NewGenerator(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, tools ...*schema.ToolInfo) (*FailoverGenerator, error) {
	var entries []modelEntry
	for _, ref := range cfg.Agent.Models {
		key := credentialFor(ctx, cfg, resolver, ref.Provider)
		if key == "" {
			log.Printf("model %s/%s skipped: no credential", ref.Provider, ref.Model)
			continue
		}
		entries = append(entries, modelEntry{ref: ref, apiKey: key})
	}
	if len(entries) == 0 {
		return nil, ErrNoCredential
	}
	return &FailoverGenerator{
		cfg:     cfg,
		entries: entries,
		tools:   tools,
		built:   make(map[int]model.ToolCallingChatModel),
	}, nil
}

func credentialFor(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, provider string) string {
	if provCfg, ok := cfg.Providers[provider]; ok && provCfg.APIKey != "" {
		return provCfg.APIKey
	}
	if provider == "gemini" {
		return resolver.Get(ctx, secrets.GoogleAPIKey)
	}
	return ""
}

// Generate invokes the model entries in order until one returns a message.
func (g *FailoverGenerator) Generate(ctx context.Context, history []*models.Message) (*models.Message, error) {
	msgs := toSchemaMessages(history)

	var lastErr error
	for i := range g.entries {
		chatModel, err := g.modelFor(ctx, i)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := chatModel.Generate(ctx, msgs)
		if err != nil {
			ref := g.entries[i].ref
			log.Printf("generation with %s/%s failed: %v", ref.Provider, ref.Model, err)
			lastErr = err
			continue
		}
		return fromSchemaMessage(resp), nil
	}
	if lastErr == nil {
		lastErr = ErrNoCredential
	}
	return nil, lastErr
}

// modelFor lazily builds the chat model for one entry and binds the tool set.
func (g *FailoverGenerator) modelFor(ctx context.Context, idx int) (model.ToolCallingChatModel, error) {
	g.mu.Lock()
	if cm, ok := g.built[idx]; ok {
		g.mu.Unlock()
		return cm, nil
	}
	g.mu.Unlock()

	entry := g.entries[idx]
	provCfg := g.cfg.Providers[entry.ref.Provider]

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch entry.ref.Provider {
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: entry.apiKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		temperature := float32(0)
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      client,
			Model:       entry.ref.Model,
			Temperature: &temperature,
		})
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   entry.ref.Model,
			APIKey:  entry.apiKey,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    entry.apiKey,
			Model:     entry.ref.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", entry.ref.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", entry.ref.Provider, err)
	}

	if len(g.tools) > 0 {
		chatModel, err = chatModel.WithTools(g.tools)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}

	g.mu.Lock()
	g.built[idx] = chatModel
	g.mu.Unlock()
	return chatModel, nil
}

func toSchemaMessages(history []*models.Message) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			msgs = append(msgs, &schema.Message{Role: schema.User, Content: msg.Content})
		case models.RoleAssistant:
			sm := &schema.Message{Role: schema.Assistant, Content: msg.Content}
			if msg.ToolCall != nil {
				sm.ToolCalls = []schema.ToolCall{{
					ID:   msg.ToolCall.ID,
					Type: "function",
					Function: schema.FunctionCall{
						Name:      msg.ToolCall.Name,
						Arguments: msg.ToolCall.Arguments,
					},
				}}
			}
			msgs = append(msgs, sm)
		case models.RoleTool:
			msgs = append(msgs, &schema.Message{
				Role:       schema.Tool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return msgs
}

func fromSchemaMessage(resp *schema.Message) *models.Message {
	msg := &models.Message{
		Role:      models.RoleAssistant,
		Content:   resp.Content,
		CreatedAt: time.Now().UTC(),
	}
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		msg.ToolCall = &models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
	}
	return msg
}
