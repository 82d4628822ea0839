package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"researchgo/internal/config"
	"researchgo/internal/models"
	"researchgo/internal/secrets"
)

type fakeChatModel struct {
	reply *schema.Message
	err   error
	calls int
}

func (f *fakeChatModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func (f *fakeChatModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

func TestNewGeneratorWithoutCredential(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	if _, err := NewGenerator(context.Background(), cfg, secrets.NewResolver(nil)); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
}

func TestNewGeneratorSkipsEntriesWithoutKeys(t *testing.T) {
	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"openai": {APIKey: "sk-test"},
		},
		Agent: config.AgentConfig{
			Models: []config.ModelRef{
				{Provider: "claude", Model: "claude-3-5-haiku"},
				{Provider: "openai", Model: "gpt-4o-mini"},
			},
		},
	}
	cfg.ApplyDefaults()

	gen, err := NewGenerator(context.Background(), cfg, secrets.NewResolver(nil))
	if err != nil {
		t.Fatalf("NewGenerator error: %v", err)
	}
	if len(gen.entries) != 1 || gen.entries[0].ref.Provider != "openai" {
		t.Fatalf("expected single openai entry, got %#v", gen.entries)
	}
}

func TestNewGeneratorGeminiFromSecretStore(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	t.Setenv(secrets.GoogleAPIKey, "test-key")

	gen, err := NewGenerator(context.Background(), cfg, secrets.NewResolver(nil))
	if err != nil {
		t.Fatalf("NewGenerator error: %v", err)
	}
	if len(gen.entries) != 1 || gen.entries[0].apiKey != "test-key" {
		t.Fatalf("expected gemini entry with env key, got %#v", gen.entries)
	}
}

func TestGenerateFailsOverToNextEntry(t *testing.T) {
	primary := &fakeChatModel{err: errors.New("rate limited")}
	fallback := &fakeChatModel{reply: &schema.Message{Role: schema.Assistant, Content: "report"}}

	gen := &FailoverGenerator{
		cfg: &config.Config{},
		entries: []modelEntry{
			{ref: config.ModelRef{Provider: "gemini", Model: "gemini-1.5-flash"}, apiKey: "a"},
			{ref: config.ModelRef{Provider: "openai", Model: "gpt-4o-mini"}, apiKey: "b"},
		},
		built: map[int]model.ToolCallingChatModel{0: primary, 1: fallback},
	}

	msg, err := gen.Generate(context.Background(), []*models.Message{
		{Role: models.RoleUser, Content: "Research: 'x'."},
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if msg.Content != "report" {
		t.Fatalf("expected fallback reply, got %#v", msg)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected both entries tried once, got %d and %d", primary.calls, fallback.calls)
	}
}

func TestGenerateReturnsLastErrorWhenAllFail(t *testing.T) {
	failing := &fakeChatModel{err: errors.New("quota exhausted")}
	gen := &FailoverGenerator{
		cfg: &config.Config{},
		entries: []modelEntry{
			{ref: config.ModelRef{Provider: "gemini", Model: "gemini-1.5-flash"}, apiKey: "a"},
		},
		built: map[int]model.ToolCallingChatModel{0: failing},
	}

	if _, err := gen.Generate(context.Background(), nil); err == nil {
		t.Fatal("expected error when every entry fails")
	}
}

func TestSchemaMessageRoundTrip(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: "Research: 'x'."},
		{Role: models.RoleAssistant, ToolCall: &models.ToolCall{
			ID: "call-1", Name: SearchToolName, Arguments: `{"query":"x"}`,
		}},
		{Role: models.RoleTool, Content: "results", ToolCallID: "call-1"},
	}

	msgs := toSchemaMessages(history)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != schema.User || msgs[1].Role != schema.Assistant || msgs[2].Role != schema.Tool {
		t.Fatalf("role mapping wrong: %v %v %v", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Function.Name != SearchToolName {
		t.Fatalf("tool call not converted: %#v", msgs[1].ToolCalls)
	}
	if msgs[2].ToolCallID != "call-1" {
		t.Fatalf("tool call id not converted: %q", msgs[2].ToolCallID)
	}

	back := fromSchemaMessage(&schema.Message{
		Role:    schema.Assistant,
		Content: "",
		ToolCalls: []schema.ToolCall{{
			ID:       "call-2",
			Function: schema.FunctionCall{Name: SearchToolName, Arguments: `{"query":"y"}`},
		}},
	})
	if back.ToolCall == nil || back.ToolCall.ID != "call-2" || back.ToolCall.Arguments != `{"query":"y"}` {
		t.Fatalf("assistant conversion lost tool call: %#v", back)
	}

	plain := fromSchemaMessage(&schema.Message{Role: schema.Assistant, Content: "done"})
	if plain.ToolCall != nil || plain.Content != "done" {
		t.Fatalf("plain assistant conversion wrong: %#v", plain)
	}
}
