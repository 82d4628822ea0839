package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"researchgo/internal/config"
	"researchgo/internal/secrets"
)

// SearchToolName is the single tool the agent may request.
const SearchToolName = "web_search"

const searchTimeout = 10 * time.Second

// Searcher executes one web search. Arguments is the raw JSON object from the
// assistant's tool call.
type Searcher interface {
	Search(ctx context.Context, arguments string) (string, error)
}

// SearchToolInfo describes the web_search capability declared to the model.
func SearchToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: SearchToolName,
		Desc: "Search the web for information. Returns a list of result titles and descriptions.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language search query",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
}

type searchParams struct {
	Query string `json:"query"`
}

// WebSearch runs queries against Google's programmable search when configured
// and falls back to DuckDuckGo otherwise.
type WebSearch struct {
	google tool.InvokableTool
	duck   tool.InvokableTool
}

// NewWebSearch builds the search capability. Missing Google credentials only
// disable that provider; DuckDuckGo needs no token.
func NewWebSearch(ctx context.Context, cfg config.SearchConfig, resolver *secrets.Resolver) *WebSearch {
	w := &WebSearch{}

	apiKey := resolver.Get(ctx, secrets.GoogleAPIKey)
	engineID := resolver.Get(ctx, secrets.GoogleSearchEngineID)
	if apiKey != "" && engineID != "" {
		lang := cfg.Lang
		if lang == "" {
			lang = "en"
		}
		googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "web_search_google",
			ToolDesc:       "Google Search Tool",
			APIKey:         apiKey,
			SearchEngineID: engineID,
			Lang:           lang,
			Num:            cfg.MaxResults,
		})
		if err != nil {
			log.Printf("google search disabled: %v", err)
		} else {
			w.google = googleTool
		}
	} else {
		log.Printf("google search disabled: missing %s or %s", secrets.GoogleAPIKey, secrets.GoogleSearchEngineID)
	}

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 3
	}
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: maxResults,
		Region:     duckduckgo.RegionWT,
		Timeout:    searchTimeout,
	})
	if err != nil {
		log.Printf("duckduckgo search disabled: %v", err)
	} else {
		w.duck = duckTool
	}

	return w
}

// Search tries each configured provider in order and returns the first result.
func (w *WebSearch) Search(ctx context.Context, arguments string) (string, error) {
	var params searchParams
	if err := json.Unmarshal([]byte(arguments), &params); err != nil {
		return "", fmt.Errorf("decode search arguments: %w", err)
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("google search failed: %v", err)
		}
	}
	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}
	return "", errors.New("no search provider succeeded")
}
