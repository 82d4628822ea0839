package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"researchgo/internal/models"
)

// Node names reported in step events.
const (
	NodeAgent = "agent"
	NodeTools = "tools"
)

const (
	// MissingCredentialText is the fixed terminal content when no generation
	// credential is configured. The loop issues zero network calls in that case.
	MissingCredentialText = "Research agent is not configured: set GOOGLE_API_KEY (or a provider api_key) and try again."

	budgetExceededText = "Research stopped: the step budget was reached before the report was finished. Try a narrower topic."
)

// StepEvent describes one node execution, for progress display.
type StepEvent struct {
	Seq    int       `json:"seq"`
	Node   string    `json:"node"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// EmitFunc receives step events while a run is in flight. Returning an error
// aborts the run.
type EmitFunc func(StepEvent) error

// RunResult carries the terminal message and the full transcript of one run.
// Failed marks configuration, generation, and budget terminals; the terminal
// content then describes the failure instead of a report.
type RunResult struct {
	Final      *models.Message
	Transcript []*models.Message
	Failed     bool
}

// Loop drives the two-state research machine: an agent step generates the
// next assistant message, a tools step answers its tool call, and the run
// terminates on the first assistant message with no tool call. The transcript
// is append-only and never reordered.
type Loop struct {
	gen       Generator
	search    Searcher
	maxSteps  int
	stepDelay time.Duration
}

// NewLoop builds a loop. gen may be nil when no credential resolved; Run then
// short-circuits to the configuration-error terminal. maxSteps bounds agent
// executions per run. stepDelay, when positive, is slept before every
// generation call to stay under provider rate ceilings.
func NewLoop(gen Generator, search Searcher, maxSteps int, stepDelay time.Duration) *Loop {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	return &Loop{gen: gen, search: search, maxSteps: maxSteps, stepDelay: stepDelay}
}

// Invoke runs the loop to its terminal message without progress events.
func (l *Loop) Invoke(ctx context.Context, topic string) (*RunResult, error) {
	return l.Run(ctx, topic, nil)
}

// Run executes the loop for one topic, emitting one event per node execution.
// The terminal message is captured during this single pass. The only error
// returns are context expiry and emit failures; model and tool problems are
// folded into the transcript per the loop's failure contract.
func (l *Loop) Run(ctx context.Context, topic string, emit EmitFunc) (*RunResult, error) {
	now := time.Now().UTC()
	transcript := []*models.Message{{
		Role:      models.RoleUser,
		Content:   fmt.Sprintf("Research: '%s'. Report with bullet points.", topic),
		CreatedAt: now,
	}}

	seq := 0
	send := func(node, detail string) error {
		if emit == nil {
			return nil
		}
		seq++
		return emit(StepEvent{Seq: seq, Node: node, Detail: detail, At: time.Now().UTC()})
	}

	if l.gen == nil {
		final := assistantMessage(MissingCredentialText)
		transcript = append(transcript, final)
		if err := send(NodeAgent, "configuration error"); err != nil {
			return nil, err
		}
		return &RunResult{Final: final, Transcript: transcript, Failed: true}, nil
	}

	for step := 0; step < l.maxSteps; step++ {
		if l.stepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.stepDelay):
			}
		}

		resp, err := l.gen.Generate(ctx, transcript)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			final := assistantMessage("Research failed: " + err.Error())
			transcript = append(transcript, final)
			if emitErr := send(NodeAgent, "generation failed"); emitErr != nil {
				return nil, emitErr
			}
			return &RunResult{Final: final, Transcript: transcript, Failed: true}, nil
		}
		transcript = append(transcript, resp)

		if resp.ToolCall == nil {
			if err := send(NodeAgent, "Writing report..."); err != nil {
				return nil, err
			}
			return &RunResult{Final: resp, Transcript: transcript}, nil
		}

		query := queryOf(resp.ToolCall)
		if err := send(NodeAgent, "Searching: "+query); err != nil {
			return nil, err
		}

		result, err := l.search.Search(ctx, resp.ToolCall.Arguments)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// tool failures stay inside the transcript so the agent can react
			result = fmt.Sprintf("%s failed: %v", SearchToolName, err)
		}
		transcript = append(transcript, &models.Message{
			Role:       models.RoleTool,
			Content:    result,
			ToolCallID: resp.ToolCall.ID,
			CreatedAt:  time.Now().UTC(),
		})
		if err := send(NodeTools, SearchToolName+": "+query); err != nil {
			return nil, err
		}
	}

	final := assistantMessage(budgetExceededText)
	transcript = append(transcript, final)
	if err := send(NodeAgent, "step budget reached"); err != nil {
		return nil, err
	}
	return &RunResult{Final: final, Transcript: transcript, Failed: true}, nil
}

func assistantMessage(content string) *models.Message {
	return &models.Message{
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func queryOf(call *models.ToolCall) string {
	var params searchParams
	if err := json.Unmarshal([]byte(call.Arguments), &params); err == nil {
		if q := strings.TrimSpace(params.Query); q != "" {
			return q
		}
	}
	return call.Arguments
}
