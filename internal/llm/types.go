package llm

import (
	"context"

	"github.com/google/uuid"
)

// Message is a single chat message, shaped so ProviderCallable
// implementations can be thin adapters over a real SDK client.
type Message struct {
	Role    string
	Content string
}

// Usage is the token accounting a provider response may report. A nil
// *Usage from a callable means "no usage block": the wrapper then falls
// back to the token estimator and marks the event source=estimated.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ReasoningTokens  int
}

// ChatRequest is what a ProviderCallable receives for a non-streaming or
// streaming chat call.
type ChatRequest struct {
	Model    string
	Messages []Message
}

// ChatResponse is the non-streaming provider result.
type ChatResponse struct {
	Text  string
	Usage *Usage
}

// StreamChunk is one element of a streaming provider response. Chunks are
// never reordered by the wrapper; the final chunk may carry Usage if the
// provider reports it only at stream end.
type StreamChunk struct {
	DeltaText            string
	DeltaTokens          int
	DeltaReasoningTokens int
	Usage                *Usage
	Err                  error
}

// EmbedResponse is the provider result for an embedding call.
type EmbedResponse struct {
	Vector []float64
	Usage  *Usage
}

// ProviderCallable is the only seam between this package and an actual
// provider SDK.
type ProviderCallable interface {
	Call(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// EmbedCallable is the embedding-variant seam.
type EmbedCallable interface {
	Embed(ctx context.Context, model, text string) (*EmbedResponse, error)
}

// SessionCtx is the identifier tuple attached to every usage event for
// traceability.
type SessionCtx struct {
	TenantID     uuid.UUID
	UserID       *uuid.UUID
	WorkspaceID  *uuid.UUID
	SessionID    string
	RunID        string
	StepID       string
	ParentStepID string
	AgentName    string
}

// CallInput is everything Wrapper.Call needs for one logical call.
type CallInput struct {
	Provider     string
	Model        string
	ModelVersion string
	Messages     []Message
	Ctx          SessionCtx
	ToolName     string
	Stream       bool
	AttemptN     int
	CacheHit     bool
	Callable     ProviderCallable
}

// CallResult is the provider's response plus the accounting the caller may
// want to inspect (the event itself is already durably persisted by the
// time Call returns).
type CallResult struct {
	Text       string
	Usage      Usage
	CostUSD    string // decimal.Decimal.String(), kept string here to avoid forcing decimal on every caller
	Source     string
	LatencyMS  int64
	Retries    int
}

// EmbedInput is the embedding-variant of CallInput.
type EmbedInput struct {
	Provider     string
	Model        string
	ModelVersion string
	Text         string
	Ctx          SessionCtx
	AttemptN     int
	CacheHit     bool
	Callable     EmbedCallable
}

// EmbedResult mirrors CallResult for embeddings (CompletionTokens is
// always 0).
type EmbedResult struct {
	Vector    []float64
	Usage     Usage
	CostUSD   string
	Source    string
	LatencyMS int64
	Retries   int
}
