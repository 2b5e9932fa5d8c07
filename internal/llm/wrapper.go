package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/llmcore/llmcore/internal/alert"
	"github.com/llmcore/llmcore/internal/budget"
	"github.com/llmcore/llmcore/internal/cost"
	"github.com/llmcore/llmcore/internal/pricing"
	"github.com/llmcore/llmcore/internal/redact"
	"github.com/llmcore/llmcore/internal/retry"
	"github.com/llmcore/llmcore/internal/tokens"
	"github.com/llmcore/llmcore/internal/tracer"
	"github.com/llmcore/llmcore/internal/usage"
	"github.com/llmcore/llmcore/pkg/circuitbreaker"
)

// defaultOutputTokenEstimate is the wrapper's default output budget used
// only to produce a pre-check ceiling; the exact number is not
// load-bearing, it only has to be a reasonable one.
const defaultOutputTokenEstimate = 500

// Wrapper orchestrates pricing, budgeting, redaction, tracing, and usage
// persistence around an injected ProviderCallable. It holds no call-scoped
// state: every field here is safe for concurrent use across any number of
// simultaneous calls.
type Wrapper struct {
	prices  *pricing.Table
	budgets *budget.Guard
	events  *usage.Store
	tracer  *tracer.Tracer
	alerter alert.Alerter
	logger  *zap.Logger

	retryCfg *retry.Config

	defaultOutputTokens int

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.SimpleBreaker
}

// Option configures optional Wrapper behavior.
type Option func(*Wrapper)

func WithRetryConfig(cfg *retry.Config) Option {
	return func(w *Wrapper) { w.retryCfg = cfg }
}

func WithDefaultOutputTokens(n int) Option {
	return func(w *Wrapper) {
		if n > 0 {
			w.defaultOutputTokens = n
		}
	}
}

func New(prices *pricing.Table, budgets *budget.Guard, events *usage.Store, tr *tracer.Tracer, alerter alert.Alerter, logger *zap.Logger, opts ...Option) *Wrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter(logger)
	}
	w := &Wrapper{
		prices:              prices,
		budgets:             budgets,
		events:              events,
		tracer:              tr,
		alerter:             alerter,
		logger:              logger,
		retryCfg:            retry.DefaultConfig(),
		defaultOutputTokens: defaultOutputTokenEstimate,
		breakers:            make(map[string]*circuitbreaker.SimpleBreaker),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func breakerKey(provider, model string) string { return provider + "/" + model }

// breakerFor returns the per-(provider,model) circuit breaker, creating it
// on first use.
func (w *Wrapper) breakerFor(provider, model string) *circuitbreaker.SimpleBreaker {
	key := breakerKey(provider, model)
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[key]
	if !ok {
		b = circuitbreaker.New(5, 30*time.Second)
		w.breakers[key] = b
	}
	return b
}

func promptText(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func toEstimatorMessages(messages []Message) []tokens.Message {
	out := make([]tokens.Message, len(messages))
	for i, m := range messages {
		out[i] = tokens.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// lookupPrice returns the current price row, or a zero row meaning no
// price exists: the caller treats cost as 0 and marks the event
// source=estimated.
func (w *Wrapper) lookupPrice(ctx context.Context, provider, model string) (pricing.Row, bool) {
	if w.prices == nil {
		return pricing.Row{}, false
	}
	row, err := w.prices.GetLatestPrice(ctx, provider, model, time.Now())
	if err != nil {
		w.logger.Warn("llm: price lookup failed", zap.String("provider", provider), zap.String("model", model), zap.Error(err))
		return pricing.Row{}, false
	}
	if row == nil {
		return pricing.Row{}, false
	}
	return *row, true
}

// preCheck estimates a projected cost, evaluates the budget, dispatches an
// alert if notified, and writes a blocked event plus raises BudgetBlocked
// if the call must not proceed.
func (w *Wrapper) preCheck(ctx context.Context, in CallInput, estPromptTokens int) (projected decimal.Decimal, priced bool, price pricing.Row, err error) {
	price, priced = w.lookupPrice(ctx, in.Provider, in.Model)
	outputEstimate := w.defaultOutputTokens
	if priced {
		projected = cost.Compute(price, estPromptTokens, outputEstimate, 0, in.CacheHit)
	}

	if w.budgets == nil {
		return projected, priced, price, nil
	}

	decision, derr := w.budgets.Evaluate(ctx, in.Ctx.TenantID, projected)
	if derr != nil {
		return projected, priced, price, fmt.Errorf("llm: budget evaluate: %w", derr)
	}

	if decision.Notify {
		alert.Dispatch(w.alerter, w.logger, alert.Alert{
			TenantID: in.Ctx.TenantID.String(),
			Subject:  fmt.Sprintf("budget alert: %s", decision.State),
			Body:     decision.Message,
		})
	}

	if decision.ShouldBlock {
		event := w.blockedEvent(in)
		if aerr := w.events.Append(ctx, event); aerr != nil {
			w.logger.Error("llm: failed to persist blocked event", zap.Error(aerr))
		}
		return projected, priced, price, newBudgetBlocked(decision.Message)
	}

	return projected, priced, price, nil
}

func (w *Wrapper) blockedEvent(in CallInput) *usage.Event {
	return &usage.Event{
		Timestamp:    time.Now().UTC(),
		TenantID:     in.Ctx.TenantID,
		UserID:       in.Ctx.UserID,
		WorkspaceID:  in.Ctx.WorkspaceID,
		SessionID:    in.Ctx.SessionID,
		RunID:        in.Ctx.RunID,
		StepID:       in.Ctx.StepID,
		ParentStepID: in.Ctx.ParentStepID,
		AgentName:    in.Ctx.AgentName,
		ToolName:     in.ToolName,
		Provider:     in.Provider,
		Model:        in.Model,
		ModelVersion: in.ModelVersion,
		Status:       usage.StatusBlocked,
		Source:       usage.SourceEstimated,
		CostUSD:      decimal.Zero,
	}
}

// spanAttributes builds the identifying attribute set for a call span.
func spanAttributes(in CallInput, u Usage, costUSD decimal.Decimal, cacheHit bool, retries int, status string, errorCode string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("provider", in.Provider),
		attribute.String("model", in.Model),
		attribute.String("tenant_id", in.Ctx.TenantID.String()),
		attribute.String("session_id", in.Ctx.SessionID),
		attribute.String("run_id", in.Ctx.RunID),
		attribute.String("step_id", in.Ctx.StepID),
		attribute.Int("tokens.prompt", u.PromptTokens),
		attribute.Int("tokens.completion", u.CompletionTokens),
		attribute.Int("tokens.total", u.TotalTokens),
		attribute.String("cost.usd", costUSD.String()),
		attribute.Bool("cache.hit", cacheHit),
		attribute.Int("retries", retries),
		attribute.String("status", status),
	}
	if errorCode != "" {
		attrs = append(attrs, attribute.String("error_code", errorCode))
	}
	return attrs
}

// Call runs the estimate -> pre-check -> dispatch -> reconcile -> persist
// -> commit pipeline for both streaming and non-streaming dispatch.
func (w *Wrapper) Call(ctx context.Context, in CallInput) (*CallResult, error) {
	start := time.Now()
	retries := 0
	if in.AttemptN > 1 {
		retries = in.AttemptN - 1
	}

	_, promptDigest, redactionApplied := redact.Redact(promptText(in.Messages))
	estPrompt := tokens.EstimateMessages(toEstimatorMessages(in.Messages), in.Model)

	projected, priced, price, err := w.preCheck(ctx, in, estPrompt)
	if err != nil {
		return nil, err
	}

	spanCtx, span := w.tracer.Open(ctx, "llm.call")
	defer span.Close(nil)

	var (
		responseText     string
		finalUsage       Usage
		source           = usage.SourceEstimated
		callErr          error
		completionDigest string
		reported         bool
	)
	finalUsage.PromptTokens = estPrompt

	breaker := w.breakerFor(in.Provider, in.Model)
	if breaker.IsOpen() {
		callErr = newProviderError("circuit_open", errors.New("circuit breaker open for provider/model"))
	} else if in.Stream {
		responseText, finalUsage, reported, callErr = w.dispatchStream(spanCtx, in, estPrompt)
	} else {
		responseText, finalUsage, reported, callErr = w.dispatchCall(spanCtx, in, estPrompt)
	}

	if callErr == nil {
		breaker.RecordSuccess()
		if reported {
			source = usage.SourceProvider
		}
	} else {
		breaker.RecordFailure()
	}

	actualCost := decimal.Zero
	if priced {
		actualCost = cost.Compute(price, finalUsage.PromptTokens, finalUsage.CompletionTokens, finalUsage.ReasoningTokens, in.CacheHit)
	} else {
		// No price row: not an error, but the event always records
		// cost_usd=0, source=estimated regardless of whether the provider
		// itself reported usage.
		source = usage.SourceEstimated
	}
	_ = projected

	_, compDigest, compRedacted := redact.Redact(responseText)
	completionDigest = compDigest
	redactionApplied = redactionApplied || compRedacted

	status := usage.StatusOK
	errorCode := ""
	if callErr != nil {
		status = usage.StatusError
		var ce *CallError
		if errors.As(callErr, &ce) {
			errorCode = ce.Code
			if ce.Kind == KindCancelled {
				errorCode = "cancelled"
			}
		} else {
			errorCode = "unknown_error"
		}
	}

	event := &usage.Event{
		Timestamp:        time.Now().UTC(),
		TenantID:         in.Ctx.TenantID,
		UserID:           in.Ctx.UserID,
		WorkspaceID:      in.Ctx.WorkspaceID,
		SessionID:        in.Ctx.SessionID,
		RunID:            in.Ctx.RunID,
		StepID:           in.Ctx.StepID,
		ParentStepID:     in.Ctx.ParentStepID,
		AgentName:        in.Ctx.AgentName,
		ToolName:         in.ToolName,
		Provider:         in.Provider,
		Model:            in.Model,
		ModelVersion:     in.ModelVersion,
		PromptTokens:     finalUsage.PromptTokens,
		CompletionTokens: finalUsage.CompletionTokens,
		TotalTokens:      finalUsage.PromptTokens + finalUsage.CompletionTokens,
		CostUSD:          actualCost,
		Status:           status,
		Source:           source,
		CacheHit:         in.CacheHit,
		Retries:          retries,
		LatencyMS:        time.Since(start).Milliseconds(),
		ErrorCode:        errorCode,
		RedactionApplied: redactionApplied,
		PromptDigest:     promptDigest,
		CompletionDigest: completionDigest,
	}

	// Persist and commit even when the caller's ctx was cancelled mid-call.
	persistCtx := context.WithoutCancel(ctx)
	if aerr := w.events.Append(persistCtx, event); aerr != nil {
		w.logger.Error("llm: failed to persist usage event", zap.Error(aerr))
		if callErr == nil {
			callErr = aerr
		}
	}

	if w.budgets != nil {
		if _, cerr := w.budgets.Commit(persistCtx, in.Ctx.TenantID, actualCost); cerr != nil {
			w.logger.Error("llm: failed to commit budget", zap.Error(cerr))
		}
	}

	recordCallMetrics(in.Provider, in.Model, string(status), finalUsage, actualCost, time.Since(start))

	span.SetAttributes(spanAttributes(in, finalUsage, actualCost, in.CacheHit, retries, string(status), errorCode)...)
	span.Close(callErr)

	if callErr != nil {
		return nil, callErr
	}

	return &CallResult{
		Text:      responseText,
		Usage:     finalUsage,
		CostUSD:   actualCost.String(),
		Source:    string(source),
		LatencyMS: event.LatencyMS,
		Retries:   retries,
	}, nil
}

// dispatchCall runs the non-streaming path through retry and returns the
// reconciled usage, trusting a provider-reported total over a summed
// completion count.
func (w *Wrapper) dispatchCall(ctx context.Context, in CallInput, estPrompt int) (string, Usage, bool, error) {
	var resp *ChatResponse
	err := retry.Do(ctx, w.retryCfg, func(ctx context.Context) error {
		r, cerr := in.Callable.Call(ctx, ChatRequest{Model: in.Model, Messages: in.Messages})
		if cerr != nil {
			return cerr
		}
		resp = r
		return nil
	}, retry.DefaultIsRetryable)

	if err != nil {
		if ctx.Err() != nil {
			return "", Usage{PromptTokens: estPrompt}, false, newCancelled(ctx.Err())
		}
		return "", Usage{PromptTokens: estPrompt}, false, newProviderError(providerErrorCode(err), err)
	}

	u := Usage{PromptTokens: estPrompt}
	if resp.Usage != nil {
		u = reconcile(*resp.Usage, estPrompt)
	}
	return resp.Text, u, resp.Usage != nil, nil
}

// dispatchStream consumes the provider's channel of chunks in order,
// aggregating text and completion tokens in arrival order.
func (w *Wrapper) dispatchStream(ctx context.Context, in CallInput, estPrompt int) (string, Usage, bool, error) {
	ch, err := in.Callable.Stream(ctx, ChatRequest{Model: in.Model, Messages: in.Messages})
	if err != nil {
		return "", Usage{PromptTokens: estPrompt}, false, newProviderError(providerErrorCode(err), err)
	}

	var (
		text             strings.Builder
		completionTokens int
		reasoningTokens  int
		finalReported    *Usage
	)

	for {
		select {
		case <-ctx.Done():
			return text.String(), Usage{PromptTokens: estPrompt, CompletionTokens: completionTokens, ReasoningTokens: reasoningTokens, TotalTokens: estPrompt + completionTokens}, false, newCancelled(ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				u := Usage{PromptTokens: estPrompt, CompletionTokens: completionTokens, ReasoningTokens: reasoningTokens}
				if finalReported != nil {
					u = reconcile(*finalReported, estPrompt)
				} else {
					u.TotalTokens = u.PromptTokens + u.CompletionTokens
				}
				return text.String(), u, finalReported != nil, nil
			}
			if chunk.Err != nil {
				u := Usage{PromptTokens: estPrompt, CompletionTokens: completionTokens, ReasoningTokens: reasoningTokens, TotalTokens: estPrompt + completionTokens}
				return text.String(), u, false, newProviderError(providerErrorCode(chunk.Err), chunk.Err)
			}
			text.WriteString(chunk.DeltaText)
			completionTokens += chunk.DeltaTokens
			reasoningTokens += chunk.DeltaReasoningTokens
			if chunk.Usage != nil {
				finalReported = chunk.Usage
			}
		}
	}
}

// reconcile enforces total_tokens == prompt_tokens + completion_tokens: if
// TotalTokens is reported and inconsistent with prompt+completion, trust
// the total and adjust completion so the invariant holds.
func reconcile(reported Usage, estPrompt int) Usage {
	u := reported
	if u.PromptTokens == 0 {
		u.PromptTokens = estPrompt
	}
	if u.TotalTokens != 0 && u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		u.CompletionTokens = u.TotalTokens - u.PromptTokens
		if u.CompletionTokens < 0 {
			u.CompletionTokens = 0
		}
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

func providerErrorCode(err error) string {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "provider_error"
}

// Embed runs the embedding variant of Call: the same pipeline with
// CompletionTokens fixed at 0 and a single input string.
func (w *Wrapper) Embed(ctx context.Context, in EmbedInput) (*EmbedResult, error) {
	start := time.Now()
	retries := 0
	if in.AttemptN > 1 {
		retries = in.AttemptN - 1
	}

	_, promptDigest, redactionApplied := redact.Redact(in.Text)
	estPrompt := tokens.EstimateText(in.Text, in.Model)

	callIn := CallInput{Provider: in.Provider, Model: in.Model, ModelVersion: in.ModelVersion, Ctx: in.Ctx, CacheHit: in.CacheHit}
	projected, priced, price, err := w.preCheck(ctx, callIn, estPrompt)
	_ = projected
	if err != nil {
		return nil, err
	}

	spanCtx, span := w.tracer.Open(ctx, "llm.embed")
	defer span.Close(nil)

	var (
		vector     []float64
		reportedU  *Usage
		callErr    error
	)

	breaker := w.breakerFor(in.Provider, in.Model)
	if breaker.IsOpen() {
		callErr = newProviderError("circuit_open", errors.New("circuit breaker open for provider/model"))
	} else {
		err := retry.Do(spanCtx, w.retryCfg, func(ctx context.Context) error {
			r, cerr := in.Callable.Embed(ctx, in.Model, in.Text)
			if cerr != nil {
				return cerr
			}
			vector = r.Vector
			reportedU = r.Usage
			return nil
		}, retry.DefaultIsRetryable)
		if err != nil {
			if spanCtx.Err() != nil {
				callErr = newCancelled(spanCtx.Err())
			} else {
				callErr = newProviderError(providerErrorCode(err), err)
			}
		}
	}

	if callErr == nil {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}

	u := Usage{PromptTokens: estPrompt}
	source := usage.SourceEstimated
	if reportedU != nil {
		u.PromptTokens = reportedU.PromptTokens
		source = usage.SourceProvider
	}
	u.TotalTokens = u.PromptTokens

	actualCost := decimal.Zero
	if priced {
		actualCost = cost.Compute(price, u.PromptTokens, 0, 0, in.CacheHit)
	} else {
		source = usage.SourceEstimated
	}

	status := usage.StatusOK
	errorCode := ""
	if callErr != nil {
		status = usage.StatusError
		var ce *CallError
		if errors.As(callErr, &ce) {
			errorCode = ce.Code
		}
	}

	event := &usage.Event{
		Timestamp:    time.Now().UTC(),
		TenantID:     in.Ctx.TenantID,
		UserID:       in.Ctx.UserID,
		WorkspaceID:  in.Ctx.WorkspaceID,
		SessionID:    in.Ctx.SessionID,
		RunID:        in.Ctx.RunID,
		StepID:       in.Ctx.StepID,
		ParentStepID: in.Ctx.ParentStepID,
		AgentName:    in.Ctx.AgentName,
		Provider:     in.Provider,
		Model:        in.Model,
		ModelVersion: in.ModelVersion,
		PromptTokens: u.PromptTokens,
		TotalTokens:  u.PromptTokens,
		CostUSD:      actualCost,
		Status:       status,
		Source:       source,
		CacheHit:     in.CacheHit,
		Retries:      retries,
		LatencyMS:    time.Since(start).Milliseconds(),
		ErrorCode:    errorCode,
		RedactionApplied: redactionApplied,
		PromptDigest:     promptDigest,
	}

	// Persist and commit even when the caller's ctx was cancelled mid-call.
	persistCtx := context.WithoutCancel(ctx)
	if aerr := w.events.Append(persistCtx, event); aerr != nil {
		w.logger.Error("llm: failed to persist embed usage event", zap.Error(aerr))
	}

	if w.budgets != nil {
		if _, cerr := w.budgets.Commit(persistCtx, in.Ctx.TenantID, actualCost); cerr != nil {
			w.logger.Error("llm: failed to commit budget", zap.Error(cerr))
		}
	}

	recordCallMetrics(in.Provider, in.Model, string(status), u, actualCost, time.Since(start))
	span.SetAttributes(spanAttributes(CallInput{Provider: in.Provider, Model: in.Model, Ctx: in.Ctx}, u, actualCost, in.CacheHit, retries, string(status), errorCode)...)
	span.Close(callErr)

	if callErr != nil {
		return nil, callErr
	}

	return &EmbedResult{
		Vector:    vector,
		Usage:     u,
		CostUSD:   actualCost.String(),
		Source:    string(source),
		LatencyMS: time.Since(start).Milliseconds(),
		Retries:   retries,
	}, nil
}
