// Package chat runs a conversation turn end to end: context selection,
// provider invocation, persistence and the post-turn tasks.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"llm-relay/internal/contextbuilder"
	"llm-relay/internal/models"
	"llm-relay/internal/router"
	"llm-relay/internal/store"
	"llm-relay/internal/tasks"
	"llm-relay/internal/tokens"
)

const (
	// AbortTTL bounds how long a stop flag stays readable.
	AbortTTL = 10 * time.Minute
	// abortPollInterval is the number of chunks between abort flag reads.
	abortPollInterval = 10
)

// ErrInvalidRequest marks caller mistakes detected before any upstream call.
var ErrInvalidRequest = errors.New("invalid chat request")

var tracer = otel.Tracer("llm-relay/chat")

// Request is one user turn.
type Request struct {
	ConversationID  string                  `json:"conversation_id,omitempty"`
	ParentMessageID string                  `json:"parent_message_id,omitempty"`
	Model           string                  `json:"model"`
	Content         models.Content          `json:"content"`
	SystemPrompt    string                  `json:"system_prompt,omitempty"`
	Endpoint        string                  `json:"endpoint,omitempty"`
	Temperature     *float64                `json:"temperature,omitempty"`
	TopP            *float64                `json:"top_p,omitempty"`
	MaxTokens       *int                    `json:"max_tokens,omitempty"`
	Stop            []string                `json:"stop,omitempty"`
	Tools           []models.ToolDefinition `json:"tools,omitempty"`
	ToolChoice      *models.ToolChoice      `json:"tool_choice,omitempty"`
	Hints           *models.ProviderHints   `json:"hints,omitempty"`
	Stream          bool                    `json:"stream,omitempty"`
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Router        *router.Router
	Messages      store.MessageStore
	Conversations store.ConversationStore
	Aborts        store.AbortStore
	// Tasks defaults to a LogSink.
	Tasks tasks.Sink
	// Summarizer defaults to a ModelSummarizer on the turn's model.
	Summarizer  Summarizer
	Strategy    contextbuilder.Strategy
	MinMessages int
	Logger      *zap.Logger
}

// Orchestrator runs chat turns. It is safe for concurrent use.
type Orchestrator struct {
	router        *router.Router
	messages      store.MessageStore
	conversations store.ConversationStore
	aborts        store.AbortStore
	tasks         tasks.Sink
	summarizer    Summarizer
	strategy      contextbuilder.Strategy
	minMessages   int
	logger        *zap.Logger
	now           func() time.Time
}

// New builds an orchestrator from opts.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Tasks
	if sink == nil {
		sink = tasks.LogSink{Logger: logger}
	}
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = NewModelSummarizer(opts.Router, "")
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = contextbuilder.Summarize
	}
	return &Orchestrator{
		router:        opts.Router,
		messages:      opts.Messages,
		conversations: opts.Conversations,
		aborts:        opts.Aborts,
		tasks:         sink,
		summarizer:    summarizer,
		strategy:      strategy,
		minMessages:   opts.MinMessages,
		logger:        logger,
		now:           time.Now,
	}
}

// Abort asks the stream producing messageID to stop.
func (o *Orchestrator) Abort(ctx context.Context, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: message_id must be provided", ErrInvalidRequest)
	}
	return o.aborts.Put(ctx, messageID, AbortTTL)
}

// turn carries the state of one send through its stages.
type turn struct {
	req          Request
	model        models.ModelConfig
	profile      tokens.Profile
	conversation store.Conversation
	created      bool
	user         store.Message
	assistantID  string
	summary      *store.Summary
	excluded     []store.Message
	request      models.ChatRequest
}

func (t *turn) logFields() []zap.Field {
	return []zap.Field{
		zap.String("conversation_id", t.conversation.ID),
		zap.String("message_id", t.assistantID),
		zap.String("model", t.model.ID),
		zap.String("provider", t.model.Provider),
	}
}

// prepare covers Init, EnsureConversation and BuildContext.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*turn, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("%w: model must be provided", ErrInvalidRequest)
	}
	if req.Content.Empty() {
		return nil, fmt.Errorf("%w: message content must not be empty", ErrInvalidRequest)
	}

	modelInfo, prov, err := o.router.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	t := &turn{
		req:         req,
		model:       modelInfo,
		profile:     tokens.ForKind(string(prov.Kind())),
		assistantID: uuid.NewString(),
	}

	if err := o.ensureConversation(ctx, t); err != nil {
		return nil, err
	}

	history, err := o.history(ctx, t)
	if err != nil {
		return nil, err
	}

	parent := req.ParentMessageID
	if parent == "" && len(history) > 0 {
		parent = history[len(history)-1].ID
	}
	t.user = store.Message{
		ID:              uuid.NewString(),
		ConversationID:  t.conversation.ID,
		ParentMessageID: parent,
		Role:            models.RoleUser,
		Content:         req.Content,
		Model:           modelInfo.ID,
		Provider:        modelInfo.Provider,
		CreatedAt:       o.now(),
	}
	t.user.TokenCount = t.profile.Message(t.user.ChatMessage())

	candidates := make([]models.ChatMessage, 0, len(history)+1)
	for _, msg := range history {
		candidates = append(candidates, msg.ChatMessage())
	}
	candidates = append(candidates, t.user.ChatMessage())

	system, hints := effectiveSystemPrompt(req)
	summaryText := ""
	if t.summary != nil {
		summaryText = t.summary.Content
	}
	built := contextbuilder.New(t.profile.Message).Build(candidates, contextbuilder.Options{
		ContextWindow: modelInfo.ContextWindow,
		MaxTokens:     req.MaxTokens,
		SystemPrompt:  system,
		Summary:       summaryText,
		Strategy:      o.strategy,
		MinMessages:   max(o.minMessages, 1),
	})
	if built.NeedsSummarization {
		t.excluded = history[:len(built.Excluded)]
	}
	if built.Overflow {
		o.logger.Warn("context exceeds budget after forcing minimum messages",
			append(t.logFields(), zap.Int("tokens", built.TokenCount), zap.Int("available", built.Available))...)
	}

	messages := make([]models.ChatMessage, 0, len(built.Messages)+2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: models.Text(system)})
	}
	if summaryText != "" {
		messages = append(messages, summaryMessage(summaryText))
	}
	messages = append(messages, built.Messages...)

	t.request = models.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Hints:       hints,
	}
	return t, nil
}

// effectiveSystemPrompt applies a hint override to the request's system
// prompt. The returned hints no longer carry the override, so adapters keep
// the summary message that follows it.
func effectiveSystemPrompt(req Request) (string, *models.ProviderHints) {
	if req.Hints == nil || strings.TrimSpace(req.Hints.SystemPrompt) == "" {
		return req.SystemPrompt, req.Hints
	}
	hints := *req.Hints
	hints.SystemPrompt = ""
	return req.Hints.SystemPrompt, &hints
}

func (o *Orchestrator) ensureConversation(ctx context.Context, t *turn) error {
	id := t.req.ConversationID
	if id != "" {
		conv, err := o.conversations.GetConversation(ctx, id)
		if err == nil {
			t.conversation = conv
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load conversation %s: %w", id, err)
		}
	} else {
		id = uuid.NewString()
	}

	now := o.now()
	conv := store.Conversation{ID: id, Model: t.model.ID, CreatedAt: now, UpdatedAt: now}
	if err := o.conversations.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("create conversation %s: %w", id, err)
	}
	t.conversation = conv
	t.created = true
	return nil
}

// history returns the messages eligible for the context window: error turns
// and anything already folded into the stored summary are left out.
func (o *Orchestrator) history(ctx context.Context, t *turn) ([]store.Message, error) {
	if t.created {
		return nil, nil
	}
	all, err := o.messages.FindByConversation(ctx, t.conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	if o.strategy == contextbuilder.Summarize {
		summary, err := o.conversations.GetSummary(ctx, t.conversation.ID)
		switch {
		case err == nil:
			for i, msg := range all {
				if msg.ID == summary.UpToMessageID {
					all = all[i+1:]
					t.summary = &summary
					break
				}
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("load summary: %w", err)
		}
	}

	out := make([]store.Message, 0, len(all))
	for i, msg := range all {
		if msg.Error {
			continue
		}
		// Tool calls nobody answered cannot be replayed upstream.
		if len(msg.ToolCalls) > 0 && (i+1 >= len(all) || all[i+1].Role != models.RoleTool) {
			msg.ToolCalls = nil
		}
		if msg.Content.Empty() && len(msg.ToolCalls) == 0 {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// persist writes the user message and the assistant reply.
func (o *Orchestrator) persist(ctx context.Context, t *turn, reply store.Message) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.messages.CreateMessage(ctx, t.user); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}
	if err := o.messages.CreateMessage(ctx, reply); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	conv := t.conversation
	conv.Model = t.model.ID
	conv.UpdatedAt = o.now()
	if err := o.conversations.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	t.conversation = conv
	return nil
}

func (o *Orchestrator) reply(t *turn, content string, calls []models.ToolCall, reason models.FinishReason, completionTokens int) store.Message {
	msg := store.Message{
		ID:              t.assistantID,
		ConversationID:  t.conversation.ID,
		ParentMessageID: t.user.ID,
		Role:            models.RoleAssistant,
		Content:         models.Text(content),
		ToolCalls:       calls,
		Model:           t.model.ID,
		Provider:        t.model.Provider,
		FinishReason:    models.Reason(reason),
		CreatedAt:       o.now(),
	}
	msg.TokenCount = completionTokens
	if msg.TokenCount <= 0 {
		msg.TokenCount = t.profile.Message(msg.ChatMessage())
	}
	return msg
}

// fail persists an error-marked reply for err.
func (o *Orchestrator) fail(ctx context.Context, t *turn, partial string, err error) {
	content := partial
	if content == "" {
		content = err.Error()
	}
	msg := o.reply(t, content, nil, models.FinishError, 0)
	msg.Error = true
	if perr := o.persist(ctx, t, msg); perr != nil {
		o.logger.Error("failed to persist error reply", append(t.logFields(), zap.Error(perr))...)
	}
}

// background runs the post-turn tasks and waits for all of them. Failures
// are logged and never reach the caller.
func (o *Orchestrator) background(ctx context.Context, t *turn, text string, reason models.FinishReason) string {
	ctx = context.WithoutCancel(ctx)
	info := tasks.Turn{
		ConversationID:     t.conversation.ID,
		UserMessageID:      t.user.ID,
		AssistantMessageID: t.assistantID,
		NewConversation:    t.created,
		Model:              t.model.ID,
		UserText:           t.user.Content.String(),
		AssistantText:      text,
		FinishReason:       reason,
	}

	var title string
	var g errgroup.Group
	if t.created {
		g.Go(func() error {
			generated, err := o.tasks.GenerateTitle(ctx, info)
			if err != nil {
				return fmt.Errorf("generate title: %w", err)
			}
			if generated == "" {
				return nil
			}
			conv := t.conversation
			conv.Title = generated
			if err := o.conversations.UpdateConversation(ctx, conv); err != nil {
				return fmt.Errorf("save title: %w", err)
			}
			title = generated
			return nil
		})
	}
	g.Go(func() error {
		if err := o.tasks.ExtractMemory(ctx, info); err != nil {
			return fmt.Errorf("extract memory: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := o.tasks.ExtractArtifacts(ctx, info); err != nil {
			return fmt.Errorf("extract artifacts: %w", err)
		}
		return nil
	})
	if len(t.excluded) > 0 {
		g.Go(func() error {
			if err := o.summarize(ctx, t); err != nil {
				return fmt.Errorf("summarize history: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Warn("background task failed", append(t.logFields(), zap.Error(err))...)
	}
	return title
}

func (o *Orchestrator) summarize(ctx context.Context, t *turn) error {
	prior := ""
	if t.summary != nil {
		prior = t.summary.Content
	}
	messages := make([]models.ChatMessage, len(t.excluded))
	for i, msg := range t.excluded {
		messages[i] = msg.ChatMessage()
	}
	content, err := o.summarizer.Summarize(ctx, t.model.ID, prior, messages)
	if err != nil {
		return err
	}
	if content == "" {
		return nil
	}
	return o.conversations.SaveSummary(ctx, store.Summary{
		ConversationID: t.conversation.ID,
		Content:        content,
		UpToMessageID:  t.excluded[len(t.excluded)-1].ID,
		TokenCount:     tokens.Estimate(content),
		CreatedAt:      o.now(),
	})
}

func (o *Orchestrator) result(t *turn, resp models.ChatResponse, title string) *Result {
	if resp.Model == "" {
		resp.Model = t.model.ID
	}
	return &Result{
		ChatResponse:    resp,
		ConversationID:  t.conversation.ID,
		MessageID:       t.assistantID,
		UserMessageID:   t.user.ID,
		ParentMessageID: t.user.ID,
		Provider:        t.model.Provider,
		Title:           title,
		Cost:            t.model.Pricing.Cost(resp.Usage),
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, req Request) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.String("conversation_id", req.ConversationID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Send runs a non-streamed turn.
func (o *Orchestrator) Send(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := o.startSpan(ctx, "chat.send", req)
	defer func() { endSpan(span, err) }()

	t, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, _, err := o.router.Chat(ctx, t.request)
	if err != nil {
		o.logger.Warn("chat request failed", append(t.logFields(), zap.Error(err))...)
		o.fail(ctx, t, "", err)
		return nil, err
	}

	reason := models.FinishStop
	if resp.FinishReason != nil {
		reason = *resp.FinishReason
	}
	reply := o.reply(t, resp.Content, resp.ToolCalls, reason, resp.Usage.CompletionTokens)
	if err := o.persist(ctx, t, reply); err != nil {
		return nil, err
	}

	title := o.background(ctx, t, resp.Content, reason)
	return o.result(t, *resp, title), nil
}

// Stream runs a streamed turn, delivering events to emit in order: start,
// then message and tool events, then exactly one of done, abort or error.
// A cancelled turn returns its partial result with a nil error.
func (o *Orchestrator) Stream(ctx context.Context, req Request, emit EmitFunc) (res *Result, err error) {
	ctx, span := o.startSpan(ctx, "chat.stream", req)
	defer func() { endSpan(span, err) }()

	t, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("message_id", t.assistantID))

	out := &emitter{emit: emit}
	out.send(Event{Type: EventStart, Data: StartEvent{
		ConversationID:  t.conversation.ID,
		MessageID:       t.assistantID,
		ParentMessageID: t.user.ID,
		Model:           t.model.ID,
		Endpoint:        req.Endpoint,
	}})
	defer o.clearAbort(t)

	stream, _, err := o.router.Stream(ctx, t.request)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(ctx, t, out, "", 0), nil
		}
		return nil, o.streamFailed(ctx, t, out, "", err)
	}
	defer stream.Close()

	var (
		text     strings.Builder
		acc      models.ToolCallAccumulator
		final    models.StreamChunk
		finished bool
		aborted  bool
		chunks   int
	)
	for !finished && !aborted {
		if ctx.Err() != nil || out.gone() {
			aborted = true
			break
		}
		chunk, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				aborted = true
				break
			}
			if errors.Is(err, io.EOF) {
				err = models.NewProviderError(t.model.Provider, models.ErrNetwork, 0, "stream ended without a finish reason")
			}
			return nil, o.streamFailed(ctx, t, out, text.String(), err)
		}
		chunks++

		if chunk.Delta.Content != "" {
			text.WriteString(chunk.Delta.Content)
			out.send(Event{Type: EventMessage, Data: MessageEvent{Text: chunk.Delta.Content, MessageID: t.assistantID}})
		}
		for _, delta := range chunk.Delta.ToolCalls {
			acc.Add(delta)
		}
		if chunk.Terminal() {
			final = chunk
			finished = true
			break
		}
		if chunks%abortPollInterval == 0 && o.abortRequested(ctx, t) {
			aborted = true
		}
	}

	if aborted {
		o.logger.Info("stream cancelled", append(t.logFields(), zap.Int("chunks", chunks))...)
		return o.cancelled(ctx, t, out, text.String(), chunks), nil
	}

	calls := acc.Calls()
	for _, call := range calls {
		out.send(Event{Type: EventTool, Data: ToolEvent{ID: call.ID, Tool: call.FunctionName, Input: call.Arguments}})
	}

	resp := models.ChatResponse{
		ID:           final.ID,
		Model:        final.Model,
		Content:      text.String(),
		ToolCalls:    calls,
		FinishReason: final.FinishReason,
	}
	reply := o.reply(t, resp.Content, calls, *final.FinishReason, 0)
	if final.Usage != nil {
		resp.Usage = *final.Usage
		if resp.Usage.CompletionTokens > 0 {
			reply.TokenCount = resp.Usage.CompletionTokens
		}
	} else {
		resp.Usage = models.NewUsage(t.profile.Count(t.request.Messages), reply.TokenCount)
	}

	if err := o.persist(ctx, t, reply); err != nil {
		out.send(errorEvent(err, t.assistantID))
		return nil, err
	}
	title := o.background(ctx, t, resp.Content, *final.FinishReason)

	res = o.result(t, resp, title)
	out.send(Event{Type: EventDone, Data: res})
	return res, nil
}

// cancelled persists the partial reply and emits the abort event.
func (o *Orchestrator) cancelled(ctx context.Context, t *turn, out *emitter, partial string, chunks int) *Result {
	reply := o.reply(t, partial, nil, models.FinishCancelled, 0)
	if err := o.persist(ctx, t, reply); err != nil {
		o.logger.Error("failed to persist cancelled reply", append(t.logFields(), zap.Error(err))...)
	}
	out.send(Event{Type: EventAbort, Data: AbortEvent{
		ConversationID: t.conversation.ID,
		MessageID:      t.assistantID,
		Content:        partial,
	}})
	title := o.background(ctx, t, partial, models.FinishCancelled)

	resp := models.ChatResponse{
		Model:        t.model.ID,
		Content:      partial,
		FinishReason: models.Reason(models.FinishCancelled),
		Usage:        models.NewUsage(t.profile.Count(t.request.Messages), reply.TokenCount),
	}
	return o.result(t, resp, title)
}

func (o *Orchestrator) streamFailed(ctx context.Context, t *turn, out *emitter, partial string, err error) error {
	o.logger.Warn("chat stream failed", append(t.logFields(), zap.Error(err))...)
	o.fail(ctx, t, partial, err)
	out.send(errorEvent(err, t.assistantID))
	return err
}

func (o *Orchestrator) abortRequested(ctx context.Context, t *turn) bool {
	flagged, err := o.aborts.Get(ctx, t.assistantID)
	if err != nil {
		o.logger.Warn("failed to read abort flag", append(t.logFields(), zap.Error(err))...)
		return false
	}
	return flagged
}

func (o *Orchestrator) clearAbort(t *turn) {
	if err := o.aborts.Delete(context.Background(), t.assistantID); err != nil {
		o.logger.Debug("failed to clear abort flag", append(t.logFields(), zap.Error(err))...)
	}
}

// emitter stops forwarding once the caller reports an error.
type emitter struct {
	emit EmitFunc
	err  error
}

func (e *emitter) send(ev Event) {
	if e.err != nil || e.emit == nil {
		return
	}
	e.err = e.emit(ev)
}

func (e *emitter) gone() bool {
	return e.err != nil
}
