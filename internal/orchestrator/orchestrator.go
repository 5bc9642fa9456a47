package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/langford/internal/conversation"
	"github.com/triage-ai/langford/internal/guardrail"
	"github.com/triage-ai/langford/internal/model"
	"github.com/triage-ai/langford/internal/tool"
	"go.uber.org/zap"
)

const (
	DefaultMaxIterations       = 6
	DefaultBriefIterations     = 10
	DefaultTurnTimeout         = 2 * time.Minute
	DefaultConfirmationTimeout = 5 * time.Minute
	DefaultTimezone            = "Europe/Vienna"

	DefaultSystemPrompt = "You are Langford, a personal assistant. Use the available tools when they help. " +
		"Resolve relative dates with datetime.resolve before calling calendar tools. " +
		"When you are done, reply with the final answer for the user."
	DefaultBriefPrompt = "You are Langford preparing the user's morning executive brief. " +
		"Check today's calendar and summarize it clearly and briefly."
)

const (
	modeChat  = "chat"
	modeBrief = "brief"
)

const (
	lockShards  = 256
	saveTimeout = 10 * time.Second
)

// Config wires an Orchestrator.
type Config struct {
	Adapter             model.Adapter
	Registry            ToolRegistry
	Guardrail           Authorizer
	Store               conversation.Store
	SystemPrompt        string
	BriefPrompt         string
	Timezone            string
	MaxIterations       int
	BriefIterations     int
	TurnTimeout         time.Duration
	ConfirmationTimeout time.Duration
	Logger              *zap.Logger
}

// Orchestrator runs the model, guardrail and registry loop for every
// session. Sessions run concurrently; events within one session are
// serialized.
type Orchestrator struct {
	cfg      Config
	loc      *time.Location
	sessions [lockShards]sync.Mutex
	// delegated loops run tasks for a managed agent: no commands.
	delegated bool
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Adapter == nil || cfg.Registry == nil || cfg.Guardrail == nil {
		return nil, errors.New("orchestrator: adapter, registry and guardrail are required")
	}
	if cfg.Store == nil {
		cfg.Store = conversation.NewMemoryStore()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.BriefPrompt == "" {
		cfg.BriefPrompt = DefaultBriefPrompt
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.BriefIterations <= 0 {
		cfg.BriefIterations = DefaultBriefIterations
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return &Orchestrator{cfg: cfg, loc: loc, logger: cfg.Logger, now: time.Now}, nil
}

// lock serializes events for one session. Sessions share a fixed set of
// mutexes by hash, so unrelated sessions may occasionally wait on each other.
func (o *Orchestrator) lock(sessionID string) func() {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	mu := &o.sessions[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}

// save persists st on a context detached from the caller's cancellation.
func (o *Orchestrator) save(ctx context.Context, st *conversation.State) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	return o.cfg.Store.Save(ctx, st)
}

var resetCommands = map[string]bool{"reset": true, "purge": true, "clear": true, "restart": true}

// HandleMessage processes one inbound user message.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}
	unlock := o.lock(sessionID)
	defer unlock()

	st, err := o.cfg.Store.Load(ctx, sessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("HandleMessage: %w", err)
	}

	cmd := strings.ToLower(text)
	if o.delegated {
		cmd = ""
	}
	switch {
	case cmd == "/start" || cmd == "/help" || cmd == "help":
		return Reply{SessionID: sessionID, Text: TextHelp}, nil
	case resetCommands[cmd]:
		st.Reset()
		if err := o.save(ctx, st); err != nil {
			return Reply{}, fmt.Errorf("HandleMessage: %w", err)
		}
		o.logger.Info("session reset", zap.String("session_id", sessionID))
		return Reply{SessionID: sessionID, Text: TextReset}, nil
	}

	if st.Status == conversation.StatusAwaitingConfirmation && st.Suspended != nil {
		ans, ok := parseAnswer(cmd)
		if !ok {
			return Reply{SessionID: sessionID, Text: TextAwaitingReply, Confirmations: prompts(st.Suspended)}, nil
		}
		for _, p := range st.Suspended.Pending {
			if p.Answer == conversation.AnswerNone {
				return o.answer(ctx, st, p.Request.ID, ans)
			}
		}
	}

	mode := modeChat
	if cmd == "brief" {
		mode = modeBrief
		text = briefQuery
	}
	sus := &conversation.Suspension{Mode: mode, HistoryFrom: 0}
	if mode == modeBrief {
		sus.HistoryFrom = len(st.Turns)
	}
	sus.TurnID = st.Append(conversation.UserMessage(text)).ID
	st.Status = conversation.StatusIdle
	st.Suspended = nil
	return o.run(ctx, st, sus)
}

// Confirm records the user's answer for one pending call. The turn resumes
// once every pending call of the batch is answered.
func (o *Orchestrator) Confirm(ctx context.Context, sessionID, requestID string, approved bool) (Reply, error) {
	unlock := o.lock(sessionID)
	defer unlock()

	st, err := o.cfg.Store.Load(ctx, sessionID)
	if err != nil {
		return Reply{}, fmt.Errorf("Confirm: %w", err)
	}
	if st.Status != conversation.StatusAwaitingConfirmation || st.Suspended == nil {
		return Reply{}, ErrNoPendingConfirmation
	}
	ans := conversation.AnswerNo
	if approved {
		ans = conversation.AnswerYes
	}
	return o.answer(ctx, st, requestID, ans)
}

func (o *Orchestrator) answer(ctx context.Context, st *conversation.State, requestID string, ans conversation.Answer) (Reply, error) {
	sus := st.Suspended
	idx := -1
	for i, p := range sus.Pending {
		if p.Request.ID == requestID && p.Answer == conversation.AnswerNone {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Reply{}, ErrNoPendingConfirmation
	}
	if !o.now().Before(sus.Pending[idx].ExpiresAt) {
		ans = conversation.AnswerExpired
	}
	sus.Pending[idx].Answer = ans
	o.logger.Info("confirmation answered",
		zap.String("session_id", st.SessionID),
		zap.String("request_id", requestID),
		zap.String("answer", string(ans)),
	)

	if sus.Unanswered() {
		if err := o.save(ctx, st); err != nil {
			return Reply{}, fmt.Errorf("answer: %w", err)
		}
		return Reply{SessionID: st.SessionID, Text: TextAwaitingReply, Confirmations: prompts(sus)}, nil
	}
	return o.run(ctx, st, sus)
}

// ExpireOverdue marks unanswered confirmations past their deadline as
// expired and resumes the turns that no longer wait on anything.
func (o *Orchestrator) ExpireOverdue(ctx context.Context) ([]Reply, error) {
	now := o.now()
	ids, err := o.cfg.Store.Overdue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("ExpireOverdue: %w", err)
	}
	var replies []Reply
	for _, id := range ids {
		reply, resumed, err := o.expireSession(ctx, id, now)
		if err != nil {
			o.logger.Warn("failed to expire confirmations",
				zap.String("session_id", id),
				zap.Error(err),
			)
			continue
		}
		if resumed {
			replies = append(replies, reply)
		}
	}
	return replies, nil
}

func (o *Orchestrator) expireSession(ctx context.Context, sessionID string, now time.Time) (Reply, bool, error) {
	unlock := o.lock(sessionID)
	defer unlock()

	st, err := o.cfg.Store.Load(ctx, sessionID)
	if err != nil {
		return Reply{}, false, err
	}
	sus := st.Suspended
	if st.Status != conversation.StatusAwaitingConfirmation || sus == nil {
		return Reply{}, false, nil
	}
	changed := false
	for i := range sus.Pending {
		p := &sus.Pending[i]
		if p.Answer == conversation.AnswerNone && !now.Before(p.ExpiresAt) {
			p.Answer = conversation.AnswerExpired
			changed = true
			o.logger.Info("confirmation expired",
				zap.String("session_id", sessionID),
				zap.String("request_id", p.Request.ID),
				zap.String("tool_name", p.Request.ToolName),
			)
		}
	}
	if !changed {
		return Reply{}, false, nil
	}
	if sus.Unanswered() {
		return Reply{}, false, o.save(ctx, st)
	}
	reply, err := o.run(ctx, st, sus)
	return reply, true, err
}

// run drives the loop until a final answer, a suspension or an abort.
// Pending calls in sus, all answered, are settled first.
func (o *Orchestrator) run(ctx context.Context, st *conversation.State, sus *conversation.Suspension) (Reply, error) {
	started := time.Now()
	turnCtx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout-sus.Elapsed)
	defer cancel()

	if len(sus.Pending) > 0 {
		o.settle(turnCtx, st, sus)
		sus.Pending = nil
	}

	limit := o.cfg.MaxIterations
	if sus.Mode == modeBrief {
		limit = o.cfg.BriefIterations
	}

	for {
		if turnCtx.Err() != nil {
			return o.abort(ctx, st, sus, TextTurnTimeout)
		}
		if sus.Iterations >= limit {
			return o.abort(ctx, st, sus, TextStepBudget)
		}

		resp, err := o.converse(turnCtx, st, sus)
		sus.Iterations++
		if err != nil {
			var me *model.MalformedResponseError
			switch {
			case turnCtx.Err() != nil:
				return o.abort(ctx, st, sus, TextTurnTimeout)
			case errors.As(err, &me):
				return o.abort(ctx, st, sus, TextMalformed)
			default:
				o.logger.Error("model adapter failed",
					zap.String("session_id", st.SessionID),
					zap.Error(err),
				)
				return o.abort(ctx, st, sus, TextBackendError)
			}
		}

		switch r := resp.(type) {
		case model.FinalAnswer:
			text := Show(r.Text)
			st.Append(conversation.AssistantMessage(text))
			st.Status = conversation.StatusIdle
			st.Suspended = nil
			if err := o.save(ctx, st); err != nil {
				return Reply{}, fmt.Errorf("run: %w", err)
			}
			o.logger.Info("turn finished",
				zap.String("session_id", st.SessionID),
				zap.String("mode", sus.Mode),
				zap.Int("iterations", sus.Iterations),
			)
			return Reply{SessionID: st.SessionID, Text: text}, nil

		case model.ToolCallsRequested:
			pending := o.dispatch(turnCtx, st, sus, r.Calls)
			if turnCtx.Err() != nil {
				for _, p := range pending {
					o.deny(st, p.Request, ReasonTurnBudget)
				}
				return o.abort(ctx, st, sus, TextTurnTimeout)
			}
			if len(pending) == 0 {
				continue
			}
			sus.Pending = pending
			sus.Elapsed += time.Since(started)
			st.Status = conversation.StatusAwaitingConfirmation
			st.Suspended = sus
			if err := o.save(ctx, st); err != nil {
				return Reply{}, fmt.Errorf("run: %w", err)
			}
			ps := prompts(sus)
			return Reply{SessionID: st.SessionID, Text: promptText(ps), Confirmations: ps}, nil
		}
	}
}

// converse asks the model once, retrying a single time with a corrective
// instruction when the reply is malformed.
func (o *Orchestrator) converse(ctx context.Context, st *conversation.State, sus *conversation.Suspension) (model.Response, error) {
	history := st.History()
	if sus.HistoryFrom > 0 && sus.HistoryFrom <= len(history) {
		history = history[sus.HistoryFrom:]
	}
	req := model.Request{
		SessionID:    st.SessionID,
		TurnID:       sus.TurnID,
		Instructions: o.instructions(sus.Mode),
		History:      history,
		Tools:        o.cfg.Registry.ListEnabled(),
	}
	resp, err := o.cfg.Adapter.Converse(ctx, req)
	var me *model.MalformedResponseError
	if !errors.As(err, &me) {
		return resp, err
	}
	o.logger.Warn("malformed model response, retrying once",
		zap.String("session_id", st.SessionID),
		zap.String("reason", me.Reason),
	)
	req.Correction = fmt.Sprintf(correctivePrompt, me.Reason)
	return o.cfg.Adapter.Converse(ctx, req)
}

// dispatch runs one batch in order. Calls needing confirmation are
// returned; every other call has its result appended before the next one
// is authorized. Once the turn budget is gone the rest of the batch is
// denied without being authorized.
func (o *Orchestrator) dispatch(ctx context.Context, st *conversation.State, sus *conversation.Suspension, calls []tool.CallRequest) []conversation.PendingConfirmation {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
		calls[i].TurnID = sus.TurnID
		st.Append(conversation.ToolCall(calls[i]))
	}

	cascade := o.cfg.Guardrail.CascadeDenials()
	blocked := false
	var pending []conversation.PendingConfirmation
	for _, call := range calls {
		if ctx.Err() != nil {
			o.deny(st, call, ReasonTurnBudget)
			continue
		}
		d := o.cfg.Guardrail.Authorize(ctx, call, guardrail.ConversationContext{
			SessionID:    st.SessionID,
			TurnID:       sus.TurnID,
			BatchBlocked: blocked,
		})
		switch {
		case d.Approved():
			o.execute(ctx, st, call)
		case d.NeedsConfirmation():
			pending = append(pending, conversation.PendingConfirmation{
				Request:   call,
				Prompt:    confirmationPrompt(call),
				ExpiresAt: o.now().Add(o.cfg.ConfirmationTimeout),
			})
			blocked = blocked || cascade
		default:
			o.deny(st, call, d.Reason)
			blocked = blocked || cascade
		}
	}
	return pending
}

// settle re-authorizes answered confirmations and records their results.
func (o *Orchestrator) settle(ctx context.Context, st *conversation.State, sus *conversation.Suspension) {
	answers := make(map[string]guardrail.ConfirmationState, len(sus.Pending))
	for _, p := range sus.Pending {
		answers[p.Request.ID] = guardrail.ConfirmationState(p.Answer)
	}
	for _, p := range sus.Pending {
		if ctx.Err() != nil {
			o.deny(st, p.Request, ReasonTurnBudget)
			continue
		}
		d := o.cfg.Guardrail.Authorize(ctx, p.Request, guardrail.ConversationContext{
			SessionID:     st.SessionID,
			TurnID:        sus.TurnID,
			Confirmations: answers,
		})
		switch {
		case d.Approved():
			o.execute(ctx, st, p.Request)
		case d.NeedsConfirmation():
			o.deny(st, p.Request, guardrail.ReasonNotConfirmed)
		default:
			o.deny(st, p.Request, d.Reason)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, st *conversation.State, call tool.CallRequest) {
	res, err := o.cfg.Registry.Execute(ctx, call)
	if err != nil {
		o.logger.Debug("tool call rejected before execution",
			zap.String("session_id", st.SessionID),
			zap.String("tool_name", call.ToolName),
			zap.Error(err),
		)
	}
	st.Append(conversation.ToolResult(res))
}

func (o *Orchestrator) deny(st *conversation.State, call tool.CallRequest, reason string) {
	o.logger.Info("tool call denied",
		zap.String("session_id", st.SessionID),
		zap.String("tool_name", call.ToolName),
		zap.String("request_id", call.ID),
		zap.String("reason", reason),
	)
	st.Append(conversation.ToolResult(tool.Denied(call, reason)))
}

func (o *Orchestrator) abort(ctx context.Context, st *conversation.State, sus *conversation.Suspension, text string) (Reply, error) {
	o.logger.Warn("turn aborted",
		zap.String("session_id", st.SessionID),
		zap.String("mode", sus.Mode),
		zap.Int("iterations", sus.Iterations),
		zap.String("reason", text),
	)
	st.Append(conversation.AssistantMessage(text))
	st.Status = conversation.StatusIdle
	st.Suspended = nil
	if err := o.save(ctx, st); err != nil {
		return Reply{}, fmt.Errorf("abort: %w", err)
	}
	return Reply{SessionID: st.SessionID, Text: text, Aborted: true}, nil
}

func (o *Orchestrator) instructions(mode string) string {
	base := o.cfg.SystemPrompt
	if mode == modeBrief {
		base = o.cfg.BriefPrompt
	}
	now := o.now().In(o.loc)
	return fmt.Sprintf("%s\nToday is %s. The user's timezone is %s.", base, now.Format("Monday, 2 January 2006 15:04"), o.loc)
}

func confirmationPrompt(call tool.CallRequest) string {
	args := strings.TrimSpace(string(call.Arguments))
	if args == "" || args == "{}" {
		return fmt.Sprintf("Allow %s? Reply yes or no.", call.ToolName)
	}
	return fmt.Sprintf("Allow %s with %s? Reply yes or no.", call.ToolName, args)
}

func prompts(sus *conversation.Suspension) []ConfirmationPrompt {
	var out []ConfirmationPrompt
	for _, p := range sus.Pending {
		if p.Answer != conversation.AnswerNone {
			continue
		}
		out = append(out, ConfirmationPrompt{
			RequestID: p.Request.ID,
			ToolName:  p.Request.ToolName,
			Arguments: p.Request.Arguments,
			Prompt:    p.Prompt,
			ExpiresAt: p.ExpiresAt,
		})
	}
	return out
}

func promptText(ps []ConfirmationPrompt) string {
	lines := make([]string, 0, len(ps))
	for _, p := range ps {
		lines = append(lines, p.Prompt)
	}
	return strings.Join(lines, "\n")
}

var (
	yesWords = map[string]bool{"yes": true, "y": true, "yeah": true, "yep": true, "ok": true, "okay": true, "confirm": true, "sure": true, "approve": true}
	noWords  = map[string]bool{"no": true, "n": true, "nope": true, "cancel": true, "decline": true, "deny": true, "stop": true}
)

func parseAnswer(s string) (conversation.Answer, bool) {
	s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".!")
	switch {
	case yesWords[s]:
		return conversation.AnswerYes, true
	case noWords[s]:
		return conversation.AnswerNo, true
	}
	return conversation.AnswerNone, false
}

var escapedNewlines = strings.NewReplacer(`\r\n`, "\n", `\n`, "\n", `\r`, "\n")

// Show turns literal escaped newlines in model output into real ones.
func Show(text string) string {
	return escapedNewlines.Replace(text)
}
