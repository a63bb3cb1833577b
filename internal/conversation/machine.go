// Package conversation drives the chat flow: each user message is analyzed,
// may propose or resolve a pending action, and every turn is appended to the
// immutable conversation log. A conversation is either idle or awaiting
// confirmation of exactly one pending action.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentrove/trove/internal/executor"
	"github.com/opentrove/trove/internal/intent"
	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

const (
	// recentTailLimit caps the conversation context passed to the model.
	recentTailLimit = 5
	// recentActionLimit caps the executed-action summaries in that context.
	recentActionLimit = 3
	// proposalDebounce suppresses an identical proposal repeated within the
	// window, so a double-submitted message cannot queue the action twice.
	proposalDebounce = 2 * time.Second
)

// Reply is the result of one handled message: both appended log entries and
// the pending action still awaiting confirmation, if any.
type Reply struct {
	UserMessage      *model.Message `json:"userMessage"`
	AssistantMessage *model.Message `json:"assistantMessage"`
	PendingAction    *model.Action  `json:"pendingAction,omitempty"`
}

type lastProposal struct {
	desc string
	at   time.Time
}

// Machine owns the conversation state transitions. Debounce state is
// in-memory and best effort; restarts simply forget recent proposals.
type Machine struct {
	store    store.Store
	analyzer *intent.Analyzer
	exec     *executor.Executor
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	proposals map[string]lastProposal
}

// New creates a Machine.
func New(st store.Store, analyzer *intent.Analyzer, exec *executor.Executor, logger zerolog.Logger) *Machine {
	return &Machine{
		store:     st,
		analyzer:  analyzer,
		exec:      exec,
		logger:    logger.With().Str("component", "conversation").Logger(),
		now:       time.Now,
		proposals: make(map[string]lastProposal),
	}
}

// HandleMessage processes one user turn. confirmation, when non-nil, is the
// structured yes/no from the client and takes precedence over text analysis
// for resolving the pending action.
func (m *Machine) HandleMessage(ctx context.Context, conversationID, text string, confirmation *bool) (*Reply, error) {
	conv, err := m.store.Conversations().Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	user, err := m.store.Users().Get(ctx, conv.UserID)
	if err != nil {
		return nil, err
	}

	recent, err := m.store.Conversations().ListMessages(ctx, model.ListMessagesRequest{
		ConversationID: conversationID,
		Limit:          recentTailLimit,
	})
	if err != nil {
		return nil, err
	}
	// Stored newest first; the model wants chronological order.
	tail := make([]model.Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		tail = append(tail, *recent[i])
	}

	res := m.resolve(ctx, conv, user, text, confirmation, tail)

	turn, err := m.apply(ctx, conv, user, res)
	if err != nil {
		return nil, err
	}

	userMsg, err := m.store.Conversations().AppendMessage(ctx, &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        text,
		Analysis:       turn.analysis,
	})
	if err != nil {
		return nil, err
	}
	// The audit entry follows the user message that triggered it so the
	// transcript reads in cause-then-effect order.
	if turn.audit != nil {
		turn.audit.ConversationID = conversationID
		if _, err := m.store.Conversations().AppendMessage(ctx, turn.audit); err != nil {
			return nil, err
		}
	}
	assistantMsg, err := m.store.Conversations().AppendMessage(ctx, &model.Message{
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		Content:        turn.response,
	})
	if err != nil {
		return nil, err
	}
	return &Reply{UserMessage: userMsg, AssistantMessage: assistantMsg, PendingAction: turn.pending}, nil
}

// resolve turns the raw input into an intent result, honoring the structured
// confirmation field and the cancel phrasing before any reclassification.
func (m *Machine) resolve(ctx context.Context, conv *model.Conversation, user *model.User, text string, confirmation *bool, tail []model.Message) *intent.Result {
	pending := conv.PendingAction

	if confirmation != nil {
		if pending == nil {
			return &intent.Result{ChatResponse: "There's nothing waiting for your confirmation right now."}
		}
		if !*confirmation {
			return &intent.Result{ChatResponse: "Okay, I've cancelled that.", Action: cancelAction(pending)}
		}
		return &intent.Result{
			ChatResponse: "Confirmed, executing now.",
			Action:       &model.Action{Type: model.ActionConfirm, Confirm: pending},
		}
	}

	if pending != nil && intent.CancelPattern.MatchString(text) {
		return &intent.Result{ChatResponse: "Okay, I've cancelled that.", Action: cancelAction(pending)}
	}

	rctx := &intent.Context{
		UserDisplayName: user.DisplayName,
		Balance:         user.Balance,
		RecentActions:   recentActionSummaries(tail),
		PendingAction:   pending,
	}
	return m.analyzer.Analyze(ctx, text, rctx, tail)
}

// turnOutcome is the applied transition: transcript text, the analysis to
// record on the user message, and the pending action after the turn. audit,
// when set, is a system entry appended between the user and assistant
// messages.
type turnOutcome struct {
	response string
	analysis *model.Analysis
	pending  *model.Action
	audit    *model.Message
}

// apply executes the state transition the resolved intent calls for.
func (m *Machine) apply(ctx context.Context, conv *model.Conversation, user *model.User, res *intent.Result) (*turnOutcome, error) {
	action := res.Action

	// Pure conversation: no state change.
	if action.None() {
		return &turnOutcome{response: res.ChatResponse, pending: conv.PendingAction}, nil
	}

	switch {
	case action.Type == model.ActionConfirm:
		return m.applyConfirm(ctx, conv, user, res)
	case action.Status == model.StatusCancelled:
		return m.applyCancel(ctx, conv, res)
	case action.RequiresConfirmation():
		return m.applyProposal(ctx, conv, res)
	default:
		return m.applyImmediate(ctx, conv, user, res)
	}
}

// applyConfirm executes the pending action. The pending slot is cleared on
// failure too; the user must restate the request rather than retry a
// confirmation of state that may have shifted underneath it.
func (m *Machine) applyConfirm(ctx context.Context, conv *model.Conversation, user *model.User, res *intent.Result) (*turnOutcome, error) {
	if err := m.store.Conversations().SetPendingAction(ctx, conv.ConversationID, nil); err != nil {
		return nil, err
	}
	m.clearProposal(conv.ConversationID)

	action := res.Action
	out, err := m.exec.Execute(ctx, user.UserID, action)
	if err != nil {
		m.logger.Warn().Err(err).
			Str("conversation_id", conv.ConversationID).
			Str("action", string(action.Type)).
			Msg("confirmed action failed")
		return &turnOutcome{
			response: executor.FailureText(err),
			analysis: &model.Analysis{Action: action, ActionExecuted: false},
		}, nil
	}
	action.Status = model.StatusCompleted
	return &turnOutcome{
		response: joinResponse(res.ChatResponse, out.Summary),
		analysis: &model.Analysis{Action: action, ActionExecuted: true, ActionResult: out.Result},
	}, nil
}

func (m *Machine) applyCancel(ctx context.Context, conv *model.Conversation, res *intent.Result) (*turnOutcome, error) {
	if err := m.store.Conversations().SetPendingAction(ctx, conv.ConversationID, nil); err != nil {
		return nil, err
	}
	m.clearProposal(conv.ConversationID)
	return &turnOutcome{
		response: res.ChatResponse,
		analysis: &model.Analysis{Action: res.Action, ActionExecuted: false},
	}, nil
}

// applyProposal stores a new pending action. An existing pending action is
// superseded so the single-pending invariant holds; a duplicate of a
// proposal made moments ago is absorbed instead of re-queued.
func (m *Machine) applyProposal(ctx context.Context, conv *model.Conversation, res *intent.Result) (*turnOutcome, error) {
	action := res.Action
	desc := action.Describe()

	if m.isDuplicateProposal(conv.ConversationID, desc) {
		return &turnOutcome{
			response: fmt.Sprintf("I'm still waiting on your confirmation to %s.", desc),
			pending:  conv.PendingAction,
		}, nil
	}

	var audit *model.Message
	if prev := conv.PendingAction; prev != nil {
		m.logger.Info().
			Str("conversation_id", conv.ConversationID).
			Str("superseded", prev.Describe()).
			Str("by", desc).
			Msg("pending action superseded")
		// Audit the abandoned proposal so the transcript explains the switch.
		audit = &model.Message{
			Role:     model.RoleSystem,
			Content:  fmt.Sprintf("Cancelled earlier request to %s.", prev.Describe()),
			Analysis: &model.Analysis{Action: cancelAction(prev), ActionExecuted: false},
		}
	}

	action.Status = model.StatusPending
	if err := m.store.Conversations().SetPendingAction(ctx, conv.ConversationID, action); err != nil {
		return nil, err
	}
	m.recordProposal(conv.ConversationID, desc)
	return &turnOutcome{
		response: res.ChatResponse,
		analysis: &model.Analysis{Action: action, ActionExecuted: false},
		pending:  action,
		audit:    audit,
	}, nil
}

// applyImmediate runs read-only actions in the same turn. The pending
// action, if any, survives untouched.
func (m *Machine) applyImmediate(ctx context.Context, conv *model.Conversation, user *model.User, res *intent.Result) (*turnOutcome, error) {
	action := res.Action
	out, err := m.exec.Execute(ctx, user.UserID, action)
	if err != nil {
		return &turnOutcome{
			response: executor.FailureText(err),
			analysis: &model.Analysis{Action: action, ActionExecuted: false},
			pending:  conv.PendingAction,
		}, nil
	}
	return &turnOutcome{
		response: joinResponse(res.ChatResponse, out.Summary),
		analysis: &model.Analysis{Action: action, ActionExecuted: true, ActionResult: out.Result},
		pending:  conv.PendingAction,
	}, nil
}

func (m *Machine) isDuplicateProposal(conversationID, desc string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[conversationID]
	return ok && p.desc == desc && m.now().Sub(p.at) < proposalDebounce
}

func (m *Machine) recordProposal(conversationID, desc string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[conversationID] = lastProposal{desc: desc, at: m.now()}
}

func (m *Machine) clearProposal(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proposals, conversationID)
}

func cancelAction(pending *model.Action) *model.Action {
	cancelled := *pending
	cancelled.Status = model.StatusCancelled
	return &cancelled
}

// recentActionSummaries extracts short descriptions of recently executed
// actions from the chronological tail, newest first.
func recentActionSummaries(tail []model.Message) []string {
	var out []string
	for i := len(tail) - 1; i >= 0 && len(out) < recentActionLimit; i-- {
		a := tail[i].Analysis
		if a == nil || !a.ActionExecuted || a.Action.None() {
			continue
		}
		out = append(out, a.Action.Describe())
	}
	return out
}

func joinResponse(chat, summary string) string {
	switch {
	case chat == "":
		return summary
	case summary == "":
		return chat
	default:
		return chat + " " + summary
	}
}
