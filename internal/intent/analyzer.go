// Package intent turns a raw user utterance into a chat response plus an
// optional marketplace action. Deterministic rules run first; only
// utterances no rule claims reach the language model.
package intent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opentrove/trove/internal/llm"
	"github.com/opentrove/trove/internal/model"
)

// Context carries the per-conversation facts the analyzer may use. It is
// assembled by the conversation layer before each call.
type Context struct {
	UserDisplayName string
	Balance         int
	// RecentActions holds short descriptions of the last few executed
	// actions, newest first, capped by the caller.
	RecentActions []string
	PendingAction *model.Action
}

// Result is the analyzer's verdict: what to say and what (if anything) to do.
// A nil Action means pure conversation.
type Result struct {
	ChatResponse string
	Action       *model.Action
}

// Analyzer resolves utterances via the ordered rule set with a model
// fallback. The model client may be nil; rules still work and everything
// else degrades to conversation.
type Analyzer struct {
	client llm.Client
	logger zerolog.Logger
}

// New creates an Analyzer.
func New(client llm.Client, logger zerolog.Logger) *Analyzer {
	return &Analyzer{client: client, logger: logger.With().Str("component", "intent").Logger()}
}

// Analyze resolves one utterance. The recent slice is the conversation tail
// (oldest first) passed to the model for context; rules ignore it.
func (a *Analyzer) Analyze(ctx context.Context, utterance string, rctx *Context, recent []model.Message) *Result {
	if rctx == nil {
		rctx = &Context{}
	}
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return &Result{ChatResponse: "I didn't catch that. What would you like to do?"}
	}

	for _, r := range rules {
		if res := r(utterance, rctx); res != nil {
			return res
		}
	}
	return a.analyzeWithModel(ctx, utterance, rctx, recent)
}

func (a *Analyzer) analyzeWithModel(ctx context.Context, utterance string, rctx *Context, recent []model.Message) *Result {
	if a.client == nil {
		return &Result{ChatResponse: "I can show listings, buy items, check notifications, or generate images. What would you like?"}
	}

	msgs := make([]llm.Message, 0, len(recent)+1)
	for _, m := range recent {
		role := m.Role
		if role != model.RoleUser && role != model.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: model.RoleUser, Content: utterance})

	reply, err := a.client.Complete(ctx, buildSystemPrompt(rctx), msgs)
	if err != nil {
		a.logger.Warn().Err(err).Msg("model completion failed")
		return &Result{ChatResponse: "Sorry, I'm having trouble thinking right now. Please try again in a moment."}
	}
	return a.parseReply(reply)
}

// parseReply extracts the first JSON object from the model reply. Anything
// unparseable becomes plain conversation so a rambling model can never
// trigger an action by accident.
func (a *Analyzer) parseReply(reply string) *Result {
	raw, ok := firstJSONObject(reply)
	if !ok {
		return &Result{ChatResponse: strings.TrimSpace(reply)}
	}

	var wire struct {
		ChatResponse string          `json:"chatResponse"`
		Action       json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		a.logger.Debug().Err(err).Msg("model reply not in expected shape")
		return &Result{ChatResponse: strings.TrimSpace(reply)}
	}

	res := &Result{ChatResponse: wire.ChatResponse}
	if res.ChatResponse == "" {
		res.ChatResponse = "Okay."
	}
	if len(wire.Action) == 0 || string(wire.Action) == "null" {
		return res
	}

	var action model.Action
	if err := json.Unmarshal(wire.Action, &action); err != nil {
		a.logger.Debug().Err(err).Msg("model action rejected")
		return res
	}
	if action.None() {
		return res
	}
	if !a.validate(&action) {
		return res
	}
	if action.RequiresConfirmation() {
		action.Status = model.StatusPending
	}
	res.Action = &action
	return res
}

// validate rejects model actions whose payloads cannot be executed safely.
func (a *Analyzer) validate(action *model.Action) bool {
	switch action.Type {
	case model.ActionUpdateBalance:
		if action.UpdateBalance == nil || action.UpdateBalance.Amount == 0 {
			a.logger.Debug().Msg("rejecting updateBalance with zero amount")
			return false
		}
	case model.ActionCreateListing:
		if action.CreateListing == nil || action.CreateListing.Title == "" || action.CreateListing.Price <= 0 {
			return false
		}
	case model.ActionBuyListing:
		if action.BuyListing == nil || (action.BuyListing.ListingID == "" && action.BuyListing.Query == "") {
			return false
		}
	case model.ActionGenerateImage:
		if action.GenerateImage == nil || strings.TrimSpace(action.GenerateImage.Prompt) == "" {
			return false
		}
	case model.ActionFetchListings:
		if action.FetchListings == nil {
			return false
		}
	case model.ActionConfirm:
		// The model never confirms on the user's behalf.
		return false
	}
	return true
}

// firstJSONObject scans for the first balanced top-level {...} span,
// tracking string literals so braces inside them do not count.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
