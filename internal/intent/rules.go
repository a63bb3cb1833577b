package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opentrove/trove/internal/model"
)

// A rule is a pure-function matcher tried before the model fallback. Rules
// return nil when they do not apply. Keeping them pure and ordered makes
// the highest-frequency flows deterministic and testable without a model.
type rule func(utterance string, rctx *Context) *Result

// ConfirmPattern matches affirmative confirmation phrases that resolve a
// pending action.
var ConfirmPattern = regexp.MustCompile(`(?i)^\s*(yes|confirm|sure|ok(ay)?|do it)\b`)

// CancelPattern matches phrases that abandon a pending action.
var CancelPattern = regexp.MustCompile(`(?i)^\s*(no|cancel|nevermind|never mind|stop|don'?t)\b`)

var (
	fillerPattern = regexp.MustCompile(`(?i)^\s*(thanks|thank you|thx|ok(ay)?|cool|nice|great|got it|no|nope|nevermind|never mind)[\s!.]*$`)

	browsePattern = regexp.MustCompile(`(?i)\b(browse|show|see|view)\b.*\blistings?\b`)

	searchPattern = regexp.MustCompile(`(?i)^\s*(?:search|find|look)(?:\s+for)?\s+(.+?)\s*$`)

	notificationsPattern = regexp.MustCompile(`(?i)\b(show|check|view|see|get)\b.*\bnotifications?\b`)
	unreadPattern        = regexp.MustCompile(`(?i)\bunread\b`)

	buyPattern = regexp.MustCompile(`(?i)^\s*(?:buy|purchase)\s+(.+?)(?:\s+for\s+(\d+)\s*tokens?)?\s*[.!?]*\s*$`)

	imagePattern = regexp.MustCompile(`(?i)^\s*(?:generate|create|make|draw)\s+(?:an?\s+)?(?:image|picture)\s+(?:of\s+)?(.+?)\s*$`)
)

// rules in resolution order; first match wins.
var rules = []rule{
	confirmRule,
	fillerRule,
	browseRule,
	searchRule,
	notificationsRule,
	buyRule,
	imageRule,
}

// confirmRule resolves an affirmative utterance against the stored pending
// action. The stored action is the only one executed; the utterance is
// never reclassified.
func confirmRule(utterance string, rctx *Context) *Result {
	if rctx.PendingAction == nil || !ConfirmPattern.MatchString(utterance) {
		return nil
	}
	pending := rctx.PendingAction
	reply := "Confirmed, executing now."
	if pending.Type == model.ActionGenerateImage {
		reply = "On it! Generating your image now."
	}
	return &Result{
		ChatResponse: reply,
		Action:       &model.Action{Type: model.ActionConfirm, Confirm: pending},
	}
}

func fillerRule(utterance string, _ *Context) *Result {
	if !fillerPattern.MatchString(utterance) {
		return nil
	}
	return &Result{ChatResponse: "You're welcome! Let me know if you need anything else.", Action: nil}
}

func browseRule(utterance string, _ *Context) *Result {
	if !browsePattern.MatchString(utterance) {
		return nil
	}
	return &Result{
		ChatResponse: "Here are the latest listings:",
		Action: &model.Action{
			Type:          model.ActionFetchListings,
			FetchListings: &model.FetchListingsPayload{Type: model.FetchAll},
		},
	}
}

func searchRule(utterance string, _ *Context) *Result {
	m := searchPattern.FindStringSubmatch(utterance)
	if m == nil {
		return nil
	}
	query := strings.TrimSpace(m[1])
	if query == "" {
		return nil
	}
	return &Result{
		ChatResponse: fmt.Sprintf("Searching for %q...", query),
		Action: &model.Action{
			Type:          model.ActionFetchListings,
			FetchListings: &model.FetchListingsPayload{Type: model.FetchSearch, Query: query},
		},
	}
}

func notificationsRule(utterance string, _ *Context) *Result {
	if !notificationsPattern.MatchString(utterance) {
		return nil
	}
	return &Result{
		ChatResponse: "Here are your notifications:",
		Action: &model.Action{
			Type: model.ActionFetchNotifications,
			FetchNotifications: &model.FetchNotificationsPayload{
				UnreadOnly: unreadPattern.MatchString(utterance),
				MarkAsRead: true,
			},
		},
	}
}

// buyRule proposes a purchase when the price is stated; without a price it
// first resolves the item via search so the user confirms identity before
// price is locked.
func buyRule(utterance string, _ *Context) *Result {
	m := buyPattern.FindStringSubmatch(utterance)
	if m == nil {
		return nil
	}
	query := strings.TrimSpace(m[1])
	if query == "" {
		return nil
	}
	if m[2] != "" {
		price, err := strconv.Atoi(m[2])
		if err != nil || price <= 0 {
			return nil
		}
		return &Result{
			ChatResponse: fmt.Sprintf("You'd like to buy %s for %d tokens. Should I go ahead?", query, price),
			Action: &model.Action{
				Type:       model.ActionBuyListing,
				Status:     model.StatusPending,
				BuyListing: &model.BuyListingPayload{Query: query, Price: model.FlexInt(price)},
			},
		}
	}
	return &Result{
		ChatResponse: fmt.Sprintf("Let me find %q first so you can confirm the price.", query),
		Action: &model.Action{
			Type:          model.ActionFetchListings,
			FetchListings: &model.FetchListingsPayload{Type: model.FetchSearch, Query: query},
		},
	}
}

func imageRule(utterance string, _ *Context) *Result {
	m := imagePattern.FindStringSubmatch(utterance)
	if m == nil {
		return nil
	}
	prompt := strings.TrimSpace(strings.TrimRight(m[1], ".!?"))
	if prompt == "" {
		return nil
	}
	return &Result{
		ChatResponse: fmt.Sprintf("I can generate an image of %q. Want me to proceed?", prompt),
		Action: &model.Action{
			Type:          model.ActionGenerateImage,
			Status:        model.StatusPending,
			GenerateImage: &model.GenerateImagePayload{Prompt: prompt},
		},
	}
}
