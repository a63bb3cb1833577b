package intent

import (
	"strings"
	"testing"

	"github.com/opentrove/trove/internal/model"
)

func TestBrowseRule(t *testing.T) {
	for _, msg := range []string{"show me the listings", "browse listings", "can I see all listings?", "view listings"} {
		res := browseRule(msg, &Context{})
		if res == nil {
			t.Fatalf("browseRule(%q) did not match", msg)
		}
		if res.Action.Type != model.ActionFetchListings || res.Action.FetchListings.Type != model.FetchAll {
			t.Fatalf("browseRule(%q) = %+v, want fetchListings/all", msg, res.Action)
		}
	}
	if res := browseRule("show me my balance", &Context{}); res != nil {
		t.Fatalf("browseRule matched a non-listing message: %+v", res)
	}
}

func TestSearchRule(t *testing.T) {
	res := searchRule("search for vintage camera", &Context{})
	if res == nil {
		t.Fatal("searchRule did not match")
	}
	if res.Action.FetchListings.Type != model.FetchSearch || res.Action.FetchListings.Query != "vintage camera" {
		t.Fatalf("got %+v, want search for vintage camera", res.Action.FetchListings)
	}

	res = searchRule("find golden sword", &Context{})
	if res == nil || res.Action.FetchListings.Query != "golden sword" {
		t.Fatalf("find form not handled: %+v", res)
	}
}

func TestNotificationsRule(t *testing.T) {
	res := notificationsRule("check my notifications", &Context{})
	if res == nil {
		t.Fatal("notificationsRule did not match")
	}
	p := res.Action.FetchNotifications
	if p.UnreadOnly || !p.MarkAsRead {
		t.Fatalf("got %+v, want markAsRead without unreadOnly", p)
	}

	res = notificationsRule("show unread notifications", &Context{})
	if res == nil || !res.Action.FetchNotifications.UnreadOnly {
		t.Fatalf("unread qualifier not detected: %+v", res)
	}
}

func TestBuyRuleWithPrice(t *testing.T) {
	res := buyRule("buy golden sword for 50 tokens", &Context{})
	if res == nil {
		t.Fatal("buyRule did not match")
	}
	if res.Action.Type != model.ActionBuyListing {
		t.Fatalf("got action %s, want buyListing", res.Action.Type)
	}
	if res.Action.Status != model.StatusPending {
		t.Fatalf("buy proposal status = %q, want pending", res.Action.Status)
	}
	p := res.Action.BuyListing
	if p.Query != "golden sword" || int(p.Price) != 50 {
		t.Fatalf("got payload %+v", p)
	}
}

func TestBuyRuleWithoutPriceSearchesFirst(t *testing.T) {
	res := buyRule("buy the golden sword", &Context{})
	if res == nil {
		t.Fatal("buyRule did not match")
	}
	if res.Action.Type != model.ActionFetchListings {
		t.Fatalf("priceless buy should search first, got %s", res.Action.Type)
	}
	if res.Action.FetchListings.Query != "the golden sword" {
		t.Fatalf("got query %q", res.Action.FetchListings.Query)
	}
}

func TestImageRule(t *testing.T) {
	res := imageRule("generate an image of a red dragon", &Context{})
	if res == nil {
		t.Fatal("imageRule did not match")
	}
	if res.Action.Type != model.ActionGenerateImage || res.Action.Status != model.StatusPending {
		t.Fatalf("got %+v, want pending generateImage", res.Action)
	}
	if res.Action.GenerateImage.Prompt != "a red dragon" {
		t.Fatalf("got prompt %q", res.Action.GenerateImage.Prompt)
	}

	res = imageRule("draw a picture of two cats.", &Context{})
	if res == nil || res.Action.GenerateImage.Prompt != "two cats" {
		t.Fatalf("draw form not handled: %+v", res)
	}
}

func TestConfirmRuleRequiresPendingAction(t *testing.T) {
	if res := confirmRule("yes", &Context{}); res != nil {
		t.Fatalf("confirm without pending action matched: %+v", res)
	}

	pending := &model.Action{
		Type:       model.ActionBuyListing,
		Status:     model.StatusPending,
		BuyListing: &model.BuyListingPayload{Query: "sword", Price: 50},
	}
	res := confirmRule("yes please", &Context{PendingAction: pending})
	if res == nil {
		t.Fatal("confirm with pending action did not match")
	}
	if res.Action.Type != model.ActionConfirm || res.Action.Confirm != pending {
		t.Fatalf("got %+v, want confirmAction wrapping the pending action", res.Action)
	}
}

func TestConfirmRuleImage(t *testing.T) {
	pending := &model.Action{
		Type:          model.ActionGenerateImage,
		Status:        model.StatusPending,
		GenerateImage: &model.GenerateImagePayload{Prompt: "a castle"},
	}
	res := confirmRule("ok", &Context{PendingAction: pending})
	if res == nil {
		t.Fatal("confirm did not match")
	}
	if res.Action.Type != model.ActionConfirm || res.Action.Confirm.GenerateImage.Prompt != "a castle" {
		t.Fatalf("got %+v, want confirmAction wrapping generateImage", res.Action)
	}
	if !strings.Contains(res.ChatResponse, "Generating") {
		t.Fatalf("got reply %q", res.ChatResponse)
	}
}

func TestFillerRule(t *testing.T) {
	for _, msg := range []string{"thanks!", "ok", "cool", "got it"} {
		if res := fillerRule(msg, &Context{}); res == nil || res.Action != nil {
			t.Fatalf("fillerRule(%q) = %+v, want action-free reply", msg, res)
		}
	}
	if res := fillerRule("ok buy the sword", &Context{}); res != nil {
		t.Fatalf("fillerRule matched a substantive message: %+v", res)
	}
}

func TestCancelPattern(t *testing.T) {
	for _, msg := range []string{"no", "cancel", "nevermind", "never mind that", "stop", "don't"} {
		if !CancelPattern.MatchString(msg) {
			t.Fatalf("CancelPattern did not match %q", msg)
		}
	}
	if CancelPattern.MatchString("notify me") {
		t.Fatal("CancelPattern matched a non-cancel message")
	}
}
