package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

// Run exercises a compliance suite against a store.Store implementation.
// Implementations should provide a clean, isolated store from makeStore.
func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	ctx := context.Background()

	// Users
	alice, err := s.Users().Create(ctx, &model.User{Username: "Alice", DisplayName: "Alice", Balance: 100})
	if err != nil {
		t.Fatalf("CreateUser alice: %v", err)
	}
	if alice.Username != "alice" {
		t.Fatalf("username not canonicalized to lowercase: %q", alice.Username)
	}
	bob, err := s.Users().Create(ctx, &model.User{Username: "bob", DisplayName: "Bob", Balance: 20})
	if err != nil {
		t.Fatalf("CreateUser bob: %v", err)
	}
	if _, err := s.Users().Create(ctx, &model.User{Username: "ALICE", DisplayName: "Imposter"}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate username: want ErrConflict, got %v", err)
	}
	if got, err := s.Users().GetByUsername(ctx, "Alice"); err != nil || got.UserID != alice.UserID {
		t.Fatalf("GetByUsername: got=%v err=%v", got, err)
	}
	if _, err := s.Users().Get(ctx, uuid.New().String()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get missing user: want ErrNotFound, got %v", err)
	}

	// Balance adjustment appends an audit record
	rec, err := s.Users().AdjustBalance(ctx, alice.UserID, 50, "Bonus credit")
	if err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	if rec.PreviousBalance != 100 || rec.NewBalance != 150 {
		t.Fatalf("AdjustBalance record: prev=%d new=%d", rec.PreviousBalance, rec.NewBalance)
	}
	if got, _ := s.Users().Get(ctx, alice.UserID); got.Balance != 150 {
		t.Fatalf("balance after adjust: %d", got.Balance)
	}

	// Listings
	l, err := s.Listings().Create(ctx, &model.Listing{
		Title: "Neural Net", Description: "a trained model", Price: 50, CreatorUsername: "alice",
	})
	if err != nil {
		t.Fatalf("CreateListing: %v", err)
	}
	if l.CurrentOwnerUsername != "alice" || l.Status != model.ListingStatusActive {
		t.Fatalf("listing defaults: owner=%q status=%q", l.CurrentOwnerUsername, l.Status)
	}
	got, err := s.Listings().GetByID(ctx, l.ListingID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(got.OwnershipHistory) != 1 || got.OwnershipHistory[0].Type != model.OwnershipCreated {
		t.Fatalf("ownership history seed: %+v", got.OwnershipHistory)
	}
	if lst, err := s.Listings().ListActive(ctx, 10); err != nil || len(lst) != 1 {
		t.Fatalf("ListActive: n=%d err=%v", len(lst), err)
	}
	if lst, err := s.Listings().ListMine(ctx, "alice"); err != nil || len(lst) != 1 {
		t.Fatalf("ListMine: n=%d err=%v", len(lst), err)
	}

	// Self purchase leaves everything unchanged
	if _, err := s.Listings().Purchase(ctx, store.PurchaseRequest{ListingID: l.ListingID, BuyerID: alice.UserID, Price: 50}); !errors.Is(err, model.ErrSelfPurchase) {
		t.Fatalf("self purchase: want ErrSelfPurchase, got %v", err)
	}

	// Insufficient balance blocks the transfer
	_, err = s.Listings().Purchase(ctx, store.PurchaseRequest{ListingID: l.ListingID, BuyerID: bob.UserID, Price: 50})
	var insufficient *model.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("poor buyer: want InsufficientBalanceError, got %v", err)
	}
	if insufficient.Cost != 50 || insufficient.Balance != 20 || insufficient.Needed != 30 {
		t.Fatalf("shortfall detail: %+v", insufficient)
	}
	if got, _ := s.Listings().GetByID(ctx, l.ListingID); got.CurrentOwnerUsername != "alice" {
		t.Fatalf("ownership changed after failed purchase")
	}

	// Price mismatch
	if _, err := s.Listings().Purchase(ctx, store.PurchaseRequest{ListingID: l.ListingID, BuyerID: bob.UserID, Price: 45}); !errors.Is(err, model.ErrPriceMismatch) {
		t.Fatalf("stale price: want ErrPriceMismatch, got %v", err)
	}

	// Stale owner expectation
	if _, err := s.Listings().Purchase(ctx, store.PurchaseRequest{ListingID: l.ListingID, BuyerID: bob.UserID, Price: 50, ExpectedOwner: "carol"}); !errors.Is(err, model.ErrOwnershipChanged) {
		t.Fatalf("stale owner: want ErrOwnershipChanged, got %v", err)
	}

	// Fund bob and complete the purchase; balances must conserve.
	if _, err := s.Users().AdjustBalance(ctx, bob.UserID, 80, "Top up"); err != nil {
		t.Fatalf("fund bob: %v", err)
	}
	res, err := s.Listings().Purchase(ctx, store.PurchaseRequest{ListingID: l.ListingID, BuyerID: bob.UserID, Price: 50, ExpectedOwner: "alice"})
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if res.Listing.CurrentOwnerUsername != "bob" {
		t.Fatalf("owner after purchase: %q", res.Listing.CurrentOwnerUsername)
	}
	hist := res.Listing.OwnershipHistory
	if len(hist) != 2 || hist[1].Username != "bob" || hist[1].Type != model.OwnershipPurchase {
		t.Fatalf("ownership history after purchase: %+v", hist)
	}
	buyerAfter, _ := s.Users().Get(ctx, bob.UserID)
	sellerAfter, _ := s.Users().Get(ctx, alice.UserID)
	if buyerAfter.Balance != 50 { // 20 + 80 - 50
		t.Fatalf("buyer balance after purchase: %d", buyerAfter.Balance)
	}
	if sellerAfter.Balance != 200 { // 150 + 50
		t.Fatalf("seller balance after purchase: %d", sellerAfter.Balance)
	}

	// Purchase of an owned listing back requires the new owner as seller
	if _, err := s.Listings().Purchase(ctx, store.PurchaseRequest{ListingID: l.ListingID, BuyerID: bob.UserID, Price: 50}); !errors.Is(err, model.ErrSelfPurchase) {
		t.Fatalf("owner rebuy: want ErrSelfPurchase, got %v", err)
	}

	// Transactions are append-only, newest first
	txs, err := s.Users().Transactions(ctx, bob.UserID, 0)
	if err != nil || len(txs) != 2 {
		t.Fatalf("Transactions: n=%d err=%v", len(txs), err)
	}
	if txs[0].Amount != -50 {
		t.Fatalf("latest transaction should be the purchase debit: %+v", txs[0])
	}

	// Purchase enqueued notifications for both parties
	if ns, err := s.Notifications().List(ctx, bob.UserID, true, 0); err != nil || len(ns) != 1 || ns[0].Kind != model.NotificationPurchase {
		t.Fatalf("buyer notifications: %v err=%v", ns, err)
	}
	if ns, err := s.Notifications().List(ctx, alice.UserID, true, 0); err != nil || len(ns) != 1 || ns[0].Kind != model.NotificationSale {
		t.Fatalf("seller notifications: %v err=%v", ns, err)
	}
	if n, err := s.Notifications().MarkAllRead(ctx, bob.UserID); err != nil || n != 1 {
		t.Fatalf("MarkAllRead: n=%d err=%v", n, err)
	}
	if ns, _ := s.Notifications().List(ctx, bob.UserID, true, 0); len(ns) != 0 {
		t.Fatalf("unread after MarkAllRead: %d", len(ns))
	}

	// Conversations and messages
	conv, err := s.Conversations().Create(ctx, &model.Conversation{UserID: alice.UserID})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := s.Conversations().AppendMessage(ctx, &model.Message{ConversationID: conv.ConversationID, Role: model.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	action := &model.Action{
		Type:   model.ActionBuyListing,
		Status: model.StatusPending,
		BuyListing: &model.BuyListingPayload{
			ListingID: l.ListingID, Price: 50,
		},
	}
	if _, err := s.Conversations().AppendMessage(ctx, &model.Message{
		ConversationID: conv.ConversationID,
		Role:           model.RoleAssistant,
		Content:        "Confirm?",
		Analysis:       &model.Analysis{Action: action},
	}); err != nil {
		t.Fatalf("AppendMessage with analysis: %v", err)
	}
	if err := s.Conversations().SetPendingAction(ctx, conv.ConversationID, action); err != nil {
		t.Fatalf("SetPendingAction: %v", err)
	}
	reloaded, err := s.Conversations().Get(ctx, conv.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if reloaded.PendingAction == nil || reloaded.PendingAction.Type != model.ActionBuyListing {
		t.Fatalf("pending action round trip: %+v", reloaded.PendingAction)
	}
	if reloaded.PendingAction.BuyListing == nil || int(reloaded.PendingAction.BuyListing.Price) != 50 {
		t.Fatalf("pending action payload round trip: %+v", reloaded.PendingAction.BuyListing)
	}
	if err := s.Conversations().SetPendingAction(ctx, conv.ConversationID, nil); err != nil {
		t.Fatalf("ClearPendingAction: %v", err)
	}
	if reloaded, _ = s.Conversations().Get(ctx, conv.ConversationID); reloaded.PendingAction != nil {
		t.Fatalf("pending action not cleared")
	}

	msgs, err := s.Conversations().ListMessages(ctx, model.ListMessagesRequest{ConversationID: conv.ConversationID})
	if err != nil || len(msgs) != 2 {
		t.Fatalf("ListMessages: n=%d err=%v", len(msgs), err)
	}
	if msgs[0].Analysis == nil || msgs[0].Analysis.Action == nil {
		t.Fatalf("analysis round trip: %+v", msgs[0])
	}
	if latest, err := s.Conversations().LatestForUser(ctx, alice.UserID); err != nil || latest.ConversationID != conv.ConversationID {
		t.Fatalf("LatestForUser: got=%v err=%v", latest, err)
	}

	// Images
	if img, err := s.Images().Create(ctx, &model.Image{UserID: alice.UserID, Prompt: "a fox", URL: "/media/fox.png"}); err != nil || img.ImageID == "" {
		t.Fatalf("CreateImage: %v", err)
	}
}
