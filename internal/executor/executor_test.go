package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
	"github.com/opentrove/trove/internal/store/sqlite"
)

type stubGenerator struct {
	data []byte
	err  error
}

func (g *stubGenerator) Generate(context.Context, string) ([]byte, error) { return g.data, g.err }

type stubObjectStore struct {
	err  error
	puts int
}

func (s *stubObjectStore) Put(_ context.Context, filename string, _ []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.puts++
	return "/media/" + filename, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "trove.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return sqlite.NewWithDB(db)
}

func newTestExecutor(t *testing.T, st store.Store) *Executor {
	t.Helper()
	return New(st, &stubGenerator{data: []byte("png-bytes")}, &stubObjectStore{}, zerolog.Nop())
}

func createUser(t *testing.T, st store.Store, username string, balance int) *model.User {
	t.Helper()
	u, err := st.Users().Create(context.Background(), &model.User{
		Username:    username,
		DisplayName: username,
		Balance:     balance,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func createListing(t *testing.T, st store.Store, owner *model.User, title string, price int) *model.Listing {
	t.Helper()
	l, err := st.Listings().Create(context.Background(), &model.Listing{
		Title:                title,
		Price:                price,
		CreatorUsername:      owner.Username,
		CurrentOwnerUsername: owner.Username,
	})
	if err != nil {
		t.Fatalf("create listing %s: %v", title, err)
	}
	return l
}

func TestExecuteUpdateBalance(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	u := createUser(t, st, "ana", 100)

	out, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:          model.ActionUpdateBalance,
		UpdateBalance: &model.UpdateBalancePayload{Amount: 50, Reason: "weekly bonus"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	tx, ok := out.Result.(*model.Transaction)
	if !ok {
		t.Fatalf("result type %T", out.Result)
	}
	if tx.NewBalance != 150 || tx.Amount != 50 {
		t.Fatalf("tx = %+v", tx)
	}

	got, err := st.Users().Get(context.Background(), u.UserID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Balance != 150 {
		t.Fatalf("balance = %d, want 150", got.Balance)
	}
}

func TestExecuteUpdateBalanceZeroAmount(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	u := createUser(t, st, "ana", 100)

	_, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:          model.ActionUpdateBalance,
		UpdateBalance: &model.UpdateBalancePayload{Amount: 0},
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestExecuteCreateListing(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	u := createUser(t, st, "ana", 100)

	out, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:          model.ActionCreateListing,
		CreateListing: &model.CreateListingPayload{Title: "Old Lamp", Price: 25, Description: "brass, slightly dented"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	l := out.Result.(*model.Listing)
	if l.Title != "Old Lamp" || l.Price != 25 {
		t.Fatalf("listing = %+v", l)
	}
	if l.CurrentOwnerUsername != "ana" || l.CreatorUsername != "ana" {
		t.Fatalf("ownership = %s/%s", l.CreatorUsername, l.CurrentOwnerUsername)
	}
	if l.ImageURL == "" {
		t.Fatal("listing image was not uploaded")
	}
}

func TestExecuteCreateListingNoPartialStateOnImageFailure(t *testing.T) {
	st := newTestStore(t)
	e := New(st, &stubGenerator{err: errors.New("api down")}, &stubObjectStore{}, zerolog.Nop())
	u := createUser(t, st, "ana", 100)

	_, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:          model.ActionCreateListing,
		CreateListing: &model.CreateListingPayload{Title: "Old Lamp", Price: 25},
	})
	var igErr *model.ImageGenerationError
	if !errors.As(err, &igErr) {
		t.Fatalf("err = %v, want ImageGenerationError", err)
	}

	listings, err := st.Listings().ListActive(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listings) != 0 {
		t.Fatalf("partial listing created: %+v", listings)
	}
}

func TestExecuteBuyListing(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	seller := createUser(t, st, "bob", 10)
	buyer := createUser(t, st, "ana", 100)
	createListing(t, st, seller, "Golden Sword", 50)

	out, err := e.Execute(context.Background(), buyer.UserID, &model.Action{
		Type:       model.ActionBuyListing,
		BuyListing: &model.BuyListingPayload{Query: "golden sword", Price: 50},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res := out.Result.(*store.PurchaseResult)
	if res.Listing.CurrentOwnerUsername != "ana" {
		t.Fatalf("owner = %s, want ana", res.Listing.CurrentOwnerUsername)
	}
	if res.BuyerTx.NewBalance != 50 {
		t.Fatalf("buyer balance = %d, want 50", res.BuyerTx.NewBalance)
	}

	gotSeller, _ := st.Users().Get(context.Background(), seller.UserID)
	if gotSeller.Balance != 60 {
		t.Fatalf("seller balance = %d, want 60", gotSeller.Balance)
	}
}

func TestExecuteBuyListingSelfPurchase(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	u := createUser(t, st, "ana", 100)
	createListing(t, st, u, "Golden Sword", 50)

	_, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:       model.ActionBuyListing,
		BuyListing: &model.BuyListingPayload{Query: "golden sword", Price: 50},
	})
	if !errors.Is(err, model.ErrSelfPurchase) {
		t.Fatalf("err = %v, want ErrSelfPurchase", err)
	}
}

func TestExecuteBuyListingInsufficientBalance(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	seller := createUser(t, st, "bob", 10)
	buyer := createUser(t, st, "ana", 20)
	createListing(t, st, seller, "Golden Sword", 50)

	_, err := e.Execute(context.Background(), buyer.UserID, &model.Action{
		Type:       model.ActionBuyListing,
		BuyListing: &model.BuyListingPayload{Query: "golden sword", Price: 50},
	})
	var ibErr *model.InsufficientBalanceError
	if !errors.As(err, &ibErr) {
		t.Fatalf("err = %v, want InsufficientBalanceError", err)
	}
	if ibErr.Needed != 30 {
		t.Fatalf("needed = %d, want 30", ibErr.Needed)
	}

	gotBuyer, _ := st.Users().Get(context.Background(), buyer.UserID)
	if gotBuyer.Balance != 20 {
		t.Fatalf("buyer balance changed on failed purchase: %d", gotBuyer.Balance)
	}
}

func TestExecuteBuyListingNoMatch(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	buyer := createUser(t, st, "ana", 100)

	_, err := e.Execute(context.Background(), buyer.UserID, &model.Action{
		Type:       model.ActionBuyListing,
		BuyListing: &model.BuyListingPayload{Query: "nonexistent relic", Price: 10},
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestExecuteFetchListings(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	ana := createUser(t, st, "ana", 100)
	bob := createUser(t, st, "bob", 100)
	createListing(t, st, ana, "Golden Sword", 50)
	createListing(t, st, bob, "Vintage Camera", 30)

	out, err := e.Execute(context.Background(), ana.UserID, &model.Action{
		Type:          model.ActionFetchListings,
		FetchListings: &model.FetchListingsPayload{Type: model.FetchAll},
	})
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if got := len(out.Result.([]*model.Listing)); got != 2 {
		t.Fatalf("all = %d listings, want 2", got)
	}

	out, err = e.Execute(context.Background(), ana.UserID, &model.Action{
		Type:          model.ActionFetchListings,
		FetchListings: &model.FetchListingsPayload{Type: model.FetchMy},
	})
	if err != nil {
		t.Fatalf("fetch my: %v", err)
	}
	mine := out.Result.([]*model.Listing)
	if len(mine) != 1 || mine[0].Title != "Golden Sword" {
		t.Fatalf("my = %+v", mine)
	}

	out, err = e.Execute(context.Background(), ana.UserID, &model.Action{
		Type:          model.ActionFetchListings,
		FetchListings: &model.FetchListingsPayload{Type: model.FetchSearch, Query: "camera"},
	})
	if err != nil {
		t.Fatalf("fetch search: %v", err)
	}
	found := out.Result.([]*model.Listing)
	if len(found) != 1 || found[0].Title != "Vintage Camera" {
		t.Fatalf("search = %+v", found)
	}
}

func TestExecuteFetchListingsSearchNoMatch(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	ana := createUser(t, st, "ana", 100)
	createListing(t, st, ana, "Golden Sword", 50)

	out, err := e.Execute(context.Background(), ana.UserID, &model.Action{
		Type:          model.ActionFetchListings,
		FetchListings: &model.FetchListingsPayload{Type: model.FetchSearch, Query: "xyz-nonexistent"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got := len(out.Result.([]*model.Listing)); got != 0 {
		t.Fatalf("got %d listings, want empty result", got)
	}
}

func TestExecuteFetchListingsUnknownType(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	ana := createUser(t, st, "ana", 100)

	_, err := e.Execute(context.Background(), ana.UserID, &model.Action{
		Type:          model.ActionFetchListings,
		FetchListings: &model.FetchListingsPayload{Type: "bogus"},
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestExecuteSearchScansFullActiveCorpus(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	seller := createUser(t, st, "bob", 10)
	buyer := createUser(t, st, "ana", 100)
	createListing(t, st, seller, "Golden Sword", 50)
	for i := 0; i < 120; i++ {
		createListing(t, st, seller, fmt.Sprintf("Common Pebble %03d", i), 1)
	}

	out, err := e.Execute(context.Background(), buyer.UserID, &model.Action{
		Type:          model.ActionFetchListings,
		FetchListings: &model.FetchListingsPayload{Type: model.FetchSearch, Query: "Golden Sword"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := out.Result.([]*model.Listing)
	if len(found) != 1 || found[0].Title != "Golden Sword" {
		t.Fatalf("search = %+v, want the oldest listing found", found)
	}

	// Free-text purchase resolves against the full corpus too.
	if _, err := e.Execute(context.Background(), buyer.UserID, &model.Action{
		Type:       model.ActionBuyListing,
		BuyListing: &model.BuyListingPayload{Query: "golden sword", Price: 50},
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func TestExecuteFetchListingsAllLimit(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	ana := createUser(t, st, "ana", 100)
	for i := 0; i < 15; i++ {
		createListing(t, st, ana, fmt.Sprintf("Item %02d", i), 10)
	}

	out, err := e.Execute(context.Background(), ana.UserID, &model.Action{
		Type:          model.ActionFetchListings,
		FetchListings: &model.FetchListingsPayload{Type: model.FetchAll},
	})
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if got := len(out.Result.([]*model.Listing)); got != defaultListingLimit {
		t.Fatalf("all = %d listings, want %d", got, defaultListingLimit)
	}
}

func TestExecuteFetchNotificationsFromTransactions(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	seller := createUser(t, st, "bob", 10)
	buyer := createUser(t, st, "ana", 100)
	listing := createListing(t, st, seller, "Golden Sword", 50)

	_, err := st.Listings().Purchase(context.Background(), store.PurchaseRequest{
		ListingID: listing.ListingID,
		BuyerID:   buyer.UserID,
		Price:     50,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}

	out, err := e.Execute(context.Background(), buyer.UserID, &model.Action{
		Type:               model.ActionFetchNotifications,
		FetchNotifications: &model.FetchNotificationsPayload{MarkAsRead: true},
	})
	if err != nil {
		t.Fatalf("fetch notifications: %v", err)
	}
	feed := out.Result.(*NotificationFeed)
	if len(feed.Items) != 1 || feed.Items[0].Kind != model.NotificationPurchase {
		t.Fatalf("buyer feed = %+v", feed.Items)
	}
	if feed.Unread == 0 {
		t.Fatal("buyer had no unread notifications after purchase")
	}

	// MarkAsRead on the first fetch clears the unread count.
	out, err = e.Execute(context.Background(), buyer.UserID, &model.Action{
		Type:               model.ActionFetchNotifications,
		FetchNotifications: &model.FetchNotificationsPayload{},
	})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if got := out.Result.(*NotificationFeed).Unread; got != 0 {
		t.Fatalf("unread after markAsRead = %d, want 0", got)
	}

	out, err = e.Execute(context.Background(), seller.UserID, &model.Action{
		Type: model.ActionFetchNotifications,
	})
	if err != nil {
		t.Fatalf("seller fetch: %v", err)
	}
	sellerFeed := out.Result.(*NotificationFeed)
	if len(sellerFeed.Items) != 1 || sellerFeed.Items[0].Kind != model.NotificationSale {
		t.Fatalf("seller feed = %+v", sellerFeed.Items)
	}
}

func TestExecuteFetchNotificationsUnreadOnly(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	seller := createUser(t, st, "bob", 10)
	buyer := createUser(t, st, "ana", 200)
	first := createListing(t, st, seller, "Golden Sword", 50)
	second := createListing(t, st, seller, "Silver Shield", 30)

	buy := func(l *model.Listing, price int) {
		t.Helper()
		_, err := st.Listings().Purchase(context.Background(), store.PurchaseRequest{
			ListingID: l.ListingID,
			BuyerID:   buyer.UserID,
			Price:     price,
		})
		if err != nil {
			t.Fatalf("purchase %s: %v", l.Title, err)
		}
	}
	buy(first, 50)
	if _, err := st.Notifications().MarkAllRead(context.Background(), buyer.UserID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	buy(second, 30)

	// Only the purchase made after the read marker comes back; the earlier
	// one stays read even though it shares the kind.
	out, err := e.Execute(context.Background(), buyer.UserID, &model.Action{
		Type:               model.ActionFetchNotifications,
		FetchNotifications: &model.FetchNotificationsPayload{UnreadOnly: true},
	})
	if err != nil {
		t.Fatalf("fetch unread: %v", err)
	}
	feed := out.Result.(*NotificationFeed)
	if len(feed.Items) != 1 {
		t.Fatalf("unread feed = %+v, want the second purchase only", feed.Items)
	}
	item := feed.Items[0]
	if item.Kind != model.NotificationPurchase || item.Reason != `Purchased "Silver Shield"` || item.Amount != -30 {
		t.Fatalf("item = %+v", item)
	}
	if feed.Unread != 1 {
		t.Fatalf("unread = %d, want 1", feed.Unread)
	}
}

func TestExecuteFetchNotificationsUnreadOnlyWithoutTransaction(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	u := createUser(t, st, "ana", 100)

	if _, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:          model.ActionCreateListing,
		CreateListing: &model.CreateListingPayload{Title: "Old Lamp", Price: 25},
	}); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	// Listing creation writes no transaction, so the unread entry must come
	// from the notification row itself.
	out, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:               model.ActionFetchNotifications,
		FetchNotifications: &model.FetchNotificationsPayload{UnreadOnly: true},
	})
	if err != nil {
		t.Fatalf("fetch unread: %v", err)
	}
	feed := out.Result.(*NotificationFeed)
	if len(feed.Items) != 1 || feed.Items[0].Kind != model.NotificationListingCreated {
		t.Fatalf("unread feed = %+v, want the listing_created entry", feed.Items)
	}
	if feed.Items[0].Reason != `Listed "Old Lamp"` {
		t.Fatalf("reason = %q", feed.Items[0].Reason)
	}
}

func TestExecuteGenerateImage(t *testing.T) {
	st := newTestStore(t)
	objs := &stubObjectStore{}
	e := New(st, &stubGenerator{data: []byte("png-bytes")}, objs, zerolog.Nop())
	u := createUser(t, st, "ana", 100)
	conv, err := st.Conversations().Create(context.Background(), &model.Conversation{UserID: u.UserID})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	out, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:          model.ActionGenerateImage,
		GenerateImage: &model.GenerateImagePayload{Prompt: "a red dragon", ConversationID: conv.ConversationID},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	img := out.Result.(*model.Image)
	if img.URL == "" || img.Prompt != "a red dragon" {
		t.Fatalf("image = %+v", img)
	}
	if objs.puts != 1 {
		t.Fatalf("puts = %d, want 1", objs.puts)
	}

	msgs, err := st.Conversations().ListMessages(context.Background(), model.ListMessagesRequest{
		ConversationID: conv.ConversationID,
		Limit:          10,
	})
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != model.RoleAssistant {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestExecuteGenerateImageFailure(t *testing.T) {
	st := newTestStore(t)
	e := New(st, &stubGenerator{err: errors.New("api down")}, &stubObjectStore{}, zerolog.Nop())
	u := createUser(t, st, "ana", 100)

	_, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type:          model.ActionGenerateImage,
		GenerateImage: &model.GenerateImagePayload{Prompt: "a red dragon"},
	})
	var igErr *model.ImageGenerationError
	if !errors.As(err, &igErr) {
		t.Fatalf("err = %v, want ImageGenerationError", err)
	}
}

func TestExecuteConfirmUnwraps(t *testing.T) {
	st := newTestStore(t)
	e := newTestExecutor(t, st)
	u := createUser(t, st, "ana", 100)

	out, err := e.Execute(context.Background(), u.UserID, &model.Action{
		Type: model.ActionConfirm,
		Confirm: &model.Action{
			Type:          model.ActionUpdateBalance,
			UpdateBalance: &model.UpdateBalancePayload{Amount: -30, Reason: "fee"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tx := out.Result.(*model.Transaction); tx.NewBalance != 70 {
		t.Fatalf("balance = %d, want 70", tx.NewBalance)
	}
}
