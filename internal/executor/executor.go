// Package executor runs confirmed or immediate marketplace actions against
// the store. It owns action-to-persistence mapping; conversation flow and
// confirmation policy live in the conversation package.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opentrove/trove/internal/images"
	"github.com/opentrove/trove/internal/match"
	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/store"
)

const (
	defaultListingLimit     = 10
	defaultTransactionLimit = 20
)

// Outcome is the result of one executed action: a human-readable summary
// for the chat transcript and the structured result recorded in the
// message analysis.
type Outcome struct {
	Summary string
	Result  interface{}
}

// Executor executes actions. Generator and ObjectStore may be nil when
// image generation is not deployed; image actions then fail cleanly.
type Executor struct {
	store  store.Store
	gen    images.Generator
	objs   images.ObjectStore
	logger zerolog.Logger
}

// New creates an Executor.
func New(st store.Store, gen images.Generator, objs images.ObjectStore, logger zerolog.Logger) *Executor {
	return &Executor{
		store:  st,
		gen:    gen,
		objs:   objs,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Execute runs the action on behalf of userID. Business-rule failures come
// back as errors; UserMessage renders them for the chat transcript. A
// returned error guarantees no partial state for the failed action.
func (e *Executor) Execute(ctx context.Context, userID string, action *model.Action) (*Outcome, error) {
	if action.None() {
		return &Outcome{}, nil
	}
	switch action.Type {
	case model.ActionUpdateBalance:
		return e.updateBalance(ctx, userID, action.UpdateBalance)
	case model.ActionCreateListing:
		return e.createListing(ctx, userID, action.CreateListing)
	case model.ActionFetchListings:
		return e.fetchListings(ctx, userID, action.FetchListings)
	case model.ActionBuyListing:
		return e.buyListing(ctx, userID, action.BuyListing)
	case model.ActionFetchNotifications:
		return e.fetchNotifications(ctx, userID, action.FetchNotifications)
	case model.ActionGenerateImage:
		return e.generateImage(ctx, userID, action.GenerateImage)
	case model.ActionConfirm:
		if action.Confirm == nil {
			return nil, fmt.Errorf("%w: confirmAction without inner action", model.ErrValidation)
		}
		return e.Execute(ctx, userID, action.Confirm)
	default:
		return nil, fmt.Errorf("%w: unknown action type %q", model.ErrValidation, action.Type)
	}
}

func (e *Executor) updateBalance(ctx context.Context, userID string, p *model.UpdateBalancePayload) (*Outcome, error) {
	if p == nil || p.Amount == 0 {
		return nil, fmt.Errorf("%w: balance adjustment requires a non-zero amount", model.ErrValidation)
	}
	reason := p.Reason
	if reason == "" {
		reason = "Balance adjustment"
	}
	tx, err := e.store.Users().AdjustBalance(ctx, userID, int(p.Amount), reason)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, userID, model.NotificationBalanceUpdate, map[string]interface{}{
		"amount":     tx.Amount,
		"reason":     tx.Reason,
		"newBalance": tx.NewBalance,
	})
	return &Outcome{
		Summary: fmt.Sprintf("Balance updated by %+d tokens. New balance: %d tokens.", tx.Amount, tx.NewBalance),
		Result:  tx,
	}, nil
}

// createListing generates and uploads the listing image before the insert
// so a generation failure leaves no partial listing behind.
func (e *Executor) createListing(ctx context.Context, userID string, p *model.CreateListingPayload) (*Outcome, error) {
	if p == nil || strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: listing requires a title", model.ErrValidation)
	}
	if p.Price <= 0 {
		return nil, fmt.Errorf("%w: listing price must be positive", model.ErrValidation)
	}
	user, err := e.store.Users().Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	listing := &model.Listing{
		Title:       strings.TrimSpace(p.Title),
		Description: strings.TrimSpace(p.Description),
		Price:       int(p.Price),
	}

	if e.gen != nil && e.objs != nil {
		prompt := listing.Title
		if listing.Description != "" {
			prompt += ", " + listing.Description
		}
		data, err := e.gen.Generate(ctx, prompt)
		if err != nil {
			return nil, &model.ImageGenerationError{Prompt: prompt, Err: err}
		}
		url, err := e.objs.Put(ctx, uuid.NewString()+".png", data)
		if err != nil {
			return nil, &model.ImageGenerationError{Prompt: prompt, Err: err}
		}
		listing.ImageURL = url
		listing.ImagePrompt = prompt
	}

	listing.CreatorUsername = user.Username
	listing.CurrentOwnerUsername = user.Username
	created, err := e.store.Listings().Create(ctx, listing)
	if err != nil {
		return nil, err
	}
	e.notify(ctx, userID, model.NotificationListingCreated, map[string]interface{}{
		"listingId": created.ListingID,
		"title":     created.Title,
		"price":     created.Price,
	})
	return &Outcome{
		Summary: fmt.Sprintf("Listed %q for %d tokens.", created.Title, created.Price),
		Result:  created,
	}, nil
}

func (e *Executor) fetchListings(ctx context.Context, userID string, p *model.FetchListingsPayload) (*Outcome, error) {
	if p == nil {
		p = &model.FetchListingsPayload{Type: model.FetchAll}
	}
	switch p.Type {
	case model.FetchMy:
		user, err := e.store.Users().Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		listings, err := e.store.Listings().ListMine(ctx, user.Username)
		if err != nil {
			return nil, err
		}
		return &Outcome{Summary: listingSummary(listings, "You have"), Result: listings}, nil

	case model.FetchUser:
		if p.Username == "" {
			return nil, fmt.Errorf("%w: user lookup requires a username", model.ErrValidation)
		}
		listings, err := e.store.Listings().ListByOwner(ctx, strings.ToLower(p.Username))
		if err != nil {
			return nil, err
		}
		return &Outcome{Summary: listingSummary(listings, p.Username+" has"), Result: listings}, nil

	case model.FetchSearch:
		query := strings.TrimSpace(p.Query)
		if query == "" {
			return nil, fmt.Errorf("%w: search requires a query", model.ErrValidation)
		}
		// The matcher scores the full active corpus; a capped page would
		// hide older listings from exact-title queries.
		candidates, err := e.store.Listings().ListActive(ctx, 0)
		if err != nil {
			return nil, err
		}
		// Search resolves to at most the single best match.
		best := match.FindBestMatch(query, candidates)
		if best == nil {
			return &Outcome{Summary: fmt.Sprintf("No listings matched %q.", query), Result: []*model.Listing{}}, nil
		}
		return &Outcome{
			Summary: fmt.Sprintf("Found %q for %d tokens, owned by %s.", best.Title, best.Price, best.CurrentOwnerUsername),
			Result:  []*model.Listing{best},
		}, nil

	case model.FetchAll, "":
		listings, err := e.store.Listings().ListActive(ctx, defaultListingLimit)
		if err != nil {
			return nil, err
		}
		return &Outcome{Summary: listingSummary(listings, "There are"), Result: listings}, nil

	default:
		return nil, fmt.Errorf("%w: unknown fetch type %q", model.ErrValidation, p.Type)
	}
}

// buyListing resolves the target by id or fuzzy query, then delegates the
// transfer to the store's transactional purchase. ExpectedOwner pins the
// seller seen at resolution time.
func (e *Executor) buyListing(ctx context.Context, userID string, p *model.BuyListingPayload) (*Outcome, error) {
	if p == nil || (p.ListingID == "" && strings.TrimSpace(p.Query) == "") {
		return nil, fmt.Errorf("%w: purchase requires a listing id or query", model.ErrValidation)
	}

	var listing *model.Listing
	if p.ListingID != "" {
		var err error
		listing, err = e.store.Listings().GetByID(ctx, p.ListingID)
		if err != nil {
			return nil, err
		}
	} else {
		candidates, err := e.store.Listings().ListActive(ctx, 0)
		if err != nil {
			return nil, err
		}
		listing = match.FindBestMatch(p.Query, candidates)
		if listing == nil {
			return nil, model.ErrListingNotFound
		}
	}

	price := int(p.Price)
	if price == 0 {
		price = listing.Price
	}
	res, err := e.store.Listings().Purchase(ctx, store.PurchaseRequest{
		ListingID:     listing.ListingID,
		BuyerID:       userID,
		Price:         price,
		ExpectedOwner: listing.CurrentOwnerUsername,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("listing_id", res.Listing.ListingID).
		Str("buyer_id", userID).
		Int("price", price).
		Msg("purchase completed")
	return &Outcome{
		Summary: fmt.Sprintf("You bought %q for %d tokens. New balance: %d tokens.",
			res.Listing.Title, price, res.BuyerTx.NewBalance),
		Result: res,
	}, nil
}

// FeedItem is one entry of the notification feed derived from the
// transaction log.
type FeedItem struct {
	Kind   string    `json:"kind"`
	Reason string    `json:"reason"`
	Amount int       `json:"amount"`
	Time   time.Time `json:"time"`
}

// NotificationFeed is the fetchNotifications result.
type NotificationFeed struct {
	Items  []FeedItem `json:"items"`
	Unread int        `json:"unread"`
}

// fetchNotifications derives the full feed from the user's transaction
// history, classifying entries by their recorded reason. Unread state comes
// from the notification rows written alongside mutations; an unread-only
// fetch renders those rows directly so each entry reads or unreads on its
// own.
func (e *Executor) fetchNotifications(ctx context.Context, userID string, p *model.FetchNotificationsPayload) (*Outcome, error) {
	if p == nil {
		p = &model.FetchNotificationsPayload{}
	}
	limit := int(p.Limit)
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	unread, err := e.store.Notifications().List(ctx, userID, true, limit)
	if err != nil {
		return nil, err
	}

	feed := &NotificationFeed{Unread: len(unread)}
	if p.UnreadOnly {
		feed.Items = make([]FeedItem, 0, len(unread))
		for _, n := range unread {
			feed.Items = append(feed.Items, feedItemFromNotification(n))
		}
	} else {
		txs, err := e.store.Users().Transactions(ctx, userID, limit)
		if err != nil {
			return nil, err
		}
		feed.Items = make([]FeedItem, 0, len(txs))
		for _, tx := range txs {
			feed.Items = append(feed.Items, FeedItem{
				Kind:   classifyTransaction(tx.Reason),
				Reason: tx.Reason,
				Amount: tx.Amount,
				Time:   tx.CreationTime,
			})
		}
	}

	if p.MarkAsRead {
		if _, err := e.store.Notifications().MarkAllRead(ctx, userID); err != nil {
			e.logger.Warn().Err(err).Str("user_id", userID).Msg("mark notifications read failed")
		}
	}

	summary := fmt.Sprintf("You have %d notifications (%d unread).", len(feed.Items), feed.Unread)
	if len(feed.Items) == 0 {
		summary = "No notifications yet."
	}
	return &Outcome{Summary: summary, Result: feed}, nil
}

func (e *Executor) generateImage(ctx context.Context, userID string, p *model.GenerateImagePayload) (*Outcome, error) {
	if p == nil || strings.TrimSpace(p.Prompt) == "" {
		return nil, fmt.Errorf("%w: image generation requires a prompt", model.ErrValidation)
	}
	if e.gen == nil || e.objs == nil {
		return nil, &model.ImageGenerationError{Prompt: p.Prompt, Err: errors.New("image generation is not configured")}
	}

	data, err := e.gen.Generate(ctx, p.Prompt)
	if err != nil {
		return nil, &model.ImageGenerationError{Prompt: p.Prompt, Err: err}
	}
	imageID := uuid.NewString()
	url, err := e.objs.Put(ctx, imageID+".png", data)
	if err != nil {
		return nil, &model.ImageGenerationError{Prompt: p.Prompt, Err: err}
	}
	img, err := e.store.Images().Create(ctx, &model.Image{
		ImageID: imageID,
		UserID:  userID,
		Prompt:  p.Prompt,
		URL:     url,
	})
	if err != nil {
		return nil, err
	}

	if p.ConversationID != "" {
		_, err := e.store.Conversations().AppendMessage(ctx, &model.Message{
			ConversationID: p.ConversationID,
			Role:           model.RoleAssistant,
			Content:        fmt.Sprintf("Here is your image of %q: %s", p.Prompt, url),
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", p.ConversationID).Msg("image message append failed")
		}
	}
	e.notify(ctx, userID, model.NotificationImageReady, map[string]interface{}{
		"imageId": img.ImageID,
		"url":     img.URL,
	})
	return &Outcome{
		Summary: fmt.Sprintf("Generated an image of %q: %s", p.Prompt, url),
		Result:  img,
	}, nil
}

// notify records a per-user event. Feed reads do not depend on these rows,
// so a failure here is logged rather than failing the completed action.
func (e *Executor) notify(ctx context.Context, userID, kind string, payload map[string]interface{}) {
	_, err := e.store.Notifications().Create(ctx, &model.Notification{
		UserID:  userID,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Str("kind", kind).Msg("notification write failed")
	}
}

// feedItemFromNotification renders one unread notification row as a feed
// entry. Payload numbers arrive as JSON floats.
func feedItemFromNotification(n *model.Notification) FeedItem {
	item := FeedItem{Kind: n.Kind, Time: n.CreationTime}
	title, _ := n.Payload["title"].(string)
	switch n.Kind {
	case model.NotificationPurchase:
		item.Reason = fmt.Sprintf("Purchased %q", title)
		item.Amount = -payloadInt(n.Payload, "price")
	case model.NotificationSale:
		item.Reason = fmt.Sprintf("Sold %q", title)
		item.Amount = payloadInt(n.Payload, "price")
	case model.NotificationBalanceUpdate:
		item.Reason, _ = n.Payload["reason"].(string)
		item.Amount = payloadInt(n.Payload, "amount")
	case model.NotificationListingCreated:
		item.Reason = fmt.Sprintf("Listed %q", title)
	case model.NotificationImageReady:
		item.Reason = "Image ready"
	}
	return item
}

func payloadInt(p map[string]interface{}, key string) int {
	if v, ok := p[key].(float64); ok {
		return int(v)
	}
	return 0
}

// classifyTransaction maps a transaction reason onto a feed kind. Purchase
// transactions record "Purchased <title>" and sales "Sold <title>".
func classifyTransaction(reason string) string {
	switch {
	case strings.HasPrefix(reason, "Purchased "):
		return model.NotificationPurchase
	case strings.HasPrefix(reason, "Sold "):
		return model.NotificationSale
	default:
		return model.NotificationBalanceUpdate
	}
}

func listingSummary(listings []*model.Listing, prefix string) string {
	if len(listings) == 0 {
		return "No listings found."
	}
	titles := make([]string, 0, len(listings))
	for i, l := range listings {
		if i == 5 {
			titles = append(titles, fmt.Sprintf("and %d more", len(listings)-5))
			break
		}
		titles = append(titles, fmt.Sprintf("%s (%d tokens)", l.Title, l.Price))
	}
	return fmt.Sprintf("%s %d listings: %s.", prefix, len(listings), strings.Join(titles, ", "))
}
