package store

import (
	"context"

	"github.com/opentrove/trove/internal/model"
)

// Store exposes persistence operations required by the executor and the
// conversation state machine. Implementations live under
// internal/store/<driver>/ (postgres, sqlite).
type Store interface {
	Users() Users
	Listings() Listings
	Conversations() Conversations
	Notifications() Notifications
	Images() Images
}

type Users interface {
	Create(ctx context.Context, u *model.User) (*model.User, error)
	Get(ctx context.Context, userID string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// AdjustBalance applies an atomic balance increment and appends the
	// transaction record in the same database transaction. The recorded
	// previousBalance may be approximate under concurrent updates.
	AdjustBalance(ctx context.Context, userID string, amount int, reason string) (*model.Transaction, error)
	Transactions(ctx context.Context, userID string, limit int) ([]*model.Transaction, error)
}

// PurchaseRequest describes one listing purchase. ExpectedOwner, when set,
// is rechecked inside the transaction so a concurrent transfer fails the
// purchase instead of silently paying the wrong seller.
type PurchaseRequest struct {
	ListingID     string
	BuyerID       string
	Price         int
	ExpectedOwner string
}

// PurchaseResult carries the committed state after a successful purchase.
type PurchaseResult struct {
	Listing  *model.Listing
	BuyerTx  *model.Transaction
	SellerTx *model.Transaction
}

type Listings interface {
	Create(ctx context.Context, l *model.Listing) (*model.Listing, error)
	GetByID(ctx context.Context, listingID string) (*model.Listing, error)
	// ListActive returns active listings, most recent first.
	ListActive(ctx context.Context, limit int) ([]*model.Listing, error)
	// ListByOwner returns a user's active listings (current owner).
	ListByOwner(ctx context.Context, username string) ([]*model.Listing, error)
	// ListMine returns listings the user created or currently owns.
	ListMine(ctx context.Context, username string) ([]*model.Listing, error)
	// Purchase debits the buyer, credits the seller, and transfers ownership
	// in one multi-statement transaction; all three land or none do.
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
}

type Conversations interface {
	Create(ctx context.Context, c *model.Conversation) (*model.Conversation, error)
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	LatestForUser(ctx context.Context, userID string) (*model.Conversation, error)
	AppendMessage(ctx context.Context, m *model.Message) (*model.Message, error)
	ListMessages(ctx context.Context, req model.ListMessagesRequest) ([]*model.Message, error)
	// SetPendingAction stores the pending action; nil clears it.
	SetPendingAction(ctx context.Context, conversationID string, a *model.Action) error
}

type Notifications interface {
	Create(ctx context.Context, n *model.Notification) (*model.Notification, error)
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*model.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

type Images interface {
	Create(ctx context.Context, img *model.Image) (*model.Image, error)
}
