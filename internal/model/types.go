package model

import "time"

// User is a marketplace account. Username is the unique lowercase handle;
// Balance is the spendable token amount.
type User struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	Balance      int       `json:"balance"`
	CreationTime time.Time `json:"creationTime"`
}

// Transaction is one append-only entry in a user's balance history.
// PreviousBalance is captured for the audit trail and may be approximate
// under concurrent updates; NewBalance reflects the committed increment.
type Transaction struct {
	TxID            string    `json:"txId"`
	UserID          string    `json:"userId"`
	Amount          int       `json:"amount"`
	Reason          string    `json:"reason"`
	PreviousBalance int       `json:"previousBalance"`
	NewBalance      int       `json:"newBalance"`
	CreationTime    time.Time `json:"creationTime"`
}

// Listing statuses.
const (
	ListingStatusActive  = "active"
	ListingStatusRemoved = "removed"
)

// Ownership record types.
const (
	OwnershipCreated  = "created"
	OwnershipPurchase = "purchase"
)

// Listing is a sellable item. CurrentOwnerUsername always matches the last
// ownership history entry once a transfer commits.
type Listing struct {
	ListingID            string            `json:"listingId"`
	Title                string            `json:"title"`
	Description          string            `json:"description"`
	Price                int               `json:"price"`
	Status               string            `json:"status"`
	CreatorUsername      string            `json:"creatorUsername"`
	CurrentOwnerUsername string            `json:"currentOwnerUsername"`
	ImageURL             string            `json:"imageUrl,omitempty"`
	ImagePrompt          string            `json:"imagePrompt,omitempty"`
	OwnershipHistory     []OwnershipRecord `json:"ownershipHistory,omitempty"`
	CreationTime         time.Time         `json:"creationTime"`
}

// OwnershipRecord is one append-only entry in a listing's ownership history.
type OwnershipRecord struct {
	Username   string    `json:"username"`
	Price      int       `json:"price"`
	Type       string    `json:"type"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is an immutable conversation log entry. Analysis is attached at
// append time only.
type Message struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Analysis       *Analysis `json:"analysis,omitempty"`
	CreationTime   time.Time `json:"creationTime"`
}

// Analysis records what the intent pipeline decided for a message and, when
// the action ran, its outcome.
type Analysis struct {
	Action         *Action     `json:"action,omitempty"`
	ActionExecuted bool        `json:"actionExecuted"`
	ActionResult   interface{} `json:"actionResult,omitempty"`
}

// Conversation owns an ordered message log and at most one pending action.
type Conversation struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	PendingAction  *Action   `json:"pendingAction,omitempty"`
	CreationTime   time.Time `json:"creationTime"`
}

// Notification kinds.
const (
	NotificationSale           = "sale"
	NotificationPurchase       = "purchase"
	NotificationBalanceUpdate  = "balance_update"
	NotificationListingCreated = "listing_created"
	NotificationImageReady     = "image_ready"
)

// Notification is a per-user event record enqueued alongside mutations.
type Notification struct {
	NotificationID string                 `json:"notificationId"`
	UserID         string                 `json:"userId"`
	Kind           string                 `json:"kind"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Read           bool                   `json:"read"`
	CreationTime   time.Time              `json:"creationTime"`
}

// Image is a generated image persisted for a user.
type Image struct {
	ImageID      string    `json:"imageId"`
	UserID       string    `json:"userId"`
	Prompt       string    `json:"prompt"`
	URL          string    `json:"url"`
	CreationTime time.Time `json:"creationTime"`
}

// ListMessagesRequest captures filters used when listing conversation messages.
type ListMessagesRequest struct {
	ConversationID string
	Limit          int
	Before         *time.Time
}
