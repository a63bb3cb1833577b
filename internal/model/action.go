package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ActionType discriminates the Action sum type.
type ActionType string

const (
	ActionNone               ActionType = "None"
	ActionUpdateBalance      ActionType = "updateBalance"
	ActionCreateListing      ActionType = "createListing"
	ActionFetchListings      ActionType = "fetchListings"
	ActionBuyListing         ActionType = "buyListing"
	ActionFetchNotifications ActionType = "fetchNotifications"
	ActionGenerateImage      ActionType = "generateImage"
	ActionConfirm            ActionType = "confirmAction"
)

// ActionStatus tracks the confirmation lifecycle. It is empty for
// immediate/read actions that never await confirmation.
type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusCompleted ActionStatus = "completed"
	StatusCancelled ActionStatus = "cancelled"
)

// UpdateBalancePayload adjusts a user's balance by a signed amount.
type UpdateBalancePayload struct {
	Amount FlexInt `json:"amount"`
	Reason string  `json:"reason,omitempty"`
}

// CreateListingPayload creates a new listing owned by the caller.
type CreateListingPayload struct {
	Title       string  `json:"title"`
	Price       FlexInt `json:"price"`
	Description string  `json:"description,omitempty"`
}

// Fetch types accepted by FetchListingsPayload.
const (
	FetchAll    = "all"
	FetchMy     = "my"
	FetchUser   = "user"
	FetchSearch = "search"
)

// FetchListingsPayload reads listings; Type selects the lookup mode.
type FetchListingsPayload struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Query    string `json:"query,omitempty"`
}

// BuyListingPayload purchases a listing resolved by id or free-text query.
type BuyListingPayload struct {
	ListingID string  `json:"listingId,omitempty"`
	Query     string  `json:"query,omitempty"`
	Price     FlexInt `json:"price"`
}

// FetchNotificationsPayload reads the caller's notification feed.
type FetchNotificationsPayload struct {
	UnreadOnly bool    `json:"unreadOnly,omitempty"`
	MarkAsRead bool    `json:"markAsRead,omitempty"`
	Limit      FlexInt `json:"limit,omitempty"`
}

// GenerateImagePayload generates an image and optionally attaches it to a
// conversation.
type GenerateImagePayload struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Action is a tagged union describing one marketplace operation. Exactly the
// payload matching Type is non-nil; the executor matches exhaustively.
type Action struct {
	Type   ActionType
	Status ActionStatus

	UpdateBalance      *UpdateBalancePayload
	CreateListing      *CreateListingPayload
	FetchListings      *FetchListingsPayload
	BuyListing         *BuyListingPayload
	FetchNotifications *FetchNotificationsPayload
	GenerateImage      *GenerateImagePayload
	// Confirm wraps the pending action being confirmed.
	Confirm *Action
}

// None reports whether the action is absent or a no-op.
func (a *Action) None() bool { return a == nil || a.Type == ActionNone || a.Type == "" }

// RequiresConfirmation reports whether the action mutates state and must be
// confirmed by the user before execution.
func (a *Action) RequiresConfirmation() bool {
	if a == nil {
		return false
	}
	switch a.Type {
	case ActionUpdateBalance, ActionCreateListing, ActionBuyListing, ActionGenerateImage:
		return true
	default:
		return false
	}
}

func (a *Action) payload() interface{} {
	switch a.Type {
	case ActionUpdateBalance:
		return a.UpdateBalance
	case ActionCreateListing:
		return a.CreateListing
	case ActionFetchListings:
		return a.FetchListings
	case ActionBuyListing:
		return a.BuyListing
	case ActionFetchNotifications:
		return a.FetchNotifications
	case ActionGenerateImage:
		return a.GenerateImage
	case ActionConfirm:
		return a.Confirm
	default:
		return nil
	}
}

type actionWire struct {
	Type   ActionType      `json:"type"`
	Status ActionStatus    `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the action as {"type":..., "status":..., "data":{...}}.
func (a Action) MarshalJSON() ([]byte, error) {
	w := actionWire{Type: a.Type, Status: a.Status}
	if a.Type == "" {
		w.Type = ActionNone
	}
	if p := a.payload(); p != nil {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		w.Data = b
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form, selecting the payload variant by type.
// Unknown types fail so malformed model output cannot smuggle in an action.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = Action{Type: w.Type, Status: w.Status}
	if a.Type == "" {
		a.Type = ActionNone
	}
	raw := w.Data
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch a.Type {
	case ActionNone:
		return nil
	case ActionUpdateBalance:
		a.UpdateBalance = &UpdateBalancePayload{}
		return json.Unmarshal(raw, a.UpdateBalance)
	case ActionCreateListing:
		a.CreateListing = &CreateListingPayload{}
		return json.Unmarshal(raw, a.CreateListing)
	case ActionFetchListings:
		a.FetchListings = &FetchListingsPayload{}
		return json.Unmarshal(raw, a.FetchListings)
	case ActionBuyListing:
		a.BuyListing = &BuyListingPayload{}
		return json.Unmarshal(raw, a.BuyListing)
	case ActionFetchNotifications:
		a.FetchNotifications = &FetchNotificationsPayload{}
		return json.Unmarshal(raw, a.FetchNotifications)
	case ActionGenerateImage:
		a.GenerateImage = &GenerateImagePayload{}
		return json.Unmarshal(raw, a.GenerateImage)
	case ActionConfirm:
		a.Confirm = &Action{}
		return json.Unmarshal(raw, a.Confirm)
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrValidation, w.Type)
	}
}

// Describe renders a short human-readable summary used in confirmation
// prompts and audit messages.
func (a *Action) Describe() string {
	if a.None() {
		return "no action"
	}
	switch a.Type {
	case ActionUpdateBalance:
		return fmt.Sprintf("adjust balance by %d tokens", int(a.UpdateBalance.Amount))
	case ActionCreateListing:
		return fmt.Sprintf("create listing %q for %d tokens", a.CreateListing.Title, int(a.CreateListing.Price))
	case ActionFetchListings:
		return "fetch listings"
	case ActionBuyListing:
		target := a.BuyListing.ListingID
		if target == "" {
			target = a.BuyListing.Query
		}
		return fmt.Sprintf("buy %q for %d tokens", target, int(a.BuyListing.Price))
	case ActionFetchNotifications:
		return "fetch notifications"
	case ActionGenerateImage:
		return fmt.Sprintf("generate an image of %q", a.GenerateImage.Prompt)
	case ActionConfirm:
		return "confirm " + a.Confirm.Describe()
	default:
		return string(a.Type)
	}
}

// FlexInt decodes an integer that may arrive as a bare number, a numeric
// string, or a MongoDB Extended-JSON wrapper such as {"$numberInt":"50"}.
// The rest of the core only ever sees native integers.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*f = 0
		return nil
	}
	if s[0] == '{' {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return err
		}
		for _, key := range []string{"$numberInt", "$numberLong", "$numberDouble"} {
			if raw, ok := wrapper[key]; ok {
				return f.UnmarshalJSON(raw)
			}
		}
		return fmt.Errorf("%w: cannot decode integer from %s", ErrValidation, s)
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		return f.parse(str)
	}
	return f.parse(s)
}

func (f *FlexInt) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	// Model output occasionally renders integers as "50.0".
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if v == float64(int(v)) {
			*f = FlexInt(int(v))
			return nil
		}
		return fmt.Errorf("%w: amount %q is not an integer", ErrValidation, s)
	}
	return fmt.Errorf("%w: cannot parse integer %q", ErrValidation, s)
}

func (f FlexInt) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(f))), nil
}
