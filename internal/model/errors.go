package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
)

// Business-rule failures for purchases. These carry enough detail for the
// presentation layer to explain the shortfall.
var (
	ErrListingNotFound  = fmt.Errorf("listing %w", ErrNotFound)
	ErrSelfPurchase     = errors.New("cannot buy your own listing")
	ErrPriceMismatch    = errors.New("listing price does not match offered price")
	ErrOwnershipChanged = errors.New("listing owner changed since it was resolved")

	ErrBuyerOrSellerMissing = errors.New("buyer or seller account missing")
)

// InsufficientBalanceError is returned when a buyer cannot cover a purchase.
type InsufficientBalanceError struct {
	Cost    int
	Balance int
	Needed  int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: cost %d, balance %d, need %d more", e.Cost, e.Balance, e.Needed)
}

// ImageGenerationError wraps a failure from the image generation collaborator.
type ImageGenerationError struct {
	Prompt string
	Err    error
}

func (e *ImageGenerationError) Error() string {
	return fmt.Sprintf("image generation failed for prompt %q: %v", e.Prompt, e.Err)
}

func (e *ImageGenerationError) Unwrap() error { return e.Err }
