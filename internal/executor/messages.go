package executor

import (
	"errors"
	"fmt"

	"github.com/opentrove/trove/internal/model"
)

// FailureText renders a business-rule failure as chat text. Unknown errors
// get a generic line so internals never leak into the transcript.
func FailureText(err error) string {
	var ibErr *model.InsufficientBalanceError
	if errors.As(err, &ibErr) {
		return fmt.Sprintf("You can't afford that: it costs %d tokens but you only have %d. You need %d more.",
			ibErr.Cost, ibErr.Balance, ibErr.Needed)
	}
	var igErr *model.ImageGenerationError
	if errors.As(err, &igErr) {
		return fmt.Sprintf("Sorry, I couldn't generate the image of %q. Please try again later.", igErr.Prompt)
	}
	switch {
	case errors.Is(err, model.ErrSelfPurchase):
		return "You already own that listing, so there's nothing to buy."
	case errors.Is(err, model.ErrPriceMismatch):
		return "The listing's price has changed since you asked. Check the current price and try again."
	case errors.Is(err, model.ErrOwnershipChanged):
		return "That listing changed hands while you were deciding. Try again if you still want it."
	case errors.Is(err, model.ErrListingNotFound):
		return "I couldn't find a listing matching that."
	case errors.Is(err, model.ErrNotFound):
		return "I couldn't find what you were looking for."
	case errors.Is(err, model.ErrValidation):
		return "That request wasn't quite valid: " + err.Error()
	default:
		return "Something went wrong executing that. Please try again."
	}
}
