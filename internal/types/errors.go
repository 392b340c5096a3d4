package types

import "errors"

// Domain errors returned by the marketplace services. Callers match them with errors.Is;
// services wrap them with fmt.Errorf("%w: ...") to add detail.
var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidCarDetails       = errors.New("invalid car details")
	ErrOpportunityClosed       = errors.New("opportunity window closed")
	ErrNotEligible             = errors.New("dealer not eligible for this quote")
	ErrTradeInFieldsNotAllowed = errors.New("trade-in fields not available")
	ErrInvalidPrice            = errors.New("invalid price")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrAlreadyAccepted         = errors.New("quote already has an accepted bid")
	ErrChatNotUnlocked         = errors.New("chat not unlocked")
	ErrUnauthorized            = errors.New("not authorized for this resource")
	ErrValidation              = errors.New("validation failed")
)
