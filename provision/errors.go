package provision

import (
	"errors"

	"github.com/aws/smithy-go"
)

// ErrorKind is the classified shape of a create-instance failure. The state
// machine branches on kinds, never on raw provider error strings.
type ErrorKind int

const (
	// ErrTransient covers anything we can't classify; retried with backoff.
	ErrTransient ErrorKind = iota
	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited
	// ErrCapacityExhausted means no spot capacity for this type right now.
	ErrCapacityExhausted
	// ErrPriceTooLow means our spot max price is below the current market.
	ErrPriceTooLow
	// ErrInvalidRequest means the request can never succeed as written.
	ErrInvalidRequest
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRateLimited:
		return "rate-limited"
	case ErrCapacityExhausted:
		return "capacity-exhausted"
	case ErrPriceTooLow:
		return "price-too-low"
	case ErrInvalidRequest:
		return "invalid-request"
	default:
		return "transient"
	}
}

// Classify maps a provider error to an ErrorKind via its API error code.
func Classify(err error) ErrorKind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return ErrTransient
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded":
		return ErrRateLimited
	case "InsufficientInstanceCapacity":
		return ErrCapacityExhausted
	case "SpotMaxPriceTooLow":
		return ErrPriceTooLow
	case "MissingParameter", "MissingParameterValue", "InvalidParameterValue", "Unsupported", "UnsupportedOperation":
		return ErrInvalidRequest
	default:
		return ErrTransient
	}
}
