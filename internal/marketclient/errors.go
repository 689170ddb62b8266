package marketclient

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the marketplace has no entity for the requested key.
// Terminal for that key: retrying will not make the entity appear.
var ErrNotFound = errors.New("marketplace entity not found")

// ApiError is the normalized form of every transport or HTTP-level failure
// the client can encounter. Retryable by the outbox worker.
type ApiError struct {
	Code      int
	Message   string
	Details   string
	Timestamp time.Time
	RequestID string
}

func (e *ApiError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("marketplace api error %d: %s (request %s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("marketplace api error %d: %s", e.Code, e.Message)
}
