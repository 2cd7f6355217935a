package util

import (
	"time"

	"github.com/google/uuid"
)

// NewUUID returns a time-ordered identifier. Message and connection ids must
// sort roughly by creation time so pending-delivery sweeps and log correlation
// stay cheap.
func NewUUID() string {
	maxRetry := 10
	for i := 0; i < maxRetry; i++ {
		id, err := uuid.NewV7()
		if err == nil {
			return id.String()
		}

		if i < maxRetry-1 { // Don't sleep on last attempt
			// Sleep for 200 nanoseconds
			// Just over UUID v7's 100ns precision
			time.Sleep(200 * time.Nanosecond)
		}
	}

	// Fallback to UUID v4 after all retries fail
	return uuid.New().String()
}

func NewMessageID() string {
	return NewUUID()
}

func NewConnectionID() string {
	return NewUUID()
}
