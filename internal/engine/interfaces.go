package engine

import (
	"context"
	"time"
)

// Fetcher retrieves observations for one series from its provider.
// Implementations are provider-specific clients supplied by the caller;
// failures must be FetchError values so the engine can classify them.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID, externalID string) (FetchResult, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and attempt IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
