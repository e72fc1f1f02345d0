// Package store persists analytics events. The time_spent record of a
// (session, page, ip hash) triple is upserted in place rather than appended.
package store

import (
	"context"
	"time"

	"github.com/showfolio/analytics/internal/event"
)

// Filter selects events for the read endpoints. Zero values do not filter.
type Filter struct {
	Page      string
	Event     event.Type
	SessionID string
	Since     time.Time
	Limit     int
}

// Store is the persistence layer behind the aggregation endpoint.
type Store interface {
	// Insert appends a new event record.
	Insert(ctx context.Context, e *event.AnalyticsEvent) error
	// UpsertTimeSpent atomically creates or overwrites the single time_spent
	// record keyed by (SessionID, Page, "time_spent", IPHash).
	UpsertTimeSpent(ctx context.Context, e *event.AnalyticsEvent) error
	// List returns matching events, newest first.
	List(ctx context.Context, f Filter) ([]event.AnalyticsEvent, error)
}

type timeSpentKey struct {
	sessionID string
	page      string
	ipHash    string
}
