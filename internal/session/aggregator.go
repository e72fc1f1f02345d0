package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/showfolio/analytics/internal/event"
)

// ErrNotFound is returned when no counters exist for a session.
var ErrNotFound = errors.New("session not found")

const (
	keyPrefix       = "session:"
	timeFieldPrefix = "time:"
)

// Aggregator keeps running per-session counters in Redis hashes.
type Aggregator struct {
	redis *redis.Client
	ttl   time.Duration
}

// Stats is the live view of one session's counters.
type Stats struct {
	SessionID      string    `json:"sessionId"`
	StartedAt      time.Time `json:"startedAt"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	EventsCount    int64     `json:"eventsCount"`
	PageViews      int64     `json:"pageViews"`
	SectionViews   int64     `json:"sectionViews"`
	Clicks         int64     `json:"clicks"`
	TimeSpent      int64     `json:"timeSpent"`
	MaxScrollDepth int64     `json:"maxScrollDepth"`
	EntryPage      string    `json:"entryPage"`
	ExitPage       string    `json:"exitPage"`
	Device         string    `json:"device"`
	OS             string    `json:"os"`
	Browser        string    `json:"browser"`
	Country        string    `json:"country"`
	City           string    `json:"city"`
}

// NewAggregator wraps an existing client; sessions expire ttl after their
// last event.
func NewAggregator(rdb *redis.Client, ttl time.Duration) *Aggregator {
	return &Aggregator{
		redis: rdb,
		ttl:   ttl,
	}
}

// UpdateSession folds one accepted event into the session's counters.
func (a *Aggregator) UpdateSession(ctx context.Context, e event.AnalyticsEvent) error {
	if a.redis == nil {
		return nil
	}

	key := keyPrefix + e.SessionID
	ts := e.Timestamp.UnixMilli()

	// Use Redis pipeline for efficiency
	pipe := a.redis.Pipeline()

	pipe.HSet(ctx, key, "last_seen_at", ts)
	pipe.HIncrBy(ctx, key, "events_count", 1)

	switch e.Event {
	case event.TypePageView:
		pipe.HIncrBy(ctx, key, "page_views", 1)
		pipe.HSetNX(ctx, key, "entry_page", e.Page)
		pipe.HSet(ctx, key, "exit_page", e.Page)

	case event.TypeSectionView:
		pipe.HIncrBy(ctx, key, "section_views", 1)

	case event.TypeClick, event.TypeProjectView, event.TypeExternalLinkClick,
		event.TypeSocialLinkClick, event.TypeResumeDownload, event.TypeContactFormSubmit:
		pipe.HIncrBy(ctx, key, "clicks", 1)

	case event.TypeTimeSpent:
		// Heartbeats for a page carry cumulative time, so the latest value wins.
		pipe.HSet(ctx, key, timeFieldPrefix+e.Page, e.TimeSpent)

	case event.TypeScrollDepth:
	}

	if e.ScrollDepth > 0 {
		pipe.HSet(ctx, key, "scroll:"+e.Page, e.ScrollDepth)
	}

	// Set session metadata (only if not exists)
	pipe.HSetNX(ctx, key, "started_at", ts)
	pipe.HSetNX(ctx, key, "device", e.Device)
	pipe.HSetNX(ctx, key, "os", e.OS)
	pipe.HSetNX(ctx, key, "browser", e.Browser)
	pipe.HSetNX(ctx, key, "country", e.Country)
	pipe.HSetNX(ctx, key, "city", e.City)

	pipe.Expire(ctx, key, a.ttl)

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Error().Err(err).Str("session_id", e.SessionID).Msg("Failed to update session in Redis")
	}
	return err
}

// GetSession reads the counters of one session.
func (a *Aggregator) GetSession(ctx context.Context, sessionID string) (*Stats, error) {
	data, err := a.redis.HGetAll(ctx, keyPrefix+sessionID).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return parseSessionData(sessionID, data), nil
}

func parseSessionData(sessionID string, data map[string]string) *Stats {
	s := &Stats{
		SessionID: sessionID,
		EntryPage: data["entry_page"],
		ExitPage:  data["exit_page"],
		Device:    data["device"],
		OS:        data["os"],
		Browser:   data["browser"],
		Country:   data["country"],
		City:      data["city"],
	}

	s.StartedAt = parseMillis(data["started_at"])
	s.LastSeenAt = parseMillis(data["last_seen_at"])
	s.EventsCount = parseInt(data["events_count"])
	s.PageViews = parseInt(data["page_views"])
	s.SectionViews = parseInt(data["section_views"])
	s.Clicks = parseInt(data["clicks"])

	for field, v := range data {
		switch {
		case strings.HasPrefix(field, timeFieldPrefix):
			s.TimeSpent += parseInt(v)
		case strings.HasPrefix(field, "scroll:"):
			if depth := parseInt(v); depth > s.MaxScrollDepth {
				s.MaxScrollDepth = depth
			}
		}
	}

	return s
}

func parseInt(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	return time.UnixMilli(parseInt(v)).UTC()
}

// Close closes the underlying client.
func (a *Aggregator) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
