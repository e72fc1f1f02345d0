package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/showfolio/analytics/internal/config"
	"github.com/showfolio/analytics/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS analytics_events (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	page              TEXT NOT NULL,
	event             TEXT NOT NULL,
	section           TEXT,
	anchor            TEXT,
	click_target      TEXT,
	time_spent        INTEGER NOT NULL DEFAULT 0,
	scroll_depth      INTEGER NOT NULL DEFAULT 0,
	device            TEXT NOT NULL,
	os                TEXT NOT NULL,
	browser           TEXT NOT NULL,
	screen_resolution TEXT,
	city              TEXT NOT NULL,
	region            TEXT NOT NULL,
	country           TEXT NOT NULL,
	country_code      TEXT NOT NULL,
	referrer          TEXT,
	user_agent        TEXT,
	ip_hash           TEXT NOT NULL,
	timestamp         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS analytics_events_timestamp_idx ON analytics_events (timestamp DESC);
CREATE INDEX IF NOT EXISTS analytics_events_session_idx ON analytics_events (session_id);
CREATE UNIQUE INDEX IF NOT EXISTS analytics_events_time_spent_key
	ON analytics_events (session_id, page, event, ip_hash)
	WHERE event = 'time_spent';
`

const eventColumns = `id, session_id, page, event, section, anchor, click_target,
	time_spent, scroll_depth, device, os, browser, screen_resolution,
	city, region, country, country_code, referrer, user_agent, ip_hash, timestamp`

// PostgresStore keeps events in PostgreSQL through the pgx database/sql driver.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres opens and pings a pgx-backed connection pool.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the events table and its indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate analytics_events: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, e *event.AnalyticsEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `INSERT INTO analytics_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	if _, err := s.db.ExecContext(ctx, query, insertArgs(e)...); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertTimeSpent(ctx context.Context, e *event.AnalyticsEvent) error {
	e.Event = event.TypeTimeSpent
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	query := `INSERT INTO analytics_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (session_id, page, event, ip_hash) WHERE event = 'time_spent'
		DO UPDATE SET
			time_spent   = EXCLUDED.time_spent,
			scroll_depth = EXCLUDED.scroll_depth,
			city         = EXCLUDED.city,
			region       = EXCLUDED.region,
			country      = EXCLUDED.country,
			country_code = EXCLUDED.country_code,
			timestamp    = EXCLUDED.timestamp`

	if _, err := s.db.ExecContext(ctx, query, insertArgs(e)...); err != nil {
		return fmt.Errorf("upsert time_spent: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]event.AnalyticsEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}
	if f.Page != "" {
		add("page = $%d", f.Page)
	}
	if f.Event != "" {
		add("event = $%d", string(f.Event))
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}

	query := `SELECT ` + eventColumns + ` FROM analytics_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.AnalyticsEvent
	for rows.Next() {
		var (
			e                                 event.AnalyticsEvent
			eventName                         string
			section, anchor, clickTarget      sql.NullString
			screenResolution, referrer, agent sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Page, &eventName, &section, &anchor, &clickTarget,
			&e.TimeSpent, &e.ScrollDepth, &e.Device, &e.OS, &e.Browser, &screenResolution,
			&e.City, &e.Region, &e.Country, &e.CountryCode, &referrer, &agent, &e.IPHash, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		typ, err := event.ParseType(eventName)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", e.ID, err)
		}
		e.Event = typ
		e.Section = section.String
		e.Anchor = anchor.String
		e.ClickTarget = clickTarget.String
		e.ScreenResolution = screenResolution.String
		e.UserAgent = agent.String
		if referrer.Valid {
			ref := referrer.String
			e.Referrer = &ref
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

func insertArgs(e *event.AnalyticsEvent) []interface{} {
	var referrer interface{}
	if e.Referrer != nil {
		referrer = *e.Referrer
	}
	return []interface{}{
		e.ID, e.SessionID, e.Page, string(e.Event),
		nullString(e.Section), nullString(e.Anchor), nullString(e.ClickTarget),
		e.TimeSpent, e.ScrollDepth, e.Device, e.OS, e.Browser, nullString(e.ScreenResolution),
		e.City, e.Region, e.Country, e.CountryCode, referrer, nullString(e.UserAgent),
		e.IPHash, e.Timestamp,
	}
}

// Helper function to convert empty strings to NULL
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
