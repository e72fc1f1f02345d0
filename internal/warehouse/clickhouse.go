// Package warehouse archives accepted events into ClickHouse for long-range
// reporting. Discrete events are appended; time_spent snapshots collapse to
// the latest value per (session, page, ip hash) through a ReplacingMergeTree.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/showfolio/analytics/internal/config"
	"github.com/showfolio/analytics/internal/event"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		event_id          String,
		session_id        String,
		event_type        LowCardinality(String),
		timestamp         DateTime64(3, 'UTC'),
		page              String,
		section           String,
		anchor            String,
		click_target      String,
		scroll_depth      UInt8,
		device_type       LowCardinality(String),
		os                LowCardinality(String),
		browser           LowCardinality(String),
		screen_resolution String,
		country           LowCardinality(String),
		country_code      LowCardinality(String),
		region            String,
		city              String,
		referrer          String,
		ip_hash           String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (page, event_type, timestamp)`,

	`CREATE TABLE IF NOT EXISTS page_engagement (
		session_id     String,
		page           String,
		ip_hash        String,
		time_spent     UInt32,
		scroll_depth   UInt8,
		device_type    LowCardinality(String),
		country        LowCardinality(String),
		city           String,
		updated_at     DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (session_id, page, ip_hash)`,
}

type ClickHouse struct {
	conn driver.Conn
}

// EventRow represents a row in the events table
type EventRow struct {
	EventID          string
	SessionID        string
	EventType        string
	Timestamp        time.Time
	Page             string
	Section          string
	Anchor           string
	ClickTarget      string
	ScrollDepth      uint8
	DeviceType       string
	OS               string
	Browser          string
	ScreenResolution string
	Country          string
	CountryCode      string
	Region           string
	City             string
	Referrer         string
	IPHash           string
}

// EngagementRow represents a row in the page_engagement table
type EngagementRow struct {
	SessionID   string
	Page        string
	IPHash      string
	TimeSpent   uint32
	ScrollDepth uint8
	DeviceType  string
	Country     string
	City        string
	UpdatedAt   time.Time
}

// Rows splits a batch of events into the rows of each table.
func Rows(events []event.AnalyticsEvent) ([]EventRow, []EngagementRow) {
	var (
		rows       []EventRow
		engagement []EngagementRow
	)
	for _, e := range events {
		if e.Event == event.TypeTimeSpent {
			engagement = append(engagement, EngagementRow{
				SessionID:   e.SessionID,
				Page:        e.Page,
				IPHash:      e.IPHash,
				TimeSpent:   uint32(max(e.TimeSpent, 0)),
				ScrollDepth: clampPercent(e.ScrollDepth),
				DeviceType:  e.Device,
				Country:     e.Country,
				City:        e.City,
				UpdatedAt:   e.Timestamp,
			})
			continue
		}

		var referrer string
		if e.Referrer != nil {
			referrer = *e.Referrer
		}
		rows = append(rows, EventRow{
			EventID:          e.ID,
			SessionID:        e.SessionID,
			EventType:        e.Event.String(),
			Timestamp:        e.Timestamp,
			Page:             e.Page,
			Section:          e.Section,
			Anchor:           e.Anchor,
			ClickTarget:      e.ClickTarget,
			ScrollDepth:      clampPercent(e.ScrollDepth),
			DeviceType:       e.Device,
			OS:               e.OS,
			Browser:          e.Browser,
			ScreenResolution: e.ScreenResolution,
			Country:          e.Country,
			CountryCode:      e.CountryCode,
			Region:           e.Region,
			City:             e.City,
			Referrer:         referrer,
			IPHash:           e.IPHash,
		})
	}
	return rows, engagement
}

func clampPercent(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return uint8(v)
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouse{conn: conn}, nil
}

// Migrate creates the archive tables if missing.
func (c *ClickHouse) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate clickhouse: %w", err)
		}
	}
	return nil
}

func (c *ClickHouse) InsertEvents(ctx context.Context, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO events (
			event_id, session_id, event_type, timestamp,
			page, section, anchor, click_target, scroll_depth,
			device_type, os, browser, screen_resolution,
			country, country_code, region, city, referrer, ip_hash
		)
	`)
	if err != nil {
		return err
	}

	for _, e := range events {
		err := batch.Append(
			e.EventID, e.SessionID, e.EventType, e.Timestamp,
			e.Page, e.Section, e.Anchor, e.ClickTarget, e.ScrollDepth,
			e.DeviceType, e.OS, e.Browser, e.ScreenResolution,
			e.Country, e.CountryCode, e.Region, e.City, e.Referrer, e.IPHash,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) InsertEngagement(ctx context.Context, rows []EngagementRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO page_engagement (
			session_id, page, ip_hash, time_spent, scroll_depth,
			device_type, country, city, updated_at
		)
	`)
	if err != nil {
		return err
	}

	for _, r := range rows {
		err := batch.Append(
			r.SessionID, r.Page, r.IPHash, r.TimeSpent, r.ScrollDepth,
			r.DeviceType, r.Country, r.City, r.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
