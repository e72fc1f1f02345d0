// Package tracker is the visitor-side half of the analytics pipeline: it
// builds events for one page view, keeps the engagement heartbeat running
// while the page is visible, and flushes a final time_spent record on unload.
//
// A host creates one Tracker per page view and drives it from its own
// lifecycle hooks:
//
//	t, err := tracker.New(cfg, transport, sessions, locations)
//	if err != nil { ... }
//	defer t.Stop()
//	t.Start(ctx)
//	...
//	t.SetVisible(false) // tab hidden
//	t.Unload()          // page teardown
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/showfolio/analytics/internal/enricher"
	"github.com/showfolio/analytics/internal/event"
)

// DefaultHeartbeatInterval is the engagement snapshot period.
const DefaultHeartbeatInterval = 30 * time.Second

const sendTimeout = 10 * time.Second

var scrollMilestones = []int{25, 50, 75, 100}

// Config describes the page view being tracked.
type Config struct {
	// URL is the full page URL; its path is the tracked page, its "ref"
	// query parameter the campaign referrer, its fragment the anchor.
	URL              string
	DocumentReferrer string
	UserAgent        string
	ScreenResolution string
	// IsPreview marks an owner previewing their own portfolio. Nothing is
	// sent in preview mode.
	IsPreview         bool
	HeartbeatInterval time.Duration
	Logger            *zerolog.Logger
}

// Fields are the caller-supplied parts of an event.
type Fields struct {
	Section     string
	ClickTarget string
	ScrollDepth int
	TimeSpent   int
}

// Tracker owns all tracking state for one page view.
type Tracker struct {
	cfg       Config
	transport Transport
	sessions  *SessionManager
	locations *LocationResolver
	log       zerolog.Logger
	now       func() time.Time

	page      string
	referrer  *string
	device    enricher.DeviceInfo
	mountedAt time.Time

	mu            sync.Mutex
	started       bool
	visible       bool
	unloaded      bool
	location      *event.Location
	anchor        string
	maxScroll     int
	lastMilestone int
	hbCancel      context.CancelFunc
	hbDone        chan struct{}

	sends sync.WaitGroup
}

func New(cfg Config, transport Transport, sessions *SessionManager, locations *LocationResolver) (*Tracker, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	page := u.Path
	if page == "" {
		page = "/"
	}

	var candidate *string
	if ref := u.Query().Get("ref"); ref != "" {
		candidate = &ref
	} else if cfg.DocumentReferrer != "" {
		ref := cfg.DocumentReferrer
		candidate = &ref
	}

	t := &Tracker{
		cfg:       cfg,
		transport: transport,
		sessions:  sessions,
		locations: locations,
		log:       logger.With().Str("page", page).Logger(),
		now:       time.Now,
		page:      page,
		referrer:  sessions.FirstTouchReferrer(candidate),
		device:    enricher.Classify(cfg.UserAgent),
		anchor:    u.Fragment,
		visible:   true,
	}
	t.mountedAt = t.now()
	return t, nil
}

// Start resolves the visitor's location, records the page view and starts
// the heartbeat if the page is visible. Only the first call has an effect.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started || t.cfg.IsPreview {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	loc := t.locations.Resolve(ctx)

	t.mu.Lock()
	t.location = &loc
	t.mu.Unlock()

	t.Track(event.TypePageView, Fields{}, false)

	t.mu.Lock()
	if t.visible {
		t.startHeartbeatLocked()
	}
	t.mu.Unlock()
}

// SetVisible follows tab visibility: hidden stops the heartbeat, visible
// starts a fresh one. Missed beats are not replayed.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	t.visible = visible
	if visible {
		t.startHeartbeatLocked()
		t.mu.Unlock()
		return
	}
	done := t.stopHeartbeatLocked()
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

// SetFragment records an in-page navigation; later events carry it as anchor.
func (t *Tracker) SetFragment(fragment string) {
	t.mu.Lock()
	t.anchor = fragment
	t.mu.Unlock()
}

// Unload flushes the final time_spent record through the reliable path. It
// sends once no matter whether the heartbeat is running. An unload before the
// location has resolved sends nothing and still counts as the one unload.
func (t *Tracker) Unload() {
	t.mu.Lock()
	if t.unloaded {
		t.mu.Unlock()
		return
	}
	t.unloaded = true
	t.stopHeartbeatLocked()
	maxScroll := t.maxScroll
	t.mu.Unlock()

	t.Track(event.TypeTimeSpent, Fields{
		TimeSpent:   t.elapsedSeconds(),
		ScrollDepth: maxScroll,
	}, true)
}

// Stop ends the heartbeat. It is safe to call any number of times, before
// or after Start.
func (t *Tracker) Stop() {
	t.mu.Lock()
	done := t.stopHeartbeatLocked()
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Wait blocks until in-flight asynchronous sends have finished.
func (t *Tracker) Wait() {
	t.sends.Wait()
}

// Track builds and dispatches one event and reports whether it was
// dispatched. It drops the event in preview mode or before the location is
// resolved. The asynchronous path never blocks the caller; synchronous hands
// the event to Transport.ReliableSend.
func (t *Tracker) Track(typ event.Type, f Fields, synchronous bool) bool {
	ev, ok := t.build(typ, f)
	if !ok {
		return false
	}

	if synchronous {
		body, err := json.Marshal(ev)
		if err != nil {
			t.log.Error().Err(err).Str("event", typ.String()).Msg("Failed to encode event")
			return false
		}
		if err := t.transport.ReliableSend(EventsPath, body); err != nil {
			t.log.Warn().Err(err).Str("event", typ.String()).Msg("Reliable send failed")
		}
		return true
	}

	t.sends.Add(1)
	go func() {
		defer t.sends.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := t.transport.Send(ctx, EventsPath, ev); err != nil {
			t.log.Warn().Err(err).Str("event", typ.String()).Msg("Failed to send event")
		}
	}()
	return true
}

func (t *Tracker) build(typ event.Type, f Fields) (event.AnalyticsEvent, bool) {
	if t.cfg.IsPreview {
		return event.AnalyticsEvent{}, false
	}

	t.mu.Lock()
	loc := t.location
	anchor := t.anchor
	t.mu.Unlock()

	if loc == nil {
		return event.AnalyticsEvent{}, false
	}

	return event.AnalyticsEvent{
		SessionID:        t.sessions.ID(),
		Page:             t.page,
		Event:            typ,
		Section:          f.Section,
		Anchor:           anchor,
		ClickTarget:      f.ClickTarget,
		TimeSpent:        f.TimeSpent,
		ScrollDepth:      f.ScrollDepth,
		Device:           t.device.Device,
		OS:               t.device.OS,
		Browser:          t.device.Browser,
		ScreenResolution: t.cfg.ScreenResolution,
		Location:         *loc,
		Referrer:         t.referrer,
		UserAgent:        t.cfg.UserAgent,
		Timestamp:        t.now().UTC(),
	}, true
}

// TrackSectionView reports false when the view was dropped, so observers can
// retry on a later intersection update.
func (t *Tracker) TrackSectionView(section string) bool {
	return t.Track(event.TypeSectionView, Fields{Section: section}, false)
}

func (t *Tracker) TrackClick(target string) {
	t.Track(event.TypeClick, Fields{ClickTarget: target}, false)
}

func (t *Tracker) TrackProjectView(project string) {
	t.Track(event.TypeProjectView, Fields{ClickTarget: project}, false)
}

func (t *Tracker) TrackExternalLink(href string) {
	t.Track(event.TypeExternalLinkClick, Fields{ClickTarget: href}, false)
}

func (t *Tracker) TrackSocialLink(platform string) {
	t.Track(event.TypeSocialLinkClick, Fields{ClickTarget: platform}, false)
}

func (t *Tracker) TrackContactFormSubmit() {
	t.Track(event.TypeContactFormSubmit, Fields{}, false)
}

// TrackResumeDownload is sent synchronously: the download usually navigates
// away from the page.
func (t *Tracker) TrackResumeDownload() {
	t.Track(event.TypeResumeDownload, Fields{ClickTarget: "resume"}, true)
}

// OnScroll records the current scroll position as a percentage of the page.
// A scroll_depth event fires when a new, higher milestone is crossed.
func (t *Tracker) OnScroll(percent int) {
	percent = min(max(percent, 0), 100)

	t.mu.Lock()
	if percent > t.maxScroll {
		t.maxScroll = percent
	}
	reached := 0
	for _, m := range scrollMilestones {
		if percent >= m {
			reached = m
		}
	}
	fire := reached > t.lastMilestone
	if fire {
		t.lastMilestone = reached
	}
	t.mu.Unlock()

	if fire {
		t.Track(event.TypeScrollDepth, Fields{ScrollDepth: reached}, false)
	}
}

func (t *Tracker) startHeartbeatLocked() {
	if t.hbCancel != nil || t.cfg.IsPreview || t.location == nil || t.unloaded {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.hbCancel = cancel
	t.hbDone = done

	go t.heartbeatLoop(ctx, done)
}

func (t *Tracker) stopHeartbeatLocked() chan struct{} {
	if t.hbCancel == nil {
		return nil
	}
	t.hbCancel()
	done := t.hbDone
	t.hbCancel = nil
	t.hbDone = nil
	return done
}

func (t *Tracker) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.beat(ctx)
		}
	}
}

func (t *Tracker) beat(ctx context.Context) {
	t.mu.Lock()
	loc := t.location
	maxScroll := t.maxScroll
	t.mu.Unlock()

	if loc == nil {
		return
	}

	hb := event.Heartbeat{
		SessionID:   t.sessions.ID(),
		Page:        t.page,
		TimeSpent:   t.elapsedSeconds(),
		ScrollDepth: maxScroll,
		Location:    *loc,
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := t.transport.Send(sendCtx, HeartbeatPath, hb); err != nil && ctx.Err() == nil {
		t.log.Warn().Err(err).Msg("Failed to send heartbeat")
	}
}

func (t *Tracker) elapsedSeconds() int {
	return int(t.now().Sub(t.mountedAt) / time.Second)
}
