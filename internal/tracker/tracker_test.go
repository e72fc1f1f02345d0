package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/showfolio/analytics/internal/event"
)

const iPhoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"

var pune = event.Location{City: "Pune", Region: "Maharashtra", Country: "India", CountryCode: "IN"}

type sent struct {
	path string
	body []byte
}

type recordingTransport struct {
	mu      sync.Mutex
	sends   []sent
	beacons []sent
	sendErr error
	block   chan struct{}
}

func (r *recordingTransport) Send(ctx context.Context, path string, payload interface{}) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sent{path: path, body: body})
	return r.sendErr
}

func (r *recordingTransport) ReliableSend(path string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beacons = append(r.beacons, sent{path: path, body: body})
	return nil
}

func (r *recordingTransport) events(t *testing.T) []event.AnalyticsEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.AnalyticsEvent
	for _, s := range r.sends {
		if s.path != EventsPath {
			continue
		}
		var e event.AnalyticsEvent
		require.NoError(t, json.Unmarshal(s.body, &e))
		out = append(out, e)
	}
	return out
}

func (r *recordingTransport) eventsOfType(t *testing.T, typ event.Type) []event.AnalyticsEvent {
	t.Helper()
	var out []event.AnalyticsEvent
	for _, e := range r.events(t) {
		if e.Event == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingTransport) heartbeats(t *testing.T) []event.Heartbeat {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Heartbeat
	for _, s := range r.sends {
		if s.path != HeartbeatPath {
			continue
		}
		var hb event.Heartbeat
		require.NoError(t, json.Unmarshal(s.body, &hb))
		out = append(out, hb)
	}
	return out
}

func (r *recordingTransport) heartbeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sends {
		if s.path == HeartbeatPath {
			n++
		}
	}
	return n
}

func (r *recordingTransport) totalRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends) + len(r.beacons)
}

type fakeFetcher struct {
	mu    sync.Mutex
	loc   event.Location
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context) (event.Location, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loc, f.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T, cfg Config, tr Transport, fetcher LocationFetcher) (*Tracker, *fakeClock) {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "https://showfolio.dev/p/jane"
	}
	sessions := NewSessionManager(NewMemoryStorage(), nopLogger())
	locations := NewLocationResolver(NewMemoryStorage(), fetcher, nopLogger())

	tk, err := New(cfg, tr, sessions, locations)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	tk.now = clock.Now
	tk.mountedAt = clock.Now()

	t.Cleanup(func() {
		tk.Stop()
		tk.Wait()
	})
	return tk, clock
}

func TestTracker_EventPayload(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{
		URL:              "https://showfolio.dev/p/jane?ref=linkedin#projects",
		DocumentReferrer: "https://www.google.com/",
		UserAgent:        iPhoneUA,
		ScreenResolution: "390x844",
	}, tr, &fakeFetcher{loc: pune})

	tk.Start(context.Background())
	tk.TrackClick("cta-hire")
	tk.Wait()

	clicks := tr.eventsOfType(t, event.TypeClick)
	require.Len(t, clicks, 1)
	got := clicks[0]

	assert.NotEmpty(t, got.SessionID)
	assert.Equal(t, "/p/jane", got.Page)
	assert.Equal(t, "cta-hire", got.ClickTarget)
	assert.Equal(t, "projects", got.Anchor)
	assert.Equal(t, "390x844", got.ScreenResolution)
	assert.Equal(t, pune, got.Location)
	assert.Equal(t, event.DeviceMobile, got.Device)
	assert.Equal(t, "iOS", got.OS)
	require.NotNil(t, got.Referrer)
	assert.Equal(t, "linkedin", *got.Referrer)

	pageViews := tr.eventsOfType(t, event.TypePageView)
	require.Len(t, pageViews, 1)
	assert.Equal(t, got.SessionID, pageViews[0].SessionID)
}

func TestTracker_ReferrerPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		docRef   string
		expected *string
	}{
		{"ref param wins", "https://showfolio.dev/p/jane?ref=twitter", "https://www.google.com/", strPtr("twitter")},
		{"document referrer", "https://showfolio.dev/p/jane", "https://www.google.com/", strPtr("https://www.google.com/")},
		{"none", "https://showfolio.dev/p/jane", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &recordingTransport{}
			tk, _ := newTestTracker(t, Config{URL: tt.url, DocumentReferrer: tt.docRef}, tr, &fakeFetcher{loc: pune})

			tk.Start(context.Background())
			tk.Wait()

			events := tr.events(t)
			require.Len(t, events, 1)
			assert.Equal(t, tt.expected, events[0].Referrer)
		})
	}
}

func TestTracker_FirstTouchReferrerKeptAcrossPages(t *testing.T) {
	tr := &recordingTransport{}
	sessions := NewSessionManager(NewMemoryStorage(), nopLogger())
	locations := NewLocationResolver(NewMemoryStorage(), &fakeFetcher{loc: pune}, nopLogger())

	first, err := New(Config{URL: "https://showfolio.dev/p/jane?ref=newsletter"}, tr, sessions, locations)
	require.NoError(t, err)
	second, err := New(Config{
		URL:              "https://showfolio.dev/p/jane/projects",
		DocumentReferrer: "https://showfolio.dev/p/jane",
	}, tr, sessions, locations)
	require.NoError(t, err)
	defer first.Stop()
	defer second.Stop()

	second.Start(context.Background())
	second.Wait()

	events := tr.events(t)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Referrer)
	assert.Equal(t, "newsletter", *events[0].Referrer)
}

func TestTracker_DropsEventsBeforeLocationResolved(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})

	tk.TrackClick("cta")
	tk.OnScroll(60)
	tk.Wait()

	assert.Zero(t, tr.totalRequests())
}

func TestTracker_LocationFallbackDoesNotBlockEvents(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{err: errors.New("geo service down")})

	tk.Start(context.Background())
	tk.TrackProjectView("compiler")
	tk.Wait()

	events := tr.events(t)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, event.Location{City: "Unknown", Region: "Unknown", Country: "Unknown", CountryCode: "XX"}, e.Location)
	}
}

func TestTracker_ScrollMilestones(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})
	tk.Start(context.Background())

	for _, pct := range []int{10, 30, 30, 60} {
		tk.OnScroll(pct)
	}
	tk.Wait()

	depths := func() []int {
		var out []int
		for _, e := range tr.eventsOfType(t, event.TypeScrollDepth) {
			out = append(out, e.ScrollDepth)
		}
		return out
	}
	assert.ElementsMatch(t, []int{25, 50}, depths())

	tk.OnScroll(40)
	tk.OnScroll(120)
	tk.OnScroll(80)
	tk.Wait()
	assert.ElementsMatch(t, []int{25, 50, 100}, depths())
}

func TestTracker_ConvenienceMethods(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})
	tk.Start(context.Background())

	tk.TrackSectionView("experience")
	tk.TrackExternalLink("https://github.com/jane")
	tk.TrackSocialLink("linkedin")
	tk.TrackContactFormSubmit()
	tk.TrackResumeDownload()
	tk.Wait()

	assert.Equal(t, "experience", tr.eventsOfType(t, event.TypeSectionView)[0].Section)
	assert.Equal(t, "https://github.com/jane", tr.eventsOfType(t, event.TypeExternalLinkClick)[0].ClickTarget)
	assert.Equal(t, "linkedin", tr.eventsOfType(t, event.TypeSocialLinkClick)[0].ClickTarget)
	assert.Len(t, tr.eventsOfType(t, event.TypeContactFormSubmit), 1)

	require.Len(t, tr.beacons, 1)
	var download event.AnalyticsEvent
	require.NoError(t, json.Unmarshal(tr.beacons[0].body, &download))
	assert.Equal(t, event.TypeResumeDownload, download.Event)
}

func TestTracker_HeartbeatCarriesElapsedAndMaxScroll(t *testing.T) {
	tr := &recordingTransport{}
	tk, clock := newTestTracker(t, Config{HeartbeatInterval: 10 * time.Millisecond}, tr, &fakeFetcher{loc: pune})

	tk.Start(context.Background())
	tk.OnScroll(40)
	tk.OnScroll(20)
	clock.Advance(45 * time.Second)

	require.Eventually(t, func() bool { return tr.heartbeatCount() >= 2 }, time.Second, 5*time.Millisecond)
	tk.Stop()

	hbs := tr.heartbeats(t)
	last := hbs[len(hbs)-1]
	assert.Equal(t, "/p/jane", last.Page)
	assert.Equal(t, 45, last.TimeSpent)
	assert.Equal(t, 40, last.ScrollDepth)
	assert.Equal(t, pune, last.Location)
	assert.NotEmpty(t, last.SessionID)
}

func TestTracker_VisibilityStopsAndRestartsHeartbeat(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{HeartbeatInterval: 5 * time.Millisecond}, tr, &fakeFetcher{loc: pune})

	tk.Start(context.Background())
	require.Eventually(t, func() bool { return tr.heartbeatCount() >= 1 }, time.Second, time.Millisecond)

	tk.SetVisible(false)
	hidden := tr.heartbeatCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, hidden, tr.heartbeatCount(), "no heartbeats while hidden")

	tk.SetVisible(true)
	require.Eventually(t, func() bool { return tr.heartbeatCount() > hidden }, time.Second, time.Millisecond)
}

func TestTracker_HeartbeatStartIsIdempotent(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})

	tk.Start(context.Background())
	tk.mu.Lock()
	first := tk.hbDone
	tk.mu.Unlock()
	require.NotNil(t, first)

	tk.SetVisible(true)
	tk.Start(context.Background())

	tk.mu.Lock()
	assert.True(t, first == tk.hbDone, "running heartbeat is not replaced")
	tk.mu.Unlock()

	tk.Wait()
	assert.Len(t, tr.eventsOfType(t, event.TypePageView), 1)
}

func TestTracker_StopIsIdempotent(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})

	tk.Stop()
	tk.SetVisible(false)
	tk.Start(context.Background())
	tk.Stop()
	tk.Stop()

	tk.mu.Lock()
	defer tk.mu.Unlock()
	assert.Nil(t, tk.hbDone)
}

func TestTracker_UnloadSendsExactlyOneReliableEvent(t *testing.T) {
	tr := &recordingTransport{block: make(chan struct{})}
	tk, clock := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})

	tk.Start(context.Background())
	tk.TrackClick("cta")
	tk.OnScroll(80)
	clock.Advance(95 * time.Second)

	tk.Unload()
	tk.Unload()

	tr.mu.Lock()
	beacons := append([]sent(nil), tr.beacons...)
	tr.mu.Unlock()

	require.Len(t, beacons, 1, "async sends are still pending")
	assert.Equal(t, EventsPath, beacons[0].path)

	var final event.AnalyticsEvent
	require.NoError(t, json.Unmarshal(beacons[0].body, &final))
	assert.Equal(t, event.TypeTimeSpent, final.Event)
	assert.Equal(t, 95, final.TimeSpent)
	assert.Equal(t, 80, final.ScrollDepth)

	close(tr.block)
}

func TestTracker_UnloadBeforeLocationResolvedSendsNothing(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})

	tk.Unload()
	tk.Start(context.Background())
	tk.Unload()
	tk.Wait()

	tr.mu.Lock()
	beacons := len(tr.beacons)
	tr.mu.Unlock()

	assert.Zero(t, beacons, "the only unload happened before the location resolved")
	assert.Len(t, tr.eventsOfType(t, event.TypePageView), 1)

	tk.mu.Lock()
	defer tk.mu.Unlock()
	assert.Nil(t, tk.hbDone, "no heartbeat after unload")
}

func TestTracker_UnloadWhileHidden(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})

	tk.Start(context.Background())
	tk.SetVisible(false)
	tk.Unload()

	assert.Len(t, tr.beacons, 1)
}

func TestTracker_PreviewSuppressesAllTracking(t *testing.T) {
	tr := &recordingTransport{}
	fetcher := &fakeFetcher{loc: pune}
	tk, clock := newTestTracker(t, Config{IsPreview: true, HeartbeatInterval: 2 * time.Millisecond}, tr, fetcher)
	observer := NewSectionObserver(tk)

	tk.Start(context.Background())
	tk.TrackClick("cta")
	tk.TrackResumeDownload()
	tk.OnScroll(100)
	observer.Observe("hero", 1)
	tk.SetVisible(false)
	tk.SetVisible(true)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	tk.Unload()
	tk.Wait()

	assert.Zero(t, tr.totalRequests())
	assert.Zero(t, fetcher.calls.Load())
}

func TestTracker_SendFailureIsSwallowed(t *testing.T) {
	tr := &recordingTransport{sendErr: errors.New("network unreachable")}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})

	tk.Start(context.Background())
	tk.TrackClick("cta")
	tk.Wait()

	assert.Len(t, tr.events(t), 2)
}

func TestTracker_SetFragment(t *testing.T) {
	tr := &recordingTransport{}
	tk, _ := newTestTracker(t, Config{}, tr, &fakeFetcher{loc: pune})
	tk.Start(context.Background())

	tk.SetFragment("contact")
	tk.TrackContactFormSubmit()
	tk.Wait()

	assert.Equal(t, "contact", tr.eventsOfType(t, event.TypeContactFormSubmit)[0].Anchor)
	assert.Empty(t, tr.eventsOfType(t, event.TypePageView)[0].Anchor)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(Config{URL: "://bad"}, &recordingTransport{}, NewSessionManager(NewMemoryStorage(), nopLogger()), nil)
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
