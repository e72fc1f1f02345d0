package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/showfolio/analytics/internal/config"
	"github.com/showfolio/analytics/internal/tracker"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPad; CPU OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
}

var referrers = []string{"", "", "https://www.linkedin.com/", "https://github.com/", "https://news.ycombinator.com/"}

var sections = []string{"hero", "about", "experience", "projects", "skills", "contact"}

type options struct {
	visits      int
	visitors    int
	rate        float64
	concurrency int
	pages       []string
	dwell       time.Duration
	storageDir  string
}

func (o options) validate() error {
	if o.rate <= 0 {
		return fmt.Errorf("-rate must be positive, got %v", o.rate)
	}
	if o.visits < 0 {
		return fmt.Errorf("-visits must not be negative, got %d", o.visits)
	}
	for _, p := range o.pages {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("-pages entry %q must start with /", p)
		}
	}
	return nil
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	visits := flag.Int("visits", 20, "Number of page visits to simulate")
	visitors := flag.Int("visitors", 5, "Number of distinct browsers the visits are spread over")
	perSecond := flag.Float64("rate", 2, "Visits started per second")
	concurrency := flag.Int("concurrency", 4, "Maximum visits in flight")
	pages := flag.String("pages", "/p/jane-doe,/p/john-smith", "Comma-separated portfolio paths")
	dwell := flag.Duration("dwell", 2*time.Second, "Approximate time spent on each page")
	storageDir := flag.String("storage-dir", "", "Persist tab and browser storage under this directory")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to read .env")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/analytics.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}

	opts := options{
		visits:      *visits,
		visitors:    max(*visitors, 1),
		rate:        *perSecond,
		concurrency: max(*concurrency, 1),
		pages:       strings.Split(*pages, ","),
		dwell:       *dwell,
		storageDir:  *storageDir,
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if opts.storageDir != "" {
		if err := os.MkdirAll(opts.storageDir, 0755); err != nil {
			log.Fatal().Err(err).Msg("Failed to create storage directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("endpoint", cfg.Tracker.Endpoint).
		Int("visits", opts.visits).
		Int("visitors", opts.visitors).
		Msg("Starting visit simulator")

	transport := tracker.NewHTTPTransport(cfg.Tracker.Endpoint, log.Logger)
	fetcher := tracker.NewHTTPLocationFetcher(cfg.Tracker.Endpoint)

	browsers := make([]tracker.Storage, opts.visitors)
	for i := range browsers {
		browsers[i] = newStorage(opts.storageDir, fmt.Sprintf("browser-%d.json", i))
	}

	if err := run(ctx, opts, cfg.Tracker, transport, fetcher, browsers); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Simulation stopped")
	}

	// Beacons queued by unloading pages are delivered before exit.
	if err := transport.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close transport")
	}
	log.Info().Msg("Simulation complete")
}

func run(ctx context.Context, opts options, tcfg config.TrackerConfig, transport *tracker.HTTPTransport, fetcher tracker.LocationFetcher, browsers []tracker.Storage) error {
	limiter := rate.NewLimiter(rate.Limit(opts.rate), 1)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.concurrency)

	for i := 0; i < opts.visits; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}

		n := i
		eg.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(n)))
			browser := browsers[n%len(browsers)]
			tab := newStorage(opts.storageDir, fmt.Sprintf("tab-%d.json", n))

			visit(ctx, rng, opts, tcfg, transport, fetcher, browser, tab)
			return nil
		})
	}
	return eg.Wait()
}

// visit plays one page view from mount to unload.
func visit(ctx context.Context, rng *rand.Rand, opts options, tcfg config.TrackerConfig, transport tracker.Transport, fetcher tracker.LocationFetcher, browser, tab tracker.Storage) {
	page := opts.pages[rng.Intn(len(opts.pages))]
	url := "https://showfolio.dev" + page
	if rng.Intn(4) == 0 {
		url += "?ref=simulator"
	}

	logger := log.Logger.With().Str("page", page).Logger()
	t, err := tracker.New(tracker.Config{
		URL:               url,
		DocumentReferrer:  referrers[rng.Intn(len(referrers))],
		UserAgent:         userAgents[rng.Intn(len(userAgents))],
		ScreenResolution:  "1920x1080",
		HeartbeatInterval: tcfg.HeartbeatInterval,
		Logger:            &logger,
	}, transport, tracker.NewSessionManager(tab, logger), tracker.NewLocationResolver(browser, fetcher, logger))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create tracker")
		return
	}
	defer t.Stop()

	t.Start(ctx)
	observer := tracker.NewSectionObserver(t)

	step := opts.dwell / time.Duration(len(sections)+1)
	for i, section := range sections {
		if !sleep(ctx, step) {
			break
		}
		t.OnScroll((i + 1) * 100 / len(sections))
		observer.Observe(section, rng.Float64())

		switch rng.Intn(8) {
		case 0:
			t.TrackProjectView(fmt.Sprintf("project-%d", rng.Intn(5)+1))
		case 1:
			t.TrackSocialLink([]string{"github", "linkedin", "x"}[rng.Intn(3)])
		case 2:
			t.TrackExternalLink("https://example.com/case-study")
		case 3:
			t.TrackClick("cta-" + section)
		case 4:
			t.SetVisible(false)
			sleep(ctx, step)
			t.SetVisible(true)
		}
	}

	if rng.Intn(6) == 0 {
		t.TrackContactFormSubmit()
	}
	if rng.Intn(5) == 0 {
		t.TrackResumeDownload()
	}

	t.Unload()
	t.Wait()
	logger.Debug().Msg("Visit finished")
}

func newStorage(dir, name string) tracker.Storage {
	if dir == "" {
		return tracker.NewMemoryStorage()
	}
	return tracker.NewFileStorage(filepath.Join(dir, name))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
