package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventsPath    = "/analytics/events"
	HeartbeatPath = "/analytics/heartbeat"
	LocationPath  = "/loc"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrBeaconQueueFull = errors.New("beacon queue full")
)

// Transport delivers payloads to the aggregation endpoint.
type Transport interface {
	// Send posts payload as JSON and reports the outcome. Callers treat
	// failures as best-effort.
	Send(ctx context.Context, path string, payload interface{}) error
	// ReliableSend hands body off for delivery that outlives the caller. It
	// must not block on the network; once it returns nil the body is queued.
	ReliableSend(path string, body []byte) error
}

type beacon struct {
	path string
	body []byte
}

// HTTPTransport implements Transport over net/http. Reliable sends are
// queued and drained by a background worker, and Close waits for the queue
// to empty.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	beacons chan beacon
	wg      sync.WaitGroup
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(endpoint string, logger zerolog.Logger) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger,
		beacons:  make(chan beacon, 64),
	}

	t.wg.Add(1)
	go t.drain()

	return t
}

func (t *HTTPTransport) Send(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return t.post(ctx, path, body)
}

func (t *HTTPTransport) ReliableSend(path string, body []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrTransportClosed
	}
	select {
	case t.beacons <- beacon{path: path, body: body}:
		return nil
	default:
		return ErrBeaconQueueFull
	}
}

func (t *HTTPTransport) drain() {
	defer t.wg.Done()
	for b := range t.beacons {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := t.post(ctx, b.path, b.body); err != nil {
			t.log.Warn().Err(err).Str("path", b.path).Msg("Beacon delivery failed")
		}
		cancel()
	}
}

func (t *HTTPTransport) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return nil
}

// Close stops accepting beacons and blocks until queued ones are delivered.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.beacons)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
