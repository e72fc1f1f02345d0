package enricher

import (
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/oschwald/geoip2-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/showfolio/analytics/internal/event"
)

const (
	uaChromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaSafariIPhone  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	uaSafariIPad    = "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	uaFirefoxLinux  = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
	uaEdgeMac       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"
	uaAndroidPhone  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	uaAndroidTablet = "Mozilla/5.0 (Linux; Android 13; SM-X700) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want DeviceInfo
	}{
		{"chrome on windows", uaChromeWindows, DeviceInfo{"desktop", "Windows", "Chrome"}},
		{"safari on iphone", uaSafariIPhone, DeviceInfo{"mobile", "iOS", "Safari"}},
		{"safari on ipad", uaSafariIPad, DeviceInfo{"tablet", "iOS", "Safari"}},
		{"firefox on linux", uaFirefoxLinux, DeviceInfo{"desktop", "Linux", "Firefox"}},
		{"edge on mac", uaEdgeMac, DeviceInfo{"desktop", "macOS", "Edge"}},
		{"android phone", uaAndroidPhone, DeviceInfo{"mobile", "Android", "Chrome"}},
		{"android tablet", uaAndroidTablet, DeviceInfo{"tablet", "Android", "Chrome"}},
		{"unmatched", "curl/8.4.0", DeviceInfo{"desktop", "Unknown", "Unknown"}},
		{"empty", "", DeviceInfo{"desktop", "Unknown", "Unknown"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ua))
		})
	}
}

func TestHashIP(t *testing.T) {
	e := NewEnricher("", "salt-a", 16)
	other := NewEnricher("", "salt-b", 16)

	h := e.HashIP("203.0.113.7")
	assert.Len(t, h, 64)
	assert.Equal(t, h, e.HashIP("203.0.113.7"))
	assert.NotEqual(t, h, e.HashIP("203.0.113.8"))
	assert.NotEqual(t, h, other.HashIP("203.0.113.7"))
	assert.NotContains(t, h, "203.0.113.7")
}

func TestEnrich(t *testing.T) {
	e := NewEnricher("", "salt", 16)
	ev := &event.AnalyticsEvent{
		SessionID: "s",
		Page:      "/p/jane",
		Event:     event.TypePageView,
		Device:    "tablet",
		Location:  event.Location{City: "Oslo"},
	}

	e.Enrich(ev, uaSafariIPhone, "198.51.100.1")

	assert.Equal(t, "mobile", ev.Device)
	assert.Equal(t, "iOS", ev.OS)
	assert.Equal(t, "Safari", ev.Browser)
	assert.Equal(t, uaSafariIPhone, ev.UserAgent)
	assert.Equal(t, e.HashIP("198.51.100.1"), ev.IPHash)
	assert.Equal(t, "Oslo", ev.City)
	assert.Equal(t, event.UnknownCountryCode, ev.CountryCode)
}

func TestLocate_NoDatabase(t *testing.T) {
	e := NewEnricher("", "salt", 16)

	loc, err := e.Locate("8.8.8.8")
	assert.True(t, errors.Is(err, ErrNoGeoIP))
	assert.Equal(t, event.UnknownLocation(), loc)
}

func TestLocate_MissingDatabaseFile(t *testing.T) {
	e := NewEnricher("/nonexistent/GeoLite2-City.mmdb", "salt", 16)
	defer e.Close()

	_, err := e.Locate("8.8.8.8")
	assert.True(t, errors.Is(err, ErrNoGeoIP))
}

func TestLocate_CachesByIP(t *testing.T) {
	var record geoip2.City
	require.NoError(t, json.Unmarshal([]byte(`{
		"City": {"Names": {"en": "Berlin"}},
		"Subdivisions": [{"Names": {"en": "Land Berlin"}}],
		"Country": {"IsoCode": "DE", "Names": {"en": "Germany"}}
	}`), &record))

	calls := 0
	e := NewEnricher("", "salt", 16)
	e.lookup = func(ip net.IP) (*geoip2.City, error) {
		calls++
		return &record, nil
	}

	loc, err := e.Locate("203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, event.Location{City: "Berlin", Region: "Land Berlin", Country: "Germany", CountryCode: "DE"}, loc)

	_, err = e.Locate("203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestLocate_LookupFailure(t *testing.T) {
	e := NewEnricher("", "salt", 16)
	e.lookup = func(ip net.IP) (*geoip2.City, error) {
		return nil, errors.New("address not found")
	}

	loc, err := e.Locate("203.0.113.9")
	assert.Error(t, err)
	assert.Equal(t, event.UnknownLocation(), loc)

	_, err = e.Locate("not-an-ip")
	assert.Error(t, err)
}
