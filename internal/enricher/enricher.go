package enricher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/showfolio/analytics/internal/event"
	"github.com/showfolio/analytics/internal/metrics"
)

// ErrNoGeoIP is returned by Locate when no GeoIP database is loaded.
var ErrNoGeoIP = errors.New("geoip database not loaded")

type cityLookupFunc func(ip net.IP) (*geoip2.City, error)

// Enricher derives server-side fields (device classification, ip hash,
// geolocation) from request metadata.
type Enricher struct {
	salt   string
	geoIP  *geoip2.Reader
	lookup cityLookupFunc
	cache  *lru.Cache[string, event.Location]
}

func NewEnricher(geoIPPath, salt string, cacheSize int) *Enricher {
	e := &Enricher{salt: salt}

	// Try to load GeoIP database
	if geoIPPath != "" {
		reader, err := geoip2.Open(geoIPPath)
		if err != nil {
			log.Warn().Err(err).Str("path", geoIPPath).Msg("GeoIP database unavailable, /loc will return Unknown")
		} else {
			e.geoIP = reader
			e.lookup = reader.City
		}
	}

	if cacheSize <= 0 {
		cacheSize = 1024
	}
	e.cache, _ = lru.New[string, event.Location](cacheSize)

	return e
}

// DeviceInfo is the classification derived from a user-agent string.
type DeviceInfo struct {
	Device  string
	OS      string
	Browser string
}

// Classify maps a user-agent string to device, OS and browser. Unmatched
// patterns yield "Unknown" for OS and browser and "desktop" for the device.
func Classify(userAgentString string) DeviceInfo {
	info := DeviceInfo{
		Device:  event.DeviceDesktop,
		OS:      event.Unknown,
		Browser: event.Unknown,
	}
	if userAgentString == "" {
		return info
	}

	ua := useragent.New(userAgentString)
	info.Device = getDeviceType(ua, userAgentString)
	info.OS = getOS(userAgentString)
	info.Browser = getBrowser(userAgentString)
	return info
}

func getDeviceType(ua *useragent.UserAgent, s string) string {
	if strings.Contains(s, "iPad") || strings.Contains(s, "Tablet") ||
		(strings.Contains(s, "Android") && !strings.Contains(s, "Mobile")) {
		return event.DeviceTablet
	}
	if ua.Mobile() || strings.Contains(s, "Mobi") || strings.Contains(s, "iPhone") {
		return event.DeviceMobile
	}
	return event.DeviceDesktop
}

func getOS(s string) string {
	switch {
	case strings.Contains(s, "Windows"):
		return "Windows"
	case strings.Contains(s, "Android"):
		return "Android"
	case strings.Contains(s, "iPhone"), strings.Contains(s, "iPad"), strings.Contains(s, "iPod"):
		return "iOS"
	case strings.Contains(s, "Mac OS"), strings.Contains(s, "Macintosh"):
		return "macOS"
	case strings.Contains(s, "CrOS"):
		return "ChromeOS"
	case strings.Contains(s, "Linux"):
		return "Linux"
	}
	return event.Unknown
}

func getBrowser(s string) string {
	switch {
	case strings.Contains(s, "Edg"):
		return "Edge"
	case strings.Contains(s, "OPR"), strings.Contains(s, "Opera"):
		return "Opera"
	case strings.Contains(s, "Firefox"), strings.Contains(s, "FxiOS"):
		return "Firefox"
	case strings.Contains(s, "Chrome"), strings.Contains(s, "CriOS"):
		return "Chrome"
	case strings.Contains(s, "Safari"):
		return "Safari"
	}
	return event.Unknown
}

// HashIP returns the salted one-way hash used in place of the client IP.
func (e *Enricher) HashIP(clientIP string) string {
	hash := sha256.Sum256([]byte(clientIP + e.salt))
	return hex.EncodeToString(hash[:])
}

// Enrich stamps the server-derived fields onto an incoming event. Client
// supplied classification is replaced; location blanks become Unknown.
func (e *Enricher) Enrich(ev *event.AnalyticsEvent, userAgentString, clientIP string) {
	info := Classify(userAgentString)
	ev.Device = info.Device
	ev.OS = info.OS
	ev.Browser = info.Browser
	ev.UserAgent = userAgentString
	ev.IPHash = e.HashIP(clientIP)
	ev.Location = ev.Location.Normalize()
}

// Locate resolves a client IP to a coarse location, caching results by IP.
func (e *Enricher) Locate(clientIP string) (event.Location, error) {
	if e.lookup == nil {
		metrics.GeoLookups.WithLabelValues("unknown").Inc()
		return event.UnknownLocation(), ErrNoGeoIP
	}

	if loc, ok := e.cache.Get(clientIP); ok {
		metrics.GeoLookups.WithLabelValues("cache_hit").Inc()
		return loc, nil
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		metrics.GeoLookups.WithLabelValues("unknown").Inc()
		return event.UnknownLocation(), errors.New("invalid client ip")
	}

	record, err := e.lookup(ip)
	if err != nil {
		metrics.GeoLookups.WithLabelValues("unknown").Inc()
		return event.UnknownLocation(), err
	}

	loc := event.Location{
		City:        record.City.Names["en"],
		Country:     record.Country.Names["en"],
		CountryCode: record.Country.IsoCode,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}
	loc = loc.Normalize()

	e.cache.Add(clientIP, loc)
	metrics.GeoLookups.WithLabelValues("resolved").Inc()
	return loc, nil
}

func (e *Enricher) Close() {
	if e.geoIP != nil {
		e.geoIP.Close()
	}
}
