// Package event defines the analytics record shared by the tracker and the
// aggregation endpoint, and the summary computed over query results.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the closed set of event kinds accepted by the pipeline.
type Type string

const (
	TypePageView          Type = "page_view"
	TypeSectionView       Type = "section_view"
	TypeTimeSpent         Type = "time_spent"
	TypeScrollDepth       Type = "scroll_depth"
	TypeClick             Type = "click"
	TypeContactFormSubmit Type = "contact_form_submit"
	TypeProjectView       Type = "project_view"
	TypeResumeDownload    Type = "resume_download"
	TypeSocialLinkClick   Type = "social_link_click"
	TypeExternalLinkClick Type = "external_link_click"
)

// ErrUnknownType is returned when an event name is outside the closed set.
var ErrUnknownType = errors.New("unknown event type")

// Types lists every accepted event type in declaration order.
func Types() []Type {
	return []Type{
		TypePageView,
		TypeSectionView,
		TypeTimeSpent,
		TypeScrollDepth,
		TypeClick,
		TypeContactFormSubmit,
		TypeProjectView,
		TypeResumeDownload,
		TypeSocialLinkClick,
		TypeExternalLinkClick,
	}
}

// ParseType maps a wire name to a Type, rejecting anything unrecognized.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypePageView, TypeSectionView, TypeTimeSpent, TypeScrollDepth, TypeClick,
		TypeContactFormSubmit, TypeProjectView, TypeResumeDownload,
		TypeSocialLinkClick, TypeExternalLinkClick:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

func (t Type) String() string {
	return string(t)
}

// UnmarshalJSON accepts an empty name so that required-field validation can
// report it, and rejects any other name ParseType does not know.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = ""
		return nil
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Device classes a user agent can resolve to.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// Unknown is the placeholder for unresolved location, OS and browser values.
const (
	Unknown            = "Unknown"
	UnknownCountryCode = "XX"
)

// Location is the coarse geolocation attached to every event.
type Location struct {
	City        string `json:"city"`
	Region      string `json:"region"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
}

// UnknownLocation is the fallback used when resolution fails.
func UnknownLocation() Location {
	return Location{
		City:        Unknown,
		Region:      Unknown,
		Country:     Unknown,
		CountryCode: UnknownCountryCode,
	}
}

// Normalize fills blank fields with the unknown placeholders.
func (l Location) Normalize() Location {
	if l.City == "" {
		l.City = Unknown
	}
	if l.Region == "" {
		l.Region = Unknown
	}
	if l.Country == "" {
		l.Country = Unknown
	}
	if l.CountryCode == "" {
		l.CountryCode = UnknownCountryCode
	}
	return l
}

// AnalyticsEvent is the wire and storage record for a single tracked event.
type AnalyticsEvent struct {
	ID          string `json:"id,omitempty"`
	SessionID   string `json:"sessionId" validate:"required"`
	Page        string `json:"page" validate:"required"`
	Event       Type   `json:"event" validate:"required"`
	Section     string `json:"section,omitempty"`
	Anchor      string `json:"anchor,omitempty"`
	ClickTarget string `json:"clickTarget,omitempty"`
	TimeSpent   int    `json:"timeSpent" validate:"min=0"`
	ScrollDepth int    `json:"scrollDepth" validate:"min=0,max=100"`

	Device           string `json:"device,omitempty" validate:"omitempty,oneof=desktop mobile tablet"`
	OS               string `json:"os,omitempty"`
	Browser          string `json:"browser,omitempty"`
	ScreenResolution string `json:"screenResolution,omitempty"`

	Location

	Referrer  *string   `json:"referrer"`
	UserAgent string    `json:"userAgent,omitempty"`
	IPHash    string    `json:"ipHash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat is the periodic engagement snapshot for one (session, page).
type Heartbeat struct {
	SessionID   string `json:"sessionId" validate:"required"`
	Page        string `json:"page" validate:"required"`
	TimeSpent   int    `json:"timeSpent" validate:"min=0"`
	ScrollDepth int    `json:"scrollDepth" validate:"min=0,max=100"`

	Location
}

// TimeSpentEvent converts a heartbeat into the time_spent record it upserts.
func (h Heartbeat) TimeSpentEvent() AnalyticsEvent {
	return AnalyticsEvent{
		SessionID:   h.SessionID,
		Page:        h.Page,
		Event:       TypeTimeSpent,
		TimeSpent:   h.TimeSpent,
		ScrollDepth: h.ScrollDepth,
		Location:    h.Location.Normalize(),
	}
}
