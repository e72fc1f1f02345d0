package event

import "math"

// Summary is computed per query window and never stored.
type Summary struct {
	TotalEvents    int            `json:"totalEvents"`
	UniqueSessions int            `json:"uniqueSessions"`
	EventCounts    map[Type]int   `json:"eventCounts"`
	DeviceCounts   map[string]int `json:"deviceCounts"`
	CountryCounts  map[string]int `json:"countryCounts"`
	PageCounts     map[string]int `json:"pageCounts"`
	TotalTimeSpent int            `json:"totalTimeSpent"`
	AvgTimeSpent   int            `json:"avgTimeSpent"`
}

// Summarize aggregates the given events. Time spent per session is the largest
// timeSpent seen on that session's time_spent events; the average divides the
// summed maxima by the number of unique sessions in the result.
//
// Only the events passed in are considered, so the result reflects whatever
// window and limit the caller queried with.
func Summarize(events []AnalyticsEvent) Summary {
	s := Summary{
		TotalEvents:   len(events),
		EventCounts:   make(map[Type]int),
		DeviceCounts:  make(map[string]int),
		CountryCounts: make(map[string]int),
		PageCounts:    make(map[string]int),
	}

	sessions := make(map[string]struct{})
	maxTime := make(map[string]int)

	for _, e := range events {
		sessions[e.SessionID] = struct{}{}
		s.EventCounts[e.Event]++
		s.PageCounts[e.Page]++

		device := e.Device
		if device == "" {
			device = DeviceDesktop
		}
		s.DeviceCounts[device]++

		country := e.Country
		if country == "" {
			country = Unknown
		}
		s.CountryCounts[country]++

		if e.Event == TypeTimeSpent {
			if cur, ok := maxTime[e.SessionID]; !ok || e.TimeSpent > cur {
				maxTime[e.SessionID] = e.TimeSpent
			}
		}
	}

	s.UniqueSessions = len(sessions)

	for _, t := range maxTime {
		s.TotalTimeSpent += t
	}
	if s.UniqueSessions > 0 {
		s.AvgTimeSpent = int(math.Round(float64(s.TotalTimeSpent) / float64(s.UniqueSessions)))
	}

	return s
}
