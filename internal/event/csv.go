package event

import (
	"encoding/csv"
	"io"
	"strconv"
)

// CSVHeader is the fixed column set of the CSV export.
var CSVHeader = []string{
	"Date", "Time", "Event", "Page", "Section", "Time Spent(s)", "Scroll Depth(%)",
	"Click Target", "Device", "OS", "Browser", "City", "Country", "Referrer",
}

// WriteCSV writes the header followed by one row per event.
func WriteCSV(w io.Writer, events []AnalyticsEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	for _, e := range events {
		ts := e.Timestamp.UTC()
		referrer := ""
		if e.Referrer != nil {
			referrer = *e.Referrer
		}
		row := []string{
			ts.Format("2006-01-02"),
			ts.Format("15:04:05"),
			e.Event.String(),
			e.Page,
			e.Section,
			strconv.Itoa(e.TimeSpent),
			strconv.Itoa(e.ScrollDepth),
			e.ClickTarget,
			e.Device,
			e.OS,
			e.Browser,
			e.City,
			e.Country,
			referrer,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
