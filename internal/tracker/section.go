package tracker

import "sync"

// SectionThreshold is the visible fraction at which a section counts as seen.
const SectionThreshold = 0.5

type sectionTracker interface {
	TrackSectionView(section string) bool
}

// SectionObserver turns intersection updates into section_view events, at
// most one emitted per section id for the observer's lifetime. The host feeds
// it the intersection ratio reported for each observed element.
type SectionObserver struct {
	tracker sectionTracker

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewSectionObserver(t sectionTracker) *SectionObserver {
	return &SectionObserver{
		tracker: t,
		seen:    make(map[string]struct{}),
	}
}

// Observe reports that sectionID is ratio (0..1) visible.
func (o *SectionObserver) Observe(sectionID string, ratio float64) {
	if sectionID == "" || ratio < SectionThreshold {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.seen[sectionID]; ok {
		return
	}
	// A dropped view, e.g. before the location resolves, is not recorded
	// and the next update retries.
	if o.tracker.TrackSectionView(sectionID) {
		o.seen[sectionID] = struct{}{}
	}
}

// Reset forgets recorded sections, as when the page is mounted again.
func (o *SectionObserver) Reset() {
	o.mu.Lock()
	o.seen = make(map[string]struct{})
	o.mu.Unlock()
}
