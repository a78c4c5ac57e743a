package cache

import (
	"net/http"
	"time"

	"github.com/ddttom/invisible-users-sub000/internal/crawler"
)

const day = 24 * time.Hour

// Freshness labels.
const (
	StatusVeryFresh                  = "Very Fresh"
	StatusFresh                      = "Fresh"
	StatusModeratelyFresh            = "Moderately Fresh"
	StatusStale                      = "Stale"
	StatusPotentiallyFresh           = "Potentially Fresh"
	StatusPotentiallyModeratelyFresh = "Potentially Moderately Fresh"
	StatusPotentiallyStale           = "Potentially Stale"
)

// Classify buckets content age. With a known modification time the age
// since modification decides; otherwise the age since the last crawl
// decides and the label is prefixed "Potentially". A zero lastCrawled is
// treated as now.
func Classify(lastModified *time.Time, lastCrawled, now time.Time) crawler.Freshness {
	if lastCrawled.IsZero() {
		lastCrawled = now
	}
	f := crawler.Freshness{
		LastModifiedDate:     "Unknown",
		LastCrawledDate:      lastCrawled.UTC().Format(time.RFC3339),
		DaysSinceLastCrawled: daysBetween(lastCrawled, now),
	}

	if lastModified != nil {
		days := daysBetween(*lastModified, now)
		f.LastModifiedDate = lastModified.UTC().Format(time.RFC3339)
		f.DaysSinceLastModified = &days
		switch {
		case days <= 7:
			f.FreshnessStatus = StatusVeryFresh
		case days <= 30:
			f.FreshnessStatus = StatusFresh
		case days <= 90:
			f.FreshnessStatus = StatusModeratelyFresh
		default:
			f.FreshnessStatus = StatusStale
		}
		return f
	}

	switch {
	case f.DaysSinceLastCrawled <= 7:
		f.FreshnessStatus = StatusPotentiallyFresh
	case f.DaysSinceLastCrawled <= 30:
		f.FreshnessStatus = StatusPotentiallyModeratelyFresh
	default:
		f.FreshnessStatus = StatusPotentiallyStale
	}
	return f
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from) / day)
}

// parseModified reads the page's modification time, if any.
func parseModified(pd *crawler.PageData) *time.Time {
	if pd == nil || pd.LastModified == "" {
		return nil
	}
	t, ok := parseDate(pd.LastModified)
	if !ok {
		return nil
	}
	return &t
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := http.ParseTime(raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
