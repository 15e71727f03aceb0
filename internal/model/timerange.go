package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimeRange is a half-open query window. Start is always before End.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeRange validates start < end and, when maxRange > 0, that the window
// does not exceed maxRange.
func NewTimeRange(start, end time.Time, maxRange time.Duration) (TimeRange, error) {
	if !start.Before(end) {
		return TimeRange{}, Validation(ReasonInvalidTimeRange, "start %s must be before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if maxRange > 0 && end.Sub(start) > maxRange {
		return TimeRange{}, Validation(ReasonInvalidTimeRange, "window %s exceeds maximum %s",
			end.Sub(start), maxRange)
	}
	return TimeRange{Start: start.UTC(), End: end.UTC()}, nil
}

// LastWindow returns the window of the given length ending at now.
func LastWindow(now time.Time, window, maxRange time.Duration) (TimeRange, error) {
	return NewTimeRange(now.Add(-window), now, maxRange)
}

func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("%s..%s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// PromDuration renders the window length in Prometheus range syntax.
func (r TimeRange) PromDuration() string {
	secs := int64(r.Duration().Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10) + "s"
}

// maxWindowDays is the largest day count that fits in a time.Duration.
const maxWindowDays = int64(math.MaxInt64 / int64(24*time.Hour))

// ParseWindow parses a lookback such as "30m", "1h" or "7d".
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, Validation(ReasonInvalidTimeRange, "empty window")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || days <= 0 {
			return 0, Validation(ReasonInvalidTimeRange, "invalid window %q", s)
		}
		if int64(days) > maxWindowDays {
			return 0, Validation(ReasonInvalidTimeRange, "window %q is too long", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, Validation(ReasonInvalidTimeRange, "invalid window %q", s)
	}
	return d, nil
}
