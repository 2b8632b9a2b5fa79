package models

import "time"

const Day = 24 * time.Hour

// MetricKey selects an aggregate series. Empty fields are wildcards.
type MetricKey struct {
	Category string    `json:"category"`
	Name     string    `json:"name"`
	Type     EventType `json:"type,omitempty"`
}

func (k MetricKey) String() string {
	s := k.Category + "/" + k.Name
	if k.Type != "" {
		s += "[" + string(k.Type) + "]"
	}
	return s
}

// Point is one UTC day bucket of an aggregate series.
type Point struct {
	Day      time.Time `json:"day"`
	Events   int64     `json:"events"`
	ValueSum float64   `json:"valueSum"`
	Sessions int64     `json:"sessions"`
	Users    int64     `json:"users"`
}

// TimeSeries holds day buckets in ascending order. Days without events may
// be absent.
type TimeSeries struct {
	Key    MetricKey `json:"key"`
	Points []Point   `json:"points"`
}

// SumEvents totals event counts for buckets in [from, to).
func (ts TimeSeries) SumEvents(from, to time.Time) int64 {
	var total int64
	for _, p := range ts.Points {
		if !p.Day.Before(from) && p.Day.Before(to) {
			total += p.Events
		}
	}
	return total
}

// SumSessions totals distinct-session counts for buckets in [from, to).
func (ts TimeSeries) SumSessions(from, to time.Time) int64 {
	var total int64
	for _, p := range ts.Points {
		if !p.Day.Before(from) && p.Day.Before(to) {
			total += p.Sessions
		}
	}
	return total
}

// EventsOn returns the event count of the bucket starting at day.
func (ts TimeSeries) EventsOn(day time.Time) int64 {
	for _, p := range ts.Points {
		if p.Day.Equal(day) {
			return p.Events
		}
	}
	return 0
}

// TruncateDay returns the start of the UTC day containing t.
func TruncateDay(t time.Time) time.Time {
	return t.UTC().Truncate(Day)
}

// DayFromIndex converts a days-since-epoch bucket index to a time.
func DayFromIndex(idx int64) time.Time {
	return time.UnixMilli(idx * Day.Milliseconds()).UTC()
}
