// Package timestamp resolves caller-supplied event times.
package timestamp

import (
	"strings"
	"time"
)

// Layouts accepted after normalization. A fractional second is accepted
// after the seconds field by every layout that has one.
var layouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Parse reads an ISO-8601 timestamp. A trailing "Z" means +00:00 and a date
// or time separated by a space is accepted like one separated by "T".
// Values without an offset are read as wall-clock time in loc.
func Parse(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Resolver turns an optional timestamp into an instant, substituting the
// current time when the value is missing or unparseable. The substitution
// is reported, never returned as an error.
type Resolver struct {
	loc *time.Location
	now func() time.Time
}

// NewResolver creates a resolver reading offset-less values in loc.
func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{loc: loc, now: time.Now}
}

// WithClock replaces the resolver's time source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the event instant and whether it was defaulted to now.
func (r *Resolver) Resolve(raw *string) (time.Time, bool) {
	if raw != nil {
		if t, ok := Parse(*raw, r.loc); ok {
			return t, false
		}
	}
	return r.now(), true
}
