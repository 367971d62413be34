package model

import "time"

// RawEvent is the click payload as posted by the browser extension.
// Every field is optional; nil means the key was absent or null.
type RawEvent struct {
	URL       *string `json:"url"`
	Text      *string `json:"text"`
	PageURL   *string `json:"page_url"`
	PageTitle *string `json:"page_title"`
	Timestamp *string `json:"timestamp"`
	Mechanism *string `json:"mechanism"`
	UserLogin *string `json:"user_login"`
}

// Event is one normalized click. It is built once per accepted request,
// handed to a single sink call and then dropped.
type Event struct {
	URL       *string `json:"url"`
	Text      *string `json:"text"`
	PageURL   *string `json:"page_url"`
	PageTitle *string `json:"page_title"`
	Mechanism *string `json:"mechanism"`
	UserLogin *string `json:"user_login"`

	ClientID string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`

	// TimestampDefaulted is true when the caller's timestamp was missing or
	// unparseable and the ingestion instant was used instead.
	TimestampDefaulted bool `json:"timestamp_defaulted"`

	OSUser      *string    `json:"os_user,omitempty"`
	OSLoginTime *time.Time `json:"os_login_time,omitempty"`
}

// HasTarget reports whether at least one of url and page_url is non-empty.
func (e RawEvent) HasTarget() bool {
	return nonEmpty(e.URL) || nonEmpty(e.PageURL)
}

// LocalTime is the file-sink representation of the event time.
func (e Event) LocalTime(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return e.Timestamp.In(loc)
}

// UTCTime is the database-sink representation: the UTC wall clock,
// stored in a zone-less TIMESTAMP column.
func (e Event) UTCTime() time.Time {
	return e.Timestamp.UTC()
}

// Enrichment carries host metadata resolved once at process start.
type Enrichment struct {
	OSUser      string
	OSLoginTime time.Time
}

// IsZero reports whether nothing was resolved.
func (e Enrichment) IsZero() bool {
	return e.OSUser == "" && e.OSLoginTime.IsZero()
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
