// Package ingest turns posted click payloads into persisted events.
package ingest

import (
	"errors"
	"time"

	"github.com/tinytelemetry/clickrelay/internal/model"
	"github.com/tinytelemetry/clickrelay/internal/timestamp"
)

// ErrValidation is returned when an event names neither url nor page_url.
var ErrValidation = errors.New("either url or page_url is required")

// Normalizer validates raw events and attaches process-wide metadata.
type Normalizer struct {
	clientID   string
	enrichment model.Enrichment
	times      *timestamp.Resolver
}

// NewNormalizer creates a normalizer. enrichment is resolved once by the
// caller and reused for every event.
func NewNormalizer(clientID string, enrichment model.Enrichment, times *timestamp.Resolver) *Normalizer {
	if times == nil {
		times = timestamp.NewResolver(time.Local)
	}
	return &Normalizer{
		clientID:   clientID,
		enrichment: enrichment,
		times:      times,
	}
}

// ClientID returns the identifier stamped on every event.
func (n *Normalizer) ClientID() string { return n.clientID }

// Normalize builds the canonical event. A missing or unparseable timestamp
// is replaced by the current instant and flagged, never rejected.
func (n *Normalizer) Normalize(raw model.RawEvent) (model.Event, error) {
	if !raw.HasTarget() {
		return model.Event{}, ErrValidation
	}

	ts, defaulted := n.times.Resolve(raw.Timestamp)
	ev := model.Event{
		URL:                raw.URL,
		Text:               raw.Text,
		PageURL:            raw.PageURL,
		PageTitle:          raw.PageTitle,
		Mechanism:          raw.Mechanism,
		UserLogin:          raw.UserLogin,
		ClientID:           n.clientID,
		Timestamp:          ts,
		TimestampDefaulted: defaulted,
	}
	if n.enrichment.OSUser != "" {
		user := n.enrichment.OSUser
		ev.OSUser = &user
	}
	if !n.enrichment.OSLoginTime.IsZero() {
		login := n.enrichment.OSLoginTime
		ev.OSLoginTime = &login
	}
	return ev, nil
}
