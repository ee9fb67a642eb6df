// Package matching finds ledger events that describe the same booking.
//
// An event matches a target when any of these hold, checked in order:
//   - both carry the same identityRef
//   - a booking-id metadata key equals the other side's identity id
//   - the external booking codes are equal
//   - fuzzy proximity: same client, a service sale, occurredAt within the
//     fuzzy window and amounts within a cent
//
// Fuzzy proximity never pairs two events whose identityRefs are both set and differ.
package matching

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"vanityhub/ledger/internal/domain"
)

const (
	DefaultFuzzyWindow = 2 * time.Hour
	DefaultRaceWindow  = 3 * time.Second
)

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonExactIdentity    Reason = "exact-identity"
	ReasonMetadataIdentity Reason = "metadata-identity"
	ReasonExternalCode     Reason = "external-code"
	ReasonFuzzy            Reason = "fuzzy-proximity"
)

type Options struct {
	FuzzyWindow time.Duration
	RaceWindow  time.Duration
}

type Finder struct {
	fuzzyWindow time.Duration
	raceWindow  time.Duration
}

func New(opts Options) *Finder {
	if opts.FuzzyWindow <= 0 {
		opts.FuzzyWindow = DefaultFuzzyWindow
	}
	if opts.RaceWindow <= 0 {
		opts.RaceWindow = DefaultRaceWindow
	}
	return &Finder{fuzzyWindow: opts.FuzzyWindow, raceWindow: opts.RaceWindow}
}

// Target describes what to look for. It is either derived from an existing
// event or built from a booking identity.
type Target struct {
	// EventID is excluded from results.
	EventID             string
	IdentityRef         *domain.IdentityRef
	ExternalBookingCode string
	ClientID            string
	OccurredAt          time.Time
	Amount              decimal.Decimal
	Metadata            domain.Metadata
	// CompositeType restricts candidates to one transaction type when set.
	CompositeType domain.CompositeType
}

func TargetFromEvent(e domain.LedgerEvent) Target {
	return Target{
		EventID:             e.ID,
		IdentityRef:         e.IdentityRef,
		ExternalBookingCode: e.ExternalBookingCode,
		ClientID:            e.ClientID,
		OccurredAt:          e.OccurredAt,
		Amount:              e.Amount,
		Metadata:            e.Metadata,
	}
}

// FindCandidates returns the events matching t, oldest createdAt first.
func (f *Finder) FindCandidates(events []domain.LedgerEvent, t Target) []domain.LedgerEvent {
	out := make([]domain.LedgerEvent, 0, 4)
	for _, e := range events {
		if t.EventID != "" && e.ID == t.EventID {
			continue
		}
		if t.CompositeType != "" && e.CompositeType != t.CompositeType {
			continue
		}
		if f.Match(e, t) != ReasonNone {
			out = append(out, e)
		}
	}
	sortByCreated(out)
	return out
}

// Match reports the first rule under which e matches t.
func (f *Finder) Match(e domain.LedgerEvent, t Target) Reason {
	if e.IdentityRef.Equal(t.IdentityRef) {
		return ReasonExactIdentity
	}
	if metadataLinks(e, t) {
		return ReasonMetadataIdentity
	}
	if codesLink(e, t) {
		return ReasonExternalCode
	}
	if f.fuzzy(e, t) {
		return ReasonFuzzy
	}
	return ReasonNone
}

func (f *Finder) fuzzy(e domain.LedgerEvent, t Target) bool {
	if e.ClientID == "" || e.ClientID != t.ClientID {
		return false
	}
	if !e.CompositeType.IsServiceSale() {
		return false
	}
	if e.IdentityRef.Key() != "" && t.IdentityRef.Key() != "" {
		// both explicitly booked; Equal already failed above
		return false
	}
	if absDuration(e.OccurredAt.Sub(t.OccurredAt)) > f.fuzzyWindow {
		return false
	}
	return domain.WithinCent(e.Amount, t.Amount)
}

func metadataLinks(e domain.LedgerEvent, t Target) bool {
	if id := refID(t.IdentityRef); id != "" {
		for _, v := range e.Metadata.BookingIDs() {
			if v == id {
				return true
			}
		}
	}
	if id := refID(e.IdentityRef); id != "" {
		for _, v := range t.Metadata.BookingIDs() {
			if v == id {
				return true
			}
		}
	}
	return false
}

func codesLink(e domain.LedgerEvent, t Target) bool {
	left := codes(e.ExternalBookingCode, e.Metadata)
	if len(left) == 0 {
		return false
	}
	for c := range codes(t.ExternalBookingCode, t.Metadata) {
		if _, ok := left[c]; ok {
			return true
		}
	}
	return false
}

func codes(explicit string, meta domain.Metadata) map[string]struct{} {
	out := map[string]struct{}{}
	if explicit != "" {
		out[explicit] = struct{}{}
	}
	for _, c := range meta.BookingCodes() {
		out[c] = struct{}{}
	}
	return out
}

func refID(r *domain.IdentityRef) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func sortByCreated(events []domain.LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}
