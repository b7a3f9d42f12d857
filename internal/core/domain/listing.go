package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrDuplicateSourceRef = errors.New("duplicate source ref")
	ErrListingNotFound    = errors.New("listing not found")
)

type State string

const (
	StateScraped       State = "scraped"
	StateTranslated    State = "translated"
	StatePriced        State = "priced"
	StateListed        State = "listed"
	StateSold          State = "sold"
	StateSoldOutSource State = "sold_out_source"
	StateError         State = "error"
	StateFailed        State = "failed"
)

// forward edges of the happy path plus reconciliation outcomes
var transitions = map[State][]State{
	StateScraped:    {StateTranslated, StateError},
	StateTranslated: {StatePriced, StateError},
	StatePriced:     {StateListed, StateError},
	StateListed:     {StateSold, StateSoldOutSource, StateError},
}

func (s State) Terminal() bool {
	return s == StateSold || s == StateSoldOutSource || s == StateFailed
}

// Pending reports whether the pipeline still has work to do for a listing in s.
func (s State) Pending() bool {
	return s == StateScraped || s == StateTranslated || s == StatePriced
}

// CanTransition validates an automatic transition. Leaving error is only legal
// back to the state the error detoured from, or to failed.
func CanTransition(from, to, failedFrom State) bool {
	if from == StateError {
		return to == StateFailed || (failedFrom != "" && to == failedFrom)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Listing struct {
	ID          string
	SourceRef   string
	Marketplace string
	SourceURL   string

	SourceTitle       string
	SourceDescription string
	ImageURLs         []string

	LocalizedTitle       string
	LocalizedDescription string

	SourceCost       decimal.Decimal
	ShippingEstimate decimal.Decimal
	DestinationPrice decimal.Decimal
	CategoryID       string

	DestinationID  string
	DestinationURL string

	State         State
	FailedFrom    State
	Attempts      int
	LastError     *Failure
	NextAttemptAt *time.Time

	Version   int // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Cursor is a keyset position in (UpdatedAt, ID) order. The zero value starts
// from the beginning.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

func (c Cursor) IsZero() bool { return c.ID == "" }

// After reports whether l sorts strictly after c.
func (c Cursor) After(l *Listing) bool {
	if c.IsZero() {
		return true
	}
	if !l.UpdatedAt.Equal(c.UpdatedAt) {
		return l.UpdatedAt.After(c.UpdatedAt)
	}
	return l.ID > c.ID
}

// CursorOf is the position of l, used to fetch the page after it.
func CursorOf(l *Listing) Cursor {
	return Cursor{UpdatedAt: l.UpdatedAt, ID: l.ID}
}

// Transition is one append-only history row.
type Transition struct {
	ListingID   string
	From        State
	To          State
	Reason      string
	FailureKind FailureKind
	At          time.Time
}

// TransitionTo moves the listing to the next state and returns the history row.
func (l *Listing) TransitionTo(to State, reason string, at time.Time) (Transition, error) {
	if !CanTransition(l.State, to, l.FailedFrom) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, to)
	}

	tr := Transition{ListingID: l.ID, From: l.State, To: to, Reason: reason, At: at}
	if l.State == StateError && to != StateFailed {
		l.FailedFrom = ""
		l.NextAttemptAt = nil
	}
	l.State = to
	l.UpdatedAt = at
	return tr, nil
}

// Fail records f on the listing and moves it to error. A listing already in
// error stays there with the new failure attached.
func (l *Listing) Fail(f *Failure, at time.Time) (Transition, error) {
	if l.State.Terminal() {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.State, StateError)
	}

	tr := Transition{ListingID: l.ID, From: l.State, To: StateError, Reason: f.Message, FailureKind: f.Kind, At: at}
	if l.State != StateError {
		l.FailedFrom = l.State
	}
	l.State = StateError
	l.LastError = f
	l.UpdatedAt = at
	return tr, nil
}

// Reopen returns an error or failed listing to the state it failed from with a
// fresh attempt budget. Only operators call this.
func (l *Listing) Reopen(at time.Time) (Transition, error) {
	if l.State != StateError && l.State != StateFailed {
		return Transition{}, fmt.Errorf("%w: reopen from %s", ErrInvalidTransition, l.State)
	}
	to := l.FailedFrom
	if to == "" {
		to = StateScraped
	}

	tr := Transition{ListingID: l.ID, From: l.State, To: to, Reason: "operator retry", At: at}
	l.State = to
	l.FailedFrom = ""
	l.Attempts = 0
	l.NextAttemptAt = nil
	l.UpdatedAt = at
	return tr, nil
}

// TotalCost is what the item costs to acquire and ship, in source currency.
func (l *Listing) TotalCost() decimal.Decimal {
	return l.SourceCost.Add(l.ShippingEstimate)
}
