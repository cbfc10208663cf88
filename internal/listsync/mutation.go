package listsync

import (
	"fmt"
	"time"
)

// MutationKind names the user action behind a mutation.
type MutationKind string

const (
	KindAdd        MutationKind = "add"
	KindReactivate MutationKind = "reactivate"
	KindQuantity   MutationKind = "quantity"
	KindRemove     MutationKind = "remove"
	KindSnooze     MutationKind = "snooze"
)

// MutationState is where an optimistic mutation is in its lifecycle.
type MutationState int

const (
	Pending MutationState = iota
	Confirmed
	RolledBack
)

func (s MutationState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("MutationState(%d)", int(s))
	}
}

// Mutation is a local change applied ahead of the store's confirmation.
type Mutation struct {
	ID        string
	Kind      MutationKind
	EntryID   string
	ProductID string
	State     MutationState
	Err       error
	At        time.Time
}

// Notifier is told about mutations that failed. Implementations must not block.
type Notifier interface {
	MutationFailed(m Mutation)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Mutation)

func (f NotifierFunc) MutationFailed(m Mutation) { f(m) }

// ChanNotifier delivers failures on a channel, dropping them when it is full.
type ChanNotifier chan Mutation

func (c ChanNotifier) MutationFailed(m Mutation) {
	select {
	case c <- m:
	default:
	}
}

type nopNotifier struct{}

func (nopNotifier) MutationFailed(Mutation) {}
