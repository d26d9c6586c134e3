// Package state is the only code path allowed to validate and apply a
// transaction status transition.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"termgate/internal/domain"
	"termgate/internal/repo"
)

// edges is the full transition graph. Forward-only, no back-edges. The
// failed edges let the poller record a processor-side decline from either
// pending state.
var edges = map[domain.Status][]domain.Status{
	domain.StatusCreated:     {domain.StatusPublished},
	domain.StatusPublished:   {domain.StatusTerminalAck, domain.StatusFailed},
	domain.StatusTerminalAck: {domain.StatusCompleted, domain.StatusCancelled, domain.StatusFailed},
}

// Allowed reports whether from -> to is a legal edge.
func Allowed(from, to domain.Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a rejected edge.
type InvalidTransitionError struct {
	ID   string
	From domain.Status
	To   domain.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transaction %s: invalid status transition %s -> %s", e.ID, e.From, e.To)
}

type Machine struct {
	Store repo.Store
	Now   func() time.Time
}

func New(store repo.Store) Machine {
	return Machine{Store: store, Now: time.Now}
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Transition validates the edge from t's current status and persists it with
// a compare-and-set against the status t was read with. A lost race against a
// concurrent writer surfaces as an InvalidTransitionError; callers log it,
// never drop it.
func (m Machine) Transition(ctx context.Context, t domain.Transaction, to domain.Status) (domain.Transaction, error) {
	if !Allowed(t.Status, to) {
		return t, &InvalidTransitionError{ID: t.ID, From: t.Status, To: to}
	}
	updatedAt := m.now().UTC().Format(time.RFC3339)
	err := m.Store.UpdateStatus(ctx, t.ID, t.Status, to, updatedAt)
	if errors.Is(err, repo.ErrStatusConflict) {
		return t, &InvalidTransitionError{ID: t.ID, From: t.Status, To: to}
	}
	if err != nil {
		return t, err
	}
	t.Status = to
	t.UpdatedAt = updatedAt
	return t, nil
}
