// Package pending implements the confirmation state machine that gates
// destructive operations. At most one action per kind may be pending; an
// action resolves exactly once, by confirm, cancel, or expiry.
package pending

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyPending is returned by Propose when an unresolved action of
	// the same kind exists. The operator must cancel it (or let it expire)
	// first; a pending destructive action is never silently replaced.
	ErrAlreadyPending = errors.New("an action of this kind is already pending")

	// ErrNoSuchPending is returned by Confirm and Cancel when no action of
	// the kind is pending.
	ErrNoSuchPending = errors.New("no pending action of this kind")

	// ErrExpired is returned by Confirm and Cancel when the pending action's
	// TTL has lapsed. The expired action can never be confirmed; its slot is
	// freed for a new Propose.
	ErrExpired = errors.New("the pending action has expired")
)

// Kind namespaces independent confirmable operations so each has its own
// pending slot.
type Kind string

const (
	KindRestart       Kind = "restart"
	KindShutdown      Kind = "shutdown"
	KindUpdateInstall Kind = "update-install"
)

// State is the resolution state of an action.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Action is one outstanding (or resolved) confirmable operation. Registry
// methods return copies; mutating a returned Action has no effect on the
// registry.
type Action struct {
	ID          string
	Kind        Kind
	RequestedBy string
	ResolvedBy  string
	State       State
	CreatedAt   time.Time
	ExpiresAt   time.Time

	// Payload describes the concrete operation to run on confirmation.
	// The registry never executes it.
	Payload any
}

// Registry tracks pending actions and serializes their transitions. It is
// authorization-agnostic; the command layer checks roles before calling in.
type Registry struct {
	mu      sync.Mutex
	pending map[Kind]*Action
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		pending: make(map[Kind]*Action),
		now:     time.Now,
		logger:  logger,
	}
}

// Propose creates a pending action that expires at now+ttl. It fails with
// ErrAlreadyPending while an unexpired action of the same kind exists.
func (r *Registry) Propose(kind Kind, requestedBy string, payload any, ttl time.Duration) (*Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsafeExpire(kind)
	if _, exists := r.pending[kind]; exists {
		return nil, ErrAlreadyPending
	}

	created := r.now().UTC()
	a := &Action{
		ID:          uuid.NewString(),
		Kind:        kind,
		RequestedBy: requestedBy,
		State:       StatePending,
		CreatedAt:   created,
		ExpiresAt:   created.Add(ttl),
		Payload:     payload,
	}
	r.pending[kind] = a

	r.logger.Info("action proposed",
		"kind", kind, "id", a.ID, "requested_by", requestedBy, "expires_at", a.ExpiresAt)

	copy := *a
	return &copy, nil
}

// Confirm resolves the pending action of the given kind and returns it,
// payload included, for execution. The transition is terminal: the slot is
// freed and a later Confirm or Cancel fails with ErrNoSuchPending.
func (r *Registry) Confirm(kind Kind, confirmedBy string) (*Action, error) {
	return r.resolve(kind, confirmedBy, StateConfirmed)
}

// Cancel resolves the pending action of the given kind without executing it.
func (r *Registry) Cancel(kind Kind, cancelledBy string) (*Action, error) {
	return r.resolve(kind, cancelledBy, StateCancelled)
}

// Pending returns a copy of the unexpired pending action of the given kind.
func (r *Registry) Pending(kind Kind) (*Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsafeExpire(kind)
	a, ok := r.pending[kind]
	if !ok {
		return nil, false
	}
	copy := *a
	return &copy, true
}

// All returns copies of every unexpired pending action.
func (r *Registry) All() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Action, 0, len(r.pending))
	for kind := range r.pending {
		r.unsafeExpire(kind)
	}
	for _, a := range r.pending {
		out = append(out, *a)
	}
	return out
}

// SweepExpired transitions every lapsed pending action to expired and
// returns the swept copies. Expiry is also checked on every access, so the
// sweep only matters for observability.
func (r *Registry) SweepExpired() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	var swept []Action
	for kind, a := range r.pending {
		if r.now().After(a.ExpiresAt) {
			a.State = StateExpired
			delete(r.pending, kind)
			swept = append(swept, *a)
			r.logger.Info("action expired", "kind", kind, "id", a.ID)
		}
	}
	return swept
}

func (r *Registry) resolve(kind Kind, by string, to State) (*Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.pending[kind]
	if !ok {
		return nil, ErrNoSuchPending
	}
	if r.now().After(a.ExpiresAt) {
		a.State = StateExpired
		delete(r.pending, kind)
		r.logger.Info("action expired", "kind", kind, "id", a.ID)
		return nil, ErrExpired
	}

	a.State = to
	a.ResolvedBy = by
	delete(r.pending, kind)

	r.logger.Info("action resolved", "kind", kind, "id", a.ID, "state", to, "by", by)

	copy := *a
	return &copy, nil
}

// unsafeExpire must be called with the lock held.
func (r *Registry) unsafeExpire(kind Kind) {
	a, ok := r.pending[kind]
	if !ok {
		return
	}
	if r.now().After(a.ExpiresAt) {
		a.State = StateExpired
		delete(r.pending, kind)
		r.logger.Info("action expired", "kind", kind, "id", a.ID)
	}
}
