package relaydesk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaydesk/internal/clock"
)

const (
	DefaultSessionTimeout    = 30 * time.Minute
	defaultSessionMaxRetries = 3
)

type SessionOptions struct {
	Backend  Backend
	Identity *IdentityResolver
	Flows    FlowSource
	// Timeout is the idle period after which CheckTimeout reports true.
	Timeout    time.Duration
	Clock      clock.Clock
	Logger     zerolog.Logger
	MaxRetries int
}

// SessionManager owns the dialogue state of every end-user. Writes for one
// (tenant, user) are serialized in process by a keyed mutex and across
// processes by the backend's version check.
type SessionManager struct {
	backend    Backend
	identity   *IdentityResolver
	flows      FlowSource
	timeout    time.Duration
	clock      clock.Clock
	logger     zerolog.Logger
	maxRetries int
	locks      *keyedMutex
	newID      func() string
}

// mutation computes the next state from the current one. Returning false
// skips the write.
type mutation func(current DialogueState, flow *Flow) (DialogueState, bool, error)

func NewSessionManager(opts SessionOptions) (*SessionManager, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: session backend is required", ErrInvalidInput)
	}
	flows := opts.Flows
	if flows == nil {
		flow, err := DefaultFlow("")
		if err != nil {
			return nil, err
		}
		flows = StaticFlow(flow)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultSessionMaxRetries
	}
	clk := clock.OrReal(opts.Clock)
	identity := opts.Identity
	if identity == nil {
		identity = NewIdentityResolver(opts.Backend, IdentityOptions{Clock: clk, Logger: opts.Logger})
	}
	return &SessionManager{
		backend:    opts.Backend,
		identity:   identity,
		flows:      flows,
		timeout:    timeout,
		clock:      clk,
		logger:     opts.Logger,
		maxRetries: maxRetries,
		locks:      newKeyedMutex(),
		newID:      uuid.NewString,
	}, nil
}

func (m *SessionManager) Timeout() time.Duration {
	return m.timeout
}

func (m *SessionManager) Identity() *IdentityResolver {
	return m.identity
}

// GetState returns the stored state, or a synthesized default when the user
// or the session row does not exist. It never writes.
func (m *SessionManager) GetState(ctx context.Context, key Key, tenantID string) (DialogueState, error) {
	if err := validateSessionArgs(key, tenantID); err != nil {
		return DialogueState{}, err
	}
	flow := m.flows.Flow()
	userID, err := m.lookupUserID(ctx, key, tenantID)
	if errors.Is(err, ErrNotFound) {
		return m.defaultState(flow), nil
	}
	if err != nil {
		return DialogueState{}, err
	}
	state, _, err := m.load(ctx, tenantID, userID, flow)
	return state, err
}

// SetState upserts the session row with state as given. The label must be
// one the active flow declares; no transition check is made.
func (m *SessionManager) SetState(ctx context.Context, key Key, state DialogueState, tenantID string) error {
	_, err := m.mutate(ctx, key, tenantID, func(_ DialogueState, flow *Flow) (DialogueState, bool, error) {
		if !flow.Has(state.CurrentState) {
			return DialogueState{}, false, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, state.CurrentState)
		}
		next := state
		next.Data = copyAnyMap(state.Data)
		next.Context = copyAnyMap(state.Context)
		return next, true, nil
	})
	return err
}

// Transition moves to next, recording the state read just before as the
// previous one and shallow-merging contextPatch into the context.
func (m *SessionManager) Transition(ctx context.Context, key Key, next State, contextPatch map[string]any, tenantID string) (DialogueState, error) {
	return m.mutate(ctx, key, tenantID, func(current DialogueState, flow *Flow) (DialogueState, bool, error) {
		if err := flow.CheckTransition(current.CurrentState, next); err != nil {
			return DialogueState{}, false, err
		}
		return DialogueState{
			CurrentState:  next,
			PreviousState: statePtr(current.CurrentState),
			Data:          current.Data,
			Context:       mergeContext(current.Context, contextPatch),
		}, true, nil
	})
}

// UpdateContext merges contextPatch without touching the state labels.
func (m *SessionManager) UpdateContext(ctx context.Context, key Key, contextPatch map[string]any, tenantID string) (DialogueState, error) {
	return m.mutate(ctx, key, tenantID, func(current DialogueState, _ *Flow) (DialogueState, bool, error) {
		next := current
		next.Context = mergeContext(current.Context, contextPatch)
		return next, true, nil
	})
}

// CheckTimeout reports whether the session has been idle for strictly
// longer than the configured timeout.
func (m *SessionManager) CheckTimeout(ctx context.Context, key Key, tenantID string) (bool, error) {
	state, err := m.GetState(ctx, key, tenantID)
	if err != nil {
		return false, err
	}
	return m.clock.Now().Sub(state.LastActivity) > m.timeout, nil
}

func (m *SessionManager) ResetState(ctx context.Context, key Key, tenantID string) error {
	_, err := m.mutate(ctx, key, tenantID, func(_ DialogueState, flow *Flow) (DialogueState, bool, error) {
		return m.defaultState(flow), true, nil
	})
	return err
}

// Advance routes free-text input through the active flow. The bool reports
// whether the input was recognised. Unrecognised input keeps the dialogue
// where it is but still counts as activity.
func (m *SessionManager) Advance(ctx context.Context, key Key, input, tenantID string) (DialogueState, bool, error) {
	recognised := false
	state, err := m.mutate(ctx, key, tenantID, func(current DialogueState, flow *Flow) (DialogueState, bool, error) {
		next, ok := flow.Route(current.CurrentState, input)
		if !ok {
			return current, true, nil
		}
		if err := flow.CheckTransition(current.CurrentState, next); err != nil {
			return DialogueState{}, false, err
		}
		recognised = true
		return DialogueState{
			CurrentState:  next,
			PreviousState: statePtr(current.CurrentState),
			Data:          current.Data,
			Context:       current.Context,
		}, true, nil
	})
	return state, recognised, err
}

// resetIfIdle resets one session when it is still idle at cutoff. It reports
// whether a reset happened.
func (m *SessionManager) resetIfIdle(ctx context.Context, tenantID, userID string, cutoff time.Time) (bool, error) {
	reset := false
	_, err := m.mutate(ctx, ByUserID(userID), tenantID, func(current DialogueState, flow *Flow) (DialogueState, bool, error) {
		if !current.LastActivity.Before(cutoff) {
			return current, false, nil
		}
		reset = true
		return m.defaultState(flow), true, nil
	})
	return reset, err
}

func (m *SessionManager) mutate(ctx context.Context, key Key, tenantID string, fn mutation) (DialogueState, error) {
	if err := validateSessionArgs(key, tenantID); err != nil {
		return DialogueState{}, err
	}
	userID, err := m.resolveUserID(ctx, key, tenantID)
	if err != nil {
		return DialogueState{}, err
	}
	unlock := m.locks.Lock(sessionKey(tenantID, userID))
	defer unlock()

	for attempt := 0; ; attempt++ {
		flow := m.flows.Flow()
		current, row, err := m.load(ctx, tenantID, userID, flow)
		if err != nil {
			return DialogueState{}, err
		}
		next, write, err := fn(current, flow)
		if err != nil {
			return DialogueState{}, err
		}
		if !write {
			return current, nil
		}
		next.LastActivity = m.clock.Now()
		err = m.save(ctx, tenantID, userID, row, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= m.maxRetries {
			return DialogueState{}, err
		}
		m.logger.Debug().
			Str("tenant", tenantID).
			Str("user", userID).
			Int("attempt", attempt+1).
			Msg("session version conflict, retrying")
	}
}

// load reads and decodes the session row. The returned row is zero when no
// row exists. Corrupt payloads yield the default state with the row's
// version kept so that the next write replaces it.
func (m *SessionManager) load(ctx context.Context, tenantID, userID string, flow *Flow) (DialogueState, SessionRow, error) {
	row, err := m.backend.LoadSession(ctx, tenantID, userID)
	if errors.Is(err, ErrNotFound) {
		return m.defaultState(flow), SessionRow{}, nil
	}
	if err != nil {
		return DialogueState{}, SessionRow{}, err
	}
	state, version, err := decodeEnvelope(row, flow)
	if errors.Is(err, errCorruptEnvelope) {
		m.logger.Warn().
			Err(err).
			Str("tenant", tenantID).
			Str("user", userID).
			Str("state", string(row.State)).
			Int("envelope_version", version).
			Msg("session payload unreadable, using default state")
		return m.defaultState(flow), row, nil
	}
	if err != nil {
		return DialogueState{}, SessionRow{}, err
	}
	return state, row, nil
}

func (m *SessionManager) save(ctx context.Context, tenantID, userID string, previous SessionRow, next DialogueState) error {
	payload, err := encodeEnvelope(next)
	if err != nil {
		return err
	}
	id := previous.ID
	if id == "" {
		id = m.newID()
	}
	return m.backend.SaveSession(ctx, SessionRow{
		ID:           id,
		TenantID:     tenantID,
		UserID:       userID,
		State:        next.CurrentState,
		Payload:      payload,
		LastActivity: next.LastActivity,
	}, previous.Version)
}

// lookupUserID resolves a key without creating anything.
func (m *SessionManager) lookupUserID(ctx context.Context, key Key, tenantID string) (string, error) {
	if !key.IsPhone() {
		return key.UserID(), nil
	}
	user, err := m.backend.FindUserByPhone(ctx, tenantID, key.Phone())
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

// resolveUserID bootstraps the user on first contact for phone keys and
// checks that user-id keys refer to an existing user.
func (m *SessionManager) resolveUserID(ctx context.Context, key Key, tenantID string) (string, error) {
	if key.IsPhone() {
		return m.identity.EnsureUser(ctx, tenantID, key.Phone())
	}
	if _, err := m.backend.GetUser(ctx, tenantID, key.UserID()); err != nil {
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}
	return key.UserID(), nil
}

func (m *SessionManager) defaultState(flow *Flow) DialogueState {
	return DialogueState{
		CurrentState:  flow.Initial(),
		PreviousState: nil,
		Data:          map[string]any{},
		Context:       map[string]any{},
		LastActivity:  m.clock.Now(),
	}
}

func validateSessionArgs(key Key, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" || !key.valid() {
		return ErrInvalidInput
	}
	return nil
}
