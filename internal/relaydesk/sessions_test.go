package relaydesk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaydesk/internal/clock"
)

type sessionFixture struct {
	backend  *InMemoryBackend
	clock    *clock.Fake
	sessions *SessionManager
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	backend := NewInMemoryBackend()
	clk := clock.NewFake(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	sessions, err := NewSessionManager(SessionOptions{
		Backend: backend,
		Timeout: 30 * time.Minute,
		Clock:   clk,
	})
	require.NoError(t, err)
	return &sessionFixture{backend: backend, clock: clk, sessions: sessions}
}

func TestGetStateDefaultsWithoutUser(t *testing.T) {
	f := newSessionFixture(t)

	state, err := f.sessions.GetState(context.Background(), ByPhone("5511999999999"), "t1")
	require.NoError(t, err)
	require.Equal(t, StateWelcome, state.CurrentState)
	require.Nil(t, state.PreviousState)
	require.Empty(t, state.Context)
	require.Empty(t, state.Data)
	require.Equal(t, f.clock.Now(), state.LastActivity)
	require.Empty(t, f.backend.tables.Users, "GetState must not create users")
	require.Empty(t, f.backend.tables.Sessions, "GetState must not persist the default")
}

func TestTransitionFromWelcomeToMenu(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511999999999")

	_, err := f.sessions.Transition(ctx, key, StateMenu, map[string]any{"topic": "curso"}, "t1")
	require.NoError(t, err)

	state, err := f.sessions.GetState(ctx, key, "t1")
	require.NoError(t, err)
	require.Equal(t, StateMenu, state.CurrentState)
	require.NotNil(t, state.PreviousState)
	require.Equal(t, StateWelcome, *state.PreviousState)
	require.Equal(t, map[string]any{"topic": "curso"}, state.Context)
}

func TestTransitionPreviousStateTracksLatestOnly(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000001")

	_, err := f.sessions.Transition(ctx, key, StateMainMenu, nil, "t1")
	require.NoError(t, err)
	_, err = f.sessions.Transition(ctx, key, StateCoursesList, map[string]any{"a": 1}, "t1")
	require.NoError(t, err)
	state, err := f.sessions.Transition(ctx, key, StateCourseDetails, map[string]any{"b": 2}, "t1")
	require.NoError(t, err)

	require.Equal(t, StateCourseDetails, state.CurrentState)
	require.Equal(t, StateCoursesList, *state.PreviousState)
	require.Len(t, state.Context, 2)
	require.EqualValues(t, 1, state.Context["a"])
	require.EqualValues(t, 2, state.Context["b"])

	stored, err := f.sessions.GetState(ctx, key, "t1")
	require.NoError(t, err)
	require.Equal(t, StateCoursesList, *stored.PreviousState)
	require.EqualValues(t, 1, stored.Context["a"])
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000002")

	_, err := f.sessions.Transition(ctx, key, StateFAQAnswer, nil, "t1")
	require.ErrorIs(t, err, ErrIllegalTransition)
	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, StateWelcome, transitionErr.From)
	require.Equal(t, StateFAQAnswer, transitionErr.To)

	_, err = f.sessions.Transition(ctx, key, State("NOPE"), nil, "t1")
	require.ErrorIs(t, err, ErrIllegalTransition)

	state, err := f.sessions.GetState(ctx, key, "t1")
	require.NoError(t, err)
	require.Equal(t, StateWelcome, state.CurrentState)
}

func TestTransitionToInitialAllowedFromAnywhere(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000003")
	for _, next := range []State{StateMainMenu, StateFAQCategories, StateFAQAnswer, StateWelcome} {
		_, err := f.sessions.Transition(ctx, key, next, nil, "t1")
		require.NoError(t, err, "transition to %s", next)
	}
}

func TestUpdateContextKeepsStateLabels(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000004")

	_, err := f.sessions.Transition(ctx, key, StateMainMenu, map[string]any{"name": "Ana"}, "t1")
	require.NoError(t, err)
	state, err := f.sessions.UpdateContext(ctx, key, map[string]any{"course": "direito"}, "t1")
	require.NoError(t, err)
	require.Equal(t, StateMainMenu, state.CurrentState)
	require.Equal(t, StateWelcome, *state.PreviousState)
	require.Equal(t, map[string]any{"name": "Ana", "course": "direito"}, state.Context)
}

func TestCheckTimeoutIsStrictlyGreaterThan(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000005")

	_, err := f.sessions.Transition(ctx, key, StateMainMenu, nil, "t1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	expired, err := f.sessions.CheckTimeout(ctx, key, "t1")
	require.NoError(t, err)
	require.False(t, expired, "exactly the timeout is not expired")

	f.clock.Advance(time.Millisecond)
	expired, err = f.sessions.CheckTimeout(ctx, key, "t1")
	require.NoError(t, err)
	require.True(t, expired)
}

func TestCheckTimeoutFalseForUnknownUser(t *testing.T) {
	f := newSessionFixture(t)
	expired, err := f.sessions.CheckTimeout(context.Background(), ByPhone("5511000000099"), "t1")
	require.NoError(t, err)
	require.False(t, expired)
}

func TestResetStateRestoresDefault(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000006")

	_, err := f.sessions.Transition(ctx, key, StateMainMenu, map[string]any{"k": "v"}, "t1")
	require.NoError(t, err)
	require.NoError(t, f.sessions.ResetState(ctx, key, "t1"))

	state, err := f.sessions.GetState(ctx, key, "t1")
	require.NoError(t, err)
	require.Equal(t, StateWelcome, state.CurrentState)
	require.Nil(t, state.PreviousState)
	require.Empty(t, state.Context)
}

func TestSetStateByUserIDRequiresExistingUser(t *testing.T) {
	f := newSessionFixture(t)
	err := f.sessions.SetState(context.Background(), ByUserID("missing"), DialogueState{CurrentState: StateMainMenu}, "t1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetStateRoundTripsData(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000007")
	prev := StateMainMenu

	err := f.sessions.SetState(ctx, key, DialogueState{
		CurrentState:  StateCoursesList,
		PreviousState: &prev,
		Data:          map[string]any{"page": "2"},
		Context:       map[string]any{"x": true},
	}, "t1")
	require.NoError(t, err)

	state, err := f.sessions.GetState(ctx, key, "t1")
	require.NoError(t, err)
	require.Equal(t, StateCoursesList, state.CurrentState)
	require.Equal(t, map[string]any{"page": "2"}, state.Data)
	require.Equal(t, map[string]any{"x": true}, state.Context)

	err = f.sessions.SetState(ctx, key, DialogueState{CurrentState: State("UNKNOWN")}, "t1")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAdvanceRoutesInput(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000008")

	state, ok, err := f.sessions.Advance(ctx, key, "oi", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateMainMenu, state.CurrentState)

	state, ok, err = f.sessions.Advance(ctx, key, " 4 ", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateFAQCategories, state.CurrentState)

	f.clock.Advance(10 * time.Minute)
	state, ok, err = f.sessions.Advance(ctx, key, "banana", "t1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, StateFAQCategories, state.CurrentState)
	require.Equal(t, StateMainMenu, *state.PreviousState)
	require.True(t, f.clock.Now().Equal(state.LastActivity))

	stored, err := f.sessions.GetState(ctx, key, "t1")
	require.NoError(t, err)
	require.True(t, f.clock.Now().Equal(stored.LastActivity))

	state, ok, err = f.sessions.Advance(ctx, key, "MENU", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StateMainMenu, state.CurrentState)
	require.Equal(t, StateFAQCategories, *state.PreviousState)

	_, ok, err = f.sessions.Advance(ctx, key, "9", "t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCorruptPayloadDegradesToDefault(t *testing.T) {
	cases := map[string]SessionRow{
		"not json":        {State: StateMainMenu, Payload: "{not json"},
		"schema mismatch": {State: StateMainMenu, Payload: `{"v":2,"context":"oops"}`},
		"future version":  {State: StateMainMenu, Payload: `{"v":9,"context":{}}`},
		"unknown state":   {State: State("GONE"), Payload: `{"v":2}`},
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			f := newSessionFixture(t)
			ctx := context.Background()
			userID, err := f.sessions.Identity().EnsureUser(ctx, "t1", "5511000000010")
			require.NoError(t, err)
			row.ID = "s1"
			row.TenantID = "t1"
			row.UserID = userID
			row.LastActivity = f.clock.Now().Add(-time.Minute)
			require.NoError(t, f.backend.SaveSession(ctx, row, 0))

			state, err := f.sessions.GetState(ctx, ByUserID(userID), "t1")
			require.NoError(t, err)
			require.Equal(t, StateWelcome, state.CurrentState)
			require.Empty(t, state.Context)

			_, err = f.sessions.Transition(ctx, ByUserID(userID), StateMainMenu, nil, "t1")
			require.NoError(t, err, "a corrupt row must be replaceable")
		})
	}
}

func TestLegacyPayloadDecodesAsVersionOne(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	userID, err := f.sessions.Identity().EnsureUser(ctx, "t1", "5511000000011")
	require.NoError(t, err)
	require.NoError(t, f.backend.SaveSession(ctx, SessionRow{
		ID:           "s1",
		TenantID:     "t1",
		UserID:       userID,
		State:        StateMainMenu,
		Payload:      `{"previousState":"WELCOME","data":{},"context":{"topic":"curso"}}`,
		LastActivity: f.clock.Now(),
	}, 0))

	state, err := f.sessions.GetState(ctx, ByUserID(userID), "t1")
	require.NoError(t, err)
	require.Equal(t, StateMainMenu, state.CurrentState)
	require.Equal(t, StateWelcome, *state.PreviousState)
	require.Equal(t, "curso", state.Context["topic"])

	_, err = f.sessions.UpdateContext(ctx, ByUserID(userID), map[string]any{"step": "1"}, "t1")
	require.NoError(t, err)
	row, err := f.backend.LoadSession(ctx, "t1", userID)
	require.NoError(t, err)
	require.Contains(t, row.Payload, `"v":2`)
	require.EqualValues(t, 2, row.Version)
}

func TestConcurrentUpdatesDoNotLoseWrites(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	key := ByPhone("5511000000012")

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.sessions.UpdateContext(ctx, key, map[string]any{fmt.Sprintf("k%d", n): n}, "t1")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state, err := f.sessions.GetState(ctx, key, "t1")
	require.NoError(t, err)
	require.Len(t, state.Context, writers)
	require.Zero(t, f.sessions.locks.size())
}

// conflictingBackend makes the first n saves lose a version race.
type conflictingBackend struct {
	*InMemoryBackend
	mu        sync.Mutex
	conflicts int
	saves     int
}

func (b *conflictingBackend) SaveSession(ctx context.Context, row SessionRow, expected int64) error {
	b.mu.Lock()
	b.saves++
	conflict := b.conflicts > 0
	if conflict {
		b.conflicts--
	}
	b.mu.Unlock()
	if conflict {
		return &VersionConflictError{TenantID: row.TenantID, UserID: row.UserID, ExpectedVersion: expected}
	}
	return b.InMemoryBackend.SaveSession(ctx, row, expected)
}

func TestVersionConflictIsRetried(t *testing.T) {
	backend := &conflictingBackend{InMemoryBackend: NewInMemoryBackend(), conflicts: 2}
	sessions, err := NewSessionManager(SessionOptions{Backend: backend})
	require.NoError(t, err)

	state, err := sessions.Transition(context.Background(), ByPhone("1"), StateMainMenu, nil, "t1")
	require.NoError(t, err)
	require.Equal(t, StateMainMenu, state.CurrentState)
	require.Equal(t, 3, backend.saves)
}

func TestVersionConflictGivesUpAfterRetries(t *testing.T) {
	backend := &conflictingBackend{InMemoryBackend: NewInMemoryBackend(), conflicts: 100}
	sessions, err := NewSessionManager(SessionOptions{Backend: backend, MaxRetries: 2})
	require.NoError(t, err)

	_, err = sessions.Transition(context.Background(), ByPhone("1"), StateMainMenu, nil, "t1")
	require.ErrorIs(t, err, ErrVersionConflict)
	require.Equal(t, 3, backend.saves)
}

func TestSessionArgsValidated(t *testing.T) {
	f := newSessionFixture(t)
	_, err := f.sessions.GetState(context.Background(), ByPhone("1"), " ")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.sessions.GetState(context.Background(), Key{}, "t1")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestInitialStateIsConfigurable(t *testing.T) {
	flow, err := DefaultFlow(StateMainMenu)
	require.NoError(t, err)
	sessions, err := NewSessionManager(SessionOptions{Backend: NewInMemoryBackend(), Flows: StaticFlow(flow)})
	require.NoError(t, err)
	state, err := sessions.GetState(context.Background(), ByPhone("1"), "t1")
	require.NoError(t, err)
	require.Equal(t, StateMainMenu, state.CurrentState)
}
