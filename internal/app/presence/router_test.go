package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/app/conversation"
	"relaychat/internal/app/identity"
	"relaychat/internal/pkg/errs"
)

// fakeTransport records every delivery per connection.
type fakeTransport struct {
	mu       sync.Mutex
	conns    []string
	groups   map[string]map[string]struct{}
	memberOf map[string]string
	inbox    map[string][]Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		groups:   make(map[string]map[string]struct{}),
		memberOf: make(map[string]string),
		inbox:    make(map[string][]Event),
	}
}

// open registers a connection so it can receive deliveries.
func (f *fakeTransport) open(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = append(f.conns, connID)
}

// close mirrors the hub unregistering a client.
func (f *fakeTransport) close(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.conns {
		if id == connID {
			f.conns = append(f.conns[:i], f.conns[i+1:]...)
			return
		}
	}
}

func (f *fakeTransport) Emit(connID string, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox[connID] = append(f.inbox[connID], ev)
}

func (f *fakeTransport) EmitToGroup(userID string, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for connID := range f.groups[userID] {
		f.inbox[connID] = append(f.inbox[connID], ev)
	}
}

func (f *fakeTransport) EmitToAll(ev Event) {
	f.EmitToOthers("", ev)
}

func (f *fakeTransport) EmitToOthers(except string, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, connID := range f.conns {
		if _, joined := f.memberOf[connID]; joined && connID != except {
			f.inbox[connID] = append(f.inbox[connID], ev)
		}
	}
}

func (f *fakeTransport) Join(connID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[userID] == nil {
		f.groups[userID] = make(map[string]struct{})
	}
	f.groups[userID][connID] = struct{}{}
	f.memberOf[connID] = userID
}

func (f *fakeTransport) Leave(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID, ok := f.memberOf[connID]; ok {
		delete(f.groups[userID], connID)
		delete(f.memberOf, connID)
	}
}

func (f *fakeTransport) CountInGroup(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups[userID])
}

// take returns and clears the events delivered to connID.
func (f *fakeTransport) take(connID string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.inbox[connID]
	delete(f.inbox, connID)
	return evs
}

func (f *fakeTransport) count(connID, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.inbox[connID] {
		if ev.Name == name {
			n++
		}
	}
	return n
}

type fixture struct {
	router     *Router
	transport  *fakeTransport
	identities *identity.Store
	history    *conversation.Log
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		transport:  newFakeTransport(),
		identities: identity.NewStore(),
		history:    conversation.NewLog(),
		clock:      time.Unix(1_700_000_000, 0),
	}
	f.router = NewRouter(f.identities, f.history, f.transport, Options{
		SpamWindow:     2 * time.Second,
		SpamMaxStrikes: 3,
		CommandPrefix:  "/",
		Now:            func() time.Time { return f.clock },
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

// connect opens connID and runs the handshake through the router state machine.
func (f *fixture) connect(t *testing.T, connID string, hs Handshake) Session {
	t.Helper()

	f.transport.open(connID)
	session, err := f.router.handleConnect(connID, hs)
	require.Nil(t, err, "handshake for %s", connID)
	return session
}

func (f *fixture) disconnect(connID string) {
	f.transport.close(connID)
	f.router.handleDisconnect(connID)
}

func names(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Name)
	}
	return out
}

func findEvent(t *testing.T, evs []Event, name string) Event {
	t.Helper()
	for _, ev := range evs {
		if ev.Name == name {
			return ev
		}
	}
	t.Fatalf("event %q not found in %v", name, names(evs))
	return Event{}
}

func TestConnectWithUsernameEmitsInitialSnapshot(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "a1", Handshake{Username: "alice"})
	assert.NotEmpty(t, alice.SessionID)
	assert.NotEmpty(t, alice.UserID)
	assert.Equal(t, "alice", alice.Username)

	evs := f.transport.take("a1")
	assert.Equal(t, []string{OutSession, OutMessages, OutUsers}, names(evs))

	assert.Equal(t, SessionPayload{SessionID: alice.SessionID, UserID: alice.UserID}, evs[0].Data)
	assert.Equal(t, []conversation.BroadcastMessage{}, evs[1].Data)

	users := evs[2].Data.([]UserEntry)
	require.Len(t, users, 1)
	assert.Equal(t, alice.UserID, users[0].UserID)
	assert.True(t, users[0].Connected)

	id, ok := f.identities.Resolve(alice.SessionID)
	require.True(t, ok)
	assert.True(t, id.Connected)
	assert.Equal(t, StateAuthenticated, f.router.conns["a1"].State())
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name     string
		hs       Handshake
		wantCode int
	}{
		{name: "no credentials", hs: Handshake{}, wantCode: errs.ErrInvalidCredentials},
		{name: "unknown session without username", hs: Handshake{SessionID: "stale"}, wantCode: errs.ErrInvalidCredentials},
		{name: "duplicate username", hs: Handshake{Username: "alice"}, wantCode: errs.ErrUsernameTaken},
		{name: "unknown session with duplicate username", hs: Handshake{SessionID: "stale", Username: "alice"}, wantCode: errs.ErrUsernameTaken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.connect(t, "a1", Handshake{Username: "alice"})
			identitiesBefore := f.identities.Len()

			f.transport.open("x1")
			_, err := f.router.handleConnect("x1", tt.hs)
			require.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)

			assert.Equal(t, identitiesBefore, f.identities.Len(), "rejection must not create identities")
			assert.NotContains(t, f.router.conns, "x1")
			assert.Empty(t, f.transport.take("x1"))
		})
	}
}

func TestSessionReconnectKeepsIdentity(t *testing.T) {
	f := newFixture(t)

	first := f.connect(t, "a1", Handshake{Username: "alice"})

	previous := "a1"
	for _, connID := range []string{"a2", "a3", "a4"} {
		f.disconnect(previous)

		// The username in the handshake is ignored when the session resolves.
		again := f.connect(t, connID, Handshake{SessionID: first.SessionID, Username: "someone-else"})
		assert.Equal(t, first, again)
		previous = connID
	}

	id, ok := f.identities.Resolve(first.SessionID)
	require.True(t, ok)
	assert.Equal(t, first.UserID, id.UserID)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, 1, f.identities.Len())
}

func TestMultiTabPresence(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "a1", Handshake{Username: "alice"})
	f.connect(t, "a2", Handshake{SessionID: alice.SessionID})
	f.connect(t, "b1", Handshake{Username: "bob"})
	f.transport.take("b1")

	f.disconnect("a1")
	id, _ := f.identities.Resolve(alice.SessionID)
	assert.True(t, id.Connected, "one tab still open")
	assert.Equal(t, 0, f.transport.count("b1", OutUserDisconnected))

	f.disconnect("a2")
	id, _ = f.identities.Resolve(alice.SessionID)
	assert.False(t, id.Connected)
	assert.Equal(t, 1, f.transport.count("b1", OutUserDisconnected))

	// A late duplicate disconnect must not notify again.
	f.disconnect("a2")
	assert.Equal(t, 1, f.transport.count("b1", OutUserDisconnected))

	ev := findEvent(t, f.transport.take("b1"), OutUserDisconnected)
	assert.Equal(t, UserRef{UserID: alice.UserID}, ev.Data)
}

func TestArrivalNoticeIsScopedPerRecipient(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "a1", Handshake{Username: "alice"})
	bob := f.connect(t, "b1", Handshake{Username: "bob"})
	carol := f.connect(t, "c1", Handshake{Username: "carol"})

	f.router.handleInbound("a1", PrivateText{Content: "for bob", To: bob.UserID})
	f.advance(3 * time.Second)
	f.router.handleInbound("a1", PrivateText{Content: "for carol", To: carol.UserID})

	f.disconnect("a1")
	f.transport.take("b1")
	f.transport.take("c1")

	f.connect(t, "a2", Handshake{SessionID: alice.SessionID})

	toBob := findEvent(t, f.transport.take("b1"), OutUserConnected).Data.(UserEntry)
	assert.Equal(t, alice.UserID, toBob.UserID)
	assert.True(t, toBob.Connected)
	require.Len(t, toBob.Messages, 1)
	assert.Equal(t, "for bob", toBob.Messages[0].Content)

	toCarol := findEvent(t, f.transport.take("c1"), OutUserConnected).Data.(UserEntry)
	require.Len(t, toCarol.Messages, 1)
	assert.Equal(t, "for carol", toCarol.Messages[0].Content)

	// The initial users list is partitioned from alice's point of view.
	users := findEvent(t, f.transport.take("a2"), OutUsers).Data.([]UserEntry)
	byID := make(map[string]UserEntry)
	for _, u := range users {
		byID[u.UserID] = u
	}
	assert.Len(t, byID[bob.UserID].Messages, 1)
	assert.Len(t, byID[carol.UserID].Messages, 1)
	assert.Empty(t, byID[alice.UserID].Messages)
}

func TestPrivateMessageReachesOnlyParticipants(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "a1", Handshake{Username: "alice"})
	f.connect(t, "a2", Handshake{SessionID: alice.SessionID})
	bob := f.connect(t, "b1", Handshake{Username: "bob"})
	f.connect(t, "c1", Handshake{Username: "carol"})
	for _, id := range []string{"a1", "a2", "b1", "c1"} {
		f.transport.take(id)
	}

	f.router.handleInbound("a1", PrivateText{Content: "hi", To: bob.UserID})

	want := conversation.PrivateMessage{Content: "hi", From: alice.UserID, To: bob.UserID, Username: "alice"}
	for _, id := range []string{"a1", "a2", "b1"} {
		evs := f.transport.take(id)
		require.Len(t, evs, 1, "conn %s", id)
		assert.Equal(t, OutPrivateMessage, evs[0].Name)
		assert.Equal(t, want, evs[0].Data)
	}
	assert.Empty(t, f.transport.take("c1"))

	assert.Equal(t, []conversation.PrivateMessage{want}, f.history.FindPrivateFor(alice.UserID))
	assert.Equal(t, []conversation.PrivateMessage{want}, f.history.FindPrivateFor(bob.UserID))
}

func TestBroadcastMessageIsDeliveredAndStored(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "a1", Handshake{Username: "alice"})
	f.connect(t, "b1", Handshake{Username: "bob"})
	f.transport.take("a1")
	f.transport.take("b1")

	f.router.handleInbound("a1", BroadcastText{Content: "hello all"})

	want := conversation.BroadcastMessage{Content: "hello all", From: alice.UserID, Username: "alice"}
	for _, id := range []string{"a1", "b1"} {
		evs := f.transport.take(id)
		require.Len(t, evs, 1)
		assert.Equal(t, MessageEvent(want), evs[0])
	}
	assert.Equal(t, []conversation.BroadcastMessage{want}, f.history.AllBroadcast())

	// Late joiners get the history replayed.
	f.connect(t, "c1", Handshake{Username: "carol"})
	replay := findEvent(t, f.transport.take("c1"), OutMessages)
	assert.Equal(t, []conversation.BroadcastMessage{want}, replay.Data)
}

func TestCommandsAreRelayedButNeverStored(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "a1", Handshake{Username: "alice"})
	bob := f.connect(t, "b1", Handshake{Username: "bob"})
	f.connect(t, "c1", Handshake{Username: "carol"})
	for _, id := range []string{"a1", "b1", "c1"} {
		f.transport.take(id)
	}

	f.router.handleInbound("a1", BroadcastText{Content: "/shrug"})
	for _, id := range []string{"a1", "b1", "c1"} {
		ev := findEvent(t, f.transport.take(id), OutCommand)
		assert.Equal(t, "/shrug", ev.Data.(CommandPayload).Content)
	}

	f.advance(3 * time.Second)
	f.router.handleInbound("a1", PrivateText{Content: "/nudge", To: bob.UserID})
	assert.Equal(t, 1, f.transport.count("a1", OutCommand))
	assert.Equal(t, 1, f.transport.count("b1", OutCommand))
	assert.Equal(t, 0, f.transport.count("c1", OutCommand))

	assert.Empty(t, f.history.AllBroadcast())
	assert.Empty(t, f.history.FindPrivateFor(alice.UserID))
}

func TestSpamGuardThrottlesSender(t *testing.T) {
	f := newFixture(t)

	f.connect(t, "a1", Handshake{Username: "alice"})
	f.connect(t, "b1", Handshake{Username: "bob"})
	f.transport.take("a1")
	f.transport.take("b1")

	for i := 0; i < 4; i++ {
		if i > 0 {
			f.advance(500 * time.Millisecond)
		}
		f.router.handleInbound("a1", BroadcastText{Content: "spam"})
	}
	f.advance(300 * time.Millisecond)
	f.router.handleInbound("a1", BroadcastText{Content: "spam"})

	assert.Len(t, f.history.AllBroadcast(), 4)
	assert.Equal(t, 4, f.transport.count("b1", OutMessage))

	errEv := findEvent(t, f.transport.take("a1"), OutChatError)
	assert.Equal(t, errs.ErrMessageThrottled, errEv.Data.(ErrorPayload).Code)
	assert.Empty(t, findAll(f.transport.take("b1"), OutChatError), "other connections are unaffected")

	// Private messages share the same guard.
	f.router.handleInbound("a1", PrivateText{Content: "psst", To: "anyone"})
	assert.Equal(t, 1, f.transport.count("a1", OutChatError))

	// After a quiet window the sender is accepted again.
	f.advance(2 * time.Second)
	f.router.handleInbound("a1", BroadcastText{Content: "calm"})
	assert.Len(t, f.history.AllBroadcast(), 5)
}

func TestSpamGuardIsPerConnection(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "a1", Handshake{Username: "alice"})
	for i := 0; i < 5; i++ {
		f.router.handleInbound("a1", BroadcastText{Content: "x"})
	}
	assert.Equal(t, 1, f.transport.count("a1", OutChatError))

	f.connect(t, "a2", Handshake{SessionID: alice.SessionID})
	f.router.handleInbound("a2", BroadcastText{Content: "fresh tab"})
	assert.Equal(t, 0, f.transport.count("a2", OutChatError))
}

func TestTypingRelays(t *testing.T) {
	f := newFixture(t)

	f.connect(t, "a1", Handshake{Username: "alice"})
	bob := f.connect(t, "b1", Handshake{Username: "bob"})
	f.connect(t, "c1", Handshake{Username: "carol"})
	for _, id := range []string{"a1", "b1", "c1"} {
		f.transport.take(id)
	}

	f.router.handleInbound("a1", Typing{})
	assert.Empty(t, f.transport.take("a1"), "broadcast typing skips the sender")
	assert.Equal(t, []Event{TypingEvent(false, "alice")}, f.transport.take("b1"))
	assert.Equal(t, []Event{TypingEvent(false, "alice")}, f.transport.take("c1"))

	f.router.handleInbound("a1", Typing{Stopped: true, To: bob.UserID})
	ev := findEvent(t, f.transport.take("b1"), OutPrivateUserStoppedTyping)
	assert.Equal(t, "alice", ev.Data.(PrivateTypingPayload).Username)
	assert.Len(t, f.transport.take("a1"), 1)
	assert.Empty(t, f.transport.take("c1"))

	assert.Empty(t, f.history.AllBroadcast())
}

func TestEventsFromUnknownConnectionAreDropped(t *testing.T) {
	f := newFixture(t)
	f.transport.open("ghost")

	f.router.handleInbound("ghost", BroadcastText{Content: "boo"})
	f.router.handleDisconnect("ghost")

	assert.Empty(t, f.transport.take("ghost"))
	assert.Empty(t, f.history.AllBroadcast())
}

func TestRunLoopSerializesRequests(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.Run(ctx)
	}()

	f.transport.open("a1")
	alice, err := f.router.Connect(ctx, "a1", Handshake{Username: "alice"})
	require.NoError(t, err)

	f.transport.open("a2")
	_, err = f.router.Connect(ctx, "a2", Handshake{Username: "alice"})
	require.Error(t, err)
	assert.Equal(t, errs.ErrUsernameTaken, errs.CodeOf(err))

	require.NoError(t, f.router.Dispatch(ctx, "a1", BroadcastText{Content: "queued"}))
	f.transport.close("a1")
	f.router.Disconnect("a1")

	// Connect is answered by the loop, so everything queued before it has been applied.
	f.transport.open("b1")
	_, err = f.router.Connect(ctx, "b1", Handshake{Username: "bob"})
	require.NoError(t, err)

	assert.Len(t, f.history.AllBroadcast(), 1)
	id, _ := f.identities.Resolve(alice.SessionID)
	assert.False(t, id.Connected)

	cancel()
	<-done

	_, err = f.router.Connect(context.Background(), "c1", Handshake{Username: "carol"})
	assert.Equal(t, errs.ErrServiceUnavailable, errs.CodeOf(err))
}

func findAll(evs []Event, name string) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func startLoop(t *testing.T, r *Router) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

func TestAbandonedHandshakeLeavesNoState(t *testing.T) {
	f := newFixture(t)

	// The caller gives up while the request is still waiting for the loop.
	f.transport.open("c1")
	abandoned, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.router.Connect(abandoned, "c1", Handshake{Username: "alice"})
	require.ErrorIs(t, err, context.Canceled)
	f.transport.close("c1")

	ctx := startLoop(t, f.router)

	f.transport.open("c2")
	alice, err := f.router.Connect(ctx, "c2", Handshake{Username: "alice"})
	require.NoError(t, err, "the username must still be free")

	assert.Len(t, f.identities.ListAll(), 1)
	assert.Equal(t, 1, f.transport.CountInGroup(alice.UserID))
	assert.NotContains(t, f.transport.memberOf, "c1")
}

func TestAbandonedReconnectDoesNotPinPresence(t *testing.T) {
	f := newFixture(t)
	ctx := startLoop(t, f.router)

	f.transport.open("a1")
	alice, err := f.router.Connect(ctx, "a1", Handshake{Username: "alice"})
	require.NoError(t, err)

	f.transport.open("a2")
	abandoned, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.router.Connect(abandoned, "a2", Handshake{SessionID: alice.SessionID})
	require.ErrorIs(t, err, context.Canceled)
	f.transport.close("a2")

	f.transport.close("a1")
	f.router.Disconnect("a1")

	// Connect is answered by the loop, so the disconnects above have been applied.
	f.transport.open("b1")
	_, err = f.router.Connect(ctx, "b1", Handshake{Username: "bob"})
	require.NoError(t, err)

	assert.Equal(t, 0, f.transport.CountInGroup(alice.UserID))
	id, ok := f.identities.Resolve(alice.SessionID)
	require.True(t, ok)
	assert.False(t, id.Connected)
}

func TestPendingConnectionMissesFanOut(t *testing.T) {
	f := newFixture(t)

	alice := f.connect(t, "a1", Handshake{Username: "alice"})
	f.transport.take("a1")

	// b1 is reachable but has not completed its handshake.
	f.transport.open("b1")
	f.router.handleInbound("a1", BroadcastText{Content: "hello"})
	f.router.handleInbound("a1", Typing{})
	assert.Empty(t, f.transport.take("b1"))

	f.connect(t, "b1", Handshake{Username: "bob"})
	evs := f.transport.take("b1")
	assert.Equal(t, []string{OutSession, OutMessages, OutUsers}, names(evs))
	assert.Equal(t, []conversation.BroadcastMessage{{Content: "hello", From: alice.UserID, Username: "alice"}}, evs[1].Data)
}
